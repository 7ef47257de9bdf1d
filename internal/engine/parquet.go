package engine

import (
	"context"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/quasar-data/quasar/pkg/errors"
	"github.com/quasar-data/quasar/pkg/table"
)

// ReadParquet loads a Parquet file into a table, optionally projecting
// columns and capping rows. A nil or empty columns slice reads every
// column; a non-positive limit reads every row.
func ReadParquet(ctx context.Context, path string, columns []string, limit int64) (*table.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf(errors.ErrorTypeNotFound, "parquet file %s not found", path)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeStorageIO, "failed to open parquet file")
	}
	defer f.Close()

	fr, err := file.NewParquetReader(f)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorageIO, "failed to read parquet metadata")
	}
	defer fr.Close()

	arrowReader, err := pqarrow.NewFileReader(fr, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorageIO, "failed to create arrow reader")
	}

	at, err := arrowReader.ReadTable(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorageIO, "failed to read parquet data")
	}
	defer at.Release()

	tbl, err := table.FromArrowTable(at)
	if err != nil {
		return nil, err
	}

	eng := New()
	if len(columns) > 0 {
		projected, perr := eng.selectColumns(tbl, columns)
		tbl.Release()
		if perr != nil {
			return nil, perr
		}
		tbl = projected
	}
	if limit > 0 && limit < tbl.NumRows() {
		limited, herr := eng.head(tbl, limit)
		tbl.Release()
		if herr != nil {
			return nil, herr
		}
		tbl = limited
	}
	return tbl, nil
}

// WriteParquet writes the table to path with zstd compression, using the
// same temp-then-rename publish discipline as the artifact store.
func WriteParquet(ctx context.Context, path string, tbl *table.Table) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorageIO, "write cancelled")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".parquet-*.tmp")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorageIO, "failed to create temp file")
	}
	tmpPath := tmp.Name()

	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Zstd),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(
		pqarrow.WithAllocator(memory.DefaultAllocator),
	)

	fw, err := pqarrow.NewFileWriter(tbl.Schema(), tmp, props, arrowProps)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, errors.ErrorTypeStorageIO, "failed to create parquet writer")
	}

	if err := fw.Write(tbl.Record()); err != nil {
		fw.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, errors.ErrorTypeStorageIO, "failed to write parquet data")
	}
	if err := fw.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, errors.ErrorTypeStorageIO, "failed to finalize parquet file")
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, errors.ErrorTypeStorageIO, "failed to publish parquet file")
	}
	return nil
}
