// Package table wraps Arrow record batches as the unit of data exchanged
// between the handle manager, the storage tiers and the dispatcher.
//
// A Table is immutable once built. Sharing across components relies on
// Arrow's reference counting: Retain before handing a table to another
// owner, Release when done. No component mutates a table in place; every
// operation produces a new Table.
package table

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/quasar-data/quasar/pkg/pool"
)

// Table is an immutable, reference-counted tabular payload.
type Table struct {
	rec arrow.Record
}

// New wraps an Arrow record. The Table takes over the caller's reference;
// do not Release the record afterwards.
func New(rec arrow.Record) *Table {
	return &Table{rec: rec}
}

// Record exposes the underlying Arrow record. The reference is borrowed:
// callers that outlive the Table must Retain it themselves.
func (t *Table) Record() arrow.Record {
	return t.rec
}

// Retain increments the reference count.
func (t *Table) Retain() {
	t.rec.Retain()
}

// Release decrements the reference count, freeing buffers at zero.
func (t *Table) Release() {
	t.rec.Release()
}

// NumRows returns the row count.
func (t *Table) NumRows() int64 {
	return t.rec.NumRows()
}

// NumCols returns the column count.
func (t *Table) NumCols() int64 {
	return t.rec.NumCols()
}

// Schema returns the Arrow schema.
func (t *Table) Schema() *arrow.Schema {
	return t.rec.Schema()
}

// ColumnNames returns the field names in schema order.
func (t *Table) ColumnNames() []string {
	fields := t.rec.Schema().Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

// SchemaFingerprint returns a stable hash of the field names and types.
// Two tables with the same fingerprint are structurally compatible.
func (t *Table) SchemaFingerprint() uint64 {
	h := fnv.New64a()
	for _, f := range t.rec.Schema().Fields() {
		h.Write([]byte(f.Name))
		h.Write([]byte{0})
		h.Write([]byte(f.Type.String()))
		h.Write([]byte{0})
		if f.Nullable {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}
	return h.Sum64()
}

// SizeBytes estimates resident memory from the record's backing buffers.
// Used by the hot cache to enforce its byte budget.
func (t *Table) SizeBytes() int64 {
	var size int64
	for i := 0; i < int(t.rec.NumCols()); i++ {
		data := t.rec.Column(i).Data()
		for _, buf := range data.Buffers() {
			if buf != nil {
				size += int64(buf.Len())
			}
		}
	}
	return size
}

// Equal reports observable equality: same schema and same cell values.
func (t *Table) Equal(other *Table) bool {
	if other == nil {
		return false
	}
	return array.RecordEqual(t.rec, other.rec)
}

// String renders a short shape description for logging.
func (t *Table) String() string {
	return fmt.Sprintf("table(%d rows, %d cols)", t.NumRows(), t.NumCols())
}

// ToIPC serializes the table to Arrow IPC stream bytes.
func (t *Table) ToIPC() ([]byte, error) {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	w := ipc.NewWriter(buf, ipc.WithSchema(t.rec.Schema()))
	if err := w.Write(t.rec); err != nil {
		return nil, fmt.Errorf("failed to write record batch: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close IPC writer: %w", err)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// IPCChunks serializes the table as a sequence of independently decodable
// IPC payloads of at most maxRows rows each. Used for materialization
// streaming so no single message exceeds transport limits.
func (t *Table) IPCChunks(maxRows int64) ([][]byte, error) {
	if maxRows <= 0 || t.NumRows() <= maxRows {
		b, err := t.ToIPC()
		if err != nil {
			return nil, err
		}
		return [][]byte{b}, nil
	}

	var chunks [][]byte
	for start := int64(0); start < t.NumRows(); start += maxRows {
		end := start + maxRows
		if end > t.NumRows() {
			end = t.NumRows()
		}
		slice := t.rec.NewSlice(start, end)
		chunk := &Table{rec: slice}
		b, err := chunk.ToIPC()
		chunk.Release()
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, b)
	}
	return chunks, nil
}

// FromIPC deserializes Arrow IPC stream bytes into a Table. Multi-batch
// streams are concatenated into a single record.
func FromIPC(data []byte) (*Table, error) {
	r, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open IPC stream: %w", err)
	}
	defer r.Release()

	var recs []arrow.Record
	for r.Next() {
		rec := r.Record()
		rec.Retain()
		recs = append(recs, rec)
	}
	if err := r.Err(); err != nil {
		for _, rec := range recs {
			rec.Release()
		}
		return nil, fmt.Errorf("failed to read IPC stream: %w", err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("IPC stream contains no record batches")
	}
	if len(recs) == 1 {
		return &Table{rec: recs[0]}, nil
	}

	merged, err := mergeRecords(r.Schema(), recs)
	for _, rec := range recs {
		rec.Release()
	}
	if err != nil {
		return nil, err
	}
	return &Table{rec: merged}, nil
}

// FromArrowTable flattens a chunked arrow.Table into a single-record
// Table. The input is not consumed; the caller still owns its reference.
func FromArrowTable(at arrow.Table) (*Table, error) {
	if at.NumRows() == 0 {
		// An empty table still carries a schema worth preserving.
		bld := array.NewRecordBuilder(memory.DefaultAllocator, at.Schema())
		defer bld.Release()
		return &Table{rec: bld.NewRecord()}, nil
	}

	tr := array.NewTableReader(at, at.NumRows())
	defer tr.Release()

	if !tr.Next() {
		return nil, fmt.Errorf("failed to read arrow table")
	}
	rec := tr.Record()
	rec.Retain()
	return &Table{rec: rec}, nil
}

func mergeRecords(schema *arrow.Schema, recs []arrow.Record) (arrow.Record, error) {
	tbl := array.NewTableFromRecords(schema, recs)
	defer tbl.Release()

	tr := array.NewTableReader(tbl, tbl.NumRows())
	defer tr.Release()

	if !tr.Next() {
		return nil, fmt.Errorf("failed to concatenate record batches")
	}
	rec := tr.Record()
	rec.Retain()
	return rec, nil
}

// ColumnInfo describes one column for schema inspection responses.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Columns returns name/type pairs for every column.
func (t *Table) Columns() []ColumnInfo {
	fields := t.rec.Schema().Fields()
	cols := make([]ColumnInfo, len(fields))
	for i, f := range fields {
		cols[i] = ColumnInfo{Name: f.Name, Type: f.Type.String()}
	}
	return cols
}

// Rows converts up to limit rows into JSON-friendly native values,
// row-major. A non-positive limit returns all rows.
func (t *Table) Rows(limit int) [][]interface{} {
	n := int(t.NumRows())
	if limit > 0 && limit < n {
		n = limit
	}

	rows := make([][]interface{}, n)
	for i := 0; i < n; i++ {
		row := make([]interface{}, t.NumCols())
		for j := 0; j < int(t.NumCols()); j++ {
			col := t.rec.Column(j)
			if col.IsNull(i) {
				row[j] = nil
			} else {
				row[j] = col.GetOneForMarshal(i)
			}
		}
		rows[i] = row
	}
	return rows
}

// FromRows builds a table from Go values, inferring no types: the caller
// supplies the schema. Intended for tests and small inline payloads; bulk
// ingestion goes through IPC or Parquet.
func FromRows(schema *arrow.Schema, rows [][]interface{}) (*Table, error) {
	bld := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer bld.Release()

	for ri, row := range rows {
		if len(row) != len(schema.Fields()) {
			return nil, fmt.Errorf("row %d has %d values, schema has %d fields", ri, len(row), len(schema.Fields()))
		}
		for ci, val := range row {
			if err := appendValue(bld.Field(ci), val); err != nil {
				return nil, fmt.Errorf("row %d column %q: %w", ri, schema.Field(ci).Name, err)
			}
		}
	}

	return &Table{rec: bld.NewRecord()}, nil
}

func appendValue(b array.Builder, val interface{}) error {
	if val == nil {
		b.AppendNull()
		return nil
	}
	switch bld := b.(type) {
	case *array.Int64Builder:
		switch v := val.(type) {
		case int64:
			bld.Append(v)
		case int:
			bld.Append(int64(v))
		default:
			return fmt.Errorf("expected int64, got %T", val)
		}
	case *array.Float64Builder:
		switch v := val.(type) {
		case float64:
			bld.Append(v)
		case int:
			bld.Append(float64(v))
		default:
			return fmt.Errorf("expected float64, got %T", val)
		}
	case *array.StringBuilder:
		v, ok := val.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", val)
		}
		bld.Append(v)
	case *array.BooleanBuilder:
		v, ok := val.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", val)
		}
		bld.Append(v)
	default:
		return fmt.Errorf("unsupported builder type %T", b)
	}
	return nil
}

// SchemaString renders the schema as "name:type, ..." for diagnostics.
func (t *Table) SchemaString() string {
	parts := make([]string, 0, t.NumCols())
	for _, f := range t.rec.Schema().Fields() {
		parts = append(parts, f.Name+":"+f.Type.String())
	}
	return strings.Join(parts, ", ")
}
