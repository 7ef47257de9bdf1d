// Package engine evaluates the closed set of table operations Quasar
// exposes over handles. Every operation is a pure function from an input
// table to an output table; the engine never mutates its input, so a
// table shared by several handles is safe to operate on concurrently.
package engine

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"go.uber.org/zap"

	"github.com/quasar-data/quasar/pkg/errors"
	"github.com/quasar-data/quasar/pkg/logger"
	"github.com/quasar-data/quasar/pkg/table"
)

// Kind names one operation in the closed set.
type Kind string

const (
	// OpSelectAll returns the table unchanged.
	OpSelectAll Kind = "select_all"
	// OpSelect projects the named columns in the requested order.
	OpSelect Kind = "select"
	// OpHead returns the first Limit rows.
	OpHead Kind = "head"
	// OpFilterEqual keeps rows where Column equals Value.
	OpFilterEqual Kind = "filter_equal"
	// OpSchema returns a table describing the input's schema.
	OpSchema Kind = "schema"
)

// Operation is one request against a handle's table. Fields beyond Kind
// are interpreted per operation; unused fields are ignored.
type Operation struct {
	Kind    Kind        `json:"kind"`
	Columns []string    `json:"columns,omitempty"`
	Limit   int64       `json:"limit,omitempty"`
	Column  string      `json:"column,omitempty"`
	Value   interface{} `json:"value,omitempty"`
}

// Engine applies operations to tables.
type Engine struct {
	log *zap.Logger
}

// New creates an engine.
func New() *Engine {
	return &Engine{log: logger.With(zap.String("component", "engine"))}
}

// Apply evaluates op against tbl and returns the result as a new table
// reference owned by the caller. The input is never modified. Unknown
// operation kinds are reported as unimplemented so clients can tell a
// typo from a bad argument.
func (e *Engine) Apply(ctx context.Context, op Operation, tbl *table.Table) (*table.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "operation cancelled")
	}

	switch op.Kind {
	case OpSelectAll:
		tbl.Retain()
		return tbl, nil
	case OpSelect:
		return e.selectColumns(tbl, op.Columns)
	case OpHead:
		return e.head(tbl, op.Limit)
	case OpFilterEqual:
		return e.filterEqual(tbl, op.Column, op.Value)
	case OpSchema:
		return e.describeSchema(tbl)
	default:
		return nil, errors.Newf(errors.ErrorTypeInvalidArgument, "unknown operation %q", op.Kind)
	}
}

// selectColumns builds a projected record sharing the input's column
// arrays. No data is copied.
func (e *Engine) selectColumns(tbl *table.Table, names []string) (*table.Table, error) {
	if len(names) == 0 {
		return nil, errors.New(errors.ErrorTypeInvalidArgument, "select requires at least one column")
	}

	rec := tbl.Record()
	schema := rec.Schema()

	fields := make([]arrow.Field, len(names))
	cols := make([]arrow.Array, len(names))
	for i, name := range names {
		indices := schema.FieldIndices(name)
		if len(indices) == 0 {
			return nil, errors.Newf(errors.ErrorTypeInvalidArgument, "column %q does not exist", name)
		}
		fields[i] = schema.Field(indices[0])
		col := rec.Column(indices[0])
		col.Retain()
		cols[i] = col
	}

	out := array.NewRecord(arrow.NewSchema(fields, nil), cols, rec.NumRows())
	for _, col := range cols {
		col.Release()
	}
	return table.New(out), nil
}

// head returns the first limit rows as a zero-copy slice.
func (e *Engine) head(tbl *table.Table, limit int64) (*table.Table, error) {
	if limit < 0 {
		return nil, errors.Newf(errors.ErrorTypeInvalidArgument, "head limit must be non-negative, got %d", limit)
	}
	n := tbl.NumRows()
	if limit < n {
		n = limit
	}
	return table.New(tbl.Record().NewSlice(0, n)), nil
}

// filterEqual keeps rows where the named column equals value. Null cells
// never match, not even a null filter value.
func (e *Engine) filterEqual(tbl *table.Table, column string, value interface{}) (*table.Table, error) {
	if column == "" {
		return nil, errors.New(errors.ErrorTypeInvalidArgument, "filter requires a column")
	}

	rec := tbl.Record()
	schema := rec.Schema()
	indices := schema.FieldIndices(column)
	if len(indices) == 0 {
		return nil, errors.Newf(errors.ErrorTypeInvalidArgument, "column %q does not exist", column)
	}
	col := rec.Column(indices[0])

	var selected [][]interface{}
	n := int(rec.NumRows())
	for i := 0; i < n; i++ {
		if col.IsNull(i) {
			continue
		}
		if !valuesEqual(col.GetOneForMarshal(i), value) {
			continue
		}
		row := make([]interface{}, rec.NumCols())
		for j := range row {
			c := rec.Column(j)
			if c.IsNull(i) {
				row[j] = nil
			} else {
				row[j] = c.GetOneForMarshal(i)
			}
		}
		selected = append(selected, row)
	}

	out, err := table.FromRows(schema, selected)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to materialize filter result")
	}
	return out, nil
}

// valuesEqual compares a cell to a filter value, bridging the numeric
// types JSON decoding produces.
func valuesEqual(cell, filter interface{}) bool {
	if cell == filter {
		return true
	}
	cf, cok := asFloat(cell)
	ff, fok := asFloat(filter)
	return cok && fok && cf == ff
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

var schemaResultSchema = arrow.NewSchema([]arrow.Field{
	{Name: "column", Type: arrow.BinaryTypes.String},
	{Name: "type", Type: arrow.BinaryTypes.String},
	{Name: "nullable", Type: arrow.FixedWidthTypes.Boolean},
}, nil)

// describeSchema renders the input's schema as a three-column table.
func (e *Engine) describeSchema(tbl *table.Table) (*table.Table, error) {
	fields := tbl.Schema().Fields()
	rows := make([][]interface{}, len(fields))
	for i, f := range fields {
		rows[i] = []interface{}{f.Name, f.Type.String(), f.Nullable}
	}

	out, err := table.FromRows(schemaResultSchema, rows)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to build schema table")
	}
	return out, nil
}
