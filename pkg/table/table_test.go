package table

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "symbol", Type: arrow.BinaryTypes.String},
		{Name: "price", Type: arrow.PrimitiveTypes.Float64},
	}, nil)
}

func testTable(t *testing.T) *Table {
	t.Helper()
	tbl, err := FromRows(testSchema(), [][]interface{}{
		{int64(1), "BTC_USD", 42000.5},
		{int64(2), "ETH_USD", 3100.25},
		{int64(3), "SOL_USD", 99.0},
	})
	require.NoError(t, err)
	return tbl
}

func TestFromRowsShape(t *testing.T) {
	tbl := testTable(t)
	defer tbl.Release()

	assert.Equal(t, int64(3), tbl.NumRows())
	assert.Equal(t, int64(3), tbl.NumCols())
	assert.Equal(t, []string{"id", "symbol", "price"}, tbl.ColumnNames())
}

func TestIPCRoundTrip(t *testing.T) {
	tbl := testTable(t)
	defer tbl.Release()

	data, err := tbl.ToIPC()
	require.NoError(t, err)

	decoded, err := FromIPC(data)
	require.NoError(t, err)
	defer decoded.Release()

	assert.True(t, tbl.Equal(decoded))
}

func TestFromIPCRejectsGarbage(t *testing.T) {
	_, err := FromIPC([]byte("definitely not an arrow stream"))
	assert.Error(t, err)
}

func TestSchemaFingerprintStable(t *testing.T) {
	a := testTable(t)
	defer a.Release()
	b := testTable(t)
	defer b.Release()

	assert.Equal(t, a.SchemaFingerprint(), b.SchemaFingerprint())

	other, err := FromRows(arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
	}, nil), [][]interface{}{{int64(1)}})
	require.NoError(t, err)
	defer other.Release()

	assert.NotEqual(t, a.SchemaFingerprint(), other.SchemaFingerprint())
}

func TestSizeBytesPositive(t *testing.T) {
	tbl := testTable(t)
	defer tbl.Release()
	assert.Greater(t, tbl.SizeBytes(), int64(0))
}

func TestRowsRendering(t *testing.T) {
	tbl := testTable(t)
	defer tbl.Release()

	rows := tbl.Rows(2)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0][0])
	assert.Equal(t, "BTC_USD", rows[0][1])
	assert.Equal(t, 42000.5, rows[0][2])

	all := tbl.Rows(0)
	assert.Len(t, all, 3)
}

func TestIPCChunks(t *testing.T) {
	tbl := testTable(t)
	defer tbl.Release()

	chunks, err := tbl.IPCChunks(1)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	var total int64
	for _, chunk := range chunks {
		part, err := FromIPC(chunk)
		require.NoError(t, err)
		total += part.NumRows()
		part.Release()
	}
	assert.Equal(t, int64(3), total)
}

func TestColumns(t *testing.T) {
	tbl := testTable(t)
	defer tbl.Release()

	cols := tbl.Columns()
	require.Len(t, cols, 3)
	assert.Equal(t, "id", cols[0].Name)
	assert.Equal(t, "int64", cols[0].Type)
	assert.Equal(t, "utf8", cols[1].Type)
}

func TestRetainReleaseSharing(t *testing.T) {
	tbl := testTable(t)

	// Simulates a reader holding its own reference across a drop.
	tbl.Retain()
	tbl.Release()

	assert.Equal(t, int64(3), tbl.NumRows())
	tbl.Release()
}
