package ingest

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/basekick-labs/schemaless/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sinkTestMeta() *models.TableMeta {
	return models.NewTableMeta("cpu", models.PrecisionMicro,
		models.Column{Type: models.TypeFloat},
		[]models.Column{
			{Name: "host", Type: models.TypeBinary, Bytes: 16},
			{Name: "core", Type: models.TypeSmallInt},
			{Name: "up", Type: models.TypeBool},
		})
}

func tsValue(v int64) models.TypedValue {
	return models.TypedValue{Key: models.TimestampColumn, Type: models.TypeTimestamp, I: v, Length: 8}
}

func TestArrowSchema(t *testing.T) {
	schema, err := ArrowSchema(sinkTestMeta())
	require.NoError(t, err)

	require.Equal(t, 5, schema.NumFields())
	assert.Equal(t, "_ts", schema.Field(0).Name)
	assert.False(t, schema.Field(0).Nullable)
	assert.Equal(t, arrow.FixedWidthTypes.Timestamp_us, schema.Field(0).Type)
	assert.Equal(t, arrow.PrimitiveTypes.Float32, schema.Field(1).Type)
	assert.Equal(t, arrow.BinaryTypes.Binary, schema.Field(2).Type)
	assert.Equal(t, arrow.PrimitiveTypes.Int16, schema.Field(3).Type)
	assert.Equal(t, arrow.FixedWidthTypes.Boolean, schema.Field(4).Type)

	md := schema.Metadata()
	idx := md.FindKey("measurement")
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, "cpu", md.Values()[idx])
}

func TestArrowSchema_RejectsMissingValueColumn(t *testing.T) {
	_, err := ArrowSchema(&models.TableMeta{Name: "m", Columns: []models.Column{{Name: "_ts", Type: models.TypeTimestamp}}})
	assert.Error(t, err)

	_, err = ArrowType(models.TypeNull, models.PrecisionNano)
	assert.Error(t, err)
}

func TestArrowSink_AppendRows(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	sink := NewArrowSink(mem)
	defer sink.Release()

	meta := sinkTestMeta()
	table := &ChildTable{Measure: "cpu", Name: "t_1", Tags: []models.TypedValue{
		{Key: "up", Type: models.TypeBool, I: 1},
		{Key: "host", Type: models.TypeBinary, S: "web01", Length: 5},
	}}

	b, err := sink.Allocate(meta, table)
	require.NoError(t, err)

	again, err := sink.Allocate(meta, table)
	require.NoError(t, err)
	assert.Same(t, b, again)

	for i := int64(0); i < 3; i++ {
		require.NoError(t, b.AppendColumn(meta.Columns, tsValue(1000+i), 0))
		require.NoError(t, b.AppendColumn(meta.Columns,
			models.TypedValue{Key: models.ValueColumn, Type: models.TypeFloat, F: float64(i) + 0.5}, 1))
		require.NoError(t, b.FinalizeRow())
	}
	assert.Equal(t, 3, sink.Rows())

	records := sink.Records()
	require.Len(t, records, 1)
	rec := records[0].Record
	defer rec.Release()

	assert.Equal(t, int64(3), rec.NumRows())
	assert.Same(t, table, records[0].Table)
	assert.Equal(t, arrow.Timestamp(1002), rec.Column(0).(*array.Timestamp).Value(2))
	assert.Equal(t, float32(1.5), rec.Column(1).(*array.Float32).Value(1))
	assert.Equal(t, []byte("web01"), rec.Column(2).(*array.Binary).Value(0))
	assert.True(t, rec.Column(3).IsNull(0), "core is not a tag of this child table")
	assert.True(t, rec.Column(4).(*array.Boolean).Value(0))

	assert.Equal(t, 0, sink.Rows())
	assert.Empty(t, sink.Records())
}

func TestArrowSink_AppendErrors(t *testing.T) {
	sink := NewArrowSink(nil)
	defer sink.Release()

	meta := sinkTestMeta()
	b, err := sink.Allocate(meta, &ChildTable{Measure: "cpu", Name: "t_2"})
	require.NoError(t, err)

	err = b.AppendColumn(meta.Columns, tsValue(1), 2)
	assert.ErrorIs(t, err, ErrColumnMismatch)

	err = b.AppendColumn(meta.Columns, models.TypedValue{Key: models.ValueColumn, Type: models.TypeDouble, F: 1}, 1)
	assert.ErrorIs(t, err, ErrColumnMismatch)

	require.NoError(t, b.AppendColumn(meta.Columns, tsValue(1), 0))
	err = b.AppendColumn(meta.Columns, tsValue(2), 0)
	assert.ErrorIs(t, err, ErrColumnMismatch)

	err = b.FinalizeRow()
	assert.ErrorIs(t, err, ErrIncompleteRow)
	assert.Equal(t, 0, sink.Rows())
}

func TestArrowSink_Reset(t *testing.T) {
	sink := NewArrowSink(nil)
	meta := sinkTestMeta()

	b, err := sink.Allocate(meta, &ChildTable{Measure: "cpu", Name: "t_3"})
	require.NoError(t, err)
	require.NoError(t, b.AppendColumn(meta.Columns, tsValue(1), 0))
	require.NoError(t, b.AppendColumn(meta.Columns, models.TypedValue{Type: models.TypeFloat, F: 1}, 1))
	require.NoError(t, b.FinalizeRow())
	require.Equal(t, 1, sink.Rows())

	sink.Reset()
	assert.Equal(t, 0, sink.Rows())
	assert.Empty(t, sink.Records())

	// The sink is usable after a reset
	b, err = sink.Allocate(meta, &ChildTable{Measure: "cpu", Name: "t_3"})
	require.NoError(t, err)
	require.NoError(t, b.AppendColumn(meta.Columns, tsValue(2), 0))
	require.NoError(t, b.AppendColumn(meta.Columns, models.TypedValue{Type: models.TypeFloat, F: 2}, 1))
	require.NoError(t, b.FinalizeRow())
	assert.Equal(t, 1, sink.Rows())
	sink.Release()
}
