package ingest

import (
	"context"
	"testing"

	"github.com/basekick-labs/schemaless/internal/catalog"
	"github.com/basekick-labs/schemaless/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInferSchemas(t *testing.T) {
	p, _ := newTestParser(t, nil)
	res, err := p.ParseBatch(context.Background(), []byte(`[
		{"metric":"cpu","timestamp":0,"value":1,"tags":{"host":"ab"}},
		{"metric":"cpu","timestamp":0,"value":2,"tags":{"host":"abcd","region":"us"}},
		{"metric":"log","timestamp":0,"value":"hello","tags":{"id":{"value":3,"type":"i32"}}},
		{"metric":"log","timestamp":0,"value":"hi","tags":{"id":{"value":4,"type":"i32"}}}
	]`), nil)
	require.NoError(t, err)

	metas, err := InferSchemas(res.Lines, models.PrecisionMilli)
	require.NoError(t, err)
	require.Len(t, metas, 2)

	cpu := metas["cpu"]
	require.NotNil(t, cpu)
	assert.Equal(t, models.PrecisionMilli, cpu.Precision)
	assert.Equal(t, models.Column{Name: models.ValueColumn, Type: models.TypeDouble, Bytes: 8}, cpu.Columns[1])
	assert.Equal(t, []models.Column{
		{Name: "host", Type: models.TypeNChar, Bytes: 4},
		{Name: "region", Type: models.TypeNChar, Bytes: 2},
	}, cpu.Tags)

	log := metas["log"]
	require.NotNil(t, log)
	assert.Equal(t, models.Column{Name: models.ValueColumn, Type: models.TypeNChar, Bytes: 5}, log.Columns[1])
	assert.Equal(t, []models.Column{{Name: "id", Type: models.TypeInt, Bytes: 4}}, log.Tags)
}

func TestInferSchemas_TypeConflict(t *testing.T) {
	p, _ := newTestParser(t, nil)

	for _, payload := range []string{
		`[{"metric":"m","timestamp":0,"value":1,"tags":{"t":"x"}},
		  {"metric":"m","timestamp":0,"value":"s","tags":{"t":"x"}}]`,
		`[{"metric":"m","timestamp":0,"value":1,"tags":{"t":"x"}},
		  {"metric":"m","timestamp":0,"value":1,"tags":{"t":true}}]`,
	} {
		res, err := p.ParseBatch(context.Background(), []byte(payload), nil)
		require.NoError(t, err)

		_, err = InferSchemas(res.Lines, models.PrecisionMilli)
		require.ErrorIs(t, err, ErrTypeConflict)

		var pe *ParseError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, 1, pe.Index)
		assert.Equal(t, "m", pe.Measurement)
	}
}

func TestInferSchemas_IncompleteLine(t *testing.T) {
	_, err := InferSchemas([]*Line{{Measure: "m"}}, models.PrecisionMilli)
	assert.ErrorIs(t, err, ErrIncompleteRow)
}

// A batch that misses the fast path succeeds on it once the inferred
// schemas are in the catalog.
func TestInferSchemas_EnablesFastPath(t *testing.T) {
	cat := catalog.NewMemory()
	p, _ := newTestParser(t, cat)
	payload := []byte(`[
		{"metric":"cpu","timestamp":1700000000,"value":1,"tags":{"host":"a","region":"us"}},
		{"metric":"cpu","timestamp":1700000001,"value":2,"tags":{"host":"b","region":"eu"}}
	]`)

	sink := NewArrowSink(nil)
	defer sink.Release()

	res, err := p.ParseBatch(context.Background(), payload, sink)
	require.NoError(t, err)
	require.Equal(t, ModeGeneric, res.Mode)

	metas, err := InferSchemas(res.Lines, models.PrecisionMilli)
	require.NoError(t, err)
	for _, meta := range metas {
		_, err := cat.Apply(context.Background(), meta)
		require.NoError(t, err)
	}

	res, err = p.ParseBatch(context.Background(), payload, sink)
	require.NoError(t, err)
	assert.Equal(t, ModeFast, res.Mode)
	assert.Empty(t, res.SchemaChanges)
	assert.Equal(t, 2, sink.Rows())
}
