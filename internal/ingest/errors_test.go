package ingest

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{ErrInvalidJSON, KindShape},
		{fmt.Errorf("wrapped: %w", ErrColumnTooLong), KindLength},
		{newFieldError(ErrValueOutOfRange, "k", "1"), KindRange},
		{&MissingFieldError{Field: "tags"}, KindShape},
		{ErrInternalDrift, KindInternal},
		{errors.New("other"), 0},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestParseError_Message(t *testing.T) {
	err := withContext(newFieldError(ErrValueOutOfRange, "cpu_id", "300 for tinyint"), 4, "cpu")

	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 4, pe.Index)
	assert.Equal(t, "cpu", pe.Measurement)
	assert.Equal(t, KindRange, pe.Kind)
	assert.Equal(t,
		`data point 4: measurement "cpu": field "cpu_id": value out of range for type (value 300 for tinyint)`,
		err.Error())
}

func TestWithContext_KeepsMeasurement(t *testing.T) {
	inner := newFieldError(ErrInvalidFieldShape, "tags", "1")
	inner.Measurement = "first"

	err := withContext(inner, 2, "second")
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "first", pe.Measurement)
	assert.Equal(t, 2, pe.Index)
}

func TestWithContext_WrapsPlainErrors(t *testing.T) {
	err := withContext(&MissingFieldError{Field: "value"}, 0, "")
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindShape, pe.Kind)
	assert.ErrorIs(t, err, ErrMissingField)
	assert.Equal(t, "data point 0: missing required field: value", err.Error())
}
