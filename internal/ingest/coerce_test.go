package ingest

import (
	"math"
	"strconv"
	"strings"
	"testing"

	"github.com/basekick-labs/schemaless/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoercer() *Coercer {
	return NewCoercer(models.TypeNChar, DefaultLimits())
}

func TestCoerce_BareValues(t *testing.T) {
	c := newTestCoercer()

	tests := []struct {
		name     string
		input    string
		wantType models.DataType
		check    func(t *testing.T, kv models.TypedValue)
	}{
		{"true", `true`, models.TypeBool, func(t *testing.T, kv models.TypedValue) {
			assert.Equal(t, int64(1), kv.I)
			assert.Equal(t, 1, kv.Length)
		}},
		{"false", `false`, models.TypeBool, func(t *testing.T, kv models.TypedValue) {
			assert.Equal(t, int64(0), kv.I)
		}},
		{"integer widens to double", `42`, models.TypeDouble, func(t *testing.T, kv models.TypedValue) {
			assert.Equal(t, 42.0, kv.F)
			assert.Equal(t, 8, kv.Length)
		}},
		{"string defaults to nchar", `"héllo"`, models.TypeNChar, func(t *testing.T, kv models.TypedValue) {
			assert.Equal(t, "héllo", kv.S)
			assert.Equal(t, len("héllo"), kv.Length)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv, err := c.Coerce("k", mustParseJSON(t, tt.input))
			require.NoError(t, err)
			assert.Equal(t, "k", kv.Key)
			assert.Equal(t, tt.wantType, kv.Type)
			tt.check(t, kv)
		})
	}
}

func TestCoerce_DefaultStringBinary(t *testing.T) {
	c := NewCoercer(models.TypeBinary, DefaultLimits())
	kv, err := c.Coerce("host", mustParseJSON(t, `"web01"`))
	require.NoError(t, err)
	assert.Equal(t, models.TypeBinary, kv.Type)
	assert.Equal(t, 5, kv.Length)

	// Anything but binary falls back to nchar
	assert.Equal(t, models.TypeNChar, NewCoercer(models.TypeInt, DefaultLimits()).DefaultString)
}

func TestCoerce_DeclaredTypes(t *testing.T) {
	c := newTestCoercer()

	tests := []struct {
		input    string
		wantType models.DataType
		wantI    int64
		wantF    float64
		wantS    string
	}{
		{`{"value":true,"type":"bool"}`, models.TypeBool, 1, 0, ""},
		{`{"value":-128,"type":"i8"}`, models.TypeTinyInt, -128, 0, ""},
		{`{"value":127,"type":"TINYINT"}`, models.TypeTinyInt, 127, 0, ""},
		{`{"value":-32768,"type":"i16"}`, models.TypeSmallInt, -32768, 0, ""},
		{`{"value":2147483647,"type":"i32"}`, models.TypeInt, math.MaxInt32, 0, ""},
		{`{"value":9007199254740992,"type":"i64"}`, models.TypeBigInt, 1 << 53, 0, ""},
		{`{"value":1.5,"type":"f32"}`, models.TypeFloat, 0, 1.5, ""},
		{`{"value":1e300,"type":"f64"}`, models.TypeDouble, 0, 1e300, ""},
		{`{"type":"binary","value":"abc"}`, models.TypeBinary, 0, 0, "abc"},
		{`{"value":"abc","type":"nchar"}`, models.TypeNChar, 0, 0, "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			kv, err := c.Coerce("k", mustParseJSON(t, tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, kv.Type)
			assert.Equal(t, tt.wantI, kv.I)
			assert.Equal(t, tt.wantF, kv.F)
			assert.Equal(t, tt.wantS, kv.S)
			if !tt.wantType.IsVar() {
				assert.Equal(t, tt.wantType.Bytes(), kv.Length)
			}
		})
	}
}

func TestCoerce_TinyIntRange(t *testing.T) {
	c := newTestCoercer()

	for v := -300; v <= 300; v += 7 {
		raw := mustParseJSON(t, `{"value":`+strconv.Itoa(v)+`,"type":"i8"}`)
		kv, err := c.Coerce("k", raw)
		if v >= math.MinInt8 && v <= math.MaxInt8 {
			require.NoError(t, err, "value %d", v)
			assert.Equal(t, int64(v), kv.I)
		} else {
			assert.ErrorIs(t, err, ErrValueOutOfRange, "value %d", v)
		}
	}
}

func TestCoerce_BigIntSaturates(t *testing.T) {
	c := newTestCoercer()

	kv, err := c.Coerce("k", mustParseJSON(t, `{"value":1e30,"type":"i64"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), kv.I)

	kv, err = c.Coerce("k", mustParseJSON(t, `{"value":-1e30,"type":"bigint"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(math.MinInt64), kv.I)
}

func TestCoerce_Errors(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxBinaryLen = 10 // 8 bytes of payload
	limits.MaxNCharLen = 14  // 3 characters
	c := NewCoercer(models.TypeNChar, limits)

	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"null", `null`, ErrInvalidJSONType},
		{"array", `[1]`, ErrInvalidJSONType},
		{"object missing type", `{"value":1}`, ErrInvalidJSON},
		{"object extra member", `{"value":1,"type":"i8","x":0}`, ErrInvalidJSON},
		{"object missing value", `{"val":1,"type":"i8"}`, ErrInvalidJSON},
		{"type not a string", `{"value":1,"type":8}`, ErrInvalidJSON},
		{"unknown type", `{"value":1,"type":"u8"}`, ErrInvalidDeclaredType},
		{"timestamp type", `{"value":1,"type":"timestamp"}`, ErrInvalidDeclaredType},
		{"bool declared as int", `{"value":true,"type":"i32"}`, ErrInvalidDeclaredType},
		{"number declared as nchar", `{"value":1,"type":"nchar"}`, ErrInvalidDeclaredType},
		{"string declared as int", `{"value":"1","type":"i32"}`, ErrInvalidDeclaredType},
		{"nested value", `{"value":[1],"type":"i32"}`, ErrInvalidJSONType},
		{"smallint overflow", `{"value":32768,"type":"i16"}`, ErrValueOutOfRange},
		{"int underflow", `{"value":-2147483649,"type":"i32"}`, ErrValueOutOfRange},
		{"float overflow", `{"value":1e39,"type":"f32"}`, ErrValueOutOfRange},
		{"binary too long", `{"value":"123456789","type":"binary"}`, ErrColumnTooLong},
		{"nchar too long", `"abcd"`, ErrColumnTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Coerce("k", mustParseJSON(t, tt.input))
			require.ErrorIs(t, err, tt.want)

			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, "k", pe.Field)
		})
	}
}

func TestCoerce_LengthLimitsAreInclusive(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxBinaryLen = 10
	limits.MaxNCharLen = 14
	c := NewCoercer(models.TypeNChar, limits)

	kv, err := c.Coerce("k", mustParseJSON(t, `{"value":"12345678","type":"binary"}`))
	require.NoError(t, err)
	assert.Equal(t, 8, kv.Length)

	// Three multi-byte characters fit even though they take 9 bytes
	kv, err = c.Coerce("k", mustParseJSON(t, `"日本語"`))
	require.NoError(t, err)
	assert.Equal(t, 9, kv.Length)

	_, err = c.Coerce("k", mustParseJSON(t, `"`+strings.Repeat("x", 4)+`"`))
	assert.ErrorIs(t, err, ErrColumnTooLong)
}
