package ingest

import (
	"math"
	"strconv"
	"unicode/utf8"

	"github.com/basekick-labs/schemaless/pkg/models"
)

// Storage limits for names and variable-length values.
const (
	DefaultMaxMeasurementLen = 192
	DefaultMaxTagKeyLen      = 64
	DefaultMaxBinaryLen      = 16384
	DefaultMaxNCharLen       = 16384

	// VarHeaderSize is reserved at the front of every variable-length cell.
	VarHeaderSize = 2
	// NCharSize is the storage width of one nchar character.
	NCharSize = 4
)

// valueObjectMembers is the member count of a {value, type} object.
const valueObjectMembers = 2

// Limits bounds the names and variable-length values accepted by the parser.
type Limits struct {
	MaxMeasurementLen int
	MaxTagKeyLen      int
	MaxBinaryLen      int // includes VarHeaderSize
	MaxNCharLen       int // bytes, includes VarHeaderSize
}

// DefaultLimits returns the storage engine's standard limits.
func DefaultLimits() Limits {
	return Limits{
		MaxMeasurementLen: DefaultMaxMeasurementLen,
		MaxTagKeyLen:      DefaultMaxTagKeyLen,
		MaxBinaryLen:      DefaultMaxBinaryLen,
		MaxNCharLen:       DefaultMaxNCharLen,
	}
}

// maxBinaryBytes is the largest binary payload in bytes.
func (l Limits) maxBinaryBytes() int {
	return l.MaxBinaryLen - VarHeaderSize
}

// maxNCharChars is the largest nchar payload in characters.
func (l Limits) maxNCharChars() int {
	return (l.MaxNCharLen - VarHeaderSize) / NCharSize
}

// Coercer converts raw payload values into typed values. It holds no state
// beyond its configuration and is safe for concurrent use.
type Coercer struct {
	// DefaultString is the type given to bare json strings (binary or nchar).
	DefaultString models.DataType
	Limits        Limits
}

// NewCoercer returns a coercer with the given default string type.
// Anything other than binary falls back to nchar.
func NewCoercer(defaultString models.DataType, limits Limits) *Coercer {
	if defaultString != models.TypeBinary {
		defaultString = models.TypeNChar
	}
	return &Coercer{DefaultString: defaultString, Limits: limits}
}

// Coerce converts raw into a typed value keyed by key. raw is either a bare
// bool/number/string or a {value, type} object with an explicit type.
func (c *Coercer) Coerce(key string, raw *Node) (models.TypedValue, error) {
	kv := models.TypedValue{Key: key}

	switch raw.Kind {
	case NodeBool:
		kv.Type = models.TypeBool
		kv.Length = models.TypeBool.Bytes()
		if raw.Bool {
			kv.I = 1
		}
		return kv, nil

	case NodeNumber:
		// Source precision is unknown, widen to double
		kv.Type = models.TypeDouble
		kv.Length = models.TypeDouble.Bytes()
		kv.F = raw.Num
		return kv, nil

	case NodeString:
		if err := c.setString(&kv, c.DefaultString, raw.Str); err != nil {
			return kv, err
		}
		return kv, nil

	case NodeObject:
		if err := c.coerceObject(&kv, raw); err != nil {
			return kv, err
		}
		return kv, nil

	default:
		return kv, newFieldError(ErrInvalidJSONType, key, raw.String())
	}
}

// coerceObject handles the {"value": v, "type": "i32"} form.
func (c *Coercer) coerceObject(kv *models.TypedValue, obj *Node) error {
	if obj.Len() != valueObjectMembers {
		return newFieldError(ErrInvalidJSON, kv.Key, obj.String())
	}
	value := obj.Get("value")
	if value == nil {
		return newFieldError(ErrInvalidJSON, kv.Key, obj.String())
	}
	typeNode := obj.Get("type")
	if typeNode == nil || typeNode.Kind != NodeString {
		return newFieldError(ErrInvalidJSON, kv.Key, obj.String())
	}

	declared, ok := models.ParseDataType(typeNode.Str)
	if !ok || declared == models.TypeTimestamp {
		return newFieldError(ErrInvalidDeclaredType, kv.Key, strconv.Quote(typeNode.Str))
	}

	switch value.Kind {
	case NodeBool:
		if declared != models.TypeBool {
			return newFieldError(ErrInvalidDeclaredType, kv.Key, strconv.Quote(typeNode.Str)+" for json bool")
		}
		kv.Type = models.TypeBool
		kv.Length = models.TypeBool.Bytes()
		if value.Bool {
			kv.I = 1
		}
		return nil

	case NodeNumber:
		return c.setNumber(kv, declared, value, typeNode.Str)

	case NodeString:
		if !declared.IsVar() {
			return newFieldError(ErrInvalidDeclaredType, kv.Key, strconv.Quote(typeNode.Str)+" for json string")
		}
		return c.setString(kv, declared, value.Str)

	default:
		return newFieldError(ErrInvalidJSONType, kv.Key, value.String())
	}
}

// setNumber applies the per-type range policy: small integer types and
// float reject out-of-range values, bigint saturates, double is unchecked.
func (c *Coercer) setNumber(kv *models.TypedValue, declared models.DataType, value *Node, token string) error {
	v := value.Num

	switch declared {
	case models.TypeTinyInt:
		if v < math.MinInt8 || v > math.MaxInt8 {
			return newFieldError(ErrValueOutOfRange, kv.Key, value.String()+" for tinyint")
		}
		kv.I = int64(v)
	case models.TypeSmallInt:
		if v < math.MinInt16 || v > math.MaxInt16 {
			return newFieldError(ErrValueOutOfRange, kv.Key, value.String()+" for smallint")
		}
		kv.I = int64(v)
	case models.TypeInt:
		if v < math.MinInt32 || v > math.MaxInt32 {
			return newFieldError(ErrValueOutOfRange, kv.Key, value.String()+" for int")
		}
		kv.I = int64(v)
	case models.TypeBigInt:
		kv.I = saturateInt64(v)
	case models.TypeFloat:
		if v < -math.MaxFloat32 || v > math.MaxFloat32 {
			return newFieldError(ErrValueOutOfRange, kv.Key, value.String()+" for float")
		}
		kv.F = v
	case models.TypeDouble:
		kv.F = v
	default:
		return newFieldError(ErrInvalidDeclaredType, kv.Key, strconv.Quote(token)+" for json number")
	}

	kv.Type = declared
	kv.Length = declared.Bytes()
	return nil
}

// setString enforces the binary byte limit and the nchar character limit.
// Length is always the encoded byte length.
func (c *Coercer) setString(kv *models.TypedValue, typ models.DataType, s string) error {
	switch typ {
	case models.TypeBinary:
		if len(s) > c.Limits.maxBinaryBytes() {
			return newFieldError(ErrColumnTooLong, kv.Key, strconv.Itoa(len(s))+" bytes for binary")
		}
	case models.TypeNChar:
		if n := utf8.RuneCountInString(s); n > c.Limits.maxNCharChars() {
			return newFieldError(ErrColumnTooLong, kv.Key, strconv.Itoa(n)+" characters for nchar")
		}
	default:
		return newFieldError(ErrInvalidDeclaredType, kv.Key, typ.String()+" for json string")
	}

	kv.Type = typ
	kv.S = s
	kv.Length = len(s)
	return nil
}

// saturateInt64 clamps v into the int64 range.
func saturateInt64(v float64) int64 {
	if v >= math.MaxInt64 {
		return math.MaxInt64
	}
	if v <= math.MinInt64 {
		return math.MinInt64
	}
	return int64(v)
}
