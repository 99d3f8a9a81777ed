package models

// Reserved column names of every schemaless table.
const (
	TimestampColumn = "_ts"
	ValueColumn     = "_value"
)

// TypedValue is a single key/value coerced into the storage type system.
// Integers, booleans and timestamps use I, float and double use F,
// binary and nchar use S.
type TypedValue struct {
	Key    string
	Type   DataType
	I      int64
	F      float64
	S      string
	Length int // byte width for fixed types, encoded byte length for binary/nchar
}

// Value returns the payload as a plain Go value.
func (v TypedValue) Value() interface{} {
	switch v.Type {
	case TypeBool:
		return v.I != 0
	case TypeTinyInt:
		return int8(v.I)
	case TypeSmallInt:
		return int16(v.I)
	case TypeInt:
		return int32(v.I)
	case TypeBigInt, TypeTimestamp:
		return v.I
	case TypeFloat:
		return float32(v.F)
	case TypeDouble:
		return v.F
	case TypeBinary, TypeNChar:
		return v.S
	default:
		return nil
	}
}

// CloneValues returns a copy of vals that shares no backing array with it.
func CloneValues(vals []TypedValue) []TypedValue {
	if vals == nil {
		return nil
	}
	out := make([]TypedValue, len(vals))
	copy(out, vals)
	return out
}
