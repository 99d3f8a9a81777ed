package models

import (
	"fmt"
	"strings"
)

// DataType is the storage type of a column or tag
type DataType uint8

const (
	TypeNull DataType = iota
	TypeBool
	TypeTinyInt
	TypeSmallInt
	TypeInt
	TypeBigInt
	TypeFloat
	TypeDouble
	TypeBinary
	TypeNChar
	TypeTimestamp
)

var typeNames = [...]string{
	TypeNull:      "null",
	TypeBool:      "bool",
	TypeTinyInt:   "tinyint",
	TypeSmallInt:  "smallint",
	TypeInt:       "int",
	TypeBigInt:    "bigint",
	TypeFloat:     "float",
	TypeDouble:    "double",
	TypeBinary:    "binary",
	TypeNChar:     "nchar",
	TypeTimestamp: "timestamp",
}

// typeBytes holds the canonical width of fixed-width types. Variable-width
// types report 0.
var typeBytes = [...]int{
	TypeNull:      0,
	TypeBool:      1,
	TypeTinyInt:   1,
	TypeSmallInt:  2,
	TypeInt:       4,
	TypeBigInt:    8,
	TypeFloat:     4,
	TypeDouble:    8,
	TypeBinary:    0,
	TypeNChar:     0,
	TypeTimestamp: 8,
}

func (t DataType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Bytes returns the canonical byte width of a fixed-width type, 0 otherwise.
func (t DataType) Bytes() int {
	if int(t) < len(typeBytes) {
		return typeBytes[t]
	}
	return 0
}

// IsVar reports whether values of this type have a per-value encoded length.
func (t DataType) IsVar() bool {
	return t == TypeBinary || t == TypeNChar
}

// IsInteger reports whether t is one of the signed integer types.
func (t DataType) IsInteger() bool {
	return t >= TypeTinyInt && t <= TypeBigInt
}

// ParseDataType resolves a declared type token (case-insensitive).
// Accepts the short forms used by JSON payloads (i8, f64, ...) and the
// long storage names. Returns false for unknown tokens.
func ParseDataType(name string) (DataType, bool) {
	switch strings.ToLower(name) {
	case "bool":
		return TypeBool, true
	case "i8", "tinyint":
		return TypeTinyInt, true
	case "i16", "smallint":
		return TypeSmallInt, true
	case "i32", "int":
		return TypeInt, true
	case "i64", "bigint":
		return TypeBigInt, true
	case "f32", "float":
		return TypeFloat, true
	case "f64", "double":
		return TypeDouble, true
	case "binary":
		return TypeBinary, true
	case "nchar":
		return TypeNChar, true
	case "timestamp":
		return TypeTimestamp, true
	default:
		return TypeNull, false
	}
}

// Precision is the timestamp granularity of a table.
type Precision uint8

const (
	PrecisionMilli Precision = iota
	PrecisionMicro
	PrecisionNano
)

func (p Precision) String() string {
	switch p {
	case PrecisionMilli:
		return "ms"
	case PrecisionMicro:
		return "us"
	case PrecisionNano:
		return "ns"
	default:
		return fmt.Sprintf("precision(%d)", uint8(p))
	}
}

// ParsePrecision parses "ms", "us" or "ns" (case-insensitive).
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(s) {
	case "ms":
		return PrecisionMilli, nil
	case "us":
		return PrecisionMicro, nil
	case "ns", "":
		return PrecisionNano, nil
	default:
		return PrecisionNano, fmt.Errorf("unknown precision %q (use ms, us or ns)", s)
	}
}
