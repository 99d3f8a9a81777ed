package ingest

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies parse failures so callers can map them to responses
// without string matching.
type ErrorKind uint8

const (
	KindShape ErrorKind = iota + 1
	KindNameLength
	KindType
	KindRange
	KindLength
	KindTimestamp
	KindResource
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindShape:
		return "shape"
	case KindNameLength:
		return "name_length"
	case KindType:
		return "type"
	case KindRange:
		return "range"
	case KindLength:
		return "length"
	case KindTimestamp:
		return "timestamp"
	case KindResource:
		return "resource"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Payload and structure errors.
var (
	ErrInvalidJSON         = errors.New("invalid json")
	ErrInvalidMsgPack      = errors.New("invalid msgpack")
	ErrEmptyPayload        = errors.New("empty payload")
	ErrPayloadTooLarge     = errors.New("decompressed payload exceeds size limit")
	ErrInvalidGzip         = errors.New("invalid gzip stream")
	ErrInvalidPayloadShape = errors.New("payload must be a data point object or an array of data points")
	ErrMissingField        = errors.New("missing required field")
	ErrInvalidFieldShape   = errors.New("field has an unexpected json type")
	ErrDuplicateTag        = errors.New("tag key repeats another tag or column")
)

// Name, type, range and length errors.
var (
	ErrInvalidNameLength   = errors.New("name length is 0 or exceeds the maximum")
	ErrInvalidDeclaredType = errors.New("invalid declared type")
	ErrInvalidJSONType     = errors.New("unsupported json value type")
	ErrValueOutOfRange     = errors.New("value out of range for type")
	ErrColumnTooLong       = errors.New("value exceeds maximum column length")
	ErrTypeConflict        = errors.New("conflicting types for the same column")
)

// Timestamp errors.
var (
	ErrInvalidTimestampShape = errors.New("timestamp must be a number or a {value, type} object")
	ErrNegativeTimestamp     = errors.New("timestamp is negative")
	ErrAmbiguousPrecision    = errors.New("timestamp precision can only be seconds (10 digits) or milliseconds (13 digits)")
	ErrTimestampTooLarge     = errors.New("timestamp is too large")
	ErrInvalidTimestampUnit  = errors.New("timestamp type must be one of s, ms, us, ns")
)

// Collaborator and invariant errors.
var (
	ErrResolveSchema   = errors.New("failed to resolve table schema")
	ErrRowBuilder      = errors.New("row builder failure")
	ErrColumnMismatch  = errors.New("value does not match schema column")
	ErrIncompleteRow   = errors.New("row finalized before all columns were appended")
	ErrInternalDrift   = errors.New("schema drift detected after rerun")
	ErrFastPathNoTable = errors.New("fast path has no active table")
)

var errorKinds = map[error]ErrorKind{
	ErrInvalidJSON:           KindShape,
	ErrInvalidMsgPack:        KindShape,
	ErrEmptyPayload:          KindShape,
	ErrPayloadTooLarge:       KindShape,
	ErrInvalidGzip:           KindShape,
	ErrInvalidPayloadShape:   KindShape,
	ErrMissingField:          KindShape,
	ErrInvalidFieldShape:     KindShape,
	ErrDuplicateTag:          KindShape,
	ErrInvalidNameLength:     KindNameLength,
	ErrInvalidDeclaredType:   KindType,
	ErrInvalidJSONType:       KindType,
	ErrTypeConflict:          KindType,
	ErrValueOutOfRange:       KindRange,
	ErrColumnTooLong:         KindLength,
	ErrInvalidTimestampShape: KindTimestamp,
	ErrNegativeTimestamp:     KindTimestamp,
	ErrAmbiguousPrecision:    KindTimestamp,
	ErrTimestampTooLarge:     KindTimestamp,
	ErrInvalidTimestampUnit:  KindTimestamp,
	ErrResolveSchema:         KindResource,
	ErrRowBuilder:            KindResource,
	ErrColumnMismatch:        KindResource,
	ErrIncompleteRow:         KindResource,
	ErrInternalDrift:         KindInternal,
	ErrFastPathNoTable:       KindInternal,
}

// KindOf returns the kind of a parse error, or 0 if err is not one.
func KindOf(err error) ErrorKind {
	var pe *ParseError
	if errors.As(err, &pe) && pe.Kind != 0 {
		return pe.Kind
	}
	for sentinel, kind := range errorKinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return 0
}

// ParseError carries the context of a failed data point: which element of
// the batch, which field, the measurement and the offending value.
type ParseError struct {
	Kind        ErrorKind
	Index       int // element position in the batch, -1 for payload-level errors
	Field       string
	Measurement string
	Value       string
	Err         error
}

func (e *ParseError) Error() string {
	var b strings.Builder
	if e.Index >= 0 {
		fmt.Fprintf(&b, "data point %d: ", e.Index)
	}
	if e.Measurement != "" {
		fmt.Fprintf(&b, "measurement %q: ", e.Measurement)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, "field %q: ", e.Field)
	}
	b.WriteString(e.Err.Error())
	if e.Value != "" {
		fmt.Fprintf(&b, " (value %s)", e.Value)
	}
	return b.String()
}

func (e *ParseError) Unwrap() error { return e.Err }

// newFieldError builds a ParseError for a field with an optional value excerpt.
func newFieldError(err error, field, value string) *ParseError {
	return &ParseError{
		Kind:  KindOf(err),
		Index: -1,
		Field: field,
		Value: value,
		Err:   err,
	}
}

// withContext attaches batch position and measurement to err, preserving an
// existing ParseError's field and value.
func withContext(err error, index int, measurement string) error {
	var pe *ParseError
	if errors.As(err, &pe) {
		pe.Index = index
		if pe.Measurement == "" {
			pe.Measurement = measurement
		}
		return pe
	}
	return &ParseError{
		Kind:        KindOf(err),
		Index:       index,
		Measurement: measurement,
		Err:         err,
	}
}

// MissingFieldError reports which of the required data point labels is absent.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingField.Error(), e.Field)
}

func (e *MissingFieldError) Unwrap() error { return ErrMissingField }
