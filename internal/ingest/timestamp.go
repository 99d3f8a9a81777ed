package ingest

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/basekick-labs/schemaless/pkg/models"
)

// timeUnit is the granularity of a raw timestamp in a payload.
type timeUnit uint8

const (
	unitSecond timeUnit = iota
	unitMilli
	unitMicro
	unitNano
)

// Digit counts of bare numeric timestamps.
const (
	secondDigits = 10
	milliDigits  = 13
)

// nanosPer is the number of nanoseconds in one tick of each target precision.
var nanosPer = [...]int64{
	models.PrecisionMilli: int64(time.Millisecond),
	models.PrecisionMicro: int64(time.Microsecond),
	models.PrecisionNano:  1,
}

// secondsFactor is the number of target ticks in one second.
var secondsFactor = [...]int64{
	models.PrecisionMilli: 1_000,
	models.PrecisionMicro: 1_000_000,
	models.PrecisionNano:  1_000_000_000,
}

// unitPrecision maps the sub-second units onto the precision table.
var unitPrecision = map[timeUnit]models.Precision{
	unitMilli: models.PrecisionMilli,
	unitMicro: models.PrecisionMicro,
	unitNano:  models.PrecisionNano,
}

// NormalizeTimestamp converts a raw timestamp into an epoch value at precision
// to. raw is either a bare number (seconds or milliseconds, detected by digit
// count) or a {value, type} object with an explicit unit. Zero means now.
func NormalizeTimestamp(raw *Node, to models.Precision, now func() time.Time) (int64, error) {
	switch raw.Kind {
	case NodeNumber:
		return normalizeBareTimestamp(raw, to, now)
	case NodeObject:
		return normalizeTimestampObject(raw, to, now)
	default:
		return 0, newFieldError(ErrInvalidTimestampShape, "timestamp", raw.String())
	}
}

func normalizeBareTimestamp(raw *Node, to models.Precision, now func() time.Time) (int64, error) {
	v := raw.Num
	if doubleOverflowsInt64(v) {
		return 0, newFieldError(ErrTimestampTooLarge, "timestamp", raw.String())
	}
	if v < 0 {
		return 0, newFieldError(ErrNegativeTimestamp, "timestamp", raw.String())
	}
	if v == 0 {
		return currentTime(now, to), nil
	}

	ts := int64(v)
	switch digitCount(ts) {
	case secondDigits:
		return scaleSeconds(ts, to, raw)
	case milliDigits:
		return convertPrecision(ts, models.PrecisionMilli, to), nil
	default:
		return 0, newFieldError(ErrAmbiguousPrecision, "timestamp", raw.String())
	}
}

func normalizeTimestampObject(raw *Node, to models.Precision, now func() time.Time) (int64, error) {
	if raw.Len() != valueObjectMembers {
		return 0, newFieldError(ErrInvalidTimestampShape, "timestamp", raw.String())
	}
	value := raw.Get("value")
	if value == nil || value.Kind != NodeNumber {
		return 0, newFieldError(ErrInvalidTimestampShape, "timestamp", raw.String())
	}
	typeNode := raw.Get("type")
	if typeNode == nil || typeNode.Kind != NodeString {
		return 0, newFieldError(ErrInvalidTimestampShape, "timestamp", raw.String())
	}

	v := value.Num
	if doubleOverflowsInt64(v) {
		return 0, newFieldError(ErrTimestampTooLarge, "timestamp", value.String())
	}
	if v == 0 {
		return currentTime(now, to), nil
	}
	if v < 0 {
		return 0, newFieldError(ErrNegativeTimestamp, "timestamp", value.String())
	}

	unit, ok := parseTimeUnit(typeNode.Str)
	if !ok {
		return 0, newFieldError(ErrInvalidTimestampUnit, "timestamp", strconv.Quote(typeNode.Str))
	}

	ts := int64(v)
	if unit == unitSecond {
		return scaleSeconds(ts, to, value)
	}
	return convertPrecision(ts, unitPrecision[unit], to), nil
}

// parseTimeUnit accepts exactly s, ms, us and ns in any case.
func parseTimeUnit(s string) (timeUnit, bool) {
	switch strings.ToLower(s) {
	case "s":
		return unitSecond, true
	case "ms":
		return unitMilli, true
	case "us":
		return unitMicro, true
	case "ns":
		return unitNano, true
	default:
		return 0, false
	}
}

// scaleSeconds multiplies a second-resolution value up to precision to,
// failing instead of wrapping on overflow.
func scaleSeconds(ts int64, to models.Precision, raw *Node) (int64, error) {
	factor := secondsFactor[to]
	if ts > math.MaxInt64/factor {
		return 0, newFieldError(ErrTimestampTooLarge, "timestamp", raw.String())
	}
	return ts * factor, nil
}

// convertPrecision rescales ts between sub-second precisions. Coarsening
// divides; refining multiplies and saturates at MaxInt64.
func convertPrecision(ts int64, from, to models.Precision) int64 {
	if from == to {
		return ts
	}
	fromNanos, toNanos := nanosPer[from], nanosPer[to]
	if fromNanos < toNanos {
		return ts / (toNanos / fromNanos)
	}
	factor := fromNanos / toNanos
	if ts > math.MaxInt64/factor {
		return math.MaxInt64
	}
	return ts * factor
}

// currentTime reads the clock at precision to.
func currentTime(now func() time.Time, to models.Precision) int64 {
	return now().UnixNano() / nanosPer[to]
}

// doubleOverflowsInt64 reports whether converting v to int64 would overflow.
func doubleOverflowsInt64(v float64) bool {
	return v >= math.MaxInt64 || v <= math.MinInt64
}

// digitCount returns the number of decimal digits of a non-negative value.
func digitCount(n int64) int {
	digits := 1
	for n /= 10; n != 0; n /= 10 {
		digits++
	}
	return digits
}
