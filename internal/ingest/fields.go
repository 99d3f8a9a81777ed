package ingest

import "strings"

// Required member labels of a data point object.
const (
	fieldMetric    = "metric"
	fieldTimestamp = "timestamp"
	fieldValue     = "value"
	fieldTags      = "tags"
)

// DataPoint holds the four required members of one data point. The nodes
// belong to the decoded payload and are only valid while it is.
type DataPoint struct {
	Metric    *Node
	Timestamp *Node
	Value     *Node
	Tags      *Node
}

// ExtractFields locates metric, timestamp, value and tags in a data point
// object with one case-insensitive pass over its members. The first
// occurrence of a label wins. Field types are validated by their parsers.
func ExtractFields(obj *Node) (DataPoint, error) {
	var dp DataPoint
	if obj == nil || obj.Kind != NodeObject {
		return dp, newFieldError(ErrInvalidPayloadShape, "", obj.String())
	}

	for i := range obj.Members {
		m := &obj.Members[i]
		var slot **Node
		switch {
		case strings.EqualFold(m.Key, fieldMetric):
			slot = &dp.Metric
		case strings.EqualFold(m.Key, fieldTimestamp):
			slot = &dp.Timestamp
		case strings.EqualFold(m.Key, fieldValue):
			slot = &dp.Value
		case strings.EqualFold(m.Key, fieldTags):
			slot = &dp.Tags
		default:
			continue
		}
		if *slot == nil {
			*slot = m.Value
		}
	}

	switch {
	case dp.Metric == nil:
		return dp, &MissingFieldError{Field: fieldMetric}
	case dp.Timestamp == nil:
		return dp, &MissingFieldError{Field: fieldTimestamp}
	case dp.Value == nil:
		return dp, &MissingFieldError{Field: fieldValue}
	case dp.Tags == nil:
		return dp, &MissingFieldError{Field: fieldTags}
	}
	return dp, nil
}
