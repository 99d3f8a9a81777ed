package ingest

import (
	"context"
	"strconv"

	"github.com/basekick-labs/schemaless/pkg/models"
)

// Line is one generic-mode row: the timestamp and value columns plus the
// tags of the point that produced it.
type Line struct {
	Measure  string
	Table    string
	TableUID uint64
	Tags     []models.TypedValue
	Cols     []models.TypedValue // _ts then _value
}

// parsePoint runs one data point through extraction, coercion, tag matching
// and timestamp normalization, then writes it to the fast path or appends a
// generic line. A rerun signal returns nil with st.rerun set.
func (p *Parser) parsePoint(ctx context.Context, st *requestState, index int, obj *Node) error {
	dp, err := ExtractFields(obj)
	if err != nil {
		return withContext(err, index, "")
	}

	measure, err := p.parseMetric(dp.Metric)
	if err != nil {
		return withContext(err, index, "")
	}

	value, err := p.coercer.Coerce(models.ValueColumn, dp.Value)
	if err != nil {
		return withContext(err, index, measure)
	}

	outcome, err := p.matchTags(ctx, st, measure, dp.Tags)
	if err != nil {
		return withContext(err, index, measure)
	}
	if outcome == MatchRerun {
		st.rerunAt = index
		return nil
	}

	// Timestamp precision comes from the resolved table
	precision := models.PrecisionNano
	if st.fast {
		meta := st.curSchema.Meta
		col, _ := meta.ValueColumn()
		if col.Type != value.Type {
			st.signalRerun("value type " + value.Type.String() + " differs from table's " + col.Type.String())
			st.rerunAt = index
			return nil
		}
		if value.Type.IsVar() && value.Length > col.Bytes {
			st.recordChange(meta.Name, models.ValueColumn, value.Type, value.Length)
		}
		precision = meta.Precision
	}

	ts, err := NormalizeTimestamp(dp.Timestamp, precision, p.now)
	if err != nil {
		return withContext(err, index, measure)
	}
	tsv := models.TypedValue{
		Key:    models.TimestampColumn,
		Type:   models.TypeTimestamp,
		I:      ts,
		Length: models.TypeTimestamp.Bytes(),
	}

	if st.fast {
		if err := p.writeFast(st, tsv, value); err != nil {
			return withContext(err, index, measure)
		}
	} else {
		st.lines = append(st.lines, &Line{
			Measure:  measure,
			Table:    st.curTable.Name,
			TableUID: st.curTable.UID,
			Tags:     st.prevKV,
			Cols:     []models.TypedValue{tsv, value},
		})
	}

	st.prevMeasure = measure
	st.prevTags = dp.Tags
	return nil
}

// parseMetric validates the measurement name
func (p *Parser) parseMetric(raw *Node) (string, error) {
	if raw.Kind != NodeString {
		return "", newFieldError(ErrInvalidFieldShape, fieldMetric, raw.String())
	}
	if n := len(raw.Str); n == 0 || n > p.limits.MaxMeasurementLen {
		return "", newFieldError(ErrInvalidNameLength, fieldMetric, strconv.Itoa(n)+" bytes")
	}
	return raw.Str, nil
}

// writeFast appends the timestamp and value to the current child table's
// row builder and completes the row.
func (p *Parser) writeFast(st *requestState, ts, value models.TypedValue) error {
	if st.curTable == nil || st.curTable.Builder == nil {
		return newFieldError(ErrFastPathNoTable, "", "")
	}
	b := st.curTable.Builder
	cols := st.curSchema.Meta.Columns

	if err := b.AppendColumn(cols, ts, 0); err != nil {
		return builderError(err)
	}
	if err := b.AppendColumn(cols, value, 1); err != nil {
		return builderError(err)
	}
	if err := b.FinalizeRow(); err != nil {
		return builderError(err)
	}
	st.fastRows++
	return nil
}

// builderError keeps classified sink errors and wraps anything else as a
// row builder failure
func builderError(err error) error {
	if KindOf(err) != 0 {
		return err
	}
	return newFieldError(ErrRowBuilder, "", err.Error())
}
