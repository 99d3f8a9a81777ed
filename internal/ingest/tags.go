package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/basekick-labs/schemaless/internal/catalog"
	"github.com/basekick-labs/schemaless/pkg/models"
)

// MatchOutcome is the matcher's verdict for one data point's tags.
type MatchOutcome uint8

const (
	// MatchContinue means the tags were validated and a child table resolved.
	MatchContinue MatchOutcome = iota
	// MatchSkipTags means the tags equal the previous point's; its context is reused.
	MatchSkipTags
	// MatchRerun means the fast-path schema assumption broke.
	MatchRerun
)

func (o MatchOutcome) String() string {
	switch o {
	case MatchContinue:
		return "continue"
	case MatchSkipTags:
		return "skip_tags"
	case MatchRerun:
		return "rerun"
	default:
		return "unknown"
	}
}

// matchTags validates a point's tags against the cached schema and selects
// the child table the point belongs to. Comparison is positional: tag i of
// this point is checked against tag i of the template.
func (p *Parser) matchTags(ctx context.Context, st *requestState, measure string, tags *Node) (MatchOutcome, error) {
	if st.prevTags != nil && measure == st.prevMeasure && tags.Equal(st.prevTags) {
		return MatchSkipTags, nil
	}
	if tags.Kind != NodeObject {
		return MatchContinue, newFieldError(ErrInvalidFieldShape, fieldTags, tags.String())
	}

	sameMeasure := st.prevTags != nil && measure == st.prevMeasure

	var schema *MeasurementSchema
	if st.fast {
		if sameMeasure {
			schema = st.curSchema
		} else {
			var err error
			if schema, err = p.lookupSchema(ctx, st, measure); err != nil {
				return MatchContinue, err
			}
			if schema == nil {
				st.signalRerun("measurement not in catalog")
				return MatchRerun, nil
			}
		}
	}

	kvs := make([]models.TypedValue, 0, len(tags.Members))
	for i := range tags.Members {
		m := &tags.Members[i]
		if err := p.checkTagKey(kvs, m.Key); err != nil {
			return MatchContinue, err
		}
		kv, err := p.coercer.Coerce(m.Key, m.Value)
		if err != nil {
			return MatchContinue, err
		}
		kvs = append(kvs, kv)

		if st.fast {
			if reason := p.matchTemplate(st, schema, sameMeasure, i, kv); reason != "" {
				st.signalRerun(reason)
				return MatchRerun, nil
			}
		}
	}

	if st.fast {
		if sameMeasure && len(kvs) != len(st.prevKV) {
			st.signalRerun("tag count changed")
			return MatchRerun, nil
		}
		if len(kvs) != len(schema.Tags) {
			st.signalRerun("fewer tags than template")
			return MatchRerun, nil
		}
		schema.Sealed = true
		st.curSchema = schema
	}

	if err := p.resolveChildTable(st, measure, tags, kvs); err != nil {
		return MatchContinue, err
	}
	st.prevKV = kvs
	return MatchContinue, nil
}

// checkTagKey enforces key length and uniqueness among the point's tags
// and the reserved data columns.
func (p *Parser) checkTagKey(seen []models.TypedValue, key string) error {
	if len(key) == 0 || len(key) > p.limits.MaxTagKeyLen {
		return newFieldError(ErrInvalidNameLength, key, strconv.Itoa(len(key))+" bytes")
	}
	if key == models.TimestampColumn || key == models.ValueColumn {
		return newFieldError(ErrDuplicateTag, key, "")
	}
	for i := range seen {
		if seen[i].Key == key {
			return newFieldError(ErrDuplicateTag, key, "")
		}
	}
	return nil
}

// matchTemplate checks tag kv at position pos against the previous point and
// the measurement's tag template, extending or widening the template as
// needed. It returns a non-empty drift reason when the fast path must be
// abandoned.
func (p *Parser) matchTemplate(st *requestState, schema *MeasurementSchema, sameMeasure bool, pos int, kv models.TypedValue) string {
	meta := schema.Meta
	if pos >= meta.NumTags() {
		return "more tags than the table declares"
	}

	if sameMeasure {
		if pos >= len(st.prevKV) {
			return "tag count changed"
		}
		if prev := st.prevKV[pos]; prev.Key != kv.Key || prev.Type != kv.Type {
			return "tag " + strconv.Quote(kv.Key) + " does not match previous point"
		}
	}

	if pos < len(schema.Tags) {
		if tmpl := schema.Tags[pos]; tmpl.Key != kv.Key || tmpl.Type != kv.Type {
			return "tag " + strconv.Quote(kv.Key) + " does not match template"
		}
	} else {
		if schema.Sealed {
			return "more tags than template"
		}
		idx := meta.TagIndex(kv.Key)
		if idx < 0 {
			return "tag " + strconv.Quote(kv.Key) + " not in table"
		}
		if meta.Tags[idx].Type != kv.Type {
			return "tag " + strconv.Quote(kv.Key) + " type differs from table"
		}
		schema.Tags = append(schema.Tags, models.TypedValue{Key: kv.Key, Type: kv.Type, Length: kv.Length})
	}

	if kv.Type.IsVar() {
		schema.Widen(pos, kv.Length)
		if col := meta.Tags[meta.TagIndex(kv.Key)]; kv.Length > col.Bytes {
			st.recordChange(meta.Name, kv.Key, kv.Type, kv.Length)
		}
	}
	return ""
}

// lookupSchema returns the cached schema of measure, asking the resolver on
// first sight. A nil schema with a nil error means the table does not exist.
func (p *Parser) lookupSchema(ctx context.Context, st *requestState, measure string) (*MeasurementSchema, error) {
	if s := st.schemas.get(measure); s != nil {
		return s, nil
	}

	p.metrics.IncSchemaLookups()
	meta, err := p.resolver.ResolveTableSchema(ctx, measure)
	if errors.Is(err, catalog.ErrTableNotFound) {
		p.metrics.IncSchemaNotFound()
		return nil, nil
	}
	if err != nil {
		return nil, newFieldError(fmt.Errorf("%w: %w", ErrResolveSchema, err), "", "")
	}
	if _, ok := meta.ValueColumn(); !ok {
		return nil, newFieldError(fmt.Errorf("%w: table has no value column", ErrResolveSchema), "", "")
	}

	s := &MeasurementSchema{Meta: meta}
	st.schemas.set(measure, s)
	return s, nil
}

// resolveChildTable finds or creates the child table for a validated tag set
// and makes it the current table.
func (p *Parser) resolveChildTable(st *requestState, measure string, tags *Node, kvs []models.TypedValue) error {
	key := childTableKey(measure, tags)
	if t := st.tables.get(key); t != nil {
		st.curTable = t
		return nil
	}

	ident, name, uid := childTableIdentity(measure, kvs)
	t := st.tables.identified(ident)
	if t == nil {
		t = &ChildTable{
			Measure: measure,
			Name:    name,
			UID:     uid,
			Tags:    models.CloneValues(kvs),
		}
		if st.fast {
			b, err := st.sink.Allocate(st.curSchema.Meta, t)
			if err != nil {
				return newFieldError(fmt.Errorf("%w: %w", ErrRowBuilder, err), "", "")
			}
			t.Builder = b
		}
	}

	st.tables.set(key, ident, t)
	st.curTable = t
	return nil
}
