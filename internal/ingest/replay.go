package ingest

import (
	"fmt"

	"github.com/basekick-labs/schemaless/pkg/models"
)

// ReplayLines writes the lines of a generic-mode result into sink, using
// metas as the authoritative schema of each measurement. Timestamps are
// converted from nanoseconds to each table's precision. It returns the
// number of rows written.
func ReplayLines(res *Result, metas map[string]*models.TableMeta, sink RowSink) (int, error) {
	if res.Mode != ModeGeneric {
		return 0, fmt.Errorf("replay needs a generic result, got %s", res.Mode)
	}

	tables := make(map[string]*ChildTable, len(res.Tables))
	for _, t := range res.Tables {
		tables[t.Name] = t
	}

	for i, line := range res.Lines {
		meta, ok := metas[line.Measure]
		if !ok {
			return i, fmt.Errorf("no schema for measurement %q", line.Measure)
		}
		table, ok := tables[line.Table]
		if !ok {
			return i, fmt.Errorf("unknown child table %q", line.Table)
		}
		if len(line.Cols) < dataFieldCount {
			return i, withContext(newFieldError(ErrIncompleteRow, "", ""), i, line.Measure)
		}
		if err := checkTags(meta, line.Tags); err != nil {
			return i, withContext(err, i, line.Measure)
		}

		b, err := sink.Allocate(meta, table)
		if err != nil {
			return i, err
		}

		ts := line.Cols[0]
		ts.I = convertPrecision(ts.I, models.PrecisionNano, meta.Precision)
		if err := b.AppendColumn(meta.Columns, ts, 0); err != nil {
			return i, withContext(err, i, line.Measure)
		}
		if err := b.AppendColumn(meta.Columns, line.Cols[1], 1); err != nil {
			return i, withContext(err, i, line.Measure)
		}
		if err := b.FinalizeRow(); err != nil {
			return i, withContext(err, i, line.Measure)
		}
	}
	return len(res.Lines), nil
}

// checkTags verifies every tag is declared with the same type and fits its width
func checkTags(meta *models.TableMeta, tags []models.TypedValue) error {
	for _, kv := range tags {
		idx := meta.TagIndex(kv.Key)
		if idx < 0 {
			return newFieldError(ErrColumnMismatch, kv.Key, "undeclared tag")
		}
		col := meta.Tags[idx]
		if col.Type != kv.Type {
			return newFieldError(ErrColumnMismatch, kv.Key, fmt.Sprintf("%s for %s tag", kv.Type, col.Type))
		}
		if col.Type.IsVar() && kv.Length > col.Bytes {
			return newFieldError(ErrColumnMismatch, kv.Key, fmt.Sprintf("length %d exceeds width %d", kv.Length, col.Bytes))
		}
	}
	return nil
}
