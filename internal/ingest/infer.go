package ingest

import (
	"fmt"

	"github.com/basekick-labs/schemaless/pkg/models"
)

// InferSchemas derives a table schema per measurement from generic-mode
// lines: the union of tag keys in first-seen order, the value column type,
// and the widest value observed for every variable-length column. The
// result is what a caller creates in the catalog before retrying a batch on
// the fast path. Lines of one measurement that disagree on a column's type
// fail with ErrTypeConflict.
func InferSchemas(lines []*Line, precision models.Precision) (map[string]*models.TableMeta, error) {
	out := make(map[string]*models.TableMeta)

	for i, line := range lines {
		if len(line.Cols) < 2 {
			return nil, withContext(newFieldError(ErrIncompleteRow, "", ""), i, line.Measure)
		}
		value := line.Cols[1]

		meta, ok := out[line.Measure]
		if !ok {
			meta = models.NewTableMeta(line.Measure, precision, inferColumn(models.ValueColumn, value), nil)
			out[line.Measure] = meta
		} else if err := mergeInferred(&meta.Columns[1], value); err != nil {
			return nil, withContext(err, i, line.Measure)
		}

		for _, kv := range line.Tags {
			idx := meta.TagIndex(kv.Key)
			if idx < 0 {
				meta.Tags = append(meta.Tags, inferColumn(kv.Key, kv))
				continue
			}
			if err := mergeInferred(&meta.Tags[idx], kv); err != nil {
				return nil, withContext(err, i, line.Measure)
			}
		}
	}

	return out, nil
}

func inferColumn(name string, v models.TypedValue) models.Column {
	col := models.Column{Name: name, Type: v.Type, Bytes: v.Type.Bytes()}
	if v.Type.IsVar() {
		col.Bytes = v.Length
	}
	return col
}

// mergeInferred widens col to fit v, rejecting a type change
func mergeInferred(col *models.Column, v models.TypedValue) error {
	if col.Type != v.Type {
		return newFieldError(ErrTypeConflict, col.Name, fmt.Sprintf("%s after %s", v.Type, col.Type))
	}
	if v.Type.IsVar() && v.Length > col.Bytes {
		col.Bytes = v.Length
	}
	return nil
}
