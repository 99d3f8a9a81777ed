// Package catalog resolves measurement names to their authoritative table
// schema and evolves that schema when ingest observes new tags or longer
// variable-length values.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/basekick-labs/schemaless/pkg/models"
)

var (
	// ErrTableNotFound is returned when a measurement has no table yet
	ErrTableNotFound = errors.New("table not found")
	// ErrInvalidSchema is returned for a table meta that cannot be stored
	ErrInvalidSchema = errors.New("invalid table schema")
	// ErrIncompatibleSchema is returned when a change would alter a column type
	ErrIncompatibleSchema = errors.New("incompatible schema change")
)

// Resolver returns the authoritative schema of a measurement.
// Implementations return ErrTableNotFound when the measurement is unknown.
type Resolver interface {
	ResolveTableSchema(ctx context.Context, name string) (*models.TableMeta, error)
}

// Catalog is a Resolver that can also create and evolve tables.
type Catalog interface {
	Resolver
	// Apply creates meta's table or merges it into the existing one.
	// Columns only widen and tags are only appended.
	Apply(ctx context.Context, meta *models.TableMeta) (*models.TableMeta, error)
	// Widen raises the byte width of one column or tag.
	Widen(ctx context.Context, measurement, column string, bytes int) error
	List(ctx context.Context) ([]*models.TableMeta, error)
	Close() error
}

// validate checks the structural invariants of a table meta
func validate(meta *models.TableMeta) error {
	if meta == nil || meta.Name == "" {
		return fmt.Errorf("%w: empty table name", ErrInvalidSchema)
	}
	if len(meta.Columns) < 2 {
		return fmt.Errorf("%w: %s: need timestamp and value columns", ErrInvalidSchema, meta.Name)
	}
	if meta.Columns[0].Type != models.TypeTimestamp {
		return fmt.Errorf("%w: %s: first column must be a timestamp", ErrInvalidSchema, meta.Name)
	}
	seen := make(map[string]struct{}, len(meta.Columns)+len(meta.Tags))
	for _, cols := range [][]models.Column{meta.Columns, meta.Tags} {
		for _, c := range cols {
			if c.Name == "" {
				return fmt.Errorf("%w: %s: empty column name", ErrInvalidSchema, meta.Name)
			}
			if _, dup := seen[c.Name]; dup {
				return fmt.Errorf("%w: %s: duplicate column %q", ErrInvalidSchema, meta.Name, c.Name)
			}
			seen[c.Name] = struct{}{}
		}
	}
	return nil
}

// merge folds incoming into existing and reports whether anything changed.
// existing is not modified.
func merge(existing, incoming *models.TableMeta) (*models.TableMeta, bool, error) {
	out := existing.Clone()
	changed := false

	widenInto := func(dst []models.Column, src models.Column) ([]models.Column, bool, error) {
		for i := range dst {
			if dst[i].Name != src.Name {
				continue
			}
			if dst[i].Type != src.Type {
				return dst, false, fmt.Errorf("%w: %s.%s is %s, got %s",
					ErrIncompatibleSchema, existing.Name, src.Name, dst[i].Type, src.Type)
			}
			if src.Bytes > dst[i].Bytes {
				dst[i].Bytes = src.Bytes
				return dst, true, nil
			}
			return dst, false, nil
		}
		return append(dst, src), true, nil
	}

	// Data columns: the value column must agree, extra columns are not added
	for i, col := range incoming.Columns {
		if i >= len(out.Columns) {
			return nil, false, fmt.Errorf("%w: %s: unexpected column %q", ErrIncompatibleSchema, existing.Name, col.Name)
		}
		if out.Columns[i].Name != col.Name {
			return nil, false, fmt.Errorf("%w: %s: column %d is %q, got %q",
				ErrIncompatibleSchema, existing.Name, i, out.Columns[i].Name, col.Name)
		}
		var c bool
		var err error
		out.Columns, c, err = widenInto(out.Columns, col)
		if err != nil {
			return nil, false, err
		}
		changed = changed || c
	}

	for _, tag := range incoming.Tags {
		if columnKind(out, tag.Name) == columnData {
			return nil, false, fmt.Errorf("%w: %s: tag %q collides with a data column",
				ErrIncompatibleSchema, existing.Name, tag.Name)
		}
		var c bool
		var err error
		out.Tags, c, err = widenInto(out.Tags, tag)
		if err != nil {
			return nil, false, err
		}
		changed = changed || c
	}

	return out, changed, nil
}

const (
	columnNone = iota
	columnData
	columnTag
)

// columnKind reports whether name is a data column, a tag or neither
func columnKind(meta *models.TableMeta, name string) int {
	for _, c := range meta.Columns {
		if c.Name == name {
			return columnData
		}
	}
	if meta.TagIndex(name) >= 0 {
		return columnTag
	}
	return columnNone
}

// widenColumn raises the width of the named column or tag in meta.
func widenColumn(meta *models.TableMeta, column string, bytes int) (bool, error) {
	for _, cols := range [][]models.Column{meta.Columns, meta.Tags} {
		for i := range cols {
			if cols[i].Name != column {
				continue
			}
			if !cols[i].Type.IsVar() {
				return false, fmt.Errorf("%w: %s.%s is fixed-width %s",
					ErrIncompatibleSchema, meta.Name, column, cols[i].Type)
			}
			if bytes <= cols[i].Bytes {
				return false, nil
			}
			cols[i].Bytes = bytes
			return true, nil
		}
	}
	return false, fmt.Errorf("%w: %s has no column %q", ErrIncompatibleSchema, meta.Name, column)
}
