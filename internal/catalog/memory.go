package catalog

import (
	"context"
	"sort"
	"sync"

	"github.com/basekick-labs/schemaless/pkg/models"
)

// Memory is an in-process catalog. It is safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	tables  map[string]*models.TableMeta
	nextUID uint64
}

// NewMemory returns an empty in-memory catalog
func NewMemory() *Memory {
	return &Memory{tables: make(map[string]*models.TableMeta), nextUID: 1}
}

// ResolveTableSchema returns a copy of the named table's schema
func (m *Memory) ResolveTableSchema(_ context.Context, name string) (*models.TableMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	meta, ok := m.tables[name]
	if !ok {
		return nil, ErrTableNotFound
	}
	return meta.Clone(), nil
}

// Apply creates or merges meta
func (m *Memory) Apply(_ context.Context, meta *models.TableMeta) (*models.TableMeta, error) {
	if err := validate(meta); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.tables[meta.Name]
	if !ok {
		created := meta.Clone()
		created.UID = m.nextUID
		m.nextUID++
		m.tables[created.Name] = created
		return created.Clone(), nil
	}

	merged, changed, err := merge(existing, meta)
	if err != nil {
		return nil, err
	}
	if changed {
		m.tables[meta.Name] = merged
	}
	return merged.Clone(), nil
}

// Widen raises the byte width of one variable-length column or tag
func (m *Memory) Widen(_ context.Context, measurement, column string, bytes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.tables[measurement]
	if !ok {
		return ErrTableNotFound
	}
	_, err := widenColumn(existing, column, bytes)
	return err
}

// List returns all tables ordered by name
func (m *Memory) List(_ context.Context) ([]*models.TableMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.TableMeta, 0, len(m.tables))
	for _, meta := range m.tables {
		out = append(out, meta.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Close is a no-op
func (m *Memory) Close() error { return nil }
