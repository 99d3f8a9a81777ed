package ingest

import (
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/basekick-labs/schemaless/pkg/models"
)

// sharedArrowAllocator is a package-level shared allocator for Arrow operations.
// memory.GoAllocator is documented as thread-safe for concurrent use.
var sharedArrowAllocator = memory.NewGoAllocator()

// Fixed positions of the data columns in every child table record
const (
	tsFieldIndex    = 0
	valueFieldIndex = 1
	dataFieldCount  = 2
)

// ArrowSink is the fast-path RowSink. Every child table gets an Arrow
// RecordBuilder over the columns _ts, _value and then all declared tags of
// its measurement. Tags absent from a child table are null. A sink belongs
// to one batch at a time.
type ArrowSink struct {
	mu     sync.Mutex
	mem    memory.Allocator
	tables map[string]*arrowTable
	order  []*arrowTable
}

// NewArrowSink creates a sink; a nil allocator uses the shared Go allocator.
func NewArrowSink(mem memory.Allocator) *ArrowSink {
	if mem == nil {
		mem = sharedArrowAllocator
	}
	return &ArrowSink{mem: mem, tables: make(map[string]*arrowTable)}
}

// Allocate returns the row builder of table, creating it on first use
func (s *ArrowSink) Allocate(meta *models.TableMeta, table *ChildTable) (RowBuilder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tables[table.Name]; ok {
		return t, nil
	}

	schema, err := ArrowSchema(meta)
	if err != nil {
		return nil, err
	}
	t := &arrowTable{
		meta:    meta,
		table:   table,
		schema:  schema,
		builder: array.NewRecordBuilder(s.mem, schema),
	}
	s.tables[table.Name] = t
	s.order = append(s.order, t)
	return t, nil
}

// Reset drops every builder handed out so far
func (s *ArrowSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
}

// Release frees all builders. The sink can be reused afterwards.
func (s *ArrowSink) Release() {
	s.Reset()
}

func (s *ArrowSink) releaseLocked() {
	for _, t := range s.order {
		t.builder.Release()
	}
	s.tables = make(map[string]*arrowTable)
	s.order = nil
}

// TableRecord is the finished Arrow record of one child table
type TableRecord struct {
	Table  *ChildTable
	Meta   *models.TableMeta
	Record arrow.Record
}

// Records finishes every non-empty child table in allocation order. The
// caller releases the returned records. Builders are reset, so rows
// appended afterwards start a new record.
func (s *ArrowSink) Records() []TableRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TableRecord, 0, len(s.order))
	for _, t := range s.order {
		if t.rows == 0 {
			continue
		}
		out = append(out, TableRecord{Table: t.table, Meta: t.meta, Record: t.builder.NewRecord()})
		t.rows = 0
	}
	return out
}

// Rows returns the number of finalized, not yet collected rows
func (s *ArrowSink) Rows() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.order {
		n += t.rows
	}
	return n
}

// arrowTable is the RowBuilder of one child table
type arrowTable struct {
	meta    *models.TableMeta
	table   *ChildTable
	schema  *arrow.Schema
	builder *array.RecordBuilder
	pending [dataFieldCount]bool
	rows    int
}

// AppendColumn appends v as the index-th data column of the current row
func (t *arrowTable) AppendColumn(schema []models.Column, v models.TypedValue, index int) error {
	if index < 0 || index >= dataFieldCount || index >= len(schema) {
		return newFieldError(ErrColumnMismatch, v.Key, fmt.Sprintf("column index %d", index))
	}
	if schema[index].Type != v.Type {
		return newFieldError(ErrColumnMismatch, schema[index].Name,
			fmt.Sprintf("%s for %s column", v.Type, schema[index].Type))
	}
	if t.pending[index] {
		return newFieldError(ErrColumnMismatch, schema[index].Name, "appended twice")
	}
	if err := appendTyped(t.builder.Field(index), v); err != nil {
		return err
	}
	t.pending[index] = true
	return nil
}

// FinalizeRow fills the child table's tags and completes the row
func (t *arrowTable) FinalizeRow() error {
	for i, ok := range t.pending {
		if !ok {
			return newFieldError(ErrIncompleteRow, t.schema.Field(i).Name, "")
		}
	}

	for i, col := range t.meta.Tags {
		fb := t.builder.Field(dataFieldCount + i)
		kv, ok := findTag(t.table.Tags, col.Name)
		if !ok {
			fb.AppendNull()
			continue
		}
		if err := appendTyped(fb, kv); err != nil {
			return err
		}
	}

	t.pending = [dataFieldCount]bool{}
	t.rows++
	return nil
}

func findTag(tags []models.TypedValue, key string) (models.TypedValue, bool) {
	for _, kv := range tags {
		if kv.Key == key {
			return kv, true
		}
	}
	return models.TypedValue{}, false
}

// appendTyped appends v to a builder of the matching Arrow type
func appendTyped(fb array.Builder, v models.TypedValue) error {
	switch b := fb.(type) {
	case *array.BooleanBuilder:
		b.Append(v.I != 0)
	case *array.Int8Builder:
		b.Append(int8(v.I))
	case *array.Int16Builder:
		b.Append(int16(v.I))
	case *array.Int32Builder:
		b.Append(int32(v.I))
	case *array.Int64Builder:
		b.Append(v.I)
	case *array.Float32Builder:
		b.Append(float32(v.F))
	case *array.Float64Builder:
		b.Append(v.F)
	case *array.BinaryBuilder:
		b.AppendString(v.S)
	case *array.StringBuilder:
		b.Append(v.S)
	case *array.TimestampBuilder:
		b.Append(arrow.Timestamp(v.I))
	default:
		return newFieldError(ErrColumnMismatch, v.Key, fmt.Sprintf("no arrow builder for %s", v.Type))
	}
	return nil
}

// ArrowType maps a storage type onto its Arrow type. Timestamps use the
// table precision.
func ArrowType(t models.DataType, precision models.Precision) (arrow.DataType, error) {
	switch t {
	case models.TypeBool:
		return arrow.FixedWidthTypes.Boolean, nil
	case models.TypeTinyInt:
		return arrow.PrimitiveTypes.Int8, nil
	case models.TypeSmallInt:
		return arrow.PrimitiveTypes.Int16, nil
	case models.TypeInt:
		return arrow.PrimitiveTypes.Int32, nil
	case models.TypeBigInt:
		return arrow.PrimitiveTypes.Int64, nil
	case models.TypeFloat:
		return arrow.PrimitiveTypes.Float32, nil
	case models.TypeDouble:
		return arrow.PrimitiveTypes.Float64, nil
	case models.TypeBinary:
		return arrow.BinaryTypes.Binary, nil
	case models.TypeNChar:
		return arrow.BinaryTypes.String, nil
	case models.TypeTimestamp:
		switch precision {
		case models.PrecisionMilli:
			return arrow.FixedWidthTypes.Timestamp_ms, nil
		case models.PrecisionMicro:
			return arrow.FixedWidthTypes.Timestamp_us, nil
		default:
			return arrow.FixedWidthTypes.Timestamp_ns, nil
		}
	default:
		return nil, fmt.Errorf("no arrow type for %s", t)
	}
}

// ArrowSchema builds the record schema of a measurement's child tables
func ArrowSchema(meta *models.TableMeta) (*arrow.Schema, error) {
	if len(meta.Columns) < dataFieldCount {
		return nil, fmt.Errorf("table %s: need timestamp and value columns", meta.Name)
	}

	fields := make([]arrow.Field, 0, dataFieldCount+len(meta.Tags))
	for i, col := range meta.Columns[:dataFieldCount] {
		dt, err := ArrowType(col.Type, meta.Precision)
		if err != nil {
			return nil, fmt.Errorf("table %s column %s: %w", meta.Name, col.Name, err)
		}
		fields = append(fields, arrow.Field{Name: col.Name, Type: dt, Nullable: i != tsFieldIndex})
	}
	for _, tag := range meta.Tags {
		dt, err := ArrowType(tag.Type, meta.Precision)
		if err != nil {
			return nil, fmt.Errorf("table %s tag %s: %w", meta.Name, tag.Name, err)
		}
		fields = append(fields, arrow.Field{Name: tag.Name, Type: dt, Nullable: true})
	}

	md := arrow.NewMetadata([]string{"measurement"}, []string{meta.Name})
	return arrow.NewSchema(fields, &md), nil
}
