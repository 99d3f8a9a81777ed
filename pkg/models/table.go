package models

// Column describes one column or tag of a table. Bytes is the maximum
// encoded length for binary/nchar columns and the type width otherwise.
type Column struct {
	Name  string
	Type  DataType
	Bytes int
}

// TableMeta is the authoritative schema of a measurement (super table).
// Columns[0] is always the timestamp column and Columns[1] the value column.
type TableMeta struct {
	Name      string
	UID       uint64
	Precision Precision
	Columns   []Column
	Tags      []Column
}

// NumTags returns the number of declared tags.
func (m *TableMeta) NumTags() int {
	return len(m.Tags)
}

// TagIndex returns the position of the named tag, or -1.
func (m *TableMeta) TagIndex(name string) int {
	for i := range m.Tags {
		if m.Tags[i].Name == name {
			return i
		}
	}
	return -1
}

// ValueColumn returns the primary value column, if declared.
func (m *TableMeta) ValueColumn() (Column, bool) {
	if len(m.Columns) < 2 {
		return Column{}, false
	}
	return m.Columns[1], true
}

// Clone returns a deep copy of the table meta.
func (m *TableMeta) Clone() *TableMeta {
	if m == nil {
		return nil
	}
	out := *m
	out.Columns = append([]Column(nil), m.Columns...)
	out.Tags = append([]Column(nil), m.Tags...)
	return &out
}

// NewTableMeta builds a table with the standard timestamp/value columns.
func NewTableMeta(name string, precision Precision, value Column, tags []Column) *TableMeta {
	if value.Name == "" {
		value.Name = ValueColumn
	}
	if !value.Type.IsVar() {
		value.Bytes = value.Type.Bytes()
	}
	return &TableMeta{
		Name:      name,
		Precision: precision,
		Columns: []Column{
			{Name: TimestampColumn, Type: TypeTimestamp, Bytes: TypeTimestamp.Bytes()},
			value,
		},
		Tags: append([]Column(nil), tags...),
	}
}
