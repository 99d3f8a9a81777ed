package ingest

import "github.com/basekick-labs/schemaless/pkg/models"

// RowSink allocates fast-path row builders, one per child table. Rows
// written to a sink are provisional until ParseBatch returns without error:
// a rerun calls Reset and every builder handed out so far must be dropped.
type RowSink interface {
	Allocate(meta *models.TableMeta, table *ChildTable) (RowBuilder, error)
	Reset()
}

// RowBuilder appends one row at a time to a child table's columnar buffer.
type RowBuilder interface {
	// AppendColumn appends v as column index of the current row. schema is
	// the table's data column list.
	AppendColumn(schema []models.Column, v models.TypedValue, index int) error
	// FinalizeRow completes the current row.
	FinalizeRow() error
}
