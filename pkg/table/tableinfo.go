// Package table contains the descriptors for the objects that get copied:
// tables, their columns, and the ancillary objects (views, routines and triggers).
package table

import (
	"fmt"
)

// Column is a column as reported by the source catalog.
type Column struct {
	Name       string
	Type       string // full column type, i.e. varchar(255)
	Generated  bool   // VIRTUAL or STORED generated column
	PrimaryKey bool
}

// TableInfo describes one table for the duration of a run.
// It is populated once by the catalog reader and is read-only afterwards,
// so it can be shared between the applier, copier and verifier.
type TableInfo struct {
	SchemaName      string
	TableName       string
	CreateStatement string
	EstimatedRows   uint64
	SizeMB          float64

	Columns             []string // all columns, in ordinal order
	NonGeneratedColumns []string // columns that can be written with INSERT
	KeyColumns          []string // primary key columns, in column order
}

// NewTableInfo returns a TableInfo for schema.table.
func NewTableInfo(schema, table string) *TableInfo {
	return &TableInfo{
		SchemaName: schema,
		TableName:  table,
	}
}

// SetColumns sets Columns, NonGeneratedColumns and KeyColumns from
// the catalog column list.
func (t *TableInfo) SetColumns(cols []Column) {
	t.Columns = make([]string, 0, len(cols))
	t.NonGeneratedColumns = make([]string, 0, len(cols))
	t.KeyColumns = nil
	for _, col := range cols {
		t.Columns = append(t.Columns, col.Name)
		if !col.Generated {
			t.NonGeneratedColumns = append(t.NonGeneratedColumns, col.Name)
		}
		if col.PrimaryKey {
			t.KeyColumns = append(t.KeyColumns, col.Name)
		}
	}
}

// String returns schema.table, used in logs and as the current-table label.
func (t *TableInfo) String() string {
	return fmt.Sprintf("%s.%s", t.SchemaName, t.TableName)
}

// SizePerRowMB is the pro-rata size contribution of a single row.
// The exact size of a row is unknown, so the table size is spread evenly.
func (t *TableInfo) SizePerRowMB() float64 {
	if t.EstimatedRows == 0 {
		return 0
	}
	return t.SizeMB / float64(t.EstimatedRows)
}
