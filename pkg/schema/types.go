// Package schema holds the logical data-model entities shared across the
// engine (qualified table names, column descriptors, primary keys) and the
// Metadata Probe that populates them from a SQL Server catalog.
package schema

import (
	"fmt"

	"github.com/block/mssqlsync/pkg/utils"
)

// QualifiedName is a (schema, name) pair. Equality is case-insensitive;
// callers should compare via Equal or key by Key(), never by the raw
// Schema/Name fields.
type QualifiedName struct {
	Schema string
	Name   string
}

// String renders the logical "schema.name" form.
func (q QualifiedName) String() string {
	return fmt.Sprintf("%s.%s", q.Schema, q.Name)
}

// Quoted renders the SQL bracket-quoted form "[schema].[name]".
func (q QualifiedName) Quoted() string {
	return fmt.Sprintf("[%s].[%s]", q.Schema, q.Name)
}

// Key returns a case-insensitive canonical form suitable for map keys.
func (q QualifiedName) Key() string {
	return utils.CanonicalName(q.Schema) + "." + utils.CanonicalName(q.Name)
}

// Equal reports case-insensitive equality.
func (q QualifiedName) Equal(other QualifiedName) bool {
	return utils.EqualFold(q.Schema, other.Schema) && utils.EqualFold(q.Name, other.Name)
}

// ColumnDescriptor describes one column as seen in the catalog.
type ColumnDescriptor struct {
	Name            string
	Ordinal         int
	IsIdentity      bool
	IsComputed      bool
	IsGeneratedAlso bool // generated_always_type <> 0 (system-versioning period columns)
}

// PrimaryKey is the ordered sequence of column names making up a table's
// primary key, in ordinal position. It may be empty.
type PrimaryKey struct {
	Columns []string
}

// Empty reports whether the table has no primary key.
func (p PrimaryKey) Empty() bool {
	return len(p.Columns) == 0
}

// Contains reports whether name is one of the PK columns (case-insensitive).
func (p PrimaryKey) Contains(name string) bool {
	for _, c := range p.Columns {
		if utils.EqualFold(c, name) {
			return true
		}
	}
	return false
}

// TemporalInfo describes a table's role, if any, in system-versioning.
type TemporalInfo struct {
	IsTemporalBase    bool
	HistoryTable      *QualifiedName // set when IsTemporalBase
	IsTemporalHistory bool
	BaseTable         *QualifiedName // set when IsTemporalHistory
}

// ForeignKey is a single enabled foreign-key edge: Child references Parent.
type ForeignKey struct {
	Name   string
	Child  QualifiedName
	Parent QualifiedName
}

// TableMetadata is the full catalog snapshot for a single table, as
// returned by the Metadata Probe and consumed by the Schema Reconciler.
type TableMetadata struct {
	Name       QualifiedName
	Columns    []ColumnDescriptor // excludes computed and generated-always columns
	PrimaryKey PrimaryKey
	HasIdentity bool
	Temporal   TemporalInfo
}

// ColumnNames returns the non-generated column names in ordinal order.
func (t TableMetadata) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// HasColumn reports case-insensitive column membership.
func (t TableMetadata) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if utils.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}
