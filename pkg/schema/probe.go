package schema

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/block/mssqlsync/pkg/dbconn"
)

// Probe is the Metadata Probe (C2): it queries a SQL Server catalog for
// tables, columns, primary keys, identity flags, computed/generated flags,
// temporal topology, and foreign keys. Every query is routed through the
// Retry Policy; all identifier comparisons in results are case-insensitive.
type Probe struct {
	db    *sql.DB
	retry *dbconn.RetryConfig
}

// NewProbe wraps db with the given retry policy.
func NewProbe(db *sql.DB, retry *dbconn.RetryConfig) *Probe {
	return &Probe{db: db, retry: retry}
}

// ListBaseTables returns every user base table in the database.
func (p *Probe) ListBaseTables(ctx context.Context) ([]QualifiedName, error) {
	const q = `
SELECT s.name AS schema_name, t.name AS table_name
FROM sys.tables t
JOIN sys.schemas s ON s.schema_id = t.schema_id
WHERE t.is_ms_shipped = 0
ORDER BY s.name, t.name`
	var out []QualifiedName
	err := dbconn.Run(ctx, p.retry, func(ctx context.Context) error {
		out = nil
		rows, err := p.db.QueryContext(ctx, q)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var qn QualifiedName
			if err := rows.Scan(&qn.Schema, &qn.Name); err != nil {
				return err
			}
			out = append(out, qn)
		}
		return rows.Err()
	})
	return out, err
}

// PrimaryKeyColumns returns the ordinal-ordered PK columns for table.
func (p *Probe) PrimaryKeyColumns(ctx context.Context, table QualifiedName) ([]string, error) {
	const q = `
SELECT c.name
FROM sys.indexes i
JOIN sys.index_columns ic ON ic.object_id = i.object_id AND ic.index_id = i.index_id
JOIN sys.columns c ON c.object_id = ic.object_id AND c.column_id = ic.column_id
JOIN sys.tables t ON t.object_id = i.object_id
JOIN sys.schemas s ON s.schema_id = t.schema_id
WHERE i.is_primary_key = 1 AND s.name = @schema AND t.name = @table
ORDER BY ic.key_ordinal`
	var out []string
	err := dbconn.Run(ctx, p.retry, func(ctx context.Context) error {
		out = nil
		rows, err := p.db.QueryContext(ctx, q, sql.Named("schema", table.Schema), sql.Named("table", table.Name))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			out = append(out, name)
		}
		return rows.Err()
	})
	return out, err
}

// Columns returns the table's non-computed, non-generated-always columns
// in ordinal order, along with their identity/computed/generated flags.
func (p *Probe) Columns(ctx context.Context, table QualifiedName) ([]ColumnDescriptor, error) {
	const q = `
SELECT c.name, c.column_id, c.is_identity, c.is_computed,
       CASE WHEN c.generated_always_type <> 0 THEN 1 ELSE 0 END AS is_generated_always
FROM sys.columns c
JOIN sys.tables t ON t.object_id = c.object_id
JOIN sys.schemas s ON s.schema_id = t.schema_id
WHERE s.name = @schema AND t.name = @table
ORDER BY c.column_id`
	var out []ColumnDescriptor
	err := dbconn.Run(ctx, p.retry, func(ctx context.Context) error {
		out = nil
		rows, err := p.db.QueryContext(ctx, q, sql.Named("schema", table.Schema), sql.Named("table", table.Name))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var cd ColumnDescriptor
			if err := rows.Scan(&cd.Name, &cd.Ordinal, &cd.IsIdentity, &cd.IsComputed, &cd.IsGeneratedAlso); err != nil {
				return err
			}
			if cd.IsComputed || cd.IsGeneratedAlso {
				continue
			}
			out = append(out, cd)
		}
		return rows.Err()
	})
	return out, err
}

// HasIdentity reports whether table has an identity column.
func (p *Probe) HasIdentity(ctx context.Context, table QualifiedName) (bool, error) {
	const q = `
SELECT COUNT(*)
FROM sys.columns c
JOIN sys.tables t ON t.object_id = c.object_id
JOIN sys.schemas s ON s.schema_id = t.schema_id
WHERE s.name = @schema AND t.name = @table AND c.is_identity = 1`
	var count int
	err := dbconn.Run(ctx, p.retry, func(ctx context.Context) error {
		return p.db.QueryRowContext(ctx, q, sql.Named("schema", table.Schema), sql.Named("table", table.Name)).Scan(&count)
	})
	return count > 0, err
}

// IsTemporalBase reports whether table is a system-versioned base table,
// and its history table's qualified name when it is.
func (p *Probe) IsTemporalBase(ctx context.Context, table QualifiedName) (bool, *QualifiedName, error) {
	const q = `
SELECT hs.name, ht.name
FROM sys.tables t
JOIN sys.schemas s ON s.schema_id = t.schema_id
LEFT JOIN sys.tables ht ON ht.object_id = t.history_table_id
LEFT JOIN sys.schemas hs ON hs.schema_id = ht.schema_id
WHERE s.name = @schema AND t.name = @table AND t.temporal_type = 2`
	var histSchema, histName sql.NullString
	var found bool
	err := dbconn.Run(ctx, p.retry, func(ctx context.Context) error {
		found = false
		row := p.db.QueryRowContext(ctx, q, sql.Named("schema", table.Schema), sql.Named("table", table.Name))
		err := row.Scan(&histSchema, &histName)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil || !found {
		return false, nil, err
	}
	var hist *QualifiedName
	if histSchema.Valid && histName.Valid {
		hist = &QualifiedName{Schema: histSchema.String, Name: histName.String}
	}
	return true, hist, nil
}

// IsTemporalHistory reports whether table is a history table, and its
// base table's qualified name when it is.
func (p *Probe) IsTemporalHistory(ctx context.Context, table QualifiedName) (bool, *QualifiedName, error) {
	const q = `
SELECT bs.name, bt.name
FROM sys.tables t
JOIN sys.schemas s ON s.schema_id = t.schema_id
JOIN sys.tables bt ON bt.history_table_id = t.object_id
JOIN sys.schemas bs ON bs.schema_id = bt.schema_id
WHERE s.name = @schema AND t.name = @table`
	var baseSchema, baseName string
	var found bool
	err := dbconn.Run(ctx, p.retry, func(ctx context.Context) error {
		found = false
		row := p.db.QueryRowContext(ctx, q, sql.Named("schema", table.Schema), sql.Named("table", table.Name))
		err := row.Scan(&baseSchema, &baseName)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil || !found {
		return false, nil, err
	}
	return true, &QualifiedName{Schema: baseSchema, Name: baseName}, nil
}

// ForeignKeys returns every enabled foreign key in the database.
func (p *Probe) ForeignKeys(ctx context.Context) ([]ForeignKey, error) {
	const q = `
SELECT fk.name,
       cs.name AS child_schema, ct.name AS child_table,
       ps.name AS parent_schema, pt.name AS parent_table
FROM sys.foreign_keys fk
JOIN sys.tables ct ON ct.object_id = fk.parent_object_id
JOIN sys.schemas cs ON cs.schema_id = ct.schema_id
JOIN sys.tables pt ON pt.object_id = fk.referenced_object_id
JOIN sys.schemas ps ON ps.schema_id = pt.schema_id
WHERE fk.is_disabled = 0`
	var out []ForeignKey
	err := dbconn.Run(ctx, p.retry, func(ctx context.Context) error {
		out = nil
		rows, err := p.db.QueryContext(ctx, q)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var fk ForeignKey
			if err := rows.Scan(&fk.Name, &fk.Child.Schema, &fk.Child.Name, &fk.Parent.Schema, &fk.Parent.Name); err != nil {
				return err
			}
			out = append(out, fk)
		}
		return rows.Err()
	})
	return out, err
}

// Describe probes every facet of table and assembles a TableMetadata.
// Probe.* is used directly by lower-level callers that need a single
// facet; Describe is the convenience used by the Table Orchestrator.
func (p *Probe) Describe(ctx context.Context, table QualifiedName) (*TableMetadata, error) {
	cols, err := p.Columns(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("probing columns of %s: %w", table, err)
	}
	pk, err := p.PrimaryKeyColumns(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("probing primary key of %s: %w", table, err)
	}
	hasIdentity, err := p.HasIdentity(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("probing identity of %s: %w", table, err)
	}
	isBase, histTable, err := p.IsTemporalBase(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("probing temporal base status of %s: %w", table, err)
	}
	isHistory, baseTable, err := p.IsTemporalHistory(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("probing temporal history status of %s: %w", table, err)
	}
	return &TableMetadata{
		Name:        table,
		Columns:     cols,
		PrimaryKey:  PrimaryKey{Columns: pk},
		HasIdentity: hasIdentity,
		Temporal: TemporalInfo{
			IsTemporalBase:    isBase,
			HistoryTable:      histTable,
			IsTemporalHistory: isHistory,
			BaseTable:         baseTable,
		},
	}, nil
}
