// Package compare implements the read-only comparison mode
// (--compare-counts-and-schema): for each selected table it reports
// source/target row counts and the schema drift reconciliation would
// produce, without writing anything to either database. This mode is
// out of core scope — no synchronization path runs.
package compare

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/block/mssqlsync/pkg/dbconn"
	"github.com/block/mssqlsync/pkg/reconcile"
	"github.com/block/mssqlsync/pkg/schema"
)

// TableComparison is one table's read-only comparison result.
type TableComparison struct {
	TableName   string
	SourceCount int64
	TargetCount int64
	Drift       *reconcile.Drift
	Error       string
}

// Comparator drives the comparison. Unlike the orchestrator, it never
// touches the target beyond read-only catalog and count queries.
type Comparator struct {
	source, target *sql.DB
	sourceProbe     *schema.Probe
	targetProbe     *schema.Probe
	retry           *dbconn.RetryConfig
	mapping         reconcile.ColumnMapping
	ignore          reconcile.IgnoreSet
}

// New constructs a Comparator.
func New(source, target *sql.DB, mapping reconcile.ColumnMapping, ignore reconcile.IgnoreSet) *Comparator {
	retry := dbconn.NewRetryConfig()
	return &Comparator{
		source: source, target: target,
		sourceProbe: schema.NewProbe(source, retry),
		targetProbe: schema.NewProbe(target, retry),
		retry:       retry,
		mapping:     mapping,
		ignore:      ignore,
	}
}

// Compare reports counts and schema drift for every table in selected,
// continuing past individual table errors so one bad table does not
// abort the whole report.
func (c *Comparator) Compare(ctx context.Context, selected []schema.QualifiedName) []TableComparison {
	out := make([]TableComparison, 0, len(selected))
	for _, table := range selected {
		out = append(out, c.compareOne(ctx, table))
	}
	return out
}

func (c *Comparator) compareOne(ctx context.Context, table schema.QualifiedName) TableComparison {
	result := TableComparison{TableName: table.String()}

	sourceMeta, err := c.sourceProbe.Describe(ctx, table)
	if err != nil {
		result.Error = fmt.Sprintf("probing source: %v", err)
		return result
	}
	targetMeta, err := c.targetProbe.Describe(ctx, table)
	if err != nil {
		result.Error = fmt.Sprintf("probing target: %v", err)
		return result
	}

	_, drift, err := reconcile.Reconcile(sourceMeta.ColumnNames(), targetMeta, c.mapping, c.ignore, sourceMeta.PrimaryKey.Columns, false)
	result.Drift = drift
	if err != nil {
		result.Error = err.Error()
	}

	sourceCount, err := c.count(ctx, c.source, table)
	if err != nil {
		result.Error = fmt.Sprintf("counting source: %v", err)
		return result
	}
	targetCount, err := c.count(ctx, c.target, table)
	if err != nil {
		result.Error = fmt.Sprintf("counting target: %v", err)
		return result
	}
	result.SourceCount, result.TargetCount = sourceCount, targetCount
	return result
}

func (c *Comparator) count(ctx context.Context, db *sql.DB, table schema.QualifiedName) (int64, error) {
	var n int64
	err := dbconn.Run(ctx, c.retry, func(ctx context.Context) error {
		return db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT_BIG(*) FROM %s", table.Quoted())).Scan(&n)
	})
	return n, err
}
