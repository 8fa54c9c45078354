// Package tablesync implements the two per-table synchronization paths:
// the Incremental Sync Path (C6, this file) and the Bulk-Refresh Path
// (C7, refresh.go). Both are driven by the Table Orchestrator and both
// route every database round trip through the Retry Policy.
package tablesync

import (
	"context"
	"fmt"
	"strings"

	"github.com/block/mssqlsync/pkg/dbconn"
	"github.com/block/mssqlsync/pkg/reconcile"
	"github.com/block/mssqlsync/pkg/schema"
)

// IncrementalOutcome is the result of running the Incremental Sync Path
// against one table.
type IncrementalOutcome struct {
	Inserted int64
	Skipped  int64
}

// ErrNoPK signals the table has no primary key and the caller's flags
// don't permit proceeding (see the skip/deep-compare decision table).
var ErrNoPK = fmt.Errorf("no primary key and allow-no-pk with deep-compare is not set")

// ResolveKeyColumns implements the precondition and PK-policy decision in
// §4.6: without allowNoPK, an empty PK means Skipped; with allowNoPK but
// without deepCompare, also Skipped; with both, the key becomes the full
// projection (deep compare). The caller passes deepCompare as the
// conjunction of the two flags. It returns the source-space key columns to
// use for the anti-join, or ErrNoPK when the table must be skipped.
func ResolveKeyColumns(pk schema.PrimaryKey, proj *reconcile.Projection, deepCompare bool) ([]string, error) {
	if !pk.Empty() {
		return pk.Columns, nil
	}
	if !deepCompare {
		return nil, ErrNoPK
	}
	// Deep compare: the key is the full source-side projection.
	keys := make([]string, 0, len(proj.TargetColumns))
	for _, tgt := range proj.TargetColumns {
		keys = append(keys, proj.TargetToSource[tgt])
	}
	return keys, nil
}

// IncrementalConfig bundles the per-run parameters the batch loop needs.
type IncrementalConfig struct {
	BatchSize      int64
	StartRowOffset int64
	OrderByPK      bool
	Retry          *dbconn.RetryConfig
}

// RunIncremental executes the full batch loop against table, using proj
// (already reconciled) and sourceKeyCols (already resolved via
// ResolveKeyColumns) for the anti-join predicate. sourceCount is the
// pre-fetched source row count (the count pre-check is informational
// only and never gates whether this runs).
func RunIncremental(ctx context.Context, conns TableConnections, table schema.QualifiedName, targetTable schema.QualifiedName, proj *reconcile.Projection, sourceKeyCols []string, sourceCount int64, cfg IncrementalConfig) (*IncrementalOutcome, error) {
	out := &IncrementalOutcome{Skipped: cfg.StartRowOffset}
	if cfg.StartRowOffset >= sourceCount {
		return out, nil
	}
	orderBy := buildOrderBy(sourceKeyCols, proj, cfg.OrderByPK)

	for offset := cfg.StartRowOffset; offset < sourceCount; offset += cfg.BatchSize {
		var batchInserted, batchRead int64
		err := dbconn.Run(ctx, cfg.Retry, func(ctx context.Context) error {
			var txErr error
			batchInserted, batchRead, txErr = runOneBatch(ctx, conns, table, targetTable, proj, sourceKeyCols, orderBy, offset, cfg.BatchSize)
			return txErr
		})
		if err != nil {
			return out, err
		}
		out.Inserted += batchInserted
		out.Skipped += batchRead - batchInserted
	}
	return out, nil
}

// buildOrderBy picks the ORDER BY clause per §4.6: PK columns (source
// names) when orderByPK is set and a key exists, otherwise the first
// projection column's source name.
func buildOrderBy(sourceKeyCols []string, proj *reconcile.Projection, orderByPK bool) string {
	if orderByPK && len(sourceKeyCols) > 0 {
		return bracketList(sourceKeyCols)
	}
	if len(proj.TargetColumns) > 0 {
		first := proj.TargetToSource[proj.TargetColumns[0]]
		return fmt.Sprintf("[%s]", first)
	}
	return ""
}

func bracketList(cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("[%s]", c)
	}
	return strings.Join(parts, ", ")
}

// selectList renders "[src] AS [tgt]" pairs in projection order.
func selectList(proj *reconcile.Projection) string {
	parts := make([]string, len(proj.TargetColumns))
	for i, tgt := range proj.TargetColumns {
		src := proj.TargetToSource[tgt]
		parts[i] = fmt.Sprintf("[%s] AS [%s]", src, tgt)
	}
	return strings.Join(parts, ", ")
}

func targetColumnList(proj *reconcile.Projection) string {
	parts := make([]string, len(proj.TargetColumns))
	for i, tgt := range proj.TargetColumns {
		parts[i] = fmt.Sprintf("[%s]", tgt)
	}
	return strings.Join(parts, ", ")
}

// antiJoinPredicate renders the null-safe PK-match predicate used in the
// anti-join's WHERE NOT EXISTS clause, in target-space column names.
// Per the deep-compare open question, every comparison is null-safe:
// "(t.col = s.col OR (t.col IS NULL AND s.col IS NULL))", never a bare
// "t.col = s.col", since SQL Server's NULL = NULL is unknown, not true.
func antiJoinPredicate(targetKeyCols []string) string {
	parts := make([]string, len(targetKeyCols))
	for i, c := range targetKeyCols {
		parts[i] = fmt.Sprintf("(t.[%s] = s.[%s] OR (t.[%s] IS NULL AND s.[%s] IS NULL))", c, c, c, c)
	}
	return strings.Join(parts, " AND ")
}

func targetKeyColumns(sourceKeyCols []string, proj *reconcile.Projection) []string {
	out := make([]string, len(sourceKeyCols))
	for i, src := range sourceKeyCols {
		out[i] = proj.SourceToTarget[src]
	}
	return out
}
