package tablesync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"

	"github.com/block/mssqlsync/pkg/dbconn"
	"github.com/block/mssqlsync/pkg/reconcile"
	"github.com/block/mssqlsync/pkg/schema"
)

// RefreshOutcome is the result of running the Bulk-Refresh Path against
// one table.
type RefreshOutcome struct {
	Inserted int64
	// SkippedReason is set when a structural error (temporal
	// history write, unresolved FK reference) means the table must be
	// left untouched rather than treated as failed.
	SkippedReason string
}

const (
	errCodeTemporalHistoryWrite = 4712
	errCodeForeignKeyConflict   = 547
	errCodeBulkSchemaChange     = 4891
	errCodeSchemaChangeAlt      = 213
	errCodeNullConstraint       = 515
)

// ErrSchemaChange classifies a bulk-copy failure caused by a concurrent
// DDL change on either table; never retried, never partially reported.
type ErrSchemaChange struct{ Cause error }

func (e *ErrSchemaChange) Error() string { return fmt.Sprintf("schema changed during bulk copy: %v", e.Cause) }
func (e *ErrSchemaChange) Unwrap() error { return e.Cause }

// ErrNullConstraint classifies a NULL-constraint violation during bulk
// copy; the table is failed with no guess about partial row counts.
type ErrNullConstraint struct{ Cause error }

func (e *ErrNullConstraint) Error() string { return fmt.Sprintf("NULL constraint violation during bulk copy: %v", e.Cause) }
func (e *ErrNullConstraint) Unwrap() error { return e.Cause }

// RunRefresh clears the target and bulk-loads it from source, per §4.7.
// The caller (Table Orchestrator) is expected to have the Warden active
// for the whole run whenever any table may take this path.
func RunRefresh(ctx context.Context, conns TableConnections, sourceTable, targetTable schema.QualifiedName, proj *reconcile.Projection, batchSize int64, retry *dbconn.RetryConfig) (*RefreshOutcome, error) {
	skipReason, err := clearTarget(ctx, conns.Target, targetTable, retry)
	if err != nil {
		return nil, err
	}
	if skipReason != "" {
		return &RefreshOutcome{SkippedReason: skipReason}, nil
	}

	inserted, err := bulkLoad(ctx, conns, sourceTable, targetTable, proj, batchSize)
	if err != nil {
		return nil, err
	}
	return &RefreshOutcome{Inserted: inserted}, nil
}

// clearTarget attempts TRUNCATE TABLE, falling back to a constraint-
// disabled DELETE when TRUNCATE fails for any reason (typically FK
// references). Returns a
// non-empty skip reason when the table must be left untouched because
// the history-table or FK-conflict errors survive even the fallback.
func clearTarget(ctx context.Context, db *sql.DB, table schema.QualifiedName, retry *dbconn.RetryConfig) (string, error) {
	truncateErr := dbconn.ExecRetryable(ctx, db, retry, fmt.Sprintf("TRUNCATE TABLE %s", table.Quoted()))
	if truncateErr == nil {
		return "", nil
	}

	_ = dbconn.ExecRetryable(ctx, db, retry, fmt.Sprintf("ALTER TABLE %s NOCHECK CONSTRAINT ALL", table.Quoted()))
	deleteErr := dbconn.ExecRetryable(ctx, db, retry, fmt.Sprintf("DELETE FROM %s", table.Quoted()))
	_ = dbconn.ExecRetryable(ctx, db, retry, fmt.Sprintf("ALTER TABLE %s WITH CHECK CHECK CONSTRAINT ALL", table.Quoted()))

	if deleteErr == nil {
		return "", nil
	}
	if isStructuralRefreshError(deleteErr) {
		return fmt.Sprintf("cannot clear target: %v", deleteErr), nil
	}
	return "", fmt.Errorf("clearing target %s: truncate failed (%v), delete fallback failed (%w)", table, truncateErr, deleteErr)
}

func isStructuralRefreshError(err error) bool {
	var mssqlErr mssql.Error
	if errors.As(err, &mssqlErr) {
		return mssqlErr.Number == errCodeTemporalHistoryWrite || mssqlErr.Number == errCodeForeignKeyConflict
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "temporal history table") || strings.Contains(lower, "foreign key")
}

// bulkLoad reads the entire source projection and bulk-copies it into
// the target within a single streamed bulk copy; batchSize is passed to
// the driver as the bulk copy's rows-per-batch setting. Rows are sent as
// they are read, so the whole load is one bulk-copy operation per §4.7.
func bulkLoad(ctx context.Context, conns TableConnections, sourceTable, targetTable schema.QualifiedName, proj *reconcile.Projection, batchSize int64) (int64, error) {
	query := fmt.Sprintf("SELECT %s FROM %s", selectList(proj), sourceTable.Quoted())
	rows, err := conns.Source.QueryContext(ctx, query)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	conn, err := conns.Target.Conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	stmt, err := conn.PrepareContext(ctx, mssql.CopyIn(targetTable.String(), mssql.BulkOptions{RowsPerBatch: int(batchSize)}, proj.TargetColumns...))
	if err != nil {
		return 0, classifyBulkErr(err)
	}
	defer stmt.Close()

	n := len(proj.TargetColumns)
	var inserted int64
	var batch int64
	for rows.Next() {
		values := make([]interface{}, n)
		ptrs := make([]interface{}, n)
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return inserted, err
		}
		if _, err := stmt.ExecContext(ctx, values...); err != nil {
			return inserted, classifyBulkErr(err)
		}
		inserted++
		batch++
		if batch >= batchSize {
			batch = 0
		}
	}
	if err := rows.Err(); err != nil {
		return inserted, err
	}
	if _, err := stmt.ExecContext(ctx); err != nil { // flush
		return inserted, classifyBulkErr(err)
	}
	return inserted, nil
}

func classifyBulkErr(err error) error {
	var mssqlErr mssql.Error
	if errors.As(err, &mssqlErr) {
		switch mssqlErr.Number {
		case errCodeBulkSchemaChange, errCodeSchemaChangeAlt:
			return &ErrSchemaChange{Cause: err}
		case errCodeNullConstraint:
			return &ErrNullConstraint{Cause: err}
		}
	}
	if strings.Contains(strings.ToLower(err.Error()), "schema change") {
		return &ErrSchemaChange{Cause: err}
	}
	return err
}
