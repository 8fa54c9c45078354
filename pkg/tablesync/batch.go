package tablesync

import (
	"context"
	"database/sql"
	"fmt"

	mssql "github.com/microsoft/go-mssqldb"

	"github.com/block/mssqlsync/pkg/reconcile"
	"github.com/block/mssqlsync/pkg/schema"
	"github.com/block/mssqlsync/pkg/utils"
)

// TableConnections is the pair of database handles a batch operates
// against: rows are read from Source and staged/inserted into Target.
// Both handles are connection pools shared by every table of a run; each
// batch checks out its own session from the target pool, so a physical
// connection is never used by two tables at once.
type TableConnections struct {
	Source *sql.DB
	Target *sql.DB
}

// runOneBatch executes steps 1-5 of §4.6 as a single attempt: read one
// page from the source, stage it, anti-join insert it, commit. The
// caller (RunIncremental) wraps this in the Retry Policy and re-invokes
// it in full on a transient classification, since the whole attempt
// shares one transaction.
func runOneBatch(ctx context.Context, conns TableConnections, sourceTable, targetTable schema.QualifiedName, proj *reconcile.Projection, sourceKeyCols []string, orderBy string, offset, batchSize int64) (inserted, read int64, err error) {
	rows, err := readSourceBatch(ctx, conns.Source, sourceTable, proj, orderBy, offset, batchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("reading source batch: %w", err)
	}
	read = int64(len(rows))
	if read == 0 {
		return 0, 0, nil
	}

	conn, err := conns.Target.Conn(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer conn.Close()

	// #mssqlsync_stage is a local temp table: session-scoped, not
	// transaction-scoped. It outlives COMMIT/ROLLBACK and the pooled
	// *sql.Conn's Close() returns this physical session to the idle
	// pool rather than terminating it, so a later batch (or a
	// concurrently-running table sharing this pool) is very likely to
	// reuse the same session. Drop any leftover before creating it.
	stagingName := "#mssqlsync_stage"
	dropStagingStmt := fmt.Sprintf("IF OBJECT_ID('tempdb..%s') IS NOT NULL DROP TABLE %s", stagingName, stagingName)
	if _, err = conn.ExecContext(ctx, dropStagingStmt); err != nil {
		return 0, read, fmt.Errorf("dropping leftover staging table: %w", err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	committed := false
	defer func() {
		if !committed {
			utils.ErrInErr(tx.Rollback())
		}
	}()

	createStagingStmt := fmt.Sprintf("SELECT TOP 0 %s INTO %s FROM %s", targetColumnList(proj), stagingName, targetTable.Quoted())
	if _, err = tx.ExecContext(ctx, createStagingStmt); err != nil {
		return 0, read, fmt.Errorf("creating staging table: %w", err)
	}

	if err = bulkCopyIntoStaging(ctx, tx, stagingName, proj.TargetColumns, rows); err != nil {
		return 0, read, fmt.Errorf("staging batch rows: %w", err)
	}

	targetKeyCols := targetKeyColumns(sourceKeyCols, proj)
	insertStmt := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s s WHERE NOT EXISTS (SELECT 1 FROM %s t WHERE %s)",
		targetTable.Quoted(), targetColumnList(proj), targetColumnList(proj), stagingName,
		targetTable.Quoted(), antiJoinPredicate(targetKeyCols),
	)

	identityCol := proj.IdentityColumn
	if identityCol != "" {
		if _, err = tx.ExecContext(ctx, fmt.Sprintf("SET IDENTITY_INSERT %s ON", targetTable.Quoted())); err != nil {
			return 0, read, fmt.Errorf("enabling identity insert: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, insertStmt)
	if err != nil {
		return 0, read, fmt.Errorf("anti-join insert: %w", err)
	}

	if identityCol != "" {
		if _, idErr := tx.ExecContext(ctx, fmt.Sprintf("SET IDENTITY_INSERT %s OFF", targetTable.Quoted())); idErr != nil {
			return 0, read, fmt.Errorf("disabling identity insert: %w", idErr)
		}
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, read, err
	}

	if err = tx.Commit(); err != nil {
		return 0, read, err
	}
	committed = true
	return affected, read, nil
}

// readSourceBatch executes the OFFSET/FETCH page read and returns one
// row per entry, each row a slice of values in projection order.
func readSourceBatch(ctx context.Context, db *sql.DB, table schema.QualifiedName, proj *reconcile.Projection, orderBy string, offset, batchSize int64) ([][]interface{}, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM %s ORDER BY %s OFFSET %d ROWS FETCH NEXT %d ROWS ONLY",
		selectList(proj), table.Quoted(), orderBy, offset, batchSize,
	)
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	n := len(proj.TargetColumns)
	var out [][]interface{}
	for rows.Next() {
		values := make([]interface{}, n)
		ptrs := make([]interface{}, n)
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out = append(out, values)
	}
	return out, rows.Err()
}

// bulkCopyIntoStaging streams rows into the session-private staging
// table using the driver's native bulk-copy protocol (BCP over TDS),
// mapped by target column name since the reader already carries target
// aliases — no reflection on the row type is needed at the call site.
func bulkCopyIntoStaging(ctx context.Context, tx *sql.Tx, stagingTable string, columns []string, rows [][]interface{}) error {
	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(stagingTable, mssql.BulkOptions{}, columns...))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return err
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil { // flush
		return err
	}
	return nil
}
