// Package warden implements the Constraint/Temporal Warden (C5): scoped
// disable/enable of all foreign keys and of SYSTEM_VERSIONING for temporal
// base tables around a Bulk-Refresh run, with guaranteed release on every
// exit path including panic and cancellation.
package warden

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/block/mssqlsync/pkg/dbconn"
	"github.com/block/mssqlsync/pkg/schema"
	"github.com/siddontang/loggers"
)

// TemporalBinding records a base/history pairing disabled at entry, kept
// so Release can restore the exact binding instead of guessing it.
type TemporalBinding struct {
	Base    schema.QualifiedName
	History schema.QualifiedName
}

// Warden holds the state acquired by Enter so Release can undo exactly
// what was done, even if the run is aborted partway through Enter itself.
type Warden struct {
	db       *sql.DB
	retry    *dbconn.RetryConfig
	logger   loggers.Advanced
	disabledFKTables   []schema.QualifiedName
	suspendedTemporals []TemporalBinding
	// Warnings accumulates non-fatal failures encountered while
	// disabling or restoring; each is also logged when a logger is set.
	// They never fail the run, and the Run Result does not include them.
	Warnings []string
}

// New constructs a Warden bound to db. logger may be nil only in tests.
func New(db *sql.DB, retry *dbconn.RetryConfig, logger loggers.Advanced) *Warden {
	return &Warden{db: db, retry: retry, logger: logger}
}

// Enter disables all foreign keys on every base table in the target and
// suspends SYSTEM_VERSIONING on every temporal base table named in
// temporalCandidates (the selection, plus the base partner of any
// selected history table). Individual ALTER failures are recorded as
// warnings, not returned as errors — per spec, constraint-disable
// failures must not abort the run; the caller still owns calling
// Release, typically via defer, regardless of Enter's return value.
func (w *Warden) Enter(ctx context.Context, allBaseTables []schema.QualifiedName, temporalCandidates []TemporalBinding) error {
	for _, t := range allBaseTables {
		stmt := fmt.Sprintf("ALTER TABLE %s NOCHECK CONSTRAINT ALL", t.Quoted())
		if err := dbconn.ExecRetryable(ctx, w.db, w.retry, stmt); err != nil {
			w.warnf("disabling constraints on %s: %v", t, err)
			continue
		}
		w.disabledFKTables = append(w.disabledFKTables, t)
	}
	for _, binding := range temporalCandidates {
		stmt := fmt.Sprintf("ALTER TABLE %s SET (SYSTEM_VERSIONING = OFF)", binding.Base.Quoted())
		if err := dbconn.ExecRetryable(ctx, w.db, w.retry, stmt); err != nil {
			w.warnf("disabling system versioning on %s: %v", binding.Base, err)
			continue
		}
		w.suspendedTemporals = append(w.suspendedTemporals, binding)
	}
	return nil
}

// Release restores every invariant Enter successfully suspended. It is
// safe to call multiple times and safe to call on a zero-value Warden.
// Release switches to context.Background() (no deadline) when ctx is
// already cancelled, because restoring the target's FK/
// versioning state must happen even when the run was cancelled.
func (w *Warden) Release(ctx context.Context) {
	releaseCtx := ctx
	if ctx.Err() != nil {
		releaseCtx = context.Background()
	}
	for _, t := range w.disabledFKTables {
		stmt := fmt.Sprintf("ALTER TABLE %s WITH CHECK CHECK CONSTRAINT ALL", t.Quoted())
		if err := dbconn.ExecRetryable(releaseCtx, w.db, w.retry, stmt); err != nil {
			w.warnf("re-enabling constraints on %s: %v", t, err)
		}
	}
	w.disabledFKTables = nil
	for _, binding := range w.suspendedTemporals {
		stmt := fmt.Sprintf(
			"ALTER TABLE %s SET (SYSTEM_VERSIONING = ON (HISTORY_TABLE = %s, DATA_CONSISTENCY_CHECK = OFF))",
			binding.Base.Quoted(), binding.History.Quoted(),
		)
		if err := dbconn.ExecRetryable(releaseCtx, w.db, w.retry, stmt); err != nil {
			w.warnf("restoring system versioning on %s: %v", binding.Base, err)
		}
	}
	w.suspendedTemporals = nil
}

func (w *Warden) warnf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	w.Warnings = append(w.Warnings, msg)
	if w.logger != nil {
		w.logger.Warnf(format, args...)
	}
}
