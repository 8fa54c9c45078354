// Package orchestrator implements the Table Orchestrator (C8): the
// per-table driver that probes metadata, reconciles schema, picks a
// synchronization path, runs it through the Retry Policy, and always
// returns a terminal Table Sync Result rather than propagating an error
// past itself.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/block/mssqlsync/pkg/dbconn"
	"github.com/block/mssqlsync/pkg/reconcile"
	"github.com/block/mssqlsync/pkg/schema"
	"github.com/block/mssqlsync/pkg/tablesync"
	"github.com/siddontang/loggers"
)

// State is the per-table state machine: Pending -> Running ->
// {Completed, Failed, Skipped}. It is held as an atomic int32 the same
// way the teacher tracks migration state, so a status reader may poll it
// from another goroutine.
type State int32

const (
	StatePending State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateSkipped
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateRunning:
		return "Running"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	case StateSkipped:
		return "Skipped"
	default:
		return "Unknown"
	}
}

// Params bundles the per-run policy flags the orchestrator consults when
// deciding a table's path. These mirror the CLI options in spec §6 one
// to one; the CLI layer is responsible for parsing them into this shape.
type Params struct {
	BatchSize         int64
	AllowNoPK         bool
	DeepCompare       bool
	ClearTarget       bool
	TargetColumnsOnly bool
	OrderByPK         bool
	StartRowOffset    int64
	Mapping           reconcile.ColumnMapping
	Ignore            reconcile.IgnoreSet
}

// Result is the Table Sync Result (data model §3).
type Result struct {
	TableName      string
	Status         State
	SourceCount    int64
	TargetCount    int64
	Inserted       int64
	Skipped        int64
	StartRowOffset int64
	StartTime      time.Time
	EndTime        time.Time
	ErrorKind      string
	ErrorMessage   string
	SchemaDrift    *reconcile.Drift
}

// Duration returns EndTime.Sub(StartTime), valid once the result is terminal.
func (r Result) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Orchestrator drives a single table through probe -> reconcile -> path.
type Orchestrator struct {
	conns       tablesync.TableConnections
	sourceProbe *schema.Probe
	targetProbe *schema.Probe
	retry       *dbconn.RetryConfig
	logger      loggers.Advanced
	state       int32
}

// New constructs an Orchestrator for one table run.
func New(conns tablesync.TableConnections, sourceProbe, targetProbe *schema.Probe, retry *dbconn.RetryConfig, logger loggers.Advanced) *Orchestrator {
	return &Orchestrator{conns: conns, sourceProbe: sourceProbe, targetProbe: targetProbe, retry: retry, logger: logger}
}

// State returns the orchestrator's current state. Safe for concurrent
// access from a status-reporting goroutine.
func (o *Orchestrator) State() State {
	return State(atomic.LoadInt32(&o.state))
}

func (o *Orchestrator) setState(s State) {
	atomic.StoreInt32(&o.state, int32(s))
}

// Run executes the full per-table pipeline and always returns a terminal
// Result — it never propagates a database error past itself; the Run
// Coordinator tallies outcomes from the returned Result, not exceptions.
func (o *Orchestrator) Run(ctx context.Context, table schema.QualifiedName, params Params) Result {
	result := Result{TableName: table.String(), StartTime: now(), StartRowOffset: params.StartRowOffset}
	o.setState(StateRunning)
	result.Status = StateRunning

	sourceMeta, err := o.sourceProbe.Describe(ctx, table)
	if err != nil {
		return o.fail(result, "probe", err)
	}
	targetMeta, err := o.targetProbe.Describe(ctx, table)
	if err != nil {
		return o.fail(result, "probe", err)
	}

	tableMapping, globalIgnore := perTableMapping(params.Mapping, table), perTableIgnore(params.Ignore, table)
	proj, drift, err := reconcile.Reconcile(sourceMeta.ColumnNames(), targetMeta, tableMapping, globalIgnore, sourceMeta.PrimaryKey.Columns, params.TargetColumnsOnly)
	result.SchemaDrift = drift
	if err != nil {
		return o.fail(result, "local-precondition", err)
	}

	sourceCount, targetCount, err := o.counts(ctx, table)
	if err != nil {
		return o.fail(result, "fatal", err)
	}
	result.SourceCount, result.TargetCount = sourceCount, targetCount

	if params.ClearTarget {
		return o.runRefresh(ctx, table, proj, params.BatchSize, result)
	}
	return o.runIncremental(ctx, table, sourceMeta, proj, sourceCount, params, result)
}

func (o *Orchestrator) runIncremental(ctx context.Context, table schema.QualifiedName, sourceMeta *schema.TableMetadata, proj *reconcile.Projection, sourceCount int64, params Params, result Result) Result {
	keyCols, err := tablesync.ResolveKeyColumns(sourceMeta.PrimaryKey, proj, params.AllowNoPK && params.DeepCompare)
	if err != nil {
		return o.skip(result, fmt.Sprintf("empty primary key: %v", err))
	}
	cfg := tablesync.IncrementalConfig{
		BatchSize:      params.BatchSize,
		StartRowOffset: params.StartRowOffset,
		OrderByPK:      params.OrderByPK,
		Retry:          o.retry,
	}
	outcome, err := tablesync.RunIncremental(ctx, o.conns, table, table, proj, keyCols, sourceCount, cfg)
	if err != nil {
		return o.classify(result, err)
	}
	result.Inserted = outcome.Inserted
	result.Skipped = outcome.Skipped
	return o.complete(result)
}

func (o *Orchestrator) runRefresh(ctx context.Context, table schema.QualifiedName, proj *reconcile.Projection, batchSize int64, result Result) Result {
	// Bulk-Refresh is retried through the Retry Policy at whole-table
	// granularity. A transient blip anywhere in the clear-then-reload,
	// including mid-stream during the bulk copy, restarts the entire
	// table from a fresh TRUNCATE/DELETE, since the path is idempotent
	// end to end. Schema/structural errors still classify as
	// non-transient and propagate on first occurrence.
	var outcome *tablesync.RefreshOutcome
	err := dbconn.Run(ctx, o.retry, func(ctx context.Context) error {
		var runErr error
		outcome, runErr = tablesync.RunRefresh(ctx, o.conns, table, table, proj, batchSize, o.retry)
		return runErr
	})
	if err != nil {
		return o.classify(result, err)
	}
	if outcome.SkippedReason != "" {
		return o.skip(result, outcome.SkippedReason)
	}
	result.Inserted = outcome.Inserted
	return o.complete(result)
}

func (o *Orchestrator) counts(ctx context.Context, table schema.QualifiedName) (int64, int64, error) {
	var sourceCount, targetCount int64
	err := dbconn.Run(ctx, o.retry, func(ctx context.Context) error {
		return o.conns.Source.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT_BIG(*) FROM %s", table.Quoted())).Scan(&sourceCount)
	})
	if err != nil {
		return 0, 0, err
	}
	err = dbconn.Run(ctx, o.retry, func(ctx context.Context) error {
		return o.conns.Target.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT_BIG(*) FROM %s", table.Quoted())).Scan(&targetCount)
	})
	if err != nil {
		return 0, 0, err
	}
	return sourceCount, targetCount, nil
}

func (o *Orchestrator) classify(result Result, err error) Result {
	kind := dbconn.Classify(err)
	switch kind {
	case dbconn.KindSchema:
		if result.SchemaDrift != nil {
			result.SchemaDrift.SchemaMismatchDetails = err.Error()
		}
		return o.fail(result, "schema", err)
	case dbconn.KindStructural:
		return o.skip(result, err.Error())
	default:
		return o.fail(result, "fatal", err)
	}
}

func (o *Orchestrator) complete(result Result) Result {
	o.setState(StateCompleted)
	result.Status = StateCompleted
	result.EndTime = now()
	return result
}

func (o *Orchestrator) fail(result Result, kind string, err error) Result {
	o.setState(StateFailed)
	result.Status = StateFailed
	result.ErrorKind = kind
	result.ErrorMessage = err.Error()
	result.EndTime = now()
	if o.logger != nil {
		o.logger.Errorf("table %s failed (%s): %v", result.TableName, kind, err)
	}
	return result
}

func (o *Orchestrator) skip(result Result, reason string) Result {
	o.setState(StateSkipped)
	result.Status = StateSkipped
	result.ErrorMessage = reason
	result.EndTime = now()
	if o.logger != nil {
		o.logger.Warnf("table %s skipped: %s", result.TableName, reason)
	}
	return result
}

func perTableMapping(global reconcile.ColumnMapping, table schema.QualifiedName) reconcile.ColumnMapping {
	// Mapping keys are recorded as either "schema.table.src" or
	// "table.src" or bare "src" (global); this resolves the
	// table-specific subset into a plain src->tgt map.
	out := reconcile.ColumnMapping{}
	for key, tgt := range global {
		src, scope, ok := splitScopedKey(key)
		if !ok {
			continue
		}
		if scope == "" || matchesScope(scope, table) {
			out[src] = tgt
		}
	}
	return out
}

func perTableIgnore(global reconcile.IgnoreSet, table schema.QualifiedName) reconcile.IgnoreSet {
	out := reconcile.IgnoreSet{}
	for key := range global {
		col, scope, ok := splitScopedKey(key)
		if !ok {
			continue
		}
		if scope == "" || matchesScope(scope, table) {
			out[col] = struct{}{}
		}
	}
	return out
}

// splitScopedKey splits a "schema.table.col", "table.col", or bare "col"
// key into (col, scope, ok); scope is "" for a global (bare) entry.
func splitScopedKey(key string) (col, scope string, ok bool) {
	parts := strings.Split(key, ".")
	switch len(parts) {
	case 1:
		return parts[0], "", true
	case 2:
		return parts[1], parts[0], true
	case 3:
		return parts[2], parts[0] + "." + parts[1], true
	default:
		return "", "", false
	}
}

func matchesScope(scope string, table schema.QualifiedName) bool {
	if strings.Contains(scope, ".") {
		return strings.EqualFold(scope, table.String())
	}
	return strings.EqualFold(scope, table.Name)
}

// now is a seam so tests could substitute a fixed clock if ever needed;
// production code always calls it unconditionally.
func now() time.Time { return time.Now().UTC() }
