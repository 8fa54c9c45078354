// Package runner implements the Run Coordinator (C9): it owns the Run
// Result for the lifetime of a run, levels the selected tables via the
// Dependency Planner, fans out Table Orchestrators within a level with
// bounded concurrency, enters/releases the Warden around Bulk-Refresh
// runs, and persists the Run Result at every table boundary.
package runner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/block/mssqlsync/pkg/orchestrator"
	"github.com/block/mssqlsync/pkg/reconcile"
)

// RunStatus is the program's terminal status, distinct from any one
// table's Status.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "Running"
	RunStatusCompleted RunStatus = "Completed"
	RunStatusFailed    RunStatus = "Failed"
)

// Parameters is the echoed Sync Parameters snapshot (§3) written into
// the Run Result so a reader can see exactly what a run was invoked with.
type Parameters struct {
	BatchSize         int64                      `json:"BatchSize"`
	Threads           int                        `json:"Threads"`
	AllowNoPK         bool                       `json:"AllowNoPK"`
	DeepCompare       bool                       `json:"DeepCompare"`
	ClearTarget       bool                       `json:"ClearTarget"`
	TargetColumnsOnly bool                       `json:"TargetColumnsOnly"`
	OrderByPK         bool                       `json:"OrderByPK"`
	ColumnMappings    reconcile.ColumnMapping    `json:"ColumnMappings,omitempty"`
	IgnoreColumns     []string                   `json:"IgnoreColumns,omitempty"`
	StartRowOffsets   map[string]int64           `json:"StartRowOffsets,omitempty"`
	TableSelection    string                     `json:"TableSelection"`
	OutputDir         string                     `json:"OutputDir"`
}

// TableResult is the JSON-serializable form of a Table Sync Result.
type TableResult struct {
	TableName       string           `json:"TableName"`
	Status          string           `json:"Status"`
	SourceCount     int64            `json:"SourceCount"`
	TargetCount     int64            `json:"TargetCount"`
	Inserted        int64            `json:"Inserted"`
	Skipped         int64            `json:"Skipped"`
	StartRowOffset  int64            `json:"StartRowOffset"`
	StartTime       time.Time        `json:"StartTime"`
	EndTime         time.Time        `json:"EndTime"`
	DurationSeconds float64          `json:"DurationSeconds"`
	ErrorMessage    string           `json:"ErrorMessage,omitempty"`
	ErrorType       string           `json:"ErrorType,omitempty"`
	ErrorDetails    string           `json:"ErrorDetails,omitempty"`
	SchemaErrors    *SchemaErrorInfo `json:"SchemaErrors,omitempty"`
}

// SchemaErrorInfo is the JSON form of a Schema Drift Record.
type SchemaErrorInfo struct {
	MissingColumnsInTarget []string `json:"MissingColumnsInTarget,omitempty"`
	MissingColumnsInSource []string `json:"MissingColumnsInSource,omitempty"`
	ExcludedColumns        []string `json:"ExcludedColumns,omitempty"`
	CommonColumns          []string `json:"CommonColumns,omitempty"`
	SchemaMismatchDetails  string   `json:"SchemaMismatchDetails,omitempty"`
}

// Result is the Run Result (§3): unique run id, start/end times,
// parameter snapshot, terminal status, and table results keyed by
// qualified name. Every mutation goes through the embedded mutex —
// concurrent orchestrators must serialize through AddOrUpdate.
type Result struct {
	mu sync.Mutex
	// writeMu serializes Persist end to end (snapshot-under-mu plus the
	// disk write). Two table completions finishing close together must
	// not let the earlier snapshot's write land on disk after the later
	// one's, which a lock held only around snapshot() wouldn't prevent.
	writeMu sync.Mutex

	RunID      string                 `json:"RunId"`
	StartTime  time.Time              `json:"StartTime"`
	EndTime    time.Time              `json:"EndTime"`
	Parameters Parameters             `json:"Parameters"`
	Status     RunStatus              `json:"Status"`
	Tables     []TableResult          `json:"Tables"`
	index      map[string]int         // table key -> index into Tables, not serialized
}

// NewResult starts a fresh Run Result.
func NewResult(runID string, params Parameters) *Result {
	return &Result{
		RunID:      runID,
		StartTime:  time.Now().UTC(),
		Parameters: params,
		Status:     RunStatusRunning,
		index:      map[string]int{},
	}
}

// AddOrUpdate inserts or overwrites the Table Sync Result for a single
// table under the run's lock (invariant: at most one entry per qualified
// table name; updates overwrite, per §3).
func (r *Result) AddOrUpdate(or orchestrator.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tr := toTableResult(or)
	key := tr.TableName
	if idx, ok := r.index[key]; ok {
		r.Tables[idx] = tr
		return
	}
	r.index[key] = len(r.Tables)
	r.Tables = append(r.Tables, tr)
}

func toTableResult(or orchestrator.Result) TableResult {
	tr := TableResult{
		TableName:      or.TableName,
		Status:         or.Status.String(),
		SourceCount:    or.SourceCount,
		TargetCount:    or.TargetCount,
		Inserted:       or.Inserted,
		Skipped:        or.Skipped,
		StartRowOffset: or.StartRowOffset,
		StartTime:      or.StartTime,
		EndTime:        or.EndTime,
		ErrorMessage:   or.ErrorMessage,
		ErrorType:      or.ErrorKind,
	}
	if !or.EndTime.IsZero() {
		tr.DurationSeconds = or.Duration().Seconds()
	}
	if or.SchemaDrift != nil {
		tr.SchemaErrors = &SchemaErrorInfo{
			MissingColumnsInTarget: or.SchemaDrift.MissingColumnsInTarget,
			MissingColumnsInSource: or.SchemaDrift.MissingColumnsInSource,
			ExcludedColumns:        or.SchemaDrift.ExcludedColumns,
			CommonColumns:          or.SchemaDrift.CommonColumns,
			SchemaMismatchDetails:  or.SchemaDrift.SchemaMismatchDetails,
		}
	}
	return tr
}

// Finalize sets the end time and overall status.
func (r *Result) Finalize(status RunStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.EndTime = time.Now().UTC()
	r.Status = status
}

// snapshot returns a lock-protected deep-enough copy safe to serialize
// without holding the lock during I/O.
func (r *Result) snapshot() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	tables := make([]TableResult, len(r.Tables))
	copy(tables, r.Tables)
	return Result{
		RunID:      r.RunID,
		StartTime:  r.StartTime,
		EndTime:    r.EndTime,
		Parameters: r.Parameters,
		Status:     r.Status,
		Tables:     tables,
	}
}

// PersistPath returns the canonical output path for this run under dir:
// <dir>/sync-result-<YYYYMMDD_HHMMSS>.json, timestamped off the run's
// start time so repeated persistence within one run targets one file.
func (r *Result) PersistPath(dir string) string {
	stamp := r.StartTime.Format("20060102_150405")
	return filepath.Join(dir, "sync-result-"+stamp+".json")
}

// Persist writes the current snapshot to path. It is a write-through
// barrier: after any table completes, a crash leaves the file reflecting
// that table's final state. Atomicity of replacement is not required, but
// concurrent callers (one per table completing within a level) must never
// have an earlier snapshot overwrite a later one on disk; writeMu holds
// snapshot-taking and the write together so write order matches the order
// snapshots were taken in.
func (r *Result) Persist(path string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	snap := r.snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
