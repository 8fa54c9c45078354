package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/block/mssqlsync/pkg/dbconn"
	"github.com/block/mssqlsync/pkg/depgraph"
	"github.com/block/mssqlsync/pkg/orchestrator"
	"github.com/block/mssqlsync/pkg/schema"
	"github.com/block/mssqlsync/pkg/tablesync"
	"github.com/block/mssqlsync/pkg/warden"
	"github.com/siddontang/loggers"
)

// statusInterval mirrors the teacher's periodic status cadence.
const statusInterval = 30 * time.Second

// Coordinator is the Run Coordinator (C9).
type Coordinator struct {
	conns       tablesync.TableConnections
	sourceProbe *schema.Probe
	targetProbe *schema.Probe
	retry       *dbconn.RetryConfig
	threads     int
	logger      loggers.Advanced
	outputDir   string
}

// New constructs a Coordinator. threads bounds in-flight tables per
// execution level.
func New(conns tablesync.TableConnections, threads int, outputDir string, logger loggers.Advanced) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	retry := dbconn.NewRetryConfig()
	return &Coordinator{
		conns:       conns,
		sourceProbe: schema.NewProbe(conns.Source, retry),
		targetProbe: schema.NewProbe(conns.Target, retry),
		retry:       retry,
		threads:     threads,
		logger:      logger,
		outputDir:   outputDir,
	}
}

// Selection resolves the selection DSL (§6/§4.9): "*"/"all" matches
// every base table present in both source and target; a bare name
// matches the full qualified name, the schema name, or — with no dot —
// the table name in dbo; matching is case-insensitive.
func Selection(tokens []string, sourceTables, targetTables []schema.QualifiedName) []schema.QualifiedName {
	if len(tokens) == 0 {
		tokens = []string{"*"}
	}
	targetSet := make(map[string]schema.QualifiedName, len(targetTables))
	for _, t := range targetTables {
		targetSet[t.Key()] = t
	}

	var selected []schema.QualifiedName
	seen := map[string]bool{}
	add := func(t schema.QualifiedName) {
		if seen[t.Key()] {
			return
		}
		seen[t.Key()] = true
		selected = append(selected, t)
	}

	for _, raw := range tokens {
		token := strings.TrimSpace(raw)
		if token == "" || token == "*" || strings.EqualFold(token, "all") {
			for _, t := range sourceTables {
				if _, ok := targetSet[t.Key()]; ok {
					add(t)
				}
			}
			continue
		}
		for _, t := range sourceTables {
			if _, ok := targetSet[t.Key()]; !ok {
				continue
			}
			if matchesToken(token, t) {
				add(t)
			}
		}
	}
	return selected
}

func matchesToken(token string, t schema.QualifiedName) bool {
	if strings.Contains(token, ".") {
		return strings.EqualFold(token, t.String())
	}
	if strings.EqualFold(token, t.Schema) {
		return true
	}
	return strings.EqualFold(token, t.Name) && strings.EqualFold(t.Schema, "dbo")
}

// Run executes the whole pipeline: enumerate, level, (maybe) enter the
// Warden, dispatch levels sequentially with bounded per-level
// concurrency, finalize and persist the Run Result.
func (c *Coordinator) Run(ctx context.Context, tokens []string, params orchestrator.Params, runParams Parameters) (*Result, error) {
	runID := uuid.NewString()
	runParams.Threads = c.threads
	runParams.BatchSize = params.BatchSize
	runParams.AllowNoPK = params.AllowNoPK
	runParams.DeepCompare = params.DeepCompare
	runParams.ClearTarget = params.ClearTarget
	runParams.TargetColumnsOnly = params.TargetColumnsOnly
	runParams.OrderByPK = params.OrderByPK
	startRowOffsets := runParams.StartRowOffsets
	result := NewResult(runID, runParams)
	path := result.PersistPath(c.outputDir)

	sourceTables, err := c.sourceProbe.ListBaseTables(ctx)
	if err != nil {
		result.Finalize(RunStatusFailed)
		return result, fmt.Errorf("enumerating source tables: %w", err)
	}
	targetTables, err := c.targetProbe.ListBaseTables(ctx)
	if err != nil {
		result.Finalize(RunStatusFailed)
		return result, fmt.Errorf("enumerating target tables: %w", err)
	}
	selected := Selection(tokens, sourceTables, targetTables)

	fkEdges, err := c.targetProbe.ForeignKeys(ctx)
	if err != nil {
		result.Finalize(RunStatusFailed)
		return result, fmt.Errorf("planning dependency graph: %w", err)
	}
	levels := depgraph.Plan(selected, fkEdges)

	var w *warden.Warden
	if params.ClearTarget {
		w = warden.New(c.conns.Target, c.retry, c.logger)
		temporalBindings, err := c.temporalBindings(ctx, selected)
		if err != nil {
			result.Finalize(RunStatusFailed)
			return result, fmt.Errorf("resolving temporal bindings: %w", err)
		}
		if err := w.Enter(ctx, targetTables, temporalBindings); err != nil {
			result.Finalize(RunStatusFailed)
			return result, fmt.Errorf("entering warden scope: %w", err)
		}
		defer w.Release(ctx)
	}

	statusDone := make(chan struct{})
	go c.reportStatusPeriodically(ctx, result, path, statusDone)
	defer close(statusDone)

	for _, level := range levels {
		if ctx.Err() != nil {
			break
		}
		if err := c.runLevel(ctx, level, params, result, path, startRowOffsets); err != nil {
			// Only the Warden's own entry/exit and planner errors
			// propagate past the coordinator; per-table failures never
			// cancel the run and are not surfaced here.
			result.Finalize(RunStatusFailed)
			_ = result.Persist(path)
			return result, err
		}
	}

	result.Finalize(RunStatusCompleted)
	if err := result.Persist(path); err != nil {
		return result, fmt.Errorf("persisting final run result: %w", err)
	}
	return result, nil
}

// runLevel dispatches every table in level with at most c.threads
// in-flight at once, and waits for the level to fully drain before the
// caller proceeds to the next one.
func (c *Coordinator) runLevel(ctx context.Context, level []schema.QualifiedName, params orchestrator.Params, result *Result, path string, startRowOffsets map[string]int64) error {
	g, gctx := errgroup.WithContext(ctx)
	if c.threads > 0 {
		g.SetLimit(c.threads)
	}
	for _, table := range level {
		table := table
		g.Go(func() error {
			orc := orchestrator.New(c.conns, c.sourceProbe, c.targetProbe, c.retry, c.logger)
			tableParams := params
			tableParams.Mapping = params.Mapping
			tableParams.Ignore = params.Ignore
			tableParams.StartRowOffset = startRowOffsets[table.String()]
			or := orc.Run(gctx, table, tableParams)
			result.AddOrUpdate(or)
			if err := result.Persist(path); err != nil {
				c.logger.Warnf("persisting run result after table %s: %v", table, err)
			}
			return nil // per-table failures are recorded, never returned
		})
	}
	return g.Wait()
}

func (c *Coordinator) temporalBindings(ctx context.Context, selected []schema.QualifiedName) ([]warden.TemporalBinding, error) {
	var bindings []warden.TemporalBinding
	for _, t := range selected {
		isBase, hist, err := c.targetProbe.IsTemporalBase(ctx, t)
		if err != nil {
			return nil, err
		}
		if isBase && hist != nil {
			bindings = append(bindings, warden.TemporalBinding{Base: t, History: *hist})
			continue
		}
		isHistory, base, err := c.targetProbe.IsTemporalHistory(ctx, t)
		if err != nil {
			return nil, err
		}
		if isHistory && base != nil {
			bindings = append(bindings, warden.TemporalBinding{Base: *base, History: t})
		}
	}
	return bindings, nil
}

func (c *Coordinator) reportStatusPeriodically(ctx context.Context, result *Result, path string, done <-chan struct{}) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			snap := result.snapshot()
			c.logger.Infof("run %s: %d tables reported so far", snap.RunID, len(snap.Tables))
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}
