package main

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/block/mssqlsync/pkg/check"
	"github.com/block/mssqlsync/pkg/compare"
	"github.com/block/mssqlsync/pkg/dbconn"
	"github.com/block/mssqlsync/pkg/orchestrator"
	"github.com/block/mssqlsync/pkg/reconcile"
	"github.com/block/mssqlsync/pkg/runner"
	"github.com/block/mssqlsync/pkg/schema"
	"github.com/block/mssqlsync/pkg/tablesync"
)

// Sync is the top-level kong command: positional host/db/selection
// arguments plus the option surface from spec §6.
type Sync struct {
	SourceHost     string `arg:"" optional:"" help:"Source server host."`
	SourceDB       string `arg:"" optional:"" help:"Source database name."`
	TargetHost     string `arg:"" optional:"" help:"Target server host."`
	TargetDB       string `arg:"" optional:"" help:"Target database name."`
	TableSelection string `arg:"" optional:"" help:"Comma-separated selection: all, *, schema.table, schema, or table."`

	BatchSize              int64    `help:"Rows per batch." default:"100000"`
	Threads                int      `help:"Worker count per execution level." default:"4"`
	SourceConn             string   `help:"Full source connection string; overrides host/db."`
	TargetConn             string   `help:"Full target connection string; overrides host/db."`
	AllowNoPK              bool     `help:"Permit Incremental on tables with empty PK (requires --deep-compare)."`
	DeepCompare            bool     `help:"Use full projection as PK for anti-join; only valid with --allow-no-pk."`
	ClearTarget            bool     `help:"Select Bulk-Refresh Path; activates Warden."`
	TargetColumnsOnly      bool     `help:"Restrict projection to columns that exist in the target."`
	IgnoreColumn           []string `help:"Drop column from projection; schema.table.col, table.col, or col." sep:"none"`
	MapColumn              []string `help:"Add mapping; schema.table.src=tgt or table.src=tgt." sep:"none"`
	StartRow               string   `help:"Comma list of non-negative integers, one per selected table, applied positionally."`
	OrderByPK              bool     `help:"Use PK columns in the paging ORDER BY; otherwise the first projection column."`
	OutputDir              string   `help:"Directory for run-result files." default:"."`
	CompareCountsAndSchema bool     `help:"Read-only comparison mode (out of core scope)."`
}

func (s *Sync) Run() error {
	if s.AllowNoPK && !s.DeepCompare {
		return fmt.Errorf("--allow-no-pk requires --deep-compare")
	}

	logger := logrus.New()
	ctx := context.Background()

	sourceDSN := s.SourceConn
	if sourceDSN == "" {
		sourceDSN = buildKeywordDSN(s.SourceHost, s.SourceDB)
	}
	targetDSN := s.TargetConn
	if targetDSN == "" {
		targetDSN = buildKeywordDSN(s.TargetHost, s.TargetDB)
	}
	if sourceDSN == "" || targetDSN == "" {
		return fmt.Errorf("must supply either positional host/db arguments or --source-conn/--target-conn")
	}

	sourceDB, err := dbconn.Open(ctx, sourceDSN, dbconn.RoleSource)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer sourceDB.Close()
	targetDB, err := dbconn.Open(ctx, targetDSN, dbconn.RoleTarget)
	if err != nil {
		return fmt.Errorf("opening target: %w", err)
	}
	defer targetDB.Close()

	resources := check.Resources{Source: sourceDB, Target: targetDB, Logger: logger}
	if _, err := check.Run(ctx, resources, check.DefaultChecks()); err != nil {
		return fmt.Errorf("preflight checks failed: %w", err)
	}

	mapping, err := parseMapColumns(s.MapColumn)
	if err != nil {
		return err
	}
	ignore := parseIgnoreColumns(s.IgnoreColumn)
	tokens := parseSelection(s.TableSelection)

	if s.CompareCountsAndSchema {
		return s.runCompare(ctx, sourceDB, targetDB, mapping, ignore, tokens, logger)
	}

	startRowOffsets, err := s.resolveStartRowOffsets(ctx, sourceDB, targetDB, tokens)
	if err != nil {
		return err
	}

	conns := tablesync.TableConnections{Source: sourceDB, Target: targetDB}
	coordinator := runner.New(conns, s.Threads, s.OutputDir, logger)

	params := orchestrator.Params{
		BatchSize:         s.BatchSize,
		AllowNoPK:         s.AllowNoPK,
		DeepCompare:       s.DeepCompare,
		ClearTarget:       s.ClearTarget,
		TargetColumnsOnly: s.TargetColumnsOnly,
		OrderByPK:         s.OrderByPK,
		Mapping:           mapping,
		Ignore:            ignore,
	}
	runParams := runner.Parameters{
		BatchSize:         s.BatchSize,
		Threads:           s.Threads,
		AllowNoPK:         s.AllowNoPK,
		DeepCompare:       s.DeepCompare,
		ClearTarget:       s.ClearTarget,
		TargetColumnsOnly: s.TargetColumnsOnly,
		OrderByPK:         s.OrderByPK,
		IgnoreColumns:     s.IgnoreColumn,
		ColumnMappings:    mapping,
		StartRowOffsets:   startRowOffsets,
		TableSelection:    s.TableSelection,
		OutputDir:         s.OutputDir,
	}

	result, err := coordinator.Run(ctx, tokens, params, runParams)
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}
	logger.Infof("run %s completed with status %s across %d tables", result.RunID, result.Status, len(result.Tables))
	if result.Status != runner.RunStatusCompleted {
		return fmt.Errorf("run %s ended with status %s", result.RunID, result.Status)
	}
	return nil
}

func (s *Sync) runCompare(ctx context.Context, sourceDB, targetDB *sql.DB, mapping reconcile.ColumnMapping, ignore reconcile.IgnoreSet, tokens []string, logger *logrus.Logger) error {
	retry := dbconn.NewRetryConfig()
	sourceProbe := schema.NewProbe(sourceDB, retry)
	targetProbe := schema.NewProbe(targetDB, retry)

	sourceTables, err := sourceProbe.ListBaseTables(ctx)
	if err != nil {
		return fmt.Errorf("enumerating source tables: %w", err)
	}
	targetTables, err := targetProbe.ListBaseTables(ctx)
	if err != nil {
		return fmt.Errorf("enumerating target tables: %w", err)
	}
	selected := selectionFor(tokens, sourceTables, targetTables)

	comparator := compare.New(sourceDB, targetDB, mapping, ignore)
	results := comparator.Compare(ctx, selected)
	for _, r := range results {
		if r.Error != "" {
			logger.Warnf("%s: %s", r.TableName, r.Error)
			continue
		}
		logger.Infof("%s: source=%d target=%d missing-in-target=%d missing-in-source=%d",
			r.TableName, r.SourceCount, r.TargetCount, len(r.Drift.MissingColumnsInTarget), len(r.Drift.MissingColumnsInSource))
	}
	return nil
}

// resolveStartRowOffsets parses --start-row and applies it positionally
// against the same source∩target selection order runner.Coordinator.Run
// will compute internally, so a resumed run's offsets land on the tables
// the operator actually meant (selection order is stable for a fixed
// table_selection and fixed source/target table sets).
func (s *Sync) resolveStartRowOffsets(ctx context.Context, sourceDB, targetDB *sql.DB, tokens []string) (map[string]int64, error) {
	offsets, err := parseStartRows(s.StartRow)
	if err != nil {
		return nil, err
	}
	if len(offsets) == 0 {
		return nil, nil
	}

	retry := dbconn.NewRetryConfig()
	sourceTables, err := schema.NewProbe(sourceDB, retry).ListBaseTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving --start-row positions: enumerating source tables: %w", err)
	}
	targetTables, err := schema.NewProbe(targetDB, retry).ListBaseTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving --start-row positions: enumerating target tables: %w", err)
	}
	selected := selectionFor(tokens, sourceTables, targetTables)
	if len(offsets) != len(selected) {
		return nil, fmt.Errorf("--start-row supplies %d values but %d tables are selected", len(offsets), len(selected))
	}

	out := make(map[string]int64, len(selected))
	for i, t := range selected {
		out[t.String()] = offsets[i]
	}
	return out, nil
}

// selectionFor mirrors runner.Selection's semantics for the compare path
// and for resolving --start-row positions.
func selectionFor(tokens []string, sourceTables, targetTables []schema.QualifiedName) []schema.QualifiedName {
	targetSet := make(map[string]schema.QualifiedName, len(targetTables))
	for _, t := range targetTables {
		targetSet[t.Key()] = t
	}
	var out []schema.QualifiedName
	seen := map[string]bool{}
	add := func(t schema.QualifiedName) {
		if !seen[t.Key()] {
			seen[t.Key()] = true
			out = append(out, t)
		}
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
			if matchesSelectionToken(token, t) {
				add(t)
			}
		}
	}
	return out
}

func matchesSelectionToken(token string, t schema.QualifiedName) bool {
	if strings.Contains(token, ".") {
		return strings.EqualFold(token, t.String())
	}
	if strings.EqualFold(token, t.Schema) {
		return true
	}
	return strings.EqualFold(token, t.Name) && strings.EqualFold(t.Schema, "dbo")
}

func buildKeywordDSN(host, db string) string {
	if host == "" || db == "" {
		return ""
	}
	return fmt.Sprintf("server=%s;database=%s;", host, db)
}

// parseSelection splits the comma-separated table_selection positional
// into tokens; an empty value means "all" per the selection grammar.
func parseSelection(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{"*"}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		out = []string{"*"}
	}
	return out
}

// parseIgnoreColumns turns repeated --ignore-column values into an
// IgnoreSet keyed exactly as given (scope resolution happens downstream
// in pkg/orchestrator's per-table narrowing).
func parseIgnoreColumns(values []string) reconcile.IgnoreSet {
	out := reconcile.IgnoreSet{}
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			out[v] = struct{}{}
		}
	}
	return out
}

// parseMapColumns turns repeated --map-column "key=value" values into a
// ColumnMapping keyed exactly as given.
func parseMapColumns(values []string) (reconcile.ColumnMapping, error) {
	out := reconcile.ColumnMapping{}
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		idx := strings.LastIndex(v, "=")
		if idx <= 0 || idx == len(v)-1 {
			return nil, fmt.Errorf("invalid --map-column value %q: expected key=value", v)
		}
		out[v[:idx]] = v[idx+1:]
	}
	return out, nil
}

// parseStartRows parses the --start-row comma list into a positional
// int64 slice, one entry per selected table in selection order.
func parseStartRows(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --start-row value %q: %w", p, err)
		}
		if n < 0 {
			return nil, fmt.Errorf("--start-row values must be non-negative, got %d", n)
		}
		out = append(out, n)
	}
	return out, nil
}
