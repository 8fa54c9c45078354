// Package check implements ambient preflight and post-setup checks run
// around a sync run: connectivity, minimum engine version, and catalog
// read access on both connections. These are advisory — a failing
// check is surfaced to the operator, but only connectivity and catalog
// access are treated as fatal to starting a run.
package check

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/siddontang/loggers"
)

// minSupportedMajorVersion is the lowest SQL Server major version this
// engine has been exercised against (SQL Server 2016 = 13.x, the first
// release with OFFSET/FETCH NEXT and temporal tables generally available).
const minSupportedMajorVersion = 13

// Resources bundles the two connections checks run against.
type Resources struct {
	Source *sql.DB
	Target *sql.DB
	Logger loggers.Advanced
}

// Result is one check's outcome.
type Result struct {
	Name    string
	Passed  bool
	Fatal   bool
	Message string
}

// CheckFunc is a single named check against Resources.
type CheckFunc func(ctx context.Context, r Resources) Result

// DefaultChecks is the preflight set run before a table enumerates.
func DefaultChecks() []CheckFunc {
	return []CheckFunc{
		sourceConnectivityCheck,
		targetConnectivityCheck,
		sourceVersionCheck,
		targetVersionCheck,
		sourceCatalogAccessCheck,
		targetCatalogAccessCheck,
	}
}

// Run executes every check in order and logs each outcome. It returns
// an error only when a fatal check failed; non-fatal failures are
// returned alongside a nil error so the caller can still inspect them.
func Run(ctx context.Context, r Resources, checks []CheckFunc) ([]Result, error) {
	results := make([]Result, 0, len(checks))
	var fatalErr error
	for _, c := range checks {
		res := c(ctx, r)
		results = append(results, res)
		if r.Logger != nil {
			if res.Passed {
				r.Logger.Infof("check %s: ok", res.Name)
			} else {
				r.Logger.Warnf("check %s: %s", res.Name, res.Message)
			}
		}
		if !res.Passed && res.Fatal && fatalErr == nil {
			fatalErr = fmt.Errorf("check %q failed: %s", res.Name, res.Message)
		}
	}
	return results, fatalErr
}

func sourceConnectivityCheck(ctx context.Context, r Resources) Result {
	return pingCheck("source-connectivity", ctx, r.Source)
}

func targetConnectivityCheck(ctx context.Context, r Resources) Result {
	return pingCheck("target-connectivity", ctx, r.Target)
}

func pingCheck(name string, ctx context.Context, db *sql.DB) Result {
	if db == nil {
		return Result{Name: name, Passed: false, Fatal: true, Message: "no connection configured"}
	}
	if err := db.PingContext(ctx); err != nil {
		return Result{Name: name, Passed: false, Fatal: true, Message: err.Error()}
	}
	return Result{Name: name, Passed: true}
}

func sourceVersionCheck(ctx context.Context, r Resources) Result {
	return versionCheck("source-version", ctx, r.Source)
}

func targetVersionCheck(ctx context.Context, r Resources) Result {
	return versionCheck("target-version", ctx, r.Target)
}

func versionCheck(name string, ctx context.Context, db *sql.DB) Result {
	if db == nil {
		return Result{Name: name, Passed: false, Fatal: false, Message: "no connection configured"}
	}
	var major int
	row := db.QueryRowContext(ctx, "SELECT CAST(PARSENAME(CAST(SERVERPROPERTY('ProductVersion') AS NVARCHAR(128)), 4) AS INT)")
	if err := row.Scan(&major); err != nil {
		return Result{Name: name, Passed: false, Fatal: false, Message: fmt.Sprintf("could not determine engine version: %v", err)}
	}
	if major < minSupportedMajorVersion {
		return Result{Name: name, Passed: false, Fatal: false, Message: fmt.Sprintf("engine major version %d is below the minimum exercised version %d", major, minSupportedMajorVersion)}
	}
	return Result{Name: name, Passed: true}
}

func sourceCatalogAccessCheck(ctx context.Context, r Resources) Result {
	return catalogAccessCheck("source-catalog-access", ctx, r.Source)
}

func targetCatalogAccessCheck(ctx context.Context, r Resources) Result {
	return catalogAccessCheck("target-catalog-access", ctx, r.Target)
}

func catalogAccessCheck(name string, ctx context.Context, db *sql.DB) Result {
	if db == nil {
		return Result{Name: name, Passed: false, Fatal: true, Message: "no connection configured"}
	}
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sys.tables").Scan(&count)
	if err != nil {
		return Result{Name: name, Passed: false, Fatal: true, Message: fmt.Sprintf("cannot read sys.tables: %v", err)}
	}
	return Result{Name: name, Passed: true}
}
