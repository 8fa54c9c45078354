// Package reconcile implements the Schema Reconciler (C3): given source
// columns, target columns, a column mapping, and an ignore set, it
// produces the Effective Projection and a Schema Drift Record.
package reconcile

import (
	"fmt"

	"github.com/block/mssqlsync/pkg/schema"
	"github.com/block/mssqlsync/pkg/utils"
)

// ColumnMapping is a case-insensitive source-column-name -> target-column-
// name mapping for a single table. A source column absent from the map
// projects to its own name.
type ColumnMapping map[string]string

// lookup is a case-insensitive get against the mapping.
func (m ColumnMapping) lookup(source string) (string, bool) {
	if m == nil {
		return "", false
	}
	for k, v := range m {
		if utils.EqualFold(k, source) {
			return v, true
		}
	}
	return "", false
}

// IgnoreSet is a case-insensitive set of column names to drop from a
// table's source columns before mapping is applied.
type IgnoreSet map[string]struct{}

func (s IgnoreSet) contains(name string) bool {
	for k := range s {
		if utils.EqualFold(k, name) {
			return true
		}
	}
	return false
}

// Union returns a new IgnoreSet containing every entry of a and b.
func Union(a, b IgnoreSet) IgnoreSet {
	out := make(IgnoreSet, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}

// Projection is the Effective Projection: the ordered list of target
// column names the synchronization will touch, the target->source name
// map used to build "[source] AS [target]" select lists, and its inverse.
type Projection struct {
	// TargetColumns is ordered and case-insensitively unique.
	TargetColumns []string
	// TargetToSource maps a target column name (as it appears in
	// TargetColumns) to the source column name that fills it.
	TargetToSource map[string]string
	// SourceToTarget is the inverse, used to translate PK columns
	// (recorded in source-column terms) into target-space names.
	SourceToTarget map[string]string
	// IdentityColumn is the target's identity column name, when the
	// target has one AND it is touched by this projection; "" otherwise.
	// SET IDENTITY_INSERT is only ever toggled when this is non-empty.
	IdentityColumn string
}

// Empty reports whether the projection touches no columns.
func (p Projection) Empty() bool {
	return len(p.TargetColumns) == 0
}

// Drift is the Schema Drift Record: purely advisory information about
// what the reconciliation could and could not represent.
type Drift struct {
	MissingColumnsInTarget []string // source columns with no representable target
	MissingColumnsInSource []string // target columns not filled by any source column
	ExcludedColumns        []string // source columns removed by the ignore set
	CommonColumns          []string // target columns that did get filled (== Projection.TargetColumns)
	SchemaMismatchDetails  string   // populated only when a schema-classified error occurs later
}

// ErrPKNotRepresentable is returned when a source primary-key column has
// no corresponding entry in the resulting projection.
type ErrPKNotRepresentable struct {
	Column string
}

func (e *ErrPKNotRepresentable) Error() string {
	return fmt.Sprintf("PK-not-representable: source primary key column %q has no representation in the target projection", e.Column)
}

// Reconcile runs the C3 algorithm. targetColumnsOnly mirrors the
// --target-columns-only flag: when set, the projection is further
// restricted to target columns also filled from the source.
func Reconcile(sourceCols []string, targetTable *schema.TableMetadata, mapping ColumnMapping, ignore IgnoreSet, sourcePK []string, targetColumnsOnly bool) (*Projection, *Drift, error) {
	// Step 1: remove ignored columns.
	var remaining []string
	var excluded []string
	for _, c := range sourceCols {
		if ignore.contains(c) {
			excluded = append(excluded, c)
			continue
		}
		remaining = append(remaining, c)
	}

	targetToSource := make(map[string]string)
	sourceToTarget := make(map[string]string)
	claimed := make(map[string]string) // canonical target name -> original-cased target name
	var ordered []string
	var missingInTarget []string

	for _, src := range remaining {
		tgt, ok := mapping.lookup(src)
		if !ok {
			tgt = src // default = identity
		}
		if !targetTable.HasColumn(tgt) {
			missingInTarget = append(missingInTarget, src)
			continue
		}
		canon := utils.CanonicalName(tgt)
		if _, already := claimed[canon]; already {
			// An earlier entry already claimed this target column; this
			// source column cannot be represented without clobbering it.
			missingInTarget = append(missingInTarget, src)
			continue
		}
		// Use the target's own casing for the rendered column name.
		actualTarget := tgt
		for _, tc := range targetTable.Columns {
			if utils.EqualFold(tc.Name, tgt) {
				actualTarget = tc.Name
				break
			}
		}
		claimed[canon] = actualTarget
		ordered = append(ordered, actualTarget)
		targetToSource[actualTarget] = src
		sourceToTarget[src] = actualTarget
	}

	if targetColumnsOnly {
		// Restrict to target columns also present in the filled set —
		// ordered already only contains filled target columns, so this
		// is a no-op under default semantics; kept for clarity and as
		// the hook future target-only filtering would extend.
		filtered := ordered[:0:0]
		for _, t := range ordered {
			filtered = append(filtered, t)
		}
		ordered = filtered
	}

	var missingInSource []string
	filledSet := claimed
	for _, tc := range targetTable.Columns {
		canon := utils.CanonicalName(tc.Name)
		if _, ok := filledSet[canon]; !ok {
			missingInSource = append(missingInSource, tc.Name)
		}
	}

	var identityColumn string
	for _, tc := range targetTable.Columns {
		if tc.IsIdentity {
			if _, filled := claimed[utils.CanonicalName(tc.Name)]; filled {
				identityColumn = claimed[utils.CanonicalName(tc.Name)]
			}
			break
		}
	}

	projection := &Projection{
		TargetColumns:  ordered,
		TargetToSource: targetToSource,
		SourceToTarget: sourceToTarget,
		IdentityColumn: identityColumn,
	}
	drift := &Drift{
		MissingColumnsInTarget: missingInTarget,
		MissingColumnsInSource: missingInSource,
		ExcludedColumns:        excluded,
		CommonColumns:          ordered,
	}

	// Step 6: every source PK column must be representable.
	for _, pkCol := range sourcePK {
		if _, ok := sourceToTarget[pkCol]; !ok {
			return projection, drift, &ErrPKNotRepresentable{Column: pkCol}
		}
	}

	return projection, drift, nil
}
