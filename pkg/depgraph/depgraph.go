// Package depgraph implements the Dependency Planner (C4): it builds a
// foreign-key graph restricted to a selection of tables and topologically
// sorts it into execution levels via Kahn's algorithm, parent before child.
package depgraph

import (
	"github.com/block/mssqlsync/pkg/schema"
)

// Plan computes the execution levels for selected given the database's
// full foreign-key edge list. Edges not involving two selected tables are
// ignored. Within the induced subgraph, level 0 contains every table with
// no dependency on another selected table (parent-less, or whose parents
// are all unselected); a table appears in the first level strictly after
// all of its selected parents. Cycles (self-referencing or multi-node) are
// broken by appending every still-unresolved table as one final level.
func Plan(selected []schema.QualifiedName, edges []schema.ForeignKey) [][]schema.QualifiedName {
	inSelection := make(map[string]schema.QualifiedName, len(selected))
	for _, t := range selected {
		inSelection[t.Key()] = t
	}

	// childParents[child.Key()] holds the set of selected parents child
	// depends on (child must be inserted after them).
	childParents := make(map[string]map[string]struct{}, len(selected))
	for _, t := range selected {
		childParents[t.Key()] = map[string]struct{}{}
	}
	for _, fk := range edges {
		childKey := fk.Child.Key()
		parentKey := fk.Parent.Key()
		if _, childSelected := inSelection[childKey]; !childSelected {
			continue
		}
		if _, parentSelected := inSelection[parentKey]; !parentSelected {
			continue
		}
		childParents[childKey][parentKey] = struct{}{}
	}

	// remainingDeps tracks, per table, how many unresolved parent
	// dependencies it still has; Kahn's algorithm peels off zero-degree
	// nodes level by level.
	remainingDeps := make(map[string]int, len(selected))
	for key, parents := range childParents {
		remainingDeps[key] = len(parents)
	}
	// dependents[parentKey] lists children waiting on parentKey.
	dependents := make(map[string][]string)
	for childKey, parents := range childParents {
		for parentKey := range parents {
			dependents[parentKey] = append(dependents[parentKey], childKey)
		}
	}

	resolved := make(map[string]bool, len(selected))
	var levels [][]schema.QualifiedName

	for len(resolved) < len(selected) {
		var levelKeys []string
		for _, t := range selected {
			key := t.Key()
			if resolved[key] {
				continue
			}
			if remainingDeps[key] == 0 {
				levelKeys = append(levelKeys, key)
			}
		}
		if len(levelKeys) == 0 {
			// Cycle: emit every unresolved table as a single final level.
			var final []schema.QualifiedName
			for _, t := range selected {
				if !resolved[t.Key()] {
					final = append(final, t)
				}
			}
			levels = append(levels, final)
			break
		}
		var level []schema.QualifiedName
		for _, key := range levelKeys {
			resolved[key] = true
			level = append(level, inSelection[key])
		}
		for _, key := range levelKeys {
			for _, child := range dependents[key] {
				remainingDeps[child]--
			}
		}
		levels = append(levels, level)
	}

	return levels
}
