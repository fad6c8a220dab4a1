// Package oodate implements the pure out-of-date predicate, component C2
// of the build engine. It performs no I/O: node.Mtime must already have
// been populated by the mtime collaborator (or by internal/archive for
// archive members) before IsOutOfDate is called.
package oodate

import "github.com/stapelberg/bmake/internal/graph"

// Library is the subset of archive library semantics C2 delegates to for
// TypeLib nodes (component C3). It is satisfied by internal/archive's
// resolver, kept here as a narrow interface so this package stays free of
// any archive-format dependency (spec.md §1: C2 is a pure predicate).
type Library interface {
	IsLibraryOutOfDate(n *graph.Node) bool
}

// IsOutOfDate applies the rules of spec.md §4.1, in order. now is the
// single timestamp captured once per engine run (not resampled), so that
// repeated calls with the same node are referentially transparent for the
// remainder of that run (Invariant/Testable-property I2).
func IsOutOfDate(n *graph.Node, now int64, lib Library) bool {
	// Rule 1: phony targets are always rebuilt.
	if n.Type.Has(graph.TypePhony) {
		return true
	}
	// Rule 2: a declared target with no children is a current leaf.
	if len(n.Children) == 0 {
		return false
	}
	// Rule 3: recursive-make subgraphs are always entered.
	if n.Type.Has(graph.TypeMake) {
		return true
	}
	// Rule 4: no on-disk file, and not OPTIONAL, forces a rebuild.
	if n.Mtime == 0 && !n.Type.Has(graph.TypeOptional) {
		return true
	}
	// Rule 5: library targets delegate to C3.
	if n.Type.Has(graph.TypeLib) {
		if lib == nil {
			return false
		}
		return lib.IsLibraryOutOfDate(n)
	}
	// Rule 6: any child younger than us, or an explicit force flag.
	if n.Flags.Force {
		return true
	}
	for _, c := range n.Children {
		if c.Mtime > n.Mtime {
			return true
		}
	}
	// Rule 7: modified during this run.
	if n.Mtime > now {
		return true
	}
	// Rule 8: otherwise current.
	return false
}
