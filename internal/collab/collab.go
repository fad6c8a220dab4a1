// Package collab declares the narrow callback interfaces the engine
// consumes from collaborators explicitly pinned out of scope by spec.md
// §1/§6: makefile parsing, variable expansion, suffix/transformation rule
// inference, and the search-path/directory cache. The engine core
// (internal/compat, internal/job) depends only on these interfaces, never
// on a concrete parser/expander implementation.
package collab

import "github.com/stapelberg/bmake/internal/graph"

// ExpandMode selects one of spec.md §6's seven variable-expansion
// behaviours. The full set must be preserved because shell templates and
// "..."-deferred commands depend on each mode's treatment of "$$" and
// undefined names.
type ExpandMode int

const (
	ParseOnly ExpandMode = iota
	Balanced
	Eval
	EvalUndefIsError
	EvalKeepDollar
	EvalKeepUndef
	KeepDollarUndef
)

// Expander is the expand(text, scope, mode) collaborator.
type Expander interface {
	Expand(text string, scope *graph.Node, mode ExpandMode) (string, error)
}

// DepsFinder is the find_deps(node) collaborator: suffix/transformation
// rule inference that populates node.Commands and node.Children.
type DepsFinder interface {
	FindDeps(n *graph.Node) error
}

// MtimeUpdater is the update_mtime(node) collaborator: stats the node's
// on-disk path. Archive members are instead routed through
// internal/archive.Cache.UpdateMtime by the engine, not through this
// interface.
type MtimeUpdater interface {
	UpdateMtime(n *graph.Node) error
}
