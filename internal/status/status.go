// Package status implements error propagation and exit-status mapping,
// component C9: it maps a child process's exit status to a node state
// transition, honours -i/-k/ignErr, and decides when the whole build
// should abort.
//
// Propagate generalizes distr1-distri's internal/batch/batch.go
// scheduler.markFailed (which walks a gonum graph marking unbuilt
// packages as failed) from "packages" to the full node-state lattice of
// spec.md §4.5.
package status

import (
	"fmt"

	"golang.org/x/xerrors"

	"github.com/stapelberg/bmake/internal/graph"
)

// Abort is the global build-abort state of spec.md §5 ("aborting ∈
// {ERROR, INTERRUPT, WAIT}").
type Abort int

const (
	AbortNone Abort = iota
	AbortError
	AbortInterrupt
	AbortWait
)

// CommandFailure reports a child process that exited with a non-zero
// status (spec.md §7).
type CommandFailure struct {
	Node   string
	Status int
}

func (e *CommandFailure) Error() string {
	return fmt.Sprintf("%s: Error code %d", e.Node, e.Status)
}

// Options are the subset of engine-wide configuration C9 needs to decide
// node transitions (spec.md §4.9).
type Options struct {
	KeepGoing      bool
	DeleteOnError  bool
	IgnoreAllErrors bool // global -i
}

// Result is the outcome of running a node's commands, as passed to
// Finalize. internal/compat and internal/job decide node state themselves
// and do not build a Result.
type Result struct {
	Node      *graph.Node
	ExitCode  int
	Ran       bool // false if no command was actually executed (e.g. -n)
	ProcErr   error
}

// Finalize applies spec.md §4.9's rules to a single completed node, given
// the raw process result, and returns the new global abort state. unlink
// is called to delete n.Path when DeleteOnError applies; it is a callback
// rather than a direct os.Remove so this package stays free of a direct
// filesystem dependency (kept parallel to the engine's other narrow
// collaborator callbacks, spec.md §6).
func Finalize(n *graph.Node, r Result, opts Options, abort Abort, unlink func(path string) error) (graph.State, Abort, error) {
	ignErr := opts.IgnoreAllErrors || n.Type.Has(graph.TypeIgnore)

	if r.ProcErr == nil && r.ExitCode == 0 {
		return graph.StateMade, abort, nil
	}

	if ignErr {
		// "*** [name] Error N (ignored)" — printed by the caller, which
		// owns the log sink; this package only decides state.
		return graph.StateMade, abort, nil
	}

	if opts.DeleteOnError && !n.Type.Has(graph.TypePrecious) && !n.Type.Has(graph.TypePhony) && n.Path != "" {
		if err := unlink(n.Path); err != nil {
			return graph.StateError, abort, xerrors.Errorf("delete-on-error %s: %w", n.Path, err)
		}
	}

	cf := &CommandFailure{Node: n.Name, Status: r.ExitCode}

	if !opts.KeepGoing {
		return graph.StateError, AbortError, cf
	}

	n.Flags.Remake = false
	return graph.StateError, abort, cf
}

// Propagate walks up from a newly-terminal node n, transitioning every
// ancestor that is not yet terminal: ancestors of a MADE/UPTODATE node
// are left to graph.MakeUpdate, which the executor calls for the same
// node right after Propagate; ancestors of an ERROR/ABORTED node
// become ABORTED themselves, recursively, mirroring markFailed's walk up
// the gonum graph in distri's batch.go but over true dependency Parents
// edges rather than gonum's To() iterator.
func Propagate(n *graph.Node) []*graph.Node {
	if n.State != graph.StateError && n.State != graph.StateAborted {
		return nil
	}
	var aborted []*graph.Node
	seen := make(map[*graph.Node]bool)
	var walk func(p *graph.Node)
	walk = func(p *graph.Node) {
		if seen[p] {
			return
		}
		seen[p] = true
		if p.State.Terminal() {
			return
		}
		p.State = graph.StateAborted
		p.Flags.Remake = false
		aborted = append(aborted, p)
		for _, gp := range p.Parents {
			walk(gp)
		}
	}
	for _, p := range n.Parents {
		walk(p)
	}
	return aborted
}

// CycleError names every node on a discovered dependency cycle, in the
// order internal/graph's gonum mirror returns them, for the diagnostic
// spec.md §7 requires ("reported with cycle message"). It is built by
// internal/engine via topo.TarjanSCC over Graph.Gonum; this package only
// formats the message so the cycle-detection algorithm lives in one place
// (internal/engine, which owns the gonum wiring).
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	msg := "graph cycles through"
	for i, n := range e.Nodes {
		if i > 0 {
			msg += " ->"
		}
		msg += " " + n
	}
	return msg
}
