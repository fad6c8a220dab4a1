// Package oninterrupt implements component C7: interrupt and lifecycle
// handling. It distinguishes a soft interrupt (SIGINT), which runs the
// .INTERRUPT pseudo-target synchronously before the process exits, from
// a hard interrupt (SIGTERM), which skips straight to cleanup, and
// serializes both against the sequential executor's node-state mutation
// via a shared mutex (spec.md §4.7). The parallel executor's workers do
// not take that mutex.
//
// Grounded on distr1-distri's internal/oninterrupt: same package name and
// the same Register callback idiom for simple cleanup hooks (there used
// for reverting CPU frequency scaling governor changes), generalized
// from a single os.Interrupt handler into the soft/hard distinction and
// in-flight-target cleanup spec.md §4.7 requires.
package oninterrupt

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/stapelberg/bmake/internal/graph"
)

var (
	hookMu sync.Mutex
	hooks  []func()
)

// Register adds a cleanup callback invoked on both soft and hard
// interrupts, after .INTERRUPT (if any) has run and before the process
// exits. Order of invocation among registered hooks is unspecified.
func Register(cb func()) {
	hookMu.Lock()
	defer hookMu.Unlock()
	hooks = append(hooks, cb)
}

// InterruptFn runs the .INTERRUPT pseudo-target synchronously, to
// completion (spec.md §4.7: ".INTERRUPT always runs, regardless of
// whether it has commands or children"). The engine supplies this as a
// closure over its own internal/compat.Ctx so that this package stays
// free of a dependency on compat (which itself depends on
// shell/oodate/status — a cycle this package must not introduce).
type InterruptFn func(n *graph.Node) error

// Controller owns the signal-handling goroutine for one build run. The
// engine constructs exactly one Controller and calls Watch once its
// graph and in-flight job bookkeeping are ready.
type Controller struct {
	// BuildMu is the mutex internal/engine holds around each sequential
	// (internal/compat) Make call, .BEGIN and .END included. The signal
	// handler takes it before touching any node, so it cannot race a
	// sequential state transition. internal/job's worker pool does not
	// take BuildMu, so under -j the handler is not serialized against the
	// workers' state changes.
	BuildMu *sync.Mutex

	Graph        *graph.Graph
	RunInterrupt InterruptFn
	// InFlight reports nodes currently BEINGMADE, as candidates for
	// deletion on interrupt (spec.md §4.7: "delete the target file of
	// any in-flight, non-PRECIOUS node").
	InFlight func() []*graph.Node
	Precious func(n *graph.Node) bool

	sigCh chan os.Signal
	once  sync.Once
}

// NewController wires a Controller. interrupt and inFlight may be nil,
// in which case the corresponding step of handle is skipped (useful for
// callers, such as dry-run invocations, that have no meaningful
// .INTERRUPT target or in-flight job list).
func NewController(g *graph.Graph, buildMu *sync.Mutex, interrupt InterruptFn, inFlight func() []*graph.Node, precious func(*graph.Node) bool) *Controller {
	return &Controller{
		Graph:        g,
		BuildMu:      buildMu,
		RunInterrupt: interrupt,
		InFlight:     inFlight,
		Precious:     precious,
		sigCh:        make(chan os.Signal, 2),
	}
}

// Watch installs the SIGINT/SIGTERM handlers and returns immediately; the
// handling itself runs in a background goroutine, the same shape as
// distri's oninterrupt.init.
func (c *Controller) Watch() {
	signal.Notify(c.sigCh, os.Interrupt, syscall.SIGTERM)
	go c.run()
}

func (c *Controller) run() {
	sig := <-c.sigCh
	c.once.Do(func() {
		c.handle(sig)
	})
}

// handle implements spec.md §4.7's interrupt sequence: take the build
// mutex, run .INTERRUPT synchronously on a soft interrupt only, delete
// non-precious in-flight target files, run registered cleanup hooks, and
// exit with status 2.
func (c *Controller) handle(sig os.Signal) {
	c.BuildMu.Lock()
	defer c.BuildMu.Unlock()

	soft := sig == os.Interrupt

	if soft && c.RunInterrupt != nil && c.Graph != nil && c.Graph.Interrupt != nil {
		// Best effort: a failing .INTERRUPT must not block cleanup/exit.
		_ = c.RunInterrupt(c.Graph.Interrupt)
	}

	c.deleteInFlight()

	hookMu.Lock()
	for _, h := range hooks {
		h()
	}
	hookMu.Unlock()

	os.Exit(2)
}

func (c *Controller) deleteInFlight() {
	if c.InFlight == nil {
		return
	}
	for _, n := range c.InFlight() {
		if n.Path == "" {
			continue
		}
		if n.Type.Has(graph.TypePhony) {
			continue
		}
		if c.Precious != nil && c.Precious(n) {
			continue
		}
		os.Remove(n.Path)
	}
}
