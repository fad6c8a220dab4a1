// Package job implements the bounded-parallel scheduler, component C6
// ("Jobs"): job slots, a token-pipe jobserver, non-blocking output
// collection demultiplexed per job, and signal-safe state transitions.
//
// Directly generalizes distr1-distri/internal/batch/batch.go's
// scheduler, which runs one OS process per graph node over a fixed
// worker pool built from golang.org/x/sync/errgroup with a
// canBuild/markFailed ready-propagation walk; this package keeps that
// shape (worker pool, ready-queue, failure propagation over the node
// graph) and adds the token-pipe jobserver protocol and per-slot pipe
// demultiplexing that batch.go — a single-process scheduler with no
// jobserver interop — has no equivalent of.
package job

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/stapelberg/bmake/internal/collab"
	"github.com/stapelberg/bmake/internal/deferred"
	"github.com/stapelberg/bmake/internal/graph"
	"github.com/stapelberg/bmake/internal/oodate"
	"github.com/stapelberg/bmake/internal/shell"
	"github.com/stapelberg/bmake/internal/status"
)

// pollInterval bounds how long a slot goroutine waits between pipe polls
// (spec.md §4.6 step 4: "a bounded poll interval (≈100 ms)").
const pollInterval = 100 * time.Millisecond

// Options are the engine-wide tunables C6 consults.
type Options struct {
	MaxJobs          int
	KeepGoing        bool
	IgnoreAllErrors  bool
	DeleteOnError    bool
	DryRun           bool
	RandomizeTargets bool
	ShellPath        string
	// LogDir, if non-empty, receives one gzip-compressed log file per
	// job slot run (github.com/klauspost/compress/gzip), generalizing
	// distri's scheduler.build which opens filepath.Join(s.logDir,
	// pkg+".log") per package build.
	LogDir string
}

// Runner is the C6 scheduler context, analogous to distri's batch.Ctx /
// scheduler.
type Runner struct {
	Graph  *graph.Graph
	Shell  *shell.Shell
	Opts   Options
	Lib    oodate.Library
	Deps   collab.DepsFinder
	Mtime  collab.MtimeUpdater
	Defer  *deferred.Store
	Now    int64
	Log    *log.Logger
	Stdout io.Writer
	Rand   *rand.Rand
	Tokens *TokenPipe

	mu         sync.Mutex
	ready      []*graph.Node
	readyCond  *sync.Cond
	inFlight   int // nodes dequeued but not yet back through notify; shared across every worker
	lastBanner string
	aborting   status.Abort
	isTerminal bool
}

// Run materializes the subgraph under goals (invoking the find_deps
// collaborator as needed, exactly as C5's depth-first walk does at step
// 2, but breadth-first since C6 has no single recursion to hang it off
// of), then schedules it to completion with up to Opts.MaxJobs concurrent
// jobs.
func (r *Runner) Run(goals []*graph.Node) error {
	if r.Opts.MaxJobs < 1 {
		r.Opts.MaxJobs = 1
	}
	r.readyCond = sync.NewCond(&r.mu)
	r.isTerminal = isatty.IsTerminal(os.Stdout.Fd())

	if err := r.materialize(goals); err != nil {
		return err
	}

	if r.Tokens == nil {
		tp, err := NewTokenPipe(r.Opts.MaxJobs)
		if err != nil {
			return err
		}
		r.Tokens = tp
		defer r.Tokens.Close()
	}

	r.seedReady(goals)

	eg := &errgroup.Group{}
	for i := 0; i < r.Opts.MaxJobs; i++ {
		slotIdx := i
		eg.Go(func() error {
			return r.worker(slotIdx)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	if r.aborting == status.AbortError {
		return xerrors.New("build failed")
	}
	return nil
}

// materialize walks goals breadth-first, invoking find_deps on every
// unmade node exactly once (TypeDepsFound guards re-entry), mirroring
// C5's lazy suffix expansion but eagerly, since C6 needs the whole
// schedulable subgraph before it can compute readiness.
func (r *Runner) materialize(goals []*graph.Node) error {
	seen := make(map[*graph.Node]bool)
	queue := append([]*graph.Node{}, goals...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			continue
		}
		seen[n] = true
		if !n.Type.Has(graph.TypeDepsFound) && !n.Type.Has(graph.TypeMade) && r.Deps != nil {
			if err := r.Deps.FindDeps(n); err != nil {
				return xerrors.Errorf("find deps for %s: %w", n.Name, err)
			}
			n.Type |= graph.TypeDepsFound
		}
		queue = append(queue, n.Children...)
		queue = append(queue, n.Cohorts...)
	}
	return nil
}

// seedReady enqueues every reachable node with no outstanding
// dependencies, in declared order, respecting .WAIT fences via
// graph.Ready (which also checks OrderPred).
func (r *Runner) seedReady(goals []*graph.Node) {
	seen := make(map[*graph.Node]bool)
	var walk func(n *graph.Node)
	walk = func(n *graph.Node) {
		if seen[n] {
			return
		}
		seen[n] = true
		if n.State == graph.StateUnmade && graph.Ready(n) {
			r.enqueue(n)
		}
		for _, c := range n.Children {
			walk(c)
		}
		for _, c := range n.Cohorts {
			walk(c)
		}
	}
	for _, g := range goals {
		walk(g)
	}
}

// enqueue enqueues n as ready, signaling one blocked dequeuer. It is
// idempotent: a node already past StateUnmade is left alone, so a caller
// that may discover the same node ready via two independent paths (a
// true-dependency parent becoming unmade==0 and an .ORDER successor
// becoming satisfied) cannot enqueue it twice.
func (r *Runner) enqueue(n *graph.Node) {
	r.mu.Lock()
	if n.State != graph.StateUnmade {
		r.mu.Unlock()
		return
	}
	n.State = graph.StateRequested
	r.ready = append(r.ready, n)
	r.mu.Unlock()
	r.readyCond.Signal()
}

// dequeue blocks until a ready node is available or the scheduler has
// genuinely run out of work (no ready nodes, no in-flight jobs across any
// worker), returning ok=false in the latter case. inFlight is scheduler-wide
// state (Runner.inFlight), not a per-worker counter: a worker whose own slot
// happens to be idle must not declare the build finished while a sibling
// worker is still mid-runOne and about to enqueue newly-ready successors.
func (r *Runner) dequeue() (*graph.Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.ready) == 0 {
		if r.inFlight == 0 {
			return nil, false
		}
		r.readyCond.Wait()
	}
	n := r.ready[0]
	r.ready = r.ready[1:]
	r.inFlight++
	return n, true
}

// worker is one job-slot's lifetime: run nodes off the ready queue until
// none remain. Worker 0 is the implicit "main" job spec.md §4.6/§6
// describes (the root process's own job, which never withdraws a token);
// workers 1..MaxJobs-1 each withdraw one token before starting a child and
// return it afterwards, matching NewTokenPipe's maxJobs-1 seeded credits so
// that up to MaxJobs slots (1 implicit + MaxJobs-1 token-backed) run at
// once, not MaxJobs-1.
func (r *Runner) worker(idx int) error {
	main := idx == 0
	slot := &Slot{Status: SlotFree}
	for {
		if !main {
			tok, err := r.Tokens.Withdraw()
			if err != nil {
				return err
			}
			if tok != TokenCredit {
				r.mu.Lock()
				if tok == TokenInterrupt {
					r.aborting = status.AbortInterrupt
				} else {
					r.aborting = status.AbortError
				}
				r.mu.Unlock()
				r.readyCond.Broadcast()
				return nil
			}
		}

		n, ok := r.dequeue()
		if !ok {
			if !main {
				r.Tokens.Return()
			}
			return nil
		}

		runErr := r.runOne(slot, n)
		r.mu.Lock()
		r.inFlight--
		r.mu.Unlock()
		r.readyCond.Broadcast()
		if runErr != nil {
			if !main {
				r.Tokens.Return()
			}
			return runErr
		}
		if !main {
			r.Tokens.Return()
		}
	}
}

// runOne runs a single node's commands in slot, finalizes its state, and
// enqueues newly-ready parents (spec.md §4.6 steps 1-3 collapsed into one
// slot's lifetime rather than three separate scheduler phases, since each
// slot here is its own goroutine instead of a shared single thread — see
// DESIGN.md for why this is an intentional adaptation, not a deviation in
// observable behaviour).
func (r *Runner) runOne(slot *Slot, n *graph.Node) error {
	r.mu.Lock()
	abort := r.aborting
	r.mu.Unlock()
	if abort != status.AbortNone {
		n.State = graph.StateAborted
		r.notify(n)
		return nil
	}

	before, after, hasDefer := shell.Partition(n.Commands)
	if hasDefer {
		n.Type |= graph.TypeSaveCmds
	}

	if r.Opts.IgnoreAllErrors {
		n.Type |= graph.TypeIgnore
	}

	special := n.Type.Has(graph.TypeSpecial)

	if !oodate.IsOutOfDate(n, r.Now, r.Lib) && len(n.Children) > 0 {
		n.State = graph.StateUpToDate
		r.notify(n)
		return nil
	}

	if len(n.Children) == 0 && !n.Type.Has(graph.TypePhony) && len(n.Commands) == 0 {
		if n.Path != "" {
			if _, err := os.Stat(n.Path); err == nil {
				n.State = graph.StateUpToDate
				r.notify(n)
				return nil
			}
		}
		if n.Type.Has(graph.TypeOptional) {
			n.State = graph.StateAborted
			r.notify(n)
			return nil
		}
		n.State = graph.StateError
		r.mu.Lock()
		r.aborting = status.AbortError
		r.mu.Unlock()
		r.readyCond.Broadcast()
		r.notify(n)
		return xerrors.Errorf("no rule to make %s", n.Name)
	}

	if len(before) == 0 {
		n.State = graph.StateMade
		if r.Mtime != nil {
			r.Mtime.UpdateMtime(n)
		}
		if hasDefer {
			r.Defer.Attach(after)
		}
		r.notify(n)
		return nil
	}

	var logw io.WriteCloser
	if r.Opts.LogDir != "" {
		w, err := r.openLog(n)
		if err == nil {
			logw = w
			defer logw.Close()
		}
	}

	slot.reset()
	slot.Special = special
	if err := slot.setUp(n, r.Shell, r.Opts.ShellPath, before, r.Opts.DryRun); err != nil {
		return err
	}

	if r.Opts.DryRun {
		r.printDryRun(n, before)
		n.State = graph.StateMade
		if hasDefer {
			r.Defer.Attach(after)
		}
		r.notify(n)
		return nil
	}

	r.pumpSlot(slot, logw)

	exitCode := slot.exitCode
	ignErr := slot.IgnErr || n.Type.Has(graph.TypeIgnore)
	if exitCode == 0 && slot.procErr == nil {
		n.State = graph.StateMade
		if r.Mtime != nil {
			r.Mtime.UpdateMtime(n)
		}
		if hasDefer {
			r.Defer.Attach(after)
		}
	} else if ignErr {
		fmt.Fprintf(r.Stdout, "*** [%s] Error code %d (ignored)\n", n.Name, exitCode)
		n.State = graph.StateMade
		if hasDefer {
			r.Defer.Attach(after)
		}
	} else {
		fmt.Fprintf(r.Stdout, "*** [%s] Error code %d\n", n.Name, exitCode)
		if r.Opts.DeleteOnError && !n.Type.Has(graph.TypePrecious) && !n.Type.Has(graph.TypePhony) && n.Path != "" {
			os.Remove(n.Path)
		}
		n.State = graph.StateError
		if !r.Opts.KeepGoing {
			r.mu.Lock()
			r.aborting = status.AbortError
			r.mu.Unlock()
			r.readyCond.Broadcast()
		}
	}

	r.notify(n)
	return nil
}

// pumpSlot drains a running slot's output, printing banner-attributed
// lines, until the child exits (spec.md §4.6 step 2/4).
func (r *Runner) pumpSlot(slot *Slot, logw io.WriteCloser) {
	var gz *gzip.Writer
	var bw *bufio.Writer
	if logw != nil {
		gz = gzip.NewWriter(logw)
		bw = bufio.NewWriter(gz)
		defer func() {
			bw.Flush()
			gz.Close()
		}()
	}
	for {
		lines := slot.poll()
		r.flush(slot, lines, bw)
		if slot.checkDone() {
			lines := slot.drain()
			r.flush(slot, lines, bw)
			return
		}
		time.Sleep(pollInterval)
	}
}

func (r *Runner) flush(slot *Slot, lines []string, bw *bufio.Writer) {
	if len(lines) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, line := range lines {
		if r.lastBanner != slot.Node.Name {
			fmt.Fprint(r.Stdout, banner("--->", slot.Node.Name))
			r.lastBanner = slot.Node.Name
		}
		fmt.Fprintln(r.Stdout, line)
		if bw != nil {
			bw.WriteString(line)
			bw.WriteByte('\n')
		}
	}
}

func (r *Runner) printDryRun(n *graph.Node, cmds []string) {
	for _, raw := range cmds {
		flags, body := shell.ParseCommand(raw)
		if flags.Silent {
			continue
		}
		fmt.Fprintln(r.Stdout, body)
	}
}

func (r *Runner) openLog(n *graph.Node) (io.WriteCloser, error) {
	if err := os.MkdirAll(r.Opts.LogDir, 0755); err != nil {
		return nil, err
	}
	safe := sanitizeName(n.Name)
	return os.Create(filepath.Join(r.Opts.LogDir, safe+".log.gz"))
}

func sanitizeName(name string) string {
	out := make([]rune, 0, len(name))
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// notify applies graph.MakeUpdate bookkeeping for n and, transitively,
// for every ancestor status.Propagate marks ABORTED as a result, enqueuing
// any node that became ready along the way (spec.md §4.6 step 1 "notify
// parents"). "Became ready" covers both true-dependency parents (returned
// by MakeUpdate once their Unmade count reaches zero) and .WAIT/.ORDER
// successors of n itself (n.OrderSucc), which MakeUpdate never touches
// since order edges are not dependency edges (Invariant 1) — without this,
// a node gated solely by a .WAIT fence is never scheduled once its
// predecessor finishes. graph.Ready is consulted for every candidate
// rather than a bare state check, since a true-dependency parent can reach
// Unmade==0 while still blocked on an unrelated .ORDER predecessor.
func (r *Runner) notify(n *graph.Node) {
	if !n.State.Terminal() {
		return
	}
	queue := []*graph.Node{n}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		queue = append(queue, status.Propagate(cur)...)
		candidates := append([]*graph.Node{}, r.Graph.MakeUpdate(cur)...)
		candidates = append(candidates, cur.OrderSucc...)
		for _, p := range candidates {
			if p.State == graph.StateUnmade && graph.Ready(p) {
				r.enqueue(p)
			}
		}
	}
	r.mu.Lock()
	r.readyCond.Broadcast()
	r.mu.Unlock()
}
