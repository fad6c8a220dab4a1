// Package engine wires components C1-C9 into one build run: it owns the
// graph, the shared collaborators (archive cache, shell table, deferred
// store), picks the sequential or parallel executor, detects dependency
// cycles before either executor starts, and drives the .BEGIN/.END/
// .INTERRUPT lifecycle around the caller's goal list.
//
// Corresponds to distr1-distri's own top-level wiring in distri.go/
// context.go: a thin struct holding every collaborator a build needs,
// constructed once per run and threaded through the executors rather than
// recreated per call.
package engine

import (
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/stapelberg/bmake/internal/archive"
	"github.com/stapelberg/bmake/internal/collab"
	"github.com/stapelberg/bmake/internal/compat"
	"github.com/stapelberg/bmake/internal/deferred"
	"github.com/stapelberg/bmake/internal/graph"
	"github.com/stapelberg/bmake/internal/job"
	"github.com/stapelberg/bmake/internal/oninterrupt"
	"github.com/stapelberg/bmake/internal/oodate"
	"github.com/stapelberg/bmake/internal/shell"
	"github.com/stapelberg/bmake/internal/status"
)

// Options is the full set of engine-wide flags, a superset of the
// individual executors' Options structs (spec.md §6 command-line surface).
type Options struct {
	MaxJobs          int // <= 1 selects the sequential (Compat) executor
	KeepGoing        bool
	IgnoreAllErrors  bool
	Silent           bool
	DryRun           bool
	TouchMode        bool
	DeleteOnError    bool
	RandomizeTargets bool
	ShellPath        string
	ShellName        string
	LogDir           string
}

func (o Options) parallel() bool { return o.MaxJobs > 1 }

// Ctx is one build run's shared state: the graph plus every collaborator
// the executors consult. The caller (typically cmd/bmake) constructs one
// Ctx per invocation and populates Graph before calling Build.
type Ctx struct {
	Graph    *graph.Graph
	Shell    *shell.Shell
	Deps     collab.DepsFinder
	Archives *archive.Cache
	Defer    *deferred.Store
	Opts     Options
	Log      *log.Logger
	Stdout   io.Writer

	// Now is captured once, at NewCtx time, and never resampled for the
	// lifetime of the run (internal/oodate's referential-transparency
	// requirement, spec.md Testable Property I2).
	Now int64

	buildMu sync.Mutex
}

// NewCtx wires a Ctx from its collaborators. deps may be nil for test
// fixtures that pre-populate the graph directly instead of relying on
// suffix-rule inference.
func NewCtx(g *graph.Graph, sh *shell.Shell, deps collab.DepsFinder, opts Options, logger *log.Logger, stdout io.Writer) *Ctx {
	return &Ctx{
		Graph:    g,
		Shell:    sh,
		Deps:     deps,
		Archives: archive.NewCache(),
		Defer:    deferred.NewStore(),
		Opts:     opts,
		Log:      logger,
		Stdout:   stdout,
		Now:      time.Now().UnixNano(),
	}
}

// fileMtimeUpdater implements collab.MtimeUpdater for the common case:
// stat the node's on-disk path, except for TypeArchv nodes, which are
// routed to the archive cache's own UpdateMtime (component C3).
type fileMtimeUpdater struct {
	archives *archive.Cache
}

func (m *fileMtimeUpdater) UpdateMtime(n *graph.Node) error {
	if n.Type.Has(graph.TypeArchv) {
		return m.archives.UpdateMtime(n)
	}
	if n.Path == "" {
		n.Mtime = 0
		return nil
	}
	st, err := os.Stat(n.Path)
	if err != nil {
		if os.IsNotExist(err) {
			n.Mtime = 0
			return nil
		}
		return xerrors.Errorf("stat %s: %w", n.Path, err)
	}
	n.Mtime = st.ModTime().UnixNano()
	return nil
}

func (e *Ctx) mtimeUpdater() collab.MtimeUpdater {
	return &fileMtimeUpdater{archives: e.Archives}
}

func (e *Ctx) library() oodate.Library {
	return archive.OutOfDateChecker{Now: e.Now}
}

func (e *Ctx) compatCtx() *compat.Ctx {
	return &compat.Ctx{
		Log:    e.Log,
		Shell:  e.Shell,
		Deps:   e.Deps,
		Mtime:  e.mtimeUpdater(),
		Lib:    e.library(),
		Defer:  e.Defer,
		Now:    e.Now,
		Stdout: e.Stdout,
		Rand:   rand.New(rand.NewSource(e.Now)),
		Opts: compat.Options{
			KeepGoing:        e.Opts.KeepGoing,
			IgnoreAllErrors:  e.Opts.IgnoreAllErrors,
			Silent:           e.Opts.Silent,
			DryRun:           e.Opts.DryRun,
			TouchMode:        e.Opts.TouchMode,
			DeleteOnError:    e.Opts.DeleteOnError,
			RandomizeTargets: e.Opts.RandomizeTargets,
			ShellPath:        e.Opts.ShellPath,
		},
	}
}

// checkCycles rejects any dependency cycle before an executor starts,
// producing a status.CycleError naming every node on the offending
// strongly-connected component (spec.md §7 "reported with cycle
// message"). Pseudo-self-loops (a single node with no real cycle) are not
// reported; TarjanSCC groups of size 1 are ignored unless the node has an
// edge to itself.
func (e *Ctx) checkCycles() error {
	for _, scc := range topo.TarjanSCC(e.Graph.Gonum) {
		if len(scc) < 2 {
			n := scc[0].(*graph.Node)
			if !e.Graph.Gonum.HasEdgeFromTo(n.ID(), n.ID()) {
				continue
			}
		}
		names := make([]string, len(scc))
		for i, n := range scc {
			names[i] = n.(*graph.Node).Name
		}
		return &status.CycleError{Nodes: names}
	}
	return nil
}

// Build runs .BEGIN, then goals (via the sequential or parallel executor
// depending on Opts.MaxJobs), then .END, per spec.md §2's control flow.
// It installs an oninterrupt.Controller for the duration of the run so
// that SIGINT/SIGTERM during goal execution runs .INTERRUPT and cleans up
// in-flight targets (component C7).
func (e *Ctx) Build(goals []*graph.Node) error {
	if err := e.checkCycles(); err != nil {
		return err
	}

	compatCtx := e.compatCtx()

	ctrl := oninterrupt.NewController(
		e.Graph,
		&e.buildMu,
		func(n *graph.Node) error { return compatCtx.Make(n, nil) },
		func() []*graph.Node { return e.beingMade() },
		func(n *graph.Node) bool { return n.Type.Has(graph.TypePrecious) },
	)
	ctrl.Watch()

	if err := e.runSpecial(compatCtx, e.Graph.Begin); err != nil {
		return err
	}

	var buildErr error
	if e.Opts.parallel() {
		runner := &job.Runner{
			Graph:  e.Graph,
			Shell:  e.Shell,
			Lib:    e.library(),
			Deps:   e.Deps,
			Mtime:  e.mtimeUpdater(),
			Defer:  e.Defer,
			Now:    e.Now,
			Log:    e.Log,
			Stdout: e.Stdout,
			Rand:   rand.New(rand.NewSource(e.Now)),
			Opts: job.Options{
				MaxJobs:          e.Opts.MaxJobs,
				KeepGoing:        e.Opts.KeepGoing,
				IgnoreAllErrors:  e.Opts.IgnoreAllErrors,
				DeleteOnError:    e.Opts.DeleteOnError,
				DryRun:           e.Opts.DryRun,
				RandomizeTargets: e.Opts.RandomizeTargets,
				ShellPath:        e.Opts.ShellPath,
				LogDir:           e.Opts.LogDir,
			},
		}
		buildErr = runner.Run(goals)
	} else {
		for _, g := range goals {
			e.buildMu.Lock()
			err := compatCtx.Make(g, nil)
			e.buildMu.Unlock()
			if err != nil {
				if e.Opts.KeepGoing {
					if buildErr == nil {
						buildErr = err
					}
					continue
				}
				return err
			}
		}
	}

	if buildErr != nil && !e.Opts.KeepGoing {
		return buildErr
	}

	e.Graph.End.Commands = append(e.Graph.End.Commands, e.Defer.Commands()...)
	if err := e.runSpecial(compatCtx, e.Graph.End); err != nil && buildErr == nil {
		buildErr = err
	}

	return buildErr
}

// runSpecial builds a pseudo-target (.BEGIN/.END) via the sequential
// executor regardless of the selected mode (spec.md §9 Open Question:
// .BEGIN/.END/.INTERRUPT are always run through C5, even under -j).
// NoRuleError is swallowed: an empty .BEGIN/.END with no commands and no
// children is the common case, not an error.
func (e *Ctx) runSpecial(c *compat.Ctx, n *graph.Node) error {
	e.buildMu.Lock()
	defer e.buildMu.Unlock()
	err := c.Make(n, nil)
	if err == nil {
		return nil
	}
	if _, ok := err.(*compat.NoRuleError); ok {
		return nil
	}
	return err
}

func (e *Ctx) beingMade() []*graph.Node {
	var out []*graph.Node
	for _, n := range e.Graph.Nodes() {
		if n.State == graph.StateBeingMade {
			out = append(out, n)
		}
	}
	return out
}

// ExitCode maps a Build error to the process exit status of spec.md §6:
// 0 on success, 2 on interrupt (handled directly by oninterrupt.Controller
// via os.Exit and never observed here), 1 for any other build failure.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}

// FormatError renders a build error the way the CLI prints it: a leading
// "bmake: " prefix, matching the original tool's diagnostic style.
func FormatError(err error) string {
	return fmt.Sprintf("bmake: %s", strings.TrimPrefix(err.Error(), "bmake: "))
}
