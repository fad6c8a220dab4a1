// Package compat implements the single-threaded sequential builder,
// component C5: a depth-first, parent-aborting traversal that spawns one
// child process per command group.
//
// Grounded on the original bmake compat.c for the traversal/state-machine
// logic, and on distr1-distri's cmd/zi/buildc.go for the Go idiom of
// streaming a child's stdout/stderr through io.MultiWriter while also
// capturing it (here: into a per-command buffer, which is not read
// further) rather than losing one or the other.
package compat

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/exec"
	"time"

	"golang.org/x/xerrors"

	"github.com/stapelberg/bmake/internal/collab"
	"github.com/stapelberg/bmake/internal/deferred"
	"github.com/stapelberg/bmake/internal/graph"
	"github.com/stapelberg/bmake/internal/oodate"
	"github.com/stapelberg/bmake/internal/shell"
	"github.com/stapelberg/bmake/internal/status"
)

// CycleError reports a re-entrant BEINGMADE node (spec.md §7).
type CycleError struct {
	Node string
}

func (e *CycleError) Error() string { return fmt.Sprintf("graph cycles through %s", e.Node) }

// NoRuleError reports a node with no commands, no .DEFAULT, and no file.
type NoRuleError struct {
	Node string
}

func (e *NoRuleError) Error() string { return fmt.Sprintf("don't know how to make %s", e.Node) }

// Options are the subset of engine-wide flags compat.Make consults.
type Options struct {
	KeepGoing        bool  // -k
	IgnoreAllErrors  bool  // -i
	Silent           bool  // -s
	DryRun           bool  // -n / -N
	TouchMode        bool  // -t
	DeleteOnError    bool
	RandomizeTargets bool
	ShellPath        string
}

// Ctx is the sequential executor's context, threaded through every Make
// call the way batch.Ctx is threaded through distri's parallel scheduler.
type Ctx struct {
	Log    *log.Logger
	Opts   Options
	Shell  *shell.Shell
	Deps   collab.DepsFinder
	Mtime  collab.MtimeUpdater
	Lib    oodate.Library
	Defer  *deferred.Store
	Now    int64 // single per-run timestamp, see internal/oodate
	Stdout io.Writer
	Rand   *rand.Rand // only consulted when Opts.RandomizeTargets
}

// Make implements compat.c's Make(): it is re-entrant on gn, recursing
// into children before deciding whether gn itself is out of date and, if
// so, running its commands (spec.md §4.2).
func (c *Ctx) Make(n, parent *graph.Node) error {
	if n.State == graph.StateBeingMade {
		n.State = graph.StateError
		return &CycleError{Node: n.Name}
	}
	if n.State != graph.StateUnmade || (parent != nil && parent.Type.Has(graph.TypeMade)) {
		// Already processed in an earlier traversal (diamond dependency)
		// or this parent short-circuits children via .MAKE: just let the
		// caller's own MakeUpdate bookkeeping (already run when n first
		// went terminal) stand.
		return c.makeCohorts(n, parent)
	}

	n.State = graph.StateBeingMade
	n.Flags.Remake = true

	if !n.Type.Has(graph.TypeMade) && c.Deps != nil {
		if err := c.Deps.FindDeps(n); err != nil {
			return xerrors.Errorf("find deps for %s: %w", n.Name, err)
		}
	}

	for _, seg := range graph.Segments(n.Children) {
		if c.Opts.RandomizeTargets && c.Rand != nil {
			graph.Shuffle(c.Rand, seg)
		}
		for _, child := range seg {
			if err := c.Make(child, n); err != nil {
				return err
			}
			if !n.Flags.Remake {
				n.State = graph.StateAborted
				if parent != nil {
					parent.Flags.Remake = false
				}
				return c.makeCohorts(n, parent)
			}
		}
	}

	if parent != nil && isImplicitSource(n, parent) {
		parent.SetVar(graph.VarImpSrc, n.Path)
	}

	if len(n.Children) > 0 && !oodate.IsOutOfDate(n, c.Now, c.Lib) {
		n.State = graph.StateUpToDate
		c.propagateYoungest(n, parent)
		return c.makeCohorts(n, parent)
	}
	if len(n.Children) == 0 && !n.Type.Has(graph.TypePhony) && len(n.Commands) == 0 {
		if n.Path != "" {
			if st, err := os.Stat(n.Path); err == nil {
				_ = st
				n.State = graph.StateUpToDate
				c.propagateYoungest(n, parent)
				return c.makeCohorts(n, parent)
			}
		}
		if n.Type.Has(graph.TypeOptional) {
			n.State = graph.StateAborted
			return c.makeCohorts(n, parent)
		}
		return &NoRuleError{Node: n.Name}
	}

	setOODateVars(n)

	if c.Opts.IgnoreAllErrors {
		n.Type |= graph.TypeIgnore
	}
	if c.Opts.Silent {
		n.Type |= graph.TypeSilent
	}

	if len(n.Commands) > 0 && !c.Opts.TouchMode {
		before, after, hasDefer := shell.Partition(n.Commands)
		if hasDefer {
			n.Type |= graph.TypeSaveCmds
		}
		if err := c.runCommands(n, before); err != nil {
			n.State = graph.StateError
			if c.Opts.DeleteOnError && !n.Type.Has(graph.TypePrecious) && !n.Type.Has(graph.TypePhony) && n.Path != "" {
				os.Remove(n.Path)
			}
			if !c.Opts.KeepGoing {
				return err
			}
			if parent != nil {
				parent.Flags.Remake = false
			}
			return c.makeCohorts(n, parent)
		}
		if hasDefer {
			c.Defer.Attach(after)
		}
	} else if c.Opts.TouchMode && n.Path != "" {
		now := time.Unix(0, c.Now)
		os.Chtimes(n.Path, now, now)
	}

	n.State = graph.StateMade
	identical := c.recheck(n)
	if identical && parent != nil {
		parent.Flags.Force = true
	}
	c.propagateYoungest(n, parent)
	if parent != nil {
		parent.Flags.ChildMade = true
	}
	return c.makeCohorts(n, parent)
}

func (c *Ctx) makeCohorts(n, parent *graph.Node) error {
	for _, cohort := range n.Cohorts {
		if err := c.Make(cohort, parent); err != nil {
			return err
		}
	}
	return nil
}

func (c *Ctx) propagateYoungest(n, parent *graph.Node) {
	if parent == nil {
		return
	}
	if parent.YoungestChild == nil || n.Mtime > parent.YoungestChild.Mtime {
		parent.YoungestChild = n
	}
}

// recheck recomputes n's on-disk mtime after its commands ran, reporting
// whether the mtime is unchanged from before the run (forcing the
// parent's out-of-date logic to treat n as freshly rebuilt regardless, per
// spec.md §4.2 step 9).
func (c *Ctx) recheck(n *graph.Node) bool {
	before := n.Mtime
	if c.Mtime != nil {
		c.Mtime.UpdateMtime(n)
	}
	return n.Mtime == before
}

func setOODateVars(n *graph.Node) {
	var oo, all []byte
	for i, c := range n.Children {
		if i > 0 {
			all = append(all, ' ')
		}
		all = append(all, c.Path...)
		if c.Mtime > n.Mtime || c.State == graph.StateMade {
			if len(oo) > 0 {
				oo = append(oo, ' ')
			}
			oo = append(oo, c.Path...)
		}
	}
	n.SetVar(graph.VarOODate, string(oo))
	n.SetVar(graph.VarAllSrc, string(all))
}

func isImplicitSource(n, parent *graph.Node) bool {
	return len(parent.Children) > 0 && parent.Children[0] == n && !parent.Type.Has(graph.TypeDoubledep)
}

// runCommands runs cmds sequentially through the shell abstraction,
// stopping at the first failing command (unless it is individually
// flagged ignErr).
func (c *Ctx) runCommands(n *graph.Node, cmds []string) error {
	for _, raw := range cmds {
		flags, body := shell.ParseCommand(raw)
		if flags.IgnErr && c.Shell.IgnErrFallback() {
			n.Type |= graph.TypeIgnore
		}
		buf := shell.NewBuffer(c.Shell)
		buf.Add(body, flags.Silent || n.Type.Has(graph.TypeSilent), flags.IgnErr || n.Type.Has(graph.TypeIgnore))
		if c.Opts.DryRun && !flags.Always {
			if !flags.Silent {
				fmt.Fprintln(c.Stdout, body)
			}
			continue
		}
		var out bytes.Buffer
		argv := c.Shell.Argv(c.Opts.ShellPath, buf)
		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Stdout = io.MultiWriter(c.Stdout, &out)
		cmd.Stderr = io.MultiWriter(c.Stdout, &out)
		cmd.Stdin = os.Stdin
		runErr := cmd.Run()
		exitCode := 0
		if runErr != nil {
			if ee, ok := runErr.(*exec.ExitError); ok {
				exitCode = ee.ExitCode()
			} else {
				return xerrors.Errorf("spawn %s: %w", n.Name, runErr)
			}
		}
		if exitCode != 0 {
			ignErr := flags.IgnErr || n.Type.Has(graph.TypeIgnore)
			if ignErr {
				fmt.Fprintf(c.Stdout, "*** [%s] Error code %d (ignored)\n", n.Name, exitCode)
				continue
			}
			fmt.Fprintf(c.Stdout, "*** [%s] Error code %d\n", n.Name, exitCode)
			return &status.CommandFailure{Node: n.Name, Status: exitCode}
		}
	}
	return nil
}
