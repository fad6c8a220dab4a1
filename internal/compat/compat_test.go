package compat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stapelberg/bmake/internal/deferred"
	"github.com/stapelberg/bmake/internal/engtest"
	"github.com/stapelberg/bmake/internal/graph"
	"github.com/stapelberg/bmake/internal/shell"
	"github.com/stapelberg/bmake/internal/status"
)

func newCtx(stdout *engtest.RecordingWriter) (*Ctx, *graph.Graph) {
	g := graph.New()
	return &Ctx{
		Shell:  shell.Sh,
		Deps:   engtest.NewDepsFinder(g),
		Mtime:  engtest.NewMtimeUpdater(),
		Lib:    engtest.NewLibrary(),
		Defer:  deferred.NewStore(),
		Opts:   Options{ShellPath: "/bin/sh"},
		Stdout: stdout,
	}, g
}

func TestMakeNoRuleToMake(t *testing.T) {
	out := &engtest.RecordingWriter{}
	c, g := newCtx(out)
	n := g.GetOrCreate("n")

	err := c.Make(n, nil)
	if _, ok := err.(*NoRuleError); !ok {
		t.Fatalf("Make() err = %v (%T), want *NoRuleError", err, err)
	}
}

func TestMakeOptionalMissingFileIsAborted(t *testing.T) {
	out := &engtest.RecordingWriter{}
	c, g := newCtx(out)
	n := g.GetOrCreate("n")
	n.Type |= graph.TypeOptional
	n.Path = filepath.Join(t.TempDir(), "does-not-exist")

	if err := c.Make(n, nil); err != nil {
		t.Fatalf("Make() err = %v, want nil for an optional missing file", err)
	}
	if n.State != graph.StateAborted {
		t.Errorf("n.State = %v, want ABORTED", n.State)
	}
}

func TestMakeExistingFileLeafIsUpToDate(t *testing.T) {
	out := &engtest.RecordingWriter{}
	c, g := newCtx(out)
	n := g.GetOrCreate("n")
	n.Path = filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(n.Path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := c.Make(n, nil); err != nil {
		t.Fatalf("Make() err = %v, want nil", err)
	}
	if n.State != graph.StateUpToDate {
		t.Errorf("n.State = %v, want UPTODATE", n.State)
	}
}

func TestMakeDetectsCycle(t *testing.T) {
	out := &engtest.RecordingWriter{}
	c, g := newCtx(out)
	n := g.GetOrCreate("n")
	n.State = graph.StateBeingMade

	err := c.Make(n, nil)
	if _, ok := err.(*CycleError); !ok {
		t.Fatalf("Make() err = %v (%T), want *CycleError", err, err)
	}
	if n.State != graph.StateError {
		t.Errorf("n.State = %v, want ERROR", n.State)
	}
}

func TestMakeRunsCommandSuccessfully(t *testing.T) {
	out := &engtest.RecordingWriter{}
	c, g := newCtx(out)
	n := g.GetOrCreate("n")
	n.Commands = []string{"true"}

	if err := c.Make(n, nil); err != nil {
		t.Fatalf("Make() err = %v, want nil", err)
	}
	if n.State != graph.StateMade {
		t.Errorf("n.State = %v, want MADE", n.State)
	}
}

func TestMakeCommandFailureWithoutKeepGoingAborts(t *testing.T) {
	out := &engtest.RecordingWriter{}
	c, g := newCtx(out)
	c.Opts.KeepGoing = false
	n := g.GetOrCreate("n")
	n.Commands = []string{"false"}

	err := c.Make(n, nil)
	if _, ok := err.(*status.CommandFailure); !ok {
		t.Fatalf("Make() err = %v (%T), want *status.CommandFailure", err, err)
	}
	if n.State != graph.StateError {
		t.Errorf("n.State = %v, want ERROR", n.State)
	}
}

func TestMakeCommandFailureWithKeepGoingContinues(t *testing.T) {
	out := &engtest.RecordingWriter{}
	c, g := newCtx(out)
	c.Opts.KeepGoing = true
	parent := g.GetOrCreate("p")
	n := g.GetOrCreate("n")
	n.Commands = []string{"false"}
	g.AddChild(parent, n)
	parent.Flags.Remake = true

	if err := c.Make(n, parent); err != nil {
		t.Fatalf("Make() err = %v, want nil under -k (the failure is recorded on state, not returned)", err)
	}
	if n.State != graph.StateError {
		t.Errorf("n.State = %v, want ERROR", n.State)
	}
	if parent.Flags.Remake {
		t.Error("parent.Flags.Remake = true, want false after a failed child under -k")
	}
}

func TestMakeDeferredSentinelDetachesTrailingCommands(t *testing.T) {
	out := &engtest.RecordingWriter{}
	c, g := newCtx(out)
	n := g.GetOrCreate("n")
	n.Commands = []string{"true", "...", "echo deferred"}

	if err := c.Make(n, nil); err != nil {
		t.Fatalf("Make() err = %v, want nil", err)
	}
	if !n.Type.Has(graph.TypeSaveCmds) {
		t.Error("n.Type does not have TypeSaveCmds, want it set once a \"...\" sentinel is seen")
	}
	got := c.Defer.Commands()
	if len(got) != 1 || got[0] != "echo deferred" {
		t.Errorf("Defer.Commands() = %v, want [\"echo deferred\"]", got)
	}
}

func TestMakeDryRunDoesNotExecute(t *testing.T) {
	out := &engtest.RecordingWriter{}
	c, g := newCtx(out)
	c.Opts.DryRun = true
	n := g.GetOrCreate("n")
	n.Path = filepath.Join(t.TempDir(), "dry-run-target")
	n.Commands = []string{"touch " + n.Path}

	if err := c.Make(n, nil); err != nil {
		t.Fatalf("Make() err = %v, want nil", err)
	}
	if _, err := os.Stat(n.Path); err == nil {
		t.Error("target file exists after a dry run, want the command to not have actually executed")
	}
	found := false
	for _, line := range out.Lines() {
		if line == "touch "+n.Path+"\n" {
			found = true
		}
	}
	if !found {
		t.Errorf("Stdout lines = %v, want the echoed command text", out.Lines())
	}
}

func TestMakeFindDepsCalledExactlyOnce(t *testing.T) {
	out := &engtest.RecordingWriter{}
	c, g := newCtx(out)
	deps := c.Deps.(*engtest.DepsFinder)
	deps.Commands["n"] = []string{"true"}
	n := g.GetOrCreate("n")

	if err := c.Make(n, nil); err != nil {
		t.Fatalf("Make() err = %v, want nil", err)
	}
	if calls := deps.Calls("n"); calls != 1 {
		t.Errorf("FindDeps(n) calls = %d, want 1", calls)
	}
}
