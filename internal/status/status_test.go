package status

import (
	"errors"
	"testing"

	"github.com/stapelberg/bmake/internal/graph"
)

func noopUnlink(string) error { return nil }

func TestFinalizeSuccess(t *testing.T) {
	g := graph.New()
	n := g.GetOrCreate("n")
	state, abort, err := Finalize(n, Result{ExitCode: 0}, Options{}, AbortNone, noopUnlink)
	if err != nil {
		t.Fatalf("Finalize() err = %v, want nil", err)
	}
	if state != graph.StateMade {
		t.Errorf("state = %v, want MADE", state)
	}
	if abort != AbortNone {
		t.Errorf("abort = %v, want AbortNone", abort)
	}
}

func TestFinalizeIgnoreErrors(t *testing.T) {
	g := graph.New()
	n := g.GetOrCreate("n")
	n.Type |= graph.TypeIgnore
	state, _, err := Finalize(n, Result{ExitCode: 1}, Options{}, AbortNone, noopUnlink)
	if err != nil {
		t.Fatalf("Finalize() err = %v, want nil under ignErr", err)
	}
	if state != graph.StateMade {
		t.Errorf("state = %v, want MADE under ignErr", state)
	}
}

func TestFinalizeFailureWithoutKeepGoingAborts(t *testing.T) {
	g := graph.New()
	n := g.GetOrCreate("n")
	state, abort, err := Finalize(n, Result{ExitCode: 1}, Options{KeepGoing: false}, AbortNone, noopUnlink)
	if err == nil {
		t.Fatal("Finalize() err = nil, want a CommandFailure")
	}
	if state != graph.StateError {
		t.Errorf("state = %v, want ERROR", state)
	}
	if abort != AbortError {
		t.Errorf("abort = %v, want AbortError", abort)
	}
}

func TestFinalizeFailureWithKeepGoingContinues(t *testing.T) {
	g := graph.New()
	n := g.GetOrCreate("n")
	_, abort, err := Finalize(n, Result{ExitCode: 1}, Options{KeepGoing: true}, AbortNone, noopUnlink)
	if err == nil {
		t.Fatal("Finalize() err = nil, want a CommandFailure even under -k")
	}
	if abort != AbortNone {
		t.Errorf("abort = %v, want unchanged AbortNone under -k", abort)
	}
	if n.Flags.Remake {
		t.Error("n.Flags.Remake = true, want false so the parent does not treat this as a rebuilt child")
	}
}

func TestFinalizeDeleteOnErrorPropagatesUnlinkFailure(t *testing.T) {
	g := graph.New()
	n := g.GetOrCreate("n")
	n.Path = "/tmp/whatever"
	wantErr := errors.New("permission denied")
	_, _, err := Finalize(n, Result{ExitCode: 1}, Options{DeleteOnError: true}, AbortNone, func(string) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Finalize() err = %v, want wrapping %v", err, wantErr)
	}
}

func TestPropagateMarksAncestorsAborted(t *testing.T) {
	g := graph.New()
	top := g.GetOrCreate("top")
	mid := g.GetOrCreate("mid")
	leaf := g.GetOrCreate("leaf")
	g.AddChild(top, mid)
	g.AddChild(mid, leaf)

	leaf.State = graph.StateError
	aborted := Propagate(leaf)

	if len(aborted) != 2 {
		t.Fatalf("len(aborted) = %d, want 2 (mid, top)", len(aborted))
	}
	if mid.State != graph.StateAborted || top.State != graph.StateAborted {
		t.Errorf("mid.State=%v top.State=%v, want both ABORTED", mid.State, top.State)
	}
}

func TestPropagateNoOpOnNonFailureState(t *testing.T) {
	g := graph.New()
	n := g.GetOrCreate("n")
	n.State = graph.StateMade
	if aborted := Propagate(n); aborted != nil {
		t.Fatalf("Propagate(MADE node) = %v, want nil", aborted)
	}
}

func TestCycleErrorMessage(t *testing.T) {
	err := &CycleError{Nodes: []string{"a", "b", "a"}}
	want := "graph cycles through a -> b -> a"
	if got := err.Error(); got != want {
		t.Errorf("CycleError.Error() = %q, want %q", got, want)
	}
}
