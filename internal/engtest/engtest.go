// Package engtest provides fakes for the narrow collaborator interfaces
// declared in internal/collab, shared by every package's tests so that
// internal/compat, internal/job and internal/engine can be exercised
// without a real variable expander or suffix-rule engine.
package engtest

import (
	"strings"
	"sync"

	"github.com/stapelberg/bmake/internal/graph"
)

// DepsFinder is a fake collab.DepsFinder: it looks up a pre-declared
// child-name list by node name and wires it into the graph via
// graph.AddChildren, the same bookkeeping a real suffix-rule engine would
// perform.
type DepsFinder struct {
	Graph *graph.Graph
	// Deps maps a node name to its declared children's names, resolved
	// against Graph with GetOrCreate.
	Deps map[string][]string
	// Commands maps a node name to the command list FindDeps should
	// attach (a real engine would derive this from the matched rule).
	Commands map[string][]string
	// Err, if set, is returned for the named node instead of succeeding.
	Err map[string]error

	mu    sync.Mutex
	calls map[string]int
}

func NewDepsFinder(g *graph.Graph) *DepsFinder {
	return &DepsFinder{
		Graph:    g,
		Deps:     make(map[string][]string),
		Commands: make(map[string][]string),
		Err:      make(map[string]error),
		calls:    make(map[string]int),
	}
}

func (d *DepsFinder) FindDeps(n *graph.Node) error {
	d.mu.Lock()
	d.calls[n.Name]++
	d.mu.Unlock()

	if err, ok := d.Err[n.Name]; ok {
		return err
	}
	if cmds, ok := d.Commands[n.Name]; ok {
		n.Commands = append(n.Commands, cmds...)
	}
	children, ok := d.Deps[n.Name]
	if !ok {
		return nil
	}
	nodes := make([]*graph.Node, len(children))
	for i, name := range children {
		nodes[i] = d.Graph.GetOrCreate(name)
	}
	d.Graph.AddChildren(n, nodes)
	return nil
}

// Calls reports how many times FindDeps was invoked for name, for
// asserting "invoked exactly once" (spec.md Testable Property I6).
func (d *DepsFinder) Calls(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[name]
}

// MtimeUpdater is a fake collab.MtimeUpdater backed by an in-memory map,
// so tests can drive out-of-date decisions without touching the
// filesystem.
type MtimeUpdater struct {
	mu     sync.Mutex
	mtimes map[string]int64
}

func NewMtimeUpdater() *MtimeUpdater {
	return &MtimeUpdater{mtimes: make(map[string]int64)}
}

// Set records the mtime (unix nanos) UpdateMtime should report for path.
func (m *MtimeUpdater) Set(path string, nanos int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mtimes[path] = nanos
}

func (m *MtimeUpdater) UpdateMtime(n *graph.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.Path == "" {
		n.Mtime = 0
		return nil
	}
	n.Mtime = m.mtimes[n.Path]
	return nil
}

// Library is a fake oodate.Library: IsLibraryOutOfDate returns whatever
// was recorded for the node's name, defaulting to false.
type Library struct {
	OutOfDate map[string]bool
}

func NewLibrary() *Library { return &Library{OutOfDate: make(map[string]bool)} }

func (l *Library) IsLibraryOutOfDate(n *graph.Node) bool {
	return l.OutOfDate[n.Name]
}

// NewNode is a small convenience for building a standalone node outside a
// Graph, for oodate/archive unit tests that don't need the full graph
// machinery's parent/child bookkeeping.
func NewNode(name string, typ graph.Type) *graph.Node {
	g := graph.New()
	n := g.GetOrCreate(name)
	n.Type |= typ
	return n
}

// RecordingWriter records each Write call's bytes as one entry (Lines);
// String concatenates the entries. It lets tests assert on what a
// command's stdout/stderr produced without needing a real pipe.
type RecordingWriter struct {
	mu    sync.Mutex
	lines []string
}

func (w *RecordingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lines = append(w.lines, string(p))
	return len(p), nil
}

func (w *RecordingWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.Join(w.lines, "")
}

func (w *RecordingWriter) Lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.lines...)
}

// AssertNoError is a small test helper matching the teacher's "t.Fatalf
// on unexpected error" idiom.
func AssertNoError(t interface{ Fatalf(string, ...interface{}) }, err error) {
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
