package oninterrupt

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stapelberg/bmake/internal/graph"
)

func TestDeleteInFlightRemovesOrdinaryFile(t *testing.T) {
	g := graph.New()
	n := g.GetOrCreate("n")
	n.Path = filepath.Join(t.TempDir(), "target")
	if err := os.WriteFile(n.Path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	c := NewController(g, &sync.Mutex{}, nil, func() []*graph.Node { return []*graph.Node{n} }, nil)
	c.deleteInFlight()

	if _, err := os.Stat(n.Path); !os.IsNotExist(err) {
		t.Errorf("target file still exists after deleteInFlight(), err = %v", err)
	}
}

func TestDeleteInFlightSkipsPhonyPreciousAndEmptyPath(t *testing.T) {
	g := graph.New()

	phony := g.GetOrCreate("phony")
	phony.Type |= graph.TypePhony
	phony.Path = filepath.Join(t.TempDir(), "phony-target")
	if err := os.WriteFile(phony.Path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	precious := g.GetOrCreate("precious")
	precious.Path = filepath.Join(t.TempDir(), "precious-target")
	if err := os.WriteFile(precious.Path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	noPath := g.GetOrCreate("no-path")

	c := NewController(g, &sync.Mutex{}, nil, func() []*graph.Node {
		return []*graph.Node{phony, precious, noPath}
	}, func(n *graph.Node) bool { return n.Name == "precious" })
	c.deleteInFlight()

	if _, err := os.Stat(phony.Path); err != nil {
		t.Errorf("phony target was removed, want it left alone: %v", err)
	}
	if _, err := os.Stat(precious.Path); err != nil {
		t.Errorf("precious target was removed, want it left alone: %v", err)
	}
}

func TestDeleteInFlightNoOpWithoutInFlightFunc(t *testing.T) {
	g := graph.New()
	c := NewController(g, &sync.Mutex{}, nil, nil, nil)
	c.deleteInFlight() // must not panic
}

func TestRegisterInvokesCallback(t *testing.T) {
	called := false
	Register(func() { called = true })

	hookMu.Lock()
	fns := append([]func(){}, hooks...)
	hookMu.Unlock()
	for _, fn := range fns {
		fn()
	}
	if !called {
		t.Error("registered callback was never invoked")
	}
}
