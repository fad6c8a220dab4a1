package engine

import (
	"testing"

	"github.com/stapelberg/bmake/internal/engtest"
	"github.com/stapelberg/bmake/internal/fixture"
	"github.com/stapelberg/bmake/internal/graph"
	"github.com/stapelberg/bmake/internal/shell"
)

func TestBuildSequentialRunsCommands(t *testing.T) {
	g := graph.New()
	doc := &fixture.Doc{
		Goals: []string{"all"},
		Nodes: []fixture.NodeDoc{
			{Name: "all", Phony: true, Children: []string{"a.o"}},
			{Name: "a.o", Commands: []string{"true"}},
		},
	}
	if err := fixture.Populate(doc, g); err != nil {
		t.Fatalf("Populate() err = %v", err)
	}
	goals, err := fixture.Goals(doc, g)
	if err != nil {
		t.Fatalf("Goals() err = %v", err)
	}

	out := &engtest.RecordingWriter{}
	ctx := NewCtx(g, shell.Sh, nil, Options{MaxJobs: 1, ShellPath: "/bin/sh"}, nil, out)

	if err := ctx.Build(goals); err != nil {
		t.Fatalf("Build() err = %v, want nil", err)
	}
	if a := g.Lookup("a.o"); a.State != graph.StateMade {
		t.Errorf("a.o.State = %v, want MADE", a.State)
	}
	if all := g.Lookup("all"); all.State != graph.StateMade {
		t.Errorf("all.State = %v, want MADE", all.State)
	}
}

func TestBuildParallelRunsCommands(t *testing.T) {
	g := graph.New()
	doc := &fixture.Doc{
		Goals: []string{"all"},
		Nodes: []fixture.NodeDoc{
			{Name: "all", Phony: true, Children: []string{"a.o", "b.o"}},
			{Name: "a.o", Commands: []string{"true"}},
			{Name: "b.o", Commands: []string{"true"}},
		},
	}
	if err := fixture.Populate(doc, g); err != nil {
		t.Fatalf("Populate() err = %v", err)
	}
	goals, err := fixture.Goals(doc, g)
	if err != nil {
		t.Fatalf("Goals() err = %v", err)
	}

	out := &engtest.RecordingWriter{}
	ctx := NewCtx(g, shell.Sh, nil, Options{MaxJobs: 2, ShellPath: "/bin/sh"}, nil, out)

	if err := ctx.Build(goals); err != nil {
		t.Fatalf("Build() err = %v, want nil", err)
	}
	if a := g.Lookup("a.o"); a.State != graph.StateMade {
		t.Errorf("a.o.State = %v, want MADE", a.State)
	}
	if b := g.Lookup("b.o"); b.State != graph.StateMade {
		t.Errorf("b.o.State = %v, want MADE", b.State)
	}
}

func TestBuildRejectsCycles(t *testing.T) {
	g := graph.New()
	a := g.GetOrCreate("a")
	b := g.GetOrCreate("b")
	g.AddChild(a, b)
	g.AddChild(b, a)

	out := &engtest.RecordingWriter{}
	ctx := NewCtx(g, shell.Sh, nil, Options{MaxJobs: 1, ShellPath: "/bin/sh"}, nil, out)

	err := ctx.Build([]*graph.Node{a})
	if err == nil {
		t.Fatal("Build() err = nil, want a cycle error")
	}
}

func TestBuildAppendsDeferredCommandsToEnd(t *testing.T) {
	g := graph.New()
	doc := &fixture.Doc{
		Goals: []string{"all"},
		Nodes: []fixture.NodeDoc{
			{Name: "all", Phony: true, Commands: []string{"true", "...", "echo end-deferred"}},
		},
	}
	if err := fixture.Populate(doc, g); err != nil {
		t.Fatalf("Populate() err = %v", err)
	}
	goals, err := fixture.Goals(doc, g)
	if err != nil {
		t.Fatalf("Goals() err = %v", err)
	}

	out := &engtest.RecordingWriter{}
	ctx := NewCtx(g, shell.Sh, nil, Options{MaxJobs: 1, ShellPath: "/bin/sh"}, nil, out)

	if err := ctx.Build(goals); err != nil {
		t.Fatalf("Build() err = %v, want nil", err)
	}
	end := g.End
	found := false
	for _, cmd := range end.Commands {
		if cmd == "echo end-deferred" {
			found = true
		}
	}
	if !found {
		t.Errorf(".END.Commands = %v, want to contain the deferred command", end.Commands)
	}
}
