package fixture

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stapelberg/bmake/internal/graph"
)

func writeFixture(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadPopulatesNodesAndChildren(t *testing.T) {
	path := writeFixture(t, `
goals: ["all"]
nodes:
  - name: all
    phony: true
    children: ["a.o", "b.o"]
  - name: a.o
    commands: ["cc -c a.c"]
  - name: b.o
    commands: ["cc -c b.c"]
`)
	g := graph.New()
	doc, err := Load(path, g)
	if err != nil {
		t.Fatalf("Load() err = %v", err)
	}

	all := g.Lookup("all")
	if all == nil {
		t.Fatal("node \"all\" was not created")
	}
	if !all.Type.Has(graph.TypePhony) {
		t.Error("all.Type does not have TypePhony")
	}
	if len(all.Children) != 2 {
		t.Fatalf("len(all.Children) = %d, want 2", len(all.Children))
	}
	if all.Children[0].Name != "a.o" || all.Children[1].Name != "b.o" {
		t.Errorf("all.Children = %v, want [a.o b.o] in declared order", all.Children)
	}

	goals, err := Goals(doc, g)
	if err != nil {
		t.Fatalf("Goals() err = %v", err)
	}
	if len(goals) != 1 || goals[0].Name != "all" {
		t.Errorf("Goals() = %v, want [all]", goals)
	}
}

func TestLoadDefaultsPathToNameUnlessPhony(t *testing.T) {
	path := writeFixture(t, `
nodes:
  - name: phony-target
    phony: true
  - name: real-target
`)
	g := graph.New()
	if _, err := Load(path, g); err != nil {
		t.Fatalf("Load() err = %v", err)
	}
	if p := g.Lookup("phony-target"); p.Path != "" {
		t.Errorf("phony-target.Path = %q, want empty", p.Path)
	}
	if r := g.Lookup("real-target"); r.Path != "real-target" {
		t.Errorf("real-target.Path = %q, want %q", r.Path, "real-target")
	}
}

func TestLoadWaitFenceTranslatesToOrderEdges(t *testing.T) {
	path := writeFixture(t, `
nodes:
  - name: all
    children: ["a", ".WAIT", "b"]
  - name: a
  - name: b
`)
	g := graph.New()
	if _, err := Load(path, g); err != nil {
		t.Fatalf("Load() err = %v", err)
	}
	b := g.Lookup("b")
	if len(b.OrderPred) != 1 {
		t.Fatalf("len(b.OrderPred) = %d, want 1", len(b.OrderPred))
	}
	if b.OrderPred[0].Name != "a" {
		t.Errorf("b.OrderPred[0].Name = %q, want %q", b.OrderPred[0].Name, "a")
	}
}

func TestGoalsFallsBackToFirstNode(t *testing.T) {
	doc := &Doc{Nodes: []NodeDoc{{Name: "only"}}}
	g := graph.New()
	goals, err := Goals(doc, g)
	if err != nil {
		t.Fatalf("Goals() err = %v", err)
	}
	if len(goals) != 1 || goals[0].Name != "only" {
		t.Errorf("Goals() = %v, want [only]", goals)
	}
}

func TestGoalsRejectsUnknownName(t *testing.T) {
	doc := &Doc{Goals: []string{"nonexistent"}, Nodes: []NodeDoc{{Name: "only"}}}
	g := graph.New()
	g.GetOrCreate("only")
	if _, err := Goals(doc, g); err == nil {
		t.Fatal("Goals() err = nil, want error for an undeclared goal name")
	}
}

func TestPopulateRejectsEmptyName(t *testing.T) {
	doc := &Doc{Nodes: []NodeDoc{{Name: ""}}}
	g := graph.New()
	if err := Populate(doc, g); err == nil {
		t.Fatal("Populate() err = nil, want error for an empty node name")
	}
}
