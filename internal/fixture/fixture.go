// Package fixture loads a declarative YAML graph description into an
// internal/graph.Graph. It is the minimal stand-in for the makefile
// parser, variable expander, and suffix-rule engine that spec.md's
// Non-goals place out of scope: just enough front end to drive the C1-C9
// engine end to end from the command line and from package tests,
// without inferring any rule a file does not state explicitly.
package fixture

import (
	"os"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/stapelberg/bmake/internal/graph"
)

// Doc is the on-disk YAML shape: a flat list of nodes plus the default
// goal list, structurally similar to the target blocks a real makefile
// parser would produce as its output.
type Doc struct {
	Shell   string       `yaml:"shell"`
	MaxJobs int          `yaml:"maxJobs"`
	Goals   []string     `yaml:"goals"`
	Nodes   []NodeDoc    `yaml:"nodes"`
}

// NodeDoc describes one target.
type NodeDoc struct {
	Name     string   `yaml:"name"`
	Path     string   `yaml:"path"`
	Phony    bool     `yaml:"phony"`
	Precious bool     `yaml:"precious"`
	Optional bool     `yaml:"optional"`
	Silent   bool     `yaml:"silent"`
	Force    bool     `yaml:"force"`
	Children []string `yaml:"children"`
	Commands []string `yaml:"commands"`
}

// Load parses path and populates g with one Node per Doc.Nodes entry,
// wiring true-dependency edges (and any ".WAIT" fences within a child
// list) via graph.AddChildren.
func Load(path string, g *graph.Graph) (*Doc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("fixture: %w", err)
	}
	var doc Doc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, xerrors.Errorf("fixture: parse %s: %w", path, err)
	}
	if err := Populate(&doc, g); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Populate applies an already-parsed Doc to g, in two passes: first
// create every node and set its flags/commands, then wire child edges,
// so a node may be referenced as a child before its own entry appears.
func Populate(doc *Doc, g *graph.Graph) error {
	for _, nd := range doc.Nodes {
		if nd.Name == "" {
			return xerrors.New("fixture: node with empty name")
		}
		n := g.GetOrCreate(nd.Name)
		if nd.Path != "" {
			n.Path = nd.Path
		} else if !nd.Phony {
			n.Path = nd.Name
		}
		if nd.Phony {
			n.Type |= graph.TypePhony
		}
		if nd.Precious {
			n.Type |= graph.TypePrecious
		}
		if nd.Optional {
			n.Type |= graph.TypeOptional
		}
		if nd.Silent {
			n.Type |= graph.TypeSilent
		}
		if nd.Force {
			n.Flags.Force = true
		}
		n.Commands = append(n.Commands, nd.Commands...)
	}

	for _, nd := range doc.Nodes {
		if len(nd.Children) == 0 {
			continue
		}
		n := g.Lookup(nd.Name)
		children := make([]*graph.Node, 0, len(nd.Children))
		for _, cname := range nd.Children {
			if cname == "." || cname == ".WAIT" {
				w := g.GetOrCreate(".WAIT")
				w.Type |= graph.TypeWait
				children = append(children, w)
				continue
			}
			children = append(children, g.GetOrCreate(cname))
		}
		g.AddChildren(n, children)
	}
	return nil
}

// Goals resolves doc.Goals (or, if empty, the first declared node) to
// concrete graph nodes.
func Goals(doc *Doc, g *graph.Graph) ([]*graph.Node, error) {
	if len(doc.Goals) == 0 {
		if len(doc.Nodes) == 0 {
			return nil, xerrors.New("fixture: no goals and no nodes declared")
		}
		return []*graph.Node{g.GetOrCreate(doc.Nodes[0].Name)}, nil
	}
	goals := make([]*graph.Node, 0, len(doc.Goals))
	for _, name := range doc.Goals {
		n := g.Lookup(name)
		if n == nil {
			return nil, xerrors.Errorf("fixture: goal %q not declared", name)
		}
		goals = append(goals, n)
	}
	return goals, nil
}
