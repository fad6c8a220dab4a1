package oodate

import (
	"testing"

	"github.com/stapelberg/bmake/internal/graph"
)

type fakeLib struct{ outOfDate bool }

func (f fakeLib) IsLibraryOutOfDate(n *graph.Node) bool { return f.outOfDate }

func TestIsOutOfDate(t *testing.T) {
	for _, test := range []struct {
		desc  string
		build func() *graph.Node
		now   int64
		lib   Library
		want  bool
	}{
		{
			desc: "phony is always rebuilt",
			build: func() *graph.Node {
				n := graph.New().GetOrCreate("n")
				n.Type |= graph.TypePhony
				return n
			},
			want: true,
		},
		{
			desc: "no children is a current leaf",
			build: func() *graph.Node {
				return graph.New().GetOrCreate("n")
			},
			want: false,
		},
		{
			desc: "recursive MAKE always enters",
			build: func() *graph.Node {
				g := graph.New()
				n := g.GetOrCreate("n")
				n.Type |= graph.TypeMake
				c := g.GetOrCreate("c")
				g.AddChild(n, c)
				return n
			},
			want: true,
		},
		{
			desc: "missing file forces rebuild",
			build: func() *graph.Node {
				g := graph.New()
				n := g.GetOrCreate("n")
				c := g.GetOrCreate("c")
				g.AddChild(n, c)
				n.Mtime = 0
				return n
			},
			want: true,
		},
		{
			desc: "optional missing file is not rebuilt",
			build: func() *graph.Node {
				g := graph.New()
				n := g.GetOrCreate("n")
				n.Type |= graph.TypeOptional
				c := g.GetOrCreate("c")
				g.AddChild(n, c)
				n.Mtime = 0
				c.Mtime = 0
				return n
			},
			want: false,
		},
		{
			desc: "library delegates to C3",
			build: func() *graph.Node {
				g := graph.New()
				n := g.GetOrCreate("n")
				n.Type |= graph.TypeLib
				c := g.GetOrCreate("c")
				g.AddChild(n, c)
				n.Mtime = 10
				return n
			},
			lib:  fakeLib{outOfDate: true},
			want: true,
		},
		{
			desc: "forced flag rebuilds",
			build: func() *graph.Node {
				g := graph.New()
				n := g.GetOrCreate("n")
				c := g.GetOrCreate("c")
				g.AddChild(n, c)
				n.Mtime = 10
				c.Mtime = 1
				n.Flags.Force = true
				return n
			},
			want: true,
		},
		{
			desc: "younger child rebuilds",
			build: func() *graph.Node {
				g := graph.New()
				n := g.GetOrCreate("n")
				c := g.GetOrCreate("c")
				g.AddChild(n, c)
				n.Mtime = 10
				c.Mtime = 20
				return n
			},
			want: true,
		},
		{
			desc: "future mtime rebuilds",
			build: func() *graph.Node {
				g := graph.New()
				n := g.GetOrCreate("n")
				c := g.GetOrCreate("c")
				g.AddChild(n, c)
				n.Mtime = 100
				c.Mtime = 1
				return n
			},
			now:  50,
			want: true,
		},
		{
			desc: "otherwise current",
			build: func() *graph.Node {
				g := graph.New()
				n := g.GetOrCreate("n")
				c := g.GetOrCreate("c")
				g.AddChild(n, c)
				n.Mtime = 50
				c.Mtime = 1
				return n
			},
			now:  100,
			want: false,
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			n := test.build()
			if got := IsOutOfDate(n, test.now, test.lib); got != test.want {
				t.Errorf("IsOutOfDate(%s) = %v, want %v", test.desc, got, test.want)
			}
		})
	}
}

func TestIsOutOfDateNilLibraryIsCurrent(t *testing.T) {
	g := graph.New()
	n := g.GetOrCreate("n")
	n.Type |= graph.TypeLib
	c := g.GetOrCreate("c")
	g.AddChild(n, c)
	n.Mtime = 10
	if got := IsOutOfDate(n, 0, nil); got {
		t.Errorf("IsOutOfDate with nil Library = %v, want false", got)
	}
}
