// Package graph implements the target dependency graph: nodes, their
// attributes, and the edges (child/parent, order, cohort) that connect
// them. It corresponds to component C1 of the build engine.
package graph

import (
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/graph/simple"
)

// Type is a bit set over a node's declared attributes.
type Type uint32

const (
	TypeDepends Type = 1 << iota
	TypeForce
	TypeDoubledep
	TypeOptional
	TypeUse
	TypeUseBefore
	TypeExec
	TypeIgnore
	TypePrecious
	TypeSilent
	TypeMake
	TypeJoin
	TypeMade
	TypeSpecial
	TypeInvisible
	TypeNotMain
	TypePhony
	TypeNoPath
	TypeWait
	TypeArchv
	TypeLib
	TypeMember
	TypeHasCommands
	TypeSaveCmds
	TypeDepsFound
	TypeTransform
)

func (t Type) Has(bit Type) bool { return t&bit != 0 }

// operatorMask covers the three mutually exclusive operator modes
// (Invariant: DEPENDS, FORCE and DOUBLEDEP never co-occur).
const operatorMask = TypeDepends | TypeForce | TypeDoubledep

// State is a node's position in the state machine of spec.md §4.5.
type State int

const (
	StateUnmade State = iota
	StateDeferred
	StateRequested
	StateBeingMade
	StateMade
	StateUpToDate
	StateError
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateUnmade:
		return "UNMADE"
	case StateDeferred:
		return "DEFERRED"
	case StateRequested:
		return "REQUESTED"
	case StateBeingMade:
		return "BEINGMADE"
	case StateMade:
		return "MADE"
	case StateUpToDate:
		return "UPTODATE"
	case StateError:
		return "ERROR"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s is one of the terminal states counted against
// a parent's Unmade tally (Invariant 2).
func (s State) Terminal() bool {
	switch s {
	case StateMade, StateUpToDate, StateError, StateAborted:
		return true
	default:
		return false
	}
}

// Flags are per-node mutable scheduling flags, distinct from Type (which
// is fixed once the graph is built).
type Flags struct {
	Remake     bool
	ChildMade  bool
	Force      bool
	FromDepend bool
	DoneWait   bool
	DoneOrder  bool
}

// Vars holds a node's local variable scope: @, <, ?, >, *, !, %.
type Vars map[byte]string

const (
	VarTarget     = '@' // @
	VarImpSrc     = '<' // <
	VarOODate     = '?' // ?
	VarAllSrc     = '>' // >
	VarArchive    = '*' // *
	VarMember     = '!' // !
	VarArchMember = '%' // %
)

// Node is one target in the dependency graph. Nodes are identified by
// name; archive members carry the literal syntactic form "archive(member)".
//
// Node implements gonum's graph.Node interface (ID) so that the owning
// Graph can mirror true dependency edges into a gonum directed graph for
// cycle analysis (see internal/engine).
type Node struct {
	mu sync.Mutex

	id   int64
	Name string
	Path string // empty means "no on-disk file" (phony/virtual)

	Type  Type
	State State
	Flags Flags

	Mtime         int64 // unix nanos; 0 = zero-sentinel, no file
	YoungestChild *Node

	Children        []*Node
	Parents         []*Node
	ImplicitParents []*Node
	OrderPred       []*Node
	OrderSucc       []*Node
	Cohorts         []*Node

	Commands []string
	Vars     Vars

	unmade int
}

func (n *Node) ID() int64 { return n.id }

// Lock/Unlock expose the node's mutex so that C6's concurrent scheduler
// can serialize state transitions without requiring callers to import
// sync directly (mirrors the per-node mutex used by the mk-derived
// schedulers in the example pack).
func (n *Node) Lock()   { n.mu.Lock() }
func (n *Node) Unlock() { n.mu.Unlock() }

// Unmade returns the number of children not yet in a terminal state.
func (n *Node) Unmade() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.unmade
}

// SetVar sets one of the single-character local variables.
func (n *Node) SetVar(name byte, value string) {
	if n.Vars == nil {
		n.Vars = make(Vars)
	}
	n.Vars[name] = value
}

// IsArchiveMember reports whether the node is flagged TypeArchv and has a
// non-empty Path (Invariant 7). The name's "archive(member)" syntax is not
// checked.
func (n *Node) IsArchiveMember() bool {
	return n.Type.Has(TypeArchv) && n.Path != ""
}

// Graph owns the set of nodes and mirrors true dependency edges (children/
// parents) into a gonum directed graph, used by internal/engine to produce
// full cycle reports via topo.TarjanSCC.
type Graph struct {
	mu       sync.Mutex
	nextID   int64
	byName   map[string]*Node
	Gonum    *simple.DirectedGraph
	Begin    *Node
	End      *Node
	Interrupt *Node
}

// New creates an empty graph, pre-populated with the .BEGIN, .END and
// .INTERRUPT pseudo-targets (spec.md §6).
func New() *Graph {
	g := &Graph{
		byName: make(map[string]*Node),
		Gonum:  simple.NewDirectedGraph(),
	}
	g.Begin = g.GetOrCreate(".BEGIN")
	g.Begin.Type |= TypeSpecial
	g.End = g.GetOrCreate(".END")
	g.End.Type |= TypeSpecial
	g.Interrupt = g.GetOrCreate(".INTERRUPT")
	g.Interrupt.Type |= TypeSpecial
	return g
}

// GetOrCreate returns the node named name, creating it (in state UNMADE)
// if it does not yet exist.
func (g *Graph) GetOrCreate(name string) *Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.byName[name]; ok {
		return n
	}
	n := &Node{
		id:    g.nextID,
		Name:  name,
		State: StateUnmade,
	}
	g.nextID++
	g.byName[name] = n
	g.Gonum.AddNode(n)
	return n
}

// Lookup returns the node named name, or nil if it has not been created.
func (g *Graph) Lookup(name string) *Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.byName[name]
}

// Nodes returns every node in the graph, in deterministic (name-sorted)
// order — callers that need declared order should use AddChild-recorded
// Children slices instead; this is for whole-graph scans (status
// reporting, cycle detection).
func (g *Graph) Nodes() []*Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := maps.Keys(g.byName)
	slices.Sort(names)
	out := make([]*Node, len(names))
	for i, name := range names {
		out[i] = g.byName[name]
	}
	return out
}

// AddChild records a true dependency edge c -> n is a child of parent p
// (Invariant 1: the edge is mirrored on both Children/Parents and into the
// gonum graph so cycle detection sees it).
func (g *Graph) AddChild(p, c *Node) {
	p.Children = append(p.Children, c)
	c.Parents = append(c.Parents, p)
	if !c.State.Terminal() {
		p.mu.Lock()
		p.unmade++
		p.mu.Unlock()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.Gonum.HasEdgeFromTo(p.ID(), c.ID()) {
		g.Gonum.SetEdge(g.Gonum.NewEdge(p, c))
	}
}

// AddChildren records parent's full declared child list in one call,
// wiring ordinary child edges (AddChild) plus, for every .WAIT fence in
// the list (spec.md §4.2.1), an OrderPred/OrderSucc edge from every node
// in the preceding segment to every node in the following one. This gives
// both C5 (which walks Children directly, segment by segment) and C6
// (whose ready queue only understands OrderPred/OrderSucc, having no
// notion of "the child list currently being walked") the same fence
// semantics from a single piece of bookkeeping.
func (g *Graph) AddChildren(parent *Node, children []*Node) {
	segs := Segments(children)
	for _, seg := range segs {
		for _, c := range seg {
			g.AddChild(parent, c)
		}
	}
	for i := 0; i+1 < len(segs); i++ {
		for _, pred := range segs[i] {
			for _, succ := range segs[i+1] {
				g.AddOrder(pred, succ)
			}
		}
	}
}

// AddOrder records a .ORDER constraint: pred must become terminal before
// succ is eligible to start. Order edges schedule but do not affect
// out-of-dateness (spec.md §3) and are therefore not mirrored into the
// gonum graph used for cycle diagnostics of true dependencies.
func (g *Graph) AddOrder(pred, succ *Node) {
	pred.OrderSucc = append(pred.OrderSucc, succ)
	succ.OrderPred = append(succ.OrderPred, pred)
}

// AddCohort links an independent command group of a ::-defined target.
// Invariant 4: cohorts share the base name plus a "#k" suffix and are
// built (and hold mtimes) independently.
func (g *Graph) AddCohort(base *Node, cohort *Node) {
	base.Type |= TypeDoubledep
	base.Cohorts = append(base.Cohorts, cohort)
}

// MakeUpdate is invoked when child c reaches a terminal state; it
// decrements every parent's Unmade counter and refreshes YoungestChild,
// maintaining Invariants 1-3. It returns the parents that became ready
// (Unmade == 0) as a result, in declared order among those notified.
func (g *Graph) MakeUpdate(c *Node) []*Node {
	if !c.State.Terminal() {
		panic(fmt.Sprintf("MakeUpdate(%s): state %v is not terminal", c.Name, c.State))
	}
	var ready []*Node
	for _, p := range c.Parents {
		p.mu.Lock()
		p.unmade--
		if p.YoungestChild == nil || c.Mtime > p.YoungestChild.Mtime {
			p.YoungestChild = c
		}
		if c.State == StateMade {
			p.Flags.ChildMade = true
		}
		becameReady := p.unmade == 0
		p.mu.Unlock()
		if becameReady {
			ready = append(ready, p)
		}
	}
	return ready
}

// OrderSatisfied reports whether every .ORDER predecessor of n has reached
// a terminal state, as required for n to be schedule-ready (spec.md §4.6
// "Ready queue").
func OrderSatisfied(n *Node) bool {
	for _, pred := range n.OrderPred {
		if !pred.State.Terminal() {
			return false
		}
	}
	return true
}

// Ready reports whether n may be scheduled: all true-dependency children
// terminal and all .ORDER predecessors terminal.
func Ready(n *Node) bool {
	return n.Unmade() == 0 && OrderSatisfied(n)
}
