package graph

import (
	"math/rand"

	"golang.org/x/exp/slices"
)

// Segments partitions a child list into fence-delimited groups at each
// .WAIT child (spec.md §4.2.1): all nodes in segment k must be terminal
// before any node in segment k+1 may start. The .WAIT markers themselves
// are not real targets and are dropped from the output.
func Segments(children []*Node) [][]*Node {
	var segs [][]*Node
	var cur []*Node
	for _, c := range children {
		if c.Type.Has(TypeWait) {
			segs = append(segs, cur)
			cur = nil
			continue
		}
		cur = append(cur, c)
	}
	segs = append(segs, cur)
	return segs
}

// Shuffle randomizes a single fence-delimited segment in place using
// Fisher-Yates, for --randomize-targets mode. It is unbiased enough to
// expose undeclared dependencies between siblings, not a cryptographic
// shuffle.
func Shuffle(r *rand.Rand, segment []*Node) {
	r.Shuffle(len(segment), func(i, j int) {
		segment[i], segment[j] = segment[j], segment[i]
	})
}

// StableNames returns the sorted, deduplicated set of names among nodes,
// used by status reporting that must print targets in a deterministic
// order regardless of map iteration order.
func StableNames(nodes []*Node) []string {
	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.Name
	}
	slices.Sort(names)
	return slices.Compact(names)
}
