// Package deferred implements the "..." deferred-commands store,
// component C8: commands following the literal three-dot sentinel detach
// from their owning node and attach to .END, in the order their owning
// nodes complete (spec.md §4.8, Testable Property I7).
package deferred

import "sync"

// Store accumulates commands destined for .END. It is safe for concurrent
// use by internal/job's worker pool, since completion order (and thus
// append order) is exactly what Testable Property I7 pins down.
type Store struct {
	mu       sync.Mutex
	commands []string
}

// NewStore returns an empty deferred-command store.
func NewStore() *Store { return &Store{} }

// Attach appends cmds to the store as given; it does not expand them, and
// internal/compat and internal/job pass the raw command text. Called
// exactly once per node that was flagged SAVE_CMDS and went on to succeed.
func (s *Store) Attach(cmds []string) {
	if len(cmds) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmds...)
}

// Commands returns the accumulated command list, in attach order. Called
// once, when .END is about to be built (spec.md §4.8: "built exactly
// once, after all goals").
func (s *Store) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}
