package job

import (
	"os"
	"time"

	"golang.org/x/xerrors"
)

// TokenByte values for the jobserver protocol (spec.md §3 "Token pipe",
// §6).
const (
	TokenCredit    byte = '+'
	TokenError     byte = 'E'
	TokenInterrupt byte = 'I'
)

// TokenPipe is a byte stream pre-filled with maxJobs-1 credit tokens.
// Withdrawing a byte grants permission to start a child; returning a byte
// releases the slot. A non-'+' byte marks a global abort and is
// propagated to any subordinate make process sharing the pipe (spec.md
// §4.6, §6).
type TokenPipe struct {
	r, w *os.File
	// ownPipe is true when this process created the pipe (the root of a
	// build), false when the read/write fds were inherited from a parent
	// make via the two jobserver command-line flags (spec.md §6). Only
	// relevant for Close bookkeeping.
	ownPipe bool
}

// NewTokenPipe creates a fresh pipe and seeds it with n-1 credit tokens,
// as the root process of a build does (spec.md §4.6: "the root process
// seeds the pipe with maxJobs-1 '+' bytes; the root process's own 'main'
// job counts as the extra implicit token").
func NewTokenPipe(n int) (*TokenPipe, error) {
	if n < 1 {
		return nil, xerrors.Errorf("NewTokenPipe: n must be >= 1, got %d", n)
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, xerrors.Errorf("NewTokenPipe: %w", err)
	}
	tokens := make([]byte, n-1)
	for i := range tokens {
		tokens[i] = TokenCredit
	}
	if len(tokens) > 0 {
		if _, err := w.Write(tokens); err != nil {
			return nil, xerrors.Errorf("NewTokenPipe: seed: %w", err)
		}
	}
	return &TokenPipe{r: r, w: w, ownPipe: true}, nil
}

// InheritTokenPipe wraps a read/write file descriptor pair handed down by
// a parent make process (spec.md §6 "two command-line flags carrying the
// handle values").
func InheritTokenPipe(r, w *os.File) *TokenPipe {
	return &TokenPipe{r: r, w: w, ownPipe: false}
}

// Withdraw reads one token byte, blocking if the pipe is currently empty
// (spec.md §5 "Blocking points": "withdrawal of a token when pool is
// empty and at least one job is running"). It returns the byte read; a
// non-'+' byte signals that a sibling has raised a global abort.
func (t *TokenPipe) Withdraw() (byte, error) {
	buf := make([]byte, 1)
	if _, err := t.r.Read(buf); err != nil {
		return 0, xerrors.Errorf("withdraw token: %w", err)
	}
	if buf[0] != TokenCredit {
		// Drain any remaining tokens so no further job can start, then
		// write the sentinel back once so siblings sharing this pipe
		// also observe the abort (spec.md §4.6).
		t.drainAndPropagate(buf[0])
	}
	return buf[0], nil
}

// Return releases a token back to the pool.
func (t *TokenPipe) Return() error {
	if _, err := t.w.Write([]byte{TokenCredit}); err != nil {
		return xerrors.Errorf("return token: %w", err)
	}
	return nil
}

// Abort writes a sentinel byte into the pipe, marking a global error or
// interrupt abort that propagates to any subordinate make sharing it.
func (t *TokenPipe) Abort(kind byte) error {
	if _, err := t.w.Write([]byte{kind}); err != nil {
		return xerrors.Errorf("abort token pipe: %w", err)
	}
	return nil
}

func (t *TokenPipe) drainAndPropagate(sentinel byte) {
	t.r.SetReadDeadline(time.Now())
	buf := make([]byte, 64)
	for {
		n, err := t.r.Read(buf)
		if n == 0 || err != nil {
			break
		}
	}
	t.r.SetReadDeadline(time.Time{})
	t.w.Write([]byte{sentinel})
}

func (t *TokenPipe) Close() error {
	if !t.ownPipe {
		return nil
	}
	t.w.Close()
	return t.r.Close()
}
