// Package shell implements the shell abstraction, component C4: it turns
// a node's command list into a concrete invocation string, handling
// per-command echo/ignore-error flags, error-control templating,
// meta-character escaping, and the "..." deferred-commands rule.
//
// Grounded on the original bmake job.c's shells[] table and
// JobPrintCommand; distri's own repository has no shell-templating layer
// of its own (it always execs a fixed "distri build"/configure/make
// argv0, cf. cmd/zi/buildc.go), so this package follows the bmake source
// directly rather than a pack analogue.
package shell

import (
	"fmt"
	"strings"
)

// SpecialChar maps a meta character to its shell-specific replacement
// (e.g. bmake's csh shell rewrites a bare "!" to avoid history expansion).
type SpecialChar struct {
	From byte
	To   string
}

// Shell is a per-shell template table (spec.md §4.4). Templates are
// printf-style with a single %s slot for the escaped command.
type Shell struct {
	Name string
	Args []string // argv placed between the shell path and the command buffer

	RunIgnTmpl string // runs a command, discards its exit status
	RunChkTmpl string // runs a command, aborts the shell invocation on failure
	EchoTmpl   string // echoes the (escaped) command before running it

	Separator   string
	CommentChar byte
	EscapeChar  byte
	Special     []SpecialChar

	// Meta is a 128-entry bitmap: Meta[c] is true if byte c must be
	// escaped when embedded in a shell command buffer.
	Meta [128]bool
}

func isMeta(s *Shell, c byte) bool {
	return c < 128 && s.Meta[c]
}

func (s *Shell) specialFor(c byte) (string, bool) {
	for _, sc := range s.Special {
		if sc.From == c {
			return sc.To, true
		}
	}
	return "", false
}

// Escape applies the shell's meta-character escaping rules to cmd: for
// bytes in the Meta bitmap, emit the Special replacement if one exists,
// otherwise emit EscapeChar followed by the byte unchanged.
func (s *Shell) Escape(cmd string) string {
	var b strings.Builder
	b.Grow(len(cmd))
	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		if !isMeta(s, c) {
			b.WriteByte(c)
			continue
		}
		if repl, ok := s.specialFor(c); ok {
			b.WriteString(repl)
			continue
		}
		b.WriteByte(s.EscapeChar)
		b.WriteByte(c)
	}
	return b.String()
}

// Flags are the per-command flags parsed from a leading @-+ prefix.
type Flags struct {
	Silent bool // @: do not echo
	IgnErr bool // -: ignore exit status
	Always bool // +: run even under -n/-N (forces sequential execution)
}

// ParseCommand strips any leading combination of '@', '-', '+' (in any
// order, whitespace allowed between them) from raw, returning the parsed
// Flags and the remaining command text (spec.md §4.4 "per-command flag
// prefix parsing").
func ParseCommand(raw string) (Flags, string) {
	var f Flags
	i := 0
	for i < len(raw) {
		switch raw[i] {
		case '@':
			f.Silent = true
		case '-':
			f.IgnErr = true
		case '+':
			f.Always = true
		case ' ', '\t':
			// whitespace between flag characters is permitted
		default:
			return f, raw[i:]
		}
		i++
	}
	return f, raw[i:]
}

// DeferredSentinel is the literal three-dot "..." construct that detaches
// all subsequent commands in a node's command list to .END (spec.md §4.4,
// §4.8).
const DeferredSentinel = "..."

// Partition splits cmds at the first literal "..." entry, per Testable
// Property I7: commands before the sentinel stay with the owning node,
// commands after it are returned separately for the caller (internal/job
// or internal/compat) to hand to internal/deferred. ok is false if no
// sentinel was present, in which case before == cmds and after is nil.
func Partition(cmds []string) (before, after []string, ok bool) {
	for i, raw := range cmds {
		_, body := ParseCommand(raw)
		if strings.TrimSpace(body) == DeferredSentinel {
			return cmds[:i], cmds[i+1:], true
		}
	}
	return cmds, nil, false
}

// IgnErrFallback re-flags ignErr at the node level when the shell has no
// native ignore-error template (spec.md §4.4 "Error-control envelope"):
// an empty RunIgnTmpl is the signal that the shell can't scope ignore-
// errors to a single command, so the whole node inherits the flag. This
// is a documented legacy quirk, not a design choice, and must not be
// "fixed" to scope more precisely.
func (s *Shell) IgnErrFallback() bool {
	return s.RunIgnTmpl == ""
}

// Buffer assembles the commands for one node into a single invocation
// string per spec.md §4.4 "Assembly": each escaped command is followed by
// Separator, the trailing separator is trimmed, and embedded newlines are
// replaced with Separator.
type Buffer struct {
	shell *Shell
	parts []string
}

// NewBuffer starts a command buffer for shell s.
func NewBuffer(s *Shell) *Buffer { return &Buffer{shell: s} }

// Add appends one already-flag-stripped command to the buffer. If silent
// is false the command is also echoed via EchoTmpl; if ignErr is true and
// the shell has a native ignore-error template, RunIgnTmpl wraps it,
// otherwise the raw RunChkTmpl is used (see IgnErrFallback for the
// node-level fallback when RunIgnTmpl is empty).
func (b *Buffer) Add(cmd string, silent, ignErr bool) {
	escaped := b.shell.Escape(cmd)
	if !silent && b.shell.EchoTmpl != "" {
		b.parts = append(b.parts, fmt.Sprintf(b.shell.EchoTmpl, escaped))
	}
	tmpl := b.shell.RunChkTmpl
	if ignErr && b.shell.RunIgnTmpl != "" {
		tmpl = b.shell.RunIgnTmpl
	}
	if tmpl == "" {
		b.parts = append(b.parts, escaped)
		return
	}
	b.parts = append(b.parts, fmt.Sprintf(tmpl, escaped))
}

// String renders the final buffer: parts joined by Separator, embedded
// newlines normalized to Separator, with no trailing separator.
func (b *Buffer) String() string {
	joined := strings.Join(b.parts, b.shell.Separator)
	joined = strings.ReplaceAll(joined, "\n", b.shell.Separator)
	return strings.TrimSuffix(joined, b.shell.Separator)
}

// Argv returns the concrete process invocation for this buffer: the
// shell's executable path, its fixed Args, then the assembled buffer
// (spec.md §6 "typical: cmd.exe /c <cmds>").
func (s *Shell) Argv(shellPath string, buf *Buffer) []string {
	argv := []string{shellPath}
	argv = append(argv, s.Args...)
	argv = append(argv, buf.String())
	return argv
}
