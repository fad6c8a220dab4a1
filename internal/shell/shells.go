package shell

// Built-in shell descriptors, supplementing spec.md §4.4 from the original
// bmake job.c shells[] table, so callers are not required to hand-build a
// Shell value for the common cases.
var (
	// Sh is a Bourne/POSIX-compatible shell: native "set -e"-free ignore
	// (bare command) vs. "cmd || exit $?" for check mode.
	Sh = &Shell{
		Name:        "sh",
		Args:        []string{"-c"},
		RunIgnTmpl:  "%s",
		RunChkTmpl:  "%s || exit $?",
		EchoTmpl:    "echo %s",
		Separator:   "\n",
		CommentChar: '#',
		EscapeChar:  '\\',
		Special: []SpecialChar{
			{From: '#', To: "\\#"},
		},
		Meta: metaBitmap("#$&*()~[]\\|{};'\"`<>?!"),
	}

	// Csh is a C-shell-compatible descriptor: csh has no cheap per-
	// command ignore-error construct, so RunIgnTmpl is left empty,
	// triggering IgnErrFallback (spec.md §4.4 "Error-control envelope").
	Csh = &Shell{
		Name:        "csh",
		Args:        []string{"-c"},
		RunIgnTmpl:  "",
		RunChkTmpl:  "%s",
		EchoTmpl:    "echo %s",
		Separator:   ";\n",
		CommentChar: '#',
		EscapeChar:  '\\',
		Special: []SpecialChar{
			{From: '!', To: "\\!"},
		},
		Meta: metaBitmap("#$&*()~[]\\|{};'\"`<>?!"),
	}

	// Fallback is used when no shell metadata matches the configured
	// shell name: no error control of any kind, so every command behaves
	// as if run with "-" (ignore errors at the shell level is impossible,
	// so the engine-level ignErr flag is what decides node state).
	Fallback = &Shell{
		Name:        "fallback",
		Args:        []string{"-c"},
		RunIgnTmpl:  "",
		RunChkTmpl:  "",
		EchoTmpl:    "",
		Separator:   "\n",
		CommentChar: '#',
		EscapeChar:  '\\',
		Meta:        metaBitmap("$&*()~[]\\|{};'\"`<>?!"),
	}
)

func metaBitmap(chars string) [128]bool {
	var m [128]bool
	for i := 0; i < len(chars); i++ {
		m[chars[i]] = true
	}
	return m
}

// ByName returns a built-in shell descriptor by name, or Fallback if name
// matches none of them (spec.md §4.4's envelope quirk applies in that
// case too, since Fallback's templates are empty).
func ByName(name string) *Shell {
	switch name {
	case "sh", "bash", "dash":
		return Sh
	case "csh", "tcsh":
		return Csh
	default:
		return Fallback
	}
}
