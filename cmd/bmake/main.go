// Command bmake drives the build engine (components C1-C9) from the
// command line: it loads a declarative graph file, wires the collaborator
// stack, and runs the build via github.com/spf13/cobra for flag/usage
// handling, the same CLI library distr1-distri's sibling repositories in
// the example pack (e.g. cue-lang-cue) use in place of the stdlib flag
// package.
package main

import (
	"log"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/stapelberg/bmake/internal/engine"
	"github.com/stapelberg/bmake/internal/fixture"
	"github.com/stapelberg/bmake/internal/graph"
	"github.com/stapelberg/bmake/internal/shell"
)

// runOptions is the YAML options file shape (ambient configuration layer,
// spec.md's CLI surface plus a persisted-defaults file analogous to a
// .bmakerc): command-line flags always take precedence over a value
// loaded from here.
type runOptions struct {
	MaxJobs          int    `yaml:"maxJobs"`
	KeepGoing        bool   `yaml:"keepGoing"`
	IgnoreAllErrors  bool   `yaml:"ignoreAllErrors"`
	Silent           bool   `yaml:"silent"`
	DeleteOnError    bool   `yaml:"deleteOnError"`
	RandomizeTargets bool   `yaml:"randomizeTargets"`
	Shell            string `yaml:"shell"`
	LogDir           string `yaml:"logDir"`
}

func loadOptionsFile(path string) (runOptions, error) {
	var ro runOptions
	if path == "" {
		return ro, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ro, nil
		}
		return ro, err
	}
	if err := yaml.Unmarshal(raw, &ro); err != nil {
		return ro, err
	}
	return ro, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		graphFile   string
		optionsFile string
		maxJobs     int
		keepGoing   bool
		ignoreErrs  bool
		silent      bool
		dryRun      bool
		touch       bool
		deleteOnErr bool
		randomize   bool
		shellName   string
		logDir      string
	)

	logger := log.New(os.Stderr, "", 0)

	cmd := &cobra.Command{
		Use:           "bmake",
		Short:         "a dependency-graph build engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, goalNames []string) error {
			ro, err := loadOptionsFile(optionsFile)
			if err != nil {
				return err
			}

			opts := engine.Options{
				MaxJobs:          firstNonZeroInt(maxJobs, ro.MaxJobs, 1),
				KeepGoing:        keepGoing || ro.KeepGoing,
				IgnoreAllErrors:  ignoreErrs || ro.IgnoreAllErrors,
				Silent:           silent || ro.Silent,
				DryRun:           dryRun,
				TouchMode:        touch,
				DeleteOnError:    deleteOnErr || ro.DeleteOnError,
				RandomizeTargets: randomize || ro.RandomizeTargets,
				ShellName:        firstNonEmpty(shellName, ro.Shell, "sh"),
				LogDir:           firstNonEmpty(logDir, ro.LogDir),
			}

			sh := shell.ByName(opts.ShellName)
			opts.ShellPath = shellExecPath(sh)

			g := graph.New()
			doc, err := fixture.Load(graphFile, g)
			if err != nil {
				return err
			}
			if opts.MaxJobs == 1 && doc.MaxJobs > 1 {
				opts.MaxJobs = doc.MaxJobs
			}

			if len(goalNames) > 0 {
				doc.Goals = goalNames
			}
			resolvedGoals, err := fixture.Goals(doc, g)
			if err != nil {
				return err
			}

			ctx := engine.NewCtx(g, sh, nil, opts, logger, os.Stdout)
			return ctx.Build(resolvedGoals)
		},
	}

	cmd.Flags().StringVarP(&graphFile, "file", "f", "build.yaml", "graph description file")
	cmd.Flags().StringVar(&optionsFile, "options", "", "YAML options file (flags override)")
	cmd.Flags().IntVarP(&maxJobs, "jobs", "j", 0, "maximum concurrent jobs (0 = take it from the options or graph file, else 1)")
	cmd.Flags().BoolVarP(&keepGoing, "keep-going", "k", false, "keep going after errors where possible")
	cmd.Flags().BoolVarP(&ignoreErrs, "ignore-errors", "i", false, "ignore command exit status")
	cmd.Flags().BoolVarP(&silent, "silent", "s", false, "do not echo commands")
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "print commands without running them")
	cmd.Flags().BoolVarP(&touch, "touch", "t", false, "touch targets instead of running commands")
	cmd.Flags().BoolVar(&deleteOnErr, "delete-on-error", false, "delete a target's file if its commands fail")
	cmd.Flags().BoolVar(&randomize, "randomize-targets", false, "shuffle sibling build order within .WAIT fences")
	cmd.Flags().StringVar(&shellName, "shell", "", "named shell template (sh, csh)")
	cmd.Flags().StringVar(&logDir, "log-dir", "", "directory to write gzip-compressed per-job logs")

	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		logger.Printf("bmake: %v", err)
		return exitCodeFor(err)
	}
	return 0
}

func exitCodeFor(err error) int {
	return engine.ExitCode(err)
}

func firstNonZeroInt(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// shellExecPath maps a shell descriptor to a concrete executable, falling
// back to $SHELL or /bin/sh when the named binary can't be resolved on
// PATH (spec.md §4.4/§6 leave the actual executable path host-specific).
func shellExecPath(sh *shell.Shell) string {
	if p, err := exec.LookPath(sh.Name); err == nil {
		return p
	}
	if s := os.Getenv("SHELL"); s != "" {
		return s
	}
	return "/bin/sh"
}
