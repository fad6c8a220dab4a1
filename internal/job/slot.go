package job

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/stapelberg/bmake/internal/graph"
	"github.com/stapelberg/bmake/internal/shell"
)

// SlotStatus is a job slot's lifecycle position (spec.md §3 "Job slot").
type SlotStatus int

const (
	SlotFree SlotStatus = iota
	SlotSetUp
	SlotRunning
	SlotFinished
)

// outBufSize is the fixed line-buffer size per slot (spec.md §3: "line-
// buffered output buffer (fixed size, newline-delimited flush)").
const outBufSize = 4096

// Slot is one entry of the fixed maxJobs-sized job slot array.
type Slot struct {
	Status SlotStatus
	Node   *graph.Node
	RunID  uuid.UUID

	Echo    bool
	IgnErr  bool
	Special bool // set for TypeSpecial nodes; internal/engine runs .BEGIN/.END/.INTERRUPT sequentially, not here

	cmd    *exec.Cmd
	pipeR  *os.File
	pipeW  *os.File
	buf    []byte
	waitCh chan error

	exitCode int
	procErr  error
}

// reset returns the slot to SlotFree, closing any pipe endpoints still
// open.
func (s *Slot) reset() {
	if s.pipeR != nil {
		s.pipeR.Close()
	}
	if s.pipeW != nil {
		s.pipeW.Close()
	}
	*s = Slot{Status: SlotFree}
}

// setUp assembles n's command buffer via internal/shell and spawns the
// child process with its stdout/stderr tied to an inheritable,
// non-blocking pipe (spec.md §4.6: "create an inheritable pipe, spawn the
// shell, move the slot to RUNNING").
func (s *Slot) setUp(n *graph.Node, sh *shell.Shell, shellPath string, cmds []string, dryRun bool) error {
	buf := shell.NewBuffer(sh)
	for _, raw := range cmds {
		flags, body := shell.ParseCommand(raw)
		silent := flags.Silent || n.Type.Has(graph.TypeSilent)
		ignErr := flags.IgnErr || n.Type.Has(graph.TypeIgnore)
		buf.Add(body, silent, ignErr)
		if ignErr {
			s.IgnErr = true
		}
		if !silent {
			s.Echo = true
		}
	}

	r, w, err := os.Pipe()
	if err != nil {
		return xerrors.Errorf("setup job %s: pipe: %w", n.Name, err)
	}
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		r.Close()
		w.Close()
		return xerrors.Errorf("setup job %s: set nonblock: %w", n.Name, err)
	}

	argv := sh.Argv(shellPath, buf)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.Stdin = os.Stdin

	s.Node = n
	s.RunID = uuid.New()
	s.pipeR = r
	s.pipeW = w
	s.cmd = cmd
	s.waitCh = make(chan error, 1)
	s.Status = SlotSetUp

	if dryRun {
		// -n/-N: nothing to spawn; the caller prints the command text
		// (via printDryRun) and synthesizes success.
		s.Status = SlotFinished
		w.Close()
		return nil
	}

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return xerrors.Errorf("setup job %s: start: %w", n.Name, err)
	}
	w.Close() // parent doesn't need the write end once the child has it
	s.Status = SlotRunning
	go func() {
		s.waitCh <- cmd.Wait()
	}()
	return nil
}

// poll performs one non-blocking read of the slot's output pipe,
// returning any complete (newline-terminated) lines. NUL bytes are
// converted to spaces per spec.md §4.6.
func (s *Slot) poll() []string {
	if s.pipeR == nil {
		return nil
	}
	tmp := make([]byte, 4096)
	n, err := s.pipeR.Read(tmp)
	if n > 0 {
		for i, b := range tmp[:n] {
			if b == 0 {
				tmp[i] = ' '
			}
		}
		s.buf = append(s.buf, tmp[:n]...)
		if len(s.buf) > outBufSize {
			// buffer-full flush boundary, per spec.md §4.6
		}
	}
	_ = err // EAGAIN/EWOULDBLOCK is the expected "no data yet" case
	var lines []string
	for {
		idx := bytes.IndexByte(s.buf, '\n')
		if idx < 0 {
			if len(s.buf) > outBufSize {
				lines = append(lines, string(s.buf))
				s.buf = nil
			}
			break
		}
		lines = append(lines, string(s.buf[:idx]))
		s.buf = s.buf[idx+1:]
	}
	return lines
}

// drain performs a final blocking-ish flush of any remaining buffered
// bytes once the child has exited (spec.md §4.6 step 1: "read remaining
// pipe output").
func (s *Slot) drain() []string {
	var out []string
	for {
		before := len(s.buf)
		lines := s.poll()
		out = append(out, lines...)
		if len(lines) == 0 && len(s.buf) == before {
			break // the last read returned no data
		}
	}
	if len(s.buf) > 0 {
		out = append(out, string(s.buf))
		s.buf = nil
	}
	return out
}

// checkDone performs the non-blocking "has this child exited" check
// (spec.md §4.6 step 1) via a buffered wait-result channel fed by the
// goroutine started in setUp — the Go equivalent of a non-blocking
// waitpid(WNOHANG).
func (s *Slot) checkDone() (done bool) {
	select {
	case err := <-s.waitCh:
		s.procErr = err
		s.exitCode = 0
		if err != nil {
			if ee, ok := err.(*exec.ExitError); ok {
				s.exitCode = ee.ExitCode()
			}
		}
		return true
	default:
		return false
	}
}

func banner(prefix, target string) string {
	return fmt.Sprintf("%s %s ---\n", prefix, target)
}
