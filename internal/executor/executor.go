package executor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/hoidn/BMAD-METHOD/internal/logging"
	"github.com/hoidn/BMAD-METHOD/internal/output"
	"github.com/hoidn/BMAD-METHOD/internal/pathsafe"
	"github.com/hoidn/BMAD-METHOD/pkg/schema"
)

// KillGrace is how long a timed-out process gets between SIGTERM and SIGKILL.
const KillGrace = 10 * time.Second

// stderrCap bounds how much child stderr is kept for diagnostics.
const stderrCap = 8 * 1024

// Outcome is the raw result of one process attempt.
type Outcome struct {
	ExitCode int
	TimedOut bool
	Duration time.Duration
	Capture  *output.Capture
	Stderr   string
}

// OK reports whether the attempt succeeded.
func (o *Outcome) OK() bool { return !o.TimedOut && o.ExitCode == 0 }

// Runner spawns step processes inside the workspace.
type Runner struct {
	root   *pathsafe.Root
	masker *logging.Masker
	logger *slog.Logger
}

// NewRunner creates a process runner.
func NewRunner(root *pathsafe.Root, masker *logging.Masker, logger *slog.Logger) *Runner {
	return &Runner{root: root, masker: masker, logger: logger}
}

// Run spawns one attempt of the invocation. The child runs with the
// workspace as working directory and never through a shell. A spawn failure
// (missing binary, bad permissions) is a non-retryable execution error;
// non-zero exits and timeouts are reported in the Outcome, not as errors.
func (r *Runner) Run(ctx context.Context, inv *Invocation, spillDir string) (*Outcome, error) {
	runCtx, cancel := context.WithTimeout(ctx, inv.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, inv.Argv[0], inv.Argv[1:]...)
	cmd.Dir = r.root.Dir()
	cmd.Env = inv.Env
	if inv.Stdin != nil {
		cmd.Stdin = bytes.NewReader(inv.Stdin)
	}

	// Terminate politely on timeout, escalate to SIGKILL after the grace
	// period via WaitDelay.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = KillGrace

	capture := output.NewCapture(spillDir, inv.CaptureName)
	cmd.Stdout = capture
	stderr := &tailBuffer{cap: stderrCap}
	cmd.Stderr = stderr

	start := time.Now()
	r.logger.DebugContext(ctx, "spawning step process",
		slog.String("argv0", inv.Argv[0]),
		slog.Int("argc", len(inv.Argv)),
		slog.Duration("timeout", inv.Timeout))

	err := cmd.Run()
	out := &Outcome{
		Duration: time.Since(start),
		Capture:  capture,
		Stderr:   r.masker.Mask(stderr.String()),
	}

	if _, cerr := capture.Close(); cerr != nil && err == nil {
		return nil, cerr
	}

	switch {
	case err == nil:
		out.ExitCode = 0
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		out.TimedOut = true
		out.ExitCode = -1
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
		} else {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"spawn %q: %s", inv.Argv[0], r.masker.Mask(err.Error())).WithCause(err)
		}
	}

	r.logger.InfoContext(ctx, "step process finished",
		slog.Int("exit_code", out.ExitCode),
		slog.Bool("timed_out", out.TimedOut),
		slog.Duration("duration", out.Duration))
	return out, nil
}

// tailBuffer keeps the last cap bytes written. Failures usually announce
// themselves at the end of stderr, so the tail is what diagnostics want.
type tailBuffer struct {
	buf []byte
	cap int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= t.cap {
		t.buf = append(t.buf[:0], p[n-t.cap:]...)
		return n, nil
	}
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.cap; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return n, nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
