// Package procrunner spawns the external Git subcommands the rest of
// Aurora Proxy relies on, in two modes: batched (wait for full output) and
// streaming (attach a live stdout pipe to an HTTP response).
package procrunner

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/errors"

	"github.com/xamionex/aurora-server/internal/logging"
)

// Result is the outcome of a batched Run.
type Result struct {
	OK       bool
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Runner spawns git, git-upload-pack, git-receive-pack, and bash.
type Runner struct{}

// New constructs a Runner.
func New() *Runner {
	return &Runner{}
}

// Run invokes name with args in dir, feeding stdin on the process's
// standard input, and waits up to timeout for it to exit. On timeout the
// process group is sent SIGKILL (a non-catchable kill signal, per
// spec.md §4.2) and Run returns a failure Result.
func (r *Runner) Run(ctx context.Context, dir, name string, args []string, stdin []byte, timeout time.Duration) (Result, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// #nosec G204 - name/args are constructed internally from validated package names and fixed subcommands
	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	killProcessGroup(cmd)

	exitCode := 0
	ok := err == nil
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	} else if err != nil && runCtx.Err() != nil {
		// Timed out or cancelled before the process could report an exit code.
		exitCode = -1
	}

	return Result{
		OK:       ok,
		ExitCode: exitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

// StreamHandle is a live subprocess whose stdout is readable as the
// process runs, used to attach Git pack data directly to an HTTP response.
type StreamHandle struct {
	cmd    *exec.Cmd
	Stdout io.ReadCloser
}

// Wait waits for the subprocess to exit, cleaning up its process group
// regardless of outcome.
func (h *StreamHandle) Wait() error {
	err := h.cmd.Wait()
	killProcessGroup(h.cmd)
	return errors.WithStack(err)
}

// Stream spawns name with args in dir and returns a handle whose Stdout
// can be copied into an HTTP response body as it is produced. No input is
// written to the subprocess's stdin.
func (r *Runner) Stream(ctx context.Context, dir, name string, args []string) (*StreamHandle, error) {
	// #nosec G204 - name/args are constructed internally from validated package names and fixed subcommands
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "attach stdout pipe")
	}
	cmd.Stderr = &stderrLogWriter{ctx: ctx, name: name}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "start subprocess")
	}

	return &StreamHandle{cmd: cmd, Stdout: stdout}, nil
}

// stderrLogWriter logs a streaming subprocess's stderr through the
// context's logger, per spec.md §4.2.
type stderrLogWriter struct {
	ctx  context.Context
	name string
}

func (w *stderrLogWriter) Write(p []byte) (int, error) {
	if text := strings.TrimRight(string(p), "\n"); text != "" {
		logging.FromContext(w.ctx).WarnContext(w.ctx, "subprocess stderr", "command", w.name, "output", text)
	}
	return len(p), nil
}

// killProcessGroup sends SIGKILL to the process group of cmd, best
// effort; the process may have already exited.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil || cmd.Process.Pid <= 0 {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) //nolint:errcheck
}
