// Package verify runs a repository's test command in a working directory.
package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// ErrTestCommandFailed is returned when the test command exits non-zero.
var ErrTestCommandFailed = errors.New("test command failed")

// Result is the outcome of one test run.
type Result struct {
	Success  bool
	Output   string // Combined stdout and stderr
	Duration time.Duration
}

// CommandRunner runs a shell command as the test suite.
type CommandRunner struct {
	command string
	shell   string
	timeout time.Duration
}

// Option configures a CommandRunner.
type Option func(*CommandRunner)

// WithTimeout bounds each run. Zero means no limit beyond the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(r *CommandRunner) { r.timeout = d }
}

// WithShell overrides the shell used to interpret the command (default "sh").
func WithShell(shell string) Option {
	return func(r *CommandRunner) { r.shell = shell }
}

// NewCommandRunner returns a runner for command. An empty command always
// succeeds, which lets a queue run without a test gate.
func NewCommandRunner(command string, opts ...Option) *CommandRunner {
	r := &CommandRunner{command: command, shell: "sh"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Command returns the configured command line.
func (r *CommandRunner) Command() string {
	return r.command
}

// RunTests runs the command in dir. A non-zero exit returns the captured
// output in the result and an error wrapping ErrTestCommandFailed.
func (r *CommandRunner) RunTests(ctx context.Context, dir string) (Result, error) {
	if r.command == "" {
		return Result{Success: true, Output: "no test command configured"}, nil
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.shell, "-c", r.command)
	cmd.Dir = dir
	// Own process group so a timeout kills the whole test tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	res := Result{Output: out.String(), Duration: time.Since(start)}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, fmt.Errorf("%w: %q in %s: %w", ErrTestCommandFailed, r.command, dir, ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res, fmt.Errorf("%w: %q exited with code %d", ErrTestCommandFailed, r.command, exitErr.ExitCode())
		}
		return res, fmt.Errorf("failed to run %q: %w", r.command, err)
	}

	res.Success = true
	return res, nil
}
