package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
)

// newCommand creates an exec.Cmd in its own process group, so cancellation
// and shutdown can terminate the whole subprocess tree.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	return cmd
}

// executeCommand runs cmd and returns its stdout and stderr.
func executeCommand(ctx context.Context, cmd *exec.Cmd, pm *ProcessManager) (stdout []byte, stderr []byte, err error) {
	var stdoutBuf bytes.Buffer
	stderr, err = streamCommand(ctx, cmd, pm, func(r io.Reader) error {
		_, err := io.Copy(&stdoutBuf, r)
		return err
	})
	return stdoutBuf.Bytes(), stderr, err
}

// streamCommand starts cmd and hands its stdout to consume while stderr is
// drained concurrently. Both pipes are fully read before cmd.Wait, so output
// larger than the pipe buffer cannot deadlock the child. The process is
// tracked by pm (if non-nil) for its whole lifetime.
func streamCommand(ctx context.Context, cmd *exec.Cmd, pm *ProcessManager, consume func(io.Reader) error) ([]byte, error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	var wg sync.WaitGroup
	var stderrBuf bytes.Buffer
	var consumeErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		consumeErr = consume(stdoutPipe)
		// Keep draining if the consumer stopped early.
		io.Copy(io.Discard, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	stderr := stderrBuf.Bytes()

	if waitErr != nil {
		if ctx.Err() != nil {
			return stderr, fmt.Errorf("command failed: %w (%v)", waitErr, ctx.Err())
		}
		if len(stderr) > 0 {
			return stderr, fmt.Errorf("command failed: %w (stderr: %s)", waitErr, string(stderr))
		}
		return stderr, fmt.Errorf("command failed: %w", waitErr)
	}
	if consumeErr != nil {
		return stderr, fmt.Errorf("failed to read command output: %w", consumeErr)
	}
	return stderr, nil
}

// ProcessManager remembers every agent process group that is still running
// so a shutdown signal can take them all down at once.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd // pgid -> command
}

func NewProcessManager() *ProcessManager {
	return &ProcessManager{procs: make(map[int]*exec.Cmd)}
}

// Track registers a started command. Commands that never started are ignored.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	pm.procs[cmd.Process.Pid] = cmd
	pm.mu.Unlock()
}

// Untrack forgets cmd once it has been waited on.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	delete(pm.procs, cmd.Process.Pid)
	pm.mu.Unlock()
}

// KillAll sends SIGKILL to every tracked process group. Groups that already
// exited are not an error.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pgid := range pm.procs {
		if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			errs = append(errs, fmt.Errorf("killing process group %d: %w", pgid, err))
		}
	}
	return errors.Join(errs...)
}

// Count returns how many processes are tracked.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
