package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ClaudeAdapter implements the Backend interface for the Claude Code CLI.
// Each Send runs one CLI invocation in stream-json mode; the session is
// carried across calls with --session-id / --resume.
type ClaudeAdapter struct {
	command         string
	sessionID       string
	workDir         string
	model           string
	systemPrompt    string
	allowedTools    []string
	skipPermissions bool
	extraArgs       []string
	procMgr         *ProcessManager
	observer        func(StreamEvent)

	mu      sync.Mutex
	started bool
}

// ClaudeOption configures a ClaudeAdapter.
type ClaudeOption func(*ClaudeAdapter)

// WithObserver receives every stream event as it is decoded.
func WithObserver(fn func(StreamEvent)) ClaudeOption {
	return func(a *ClaudeAdapter) { a.observer = fn }
}

// NewClaudeAdapter creates a new Claude Code backend adapter.
// If cfg.SessionID is empty a new UUID is generated.
// The ProcessManager is optional; with nil, subprocesses aren't tracked.
func NewClaudeAdapter(cfg Config, procMgr *ProcessManager, opts ...ClaudeOption) (*ClaudeAdapter, error) {
	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
	}

	command := cfg.Command
	if command == "" {
		command = "claude"
	}

	a := &ClaudeAdapter{
		command:         command,
		sessionID:       sessionID,
		workDir:         workDir,
		model:           cfg.Model,
		systemPrompt:    cfg.SystemPrompt,
		allowedTools:    cfg.AllowedTools,
		skipPermissions: cfg.SkipPermissions,
		extraArgs:       cfg.ExtraArgs,
		procMgr:         procMgr,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Send runs the CLI with msg and returns the assembled response.
func (a *ClaudeAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cmd := newCommand(ctx, a.command, a.buildArgs(msg, a.started)...)
	cmd.Dir = a.workDir

	var resp Response
	var parseErr error
	stderr, err := streamCommand(ctx, cmd, a.procMgr, func(r io.Reader) error {
		resp, parseErr = ParseStream(r, a.observer)
		return nil
	})
	if err != nil {
		return Response{Error: fmt.Sprintf("claude command failed: %v", err)}, err
	}
	if parseErr != nil {
		return Response{
			Error: fmt.Sprintf("failed to parse claude stream: %v (stderr: %s)", parseErr, strings.TrimSpace(string(stderr))),
		}, parseErr
	}
	if resp.SessionID == "" {
		resp.SessionID = a.sessionID
	}

	a.started = true

	if resp.IsError {
		return resp, fmt.Errorf("claude reported an error: %s", resp.Error)
	}
	return resp, nil
}

// Close is a no-op (subprocess-per-invocation model).
func (a *ClaudeAdapter) Close() error {
	return nil
}

// SessionID returns the current session identifier.
func (a *ClaudeAdapter) SessionID() string {
	return a.sessionID
}

// buildArgs constructs the CLI arguments. The first call in a session uses
// --session-id, later calls --resume.
func (a *ClaudeAdapter) buildArgs(msg Message, isResume bool) []string {
	args := []string{"-p", msg.Content, "--output-format", "stream-json", "--verbose"}

	if isResume {
		args = append(args, "--resume", a.sessionID)
	} else {
		args = append(args, "--session-id", a.sessionID)
	}

	if a.model != "" {
		args = append(args, "--model", a.model)
	}
	if a.systemPrompt != "" {
		args = append(args, "--system-prompt", a.systemPrompt)
	}
	if len(a.allowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(a.allowedTools, ","))
	}
	if a.skipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}

	return append(args, a.extraArgs...)
}
