// Package resolve turns a file with textual merge conflicts into clean content.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/mergeflow/internal/backend"
)

var (
	// ErrNoResolver is returned when conflict resolution is disabled.
	ErrNoResolver = errors.New("no conflict resolver configured")
	// ErrResidualMarkers is returned when resolved content still carries conflict markers.
	ErrResidualMarkers = errors.New("resolved content still contains conflict markers")
)

// DefaultTimeout bounds a single resolution call.
const DefaultTimeout = 60 * time.Second

// Resolver resolves the conflicted content of one file.
type Resolver interface {
	Resolve(ctx context.Context, path, content string) (string, error)
}

// Func adapts a plain function to Resolver.
type Func func(ctx context.Context, path, content string) (string, error)

func (f Func) Resolve(ctx context.Context, path, content string) (string, error) {
	return f(ctx, path, content)
}

// None is a Resolver that always fails with ErrNoResolver.
var None Resolver = Func(func(context.Context, string, string) (string, error) {
	return "", ErrNoResolver
})

// HasConflictMarkers reports whether content contains any git conflict marker line.
func HasConflictMarkers(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		switch {
		case strings.HasPrefix(line, "<<<<<<< "), line == "<<<<<<<":
			return true
		case strings.HasPrefix(line, ">>>>>>> "), line == ">>>>>>>":
			return true
		case line == "=======":
			return true
		case strings.HasPrefix(line, "||||||| "):
			return true
		}
	}
	return false
}

// AgentResolver asks a coding agent to resolve conflicts, one file per request.
type AgentResolver struct {
	backend backend.Backend
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// Option configures an AgentResolver.
type Option func(*AgentResolver)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(r *AgentResolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *gobreaker.CircuitBreaker) Option {
	return func(r *AgentResolver) { r.breaker = cb }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *AgentResolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewAgentResolver wraps b. After three consecutive failures the breaker
// opens and resolution fails fast for a minute.
func NewAgentResolver(b backend.Backend, opts ...Option) *AgentResolver {
	r := &AgentResolver{
		backend: b,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.breaker == nil {
		logger := r.logger
		r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "conflict-resolver",
			Timeout: time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			},
		})
	}
	return r
}

// Resolve sends the conflicted file to the agent and validates the answer.
func (r *AgentResolver) Resolve(ctx context.Context, path, content string) (string, error) {
	if r.backend == nil {
		return "", ErrNoResolver
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.breaker.Execute(func() (interface{}, error) {
		resp, err := r.backend.Send(ctx, backend.Message{Content: Prompt(path, content), Role: "resolver"})
		if err != nil {
			return nil, err
		}
		resolved := StripFences(resp.Content)
		if HasConflictMarkers(resolved) {
			return nil, ErrResidualMarkers
		}
		return resolved, nil
	})
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}

	r.logger.Debug("resolved conflict", "file", path)
	return result.(string), nil
}

// Prompt builds the resolution request for one file.
func Prompt(path, content string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The file %s contains git merge conflict markers.\n", path)
	b.WriteString("Resolve every conflict so that the intent of both sides is kept.\n")
	b.WriteString("Reply with the complete resolved file content only, without explanation and without conflict markers.\n\n")
	b.WriteString(content)
	return b.String()
}

// StripFences removes a surrounding markdown code fence, if present.
func StripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 || strings.TrimSpace(lines[len(lines)-1]) != "```" {
		return s
	}
	return strings.Join(lines[1:len(lines)-1], "\n") + "\n"
}
