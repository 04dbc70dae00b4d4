// Package backend invokes external coding-agent CLIs and decodes their output.
package backend

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownType is returned by New for a backend type it cannot start.
var ErrUnknownType = errors.New("unknown backend type")

// Backend is one agent session. Send runs a single turn; a Backend is not
// safe for concurrent Sends.
type Backend interface {
	Send(ctx context.Context, msg Message) (Response, error)
	Close() error
	SessionID() string
}

// Supported reports whether New can build a backend of type typ. The empty
// type selects claude.
func Supported(typ string) bool {
	switch typ {
	case "", "claude":
		return true
	}
	return false
}

// New builds the adapter for cfg.Type. pm may be nil, in which case the
// spawned processes are not tracked.
func New(cfg Config, pm *ProcessManager, opts ...ClaudeOption) (Backend, error) {
	if !Supported(cfg.Type) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, cfg.Type)
	}
	return NewClaudeAdapter(cfg, pm, opts...)
}
