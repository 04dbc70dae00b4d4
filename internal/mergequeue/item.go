// Package mergequeue integrates finished branches into the mainline one at a
// time: rebase, test, merge, cleanup, with retry and bounded automatic
// conflict resolution.
package mergequeue

import (
	"time"
)

// Status is the integration state of a queue item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRebasing   Status = "rebasing"
	StatusTesting    Status = "testing"
	StatusMerging    Status = "merging"
	StatusComplete   Status = "complete"
	StatusConflict   Status = "conflict"
	StatusTestFailed Status = "test_failed"
)

// Failed reports whether the status is a retryable failure state.
func (s Status) Failed() bool {
	return s == StatusConflict || s == StatusTestFailed
}

// Active reports whether an item in this status is mid-pipeline.
func (s Status) Active() bool {
	return s == StatusRebasing || s == StatusTesting || s == StatusMerging
}

// Item is one branch's integration lifecycle.
type Item struct {
	ID      string `json:"id"`
	Branch  string `json:"branch"`
	StepID  string `json:"step_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	Status  Status `json:"status"`

	ModifiedFiles []string `json:"modified_files,omitempty"` // For pre-merge advisories
	ConflictFiles []string `json:"conflict_files,omitempty"` // Set on failure

	RetryCount     int        `json:"retry_count"`
	MaxRetries     *int       `json:"max_retries,omitempty"` // nil uses the queue default, 0 never retries
	NextRetryAfter *time.Time `json:"next_retry_after,omitempty"`
	OriginalError  string     `json:"original_error,omitempty"` // First failure, kept across retries
	Error          string     `json:"error,omitempty"`
	IsRetry        bool       `json:"is_retry"`

	StrategyUsed string        `json:"strategy_used,omitempty"`
	QueuedAt     time.Time     `json:"queued_at"`
	StartedAt    time.Time     `json:"started_at,omitempty"`
	CompletedAt  time.Time     `json:"completed_at,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
}

// EnqueueRequest describes a branch to integrate.
type EnqueueRequest struct {
	Branch        string
	StepID        string
	AgentID       string
	ModifiedFiles []string
	MaxRetries    *int // nil uses the queue default
}

func (i *Item) clone() *Item {
	cp := *i
	cp.ModifiedFiles = append([]string(nil), i.ModifiedFiles...)
	cp.ConflictFiles = append([]string(nil), i.ConflictFiles...)
	if i.NextRetryAfter != nil {
		t := *i.NextRetryAfter
		cp.NextRetryAfter = &t
	}
	if i.MaxRetries != nil {
		n := *i.MaxRetries
		cp.MaxRetries = &n
	}
	return &cp
}
