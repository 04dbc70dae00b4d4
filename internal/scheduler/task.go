package scheduler

import (
	"path/filepath"
	"strings"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"     // Waiting to be scheduled
	TaskInProgress TaskStatus = "in_progress" // An agent is working on it
	TaskComplete   TaskStatus = "complete"    // Merged into mainline
	TaskFailed     TaskStatus = "failed"      // Execution or integration failed
	TaskBlocked    TaskStatus = "blocked"     // Waiting on prerequisites
	TaskDecomposed TaskStatus = "decomposed"  // Replaced by its subtasks
	TaskCanceled   TaskStatus = "canceled"
	TaskObsolete   TaskStatus = "obsolete"
)

// Complexity tags recognised on Task.Tags.
const (
	ComplexityLow    = "low"
	ComplexityMedium = "medium"
	ComplexityHigh   = "high"
)

// Task represents one schedulable unit of agent work.
type Task struct {
	ID           string     `json:"id" yaml:"id"`
	Objective    string     `json:"objective" yaml:"objective"`
	Status       TaskStatus `json:"status" yaml:"status"`
	Priority     int        `json:"priority" yaml:"priority"` // Lower runs first
	AgentRole    string     `json:"agent_role,omitempty" yaml:"agent_role,omitempty"`
	DependsOn    []string   `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Conflicts    []string   `json:"conflicts,omitempty" yaml:"conflicts,omitempty"` // Explicit mutual exclusion
	Packages     []string   `json:"packages,omitempty" yaml:"packages,omitempty"`
	TouchedFiles []string   `json:"touched_files,omitempty" yaml:"touched_files,omitempty"`
	RiskScore    float64    `json:"risk_score,omitempty" yaml:"risk_score,omitempty"` // 0..1
	Tags         []string   `json:"tags,omitempty" yaml:"tags,omitempty"`
	IsDecomposed bool       `json:"is_decomposed,omitempty" yaml:"is_decomposed,omitempty"`
	SubtaskIDs   []string   `json:"subtask_ids,omitempty" yaml:"subtask_ids,omitempty"`
	ParentID     string     `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	Error        string     `json:"error,omitempty" yaml:"error,omitempty"` // Last failure reason
}

// Schedulable reports whether the task may ever be handed to an agent directly.
// Decomposed parents never are; their subtasks run instead.
func (t *Task) Schedulable() bool {
	return !t.IsDecomposed && t.Status != TaskDecomposed
}

// Complexity returns the task's complexity tag, defaulting to medium.
// Both "high" and "complexity:high" forms are accepted.
func (t *Task) Complexity() string {
	for _, tag := range t.Tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		tag = strings.TrimPrefix(tag, "complexity:")
		switch tag {
		case ComplexityLow, ComplexityMedium, ComplexityHigh:
			return tag
		}
	}
	return ComplexityMedium
}

// DurationEstimates maps a complexity tag to an expected execution time.
type DurationEstimates map[string]time.Duration

// DefaultDurationEstimates returns the built-in complexity durations.
func DefaultDurationEstimates() DurationEstimates {
	return DurationEstimates{
		ComplexityLow:    15 * time.Minute,
		ComplexityMedium: 30 * time.Minute,
		ComplexityHigh:   45 * time.Minute,
	}
}

// For returns the estimate for a task, falling back to the medium estimate.
func (d DurationEstimates) For(t *Task) time.Duration {
	if est, ok := d[t.Complexity()]; ok {
		return est
	}
	return DefaultDurationEstimates()[ComplexityMedium]
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	cp.DependsOn = cloneStrings(task.DependsOn)
	cp.Conflicts = cloneStrings(task.Conflicts)
	cp.Packages = cloneStrings(task.Packages)
	cp.TouchedFiles = cloneStrings(task.TouchedFiles)
	cp.Tags = cloneStrings(task.Tags)
	cp.SubtaskIDs = cloneStrings(task.SubtaskIDs)
	return &cp
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// normalizePath makes file paths comparable across tasks and worktrees.
func normalizePath(p string) string {
	return filepath.ToSlash(filepath.Clean(strings.TrimSpace(p)))
}
