package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	// Subject identifies what the event is about: a task ID or a branch.
	Subject() string
}

// Topic constants
const (
	TopicTask     = "task"
	TopicSchedule = "schedule"
	TopicQueue    = "queue"
)

// Event type constants
const (
	EventTypeTaskStarted    = "task.started"
	EventTypeTaskCompleted  = "task.completed"
	EventTypeTaskFailed     = "task.failed"
	EventTypeBatchScheduled = "schedule.batch"
	EventTypeQueueEnqueued  = "queue.enqueued"
	EventTypeQueueStarted   = "queue.started"
	EventTypeQueueCompleted = "queue.completed"
	EventTypeQueueFailed    = "queue.failed"
	EventTypeQueueRetry     = "queue.retry"
	EventTypeQueueStats     = "queue.stats"
)

// TaskStartedEvent is published when an agent begins work on a task.
type TaskStartedEvent struct {
	ID        string
	Branch    string
	AgentRole string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) Subject() string   { return e.ID }

// TaskCompletedEvent is published when an agent finished and its branch was queued.
type TaskCompletedEvent struct {
	ID           string
	TouchedFiles []string
	Duration     time.Duration
	Timestamp    time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) Subject() string   { return e.ID }

// TaskFailedEvent is published when a task fails before reaching the queue.
type TaskFailedEvent struct {
	ID        string
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) Subject() string   { return e.ID }

// BatchScheduledEvent is published when the scheduler picks a parallel set.
type BatchScheduledEvent struct {
	TaskIDs           []string
	ParallelismScore  float64
	RiskLevel         string
	EstimatedDuration time.Duration
	Ready             int
	Timestamp         time.Time
}

func (e BatchScheduledEvent) EventType() string { return EventTypeBatchScheduled }
func (e BatchScheduledEvent) Subject() string   { return "" }

// QueueItemEvent reports a merge queue item transition. Type is one of the
// EventTypeQueue* constants.
type QueueItemEvent struct {
	Type       string
	ItemID     string
	Branch     string
	StepID     string
	Status     string
	RetryCount int
	Strategy   string
	Error      string
	RetryAfter time.Time
	Timestamp  time.Time
}

func (e QueueItemEvent) EventType() string { return e.Type }
func (e QueueItemEvent) Subject() string   { return e.Branch }

// QueueStatsEvent carries aggregate statistics after a batch or retry sweep.
type QueueStatsEvent struct {
	Processed        int
	Succeeded        int
	Failed           int
	AverageDuration  time.Duration
	StrategyCounts   map[string]int
	RetrySuccessRate float64
	Timestamp        time.Time
}

func (e QueueStatsEvent) EventType() string { return EventTypeQueueStats }
func (e QueueStatsEvent) Subject() string   { return "" }
