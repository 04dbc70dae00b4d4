package mergequeue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/mergeflow/internal/events"
	"github.com/aristath/mergeflow/internal/resolve"
	"github.com/aristath/mergeflow/internal/verify"
	"github.com/aristath/mergeflow/internal/worktree"
)

var (
	ErrQueueBusy          = errors.New("merge queue is already processing")
	ErrAlreadyQueued      = errors.New("branch is already queued")
	ErrNotFound           = errors.New("branch is not in the queue")
	ErrRecursionLimit     = errors.New("conflict resolution recursion limit exceeded")
	ErrUnresolvedConflict = errors.New("unresolved conflicts")
	ErrTestsFailed        = errors.New("tests failed")
	ErrNotRetryable       = errors.New("item is not in a failed state")
	ErrRetriesExhausted   = errors.New("retries exhausted")
	ErrItemActive         = errors.New("item is being processed")
)

// VCS is the version-control surface the queue drives. *worktree.Git
// implements it.
type VCS interface {
	CurrentBranch(dir string) (string, error)
	Checkout(dir, ref string) error
	Rebase(dir, onto string) error
	RebaseContinue(dir string) error
	RebaseAbort(dir string) error
	ConflictedFiles(dir string) ([]string, error)
	Add(dir string, files ...string) error
	Merge(dir, branch, message string, strategy worktree.MergeStrategy) (*worktree.MergeResult, error)
	DeleteBranch(dir, branch string) error
	ListWorktrees(dir string) ([]worktree.WorktreeInfo, error)
	RemoveWorktree(dir, path string) error
}

// TestRunner runs the test suite in a working directory.
type TestRunner interface {
	RunTests(ctx context.Context, dir string) (verify.Result, error)
}

// FileTracker supplies the files an agent touched.
type FileTracker interface {
	TouchedFiles(agentID string) []string
}

// Recorder persists attempts and batch statistics.
type Recorder interface {
	RecordItem(ctx context.Context, item Item) error
	RecordStats(ctx context.Context, runID string, stats Stats) error
}

// Config configures a Queue.
type Config struct {
	RepoPath        string // Shared checkout that merges land in
	MainBranch      string
	Retry           RetryPolicy
	TestRetries     int // Immediate re-runs of a failing test suite
	TestRetryDelay  time.Duration
	AutoResolve     bool
	MaxResolveDepth int
	Strategies      []worktree.MergeStrategy
	LockFile        string // Empty disables the cross-process lock
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{
		MainBranch:      "main",
		Retry:           DefaultRetryPolicy(),
		TestRetries:     2,
		TestRetryDelay:  2 * time.Second,
		AutoResolve:     true,
		MaxResolveDepth: 10,
		Strategies:      worktree.DefaultStrategies(),
	}
}

// Queue is a strictly serial merge queue.
type Queue struct {
	cfg      Config
	vcs      VCS
	tests    TestRunner
	resolver resolve.Resolver
	tracker  FileTracker
	recorder Recorder
	events   events.Publisher
	logger   *slog.Logger
	now      func() time.Time
	guard    *guard

	mu       sync.Mutex
	items    []*Item
	lifetime *statsCollector
}

// Option configures a Queue.
type Option func(*Queue)

// WithTestRunner sets the test collaborator. Without one, tests always pass.
func WithTestRunner(r TestRunner) Option {
	return func(q *Queue) { q.tests = r }
}

// WithResolver sets the conflict resolver used during rebases.
func WithResolver(r resolve.Resolver) Option {
	return func(q *Queue) { q.resolver = r }
}

// WithFileTracker fills ModifiedFiles on enqueue when the request has none.
func WithFileTracker(t FileTracker) Option {
	return func(q *Queue) { q.tracker = t }
}

// WithRecorder persists attempts and stats.
func WithRecorder(r Recorder) Option {
	return func(q *Queue) { q.recorder = r }
}

// WithPublisher publishes queue events.
func WithPublisher(p events.Publisher) Option {
	return func(q *Queue) { q.events = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a queue operating on cfg.RepoPath through vcs.
func New(cfg Config, vcs VCS, opts ...Option) (*Queue, error) {
	if vcs == nil {
		return nil, errors.New("merge queue requires a VCS")
	}
	if cfg.RepoPath == "" {
		return nil, errors.New("merge queue requires a repository path")
	}
	if cfg.MainBranch == "" {
		cfg.MainBranch = "main"
	}
	if cfg.MaxResolveDepth <= 0 {
		cfg.MaxResolveDepth = 10
	}
	if len(cfg.Strategies) == 0 {
		cfg.Strategies = worktree.DefaultStrategies()
	}
	if cfg.TestRetries < 0 {
		cfg.TestRetries = 0
	}

	q := &Queue{
		cfg:      cfg,
		vcs:      vcs,
		resolver: resolve.None,
		logger:   slog.Default(),
		now:      time.Now,
		guard:    newGuard(cfg.LockFile),
		lifetime: newStatsCollector(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "mergequeue")
	return q, nil
}

// Enqueue adds a branch in pending state.
func (q *Queue) Enqueue(req EnqueueRequest) (Item, error) {
	branch := strings.TrimSpace(req.Branch)
	if branch == "" {
		return Item{}, errors.New("branch is required")
	}

	files := req.ModifiedFiles
	if len(files) == 0 && q.tracker != nil && req.AgentID != "" {
		files = q.tracker.TouchedFiles(req.AgentID)
	}

	q.mu.Lock()
	if q.find(branch) != nil {
		q.mu.Unlock()
		return Item{}, fmt.Errorf("%w: %s", ErrAlreadyQueued, branch)
	}
	item := &Item{
		ID:            uuid.NewString(),
		Branch:        branch,
		StepID:        req.StepID,
		AgentID:       req.AgentID,
		Status:        StatusPending,
		ModifiedFiles: append([]string(nil), files...),
		MaxRetries:    req.MaxRetries,
		QueuedAt:      q.now(),
	}
	q.items = append(q.items, item)
	snap := *item.clone()
	q.mu.Unlock()

	q.logger.Info("branch enqueued", "branch", branch, "item", item.ID, "files", len(files))
	q.emit(events.EventTypeQueueEnqueued, &snap)
	return snap, nil
}

// Get returns a snapshot of the live item for branch.
func (q *Queue) Get(branch string) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item := q.find(branch)
	if item == nil {
		return Item{}, fmt.Errorf("%w: %s", ErrNotFound, branch)
	}
	return *item.clone(), nil
}

// Items returns snapshots of every live item in queue order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, *item.clone())
	}
	return out
}

// Pending returns snapshots of items waiting to be processed.
func (q *Queue) Pending() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Item
	for _, item := range q.items {
		if item.Status == StatusPending {
			out = append(out, *item.clone())
		}
	}
	return out
}

// Retry forces a failed item back to pending, skipping the backoff wait.
// Exhausted items stay failed.
func (q *Queue) Retry(branch string) (Item, error) {
	q.mu.Lock()
	item := q.find(branch)
	if item == nil {
		q.mu.Unlock()
		return Item{}, fmt.Errorf("%w: %s", ErrNotFound, branch)
	}
	if !item.Status.Failed() {
		q.mu.Unlock()
		return Item{}, fmt.Errorf("%w: %s is %s", ErrNotRetryable, branch, item.Status)
	}
	if item.RetryCount >= q.cfg.Retry.MaxFor(item) {
		q.mu.Unlock()
		return Item{}, fmt.Errorf("%w: %s after %d attempts", ErrRetriesExhausted, branch, item.RetryCount)
	}
	delay := q.cfg.Retry.PrepareForRetry(item, q.now())
	snap := *item.clone()
	q.mu.Unlock()

	q.logger.Info("retry requested", "branch", branch, "retry", snap.RetryCount, "next_delay", delay)
	q.emit(events.EventTypeQueueRetry, &snap)
	return snap, nil
}

// Clear removes an item that is not currently being processed.
func (q *Queue) Clear(branch string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.Branch != branch {
			continue
		}
		if item.Status.Active() {
			return fmt.Errorf("%w: %s", ErrItemActive, branch)
		}
		q.items = append(q.items[:i], q.items[i+1:]...)
		q.logger.Info("item cleared", "branch", branch, "status", item.Status)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotFound, branch)
}

// Conflicts returns every advisory overlap between pending items, one record
// per pair.
func (q *Queue) Conflicts() []Conflict {
	q.mu.Lock()
	defer q.mu.Unlock()

	var pending []*Item
	for _, item := range q.items {
		if item.Status == StatusPending {
			pending = append(pending, item)
		}
	}
	var out []Conflict
	for i, item := range pending {
		out = append(out, DetectConflicts(item, pending[i+1:])...)
	}
	return out
}

// Stats returns statistics accumulated over the queue's lifetime.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lifetime.snapshot()
}

// Counts returns the number of live items per status.
func (q *Queue) Counts() map[Status]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make(map[Status]int)
	for _, item := range q.items {
		counts[item.Status]++
	}
	return counts
}

// find returns the live item for branch. Caller holds q.mu.
func (q *Queue) find(branch string) *Item {
	for _, item := range q.items {
		if item.Branch == branch {
			return item
		}
	}
	return nil
}

// nextPending returns the earliest-queued pending item.
func (q *Queue) nextPending() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	var next *Item
	for _, item := range q.items {
		if item.Status != StatusPending {
			continue
		}
		if next == nil || item.QueuedAt.Before(next.QueuedAt) {
			next = item
		}
	}
	return next
}

// retryable returns failed items eligible for an automatic retry at now,
// in queue order.
func (q *Queue) retryable(now time.Time) []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Item
	for _, item := range q.items {
		if item.Status.Failed() && q.cfg.Retry.CanRetry(item, now) {
			out = append(out, item)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out
}

// mutate applies fn to item under the queue lock.
func (q *Queue) mutate(item *Item, fn func(*Item)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	fn(item)
}

// remove drops item from the live queue.
func (q *Queue) remove(item *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it == item {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

func (q *Queue) snapshot(item *Item) Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return *item.clone()
}

func (q *Queue) emit(typ string, item *Item) {
	ev := events.QueueItemEvent{
		Type:       typ,
		ItemID:     item.ID,
		Branch:     item.Branch,
		StepID:     item.StepID,
		Status:     string(item.Status),
		RetryCount: item.RetryCount,
		Strategy:   item.StrategyUsed,
		Error:      item.Error,
		Timestamp:  q.now(),
	}
	if item.NextRetryAfter != nil {
		ev.RetryAfter = *item.NextRetryAfter
	}
	events.Emit(q.events, ev)
}
