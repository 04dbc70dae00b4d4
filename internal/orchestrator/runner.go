// Package orchestrator drives rounds of parallel agent work: it asks the
// scheduler for a safe batch, runs each task in its own worktree, queues the
// resulting branches and feeds merge outcomes back into task status.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/mergeflow/internal/backend"
	"github.com/aristath/mergeflow/internal/events"
	"github.com/aristath/mergeflow/internal/mergequeue"
	"github.com/aristath/mergeflow/internal/scheduler"
	"github.com/aristath/mergeflow/internal/worktree"
)

// MaxParallel is the hard ceiling on concurrently running agents.
const MaxParallel = 5

// TaskStore is the task source and status sink.
type TaskStore interface {
	ListTasks(ctx context.Context) ([]*scheduler.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status scheduler.TaskStatus, reason string) error
	SaveSession(ctx context.Context, taskID, sessionID, backendType string) error
}

// ConversationLog is implemented by stores that keep the prompt and reply of
// each agent run. The runner uses it when the TaskStore provides it.
type ConversationLog interface {
	SaveMessage(ctx context.Context, taskID, role, content string) error
}

// Workspace creates and removes per-task worktrees. *worktree.WorktreeManager
// implements it.
type Workspace interface {
	Create(taskID string) (*worktree.WorktreeInfo, error)
	Commit(info *worktree.WorktreeInfo, message string) error
	ChangedFiles(info *worktree.WorktreeInfo) ([]string, error)
	Cleanup(info *worktree.WorktreeInfo) error
	Prune() error
}

// Integrator is the merge queue. *mergequeue.Queue implements it.
type Integrator interface {
	Enqueue(req mergequeue.EnqueueRequest) (mergequeue.Item, error)
	ProcessAll(ctx context.Context) (*mergequeue.BatchResult, error)
}

// FileWatcher records files written under a worktree on behalf of a task.
// *tracker.Watcher implements it.
type FileWatcher interface {
	Add(agentID, root string) error
	Remove(agentID string)
}

// BackendFactory creates the agent backend for a task running in workDir.
type BackendFactory func(task *scheduler.Task, workDir string) (backend.Backend, error)

// Config configures a Runner.
type Config struct {
	MaxParallel int         // Clamped to 1..MaxParallel
	BackendType string      // Circuit breaker key
	Retry       RetryConfig // Agent send retry
	MaxRounds   int         // 0 means until no task is ready

	// PackageLocks also serializes tasks that share a package while their
	// agents run. Off by default: package overlap is compatible.
	PackageLocks bool
}

// Summary reports a finished run.
type Summary struct {
	Rounds    int
	Completed []string
	Failed    map[string]string // task ID -> reason
	Stats     mergequeue.Stats  // Accumulated over every queue drain
}

// Runner executes scheduled task batches.
type Runner struct {
	cfg       Config
	store     TaskStore
	scheduler *scheduler.Scheduler
	workspace Workspace
	queue     Integrator
	backends  BackendFactory
	locks     *scheduler.ResourceLockManager
	breakers  *CircuitBreakerRegistry
	watcher   FileWatcher
	events    events.Publisher
	logger    *slog.Logger
	now       func() time.Time

	// Every branch this runner queued, so a failed item that a later sweep
	// merges still completes its task.
	mu       sync.Mutex
	branches map[string]*worktree.WorktreeInfo
}

// Option configures a Runner.
type Option func(*Runner)

// WithWatcher attaches a file watcher to every task worktree.
func WithWatcher(w FileWatcher) Option {
	return func(r *Runner) { r.watcher = w }
}

// WithPublisher publishes task and batch events.
func WithPublisher(p events.Publisher) Option {
	return func(r *Runner) { r.events = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithLockManager shares a lock manager between runners.
func WithLockManager(m *scheduler.ResourceLockManager) Option {
	return func(r *Runner) { r.locks = m }
}

// WithBreakers shares a circuit breaker registry between runners.
func WithBreakers(b *CircuitBreakerRegistry) Option {
	return func(r *Runner) { r.breakers = b }
}

// NewRunner wires a runner. All collaborators are required.
func NewRunner(cfg Config, store TaskStore, sched *scheduler.Scheduler, ws Workspace, queue Integrator, backends BackendFactory, opts ...Option) (*Runner, error) {
	switch {
	case store == nil:
		return nil, errors.New("runner requires a task store")
	case sched == nil:
		return nil, errors.New("runner requires a scheduler")
	case ws == nil:
		return nil, errors.New("runner requires a workspace")
	case queue == nil:
		return nil, errors.New("runner requires a merge queue")
	case backends == nil:
		return nil, errors.New("runner requires a backend factory")
	}

	cfg.MaxParallel = clampParallel(cfg.MaxParallel)
	if cfg.BackendType == "" {
		cfg.BackendType = "claude"
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}

	r := &Runner{
		cfg:       cfg,
		store:     store,
		scheduler: sched,
		workspace: ws,
		queue:     queue,
		backends:  backends,
		locks:     scheduler.NewResourceLockManager(),
		logger:    slog.Default(),
		now:       time.Now,
		branches:  make(map[string]*worktree.WorktreeInfo),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "runner")
	if r.breakers == nil {
		r.breakers = NewCircuitBreakerRegistry(r.logger)
	}
	return r, nil
}

func clampParallel(n int) int {
	switch {
	case n < 1:
		return 1
	case n > MaxParallel:
		return MaxParallel
	default:
		return n
	}
}

// Run executes rounds until no task is ready or ctx is canceled. Each round
// runs one batch in parallel, then drains the merge queue.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{Failed: make(map[string]string), Stats: mergequeue.Stats{StrategyCounts: map[string]int{}}}

	if err := r.workspace.Prune(); err != nil {
		r.logger.Warn("failed to prune stale worktrees", "error", err)
	}
	if err := r.resetStale(ctx); err != nil {
		return summary, err
	}

	for ctx.Err() == nil {
		if r.cfg.MaxRounds > 0 && summary.Rounds >= r.cfg.MaxRounds {
			break
		}

		tasks, err := r.store.ListTasks(ctx)
		if err != nil {
			return summary, fmt.Errorf("list tasks: %w", err)
		}
		batch := r.scheduler.NextBatch(tasks, r.cfg.MaxParallel)
		if batch == nil || len(batch.Tasks) == 0 {
			r.logger.Info("no ready tasks, stopping", "rounds", summary.Rounds)
			break
		}
		summary.Rounds++
		r.announce(batch, tasks)

		if err := r.runRound(ctx, batch, summary); err != nil {
			return summary, err
		}
	}

	if summary.Stats.Processed > 0 {
		summary.Stats.RetrySuccessRate = rate(summary.Stats.RetrySuccesses, summary.Stats.RetryAttempts)
	}
	return summary, ctx.Err()
}

// resetStale returns tasks left in progress by an interrupted run to pending.
func (r *Runner) resetStale(ctx context.Context) error {
	tasks, err := r.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	for _, t := range tasks {
		if t.Status != scheduler.TaskInProgress {
			continue
		}
		r.logger.Info("resetting interrupted task", "task", t.ID)
		if err := r.store.UpdateTaskStatus(ctx, t.ID, scheduler.TaskPending, ""); err != nil {
			return fmt.Errorf("reset task %s: %w", t.ID, err)
		}
	}
	return nil
}

func (r *Runner) announce(batch *scheduler.TaskSet, tasks []*scheduler.Task) {
	ready := 0
	for _, t := range tasks {
		if t.Status == scheduler.TaskPending {
			ready++
		}
	}
	r.logger.Info("batch scheduled",
		"tasks", strings.Join(batch.IDs(), ","),
		"parallelism", batch.ParallelismScore,
		"risk", batch.RiskLevel,
		"estimated_duration", batch.EstimatedDuration,
	)
	events.Emit(r.events, events.BatchScheduledEvent{
		TaskIDs:           batch.IDs(),
		ParallelismScore:  batch.ParallelismScore,
		RiskLevel:         string(batch.RiskLevel),
		EstimatedDuration: batch.EstimatedDuration,
		Ready:             ready,
		Timestamp:         r.now(),
	})
}

// runRound executes the batch, then integrates every queued branch.
func (r *Runner) runRound(ctx context.Context, batch *scheduler.TaskSet, summary *Summary) error {
	var (
		roundMu sync.Mutex
		queued  = make(map[string]*worktree.WorktreeInfo)
	)

	var g errgroup.Group
	g.SetLimit(r.cfg.MaxParallel)
	for _, task := range batch.Tasks {
		g.Go(func() error {
			info, err := r.executeTask(ctx, task)
			roundMu.Lock()
			defer roundMu.Unlock()
			if err != nil {
				summary.Failed[task.ID] = err.Error()
				return nil
			}
			queued[info.Branch] = info
			return nil
		})
	}
	_ = g.Wait()

	if len(queued) == 0 {
		return nil
	}
	r.mu.Lock()
	for b, info := range queued {
		r.branches[b] = info
	}
	r.mu.Unlock()
	if ctx.Err() != nil {
		// Queued branches stay in progress and are reset on the next run.
		return ctx.Err()
	}

	res, err := r.queue.ProcessAll(ctx)
	if err != nil && res == nil {
		return fmt.Errorf("process merge queue: %w", err)
	}
	r.applyResults(ctx, res, queued, summary)
	return err
}

// applyResults maps each branch's final merge attempt onto its task. A
// branch queued this round that the queue never reached fails its task.
func (r *Runner) applyResults(ctx context.Context, res *mergequeue.BatchResult, queued map[string]*worktree.WorktreeInfo, summary *Summary) {
	final := make(map[string]mergequeue.Item)
	for _, item := range res.Items {
		final[item.Branch] = item
	}
	mergeStats(&summary.Stats, res.Stats)

	r.mu.Lock()
	owners := make(map[string]*worktree.WorktreeInfo, len(final))
	for branch := range final {
		if info, ok := r.branches[branch]; ok {
			owners[branch] = info
		}
	}
	r.mu.Unlock()
	for branch, info := range queued {
		owners[branch] = info
	}

	branches := make([]string, 0, len(owners))
	for b := range owners {
		branches = append(branches, b)
	}
	sort.Strings(branches)

	for _, branch := range branches {
		info := owners[branch]
		taskID := info.TaskID
		item, ok := final[branch]
		switch {
		case !ok:
			r.setStatus(ctx, taskID, scheduler.TaskFailed, "branch was not processed by the merge queue")
			summary.Failed[taskID] = "not processed"
		case item.Status == mergequeue.StatusComplete:
			r.setStatus(ctx, taskID, scheduler.TaskComplete, "")
			delete(summary.Failed, taskID)
			summary.Completed = append(summary.Completed, taskID)
			r.forget(info)
		default:
			reason := fmt.Sprintf("merge %s: %s", item.Status, item.Error)
			r.setStatus(ctx, taskID, scheduler.TaskFailed, reason)
			summary.Failed[taskID] = reason
		}
	}
}

// forget removes a merged task's worktree and branch.
func (r *Runner) forget(info *worktree.WorktreeInfo) {
	r.mu.Lock()
	delete(r.branches, info.Branch)
	r.mu.Unlock()
	if err := r.workspace.Cleanup(info); err != nil {
		r.logger.Warn("failed to clean up merged worktree", "task", info.TaskID, "error", err)
	}
}

// executeTask runs one agent in a fresh worktree and queues its branch.
func (r *Runner) executeTask(ctx context.Context, task *scheduler.Task) (*worktree.WorktreeInfo, error) {
	start := r.now()
	log := r.logger.With("task", task.ID)

	if err := ctx.Err(); err != nil {
		return nil, r.failTask(ctx, task, start, nil, fmt.Errorf("canceled before execution: %w", err))
	}
	r.setStatus(ctx, task.ID, scheduler.TaskInProgress, "")

	info, err := r.workspace.Create(task.ID)
	if err != nil {
		return nil, r.failTask(ctx, task, start, nil, fmt.Errorf("create worktree: %w", err))
	}
	events.Emit(r.events, events.TaskStartedEvent{ID: task.ID, Branch: info.Branch, AgentRole: task.AgentRole, Timestamp: r.now()})

	if r.watcher != nil {
		if err := r.watcher.Add(task.ID, info.Path); err != nil {
			log.Warn("failed to watch worktree", "path", info.Path, "error", err)
		}
		defer r.watcher.Remove(task.ID)
	}

	release := r.locks.LockTask(task, r.cfg.PackageLocks)
	defer release()

	b, err := r.backends(task, info.Path)
	if err != nil {
		return nil, r.failTask(ctx, task, start, info, fmt.Errorf("create backend: %w", err))
	}
	defer b.Close()

	log.Info("sending task to agent", "worktree", info.Path)
	msg := backend.Message{Content: Prompt(task), Role: "user"}
	resp, err := sendWithRetry(ctx, b, msg, r.breakers.Get(r.cfg.BackendType), r.cfg.Retry, log)
	if sid := b.SessionID(); sid != "" {
		if serr := r.store.SaveSession(ctx, task.ID, sid, r.cfg.BackendType); serr != nil {
			log.Warn("failed to save session", "error", serr)
		}
	}
	r.logConversation(ctx, task.ID, msg, resp)
	if err != nil {
		return nil, r.failTask(ctx, task, start, info, fmt.Errorf("agent: %w", err))
	}

	if err := r.workspace.Commit(info, fmt.Sprintf("%s: %s", task.ID, firstLine(task.Objective))); err != nil {
		return nil, r.failTask(ctx, task, start, info, fmt.Errorf("commit: %w", err))
	}
	changed, err := r.workspace.ChangedFiles(info)
	if err != nil {
		log.Warn("failed to list changed files", "error", err)
	}
	files := union(changed, resp.TouchedFiles)

	if _, err := r.queue.Enqueue(mergequeue.EnqueueRequest{
		Branch:        info.Branch,
		StepID:        task.ID,
		AgentID:       task.ID,
		ModifiedFiles: files,
	}); err != nil {
		return nil, r.failTask(ctx, task, start, info, fmt.Errorf("enqueue: %w", err))
	}

	log.Info("task finished, branch queued", "branch", info.Branch, "files", len(files), "turns", resp.NumTurns)
	events.Emit(r.events, events.TaskCompletedEvent{ID: task.ID, TouchedFiles: files, Duration: r.now().Sub(start), Timestamp: r.now()})
	return info, nil
}

// failTask marks the task failed and removes its worktree, if any.
func (r *Runner) failTask(ctx context.Context, task *scheduler.Task, start time.Time, info *worktree.WorktreeInfo, err error) error {
	r.logger.Warn("task failed", "task", task.ID, "error", err)
	if info != nil {
		if cerr := r.workspace.Cleanup(info); cerr != nil {
			r.logger.Warn("failed to clean up worktree", "task", task.ID, "error", cerr)
		}
	}
	r.setStatus(context.WithoutCancel(ctx), task.ID, scheduler.TaskFailed, err.Error())
	events.Emit(r.events, events.TaskFailedEvent{ID: task.ID, Err: err, Duration: r.now().Sub(start), Timestamp: r.now()})
	return err
}

func (r *Runner) setStatus(ctx context.Context, taskID string, status scheduler.TaskStatus, reason string) {
	if err := r.store.UpdateTaskStatus(ctx, taskID, status, reason); err != nil {
		r.logger.Error("failed to update task status", "task", taskID, "status", status, "error", err)
	}
}

func (r *Runner) logConversation(ctx context.Context, taskID string, msg backend.Message, resp backend.Response) {
	cl, ok := r.store.(ConversationLog)
	if !ok {
		return
	}
	if err := cl.SaveMessage(ctx, taskID, msg.Role, msg.Content); err != nil {
		r.logger.Warn("failed to save prompt", "task_id", taskID, "error", err)
		return
	}
	if resp.Content == "" {
		return
	}
	if err := cl.SaveMessage(ctx, taskID, "assistant", resp.Content); err != nil {
		r.logger.Warn("failed to save reply", "task_id", taskID, "error", err)
	}
}

// Prompt renders the instruction sent to the agent for a task.
func Prompt(task *scheduler.Task) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(task.Objective))
	if len(task.TouchedFiles) > 0 {
		fmt.Fprintf(&b, "\n\nFiles likely involved:\n- %s", strings.Join(task.TouchedFiles, "\n- "))
	}
	b.WriteString("\n\nWork only inside the current directory. Do not commit; your changes are committed for you.")
	return b.String()
}

func mergeStats(into *mergequeue.Stats, s mergequeue.Stats) {
	total := into.AverageDuration*time.Duration(into.Succeeded) + s.AverageDuration*time.Duration(s.Succeeded)
	into.Processed += s.Processed
	into.Succeeded += s.Succeeded
	into.Failed += s.Failed
	into.RetryAttempts += s.RetryAttempts
	into.RetrySuccesses += s.RetrySuccesses
	if into.Succeeded > 0 {
		into.AverageDuration = total / time.Duration(into.Succeeded)
	}
	for k, v := range s.StrategyCounts {
		into.StrategyCounts[k] += v
	}
}

func rate(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, f := range list {
			if f != "" && !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	sort.Strings(out)
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 72 {
		s = s[:72]
	}
	return s
}
