package mergequeue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/aristath/mergeflow/internal/events"
	"github.com/aristath/mergeflow/internal/resolve"
	"github.com/aristath/mergeflow/internal/verify"
	"github.com/aristath/mergeflow/internal/worktree"
)

// BatchResult summarizes one ProcessAll run.
type BatchResult struct {
	RunID string
	Items []Item // Every attempt, in processing order
	Stats Stats
}

// ProcessAll drains the queue: each pending item is processed in queue order
// and every success triggers a retry sweep. A failing item never stops the
// batch. Cancellation is honored between items.
func (q *Queue) ProcessAll(ctx context.Context) (*BatchResult, error) {
	release, err := q.guard.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	result := &BatchResult{RunID: uuid.NewString()}
	batch := newStatsCollector()

	for ctx.Err() == nil {
		item := q.nextPending()
		if item == nil {
			break
		}
		ok := q.processAndRecord(ctx, item, batch, result)
		if ok {
			q.sweep(ctx, batch, result)
		}
	}

	result.Stats = batch.snapshot()
	q.reportStats(ctx, "batch finished", result.RunID, result.Stats)
	return result, ctx.Err()
}

// Process runs one pending item for branch through the pipeline.
func (q *Queue) Process(ctx context.Context, branch string) (Item, error) {
	release, err := q.guard.acquire()
	if err != nil {
		return Item{}, err
	}
	defer release()

	q.mu.Lock()
	item := q.find(branch)
	q.mu.Unlock()
	if item == nil {
		return Item{}, fmt.Errorf("%w: %s", ErrNotFound, branch)
	}
	if s := q.snapshot(item).Status; s != StatusPending {
		return Item{}, fmt.Errorf("cannot process %s: status is %s", branch, s)
	}

	result := &BatchResult{}
	q.processAndRecord(ctx, item, newStatsCollector(), result)
	return result.Items[0], nil
}

// Processing reports whether a processing run currently holds the queue.
func (q *Queue) Processing() bool {
	release, err := q.guard.acquire()
	if err != nil {
		return true
	}
	release()
	return false
}

// sweep retries every eligible failed item. Another pass runs whenever a
// retry in the previous pass succeeded.
func (q *Queue) sweep(ctx context.Context, batch *statsCollector, result *BatchResult) {
	for ctx.Err() == nil {
		candidates := q.retryable(q.now())
		if len(candidates) == 0 {
			return
		}

		succeeded := false
		for _, item := range candidates {
			if ctx.Err() != nil {
				return
			}
			var delay time.Duration
			q.mutate(item, func(it *Item) {
				delay = q.cfg.Retry.PrepareForRetry(it, q.now())
			})
			snap := q.snapshot(item)
			q.logger.Info("retrying item", "branch", snap.Branch, "retry", snap.RetryCount, "next_delay", delay)
			q.emit(events.EventTypeQueueRetry, &snap)

			if q.processAndRecord(ctx, item, batch, result) {
				succeeded = true
			}
		}

		q.reportStats(ctx, "retry sweep finished", "", batch.snapshot())
		if !succeeded {
			return
		}
	}
}

func (q *Queue) processAndRecord(ctx context.Context, item *Item, batch *statsCollector, result *BatchResult) bool {
	ok := q.process(ctx, item)

	snap := q.snapshot(item)
	batch.record(&snap)
	q.mu.Lock()
	q.lifetime.record(&snap)
	q.mu.Unlock()
	result.Items = append(result.Items, snap)

	if q.recorder != nil {
		if err := q.recorder.RecordItem(ctx, snap); err != nil {
			q.logger.Warn("failed to record item", "branch", snap.Branch, "error", err)
		}
	}
	return ok
}

func (q *Queue) reportStats(ctx context.Context, msg, runID string, s Stats) {
	q.logger.Info(msg,
		"processed", s.Processed,
		"succeeded", s.Succeeded,
		"failed", s.Failed,
		"avg_duration", s.AverageDuration,
		"strategies", s.StrategyCounts,
		"retry_success_rate", s.RetrySuccessRate,
	)
	events.Emit(q.events, events.QueueStatsEvent{
		Processed:        s.Processed,
		Succeeded:        s.Succeeded,
		Failed:           s.Failed,
		AverageDuration:  s.AverageDuration,
		StrategyCounts:   s.StrategyCounts,
		RetrySuccessRate: s.RetrySuccessRate,
		Timestamp:        q.now(),
	})
	if runID != "" && q.recorder != nil {
		if err := q.recorder.RecordStats(ctx, runID, s); err != nil {
			q.logger.Warn("failed to record stats", "run", runID, "error", err)
		}
	}
}

// process runs item through rebase, test, merge and cleanup. The caller holds
// the guard. Whatever happens, the branch checked out in the repository
// beforehand is restored.
func (q *Queue) process(ctx context.Context, item *Item) bool {
	// An attempt runs to a terminal state once started.
	ctx = context.WithoutCancel(ctx)
	repo := q.cfg.RepoPath
	log := q.logger.With("branch", item.Branch, "item", item.ID)

	q.mutate(item, func(it *Item) {
		it.Status = StatusRebasing
		it.StartedAt = q.now()
		it.CompletedAt = time.Time{}
		it.Error = ""
		it.ConflictFiles = nil
		it.StrategyUsed = ""
	})
	started := q.snapshot(item)
	q.emit(events.EventTypeQueueStarted, &started)
	log.Info("processing item", "retry", item.RetryCount)
	q.warnConflicts(item)

	restore := q.checkoutScope(repo)
	defer restore()

	// 1. Working context
	workDir, isWorktree, err := q.workingDir(item.Branch)
	if err != nil {
		return q.fail(item, StatusConflict, nil, err)
	}

	// 2. Rebase
	if err := q.vcs.Rebase(workDir, q.cfg.MainBranch); err != nil {
		if !errors.Is(err, worktree.ErrRebaseConflict) {
			_ = q.vcs.RebaseAbort(workDir)
			return q.fail(item, StatusConflict, nil, fmt.Errorf("rebase onto %s failed: %w", q.cfg.MainBranch, err))
		}
		log.Info("rebase stopped on conflicts, resolving")
		if files, err := q.resolveRebase(ctx, workDir); err != nil {
			_ = q.vcs.RebaseAbort(workDir)
			return q.fail(item, StatusConflict, files, err)
		}
	}

	// 3. Test
	q.mutate(item, func(it *Item) { it.Status = StatusTesting })
	log.Info("running tests", "dir", workDir)
	if out, err := q.runTests(ctx, workDir); err != nil {
		msg := err.Error()
		if out != "" {
			msg = fmt.Sprintf("%s\n%s", msg, out)
		}
		return q.fail(item, StatusTestFailed, nil, errors.New(msg))
	}

	// 4. Merge
	q.mutate(item, func(it *Item) { it.Status = StatusMerging })
	if err := q.vcs.Checkout(repo, q.cfg.MainBranch); err != nil {
		return q.fail(item, StatusConflict, nil, fmt.Errorf("checkout %s: %w", q.cfg.MainBranch, err))
	}
	strategy, files, err := q.merge(repo, item.Branch)
	if err != nil {
		return q.fail(item, StatusConflict, files, err)
	}

	// 5. Cleanup
	if isWorktree {
		if err := q.vcs.RemoveWorktree(repo, workDir); err != nil {
			log.Warn("failed to remove worktree", "path", workDir, "error", err)
		}
	}
	if err := q.vcs.DeleteBranch(repo, item.Branch); err != nil {
		log.Warn("failed to delete branch", "error", err)
	}

	q.mutate(item, func(it *Item) {
		it.Status = StatusComplete
		it.StrategyUsed = string(strategy)
		it.CompletedAt = q.now()
		it.Duration = it.CompletedAt.Sub(it.StartedAt)
		it.NextRetryAfter = nil
	})
	q.remove(item)

	done := q.snapshot(item)
	log.Info("item merged", "strategy", done.StrategyUsed, "duration", done.Duration, "retries", done.RetryCount)
	q.emit(events.EventTypeQueueCompleted, &done)
	return true
}

// checkoutScope captures the branch checked out in repo and returns the
// function that restores it, falling back to the main branch.
func (q *Queue) checkoutScope(repo string) func() {
	original, err := q.vcs.CurrentBranch(repo)
	if err != nil || original == "" || original == "HEAD" {
		original = q.cfg.MainBranch
	}
	return func() {
		if current, err := q.vcs.CurrentBranch(repo); err == nil && current == original {
			return
		}
		err := q.vcs.Checkout(repo, original)
		if err == nil {
			return
		}
		if original == q.cfg.MainBranch {
			q.logger.Error("failed to restore branch", "branch", original, "error", err)
			return
		}
		q.logger.Error("failed to restore branch, falling back to main", "branch", original, "error", err)
		if err := q.vcs.Checkout(repo, q.cfg.MainBranch); err != nil {
			q.logger.Error("failed to check out main branch", "branch", q.cfg.MainBranch, "error", err)
		}
	}
}

// workingDir returns the worktree that has branch checked out, or checks the
// branch out in the shared repository.
func (q *Queue) workingDir(branch string) (dir string, isWorktree bool, err error) {
	repo := q.cfg.RepoPath
	wts, err := q.vcs.ListWorktrees(repo)
	if err != nil {
		q.logger.Warn("failed to list worktrees", "error", err)
	}
	for _, wt := range wts {
		if wt.Branch == branch && !samePath(wt.Path, repo) {
			return wt.Path, true, nil
		}
	}
	if err := q.vcs.Checkout(repo, branch); err != nil {
		return "", false, fmt.Errorf("checkout %s: %w", branch, err)
	}
	return repo, false, nil
}

// resolveRebase resolves conflicts and continues the rebase until it
// finishes, bounded by MaxResolveDepth rounds. On failure it returns the
// files left unresolved.
func (q *Queue) resolveRebase(ctx context.Context, dir string) ([]string, error) {
	for depth := 0; depth < q.cfg.MaxResolveDepth; depth++ {
		files, err := q.vcs.ConflictedFiles(dir)
		if err != nil {
			return nil, fmt.Errorf("list conflicted files: %w", err)
		}
		if !q.cfg.AutoResolve {
			return files, fmt.Errorf("%w: %s", ErrUnresolvedConflict, strings.Join(files, ", "))
		}

		if unresolved := q.resolveFiles(ctx, dir, files); len(unresolved) > 0 {
			return unresolved, fmt.Errorf("%w: %s", ErrUnresolvedConflict, strings.Join(unresolved, ", "))
		}
		if err := q.vcs.Add(dir, files...); err != nil {
			return files, fmt.Errorf("stage resolved files: %w", err)
		}

		err = q.vcs.RebaseContinue(dir)
		if err == nil {
			return nil, nil
		}
		if !errors.Is(err, worktree.ErrRebaseConflict) {
			return nil, fmt.Errorf("continue rebase: %w", err)
		}
		q.logger.Debug("rebase stopped again", "dir", dir, "depth", depth+1)
	}

	files, _ := q.vcs.ConflictedFiles(dir)
	return files, fmt.Errorf("%w after %d rounds", ErrRecursionLimit, q.cfg.MaxResolveDepth)
}

// resolveFiles rewrites each conflicted file with resolved content and
// returns the ones that could not be resolved.
func (q *Queue) resolveFiles(ctx context.Context, dir string, files []string) []string {
	var unresolved []string
	for _, f := range files {
		path := filepath.Join(dir, f)
		content, err := os.ReadFile(path)
		if err != nil {
			q.logger.Warn("failed to read conflicted file", "file", f, "error", err)
			unresolved = append(unresolved, f)
			continue
		}
		resolved, err := q.resolver.Resolve(ctx, f, string(content))
		if err == nil && resolve.HasConflictMarkers(resolved) {
			err = resolve.ErrResidualMarkers
		}
		if err != nil {
			q.logger.Warn("conflict not resolved", "file", f, "error", err)
			unresolved = append(unresolved, f)
			continue
		}
		if err := os.WriteFile(path, []byte(resolved), 0644); err != nil {
			q.logger.Warn("failed to write resolved file", "file", f, "error", err)
			unresolved = append(unresolved, f)
		}
	}
	return unresolved
}

// runTests runs the suite, re-running it up to TestRetries times to absorb
// flakiness. It returns the last output.
func (q *Queue) runTests(ctx context.Context, dir string) (string, error) {
	if q.tests == nil {
		return "", nil
	}

	var last verify.Result
	op := func() error {
		res, err := q.tests.RunTests(ctx, dir)
		last = res
		if err != nil {
			return err
		}
		if !res.Success {
			return ErrTestsFailed
		}
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(q.cfg.TestRetryDelay), uint64(q.cfg.TestRetries))
	err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		q.logger.Warn("tests failed, re-running", "dir", dir, "error", err, "wait", wait)
	})
	if err != nil && !errors.Is(err, ErrTestsFailed) {
		err = fmt.Errorf("%w: %v", ErrTestsFailed, err)
	}
	return last.Output, err
}

// merge walks the strategy ladder and returns the strategy that merged.
func (q *Queue) merge(repo, branch string) (worktree.MergeStrategy, []string, error) {
	msg := fmt.Sprintf("Merge branch '%s'", branch)

	var lastFiles []string
	var lastErr error
	for _, strategy := range q.cfg.Strategies {
		res, err := q.vcs.Merge(repo, branch, msg, strategy)
		if err == nil {
			return strategy, nil, nil
		}
		if res != nil {
			lastFiles = res.ConflictFiles
		}
		lastErr = err
		q.logger.Info("merge strategy failed", "branch", branch, "strategy", strategy.String(), "conflicts", len(lastFiles))
	}
	return "", lastFiles, fmt.Errorf("no merge strategy succeeded for %s: %w", branch, lastErr)
}

// fail records a failed attempt and returns false.
func (q *Queue) fail(item *Item, status Status, files []string, err error) bool {
	q.mutate(item, func(it *Item) {
		it.Status = status
		it.Error = err.Error()
		it.ConflictFiles = append([]string(nil), files...)
		it.CompletedAt = q.now()
		it.Duration = it.CompletedAt.Sub(it.StartedAt)
	})

	snap := q.snapshot(item)
	q.logger.Warn("item failed",
		"branch", snap.Branch,
		"status", snap.Status,
		"retry", snap.RetryCount,
		"conflicts", snap.ConflictFiles,
		"error", snap.Error,
	)
	q.emit(events.EventTypeQueueFailed, &snap)
	return false
}

// warnConflicts logs advisory overlaps with other pending items.
func (q *Queue) warnConflicts(item *Item) {
	q.mu.Lock()
	var others []*Item
	for _, it := range q.items {
		if it != item && it.Status == StatusPending {
			others = append(others, it)
		}
	}
	conflicts := DetectConflicts(item, others)
	q.mu.Unlock()

	for _, c := range conflicts {
		q.logger.Warn("pending branches modify the same files",
			"branch", c.Branch,
			"conflicts_with", c.ConflictsWith,
			"files", c.OverlappingFiles,
			"severity", c.Severity,
		)
	}
}

func samePath(a, b string) bool {
	ca, errA := filepath.EvalSymlinks(a)
	cb, errB := filepath.EvalSymlinks(b)
	if errA == nil && errB == nil {
		return ca == cb
	}
	return filepath.Clean(a) == filepath.Clean(b)
}
