package mergequeue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/mergeflow/internal/events"
	"github.com/aristath/mergeflow/internal/logging"
	"github.com/aristath/mergeflow/internal/resolve"
	"github.com/aristath/mergeflow/internal/verify"
	"github.com/aristath/mergeflow/internal/worktree"
)

const repoDir = "/repo"

// fakeVCS is an in-memory VCS. Per-branch rebase results are consumed in
// order; an exhausted list means success.
type fakeVCS struct {
	mu sync.Mutex

	current   string
	branches  map[string]bool
	worktrees []worktree.WorktreeInfo

	rebaseErrs   map[string][]error
	continueErrs []error
	conflicted   []string
	mergeErrs    map[worktree.MergeStrategy]error
	mergeFiles   []string

	calls   []string
	added   []string
	removed []string
	deleted []string
}

func newFakeVCS(current string, branches ...string) *fakeVCS {
	f := &fakeVCS{
		current:    current,
		branches:   map[string]bool{"main": true, current: true},
		rebaseErrs: make(map[string][]error),
		mergeErrs:  make(map[worktree.MergeStrategy]error),
	}
	for _, b := range branches {
		f.branches[b] = true
	}
	return f
}

func (f *fakeVCS) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeVCS) branchIn(dir string) string {
	if dir == repoDir {
		return f.current
	}
	for _, wt := range f.worktrees {
		if wt.Path == dir {
			return wt.Branch
		}
	}
	return ""
}

func (f *fakeVCS) CurrentBranch(dir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.branchIn(dir), nil
}

func (f *fakeVCS) Checkout(dir, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("checkout %s", ref)
	if !f.branches[ref] {
		return fmt.Errorf("pathspec '%s' did not match", ref)
	}
	f.current = ref
	return nil
}

func (f *fakeVCS) Rebase(dir, onto string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	branch := f.branchIn(dir)
	f.record("rebase %s onto %s", branch, onto)
	errs := f.rebaseErrs[branch]
	if len(errs) == 0 {
		return nil
	}
	f.rebaseErrs[branch] = errs[1:]
	return errs[0]
}

func (f *fakeVCS) RebaseContinue(dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("rebase --continue")
	if len(f.continueErrs) == 0 {
		return nil
	}
	err := f.continueErrs[0]
	if len(f.continueErrs) > 1 {
		f.continueErrs = f.continueErrs[1:]
	}
	return err
}

func (f *fakeVCS) RebaseAbort(dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("rebase --abort")
	return nil
}

func (f *fakeVCS) ConflictedFiles(dir string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.conflicted...), nil
}

func (f *fakeVCS) Add(dir string, files ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, files...)
	return nil
}

func (f *fakeVCS) Merge(dir, branch, message string, strategy worktree.MergeStrategy) (*worktree.MergeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("merge %s into %s with %s", branch, f.current, strategy)
	if err := f.mergeErrs[strategy]; err != nil {
		return &worktree.MergeResult{StrategyUsed: strategy, ConflictFiles: f.mergeFiles}, err
	}
	return &worktree.MergeResult{Merged: true, StrategyUsed: strategy}, nil
}

func (f *fakeVCS) DeleteBranch(dir, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, branch)
	delete(f.branches, branch)
	return nil
}

func (f *fakeVCS) ListWorktrees(dir string) ([]worktree.WorktreeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []worktree.WorktreeInfo{{Path: repoDir, Branch: f.current}}
	return append(out, f.worktrees...), nil
}

func (f *fakeVCS) RemoveWorktree(dir, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, path)
	return nil
}

func (f *fakeVCS) called(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

type fakeTests struct {
	mu      sync.Mutex
	results []bool // consumed in order; exhausted means pass
	runs    int
}

func (f *fakeTests) RunTests(ctx context.Context, dir string) (verify.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	if len(f.results) == 0 {
		return verify.Result{Success: true, Output: "ok"}, nil
	}
	pass := f.results[0]
	f.results = f.results[1:]
	if pass {
		return verify.Result{Success: true, Output: "ok"}, nil
	}
	return verify.Result{Success: false, Output: "--- FAIL: TestThing"}, verify.ErrTestCommandFailed
}

type fakeTracker map[string][]string

func (f fakeTracker) TouchedFiles(agentID string) []string { return f[agentID] }

type fakeRecorder struct {
	mu    sync.Mutex
	items []Item
	stats map[string]Stats
}

func (r *fakeRecorder) RecordItem(ctx context.Context, item Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	return nil
}

func (r *fakeRecorder) RecordStats(ctx context.Context, runID string, s Stats) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stats == nil {
		r.stats = make(map[string]Stats)
	}
	r.stats[runID] = s
	return nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturePublisher) Publish(topic string, e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *capturePublisher) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, e := range c.events {
		out = append(out, e.EventType())
	}
	return out
}

// tickingClock advances one second per call.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RepoPath = repoDir
	cfg.TestRetryDelay = time.Millisecond
	return cfg
}

func newTestQueue(t *testing.T, vcs VCS, cfg Config, opts ...Option) *Queue {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard()), WithClock(tickingClock())}, opts...)
	q, err := New(cfg, vcs, opts...)
	require.NoError(t, err)
	return q
}

func rebaseConflict() error {
	return &worktree.GitError{Op: "rebase", Dir: repoDir, Err: fmt.Errorf("%w onto main", worktree.ErrRebaseConflict)}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{RepoPath: repoDir}, nil)
	assert.Error(t, err)
	_, err = New(Config{}, newFakeVCS("main"))
	assert.Error(t, err)

	q, err := New(Config{RepoPath: repoDir}, newFakeVCS("main"))
	require.NoError(t, err)
	assert.Equal(t, "main", q.cfg.MainBranch)
	assert.Equal(t, 10, q.cfg.MaxResolveDepth)
	assert.Equal(t, worktree.DefaultStrategies(), q.cfg.Strategies)
}

func TestEnqueue(t *testing.T) {
	pub := &capturePublisher{}
	q := newTestQueue(t, newFakeVCS("main"), testConfig(),
		WithFileTracker(fakeTracker{"agent-1": {"pkg/a.go", "pkg/b.go"}}),
		WithPublisher(pub),
	)

	item, err := q.Enqueue(EnqueueRequest{Branch: "task/a", StepID: "a", AgentID: "agent-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, []string{"pkg/a.go", "pkg/b.go"}, item.ModifiedFiles)
	assert.False(t, item.QueuedAt.IsZero())

	explicit, err := q.Enqueue(EnqueueRequest{Branch: "task/b", AgentID: "agent-1", ModifiedFiles: []string{"x.go"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"x.go"}, explicit.ModifiedFiles)

	_, err = q.Enqueue(EnqueueRequest{Branch: "task/a"})
	assert.ErrorIs(t, err, ErrAlreadyQueued)
	_, err = q.Enqueue(EnqueueRequest{Branch: "  "})
	assert.Error(t, err)

	got, err := q.Get("task/a")
	require.NoError(t, err)
	assert.Equal(t, item.ID, got.ID)
	_, err = q.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Len(t, q.Items(), 2)
	assert.Len(t, q.Pending(), 2)
	assert.Equal(t, []string{events.EventTypeQueueEnqueued, events.EventTypeQueueEnqueued}, pub.types())

	// Snapshots are detached from the live item.
	got.ModifiedFiles[0] = "mutated"
	again, _ := q.Get("task/a")
	assert.Equal(t, "pkg/a.go", again.ModifiedFiles[0])
}

func TestProcessAll_HappyPath(t *testing.T) {
	vcs := newFakeVCS("develop", "task/a", "task/b")
	rec := &fakeRecorder{}
	pub := &capturePublisher{}
	tests := &fakeTests{}
	q := newTestQueue(t, vcs, testConfig(), WithTestRunner(tests), WithRecorder(rec), WithPublisher(pub))

	_, err := q.Enqueue(EnqueueRequest{Branch: "task/a"})
	require.NoError(t, err)
	_, err = q.Enqueue(EnqueueRequest{Branch: "task/b"})
	require.NoError(t, err)

	res, err := q.ProcessAll(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.NotEmpty(t, res.RunID)

	for i, branch := range []string{"task/a", "task/b"} {
		item := res.Items[i]
		assert.Equal(t, branch, item.Branch)
		assert.Equal(t, StatusComplete, item.Status)
		assert.Equal(t, "ort", item.StrategyUsed)
		assert.Greater(t, item.Duration, time.Duration(0))
		assert.False(t, item.IsRetry)
	}

	assert.Empty(t, q.Items(), "completed items leave the live queue")
	assert.Equal(t, []string{"task/a", "task/b"}, vcs.deleted)
	assert.Equal(t, "develop", vcs.current, "original branch restored")
	assert.Equal(t, 2, tests.runs)

	assert.Equal(t, 2, res.Stats.Succeeded)
	assert.Equal(t, map[string]int{"ort": 2}, res.Stats.StrategyCounts)
	assert.Len(t, rec.items, 2)
	assert.Contains(t, rec.stats, res.RunID)
	assert.Equal(t, 2, q.Stats().Succeeded)

	types := pub.types()
	assert.Contains(t, types, events.EventTypeQueueStarted)
	assert.Contains(t, types, events.EventTypeQueueCompleted)
	assert.Contains(t, types, events.EventTypeQueueStats)
}

func TestProcess_MergeLadder(t *testing.T) {
	t.Run("falls back to theirs", func(t *testing.T) {
		vcs := newFakeVCS("main", "task/a")
		vcs.mergeErrs[worktree.MergeOrt] = worktree.ErrMergeConflict
		q := newTestQueue(t, vcs, testConfig())
		_, err := q.Enqueue(EnqueueRequest{Branch: "task/a"})
		require.NoError(t, err)

		item, err := q.Process(context.Background(), "task/a")
		require.NoError(t, err)
		assert.Equal(t, StatusComplete, item.Status)
		assert.Equal(t, "theirs", item.StrategyUsed)
		assert.Equal(t, 2, vcs.called("merge task/a into main"))
	})

	t.Run("every strategy fails", func(t *testing.T) {
		vcs := newFakeVCS("main", "task/a")
		vcs.mergeErrs[worktree.MergeOrt] = worktree.ErrMergeConflict
		vcs.mergeErrs[worktree.MergeTheirs] = worktree.ErrMergeConflict
		vcs.mergeFiles = []string{"conflict.go"}
		q := newTestQueue(t, vcs, testConfig())
		_, err := q.Enqueue(EnqueueRequest{Branch: "task/a"})
		require.NoError(t, err)

		item, err := q.Process(context.Background(), "task/a")
		require.NoError(t, err)
		assert.Equal(t, StatusConflict, item.Status)
		assert.Equal(t, []string{"conflict.go"}, item.ConflictFiles)
		assert.Contains(t, item.Error, "no merge strategy succeeded")
		assert.Empty(t, vcs.deleted)

		live, err := q.Get("task/a")
		require.NoError(t, err, "failed items stay in the queue")
		assert.Equal(t, StatusConflict, live.Status)
	})
}

func TestProcess_FlakyTests(t *testing.T) {
	vcs := newFakeVCS("main", "task/a")
	tests := &fakeTests{results: []bool{false, true}}
	q := newTestQueue(t, vcs, testConfig(), WithTestRunner(tests))
	_, err := q.Enqueue(EnqueueRequest{Branch: "task/a"})
	require.NoError(t, err)

	item, err := q.Process(context.Background(), "task/a")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, item.Status)
	assert.Equal(t, 2, tests.runs)
}

func TestProcess_TestsFail(t *testing.T) {
	vcs := newFakeVCS("main", "task/a")
	tests := &fakeTests{results: []bool{false, false, false, false}}
	q := newTestQueue(t, vcs, testConfig(), WithTestRunner(tests))
	_, err := q.Enqueue(EnqueueRequest{Branch: "task/a"})
	require.NoError(t, err)

	item, err := q.Process(context.Background(), "task/a")
	require.NoError(t, err)
	assert.Equal(t, StatusTestFailed, item.Status)
	assert.Equal(t, 3, tests.runs, "one run plus two retries")
	assert.Contains(t, item.Error, "--- FAIL: TestThing")
	assert.Zero(t, vcs.called("merge"), "mainline untouched")
	assert.Equal(t, "main", vcs.current)
}

func TestProcess_ResolvesRebaseConflicts(t *testing.T) {
	wtDir := t.TempDir()
	conflicted := "package a\n<<<<<<< HEAD\nvar x = 1\n=======\nvar x = 2\n>>>>>>> task/a\n"
	require.NoError(t, os.WriteFile(filepath.Join(wtDir, "a.go"), []byte(conflicted), 0644))

	vcs := newFakeVCS("main", "task/a")
	vcs.worktrees = []worktree.WorktreeInfo{{Path: wtDir, Branch: "task/a"}}
	vcs.rebaseErrs["task/a"] = []error{rebaseConflict()}
	vcs.conflicted = []string{"a.go"}

	var seen string
	resolver := resolve.Func(func(ctx context.Context, path, content string) (string, error) {
		seen = content
		return "package a\nvar x = 2\n", nil
	})
	q := newTestQueue(t, vcs, testConfig(), WithResolver(resolver))
	_, err := q.Enqueue(EnqueueRequest{Branch: "task/a"})
	require.NoError(t, err)

	item, err := q.Process(context.Background(), "task/a")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, item.Status)
	assert.Equal(t, conflicted, seen)

	data, err := os.ReadFile(filepath.Join(wtDir, "a.go"))
	require.NoError(t, err)
	assert.Equal(t, "package a\nvar x = 2\n", string(data))
	assert.Equal(t, []string{"a.go"}, vcs.added)
	assert.Equal(t, []string{wtDir}, vcs.removed, "worktree removed on success")
	assert.Equal(t, 1, vcs.called("rebase task/a onto main"), "rebase ran in the worktree")
}

func TestProcess_ResolutionRecursionLimit(t *testing.T) {
	wtDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(wtDir, "a.go"), []byte("<<<<<<< HEAD\n=======\n>>>>>>> x\n"), 0644))

	vcs := newFakeVCS("main", "task/a")
	vcs.worktrees = []worktree.WorktreeInfo{{Path: wtDir, Branch: "task/a"}}
	vcs.rebaseErrs["task/a"] = []error{rebaseConflict()}
	vcs.continueErrs = []error{worktree.ErrRebaseConflict}
	vcs.conflicted = []string{"a.go"}

	cfg := testConfig()
	cfg.MaxResolveDepth = 3
	q := newTestQueue(t, vcs, cfg, WithResolver(resolve.Func(func(context.Context, string, string) (string, error) {
		return "clean\n", nil
	})))
	_, err := q.Enqueue(EnqueueRequest{Branch: "task/a"})
	require.NoError(t, err)

	item, err := q.Process(context.Background(), "task/a")
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, item.Status)
	assert.Contains(t, item.Error, ErrRecursionLimit.Error())
	assert.Equal(t, 3, vcs.called("rebase --continue"))
	assert.Equal(t, 1, vcs.called("rebase --abort"))
	assert.Equal(t, []string{"a.go"}, item.ConflictFiles)
}

func TestProcess_UnresolvedConflict(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  func(*Config)
		opts []Option
	}{
		{"no resolver", func(*Config) {}, nil},
		{"auto resolve disabled", func(c *Config) { c.AutoResolve = false }, []Option{WithResolver(resolve.Func(func(context.Context, string, string) (string, error) {
			t.Error("resolver should not be called")
			return "", nil
		}))}},
		{"residual markers", func(*Config) {}, []Option{WithResolver(resolve.Func(func(_ context.Context, _ string, content string) (string, error) {
			return content, nil
		}))}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			wtDir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(wtDir, "a.go"), []byte("<<<<<<< HEAD\n=======\n>>>>>>> x\n"), 0644))

			vcs := newFakeVCS("main", "task/a")
			vcs.worktrees = []worktree.WorktreeInfo{{Path: wtDir, Branch: "task/a"}}
			vcs.rebaseErrs["task/a"] = []error{rebaseConflict()}
			vcs.conflicted = []string{"a.go"}

			cfg := testConfig()
			tc.cfg(&cfg)
			q := newTestQueue(t, vcs, cfg, tc.opts...)
			_, err := q.Enqueue(EnqueueRequest{Branch: "task/a"})
			require.NoError(t, err)

			item, err := q.Process(context.Background(), "task/a")
			require.NoError(t, err)
			assert.Equal(t, StatusConflict, item.Status)
			assert.Equal(t, []string{"a.go"}, item.ConflictFiles)
			assert.Contains(t, item.Error, ErrUnresolvedConflict.Error())
			assert.Equal(t, 1, vcs.called("rebase --abort"))
			assert.Zero(t, vcs.called("rebase --continue"))
		})
	}
}

func TestProcess_NonConflictFailuresMapToConflict(t *testing.T) {
	vcs := newFakeVCS("main")
	q := newTestQueue(t, vcs, testConfig())
	_, err := q.Enqueue(EnqueueRequest{Branch: "task/missing"})
	require.NoError(t, err)

	item, err := q.Process(context.Background(), "task/missing")
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, item.Status)
	assert.Contains(t, item.Error, "checkout task/missing")
	assert.Equal(t, "main", vcs.current)
}

func TestProcess_RestoreFallsBackToMain(t *testing.T) {
	// The repository starts on the branch being merged, which is deleted on success.
	vcs := newFakeVCS("task/a")
	q := newTestQueue(t, vcs, testConfig())
	_, err := q.Enqueue(EnqueueRequest{Branch: "task/a"})
	require.NoError(t, err)

	item, err := q.Process(context.Background(), "task/a")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, item.Status)
	assert.Equal(t, "main", vcs.current)
}

// A branch that cannot rebase becomes mergeable once another branch lands,
// and the automatic sweep picks it up.
func TestProcessAll_RetryAfterOtherMerge(t *testing.T) {
	vcs := newFakeVCS("main", "task/a", "task/b")
	vcs.rebaseErrs["task/a"] = []error{rebaseConflict()}
	vcs.conflicted = []string{"shared.go"}

	q := newTestQueue(t, vcs, testConfig())
	_, err := q.Enqueue(EnqueueRequest{Branch: "task/a"})
	require.NoError(t, err)
	_, err = q.Enqueue(EnqueueRequest{Branch: "task/b"})
	require.NoError(t, err)

	res, err := q.ProcessAll(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Items, 3)

	first, second, retried := res.Items[0], res.Items[1], res.Items[2]
	assert.Equal(t, "task/a", first.Branch)
	assert.Equal(t, StatusConflict, first.Status)
	assert.Equal(t, "task/b", second.Branch)
	assert.Equal(t, StatusComplete, second.Status)

	assert.Equal(t, "task/a", retried.Branch)
	assert.Equal(t, StatusComplete, retried.Status)
	assert.GreaterOrEqual(t, retried.RetryCount, 1)
	assert.True(t, retried.IsRetry)
	assert.Equal(t, first.Error, retried.OriginalError)
	assert.Contains(t, retried.OriginalError, "shared.go")

	assert.Equal(t, 3, res.Stats.Processed)
	assert.Equal(t, 2, res.Stats.Succeeded)
	assert.InDelta(t, 1.0, res.Stats.RetrySuccessRate, 1e-9)
	assert.Empty(t, q.Items())
}

func TestProcessAll_FailureDoesNotHaltBatch(t *testing.T) {
	vcs := newFakeVCS("main", "task/b")
	cfg := testConfig()
	cfg.Retry.Enabled = false
	q := newTestQueue(t, vcs, cfg)
	_, err := q.Enqueue(EnqueueRequest{Branch: "task/missing"})
	require.NoError(t, err)
	_, err = q.Enqueue(EnqueueRequest{Branch: "task/b"})
	require.NoError(t, err)

	res, err := q.ProcessAll(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.Equal(t, StatusConflict, res.Items[0].Status)
	assert.Equal(t, StatusComplete, res.Items[1].Status)
	assert.Equal(t, 1, res.Stats.Failed)

	remaining := q.Items()
	require.Len(t, remaining, 1)
	assert.Equal(t, "task/missing", remaining[0].Branch)
	assert.Zero(t, remaining[0].RetryCount)
}

func TestProcessAll_CanceledContext(t *testing.T) {
	q := newTestQueue(t, newFakeVCS("main", "task/a"), testConfig())
	_, err := q.Enqueue(EnqueueRequest{Branch: "task/a"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := q.ProcessAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, res.Items)
	assert.Len(t, q.Pending(), 1)
}

func TestGuard_Busy(t *testing.T) {
	q := newTestQueue(t, newFakeVCS("main"), testConfig())

	release, err := q.guard.acquire()
	require.NoError(t, err)
	assert.True(t, q.Processing())

	_, err = q.ProcessAll(context.Background())
	assert.ErrorIs(t, err, ErrQueueBusy)
	_, err = q.Process(context.Background(), "x")
	assert.ErrorIs(t, err, ErrQueueBusy)

	release()
	assert.False(t, q.Processing())
}

func TestGuard_LockFileAcrossQueues(t *testing.T) {
	cfg := testConfig()
	cfg.LockFile = filepath.Join(t.TempDir(), "locks", "queue.lock")

	first := newTestQueue(t, newFakeVCS("main"), cfg)
	second := newTestQueue(t, newFakeVCS("main"), cfg)

	release, err := first.guard.acquire()
	require.NoError(t, err)

	_, err = second.ProcessAll(context.Background())
	assert.ErrorIs(t, err, ErrQueueBusy)

	release()
	_, err = second.ProcessAll(context.Background())
	assert.NoError(t, err)
}

func TestRetry_ItemLimitZero(t *testing.T) {
	vcs := newFakeVCS("main")
	cfg := testConfig()
	cfg.Retry.Enabled = false
	cfg.Retry.MaxRetries = 3
	q := newTestQueue(t, vcs, cfg)
	_, err := q.Enqueue(EnqueueRequest{Branch: "task/missing", MaxRetries: intPtr(0)})
	require.NoError(t, err)

	failed, err := q.Process(context.Background(), "task/missing")
	require.NoError(t, err)
	require.Equal(t, StatusConflict, failed.Status)

	_, err = q.Retry("task/missing")
	assert.ErrorIs(t, err, ErrRetriesExhausted, "an explicit zero limit overrides the queue default")
}

func TestRetryAndClear(t *testing.T) {
	vcs := newFakeVCS("main")
	cfg := testConfig()
	cfg.Retry.Enabled = false
	cfg.Retry.MaxRetries = 1
	q := newTestQueue(t, vcs, cfg)
	_, err := q.Enqueue(EnqueueRequest{Branch: "task/missing"})
	require.NoError(t, err)

	_, err = q.Retry("task/missing")
	assert.ErrorIs(t, err, ErrNotRetryable, "pending items cannot be retried")
	_, err = q.Retry("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	failed, err := q.Process(context.Background(), "task/missing")
	require.NoError(t, err)
	require.Equal(t, StatusConflict, failed.Status)

	item, err := q.Retry("task/missing")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, 1, item.RetryCount)
	assert.Equal(t, failed.Error, item.OriginalError)

	_, err = q.Process(context.Background(), "task/missing")
	require.NoError(t, err)
	_, err = q.Retry("task/missing")
	assert.ErrorIs(t, err, ErrRetriesExhausted)

	require.NoError(t, q.Clear("task/missing"))
	assert.Empty(t, q.Items())
	assert.ErrorIs(t, q.Clear("task/missing"), ErrNotFound)
}

func TestConflicts(t *testing.T) {
	q := newTestQueue(t, newFakeVCS("main"), testConfig())
	for branch, files := range map[string][]string{
		"task/a": {"a.go", "shared.go"},
		"task/b": {"shared.go", "b.go"},
		"task/c": {"c.go"},
	} {
		_, err := q.Enqueue(EnqueueRequest{Branch: branch, ModifiedFiles: files})
		require.NoError(t, err)
	}

	conflicts := q.Conflicts()
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.ElementsMatch(t, []string{"task/a", "task/b"}, []string{c.Branch, c.ConflictsWith})
	assert.Equal(t, []string{"shared.go"}, c.OverlappingFiles)
	assert.Equal(t, SeverityWarning, c.Severity)
}

func TestCounts(t *testing.T) {
	q := newTestQueue(t, newFakeVCS("main"), testConfig())
	_, err := q.Enqueue(EnqueueRequest{Branch: "task/a"})
	require.NoError(t, err)
	assert.Equal(t, map[Status]int{StatusPending: 1}, q.Counts())
}

func TestProcess_NotPending(t *testing.T) {
	q := newTestQueue(t, newFakeVCS("main"), testConfig())
	_, err := q.Process(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}
