package main

import (
	"context"
	"fmt"

	"github.com/aristath/mergeflow/internal/backend"
	"github.com/aristath/mergeflow/internal/events"
	"github.com/aristath/mergeflow/internal/mergequeue"
	"github.com/aristath/mergeflow/internal/orchestrator"
	"github.com/aristath/mergeflow/internal/persistence"
	"github.com/aristath/mergeflow/internal/resolve"
	"github.com/aristath/mergeflow/internal/scheduler"
	"github.com/aristath/mergeflow/internal/verify"
	"github.com/aristath/mergeflow/internal/worktree"
)

func (e *env) openStore(ctx context.Context) (*persistence.SQLiteStore, error) {
	return persistence.NewSQLiteStore(ctx, e.path(e.cfg.Store.Path))
}

func (e *env) newScheduler(tracker scheduler.FileTracker) (*scheduler.Scheduler, error) {
	s := e.cfg.Scheduler
	opts := []scheduler.Option{
		scheduler.WithMaxSetSize(s.MaxSetSize),
		scheduler.WithDurations(s.Durations()),
		scheduler.WithRiskThresholds(scheduler.RiskThresholds{Low: s.RiskLow, Medium: s.RiskMedium}),
		scheduler.WithLogger(e.logger),
	}
	if len(e.cfg.Packages) > 0 {
		rules := make([]scheduler.PackageRule, 0, len(e.cfg.Packages))
		for _, r := range e.cfg.Packages {
			rules = append(rules, scheduler.PackageRule{Pattern: r.Pattern, Package: r.Package})
		}
		inferrer, err := scheduler.NewPackageInferrer(rules)
		if err != nil {
			return nil, fmt.Errorf("package rules: %w", err)
		}
		opts = append(opts, scheduler.WithPackageInference(inferrer))
	}
	if tracker != nil {
		opts = append(opts, scheduler.WithFileTracker(tracker))
	}
	return scheduler.New(opts...), nil
}

func (e *env) workspace() *worktree.WorktreeManager {
	return worktree.NewWorktreeManager(worktree.WorktreeManagerConfig{
		RepoPath:    e.repo,
		BaseBranch:  e.cfg.MergeQueue.MainBranch,
		WorktreeDir: e.cfg.Store.WorktreeDir,
	})
}

// queueConfig translates the merge_queue section.
func (e *env) queueConfig() mergequeue.Config {
	m := e.cfg.MergeQueue
	strategies := make([]worktree.MergeStrategy, 0, len(m.MergeStrategies))
	for _, s := range m.MergeStrategies {
		strategies = append(strategies, worktree.MergeStrategy(s))
	}
	return mergequeue.Config{
		RepoPath:   e.repo,
		MainBranch: m.MainBranch,
		Retry: mergequeue.RetryPolicy{
			Enabled:    m.RetryEnabled,
			MaxRetries: m.MaxRetries,
			BaseDelay:  m.BaseDelay(),
			MaxDelay:   m.MaxDelay(),
		},
		TestRetries:     m.TestRetries,
		TestRetryDelay:  m.TestRetryDelay(),
		AutoResolve:     m.AutoResolve,
		MaxResolveDepth: m.MaxResolveDepth,
		Strategies:      strategies,
		LockFile:        e.path(m.LockFile),
	}
}

// newQueue builds the merge queue with a test runner and, when auto resolve
// is on, an agent resolver working in the repository.
func (e *env) newQueue(git *worktree.Git, pm *backend.ProcessManager, extra ...mergequeue.Option) (*mergequeue.Queue, error) {
	m := e.cfg.MergeQueue
	opts := []mergequeue.Option{mergequeue.WithLogger(e.logger)}

	if m.TestCommand != "" {
		opts = append(opts, mergequeue.WithTestRunner(verify.NewCommandRunner(m.TestCommand, verify.WithTimeout(m.TestTimeout()))))
	}
	if m.AutoResolve && m.ResolveAgent != "" {
		bc, err := orchestrator.BackendConfig(e.cfg, m.ResolveAgent, e.repo)
		if err != nil {
			return nil, fmt.Errorf("resolve agent: %w", err)
		}
		b, err := backend.New(bc, pm)
		if err != nil {
			return nil, fmt.Errorf("resolve agent: %w", err)
		}
		opts = append(opts, mergequeue.WithResolver(resolve.NewAgentResolver(b,
			resolve.WithTimeout(m.ResolveTimeout()),
			resolve.WithLogger(e.logger),
		)))
	}

	return mergequeue.New(e.queueConfig(), git, append(opts, extra...)...)
}

// backendType names the circuit breaker shared by task agents.
func (e *env) backendType() string {
	bc, err := orchestrator.BackendConfig(e.cfg, orchestrator.DefaultAgentRole, "")
	if err != nil || bc.Type == "" {
		return "claude"
	}
	return bc.Type
}

// logEvents forwards bus events to the logger until the bus closes.
func (e *env) logEvents(bus *events.EventBus) <-chan struct{} {
	feed := bus.SubscribeAll(0)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range feed {
			e.logger.Debug("event", "type", ev.EventType(), "subject", ev.Subject())
		}
		if n := bus.Dropped(); n > 0 {
			e.logger.Debug("events dropped by slow subscribers", "count", n)
		}
	}()
	return done
}
