package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aristath/mergeflow/internal/backend"
	"github.com/aristath/mergeflow/internal/events"
	"github.com/aristath/mergeflow/internal/mergequeue"
	"github.com/aristath/mergeflow/internal/orchestrator"
	"github.com/aristath/mergeflow/internal/persistence"
	"github.com/aristath/mergeflow/internal/scheduler"
	"github.com/aristath/mergeflow/internal/tracker"
)

func newRunCommand(g *globalOptions) *cobra.Command {
	var (
		tasksFile string
		maxRounds int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run tasks with agents and merge their branches",
		Long: `Run seeds the task store from a YAML task file (optional when the store
already holds tasks) and executes rounds until no task is ready: each round
runs a batch of agents in parallel worktrees, then drains the merge queue and
marks tasks complete or failed.

Interrupting the run kills every agent process. Tasks left in progress are
picked up again by the next run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.close()
			return e.run(cmd.Context(), cmd.OutOrStdout(), tasksFile, maxRounds)
		},
	}

	cmd.Flags().StringVar(&tasksFile, "tasks", "", "YAML task file to seed the store with")
	cmd.Flags().IntVar(&maxRounds, "max-rounds", 0, "stop after this many rounds (0 runs until done)")
	return cmd
}

func (e *env) run(parent context.Context, out io.Writer, tasksFile string, maxRounds int) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pm := backend.NewProcessManager()
	go func() {
		<-ctx.Done()
		if err := pm.KillAll(); err != nil {
			e.logger.Warn("failed to kill agent processes", "error", err)
		}
	}()

	store, err := e.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if tasksFile != "" {
		tasks, err := persistence.LoadTaskFile(tasksFile)
		if err != nil {
			return err
		}
		n, err := persistence.SeedTasks(ctx, store, tasks)
		if err != nil {
			return err
		}
		e.logger.Info("seeded tasks", "file", tasksFile, "new", n, "total", len(tasks))
	}

	bus := events.NewEventBus()
	done := e.logEvents(bus)
	defer func() {
		bus.Close()
		<-done
	}()

	files := tracker.New()
	watcher, err := tracker.NewWatcher(files, tracker.WithLogger(e.logger))
	if err != nil {
		return err
	}
	defer watcher.Close()

	sched, err := e.newScheduler(files)
	if err != nil {
		return err
	}
	ws := e.workspace()
	queue, err := e.newQueue(ws.Git(), pm,
		mergequeue.WithRecorder(store),
		mergequeue.WithPublisher(bus),
		mergequeue.WithFileTracker(files),
	)
	if err != nil {
		return err
	}

	runner, err := orchestrator.NewRunner(
		orchestrator.Config{
			MaxParallel: e.cfg.Scheduler.Parallelism(),
			BackendType: e.backendType(),
			Retry:       orchestrator.DefaultRetryConfig(),
			MaxRounds:   maxRounds,

			PackageLocks: e.cfg.Scheduler.PackageLocks,
		},
		store, sched, ws, queue,
		orchestrator.NewBackendFactory(e.cfg, pm),
		orchestrator.WithWatcher(watcher),
		orchestrator.WithPublisher(bus),
		orchestrator.WithLogger(e.logger),
	)
	if err != nil {
		return err
	}

	summary, runErr := runner.Run(ctx)
	tasks, err := store.ListTasks(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	renderRun(out, summary, tasks)
	if runErr != nil {
		return runErr
	}
	if len(summary.Failed) > 0 {
		return fmt.Errorf("%d task(s) failed", len(summary.Failed))
	}
	return nil
}

func renderRun(w io.Writer, summary *orchestrator.Summary, tasks []*scheduler.Task) {
	fmt.Fprintln(w, styleTitle.Render(fmt.Sprintf("Run finished after %d round(s)", summary.Rounds)))
	for _, t := range tasks {
		line := fmt.Sprintf("%-12s %s", taskStatusStyle(t.Status).Render(string(t.Status)), t.ID)
		if t.Error != "" {
			line += styleLabel.Render("  " + t.Error)
		}
		fmt.Fprintln(w, line)
	}

	failed := make([]string, 0, len(summary.Failed))
	for id := range summary.Failed {
		failed = append(failed, id)
	}
	sort.Strings(failed)
	for _, id := range failed {
		fmt.Fprintf(w, "%s %s: %s\n", styleStatusFailed.Render("failed"), id, summary.Failed[id])
	}
	renderStats(w, summary.Stats)
}
