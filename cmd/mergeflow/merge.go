package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/mergeflow/internal/backend"
	"github.com/aristath/mergeflow/internal/events"
	"github.com/aristath/mergeflow/internal/mergequeue"
)

func newMergeCommand(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge BRANCH...",
		Short: "Integrate branches through the merge queue",
		Long: `Merge enqueues each branch in order and drains the queue: every branch is
rebased onto the main branch, tested and merged. Conflicts are handed to the
resolve agent when auto resolve is enabled. Failed branches are retried after
later merges succeed.

Exit code: 0 if every branch landed, 1 otherwise`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.close()

			store, err := e.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			bus := events.NewEventBus()
			done := e.logEvents(bus)
			defer func() {
				bus.Close()
				<-done
			}()

			pm := backend.NewProcessManager()
			defer pm.KillAll()

			queue, err := e.newQueue(e.workspace().Git(), pm,
				mergequeue.WithRecorder(store),
				mergequeue.WithPublisher(bus),
			)
			if err != nil {
				return err
			}
			for _, branch := range args {
				if _, err := queue.Enqueue(mergequeue.EnqueueRequest{Branch: branch}); err != nil {
					return err
				}
			}

			res, err := queue.ProcessAll(cmd.Context())
			if res == nil {
				return err
			}
			renderBatch(cmd.OutOrStdout(), res)
			if err != nil {
				return err
			}

			if failed := failedBranches(res); len(failed) > 0 {
				return fmt.Errorf("%d of %d branches did not merge: %s", len(failed), len(args), strings.Join(failed, ", "))
			}
			return nil
		},
	}
	return cmd
}

// failedBranches lists branches whose last attempt did not complete.
func failedBranches(res *mergequeue.BatchResult) []string {
	last := make(map[string]mergequeue.Status)
	var order []string
	for _, item := range res.Items {
		if _, seen := last[item.Branch]; !seen {
			order = append(order, item.Branch)
		}
		last[item.Branch] = item.Status
	}
	var failed []string
	for _, b := range order {
		if last[b] != mergequeue.StatusComplete {
			failed = append(failed, b)
		}
	}
	return failed
}

func renderBatch(w io.Writer, res *mergequeue.BatchResult) {
	fmt.Fprintln(w, styleTitle.Render("Merge queue"))
	for _, item := range res.Items {
		line := fmt.Sprintf("%-12s %s", queueStatusStyle(item.Status).Render(string(item.Status)), item.Branch)
		if item.StrategyUsed != "" {
			line += styleLabel.Render("  strategy ") + item.StrategyUsed
		}
		if item.IsRetry {
			line += styleLabel.Render(fmt.Sprintf("  retry %d", item.RetryCount))
		}
		if item.Duration > 0 {
			line += styleLabel.Render("  " + item.Duration.Round(time.Millisecond).String())
		}
		fmt.Fprintln(w, line)
		if item.Error != "" {
			fmt.Fprintf(w, "    %s\n", item.Error)
		}
		if len(item.ConflictFiles) > 0 {
			fmt.Fprintf(w, "    %s %s\n", styleLabel.Render("conflicts"), strings.Join(item.ConflictFiles, ", "))
		}
	}
	renderStats(w, res.Stats)
}

func renderStats(w io.Writer, s mergequeue.Stats) {
	parts := []string{
		fmt.Sprintf("%s %d", styleLabel.Render("processed"), s.Processed),
		fmt.Sprintf("%s %s", styleLabel.Render("merged"), styleStatusComplete.Render(fmt.Sprint(s.Succeeded))),
		fmt.Sprintf("%s %s", styleLabel.Render("failed"), styleStatusFailed.Render(fmt.Sprint(s.Failed))),
		fmt.Sprintf("%s %s", styleLabel.Render("avg"), s.AverageDuration.Round(time.Millisecond)),
	}
	for _, name := range slices.Sorted(maps.Keys(s.StrategyCounts)) {
		if n := s.StrategyCounts[name]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", styleLabel.Render(name), n))
		}
	}
	if s.RetryAttempts > 0 {
		parts = append(parts, fmt.Sprintf("%s %.0f%%", styleLabel.Render("retry success"), s.RetrySuccessRate*100))
	}
	fmt.Fprintln(w, styleBox.Render(strings.Join(parts, "  ")))
}
