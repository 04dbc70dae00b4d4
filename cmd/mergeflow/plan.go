package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aristath/mergeflow/internal/persistence"
	"github.com/aristath/mergeflow/internal/scheduler"
)

func newPlanCommand(g *globalOptions) *cobra.Command {
	var (
		tasksFile string
		max       int
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the next batch of tasks that can run in parallel",
		Long: `Plan loads tasks from a YAML task file (or the task store when no file is
given), builds the dependency graph and prints the batch the scheduler would
run next together with its parallelism score, risk level and duration estimate.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.close()

			var tasks []*scheduler.Task
			if tasksFile != "" {
				tasks, err = persistence.LoadTaskFile(tasksFile)
			} else {
				tasks, err = e.storedTasks(cmd)
			}
			if err != nil {
				return err
			}

			sched, err := e.newScheduler(nil)
			if err != nil {
				return err
			}
			if max <= 0 {
				max = e.cfg.Scheduler.Parallelism()
			}

			set, graph := sched.Schedule(tasks, max)
			if set == nil {
				set = sched.NextBatch(tasks, max)
			}
			renderPlan(cmd.OutOrStdout(), set, graph)
			return nil
		},
	}

	cmd.Flags().StringVar(&tasksFile, "tasks", "", "YAML task file")
	cmd.Flags().IntVar(&max, "max", 0, "maximum batch size (defaults to scheduler.max_parallel)")
	return cmd
}

func (e *env) storedTasks(cmd *cobra.Command) ([]*scheduler.Task, error) {
	store, err := e.openStore(cmd.Context())
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.ListTasks(cmd.Context())
}

func renderPlan(w io.Writer, set *scheduler.TaskSet, graph *scheduler.DependencyGraph) {
	fmt.Fprintln(w, styleTitle.Render("Next batch"))
	if set == nil || len(set.Tasks) == 0 {
		fmt.Fprintln(w, styleStatusPending.Render("No ready tasks."))
		return
	}

	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, styleLabel.Render("ID")+"\t"+styleLabel.Render("PRIORITY")+"\t"+styleLabel.Render("COMPLEXITY")+"\t"+styleLabel.Render("FILES"))
	for _, t := range set.Tasks {
		files := strings.Join(t.TouchedFiles, ", ")
		if files == "" {
			files = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", t.ID, t.Priority, t.Complexity(), files)
	}
	tw.Flush()
	fmt.Fprintln(w, styleBox.Render(strings.TrimRight(b.String(), "\n")))

	fmt.Fprintf(w, "%s %.2f  %s %s  %s %s",
		styleLabel.Render("parallelism"), set.ParallelismScore,
		styleLabel.Render("risk"), riskStyle(set.RiskLevel).Render(string(set.RiskLevel)),
		styleLabel.Render("estimated"), set.EstimatedDuration,
	)
	if graph != nil {
		fmt.Fprintf(w, "  %s %d/%d", styleLabel.Render("ready"), len(graph.ReadyTasks), len(graph.Nodes))
	}
	fmt.Fprintln(w)

	for i, row := range set.CompatibilityMatrix {
		for j := i + 1; j < len(row); j++ {
			for _, c := range row[j].Conflicts {
				fmt.Fprintf(w, "%s %s/%s: %s\n", styleStatusRunning.Render("warning"), set.Tasks[i].ID, set.Tasks[j].ID, c.Detail)
			}
		}
	}
}
