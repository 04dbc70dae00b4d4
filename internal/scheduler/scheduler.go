package scheduler

import (
	"log/slog"
	"strings"
)

// FileTracker reports the files an agent has actually read or written.
// The agent ID for a task is the task ID.
type FileTracker interface {
	TouchedFiles(agentID string) []string
}

// Scheduler picks the next batch of tasks that can safely run in parallel.
// It performs no I/O beyond the optional tracker lookup and is safe to call
// repeatedly; the result is a function of its inputs.
type Scheduler struct {
	engine    *Engine
	generator *SetGenerator
	inferrer  *PackageInferrer
	tracker   FileTracker
	logger    *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithEngine replaces the compatibility engine.
func WithEngine(e *Engine) Option {
	return func(s *Scheduler) {
		s.engine = e
		s.generator.Engine = e
	}
}

// WithMaxSetSize bounds the size of enumerated subsets.
func WithMaxSetSize(k int) Option {
	return func(s *Scheduler) { s.generator.MaxSetSize = k }
}

// WithDurations overrides the complexity duration estimates.
func WithDurations(d DurationEstimates) Option {
	return func(s *Scheduler) { s.generator.Durations = d }
}

// WithRiskThresholds overrides the risk level buckets.
func WithRiskThresholds(r RiskThresholds) Option {
	return func(s *Scheduler) { s.generator.Risk = r }
}

// WithPackageInference infers packages from touched files for tasks that
// declare none.
func WithPackageInference(p *PackageInferrer) Option {
	return func(s *Scheduler) { s.inferrer = p }
}

// WithFileTracker merges tracked files into each task's TouchedFiles.
func WithFileTracker(t FileTracker) Option {
	return func(s *Scheduler) { s.tracker = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a Scheduler.
func New(opts ...Option) *Scheduler {
	engine := NewEngine()
	s := &Scheduler{
		engine:    engine,
		generator: NewSetGenerator(engine),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Engine exposes the compatibility engine.
func (s *Scheduler) Engine() *Engine {
	return s.engine
}

// BuildGraph enriches copies of the tasks and builds the dependency graph.
// The caller's tasks are never mutated.
func (s *Scheduler) BuildGraph(tasks []*Task) *DependencyGraph {
	prepared := make([]*Task, 0, len(tasks))
	for _, t := range tasks {
		if t == nil {
			continue
		}
		prepared = append(prepared, s.prepare(t))
	}

	g := BuildGraph(prepared, s.engine)
	if _, err := g.Order(); err != nil {
		s.logger.Warn("dependency graph is not a DAG", "error", err)
	}
	return g
}

// GenerateSets enumerates scored candidate sets for the ready tasks.
func (s *Scheduler) GenerateSets(ready []*Task) []*TaskSet {
	sets := s.generator.Generate(ready)
	s.logWarnings(sets)
	return sets
}

// Schedule builds the graph and returns the best set of at most maxCount
// tasks, or nil if no candidate fits. A nil set is a normal outcome.
func (s *Scheduler) Schedule(tasks []*Task, maxCount int) (*TaskSet, *DependencyGraph) {
	g := s.BuildGraph(tasks)
	sets := s.GenerateSets(g.ReadyTasks)
	best := SelectOptimalTaskSet(sets, maxCount)
	if best != nil {
		s.logger.Debug("selected task set",
			"tasks", strings.Join(best.IDs(), ","),
			"parallelism", best.ParallelismScore,
			"risk", best.RiskLevel,
			"estimated_duration", best.EstimatedDuration,
		)
	}
	return best, g
}

// NextBatch is Schedule with a sequential fallback: when no set fits, the
// highest-priority ready task is returned on its own.
func (s *Scheduler) NextBatch(tasks []*Task, maxCount int) *TaskSet {
	best, g := s.Schedule(tasks, maxCount)
	if best != nil || len(g.ReadyTasks) == 0 {
		return best
	}
	// ReadyTasks are already priority ordered.
	single := g.ReadyTasks[0]
	s.logger.Info("no parallel set fits, falling back to sequential", "task", single.ID, "max_count", maxCount)
	return s.generator.build([]*Task{single}, [][]CompatibilityResult{{
		{TaskAID: single.ID, TaskBID: single.ID, Compatible: true, CompatibilityScore: 1},
	}}, []int{0})
}

func (s *Scheduler) prepare(t *Task) *Task {
	cp := cloneTask(t)
	if s.tracker != nil {
		cp.TouchedFiles = union(cp.TouchedFiles, s.tracker.TouchedFiles(cp.ID))
	}
	if s.inferrer != nil {
		s.inferrer.Apply(cp)
	}
	return cp
}

func (s *Scheduler) logWarnings(sets []*TaskSet) {
	seen := make(map[string]bool)
	for _, set := range sets {
		for a := range set.CompatibilityMatrix {
			for b := a + 1; b < len(set.CompatibilityMatrix[a]); b++ {
				res := set.CompatibilityMatrix[a][b]
				key := pairKey(res.TaskAID, res.TaskBID)
				if seen[key] {
					continue
				}
				seen[key] = true
				for _, c := range res.Conflicts {
					if c.Severity == SeverityWarning {
						s.logger.Warn("package overlap between parallel candidates",
							"task_a", res.TaskAID,
							"task_b", res.TaskBID,
							"packages", strings.Join(c.Items, ","),
							"score", res.CompatibilityScore,
						)
					}
				}
			}
		}
	}
}

func union(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			n := normalizePath(v)
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	return out
}
