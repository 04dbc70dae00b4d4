package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gammazero/toposort"
)

// Edge connects two tasks in the dependency graph. Explicit dependency edges
// point prerequisite -> dependent; conflict edges are undirected in effect.
type Edge struct {
	From     string
	To       string
	Type     ConflictType // ConflictExplicit or ConflictFile
	Severity Severity
	Files    []string // Shared files for ConflictFile edges
}

// DependencyGraph is a snapshot of tasks, the edges between them and which
// of them may start now. It is rebuilt every scheduling round.
type DependencyGraph struct {
	Nodes      []*Task
	Edges      []Edge
	ReadyTasks []*Task

	all map[string]*Task // Every input task, including decomposed parents
}

// BuildGraph constructs the graph for one scheduling round. It looks a single
// dependency hop deep per edge; transitive readiness emerges over rounds.
func BuildGraph(tasks []*Task, engine *Engine) *DependencyGraph {
	if engine == nil {
		engine = NewEngine()
	}

	g := &DependencyGraph{all: make(map[string]*Task, len(tasks))}
	for _, t := range tasks {
		if t == nil {
			continue
		}
		g.all[t.ID] = t
		if t.Schedulable() {
			g.Nodes = append(g.Nodes, t)
		}
	}
	sortTasks(g.Nodes)

	inGraph := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		inGraph[n.ID] = true
	}

	linked := make(map[string]bool)
	for _, n := range g.Nodes {
		for _, dep := range n.DependsOn {
			if !inGraph[dep] {
				continue
			}
			g.Edges = append(g.Edges, Edge{From: dep, To: n.ID, Type: ConflictExplicit, Severity: SeverityBlocking})
			linked[pairKey(dep, n.ID)] = true
		}
	}
	for _, n := range g.Nodes {
		for _, other := range n.Conflicts {
			if !inGraph[other] || linked[pairKey(n.ID, other)] {
				continue
			}
			g.Edges = append(g.Edges, Edge{From: n.ID, To: other, Type: ConflictExplicit, Severity: SeverityBlocking})
			linked[pairKey(n.ID, other)] = true
		}
	}

	for i := 0; i < len(g.Nodes); i++ {
		for j := i + 1; j < len(g.Nodes); j++ {
			a, b := g.Nodes[i], g.Nodes[j]
			if linked[pairKey(a.ID, b.ID)] {
				continue
			}
			res := engine.Check(a, b)
			for _, c := range res.Conflicts {
				if c.Type == ConflictFile {
					g.Edges = append(g.Edges, Edge{From: a.ID, To: b.ID, Type: ConflictFile, Severity: SeverityBlocking, Files: c.Items})
				}
			}
		}
	}

	for _, n := range g.Nodes {
		if g.isReady(n) {
			g.ReadyTasks = append(g.ReadyTasks, n)
		}
	}
	return g
}

// isReady checks explicit prerequisites only, plus explicit conflicts with
// tasks already in flight.
func (g *DependencyGraph) isReady(t *Task) bool {
	if t.Status != TaskPending && t.Status != TaskBlocked {
		return false
	}
	for _, dep := range t.DependsOn {
		if !g.isComplete(dep) {
			return false
		}
	}
	for _, other := range g.Nodes {
		if other.Status != TaskInProgress || other.ID == t.ID {
			continue
		}
		if contains(t.Conflicts, other.ID) || contains(other.Conflicts, t.ID) {
			return false
		}
	}
	return true
}

// isComplete treats a decomposed parent as complete once every subtask is.
func (g *DependencyGraph) isComplete(id string) bool {
	t, ok := g.all[id]
	if !ok {
		return false
	}
	if t.Status == TaskComplete {
		return true
	}
	if !t.IsDecomposed && t.Status != TaskDecomposed {
		return false
	}
	if len(t.SubtaskIDs) == 0 {
		return false
	}
	for _, sub := range t.SubtaskIDs {
		st, ok := g.all[sub]
		if !ok || st.Status != TaskComplete {
			return false
		}
	}
	return true
}

// Blocked returns the nodes that are waiting on something, with the reason.
func (g *DependencyGraph) Blocked() map[string]string {
	reasons := make(map[string]string)
	ready := make(map[string]bool, len(g.ReadyTasks))
	for _, t := range g.ReadyTasks {
		ready[t.ID] = true
	}
	for _, n := range g.Nodes {
		if ready[n.ID] || (n.Status != TaskPending && n.Status != TaskBlocked) {
			continue
		}
		var waiting []string
		for _, dep := range n.DependsOn {
			if !g.isComplete(dep) {
				waiting = append(waiting, dep)
			}
		}
		if len(waiting) > 0 {
			reasons[n.ID] = "waiting on " + strings.Join(waiting, ", ")
		} else {
			reasons[n.ID] = "conflicts with an in-flight task"
		}
	}
	return reasons
}

// Order returns node IDs in dependency order using gammazero/toposort.
// Returns an error if a dependency is missing or the graph has a cycle.
func (g *DependencyGraph) Order() ([]string, error) {
	var edges []toposort.Edge
	for _, n := range g.Nodes {
		if len(n.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, n.ID})
			continue
		}
		for _, dep := range n.DependsOn {
			if _, ok := g.all[dep]; !ok {
				return nil, fmt.Errorf("task %q depends on non-existent task %q", n.ID, dep)
			}
			edges = append(edges, toposort.Edge{dep, n.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency graph contains cycle: %w", err)
	}

	inGraph := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		inGraph[n.ID] = true
	}
	order := make([]string, 0, len(g.Nodes))
	for _, id := range sorted {
		if s, ok := id.(string); ok && inGraph[s] {
			order = append(order, s)
		}
	}
	return order, nil
}

// Task returns any input task by ID, including decomposed parents.
func (g *DependencyGraph) Task(id string) (*Task, bool) {
	t, ok := g.all[id]
	return t, ok
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}

// sortTasks orders by priority (lower first), then ID, so every round sees the
// same input order.
func sortTasks(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority < tasks[j].Priority
		}
		return tasks[i].ID < tasks[j].ID
	})
}
