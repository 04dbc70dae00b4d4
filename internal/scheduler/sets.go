package scheduler

import (
	"math"
	"strings"
	"time"
)

// RiskLevel buckets the mean risk score of a TaskSet.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// DefaultMaxSetSize bounds subset enumeration. C(n,2)+C(n,3) stays around
// twenty thousand subsets at n=50.
const DefaultMaxSetSize = 3

const scoreEpsilon = 1e-9

// TaskSet is a candidate batch of tasks to run in parallel. It is created
// fresh every scheduling round.
type TaskSet struct {
	Tasks               []*Task
	CompatibilityMatrix [][]CompatibilityResult
	ParallelismScore    float64
	RiskLevel           RiskLevel
	EstimatedDuration   time.Duration
}

// IDs returns the task IDs in set order.
func (s *TaskSet) IDs() []string {
	ids := make([]string, len(s.Tasks))
	for i, t := range s.Tasks {
		ids[i] = t.ID
	}
	return ids
}

// Size returns the number of tasks in the set.
func (s *TaskSet) Size() int {
	return len(s.Tasks)
}

// RiskThresholds are the upper bounds (inclusive) of the low and medium buckets.
type RiskThresholds struct {
	Low    float64
	Medium float64
}

// DefaultRiskThresholds returns low <= 0.3, medium <= 0.6.
func DefaultRiskThresholds() RiskThresholds {
	return RiskThresholds{Low: 0.3, Medium: 0.6}
}

// Level maps a mean risk score onto a bucket.
func (r RiskThresholds) Level(mean float64) RiskLevel {
	switch {
	case mean <= r.Low:
		return RiskLow
	case mean <= r.Medium:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// SetGenerator enumerates and scores candidate parallel sets.
type SetGenerator struct {
	Engine     *Engine
	MaxSetSize int
	Durations  DurationEstimates
	Risk       RiskThresholds
}

// NewSetGenerator returns a generator with default bounds and estimates.
func NewSetGenerator(engine *Engine) *SetGenerator {
	if engine == nil {
		engine = NewEngine()
	}
	return &SetGenerator{
		Engine:     engine,
		MaxSetSize: DefaultMaxSetSize,
		Durations:  DefaultDurationEstimates(),
		Risk:       DefaultRiskThresholds(),
	}
}

// Generate returns every valid subset of size 2..MaxSetSize, plus singleton
// sets for tasks that have no compatible partner. Subsets with any blocking
// pair are discarded. Output order is deterministic for a given input order.
func (g *SetGenerator) Generate(ready []*Task) []*TaskSet {
	n := len(ready)
	if n == 0 {
		return nil
	}

	maxSize := g.MaxSetSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSetSize
	}
	if maxSize > n {
		maxSize = n
	}

	// Pairwise results are computed once and indexed by position.
	matrix := make([][]CompatibilityResult, n)
	for i := range matrix {
		matrix[i] = make([]CompatibilityResult, n)
		matrix[i][i] = CompatibilityResult{TaskAID: ready[i].ID, TaskBID: ready[i].ID, Compatible: true, CompatibilityScore: 1}
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			res := g.Engine.Check(ready[i], ready[j])
			matrix[i][j] = res
			rev := res
			rev.TaskAID, rev.TaskBID = res.TaskBID, res.TaskAID
			matrix[j][i] = rev
		}
	}

	hasPartner := make([]bool, n)
	var sets []*TaskSet
	idx := make([]int, 0, maxSize)

	var walk func(start int)
	walk = func(start int) {
		if len(idx) >= 2 {
			sets = append(sets, g.build(ready, matrix, idx))
			for _, i := range idx {
				hasPartner[i] = true
			}
		}
		if len(idx) == maxSize {
			return
		}
		for next := start; next < n; next++ {
			ok := true
			for _, i := range idx {
				if !matrix[i][next].Compatible {
					ok = false
					break
				}
			}
			if !ok {
				continue
			}
			idx = append(idx, next)
			walk(next + 1)
			idx = idx[:len(idx)-1]
		}
	}
	walk(0)

	for i := 0; i < n; i++ {
		if !hasPartner[i] {
			sets = append(sets, g.build(ready, matrix, []int{i}))
		}
	}
	return sets
}

func (g *SetGenerator) build(ready []*Task, matrix [][]CompatibilityResult, idx []int) *TaskSet {
	set := &TaskSet{
		Tasks:               make([]*Task, len(idx)),
		CompatibilityMatrix: make([][]CompatibilityResult, len(idx)),
	}

	var riskSum float64
	for a, i := range idx {
		t := ready[i]
		set.Tasks[a] = t
		riskSum += t.RiskScore
		if d := g.Durations.For(t); d > set.EstimatedDuration {
			set.EstimatedDuration = d
		}
		row := make([]CompatibilityResult, len(idx))
		for b, j := range idx {
			row[b] = matrix[i][j]
		}
		set.CompatibilityMatrix[a] = row
	}

	set.ParallelismScore = 1.0
	if len(idx) > 1 {
		var sum float64
		pairs := 0
		for a := 0; a < len(idx); a++ {
			for b := a + 1; b < len(idx); b++ {
				sum += matrix[idx[a]][idx[b]].CompatibilityScore
				pairs++
			}
		}
		set.ParallelismScore = sum / float64(pairs)
	}
	set.RiskLevel = g.Risk.Level(riskSum / float64(len(idx)))
	return set
}

// SelectOptimalTaskSet filters out sets larger than maxCount and returns the
// highest parallelism score. Ties go to the shorter estimated duration, then
// the larger set, then the lower summed priority, then the lexicographically
// smaller ID list. Returns nil if nothing fits.
func SelectOptimalTaskSet(sets []*TaskSet, maxCount int) *TaskSet {
	var best *TaskSet
	for _, s := range sets {
		if s == nil || len(s.Tasks) == 0 || len(s.Tasks) > maxCount {
			continue
		}
		if best == nil || better(s, best) {
			best = s
		}
	}
	return best
}

func better(a, b *TaskSet) bool {
	if d := a.ParallelismScore - b.ParallelismScore; math.Abs(d) > scoreEpsilon {
		return d > 0
	}
	if a.EstimatedDuration != b.EstimatedDuration {
		return a.EstimatedDuration < b.EstimatedDuration
	}
	if len(a.Tasks) != len(b.Tasks) {
		return len(a.Tasks) > len(b.Tasks)
	}
	if pa, pb := prioritySum(a), prioritySum(b); pa != pb {
		return pa < pb
	}
	return strings.Join(a.IDs(), "\x00") < strings.Join(b.IDs(), "\x00")
}

func prioritySum(s *TaskSet) int {
	sum := 0
	for _, t := range s.Tasks {
		sum += t.Priority
	}
	return sum
}
