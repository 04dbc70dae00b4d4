package scheduler

import (
	"fmt"
	"sort"
)

// ConflictType classifies why two tasks may interfere.
type ConflictType string

const (
	ConflictExplicit       ConflictType = "explicit"
	ConflictFile           ConflictType = "file_conflict"
	ConflictPackageOverlap ConflictType = "package_overlap"
)

// Severity says whether a conflict forbids concurrent execution.
type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityWarning  Severity = "warning"
)

// Conflict is one reason two tasks should not (or should carefully) run together.
type Conflict struct {
	Type     ConflictType
	Severity Severity
	Items    []string // Overlapping files or packages, empty for explicit links
	Detail   string
}

// CompatibilityResult is the outcome of comparing two tasks.
type CompatibilityResult struct {
	TaskAID            string
	TaskBID            string
	Compatible         bool
	Conflicts          []Conflict
	CompatibilityScore float64 // 0..1, 1 means no known conflict
}

// HasBlocking reports whether any conflict forbids running the pair together.
func (r CompatibilityResult) HasBlocking() bool {
	for _, c := range r.Conflicts {
		if c.Severity == SeverityBlocking {
			return true
		}
	}
	return false
}

// Engine holds the tunables of the pairwise compatibility rules. It is a pure
// function object: Check never mutates its inputs.
type Engine struct {
	PackagePenalty    float64 // Score lost per overlapping package
	MinScore          float64 // Floor for compatible pairs, always > 0
	HighRiskThreshold float64 // Both tasks at or above this compound risk
	RiskPenalty       float64 // Multiplier applied to riskA*riskB when compounding
}

// NewEngine returns an Engine with the default tunables.
func NewEngine() *Engine {
	return &Engine{
		PackagePenalty:    0.15,
		MinScore:          0.1,
		HighRiskThreshold: 0.7,
		RiskPenalty:       0.5,
	}
}

// Check compares two tasks. Rules are applied in order:
//  1. explicit dependsOn/conflicts link in either direction (blocking)
//  2. shared touched files (blocking)
//  3. shared packages when nothing blocks (warning, lowers the score)
//  4. compounding penalty when both tasks are high risk
func (e *Engine) Check(a, b *Task) CompatibilityResult {
	result := CompatibilityResult{
		TaskAID:            a.ID,
		TaskBID:            b.ID,
		Compatible:         true,
		CompatibilityScore: 1.0,
	}

	if linked, detail := explicitLink(a, b); linked {
		result.Conflicts = append(result.Conflicts, Conflict{
			Type:     ConflictExplicit,
			Severity: SeverityBlocking,
			Detail:   detail,
		})
	}

	if files := intersect(a.TouchedFiles, b.TouchedFiles, normalizePath); len(files) > 0 {
		result.Conflicts = append(result.Conflicts, Conflict{
			Type:     ConflictFile,
			Severity: SeverityBlocking,
			Items:    files,
			Detail:   fmt.Sprintf("%d shared file(s)", len(files)),
		})
	}

	if result.HasBlocking() {
		result.Compatible = false
		result.CompatibilityScore = 0
		return result
	}

	score := 1.0
	if pkgs := intersect(a.Packages, b.Packages, nil); len(pkgs) > 0 {
		result.Conflicts = append(result.Conflicts, Conflict{
			Type:     ConflictPackageOverlap,
			Severity: SeverityWarning,
			Items:    pkgs,
			Detail:   fmt.Sprintf("%d shared package(s)", len(pkgs)),
		})
		score -= float64(len(pkgs)) * e.PackagePenalty
	}

	if a.RiskScore >= e.HighRiskThreshold && b.RiskScore >= e.HighRiskThreshold {
		score *= 1 - e.RiskPenalty*a.RiskScore*b.RiskScore
	}

	result.CompatibilityScore = clamp(score, e.MinScore, 1.0)
	return result
}

func explicitLink(a, b *Task) (bool, string) {
	switch {
	case contains(a.DependsOn, b.ID):
		return true, fmt.Sprintf("%s depends on %s", a.ID, b.ID)
	case contains(b.DependsOn, a.ID):
		return true, fmt.Sprintf("%s depends on %s", b.ID, a.ID)
	case contains(a.Conflicts, b.ID):
		return true, fmt.Sprintf("%s declares a conflict with %s", a.ID, b.ID)
	case contains(b.Conflicts, a.ID):
		return true, fmt.Sprintf("%s declares a conflict with %s", b.ID, a.ID)
	}
	return false, ""
}

// intersect returns the sorted, de-duplicated values present in both lists.
func intersect(a, b []string, norm func(string) string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	if norm == nil {
		norm = func(s string) string { return s }
	}

	inA := make(map[string]struct{}, len(a))
	for _, v := range a {
		inA[norm(v)] = struct{}{}
	}

	seen := make(map[string]struct{})
	var out []string
	for _, v := range b {
		n := norm(v)
		if _, ok := inA[n]; !ok {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
