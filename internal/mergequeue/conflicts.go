package mergequeue

import (
	"path/filepath"
	"sort"
)

// Advisory severities.
const (
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// errorThreshold is the overlap above which an advisory becomes an error.
const errorThreshold = 3

// Conflict is an advisory overlap between two queued branches. It never
// blocks enqueue or processing.
type Conflict struct {
	Branch           string   `json:"branch"`
	ConflictsWith    string   `json:"conflicts_with"`
	OverlappingFiles []string `json:"overlapping_files"`
	Severity         string   `json:"severity"`
}

// DetectConflicts compares item's modified files against each of others.
// Pairs with no overlap produce no record.
func DetectConflicts(item *Item, others []*Item) []Conflict {
	mine := make(map[string]struct{}, len(item.ModifiedFiles))
	for _, f := range item.ModifiedFiles {
		mine[filepath.ToSlash(filepath.Clean(f))] = struct{}{}
	}

	var out []Conflict
	for _, other := range others {
		if other.Branch == item.Branch {
			continue
		}
		seen := make(map[string]bool)
		var overlap []string
		for _, f := range other.ModifiedFiles {
			f = filepath.ToSlash(filepath.Clean(f))
			if _, ok := mine[f]; ok && !seen[f] {
				seen[f] = true
				overlap = append(overlap, f)
			}
		}
		if len(overlap) == 0 {
			continue
		}
		sort.Strings(overlap)
		out = append(out, Conflict{
			Branch:           item.Branch,
			ConflictsWith:    other.Branch,
			OverlappingFiles: overlap,
			Severity:         severityFor(len(overlap)),
		})
	}
	return out
}

func severityFor(overlap int) string {
	if overlap > errorThreshold {
		return SeverityError
	}
	return SeverityWarning
}
