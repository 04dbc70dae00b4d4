// Package tracker records which files each in-flight agent has touched.
package tracker

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Tracker is a concurrency-safe registry of agentID -> touched files.
type Tracker struct {
	mu    sync.RWMutex
	files map[string]map[string]struct{}
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{files: make(map[string]map[string]struct{})}
}

// Record adds files to the set touched by agentID.
func (t *Tracker) Record(agentID string, files ...string) {
	if agentID == "" || len(files) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.files[agentID]
	if !ok {
		set = make(map[string]struct{})
		t.files[agentID] = set
	}
	for _, f := range files {
		if f = normalize(f); f != "" {
			set[f] = struct{}{}
		}
	}
}

// TouchedFiles returns the sorted files recorded for agentID.
func (t *Tracker) TouchedFiles(agentID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	set := t.files[agentID]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// WouldConflict maps each candidate file to the agents that already touched it.
// Files nobody touched are omitted.
func (t *Tracker) WouldConflict(files []string) map[string][]string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string][]string)
	for _, f := range files {
		f = normalize(f)
		for agentID, set := range t.files {
			if _, ok := set[f]; ok {
				result[f] = append(result[f], agentID)
			}
		}
		sort.Strings(result[f])
	}
	for f, agents := range result {
		if len(agents) == 0 {
			delete(result, f)
		}
	}
	return result
}

// Agents returns the IDs of every agent with recorded files.
func (t *Tracker) Agents() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.files))
	for id := range t.files {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Forget drops everything recorded for agentID.
func (t *Tracker) Forget(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.files, agentID)
}

func normalize(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return filepath.ToSlash(filepath.Clean(p))
}
