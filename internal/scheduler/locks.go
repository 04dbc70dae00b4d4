package scheduler

import (
	"sort"
	"sync"
)

// packageKeyPrefix separates package locks from file locks in one key space.
const packageKeyPrefix = "pkg:"

// ResourceLockManager provides keyed mutual exclusion for running tasks.
// Each key (a file path, or a package prefixed with "pkg:") gets its own mutex,
// so tasks on disjoint resources proceed while overlapping ones serialize.
type ResourceLockManager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewResourceLockManager creates a new ResourceLockManager.
func NewResourceLockManager() *ResourceLockManager {
	return &ResourceLockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock acquires the mutex for key, creating it on first use.
func (r *ResourceLockManager) Lock(key string) {
	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	r.mu.Unlock()

	l.Lock()
}

// Unlock releases the mutex for key.
func (r *ResourceLockManager) Unlock(key string) {
	r.mu.Lock()
	l, ok := r.locks[key]
	r.mu.Unlock()

	if ok {
		l.Unlock()
	}
}

// LockAll acquires every key in sorted order so that two callers can never
// hold each other's locks. Duplicate keys are acquired once.
func (r *ResourceLockManager) LockAll(keys []string) {
	for _, k := range sortedKeys(keys) {
		r.Lock(k)
	}
}

// UnlockAll releases keys in reverse sorted order.
func (r *ResourceLockManager) UnlockAll(keys []string) {
	sorted := sortedKeys(keys)
	for i := len(sorted) - 1; i >= 0; i-- {
		r.Unlock(sorted[i])
	}
}

// LockTask locks the files the task declares and returns the function that
// releases them. With packages set, its "pkg:" keys are locked as well, which
// serializes tasks that only share a package.
func (r *ResourceLockManager) LockTask(t *Task, packages bool) func() {
	keys := TaskLockKeys(t, packages)
	r.LockAll(keys)
	return func() { r.UnlockAll(keys) }
}

// TaskLockKeys returns the normalized file paths of a task, plus its
// "pkg:"-prefixed packages when packages is set.
func TaskLockKeys(t *Task, packages bool) []string {
	keys := make([]string, 0, len(t.TouchedFiles)+len(t.Packages))
	for _, f := range t.TouchedFiles {
		keys = append(keys, normalizePath(f))
	}
	if packages {
		for _, p := range t.Packages {
			keys = append(keys, packageKeyPrefix+p)
		}
	}
	return sortedKeys(keys)
}

func sortedKeys(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
