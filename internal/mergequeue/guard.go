package mergequeue

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// guard enforces a single processing run. The mutex covers goroutines in this
// process; the optional lock file covers other processes on the same repo.
type guard struct {
	mu   sync.Mutex
	path string
	file *flock.Flock
}

func newGuard(lockFile string) *guard {
	g := &guard{path: lockFile}
	if lockFile != "" {
		g.file = flock.New(lockFile)
	}
	return g
}

// acquire returns ErrQueueBusy instead of waiting.
func (g *guard) acquire() (release func(), err error) {
	if !g.mu.TryLock() {
		return nil, ErrQueueBusy
	}
	if g.file == nil {
		return g.mu.Unlock, nil
	}

	if err := os.MkdirAll(filepath.Dir(g.path), 0755); err != nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	ok, err := g.file.TryLock()
	if err != nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("failed to lock %s: %w", g.path, err)
	}
	if !ok {
		g.mu.Unlock()
		return nil, ErrQueueBusy
	}

	return func() {
		_ = g.file.Unlock()
		g.mu.Unlock()
	}, nil
}
