package tracker

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultIgnore lists directory and file names never recorded.
var defaultIgnore = []string{".git", ".mergeflow", "node_modules", ".DS_Store"}

// Watcher feeds filesystem writes inside agent worktrees into a Tracker.
type Watcher struct {
	tracker  *Tracker
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration
	ignore   []string

	mu    sync.RWMutex
	roots map[string]string // agentID -> absolute worktree root

	flushCh  chan chan struct{} // Remove asks the loop to record pending events
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithDebounce sets how long events are batched before being recorded.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// NewWatcher creates a Watcher recording into t and starts its event loop.
func NewWatcher(t *Tracker, opts ...WatcherOption) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		tracker:  t,
		watcher:  fw,
		logger:   slog.Default(),
		debounce: 50 * time.Millisecond,
		ignore:   defaultIgnore,
		roots:    make(map[string]string),
		flushCh:  make(chan chan struct{}),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	go w.loop()
	return w, nil
}

// Add starts watching root (recursively) on behalf of agentID.
func (w *Watcher) Add(agentID, root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", root, err)
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return fmt.Errorf("worktree path does not exist: %s", abs)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	w.mu.Lock()
	w.roots[agentID] = abs
	w.mu.Unlock()

	return w.addRecursive(abs)
}

// Remove stops watching the worktree of agentID. Events still waiting out the
// debounce are recorded first, and recorded files are kept.
func (w *Watcher) Remove(agentID string) {
	w.mu.RLock()
	_, ok := w.roots[agentID]
	w.mu.RUnlock()
	if !ok {
		return
	}

	ack := make(chan struct{})
	select {
	case w.flushCh <- ack:
		<-ack
	case <-w.done:
	}

	w.mu.Lock()
	root, ok := w.roots[agentID]
	delete(w.roots, agentID)
	w.mu.Unlock()
	if !ok {
		return
	}

	for _, path := range w.watcher.WatchList() {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			_ = w.watcher.Remove(path)
		}
	}
}

// Close stops the event loop. Safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.watcher.Close()
		<-w.done
	})
	return err
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.ignored(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) loop() {
	defer close(w.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	pending := make(map[string]fsnotify.Op)

	for {
		select {
		case <-w.stopCh:
			w.flush(pending)
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				w.flush(pending)
				return
			}
			if queue(pending, ev) {
				timer.Reset(w.debounce)
			}

		case ack := <-w.flushCh:
			w.drain(pending)
			w.flush(pending)
			pending = make(map[string]fsnotify.Op)
			close(ack)

		case <-timer.C:
			w.flush(pending)
			pending = make(map[string]fsnotify.Op)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

// queue adds ev to pending and reports whether it was a write or create.
func queue(pending map[string]fsnotify.Op, ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return false
	}
	pending[ev.Name] |= ev.Op
	return true
}

// drain moves events already delivered by fsnotify into pending.
func (w *Watcher) drain(pending map[string]fsnotify.Op) {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			queue(pending, ev)
		default:
			return
		}
	}
}

func (w *Watcher) flush(pending map[string]fsnotify.Op) {
	for path, op := range pending {
		w.handle(path, op)
	}
}

func (w *Watcher) handle(path string, op fsnotify.Op) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	agentID, rel, ok := w.locate(path)
	if !ok {
		return
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if w.ignored(part) {
			return
		}
	}

	// New directories need their own watch.
	if info.IsDir() {
		if op&fsnotify.Create != 0 {
			if err := w.addRecursive(path); err != nil {
				w.logger.Warn("failed to watch new directory", "path", path, "error", err)
			}
		}
		return
	}

	w.tracker.Record(agentID, rel)
	w.logger.Debug("file touched", "agent", agentID, "file", rel)
}

// locate finds the agent whose root contains path, preferring the deepest root.
func (w *Watcher) locate(path string) (agentID, rel string, ok bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	best := ""
	for id, root := range w.roots {
		if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
			continue
		}
		if len(root) > len(best) {
			best, agentID = root, id
		}
	}
	if best == "" {
		return "", "", false
	}
	rel, err := filepath.Rel(best, path)
	if err != nil {
		return "", "", false
	}
	return agentID, rel, true
}

func (w *Watcher) ignored(name string) bool {
	for _, ig := range w.ignore {
		if name == ig {
			return true
		}
	}
	return false
}
