package tracker

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/mergeflow/internal/logging"
)

func TestTracker_RecordAndTouched(t *testing.T) {
	tr := New()
	tr.Record("a", "pkg/x.go", "./pkg/x.go", "pkg/y.go", "")
	tr.Record("b", "pkg/z.go")
	tr.Record("", "ignored.go")

	assert.Equal(t, []string{"pkg/x.go", "pkg/y.go"}, tr.TouchedFiles("a"))
	assert.Equal(t, []string{"pkg/z.go"}, tr.TouchedFiles("b"))
	assert.Nil(t, tr.TouchedFiles("missing"))
	assert.Equal(t, []string{"a", "b"}, tr.Agents())

	tr.Forget("a")
	assert.Nil(t, tr.TouchedFiles("a"))
}

func TestTracker_WouldConflict(t *testing.T) {
	tr := New()
	tr.Record("b", "shared.go", "only-b.go")
	tr.Record("a", "shared.go")

	got := tr.WouldConflict([]string{"shared.go", "only-b.go", "fresh.go"})
	assert.Equal(t, map[string][]string{
		"shared.go": {"a", "b"},
		"only-b.go": {"b"},
	}, got)
	assert.Empty(t, tr.WouldConflict(nil))
}

func TestTracker_Concurrent(t *testing.T) {
	tr := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr.Record("agent", filepath.Join("dir", string(rune('a'+i%26))+".go"))
			_ = tr.TouchedFiles("agent")
		}(i)
	}
	wg.Wait()
	assert.Len(t, tr.TouchedFiles("agent"), 26)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWatcher_RecordsWrites(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0755))

	tr := New()
	w, err := NewWatcher(tr, WithLogger(logging.Discard()), WithDebounce(10*time.Millisecond))
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Add("task-1", root))

	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg", "a.go"), []byte("package pkg\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "index"), []byte("x"), 0644))

	waitFor(t, func() bool { return len(tr.TouchedFiles("task-1")) > 0 })
	assert.Equal(t, []string{"pkg/a.go"}, tr.TouchedFiles("task-1"))
}

func TestWatcher_WatchesNewDirectories(t *testing.T) {
	root := t.TempDir()
	tr := New()
	w, err := NewWatcher(tr, WithLogger(logging.Discard()), WithDebounce(10*time.Millisecond))
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Add("task-1", root))

	require.NoError(t, os.MkdirAll(filepath.Join(root, "newdir"), 0755))
	// Give the loop time to register the new directory.
	waitFor(t, func() bool {
		for _, p := range w.watcher.WatchList() {
			if strings.HasSuffix(p, "newdir") {
				return true
			}
		}
		return false
	})

	require.NoError(t, os.WriteFile(filepath.Join(root, "newdir", "b.go"), []byte("package newdir\n"), 0644))
	waitFor(t, func() bool { return len(tr.TouchedFiles("task-1")) > 0 })
	assert.Contains(t, tr.TouchedFiles("task-1"), "newdir/b.go")
}

func TestWatcher_AddMissingPath(t *testing.T) {
	w, err := NewWatcher(New(), WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer w.Close()

	err = w.Add("x", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worktree path does not exist")
}

func TestWatcher_RemoveAndClose(t *testing.T) {
	root := t.TempDir()
	w, err := NewWatcher(New(), WithLogger(logging.Discard()))
	require.NoError(t, err)

	require.NoError(t, w.Add("x", root))
	assert.NotEmpty(t, w.watcher.WatchList())
	w.Remove("x")
	assert.Empty(t, w.watcher.WatchList())
	w.Remove("unknown")

	require.NoError(t, w.Close())
	assert.NoError(t, w.Close())
}

func TestWatcher_RemoveRecordsPendingWrites(t *testing.T) {
	root := t.TempDir()
	tr := New()
	// The debounce never fires on its own within the test.
	w, err := NewWatcher(tr, WithLogger(logging.Discard()), WithDebounce(time.Hour))
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Add("x", root))
	require.NoError(t, os.WriteFile(filepath.Join(root, "late.go"), []byte("package x\n"), 0o644))
	time.Sleep(100 * time.Millisecond)

	w.Remove("x")
	assert.Contains(t, tr.TouchedFiles("x"), "late.go")
}
