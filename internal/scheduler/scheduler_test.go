package scheduler

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTracker map[string][]string

func (f fakeTracker) TouchedFiles(agentID string) []string {
	return f[agentID]
}

func TestScheduler_Schedule(t *testing.T) {
	tasks := []*Task{
		{ID: "a", Status: TaskPending, TouchedFiles: []string{"a.go"}},
		{ID: "b", Status: TaskPending, TouchedFiles: []string{"b.go"}},
		{ID: "c", Status: TaskPending, TouchedFiles: []string{"c.go"}},
		{ID: "d", Status: TaskPending, DependsOn: []string{"a"}},
	}

	best, g := New().Schedule(tasks, 3)
	require.NotNil(t, best)
	assert.Equal(t, []string{"a", "b", "c"}, best.IDs())
	assert.Len(t, g.ReadyTasks, 3)
	assert.Contains(t, g.Blocked(), "d")
}

func TestScheduler_NextBatchFallsBackToSingleTask(t *testing.T) {
	tasks := []*Task{
		{ID: "a", Status: TaskPending, Priority: 2},
		{ID: "b", Status: TaskPending, Priority: 1},
		{ID: "c", Status: TaskPending, Priority: 3},
	}
	s := New()

	// Every task has a partner, so no singleton is generated and nothing fits.
	best, _ := s.Schedule(tasks, 1)
	assert.Nil(t, best)

	batch := s.NextBatch(tasks, 1)
	require.NotNil(t, batch)
	assert.Equal(t, []string{"b"}, batch.IDs())
}

func TestScheduler_NextBatchNothingReady(t *testing.T) {
	tasks := []*Task{
		{ID: "a", Status: TaskComplete},
		{ID: "b", Status: TaskFailed},
	}
	assert.Nil(t, New().NextBatch(tasks, 3))
}

func TestScheduler_FileTracker(t *testing.T) {
	tasks := []*Task{
		{ID: "a", Status: TaskPending, TouchedFiles: []string{"a.go"}},
		{ID: "b", Status: TaskPending},
	}
	tracker := fakeTracker{"b": {"./a.go"}}

	best, _ := New(WithFileTracker(tracker)).Schedule(tasks, 2)
	require.NotNil(t, best)
	assert.Equal(t, 1, best.Size(), "tracked overlap must keep a and b apart")

	// Inputs are never mutated.
	assert.Empty(t, tasks[1].TouchedFiles)
}

func TestScheduler_PackageInferenceWarns(t *testing.T) {
	inferrer, err := NewPackageInferrer([]PackageRule{{Pattern: "internal/core/**", Package: "core"}})
	require.NoError(t, err)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	tasks := []*Task{
		{ID: "a", Status: TaskPending, TouchedFiles: []string{"internal/core/a.go"}},
		{ID: "b", Status: TaskPending, TouchedFiles: []string{"internal/core/b.go"}},
	}
	best, _ := New(WithPackageInference(inferrer), WithLogger(logger)).Schedule(tasks, 2)
	require.NotNil(t, best)
	assert.Equal(t, []string{"a", "b"}, best.IDs())
	assert.InDelta(t, 0.85, best.ParallelismScore, 1e-9)
	assert.Contains(t, buf.String(), "package overlap")
	assert.Empty(t, tasks[0].Packages)
}

func TestScheduler_WithMaxSetSize(t *testing.T) {
	tasks := []*Task{
		{ID: "a", Status: TaskPending},
		{ID: "b", Status: TaskPending},
		{ID: "c", Status: TaskPending},
	}
	best, _ := New(WithMaxSetSize(2)).Schedule(tasks, 3)
	require.NotNil(t, best)
	assert.Equal(t, []string{"a", "b"}, best.IDs())
}
