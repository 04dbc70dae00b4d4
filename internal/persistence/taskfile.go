package persistence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aristath/mergeflow/internal/scheduler"
)

// taskFile is the on-disk task list. A bare YAML sequence of tasks is
// accepted too.
type taskFile struct {
	Tasks []*scheduler.Task `yaml:"tasks"`
}

// LoadTaskFile reads tasks from a YAML file. Tasks without a status are
// pending; IDs must be present and unique.
func LoadTaskFile(path string) ([]*scheduler.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	return ParseTasks(data)
}

// ParseTasks decodes a YAML task list.
func ParseTasks(data []byte) ([]*scheduler.Task, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse task file: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, errors.New("task file is empty")
	}

	var tasks []*scheduler.Task
	root := doc.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&tasks); err != nil {
			return nil, fmt.Errorf("failed to decode tasks: %w", err)
		}
	case yaml.MappingNode:
		var f taskFile
		if err := root.Decode(&f); err != nil {
			return nil, fmt.Errorf("failed to decode tasks: %w", err)
		}
		tasks = f.Tasks
	default:
		return nil, fmt.Errorf("task file must be a list or a mapping with a tasks key (line %d)", root.Line)
	}

	seen := make(map[string]bool, len(tasks))
	for i, t := range tasks {
		if t == nil {
			return nil, fmt.Errorf("task %d is empty", i)
		}
		t.ID = strings.TrimSpace(t.ID)
		if t.ID == "" {
			return nil, fmt.Errorf("task %d has no id", i)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
		if t.Status == "" {
			t.Status = scheduler.TaskPending
		}
	}
	return tasks, nil
}

// SeedTasks saves tasks into the store. Tasks already present keep their
// stored status so a rerun resumes instead of starting over.
func SeedTasks(ctx context.Context, store Store, tasks []*scheduler.Task) (int, error) {
	added := 0
	for _, t := range tasks {
		existing, err := store.GetTask(ctx, t.ID)
		switch {
		case err == nil:
			t.Status = existing.Status
			t.Error = existing.Error
		case !errors.Is(err, ErrNotFound):
			return added, err
		default:
			added++
		}
		if err := store.SaveTask(ctx, t); err != nil {
			return added, err
		}
	}
	return added, nil
}
