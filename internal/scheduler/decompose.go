package scheduler

import (
	"errors"
	"fmt"
)

// ErrAlreadyDecomposed is returned when a parent has been split before.
var ErrAlreadyDecomposed = errors.New("task already decomposed")

// Decompose replaces parent with subtasks. The parent is marked decomposed and
// records the subtask IDs; each subtask records the parent. Subtasks inherit the
// parent's prerequisites and priority when they declare none.
//
// The parent and subtasks are modified in place. Once decomposed, the parent is
// no longer a graph node and counts as complete only when every subtask does.
func Decompose(parent *Task, subtasks []*Task) error {
	if parent == nil {
		return fmt.Errorf("decompose: nil parent")
	}
	if parent.IsDecomposed || parent.Status == TaskDecomposed {
		return fmt.Errorf("decompose %q: %w", parent.ID, ErrAlreadyDecomposed)
	}
	if len(subtasks) == 0 {
		return fmt.Errorf("decompose %q: no subtasks", parent.ID)
	}

	seen := make(map[string]bool, len(subtasks))
	for _, st := range subtasks {
		if st == nil || st.ID == "" {
			return fmt.Errorf("decompose %q: subtask without ID", parent.ID)
		}
		if st.ID == parent.ID {
			return fmt.Errorf("decompose %q: subtask reuses the parent ID", parent.ID)
		}
		if seen[st.ID] {
			return fmt.Errorf("decompose %q: duplicate subtask %q", parent.ID, st.ID)
		}
		seen[st.ID] = true
	}

	ids := make([]string, 0, len(subtasks))
	for _, st := range subtasks {
		st.ParentID = parent.ID
		if st.Status == "" {
			st.Status = TaskPending
		}
		if len(st.DependsOn) == 0 {
			st.DependsOn = cloneStrings(parent.DependsOn)
		}
		if st.Priority == 0 {
			st.Priority = parent.Priority
		}
		if st.AgentRole == "" {
			st.AgentRole = parent.AgentRole
		}
		ids = append(ids, st.ID)
	}

	parent.IsDecomposed = true
	parent.Status = TaskDecomposed
	parent.SubtaskIDs = ids
	return nil
}
