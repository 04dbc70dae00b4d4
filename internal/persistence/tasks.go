package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aristath/mergeflow/internal/scheduler"
)

const taskColumns = `id, objective, status, priority, agent_role, depends_on, conflicts, packages,
	touched_files, risk_score, tags, is_decomposed, subtask_ids, parent_id, error`

// SaveTask saves or updates a task. Saves are idempotent.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *scheduler.Task) error {
	if task == nil || task.ID == "" {
		return errors.New("task id is required")
	}
	status := task.Status
	if status == "" {
		status = scheduler.TaskPending
	}

	lists := [][]string{task.DependsOn, task.Conflicts, task.Packages, task.TouchedFiles, task.Tags, task.SubtaskIDs}
	encoded := make([]string, len(lists))
	for i, l := range lists {
		encoded[i] = encodeList(l)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				objective = excluded.objective,
				status = excluded.status,
				priority = excluded.priority,
				agent_role = excluded.agent_role,
				depends_on = excluded.depends_on,
				conflicts = excluded.conflicts,
				packages = excluded.packages,
				touched_files = excluded.touched_files,
				risk_score = excluded.risk_score,
				tags = excluded.tags,
				is_decomposed = excluded.is_decomposed,
				subtask_ids = excluded.subtask_ids,
				parent_id = excluded.parent_id,
				error = excluded.error,
				updated_at = CURRENT_TIMESTAMP
		`, task.ID, task.Objective, string(status), task.Priority, task.AgentRole,
			encoded[0], encoded[1], encoded[2], encoded[3], task.RiskScore, encoded[4],
			task.IsDecomposed, encoded[5], task.ParentID, task.Error)
		if err != nil {
			return fmt.Errorf("failed to upsert task %s: %w", task.ID, err)
		}
		return nil
	})
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return task, nil
}

// UpdateTaskStatus sets the status and failure reason of a task.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, taskID string, status scheduler.TaskStatus, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, error = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, string(status), reason, taskID)
		if err != nil {
			return fmt.Errorf("failed to update task status: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return nil
	})
}

// ListTasks returns all tasks in insertion order.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*scheduler.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*scheduler.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*scheduler.Task, error) {
	task := &scheduler.Task{}
	var status string
	var dependsOn, conflicts, packages, touched, tags, subtasks string

	err := row.Scan(&task.ID, &task.Objective, &status, &task.Priority, &task.AgentRole,
		&dependsOn, &conflicts, &packages, &touched, &task.RiskScore, &tags,
		&task.IsDecomposed, &subtasks, &task.ParentID, &task.Error)
	if err != nil {
		return nil, err
	}
	task.Status = scheduler.TaskStatus(status)

	for _, col := range []struct {
		raw string
		dst *[]string
	}{
		{dependsOn, &task.DependsOn},
		{conflicts, &task.Conflicts},
		{packages, &task.Packages},
		{touched, &task.TouchedFiles},
		{tags, &task.Tags},
		{subtasks, &task.SubtaskIDs},
	} {
		if *col.dst, err = decodeList(col.raw); err != nil {
			return nil, fmt.Errorf("task %s: %w", task.ID, err)
		}
	}
	return task, nil
}

func encodeList(l []string) string {
	if len(l) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(l)
	return string(b)
}

func decodeList(raw string) ([]string, error) {
	if raw == "" || raw == "[]" || raw == "null" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("failed to decode list column: %w", err)
	}
	return out, nil
}
