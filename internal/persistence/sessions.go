package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const opTimeout = 5 * time.Second

// SaveSession records the agent session a task ran in so a later run can
// resume it. The last save wins.
func (s *SQLiteStore) SaveSession(ctx context.Context, taskID, sessionID, backendType string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (task_id, session_id, backend_type)
			VALUES (?, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET
				session_id = excluded.session_id,
				backend_type = excluded.backend_type
		`, taskID, sessionID, backendType)
		if err != nil {
			return fmt.Errorf("failed to save session for %s: %w", taskID, err)
		}
		return nil
	})
}

// GetSession returns the recorded session for a task, or ErrNotFound.
func (s *SQLiteStore) GetSession(ctx context.Context, taskID string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var sessionID, backendType string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, backend_type FROM sessions WHERE task_id = ?`, taskID,
	).Scan(&sessionID, &backendType)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("no session for task %q: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to query session: %w", err)
	}
	return sessionID, backendType, nil
}

// SaveMessage appends a message to a task's conversation history.
func (s *SQLiteStore) SaveMessage(ctx context.Context, taskID, role, content string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_history (task_id, role, content) VALUES (?, ?, ?)`,
		taskID, role, content)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// GetHistory returns a task's messages oldest first, never nil.
func (s *SQLiteStore) GetHistory(ctx context.Context, taskID string) ([]ConversationTurn, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	// id breaks ties between messages saved in the same second
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, timestamp
		FROM conversation_history
		WHERE task_id = ?
		ORDER BY timestamp ASC, id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	history := []ConversationTurn{}
	for rows.Next() {
		var turn ConversationTurn
		if err := rows.Scan(&turn.Role, &turn.Content, &turn.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		history = append(history, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return history, nil
}
