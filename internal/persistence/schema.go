package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist. List-valued
// task fields are stored as JSON arrays; times are unix milliseconds with 0
// meaning unset.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		objective TEXT NOT NULL,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		agent_role TEXT NOT NULL DEFAULT '',
		depends_on TEXT NOT NULL DEFAULT '[]',
		conflicts TEXT NOT NULL DEFAULT '[]',
		packages TEXT NOT NULL DEFAULT '[]',
		touched_files TEXT NOT NULL DEFAULT '[]',
		risk_score REAL NOT NULL DEFAULT 0,
		tags TEXT NOT NULL DEFAULT '[]',
		is_decomposed INTEGER NOT NULL DEFAULT 0,
		subtask_ids TEXT NOT NULL DEFAULT '[]',
		parent_id TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS sessions (
		task_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		backend_type TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS conversation_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_conversation_history_task_timestamp
		ON conversation_history(task_id, timestamp);

	CREATE TABLE IF NOT EXISTS merge_items (
		id TEXT PRIMARY KEY,
		branch TEXT NOT NULL,
		step_id TEXT NOT NULL DEFAULT '',
		agent_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		modified_files TEXT NOT NULL DEFAULT '[]',
		conflict_files TEXT NOT NULL DEFAULT '[]',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER,
		next_retry_after INTEGER,
		original_error TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		is_retry INTEGER NOT NULL DEFAULT 0,
		strategy_used TEXT NOT NULL DEFAULT '',
		queued_at INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL DEFAULT 0,
		completed_at INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_merge_items_branch ON merge_items(branch);

	CREATE TABLE IF NOT EXISTS batch_stats (
		run_id TEXT PRIMARY KEY,
		processed INTEGER NOT NULL,
		succeeded INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		average_duration_ms INTEGER NOT NULL,
		strategy_counts TEXT NOT NULL DEFAULT '{}',
		retry_attempts INTEGER NOT NULL,
		retry_successes INTEGER NOT NULL,
		retry_success_rate REAL NOT NULL,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
