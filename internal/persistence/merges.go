package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/mergeflow/internal/mergequeue"
)

const itemColumns = `id, branch, step_id, agent_id, status, modified_files, conflict_files,
	retry_count, max_retries, next_retry_after, original_error, error, is_retry,
	strategy_used, queued_at, started_at, completed_at, duration_ms`

// RecordItem stores the latest state of a merge queue item, keyed by item ID.
func (s *SQLiteStore) RecordItem(ctx context.Context, item mergequeue.Item) error {
	var nextRetry, maxRetries sql.NullInt64
	if item.NextRetryAfter != nil {
		nextRetry = sql.NullInt64{Int64: toMillis(*item.NextRetryAfter), Valid: true}
	}
	if item.MaxRetries != nil {
		maxRetries = sql.NullInt64{Int64: int64(*item.MaxRetries), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merge_items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			modified_files = excluded.modified_files,
			conflict_files = excluded.conflict_files,
			retry_count = excluded.retry_count,
			max_retries = excluded.max_retries,
			next_retry_after = excluded.next_retry_after,
			original_error = excluded.original_error,
			error = excluded.error,
			is_retry = excluded.is_retry,
			strategy_used = excluded.strategy_used,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms
	`, item.ID, item.Branch, item.StepID, item.AgentID, string(item.Status),
		encodeList(item.ModifiedFiles), encodeList(item.ConflictFiles),
		item.RetryCount, maxRetries, nextRetry, item.OriginalError, item.Error, item.IsRetry,
		item.StrategyUsed, toMillis(item.QueuedAt), toMillis(item.StartedAt), toMillis(item.CompletedAt),
		item.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to record merge item %s: %w", item.Branch, err)
	}
	return nil
}

// ListItems returns every recorded merge item, oldest queued first.
func (s *SQLiteStore) ListItems(ctx context.Context) ([]mergequeue.Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM merge_items ORDER BY queued_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query merge items: %w", err)
	}
	defer rows.Close()

	var items []mergequeue.Item
	for rows.Next() {
		var (
			item                         mergequeue.Item
			status, modified, conflicted string
			nextRetry, maxRetries        sql.NullInt64
			queued, started, completed   int64
			durationMs                   int64
		)
		err := rows.Scan(&item.ID, &item.Branch, &item.StepID, &item.AgentID, &status,
			&modified, &conflicted, &item.RetryCount, &maxRetries, &nextRetry,
			&item.OriginalError, &item.Error, &item.IsRetry, &item.StrategyUsed,
			&queued, &started, &completed, &durationMs)
		if err != nil {
			return nil, fmt.Errorf("failed to scan merge item: %w", err)
		}
		item.Status = mergequeue.Status(status)
		if item.ModifiedFiles, err = decodeList(modified); err != nil {
			return nil, err
		}
		if item.ConflictFiles, err = decodeList(conflicted); err != nil {
			return nil, err
		}
		if nextRetry.Valid {
			t := fromMillis(nextRetry.Int64)
			item.NextRetryAfter = &t
		}
		if maxRetries.Valid {
			n := int(maxRetries.Int64)
			item.MaxRetries = &n
		}
		item.QueuedAt = fromMillis(queued)
		item.StartedAt = fromMillis(started)
		item.CompletedAt = fromMillis(completed)
		item.Duration = time.Duration(durationMs) * time.Millisecond
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating merge items: %w", err)
	}
	return items, nil
}

// RecordStats stores the statistics of one processing run.
func (s *SQLiteStore) RecordStats(ctx context.Context, runID string, stats mergequeue.Stats) error {
	counts, err := json.Marshal(stats.StrategyCounts)
	if err != nil {
		return fmt.Errorf("failed to encode strategy counts: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO batch_stats (run_id, processed, succeeded, failed, average_duration_ms,
			strategy_counts, retry_attempts, retry_successes, retry_success_rate)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			processed = excluded.processed,
			succeeded = excluded.succeeded,
			failed = excluded.failed,
			average_duration_ms = excluded.average_duration_ms,
			strategy_counts = excluded.strategy_counts,
			retry_attempts = excluded.retry_attempts,
			retry_successes = excluded.retry_successes,
			retry_success_rate = excluded.retry_success_rate,
			recorded_at = CURRENT_TIMESTAMP
	`, runID, stats.Processed, stats.Succeeded, stats.Failed, stats.AverageDuration.Milliseconds(),
		string(counts), stats.RetryAttempts, stats.RetrySuccesses, stats.RetrySuccessRate)
	if err != nil {
		return fmt.Errorf("failed to record stats for run %s: %w", runID, err)
	}
	return nil
}

// GetStats returns the statistics recorded for a run.
func (s *SQLiteStore) GetStats(ctx context.Context, runID string) (mergequeue.Stats, error) {
	var (
		stats  mergequeue.Stats
		avgMs  int64
		counts string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT processed, succeeded, failed, average_duration_ms, strategy_counts,
			retry_attempts, retry_successes, retry_success_rate
		FROM batch_stats WHERE run_id = ?
	`, runID).Scan(&stats.Processed, &stats.Succeeded, &stats.Failed, &avgMs, &counts,
		&stats.RetryAttempts, &stats.RetrySuccesses, &stats.RetrySuccessRate)
	if errors.Is(err, sql.ErrNoRows) {
		return mergequeue.Stats{}, fmt.Errorf("stats for run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return mergequeue.Stats{}, fmt.Errorf("failed to query stats: %w", err)
	}
	stats.AverageDuration = time.Duration(avgMs) * time.Millisecond
	if err := json.Unmarshal([]byte(counts), &stats.StrategyCounts); err != nil {
		return mergequeue.Stats{}, fmt.Errorf("failed to decode strategy counts: %w", err)
	}
	return stats, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
