package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coinpulse/collector/internal/models"
)

// CreateTask inserts a pending backfill task. An empty ID gets a
// fresh UUID.
func (s *Store) CreateTask(ctx context.Context, task models.BackfillTask) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = models.TaskPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backfill_tasks
			(id, market_id, data_type, timeframe, start_time, end_time,
			 priority, retry_count, max_retries, expected_records, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		task.ID, task.MarketID, task.DataType, task.Timeframe,
		task.StartTime.UTC(), task.EndTime.UTC(), task.Priority,
		task.RetryCount, task.MaxRetries, task.ExpectedRecords,
		task.Status, task.CreatedAt)
	if err != nil {
		s.recordWrites("backfill_tasks", "error", 1)
		return fmt.Errorf("failed to create backfill task: %w", err)
	}
	s.recordWrites("backfill_tasks", "success", 1)
	return nil
}

// GetPendingTasks claims up to limit pending tasks, highest priority
// first then oldest first, marking them running. SKIP LOCKED keeps
// concurrent workers off the same rows.
func (s *Store) GetPendingTasks(ctx context.Context, limit int) ([]models.BackfillTask, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var out []models.BackfillTask
	err := s.db.SelectContext(ctx, &out, `
		UPDATE backfill_tasks SET status = 'running', started_at = now()
		WHERE id IN (
			SELECT id FROM backfill_tasks
			WHERE status = 'pending'
			ORDER BY priority DESC, created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, market_id, data_type, timeframe, start_time, end_time,
			priority, retry_count, max_retries, expected_records, actual_records,
			status, error_message, created_at, started_at, completed_at`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending tasks: %w", err)
	}
	return out, nil
}

// CompleteTask finishes a running task.
func (s *Store) CompleteTask(ctx context.Context, id string, actualRecords int) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE backfill_tasks
		SET status = 'completed', actual_records = $2, completed_at = now(), error_message = NULL
		WHERE id = $1 AND status = 'running'`, id, actualRecords)
	if err != nil {
		s.recordWrites("backfill_tasks", "error", 1)
		return fmt.Errorf("failed to complete task: %w", err)
	}
	s.recordWrites("backfill_tasks", "success", 1)
	return requireOneRow(res, id, "complete")
}

// FailTask records a failure and increments the retry counter.
func (s *Store) FailTask(ctx context.Context, id string, errMsg string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE backfill_tasks
		SET status = 'failed', error_message = $2, retry_count = retry_count + 1, completed_at = now()
		WHERE id = $1 AND status = 'running'`, id, errMsg)
	if err != nil {
		s.recordWrites("backfill_tasks", "error", 1)
		return fmt.Errorf("failed to fail task: %w", err)
	}
	s.recordWrites("backfill_tasks", "success", 1)
	return requireOneRow(res, id, "fail")
}

// RetryFailedTasks resets up to n failed tasks with remaining retry
// budget back to pending.
func (s *Store) RetryFailedTasks(ctx context.Context, n int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE backfill_tasks
		SET status = 'pending', started_at = NULL, completed_at = NULL
		WHERE id IN (
			SELECT id FROM backfill_tasks
			WHERE status = 'failed' AND retry_count < max_retries
			ORDER BY priority DESC, created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)`, n)
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed tasks: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// ResetStaleRunning returns tasks stuck in running longer than maxAge
// to pending; covers mid-run process restarts.
func (s *Store) ResetStaleRunning(ctx context.Context, maxAge time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE backfill_tasks
		SET status = 'pending', started_at = NULL
		WHERE status = 'running' AND started_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(maxAge.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale running tasks: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// CleanupTasks removes completed tasks older than the horizon.
func (s *Store) CleanupTasks(ctx context.Context, olderThan time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM backfill_tasks
		WHERE status = 'completed' AND completed_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up tasks: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// CountPendingTasks reports the pending backlog for the gauge.
func (s *Store) CountPendingTasks(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM backfill_tasks WHERE status = 'pending'`)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending tasks: %w", err)
	}
	return n, nil
}

// PendingTaskExists reports whether an open task already covers the
// same gap start.
func (s *Store) PendingTaskExists(ctx context.Context, marketID int64, dt models.DataType, tf models.Timeframe, start time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM backfill_tasks
			WHERE market_id = $1 AND data_type = $2 AND timeframe = $3
			  AND start_time = $4 AND status IN ('pending', 'running')
		)`, marketID, dt, tf, start.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to check pending task: %w", err)
	}
	return exists, nil
}

func requireOneRow(res interface{ RowsAffected() (int64, error) }, id, op string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("cannot %s task %s: not in running state", op, id)
	}
	return nil
}
