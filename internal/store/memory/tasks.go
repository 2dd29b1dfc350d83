package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/coinpulse/collector/internal/models"
)

func (s *Store) CreateTask(_ context.Context, task models.BackfillTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = models.TaskPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if _, dup := s.tasks[task.ID]; dup {
		return fmt.Errorf("duplicate task id %s", task.ID)
	}
	t := task
	s.tasks[task.ID] = &t
	return nil
}

func (s *Store) GetPendingTasks(_ context.Context, limit int) ([]models.BackfillTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*models.BackfillTask
	for _, t := range s.tasks {
		if t.Status == models.TaskPending {
			pending = append(pending, t)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	now := time.Now().UTC()
	out := make([]models.BackfillTask, 0, len(pending))
	for _, t := range pending {
		t.Status = models.TaskRunning
		started := now
		t.StartedAt = &started
		out = append(out, *t)
	}
	return out, nil
}

func (s *Store) CompleteTask(_ context.Context, id string, actualRecords int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.Status != models.TaskRunning {
		return fmt.Errorf("cannot complete task %s: not in running state", id)
	}
	t.Status = models.TaskCompleted
	t.ActualRecords = &actualRecords
	t.ErrorMessage = nil
	done := time.Now().UTC()
	t.CompletedAt = &done
	return nil
}

func (s *Store) FailTask(_ context.Context, id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.Status != models.TaskRunning {
		return fmt.Errorf("cannot fail task %s: not in running state", id)
	}
	t.Status = models.TaskFailed
	t.ErrorMessage = &errMsg
	t.RetryCount++
	done := time.Now().UTC()
	t.CompletedAt = &done
	return nil
}

func (s *Store) RetryFailedTasks(_ context.Context, n int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reset := 0
	for _, t := range s.tasks {
		if reset >= n {
			break
		}
		if t.Status == models.TaskFailed && t.RetryCount < t.MaxRetries {
			t.Status = models.TaskPending
			t.StartedAt = nil
			t.CompletedAt = nil
			reset++
		}
	}
	return reset, nil
}

func (s *Store) ResetStaleRunning(_ context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge)
	reset := 0
	for _, t := range s.tasks {
		if t.Status == models.TaskRunning && t.StartedAt != nil && t.StartedAt.Before(cutoff) {
			t.Status = models.TaskPending
			t.StartedAt = nil
			reset++
		}
	}
	return reset, nil
}

func (s *Store) CleanupTasks(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	removed := 0
	for id, t := range s.tasks {
		if t.Status == models.TaskCompleted && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			delete(s.tasks, id)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) CountPendingTasks(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.tasks {
		if t.Status == models.TaskPending {
			n++
		}
	}
	return n, nil
}

func (s *Store) PendingTaskExists(_ context.Context, marketID int64, dt models.DataType, tf models.Timeframe, start time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks {
		if t.MarketID == marketID && t.DataType == dt && t.Timeframe == tf &&
			t.StartTime.Equal(start.UTC()) &&
			(t.Status == models.TaskPending || t.Status == models.TaskRunning) {
			return true, nil
		}
	}
	return false, nil
}

// Tasks returns a snapshot of all tasks for test assertions.
func (s *Store) Tasks() []models.BackfillTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.BackfillTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
