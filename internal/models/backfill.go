package models

import (
	"time"
)

// TaskStatus is the backfill task state machine:
//
//	pending -> running -> completed
//	                   -> failed -> pending (while retry_count < max_retries)
//
// completed and exhausted failed are terminal.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// CanTransition reports whether moving from s to next is a legal edge
// of the task state machine.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskPending:
		return next == TaskRunning
	case TaskRunning:
		return next == TaskCompleted || next == TaskFailed
	case TaskFailed:
		return next == TaskPending
	default:
		return false
	}
}

// BackfillTask is one unit of historical repair work covering a
// contiguous missing range of buckets for a (market, data type,
// timeframe).
type BackfillTask struct {
	ID              string     `json:"id" db:"id"`
	MarketID        int64      `json:"market_id" db:"market_id"`
	DataType        DataType   `json:"data_type" db:"data_type"`
	Timeframe       Timeframe  `json:"timeframe,omitempty" db:"timeframe"`
	StartTime       time.Time  `json:"start_time" db:"start_time"`
	EndTime         time.Time  `json:"end_time" db:"end_time"`
	Priority        int        `json:"priority" db:"priority"`
	RetryCount      int        `json:"retry_count" db:"retry_count"`
	MaxRetries      int        `json:"max_retries" db:"max_retries"`
	ExpectedRecords int        `json:"expected_records" db:"expected_records"`
	ActualRecords   *int       `json:"actual_records,omitempty" db:"actual_records"`
	Status          TaskStatus `json:"status" db:"status"`
	ErrorMessage    *string    `json:"error_message,omitempty" db:"error_message"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Terminal reports whether the task can never run again.
func (t BackfillTask) Terminal() bool {
	if t.Status == TaskCompleted {
		return true
	}
	return t.Status == TaskFailed && t.RetryCount >= t.MaxRetries
}
