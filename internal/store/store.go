// Package store defines the persistence contract against the
// time-series database. Implementations live in subpackages: postgres
// (TimescaleDB, production) and memory (deterministic, tests and
// offline runs). All writes are idempotent upserts keyed on content
// primary keys, so replaying any cycle is safe.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinpulse/collector/internal/models"
)

// BucketStatus is one row of the expected-bucket checklist used by
// gap detection.
type BucketStatus struct {
	BucketStart time.Time `json:"bucket_start" db:"bucket_start"`
	HasData     bool      `json:"has_data" db:"has_data"`
}

// MetricPoint is the write shape for market_metrics. A nil Value marks
// an upstream-absent observation; batch writers skip such rows instead
// of failing the batch.
type MetricPoint struct {
	Time     time.Time
	Name     models.MetricName
	Value    *decimal.Decimal
	Metadata map[string]interface{}
}

// CVDPoint is one cumulative-volume-delta observation from
// market_cvd_1m (read-only to the core).
type CVDPoint struct {
	Time time.Time       `json:"time" db:"time"`
	CVD  decimal.Decimal `json:"cvd" db:"cvd"`
}

// RetentionRow reports observed versus configured retention for one
// hypertable layer. The core never enforces retention; it only
// surfaces drift.
type RetentionRow struct {
	Table        string  `json:"table" db:"table_name"`
	ActualDays   float64 `json:"actual_days" db:"actual_days"`
	ExpectedDays float64 `json:"expected_days" db:"expected_days"`
}

// PoolStats mirrors the connection pool gauges.
type PoolStats struct {
	Open  int `json:"open"`
	InUse int `json:"in_use"`
	Idle  int `json:"idle"`
	Max   int `json:"max"`
}

// MarketStore owns the static registries.
type MarketStore interface {
	// GetOrCreateMarket upserts a market registry row. The market type
	// comes from the symbol_registry table when present, otherwise
	// from an exchange-family heuristic.
	GetOrCreateMarket(ctx context.Context, exchange, symbol string) (models.Market, error)

	// GetOrCreateBlockchain resolves a chain name to its registry ID.
	GetOrCreateBlockchain(ctx context.Context, name string) (int64, error)

	// ActiveMarkets lists registry rows with is_active set.
	ActiveMarkets(ctx context.Context) ([]models.Market, error)
}

// SeriesStore owns the time-series tables. Batch operations accept
// zero or more rows and return the count successfully written; a
// single bad row is logged and skipped, never aborting the batch.
type SeriesStore interface {
	UpsertOHLCVBatch(ctx context.Context, bars []models.OHLCVBar) (int, error)
	UpsertMetricBatch(ctx context.Context, marketID int64, points []MetricPoint) (int, error)
	UpsertGlobalIndicatorBatch(ctx context.Context, rows []models.GlobalIndicator) (int, error)
	UpsertWhaleTransactions(ctx context.Context, rows []models.WhaleTransaction) (int, error)
	InsertLiquidationsBatch(ctx context.Context, rows []models.Liquidation) (int, error)
	InsertMarketSignals(ctx context.Context, rows []models.MarketSignal) (int, error)

	// LatestOHLCVTime returns the newest bucket start, or nil when the
	// series is empty.
	LatestOHLCVTime(ctx context.Context, marketID int64, tf models.Timeframe) (*time.Time, error)

	// MissingBuckets returns the ordered expected-bucket checklist for
	// [from, to).
	MissingBuckets(ctx context.Context, marketID int64, tf models.Timeframe, from, to time.Time) ([]BucketStatus, error)

	// OHLCVRange reads bars in [from, to) ascending.
	OHLCVRange(ctx context.Context, marketID int64, tf models.Timeframe, from, to time.Time) ([]models.OHLCVBar, error)

	// LatestMetric returns the most recent named metric point, or nil.
	LatestMetric(ctx context.Context, marketID int64, name models.MetricName) (*models.MarketMetric, error)

	// MetricRange reads named metric points in [from, to) ascending.
	MetricRange(ctx context.Context, marketID int64, name models.MetricName, from, to time.Time) ([]models.MarketMetric, error)

	// LiquidationsSince reads liquidations at or after from, ascending.
	LiquidationsSince(ctx context.Context, from time.Time) ([]models.Liquidation, error)

	// CVDSeries reads cumulative volume delta in [from, to) ascending.
	CVDSeries(ctx context.Context, marketID int64, from, to time.Time) ([]CVDPoint, error)

	// RetentionReport surfaces actual vs expected retention per layer.
	RetentionReport(ctx context.Context) ([]RetentionRow, error)
}

// TaskStore owns the backfill task table and its state machine.
type TaskStore interface {
	CreateTask(ctx context.Context, task models.BackfillTask) error

	// GetPendingTasks claims up to limit pending tasks ordered by
	// priority descending then age ascending, marking them running.
	// Claimed tasks are invisible to concurrent workers.
	GetPendingTasks(ctx context.Context, limit int) ([]models.BackfillTask, error)

	CompleteTask(ctx context.Context, id string, actualRecords int) error
	FailTask(ctx context.Context, id string, errMsg string) error

	// RetryFailedTasks resets up to n failed tasks with remaining
	// retry budget back to pending; returns the count reset.
	RetryFailedTasks(ctx context.Context, n int) (int, error)

	// ResetStaleRunning returns tasks stuck in running longer than
	// maxAge to pending; covers mid-run process restarts.
	ResetStaleRunning(ctx context.Context, maxAge time.Duration) (int, error)

	// CleanupTasks removes completed tasks older than the horizon.
	CleanupTasks(ctx context.Context, olderThan time.Duration) (int, error)

	CountPendingTasks(ctx context.Context) (int, error)

	// PendingTaskExists reports whether an equivalent pending or
	// running task already covers (market, data type, timeframe,
	// start); used to keep gap detection from piling up duplicates.
	PendingTaskExists(ctx context.Context, marketID int64, dt models.DataType, tf models.Timeframe, start time.Time) (bool, error)
}

// LogStore owns append-only operational records.
type LogStore interface {
	InsertSystemLog(ctx context.Context, entry models.SystemLog) error
	InsertQualitySummary(ctx context.Context, row models.QualitySummary) error
}

// Store aggregates the persistence contract.
type Store interface {
	MarketStore
	SeriesStore
	TaskStore
	LogStore

	// Ping verifies connectivity for health checks.
	Ping(ctx context.Context) error

	// Stats reports connection pool usage for the db_pool gauges.
	Stats() PoolStats

	// Close releases the pool.
	Close() error
}
