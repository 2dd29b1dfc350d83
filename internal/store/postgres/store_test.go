package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpulse/collector/internal/metrics"
	"github.com/coinpulse/collector/internal/models"
	"github.com/coinpulse/collector/internal/store"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Store{db: sqlx.NewDb(db, "sqlmock"), timeout: 5 * time.Second, maxConns: 10}, mock
}

func TestUpsertOHLCVBatch_SkipsBadRowAndCommits(t *testing.T) {
	s, mock := newMockStore(t)
	ts := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	bars := []models.OHLCVBar{
		{MarketID: 1, Timeframe: models.Timeframe1m, Time: ts, Open: decimal.NewFromInt(100), High: decimal.NewFromInt(101), Low: decimal.NewFromInt(99), Close: decimal.NewFromInt(100), Volume: decimal.NewFromInt(5)},
		{MarketID: 1, Timeframe: models.Timeframe1m, Time: ts.Add(time.Minute), Open: decimal.NewFromInt(100), High: decimal.NewFromInt(101), Low: decimal.NewFromInt(99), Close: decimal.NewFromInt(100), Volume: decimal.NewFromInt(5)},
	}

	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT row_sp").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO ohlcv").WillReturnError(assert.AnError)
	mock.ExpectExec("ROLLBACK TO SAVEPOINT row_sp").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SAVEPOINT row_sp").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO ohlcv").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("RELEASE SAVEPOINT row_sp").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	written, err := s.UpsertOHLCVBatch(context.Background(), bars)
	require.NoError(t, err, "a bad row must not abort the batch")
	assert.Equal(t, 1, written)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertOHLCVBatch_CountsWritesPerOutcome(t *testing.T) {
	s, mock := newMockStore(t)
	reg := metrics.New()
	s.SetMetrics(reg)
	ts := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	bars := []models.OHLCVBar{
		{MarketID: 1, Timeframe: models.Timeframe1m, Time: ts, Open: decimal.NewFromInt(100), High: decimal.NewFromInt(101), Low: decimal.NewFromInt(99), Close: decimal.NewFromInt(100), Volume: decimal.NewFromInt(5)},
		{MarketID: 1, Timeframe: models.Timeframe1m, Time: ts.Add(time.Minute), Open: decimal.NewFromInt(100), High: decimal.NewFromInt(101), Low: decimal.NewFromInt(99), Close: decimal.NewFromInt(100), Volume: decimal.NewFromInt(5)},
	}

	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT row_sp").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO ohlcv").WillReturnError(assert.AnError)
	mock.ExpectExec("ROLLBACK TO SAVEPOINT row_sp").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SAVEPOINT row_sp").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO ohlcv").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("RELEASE SAVEPOINT row_sp").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	written, err := s.UpsertOHLCVBatch(context.Background(), bars)
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	assert.Equal(t, 1.0, testutil.ToFloat64(reg.DBWrites.WithLabelValues("ohlcv", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.DBWrites.WithLabelValues("ohlcv", "error")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertMetricBatch_NilValueNeverReachesDB(t *testing.T) {
	s, mock := newMockStore(t)
	ts := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	v := decimal.NewFromFloat(0.0004)

	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT row_sp").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO market_metrics").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("RELEASE SAVEPOINT row_sp").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	written, err := s.UpsertMetricBatch(context.Background(), 1, []store.MetricPoint{
		{Time: ts, Name: models.MetricFundingRate, Value: &v},
		{Time: ts.Add(time.Minute), Name: models.MetricFundingRate, Value: nil},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, written)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPendingTasks_ClaimsWithSkipLocked(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"id", "market_id", "data_type", "timeframe", "start_time", "end_time",
		"priority", "retry_count", "max_retries", "expected_records", "actual_records",
		"status", "error_message", "created_at", "started_at", "completed_at",
	}).AddRow("t1", int64(1), "ohlcv:1m", "1m", created, created.Add(time.Hour),
		10, 0, 3, 60, nil, "running", nil, created, created, nil)

	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").WillReturnRows(rows)

	tasks, err := s.GetPendingTasks(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskRunning, tasks[0].Status)
	assert.Equal(t, models.KindOHLCV, tasks[0].DataType.Kind)
	assert.Equal(t, models.Timeframe1m, tasks[0].DataType.Timeframe)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHeuristicMarketType(t *testing.T) {
	assert.Equal(t, models.MarketTypeLinearPerpetual, heuristicMarketType("binance_futures"))
	assert.Equal(t, models.MarketTypeLinearPerpetual, heuristicMarketType("bybit"))
	assert.Equal(t, models.MarketTypeSpot, heuristicMarketType("kraken"))
	assert.Equal(t, models.MarketTypeSpot, heuristicMarketType("coinbase"))
}
