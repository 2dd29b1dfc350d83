// Package metrics owns the Prometheus metric surface. Metric names and
// label sets are a contract with downstream dashboards; do not rename
// without coordinating.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every collector metric. It is injected explicitly
// rather than living in package globals so tests can assert on a
// fresh registry per case.
type Registry struct {
	reg *prometheus.Registry

	OHLCVCollected              *prometheus.CounterVec
	TradesCollected             *prometheus.CounterVec
	OrderbookSnapshotsCollected *prometheus.CounterVec

	APIRequests        *prometheus.CounterVec
	APIErrors          *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec

	ValidationFailures *prometheus.CounterVec
	DataQualityScore   *prometheus.GaugeVec
	DataMissingRate    *prometheus.GaugeVec

	BackfillTasksPending   prometheus.Gauge
	BackfillTasksCompleted *prometheus.CounterVec

	ConsecutiveFailures      *prometheus.GaugeVec
	LastSuccessfulCollection *prometheus.GaugeVec

	SchedulerJobRuns        *prometheus.CounterVec
	SchedulerJobDuration    *prometheus.HistogramVec
	SchedulerJobLastSuccess *prometheus.GaugeVec
	SchedulerJobLastFailure *prometheus.GaugeVec

	DBWrites             *prometheus.CounterVec
	DBPoolConnections    *prometheus.GaugeVec
	DBPoolUsageRate      prometheus.Gauge
	DBPoolTotalConns     prometheus.Gauge

	Running prometheus.Gauge
	Info    *prometheus.GaugeVec

	ETFUnknownProducts prometheus.Counter

	RetentionActualDays   *prometheus.GaugeVec
	RetentionExpectedDays *prometheus.GaugeVec
}

// New builds and registers the full metric surface on a private
// Prometheus registry.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.OHLCVCollected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_ohlcv_collected_total",
		Help: "OHLCV bars written, by exchange, symbol, and timeframe",
	}, []string{"exchange", "symbol", "timeframe"})

	r.TradesCollected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_trades_collected_total",
		Help: "Trades written, by exchange and symbol",
	}, []string{"exchange", "symbol"})

	r.OrderbookSnapshotsCollected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_orderbook_snapshots_collected_total",
		Help: "Order book snapshots written, by exchange and symbol",
	}, []string{"exchange", "symbol"})

	r.APIRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_api_requests_total",
		Help: "Source API requests, by exchange, endpoint, and outcome",
	}, []string{"exchange", "endpoint", "status"})

	r.APIErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_api_errors_total",
		Help: "Source API errors, by exchange, endpoint, and error type",
	}, []string{"exchange", "endpoint", "error_type"})

	r.APIRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "collector_api_request_duration_seconds",
		Help:    "Source API request latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
	}, []string{"exchange", "endpoint"})

	r.ValidationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_validation_failures_total",
		Help: "Validation issues, by exchange, symbol, and check",
	}, []string{"exchange", "symbol", "validation_type"})

	r.DataQualityScore = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "collector_data_quality_score",
		Help: "Data quality score 0-100 from the latest quality check",
	}, []string{"exchange", "symbol", "timeframe"})

	r.DataMissingRate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "collector_data_missing_rate",
		Help: "Missing-bucket rate 0-1 from the latest quality check",
	}, []string{"exchange", "symbol", "timeframe"})

	r.BackfillTasksPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collector_backfill_tasks_pending",
		Help: "Backfill tasks currently pending",
	})

	r.BackfillTasksCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_backfill_tasks_completed_total",
		Help: "Backfill task completions, by terminal status",
	}, []string{"status"})

	r.ConsecutiveFailures = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "collector_consecutive_failures",
		Help: "Consecutive terminal collection failures per series",
	}, []string{"exchange", "symbol", "timeframe"})

	r.LastSuccessfulCollection = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "collector_last_successful_collection_timestamp",
		Help: "Unix timestamp of the last successful collection per series",
	}, []string{"exchange", "symbol", "timeframe"})

	r.SchedulerJobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_scheduler_job_runs_total",
		Help: "Scheduler job executions, by job and outcome",
	}, []string{"job_id", "status"})

	r.SchedulerJobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "collector_scheduler_job_duration_seconds",
		Help:    "Scheduler job wall-clock duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"job_id"})

	r.SchedulerJobLastSuccess = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "collector_scheduler_job_last_success_timestamp",
		Help: "Unix timestamp of the job's last successful run",
	}, []string{"job_id"})

	r.SchedulerJobLastFailure = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "collector_scheduler_job_last_failure_timestamp",
		Help: "Unix timestamp of the job's last failed run",
	}, []string{"job_id"})

	r.DBWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_db_writes_total",
		Help: "Database write statements, by table and outcome",
	}, []string{"table", "status"})

	r.DBPoolConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "collector_db_pool_connections",
		Help: "Connection pool composition, by state",
	}, []string{"state"})

	r.DBPoolUsageRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collector_db_pool_usage_rate",
		Help: "In-use fraction of the connection pool, 0-1",
	})

	r.DBPoolTotalConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collector_db_pool_total_connections",
		Help: "Total open connections in the pool",
	})

	r.Running = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collector_running",
		Help: "1 while the collector process is up",
	})

	r.Info = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "collector_info",
		Help: "Static build information",
	}, []string{"version", "collector_type"})

	r.ETFUnknownProducts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collector_etf_unknown_products_total",
		Help: "ETF flow rows skipped because the product was not recognized",
	})

	r.RetentionActualDays = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "timescaledb_retention_actual_days",
		Help: "Observed data span per hypertable layer in days",
	}, []string{"table"})

	r.RetentionExpectedDays = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "timescaledb_retention_expected_days",
		Help: "Configured retention per hypertable layer in days",
	}, []string{"table"})

	r.reg.MustRegister(
		r.OHLCVCollected, r.TradesCollected, r.OrderbookSnapshotsCollected,
		r.APIRequests, r.APIErrors, r.APIRequestDuration,
		r.ValidationFailures, r.DataQualityScore, r.DataMissingRate,
		r.BackfillTasksPending, r.BackfillTasksCompleted,
		r.ConsecutiveFailures, r.LastSuccessfulCollection,
		r.SchedulerJobRuns, r.SchedulerJobDuration,
		r.SchedulerJobLastSuccess, r.SchedulerJobLastFailure,
		r.DBWrites, r.DBPoolConnections, r.DBPoolUsageRate, r.DBPoolTotalConns,
		r.Running, r.Info, r.ETFUnknownProducts,
		r.RetentionActualDays, r.RetentionExpectedDays,
	)

	return r
}

// Prometheus exposes the underlying registry for the HTTP handler and
// for test scrapes.
func (r *Registry) Prometheus() *prometheus.Registry { return r.reg }

// RecordAPIRequest observes one source API attempt.
func (r *Registry) RecordAPIRequest(exchange, endpoint, status string, elapsed time.Duration) {
	r.APIRequests.WithLabelValues(exchange, endpoint, status).Inc()
	r.APIRequestDuration.WithLabelValues(exchange, endpoint).Observe(elapsed.Seconds())
}

// RecordAPIError counts a classified failure.
func (r *Registry) RecordAPIError(exchange, endpoint, errorType string) {
	r.APIErrors.WithLabelValues(exchange, endpoint, errorType).Inc()
}

// MarkJobRun records one scheduler job execution.
func (r *Registry) MarkJobRun(jobID string, elapsed time.Duration, err error) {
	r.SchedulerJobDuration.WithLabelValues(jobID).Observe(elapsed.Seconds())
	now := float64(time.Now().Unix())
	if err != nil {
		r.SchedulerJobRuns.WithLabelValues(jobID, "failed").Inc()
		r.SchedulerJobLastFailure.WithLabelValues(jobID).Set(now)
		return
	}
	r.SchedulerJobRuns.WithLabelValues(jobID, "success").Inc()
	r.SchedulerJobLastSuccess.WithLabelValues(jobID).Set(now)
}
