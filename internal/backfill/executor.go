package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/coinpulse/collector/internal/connector"
	"github.com/coinpulse/collector/internal/metrics"
	"github.com/coinpulse/collector/internal/models"
	"github.com/coinpulse/collector/internal/policy"
	"github.com/coinpulse/collector/internal/store"
)

// Source bundles everything the executor needs to fetch for one market.
type Source struct {
	Conn   connector.Connector
	Symbol string
	Policy *policy.Policy
}

// Resolver maps a market registry ID back to its fetch source. The
// orchestrator implements this from its collector declarations.
type Resolver interface {
	SourceFor(marketID int64) (Source, bool)
}

// ExecutorConfig tunes task execution.
type ExecutorConfig struct {
	// ClaimLimit bounds tasks claimed per cycle.
	ClaimLimit int
	// PageLimit is the per-request bar count asked of the source.
	PageLimit int
	// StaleAfter returns tasks stuck in running to pending.
	StaleAfter time.Duration
	// RetryBatch bounds failed tasks re-queued per cycle.
	RetryBatch int
	// CleanupAfter removes completed tasks older than this horizon.
	CleanupAfter time.Duration
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.ClaimLimit <= 0 {
		c.ClaimLimit = 5
	}
	if c.PageLimit <= 0 {
		c.PageLimit = 1000
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	if c.RetryBatch <= 0 {
		c.RetryBatch = 20
	}
	if c.CleanupAfter <= 0 {
		c.CleanupAfter = 7 * 24 * time.Hour
	}
	return c
}

// Executor claims backfill tasks and replays their ranges.
type Executor struct {
	store    store.Store
	resolver Resolver
	metrics  *metrics.Registry
	cfg      ExecutorConfig
}

// NewExecutor builds an executor.
func NewExecutor(st store.Store, r Resolver, m *metrics.Registry, cfg ExecutorConfig) *Executor {
	return &Executor{store: st, resolver: r, metrics: m, cfg: cfg.withDefaults()}
}

// RunCycle performs one full maintenance pass: recover stale claims,
// re-queue retryable failures, execute a batch of pending tasks, and
// prune old completed rows.
func (e *Executor) RunCycle(ctx context.Context) error {
	if n, err := e.store.ResetStaleRunning(ctx, e.cfg.StaleAfter); err != nil {
		return fmt.Errorf("reset stale tasks: %w", err)
	} else if n > 0 {
		log.Warn().Int("reset", n).Msg("Recovered tasks stuck in running")
	}
	if n, err := e.store.RetryFailedTasks(ctx, e.cfg.RetryBatch); err != nil {
		return fmt.Errorf("retry failed tasks: %w", err)
	} else if n > 0 {
		log.Info().Int("requeued", n).Msg("Failed backfill tasks returned to queue")
	}

	tasks, err := e.store.GetPendingTasks(ctx, e.cfg.ClaimLimit)
	if err != nil {
		return fmt.Errorf("claim tasks: %w", err)
	}
	for _, task := range tasks {
		if ctx.Err() != nil {
			// the claim stays in running; the stale sweep returns it
			return ctx.Err()
		}
		e.Execute(ctx, task)
	}

	if _, err := e.store.CleanupTasks(ctx, e.cfg.CleanupAfter); err != nil {
		log.Warn().Err(err).Msg("Backfill cleanup failed")
	}
	e.refreshPendingGauge(ctx)
	return nil
}

// Execute runs one claimed task to a terminal or retryable state.
func (e *Executor) Execute(ctx context.Context, task models.BackfillTask) {
	src, ok := e.resolver.SourceFor(task.MarketID)
	if !ok {
		e.fail(ctx, task, fmt.Sprintf("no active source for market %d", task.MarketID))
		return
	}
	if task.DataType.Kind != models.KindOHLCV {
		e.fail(ctx, task, fmt.Sprintf("unsupported backfill data type %s", task.DataType))
		return
	}

	d := task.Timeframe.Duration()
	cursor := task.StartTime
	total := 0

	for cursor.Before(task.EndTime) {
		var bars []connector.Bar
		err := src.Policy.Do(ctx, "backfill", func(reqCtx context.Context) error {
			b, _, ferr := src.Conn.FetchOHLCV(reqCtx, src.Symbol, task.Timeframe, cursor, e.cfg.PageLimit)
			bars = b
			return ferr
		})
		if ctx.Err() != nil {
			log.Info().Str("task_id", task.ID).Msg("Backfill interrupted by shutdown")
			return
		}
		if err != nil {
			e.fail(ctx, task, err.Error())
			return
		}
		if len(bars) == 0 {
			// the source has nothing for this range
			break
		}

		last := bars[len(bars)-1].Time
		next := last.Add(d)
		if !next.After(cursor) {
			e.fail(ctx, task, fmt.Sprintf("source cursor did not advance past %s", cursor.Format(time.RFC3339)))
			return
		}

		rows := make([]models.OHLCVBar, 0, len(bars))
		for _, b := range bars {
			if !b.Time.Before(task.EndTime) {
				break
			}
			rows = append(rows, models.OHLCVBar{
				MarketID:  task.MarketID,
				Timeframe: task.Timeframe,
				Time:      b.Time,
				Open:      b.Open,
				High:      b.High,
				Low:       b.Low,
				Close:     b.Close,
				Volume:    b.Volume,
			})
		}
		written, werr := e.store.UpsertOHLCVBatch(ctx, rows)
		if werr != nil {
			e.fail(ctx, task, werr.Error())
			return
		}
		total += written
		cursor = next
	}

	if err := e.store.CompleteTask(ctx, task.ID, total); err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to mark task completed")
		return
	}
	e.metrics.BackfillTasksCompleted.WithLabelValues("completed").Inc()
	log.Info().Str("task_id", task.ID).Int64("market_id", task.MarketID).
		Int("records", total).Int("expected", task.ExpectedRecords).Msg("Backfill task completed")
}

func (e *Executor) fail(ctx context.Context, task models.BackfillTask, msg string) {
	if err := e.store.FailTask(ctx, task.ID, msg); err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to mark task failed")
		return
	}
	if task.RetryCount+1 >= task.MaxRetries {
		e.metrics.BackfillTasksCompleted.WithLabelValues("failed").Inc()
	}
	log.Warn().Str("task_id", task.ID).Int64("market_id", task.MarketID).
		Int("retry_count", task.RetryCount+1).Str("reason", msg).Msg("Backfill task failed")
}

func (e *Executor) refreshPendingGauge(ctx context.Context) {
	if n, err := e.store.CountPendingTasks(ctx); err == nil {
		e.metrics.BackfillTasksPending.Set(float64(n))
	}
}
