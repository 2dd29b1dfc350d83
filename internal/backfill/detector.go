// Package backfill repairs gaps in stored OHLCV history. The detector
// turns missing-bucket checklists into prioritized tasks; the executor
// claims tasks and replays the missing ranges through the source
// adapters. All writes are idempotent, so a crashed or repeated run
// never corrupts the series.
package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/coinpulse/collector/internal/metrics"
	"github.com/coinpulse/collector/internal/models"
	"github.com/coinpulse/collector/internal/store"
)

// DetectorConfig tunes gap detection.
type DetectorConfig struct {
	// Lookback bounds how far back each scan reaches.
	Lookback time.Duration
	// MaxTasksPerMarket caps tasks created for one market per cycle so
	// a cold series cannot flood the queue.
	MaxTasksPerMarket int
	// MergeGapBuckets collapses missing runs separated by at most this
	// many present buckets into one task.
	MergeGapBuckets int
	// MaxRetries is stamped on every created task.
	MaxRetries int
}

func (c DetectorConfig) withDefaults() DetectorConfig {
	if c.Lookback <= 0 {
		c.Lookback = 24 * time.Hour
	}
	if c.MaxTasksPerMarket <= 0 {
		c.MaxTasksPerMarket = 10
	}
	if c.MergeGapBuckets < 0 {
		c.MergeGapBuckets = 0
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// Detector scans stored series for missing buckets and enqueues repair
// tasks.
type Detector struct {
	store   store.Store
	metrics *metrics.Registry
	cfg     DetectorConfig
}

// NewDetector builds a detector over the given store.
func NewDetector(st store.Store, m *metrics.Registry, cfg DetectorConfig) *Detector {
	return &Detector{store: st, metrics: m, cfg: cfg.withDefaults()}
}

// gapRun is one contiguous (after merging) missing range.
// End is exclusive: the first bucket start past the run.
type gapRun struct {
	Start   time.Time
	End     time.Time
	Missing int
}

// DetectMarket scans one (market, timeframe) series over the lookback
// window ending at now and creates tasks for the gaps found. Returns
// the number of tasks created.
func (d *Detector) DetectMarket(ctx context.Context, marketID int64, tf models.Timeframe, now time.Time) (int, error) {
	to := tf.Truncate(now)
	from := to.Add(-d.cfg.Lookback)

	checklist, err := d.store.MissingBuckets(ctx, marketID, tf, from, to)
	if err != nil {
		return 0, fmt.Errorf("missing buckets for market %d: %w", marketID, err)
	}

	runs := collapseRuns(checklist, tf, d.cfg.MergeGapBuckets)
	created := 0
	for _, run := range runs {
		if created >= d.cfg.MaxTasksPerMarket {
			log.Warn().Int64("market_id", marketID).Str("timeframe", string(tf)).
				Int("remaining_gaps", len(runs)-created).Msg("Per-market task cap reached, deferring remaining gaps")
			break
		}

		dt := models.DataType{Kind: models.KindOHLCV, Timeframe: tf}
		exists, err := d.store.PendingTaskExists(ctx, marketID, dt, tf, run.Start)
		if err != nil {
			return created, err
		}
		if exists {
			continue
		}

		task := models.BackfillTask{
			MarketID:        marketID,
			DataType:        dt,
			Timeframe:       tf,
			StartTime:       run.Start,
			EndTime:         run.End,
			Priority:        priorityFor(run, to),
			MaxRetries:      d.cfg.MaxRetries,
			ExpectedRecords: int(run.End.Sub(run.Start) / tf.Duration()),
			Status:          models.TaskPending,
		}
		if err := d.store.CreateTask(ctx, task); err != nil {
			return created, fmt.Errorf("create task for market %d: %w", marketID, err)
		}
		created++
		log.Info().Int64("market_id", marketID).Str("timeframe", string(tf)).
			Time("start", run.Start).Time("end", run.End).Int("missing", run.Missing).
			Int("priority", task.Priority).Msg("Backfill task enqueued")
	}

	d.refreshPendingGauge(ctx)
	return created, nil
}

// collapseRuns walks the ordered checklist and merges missing buckets
// into runs, bridging across at most mergeGap present buckets.
func collapseRuns(checklist []store.BucketStatus, tf models.Timeframe, mergeGap int) []gapRun {
	d := tf.Duration()
	var runs []gapRun
	var cur *gapRun
	present := 0

	for _, b := range checklist {
		if b.HasData {
			present++
			if cur != nil && present > mergeGap {
				runs = append(runs, *cur)
				cur = nil
			}
			continue
		}
		if cur == nil {
			cur = &gapRun{Start: b.BucketStart}
		}
		cur.End = b.BucketStart.Add(d)
		cur.Missing++
		present = 0
	}
	if cur != nil {
		runs = append(runs, *cur)
	}
	return runs
}

// priorityFor ranks a run: recent gaps outrank old ones, and longer
// gaps outrank shorter ones within the same age band.
func priorityFor(run gapRun, now time.Time) int {
	age := now.Sub(run.End)
	p := 40
	switch {
	case age <= time.Hour:
		p = 100
	case age <= 6*time.Hour:
		p = 80
	case age <= 24*time.Hour:
		p = 60
	}
	bonus := run.Missing
	if bonus > 20 {
		bonus = 20
	}
	return p + bonus
}

func (d *Detector) refreshPendingGauge(ctx context.Context) {
	if n, err := d.store.CountPendingTasks(ctx); err == nil {
		d.metrics.BackfillTasksPending.Set(float64(n))
	}
}
