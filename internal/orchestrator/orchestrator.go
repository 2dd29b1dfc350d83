// Package orchestrator composes the collection pipeline: it resolves
// each collector declaration to a market, fetches through the retry
// policy, validates, persists, and emits the metric surface. One
// failing collector never aborts a cycle; errors are logged and
// surfaced through metrics.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/coinpulse/collector/internal/backfill"
	"github.com/coinpulse/collector/internal/cache"
	"github.com/coinpulse/collector/internal/config"
	"github.com/coinpulse/collector/internal/connector"
	"github.com/coinpulse/collector/internal/metrics"
	"github.com/coinpulse/collector/internal/models"
	"github.com/coinpulse/collector/internal/policy"
	"github.com/coinpulse/collector/internal/signals"
	"github.com/coinpulse/collector/internal/store"
	"github.com/coinpulse/collector/internal/validate"
)

// cronParser mirrors the declaration format: 5-field, CRON_TZ prefix.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Options wires the orchestrator's dependencies.
type Options struct {
	Store      store.Store
	Metrics    *metrics.Registry
	Collectors []config.Collector
	// Connectors maps source_name to its adapter.
	Connectors map[string]connector.Connector
	Prices     *cache.PriceCache
	// SnapshotDir receives raw payload snapshots on ETF schema drift.
	SnapshotDir string
	// QualityWindow bounds the quality check lookback. Default 24h.
	QualityWindow time.Duration
	// Detector and executor tuning; zero values take package defaults.
	DetectorConfig backfill.DetectorConfig
	ExecutorConfig backfill.ExecutorConfig
	SignalCatalog  signals.Catalog
}

// Orchestrator is the singleton that owns all composite operations the
// scheduler fires.
type Orchestrator struct {
	store      store.Store
	metrics    *metrics.Registry
	collectors []config.Collector
	connectors map[string]connector.Connector
	policies   *policy.Set
	prices     *cache.PriceCache
	chains     *cache.BlockchainIDs
	monitor    *signals.Monitor
	detector   *backfill.Detector
	executor   *backfill.Executor

	snapshotDir   string
	qualityWindow time.Duration

	mu       sync.Mutex
	sources  map[int64]backfill.Source
	failures map[string]int
}

// New builds the orchestrator and its backfill driver.
func New(opts Options) *Orchestrator {
	if opts.QualityWindow <= 0 {
		opts.QualityWindow = 24 * time.Hour
	}
	o := &Orchestrator{
		store:         opts.Store,
		metrics:       opts.Metrics,
		collectors:    opts.Collectors,
		connectors:    opts.Connectors,
		policies:      policy.NewSet(opts.Metrics),
		prices:        opts.Prices,
		chains:        cache.NewBlockchainIDs(opts.Store),
		monitor:       signals.NewMonitor(opts.Store, opts.Metrics, opts.SignalCatalog),
		snapshotDir:   opts.SnapshotDir,
		qualityWindow: opts.QualityWindow,
		sources:       make(map[int64]backfill.Source),
		failures:      make(map[string]int),
	}
	if o.prices == nil {
		o.prices = cache.NewPriceCache(nil, 0)
	}
	o.detector = backfill.NewDetector(opts.Store, opts.Metrics, opts.DetectorConfig)
	o.executor = backfill.NewExecutor(opts.Store, o, opts.Metrics, opts.ExecutorConfig)
	return o
}

// SourceFor resolves a market back to its fetch source for the
// backfill executor. Sources are remembered as live collection first
// touches each market; ActiveMarkets seen only historically resolve
// lazily from the declarations.
func (o *Orchestrator) SourceFor(marketID int64) (backfill.Source, bool) {
	o.mu.Lock()
	src, ok := o.sources[marketID]
	o.mu.Unlock()
	if ok {
		return src, true
	}

	// cold path: match the market against declarations by symbol
	mkts, err := o.store.ActiveMarkets(context.Background())
	if err != nil {
		return backfill.Source{}, false
	}
	for _, mkt := range mkts {
		if mkt.ID != marketID {
			continue
		}
		for _, col := range o.collectors {
			if col.SourceName == mkt.Exchange && col.Symbol() == mkt.Symbol {
				conn, ok := o.connectors[col.SourceName]
				if !ok {
					return backfill.Source{}, false
				}
				src := backfill.Source{Conn: conn, Symbol: mkt.Symbol, Policy: o.policies.For(col.SourceName, col.Request)}
				o.rememberSource(marketID, src)
				return src, true
			}
		}
	}
	return backfill.Source{}, false
}

func (o *Orchestrator) rememberSource(marketID int64, src backfill.Source) {
	o.mu.Lock()
	o.sources[marketID] = src
	o.mu.Unlock()
}

// resolveMarket upserts the registry row and remembers the fetch
// source for backfill.
func (o *Orchestrator) resolveMarket(ctx context.Context, col config.Collector) (models.Market, *policy.Policy, connector.Connector, error) {
	conn, ok := o.connectors[col.SourceName]
	if !ok {
		return models.Market{}, nil, nil, fmt.Errorf("no connector registered for source %s", col.SourceName)
	}
	mkt, err := o.store.GetOrCreateMarket(ctx, col.SourceName, col.Symbol())
	if err != nil {
		return models.Market{}, nil, nil, fmt.Errorf("resolve market %s %s: %w", col.SourceName, col.Symbol(), err)
	}
	pol := o.policies.For(col.SourceName, col.Request)
	o.rememberSource(mkt.ID, backfill.Source{Conn: conn, Symbol: col.Symbol(), Policy: pol})
	return mkt, pol, conn, nil
}

// CollectOHLCV runs one collection pass for an OHLCV declaration:
// fetch since the last stored bucket minus lookback, validate, and
// upsert. Validation errors skip the write when the declaration says
// so; warnings never block it.
func (o *Orchestrator) CollectOHLCV(ctx context.Context, col config.Collector) error {
	mkt, pol, conn, err := o.resolveMarket(ctx, col)
	if err != nil {
		return err
	}
	tf := col.DataType.Timeframe
	now := time.Now().UTC()

	lookback := time.Duration(col.Periodic.LookbackMinutes) * time.Minute
	if lookback <= 0 {
		lookback = 5 * time.Minute
	}
	since := tf.Truncate(now).Add(-lookback)
	if latest, lerr := o.store.LatestOHLCVTime(ctx, mkt.ID, tf); lerr == nil && latest != nil {
		if s := latest.Add(-lookback); s.Before(since) {
			since = s
		}
	}

	var bars []connector.Bar
	err = pol.Do(ctx, "ohlcv", func(reqCtx context.Context) error {
		b, _, ferr := conn.FetchOHLCV(reqCtx, col.Symbol(), tf, since, 1000)
		bars = b
		return ferr
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.noteFailure(mkt, tf)
		return fmt.Errorf("fetch ohlcv %s %s: %w", mkt.Exchange, mkt.Symbol, err)
	}
	if len(bars) == 0 {
		o.noteSuccess(mkt, tf, now)
		return nil
	}

	if col.Validation.Enabled {
		report := validate.Batch(validate.Config{
			Timeframe:             tf,
			PriceJumpThreshold:    col.Validation.PriceJumpThreshold,
			VolumeSpikeMultiplier: col.Validation.VolumeSpikeMultiplier,
		}, bars)
		for issueType, n := range report.CountByType() {
			o.metrics.ValidationFailures.WithLabelValues(mkt.Exchange, mkt.Symbol, string(issueType)).Add(float64(n))
		}
		if !report.Valid {
			o.logValidationFailure(ctx, mkt, tf, report)
			if col.Validation.SkipOnError {
				log.Warn().Str("exchange", mkt.Exchange).Str("symbol", mkt.Symbol).
					Int("errors", len(report.Errors)).Msg("Validation failed, skipping write")
				return nil
			}
		}
	}

	rows := make([]models.OHLCVBar, 0, len(bars))
	for _, b := range bars {
		rows = append(rows, models.OHLCVBar{
			MarketID:  mkt.ID,
			Timeframe: tf,
			Time:      b.Time,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}
	written, err := o.store.UpsertOHLCVBatch(ctx, rows)
	if err != nil {
		o.noteFailure(mkt, tf)
		return fmt.Errorf("upsert ohlcv %s %s: %w", mkt.Exchange, mkt.Symbol, err)
	}

	o.metrics.OHLCVCollected.WithLabelValues(mkt.Exchange, mkt.Symbol, string(tf)).Add(float64(written))
	o.noteSuccess(mkt, tf, now)
	o.prices.SetPrice(ctx, col.BaseAsset, bars[len(bars)-1].Close)
	log.Debug().Str("exchange", mkt.Exchange).Str("symbol", mkt.Symbol).
		Str("timeframe", string(tf)).Int("bars", written).Msg("OHLCV collected")
	return nil
}

// RunCollectionCycle fires every OHLCV declaration whose cron matches
// now at minute granularity. Failures are logged per collector and the
// cycle continues.
func (o *Orchestrator) RunCollectionCycle(ctx context.Context, now time.Time) error {
	var firstErr error
	for _, col := range o.collectors {
		if col.DataType.Kind != models.KindOHLCV || !col.Periodic.Enabled {
			continue
		}
		if !cronMatches(col.CronSpec(), now) {
			continue
		}
		if err := o.CollectOHLCV(ctx, col); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Str("job_id", col.JobID()).Msg("Collection failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// cronMatches reports whether spec fires at t, minute granularity.
func cronMatches(spec string, t time.Time) bool {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return false
	}
	minute := t.Truncate(time.Minute)
	return sched.Next(minute.Add(-time.Second)).Equal(minute)
}

// seriesKey labels the consecutive-failure gauge.
func seriesKey(mkt models.Market, tf models.Timeframe) string {
	return mkt.Exchange + "|" + mkt.Symbol + "|" + string(tf)
}

func (o *Orchestrator) noteFailure(mkt models.Market, tf models.Timeframe) {
	o.mu.Lock()
	o.failures[seriesKey(mkt, tf)]++
	n := o.failures[seriesKey(mkt, tf)]
	o.mu.Unlock()
	o.metrics.ConsecutiveFailures.WithLabelValues(mkt.Exchange, mkt.Symbol, string(tf)).Set(float64(n))
}

func (o *Orchestrator) noteSuccess(mkt models.Market, tf models.Timeframe, now time.Time) {
	o.mu.Lock()
	delete(o.failures, seriesKey(mkt, tf))
	o.mu.Unlock()
	o.metrics.ConsecutiveFailures.WithLabelValues(mkt.Exchange, mkt.Symbol, string(tf)).Set(0)
	o.metrics.LastSuccessfulCollection.WithLabelValues(mkt.Exchange, mkt.Symbol, string(tf)).Set(float64(now.Unix()))
}

func (o *Orchestrator) logValidationFailure(ctx context.Context, mkt models.Market, tf models.Timeframe, report validate.Report) {
	counts := report.CountByType()
	meta := map[string]interface{}{
		"exchange":  mkt.Exchange,
		"symbol":    mkt.Symbol,
		"timeframe": string(tf),
	}
	for issueType, n := range counts {
		meta[string(issueType)] = n
	}
	entry := models.SystemLog{
		Time:     time.Now().UTC(),
		Module:   "validator",
		Level:    models.LevelError,
		Message:  fmt.Sprintf("validation failed for %s %s %s: %d errors, %d warnings", mkt.Exchange, mkt.Symbol, tf, len(report.Errors), len(report.Warnings)),
		Metadata: meta,
	}
	if err := o.store.InsertSystemLog(ctx, entry); err != nil {
		log.Warn().Err(err).Msg("Failed to record validation failure")
	}
}

// UpdatePoolGauges refreshes the db_pool metric family from the store.
func (o *Orchestrator) UpdatePoolGauges() {
	stats := o.store.Stats()
	o.metrics.DBPoolConnections.WithLabelValues("in_use").Set(float64(stats.InUse))
	o.metrics.DBPoolConnections.WithLabelValues("idle").Set(float64(stats.Idle))
	o.metrics.DBPoolTotalConns.Set(float64(stats.Open))
	if stats.Max > 0 {
		o.metrics.DBPoolUsageRate.Set(float64(stats.InUse) / float64(stats.Max))
	}
}
