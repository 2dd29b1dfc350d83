package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/coinpulse/collector/internal/config"
	"github.com/coinpulse/collector/internal/connector"
	"github.com/coinpulse/collector/internal/models"
	"github.com/coinpulse/collector/internal/scheduler"
	"github.com/coinpulse/collector/internal/validate"
)

// RunQualityCheck re-validates the recent window of every active
// market's declared OHLCV series, writes a data_quality_summary row,
// refreshes the quality gauges, and enqueues backfill tasks for any
// missing buckets.
func (o *Orchestrator) RunQualityCheck(ctx context.Context, now time.Time) error {
	markets, err := o.store.ActiveMarkets(ctx)
	if err != nil {
		return fmt.Errorf("list markets for quality check: %w", err)
	}

	var firstErr error
	for _, mkt := range markets {
		for _, col := range o.declarationsFor(mkt) {
			if err := o.checkSeries(ctx, mkt, col, now); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Error().Err(err).Str("exchange", mkt.Exchange).Str("symbol", mkt.Symbol).Msg("Quality check failed")
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

// declarationsFor lists OHLCV declarations covering a market.
func (o *Orchestrator) declarationsFor(mkt models.Market) []config.Collector {
	var out []config.Collector
	for _, col := range o.collectors {
		if col.DataType.Kind == models.KindOHLCV && col.SourceName == mkt.Exchange && col.Symbol() == mkt.Symbol {
			out = append(out, col)
		}
	}
	return out
}

func (o *Orchestrator) checkSeries(ctx context.Context, mkt models.Market, col config.Collector, now time.Time) error {
	tf := col.DataType.Timeframe
	to := tf.Truncate(now)
	from := to.Add(-o.qualityWindow)

	checklist, err := o.store.MissingBuckets(ctx, mkt.ID, tf, from, to)
	if err != nil {
		return fmt.Errorf("missing buckets: %w", err)
	}
	if len(checklist) == 0 {
		return nil
	}
	actual := 0
	for _, b := range checklist {
		if b.HasData {
			actual++
		}
	}
	expected := len(checklist)
	missingRate := float64(expected-actual) / float64(expected)

	stored, err := o.store.OHLCVRange(ctx, mkt.ID, tf, from, to)
	if err != nil {
		return fmt.Errorf("read stored bars: %w", err)
	}
	bars := make([]connector.Bar, 0, len(stored))
	for _, b := range stored {
		bars = append(bars, connector.Bar{Time: b.Time, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume})
	}
	report := validate.Batch(validate.Config{
		Timeframe:             tf,
		PriceJumpThreshold:    col.Validation.PriceJumpThreshold,
		VolumeSpikeMultiplier: col.Validation.VolumeSpikeMultiplier,
	}, bars)

	score := qualityScore(actual, expected, len(report.Errors), len(report.Warnings))
	summary := models.QualitySummary{
		Time:         now.UTC(),
		MarketID:     mkt.ID,
		Timeframe:    tf,
		WindowHours:  int(o.qualityWindow / time.Hour),
		Expected:     expected,
		Actual:       actual,
		MissingRate:  missingRate,
		QualityScore: score,
		Errors:       len(report.Errors),
		Warnings:     len(report.Warnings),
	}
	if err := o.store.InsertQualitySummary(ctx, summary); err != nil {
		return fmt.Errorf("write quality summary: %w", err)
	}

	o.metrics.DataQualityScore.WithLabelValues(mkt.Exchange, mkt.Symbol, string(tf)).Set(score)
	o.metrics.DataMissingRate.WithLabelValues(mkt.Exchange, mkt.Symbol, string(tf)).Set(missingRate)

	if actual < expected {
		if _, err := o.detector.DetectMarket(ctx, mkt.ID, tf, now); err != nil {
			return fmt.Errorf("enqueue backfill: %w", err)
		}
	}
	return nil
}

// qualityScore folds completeness and validation findings into the
// 0-100 gauge: completeness dominates, errors cost 5 points each,
// warnings 1.
func qualityScore(actual, expected, errors, warnings int) float64 {
	if expected == 0 {
		return 0
	}
	score := 100 * float64(actual) / float64(expected)
	score -= 5 * float64(errors)
	score -= float64(warnings)
	if score < 0 {
		return 0
	}
	return score
}

// RunBackfillCycle executes one backfill maintenance pass.
func (o *Orchestrator) RunBackfillCycle(ctx context.Context) error {
	return o.executor.RunCycle(ctx)
}

// RunRetentionReport refreshes the timescaledb retention gauges from
// the store's observed-vs-configured span report.
func (o *Orchestrator) RunRetentionReport(ctx context.Context) error {
	rows, err := o.store.RetentionReport(ctx)
	if err != nil {
		return fmt.Errorf("retention report: %w", err)
	}
	for _, row := range rows {
		o.metrics.RetentionActualDays.WithLabelValues(row.Table).Set(row.ActualDays)
		o.metrics.RetentionExpectedDays.WithLabelValues(row.Table).Set(row.ExpectedDays)
	}
	return nil
}

// Default cadences for the per-kind cycles; a declaration's own cron
// overrides its kind's default.
const (
	defaultFundingCron   = "*/5 * * * *"
	defaultOICron        = "*/5 * * * *"
	defaultWhaleCron     = "*/15 * * * *"
	defaultETFCron       = "0 * * * *"
	defaultEventsCron    = "0 6 * * *"
	defaultSentimentCron = "30 * * * *"
	qualityCron          = "15 * * * *"
	retentionCron        = "45 0 * * *"
	backfillCron         = "*/10 * * * *"
	signalScanCron       = "*/5 * * * *"
	poolGaugeCron        = "* * * * *"
)

// RegisterJobs wires every composite operation into the scheduler:
// one job per OHLCV declaration plus one job per data kind in use,
// and the maintenance jobs (quality, backfill, signal scan, pool
// gauges).
func (o *Orchestrator) RegisterJobs(s *scheduler.Scheduler) error {
	for _, col := range o.collectors {
		if col.DataType.Kind != models.KindOHLCV || !col.Periodic.Enabled {
			continue
		}
		col := col
		if err := s.AddJob(col.JobID(), col.CronSpec(), func(ctx context.Context) error {
			return o.CollectOHLCV(ctx, col)
		}); err != nil {
			return err
		}
	}

	kinds := []struct {
		kind        models.DataKind
		id          string
		defaultCron string
		handler     scheduler.JobFunc
	}{
		{models.KindFundingRate, "cycle.funding_rate", defaultFundingCron, o.RunFundingRateCycle},
		{models.KindOpenInterest, "cycle.open_interest", defaultOICron, o.RunOpenInterestCycle},
		{models.KindWhaleTx, "cycle.whale_tx", defaultWhaleCron, func(ctx context.Context) error {
			return o.RunWhaleCycle(ctx, time.Now().UTC())
		}},
		{models.KindETFFlow, "cycle.etf_flows", defaultETFCron, o.RunETFFlowsCycle},
		{models.KindEventCalendar, "cycle.event_calendar", defaultEventsCron, o.RunEventCalendarCycle},
		{models.KindSentimentIndex, "cycle.sentiment", defaultSentimentCron, o.RunSentimentCycle},
	}
	for _, k := range kinds {
		spec, ok := o.cronForKind(k.kind, k.defaultCron)
		if !ok {
			continue
		}
		if err := s.AddJob(k.id, spec, k.handler); err != nil {
			return err
		}
	}

	if err := s.AddJob("maintenance.quality_check", qualityCron, func(ctx context.Context) error {
		return o.RunQualityCheck(ctx, time.Now().UTC())
	}); err != nil {
		return err
	}
	if err := s.AddJob("maintenance.backfill", backfillCron, o.RunBackfillCycle); err != nil {
		return err
	}
	if err := s.AddJob("maintenance.retention", retentionCron, o.RunRetentionReport); err != nil {
		return err
	}
	if err := s.AddJob("maintenance.signal_scan", signalScanCron, func(ctx context.Context) error {
		return o.RunSignalScan(ctx, time.Now().UTC())
	}); err != nil {
		return err
	}
	return s.AddJob("maintenance.pool_gauges", poolGaugeCron, func(ctx context.Context) error {
		o.UpdatePoolGauges()
		return nil
	})
}

// cronForKind picks the cadence for a per-kind cycle job: the first
// enabled declaration's cron wins, then the kind default. Returns
// ok=false when no declaration of the kind exists at all.
func (o *Orchestrator) cronForKind(kind models.DataKind, fallback string) (string, bool) {
	found := false
	for _, col := range o.collectors {
		if col.DataType.Kind != kind {
			continue
		}
		found = true
		if col.Periodic.Enabled && col.Periodic.Cron != "" {
			return col.CronSpec(), true
		}
	}
	return fallback, found
}

// WarmUp runs every cycle once at startup so a restart repairs missed
// cadences immediately. Failures are logged; warm-up never aborts
// startup.
func (o *Orchestrator) WarmUp(ctx context.Context) {
	log.Info().Msg("Running warm-up collection")
	for _, col := range o.collectors {
		if col.DataType.Kind != models.KindOHLCV {
			continue
		}
		if err := o.CollectOHLCV(ctx, col); err != nil {
			log.Warn().Err(err).Str("job_id", col.JobID()).Msg("Warm-up collection failed")
		}
	}
	now := time.Now().UTC()
	steps := []struct {
		name string
		fn   func() error
	}{
		{"funding_rate", func() error { return o.RunFundingRateCycle(ctx) }},
		{"open_interest", func() error { return o.RunOpenInterestCycle(ctx) }},
		{"whale_tx", func() error { return o.RunWhaleCycle(ctx, now) }},
		{"etf_flows", func() error { return o.RunETFFlowsCycle(ctx) }},
		{"event_calendar", func() error { return o.RunEventCalendarCycle(ctx) }},
		{"sentiment", func() error { return o.RunSentimentCycle(ctx) }},
	}
	for _, step := range steps {
		if ctx.Err() != nil {
			return
		}
		if err := step.fn(); err != nil {
			log.Warn().Err(err).Str("cycle", step.name).Msg("Warm-up cycle failed")
		}
	}
	o.UpdatePoolGauges()
}
