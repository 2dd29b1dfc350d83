package signals

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/coinpulse/collector/internal/metrics"
	"github.com/coinpulse/collector/internal/models"
	"github.com/coinpulse/collector/internal/store"
)

// Monitor runs the detector catalog over a market universe.
type Monitor struct {
	store   store.Store
	metrics *metrics.Registry
	catalog Catalog
}

// NewMonitor builds a monitor with the given thresholds.
func NewMonitor(st store.Store, m *metrics.Registry, catalog Catalog) *Monitor {
	return &Monitor{store: st, metrics: m, catalog: catalog.withDefaults()}
}

// Scan runs every detector for the given markets as of now and writes
// the detected signals. Writes upsert on (time, symbol, signal_type),
// so rescanning a window is idempotent. Returns the number of signals
// written.
func (m *Monitor) Scan(ctx context.Context, markets []models.Market, now time.Time) (int, error) {
	var out []models.MarketSignal

	for _, mkt := range markets {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		out = append(out, m.detectFundingExtreme(ctx, mkt)...)
		out = append(out, m.detectOISpike(ctx, mkt, now)...)
		out = append(out, m.detectOBIExtreme(ctx, mkt)...)
		out = append(out, m.detectCVDDivergence(ctx, mkt, now)...)
	}
	out = append(out, m.detectLiquidations(ctx, now)...)

	if len(out) == 0 {
		return 0, nil
	}
	written, err := m.store.InsertMarketSignals(ctx, out)
	if err != nil {
		return written, fmt.Errorf("write signals: %w", err)
	}
	log.Info().Int("signals", written).Int("markets", len(markets)).Msg("Signal scan completed")
	return written, nil
}

// detectFundingExtreme flags the latest funding rate when its absolute
// value breaches the warn cut. Positive rates read bearish: longs are
// paying up, the crowd is leaning one way.
func (m *Monitor) detectFundingExtreme(ctx context.Context, mkt models.Market) []models.MarketSignal {
	latest, err := m.store.LatestMetric(ctx, mkt.ID, models.MetricFundingRate)
	if err != nil || latest == nil {
		return nil
	}

	abs, _ := latest.Value.Abs().Float64()
	if abs < m.catalog.FundingWarn {
		return nil
	}
	severity := models.SeverityWarning
	if abs >= m.catalog.FundingCritical {
		severity = models.SeverityCritical
	}
	side := models.SideBullish
	if latest.Value.IsPositive() {
		side = models.SideBearish
	}

	return []models.MarketSignal{{
		Time:          latest.Time,
		Symbol:        mkt.Symbol,
		SignalType:    models.SignalFundingExtreme,
		Side:          side,
		Severity:      severity,
		PriceAtSignal: m.lastClose(ctx, mkt.ID),
		Message:       fmt.Sprintf("funding rate %s on %s", latest.Value.String(), mkt.Symbol),
		Metadata:      map[string]interface{}{"rate": latest.Value.String(), "exchange": mkt.Exchange},
	}}
}

// detectOISpike compares the newest open-interest sample against the
// one roughly an hour earlier. Edges further apart than the sample-gap
// guard are stale and ignored.
func (m *Monitor) detectOISpike(ctx context.Context, mkt models.Market, now time.Time) []models.MarketSignal {
	points, err := m.store.MetricRange(ctx, mkt.ID, models.MetricOpenInterest, now.Add(-m.catalog.OIMaxSampleGap), now.Add(time.Second))
	if err != nil || len(points) < 2 {
		return nil
	}

	base, last := points[0], points[len(points)-1]
	if last.Time.Sub(base.Time) > m.catalog.OIMaxSampleGap || base.Value.IsZero() {
		return nil
	}

	change, _ := last.Value.Sub(base.Value).Div(base.Value).Float64()
	abs := change
	if abs < 0 {
		abs = -abs
	}
	if abs < m.catalog.OISpikePct {
		return nil
	}
	severity := models.SeverityWarning
	if abs >= 2*m.catalog.OISpikePct {
		severity = models.SeverityCritical
	}
	side := models.SideBullish
	if change < 0 {
		side = models.SideBearish
	}

	return []models.MarketSignal{{
		Time:          last.Time,
		Symbol:        mkt.Symbol,
		SignalType:    models.SignalOISpike,
		Side:          side,
		Severity:      severity,
		PriceAtSignal: m.lastClose(ctx, mkt.ID),
		Message:       fmt.Sprintf("open interest moved %.1f%% on %s in under %s", change*100, mkt.Symbol, last.Time.Sub(base.Time).Round(time.Minute)),
		Metadata: map[string]interface{}{
			"change_pct": change,
			"from":       base.Value.String(),
			"to":         last.Value.String(),
			"exchange":   mkt.Exchange,
		},
	}}
}

// detectOBIExtreme flags a strongly one-sided order book.
func (m *Monitor) detectOBIExtreme(ctx context.Context, mkt models.Market) []models.MarketSignal {
	latest, err := m.store.LatestMetric(ctx, mkt.ID, models.MetricOBI)
	if err != nil || latest == nil {
		return nil
	}
	v, _ := latest.Value.Float64()
	abs := v
	if abs < 0 {
		abs = -abs
	}
	if abs < m.catalog.OBIExtreme {
		return nil
	}
	side := models.SideBullish
	if v < 0 {
		side = models.SideBearish
	}
	severity := models.SeverityWarning
	if abs >= 0.8 {
		severity = models.SeverityCritical
	}

	return []models.MarketSignal{{
		Time:          latest.Time,
		Symbol:        mkt.Symbol,
		SignalType:    models.SignalOBIExtreme,
		Side:          side,
		Severity:      severity,
		PriceAtSignal: m.lastClose(ctx, mkt.ID),
		Message:       fmt.Sprintf("order book imbalance %.2f on %s", v, mkt.Symbol),
		Metadata:      map[string]interface{}{"obi": v, "exchange": mkt.Exchange},
	}}
}

// detectLiquidations covers both single whale liquidations and
// per-minute clusters, grouped by (symbol, side). A liquidated long
// reads bearish: price had to fall to force it.
func (m *Monitor) detectLiquidations(ctx context.Context, now time.Time) []models.MarketSignal {
	rows, err := m.store.LiquidationsSince(ctx, now.Add(-m.catalog.LiquidationLookback))
	if err != nil || len(rows) == 0 {
		return nil
	}

	var out []models.MarketSignal
	type clusterKey struct {
		symbol string
		side   string
		bucket time.Time
	}
	clusters := make(map[clusterKey]decimal.Decimal)

	whaleCut := decimal.NewFromFloat(m.catalog.WhaleLiquidationUSD)
	for _, liq := range rows {
		side := models.SideBullish
		if liq.Side == "long" {
			side = models.SideBearish
		}
		if liq.ValueUSD.GreaterThanOrEqual(whaleCut) {
			price := liq.Price
			out = append(out, models.MarketSignal{
				Time:          liq.Time,
				Symbol:        liq.Symbol,
				SignalType:    models.SignalWhaleLiquidation,
				Side:          side,
				Severity:      models.SeverityCritical,
				PriceAtSignal: &price,
				Message:       fmt.Sprintf("%s %s liquidation worth $%s on %s", liq.Symbol, liq.Side, liq.ValueUSD.StringFixed(0), liq.Exchange),
				Metadata:      map[string]interface{}{"value_usd": liq.ValueUSD.String(), "exchange": liq.Exchange},
			})
		}
		key := clusterKey{symbol: liq.Symbol, side: liq.Side, bucket: liq.Time.UTC().Truncate(time.Minute)}
		clusters[key] = clusters[key].Add(liq.ValueUSD)
	}

	clusterCut := decimal.NewFromFloat(m.catalog.ClusterUSD)
	for key, total := range clusters {
		if total.LessThan(clusterCut) {
			continue
		}
		side := models.SideBullish
		if key.side == "long" {
			side = models.SideBearish
		}
		out = append(out, models.MarketSignal{
			Time:       key.bucket,
			Symbol:     key.symbol,
			SignalType: models.SignalLiquidationCluster,
			Side:       side,
			Severity:   models.SeverityCritical,
			Message:    fmt.Sprintf("$%s of %s %ss liquidated within one minute", total.StringFixed(0), key.symbol, key.side),
			Metadata:   map[string]interface{}{"total_usd": total.String(), "side": key.side},
		})
	}
	return out
}

// cvdTimeframes are the windows the divergence detector inspects.
var cvdTimeframes = []models.Timeframe{models.Timeframe1m, models.Timeframe15m, models.Timeframe1h}

// detectCVDDivergence compares first-half and second-half extremes of
// price against cumulative volume delta. Price pushing to a higher
// high while CVD prints a lower high means the move lacks flow behind
// it; the mirror reads bullish.
func (m *Monitor) detectCVDDivergence(ctx context.Context, mkt models.Market, now time.Time) []models.MarketSignal {
	var out []models.MarketSignal
	for _, tf := range cvdTimeframes {
		window := time.Duration(m.catalog.CVDBars) * tf.Duration()
		from := tf.Truncate(now).Add(-window)
		to := tf.Truncate(now).Add(tf.Duration())

		bars, err := m.store.OHLCVRange(ctx, mkt.ID, tf, from, to)
		if err != nil || len(bars) < 8 {
			continue
		}
		cvd, err := m.store.CVDSeries(ctx, mkt.ID, from, to)
		if err != nil || len(cvd) < 8 {
			continue
		}

		if sig := divergence(mkt, tf, bars, cvd, m.catalog.CVDHysteresis); sig != nil {
			out = append(out, *sig)
		}
	}
	return out
}

func divergence(mkt models.Market, tf models.Timeframe, bars []models.OHLCVBar, cvd []store.CVDPoint, hyst float64) *models.MarketSignal {
	half := len(bars) / 2
	midTime := bars[half].Time

	ph1, pl1 := priceExtremes(bars[:half])
	ph2, pl2 := priceExtremes(bars[half:])
	ch1, cl1, ok1 := cvdExtremes(cvd, midTime, true)
	ch2, cl2, ok2 := cvdExtremes(cvd, midTime, false)
	if !ok1 || !ok2 {
		return nil
	}

	h := decimal.NewFromFloat(hyst)
	one := decimal.NewFromInt(1)

	lastBar := bars[len(bars)-1]
	price := lastBar.Close
	base := models.MarketSignal{
		Time:          lastBar.Time,
		Symbol:        mkt.Symbol,
		SignalType:    models.SignalCVDDivergence,
		Severity:      models.SeverityWarning,
		PriceAtSignal: &price,
		Metadata:      map[string]interface{}{"timeframe": string(tf), "exchange": mkt.Exchange},
	}

	// bearish: higher price high, lower CVD high
	if ph2.GreaterThan(ph1.Mul(one.Add(h))) && ch2.LessThan(ch1.Sub(ch1.Abs().Mul(h))) {
		base.Side = models.SideBearish
		base.Message = fmt.Sprintf("%s made a higher high on %s while CVD made a lower high", mkt.Symbol, tf)
		return &base
	}
	// bullish: lower price low, higher CVD low
	if pl2.LessThan(pl1.Mul(one.Sub(h))) && cl2.GreaterThan(cl1.Add(cl1.Abs().Mul(h))) {
		base.Side = models.SideBullish
		base.Message = fmt.Sprintf("%s made a lower low on %s while CVD made a higher low", mkt.Symbol, tf)
		return &base
	}
	return nil
}

func priceExtremes(bars []models.OHLCVBar) (high, low decimal.Decimal) {
	high, low = bars[0].High, bars[0].Low
	for _, b := range bars[1:] {
		if b.High.GreaterThan(high) {
			high = b.High
		}
		if b.Low.LessThan(low) {
			low = b.Low
		}
	}
	return high, low
}

func cvdExtremes(points []store.CVDPoint, midTime time.Time, firstHalf bool) (high, low decimal.Decimal, ok bool) {
	for _, p := range points {
		inFirst := p.Time.Before(midTime)
		if inFirst != firstHalf {
			continue
		}
		if !ok {
			high, low, ok = p.CVD, p.CVD, true
			continue
		}
		if p.CVD.GreaterThan(high) {
			high = p.CVD
		}
		if p.CVD.LessThan(low) {
			low = p.CVD
		}
	}
	return high, low, ok
}

// lastClose reads the most recent 1m close for price context on a
// signal, or nil when the series is empty.
func (m *Monitor) lastClose(ctx context.Context, marketID int64) *decimal.Decimal {
	ts, err := m.store.LatestOHLCVTime(ctx, marketID, models.Timeframe1m)
	if err != nil || ts == nil {
		return nil
	}
	bars, err := m.store.OHLCVRange(ctx, marketID, models.Timeframe1m, *ts, ts.Add(time.Minute))
	if err != nil || len(bars) == 0 {
		return nil
	}
	c := bars[len(bars)-1].Close
	return &c
}
