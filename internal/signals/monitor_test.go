package signals

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpulse/collector/internal/metrics"
	"github.com/coinpulse/collector/internal/models"
	"github.com/coinpulse/collector/internal/store"
	"github.com/coinpulse/collector/internal/store/memory"
)

var (
	t0  = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	btc = models.Market{ID: 1, Exchange: "binance", Symbol: "BTC/USDT", MarketType: models.MarketTypeLinearPerpetual, IsActive: true}
)

func newMonitor(st store.Store) *Monitor {
	return NewMonitor(st, metrics.New(), Catalog{})
}

func seedMetric(t *testing.T, st *memory.Store, marketID int64, name models.MetricName, ts time.Time, value float64) {
	t.Helper()
	v := decimal.NewFromFloat(value)
	_, err := st.UpsertMetricBatch(context.Background(), marketID, []store.MetricPoint{
		{Time: ts, Name: name, Value: &v},
	})
	require.NoError(t, err)
}

func findSignals(sigs []models.MarketSignal, signalType string) []models.MarketSignal {
	var out []models.MarketSignal
	for _, s := range sigs {
		if s.SignalType == signalType {
			out = append(out, s)
		}
	}
	return out
}

func TestScan_FundingExtremeSeverityBands(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name     string
		rate     float64
		want     bool
		severity models.SignalSeverity
		side     models.SignalSide
	}{
		{"below warn stays quiet", 0.0004, false, "", ""},
		{"warn band positive is bearish", 0.0006, true, models.SeverityWarning, models.SideBearish},
		{"elevated but below critical stays warning", -0.0012, true, models.SeverityWarning, models.SideBullish},
		{"critical band negative is bullish", -0.0025, true, models.SeverityCritical, models.SideBullish},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := memory.New()
			seedMetric(t, st, btc.ID, models.MetricFundingRate, t0, tc.rate)

			_, err := newMonitor(st).Scan(ctx, []models.Market{btc}, t0)
			require.NoError(t, err)

			got := findSignals(st.Signals(), models.SignalFundingExtreme)
			if !tc.want {
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			assert.Equal(t, tc.severity, got[0].Severity)
			assert.Equal(t, tc.side, got[0].Side)
			assert.Equal(t, "BTC/USDT", got[0].Symbol)
		})
	}
}

func TestScan_OISpikeNeedsFreshSamples(t *testing.T) {
	ctx := context.Background()

	t.Run("12 percent rise in an hour fires bullish", func(t *testing.T) {
		st := memory.New()
		seedMetric(t, st, btc.ID, models.MetricOpenInterest, t0.Add(-time.Hour), 100_000)
		seedMetric(t, st, btc.ID, models.MetricOpenInterest, t0, 112_000)

		_, err := newMonitor(st).Scan(ctx, []models.Market{btc}, t0)
		require.NoError(t, err)

		got := findSignals(st.Signals(), models.SignalOISpike)
		require.Len(t, got, 1)
		assert.Equal(t, models.SideBullish, got[0].Side)
		assert.Equal(t, models.SeverityCritical, got[0].Severity, "12%% is past the 2x critical band")
	})

	t.Run("stale edge sample is ignored", func(t *testing.T) {
		st := memory.New()
		seedMetric(t, st, btc.ID, models.MetricOpenInterest, t0.Add(-80*time.Minute), 100_000)
		seedMetric(t, st, btc.ID, models.MetricOpenInterest, t0, 150_000)

		_, err := newMonitor(st).Scan(ctx, []models.Market{btc}, t0)
		require.NoError(t, err)
		assert.Empty(t, findSignals(st.Signals(), models.SignalOISpike))
	})

	t.Run("small drift stays quiet", func(t *testing.T) {
		st := memory.New()
		seedMetric(t, st, btc.ID, models.MetricOpenInterest, t0.Add(-time.Hour), 100_000)
		seedMetric(t, st, btc.ID, models.MetricOpenInterest, t0, 102_000)

		_, err := newMonitor(st).Scan(ctx, []models.Market{btc}, t0)
		require.NoError(t, err)
		assert.Empty(t, findSignals(st.Signals(), models.SignalOISpike))
	})
}

func TestScan_WhaleLiquidationAndCluster(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	liq := func(offset time.Duration, side string, valueUSD int64, price float64) models.Liquidation {
		return models.Liquidation{
			Time: t0.Add(offset), Exchange: "binance", Symbol: "BTC/USDT", Side: side,
			Price:    decimal.NewFromFloat(price),
			Quantity: decimal.NewFromInt(1),
			ValueUSD: decimal.NewFromInt(valueUSD),
		}
	}
	_, err := st.InsertLiquidationsBatch(ctx, []models.Liquidation{
		liq(-90*time.Second, "long", 2_000_000, 60000),
		liq(-80*time.Second, "long", 2_500_000, 59990),
		liq(-70*time.Second, "long", 1_500_000, 59980),
		// shorts in a different minute, below both cuts
		liq(-10*time.Second, "short", 400_000, 60100),
	})
	require.NoError(t, err)

	_, err = newMonitor(st).Scan(ctx, []models.Market{}, t0)
	require.NoError(t, err)

	whales := findSignals(st.Signals(), models.SignalWhaleLiquidation)
	require.Len(t, whales, 3, "each liquidation at or above the cut fires individually")
	for _, w := range whales {
		assert.Equal(t, models.SideBearish, w.Side, "long liquidations read bearish")
		require.NotNil(t, w.PriceAtSignal)
	}

	clusters := findSignals(st.Signals(), models.SignalLiquidationCluster)
	require.Len(t, clusters, 1, "the three longs share one minute bucket and sum past the cluster cut")
	assert.Equal(t, models.SideBearish, clusters[0].Side)
	assert.True(t, clusters[0].Time.Equal(t0.Add(-2*time.Minute).Truncate(time.Minute)))
}

func TestScan_OBIExtreme(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seedMetric(t, st, btc.ID, models.MetricOBI, t0, -0.85)

	_, err := newMonitor(st).Scan(ctx, []models.Market{btc}, t0)
	require.NoError(t, err)

	got := findSignals(st.Signals(), models.SignalOBIExtreme)
	require.Len(t, got, 1)
	assert.Equal(t, models.SideBearish, got[0].Side)
	assert.Equal(t, models.SeverityCritical, got[0].Severity)
}

func seedDivergentSeries(t *testing.T, st *memory.Store) {
	t.Helper()
	ctx := context.Background()

	// 16 one-minute bars: price grinds to a higher high in the second
	// half while CVD rolls over to a lower high.
	var bars []models.OHLCVBar
	var cvd []store.CVDPoint
	for i := 0; i < 16; i++ {
		ts := t0.Add(time.Duration(i-16) * time.Minute)
		high := 100.0
		if i >= 8 {
			high = 101.0 // ~1% above the first-half high, past hysteresis
		}
		px := decimal.NewFromFloat(high)
		bars = append(bars, models.OHLCVBar{
			MarketID: btc.ID, Timeframe: models.Timeframe1m, Time: ts,
			Open: px.Sub(decimal.NewFromFloat(0.5)), High: px,
			Low: px.Sub(decimal.NewFromInt(1)), Close: px.Sub(decimal.NewFromFloat(0.2)),
			Volume: decimal.NewFromInt(10),
		})
		c := 1000.0
		if i >= 8 {
			c = 900.0
		}
		cvd = append(cvd, store.CVDPoint{Time: ts, CVD: decimal.NewFromFloat(c)})
	}
	_, err := st.UpsertOHLCVBatch(ctx, bars)
	require.NoError(t, err)
	st.SeedCVD(btc.ID, cvd)
}

func TestScan_CVDDivergenceBearish(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seedDivergentSeries(t, st)

	m := NewMonitor(st, metrics.New(), Catalog{CVDBars: 16})
	_, err := m.Scan(ctx, []models.Market{btc}, t0)
	require.NoError(t, err)

	got := findSignals(st.Signals(), models.SignalCVDDivergence)
	require.Len(t, got, 1)
	assert.Equal(t, models.SideBearish, got[0].Side)
	assert.Equal(t, "1m", got[0].Metadata["timeframe"])
}

func TestScan_RepeatedScansAreIdempotent(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seedMetric(t, st, btc.ID, models.MetricFundingRate, t0, 0.0015)
	seedMetric(t, st, btc.ID, models.MetricOBI, t0, 0.9)

	mon := newMonitor(st)
	_, err := mon.Scan(ctx, []models.Market{btc}, t0)
	require.NoError(t, err)
	first := len(st.Signals())
	require.Greater(t, first, 0)

	_, err = mon.Scan(ctx, []models.Market{btc}, t0)
	require.NoError(t, err)
	assert.Equal(t, first, len(st.Signals()), "rescanning the same window must upsert, not duplicate")
}
