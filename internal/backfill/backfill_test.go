package backfill

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpulse/collector/internal/config"
	"github.com/coinpulse/collector/internal/connector"
	"github.com/coinpulse/collector/internal/metrics"
	"github.com/coinpulse/collector/internal/models"
	"github.com/coinpulse/collector/internal/policy"
	"github.com/coinpulse/collector/internal/store"
	"github.com/coinpulse/collector/internal/store/memory"
)

var t0 = time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)

type staticResolver struct {
	sources map[int64]Source
}

func (r staticResolver) SourceFor(marketID int64) (Source, bool) {
	s, ok := r.sources[marketID]
	return s, ok
}

func fastPolicy(m *metrics.Registry) *policy.Policy {
	return policy.New("fake", config.RequestPolicy{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		BackoffFactor:  2.0,
		MaxBackoff:     10 * time.Millisecond,
		Timeout:        time.Second,
		RateLimit:      10000,
		Burst:          10000,
	}, m)
}

func checklist(flags ...bool) []store.BucketStatus {
	out := make([]store.BucketStatus, 0, len(flags))
	for i, has := range flags {
		out = append(out, store.BucketStatus{
			BucketStart: t0.Add(time.Duration(i) * time.Minute),
			HasData:     has,
		})
	}
	return out
}

func TestCollapseRuns_MergesAcrossSinglePresentBucket(t *testing.T) {
	// gap, one present bucket, gap
	cl := checklist(true, false, false, true, false, true)

	merged := collapseRuns(cl, models.Timeframe1m, 1)
	require.Len(t, merged, 1)
	assert.True(t, merged[0].Start.Equal(t0.Add(time.Minute)))
	assert.True(t, merged[0].End.Equal(t0.Add(5*time.Minute)))
	assert.Equal(t, 3, merged[0].Missing)

	split := collapseRuns(cl, models.Timeframe1m, 0)
	require.Len(t, split, 2)
	assert.True(t, split[0].Start.Equal(t0.Add(time.Minute)))
	assert.True(t, split[0].End.Equal(t0.Add(3*time.Minute)))
	assert.True(t, split[1].Start.Equal(t0.Add(4*time.Minute)))
}

func TestCollapseRuns_NoGapsNoRuns(t *testing.T) {
	assert.Empty(t, collapseRuns(checklist(true, true, true), models.Timeframe1m, 1))
	assert.Empty(t, collapseRuns(nil, models.Timeframe1m, 1))
}

func TestPriorityFor_RecentAndLongGapsOutrankOldShortOnes(t *testing.T) {
	now := t0.Add(48 * time.Hour)
	recent := gapRun{Start: now.Add(-10 * time.Minute), End: now.Add(-5 * time.Minute), Missing: 5}
	old := gapRun{Start: t0, End: t0.Add(5 * time.Minute), Missing: 5}
	longOld := gapRun{Start: t0, End: t0.Add(5 * time.Hour), Missing: 300}

	assert.Greater(t, priorityFor(recent, now), priorityFor(old, now))
	assert.Greater(t, priorityFor(longOld, now), priorityFor(old, now))
}

func seedWithGap(t *testing.T, st *memory.Store, marketID int64, count int, dropFrom, dropTo int) {
	t.Helper()
	ctx := context.Background()
	var bars []models.OHLCVBar
	for i := 0; i < count; i++ {
		if i >= dropFrom && i < dropTo {
			continue
		}
		px := decimal.NewFromInt(int64(100 + i))
		bars = append(bars, models.OHLCVBar{
			MarketID:  marketID,
			Timeframe: models.Timeframe1m,
			Time:      t0.Add(time.Duration(i) * time.Minute),
			Open:      px, High: px.Add(decimal.NewFromInt(1)),
			Low: px.Sub(decimal.NewFromInt(1)), Close: px,
			Volume: decimal.NewFromInt(5),
		})
	}
	_, err := st.UpsertOHLCVBatch(ctx, bars)
	require.NoError(t, err)
}

func TestDetectMarket_EnqueuesGapOnceAndNeverDuplicates(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	m := metrics.New()
	seedWithGap(t, st, 1, 60, 20, 30)

	det := NewDetector(st, m, DetectorConfig{Lookback: time.Hour})
	created, err := det.DetectMarket(ctx, 1, models.Timeframe1m, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	tasks := st.Tasks()
	require.Len(t, tasks, 1)
	assert.True(t, tasks[0].StartTime.Equal(t0.Add(20*time.Minute)))
	assert.True(t, tasks[0].EndTime.Equal(t0.Add(30*time.Minute)))
	assert.Equal(t, 10, tasks[0].ExpectedRecords)
	assert.Equal(t, models.TaskPending, tasks[0].Status)

	// a second sweep sees the pending task and stays quiet
	created, err = det.DetectMarket(ctx, 1, models.Timeframe1m, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, created)
	assert.Len(t, st.Tasks(), 1)
}

func TestDetectMarket_RespectsPerMarketCap(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	m := metrics.New()
	// alternating singles: bars at even minutes only, 2-bucket gaps between
	var bars []models.OHLCVBar
	for i := 0; i < 30; i += 3 {
		px := decimal.NewFromInt(100)
		bars = append(bars, models.OHLCVBar{
			MarketID: 2, Timeframe: models.Timeframe1m,
			Time: t0.Add(time.Duration(i) * time.Minute),
			Open: px, High: px, Low: px, Close: px, Volume: decimal.NewFromInt(1),
		})
	}
	_, err := st.UpsertOHLCVBatch(ctx, bars)
	require.NoError(t, err)

	det := NewDetector(st, m, DetectorConfig{Lookback: 30 * time.Minute, MaxTasksPerMarket: 3})
	created, err := det.DetectMarket(ctx, 2, models.Timeframe1m, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, created)
	assert.Len(t, st.Tasks(), 3)
}

func TestExecute_FillsGapAndCompletesTask(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	m := metrics.New()
	seedWithGap(t, st, 1, 60, 20, 30)

	fake := connector.NewFake("fake")
	fake.SeedLinearBars("BTC/USDT", models.Timeframe1m, t0, 60, 100)

	det := NewDetector(st, m, DetectorConfig{Lookback: time.Hour})
	_, err := det.DetectMarket(ctx, 1, models.Timeframe1m, t0.Add(time.Hour))
	require.NoError(t, err)

	exec := NewExecutor(st, staticResolver{sources: map[int64]Source{
		1: {Conn: fake, Symbol: "BTC/USDT", Policy: fastPolicy(m)},
	}}, m, ExecutorConfig{})

	require.NoError(t, exec.RunCycle(ctx))

	tasks := st.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskCompleted, tasks[0].Status)
	require.NotNil(t, tasks[0].ActualRecords)
	assert.Equal(t, tasks[0].ExpectedRecords, *tasks[0].ActualRecords)
	assert.Equal(t, 60, st.OHLCVCount(1, models.Timeframe1m), "gap must be closed")

	// a second sweep finds nothing left to repair
	created, err := det.DetectMarket(ctx, 1, models.Timeframe1m, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, created)
}

func TestExecute_FatalFetchFailsTaskThenRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	m := metrics.New()
	seedWithGap(t, st, 1, 30, 10, 15)

	fake := connector.NewFake("fake")
	fake.SeedLinearBars("BTC/USDT", models.Timeframe1m, t0, 30, 100)
	fake.FailNext(connector.NewFetchError(connector.KindAuth, "key rejected", nil))

	det := NewDetector(st, m, DetectorConfig{Lookback: time.Hour})
	_, err := det.DetectMarket(ctx, 1, models.Timeframe1m, t0.Add(30*time.Minute))
	require.NoError(t, err)

	exec := NewExecutor(st, staticResolver{sources: map[int64]Source{
		1: {Conn: fake, Symbol: "BTC/USDT", Policy: fastPolicy(m)},
	}}, m, ExecutorConfig{})

	require.NoError(t, exec.RunCycle(ctx))
	tasks := st.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskFailed, tasks[0].Status)
	assert.Equal(t, 1, tasks[0].RetryCount)

	// next cycle re-queues and drains the failure-free source
	require.NoError(t, exec.RunCycle(ctx))
	tasks = st.Tasks()
	assert.Equal(t, models.TaskCompleted, tasks[0].Status)
	assert.Equal(t, 30, st.OHLCVCount(1, models.Timeframe1m))
}

func TestExecute_UnresolvableMarketFailsTask(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	m := metrics.New()

	task := models.BackfillTask{
		ID: "orphan", MarketID: 99,
		DataType:  models.DataType{Kind: models.KindOHLCV, Timeframe: models.Timeframe1m},
		Timeframe: models.Timeframe1m,
		StartTime: t0, EndTime: t0.Add(time.Hour),
		MaxRetries: 1,
	}
	require.NoError(t, st.CreateTask(ctx, task))
	claimed, err := st.GetPendingTasks(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	exec := NewExecutor(st, staticResolver{}, m, ExecutorConfig{})
	exec.Execute(ctx, claimed[0])

	tasks := st.Tasks()
	assert.Equal(t, models.TaskFailed, tasks[0].Status)
	assert.True(t, tasks[0].Terminal())
}

// badCursorConn always serves the same bar, so the executor's cursor
// cannot advance on the second page.
type badCursorConn struct {
	*connector.Fake
}

func (b badCursorConn) FetchOHLCV(ctx context.Context, symbol string, tf models.Timeframe, since time.Time, limit int) ([]connector.Bar, connector.FetchMeta, error) {
	px := decimal.NewFromInt(100)
	return []connector.Bar{{
		Time: t0, Open: px, High: px, Low: px, Close: px, Volume: decimal.NewFromInt(1),
	}}, connector.FetchMeta{}, nil
}

func TestExecute_StuckCursorIsATaskFailure(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	m := metrics.New()

	task := models.BackfillTask{
		ID: "stuck", MarketID: 1,
		DataType:  models.DataType{Kind: models.KindOHLCV, Timeframe: models.Timeframe1m},
		Timeframe: models.Timeframe1m,
		StartTime: t0, EndTime: t0.Add(10 * time.Minute),
		MaxRetries: 3,
	}
	require.NoError(t, st.CreateTask(ctx, task))
	claimed, err := st.GetPendingTasks(ctx, 1)
	require.NoError(t, err)

	exec := NewExecutor(st, staticResolver{sources: map[int64]Source{
		1: {Conn: badCursorConn{connector.NewFake("fake")}, Symbol: "BTC/USDT", Policy: fastPolicy(m)},
	}}, m, ExecutorConfig{})
	exec.Execute(ctx, claimed[0])

	tasks := st.Tasks()
	assert.Equal(t, models.TaskFailed, tasks[0].Status)
	require.NotNil(t, tasks[0].ErrorMessage)
	assert.Contains(t, *tasks[0].ErrorMessage, "cursor")
}
