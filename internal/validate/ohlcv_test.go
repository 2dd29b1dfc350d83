package validate

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpulse/collector/internal/connector"
	"github.com/coinpulse/collector/internal/models"
)

var t0 = time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

func bar(ts time.Time, closePx, volume float64) connector.Bar {
	c := decimal.NewFromFloat(closePx)
	return connector.Bar{
		Time:   ts,
		Open:   c,
		High:   c.Add(decimal.NewFromInt(1)),
		Low:    c.Sub(decimal.NewFromInt(1)),
		Close:  c,
		Volume: decimal.NewFromFloat(volume),
	}
}

func minuteBars(n int, closePx, volume float64) []connector.Bar {
	bars := make([]connector.Bar, 0, n)
	for i := 0; i < n; i++ {
		bars = append(bars, bar(t0.Add(time.Duration(i)*time.Minute), closePx, volume))
	}
	return bars
}

func TestBatch_CleanSequence(t *testing.T) {
	report := Batch(Config{Timeframe: models.Timeframe1m}, minuteBars(30, 100, 10))

	assert.True(t, report.Valid)
	assert.Equal(t, 30, report.TotalRecords)
	assert.Empty(t, report.Errors)
	assert.Empty(t, report.Warnings)
}

func TestBatch_DuplicateTimestamp(t *testing.T) {
	bars := minuteBars(5, 100, 10)
	bars[2].Time = bars[1].Time

	report := Batch(Config{Timeframe: models.Timeframe1m}, bars)

	require.False(t, report.Valid)
	// an equal timestamp breaks monotonicity and duplicates the key
	require.Len(t, report.Errors, 2)
	counts := report.CountByType()
	assert.Equal(t, 1, counts[IssueDuplicate])
	assert.Equal(t, 1, counts[IssueOutOfOrder])
	assert.Equal(t, 2, report.Errors[0].Index)
}

func TestBatch_OutOfOrderTimestamp(t *testing.T) {
	bars := minuteBars(5, 100, 10)
	bars[3].Time = bars[0].Time.Add(-time.Minute)

	report := Batch(Config{Timeframe: models.Timeframe1m}, bars)

	require.False(t, report.Valid)
	var types []IssueType
	for _, e := range report.Errors {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, IssueOutOfOrder)
}

func TestBatch_PriceJumpWarning(t *testing.T) {
	bars := minuteBars(5, 100, 10)
	bars[3] = bar(bars[3].Time, 150, 10) // +50% against previous close

	report := Batch(Config{Timeframe: models.Timeframe1m}, bars)

	assert.True(t, report.Valid, "warnings must not invalidate the batch")
	counts := report.CountByType()
	// the spike is a jump on entry and again on the way back down
	assert.Equal(t, 2, counts[IssuePriceJump])
}

func TestBatch_VolumeSpike_RequiresFullWindow(t *testing.T) {
	short := minuteBars(10, 100, 10)
	short[9] = bar(short[9].Time, 100, 1000)
	report := Batch(Config{Timeframe: models.Timeframe1m}, short)
	assert.Empty(t, report.Warnings, "fewer than window samples must not flag spikes")

	long := minuteBars(30, 100, 10)
	long[25] = bar(long[25].Time, 100, 1000) // 100x rolling mean
	report = Batch(Config{Timeframe: models.Timeframe1m}, long)
	counts := report.CountByType()
	assert.Equal(t, 1, counts[IssueVolumeSpike])
}

func TestBatch_MissingInterval(t *testing.T) {
	bars := []connector.Bar{
		bar(t0, 100, 10),
		bar(t0.Add(time.Minute), 100, 10),
		bar(t0.Add(5*time.Minute), 100, 10), // 3 buckets missing
	}

	report := Batch(Config{Timeframe: models.Timeframe1m}, bars)

	assert.True(t, report.Valid)
	require.Len(t, report.Warnings, 1)
	assert.Equal(t, IssueMissingInterval, report.Warnings[0].Type)
	assert.Equal(t, 3, report.Warnings[0].MissingBuckets)
	assert.Equal(t, 3, report.MissingTotal())
}

func TestBatch_MalformedBar(t *testing.T) {
	bars := minuteBars(3, 100, 10)
	bars[1].Low = decimal.NewFromInt(200) // low above high

	report := Batch(Config{Timeframe: models.Timeframe1m}, bars)

	require.False(t, report.Valid)
	assert.Equal(t, IssueMalformedBar, report.Errors[0].Type)
}

func TestValidator_NeverMutatesInput(t *testing.T) {
	bars := minuteBars(40, 100, 10)
	bars[5].Time = bars[4].Time
	bars[20] = bar(bars[20].Time, 300, 5000)

	snapshot := make([]connector.Bar, len(bars))
	copy(snapshot, bars)

	_ = Batch(Config{Timeframe: models.Timeframe1m}, bars)

	require.Equal(t, len(snapshot), len(bars))
	for i := range snapshot {
		assert.True(t, snapshot[i].Time.Equal(bars[i].Time), "index %d", i)
		assert.True(t, snapshot[i].Open.Equal(bars[i].Open), "index %d", i)
		assert.True(t, snapshot[i].High.Equal(bars[i].High), "index %d", i)
		assert.True(t, snapshot[i].Low.Equal(bars[i].Low), "index %d", i)
		assert.True(t, snapshot[i].Close.Equal(bars[i].Close), "index %d", i)
		assert.True(t, snapshot[i].Volume.Equal(bars[i].Volume), "index %d", i)
	}
}

func TestStreamMatchesBatch(t *testing.T) {
	sequences := [][]connector.Bar{
		minuteBars(50, 100, 10),
		func() []connector.Bar {
			bars := minuteBars(50, 100, 10)
			bars[10].Time = bars[9].Time
			bars[30] = bar(bars[30].Time, 250, 9000)
			return bars
		}(),
		{
			bar(t0, 100, 10),
			bar(t0.Add(10*time.Minute), 100, 10),
			bar(t0.Add(9*time.Minute), 100, 10),
		},
		nil,
	}

	cfg := Config{Timeframe: models.Timeframe1m}
	for i, seq := range sequences {
		batch := Batch(cfg, seq)

		stream := NewStream(cfg)
		for _, b := range seq {
			stream.Push(b)
		}
		streamed := stream.Finalize()

		assert.Equal(t, batch.Valid, streamed.Valid, "sequence %d", i)
		assert.Equal(t, batch.TotalRecords, streamed.TotalRecords, "sequence %d", i)
		assert.Equal(t, batch.CountByType(), streamed.CountByType(), "sequence %d", i)
	}
}
