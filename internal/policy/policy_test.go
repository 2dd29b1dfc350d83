package policy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpulse/collector/internal/config"
	"github.com/coinpulse/collector/internal/connector"
	"github.com/coinpulse/collector/internal/metrics"
)

func testRequestPolicy() config.RequestPolicy {
	return config.RequestPolicy{
		MaxRetries:     3,
		InitialBackoff: 10 * time.Millisecond,
		BackoffFactor:  2.0,
		MaxBackoff:     60 * time.Second,
		Timeout:        time.Second,
		RateLimit:      1000,
		Burst:          1000,
	}
}

// sleepRecorder replaces real sleeps so retry tests finish instantly.
type sleepRecorder struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.slept = append(r.slept, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestPolicy(t *testing.T) (*Policy, *metrics.Registry, *sleepRecorder) {
	t.Helper()
	m := metrics.New()
	p := New("binance", testRequestPolicy(), m)
	rec := &sleepRecorder{}
	p.sleep = rec.sleep
	return p, m, rec
}

func TestDo_RateLimitedTwiceThenSucceeds(t *testing.T) {
	p, m, _ := newTestPolicy(t)

	calls := 0
	err := p.Do(context.Background(), "ohlcv", func(context.Context) error {
		calls++
		if calls <= 2 {
			return connector.NewFetchError(connector.KindRateLimit, "too many requests", nil)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.APIErrors.WithLabelValues("binance", "ohlcv", "RATE_LIMIT")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.APIRequests.WithLabelValues("binance", "ohlcv", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.APIRequests.WithLabelValues("binance", "ohlcv", "success")))
}

func TestDo_NonRetryableFailsWithoutRetry(t *testing.T) {
	p, m, rec := newTestPolicy(t)

	calls := 0
	err := p.Do(context.Background(), "funding", func(context.Context) error {
		calls++
		return connector.NewFetchError(connector.KindBadRequest, "bad symbol", nil)
	})

	require.Error(t, err)
	var fe *connector.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, connector.KindBadRequest, fe.Kind)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.slept, "non-retryable errors must not back off")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.APIErrors.WithLabelValues("binance", "funding", "BAD_REQUEST")))
}

func TestDo_ExhaustsBudgetOnPersistentTransientError(t *testing.T) {
	p, m, _ := newTestPolicy(t)

	calls := 0
	err := p.Do(context.Background(), "ohlcv", func(context.Context) error {
		calls++
		return connector.NewFetchError(connector.KindServer5xx, "unavailable", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.APIErrors.WithLabelValues("binance", "ohlcv", "SERVER_5XX")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.APIRequests.WithLabelValues("binance", "ohlcv", "success")))
}

func TestDo_CancellationPropagatesWithoutMetrics(t *testing.T) {
	p, m, _ := newTestPolicy(t)
	ctx, cancel := context.WithCancel(context.Background())

	err := p.Do(ctx, "ohlcv", func(context.Context) error {
		cancel()
		return ctx.Err()
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.APIRequests.WithLabelValues("binance", "ohlcv", "error")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.APIRequests.WithLabelValues("binance", "ohlcv", "success")))
}

func TestDo_RetryAfterPausesWholeSource(t *testing.T) {
	p, _, _ := newTestPolicy(t)

	calls := 0
	err := p.Do(context.Background(), "ohlcv", func(context.Context) error {
		calls++
		if calls == 1 {
			fe := connector.NewFetchError(connector.KindRateLimit, "slow down", nil)
			fe.RetryAfter = 250 * time.Millisecond
			return fe
		}
		return nil
	})
	require.NoError(t, err)

	// the stubbed sleep never lets wall time pass, so the pause set
	// by the first failure is still (mostly) in force
	rem := p.PausedFor()
	assert.Greater(t, rem, 150*time.Millisecond)
	assert.LessOrEqual(t, rem, 250*time.Millisecond)
}

func TestDo_RateLimitPauseReplacesBackoffSleep(t *testing.T) {
	p, _, rec := newTestPolicy(t)

	calls := 0
	err := p.Do(context.Background(), "ohlcv", func(context.Context) error {
		calls++
		if calls == 1 {
			fe := connector.NewFetchError(connector.KindRateLimit, "slow down", nil)
			fe.RetryAfter = 250 * time.Millisecond
			return fe
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	// the only sleep between the attempts is the pause wait itself;
	// stacking a backoff sleep on top would double the delay
	require.Len(t, rec.slept, 1)
	assert.Greater(t, rec.slept[0], 150*time.Millisecond)
	assert.LessOrEqual(t, rec.slept[0], 250*time.Millisecond)
}

func TestBackoff_GrowsMonotonicallyAndRespectsCap(t *testing.T) {
	m := metrics.New()
	cfg := testRequestPolicy()
	cfg.InitialBackoff = time.Second
	cfg.MaxBackoff = 10 * time.Second
	p := New("kraken", cfg, m)

	prevMax := time.Duration(0)
	for attempt := 1; attempt <= 6; attempt++ {
		base := float64(time.Second)
		for i := 1; i < attempt; i++ {
			base *= cfg.BackoffFactor
		}
		lo := time.Duration(base * (1 - jitterFraction))
		hi := time.Duration(base * (1 + jitterFraction))
		if lo > cfg.MaxBackoff {
			lo = cfg.MaxBackoff
		}
		if hi > cfg.MaxBackoff {
			hi = cfg.MaxBackoff
		}

		for trial := 0; trial < 50; trial++ {
			d := p.backoff(attempt)
			assert.GreaterOrEqual(t, d, lo, "attempt %d", attempt)
			assert.LessOrEqual(t, d, hi, "attempt %d", attempt)
			assert.LessOrEqual(t, d, cfg.MaxBackoff)
			// jitter bands for consecutive attempts never overlap
			// while the cap is not in play
			if hi < cfg.MaxBackoff {
				assert.Greater(t, d, prevMax, "attempt %d overlaps attempt %d", attempt, attempt-1)
			}
		}
		prevMax = hi
	}
}

func TestSet_SharesPolicyPerSource(t *testing.T) {
	s := NewSet(metrics.New())
	a := s.For("binance", testRequestPolicy())
	b := s.For("binance", testRequestPolicy())
	c := s.For("kraken", testRequestPolicy())

	assert.Same(t, a, b, "collectors on one source share its pause window")
	assert.NotSame(t, a, c)

	a.Pause(time.Minute)
	assert.Greater(t, b.PausedFor(), 50*time.Second)
	assert.Zero(t, c.PausedFor())
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 30*time.Second, ParseRetryAfter(map[string]string{"Retry-After": "30"}))
	assert.Zero(t, ParseRetryAfter(map[string]string{"Retry-After": "soon"}))
	assert.Zero(t, ParseRetryAfter(nil))
}
