// Package policy wraps every connector call with retry, rate-limit,
// and circuit-breaker behavior. One Policy guards one source adapter;
// a RATE_LIMIT response pauses the whole source, not just the
// offending endpoint.
package policy

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/coinpulse/collector/internal/config"
	"github.com/coinpulse/collector/internal/connector"
	"github.com/coinpulse/collector/internal/metrics"
)

const jitterFraction = 0.2

// Policy is the per-source request guard.
type Policy struct {
	source  string
	cfg     config.RequestPolicy
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Registry

	mu          sync.Mutex
	pausedUntil time.Time
	rng         *rand.Rand

	// sleep is swapped in tests to keep backoff deterministic.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a policy for one source.
func New(source string, cfg config.RequestPolicy, m *metrics.Registry) *Policy {
	st := gobreaker.Settings{Name: source}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= 5 {
			return true
		}
		if counts.Requests < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) > 0.5
	}

	return &Policy{
		source:  source,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		breaker: gobreaker.NewCircuitBreaker(st),
		metrics: m,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:   sleepCtx,
	}
}

// Do runs fn under the retry budget. fn gets a per-request timeout
// derived from the policy. Cancellation propagates out unchanged and
// counts as neither success nor failure.
func (p *Policy) Do(ctx context.Context, endpoint string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		if err := p.waitPaused(ctx); err != nil {
			return err
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}

		reqCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		start := time.Now()
		_, err := p.breaker.Execute(func() (interface{}, error) {
			return nil, fn(reqCtx)
		})
		elapsed := time.Since(start)
		cancel()

		if err == nil {
			p.metrics.RecordAPIRequest(p.source, endpoint, "success", elapsed)
			return nil
		}
		if ctx.Err() != nil {
			// shutdown mid-flight: no metrics, no backoff accounting
			return ctx.Err()
		}

		fe := classify(err, reqCtx)
		p.metrics.RecordAPIRequest(p.source, endpoint, "error", elapsed)
		p.metrics.RecordAPIError(p.source, endpoint, string(fe.Kind))
		lastErr = fe

		paused := false
		if fe.Kind == connector.KindRateLimit {
			p.pauseFor(p.retryAfter(fe, attempt))
			paused = true
		}
		if !fe.Retryable() || attempt == p.cfg.MaxRetries {
			break
		}
		if paused {
			// waitPaused on the next attempt serves the whole delay;
			// a backoff sleep on top would double-charge it.
			continue
		}

		delay := p.backoff(attempt)
		log.Debug().Str("source", p.source).Str("endpoint", endpoint).
			Str("error_type", string(fe.Kind)).Int("attempt", attempt).
			Dur("backoff", delay).Msg("Retrying fetch")
		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

// Pause blocks all requests through this source until the window
// passes.
func (p *Policy) Pause(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	until := time.Now().Add(d)
	if until.After(p.pausedUntil) {
		p.pausedUntil = until
		log.Warn().Str("source", p.source).Time("until", until).Msg("Source paused by rate limit")
	}
}

// PausedFor reports the remaining pause window, if any.
func (p *Policy) PausedFor() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rem := time.Until(p.pausedUntil); rem > 0 {
		return rem
	}
	return 0
}

func (p *Policy) waitPaused(ctx context.Context) error {
	if rem := p.PausedFor(); rem > 0 {
		return p.sleep(ctx, rem)
	}
	return nil
}

func (p *Policy) pauseFor(d time.Duration) {
	if d <= 0 {
		d = p.cfg.InitialBackoff
	}
	p.Pause(d)
}

// retryAfter prefers the source-provided reset window over the
// computed backoff.
func (p *Policy) retryAfter(fe *connector.FetchError, attempt int) time.Duration {
	if fe.RetryAfter > 0 {
		return fe.RetryAfter
	}
	return p.backoff(attempt)
}

// backoff computes initial * factor^(n-1) with ±20% jitter, capped at
// the configured maximum.
func (p *Policy) backoff(attempt int) time.Duration {
	d := float64(p.cfg.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= p.cfg.BackoffFactor
	}

	p.mu.Lock()
	jitter := 1 + jitterFraction*(2*p.rng.Float64()-1)
	p.mu.Unlock()

	d *= jitter
	if max := float64(p.cfg.MaxBackoff); d > max {
		d = max
	}
	return time.Duration(d)
}

// classify turns any failure into a typed FetchError. A per-request
// deadline that expired becomes TIMEOUT; an open breaker stays
// retryable so the source recovers once the window closes.
func classify(err error, reqCtx context.Context) *connector.FetchError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &connector.FetchError{Kind: connector.KindNetwork, Message: "circuit breaker open", Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) && reqCtx.Err() == context.DeadlineExceeded {
		return &connector.FetchError{Kind: connector.KindTimeout, Message: "request deadline exceeded", Err: err}
	}
	return connector.AsFetchError(err)
}

// ParseRetryAfter reads a Retry-After style header value in seconds.
func ParseRetryAfter(headers map[string]string) time.Duration {
	if v, ok := headers["Retry-After"]; ok {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Set holds one policy per source name.
type Set struct {
	mu       sync.Mutex
	policies map[string]*Policy
	metrics  *metrics.Registry
}

// NewSet creates an empty policy registry.
func NewSet(m *metrics.Registry) *Set {
	return &Set{policies: make(map[string]*Policy), metrics: m}
}

// For returns the policy for a source, creating it with cfg on first
// use. Later calls for the same source reuse the first policy so the
// source-wide pause is shared across its collectors.
func (s *Set) For(source string, cfg config.RequestPolicy) *Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.policies[source]; ok {
		return p
	}
	p := New(source, cfg, s.metrics)
	s.policies[source] = p
	return p
}
