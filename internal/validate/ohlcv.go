// Package validate implements streaming OHLCV sequence checks. The
// validator reports issues and never mutates or drops bars; acting on
// the report is the orchestrator's call.
package validate

import (
	"fmt"
	"time"

	"github.com/coinpulse/collector/internal/connector"
	"github.com/coinpulse/collector/internal/models"
)

// IssueType names a single check. The values double as the
// validation_type metric label.
type IssueType string

const (
	IssueOutOfOrder      IssueType = "out_of_order_timestamp"
	IssueDuplicate       IssueType = "duplicate_timestamp"
	IssuePriceJump       IssueType = "price_jump"
	IssueVolumeSpike     IssueType = "volume_spike"
	IssueMissingInterval IssueType = "missing_interval"
	IssueMalformedBar    IssueType = "malformed_bar"
)

// Issue is one flagged observation.
type Issue struct {
	Type      IssueType `json:"type"`
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	// MissingBuckets is set for missing_interval issues.
	MissingBuckets int `json:"missing_buckets,omitempty"`
}

// Report is the outcome of validating one bar sequence. Errors make
// the batch invalid; warnings never do.
type Report struct {
	Valid        bool    `json:"valid"`
	TotalRecords int     `json:"total_records"`
	Errors       []Issue `json:"errors"`
	Warnings     []Issue `json:"warnings"`
}

// Config tunes the checks. Zero values fall back to the documented
// defaults.
type Config struct {
	Timeframe             models.Timeframe
	PriceJumpThreshold    float64 // fraction, default 0.10
	VolumeSpikeMultiplier float64 // default 5.0
	VolumeWindow          int     // default 20
}

func (c Config) withDefaults() Config {
	if c.PriceJumpThreshold <= 0 {
		c.PriceJumpThreshold = 0.10
	}
	if c.VolumeSpikeMultiplier <= 0 {
		c.VolumeSpikeMultiplier = 5.0
	}
	if c.VolumeWindow <= 0 {
		c.VolumeWindow = 20
	}
	return c
}

// StreamValidator consumes bars one at a time in O(window) memory.
// In an ascending sequence every duplicate key is adjacent, so prev-bar
// state is sufficient for both ordering and duplicate detection.
type StreamValidator struct {
	cfg Config

	index     int
	havePrev  bool
	prevTime  time.Time
	prevClose float64

	volWindow []float64
	volSum    float64

	errors   []Issue
	warnings []Issue
}

// NewStream creates a streaming validator.
func NewStream(cfg Config) *StreamValidator {
	cfg = cfg.withDefaults()
	return &StreamValidator{
		cfg:       cfg,
		volWindow: make([]float64, 0, cfg.VolumeWindow),
	}
}

// Push feeds the next bar.
func (v *StreamValidator) Push(bar connector.Bar) {
	i := v.index
	v.index++

	ts := bar.Time.UTC()

	if !barWellFormed(bar) {
		v.errors = append(v.errors, Issue{
			Type: IssueMalformedBar, Index: i, Timestamp: ts,
			Message: "bar violates low <= open,close <= high or volume >= 0",
		})
	}

	if v.havePrev {
		switch {
		case ts.Equal(v.prevTime):
			// an equal timestamp breaks monotonicity and is a duplicate
			v.errors = append(v.errors, Issue{
				Type: IssueOutOfOrder, Index: i, Timestamp: ts,
				Message: fmt.Sprintf("timestamp %s not after previous %s", ts.Format(time.RFC3339), v.prevTime.Format(time.RFC3339)),
			}, Issue{
				Type: IssueDuplicate, Index: i, Timestamp: ts,
				Message: fmt.Sprintf("duplicate bucket %s", ts.Format(time.RFC3339)),
			})
		case ts.Before(v.prevTime):
			v.errors = append(v.errors, Issue{
				Type: IssueOutOfOrder, Index: i, Timestamp: ts,
				Message: fmt.Sprintf("timestamp %s not after previous %s", ts.Format(time.RFC3339), v.prevTime.Format(time.RFC3339)),
			})
		default:
			if expected := v.cfg.Timeframe.Duration(); expected > 0 {
				delta := ts.Sub(v.prevTime)
				if float64(delta) > 1.5*float64(expected) {
					missing := int(delta/expected) - 1
					v.warnings = append(v.warnings, Issue{
						Type: IssueMissingInterval, Index: i, Timestamp: ts,
						Message:        fmt.Sprintf("gap of %s implies %d missing buckets", delta, missing),
						MissingBuckets: missing,
					})
				}
			}
		}

		if v.prevClose != 0 {
			closeNow, _ := bar.Close.Float64()
			jump := (closeNow - v.prevClose) / v.prevClose
			if abs(jump) > v.cfg.PriceJumpThreshold {
				v.warnings = append(v.warnings, Issue{
					Type: IssuePriceJump, Index: i, Timestamp: ts,
					Message: fmt.Sprintf("close moved %.2f%% against previous bar", jump*100),
				})
			}
		}
	}

	vol, _ := bar.Volume.Float64()
	if len(v.volWindow) >= v.cfg.VolumeWindow {
		mean := v.volSum / float64(len(v.volWindow))
		if mean > 0 && vol/mean > v.cfg.VolumeSpikeMultiplier {
			v.warnings = append(v.warnings, Issue{
				Type: IssueVolumeSpike, Index: i, Timestamp: ts,
				Message: fmt.Sprintf("volume %.4f is %.1fx the rolling mean %.4f", vol, vol/mean, mean),
			})
		}
		v.volSum -= v.volWindow[0]
		v.volWindow = v.volWindow[1:]
	}
	v.volWindow = append(v.volWindow, vol)
	v.volSum += vol

	v.havePrev = true
	v.prevTime = ts
	v.prevClose, _ = bar.Close.Float64()
}

// Finalize returns the accumulated report. The validator may not be
// reused after Finalize.
func (v *StreamValidator) Finalize() Report {
	return Report{
		Valid:        len(v.errors) == 0,
		TotalRecords: v.index,
		Errors:       v.errors,
		Warnings:     v.warnings,
	}
}

// Batch validates a full in-memory sequence. It runs the same
// single-pass checks as the streaming path, so the two modes always
// agree on error and warning counts.
func Batch(cfg Config, bars []connector.Bar) Report {
	v := NewStream(cfg)
	for _, b := range bars {
		v.Push(b)
	}
	return v.Finalize()
}

// MissingTotal sums the missing-bucket estimates across warnings.
func (r Report) MissingTotal() int {
	total := 0
	for _, w := range r.Warnings {
		total += w.MissingBuckets
	}
	return total
}

// CountByType tallies issues for metric emission.
func (r Report) CountByType() map[IssueType]int {
	out := make(map[IssueType]int)
	for _, e := range r.Errors {
		out[e.Type]++
	}
	for _, w := range r.Warnings {
		out[w.Type]++
	}
	return out
}

func barWellFormed(b connector.Bar) bool {
	if b.Low.GreaterThan(b.Open) || b.Open.GreaterThan(b.High) {
		return false
	}
	if b.Low.GreaterThan(b.Close) || b.Close.GreaterThan(b.High) {
		return false
	}
	return !b.Volume.IsNegative()
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
