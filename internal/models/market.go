package models

import (
	"time"
)

// MarketType classifies the instrument behind a market registry entry.
type MarketType string

const (
	MarketTypeSpot             MarketType = "spot"
	MarketTypeLinearPerpetual  MarketType = "linear_perpetual"
	MarketTypeInversePerpetual MarketType = "inverse_perpetual"
	MarketTypeFutures          MarketType = "futures"
	MarketTypeOption           MarketType = "option"
)

// Market is a static registry entry keyed on (exchange, symbol).
// Rows are inserted on first observation and never deleted while
// time-series rows still reference them.
type Market struct {
	ID         int64      `json:"id" db:"id"`
	Exchange   string     `json:"exchange" db:"exchange"`
	Symbol     string     `json:"symbol" db:"symbol"`
	MarketType MarketType `json:"market_type" db:"market_type"`
	IsActive   bool       `json:"is_active" db:"is_active"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// Timeframe is an OHLCV bucket width. Only the enumerated values are
// accepted by the config loader; coarser frames beyond 1m are usually
// served by continuous aggregates.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe1m:  time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe4h:  4 * time.Hour,
	Timeframe1d:  24 * time.Hour,
}

// Duration returns the bucket width, or zero for unknown frames.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// Valid reports whether the timeframe is one of the supported widths.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// Truncate aligns t down to the timeframe's bucket boundary in UTC.
func (tf Timeframe) Truncate(t time.Time) time.Time {
	d := tf.Duration()
	if d == 0 {
		return t.UTC()
	}
	return t.UTC().Truncate(d)
}

// ParseTimeframe validates a timeframe token from config or CLI input.
func ParseTimeframe(s string) (Timeframe, bool) {
	tf := Timeframe(s)
	return tf, tf.Valid()
}
