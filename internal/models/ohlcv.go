package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OHLCVBar is one observation for a discrete time window, keyed on
// (market_id, timeframe, bucket start). Prices and volume are exact
// decimals; bars finalize as time advances so later fetches of the
// same bucket legitimately overwrite earlier ones.
type OHLCVBar struct {
	MarketID  int64           `json:"market_id" db:"market_id"`
	Timeframe Timeframe       `json:"timeframe" db:"timeframe"`
	Time      time.Time       `json:"time" db:"time"`
	Open      decimal.Decimal `json:"open" db:"open"`
	High      decimal.Decimal `json:"high" db:"high"`
	Low       decimal.Decimal `json:"low" db:"low"`
	Close     decimal.Decimal `json:"close" db:"close"`
	Volume    decimal.Decimal `json:"volume" db:"volume"`
}

// WellFormed checks the static per-bar invariants: low <= open <= high,
// low <= close <= high, volume >= 0. Sequence-level checks (ordering,
// duplicates, gaps) belong to the validator.
func (b OHLCVBar) WellFormed() bool {
	if b.Low.GreaterThan(b.Open) || b.Open.GreaterThan(b.High) {
		return false
	}
	if b.Low.GreaterThan(b.Close) || b.Close.GreaterThan(b.High) {
		return false
	}
	return !b.Volume.IsNegative()
}

// Aligned reports whether the bar's timestamp sits on its timeframe
// boundary.
func (b OHLCVBar) Aligned() bool {
	return b.Timeframe.Truncate(b.Time).Equal(b.Time.UTC())
}
