package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SignalSide is the directional read of a market signal.
type SignalSide string

const (
	SideBullish SignalSide = "bullish"
	SideBearish SignalSide = "bearish"
	SideNeutral SignalSide = "neutral"
)

// SignalSeverity ranks how actionable a signal is.
type SignalSeverity string

const (
	SeverityInfo     SignalSeverity = "info"
	SeverityWarning  SignalSeverity = "warning"
	SeverityCritical SignalSeverity = "critical"
)

// Signal type identifiers produced by the signal monitor. Names are
// stable: they form the upsert key together with (time, symbol).
const (
	SignalFundingExtreme     = "funding_extreme"
	SignalOISpike            = "oi_spike"
	SignalWhaleLiquidation   = "whale_liquidation"
	SignalLiquidationCluster = "liquidation_cluster"
	SignalOBIExtreme         = "obi_extreme"
	SignalCVDDivergence      = "cvd_divergence"
)

// MarketSignal is a detected market-condition event keyed on
// (time, symbol, signal_type); re-running a detector over the same
// window upserts rather than duplicates.
type MarketSignal struct {
	Time          time.Time              `json:"time" db:"time"`
	Symbol        string                 `json:"symbol" db:"symbol"`
	SignalType    string                 `json:"signal_type" db:"signal_type"`
	Side          SignalSide             `json:"side" db:"side"`
	Severity      SignalSeverity         `json:"severity" db:"severity"`
	PriceAtSignal *decimal.Decimal       `json:"price_at_signal,omitempty" db:"price_at_signal"`
	Message       string                 `json:"message" db:"message"`
	Metadata      map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
}
