package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MetricName is the low-cardinality enum for per-market metric rows.
type MetricName string

const (
	MetricFundingRate       MetricName = "funding_rate"
	MetricPredictedFunding  MetricName = "predicted_funding_rate"
	MetricOpenInterest      MetricName = "open_interest"
	MetricOrderbookSnapshot MetricName = "orderbook_snapshot"
	MetricOBI               MetricName = "obi"
	MetricCVDDelta          MetricName = "cvd_delta"
)

// MarketMetric is one point of a named per-market series, keyed on
// (market_id, time, name). Value is mandatory; writers skip rows whose
// upstream value is absent rather than persisting NULLs.
type MarketMetric struct {
	MarketID int64                  `json:"market_id" db:"market_id"`
	Time     time.Time              `json:"time" db:"time"`
	Name     MetricName             `json:"name" db:"name"`
	Value    decimal.Decimal        `json:"value" db:"value"`
	Metadata map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
}

// IndicatorCategory groups global (market-independent) indicators.
type IndicatorCategory string

const (
	CategorySentiment IndicatorCategory = "sentiment"
	CategoryETF       IndicatorCategory = "etf"
	CategoryMacro     IndicatorCategory = "macro"
)

// GlobalIndicator is a market-independent series point keyed on
// (time, category, name): fear/greed, ETF flows, CPI/NFP releases.
type GlobalIndicator struct {
	Time           time.Time              `json:"time" db:"time"`
	Category       IndicatorCategory      `json:"category" db:"category"`
	Name           string                 `json:"name" db:"name"`
	Value          decimal.Decimal        `json:"value" db:"value"`
	Classification string                 `json:"classification,omitempty" db:"classification"`
	Metadata       map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
}
