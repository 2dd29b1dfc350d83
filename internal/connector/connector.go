// Package connector defines the uniform contract every source adapter
// satisfies. The orchestrator dispatches on the collector's declared
// data type; adapters implement whichever subset of operations their
// source supports and return ErrUnsupported for the rest.
package connector

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinpulse/collector/internal/models"
)

// ErrUnsupported is returned by adapters for operations their source
// does not provide.
var ErrUnsupported = errors.New("operation not supported by this source")

// FetchMeta carries side-band information from a fetch: the source's
// pagination cursor, its server clock, and any rate-limit headers it
// surfaced. The retry policy consumes the headers; the backfill
// executor consumes the cursor.
type FetchMeta struct {
	Cursor           string            `json:"cursor,omitempty"`
	ServerTime       time.Time         `json:"server_time,omitempty"`
	RateLimitHeaders map[string]string `json:"rate_limit_headers,omitempty"`
}

// Bar is an exchange-native OHLCV observation before market-ID
// resolution. Time is the bucket start, UTC, aligned to the timeframe.
type Bar struct {
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// FundingPoint is a single funding-rate observation.
type FundingPoint struct {
	Time          time.Time       `json:"time"`
	Rate          decimal.Decimal `json:"rate"`
	PredictedRate *decimal.Decimal `json:"predicted_rate,omitempty"`
}

// OIPoint is a single open-interest observation.
type OIPoint struct {
	Time     time.Time       `json:"time"`
	Value    decimal.Decimal `json:"value"`
	ValueUSD *decimal.Decimal `json:"value_usd,omitempty"`
}

// FlowRecord is one day of ETF net flow for an asset, aligned by the
// adapter to the product's market-close timestamp.
type FlowRecord struct {
	Time    time.Time       `json:"time"`
	Asset   string          `json:"asset"`
	Product string          `json:"product"`
	FlowUSD decimal.Decimal `json:"flow_usd"`
	// Unknown marks products the parser did not recognize; the
	// orchestrator counts them and persists a payload snapshot.
	Unknown bool `json:"unknown,omitempty"`
	RawPage []byte `json:"-"`
}

// EventRecord is one scheduled macro/market event (CPI, NFP, FOMC).
type EventRecord struct {
	Time     time.Time `json:"time"`
	Category string    `json:"category"`
	Name     string    `json:"name"`
	Impact   string    `json:"impact,omitempty"`
}

// SentimentPoint is one sentiment-index observation (fear/greed).
type SentimentPoint struct {
	Time           time.Time       `json:"time"`
	Name           string          `json:"name"`
	Value          decimal.Decimal `json:"value"`
	Classification string          `json:"classification,omitempty"`
}

// WhaleTx is an exchange-agnostic large transfer as reported by a
// chain explorer, before blockchain-ID resolution and USD enrichment.
type WhaleTx struct {
	Blockchain  string          `json:"blockchain"`
	TxHash      string          `json:"tx_hash"`
	Time        time.Time       `json:"time"`
	FromAddress string          `json:"from_address"`
	ToAddress   string          `json:"to_address"`
	Amount      decimal.Decimal `json:"amount"`
}

// Connector is the uniform source-adapter contract. All methods honor
// context cancellation; every transport, server, or format failure
// surfaces as a *FetchError.
type Connector interface {
	// Name identifies the source for logging, metrics, and the
	// per-source rate-limit bucket.
	Name() string

	// FetchOHLCV returns up to limit bars for symbol/timeframe with
	// bucket start >= since, sorted ascending. May be empty.
	FetchOHLCV(ctx context.Context, symbol string, tf models.Timeframe, since time.Time, limit int) ([]Bar, FetchMeta, error)

	// FetchLatestFunding returns the most recent funding observation,
	// or nil when the source has none for the symbol.
	FetchLatestFunding(ctx context.Context, symbol string) (*FundingPoint, FetchMeta, error)

	// FetchOpenInterest returns the current open interest, or nil.
	FetchOpenInterest(ctx context.Context, symbol string) (*OIPoint, FetchMeta, error)

	// FetchWhaleTransactions returns large transfers in [since, until],
	// optionally restricted to one address, up to limit rows.
	FetchWhaleTransactions(ctx context.Context, address string, since, until time.Time, limit int) ([]WhaleTx, FetchMeta, error)

	// FetchETFFlows returns daily flow records for the asset over the
	// trailing lookback window.
	FetchETFFlows(ctx context.Context, asset string, lookbackDays int) ([]FlowRecord, FetchMeta, error)

	// FetchEventCalendar returns scheduled events up to the given
	// number of months ahead.
	FetchEventCalendar(ctx context.Context, monthsAhead int) ([]EventRecord, FetchMeta, error)

	// FetchSentiment returns the latest sentiment-index observation.
	FetchSentiment(ctx context.Context) (*SentimentPoint, FetchMeta, error)

	// GetMarkets enumerates the source's native symbols for dynamic
	// market discovery.
	GetMarkets(ctx context.Context) ([]string, error)

	// Close releases HTTP sessions and any other adapter resources.
	Close() error
}
