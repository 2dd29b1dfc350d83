package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TxDirection classifies a whale transfer relative to known exchange
// addresses.
type TxDirection string

const (
	DirectionInflow  TxDirection = "inflow"
	DirectionOutflow TxDirection = "outflow"
	DirectionNeutral TxDirection = "neutral"
)

// WhaleTransaction is a large on-chain transfer keyed on
// (blockchain_id, time, tx_hash). Re-ingesting the same transfer
// updates enrichment fields (USD valuation) without duplicating rows.
type WhaleTransaction struct {
	BlockchainID int64           `json:"blockchain_id" db:"blockchain_id"`
	Time         time.Time       `json:"time" db:"time"`
	TxHash       string          `json:"tx_hash" db:"tx_hash"`
	FromAddress  string          `json:"from_address" db:"from_address"`
	ToAddress    string          `json:"to_address" db:"to_address"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	AmountUSD    decimal.Decimal `json:"amount_usd" db:"amount_usd"`
	Direction    TxDirection     `json:"direction" db:"direction"`
	IsWhale      bool            `json:"is_whale" db:"is_whale"`
	IsAnomaly    bool            `json:"is_anomaly" db:"is_anomaly"`
}

// Liquidation is a forced position close. Append-only with dedup key
// (time, exchange, symbol, side, price); an exact-price collision in
// the same instant is silently dropped, which is the documented
// behavior of the dedup key.
type Liquidation struct {
	Time     time.Time       `json:"time" db:"time"`
	Exchange string          `json:"exchange" db:"exchange"`
	Symbol   string          `json:"symbol" db:"symbol"`
	Side     string          `json:"side" db:"side"`
	Price    decimal.Decimal `json:"price" db:"price"`
	Quantity decimal.Decimal `json:"quantity" db:"quantity"`
	ValueUSD decimal.Decimal `json:"value_usd" db:"value_usd"`
}
