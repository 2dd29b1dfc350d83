package models

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"
)

// DataKind is the discriminator for what a collector fetches.
type DataKind string

const (
	KindOHLCV          DataKind = "ohlcv"
	KindFundingRate    DataKind = "funding_rate"
	KindOpenInterest   DataKind = "open_interest"
	KindWhaleTx        DataKind = "whale_tx"
	KindETFFlow        DataKind = "etf_flow"
	KindEventCalendar  DataKind = "event_calendar"
	KindSentimentIndex DataKind = "sentiment_index"
)

// DataType is a parsed data-type declaration. OHLCV carries its
// timeframe ("ohlcv:1m"); the other kinds are bare tokens.
type DataType struct {
	Kind      DataKind  `json:"kind"`
	Timeframe Timeframe `json:"timeframe,omitempty"`
}

// ParseDataType parses a config token such as "ohlcv:1m" or
// "funding_rate". Unknown kinds and malformed OHLCV timeframes are
// startup errors.
func ParseDataType(s string) (DataType, error) {
	if tf, ok := strings.CutPrefix(s, string(KindOHLCV)+":"); ok {
		parsed, valid := ParseTimeframe(tf)
		if !valid {
			return DataType{}, fmt.Errorf("unknown ohlcv timeframe %q", tf)
		}
		return DataType{Kind: KindOHLCV, Timeframe: parsed}, nil
	}
	switch DataKind(s) {
	case KindFundingRate, KindOpenInterest, KindWhaleTx, KindETFFlow, KindEventCalendar, KindSentimentIndex:
		return DataType{Kind: DataKind(s)}, nil
	}
	return DataType{}, fmt.Errorf("unknown data_type %q", s)
}

// String renders the canonical config token.
func (d DataType) String() string {
	if d.Kind == KindOHLCV && d.Timeframe != "" {
		return string(d.Kind) + ":" + string(d.Timeframe)
	}
	return string(d.Kind)
}

// Value implements database/sql/driver.Valuer so tasks persist the
// canonical token.
func (d DataType) Value() (driver.Value, error) {
	return d.String(), nil
}

// Scan implements sql.Scanner.
func (d *DataType) Scan(src interface{}) error {
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into DataType", src)
	}
	parsed, err := ParseDataType(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// LogLevel mirrors the system_logs level column.
type LogLevel string

const (
	LevelInfo     LogLevel = "info"
	LevelWarning  LogLevel = "warning"
	LevelError    LogLevel = "error"
	LevelCritical LogLevel = "critical"
)

// SystemLog is an append-only operational or data-quality event.
type SystemLog struct {
	Time     time.Time              `json:"time" db:"time"`
	Module   string                 `json:"module" db:"module"`
	Level    LogLevel               `json:"level" db:"level"`
	Message  string                 `json:"message" db:"message"`
	Value    *float64               `json:"value,omitempty" db:"value"`
	Metadata map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
}

// QualitySummary is one data_quality_summary row produced by the
// periodic quality check.
type QualitySummary struct {
	Time         time.Time `json:"time" db:"time"`
	MarketID     int64     `json:"market_id" db:"market_id"`
	Timeframe    Timeframe `json:"timeframe" db:"timeframe"`
	WindowHours  int       `json:"window_hours" db:"window_hours"`
	Expected     int       `json:"expected_records" db:"expected_records"`
	Actual       int       `json:"actual_records" db:"actual_records"`
	MissingRate  float64   `json:"missing_rate" db:"missing_rate"`
	QualityScore float64   `json:"quality_score" db:"quality_score"`
	Errors       int       `json:"errors" db:"errors"`
	Warnings     int       `json:"warnings" db:"warnings"`
}
