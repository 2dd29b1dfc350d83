package config

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/coinpulse/collector/internal/models"
)

// SourceKind identifies the family a collector's source belongs to.
type SourceKind string

const (
	SourceExchange  SourceKind = "exchange"
	SourceChain     SourceKind = "chain"
	SourceETF       SourceKind = "etf"
	SourceMacro     SourceKind = "macro"
	SourceSentiment SourceKind = "sentiment"
)

// cronParser is the 5-field standard parser (minute hour dom month
// dow) with descriptor support disabled so declarations stay uniform.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Collector is one per-collector declaration. One declaration maps to
// one scheduled job in the orchestrator.
type Collector struct {
	SourceKind     SourceKind `yaml:"source_kind"`
	SourceName     string     `yaml:"source_name"`
	CredentialsRef string     `yaml:"credentials_ref,omitempty"`

	// Scope: market sources use Base/Quote; chain sources use
	// Addresses; ETF sources use Products.
	BaseAsset  string   `yaml:"base_asset,omitempty"`
	QuoteAsset string   `yaml:"quote_asset,omitempty"`
	Addresses  []string `yaml:"addresses,omitempty"`
	Products   []string `yaml:"products,omitempty"`

	DataTypeRaw string          `yaml:"data_type"`
	DataType    models.DataType `yaml:"-"`

	Periodic   Periodic         `yaml:"periodic"`
	Request    RequestPolicy    `yaml:"request"`
	Validation ValidationPolicy `yaml:"validation"`
	Thresholds Thresholds       `yaml:"thresholds"`
}

// Periodic declares the collection cadence.
type Periodic struct {
	Enabled         bool   `yaml:"enabled"`
	Cron            string `yaml:"cron"`
	Timezone        string `yaml:"timezone,omitempty"`
	LookbackMinutes int    `yaml:"lookback_minutes,omitempty"`
}

// RequestPolicy tunes the retry/rate-limit wrapper for this source.
type RequestPolicy struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Timeout        time.Duration `yaml:"timeout"`
	RateLimit      float64       `yaml:"rate_limit"` // requests per second
	Burst          int           `yaml:"burst"`
}

// ValidationPolicy tunes the streaming OHLCV checks.
type ValidationPolicy struct {
	Enabled               bool    `yaml:"enabled"`
	SkipOnError           bool    `yaml:"skip_on_error"`
	PriceJumpThreshold    float64 `yaml:"price_jump_threshold"`
	VolumeSpikeMultiplier float64 `yaml:"volume_spike_multiplier"`
}

// Thresholds hold classification cut-offs for chain collectors.
type Thresholds struct {
	WhaleAmountUSD   float64 `yaml:"whale_amount"`
	AnomalyAmountUSD float64 `yaml:"anomaly_amount"`
}

// CollectorsFile is the on-disk shape of a declarations file.
type CollectorsFile struct {
	Collectors []Collector `yaml:"collectors"`
}

// Symbol renders the market symbol for exchange-scoped declarations.
func (c Collector) Symbol() string {
	if c.BaseAsset == "" || c.QuoteAsset == "" {
		return ""
	}
	return c.BaseAsset + "/" + c.QuoteAsset
}

// JobID names the scheduler job for this declaration; one live
// execution per JobID is the scheduler's coalescing key.
func (c Collector) JobID() string {
	if sym := c.Symbol(); sym != "" {
		return fmt.Sprintf("%s.%s.%s", c.SourceName, sym, c.DataType)
	}
	return fmt.Sprintf("%s.%s", c.SourceName, c.DataType)
}

// LoadCollectors reads and validates a declarations file.
func LoadCollectors(path string) ([]Collector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read collectors file: %w", err)
	}
	var file CollectorsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse collectors file: %w", err)
	}
	for i := range file.Collectors {
		if err := file.Collectors[i].validate(); err != nil {
			return nil, fmt.Errorf("collector %d (%s): %w", i, file.Collectors[i].SourceName, err)
		}
	}
	return file.Collectors, nil
}

// validate applies defaults and rejects malformed declarations.
func (c *Collector) validate() error {
	switch c.SourceKind {
	case SourceExchange, SourceChain, SourceETF, SourceMacro, SourceSentiment:
	case "":
		return fmt.Errorf("source_kind is required")
	default:
		return fmt.Errorf("unknown source_kind %q", c.SourceKind)
	}
	if c.SourceName == "" {
		return fmt.Errorf("source_name is required")
	}
	if c.DataTypeRaw == "" {
		return fmt.Errorf("data_type is required")
	}
	dt, err := models.ParseDataType(c.DataTypeRaw)
	if err != nil {
		return err
	}
	c.DataType = dt

	if c.SourceKind == SourceExchange && c.Symbol() == "" {
		return fmt.Errorf("exchange collectors require base_asset and quote_asset")
	}

	if c.Periodic.Enabled {
		if c.Periodic.Cron == "" {
			return fmt.Errorf("periodic.cron is required when periodic.enabled")
		}
		if _, err := cronParser.Parse(c.CronSpec()); err != nil {
			return fmt.Errorf("malformed cron %q: %w", c.Periodic.Cron, err)
		}
	}
	if c.Periodic.LookbackMinutes < 0 {
		return fmt.Errorf("lookback_minutes must not be negative")
	}

	if c.Request.InitialBackoff < 0 || c.Request.MaxBackoff < 0 || c.Request.Timeout < 0 {
		return fmt.Errorf("request durations must not be negative")
	}
	if c.Request.MaxRetries <= 0 {
		c.Request.MaxRetries = 3
	}
	if c.Request.InitialBackoff == 0 {
		c.Request.InitialBackoff = time.Second
	}
	if c.Request.BackoffFactor < 1 {
		c.Request.BackoffFactor = 2.0
	}
	if c.Request.MaxBackoff == 0 {
		c.Request.MaxBackoff = 60 * time.Second
	}
	if c.Request.Timeout == 0 {
		c.Request.Timeout = 30 * time.Second
	}
	if c.Request.RateLimit <= 0 {
		c.Request.RateLimit = 5
	}
	if c.Request.Burst <= 0 {
		c.Request.Burst = int(c.Request.RateLimit) + 1
	}

	if c.Validation.PriceJumpThreshold <= 0 {
		c.Validation.PriceJumpThreshold = 0.10
	}
	if c.Validation.VolumeSpikeMultiplier <= 0 {
		c.Validation.VolumeSpikeMultiplier = 5.0
	}

	if c.Periodic.Timezone != "" {
		if _, err := time.LoadLocation(c.Periodic.Timezone); err != nil {
			return fmt.Errorf("unknown timezone %q: %w", c.Periodic.Timezone, err)
		}
	}
	return nil
}

// CronSpec returns the declaration's cron expression with its
// timezone prefix applied, ready for the scheduler.
func (c Collector) CronSpec() string {
	if c.Periodic.Timezone != "" {
		return "CRON_TZ=" + c.Periodic.Timezone + " " + c.Periodic.Cron
	}
	return c.Periodic.Cron
}
