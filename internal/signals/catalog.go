// Package signals scans stored series for market-condition events and
// writes typed rows to market_signals. Detectors read only persisted
// data; the monitor never fetches from external sources.
package signals

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Catalog holds the detector thresholds. Zero values are replaced with
// the documented defaults, so an empty catalog is fully usable.
type Catalog struct {
	// FundingWarn and FundingCritical are absolute funding-rate cuts.
	FundingWarn     float64 `yaml:"funding_warn"`
	FundingCritical float64 `yaml:"funding_critical"`

	// OISpikePct is the relative open-interest change over roughly one
	// hour that fires the spike detector. OIMaxSampleGap guards the
	// window edges against stale samples.
	OISpikePct     float64       `yaml:"oi_spike_pct"`
	OIMaxSampleGap time.Duration `yaml:"oi_max_sample_gap"`

	// WhaleLiquidationUSD fires on a single liquidation at or above the
	// cut; ClusterUSD fires on the 1-minute (symbol, side) sum.
	WhaleLiquidationUSD float64 `yaml:"whale_liquidation_usd"`
	ClusterUSD          float64 `yaml:"cluster_usd"`

	// OBIExtreme is the absolute order-book-imbalance cut.
	OBIExtreme float64 `yaml:"obi_extreme"`

	// CVDHysteresis is the relative dead band applied when comparing
	// half-window extremes; CVDBars is the per-timeframe lookback.
	CVDHysteresis float64 `yaml:"cvd_hysteresis"`
	CVDBars       int     `yaml:"cvd_bars"`

	// LiquidationLookback bounds how far back each scan reads the
	// liquidation stream.
	LiquidationLookback time.Duration `yaml:"liquidation_lookback"`
}

func (c Catalog) withDefaults() Catalog {
	if c.FundingWarn <= 0 {
		c.FundingWarn = 0.0005
	}
	if c.FundingCritical <= 0 {
		c.FundingCritical = 0.002
	}
	if c.OISpikePct <= 0 {
		c.OISpikePct = 0.05
	}
	if c.OIMaxSampleGap <= 0 {
		c.OIMaxSampleGap = 70 * time.Minute
	}
	if c.WhaleLiquidationUSD <= 0 {
		c.WhaleLiquidationUSD = 1_000_000
	}
	if c.ClusterUSD <= 0 {
		c.ClusterUSD = 5_000_000
	}
	if c.OBIExtreme <= 0 {
		c.OBIExtreme = 0.6
	}
	if c.CVDHysteresis <= 0 {
		c.CVDHysteresis = 0.002
	}
	if c.CVDBars <= 0 {
		c.CVDBars = 60
	}
	if c.LiquidationLookback <= 0 {
		c.LiquidationLookback = 5 * time.Minute
	}
	return c
}

// LoadCatalog reads detector thresholds from a YAML file, filling in
// defaults for anything unset.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("failed to read signal catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("failed to parse signal catalog: %w", err)
	}
	if c.FundingWarn > c.FundingCritical && c.FundingCritical > 0 {
		return Catalog{}, fmt.Errorf("funding_warn must not exceed funding_critical")
	}
	return c.withDefaults(), nil
}
