// Package memory implements the store contract with in-process maps.
// It exists for tests and offline runs; keys and upsert semantics
// mirror the postgres implementation exactly so the idempotence
// properties can be asserted without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coinpulse/collector/internal/models"
	"github.com/coinpulse/collector/internal/store"
)

type ohlcvKey struct {
	marketID int64
	tf       models.Timeframe
	ts       time.Time
}

type metricKey struct {
	marketID int64
	ts       time.Time
	name     models.MetricName
}

type indicatorKey struct {
	ts       time.Time
	category models.IndicatorCategory
	name     string
}

type whaleKey struct {
	blockchainID int64
	ts           time.Time
	txHash       string
}

type liquidationKey struct {
	ts       time.Time
	exchange string
	symbol   string
	side     string
	price    string
}

type signalKey struct {
	ts         time.Time
	symbol     string
	signalType string
}

// Store is the in-memory implementation of store.Store.
type Store struct {
	mu sync.Mutex

	nextMarketID int64
	markets      map[string]models.Market // exchange|symbol
	blockchains  map[string]int64
	registry     map[string]models.MarketType // exchange|symbol -> declared type

	ohlcv        map[ohlcvKey]models.OHLCVBar
	metrics      map[metricKey]models.MarketMetric
	indicators   map[indicatorKey]models.GlobalIndicator
	whales       map[whaleKey]models.WhaleTransaction
	liquidations map[liquidationKey]models.Liquidation
	signals      map[signalKey]models.MarketSignal
	cvd          map[int64][]store.CVDPoint

	tasks map[string]*models.BackfillTask

	SystemLogs       []models.SystemLog
	QualitySummaries []models.QualitySummary

	Retention []store.RetentionRow

	closed bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		nextMarketID: 1,
		markets:      make(map[string]models.Market),
		blockchains:  make(map[string]int64),
		registry:     make(map[string]models.MarketType),
		ohlcv:        make(map[ohlcvKey]models.OHLCVBar),
		metrics:      make(map[metricKey]models.MarketMetric),
		indicators:   make(map[indicatorKey]models.GlobalIndicator),
		whales:       make(map[whaleKey]models.WhaleTransaction),
		liquidations: make(map[liquidationKey]models.Liquidation),
		signals:      make(map[signalKey]models.MarketSignal),
		tasks:        make(map[string]*models.BackfillTask),
	}
}

func marketKey(exchange, symbol string) string { return exchange + "|" + symbol }

// RegisterSymbol seeds the symbol_registry equivalent.
func (s *Store) RegisterSymbol(exchange, symbol string, mt models.MarketType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry[marketKey(exchange, symbol)] = mt
}

func (s *Store) GetOrCreateMarket(_ context.Context, exchange, symbol string) (models.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := marketKey(exchange, symbol)
	if m, ok := s.markets[key]; ok {
		return m, nil
	}
	mt, ok := s.registry[key]
	if !ok {
		mt = models.MarketTypeSpot
	}
	m := models.Market{
		ID:         s.nextMarketID,
		Exchange:   exchange,
		Symbol:     symbol,
		MarketType: mt,
		IsActive:   true,
		CreatedAt:  time.Now().UTC(),
	}
	s.nextMarketID++
	s.markets[key] = m
	return m, nil
}

func (s *Store) GetOrCreateBlockchain(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.blockchains[name]; ok {
		return id, nil
	}
	id := int64(len(s.blockchains) + 1)
	s.blockchains[name] = id
	return id, nil
}

func (s *Store) ActiveMarkets(_ context.Context) ([]models.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Market
	for _, m := range s.markets {
		if m.IsActive {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpsertOHLCVBatch(_ context.Context, bars []models.OHLCVBar) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	written := 0
	for _, b := range bars {
		b.Time = b.Time.UTC()
		s.ohlcv[ohlcvKey{b.MarketID, b.Timeframe, b.Time}] = b
		written++
	}
	return written, nil
}

func (s *Store) UpsertMetricBatch(_ context.Context, marketID int64, points []store.MetricPoint) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	written := 0
	for _, p := range points {
		if p.Value == nil {
			continue
		}
		m := models.MarketMetric{
			MarketID: marketID,
			Time:     p.Time.UTC(),
			Name:     p.Name,
			Value:    *p.Value,
			Metadata: p.Metadata,
		}
		s.metrics[metricKey{marketID, m.Time, p.Name}] = m
		written++
	}
	return written, nil
}

func (s *Store) UpsertGlobalIndicatorBatch(_ context.Context, rows []models.GlobalIndicator) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		r.Time = r.Time.UTC()
		s.indicators[indicatorKey{r.Time, r.Category, r.Name}] = r
	}
	return len(rows), nil
}

func (s *Store) UpsertWhaleTransactions(_ context.Context, rows []models.WhaleTransaction) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		r.Time = r.Time.UTC()
		s.whales[whaleKey{r.BlockchainID, r.Time, r.TxHash}] = r
	}
	return len(rows), nil
}

func (s *Store) InsertLiquidationsBatch(_ context.Context, rows []models.Liquidation) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	written := 0
	for _, r := range rows {
		r.Time = r.Time.UTC()
		key := liquidationKey{r.Time, r.Exchange, r.Symbol, r.Side, r.Price.String()}
		if _, dup := s.liquidations[key]; dup {
			continue // insert-only: exact-price collision is a no-op
		}
		s.liquidations[key] = r
		written++
	}
	return written, nil
}

func (s *Store) InsertMarketSignals(_ context.Context, rows []models.MarketSignal) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		r.Time = r.Time.UTC()
		s.signals[signalKey{r.Time, r.Symbol, r.SignalType}] = r
	}
	return len(rows), nil
}

func (s *Store) LatestOHLCVTime(_ context.Context, marketID int64, tf models.Timeframe) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *time.Time
	for k := range s.ohlcv {
		if k.marketID != marketID || k.tf != tf {
			continue
		}
		ts := k.ts
		if latest == nil || ts.After(*latest) {
			latest = &ts
		}
	}
	return latest, nil
}

func (s *Store) MissingBuckets(_ context.Context, marketID int64, tf models.Timeframe, from, to time.Time) ([]store.BucketStatus, error) {
	step := tf.Duration()
	if step <= 0 {
		return nil, fmt.Errorf("unknown timeframe %q", tf)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.BucketStatus
	for t := tf.Truncate(from); t.Before(tf.Truncate(to)); t = t.Add(step) {
		_, has := s.ohlcv[ohlcvKey{marketID, tf, t}]
		out = append(out, store.BucketStatus{BucketStart: t, HasData: has})
	}
	return out, nil
}

func (s *Store) OHLCVRange(_ context.Context, marketID int64, tf models.Timeframe, from, to time.Time) ([]models.OHLCVBar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.OHLCVBar
	for k, b := range s.ohlcv {
		if k.marketID == marketID && k.tf == tf && !k.ts.Before(from.UTC()) && k.ts.Before(to.UTC()) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

func (s *Store) LatestMetric(_ context.Context, marketID int64, name models.MetricName) (*models.MarketMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.MarketMetric
	for k, m := range s.metrics {
		if k.marketID != marketID || k.name != name {
			continue
		}
		m := m
		if latest == nil || m.Time.After(latest.Time) {
			latest = &m
		}
	}
	return latest, nil
}

func (s *Store) MetricRange(_ context.Context, marketID int64, name models.MetricName, from, to time.Time) ([]models.MarketMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.MarketMetric
	for k, m := range s.metrics {
		if k.marketID == marketID && k.name == name && !k.ts.Before(from.UTC()) && k.ts.Before(to.UTC()) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

func (s *Store) LiquidationsSince(_ context.Context, from time.Time) ([]models.Liquidation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Liquidation
	for _, l := range s.liquidations {
		if !l.Time.Before(from.UTC()) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

// CVDPoints seeds the market_cvd_1m equivalent for signal tests.
func (s *Store) SeedCVD(marketID int64, points []store.CVDPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cvd == nil {
		s.cvd = make(map[int64][]store.CVDPoint)
	}
	s.cvd[marketID] = points
}

func (s *Store) CVDSeries(_ context.Context, marketID int64, from, to time.Time) ([]store.CVDPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.CVDPoint
	for _, p := range s.cvd[marketID] {
		if !p.Time.Before(from.UTC()) && p.Time.Before(to.UTC()) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

func (s *Store) RetentionReport(_ context.Context) ([]store.RetentionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.RetentionRow(nil), s.Retention...), nil
}

func (s *Store) InsertSystemLog(_ context.Context, entry models.SystemLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}
	s.SystemLogs = append(s.SystemLogs, entry)
	return nil
}

func (s *Store) InsertQualitySummary(_ context.Context, row models.QualitySummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QualitySummaries = append(s.QualitySummaries, row)
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Stats() store.PoolStats {
	return store.PoolStats{Open: 1, InUse: 0, Idle: 1, Max: 1}
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// OHLCVCount reports stored bar count for test assertions.
func (s *Store) OHLCVCount(marketID int64, tf models.Timeframe) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.ohlcv {
		if k.marketID == marketID && k.tf == tf {
			n++
		}
	}
	return n
}

// Signals returns all stored signals for test assertions.
func (s *Store) Signals() []models.MarketSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.MarketSignal
	for _, sig := range s.signals {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.Before(out[j].Time)
		}
		return out[i].SignalType < out[j].SignalType
	})
	return out
}

// Indicators returns all stored global indicators for test assertions.
func (s *Store) Indicators() []models.GlobalIndicator {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.GlobalIndicator
	for _, row := range s.indicators {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.Before(out[j].Time)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Whales returns all stored whale transactions for test assertions.
func (s *Store) Whales() []models.WhaleTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.WhaleTransaction
	for _, row := range s.whales {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TxHash < out[j].TxHash })
	return out
}

var _ store.Store = (*Store)(nil)
