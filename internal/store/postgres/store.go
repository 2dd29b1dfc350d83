// Package postgres implements the store contract against
// TimescaleDB. Every batch runs in a single transaction with per-row
// savepoints: a malformed row is rolled back, logged, and skipped so
// it can never stall the rest of the batch behind it.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/coinpulse/collector/internal/config"
	"github.com/coinpulse/collector/internal/metrics"
	"github.com/coinpulse/collector/internal/models"
	"github.com/coinpulse/collector/internal/store"
)

// Store is the TimescaleDB-backed persistence layer.
type Store struct {
	db       *sqlx.DB
	timeout  time.Duration
	maxConns int
	metrics  *metrics.Registry
}

// SetMetrics attaches the registry feeding the db_writes counter.
// Writes before attachment go uncounted.
func (s *Store) SetMetrics(m *metrics.Registry) {
	s.metrics = m
}

// recordWrites bumps collector_db_writes_total per table and outcome.
func (s *Store) recordWrites(table, status string, n int) {
	if s.metrics == nil || n == 0 {
		return
	}
	s.metrics.DBWrites.WithLabelValues(table, status).Add(float64(n))
}

// New opens a pooled connection per the config and verifies
// connectivity.
func New(cfg config.PostgresConfig) (*Store, error) {
	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &Store{db: db, timeout: cfg.QueryTimeout, maxConns: cfg.MaxConns}, nil
}

// Ping verifies connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Stats reports pool usage for the db_pool gauges.
func (s *Store) Stats() store.PoolStats {
	st := s.db.Stats()
	return store.PoolStats{
		Open:  st.OpenConnections,
		InUse: st.InUse,
		Idle:  st.Idle,
		Max:   s.maxConns,
	}
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// HealthCheck implements the metrics server health source.
func (s *Store) HealthCheck(ctx context.Context) (bool, map[string]interface{}) {
	err := s.Ping(ctx)
	st := s.Stats()
	detail := map[string]interface{}{
		"open":   st.Open,
		"in_use": st.InUse,
		"idle":   st.Idle,
		"max":    st.Max,
	}
	if err != nil {
		detail["error"] = err.Error()
		return false, detail
	}
	return true, detail
}

// GetOrCreateMarket upserts a market registry row. Market type comes
// from symbol_registry when the symbol is listed there, otherwise
// from the exchange-family heuristic.
func (s *Store) GetOrCreateMarket(ctx context.Context, exchange, symbol string) (models.Market, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var m models.Market
	err := s.db.GetContext(ctx, &m, `
		SELECT id, exchange, symbol, market_type, is_active, created_at
		FROM markets WHERE exchange = $1 AND symbol = $2`, exchange, symbol)
	if err == nil {
		return m, nil
	}
	if err != sql.ErrNoRows {
		return models.Market{}, fmt.Errorf("failed to query market: %w", err)
	}

	marketType := s.lookupMarketType(ctx, exchange, symbol)

	err = s.db.GetContext(ctx, &m, `
		INSERT INTO markets (exchange, symbol, market_type, is_active)
		VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (exchange, symbol) DO UPDATE SET exchange = EXCLUDED.exchange
		RETURNING id, exchange, symbol, market_type, is_active, created_at`,
		exchange, symbol, marketType)
	if err != nil {
		return models.Market{}, fmt.Errorf("failed to upsert market: %w", err)
	}
	return m, nil
}

// lookupMarketType consults symbol_registry first; a miss falls back
// to the exchange-family heuristic.
func (s *Store) lookupMarketType(ctx context.Context, exchange, symbol string) models.MarketType {
	var mt models.MarketType
	err := s.db.GetContext(ctx, &mt, `
		SELECT market_type FROM symbol_registry
		WHERE exchange = $1 AND symbol = $2`, exchange, symbol)
	if err == nil && mt != "" {
		return mt
	}
	return heuristicMarketType(exchange)
}

// heuristicMarketType classifies by exchange family: derivative
// venues default to linear perpetuals, everything else to spot.
func heuristicMarketType(exchange string) models.MarketType {
	lower := strings.ToLower(exchange)
	for _, marker := range []string{"futures", "perp", "swap", "linear"} {
		if strings.Contains(lower, marker) {
			return models.MarketTypeLinearPerpetual
		}
	}
	switch lower {
	case "bybit", "deribit", "bitmex":
		return models.MarketTypeLinearPerpetual
	}
	return models.MarketTypeSpot
}

// GetOrCreateBlockchain resolves a chain name to its registry ID.
func (s *Store) GetOrCreateBlockchain(ctx context.Context, name string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var id int64
	err := s.db.GetContext(ctx, &id, `SELECT id FROM blockchains WHERE name = $1`, name)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to query blockchain: %w", err)
	}

	err = s.db.GetContext(ctx, &id, `
		INSERT INTO blockchains (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`, name)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert blockchain: %w", err)
	}
	return id, nil
}

// ActiveMarkets lists registry rows with is_active set.
func (s *Store) ActiveMarkets(ctx context.Context) ([]models.Market, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var out []models.Market
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, exchange, symbol, market_type, is_active, created_at
		FROM markets WHERE is_active ORDER BY exchange, symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active markets: %w", err)
	}
	return out, nil
}

// InsertSystemLog appends an operational event.
func (s *Store) InsertSystemLog(ctx context.Context, entry models.SystemLog) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}
	meta, err := marshalMeta(entry.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO system_logs (time, module, level, message, value, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.Time, entry.Module, entry.Level, entry.Message, entry.Value, meta)
	if err != nil {
		s.recordWrites("system_logs", "error", 1)
		return fmt.Errorf("failed to insert system log: %w", err)
	}
	s.recordWrites("system_logs", "success", 1)
	return nil
}

// InsertQualitySummary appends one quality-check result row.
func (s *Store) InsertQualitySummary(ctx context.Context, row models.QualitySummary) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO data_quality_summary
			(time, market_id, timeframe, window_hours, expected_records,
			 actual_records, missing_rate, quality_score, errors, warnings)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		row.Time, row.MarketID, row.Timeframe, row.WindowHours, row.Expected,
		row.Actual, row.MissingRate, row.QualityScore, row.Errors, row.Warnings)
	if err != nil {
		s.recordWrites("data_quality_summary", "error", 1)
		return fmt.Errorf("failed to insert quality summary: %w", err)
	}
	s.recordWrites("data_quality_summary", "success", 1)
	return nil
}

// runBatch executes fn per row inside one transaction, isolating each
// row behind a savepoint. Returns the number of rows that committed.
func (s *Store) runBatch(ctx context.Context, table string, n int, fn func(tx *sqlx.Tx, i int) error) (int, error) {
	if n == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout*time.Duration(n/200+1))
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	written := 0
	failed := 0
	for i := 0; i < n; i++ {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT row_sp"); err != nil {
			return written, fmt.Errorf("failed to set savepoint: %w", err)
		}
		if err := fn(tx, i); err != nil {
			if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT row_sp"); rbErr != nil {
				return written, fmt.Errorf("failed to roll back row: %v (original: %w)", rbErr, err)
			}
			log.Warn().Err(err).Str("table", table).Int("row", i).Msg("Skipping bad row in batch")
			failed++
			continue
		}
		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT row_sp"); err != nil {
			return written, fmt.Errorf("failed to release savepoint: %w", err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		s.recordWrites(table, "error", n)
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}
	s.recordWrites(table, "success", written)
	s.recordWrites(table, "error", failed)
	return written, nil
}

func marshalMeta(meta map[string]interface{}) ([]byte, error) {
	if meta == nil {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return b, nil
}

func unmarshalMeta(raw []byte, into *map[string]interface{}) error {
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return nil
}
