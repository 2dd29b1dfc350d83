package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/coinpulse/collector/internal/models"
	"github.com/coinpulse/collector/internal/store"
)

// UpsertOHLCVBatch writes bars idempotently on (market_id, timeframe,
// time). A later fetch of the same bucket overwrites the value
// columns; bars finalize as time advances.
func (s *Store) UpsertOHLCVBatch(ctx context.Context, bars []models.OHLCVBar) (int, error) {
	return s.runBatch(ctx, "ohlcv", len(bars), func(tx *sqlx.Tx, i int) error {
		b := bars[i]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ohlcv (market_id, timeframe, time, open, high, low, close, volume)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (market_id, timeframe, time) DO UPDATE SET
				open = EXCLUDED.open, high = EXCLUDED.high,
				low = EXCLUDED.low, close = EXCLUDED.close,
				volume = EXCLUDED.volume`,
			b.MarketID, b.Timeframe, b.Time.UTC(), b.Open, b.High, b.Low, b.Close, b.Volume)
		return err
	})
}

// UpsertMetricBatch writes named metric points idempotently on
// (market_id, time, name). Rows with a nil value are skipped, not
// failed: the value column is NOT NULL by contract.
func (s *Store) UpsertMetricBatch(ctx context.Context, marketID int64, points []store.MetricPoint) (int, error) {
	present := make([]store.MetricPoint, 0, len(points))
	for _, p := range points {
		if p.Value == nil {
			log.Debug().Int64("market_id", marketID).Str("name", string(p.Name)).
				Time("time", p.Time).Msg("Skipping metric point with absent value")
			continue
		}
		present = append(present, p)
	}
	return s.runBatch(ctx, "market_metrics", len(present), func(tx *sqlx.Tx, i int) error {
		p := present[i]
		meta, err := marshalMeta(p.Metadata)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO market_metrics (market_id, time, name, value, metadata)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (market_id, time, name) DO UPDATE SET
				value = EXCLUDED.value, metadata = EXCLUDED.metadata`,
			marketID, p.Time.UTC(), p.Name, *p.Value, meta)
		return err
	})
}

// UpsertGlobalIndicatorBatch writes market-independent indicators
// idempotently on (time, category, name).
func (s *Store) UpsertGlobalIndicatorBatch(ctx context.Context, rows []models.GlobalIndicator) (int, error) {
	return s.runBatch(ctx, "global_indicators", len(rows), func(tx *sqlx.Tx, i int) error {
		r := rows[i]
		meta, err := marshalMeta(r.Metadata)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO global_indicators (time, category, name, value, classification, metadata)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (time, category, name) DO UPDATE SET
				value = EXCLUDED.value,
				classification = EXCLUDED.classification,
				metadata = EXCLUDED.metadata`,
			r.Time.UTC(), r.Category, r.Name, r.Value, r.Classification, meta)
		return err
	})
}

// UpsertWhaleTransactions writes transfers per-row, best effort: a
// failing row is logged and the loop continues. Re-ingesting updates
// enrichment columns without duplicating rows.
func (s *Store) UpsertWhaleTransactions(ctx context.Context, rows []models.WhaleTransaction) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout*time.Duration(len(rows)/200+1))
	defer cancel()

	written := 0
	failed := 0
	for _, r := range rows {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO whale_transactions
				(blockchain_id, time, tx_hash, from_address, to_address,
				 amount, amount_usd, direction, is_whale, is_anomaly)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (blockchain_id, time, tx_hash) DO UPDATE SET
				amount_usd = EXCLUDED.amount_usd,
				direction = EXCLUDED.direction,
				is_whale = EXCLUDED.is_whale,
				is_anomaly = EXCLUDED.is_anomaly`,
			r.BlockchainID, r.Time.UTC(), r.TxHash, r.FromAddress, r.ToAddress,
			r.Amount, r.AmountUSD, r.Direction, r.IsWhale, r.IsAnomaly)
		if err != nil {
			if ctx.Err() != nil {
				s.recordWrites("whale_transactions", "success", written)
				s.recordWrites("whale_transactions", "error", failed+1)
				return written, ctx.Err()
			}
			log.Warn().Err(err).Str("tx_hash", r.TxHash).Msg("Failed to upsert whale transaction")
			failed++
			continue
		}
		written++
	}
	s.recordWrites("whale_transactions", "success", written)
	s.recordWrites("whale_transactions", "error", failed)
	return written, nil
}

// InsertLiquidationsBatch appends liquidations. The dedup key
// (time, exchange, symbol, side, price) silently drops exact-price
// collisions; that loss is the documented behavior of the key.
func (s *Store) InsertLiquidationsBatch(ctx context.Context, rows []models.Liquidation) (int, error) {
	return s.runBatch(ctx, "liquidations", len(rows), func(tx *sqlx.Tx, i int) error {
		r := rows[i]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO liquidations (time, exchange, symbol, side, price, quantity, value_usd)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (time, exchange, symbol, side, price) DO NOTHING`,
			r.Time.UTC(), r.Exchange, r.Symbol, r.Side, r.Price, r.Quantity, r.ValueUSD)
		return err
	})
}

// InsertMarketSignals upserts detector output on (time, symbol,
// signal_type).
func (s *Store) InsertMarketSignals(ctx context.Context, rows []models.MarketSignal) (int, error) {
	return s.runBatch(ctx, "market_signals", len(rows), func(tx *sqlx.Tx, i int) error {
		r := rows[i]
		meta, err := marshalMeta(r.Metadata)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO market_signals
				(time, symbol, signal_type, side, severity, price_at_signal, message, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (time, symbol, signal_type) DO UPDATE SET
				side = EXCLUDED.side, severity = EXCLUDED.severity,
				price_at_signal = EXCLUDED.price_at_signal,
				message = EXCLUDED.message, metadata = EXCLUDED.metadata`,
			r.Time.UTC(), r.Symbol, r.SignalType, r.Side, r.Severity,
			r.PriceAtSignal, r.Message, meta)
		return err
	})
}

// LatestOHLCVTime returns the newest bucket start, or nil for an
// empty series.
func (s *Store) LatestOHLCVTime(ctx context.Context, marketID int64, tf models.Timeframe) (*time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var ts time.Time
	err := s.db.GetContext(ctx, &ts, `
		SELECT time FROM ohlcv
		WHERE market_id = $1 AND timeframe = $2
		ORDER BY time DESC LIMIT 1`, marketID, tf)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest ohlcv time: %w", err)
	}
	return &ts, nil
}

// MissingBuckets walks the expected bucket grid in [from, to) against
// stored rows via generate_series, returning an ordered checklist.
func (s *Store) MissingBuckets(ctx context.Context, marketID int64, tf models.Timeframe, from, to time.Time) ([]store.BucketStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	step := tf.Duration()
	if step <= 0 {
		return nil, fmt.Errorf("unknown timeframe %q", tf)
	}
	from = tf.Truncate(from)
	to = tf.Truncate(to)

	var out []store.BucketStatus
	err := s.db.SelectContext(ctx, &out, `
		SELECT g.bucket_start AS bucket_start, o.time IS NOT NULL AS has_data
		FROM generate_series($1::timestamptz, $2::timestamptz - $3::interval, $3::interval) AS g(bucket_start)
		LEFT JOIN ohlcv o
			ON o.market_id = $4 AND o.timeframe = $5 AND o.time = g.bucket_start
		ORDER BY g.bucket_start`,
		from, to, fmt.Sprintf("%d seconds", int(step.Seconds())), marketID, tf)
	if err != nil {
		return nil, fmt.Errorf("failed to compute missing buckets: %w", err)
	}
	return out, nil
}

// OHLCVRange reads bars in [from, to) ascending.
func (s *Store) OHLCVRange(ctx context.Context, marketID int64, tf models.Timeframe, from, to time.Time) ([]models.OHLCVBar, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var out []models.OHLCVBar
	err := s.db.SelectContext(ctx, &out, `
		SELECT market_id, timeframe, time, open, high, low, close, volume
		FROM ohlcv
		WHERE market_id = $1 AND timeframe = $2 AND time >= $3 AND time < $4
		ORDER BY time`, marketID, tf, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query ohlcv range: %w", err)
	}
	return out, nil
}

// LatestMetric returns the most recent named point, or nil.
func (s *Store) LatestMetric(ctx context.Context, marketID int64, name models.MetricName) (*models.MarketMetric, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	row := s.db.QueryRowxContext(ctx, `
		SELECT market_id, time, name, value, metadata
		FROM market_metrics
		WHERE market_id = $1 AND name = $2
		ORDER BY time DESC LIMIT 1`, marketID, name)

	m, err := scanMetric(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest metric: %w", err)
	}
	return m, nil
}

// MetricRange reads named points in [from, to) ascending.
func (s *Store) MetricRange(ctx context.Context, marketID int64, name models.MetricName, from, to time.Time) ([]models.MarketMetric, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryxContext(ctx, `
		SELECT market_id, time, name, value, metadata
		FROM market_metrics
		WHERE market_id = $1 AND name = $2 AND time >= $3 AND time < $4
		ORDER BY time`, marketID, name, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query metric range: %w", err)
	}
	defer rows.Close()

	var out []models.MarketMetric
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// LiquidationsSince reads liquidations at or after from, ascending.
func (s *Store) LiquidationsSince(ctx context.Context, from time.Time) ([]models.Liquidation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var out []models.Liquidation
	err := s.db.SelectContext(ctx, &out, `
		SELECT time, exchange, symbol, side, price, quantity, value_usd
		FROM liquidations WHERE time >= $1 ORDER BY time`, from)
	if err != nil {
		return nil, fmt.Errorf("failed to query liquidations: %w", err)
	}
	return out, nil
}

// CVDSeries reads cumulative volume delta from the market_cvd_1m
// continuous aggregate in [from, to) ascending.
func (s *Store) CVDSeries(ctx context.Context, marketID int64, from, to time.Time) ([]store.CVDPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var out []store.CVDPoint
	err := s.db.SelectContext(ctx, &out, `
		SELECT time, cvd FROM market_cvd_1m
		WHERE market_id = $1 AND time >= $2 AND time < $3
		ORDER BY time`, marketID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query cvd series: %w", err)
	}
	return out, nil
}

// RetentionReport compares observed data span against the configured
// retention per hypertable layer. Retention itself is DBA-owned; the
// core only surfaces drift.
func (s *Store) RetentionReport(ctx context.Context) ([]store.RetentionRow, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var out []store.RetentionRow
	err := s.db.SelectContext(ctx, &out, `
		SELECT h.hypertable_name AS table_name,
		       EXTRACT(EPOCH FROM now() - r.oldest) / 86400.0 AS actual_days,
		       COALESCE(EXTRACT(EPOCH FROM j.config_drop_after) / 86400.0, 0) AS expected_days
		FROM timescaledb_information.hypertables h
		LEFT JOIN LATERAL (
			SELECT (config ->> 'drop_after')::interval AS config_drop_after
			FROM timescaledb_information.jobs
			WHERE proc_name = 'policy_retention' AND hypertable_name = h.hypertable_name
			LIMIT 1
		) j ON TRUE
		LEFT JOIN LATERAL (
			SELECT min(range_start) AS oldest
			FROM timescaledb_information.chunks c
			WHERE c.hypertable_name = h.hypertable_name
		) r ON TRUE
		WHERE h.hypertable_name IN ('ohlcv', 'market_metrics', 'liquidations', 'whale_transactions')`)
	if err != nil {
		return nil, fmt.Errorf("failed to build retention report: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMetric(row rowScanner) (*models.MarketMetric, error) {
	var m models.MarketMetric
	var meta []byte
	if err := row.Scan(&m.MarketID, &m.Time, &m.Name, &m.Value, &meta); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := unmarshalMeta(meta, &m.Metadata); err != nil {
			return nil, err
		}
	}
	return &m, nil
}
