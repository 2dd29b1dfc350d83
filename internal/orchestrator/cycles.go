package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/coinpulse/collector/internal/config"
	"github.com/coinpulse/collector/internal/connector"
	"github.com/coinpulse/collector/internal/models"
	"github.com/coinpulse/collector/internal/store"
)

// forEachCollector runs fn over declarations of one data kind,
// logging per-collector failures and returning the first one.
func (o *Orchestrator) forEachCollector(ctx context.Context, kind models.DataKind, fn func(ctx context.Context, col config.Collector) error) error {
	var firstErr error
	for _, col := range o.collectors {
		if col.DataType.Kind != kind {
			continue
		}
		if err := fn(ctx, col); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Str("job_id", col.JobID()).Msg("Cycle step failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RunFundingRateCycle collects the latest funding observation for
// every funding declaration. Absent predicted rates are skipped, not
// nulled.
func (o *Orchestrator) RunFundingRateCycle(ctx context.Context) error {
	return o.forEachCollector(ctx, models.KindFundingRate, func(ctx context.Context, col config.Collector) error {
		mkt, pol, conn, err := o.resolveMarket(ctx, col)
		if err != nil {
			return err
		}

		var point *connector.FundingPoint
		err = pol.Do(ctx, "funding", func(reqCtx context.Context) error {
			p, _, ferr := conn.FetchLatestFunding(reqCtx, col.Symbol())
			point = p
			return ferr
		})
		if err != nil {
			return fmt.Errorf("fetch funding %s: %w", mkt.Symbol, err)
		}
		if point == nil {
			return nil
		}

		rate := point.Rate
		points := []store.MetricPoint{{Time: point.Time, Name: models.MetricFundingRate, Value: &rate}}
		if point.PredictedRate != nil {
			predicted := *point.PredictedRate
			points = append(points, store.MetricPoint{Time: point.Time, Name: models.MetricPredictedFunding, Value: &predicted})
		}
		_, err = o.store.UpsertMetricBatch(ctx, mkt.ID, points)
		return err
	})
}

// RunOpenInterestCycle collects current open interest per declaration.
func (o *Orchestrator) RunOpenInterestCycle(ctx context.Context) error {
	return o.forEachCollector(ctx, models.KindOpenInterest, func(ctx context.Context, col config.Collector) error {
		mkt, pol, conn, err := o.resolveMarket(ctx, col)
		if err != nil {
			return err
		}

		var point *connector.OIPoint
		err = pol.Do(ctx, "open_interest", func(reqCtx context.Context) error {
			p, _, ferr := conn.FetchOpenInterest(reqCtx, col.Symbol())
			point = p
			return ferr
		})
		if err != nil {
			return fmt.Errorf("fetch open interest %s: %w", mkt.Symbol, err)
		}
		if point == nil {
			return nil
		}

		value := point.Value
		mp := store.MetricPoint{Time: point.Time, Name: models.MetricOpenInterest, Value: &value}
		if point.ValueUSD != nil {
			mp.Metadata = map[string]interface{}{"value_usd": point.ValueUSD.String()}
		}
		_, err = o.store.UpsertMetricBatch(ctx, mkt.ID, []store.MetricPoint{mp})
		return err
	})
}

// RunWhaleCycle fetches large transfers for every watched address,
// enriches them with the cached asset price, and classifies direction
// relative to the watched (exchange-owned) address.
func (o *Orchestrator) RunWhaleCycle(ctx context.Context, now time.Time) error {
	return o.forEachCollector(ctx, models.KindWhaleTx, func(ctx context.Context, col config.Collector) error {
		conn, ok := o.connectors[col.SourceName]
		if !ok {
			return fmt.Errorf("no connector registered for source %s", col.SourceName)
		}
		pol := o.policies.For(col.SourceName, col.Request)

		lookback := time.Duration(col.Periodic.LookbackMinutes) * time.Minute
		if lookback <= 0 {
			lookback = 15 * time.Minute
		}
		since := now.Add(-lookback)

		var rows []models.WhaleTransaction
		for _, addr := range col.Addresses {
			var txs []connector.WhaleTx
			err := pol.Do(ctx, "whale_tx", func(reqCtx context.Context) error {
				t, _, ferr := conn.FetchWhaleTransactions(reqCtx, addr, since, now, 500)
				txs = t
				return ferr
			})
			if err != nil {
				return fmt.Errorf("fetch whale txs for %s: %w", addr, err)
			}
			for _, tx := range txs {
				row, cerr := o.classifyWhaleTx(ctx, col, addr, tx)
				if cerr != nil {
					return cerr
				}
				rows = append(rows, row)
			}
		}
		if len(rows) == 0 {
			return nil
		}
		_, err := o.store.UpsertWhaleTransactions(ctx, rows)
		return err
	})
}

func (o *Orchestrator) classifyWhaleTx(ctx context.Context, col config.Collector, watched string, tx connector.WhaleTx) (models.WhaleTransaction, error) {
	chainID, err := o.chains.ID(ctx, tx.Blockchain)
	if err != nil {
		return models.WhaleTransaction{}, fmt.Errorf("resolve blockchain %s: %w", tx.Blockchain, err)
	}

	amountUSD := decimal.Zero
	if price, ok := o.prices.Price(ctx, col.BaseAsset); ok {
		amountUSD = tx.Amount.Mul(price)
	}

	direction := models.DirectionNeutral
	switch watched {
	case tx.ToAddress:
		direction = models.DirectionInflow
	case tx.FromAddress:
		direction = models.DirectionOutflow
	}

	return models.WhaleTransaction{
		BlockchainID: chainID,
		Time:         tx.Time,
		TxHash:       tx.TxHash,
		FromAddress:  tx.FromAddress,
		ToAddress:    tx.ToAddress,
		Amount:       tx.Amount,
		AmountUSD:    amountUSD,
		Direction:    direction,
		IsWhale:      col.Thresholds.WhaleAmountUSD > 0 && amountUSD.GreaterThanOrEqual(decimal.NewFromFloat(col.Thresholds.WhaleAmountUSD)),
		IsAnomaly:    col.Thresholds.AnomalyAmountUSD > 0 && amountUSD.GreaterThanOrEqual(decimal.NewFromFloat(col.Thresholds.AnomalyAmountUSD)),
	}, nil
}

// RunETFFlowsCycle collects daily ETF net flows. Unrecognized products
// are the schema-drift case: snapshot the raw payload, bump the
// counter, and keep going with the rows we do understand.
func (o *Orchestrator) RunETFFlowsCycle(ctx context.Context) error {
	return o.forEachCollector(ctx, models.KindETFFlow, func(ctx context.Context, col config.Collector) error {
		conn, ok := o.connectors[col.SourceName]
		if !ok {
			return fmt.Errorf("no connector registered for source %s", col.SourceName)
		}
		pol := o.policies.For(col.SourceName, col.Request)

		lookbackDays := col.Periodic.LookbackMinutes / (24 * 60)
		if lookbackDays <= 0 {
			lookbackDays = 7
		}

		var flows []connector.FlowRecord
		err := pol.Do(ctx, "etf_flows", func(reqCtx context.Context) error {
			f, _, ferr := conn.FetchETFFlows(reqCtx, col.BaseAsset, lookbackDays)
			flows = f
			return ferr
		})
		if err != nil {
			return fmt.Errorf("fetch etf flows %s: %w", col.BaseAsset, err)
		}

		var rows []models.GlobalIndicator
		for _, fl := range flows {
			if fl.Unknown {
				o.metrics.ETFUnknownProducts.Inc()
				o.snapshotPayload(col.SourceName, fl.Product, fl.RawPage)
				continue
			}
			rows = append(rows, models.GlobalIndicator{
				Time:     fl.Time,
				Category: models.CategoryETF,
				Name:     fl.Product,
				Value:    fl.FlowUSD,
				Metadata: map[string]interface{}{"asset": fl.Asset},
			})
		}
		if len(rows) == 0 {
			return nil
		}
		_, err = o.store.UpsertGlobalIndicatorBatch(ctx, rows)
		return err
	})
}

// snapshotPayload persists a raw source page for offline diagnosis of
// schema drift. Rotation of the snapshot directory is external.
func (o *Orchestrator) snapshotPayload(source, product string, payload []byte) {
	if o.snapshotDir == "" || len(payload) == 0 {
		return
	}
	name := fmt.Sprintf("%s_%s_%s.html", source, product, time.Now().UTC().Format("20060102T150405"))
	path := filepath.Join(o.snapshotDir, name)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to write schema-drift snapshot")
		return
	}
	log.Warn().Str("source", source).Str("product", product).Str("path", path).
		Msg("Unknown product in source payload, snapshot persisted")
}

// RunEventCalendarCycle ingests scheduled macro events as global
// indicator rows keyed by (time, macro, name).
func (o *Orchestrator) RunEventCalendarCycle(ctx context.Context) error {
	return o.forEachCollector(ctx, models.KindEventCalendar, func(ctx context.Context, col config.Collector) error {
		conn, ok := o.connectors[col.SourceName]
		if !ok {
			return fmt.Errorf("no connector registered for source %s", col.SourceName)
		}
		pol := o.policies.For(col.SourceName, col.Request)

		var events []connector.EventRecord
		err := pol.Do(ctx, "event_calendar", func(reqCtx context.Context) error {
			e, _, ferr := conn.FetchEventCalendar(reqCtx, 2)
			events = e
			return ferr
		})
		if err != nil {
			return fmt.Errorf("fetch event calendar: %w", err)
		}

		var rows []models.GlobalIndicator
		for _, ev := range events {
			rows = append(rows, models.GlobalIndicator{
				Time:           ev.Time,
				Category:       models.CategoryMacro,
				Name:           ev.Name,
				Value:          decimal.Zero,
				Classification: ev.Impact,
				Metadata:       map[string]interface{}{"category": ev.Category},
			})
		}
		if len(rows) == 0 {
			return nil
		}
		_, err = o.store.UpsertGlobalIndicatorBatch(ctx, rows)
		return err
	})
}

// RunSentimentCycle ingests the latest sentiment index observation.
func (o *Orchestrator) RunSentimentCycle(ctx context.Context) error {
	return o.forEachCollector(ctx, models.KindSentimentIndex, func(ctx context.Context, col config.Collector) error {
		conn, ok := o.connectors[col.SourceName]
		if !ok {
			return fmt.Errorf("no connector registered for source %s", col.SourceName)
		}
		pol := o.policies.For(col.SourceName, col.Request)

		var point *connector.SentimentPoint
		err := pol.Do(ctx, "sentiment", func(reqCtx context.Context) error {
			p, _, ferr := conn.FetchSentiment(reqCtx)
			point = p
			return ferr
		})
		if err != nil {
			return fmt.Errorf("fetch sentiment: %w", err)
		}
		if point == nil {
			return nil
		}

		_, err = o.store.UpsertGlobalIndicatorBatch(ctx, []models.GlobalIndicator{{
			Time:           point.Time,
			Category:       models.CategorySentiment,
			Name:           point.Name,
			Value:          point.Value,
			Classification: point.Classification,
		}})
		return err
	})
}

// RunSignalScan runs the detector catalog over all active markets.
func (o *Orchestrator) RunSignalScan(ctx context.Context, now time.Time) error {
	markets, err := o.store.ActiveMarkets(ctx)
	if err != nil {
		return fmt.Errorf("list markets for signal scan: %w", err)
	}
	_, err = o.monitor.Scan(ctx, markets, now)
	return err
}
