package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/coinpulse/collector/internal/cache"
	"github.com/coinpulse/collector/internal/config"
	"github.com/coinpulse/collector/internal/connector"
	"github.com/coinpulse/collector/internal/connector/binance"
	"github.com/coinpulse/collector/internal/metrics"
	"github.com/coinpulse/collector/internal/orchestrator"
	"github.com/coinpulse/collector/internal/scheduler"
	"github.com/coinpulse/collector/internal/signals"
	"github.com/coinpulse/collector/internal/store"
	"github.com/coinpulse/collector/internal/store/postgres"
)

const (
	appName = "coinpulse"
	version = "v1.0.0"
)

var (
	collectorsPath string
	signalsPath    string
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Multi-source crypto market data collector",
		Version: version,
		Long: `coinpulse polls exchanges, chain explorers, and market data feeds on
cron cadences, validates what it fetched, and persists the series to a
TimescaleDB-backed store. Gaps are detected and repaired by a backfill
queue; derived market signals are scanned on the stored data.`,
	}
	rootCmd.PersistentFlags().StringVar(&collectorsPath, "collectors", "config/collectors.yaml", "collector declarations file")
	rootCmd.PersistentFlags().StringVar(&signalsPath, "signals", "", "signal catalog file (defaults apply when empty)")

	rootCmd.AddCommand(
		newRunCmd(),
		newBackfillCmd(),
		newQualityCmd(),
		newScheduleCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the collection daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func newBackfillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Execute one backfill maintenance cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(func(ctx context.Context, orch *orchestrator.Orchestrator) error {
				return orch.RunBackfillCycle(ctx)
			})
		},
	}
}

func newQualityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quality",
		Short: "Run one data-quality sweep, enqueueing backfill tasks for gaps",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(func(ctx context.Context, orch *orchestrator.Orchestrator) error {
				return orch.RunQualityCheck(ctx, time.Now().UTC())
			})
		},
	}
}

func newScheduleCmd() *cobra.Command {
	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect the job schedule",
	}
	scheduleCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered jobs and their cadences",
		RunE: func(cmd *cobra.Command, args []string) error {
			cols, err := config.LoadCollectors(collectorsPath)
			if err != nil {
				return err
			}
			reg := metrics.New()
			orch := orchestrator.New(orchestrator.Options{
				Store:      nil,
				Metrics:    reg,
				Collectors: cols,
				Connectors: map[string]connector.Connector{},
			})
			sched := scheduler.New(reg)
			if err := orch.RegisterJobs(sched); err != nil {
				return err
			}
			entries := sched.Entries()
			sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB\tCRON")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\n", e.ID, e.Spec)
			}
			return w.Flush()
		},
	})
	return scheduleCmd
}

// deps is the wired object graph shared by the daemon and the one-shot
// commands.
type deps struct {
	cfg        *config.Config
	collectors []config.Collector
	store      store.Store
	metrics    *metrics.Registry
	connectors map[string]connector.Connector
	redis      *redis.Client
	orch       *orchestrator.Orchestrator
}

func buildDeps() (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	cols, err := config.LoadCollectors(collectorsPath)
	if err != nil {
		return nil, fmt.Errorf("load collector declarations: %w", err)
	}

	var catalog signals.Catalog
	if signalsPath != "" {
		catalog, err = signals.LoadCatalog(signalsPath)
		if err != nil {
			return nil, fmt.Errorf("load signal catalog: %w", err)
		}
	}

	connectors, err := buildConnectors(cols)
	if err != nil {
		return nil, err
	}

	st, err := postgres.New(cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	reg := metrics.New()
	st.SetMetrics(reg)
	d := &deps{
		cfg:        cfg,
		collectors: cols,
		store:      st,
		metrics:    reg,
		connectors: connectors,
		redis:      rdb,
		orch: orchestrator.New(orchestrator.Options{
			Store:         st,
			Metrics:       reg,
			Collectors:    cols,
			Connectors:    connectors,
			Prices:        cache.NewPriceCache(redisCmdable(rdb), 5*time.Minute),
			SnapshotDir:   cfg.SnapshotDir,
			SignalCatalog: catalog,
		}),
	}
	return d, nil
}

// redisCmdable keeps the nil client a true nil interface.
func redisCmdable(rdb *redis.Client) redis.Cmdable {
	if rdb == nil {
		return nil
	}
	return rdb
}

func (d *deps) close() {
	for name, conn := range d.connectors {
		if err := conn.Close(); err != nil {
			log.Warn().Err(err).Str("source", name).Msg("Connector close failed")
		}
	}
	if d.redis != nil {
		_ = d.redis.Close()
	}
	if err := d.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Store close failed")
	}
}

// buildConnectors resolves every declared source name to an adapter.
// An unknown source is a configuration error and aborts startup.
func buildConnectors(cols []config.Collector) (map[string]connector.Connector, error) {
	out := make(map[string]connector.Connector)
	for _, col := range cols {
		if _, ok := out[col.SourceName]; ok {
			continue
		}
		switch col.SourceName {
		case "binance":
			out[col.SourceName] = binance.New(binance.Config{})
		default:
			return nil, fmt.Errorf("no adapter registered for source %q", col.SourceName)
		}
	}
	return out, nil
}

func withOrchestrator(fn func(ctx context.Context, orch *orchestrator.Orchestrator) error) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	defer d.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, d.orch)
}

func runDaemon() error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	defer d.close()

	d.metrics.Running.Set(1)
	d.metrics.Info.WithLabelValues(version, appName).Set(1)

	srv := metrics.NewServer(d.metrics, d.cfg.MetricsPort)
	srv.AddHealthSource("store", storeHealth{d.store})
	srv.Start()

	sched := scheduler.New(d.metrics)
	if err := d.orch.RegisterJobs(sched); err != nil {
		return fmt.Errorf("register jobs: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("version", version).
		Int("collectors", len(d.collectors)).
		Int("metrics_port", d.cfg.MetricsPort).
		Msg("Collector starting")

	d.orch.WarmUp(ctx)
	sched.Start(ctx)

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")
	d.metrics.Running.Set(0)

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Metrics server shutdown failed")
	}
	log.Info().Msg("Collector stopped")
	return nil
}

// storeHealth reports store connectivity and pool usage on /health.
type storeHealth struct {
	st store.Store
}

func (h storeHealth) HealthCheck(ctx context.Context) (bool, map[string]interface{}) {
	stats := h.st.Stats()
	detail := map[string]interface{}{
		"pool_open":   stats.Open,
		"pool_in_use": stats.InUse,
		"pool_max":    stats.Max,
	}
	if err := h.st.Ping(ctx); err != nil {
		detail["error"] = err.Error()
		return false, detail
	}
	return true, detail
}
