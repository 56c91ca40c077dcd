package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"OptLedger/internal/config"
	"OptLedger/internal/event"
	"OptLedger/internal/ingestion"
	"OptLedger/internal/ledger"
	"OptLedger/internal/observability"
	"OptLedger/internal/persistence"
	"OptLedger/internal/query"
	"OptLedger/internal/reconcile"
	"OptLedger/internal/server"
	"OptLedger/internal/valuation"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger := observability.NewLogger("optledger")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	level, err := zerolog.ParseLevel(cfg.Environment.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger = observability.NewLoggerWithLevel("optledger", level)
	logger.Info().Str("mode", cfg.Environment.Mode).Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("exited with error")
	}
	logger.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, logger)
	if err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	// --- Engine ---
	eventsChan := make(chan *event.Envelope, cfg.Persistence.EventChanSize)
	marksChan := make(chan *valuation.LegMark, cfg.Persistence.MarkChanSize)

	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	idem := ledger.NewIdempotencyChecker(cfg.Engine.IdempotencyLRUCapacity, dbChecker)
	engine := ledger.NewEngine(ledger.NewMemoryEventLog(), idem, eventsChan, metrics, logger)

	// --- Startup replay ---
	// The event table is the durable log; the in-memory state is rebuilt
	// from it on every start. Replayed events do not re-enter the persist
	// channel.
	writer := persistence.NewEventWriter(db)
	replayStart := time.Now()
	events, err := writer.LoadEvents(ctx)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	if err := engine.Restore(ledger.NewCursor(events)); err != nil {
		return fmt.Errorf("restore engine: %w", err)
	}
	metrics.ReplayEventsTotal.Add(float64(len(events)))
	metrics.ReplayDuration.Set(time.Since(replayStart).Seconds())
	logger.Info().
		Int("events", len(events)).
		Int64("next_seq", engine.NextSeq()).
		Dur("took", time.Since(replayStart)).
		Msg("replay complete")

	// Warm the dedup LRU so recent redeliveries dedup without a DB probe.
	keys, err := writer.RecentEventKeys(ctx, cfg.Engine.DedupWarmLimit)
	if err != nil {
		logger.Warn().Err(err).Msg("dedup warm skipped")
	} else {
		idem.WarmFromKeys(keys)
		metrics.DedupLRUSize.Set(float64(idem.Size()))
		logger.Info().Int("keys", len(keys)).Msg("dedup LRU warmed")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		return err
	}

	msgChan := make(chan ingestion.RawMessage, cfg.NATS.MsgChanSize)
	subscriber := ingestion.NewSubscriber(js, msgChan, logger)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		return err
	}
	defer subscriber.Stop()

	// --- Services ---
	valService := valuation.NewService(engine, marksChan, metrics, logger)
	dispatcher := ingestion.NewDispatcher(engine, valService, msgChan, metrics, logger)

	breakStore := persistence.NewPostgresBreakStore(db)
	tolerance, err := decimal.NewFromString(cfg.Reconcile.PriceTolerance)
	if err != nil {
		return fmt.Errorf("price tolerance: %w", err)
	}
	reconciler := reconcile.NewReconciler(engine, breakStore, tolerance, metrics, logger)
	queries := query.NewService(engine, breakStore)

	apiServer := server.NewServer(server.Config{
		Addr:        cfg.Server.HTTPAddr,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
	}, queries, reconciler, health, metrics, logger)

	worker := persistence.NewWorker(
		db,
		eventsChan,
		marksChan,
		cfg.Persistence.BatchSize,
		cfg.Persistence.FlushTimeout,
		metrics,
		logger,
	)

	// --- Goroutines ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return worker.Run(gctx)
	})

	g.Go(func() error {
		dispatcher.Run(gctx)
		return nil
	})

	g.Go(apiServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return apiServer.Shutdown(shutCtx)
	})

	metricsServer := &http.Server{
		Addr:    cfg.Server.MetricsAddr,
		Handler: metricsHandler(),
	}
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Server.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutCtx)
	})

	health.SetReady(true)
	logger.Info().
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("ready")

	err = g.Wait()
	health.SetReady(false)
	return err
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
