package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"multiasset-ledger/internal/config"
	"multiasset-ledger/internal/engine"
	"multiasset-ledger/internal/httpapi"
	"multiasset-ledger/internal/ledger"
	"multiasset-ledger/internal/money"
	"multiasset-ledger/internal/projection"
	"multiasset-ledger/internal/publish"
	"multiasset-ledger/internal/rates"
	"multiasset-ledger/internal/saga"
	"multiasset-ledger/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ledgerd:", err)
		os.Exit(1)
	}
}

func run() error {
	start := time.Now()

	boot, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("bootstrap logger: %w", err)
	}
	cfg, err := config.Load(boot, ".env")
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("[startup] begin",
		zap.String("addr", cfg.HTTPAddr),
		zap.Bool("migrate", cfg.Migrate),
		zap.Int("cpu", runtime.GOMAXPROCS(0)),
		zap.Int("max_conns", cfg.MaxConns),
		zap.Int("workers", cfg.Workers),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	st := store.New(pool)
	assets := money.NewStaticRegistry(money.DefaultAssets()...)

	provider, closeRates, err := buildRates(cfg, logger)
	if err != nil {
		return err
	}
	defer closeRates()

	retry := ledger.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryAttempts
	svc := ledger.NewService(st,
		ledger.WithRetry(retry),
		ledger.WithSnapshots(st, cfg.SnapshotEvery),
		ledger.WithLogger(logger.Named("ledger")),
	)

	orch := saga.NewOrchestrator(st, svc, st,
		saga.WithLogger(logger.Named("saga")),
		saga.WithWorkflow(saga.NewConvertWorkflow(provider, assets, nil, cfg.RateRefreshes)),
	)
	dispatcher := saga.NewDispatcher(saga.DispatcherConfig{
		Workers:    cfg.Workers,
		QueueSize:  cfg.QueueSize,
		RunTimeout: cfg.RunTimeout,
	}, orch, logger.Named("dispatcher"))
	recovery := saga.NewRecovery(saga.RecoveryConfig{
		StaleAfter:   cfg.StaleAfter,
		AbandonAfter: cfg.AbandonAfter,
		Interval:     cfg.SweepInterval,
	}, st, orch, dispatcher.Submit, logger.Named("recovery")).WithInflight(dispatcher.Inflight)

	proj := projection.New(st, st, logger.Named("projection"))
	var sinks []projection.Sink
	if cfg.AMQPURL != "" {
		pub, err := publish.Dial(publish.Config{URL: cfg.AMQPURL, Exchange: cfg.AMQPExchange}, logger.Named("publish"))
		if err != nil {
			return err
		}
		defer func() { _ = pub.Close() }()
		sinks = append(sinks, pub)
		logger.Info("[startup] event publishing enabled", zap.String("exchange", cfg.AMQPExchange))
	}
	projector := projection.NewProjector(projection.ProjectorConfig{
		Name:      "balances",
		BatchSize: cfg.ProjectorBatch,
		Interval:  cfg.ProjectorInterval,
	}, st, proj, st, logger.Named("projector"), sinks...)

	eng := engine.New(st, dispatcher, svc, proj, assets, engine.WithLogger(logger.Named("engine")))

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.Router(httpapi.NewHandlers(eng, st, assets, logger.Named("http")), cfg.MaxInflight),

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return recovery.Run(gctx) })
	g.Go(func() error { return projector.Run(gctx) })
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	logger.Info("[startup] ready",
		zap.Duration("took", time.Since(start).Truncate(time.Millisecond)),
		zap.String("addr", cfg.HTTPAddr),
	)
	return g.Wait()
}

func connect(ctx context.Context, cfg config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pcfg.MaxConns = int32(cfg.MaxConns)
	pcfg.MinConns = 1
	pcfg.HealthCheckPeriod = 10 * time.Second
	pcfg.MaxConnLifetime = 30 * time.Minute
	pcfg.MaxConnIdleTime = 5 * time.Minute

	logger.Info("[startup] connecting to DB")
	pool, err := pgxpool.NewWithConfig(startCtx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := pool.Ping(startCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	if cfg.Migrate {
		if err := store.Migrate(startCtx, pool, logger.Named("migrate")); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
	} else {
		logger.Info("[startup] migrations disabled")
	}
	return pool, nil
}

// buildRates stacks the configured source, the redis cache and USD pivoting.
func buildRates(cfg config.Config, logger *zap.Logger) (rates.Provider, func(), error) {
	var source rates.Provider
	if cfg.RatesURL != "" {
		p, err := rates.NewHTTPProvider(cfg.RatesURL, &http.Client{Timeout: 5 * time.Second}, rates.DefaultBreakerConfig(), logger.Named("rates"))
		if err != nil {
			return nil, nil, err
		}
		source = p
	} else {
		logger.Warn("[startup] no rate source configured; conversions will fail with RATE_UNAVAILABLE")
		source = rates.NewStatic(cfg.RateCacheTTL)
	}

	closer := func() {}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		closer = func() { _ = rdb.Close() }
		source = rates.NewCached(source, rdb, cfg.RateCacheTTL, logger.Named("rates"))
	}
	return rates.NewChained(source, "USD"), closer, nil
}
