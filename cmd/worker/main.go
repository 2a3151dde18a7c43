package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/hibiken/asynq"

	"github.com/sitestock/sitestock/internal/app"
	jobmetrics "github.com/sitestock/sitestock/internal/jobs"
	"github.com/sitestock/sitestock/internal/materials"
	"github.com/sitestock/sitestock/internal/materials/sqlite"
	"github.com/sitestock/sitestock/internal/observability"
	"github.com/sitestock/sitestock/internal/platform/cache"
	"github.com/sitestock/sitestock/internal/platform/db"
	"github.com/sitestock/sitestock/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	var store materials.Store
	switch cfg.StoreDriver {
	case app.StoreDriverSQLite:
		sqliteStore, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			logger.Error("open sqlite", slog.Any("error", err))
			os.Exit(1)
		}
		defer sqliteStore.Close()
		store = sqliteStore
	default:
		pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
		if err != nil {
			logger.Error("connect database", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
		store = materials.NewRepository(pool)
	}

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	// The worker only recomputes views, so it needs neither the audit sink,
	// idempotency keys nor the integration client.
	service := materials.NewService(store, nil, nil,
		materials.NewStockCache(redisClient, cfg.StockCacheTTL, logger),
		nil,
		materials.ServiceConfig{AggregateWorkers: cfg.AggregateWorkers, Logger: logger},
	)

	locker := redislock.New(redisClient)
	registry := observability.NewMetrics()
	metrics := jobmetrics.NewMetrics(registry.Registerer())
	refreshJob := jobs.NewStockRefreshJob(service, locker, logger, metrics)
	reconcileJob := jobs.NewLedgerReconcileJob(service, locker, logger, metrics, cfg.ReconcileLockTTL)

	metricsServer := &http.Server{
		Addr:              cfg.WorkerMetricsAddr,
		Handler:           app.NewMetricsRouter(registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("worker metrics listening", slog.String("addr", cfg.WorkerMetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("worker metrics shutdown", slog.Any("error", err))
		}
	}()

	reconcileTask, err := jobs.NewLedgerReconcileTask(time.Now().UTC())
	if err != nil {
		logger.Error("build reconcile task", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.AggregateWorkers,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskStockRefresh, Handler: refreshJob.Handle},
			{Type: jobs.TaskLedgerReconcile, Handler: reconcileJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ReconcileCron, Task: reconcileTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
