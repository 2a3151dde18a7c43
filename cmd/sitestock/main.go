package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/sitestock/sitestock/internal/app"
	"github.com/sitestock/sitestock/internal/materials"
	"github.com/sitestock/sitestock/internal/materials/sqlite"
	"github.com/sitestock/sitestock/internal/observability"
	"github.com/sitestock/sitestock/internal/platform/cache"
	"github.com/sitestock/sitestock/internal/platform/db"
	"github.com/sitestock/sitestock/internal/shared"
	"github.com/sitestock/sitestock/jobs"
)

// ledger bundles the selected store with its audit sink and lifecycle hooks.
type ledger struct {
	store materials.Store
	audit materials.AuditPort
	ping  app.HealthCheck
	close func()
}

func openLedger(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*ledger, error) {
	switch cfg.StoreDriver {
	case app.StoreDriverSQLite:
		store, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &ledger{
			store: store,
			audit: shared.NewAuditLogger(nil, logger),
			ping:  store.Ping,
			close: func() {
				if err := store.Close(); err != nil {
					logger.Warn("sqlite close", slog.Any("error", err))
				}
			},
		}, nil
	default:
		pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
		if err != nil {
			return nil, err
		}
		repo := materials.NewRepository(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		return &ledger{
			store: repo,
			audit: shared.NewAuditLogger(pool, logger),
			ping:  pool.Ping,
			close: pool.Close,
		}, nil
	}
}

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	store, err := openLedger(ctx, cfg, logger)
	if err != nil {
		logger.Error("open ledger store", slog.String("driver", cfg.StoreDriver), slog.Any("error", err))
		os.Exit(1)
	}
	defer store.close()

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

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	service := materials.NewService(
		store.store,
		store.audit,
		shared.NewIdempotencyStore(redisClient, cfg.IdempotencyTTL),
		materials.NewStockCache(redisClient, cfg.StockCacheTTL, logger),
		jobClient,
		materials.ServiceConfig{
			AggregateWorkers: cfg.AggregateWorkers,
			Metrics:          materials.NewMetrics(metrics.Registerer()),
			Logger:           logger,
		},
	)

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		MaterialsHandler: materials.NewHandler(logger, service),
		JobHandler:       jobs.NewHandler(inspector, jobClient, logger),
		Metrics:          metrics,
		Checks: map[string]app.HealthCheck{
			cfg.StoreDriver: store.ping,
			"redis": func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		},
	})

	server := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           router,
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("store", cfg.StoreDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
