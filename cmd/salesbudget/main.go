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

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/salesbudget/internal/app"
	"github.com/odyssey-erp/salesbudget/internal/budget"
	"github.com/odyssey-erp/salesbudget/internal/budget/document"
	budgethttp "github.com/odyssey-erp/salesbudget/internal/budget/http"
	"github.com/odyssey-erp/salesbudget/internal/budget/importer"
	"github.com/odyssey-erp/salesbudget/internal/budget/validation"
	"github.com/odyssey-erp/salesbudget/internal/observability"
	"github.com/odyssey-erp/salesbudget/internal/platform/cache"
	"github.com/odyssey-erp/salesbudget/internal/platform/db"
	"github.com/odyssey-erp/salesbudget/internal/platform/migrate"
	"github.com/odyssey-erp/salesbudget/jobs"
)

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

	if err := migrate.Up(cfg.PGDSN); err != nil {
		logger.Error("apply migrations", slog.Any("error", err))
		os.Exit(1)
	}

	dbpool, err := db.New(ctx, db.PoolConfig{DSN: cfg.PGDSN, MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	var budgetCache *budget.Cache
	if err != nil {
		logger.Warn("redis ping, pricing cache disabled", slog.Any("error", err))
	} else {
		budgetCache = budget.NewCache(redisClient, cfg.BudgetCacheTTL)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	budgetMetrics := budget.NewMetrics(metrics.Registerer())

	repo := budget.NewRepository(dbpool)
	service := budget.NewService(repo, budgetCache, budgetMetrics, logger, budget.ServiceConfig{
		BatchSize: cfg.BudgetInsertBatch,
	})
	if err := service.EnsureDivisions(ctx, cfg.BudgetDivisions); err != nil {
		logger.Error("prepare divisions", slog.Any("error", err))
		os.Exit(1)
	}

	limits := validation.DefaultLimits()
	limits.MaxRecords = cfg.BudgetMaxRecords
	limits.MaxInvalidRatio = cfg.BudgetMaxInvalidRatio
	imp := importer.New(validation.New(limits), service, budgetMetrics, logger)

	encoder, err := document.NewEncoder()
	if err != nil {
		logger.Error("parse document templates", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
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
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	budgetHandler := budgethttp.NewHandler(logger, service, imp, encoder, jobClient).
		WithMaxUpload(cfg.BudgetMaxUploadBytes)

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		Metrics:       metrics,
		BudgetHandler: budgetHandler,
		JobHandler:    jobs.NewHandler(inspector, logger),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
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
