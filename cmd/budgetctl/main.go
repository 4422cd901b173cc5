package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/odyssey-erp/salesbudget/cmd/budgetctl/cli"
	"github.com/odyssey-erp/salesbudget/internal/app"
	"github.com/odyssey-erp/salesbudget/internal/budget"
	"github.com/odyssey-erp/salesbudget/internal/budget/document"
	"github.com/odyssey-erp/salesbudget/internal/budget/importer"
	"github.com/odyssey-erp/salesbudget/internal/budget/validation"
	"github.com/odyssey-erp/salesbudget/internal/platform/cache"
	"github.com/odyssey-erp/salesbudget/internal/platform/db"
	"github.com/odyssey-erp/salesbudget/internal/platform/migrate"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	root := cli.NewRootCommand(connect, os.Stdout, os.Stderr)
	err := root.ExecuteContext(ctx)
	stop()
	os.Exit(cli.ExitCode(err, os.Stderr))
}

// connect opens the database and cache described by the environment.
func connect(ctx context.Context) (*cli.Backend, func(), error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	pool, err := db.New(ctx, db.PoolConfig{DSN: cfg.PGDSN, MaxConns: 4})
	if err != nil {
		return nil, nil, err
	}
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	var budgetCache *budget.Cache
	if err != nil {
		logger.Warn("redis unavailable, cache disabled", slog.Any("error", err))
	} else {
		budgetCache = budget.NewCache(redisClient, cfg.BudgetCacheTTL)
	}
	release := func() {
		_ = redisClient.Close()
		pool.Close()
	}

	service := budget.NewService(budget.NewRepository(pool), budgetCache, nil, logger, budget.ServiceConfig{
		BatchSize:      cfg.BudgetInsertBatch,
		SyncInvalidate: true,
	})
	limits := validation.DefaultLimits()
	limits.MaxRecords = cfg.BudgetMaxRecords
	limits.MaxInvalidRatio = cfg.BudgetMaxInvalidRatio
	encoder, err := document.NewEncoder()
	if err != nil {
		release()
		return nil, nil, err
	}
	return &cli.Backend{
		Estimates: service,
		Sheets:    service,
		Importer:  importer.New(validation.New(limits), service, nil, logger),
		Encoder:   encoder,
		Migrate: func(ctx context.Context) error {
			if err := migrate.Up(cfg.PGDSN); err != nil {
				return err
			}
			return service.EnsureDivisions(ctx, cfg.BudgetDivisions)
		},
	}, release, nil
}
