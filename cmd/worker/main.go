package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/razauh/inventory-management/internal/app"
	"github.com/razauh/inventory-management/internal/ledger"
	"github.com/razauh/inventory-management/internal/platform/db"
	"github.com/razauh/inventory-management/internal/reporting"
	"github.com/razauh/inventory-management/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	ledgerRepo := ledger.NewPGRepository(pool)
	reportService := reporting.NewService(ledgerRepo, cfg.ReportChunkSize, logger)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskStatementRefresh, Handler: jobs.NewStatementRefreshHandler(reportService, logger)},
		},
	})
	if err != nil {
		logger.Error("configure worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker starting", slog.String("redis", cfg.RedisAddr))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker exited", slog.Any("error", err))
		os.Exit(1)
	}
}
