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
	"golang.org/x/sync/errgroup"

	"github.com/razauh/inventory-management/internal/app"
	"github.com/razauh/inventory-management/internal/ledger"
	"github.com/razauh/inventory-management/internal/masterdata"
	"github.com/razauh/inventory-management/internal/platform/cache"
	"github.com/razauh/inventory-management/internal/platform/db"
	"github.com/razauh/inventory-management/internal/reporting"
	"github.com/razauh/inventory-management/jobs"
)

// jobEnqueuer adapts the jobs client to the reporting handler.
type jobEnqueuer struct {
	client *jobs.Client
}

func (e jobEnqueuer) EnqueueStatementRefresh(ctx context.Context, counterpartyID int64) error {
	_, err := e.client.EnqueueStatementRefresh(ctx, jobs.StatementRefreshPayload{CounterpartyID: counterpartyID})
	return err
}

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

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	ledgerRepo := ledger.NewPGRepository(pool)
	masterRepo := masterdata.NewPGRepository(pool)

	productCache := reporting.NewProductNameCache(redisClient, &productLoader{repo: masterRepo}, cfg.ProductCacheTTL)
	masterService := masterdata.NewService(masterRepo, productCache, logger)
	ledgerService := ledger.NewService(ledgerRepo, masterService, masterService, logger)
	reportService := reporting.NewService(ledgerRepo, cfg.ReportChunkSize, logger)

	jobsClient := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		LedgerHandler:    ledger.NewHandler(logger, ledgerService),
		ReportingHandler: reporting.NewHandler(logger, reportService, jobEnqueuer{client: jobsClient}),
		Pool:             pool,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

// productLoader narrows the masterdata repository to what the product
// cache needs.
type productLoader struct {
	repo masterdata.Repository
}

func (l *productLoader) GetProduct(ctx context.Context, id int64) (masterdata.Product, error) {
	return l.repo.GetProduct(ctx, id)
}
