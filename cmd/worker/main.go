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

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/fiscaldesk/internal/app"
	"github.com/odyssey-erp/fiscaldesk/internal/fiscal"
	"github.com/odyssey-erp/fiscaldesk/internal/notify"
	"github.com/odyssey-erp/fiscaldesk/internal/observability"
	"github.com/odyssey-erp/fiscaldesk/internal/platform/cache"
	"github.com/odyssey-erp/fiscaldesk/internal/platform/db"
	"github.com/odyssey-erp/fiscaldesk/internal/users"
	"github.com/odyssey-erp/fiscaldesk/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: int32(cfg.WorkerConcurrency) + 2})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	fiscalManager, err := fiscal.NewManager(fiscal.NewRepository(pool), cfg.FiscalConfig(), logger)
	if err != nil {
		logger.Error("init fiscal manager", slog.Any("error", err))
		os.Exit(1)
	}
	fiscalManager.SetLocker(fiscal.NewRedisLocker(cache.NewLocker(redisClient)))
	fiscalManager.SetObserver(metrics)

	mailJob := jobs.NewSendEmailJob(notify.NewSMTPMailer(cfg.SMTPConfig()), users.NewRepository(pool), logger, metrics.Jobs())
	switchJob := jobs.NewAutoSwitchJob(fiscalManager, logger, metrics.Jobs())
	purgeJob := jobs.NewIdempotencyPurgeJob(pool, cfg.IdempotencyRetention, logger, metrics.Jobs())

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   cfg.RedisOpt(),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypeSendEmail, Handler: mailJob.Handle},
			{Type: jobs.TaskFiscalAutoSwitch, Handler: switchJob.Handle},
			{Type: jobs.TaskIdempotencyPurge, Handler: purgeJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.FiscalAutoSwitchCron, Task: jobs.NewAutoSwitchTask()},
			{Spec: cfg.IdempotencyPurgeCron, Task: jobs.NewIdempotencyPurgeTask()},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{
		Addr:              cfg.WorkerMetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return worker.Run(groupCtx)
	})
	group.Go(func() error {
		logger.Info("starting worker metrics", slog.String("addr", cfg.WorkerMetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
