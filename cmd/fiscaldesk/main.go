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

	"github.com/odyssey-erp/fiscaldesk/internal/activity"
	"github.com/odyssey-erp/fiscaldesk/internal/app"
	"github.com/odyssey-erp/fiscaldesk/internal/audit"
	audithttp "github.com/odyssey-erp/fiscaldesk/internal/audit/http"
	"github.com/odyssey-erp/fiscaldesk/internal/auth"
	"github.com/odyssey-erp/fiscaldesk/internal/fiscal"
	fiscalhttp "github.com/odyssey-erp/fiscaldesk/internal/fiscal/http"
	"github.com/odyssey-erp/fiscaldesk/internal/invoices"
	invoiceshttp "github.com/odyssey-erp/fiscaldesk/internal/invoices/http"
	"github.com/odyssey-erp/fiscaldesk/internal/notify"
	"github.com/odyssey-erp/fiscaldesk/internal/observability"
	"github.com/odyssey-erp/fiscaldesk/internal/platform/cache"
	"github.com/odyssey-erp/fiscaldesk/internal/platform/db"
	"github.com/odyssey-erp/fiscaldesk/internal/sequence"
	sequencehttp "github.com/odyssey-erp/fiscaldesk/internal/sequence/http"
	"github.com/odyssey-erp/fiscaldesk/internal/shared"
	"github.com/odyssey-erp/fiscaldesk/internal/users"
	"github.com/odyssey-erp/fiscaldesk/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
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

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{})
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
	sessionManager := shared.NewSessionManager(redisClient, cfg.SessionCookie, cfg.SessionSecret,
		cfg.ActivityStandardWindow, cfg.ActivityRememberMeWindow, cfg.IsProduction())
	tracker := activity.NewTracker(cfg.ActivityConfig(), logger)
	metrics.TrackActiveSessions(tracker.Len)

	auditService := audit.NewService(audit.NewRepository(pool), logger)

	generator, err := sequence.NewGenerator(sequence.NewStore(pool), cfg.SequenceLimits(), logger)
	if err != nil {
		logger.Error("init sequence generator", slog.Any("error", err))
		os.Exit(1)
	}
	generator.SetObserver(metrics)

	fiscalManager, err := fiscal.NewManager(fiscal.NewRepository(pool), cfg.FiscalConfig(), logger)
	if err != nil {
		logger.Error("init fiscal manager", slog.Any("error", err))
		os.Exit(1)
	}
	fiscalManager.SetLocker(fiscal.NewRedisLocker(cache.NewLocker(redisClient)))
	fiscalManager.SetObserver(metrics)

	usersRepo := users.NewRepository(pool)
	usersService := users.NewService(usersRepo, logger)
	usersService.SetSessionRevoker(sessionManager)
	authService := auth.NewService(auth.NewRepository(pool, usersRepo))
	authService.SetAuditor(auditService)

	queueClient := asynq.NewClient(cfg.RedisOpt())
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("asynq client close", slog.Any("error", err))
		}
	}()
	workflow := invoices.NewWorkflow(invoices.NewRepository(pool), notify.NewQueueSender(queueClient), logger)
	workflow.SetObserver(metrics)

	inspector := asynq.NewInspector(cfg.RedisOpt())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("asynq inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		SessionManager:  sessionManager,
		AuthHandler:     auth.NewHandler(logger, authService, sessionManager, tracker),
		UsersHandler:    users.NewHandler(logger, usersService),
		AuditHandler:    audithttp.NewHandler(logger, auditService),
		FiscalHandler:   fiscalhttp.NewHandler(logger, fiscalManager),
		SequenceHandler: sequencehttp.NewHandler(logger, generator, fiscalManager),
		InvoiceHandler:  invoiceshttp.NewHandler(logger, workflow),
		JobHandler:      jobs.NewHandler(inspector, logger),
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return tracker.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		tracker.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
