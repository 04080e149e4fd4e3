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

	"github.com/coopcredit/coopcredit/internal/app"
	"github.com/coopcredit/coopcredit/internal/credit"
	"github.com/coopcredit/coopcredit/internal/members"
	"github.com/coopcredit/coopcredit/internal/notify"
	"github.com/coopcredit/coopcredit/internal/penalty"
	"github.com/coopcredit/coopcredit/internal/platform/cache"
	"github.com/coopcredit/coopcredit/internal/platform/db"
	"github.com/coopcredit/coopcredit/internal/settings"
	"github.com/coopcredit/coopcredit/jobs"
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

	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	mailer := notify.NewMailer(jobsClient, cfg.NotifyFrom, logger)

	creditRepo := credit.NewRepository(pool)
	creditService := credit.NewService(creditRepo, mailer, logger,
		credit.WithPaymentTxTimeout(cfg.PaymentTxTimeout))
	creditHandler := credit.NewHandler(logger, creditService)

	settingsRepo := settings.NewRepository(pool)
	settingsHandler := settings.NewHandler(logger, settingsRepo)

	membersRepo := members.NewRepository(pool)
	membersHandler := members.NewHandler(logger, membersRepo)
	penaltyRepo := penalty.NewRepository(pool)
	penaltyService := penalty.NewService(penaltyRepo, settingsRepo, membersRepo, mailer, logger)
	penaltyHandler := penalty.NewHandler(logger, penaltyService, redisClient, cfg.SweepSecret, cfg.SweepLockTTL)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	jobsHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		CreditHandler:   creditHandler,
		MembersHandler:  membersHandler,
		PenaltyHandler:  penaltyHandler,
		SettingsHandler: settingsHandler,
		JobsHandler:     jobsHandler,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
