package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/coopcredit/coopcredit/internal/app"
	jobmetrics "github.com/coopcredit/coopcredit/internal/jobs"
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
	metrics := jobmetrics.NewMetrics(nil)

	settingsRepo := settings.NewRepository(pool)
	membersRepo := members.NewRepository(pool)
	penaltyRepo := penalty.NewRepository(pool)
	penaltyService := penalty.NewService(penaltyRepo, settingsRepo, membersRepo, mailer, logger)

	penaltyJob := jobs.NewPenaltySweepJob(penaltyService, redisClient, mailer, logger, metrics, cfg.SweepLockTTL)
	interestJob := jobs.NewInterestSweepJob(penaltyService, redisClient, logger, metrics, cfg.SweepLockTTL)
	lateFeeJob := jobs.NewLateFeeSweepJob(penaltyService, logger, metrics)

	penaltyTask, err := jobs.NewPenaltySweepTask(jobs.SweepPayload{ReminderDays: 7})
	if err != nil {
		logger.Error("build penalty sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	interestTask, err := jobs.NewInterestSweepTask(jobs.SweepPayload{})
	if err != nil {
		logger.Error("build interest sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	lateFeeTask, err := jobs.NewLateFeeSweepTask(jobs.SweepPayload{})
	if err != nil {
		logger.Error("build late fee sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypePenaltySweep, Handler: penaltyJob.Handle},
			{Type: jobs.TaskTypeInterestSweep, Handler: interestJob.Handle},
			{Type: jobs.TaskTypeLateFeeSweep, Handler: lateFeeJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			// Penalty sweep daily, interest monthly, late fees monthly.
			{Spec: "30 1 * * *", Task: penaltyTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 2 1 * *", Task: interestTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 3 1 * *", Task: lateFeeTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker starting")
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
