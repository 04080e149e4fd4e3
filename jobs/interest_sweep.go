package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	jobmetrics "github.com/coopcredit/coopcredit/internal/jobs"
	"github.com/coopcredit/coopcredit/internal/penalty"
	"github.com/coopcredit/coopcredit/internal/platform/cache"
)

// InterestSweepJob accrues periodic interest across all members. The cron
// cadence owns the billing period: the sweep charges one period per run.
type InterestSweepJob struct {
	Service *penalty.Service
	Redis   *redis.Client
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	LockTTL time.Duration
	clock   func() time.Time
}

// NewInterestSweepJob initialises the interest sweep handler.
func NewInterestSweepJob(service *penalty.Service, redisClient *redis.Client, logger *slog.Logger, metrics *jobmetrics.Metrics, lockTTL time.Duration) *InterestSweepJob {
	return &InterestSweepJob{
		Service: service,
		Redis:   redisClient,
		Logger:  logger,
		Metrics: metrics,
		LockTTL: lockTTL,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the interest accrual sweep under the distributed lock.
func (j *InterestSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("interest sweep: handler not configured")
	}
	var payload SweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	asOf, err := parseAsOf(payload.AsOf, j.clock)
	if err != nil {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskTypeInterestSweep)

	lock := cache.NewLock(j.Redis, cache.SweepLockKey("interest"), j.LockTTL)
	if err := lock.Acquire(ctx); err != nil {
		if errors.Is(err, cache.ErrLockHeld) {
			j.Logger.Info("interest sweep skipped, lock held elsewhere")
			tracker.Skip()
			return nil
		}
		return tracker.End(err)
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			j.Logger.Warn("release interest sweep lock", slog.Any("error", err))
		}
	}()

	result, err := j.Service.SweepInterest(ctx, asOf)
	if err != nil {
		j.Logger.Error("interest sweep failed", slog.Any("error", err))
		return tracker.End(err)
	}
	j.Metrics.AddSurcharges("interest", result.Applied)

	j.Logger.Info("interest sweep completed",
		slog.Int("members", result.MembersProcessed),
		slog.Int("applied", result.Applied),
		slog.Int("failed", result.Failed),
		slog.String("amount", result.Amount.StringFixed(2)),
	)
	return tracker.End(nil)
}

// LateFeeSweepJob processes member-level late fees across all members.
type LateFeeSweepJob struct {
	Service *penalty.Service
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewLateFeeSweepJob initialises the late fee sweep handler.
func NewLateFeeSweepJob(service *penalty.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *LateFeeSweepJob {
	return &LateFeeSweepJob{
		Service: service,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the late fee sweep. The per-period dedup mark makes a rerun
// harmless, so no lock is required.
func (j *LateFeeSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("late fee sweep: handler not configured")
	}
	var payload SweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	asOf, err := parseAsOf(payload.AsOf, j.clock)
	if err != nil {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskTypeLateFeeSweep)

	result, err := j.Service.SweepLateFees(ctx, asOf)
	if err != nil {
		j.Logger.Error("late fee sweep failed", slog.Any("error", err))
		return tracker.End(err)
	}

	j.Logger.Info("late fee sweep completed",
		slog.Int("members", result.MembersProcessed),
		slog.Int("failed", result.Failed),
	)
	return tracker.End(nil)
}
