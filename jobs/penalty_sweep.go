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

// Reminder sends due-soon notifications surfaced by the nearing-penalty scan.
type Reminder interface {
	DueSoonReminder(ctx context.Context, n penalty.NearingPenalty)
}

// PenaltySweepJob runs the product credit penalty sweep and the due-soon
// reminder scan under a distributed lock.
type PenaltySweepJob struct {
	Service  *penalty.Service
	Redis    *redis.Client
	Reminder Reminder
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	LockTTL  time.Duration
	clock    func() time.Time
}

// NewPenaltySweepJob initialises the penalty sweep handler.
func NewPenaltySweepJob(service *penalty.Service, redisClient *redis.Client, reminder Reminder, logger *slog.Logger, metrics *jobmetrics.Metrics, lockTTL time.Duration) *PenaltySweepJob {
	return &PenaltySweepJob{
		Service:  service,
		Redis:    redisClient,
		Reminder: reminder,
		Logger:   logger,
		Metrics:  metrics,
		LockTTL:  lockTTL,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the sweep. A lock held elsewhere makes the run a no-op
// rather than an error so overlapping cron triggers cannot double-apply.
func (j *PenaltySweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("penalty sweep: handler not configured")
	}
	var payload SweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	asOf, err := parseAsOf(payload.AsOf, j.clock)
	if err != nil {
		return asynq.SkipRetry
	}
	if payload.ReminderDays <= 0 {
		payload.ReminderDays = 7
	}

	tracker := j.Metrics.Track(TaskTypePenaltySweep)

	lock := cache.NewLock(j.Redis, cache.SweepLockKey("penalty"), j.LockTTL)
	if err := lock.Acquire(ctx); err != nil {
		if errors.Is(err, cache.ErrLockHeld) {
			j.Logger.Info("penalty sweep skipped, lock held elsewhere")
			tracker.Skip()
			return nil
		}
		return tracker.End(err)
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			j.Logger.Warn("release penalty sweep lock", slog.Any("error", err))
		}
	}()

	result, err := j.Service.ApplyProductCreditPenalties(ctx, asOf)
	if err != nil {
		j.Logger.Error("penalty sweep failed", slog.Any("error", err))
		return tracker.End(err)
	}
	j.Metrics.AddSurcharges("penalty", result.Applied)

	nearing, err := j.Service.MembersNearingPenalty(ctx, payload.ReminderDays, asOf)
	if err != nil {
		j.Logger.Warn("nearing penalty scan failed", slog.Any("error", err))
	} else if j.Reminder != nil {
		for _, n := range nearing {
			j.Reminder.DueSoonReminder(ctx, n)
		}
	}

	j.Logger.Info("penalty sweep completed",
		slog.Int("members", result.MembersProcessed),
		slog.Int("applied", result.Applied),
		slog.Int("failed", result.Failed),
		slog.Int("reminders", len(nearing)),
	)
	return tracker.End(nil)
}

func parseAsOf(raw string, clock func() time.Time) (time.Time, error) {
	if raw == "" {
		return clock(), nil
	}
	return time.Parse(time.RFC3339, raw)
}
