package jobs

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coopcredit/coopcredit/internal/credit"
	jobmetrics "github.com/coopcredit/coopcredit/internal/jobs"
	"github.com/coopcredit/coopcredit/internal/penalty"
	"github.com/coopcredit/coopcredit/internal/platform/cache"
	"github.com/coopcredit/coopcredit/internal/settings"
)

// sweepRepo is a minimal in-memory penalty.RepositoryPort for job-level tests.
type sweepRepo struct {
	mu         sync.Mutex
	candidates []penalty.OverdueCandidate
	accruable  map[int64][]credit.LedgerEntry
	lateDue    map[int64]time.Time
	nearing    []penalty.NearingPenalty

	penalties int
	interest  int
	lateFees  map[string]bool
}

func newSweepRepo() *sweepRepo {
	return &sweepRepo{
		accruable: make(map[int64][]credit.LedgerEntry),
		lateDue:   make(map[int64]time.Time),
		lateFees:  make(map[string]bool),
	}
}

func (r *sweepRepo) ListOverdueCandidates(ctx context.Context, asOf time.Time, defaultDueDays int) ([]penalty.OverdueCandidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.candidates, nil
}

func (r *sweepRepo) ApplyPenalty(ctx context.Context, input penalty.ApplyPenaltyInput) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.penalties++
	// Penalized entries leave the candidate set.
	kept := r.candidates[:0]
	for _, c := range r.candidates {
		if c.Entry.ID != input.EntryID {
			kept = append(kept, c)
		}
	}
	r.candidates = kept
	return nil
}

func (r *sweepRepo) ListAccruable(ctx context.Context, memberID int64, cutoff time.Time) ([]credit.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accruable[memberID], nil
}

func (r *sweepRepo) ApplyInterest(ctx context.Context, memberID int64, amount decimal.Decimal, asOf time.Time, notes string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interest++
	return nil
}

func (r *sweepRepo) ApplyLateFee(ctx context.Context, memberID int64, amount decimal.Decimal, periodKey string, asOf time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := periodKey + "/" + decimal.NewFromInt(memberID).String()
	if r.lateFees[key] {
		return penalty.ErrLateFeeAlreadyApplied
	}
	r.lateFees[key] = true
	return nil
}

func (r *sweepRepo) OldestUnpaidSpent(ctx context.Context, memberID int64) (*credit.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	postedAt, ok := r.lateDue[memberID]
	if !ok {
		return nil, nil
	}
	return &credit.LedgerEntry{
		ID:       memberID,
		MemberID: memberID,
		Type:     credit.EntrySpent,
		Amount:   decimal.NewFromInt(100),
		Status:   credit.StatusPending,
		PostedAt: postedAt,
	}, nil
}

func (r *sweepRepo) MembersNearingPenalty(ctx context.Context, asOf, until time.Time, defaultDueDays int) ([]penalty.NearingPenalty, error) {
	return r.nearing, nil
}

type sweepSettings struct{}

func (sweepSettings) Get(ctx context.Context) (settings.CreditSettings, error) {
	return settings.Defaults(), nil
}

type sweepMembers struct {
	ids []int64
}

func (m sweepMembers) ListActiveMemberIDs(ctx context.Context) ([]int64, error) {
	return m.ids, nil
}

type recordingReminder struct {
	mu    sync.Mutex
	calls []penalty.NearingPenalty
}

func (r *recordingReminder) DueSoonReminder(ctx context.Context, n penalty.NearingPenalty) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, n)
}

func testMetrics() *jobmetrics.Metrics {
	return jobmetrics.NewMetrics(prometheus.NewRegistry())
}

func testClock() time.Time {
	return time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
}

func newSweepFixture(t *testing.T, repo *sweepRepo, memberIDs ...int64) (*penalty.Service, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	svc := penalty.NewService(repo, sweepSettings{}, sweepMembers{ids: memberIDs}, nil, slog.Default())
	return svc, client, mr
}

func TestPenaltySweepHandle(t *testing.T) {
	repo := newSweepRepo()
	repo.candidates = []penalty.OverdueCandidate{{
		Entry: credit.LedgerEntry{
			ID:       1,
			MemberID: 1,
			Type:     credit.EntrySpent,
			Amount:   decimal.NewFromInt(100),
			Status:   credit.StatusPending,
			PostedAt: testClock().AddDate(0, 0, -45),
		},
	}}
	repo.nearing = []penalty.NearingPenalty{{MemberID: 2, MemberName: "Member"}}

	svc, client, mr := newSweepFixture(t, repo)
	reminder := &recordingReminder{}
	job := NewPenaltySweepJob(svc, client, reminder, slog.Default(), testMetrics(), time.Minute)
	job.clock = testClock

	task, err := NewPenaltySweepTask(SweepPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	assert.Equal(t, 1, repo.penalties)
	assert.Len(t, reminder.calls, 1)
	assert.False(t, mr.Exists(cache.SweepLockKey("penalty")), "lock must be released")
}

func TestPenaltySweepSkipsWhenLocked(t *testing.T) {
	repo := newSweepRepo()
	repo.candidates = []penalty.OverdueCandidate{{
		Entry: credit.LedgerEntry{
			ID:       1,
			MemberID: 1,
			Type:     credit.EntrySpent,
			Amount:   decimal.NewFromInt(100),
			Status:   credit.StatusPending,
			PostedAt: testClock().AddDate(0, 0, -45),
		},
	}}

	svc, client, mr := newSweepFixture(t, repo)
	require.NoError(t, mr.Set(cache.SweepLockKey("penalty"), "other-run"))

	job := NewPenaltySweepJob(svc, client, nil, slog.Default(), testMetrics(), time.Minute)
	job.clock = testClock

	task, err := NewPenaltySweepTask(SweepPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task), "held lock is a skip, not a failure")
	assert.Equal(t, 0, repo.penalties)
}

func TestPenaltySweepBadPayload(t *testing.T) {
	repo := newSweepRepo()
	svc, client, _ := newSweepFixture(t, repo)
	job := NewPenaltySweepJob(svc, client, nil, slog.Default(), testMetrics(), time.Minute)
	job.clock = testClock

	err := job.Handle(context.Background(), asynq.NewTask(TaskTypePenaltySweep, []byte(`{"as_of":`)))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = job.Handle(context.Background(), asynq.NewTask(TaskTypePenaltySweep, []byte(`{"as_of":"not-a-time"}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestInterestSweepHandle(t *testing.T) {
	repo := newSweepRepo()
	repo.accruable[1] = []credit.LedgerEntry{{
		ID:       1,
		MemberID: 1,
		Type:     credit.EntrySpent,
		Amount:   decimal.NewFromInt(100),
		Status:   credit.StatusPending,
		PostedAt: testClock().AddDate(0, 0, -45),
	}}

	svc, client, mr := newSweepFixture(t, repo, 1, 2)
	job := NewInterestSweepJob(svc, client, slog.Default(), testMetrics(), time.Minute)
	job.clock = testClock

	task, err := NewInterestSweepTask(SweepPayload{AsOf: testClock().Format(time.RFC3339)})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	assert.Equal(t, 1, repo.interest, "only the member with accruable debt is charged")
	assert.False(t, mr.Exists(cache.SweepLockKey("interest")))
}

func TestLateFeeSweepHandle(t *testing.T) {
	repo := newSweepRepo()
	repo.lateDue[1] = testClock().AddDate(0, 0, -90)

	svc, _, _ := newSweepFixture(t, repo, 1)
	job := NewLateFeeSweepJob(svc, slog.Default(), testMetrics())
	job.clock = testClock

	task, err := NewLateFeeSweepTask(SweepPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, repo.lateFees, 1)

	// Same billing period: the dedup mark keeps the rerun a no-op.
	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, repo.lateFees, 1)
}
