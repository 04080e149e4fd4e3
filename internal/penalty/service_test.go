package penalty

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coopcredit/coopcredit/internal/credit"
	"github.com/coopcredit/coopcredit/internal/settings"
)

type memoryPenaltyRepo struct {
	mu       sync.Mutex
	entries  []*credit.LedgerEntry
	policies map[int64]policy // keyed by entry ID
	lateFees map[string]bool  // "memberID/periodKey"
	nearing  []NearingPenalty
	nextID   int64

	failPenaltyFor  map[int64]bool // entry IDs whose ApplyPenalty fails
	failInterestFor map[int64]bool // member IDs whose ApplyInterest fails
}

type policy struct {
	dueDays      *int
	penaltyType  *settings.PenaltyType
	penaltyValue *decimal.Decimal
}

func newMemoryPenaltyRepo() *memoryPenaltyRepo {
	return &memoryPenaltyRepo{
		policies:        make(map[int64]policy),
		lateFees:        make(map[string]bool),
		failPenaltyFor:  make(map[int64]bool),
		failInterestFor: make(map[int64]bool),
	}
}

func (r *memoryPenaltyRepo) addSpent(memberID int64, amount string, postedAt time.Time) *credit.LedgerEntry {
	r.nextID++
	e := &credit.LedgerEntry{
		ID:         r.nextID,
		MemberID:   memberID,
		Type:       credit.EntrySpent,
		Amount:     dec(amount),
		PaidAmount: decimal.Zero,
		Status:     credit.StatusPending,
		PostedAt:   postedAt,
	}
	r.entries = append(r.entries, e)
	return e
}

func (r *memoryPenaltyRepo) ListOverdueCandidates(ctx context.Context, asOf time.Time, defaultDueDays int) ([]OverdueCandidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []OverdueCandidate
	for _, e := range r.entries {
		if e.Type != credit.EntrySpent || e.PenaltyApplied || !e.Outstanding().IsPositive() {
			continue
		}
		p := r.policies[e.ID]
		dueDays := defaultDueDays
		if p.dueDays != nil {
			dueDays = *p.dueDays
		}
		if !e.PostedAt.AddDate(0, 0, dueDays).Before(asOf) {
			continue
		}
		out = append(out, OverdueCandidate{
			Entry:        *e,
			MemberName:   "Member",
			MemberEmail:  "member@example.com",
			DueDays:      p.dueDays,
			PenaltyType:  p.penaltyType,
			PenaltyValue: p.penaltyValue,
		})
	}
	return out, nil
}

func (r *memoryPenaltyRepo) ApplyPenalty(ctx context.Context, input ApplyPenaltyInput) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failPenaltyFor[input.EntryID] {
		return errors.New("penalty write failed")
	}
	for _, e := range r.entries {
		if e.ID == input.EntryID {
			if e.PenaltyApplied {
				return errors.New("entry already penalized")
			}
			e.PenaltyApplied = true
		}
	}
	r.nextID++
	r.entries = append(r.entries, &credit.LedgerEntry{
		ID:         r.nextID,
		MemberID:   input.MemberID,
		Type:       credit.EntryPenalty,
		Amount:     input.Amount,
		PaidAmount: decimal.Zero,
		Status:     credit.StatusPending,
		PostedAt:   input.AsOf,
		Notes:      input.Notes,
	})
	return nil
}

func (r *memoryPenaltyRepo) ListAccruable(ctx context.Context, memberID int64, cutoff time.Time) ([]credit.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []credit.LedgerEntry
	for _, e := range r.entries {
		if e.MemberID != memberID || e.Type == credit.EntryPayment {
			continue
		}
		if !e.Outstanding().IsPositive() || !e.PostedAt.Before(cutoff) {
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

func (r *memoryPenaltyRepo) ApplyInterest(ctx context.Context, memberID int64, amount decimal.Decimal, asOf time.Time, notes string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failInterestFor[memberID] {
		return errors.New("interest write failed")
	}
	r.nextID++
	r.entries = append(r.entries, &credit.LedgerEntry{
		ID:         r.nextID,
		MemberID:   memberID,
		Type:       credit.EntryInterest,
		Amount:     amount,
		PaidAmount: decimal.Zero,
		Status:     credit.StatusPending,
		PostedAt:   asOf,
		Notes:      notes,
	})
	return nil
}

func (r *memoryPenaltyRepo) ApplyLateFee(ctx context.Context, memberID int64, amount decimal.Decimal, periodKey string, asOf time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := periodKey + "/" + decimal.NewFromInt(memberID).String()
	if r.lateFees[k] {
		return ErrLateFeeAlreadyApplied
	}
	r.lateFees[k] = true
	r.nextID++
	r.entries = append(r.entries, &credit.LedgerEntry{
		ID:         r.nextID,
		MemberID:   memberID,
		Type:       credit.EntryPenalty,
		Amount:     amount,
		PaidAmount: decimal.Zero,
		Status:     credit.StatusPending,
		PostedAt:   asOf,
	})
	return nil
}

func (r *memoryPenaltyRepo) OldestUnpaidSpent(ctx context.Context, memberID int64) (*credit.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var oldest *credit.LedgerEntry
	for _, e := range r.entries {
		if e.MemberID != memberID || e.Type != credit.EntrySpent || !e.Outstanding().IsPositive() {
			continue
		}
		if oldest == nil || e.PostedAt.Before(oldest.PostedAt) {
			oldest = e
		}
	}
	if oldest == nil {
		return nil, nil
	}
	copied := *oldest
	return &copied, nil
}

func (r *memoryPenaltyRepo) MembersNearingPenalty(ctx context.Context, asOf, until time.Time, defaultDueDays int) ([]NearingPenalty, error) {
	return r.nearing, nil
}

func (r *memoryPenaltyRepo) countType(memberID int64, typ credit.EntryType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.MemberID == memberID && e.Type == typ {
			n++
		}
	}
	return n
}

type staticSettings struct {
	cfg settings.CreditSettings
}

func (s staticSettings) Get(ctx context.Context) (settings.CreditSettings, error) {
	return s.cfg, nil
}

type staticMembers struct {
	ids []int64
}

func (m staticMembers) ListActiveMemberIDs(ctx context.Context) ([]int64, error) {
	return m.ids, nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testSettings() settings.CreditSettings {
	cfg := settings.Defaults()
	cfg.InterestRate = dec("2")
	cfg.GracePeriodDays = 30
	cfg.CreditDueDays = 30
	cfg.CreditPenaltyType = settings.PenaltyFixed
	cfg.CreditPenaltyValue = dec("20")
	cfg.LateFeeAmount = dec("5")
	cfg.LateFeePercentage = decimal.Zero
	return cfg
}

func newPenaltyService(repo *memoryPenaltyRepo, cfg settings.CreditSettings, memberIDs ...int64) *Service {
	return NewService(repo, staticSettings{cfg: cfg}, staticMembers{ids: memberIDs}, nil, slog.Default())
}

func TestApplyProductCreditPenaltiesAtMostOnce(t *testing.T) {
	repo := newMemoryPenaltyRepo()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.addSpent(1, "100", base)

	svc := newPenaltyService(repo, testSettings())

	// One day past the 30-day due window.
	asOf := base.AddDate(0, 0, 31)
	first, err := svc.ApplyProductCreditPenalties(context.Background(), asOf)
	require.NoError(t, err)
	require.Equal(t, 1, first.Applied)
	require.Equal(t, 1, first.MembersProcessed)
	require.True(t, first.Amount.Equal(dec("20")))
	require.Equal(t, 1, repo.countType(1, credit.EntryPenalty))

	// Rerun on the same state must be a no-op.
	second, err := svc.ApplyProductCreditPenalties(context.Background(), asOf.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Equal(t, 0, second.Applied)
	require.Equal(t, 1, repo.countType(1, credit.EntryPenalty))
}

func TestApplyProductCreditPenaltiesNotYetDue(t *testing.T) {
	repo := newMemoryPenaltyRepo()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.addSpent(1, "100", base)

	svc := newPenaltyService(repo, testSettings())
	result, err := svc.ApplyProductCreditPenalties(context.Background(), base.AddDate(0, 0, 30))
	require.NoError(t, err)
	require.Equal(t, 0, result.Applied)
	require.Equal(t, 0, repo.countType(1, credit.EntryPenalty))
}

func TestApplyProductCreditPenaltiesProductOverride(t *testing.T) {
	repo := newMemoryPenaltyRepo()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := repo.addSpent(1, "200", base)

	// Product policy: due in 10 days, 5% of outstanding.
	dueDays := 10
	pct := settings.PenaltyPercentage
	value := dec("5")
	repo.policies[e.ID] = policy{dueDays: &dueDays, penaltyType: &pct, penaltyValue: &value}

	svc := newPenaltyService(repo, testSettings())
	result, err := svc.ApplyProductCreditPenalties(context.Background(), base.AddDate(0, 0, 11))
	require.NoError(t, err)
	require.Equal(t, 1, result.Applied)
	require.True(t, result.Amount.Equal(dec("10")), "5%% of 200 outstanding")
}

func TestApplyProductCreditPenaltiesFailureTolerated(t *testing.T) {
	repo := newMemoryPenaltyRepo()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bad := repo.addSpent(1, "100", base)
	repo.addSpent(2, "100", base)
	repo.failPenaltyFor[bad.ID] = true

	svc := newPenaltyService(repo, testSettings())
	result, err := svc.ApplyProductCreditPenalties(context.Background(), base.AddDate(0, 0, 31))
	require.NoError(t, err, "one member's failure must not abort the sweep")
	require.Equal(t, 2, result.MembersProcessed)
	require.Equal(t, 1, result.Applied)
	require.Equal(t, 1, result.Failed)
	require.Equal(t, 1, repo.countType(2, credit.EntryPenalty))
	require.Equal(t, 0, repo.countType(1, credit.EntryPenalty))
}

func TestPenaltyAmount(t *testing.T) {
	cfg := testSettings()

	fixed := penaltyAmount(OverdueCandidate{Entry: credit.LedgerEntry{Amount: dec("100")}}, cfg)
	require.True(t, fixed.Equal(dec("20")))

	pct := settings.PenaltyPercentage
	value := dec("12.5")
	c := OverdueCandidate{
		Entry:        credit.LedgerEntry{Amount: dec("80"), PaidAmount: dec("30")},
		PenaltyType:  &pct,
		PenaltyValue: &value,
	}
	require.True(t, penaltyAmount(c, cfg).Equal(dec("6.25")), "12.5%% of 50 outstanding")
}

func TestCalculateInterestSkipsGracePeriod(t *testing.T) {
	repo := newMemoryPenaltyRepo()
	asOf := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	repo.addSpent(1, "100", asOf.AddDate(0, 0, -40)) // past grace, accrues
	repo.addSpent(1, "50", asOf.AddDate(0, 0, -10))  // inside grace, skipped

	svc := newPenaltyService(repo, testSettings())
	total, err := svc.CalculateInterest(context.Background(), 1, asOf)
	require.NoError(t, err)
	require.True(t, total.Equal(dec("2")), "2%% of the 100 outstanding past grace")
	require.Equal(t, 0, repo.countType(1, credit.EntryInterest), "calculation must not post")
}

func TestCalculateInterestPartiallyPaid(t *testing.T) {
	repo := newMemoryPenaltyRepo()
	asOf := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	e := repo.addSpent(1, "100", asOf.AddDate(0, 0, -40))
	e.PaidAmount = dec("60")
	e.Status = credit.StatusPartiallyPaid

	svc := newPenaltyService(repo, testSettings())
	total, err := svc.CalculateInterest(context.Background(), 1, asOf)
	require.NoError(t, err)
	require.True(t, total.Equal(dec("0.80")), "interest runs on the unpaid remainder only")
}

func TestApplyInterestPostsDebit(t *testing.T) {
	repo := newMemoryPenaltyRepo()
	asOf := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	repo.addSpent(1, "100", asOf.AddDate(0, 0, -40))

	svc := newPenaltyService(repo, testSettings())
	amount, err := svc.ApplyInterest(context.Background(), 1, asOf)
	require.NoError(t, err)
	require.True(t, amount.Equal(dec("2")))
	require.Equal(t, 1, repo.countType(1, credit.EntryInterest))
}

func TestApplyInterestZeroRate(t *testing.T) {
	repo := newMemoryPenaltyRepo()
	asOf := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	repo.addSpent(1, "100", asOf.AddDate(0, 0, -40))

	cfg := testSettings()
	cfg.InterestRate = decimal.Zero
	svc := newPenaltyService(repo, cfg)

	amount, err := svc.ApplyInterest(context.Background(), 1, asOf)
	require.NoError(t, err)
	require.True(t, amount.IsZero())
	require.Equal(t, 0, repo.countType(1, credit.EntryInterest))
}

func TestProcessLateFeesOncePerPeriod(t *testing.T) {
	repo := newMemoryPenaltyRepo()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.addSpent(1, "100", base)

	svc := newPenaltyService(repo, testSettings())

	// Past due days plus grace.
	asOf := base.AddDate(0, 0, 61)
	require.NoError(t, svc.ProcessLateFees(context.Background(), 1, asOf))
	require.Equal(t, 1, repo.countType(1, credit.EntryPenalty))

	// Same billing period: silently deduplicated.
	require.NoError(t, svc.ProcessLateFees(context.Background(), 1, asOf.AddDate(0, 0, 3)))
	require.Equal(t, 1, repo.countType(1, credit.EntryPenalty))

	// Next billing period charges again.
	require.NoError(t, svc.ProcessLateFees(context.Background(), 1, asOf.AddDate(0, 1, 0)))
	require.Equal(t, 2, repo.countType(1, credit.EntryPenalty))
}

func TestProcessLateFeesNotYetLate(t *testing.T) {
	repo := newMemoryPenaltyRepo()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.addSpent(1, "100", base)

	svc := newPenaltyService(repo, testSettings())
	require.NoError(t, svc.ProcessLateFees(context.Background(), 1, base.AddDate(0, 0, 60)))
	require.Equal(t, 0, repo.countType(1, credit.EntryPenalty))
}

func TestProcessLateFeesPercentagePart(t *testing.T) {
	repo := newMemoryPenaltyRepo()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.addSpent(1, "200", base)

	cfg := testSettings()
	cfg.LateFeePercentage = dec("1.5")
	svc := newPenaltyService(repo, cfg)

	require.NoError(t, svc.ProcessLateFees(context.Background(), 1, base.AddDate(0, 0, 61)))

	repo.mu.Lock()
	defer repo.mu.Unlock()
	var fee *credit.LedgerEntry
	for _, e := range repo.entries {
		if e.Type == credit.EntryPenalty {
			fee = e
		}
	}
	require.NotNil(t, fee)
	require.True(t, fee.Amount.Equal(dec("8")), "5 flat plus 1.5%% of 200")
}

func TestProcessLateFeesNoDebt(t *testing.T) {
	repo := newMemoryPenaltyRepo()
	svc := newPenaltyService(repo, testSettings())
	require.NoError(t, svc.ProcessLateFees(context.Background(), 1, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)))
	require.Empty(t, repo.entries)
}

func TestSweepInterestToleratesMemberFailure(t *testing.T) {
	repo := newMemoryPenaltyRepo()
	asOf := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	repo.addSpent(1, "100", asOf.AddDate(0, 0, -40))
	repo.addSpent(2, "50", asOf.AddDate(0, 0, -40))
	repo.addSpent(3, "25", asOf.AddDate(0, 0, -40))
	repo.failInterestFor[2] = true

	svc := newPenaltyService(repo, testSettings(), 1, 2, 3)
	result, err := svc.SweepInterest(context.Background(), asOf)
	require.NoError(t, err)
	require.Equal(t, 3, result.MembersProcessed)
	require.Equal(t, 2, result.Applied)
	require.Equal(t, 1, result.Failed)
	require.True(t, result.Amount.Equal(dec("2.50")), "2 on member 1 plus 0.50 on member 3")
}

func TestSweepLateFees(t *testing.T) {
	repo := newMemoryPenaltyRepo()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.addSpent(1, "100", base)
	repo.addSpent(2, "100", base.AddDate(0, 0, 59)) // not late yet

	svc := newPenaltyService(repo, testSettings(), 1, 2)
	result, err := svc.SweepLateFees(context.Background(), base.AddDate(0, 0, 61))
	require.NoError(t, err)
	require.Equal(t, 2, result.MembersProcessed)
	require.Equal(t, 1, repo.countType(1, credit.EntryPenalty))
	require.Equal(t, 0, repo.countType(2, credit.EntryPenalty))
}

func TestMembersNearingPenaltyDefaults(t *testing.T) {
	repo := newMemoryPenaltyRepo()
	repo.nearing = []NearingPenalty{{MemberID: 1, MemberName: "Member", CreditAmount: dec("40")}}

	svc := newPenaltyService(repo, testSettings())
	rows, err := svc.MembersNearingPenalty(context.Background(), 0, time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, int64(1), rows[0].MemberID)
}
