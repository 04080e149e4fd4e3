package penalty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/coopcredit/coopcredit/internal/credit"
	"github.com/coopcredit/coopcredit/internal/settings"
)

// ErrLateFeeAlreadyApplied indicates the member already carries a late fee for
// the billing period.
var ErrLateFeeAlreadyApplied = errors.New("penalty: late fee already applied for period")

const sweepConcurrency = 4

var oneHundred = decimal.NewFromInt(100)

// RepositoryPort defines data access for the interest and penalty processor.
type RepositoryPort interface {
	ListOverdueCandidates(ctx context.Context, asOf time.Time, defaultDueDays int) ([]OverdueCandidate, error)
	ApplyPenalty(ctx context.Context, input ApplyPenaltyInput) error
	ListAccruable(ctx context.Context, memberID int64, cutoff time.Time) ([]credit.LedgerEntry, error)
	ApplyInterest(ctx context.Context, memberID int64, amount decimal.Decimal, asOf time.Time, notes string) error
	ApplyLateFee(ctx context.Context, memberID int64, amount decimal.Decimal, periodKey string, asOf time.Time) error
	OldestUnpaidSpent(ctx context.Context, memberID int64) (*credit.LedgerEntry, error)
	MembersNearingPenalty(ctx context.Context, asOf, until time.Time, defaultDueDays int) ([]NearingPenalty, error)
}

// SettingsPort supplies the credit settings singleton.
type SettingsPort interface {
	Get(ctx context.Context) (settings.CreditSettings, error)
}

// MembersPort lists members eligible for sweeps.
type MembersPort interface {
	ListActiveMemberIDs(ctx context.Context) ([]int64, error)
}

// Notifier delivers penalty notifications. Fire-and-forget: failures never
// roll back the financial mutation.
type Notifier interface {
	PenaltyApplied(ctx context.Context, memberID int64, name, email string, amount decimal.Decimal)
}

// Service applies interest accrual, per-product overdue penalties and
// member-level late fees over the credit ledger.
type Service struct {
	repo     RepositoryPort
	settings SettingsPort
	members  MembersPort
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, settings SettingsPort, members MembersPort, notifier Notifier, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		settings: settings,
		members:  members,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// round2 is the single rounding rule for computed surcharges: half away from
// zero to 2 places.
func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// CalculateInterest computes one billing period of interest over the member's
// Spent entries older than the grace period, without posting anything.
func (s *Service) CalculateInterest(ctx context.Context, memberID int64, asOf time.Time) (decimal.Decimal, error) {
	cfg, err := s.settings.Get(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if asOf.IsZero() {
		asOf = s.now()
	}
	if !cfg.InterestRate.IsPositive() {
		return decimal.Zero, nil
	}

	cutoff := asOf.AddDate(0, 0, -cfg.GracePeriodDays)
	entries, err := s.repo.ListAccruable(ctx, memberID, cutoff)
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(round2(e.Outstanding().Mul(cfg.InterestRate).Div(oneHundred)))
	}
	return total, nil
}

// ApplyInterest posts the computed interest as a new Interest ledger debit.
// It charges one period per invocation; the scheduler owns the cadence.
func (s *Service) ApplyInterest(ctx context.Context, memberID int64, asOf time.Time) (decimal.Decimal, error) {
	if asOf.IsZero() {
		asOf = s.now()
	}
	total, err := s.CalculateInterest(ctx, memberID, asOf)
	if err != nil {
		return decimal.Zero, err
	}
	if !total.IsPositive() {
		return decimal.Zero, nil
	}
	notes := fmt.Sprintf("interest accrued for period ending %s", asOf.Format("2006-01-02"))
	if err := s.repo.ApplyInterest(ctx, memberID, total, asOf, notes); err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

// penaltyAmount resolves the effective penalty policy for one candidate.
func penaltyAmount(c OverdueCandidate, cfg settings.CreditSettings) decimal.Decimal {
	penaltyType := cfg.CreditPenaltyType
	if c.PenaltyType != nil {
		penaltyType = *c.PenaltyType
	}
	value := cfg.CreditPenaltyValue
	if c.PenaltyValue != nil {
		value = *c.PenaltyValue
	}
	if penaltyType == settings.PenaltyPercentage {
		return round2(c.Entry.Outstanding().Mul(value).Div(oneHundred))
	}
	return round2(value)
}

// ApplyProductCreditPenalties sweeps the ledger for overdue Spent entries and
// posts each product's penalty at most once. Entries already flagged are
// filtered at the source, so a rerun on the same state is a no-op.
func (s *Service) ApplyProductCreditPenalties(ctx context.Context, asOf time.Time) (SweepResult, error) {
	cfg, err := s.settings.Get(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	if asOf.IsZero() {
		asOf = s.now()
	}

	candidates, err := s.repo.ListOverdueCandidates(ctx, asOf, cfg.CreditDueDays)
	if err != nil {
		return SweepResult{}, err
	}

	result := SweepResult{Amount: decimal.Zero}
	seen := make(map[int64]struct{})
	for _, c := range candidates {
		if _, ok := seen[c.Entry.MemberID]; !ok {
			seen[c.Entry.MemberID] = struct{}{}
			result.MembersProcessed++
		}

		amount := penaltyAmount(c, cfg)
		if !amount.IsPositive() {
			continue
		}
		input := ApplyPenaltyInput{
			EntryID:  c.Entry.ID,
			MemberID: c.Entry.MemberID,
			Amount:   amount,
			AsOf:     asOf,
			Notes:    fmt.Sprintf("overdue penalty on ledger entry %d", c.Entry.ID),
		}
		if err := s.repo.ApplyPenalty(ctx, input); err != nil {
			result.Failed++
			s.logger.Error("apply product credit penalty",
				slog.Int64("member_id", c.Entry.MemberID),
				slog.Int64("entry_id", c.Entry.ID),
				slog.Any("error", err),
			)
			continue
		}
		result.Applied++
		result.Amount = result.Amount.Add(amount)
		if s.notifier != nil {
			s.notifier.PenaltyApplied(ctx, c.Entry.MemberID, c.MemberName, c.MemberEmail, amount)
		}
	}

	s.logger.Info("product credit penalty sweep finished",
		slog.Int("members", result.MembersProcessed),
		slog.Int("applied", result.Applied),
		slog.Int("failed", result.Failed),
		slog.String("amount", result.Amount.StringFixed(2)),
	)
	return result, nil
}

// ProcessLateFees charges the member-level late fee once per billing period
// when the oldest unpaid purchase has aged past due date plus grace.
func (s *Service) ProcessLateFees(ctx context.Context, memberID int64, asOf time.Time) error {
	cfg, err := s.settings.Get(ctx)
	if err != nil {
		return err
	}
	if asOf.IsZero() {
		asOf = s.now()
	}

	oldest, err := s.repo.OldestUnpaidSpent(ctx, memberID)
	if err != nil {
		return err
	}
	if oldest == nil {
		return nil
	}
	deadline := oldest.PostedAt.AddDate(0, 0, cfg.CreditDueDays+cfg.GracePeriodDays)
	if !asOf.After(deadline) {
		return nil
	}

	fee := cfg.LateFeeAmount
	if cfg.LateFeePercentage.IsPositive() {
		fee = fee.Add(round2(oldest.Outstanding().Mul(cfg.LateFeePercentage).Div(oneHundred)))
	}
	if !fee.IsPositive() {
		return nil
	}

	periodKey := asOf.Format("2006-01")
	err = s.repo.ApplyLateFee(ctx, memberID, fee, periodKey, asOf)
	if errors.Is(err, ErrLateFeeAlreadyApplied) {
		return nil
	}
	return err
}

// MembersNearingPenalty surfaces members whose earliest unpenalized entry
// crosses its due date within daysAhead days. Read-only.
func (s *Service) MembersNearingPenalty(ctx context.Context, daysAhead int, asOf time.Time) ([]NearingPenalty, error) {
	cfg, err := s.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	if asOf.IsZero() {
		asOf = s.now()
	}
	if daysAhead <= 0 {
		daysAhead = 7
	}
	return s.repo.MembersNearingPenalty(ctx, asOf, asOf.AddDate(0, 0, daysAhead), cfg.CreditDueDays)
}

// SweepInterest applies interest accrual across all active members. Member
// failures are counted and logged, never fatal for the rest of the batch.
func (s *Service) SweepInterest(ctx context.Context, asOf time.Time) (SweepResult, error) {
	ids, err := s.members.ListActiveMemberIDs(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	if asOf.IsZero() {
		asOf = s.now()
	}

	var mu sync.Mutex
	result := SweepResult{Amount: decimal.Zero}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			amount, err := s.ApplyInterest(ctx, id, asOf)
			mu.Lock()
			defer mu.Unlock()
			result.MembersProcessed++
			if err != nil {
				result.Failed++
				s.logger.Error("apply interest", slog.Int64("member_id", id), slog.Any("error", err))
				return nil
			}
			if amount.IsPositive() {
				result.Applied++
				result.Amount = result.Amount.Add(amount)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	s.logger.Info("interest sweep finished",
		slog.Int("members", result.MembersProcessed),
		slog.Int("applied", result.Applied),
		slog.Int("failed", result.Failed),
		slog.String("amount", result.Amount.StringFixed(2)),
	)
	return result, nil
}

// SweepLateFees runs ProcessLateFees across all active members.
func (s *Service) SweepLateFees(ctx context.Context, asOf time.Time) (SweepResult, error) {
	ids, err := s.members.ListActiveMemberIDs(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	result := SweepResult{Amount: decimal.Zero}
	for _, id := range ids {
		result.MembersProcessed++
		if err := s.ProcessLateFees(ctx, id, asOf); err != nil {
			result.Failed++
			s.logger.Error("process late fees", slog.Int64("member_id", id), slog.Any("error", err))
			continue
		}
	}
	return result, nil
}
