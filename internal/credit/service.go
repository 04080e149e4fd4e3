package credit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coopcredit/coopcredit/internal/members"
)

var (
	ErrMemberNotFound      = errors.New("credit: member not found")
	ErrMemberInactive      = errors.New("credit: member not active")
	ErrInvalidAmount       = errors.New("credit: amount must be positive")
	ErrOverpayment         = errors.New("credit: amount exceeds outstanding debt")
	ErrCreditLimitExceeded = errors.New("credit: credit limit exceeded")
	ErrDuplicateSale       = errors.New("credit: transaction already recorded")
)

// RepositoryPort defines data access methods for the credit ledger.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error
	ListLedger(ctx context.Context, memberID int64) ([]LedgerEntry, error)
	ListSchedule(ctx context.Context, memberID int64) ([]ScheduleEntry, error)
	SumOutstanding(ctx context.Context, memberID int64) (decimal.Decimal, error)
	MarkPaymentRequestCompleted(ctx context.Context, requestID int64) error
}

// TxRepository defines ledger operations within a transaction. LockMemberCredit
// must be called first: the member row lock serializes concurrent allocations
// for the same member.
type TxRepository interface {
	LockMemberCredit(ctx context.Context, memberID int64) (*members.Member, error)
	ListOutstandingEntries(ctx context.Context, memberID int64) ([]LedgerEntry, error)
	SumOutstanding(ctx context.Context, memberID int64) (decimal.Decimal, error)
	InsertEntry(ctx context.Context, input InsertEntryInput) (*LedgerEntry, error)
	AddEntryPaid(ctx context.Context, entryID int64, delta decimal.Decimal, status EntryStatus) error
	ListUnpaidSchedule(ctx context.Context, transactionID int64) ([]ScheduleEntry, error)
	AddSchedulePaid(ctx context.Context, scheduleID int64, delta decimal.Decimal, status ScheduleStatus) error
	InsertSchedule(ctx context.Context, input InsertScheduleInput) error
	UpdateMemberBalance(ctx context.Context, memberID int64, balance decimal.Decimal) error
}

// Notifier delivers member notifications after financial events. Failures are
// logged and never roll back the underlying mutation.
type Notifier interface {
	PaymentReceived(ctx context.Context, member members.Member, amount, newBalance decimal.Decimal)
}

// Service implements payment allocation, balance computation and
// synchronization over the credit ledger.
type Service struct {
	repo      RepositoryPort
	notifier  Notifier
	logger    *slog.Logger
	now       func() time.Time
	txTimeout time.Duration
}

// ServiceOption configures optional Service behaviour.
type ServiceOption func(*Service)

// WithPaymentTxTimeout bounds the payment allocation transaction. Zero leaves
// the transaction bounded only by the caller's context.
func WithPaymentTxTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		s.txTimeout = d
	}
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, notifier Notifier, logger *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		repo:     repo,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ApplyPayment distributes an incoming payment across the member's outstanding
// ledger entries, oldest debt first. All ledger and schedule mutations plus the
// member balance writeback commit in a single transaction.
func (s *Service) ApplyPayment(ctx context.Context, input ApplyPaymentInput) (PaymentResult, error) {
	if input.MemberID == 0 {
		return PaymentResult{}, ErrMemberNotFound
	}
	if !input.Full && !input.Amount.IsPositive() {
		return PaymentResult{}, ErrInvalidAmount
	}

	// The allocation transaction is bounded so a stuck lock cannot hold the
	// member row indefinitely. Post-commit work runs on the caller's context.
	txCtx := ctx
	if s.txTimeout > 0 {
		var cancel context.CancelFunc
		txCtx, cancel = context.WithTimeout(ctx, s.txTimeout)
		defer cancel()
	}

	var result PaymentResult
	var member members.Member
	err := s.repo.WithTx(txCtx, func(ctx context.Context, tx TxRepository) error {
		m, err := tx.LockMemberCredit(ctx, input.MemberID)
		if err != nil {
			if errors.Is(err, members.ErrNotFound) {
				return ErrMemberNotFound
			}
			return err
		}
		member = *m

		entries, err := tx.ListOutstandingEntries(ctx, input.MemberID)
		if err != nil {
			return err
		}

		outstanding := decimal.Zero
		for _, e := range entries {
			outstanding = outstanding.Add(e.Outstanding())
		}

		amount := input.Amount
		if input.Full {
			amount = outstanding
		}

		if outstanding.IsZero() {
			// Nothing owed: the payment resolves to a no-op regardless of the
			// requested amount.
			result = PaymentResult{Applied: decimal.Zero, NewBalance: decimal.Zero}
			return nil
		}
		if amount.GreaterThan(outstanding) {
			return ErrOverpayment
		}

		remaining := amount
		for _, e := range entries {
			if !remaining.IsPositive() {
				break
			}
			applied := decimal.Min(remaining, e.Outstanding())
			newPaid := e.PaidAmount.Add(applied)
			if err := tx.AddEntryPaid(ctx, e.ID, applied, StatusFor(e.Amount, newPaid)); err != nil {
				return err
			}
			if e.Type == EntrySpent && e.RelatedTransactionID != nil {
				if err := s.applyToSchedule(ctx, tx, *e.RelatedTransactionID, applied); err != nil {
					return err
				}
			}
			result.AppliedPayments = append(result.AppliedPayments, AppliedPayment{
				EntryID:   e.ID,
				EntryType: e.Type,
				Amount:    applied,
			})
			remaining = remaining.Sub(applied)
		}

		notes := input.Notes
		if notes == "" {
			notes = "member payment"
		}
		if input.Reference != "" {
			notes = fmt.Sprintf("%s (ref %s)", notes, input.Reference)
		}
		payment, err := tx.InsertEntry(ctx, InsertEntryInput{
			MemberID:   input.MemberID,
			Type:       EntryPayment,
			Amount:     amount,
			PaidAmount: amount,
			Status:     StatusPaid,
			PostedAt:   s.now(),
			Notes:      notes,
		})
		if err != nil {
			return err
		}

		balance, err := tx.SumOutstanding(ctx, input.MemberID)
		if err != nil {
			return err
		}
		if err := tx.UpdateMemberBalance(ctx, input.MemberID, balance); err != nil {
			return err
		}

		result.PaymentEntryID = payment.ID
		result.Applied = amount
		result.NewBalance = balance
		return nil
	})
	if err != nil {
		return PaymentResult{}, err
	}

	// The money movement is committed. A failed request-status update is not
	// rolled back; it is escalated as a partial success for reconciliation.
	if input.RequestID != nil && result.Applied.IsPositive() {
		if err := s.repo.MarkPaymentRequestCompleted(ctx, *input.RequestID); err != nil {
			s.logger.Error("payment committed but request status update failed",
				slog.Int64("member_id", input.MemberID),
				slog.Int64("request_id", *input.RequestID),
				slog.Int64("payment_entry_id", result.PaymentEntryID),
				slog.Any("error", err),
			)
			result.Partial = true
			result.Message = "payment applied but payment request status was not updated"
		}
	}

	if s.notifier != nil && result.Applied.IsPositive() {
		s.notifier.PaymentReceived(ctx, member, result.Applied, result.NewBalance)
	}

	return result, nil
}

// applyToSchedule walks the transaction's unpaid installments oldest first and
// absorbs the applied amount into them.
func (s *Service) applyToSchedule(ctx context.Context, tx TxRepository, transactionID int64, amount decimal.Decimal) error {
	rows, err := tx.ListUnpaidSchedule(ctx, transactionID)
	if err != nil {
		return err
	}
	remaining := amount
	for _, row := range rows {
		if !remaining.IsPositive() {
			break
		}
		applied := decimal.Min(remaining, row.Outstanding())
		newPaid := row.PaidAmount.Add(applied)
		status := SchedulePending
		if newPaid.GreaterThanOrEqual(row.Amount) {
			status = SchedulePaid
		}
		if err := tx.AddSchedulePaid(ctx, row.ID, applied, status); err != nil {
			return err
		}
		remaining = remaining.Sub(applied)
	}
	return nil
}

// GetRunningBalance computes the member's outstanding debt from the ledger:
// the sum of amount minus paid amount over all debt-creating entries. This is
// the single source of truth for how much a member owes.
func (s *Service) GetRunningBalance(ctx context.Context, memberID int64) (decimal.Decimal, error) {
	return s.repo.SumOutstanding(ctx, memberID)
}

// SynchronizeCreditBalance recomputes the running balance and writes it back
// to the member's cached balance field, returning the synchronized value.
func (s *Service) SynchronizeCreditBalance(ctx context.Context, memberID int64) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.LockMemberCredit(ctx, memberID); err != nil {
			if errors.Is(err, members.ErrNotFound) {
				return ErrMemberNotFound
			}
			return err
		}
		var err error
		balance, err = tx.SumOutstanding(ctx, memberID)
		if err != nil {
			return err
		}
		return tx.UpdateMemberBalance(ctx, memberID, balance)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

// RecordCreditSale posts a purchase-on-credit as a Spent ledger entry with its
// installment schedule, enforcing the member's credit limit.
func (s *Service) RecordCreditSale(ctx context.Context, input RecordCreditSaleInput) (*LedgerEntry, error) {
	if !input.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if input.Installments < 1 {
		input.Installments = 1
	}
	if input.TransactionID == 0 {
		return nil, fmt.Errorf("%w: transaction id required", ErrInvalidAmount)
	}

	var entry *LedgerEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		m, err := tx.LockMemberCredit(ctx, input.MemberID)
		if err != nil {
			if errors.Is(err, members.ErrNotFound) {
				return ErrMemberNotFound
			}
			return err
		}
		if m.Status != members.StatusActive {
			return ErrMemberInactive
		}

		outstanding, err := tx.SumOutstanding(ctx, input.MemberID)
		if err != nil {
			return err
		}
		if outstanding.Add(input.Amount).GreaterThan(m.CreditLimit) {
			return ErrCreditLimitExceeded
		}

		txID := input.TransactionID
		entry, err = tx.InsertEntry(ctx, InsertEntryInput{
			MemberID:             input.MemberID,
			Type:                 EntrySpent,
			Amount:               input.Amount,
			PaidAmount:           decimal.Zero,
			Status:               StatusPending,
			RelatedTransactionID: &txID,
			PostedAt:             s.now(),
			Notes:                input.Notes,
		})
		if err != nil {
			return err
		}

		firstDue := input.FirstDueDate
		if firstDue.IsZero() {
			firstDue = s.now().AddDate(0, 1, 0)
		}
		for i, amount := range splitInstallments(input.Amount, input.Installments) {
			if err := tx.InsertSchedule(ctx, InsertScheduleInput{
				TransactionID:     input.TransactionID,
				MemberID:          input.MemberID,
				InstallmentNumber: i + 1,
				TotalInstallments: input.Installments,
				Amount:            amount,
				DueDate:           firstDue.AddDate(0, i, 0),
			}); err != nil {
				return err
			}
		}

		return tx.UpdateMemberBalance(ctx, input.MemberID, outstanding.Add(input.Amount))
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// splitInstallments divides an amount into n 2-decimal parts that sum exactly
// to the original; the last installment absorbs the rounding remainder.
func splitInstallments(amount decimal.Decimal, n int) []decimal.Decimal {
	base := amount.Div(decimal.NewFromInt(int64(n))).RoundDown(2)
	parts := make([]decimal.Decimal, n)
	running := decimal.Zero
	for i := 0; i < n-1; i++ {
		parts[i] = base
		running = running.Add(base)
	}
	parts[n-1] = amount.Sub(running)
	return parts
}

// GetPaymentSchedule returns the member's installment rows.
func (s *Service) GetPaymentSchedule(ctx context.Context, memberID int64) ([]ScheduleEntry, error) {
	return s.repo.ListSchedule(ctx, memberID)
}

// GetLedger returns the member's full ledger history.
func (s *Service) GetLedger(ctx context.Context, memberID int64) ([]LedgerEntry, error) {
	return s.repo.ListLedger(ctx, memberID)
}
