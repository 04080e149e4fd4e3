package credit

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coopcredit/coopcredit/internal/members"
	"github.com/coopcredit/coopcredit/internal/platform/db"
)

const pgUniqueViolation = "23505"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Ensure implementation.
var (
	_ RepositoryPort = (*Repository)(nil)
	_ TxRepository   = (*txRepository)(nil)
)

// Repository provides PostgreSQL backed persistence for the credit ledger.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx wraps fn in a repeatable-read transaction. All payment allocation
// runs through here so either every touched row commits or none do.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{q: tx})
	})
}

const selectEntry = `
	SELECT id, member_id, entry_type, amount, paid_amount, status,
		related_transaction_id, posted_at, penalty_applied, notes
	FROM credit_ledger`

func scanEntries(rows pgx.Rows) ([]LedgerEntry, error) {
	defer rows.Close()
	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(
			&e.ID, &e.MemberID, &e.Type, &e.Amount, &e.PaidAmount, &e.Status,
			&e.RelatedTransactionID, &e.PostedAt, &e.PenaltyApplied, &e.Notes,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListLedger returns all ledger entries for a member in posting order.
func (r *Repository) ListLedger(ctx context.Context, memberID int64) ([]LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, selectEntry+` WHERE member_id = $1 ORDER BY posted_at, id`, memberID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// ListSchedule returns the member's installment rows ordered by due date.
func (r *Repository) ListSchedule(ctx context.Context, memberID int64) ([]ScheduleEntry, error) {
	return listSchedule(ctx, r.pool, `WHERE member_id = $1 ORDER BY due_date, installment_no`, memberID)
}

// SumOutstanding computes the running balance: unpaid face value across all
// debt-creating entries.
func (r *Repository) SumOutstanding(ctx context.Context, memberID int64) (decimal.Decimal, error) {
	return sumOutstanding(ctx, r.pool, memberID)
}

// MarkPaymentRequestCompleted flips the originating payment-request row to
// COMPLETED. Runs outside the allocation transaction: its failure must not
// undo a committed payment.
func (r *Repository) MarkPaymentRequestCompleted(ctx context.Context, requestID int64) error {
	result, err := r.pool.Exec(ctx,
		`UPDATE payment_requests SET status = 'COMPLETED', updated_at = NOW() WHERE id = $1 AND status = 'PENDING'`,
		requestID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return errors.New("credit: payment request not found or not pending")
	}
	return nil
}

func sumOutstanding(ctx context.Context, q querier, memberID int64) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := q.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount - paid_amount), 0)
		FROM credit_ledger
		WHERE member_id = $1 AND entry_type <> $2`,
		memberID, string(EntryPayment),
	).Scan(&sum)
	if err != nil {
		return decimal.Zero, err
	}
	return sum, nil
}

func listSchedule(ctx context.Context, q querier, where string, args ...any) ([]ScheduleEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT id, transaction_id, member_id, installment_no, total_installments,
			amount, paid_amount, due_date, status
		FROM payment_schedule `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ScheduleEntry
	for rows.Next() {
		var s ScheduleEntry
		if err := rows.Scan(
			&s.ID, &s.TransactionID, &s.MemberID, &s.InstallmentNumber, &s.TotalInstallments,
			&s.Amount, &s.PaidAmount, &s.DueDate, &s.Status,
		); err != nil {
			return nil, err
		}
		entries = append(entries, s)
	}
	return entries, rows.Err()
}

type txRepository struct {
	q pgx.Tx
}

// LockMemberCredit takes the member row lock that serializes concurrent
// allocations for the same member.
func (t *txRepository) LockMemberCredit(ctx context.Context, memberID int64) (*members.Member, error) {
	var m members.Member
	err := t.q.QueryRow(ctx, `
		SELECT id, name, email, status, credit_limit, credit_balance, created_at, updated_at
		FROM members
		WHERE id = $1
		FOR UPDATE`, memberID,
	).Scan(&m.ID, &m.Name, &m.Email, &m.Status, &m.CreditLimit, &m.CreditBalance, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, members.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListOutstandingEntries returns the member's unpaid debt entries oldest
// first, locked for the duration of the allocation.
func (t *txRepository) ListOutstandingEntries(ctx context.Context, memberID int64) ([]LedgerEntry, error) {
	rows, err := t.q.Query(ctx, selectEntry+`
		WHERE member_id = $1 AND entry_type <> $2 AND status <> $3
		ORDER BY posted_at, id
		FOR UPDATE`,
		memberID, string(EntryPayment), string(StatusPaid))
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (t *txRepository) SumOutstanding(ctx context.Context, memberID int64) (decimal.Decimal, error) {
	return sumOutstanding(ctx, t.q, memberID)
}

func (t *txRepository) InsertEntry(ctx context.Context, input InsertEntryInput) (*LedgerEntry, error) {
	entry := LedgerEntry{
		MemberID:             input.MemberID,
		Type:                 input.Type,
		Amount:               input.Amount,
		PaidAmount:           input.PaidAmount,
		Status:               input.Status,
		RelatedTransactionID: input.RelatedTransactionID,
		PostedAt:             input.PostedAt,
		Notes:                input.Notes,
	}
	err := t.q.QueryRow(ctx, `
		INSERT INTO credit_ledger (
			member_id, entry_type, amount, paid_amount, status,
			related_transaction_id, posted_at, penalty_applied, notes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
		RETURNING id`,
		input.MemberID, string(input.Type), input.Amount, input.PaidAmount,
		string(input.Status), input.RelatedTransactionID, input.PostedAt, input.Notes,
	).Scan(&entry.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrDuplicateSale
		}
		return nil, err
	}
	return &entry, nil
}

// AddEntryPaid increases the entry's paid amount. The guard in the WHERE
// clause refuses any update that would push paid amount past the face value.
func (t *txRepository) AddEntryPaid(ctx context.Context, entryID int64, delta decimal.Decimal, status EntryStatus) error {
	result, err := t.q.Exec(ctx, `
		UPDATE credit_ledger
		SET paid_amount = paid_amount + $2, status = $3
		WHERE id = $1 AND paid_amount + $2 <= amount`,
		entryID, delta, string(status))
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("credit: entry %d: paid amount would exceed face value", entryID)
	}
	return nil
}

func (t *txRepository) ListUnpaidSchedule(ctx context.Context, transactionID int64) ([]ScheduleEntry, error) {
	return listSchedule(ctx, t.q,
		`WHERE transaction_id = $1 AND status <> $2 ORDER BY installment_no FOR UPDATE`,
		transactionID, string(SchedulePaid))
}

func (t *txRepository) AddSchedulePaid(ctx context.Context, scheduleID int64, delta decimal.Decimal, status ScheduleStatus) error {
	result, err := t.q.Exec(ctx, `
		UPDATE payment_schedule
		SET paid_amount = paid_amount + $2, status = $3
		WHERE id = $1 AND paid_amount + $2 <= amount`,
		scheduleID, delta, string(status))
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("credit: installment %d: paid amount would exceed face value", scheduleID)
	}
	return nil
}

func (t *txRepository) InsertSchedule(ctx context.Context, input InsertScheduleInput) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO payment_schedule (
			transaction_id, member_id, installment_no, total_installments,
			amount, paid_amount, due_date, status
		) VALUES ($1, $2, $3, $4, $5, 0, $6, $7)`,
		input.TransactionID, input.MemberID, input.InstallmentNumber,
		input.TotalInstallments, input.Amount, input.DueDate, string(SchedulePending))
	return err
}

func (t *txRepository) UpdateMemberBalance(ctx context.Context, memberID int64, balance decimal.Decimal) error {
	_, err := t.q.Exec(ctx,
		`UPDATE members SET credit_balance = $2, updated_at = NOW() WHERE id = $1`,
		memberID, balance)
	return err
}
