package penalty

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coopcredit/coopcredit/internal/credit"
	"github.com/coopcredit/coopcredit/internal/platform/db"
	"github.com/coopcredit/coopcredit/internal/settings"
)

const pgUniqueViolation = "23505"

// Ensure implementation.
var _ RepositoryPort = (*Repository)(nil)

// Repository provides PostgreSQL backed persistence for penalty processing.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListOverdueCandidates finds unpaid, unpenalized Spent entries past their due
// date as of the given instant. The product policy is resolved through the
// originating transaction's items; the item with the earliest due date
// governs. Rows already flagged never come back, which is what makes a rerun
// of the sweep a no-op.
func (r *Repository) ListOverdueCandidates(ctx context.Context, asOf time.Time, defaultDueDays int) ([]OverdueCandidate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT e.id, e.member_id, e.entry_type, e.amount, e.paid_amount, e.status,
			e.related_transaction_id, e.posted_at, e.penalty_applied, e.notes,
			m.name, m.email,
			p.credit_due_days, p.credit_penalty_type, p.credit_penalty_value
		FROM credit_ledger e
		JOIN members m ON m.id = e.member_id
		LEFT JOIN LATERAL (
			SELECT pr.credit_due_days, pr.credit_penalty_type, pr.credit_penalty_value
			FROM transaction_items ti
			JOIN products pr ON pr.id = ti.product_id
			WHERE ti.transaction_id = e.related_transaction_id
			ORDER BY COALESCE(pr.credit_due_days, $2)
			LIMIT 1
		) p ON TRUE
		WHERE e.entry_type = 'SPENT'
			AND e.paid_amount < e.amount
			AND e.penalty_applied = FALSE
			AND e.posted_at + make_interval(days => COALESCE(p.credit_due_days, $2)) < $1
		ORDER BY e.member_id, e.posted_at, e.id`,
		asOf, defaultDueDays)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []OverdueCandidate
	for rows.Next() {
		var c OverdueCandidate
		var penaltyType *string
		if err := rows.Scan(
			&c.Entry.ID, &c.Entry.MemberID, &c.Entry.Type, &c.Entry.Amount,
			&c.Entry.PaidAmount, &c.Entry.Status, &c.Entry.RelatedTransactionID,
			&c.Entry.PostedAt, &c.Entry.PenaltyApplied, &c.Entry.Notes,
			&c.MemberName, &c.MemberEmail,
			&c.DueDays, &penaltyType, &c.PenaltyValue,
		); err != nil {
			return nil, err
		}
		if penaltyType != nil {
			pt := settings.PenaltyType(*penaltyType)
			c.PenaltyType = &pt
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// ApplyPenalty posts the penalty entry, flags the originating Spent entry and
// resynchronizes the member balance in one transaction. Flag and surcharge
// commit together or not at all.
func (r *Repository) ApplyPenalty(ctx context.Context, input ApplyPenaltyInput) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE credit_ledger SET penalty_applied = TRUE
			WHERE id = $1 AND penalty_applied = FALSE`,
			input.EntryID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("penalty: entry %d already penalized", input.EntryID)
		}
		if err := insertSurcharge(ctx, tx, input.MemberID, credit.EntryPenalty, input.Amount, input.AsOf, input.Notes); err != nil {
			return err
		}
		return syncMemberBalance(ctx, tx, input.MemberID)
	})
}

// ListAccruable returns outstanding Spent entries posted before the cutoff,
// i.e. those past the interest grace period.
func (r *Repository) ListAccruable(ctx context.Context, memberID int64, cutoff time.Time) ([]credit.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, member_id, entry_type, amount, paid_amount, status,
			related_transaction_id, posted_at, penalty_applied, notes
		FROM credit_ledger
		WHERE member_id = $1
			AND entry_type = 'SPENT'
			AND paid_amount < amount
			AND posted_at < $2
		ORDER BY posted_at, id`,
		memberID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []credit.LedgerEntry
	for rows.Next() {
		var e credit.LedgerEntry
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

// ApplyInterest posts the accrued amount as an Interest ledger debit and
// resynchronizes the member balance.
func (r *Repository) ApplyInterest(ctx context.Context, memberID int64, amount decimal.Decimal, asOf time.Time, notes string) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		if err := insertSurcharge(ctx, tx, memberID, credit.EntryInterest, amount, asOf, notes); err != nil {
			return err
		}
		return syncMemberBalance(ctx, tx, memberID)
	})
}

// ApplyLateFee posts the member-level late fee, deduplicated per billing
// period through the late_fee_marks unique key.
func (r *Repository) ApplyLateFee(ctx context.Context, memberID int64, amount decimal.Decimal, periodKey string, asOf time.Time) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO late_fee_marks (member_id, period_key, created_at)
			VALUES ($1, $2, $3)`,
			memberID, periodKey, asOf)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return ErrLateFeeAlreadyApplied
			}
			return err
		}
		notes := fmt.Sprintf("late fee for period %s", periodKey)
		if err := insertSurcharge(ctx, tx, memberID, credit.EntryPenalty, amount, asOf, notes); err != nil {
			return err
		}
		return syncMemberBalance(ctx, tx, memberID)
	})
}

// OldestUnpaidSpent returns the member's oldest debt-originating entry still
// carrying an outstanding amount, or nil when fully settled.
func (r *Repository) OldestUnpaidSpent(ctx context.Context, memberID int64) (*credit.LedgerEntry, error) {
	var e credit.LedgerEntry
	err := r.pool.QueryRow(ctx, `
		SELECT id, member_id, entry_type, amount, paid_amount, status,
			related_transaction_id, posted_at, penalty_applied, notes
		FROM credit_ledger
		WHERE member_id = $1 AND entry_type = 'SPENT' AND paid_amount < amount
		ORDER BY posted_at, id
		LIMIT 1`, memberID,
	).Scan(
		&e.ID, &e.MemberID, &e.Type, &e.Amount, &e.PaidAmount, &e.Status,
		&e.RelatedTransactionID, &e.PostedAt, &e.PenaltyApplied, &e.Notes,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// MembersNearingPenalty lists members whose earliest unpenalized entry has a
// due date inside [asOf, until). Read-only, drives proactive notifications.
func (r *Repository) MembersNearingPenalty(ctx context.Context, asOf, until time.Time, defaultDueDays int) ([]NearingPenalty, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT m.id, m.name, m.email,
			SUM(e.amount - e.paid_amount) AS credit_amount,
			MIN(e.posted_at + make_interval(days => COALESCE(p.credit_due_days, $3))) AS due_date
		FROM credit_ledger e
		JOIN members m ON m.id = e.member_id
		LEFT JOIN LATERAL (
			SELECT pr.credit_due_days
			FROM transaction_items ti
			JOIN products pr ON pr.id = ti.product_id
			WHERE ti.transaction_id = e.related_transaction_id
			ORDER BY COALESCE(pr.credit_due_days, $3)
			LIMIT 1
		) p ON TRUE
		WHERE e.entry_type = 'SPENT'
			AND e.paid_amount < e.amount
			AND e.penalty_applied = FALSE
			AND e.posted_at + make_interval(days => COALESCE(p.credit_due_days, $3)) >= $1
			AND e.posted_at + make_interval(days => COALESCE(p.credit_due_days, $3)) < $2
		GROUP BY m.id, m.name, m.email
		ORDER BY due_date`,
		asOf, until, defaultDueDays)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NearingPenalty
	for rows.Next() {
		var n NearingPenalty
		if err := rows.Scan(&n.MemberID, &n.MemberName, &n.MemberEmail, &n.CreditAmount, &n.DueDate); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *Repository) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return db.WithTx(ctx, r.pool, fn)
}

func insertSurcharge(ctx context.Context, tx pgx.Tx, memberID int64, entryType credit.EntryType, amount decimal.Decimal, asOf time.Time, notes string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO credit_ledger (
			member_id, entry_type, amount, paid_amount, status,
			related_transaction_id, posted_at, penalty_applied, notes
		) VALUES ($1, $2, $3, 0, $4, NULL, $5, FALSE, $6)`,
		memberID, string(entryType), amount, string(credit.StatusPending), asOf, notes)
	return err
}

func syncMemberBalance(ctx context.Context, tx pgx.Tx, memberID int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE members m
		SET credit_balance = COALESCE((
			SELECT SUM(amount - paid_amount)
			FROM credit_ledger
			WHERE member_id = m.id AND entry_type <> 'PAYMENT'
		), 0), updated_at = NOW()
		WHERE m.id = $1`, memberID)
	return err
}
