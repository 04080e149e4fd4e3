package settings

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for credit settings.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const selectSettings = `
	SELECT id, default_markup_pct, interest_rate, grace_period_days,
		late_fee_amount, late_fee_pct, credit_due_days,
		credit_penalty_type, credit_penalty_value, updated_at
	FROM credit_settings
	ORDER BY id
	LIMIT 1`

// Get returns the settings singleton, creating the defaults when the table is
// still empty.
func (r *Repository) Get(ctx context.Context) (CreditSettings, error) {
	s, err := r.scanOne(ctx)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return CreditSettings{}, err
	}

	def := Defaults()
	query := `
		INSERT INTO credit_settings (
			default_markup_pct, interest_rate, grace_period_days,
			late_fee_amount, late_fee_pct, credit_due_days,
			credit_penalty_type, credit_penalty_value, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT DO NOTHING`
	if _, err := r.pool.Exec(ctx, query,
		def.DefaultMarkupPercentage,
		def.InterestRate,
		def.GracePeriodDays,
		def.LateFeeAmount,
		def.LateFeePercentage,
		def.CreditDueDays,
		string(def.CreditPenaltyType),
		def.CreditPenaltyValue,
	); err != nil {
		return CreditSettings{}, err
	}
	return r.scanOne(ctx)
}

func (r *Repository) scanOne(ctx context.Context) (CreditSettings, error) {
	var s CreditSettings
	var penaltyType string
	err := r.pool.QueryRow(ctx, selectSettings).Scan(
		&s.ID,
		&s.DefaultMarkupPercentage,
		&s.InterestRate,
		&s.GracePeriodDays,
		&s.LateFeeAmount,
		&s.LateFeePercentage,
		&s.CreditDueDays,
		&penaltyType,
		&s.CreditPenaltyValue,
		&s.UpdatedAt,
	)
	if err != nil {
		return CreditSettings{}, err
	}
	s.CreditPenaltyType = PenaltyType(penaltyType)
	return s, nil
}
