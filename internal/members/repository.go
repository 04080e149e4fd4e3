package members

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates the member does not exist.
var ErrNotFound = errors.New("members: not found")

// Repository provides PostgreSQL backed persistence for members.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetMember retrieves a member by ID.
func (r *Repository) GetMember(ctx context.Context, id int64) (*Member, error) {
	query := `
		SELECT id, name, email, status, credit_limit, credit_balance, created_at, updated_at
		FROM members
		WHERE id = $1`

	var m Member
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&m.ID, &m.Name, &m.Email, &m.Status,
		&m.CreditLimit, &m.CreditBalance, &m.CreatedAt, &m.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListActiveMemberIDs returns the IDs of members eligible for credit sweeps.
func (r *Repository) ListActiveMemberIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM members WHERE status = $1 ORDER BY id`, string(StatusActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
