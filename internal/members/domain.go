package members

import (
	"time"

	"github.com/shopspring/decimal"
)

// MemberStatus enumerates member account statuses.
type MemberStatus string

const (
	StatusActive    MemberStatus = "ACTIVE"
	StatusSuspended MemberStatus = "SUSPENDED"
	StatusClosed    MemberStatus = "CLOSED"
)

// Member is the cooperative member read model. The credit engine only ever
// writes the CreditBalance field; everything else is owned by the member
// directory.
type Member struct {
	ID            int64
	Name          string
	Email         string
	Status        MemberStatus
	CreditLimit   decimal.Decimal
	CreditBalance decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
