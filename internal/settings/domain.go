package settings

import (
	"time"

	"github.com/shopspring/decimal"
)

// PenaltyType selects how an overdue penalty is computed.
type PenaltyType string

const (
	PenaltyFixed      PenaltyType = "fixed"
	PenaltyPercentage PenaltyType = "percentage"
)

// CreditSettings is the singleton of global credit policy defaults. Products
// may override the credit due days and penalty policy per SKU.
type CreditSettings struct {
	ID                      int64
	DefaultMarkupPercentage decimal.Decimal
	InterestRate            decimal.Decimal // periodic (monthly) rate, percent
	GracePeriodDays         int
	LateFeeAmount           decimal.Decimal
	LateFeePercentage       decimal.Decimal
	CreditDueDays           int
	CreditPenaltyType       PenaltyType
	CreditPenaltyValue      decimal.Decimal
	UpdatedAt               time.Time
}

// Defaults returns the settings row created when none exists yet.
func Defaults() CreditSettings {
	return CreditSettings{
		DefaultMarkupPercentage: decimal.NewFromInt(10),
		InterestRate:            decimal.NewFromInt(2),
		GracePeriodDays:         30,
		LateFeeAmount:           decimal.NewFromInt(5),
		LateFeePercentage:       decimal.Zero,
		CreditDueDays:           30,
		CreditPenaltyType:       PenaltyFixed,
		CreditPenaltyValue:      decimal.NewFromInt(10),
	}
}
