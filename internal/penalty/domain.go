package penalty

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coopcredit/coopcredit/internal/credit"
	"github.com/coopcredit/coopcredit/internal/settings"
)

// OverdueCandidate is an unpenalized, unpaid Spent entry past its due date,
// joined to the sold product's penalty policy. Nil policy fields fall back to
// the global credit settings.
type OverdueCandidate struct {
	Entry        credit.LedgerEntry
	MemberName   string
	MemberEmail  string
	DueDays      *int
	PenaltyType  *settings.PenaltyType
	PenaltyValue *decimal.Decimal
}

// ApplyPenaltyInput posts a penalty surcharge and flags the originating entry
// in one transaction.
type ApplyPenaltyInput struct {
	EntryID  int64
	MemberID int64
	Amount   decimal.Decimal
	AsOf     time.Time
	Notes    string
}

// NearingPenalty describes a member whose earliest unpenalized entry crosses
// its due date within the scan window.
type NearingPenalty struct {
	MemberID     int64           `json:"member_id"`
	MemberName   string          `json:"member_name"`
	MemberEmail  string          `json:"member_email"`
	CreditAmount decimal.Decimal `json:"credit_amount"`
	DueDate      time.Time       `json:"due_date"`
}

// SweepResult aggregates a batch run. One member's failure never aborts the
// sweep for the rest.
type SweepResult struct {
	MembersProcessed int             `json:"members_processed"`
	Applied          int             `json:"applied"`
	Failed           int             `json:"failed"`
	Amount           decimal.Decimal `json:"amount"`
}
