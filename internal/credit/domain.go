package credit

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryType enumerates ledger entry types.
type EntryType string

const (
	EntrySpent    EntryType = "SPENT"
	EntryPayment  EntryType = "PAYMENT"
	EntryPenalty  EntryType = "PENALTY"
	EntryInterest EntryType = "INTEREST"
)

// EntryStatus enumerates ledger entry payment states.
type EntryStatus string

const (
	StatusPending       EntryStatus = "PENDING"
	StatusPartiallyPaid EntryStatus = "PARTIALLY_PAID"
	StatusPaid          EntryStatus = "PAID"
)

// StatusFor derives the entry status from its amounts. Status is never stored
// independently of this rule.
func StatusFor(amount, paid decimal.Decimal) EntryStatus {
	switch {
	case paid.GreaterThanOrEqual(amount):
		return StatusPaid
	case paid.IsPositive():
		return StatusPartiallyPaid
	default:
		return StatusPending
	}
}

// LedgerEntry is the atomic unit of the credit engine. Amount is immutable
// once posted; PaidAmount only ever grows and never exceeds Amount. Entries
// are never deleted, corrections are additional entries.
type LedgerEntry struct {
	ID                   int64
	MemberID             int64
	Type                 EntryType
	Amount               decimal.Decimal
	PaidAmount           decimal.Decimal
	Status               EntryStatus
	RelatedTransactionID *int64
	PostedAt             time.Time
	PenaltyApplied       bool
	Notes                string
}

// Outstanding returns the unpaid remainder of the entry.
func (e LedgerEntry) Outstanding() decimal.Decimal {
	return e.Amount.Sub(e.PaidAmount)
}

// ScheduleStatus enumerates installment states.
type ScheduleStatus string

const (
	SchedulePending ScheduleStatus = "PENDING"
	SchedulePaid    ScheduleStatus = "PAID"
)

// ScheduleEntry is one installment of a credit purchase.
type ScheduleEntry struct {
	ID                int64
	TransactionID     int64
	MemberID          int64
	InstallmentNumber int
	TotalInstallments int
	Amount            decimal.Decimal
	PaidAmount        decimal.Decimal
	DueDate           time.Time
	Status            ScheduleStatus
}

// Outstanding returns the unpaid remainder of the installment.
func (s ScheduleEntry) Outstanding() decimal.Decimal {
	return s.Amount.Sub(s.PaidAmount)
}

// ApplyPaymentInput describes an incoming member payment.
type ApplyPaymentInput struct {
	MemberID int64
	Amount   decimal.Decimal
	// Full makes the engine compute and apply the member's exact current
	// outstanding total, ignoring Amount.
	Full bool
	// RequestID links the payment to an originating payment-request record
	// whose status is updated after the money movement commits.
	RequestID *int64
	Reference string
	Notes     string
}

// AppliedPayment records how much of a payment landed on one ledger entry.
type AppliedPayment struct {
	EntryID   int64           `json:"entry_id"`
	EntryType EntryType       `json:"entry_type"`
	Amount    decimal.Decimal `json:"amount"`
}

// PaymentResult is the outcome of a payment application.
type PaymentResult struct {
	PaymentEntryID  int64            `json:"payment_entry_id,omitempty"`
	Applied         decimal.Decimal  `json:"applied"`
	AppliedPayments []AppliedPayment `json:"applied_payments"`
	NewBalance      decimal.Decimal  `json:"new_balance"`
	// Partial is set when the payment committed but the originating request
	// record could not be updated. The money movement is authoritative; the
	// discrepancy needs manual reconciliation.
	Partial bool   `json:"partial,omitempty"`
	Message string `json:"message,omitempty"`
}

// RecordCreditSaleInput posts a purchase-on-credit into the ledger.
type RecordCreditSaleInput struct {
	MemberID      int64
	TransactionID int64
	Amount        decimal.Decimal
	Installments  int
	FirstDueDate  time.Time
	Notes         string
}

// InsertEntryInput creates a new ledger entry.
type InsertEntryInput struct {
	MemberID             int64
	Type                 EntryType
	Amount               decimal.Decimal
	PaidAmount           decimal.Decimal
	Status               EntryStatus
	RelatedTransactionID *int64
	PostedAt             time.Time
	Notes                string
}

// InsertScheduleInput creates a new installment row.
type InsertScheduleInput struct {
	TransactionID     int64
	MemberID          int64
	InstallmentNumber int
	TotalInstallments int
	Amount            decimal.Decimal
	DueDate           time.Time
}
