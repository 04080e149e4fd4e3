package credit

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/coopcredit/coopcredit/internal/platform/httpx"
)

// Handler manages credit ledger endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// MountRoutes registers credit routes under /members.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/{memberID}/payments", h.applyPayment)
	r.Get("/{memberID}/balance", h.getBalance)
	r.Post("/{memberID}/balance/sync", h.syncBalance)
	r.Get("/{memberID}/schedule", h.getSchedule)
	r.Get("/{memberID}/ledger", h.getLedger)
	r.Post("/{memberID}/sales", h.recordSale)
}

func memberIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "memberID"), 10, 64)
}

type applyPaymentRequest struct {
	Amount    string `json:"amount" validate:"required_without=Full"`
	Full      bool   `json:"full"`
	RequestID *int64 `json:"request_id,omitempty"`
	Reference string `json:"reference,omitempty" validate:"max=64"`
	Notes     string `json:"notes,omitempty" validate:"max=255"`
}

func (h *Handler) applyPayment(w http.ResponseWriter, r *http.Request) {
	memberID, err := memberIDParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid member id")
		return
	}

	var req applyPaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	amount := decimal.Zero
	if req.Amount != "" {
		amount, err = decimal.NewFromString(req.Amount)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "amount is not a valid decimal")
			return
		}
	}

	result, err := h.service.ApplyPayment(r.Context(), ApplyPaymentInput{
		MemberID:  memberID,
		Amount:    amount,
		Full:      req.Full,
		RequestID: req.RequestID,
		Reference: req.Reference,
		Notes:     req.Notes,
	})
	if err != nil {
		h.logger.Error("apply payment", slog.Int64("member_id", memberID), slog.Any("error", err))
		h.respondError(w, err)
		return
	}

	status := http.StatusOK
	if result.Partial {
		// Money committed but the request record is stale: surfaced, not masked.
		status = http.StatusMultiStatus
	}
	httpx.JSON(w, status, result)
}

func (h *Handler) getBalance(w http.ResponseWriter, r *http.Request) {
	memberID, err := memberIDParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid member id")
		return
	}
	balance, err := h.service.GetRunningBalance(r.Context(), memberID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"member_id": memberID, "balance": balance})
}

func (h *Handler) syncBalance(w http.ResponseWriter, r *http.Request) {
	memberID, err := memberIDParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid member id")
		return
	}
	balance, err := h.service.SynchronizeCreditBalance(r.Context(), memberID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"member_id": memberID, "balance": balance})
}

func (h *Handler) getSchedule(w http.ResponseWriter, r *http.Request) {
	memberID, err := memberIDParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid member id")
		return
	}
	schedule, err := h.service.GetPaymentSchedule(r.Context(), memberID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"member_id": memberID, "schedule": toScheduleViews(schedule)})
}

func (h *Handler) getLedger(w http.ResponseWriter, r *http.Request) {
	memberID, err := memberIDParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid member id")
		return
	}
	entries, err := h.service.GetLedger(r.Context(), memberID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"member_id": memberID, "entries": toLedgerViews(entries)})
}

type recordSaleRequest struct {
	TransactionID int64  `json:"transaction_id" validate:"required,gt=0"`
	Amount        string `json:"amount" validate:"required"`
	Installments  int    `json:"installments" validate:"omitempty,min=1,max=36"`
	FirstDueDate  string `json:"first_due_date,omitempty"`
	Notes         string `json:"notes,omitempty" validate:"max=255"`
}

func (h *Handler) recordSale(w http.ResponseWriter, r *http.Request) {
	memberID, err := memberIDParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid member id")
		return
	}

	var req recordSaleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "amount is not a valid decimal")
		return
	}

	var firstDue time.Time
	if req.FirstDueDate != "" {
		firstDue, err = time.Parse("2006-01-02", req.FirstDueDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "first_due_date must be YYYY-MM-DD")
			return
		}
	}

	entry, err := h.service.RecordCreditSale(r.Context(), RecordCreditSaleInput{
		MemberID:      memberID,
		TransactionID: req.TransactionID,
		Amount:        amount,
		Installments:  req.Installments,
		FirstDueDate:  firstDue,
		Notes:         req.Notes,
	})
	if err != nil {
		h.logger.Error("record credit sale",
			slog.Int64("member_id", memberID),
			slog.Int64("transaction_id", req.TransactionID),
			slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toLedgerView(*entry))
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrMemberNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrNotFound, err))
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrMemberInactive):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
	case errors.Is(err, ErrOverpayment),
		errors.Is(err, ErrCreditLimitExceeded):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrConsistency, err))
	case errors.Is(err, ErrDuplicateSale):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrDuplicate, err))
	default:
		httpx.RespondError(w, err)
	}
}

type ledgerView struct {
	ID                   int64           `json:"id"`
	Type                 EntryType       `json:"type"`
	Amount               decimal.Decimal `json:"amount"`
	PaidAmount           decimal.Decimal `json:"paid_amount"`
	Outstanding          decimal.Decimal `json:"outstanding"`
	Status               EntryStatus     `json:"status"`
	RelatedTransactionID *int64          `json:"related_transaction_id,omitempty"`
	PostedAt             time.Time       `json:"posted_at"`
	PenaltyApplied       bool            `json:"penalty_applied"`
	Notes                string          `json:"notes,omitempty"`
}

func toLedgerView(e LedgerEntry) ledgerView {
	return ledgerView{
		ID:                   e.ID,
		Type:                 e.Type,
		Amount:               e.Amount,
		PaidAmount:           e.PaidAmount,
		Outstanding:          e.Outstanding(),
		Status:               e.Status,
		RelatedTransactionID: e.RelatedTransactionID,
		PostedAt:             e.PostedAt,
		PenaltyApplied:       e.PenaltyApplied,
		Notes:                e.Notes,
	}
}

func toLedgerViews(entries []LedgerEntry) []ledgerView {
	views := make([]ledgerView, 0, len(entries))
	for _, e := range entries {
		views = append(views, toLedgerView(e))
	}
	return views
}

type scheduleView struct {
	ID                int64           `json:"id"`
	TransactionID     int64           `json:"transaction_id"`
	InstallmentNumber int             `json:"installment_no"`
	TotalInstallments int             `json:"total_installments"`
	Amount            decimal.Decimal `json:"amount"`
	PaidAmount        decimal.Decimal `json:"paid_amount"`
	DueDate           string          `json:"due_date"`
	Status            ScheduleStatus  `json:"status"`
}

func toScheduleViews(entries []ScheduleEntry) []scheduleView {
	views := make([]scheduleView, 0, len(entries))
	for _, s := range entries {
		views = append(views, scheduleView{
			ID:                s.ID,
			TransactionID:     s.TransactionID,
			InstallmentNumber: s.InstallmentNumber,
			TotalInstallments: s.TotalInstallments,
			Amount:            s.Amount,
			PaidAmount:        s.PaidAmount,
			DueDate:           s.DueDate.Format("2006-01-02"),
			Status:            s.Status,
		})
	}
	return views
}
