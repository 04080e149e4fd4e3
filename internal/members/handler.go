package members

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/coopcredit/coopcredit/internal/platform/httpx"
)

// Getter reads the member directory.
type Getter interface {
	GetMember(ctx context.Context, id int64) (*Member, error)
}

// Handler exposes the member read model.
type Handler struct {
	logger *slog.Logger
	repo   Getter
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, repo Getter) *Handler {
	return &Handler{logger: logger, repo: repo}
}

// MountRoutes registers member directory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{memberID}", h.getMember)
}

type memberView struct {
	ID            int64           `json:"id"`
	Name          string          `json:"name"`
	Email         string          `json:"email"`
	Status        MemberStatus    `json:"status"`
	CreditLimit   decimal.Decimal `json:"credit_limit"`
	CreditBalance decimal.Decimal `json:"credit_balance"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (h *Handler) getMember(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "memberID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid member id")
		return
	}
	m, err := h.repo.GetMember(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpx.RespondError(w, fmt.Errorf("%w: member %d", httpx.ErrNotFound, id))
			return
		}
		h.logger.Error("get member", slog.Int64("member_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, memberView{
		ID:            m.ID,
		Name:          m.Name,
		Email:         m.Email,
		Status:        m.Status,
		CreditLimit:   m.CreditLimit,
		CreditBalance: m.CreditBalance,
		CreatedAt:     m.CreatedAt,
	})
}
