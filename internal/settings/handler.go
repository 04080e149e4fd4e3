package settings

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/coopcredit/coopcredit/internal/platform/httpx"
)

// Handler exposes the credit settings read model.
type Handler struct {
	logger *slog.Logger
	repo   *Repository
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, repo *Repository) *Handler {
	return &Handler{logger: logger, repo: repo}
}

// MountRoutes registers settings routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.getSettings)
}

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.repo.Get(r.Context())
	if err != nil {
		h.logger.Error("get credit settings", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"default_markup_pct":   cfg.DefaultMarkupPercentage,
		"interest_rate":        cfg.InterestRate,
		"grace_period_days":    cfg.GracePeriodDays,
		"late_fee_amount":      cfg.LateFeeAmount,
		"late_fee_pct":         cfg.LateFeePercentage,
		"credit_due_days":      cfg.CreditDueDays,
		"credit_penalty_type":  cfg.CreditPenaltyType,
		"credit_penalty_value": cfg.CreditPenaltyValue,
	})
}
