package penalty

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/coopcredit/coopcredit/internal/credit"
	"github.com/coopcredit/coopcredit/internal/platform/cache"
	"github.com/coopcredit/coopcredit/internal/platform/httpx"
)

// SweepSecretHeader authenticates scheduler-originated sweep triggers.
const SweepSecretHeader = "X-Sweep-Secret"

// Handler manages penalty and interest endpoints.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	redisClient *redis.Client
	sweepSecret string
	lockTTL     time.Duration
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, redisClient *redis.Client, sweepSecret string, lockTTL time.Duration) *Handler {
	return &Handler{
		logger:      logger,
		service:     service,
		redisClient: redisClient,
		sweepSecret: sweepSecret,
		lockTTL:     lockTTL,
	}
}

// MountRoutes registers batch-level penalty routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/nearing", h.nearingPenalty)
	r.Post("/sweep", h.sweep)
}

// MountMemberRoutes registers member-scoped interest and late-fee routes.
func (h *Handler) MountMemberRoutes(r chi.Router) {
	r.Get("/{memberID}/interest", h.calculateInterest)
	r.Post("/{memberID}/interest/apply", h.applyInterest)
	r.Post("/{memberID}/late-fees", h.processLateFees)
}

func asOfParam(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("as_of")
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", raw)
}

func (h *Handler) nearingPenalty(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	asOf, err := asOfParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "as_of must be YYYY-MM-DD")
		return
	}
	nearing, err := h.service.MembersNearingPenalty(r.Context(), days, asOf)
	if err != nil {
		h.logger.Error("nearing penalty scan", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"members": nearing})
}

// sweep triggers the product penalty sweep over HTTP. The shared secret is an
// authorization control; the redis lock is the concurrency control that keeps
// overlapping scheduler triggers from double-running.
func (h *Handler) sweep(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get(SweepSecretHeader)
	if subtle.ConstantTimeCompare([]byte(secret), []byte(h.sweepSecret)) != 1 {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid sweep secret")
		return
	}
	asOf, err := asOfParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "as_of must be YYYY-MM-DD")
		return
	}

	lock := cache.NewLock(h.redisClient, cache.SweepLockKey("penalty"), h.lockTTL)
	if err := lock.Acquire(r.Context()); err != nil {
		if errors.Is(err, cache.ErrLockHeld) {
			httpx.Problem(w, http.StatusConflict, "Conflict", "penalty sweep already running")
			return
		}
		httpx.RespondError(w, err)
		return
	}
	defer func() {
		if err := lock.Release(r.Context()); err != nil {
			h.logger.Warn("release sweep lock", slog.Any("error", err))
		}
	}()

	result, err := h.service.ApplyProductCreditPenalties(r.Context(), asOf)
	if err != nil {
		h.logger.Error("penalty sweep", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) calculateInterest(w http.ResponseWriter, r *http.Request) {
	memberID, err := strconv.ParseInt(chi.URLParam(r, "memberID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid member id")
		return
	}
	asOf, err := asOfParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "as_of must be YYYY-MM-DD")
		return
	}
	amount, err := h.service.CalculateInterest(r.Context(), memberID, asOf)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"member_id": memberID, "interest": amount})
}

func (h *Handler) applyInterest(w http.ResponseWriter, r *http.Request) {
	memberID, err := strconv.ParseInt(chi.URLParam(r, "memberID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid member id")
		return
	}
	asOf, err := asOfParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "as_of must be YYYY-MM-DD")
		return
	}
	amount, err := h.service.ApplyInterest(r.Context(), memberID, asOf)
	if err != nil {
		h.logger.Error("apply interest", slog.Int64("member_id", memberID), slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"member_id": memberID, "interest": amount})
}

func (h *Handler) processLateFees(w http.ResponseWriter, r *http.Request) {
	memberID, err := strconv.ParseInt(chi.URLParam(r, "memberID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid member id")
		return
	}
	asOf, err := asOfParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "as_of must be YYYY-MM-DD")
		return
	}
	if err := h.service.ProcessLateFees(r.Context(), memberID, asOf); err != nil {
		h.logger.Error("process late fees", slog.Int64("member_id", memberID), slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, credit.ErrMemberNotFound):
		httpx.RespondError(w, httpx.ErrNotFound)
	default:
		httpx.RespondError(w, err)
	}
}
