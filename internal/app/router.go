package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coopcredit/coopcredit/internal/credit"
	"github.com/coopcredit/coopcredit/internal/members"
	"github.com/coopcredit/coopcredit/internal/penalty"
	"github.com/coopcredit/coopcredit/internal/settings"
	"github.com/coopcredit/coopcredit/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	CreditHandler   *credit.Handler
	MembersHandler  *members.Handler
	PenaltyHandler  *penalty.Handler
	SettingsHandler *settings.Handler
	JobsHandler     *jobs.Handler
}

// NewRouter constructs the chi.Router with application defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{Config: params.Config}) {
		r.Use(mw)
	}
	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/members", func(r chi.Router) {
			r.Use(PaymentRateLimiter())
			params.MembersHandler.MountRoutes(r)
			params.CreditHandler.MountRoutes(r)
			params.PenaltyHandler.MountMemberRoutes(r)
		})
		r.Route("/penalties", func(r chi.Router) {
			params.PenaltyHandler.MountRoutes(r)
		})
		r.Route("/settings", func(r chi.Router) {
			params.SettingsHandler.MountRoutes(r)
		})
		if params.JobsHandler != nil {
			r.Route("/jobs", func(r chi.Router) {
				params.JobsHandler.MountRoutes(r)
			})
		}
	})

	return r
}
