package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/metrics"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// RouterConfig configures NewRouter.
type RouterConfig struct {
	Limiter       Admitter
	RatePerMinute int
	Health        map[string]HealthCheck
	Timeout       time.Duration
}

// NewRouter mounts every route of the public API.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(h.logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.Timeout))
		r.Use(RateLimitMiddleware(cfg.Limiter, cfg.RatePerMinute, h.logger, TenantOrIPKeyFunc))

		r.Post("/jobs", h.SubmitJob)
		r.Get("/jobs/{id}", h.GetJob)
		r.Post("/jobs/{id}/pause", h.PauseJob)
		r.Post("/jobs/{id}/resume", h.ResumeJob)
		r.Post("/jobs/{id}/cancel", h.CancelJob)
		r.Get("/jobs/{id}/audit", h.ListJobAudit)

		r.Post("/audit/{id}/resend", h.ResendAudit)

		r.Put("/recipients", h.UpsertRecipients)

		r.Get("/channels", h.ListChannels)
		r.Put("/channels/{id}", h.RegisterChannel)
		r.Delete("/channels/{id}", h.DeregisterChannel)

		r.Put("/templates/{name}", h.UpsertTemplate)
		r.Put("/sequences/{id}", h.UpsertSequence)

		r.Get("/schedules", h.ListSchedules)
		r.Put("/schedules/{id}", h.UpsertSchedule)
		r.Post("/schedules/run", h.RunSchedules)
	})

	r.Get("/health", healthHandler(h.logger, cfg.Health))
	r.Handle("/metrics", metrics.Handler())
	return r
}

func healthHandler(logger *zap.Logger, checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		result := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				logger.Warn("health check failed", zap.String("dependency", name), zap.Error(err))
				result[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			result[name] = "ok"
		}
		writeJSON(w, status, map[string]interface{}{"status": http.StatusText(status), "checks": result})
	}
}
