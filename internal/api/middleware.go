package api

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/metrics"
)

// Admitter grants request slots. *ratelimit.Limiter implements it.
type Admitter interface {
	TryAdmit(ctx context.Context, key string, limit int) (bool, time.Duration, error)
}

// RateLimitMiddleware creates an HTTP middleware that enforces limit
// requests per window for each key. The keyFunc extracts the rate limit key
// from the request (e.g., tenant ID, IP). Limiter errors fail open.
func RateLimitMiddleware(limiter Admitter, limit int, logger *zap.Logger, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ok, wait, err := limiter.TryAdmit(r.Context(), key, limit)
			if err != nil {
				logger.Warn("rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))

			if !ok {
				metrics.RecordRateLimitRejection(key)
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(ErrorResponse{
					Type:   "rate_limit_exceeded",
					Title:  "Too Many Requests",
					Status: http.StatusTooManyRequests,
					Detail: "Rate limit exceeded. Please retry after the specified time.",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// TenantKeyFunc extracts tenant ID from the X-Tenant-ID header or query param.
func TenantKeyFunc(r *http.Request) string {
	if tenantID := r.Header.Get("X-Tenant-ID"); tenantID != "" {
		return "api:tenant:" + tenantID
	}
	if tenantID := r.URL.Query().Get("tenant_id"); tenantID != "" {
		return "api:tenant:" + tenantID
	}
	return ""
}

// IPKeyFunc extracts the client IP for rate limiting. Run it after
// middleware.RealIP so RemoteAddr is already the client address.
func IPKeyFunc(r *http.Request) string {
	return "api:ip:" + r.RemoteAddr
}

// TenantOrIPKeyFunc limits by tenant and falls back to the client IP.
func TenantOrIPKeyFunc(r *http.Request) string {
	if key := TenantKeyFunc(r); key != "" {
		return key
	}
	return IPKeyFunc(r)
}

// RequestLogger logs one line per request.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
