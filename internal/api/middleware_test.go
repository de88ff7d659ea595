package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/ratelimit"
)

func TestTenantKeyFunc(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		query    string
		expected string
	}{
		{"from header", "tenant-123", "", "api:tenant:tenant-123"},
		{"from query", "", "tenant-456", "api:tenant:tenant-456"},
		{"header takes precedence", "tenant-123", "tenant-456", "api:tenant:tenant-123"},
		{"no tenant", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.header != "" {
				req.Header.Set("X-Tenant-ID", tt.header)
			}
			if tt.query != "" {
				q := req.URL.Query()
				q.Set("tenant_id", tt.query)
				req.URL.RawQuery = q.Encode()
			}

			result := TenantKeyFunc(req)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestTenantOrIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "5.6.7.8:1234"
	if got := TenantOrIPKeyFunc(req); got != "api:ip:5.6.7.8:1234" {
		t.Errorf("without tenant: got %q", got)
	}

	req.Header.Set("X-Tenant-ID", "acme")
	if got := TenantOrIPKeyFunc(req); got != "api:tenant:acme" {
		t.Errorf("with tenant: got %q", got)
	}
}

type fakeAdmitter struct {
	allow bool
	wait  time.Duration
	err   error
	keys  []string
}

func (f *fakeAdmitter) TryAdmit(ctx context.Context, key string, limit int) (bool, time.Duration, error) {
	f.keys = append(f.keys, key)
	return f.allow, f.wait, f.err
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		limiter        Admitter
		limit          int
		expectedStatus int
		retryAfter     string
	}{
		{"no limiter", nil, 10, http.StatusOK, ""},
		{"disabled limit", &fakeAdmitter{}, 0, http.StatusOK, ""},
		{"admitted", &fakeAdmitter{allow: true}, 10, http.StatusOK, ""},
		{"rejected", &fakeAdmitter{wait: 1500 * time.Millisecond}, 10, http.StatusTooManyRequests, "2"},
		{"limiter error fails open", &fakeAdmitter{err: errors.New("redis down")}, 10, http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw := RateLimitMiddleware(tt.limiter, tt.limit, zap.NewNop(), TenantOrIPKeyFunc)
			req := httptest.NewRequest("GET", "/v1/jobs", nil)
			req.Header.Set("X-Tenant-ID", "acme")
			rec := httptest.NewRecorder()

			mw(okHandler()).ServeHTTP(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			if got := rec.Header().Get("Retry-After"); got != tt.retryAfter {
				t.Errorf("Retry-After = %q, want %q", got, tt.retryAfter)
			}
			if tt.expectedStatus == http.StatusTooManyRequests {
				if errResp := decodeError(t, rec); errResp.Type != "rate_limit_exceeded" {
					t.Errorf("problem type = %q", errResp.Type)
				}
			}
		})
	}
}

func TestRateLimitMiddleware_WithLimiter(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{Window: time.Minute}, ratelimit.NewMemoryBackend(), zap.NewNop())
	handler := RateLimitMiddleware(limiter, 2, zap.NewNop(), TenantKeyFunc)(okHandler())

	codes := make([]int, 0, 4)
	for _, tenant := range []string{"a", "a", "a", "b"} {
		req := httptest.NewRequest("GET", "/v1/jobs", nil)
		req.Header.Set("X-Tenant-ID", tenant)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests, http.StatusOK}
	for i := range want {
		if codes[i] != want[i] {
			t.Errorf("request %d: status %d, want %d", i, codes[i], want[i])
		}
	}
}

func TestRouter_RateLimited(t *testing.T) {
	logger := zap.NewNop()
	h := NewHandler(logger, NewMockEngine(), nil, nil)
	router := NewRouter(h, RouterConfig{Limiter: &fakeAdmitter{wait: time.Second}, RatePerMinute: 5})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/channels", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rec.Code)
	}

	// Health is mounted outside the limited group.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health: expected 200, got %d", rec.Code)
	}
}
