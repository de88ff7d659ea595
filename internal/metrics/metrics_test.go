package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/dispatch"
)

func TestRecordRequest(t *testing.T) {
	RecordRequest("GET", "/test", 200, 100*time.Millisecond)
	RecordRequest("POST", "/test", 201, 50*time.Millisecond)
	RecordRequest("GET", "/test", 404, 10*time.Millisecond)

	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/test", "404")); got < 1 {
		t.Errorf("requests counter = %v, want at least 1", got)
	}
}

func TestRecordCounters(t *testing.T) {
	RecordIdempotencyHit()
	RecordRateLimitRejection("tenant-1")
	RecordQueuedRequest("submitted")
	SetEventsDropped(3)

	if got := testutil.ToFloat64(eventsDropped); got != 3 {
		t.Errorf("events dropped = %v, want 3", got)
	}
	if got := testutil.ToFloat64(queuedRequests.WithLabelValues("submitted")); got < 1 {
		t.Errorf("queued requests = %v, want at least 1", got)
	}
}

func TestSink(t *testing.T) {
	s := NewSink()
	a, b := uuid.New(), uuid.New()
	before := testutil.ToFloat64(recipientOutcomes.WithLabelValues("sink-a", "sent"))

	s.HandleEvent(dispatch.Event{Type: dispatch.EventJobStarted, JobID: a})
	s.HandleEvent(dispatch.Event{Type: dispatch.EventJobStarted, JobID: b})
	s.HandleEvent(dispatch.Event{Type: dispatch.EventRecipient, JobID: a, ChannelID: "sink-a", Outcome: db.AuditSent})
	s.HandleEvent(dispatch.Event{Type: dispatch.EventChannelCooldown, JobID: a, ChannelID: "sink-a"})

	if got := testutil.ToFloat64(jobsActive); got != 2 {
		t.Errorf("active jobs = %v, want 2", got)
	}
	if got := testutil.ToFloat64(recipientOutcomes.WithLabelValues("sink-a", "sent")); got != before+1 {
		t.Errorf("outcomes = %v, want %v", got, before+1)
	}
	if got := testutil.ToFloat64(channelCooldowns.WithLabelValues("sink-a")); got < 1 {
		t.Errorf("cooldowns = %v, want at least 1", got)
	}

	s.HandleEvent(dispatch.Event{Type: dispatch.EventJobCompleted, JobID: a})
	s.HandleEvent(dispatch.Event{Type: dispatch.EventJobCancelled, JobID: b})
	s.HandleEvent(dispatch.Event{Type: dispatch.EventJobCancelled, JobID: b})
	if got := testutil.ToFloat64(jobsActive); got != 0 {
		t.Errorf("active jobs after terminal events = %v, want 0", got)
	}
}

func TestHandler(t *testing.T) {
	handler := Handler()
	if handler == nil {
		t.Error("Handler should not return nil")
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "herald_") {
		t.Error("metrics response should contain herald metrics")
	}
}

func TestMiddleware(t *testing.T) {
	innerCalled := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		innerCalled = true
		w.WriteHeader(http.StatusCreated)
	})

	handler := Middleware(inner)
	req := httptest.NewRequest("POST", "/test", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !innerCalled {
		t.Error("inner handler should have been called")
	}

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest("GET", "/v1/jobs/"+uuid.NewString(), nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/jobs/{id}", "418")); got != 1 {
		t.Errorf("route pattern counter = %v, want 1", got)
	}
}

func TestResponseWriter_DefaultStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.Write([]byte("test"))

	if rw.status != http.StatusOK {
		t.Errorf("expected default status 200, got %d", rw.status)
	}
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}
