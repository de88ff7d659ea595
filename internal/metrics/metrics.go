package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lalithlochan/herald/internal/dispatch"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	jobEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_job_events_total",
			Help: "Job lifecycle events by type",
		},
		[]string{"type"},
	)

	jobsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_jobs_active",
			Help: "Jobs started and not yet terminal",
		},
	)

	recipientOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_recipient_outcomes_total",
			Help: "Recipient outcomes by channel and status",
		},
		[]string{"channel", "status"},
	)

	channelCooldowns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_channel_cooldowns_total",
			Help: "Circuit breaker trips by channel",
		},
		[]string{"channel"},
	)

	queuedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_queued_requests_total",
			Help: "Job requests read from SQS by result",
		},
		[]string{"result"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"tenant_id"},
	)

	eventsDropped = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_events_dropped",
			Help: "Events dropped by slow sinks since start",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordQueuedRequest records how the SQS intake handled a request.
func RecordQueuedRequest(result string) {
	queuedRequests.WithLabelValues(result).Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(tenantID string) {
	rateLimitRejections.WithLabelValues(tenantID).Inc()
}

// SetEventsDropped publishes the event bus drop count.
func SetEventsDropped(n int64) {
	eventsDropped.Set(float64(n))
}

// Sink turns engine events into metrics.
type Sink struct {
	mu     sync.Mutex
	active map[uuid.UUID]struct{}
}

func NewSink() *Sink {
	return &Sink{active: make(map[uuid.UUID]struct{})}
}

func (s *Sink) HandleEvent(ev dispatch.Event) {
	switch ev.Type {
	case dispatch.EventRecipient:
		recipientOutcomes.WithLabelValues(ev.ChannelID, string(ev.Outcome)).Inc()
		return
	case dispatch.EventChannelCooldown:
		channelCooldowns.WithLabelValues(ev.ChannelID).Inc()
		return
	}

	jobEvents.WithLabelValues(string(ev.Type)).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Type {
	case dispatch.EventJobStarted, dispatch.EventJobResumed:
		s.active[ev.JobID] = struct{}{}
	case dispatch.EventJobCompleted, dispatch.EventJobFailed, dispatch.EventJobCancelled:
		delete(s.active, ev.JobID)
	}
	jobsActive.Set(float64(len(s.active)))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics. Paths
// are labelled with the chi route pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}

var _ dispatch.Sink = (*Sink)(nil)
