package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/campaign"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/redis"
)

// MockEngine is a fake orchestrator for testing
type MockEngine struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]dispatch.Progress
	submitted []dispatch.Request
	resent    map[uuid.UUID]*db.AuditRecord

	submitErr  error
	controlErr error
	resendErr  error
}

func NewMockEngine() *MockEngine {
	return &MockEngine{
		jobs:   make(map[uuid.UUID]dispatch.Progress),
		resent: make(map[uuid.UUID]*db.AuditRecord),
	}
}

func (m *MockEngine) SubmitRequest(ctx context.Context, req dispatch.Request) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return uuid.Nil, m.submitErr
	}
	m.submitted = append(m.submitted, req)
	id := uuid.New()
	m.jobs[id] = dispatch.Progress{JobID: id, Status: db.JobStatusScheduled, Total: len(req.RecipientIDs)}
	return id, nil
}

func (m *MockEngine) Progress(ctx context.Context, jobID uuid.UUID) (dispatch.Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.jobs[jobID]
	if !ok {
		return dispatch.Progress{}, dispatch.ErrJobNotFound
	}
	return p, nil
}

func (m *MockEngine) setStatus(jobID uuid.UUID, status db.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.controlErr != nil {
		return m.controlErr
	}
	p, ok := m.jobs[jobID]
	if !ok {
		return dispatch.ErrJobNotFound
	}
	p.Status = status
	m.jobs[jobID] = p
	return nil
}

func (m *MockEngine) Pause(ctx context.Context, jobID uuid.UUID) error {
	return m.setStatus(jobID, db.JobStatusPaused)
}

func (m *MockEngine) Resume(ctx context.Context, jobID uuid.UUID) error {
	return m.setStatus(jobID, db.JobStatusInProgress)
}

func (m *MockEngine) Cancel(ctx context.Context, jobID uuid.UUID) error {
	return m.setStatus(jobID, db.JobStatusCancelled)
}

func (m *MockEngine) Resend(ctx context.Context, auditID uuid.UUID) (*db.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resendErr != nil {
		return nil, m.resendErr
	}
	if rec, ok := m.resent[auditID]; ok {
		return rec, nil
	}
	rec := &db.AuditRecord{ID: uuid.New(), ResendOf: &auditID, Status: db.AuditSent}
	m.resent[auditID] = rec
	return rec, nil
}

type mockCampaigns struct {
	report *campaign.Report
	err    error
}

func (m *mockCampaigns) RunOnce(ctx context.Context) (*campaign.Report, error) {
	return m.report, m.err
}

type mockQueue struct {
	reqs []dispatch.Request
	err  error
}

func (m *mockQueue) Enqueue(ctx context.Context, tenantID string, req dispatch.Request) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.reqs = append(m.reqs, req)
	return "req-1", nil
}

type testEnv struct {
	engine *MockEngine
	store  *db.MemoryStore
	router http.Handler
}

func newTestEnv(t *testing.T, configure func(h *Handler)) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	store := db.NewMemoryStore()
	env := &testEnv{engine: NewMockEngine(), store: store}

	h := NewHandler(logger, env.engine, dispatch.NewChannelRegistry(store, logger), store)
	if configure != nil {
		configure(h)
	}
	env.router = NewRouter(h, RouterConfig{})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("failed to marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var errResp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&errResp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q, want application/problem+json", ct)
	}
	return errResp
}

func validRequest() dispatch.Request {
	return dispatch.Request{
		RecipientIDs: []uuid.UUID{uuid.New(), uuid.New()},
		ChannelIDs:   []string{"a"},
		Content:      db.JobContent{Kind: db.ContentFixed, Template: "promo"},
	}
}

func TestSubmitJob(t *testing.T) {
	tests := []struct {
		name           string
		body           interface{}
		submitErr      error
		expectedStatus int
	}{
		{"valid job", validRequest(), nil, http.StatusCreated},
		{"invalid JSON body", "not valid json", nil, http.StatusBadRequest},
		{"missing recipients", dispatch.Request{ChannelIDs: []string{"a"}}, nil, http.StatusBadRequest},
		{"missing channels", dispatch.Request{RecipientIDs: []uuid.UUID{uuid.New()}}, nil, http.StatusBadRequest},
		{"configuration error", validRequest(), fmt.Errorf("%w: no connected channel", dispatch.ErrConfiguration), http.StatusUnprocessableEntity},
		{"store failure", validRequest(), errors.New("database error"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.engine.submitErr = tt.submitErr

			rec := env.do(t, http.MethodPost, "/v1/jobs", tt.body)
			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.expectedStatus, rec.Code, rec.Body.String())
			}

			if tt.expectedStatus == http.StatusCreated {
				var resp JobResponse
				if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}
				if _, err := uuid.Parse(resp.ID); err != nil {
					t.Errorf("expected valid UUID, got: %s", resp.ID)
				}
				return
			}
			if errResp := decodeError(t, rec); errResp.Status != tt.expectedStatus {
				t.Errorf("problem status = %d, want %d", errResp.Status, tt.expectedStatus)
			}
		})
	}
}

func setupIdempotency(t *testing.T) *redis.ClaimService {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return redis.NewClaimService(redis.NewFromClient(rdb, "test", zap.NewNop()), zap.NewNop())
}

func TestSubmitJob_IdempotencyKeyReplays(t *testing.T) {
	idem := setupIdempotency(t)
	env := newTestEnv(t, func(h *Handler) { h.WithIdempotency(idem) })

	first := env.do(t, http.MethodPost, "/v1/jobs", validRequest(), "Idempotency-Key", "abc", "X-Tenant-ID", "t1")
	second := env.do(t, http.MethodPost, "/v1/jobs", validRequest(), "Idempotency-Key", "abc", "X-Tenant-ID", "t1")
	other := env.do(t, http.MethodPost, "/v1/jobs", validRequest(), "Idempotency-Key", "abc", "X-Tenant-ID", "t2")

	if first.Code != http.StatusCreated || second.Code != http.StatusCreated || other.Code != http.StatusCreated {
		t.Fatalf("statuses = %d/%d/%d, want 201s", first.Code, second.Code, other.Code)
	}
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("second response should be marked as replayed")
	}

	var a, b JobResponse
	_ = json.NewDecoder(first.Body).Decode(&a)
	_ = json.NewDecoder(second.Body).Decode(&b)
	if a.ID != b.ID {
		t.Errorf("replayed job id = %s, want %s", b.ID, a.ID)
	}
	if len(env.engine.submitted) != 2 {
		t.Errorf("submissions = %d, want 2 (one per tenant)", len(env.engine.submitted))
	}
}

func TestSubmitJob_FailedSubmitReleasesKey(t *testing.T) {
	idem := setupIdempotency(t)
	env := newTestEnv(t, func(h *Handler) { h.WithIdempotency(idem) })
	env.engine.submitErr = errors.New("database error")

	if rec := env.do(t, http.MethodPost, "/v1/jobs", validRequest(), "Idempotency-Key", "k"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}

	env.engine.submitErr = nil
	if rec := env.do(t, http.MethodPost, "/v1/jobs", validRequest(), "Idempotency-Key", "k"); rec.Code != http.StatusCreated {
		t.Errorf("retry after failure: expected 201, got %d", rec.Code)
	}
}

func TestSubmitJob_Async(t *testing.T) {
	env := newTestEnv(t, nil)
	if rec := env.do(t, http.MethodPost, "/v1/jobs?async=true", validRequest()); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("without a queue: expected 503, got %d", rec.Code)
	}

	q := &mockQueue{}
	env = newTestEnv(t, func(h *Handler) { h.WithQueue(q) })
	rec := env.do(t, http.MethodPost, "/v1/jobs?async=true", validRequest())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var resp JobResponse
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if resp.RequestID != "req-1" || len(q.reqs) != 1 {
		t.Errorf("response = %+v, queued = %d", resp, len(q.reqs))
	}
	if len(env.engine.submitted) != 0 {
		t.Error("async submission must not reach the engine directly")
	}
}

func TestJobLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	jobID, _ := env.engine.SubmitRequest(context.Background(), validRequest())
	base := "/v1/jobs/" + jobID.String()

	tests := []struct {
		method, path string
		wantStatus   db.JobStatus
	}{
		{http.MethodGet, base, db.JobStatusScheduled},
		{http.MethodPost, base + "/pause", db.JobStatusPaused},
		{http.MethodPost, base + "/resume", db.JobStatusInProgress},
		{http.MethodPost, base + "/cancel", db.JobStatusCancelled},
	}
	for _, tt := range tests {
		rec := env.do(t, tt.method, tt.path, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s %s: expected 200, got %d", tt.method, tt.path, rec.Code)
		}
		var p dispatch.Progress
		if err := json.NewDecoder(rec.Body).Decode(&p); err != nil {
			t.Fatalf("failed to decode progress: %v", err)
		}
		if p.Status != tt.wantStatus {
			t.Errorf("%s %s: status = %s, want %s", tt.method, tt.path, p.Status, tt.wantStatus)
		}
	}
}

func TestJobErrors(t *testing.T) {
	tests := []struct {
		name           string
		method         string
		suffix         string
		knownJob       bool
		controlErr     error
		expectedStatus int
	}{
		{"invalid UUID format", http.MethodGet, "", false, nil, http.StatusBadRequest},
		{"unknown job", http.MethodGet, "", false, nil, http.StatusNotFound},
		{"unknown job pause", http.MethodPost, "/pause", false, nil, http.StatusNotFound},
		{"inactive job", http.MethodPost, "/resume", true, dispatch.ErrJobNotActive, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			jobID, _ := env.engine.SubmitRequest(context.Background(), validRequest())
			env.engine.controlErr = tt.controlErr

			id := uuid.NewString()
			switch {
			case tt.knownJob:
				id = jobID.String()
			case tt.expectedStatus == http.StatusBadRequest:
				id = "not-a-uuid"
			}

			rec := env.do(t, tt.method, "/v1/jobs/"+id+tt.suffix, nil)
			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			if errResp := decodeError(t, rec); errResp.Status != tt.expectedStatus {
				t.Errorf("problem status = %d, want %d", errResp.Status, tt.expectedStatus)
			}
		})
	}
}

func TestListJobAudit(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	jobID, _ := env.engine.SubmitRequest(ctx, validRequest())

	for _, st := range []db.AuditStatus{db.AuditSent, db.AuditFailed, db.AuditSkipped} {
		err := env.store.AppendAudit(ctx, &db.AuditRecord{
			ID:          uuid.New(),
			JobID:       jobID,
			RecipientID: uuid.New(),
			ChannelID:   "a",
			Status:      st,
			CreatedAt:   time.Now(),
		})
		if err != nil {
			t.Fatalf("AppendAudit() error = %v", err)
		}
	}

	rec := env.do(t, http.MethodGet, "/v1/jobs/"+jobID.String()+"/audit", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Data  []*db.AuditRecord `json:"data"`
		Count int               `json:"count"`
	}
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Count != 3 {
		t.Errorf("count = %d, want 3", resp.Count)
	}

	rec = env.do(t, http.MethodGet, "/v1/jobs/"+jobID.String()+"/audit?status=failed", nil)
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Count != 1 || resp.Data[0].Status != db.AuditFailed {
		t.Errorf("filtered audit = %+v", resp)
	}

	if rec := env.do(t, http.MethodGet, "/v1/jobs/"+uuid.NewString()+"/audit", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown job audit: expected 404, got %d", rec.Code)
	}
}

func TestResendAudit(t *testing.T) {
	tests := []struct {
		name           string
		resendErr      error
		expectedStatus int
	}{
		{"resent", nil, http.StatusOK},
		{"not failed", fmt.Errorf("%w: status is sent", dispatch.ErrNotResendable), http.StatusConflict},
		{"unknown record", fmt.Errorf("get audit record: %w", db.ErrAuditNotFound), http.StatusNotFound},
		{"in progress elsewhere", dispatch.ErrResendInProgress, http.StatusConflict},
		{"channel cooling down", dispatch.ErrChannelCooldown, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.engine.resendErr = tt.resendErr
			auditID := uuid.New()

			rec := env.do(t, http.MethodPost, "/v1/audit/"+auditID.String()+"/resend", nil)
			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			if tt.resendErr != nil {
				return
			}

			var got db.AuditRecord
			_ = json.NewDecoder(rec.Body).Decode(&got)
			if got.ResendOf == nil || *got.ResendOf != auditID {
				t.Errorf("ResendOf = %v, want %s", got.ResendOf, auditID)
			}
			again := env.do(t, http.MethodPost, "/v1/audit/"+auditID.String()+"/resend", nil)
			var second db.AuditRecord
			_ = json.NewDecoder(again.Body).Decode(&second)
			if second.ID != got.ID {
				t.Error("repeated resend should return the same record")
			}
		})
	}
}

func TestUpsertRecipients_KeepsHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	sentAt := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	id := uuid.New()
	if err := env.store.UpsertRecipient(ctx, &db.Recipient{
		ID:                id,
		Address:           "9876500000",
		LastMessageSentAt: &sentAt,
		LastTemplateUsed:  "day-10",
		LastSequenceStep:  2,
	}); err != nil {
		t.Fatalf("UpsertRecipient() error = %v", err)
	}

	rec := env.do(t, http.MethodPut, "/v1/recipients", []RecipientInput{
		{ID: &id, Address: "9876511111", Fields: map[string]string{"name": "Asha"}},
		{Address: "9876522222"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		IDs   []string `json:"ids"`
		Count int      `json:"count"`
	}
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Count != 2 || resp.IDs[0] != id.String() {
		t.Fatalf("response = %+v", resp)
	}

	got, err := env.store.GetRecipients(ctx, []uuid.UUID{id})
	if err != nil || len(got) != 1 {
		t.Fatalf("GetRecipients() = %v, %v", got, err)
	}
	r := got[0]
	if r.Address != "9876511111" || r.Fields["name"] != "Asha" {
		t.Errorf("profile not updated: %+v", r)
	}
	if r.LastTemplateUsed != "day-10" || r.LastSequenceStep != 2 || r.LastMessageSentAt == nil {
		t.Errorf("history lost on upsert: %+v", r)
	}

	if rec := env.do(t, http.MethodPut, "/v1/recipients", []RecipientInput{{Address: " "}}); rec.Code != http.StatusBadRequest {
		t.Errorf("blank address: expected 400, got %d", rec.Code)
	}
}

func TestChannels(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPut, "/v1/channels/sms-1", db.Channel{Name: "primary", Driver: "sns", DailyLimit: 500})
	if rec.Code != http.StatusOK {
		t.Fatalf("register: expected 200, got %d", rec.Code)
	}
	var ch db.Channel
	_ = json.NewDecoder(rec.Body).Decode(&ch)
	if ch.ID != "sms-1" || ch.Driver != "sns" {
		t.Errorf("registered channel = %+v", ch)
	}

	rec = env.do(t, http.MethodGet, "/v1/channels", nil)
	var list struct {
		Count int `json:"count"`
	}
	_ = json.NewDecoder(rec.Body).Decode(&list)
	if list.Count != 1 {
		t.Errorf("channel count = %d, want 1", list.Count)
	}

	if rec := env.do(t, http.MethodDelete, "/v1/channels/sms-1", nil); rec.Code != http.StatusNoContent {
		t.Errorf("deregister: expected 204, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/v1/channels/sms-1", nil); rec.Code != http.StatusNotFound {
		t.Errorf("second deregister: expected 404, got %d", rec.Code)
	}
}

func TestDefinitions(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name           string
		method, path   string
		body           interface{}
		expectedStatus int
	}{
		{"template", http.MethodPut, "/v1/templates/promo", db.Template{Body: "Hi {name}"}, http.StatusOK},
		{"empty template", http.MethodPut, "/v1/templates/promo", db.Template{}, http.StatusBadRequest},
		{"sequence", http.MethodPut, "/v1/sequences/" + uuid.NewString(),
			db.SequenceDefinition{Name: "onboarding", Steps: []db.Step{{StepNumber: 1, TemplateRef: "a"}, {StepNumber: 3, TemplateRef: "c"}}}, http.StatusOK},
		{"duplicate step", http.MethodPut, "/v1/sequences/" + uuid.NewString(),
			db.SequenceDefinition{Steps: []db.Step{{StepNumber: 1, TemplateRef: "a"}, {StepNumber: 1, TemplateRef: "b"}}}, http.StatusBadRequest},
		{"schedule", http.MethodPut, "/v1/schedules/" + uuid.NewString(),
			db.ScheduleDefinition{Name: "day-10", ThresholdDays: 10, TemplateRef: "promo", Active: true}, http.StatusOK},
		{"schedule without template", http.MethodPut, "/v1/schedules/" + uuid.NewString(),
			db.ScheduleDefinition{ThresholdDays: 10}, http.StatusBadRequest},
		{"schedule bad id", http.MethodPut, "/v1/schedules/xyz", db.ScheduleDefinition{}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body)
			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d: %s", tt.expectedStatus, rec.Code, rec.Body.String())
			}
		})
	}

	if _, err := env.store.GetTemplate(context.Background(), "promo"); err != nil {
		t.Errorf("template not stored: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/v1/schedules?active=true", nil)
	var list struct {
		Count int `json:"count"`
	}
	_ = json.NewDecoder(rec.Body).Decode(&list)
	if list.Count != 1 {
		t.Errorf("active schedules = %d, want 1", list.Count)
	}
}

func TestRunSchedules(t *testing.T) {
	jobID := uuid.New()
	tests := []struct {
		name           string
		campaigns      *mockCampaigns
		expectedStatus int
	}{
		{"not configured", nil, http.StatusServiceUnavailable},
		{"ran", &mockCampaigns{report: &campaign.Report{Assigned: 2, Buckets: []campaign.BucketResult{{Recipients: 2, JobID: &jobID}}}}, http.StatusOK},
		{"overlapping run", &mockCampaigns{err: campaign.ErrRunInProgress}, http.StatusConflict},
		{"store failure", &mockCampaigns{err: errors.New("database error")}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(h *Handler) {
				if tt.campaigns != nil {
					h.WithCampaigns(tt.campaigns)
				}
			})

			rec := env.do(t, http.MethodPost, "/v1/schedules/run", nil)
			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			if tt.expectedStatus == http.StatusOK {
				var report campaign.Report
				_ = json.NewDecoder(rec.Body).Decode(&report)
				if report.Assigned != 2 || len(report.Buckets) != 1 || *report.Buckets[0].JobID != jobID {
					t.Errorf("report = %+v", report)
				}
			}
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	logger := zap.NewNop()
	store := db.NewMemoryStore()
	h := NewHandler(logger, NewMockEngine(), dispatch.NewChannelRegistry(store, logger), store)

	healthy := NewRouter(h, RouterConfig{Health: map[string]HealthCheck{
		"database": func(ctx context.Context) error { return nil },
	}})
	rec := httptest.NewRecorder()
	healthy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthy: expected 200, got %d", rec.Code)
	}

	unhealthy := NewRouter(h, RouterConfig{Health: map[string]HealthCheck{
		"redis": func(ctx context.Context) error { return errors.New("connection refused") },
	}})
	rec = httptest.NewRecorder()
	unhealthy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy: expected 503, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	healthy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("metrics: expected 200, got %d", rec.Code)
	}
}
