package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/campaign"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/redis"
)

// maxBody bounds request bodies; recipient uploads are the largest.
const maxBody = 8 << 20

// Engine is the job surface the API drives. *dispatch.Orchestrator implements it.
type Engine interface {
	SubmitRequest(ctx context.Context, req dispatch.Request) (uuid.UUID, error)
	Progress(ctx context.Context, jobID uuid.UUID) (dispatch.Progress, error)
	Pause(ctx context.Context, jobID uuid.UUID) error
	Resume(ctx context.Context, jobID uuid.UUID) error
	Cancel(ctx context.Context, jobID uuid.UUID) error
	Resend(ctx context.Context, auditID uuid.UUID) (*db.AuditRecord, error)
}

// Channels manages registered channels. *dispatch.ChannelRegistry implements it.
type Channels interface {
	Register(ctx context.Context, ch *db.Channel) error
	Deregister(ctx context.Context, id string) error
	List() []*db.Channel
}

// Repository is the persistence the API reads and writes directly.
type Repository interface {
	GetRecipients(ctx context.Context, ids []uuid.UUID) ([]*db.Recipient, error)
	UpsertRecipient(ctx context.Context, r *db.Recipient) error
	ListAuditByJob(ctx context.Context, jobID uuid.UUID) ([]*db.AuditRecord, error)
	UpsertTemplate(ctx context.Context, t *db.Template) error
	UpsertSequence(ctx context.Context, s *db.SequenceDefinition) error
	ListSchedules(ctx context.Context, activeOnly bool) ([]*db.ScheduleDefinition, error)
	UpsertSchedule(ctx context.Context, s *db.ScheduleDefinition) error
}

// Campaigns runs the schedule assignment on demand. *campaign.Runner implements it.
type Campaigns interface {
	RunOnce(ctx context.Context) (*campaign.Report, error)
}

// Idempotency remembers submitted requests by key. *redis.ClaimService implements it.
type Idempotency interface {
	CheckOrReserve(ctx context.Context, tenant, key string) (*redis.RequestResult, error)
	Complete(ctx context.Context, tenant, key string, result *redis.RequestResult) error
	Abandon(ctx context.Context, tenant, key string) error
}

// Queue accepts job requests for asynchronous submission. *sqs.Producer implements it.
type Queue interface {
	Enqueue(ctx context.Context, tenantID string, req dispatch.Request) (string, error)
}

// JobResponse is returned after submitting a job
type JobResponse struct {
	ID        string `json:"id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// RecipientInput is one entry of a bulk recipient upload. History fields
// are owned by the engine and cannot be set here.
type RecipientInput struct {
	ID              *uuid.UUID        `json:"id,omitempty"`
	Address         string            `json:"address"`
	Fields          map[string]string `json:"fields,omitempty"`
	EventAt         *time.Time        `json:"event_at,omitempty"`
	DoNotContact    bool              `json:"do_not_contact"`
	AssignedChannel string            `json:"assigned_channel,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	engine      Engine
	channels    Channels
	repo        Repository
	campaigns   Campaigns   // nil disables POST /v1/schedules/run
	idempotency Idempotency // nil if Redis not configured
	queue       Queue       // nil if SQS not configured
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, engine Engine, channels Channels, repo Repository) *Handler {
	return &Handler{
		logger:   logger,
		engine:   engine,
		channels: channels,
		repo:     repo,
	}
}

// WithIdempotency enables Idempotency-Key support on job submission.
func (h *Handler) WithIdempotency(idem Idempotency) *Handler {
	h.idempotency = idem
	return h
}

// WithQueue enables ?async=true submissions through SQS.
func (h *Handler) WithQueue(q Queue) *Handler {
	h.queue = q
	return h
}

// WithCampaigns enables on-demand campaign runs.
func (h *Handler) WithCampaigns(c Campaigns) *Handler {
	h.campaigns = c
	return h
}

func tenantOf(r *http.Request) string {
	if tenantID := r.Header.Get("X-Tenant-ID"); tenantID != "" {
		return tenantID
	}
	return "default"
}

// SubmitJob handles POST /v1/jobs
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	idempotencyKey := r.Header.Get("Idempotency-Key")
	tenant := tenantOf(r)

	var req dispatch.Request
	if !h.decode(w, r, &req) {
		return
	}

	if len(req.RecipientIDs) == 0 || len(req.ChannelIDs) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "recipient_ids and channel_ids are required")
		return
	}

	if r.URL.Query().Get("async") == "true" {
		h.enqueueJob(w, r, tenant, req)
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, tenant, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
			idempotencyKey = ""
		} else if cached != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("X-Idempotency-Replayed", "true")
			writeJSON(w, cached.StatusCode, JobResponse{ID: cached.JobID})
			return
		}
	} else {
		idempotencyKey = ""
	}

	jobID, err := h.engine.SubmitRequest(ctx, req)
	if err != nil {
		if idempotencyKey != "" {
			if aerr := h.idempotency.Abandon(ctx, tenant, idempotencyKey); aerr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(aerr))
			}
		}
		h.writeEngineError(w, err, "Failed to submit job")
		return
	}

	if idempotencyKey != "" {
		result := &redis.RequestResult{JobID: jobID.String(), StatusCode: http.StatusCreated}
		if err := h.idempotency.Complete(ctx, tenant, idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.logger.Info("job submitted",
		zap.String("job_id", jobID.String()),
		zap.String("tenant", tenant),
		zap.Int("recipients", len(req.RecipientIDs)),
	)
	writeJSON(w, http.StatusCreated, JobResponse{ID: jobID.String()})
}

func (h *Handler) enqueueJob(w http.ResponseWriter, r *http.Request, tenant string, req dispatch.Request) {
	if h.queue == nil {
		h.writeError(w, http.StatusServiceUnavailable, "queue_unavailable", "Asynchronous submission is not configured", "")
		return
	}

	requestID, err := h.queue.Enqueue(r.Context(), tenant, req)
	if err != nil {
		h.logger.Error("failed to enqueue job request", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to enqueue job request", "")
		return
	}

	h.logger.Info("job request enqueued", zap.String("request_id", requestID))
	writeJSON(w, http.StatusAccepted, JobResponse{RequestID: requestID})
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.pathUUID(w, r, "Invalid job ID")
	if !ok {
		return
	}

	p, err := h.engine.Progress(r.Context(), jobID)
	if err != nil {
		h.writeEngineError(w, err, "Failed to get job")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// PauseJob handles POST /v1/jobs/{id}/pause
func (h *Handler) PauseJob(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "paused", h.engine.Pause)
}

// ResumeJob handles POST /v1/jobs/{id}/resume
func (h *Handler) ResumeJob(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "resumed", h.engine.Resume)
}

// CancelJob handles POST /v1/jobs/{id}/cancel
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "cancelled", h.engine.Cancel)
}

func (h *Handler) control(w http.ResponseWriter, r *http.Request, verb string, op func(context.Context, uuid.UUID) error) {
	jobID, ok := h.pathUUID(w, r, "Invalid job ID")
	if !ok {
		return
	}

	if err := op(r.Context(), jobID); err != nil {
		h.writeEngineError(w, err, "Failed to update job")
		return
	}

	h.logger.Info("job "+verb, zap.String("job_id", jobID.String()))
	p, err := h.engine.Progress(r.Context(), jobID)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"id": jobID.String(), "status": verb})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListJobAudit handles GET /v1/jobs/{id}/audit
func (h *Handler) ListJobAudit(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.pathUUID(w, r, "Invalid job ID")
	if !ok {
		return
	}

	if _, err := h.engine.Progress(r.Context(), jobID); err != nil {
		h.writeEngineError(w, err, "Failed to get job")
		return
	}

	records, err := h.repo.ListAuditByJob(r.Context(), jobID)
	if err != nil {
		h.logger.Error("failed to list audit records", zap.Error(err), zap.String("job_id", jobID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list audit records", "")
		return
	}

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := records[:0]
		for _, rec := range records {
			if string(rec.Status) == status {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	if records == nil {
		records = []*db.AuditRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  records,
		"count": len(records),
	})
}

// ResendAudit handles POST /v1/audit/{id}/resend
func (h *Handler) ResendAudit(w http.ResponseWriter, r *http.Request) {
	auditID, ok := h.pathUUID(w, r, "Invalid audit ID")
	if !ok {
		return
	}

	rec, err := h.engine.Resend(r.Context(), auditID)
	if err != nil {
		h.writeEngineError(w, err, "Failed to resend")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// UpsertRecipients handles PUT /v1/recipients
func (h *Handler) UpsertRecipients(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var inputs []RecipientInput
	if !h.decode(w, r, &inputs) {
		return
	}

	var ids []uuid.UUID
	for i, in := range inputs {
		if strings.TrimSpace(in.Address) == "" {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing address",
				"every recipient needs an address (entry "+strconv.Itoa(i)+")")
			return
		}
		if in.ID != nil {
			ids = append(ids, *in.ID)
		}
	}

	existing := make(map[uuid.UUID]*db.Recipient)
	if len(ids) > 0 {
		found, err := h.repo.GetRecipients(ctx, ids)
		if err != nil {
			h.logger.Error("failed to load recipients", zap.Error(err))
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load recipients", "")
			return
		}
		for _, rec := range found {
			existing[rec.ID] = rec
		}
	}

	out := make([]string, 0, len(inputs))
	for _, in := range inputs {
		rec := &db.Recipient{ID: uuid.New()}
		if in.ID != nil {
			if prev, ok := existing[*in.ID]; ok {
				rec = prev
			} else {
				rec.ID = *in.ID
			}
		}
		rec.Address = in.Address
		rec.Fields = in.Fields
		rec.EventAt = in.EventAt
		rec.DoNotContact = in.DoNotContact
		rec.AssignedChannel = in.AssignedChannel

		if err := h.repo.UpsertRecipient(ctx, rec); err != nil {
			h.logger.Error("failed to upsert recipient", zap.Error(err), zap.String("recipient_id", rec.ID.String()))
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to store recipients", "")
			return
		}
		out = append(out, rec.ID.String())
	}

	h.logger.Info("recipients upserted", zap.Int("count", len(out)))
	writeJSON(w, http.StatusOK, map[string]interface{}{"ids": out, "count": len(out)})
}

// RegisterChannel handles PUT /v1/channels/{id}
func (h *Handler) RegisterChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing channel ID", "")
		return
	}

	var ch db.Channel
	if !h.decode(w, r, &ch) {
		return
	}
	ch.ID = id

	if err := h.channels.Register(r.Context(), &ch); err != nil {
		h.writeEngineError(w, err, "Failed to register channel")
		return
	}

	h.logger.Info("channel registered", zap.String("channel_id", id), zap.String("driver", ch.Driver))
	writeJSON(w, http.StatusOK, ch)
}

// DeregisterChannel handles DELETE /v1/channels/{id}
func (h *Handler) DeregisterChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.channels.Deregister(r.Context(), id); err != nil {
		h.writeEngineError(w, err, "Failed to remove channel")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListChannels handles GET /v1/channels
func (h *Handler) ListChannels(w http.ResponseWriter, r *http.Request) {
	channels := h.channels.List()
	if channels == nil {
		channels = []*db.Channel{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": channels, "count": len(channels)})
}

// UpsertTemplate handles PUT /v1/templates/{name}
func (h *Handler) UpsertTemplate(w http.ResponseWriter, r *http.Request) {
	var t db.Template
	if !h.decode(w, r, &t) {
		return
	}
	t.Name = chi.URLParam(r, "name")
	if t.Name == "" || (t.Body == "" && t.MediaRef == "") {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid template", "name and a body or media_ref are required")
		return
	}

	if err := h.repo.UpsertTemplate(r.Context(), &t); err != nil {
		h.logger.Error("failed to upsert template", zap.Error(err), zap.String("template", t.Name))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to store template", "")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// UpsertSequence handles PUT /v1/sequences/{id}
func (h *Handler) UpsertSequence(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "Invalid sequence ID")
	if !ok {
		return
	}

	var s db.SequenceDefinition
	if !h.decode(w, r, &s) {
		return
	}
	s.ID = id

	seen := make(map[int]bool, len(s.Steps))
	for _, step := range s.Steps {
		if step.TemplateRef == "" || seen[step.StepNumber] {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid sequence",
				"step numbers must be unique and every step needs a template_ref")
			return
		}
		seen[step.StepNumber] = true
	}

	if err := h.repo.UpsertSequence(r.Context(), &s); err != nil {
		h.logger.Error("failed to upsert sequence", zap.Error(err), zap.String("sequence_id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to store sequence", "")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// ListSchedules handles GET /v1/schedules
func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.repo.ListSchedules(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		h.logger.Error("failed to list schedules", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list schedules", "")
		return
	}
	if schedules == nil {
		schedules = []*db.ScheduleDefinition{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": schedules, "count": len(schedules)})
}

// UpsertSchedule handles PUT /v1/schedules/{id}
func (h *Handler) UpsertSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "Invalid schedule ID")
	if !ok {
		return
	}

	var s db.ScheduleDefinition
	if !h.decode(w, r, &s) {
		return
	}
	s.ID = id

	if s.ThresholdDays < 0 || s.TemplateRef == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid schedule",
			"threshold_days must be >= 0 and template_ref is required")
		return
	}

	if err := h.repo.UpsertSchedule(r.Context(), &s); err != nil {
		h.logger.Error("failed to upsert schedule", zap.Error(err), zap.String("schedule_id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to store schedule", "")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// RunSchedules handles POST /v1/schedules/run
func (h *Handler) RunSchedules(w http.ResponseWriter, r *http.Request) {
	if h.campaigns == nil {
		h.writeError(w, http.StatusServiceUnavailable, "campaigns_unavailable", "Campaign runner is not configured", "")
		return
	}

	report, err := h.campaigns.RunOnce(r.Context())
	if err != nil {
		if errors.Is(err, campaign.ErrRunInProgress) {
			h.writeError(w, http.StatusConflict, "run_in_progress", "A campaign run is already in progress", "")
			return
		}
		h.logger.Error("campaign run failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "campaign_error", "Campaign run failed", "")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return false
	}
	return true
}

func (h *Handler) pathUUID(w http.ResponseWriter, r *http.Request, title string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", title, "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// writeEngineError maps engine sentinels to problem responses.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error, title string) {
	switch {
	case errors.Is(err, dispatch.ErrJobNotFound), errors.Is(err, db.ErrJobNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Job not found", "")
	case errors.Is(err, db.ErrAuditNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Audit record not found", "")
	case errors.Is(err, db.ErrChannelNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Channel not found", "")
	case errors.Is(err, dispatch.ErrJobNotActive):
		h.writeError(w, http.StatusConflict, "job_not_active", "Job is not active", err.Error())
	case errors.Is(err, dispatch.ErrNotResendable):
		h.writeError(w, http.StatusConflict, "not_resendable", "Audit record cannot be resent", err.Error())
	case errors.Is(err, dispatch.ErrResendInProgress):
		h.writeError(w, http.StatusConflict, "duplicate_request", "Resend already in progress", "")
	case errors.Is(err, dispatch.ErrConfiguration):
		h.writeError(w, http.StatusUnprocessableEntity, "configuration_error", title, err.Error())
	case errors.Is(err, dispatch.ErrChannelCooldown):
		h.writeError(w, http.StatusServiceUnavailable, "channel_cooldown", "Channel is cooling down", "")
	case errors.Is(err, dispatch.ErrRateLimited):
		h.writeError(w, http.StatusTooManyRequests, "rate_limited", "Channel is rate limited", "")
	default:
		h.logger.Error(strings.ToLower(title), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", title, "")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
