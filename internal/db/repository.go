package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Repository handles database operations for the dispatch engine
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const uniqueViolation = "23505"

// ---- recipients ----

const recipientColumns = `
	id, address, fields, event_at, last_message_sent_at,
	last_template_used, last_sequence_step, do_not_contact,
	assigned_channel, updated_at`

func scanRecipient(row pgx.Row) (*Recipient, error) {
	var (
		r      Recipient
		fields []byte
	)
	err := row.Scan(
		&r.ID,
		&r.Address,
		&fields,
		&r.EventAt,
		&r.LastMessageSentAt,
		&r.LastTemplateUsed,
		&r.LastSequenceStep,
		&r.DoNotContact,
		&r.AssignedChannel,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &r.Fields); err != nil {
			return nil, fmt.Errorf("decode recipient fields: %w", err)
		}
	}
	return &r, nil
}

// GetRecipients loads recipients by id, silently dropping unknown ids
func (r *Repository) GetRecipients(ctx context.Context, ids []uuid.UUID) ([]*Recipient, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + recipientColumns + ` FROM recipients WHERE id = ANY($1::text[]::uuid[])`

	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}

	rows, err := r.db.Pool().Query(ctx, query, strIDs)
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]*Recipient, len(ids))
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		byID[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	// Preserve the caller's order; assignment order drives per-channel audit order.
	out := make([]*Recipient, 0, len(byID))
	for _, id := range ids {
		if rec, ok := byID[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// UpsertRecipient inserts or replaces a recipient keyed by id
func (r *Repository) UpsertRecipient(ctx context.Context, rec *Recipient) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("encode recipient fields: %w", err)
	}

	query := `
		INSERT INTO recipients (
			id, address, fields, event_at, last_message_sent_at,
			last_template_used, last_sequence_step, do_not_contact, assigned_channel
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			address = EXCLUDED.address,
			fields = EXCLUDED.fields,
			event_at = EXCLUDED.event_at,
			last_message_sent_at = EXCLUDED.last_message_sent_at,
			last_template_used = EXCLUDED.last_template_used,
			last_sequence_step = EXCLUDED.last_sequence_step,
			do_not_contact = EXCLUDED.do_not_contact,
			assigned_channel = EXCLUDED.assigned_channel,
			updated_at = NOW()
		RETURNING updated_at
	`
	err = r.db.Pool().QueryRow(ctx, query,
		rec.ID,
		rec.Address,
		fields,
		rec.EventAt,
		rec.LastMessageSentAt,
		rec.LastTemplateUsed,
		rec.LastSequenceStep,
		rec.DoNotContact,
		rec.AssignedChannel,
	).Scan(&rec.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to upsert recipient",
			zap.Error(err),
			zap.String("recipient_id", rec.ID.String()),
		)
		return fmt.Errorf("upsert recipient: %w", err)
	}
	return nil
}

// ListScheduleCandidates returns contactable recipients that have a qualifying event date
func (r *Repository) ListScheduleCandidates(ctx context.Context) ([]*Recipient, error) {
	query := `SELECT ` + recipientColumns + `
		FROM recipients
		WHERE event_at IS NOT NULL AND do_not_contact = FALSE
		ORDER BY id`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query schedule candidates: %w", err)
	}
	defer rows.Close()

	var out []*Recipient
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ---- channels ----

const channelColumns = `
	id, name, driver, state, consecutive_failures, rate_limit_hits,
	last_message_at, session_started_at, cooldown_until,
	daily_sent, daily_sent_day, daily_limit, updated_at`

func scanChannel(row pgx.Row) (*Channel, error) {
	var ch Channel
	err := row.Scan(
		&ch.ID,
		&ch.Name,
		&ch.Driver,
		&ch.State,
		&ch.ConsecutiveFailures,
		&ch.RateLimitHits,
		&ch.LastMessageAt,
		&ch.SessionStartedAt,
		&ch.CooldownUntil,
		&ch.DailySent,
		&ch.DailySentDay,
		&ch.DailyLimit,
		&ch.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// GetChannel retrieves a channel by id
func (r *Repository) GetChannel(ctx context.Context, id string) (*Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels WHERE id = $1`

	ch, err := scanChannel(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query channel: %w", err)
	}
	return ch, nil
}

// UpsertChannel inserts or replaces a channel keyed by id
func (r *Repository) UpsertChannel(ctx context.Context, ch *Channel) error {
	query := `
		INSERT INTO channels (
			id, name, driver, state, consecutive_failures, rate_limit_hits,
			last_message_at, session_started_at, cooldown_until,
			daily_sent, daily_sent_day, daily_limit
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			driver = EXCLUDED.driver,
			state = EXCLUDED.state,
			consecutive_failures = EXCLUDED.consecutive_failures,
			rate_limit_hits = EXCLUDED.rate_limit_hits,
			last_message_at = EXCLUDED.last_message_at,
			session_started_at = EXCLUDED.session_started_at,
			cooldown_until = EXCLUDED.cooldown_until,
			daily_sent = EXCLUDED.daily_sent,
			daily_sent_day = EXCLUDED.daily_sent_day,
			daily_limit = EXCLUDED.daily_limit,
			updated_at = NOW()
	`
	_, err := r.db.Pool().Exec(ctx, query,
		ch.ID,
		ch.Name,
		ch.Driver,
		ch.State,
		ch.ConsecutiveFailures,
		ch.RateLimitHits,
		ch.LastMessageAt,
		ch.SessionStartedAt,
		ch.CooldownUntil,
		ch.DailySent,
		ch.DailySentDay,
		ch.DailyLimit,
	)
	if err != nil {
		return fmt.Errorf("upsert channel: %w", err)
	}
	return nil
}

// DeleteChannel removes a channel registration
func (r *Repository) DeleteChannel(ctx context.Context, id string) error {
	tag, err := r.db.Pool().Exec(ctx, `DELETE FROM channels WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrChannelNotFound
	}
	return nil
}

// ListChannels returns every registered channel
func (r *Repository) ListChannels(ctx context.Context) ([]*Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels ORDER BY id`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var out []*Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// ---- jobs ----

const jobColumns = `
	id, kind, recipient_ids, channel_ids, content, constraints, schedule_id,
	status, total, sent, failed, skipped, last_error,
	start_at, started_at, finished_at, created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var (
		j                        Job
		recipientIDs, channelIDs []byte
		content, constraints     []byte
	)
	err := row.Scan(
		&j.ID,
		&j.Kind,
		&recipientIDs,
		&channelIDs,
		&content,
		&constraints,
		&j.ScheduleID,
		&j.Status,
		&j.Counters.Total,
		&j.Counters.Sent,
		&j.Counters.Failed,
		&j.Counters.Skipped,
		&j.LastError,
		&j.StartAt,
		&j.StartedAt,
		&j.FinishedAt,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	for _, part := range []struct {
		raw []byte
		dst any
	}{
		{recipientIDs, &j.RecipientIDs},
		{channelIDs, &j.ChannelIDs},
		{content, &j.Content},
		{constraints, &j.Constraints},
	} {
		if len(part.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(part.raw, part.dst); err != nil {
			return nil, fmt.Errorf("decode job column: %w", err)
		}
	}
	return &j, nil
}

// CreateJob inserts a new job
func (r *Repository) CreateJob(ctx context.Context, job *Job) error {
	recipientIDs, err := json.Marshal(job.RecipientIDs)
	if err != nil {
		return fmt.Errorf("encode recipient ids: %w", err)
	}
	channelIDs, err := json.Marshal(job.ChannelIDs)
	if err != nil {
		return fmt.Errorf("encode channel ids: %w", err)
	}
	content, err := json.Marshal(job.Content)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	constraints, err := json.Marshal(job.Constraints)
	if err != nil {
		return fmt.Errorf("encode constraints: %w", err)
	}

	query := `
		INSERT INTO jobs (
			id, kind, recipient_ids, channel_ids, content, constraints, schedule_id,
			status, total, sent, failed, skipped, last_error, start_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at
	`
	err = r.db.Pool().QueryRow(ctx, query,
		job.ID,
		job.Kind,
		recipientIDs,
		channelIDs,
		content,
		constraints,
		job.ScheduleID,
		job.Status,
		job.Counters.Total,
		job.Counters.Sent,
		job.Counters.Failed,
		job.Counters.Skipped,
		job.LastError,
		job.StartAt,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create job",
			zap.Error(err),
			zap.String("job_id", job.ID.String()),
		)
		return fmt.Errorf("insert job: %w", err)
	}

	r.logger.Info("job created",
		zap.String("job_id", job.ID.String()),
		zap.String("kind", string(job.Kind)),
		zap.Int("total", job.Counters.Total),
	)
	return nil
}

// GetJob retrieves a job by id
func (r *Repository) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

// UpdateJobStatus records a lifecycle transition. Nil timestamps are left unchanged.
func (r *Repository) UpdateJobStatus(
	ctx context.Context,
	id uuid.UUID,
	status JobStatus,
	lastError string,
	startedAt *time.Time,
	finishedAt *time.Time,
) error {
	query := `
		UPDATE jobs
		SET status = $1,
			last_error = $2,
			started_at = COALESCE($3, started_at),
			finished_at = COALESCE($4, finished_at),
			updated_at = NOW()
		WHERE id = $5
	`
	result, err := r.db.Pool().Exec(ctx, query, status, lastError, startedAt, finishedAt, id)
	if err != nil {
		r.logger.Error("failed to update job status",
			zap.Error(err),
			zap.String("job_id", id.String()),
		)
		return fmt.Errorf("update job status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// UpdateJobCounters persists the aggregate counters of a job
func (r *Repository) UpdateJobCounters(ctx context.Context, id uuid.UUID, c Counters) error {
	query := `
		UPDATE jobs
		SET total = $1, sent = $2, failed = $3, skipped = $4, updated_at = NOW()
		WHERE id = $5
	`
	result, err := r.db.Pool().Exec(ctx, query, c.Total, c.Sent, c.Failed, c.Skipped, id)
	if err != nil {
		return fmt.Errorf("update job counters: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// ListJobsByStatus returns jobs in any of the given states, oldest first
func (r *Repository) ListJobsByStatus(ctx context.Context, statuses ...JobStatus) ([]*Job, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = ANY($1) ORDER BY created_at ASC`

	rows, err := r.db.Pool().Query(ctx, query, names)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// ---- audit ----

const auditColumns = `
	id, job_id, recipient_id, channel_id, address, template, content,
	status, reason, media_ref, attempts, resend_of, created_at`

func scanAudit(row pgx.Row) (*AuditRecord, error) {
	var a AuditRecord
	err := row.Scan(
		&a.ID,
		&a.JobID,
		&a.RecipientID,
		&a.ChannelID,
		&a.Address,
		&a.Template,
		&a.Content,
		&a.Status,
		&a.Reason,
		&a.MediaRef,
		&a.Attempts,
		&a.ResendOf,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// AppendAudit writes one immutable attempt record. A second resend of the
// same failed record violates uq_audit_resend_of and maps to ErrDuplicateResend.
func (r *Repository) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO audit_records (
			id, job_id, recipient_id, channel_id, address, template, content,
			status, reason, media_ref, attempts, resend_of, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.db.Pool().Exec(ctx, query,
		rec.ID,
		rec.JobID,
		rec.RecipientID,
		rec.ChannelID,
		rec.Address,
		rec.Template,
		TruncateContent(rec.Content),
		rec.Status,
		rec.Reason,
		rec.MediaRef,
		rec.Attempts,
		rec.ResendOf,
		rec.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && rec.ResendOf != nil {
			return ErrDuplicateResend
		}
		r.logger.Error("failed to append audit record",
			zap.Error(err),
			zap.String("job_id", rec.JobID.String()),
			zap.String("recipient_id", rec.RecipientID.String()),
		)
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// GetAudit retrieves a single audit record
func (r *Repository) GetAudit(ctx context.Context, id uuid.UUID) (*AuditRecord, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_records WHERE id = $1`

	rec, err := scanAudit(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAuditNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query audit record: %w", err)
	}
	return rec, nil
}

// ListAuditByJob returns the audit trail of a job in write order
func (r *Repository) ListAuditByJob(ctx context.Context, jobID uuid.UUID) ([]*AuditRecord, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_records WHERE job_id = $1 ORDER BY created_at ASC, id ASC`

	rows, err := r.db.Pool().Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var out []*AuditRecord
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AuditedRecipients returns the recipients of a job that already have an outcome
func (r *Repository) AuditedRecipients(ctx context.Context, jobID uuid.UUID) (map[uuid.UUID]bool, error) {
	query := `SELECT DISTINCT recipient_id FROM audit_records WHERE job_id = $1 AND resend_of IS NULL`

	rows, err := r.db.Pool().Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audited recipients: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]bool)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan recipient id: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// FindResend returns the resend of a failed record, or nil if none exists
func (r *Repository) FindResend(ctx context.Context, originalID uuid.UUID) (*AuditRecord, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_records WHERE resend_of = $1`

	rec, err := scanAudit(r.db.Pool().QueryRow(ctx, query, originalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query resend: %w", err)
	}
	return rec, nil
}

// ---- daily stats ----

// IncrementDailyStat atomically bumps the sent count and returns the new value
func (r *Repository) IncrementDailyStat(ctx context.Context, day, channelID string) (int, error) {
	query := `
		INSERT INTO daily_stats (day, channel_id, sent) VALUES ($1, $2, 1)
		ON CONFLICT (day, channel_id) DO UPDATE SET sent = daily_stats.sent + 1
		RETURNING sent
	`
	var sent int
	if err := r.db.Pool().QueryRow(ctx, query, day, channelID).Scan(&sent); err != nil {
		return 0, fmt.Errorf("increment daily stat: %w", err)
	}
	return sent, nil
}

// GetDailyStat returns the sent count of a channel on a day
func (r *Repository) GetDailyStat(ctx context.Context, day, channelID string) (int, error) {
	var sent int
	err := r.db.Pool().QueryRow(ctx,
		`SELECT sent FROM daily_stats WHERE day = $1 AND channel_id = $2`, day, channelID,
	).Scan(&sent)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query daily stat: %w", err)
	}
	return sent, nil
}

// ---- templates, sequences, schedules ----

// GetTemplate retrieves a template by name
func (r *Repository) GetTemplate(ctx context.Context, name string) (*Template, error) {
	var t Template
	err := r.db.Pool().QueryRow(ctx,
		`SELECT name, body, media_ref, created_at FROM templates WHERE name = $1 AND deleted = FALSE`, name,
	).Scan(&t.Name, &t.Body, &t.MediaRef, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}
	return &t, nil
}

// UpsertTemplate inserts or replaces a template keyed by name
func (r *Repository) UpsertTemplate(ctx context.Context, t *Template) error {
	query := `
		INSERT INTO templates (name, body, media_ref) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET body = EXCLUDED.body, media_ref = EXCLUDED.media_ref, deleted = FALSE
		RETURNING created_at
	`
	if err := r.db.Pool().QueryRow(ctx, query, t.Name, t.Body, t.MediaRef).Scan(&t.CreatedAt); err != nil {
		return fmt.Errorf("upsert template: %w", err)
	}
	return nil
}

// GetSequence retrieves a sequence definition
func (r *Repository) GetSequence(ctx context.Context, id uuid.UUID) (*SequenceDefinition, error) {
	var (
		s     SequenceDefinition
		steps []byte
	)
	err := r.db.Pool().QueryRow(ctx,
		`SELECT id, name, steps FROM sequences WHERE id = $1`, id,
	).Scan(&s.ID, &s.Name, &steps)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSequenceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query sequence: %w", err)
	}
	if err := json.Unmarshal(steps, &s.Steps); err != nil {
		return nil, fmt.Errorf("decode sequence steps: %w", err)
	}
	return &s, nil
}

// UpsertSequence inserts or replaces a sequence definition
func (r *Repository) UpsertSequence(ctx context.Context, s *SequenceDefinition) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	steps, err := json.Marshal(s.Steps)
	if err != nil {
		return fmt.Errorf("encode sequence steps: %w", err)
	}
	_, err = r.db.Pool().Exec(ctx, `
		INSERT INTO sequences (id, name, steps) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, steps = EXCLUDED.steps
	`, s.ID, s.Name, steps)
	if err != nil {
		return fmt.Errorf("upsert sequence: %w", err)
	}
	return nil
}

// ListSchedules returns schedules ordered by threshold ascending
func (r *Repository) ListSchedules(ctx context.Context, activeOnly bool) ([]*ScheduleDefinition, error) {
	query := `
		SELECT id, name, threshold_days, template_ref, channel_ids, active
		FROM schedules
		WHERE ($1 = FALSE OR active = TRUE)
		ORDER BY threshold_days ASC
	`
	rows, err := r.db.Pool().Query(ctx, query, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []*ScheduleDefinition
	for rows.Next() {
		var (
			s        ScheduleDefinition
			channels []byte
		)
		if err := rows.Scan(&s.ID, &s.Name, &s.ThresholdDays, &s.TemplateRef, &channels, &s.Active); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		if len(channels) > 0 {
			if err := json.Unmarshal(channels, &s.ChannelIDs); err != nil {
				return nil, fmt.Errorf("decode schedule channels: %w", err)
			}
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// UpsertSchedule inserts or replaces a schedule definition
func (r *Repository) UpsertSchedule(ctx context.Context, s *ScheduleDefinition) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	channels, err := json.Marshal(s.ChannelIDs)
	if err != nil {
		return fmt.Errorf("encode schedule channels: %w", err)
	}
	_, err = r.db.Pool().Exec(ctx, `
		INSERT INTO schedules (id, name, threshold_days, template_ref, channel_ids, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			threshold_days = EXCLUDED.threshold_days,
			template_ref = EXCLUDED.template_ref,
			channel_ids = EXCLUDED.channel_ids,
			active = EXCLUDED.active
	`, s.ID, s.Name, s.ThresholdDays, s.TemplateRef, channels, s.Active)
	if err != nil {
		return fmt.Errorf("upsert schedule: %w", err)
	}
	return nil
}
