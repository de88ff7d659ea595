package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/herald/internal/db"
)

// Store is the persistence the engine needs. db.Repository (PostgreSQL) and
// db.MemoryStore implement it.
type Store interface {
	GetRecipients(ctx context.Context, ids []uuid.UUID) ([]*db.Recipient, error)
	UpsertRecipient(ctx context.Context, r *db.Recipient) error
	ListScheduleCandidates(ctx context.Context) ([]*db.Recipient, error)

	GetChannel(ctx context.Context, id string) (*db.Channel, error)
	UpsertChannel(ctx context.Context, ch *db.Channel) error
	DeleteChannel(ctx context.Context, id string) error
	ListChannels(ctx context.Context) ([]*db.Channel, error)

	CreateJob(ctx context.Context, job *db.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*db.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status db.JobStatus, lastError string, startedAt, finishedAt *time.Time) error
	UpdateJobCounters(ctx context.Context, id uuid.UUID, c db.Counters) error
	ListJobsByStatus(ctx context.Context, statuses ...db.JobStatus) ([]*db.Job, error)

	AppendAudit(ctx context.Context, rec *db.AuditRecord) error
	GetAudit(ctx context.Context, id uuid.UUID) (*db.AuditRecord, error)
	ListAuditByJob(ctx context.Context, jobID uuid.UUID) ([]*db.AuditRecord, error)
	AuditedRecipients(ctx context.Context, jobID uuid.UUID) (map[uuid.UUID]bool, error)
	FindResend(ctx context.Context, originalID uuid.UUID) (*db.AuditRecord, error)

	IncrementDailyStat(ctx context.Context, day, channelID string) (int, error)
	GetDailyStat(ctx context.Context, day, channelID string) (int, error)

	GetTemplate(ctx context.Context, name string) (*db.Template, error)
	UpsertTemplate(ctx context.Context, t *db.Template) error
	GetSequence(ctx context.Context, id uuid.UUID) (*db.SequenceDefinition, error)
	UpsertSequence(ctx context.Context, s *db.SequenceDefinition) error
	ListSchedules(ctx context.Context, activeOnly bool) ([]*db.ScheduleDefinition, error)
	UpsertSchedule(ctx context.Context, s *db.ScheduleDefinition) error
}

var (
	_ Store = (*db.MemoryStore)(nil)
	_ Store = (*db.Repository)(nil)
)
