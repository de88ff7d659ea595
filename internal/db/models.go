package db

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Not-found sentinels returned by every store implementation.
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrRecipientNotFound = errors.New("recipient not found")
	ErrChannelNotFound   = errors.New("channel not found")
	ErrTemplateNotFound  = errors.New("template not found")
	ErrSequenceNotFound  = errors.New("sequence not found")
	ErrScheduleNotFound  = errors.New("schedule not found")
	ErrAuditNotFound     = errors.New("audit record not found")

	// ErrDuplicateResend is returned when a failed record already has a resend.
	ErrDuplicateResend = errors.New("audit record already resent")
)

// ChannelState is the connectivity state of a sending channel.
type ChannelState string

const (
	ChannelDisconnected ChannelState = "disconnected"
	ChannelConnecting   ChannelState = "connecting"
	ChannelConnected    ChannelState = "connected"
	ChannelCooldown     ChannelState = "cooldown"
)

// Channel is an authenticated sending identity.
type Channel struct {
	ID                  string       `json:"id"`
	Name                string       `json:"name"`
	Driver              string       `json:"driver"`
	State               ChannelState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	RateLimitHits       int          `json:"rate_limit_hits"`
	LastMessageAt       *time.Time   `json:"last_message_at,omitempty"`
	SessionStartedAt    *time.Time   `json:"session_started_at,omitempty"`
	CooldownUntil       *time.Time   `json:"cooldown_until,omitempty"`
	DailySent           int          `json:"daily_sent"`
	DailySentDay        string       `json:"daily_sent_day,omitempty"`
	DailyLimit          int          `json:"daily_limit"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// Sentinel history values understood by the sequence and schedule engines.
const (
	WelcomeTemplate = "welcome"
	InitialTemplate = "initial"
)

// Recipient is the addressable target of a message together with its send history.
type Recipient struct {
	ID                uuid.UUID         `json:"id"`
	Address           string            `json:"address"`
	Fields            map[string]string `json:"fields,omitempty"`
	EventAt           *time.Time        `json:"event_at,omitempty"`
	LastMessageSentAt *time.Time        `json:"last_message_sent_at,omitempty"`
	LastTemplateUsed  string            `json:"last_template_used,omitempty"`
	LastSequenceStep  int               `json:"last_sequence_step"`
	DoNotContact      bool              `json:"do_not_contact"`
	AssignedChannel   string            `json:"assigned_channel,omitempty"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate history without sharing maps.
func (r *Recipient) Clone() *Recipient {
	cp := *r
	if r.Fields != nil {
		cp.Fields = make(map[string]string, len(r.Fields))
		for k, v := range r.Fields {
			cp.Fields[k] = v
		}
	}
	return &cp
}

// JobKind distinguishes operator-initiated sends from schedule-driven ones.
type JobKind string

const (
	JobImmediate JobKind = "immediate"
	JobScheduled JobKind = "scheduled"
)

// JobStatus is a state of the job lifecycle.
//
//	scheduled -> in_progress -> completed
//	in_progress <-> paused
//	scheduled|in_progress|paused -> cancelled
//	setup, audit write or incomplete run -> failed
type JobStatus string

const (
	JobStatusScheduled  JobStatus = "scheduled"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusPaused     JobStatus = "paused"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCancelled || s == JobStatusCompleted || s == JobStatusFailed
}

// ContentKind selects how a job picks the template for each recipient.
type ContentKind string

const (
	ContentFixed    ContentKind = "fixed"
	ContentSequence ContentKind = "sequence"
)

// JobContent names what a job sends.
type JobContent struct {
	Kind       ContentKind `json:"kind"`
	Template   string      `json:"template,omitempty"`
	SequenceID *uuid.UUID  `json:"sequence_id,omitempty"`
	MediaRef   string      `json:"media_ref,omitempty"`
}

// Partitioning strategies for spreading recipients across channels.
const (
	PartitionRoundRobin = "round_robin"
	PartitionAffinity   = "affinity"
)

// JobConstraints are per-job overrides of the engine defaults. Zero values
// mean "use the engine default".
type JobConstraints struct {
	Partition          string `json:"partition,omitempty"`
	PauseOnBreakerTrip bool   `json:"pause_on_breaker_trip,omitempty"`
	DailyLimit         int    `json:"daily_limit,omitempty"`
	MaxAttempts        int    `json:"max_attempts,omitempty"`
	MinDelayMS         int    `json:"min_delay_ms,omitempty"`
	MaxDelayMS         int    `json:"max_delay_ms,omitempty"`
}

// Counters are the aggregate outcome counters of a job.
type Counters struct {
	Total   int `json:"total"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Processed is the number of recipients with a recorded outcome.
func (c Counters) Processed() int {
	return c.Sent + c.Failed + c.Skipped
}

// Job is one dispatch run over a materialized recipient list.
type Job struct {
	ID           uuid.UUID      `json:"id"`
	Kind         JobKind        `json:"kind"`
	RecipientIDs []uuid.UUID    `json:"recipient_ids"`
	ChannelIDs   []string       `json:"channel_ids"`
	Content      JobContent     `json:"content"`
	Constraints  JobConstraints `json:"constraints"`
	ScheduleID   *uuid.UUID     `json:"schedule_id,omitempty"`
	Status       JobStatus      `json:"status"`
	Counters     Counters       `json:"counters"`
	LastError    string         `json:"last_error,omitempty"`
	StartAt      time.Time      `json:"start_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Template is a named message body with an optional media attachment.
type Template struct {
	Name      string    `json:"name"`
	Body      string    `json:"body"`
	MediaRef  string    `json:"media_ref,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Step is one entry of a sequence. Step numbers are unique but need not be contiguous.
type Step struct {
	StepNumber  int    `json:"step_number"`
	TemplateRef string `json:"template_ref"`
}

// SequenceDefinition is an ordered list of steps a recipient progresses through.
type SequenceDefinition struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Steps []Step    `json:"steps"`
}

// ScheduleDefinition is a threshold-based campaign slot.
type ScheduleDefinition struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	ThresholdDays int       `json:"threshold_days"`
	TemplateRef   string    `json:"template_ref"`
	ChannelIDs    []string  `json:"channel_ids"`
	Active        bool      `json:"active"`
}

// AuditStatus is the outcome of one send attempt.
type AuditStatus string

const (
	AuditSent    AuditStatus = "sent"
	AuditFailed  AuditStatus = "failed"
	AuditSkipped AuditStatus = "skipped"
)

// MaxAuditContent bounds the rendered content kept on an audit record.
const MaxAuditContent = 500

// AuditRecord is the immutable record of one send attempt.
type AuditRecord struct {
	ID          uuid.UUID   `json:"id"`
	JobID       uuid.UUID   `json:"job_id"`
	RecipientID uuid.UUID   `json:"recipient_id"`
	ChannelID   string      `json:"channel_id"`
	Address     string      `json:"address"`
	Template    string      `json:"template,omitempty"`
	Content     string      `json:"content,omitempty"`
	Status      AuditStatus `json:"status"`
	Reason      string      `json:"reason,omitempty"`
	MediaRef    string      `json:"media_ref,omitempty"`
	Attempts    int         `json:"attempts"`
	ResendOf    *uuid.UUID  `json:"resend_of,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// TruncateContent cuts s to MaxAuditContent runes.
func TruncateContent(s string) string {
	r := []rune(s)
	if len(r) <= MaxAuditContent {
		return s
	}
	return string(r[:MaxAuditContent])
}

// DailyStat is the per-day, per-channel sent count.
type DailyStat struct {
	Day       string `json:"day"`
	ChannelID string `json:"channel_id"`
	Sent      int    `json:"sent"`
}

// DayKey formats t as the local calendar day used for daily counters.
func DayKey(t time.Time) string {
	return t.Local().Format("2006-01-02")
}
