package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryStore_RecipientsAreCopied(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	r := &Recipient{Address: "9876500000", Fields: map[string]string{"name": "Asha"}}
	if err := m.UpsertRecipient(ctx, r); err != nil {
		t.Fatalf("UpsertRecipient() error = %v", err)
	}
	if r.ID == uuid.Nil {
		t.Fatal("UpsertRecipient() should assign an id")
	}

	r.Fields["name"] = "changed"
	got, _ := m.GetRecipients(ctx, []uuid.UUID{r.ID, uuid.New()})
	if len(got) != 1 {
		t.Fatalf("GetRecipients() = %d records, want 1 (unknown ids are ignored)", len(got))
	}
	if got[0].Fields["name"] != "Asha" {
		t.Error("stored recipient shares its fields map with the caller")
	}
}

func TestMemoryStore_ScheduleCandidates(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	event := time.Now().Add(-48 * time.Hour)

	_ = m.UpsertRecipient(ctx, &Recipient{Address: "1", EventAt: &event})
	_ = m.UpsertRecipient(ctx, &Recipient{Address: "2"})
	_ = m.UpsertRecipient(ctx, &Recipient{Address: "3", EventAt: &event, DoNotContact: true})

	got, err := m.ListScheduleCandidates(ctx)
	if err != nil {
		t.Fatalf("ListScheduleCandidates() error = %v", err)
	}
	if len(got) != 1 || got[0].Address != "1" {
		t.Errorf("candidates = %+v, want only the contactable recipient with an event date", got)
	}
}

func TestMemoryStore_JobNotFound(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	id := uuid.New()

	tests := []struct {
		name string
		err  error
	}{
		{"get", func() error { _, err := m.GetJob(ctx, id); return err }()},
		{"status", m.UpdateJobStatus(ctx, id, JobStatusPaused, "", nil, nil)},
		{"counters", m.UpdateJobCounters(ctx, id, Counters{})},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, ErrJobNotFound) {
			t.Errorf("%s: error = %v, want ErrJobNotFound", tt.name, tt.err)
		}
	}
}

func TestMemoryStore_JobsByStatus(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	paused := &Job{ID: uuid.New(), Status: JobStatusScheduled, RecipientIDs: []uuid.UUID{uuid.New()}}
	done := &Job{ID: uuid.New(), Status: JobStatusCompleted}
	_ = m.CreateJob(ctx, paused)
	_ = m.CreateJob(ctx, done)

	started := time.Now()
	if err := m.UpdateJobStatus(ctx, paused.ID, JobStatusPaused, "channel cooldown: a", &started, nil); err != nil {
		t.Fatalf("UpdateJobStatus() error = %v", err)
	}

	got, _ := m.ListJobsByStatus(ctx, JobStatusScheduled, JobStatusInProgress, JobStatusPaused)
	if len(got) != 1 || got[0].ID != paused.ID {
		t.Fatalf("ListJobsByStatus() = %+v", got)
	}
	if got[0].LastError != "channel cooldown: a" || got[0].StartedAt == nil {
		t.Errorf("status update not kept: %+v", got[0])
	}

	got[0].RecipientIDs[0] = uuid.Nil
	again, _ := m.GetJob(ctx, paused.ID)
	if again.RecipientIDs[0] == uuid.Nil {
		t.Error("GetJob should return a copy")
	}
}

func TestMemoryStore_ResendIsUnique(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	jobID := uuid.New()

	orig := &AuditRecord{ID: uuid.New(), JobID: jobID, RecipientID: uuid.New(), Status: AuditFailed}
	if err := m.AppendAudit(ctx, orig); err != nil {
		t.Fatalf("AppendAudit() error = %v", err)
	}

	if rec, _ := m.FindResend(ctx, orig.ID); rec != nil {
		t.Fatal("FindResend() before any resend should be nil")
	}

	first := &AuditRecord{ID: uuid.New(), JobID: jobID, RecipientID: orig.RecipientID, Status: AuditSent, ResendOf: &orig.ID}
	if err := m.AppendAudit(ctx, first); err != nil {
		t.Fatalf("AppendAudit(resend) error = %v", err)
	}
	second := &AuditRecord{ID: uuid.New(), JobID: jobID, RecipientID: orig.RecipientID, Status: AuditSent, ResendOf: &orig.ID}
	if err := m.AppendAudit(ctx, second); !errors.Is(err, ErrDuplicateResend) {
		t.Errorf("second resend error = %v, want ErrDuplicateResend", err)
	}

	found, _ := m.FindResend(ctx, orig.ID)
	if found == nil || found.ID != first.ID {
		t.Errorf("FindResend() = %+v, want %s", found, first.ID)
	}

	audited, _ := m.AuditedRecipients(ctx, jobID)
	if len(audited) != 1 || !audited[orig.RecipientID] {
		t.Errorf("AuditedRecipients() = %v", audited)
	}
	if recs, _ := m.ListAuditByJob(ctx, jobID); len(recs) != 2 {
		t.Errorf("ListAuditByJob() = %d records, want 2", len(recs))
	}
	if _, err := m.GetAudit(ctx, uuid.New()); !errors.Is(err, ErrAuditNotFound) {
		t.Errorf("GetAudit(unknown) error = %v", err)
	}
}

func TestMemoryStore_DailyStats(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	for i := 0; i < 3; i++ {
		_, _ = m.IncrementDailyStat(ctx, "2026-03-02", "a")
	}
	n, _ := m.IncrementDailyStat(ctx, "2026-03-03", "a")

	if got, _ := m.GetDailyStat(ctx, "2026-03-02", "a"); got != 3 {
		t.Errorf("day one = %d, want 3", got)
	}
	if n != 1 {
		t.Errorf("day two = %d, want 1", n)
	}
	if got, _ := m.GetDailyStat(ctx, "2026-03-02", "b"); got != 0 {
		t.Errorf("other channel = %d, want 0", got)
	}
}

func TestMemoryStore_Schedules(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	for _, s := range []*ScheduleDefinition{
		{Name: "day-30", ThresholdDays: 30, TemplateRef: "c", Active: true},
		{Name: "day-10", ThresholdDays: 10, TemplateRef: "a", Active: true},
		{Name: "day-20", ThresholdDays: 20, TemplateRef: "b"},
	} {
		if err := m.UpsertSchedule(ctx, s); err != nil {
			t.Fatalf("UpsertSchedule() error = %v", err)
		}
	}

	all, _ := m.ListSchedules(ctx, false)
	if len(all) != 3 || all[0].ThresholdDays != 10 || all[2].ThresholdDays != 30 {
		t.Errorf("ListSchedules(false) not ordered by threshold: %+v", all)
	}
	active, _ := m.ListSchedules(ctx, true)
	if len(active) != 2 {
		t.Errorf("ListSchedules(true) = %d, want 2", len(active))
	}
}

func TestDayKeyAndTruncate(t *testing.T) {
	at := time.Date(2026, 3, 2, 23, 59, 0, 0, time.Local)
	if got := DayKey(at); got != "2026-03-02" {
		t.Errorf("DayKey() = %s", got)
	}

	long := make([]rune, MaxAuditContent+20)
	for i := range long {
		long[i] = 'é'
	}
	if got := []rune(TruncateContent(string(long))); len(got) != MaxAuditContent {
		t.Errorf("TruncateContent() kept %d runes, want %d", len(got), MaxAuditContent)
	}
	if got := TruncateContent("short"); got != "short" {
		t.Errorf("TruncateContent(short) = %q", got)
	}
}

func TestJobStatusTerminal(t *testing.T) {
	for status, want := range map[JobStatus]bool{
		JobStatusScheduled:  false,
		JobStatusInProgress: false,
		JobStatusPaused:     false,
		JobStatusCancelled:  true,
		JobStatusCompleted:  true,
		JobStatusFailed:     true,
	} {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}
