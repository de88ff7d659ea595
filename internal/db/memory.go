package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process store with the same semantics as Repository.
// It backs tests and STORE_DRIVER=memory deployments.
type MemoryStore struct {
	mu sync.RWMutex

	recipients map[uuid.UUID]*Recipient
	channels   map[string]*Channel
	jobs       map[uuid.UUID]*Job
	audit      []*AuditRecord
	auditByID  map[uuid.UUID]*AuditRecord
	resends    map[uuid.UUID]uuid.UUID
	daily      map[string]int
	templates  map[string]*Template
	sequences  map[uuid.UUID]*SequenceDefinition
	schedules  map[uuid.UUID]*ScheduleDefinition
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		recipients: make(map[uuid.UUID]*Recipient),
		channels:   make(map[string]*Channel),
		jobs:       make(map[uuid.UUID]*Job),
		auditByID:  make(map[uuid.UUID]*AuditRecord),
		resends:    make(map[uuid.UUID]uuid.UUID),
		daily:      make(map[string]int),
		templates:  make(map[string]*Template),
		sequences:  make(map[uuid.UUID]*SequenceDefinition),
		schedules:  make(map[uuid.UUID]*ScheduleDefinition),
	}
}

func (m *MemoryStore) GetRecipients(ctx context.Context, ids []uuid.UUID) ([]*Recipient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Recipient, 0, len(ids))
	for _, id := range ids {
		if r, ok := m.recipients[id]; ok {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) UpsertRecipient(ctx context.Context, r *Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.UpdatedAt = time.Now()
	m.recipients[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) ListScheduleCandidates(ctx context.Context) ([]*Recipient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Recipient
	for _, r := range m.recipients {
		if r.EventAt == nil || r.DoNotContact {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (m *MemoryStore) GetChannel(ctx context.Context, id string) (*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ch, ok := m.channels[id]
	if !ok {
		return nil, ErrChannelNotFound
	}
	cp := *ch
	return &cp, nil
}

func (m *MemoryStore) UpsertChannel(ctx context.Context, ch *Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *ch
	cp.UpdatedAt = time.Now()
	m.channels[ch.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteChannel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.channels[id]; !ok {
		return ErrChannelNotFound
	}
	delete(m.channels, id)
	return nil
}

func (m *MemoryStore) ListChannels(ctx context.Context) ([]*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		cp := *ch
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreateJob(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (m *MemoryStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status JobStatus, lastError string, startedAt, finishedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = status
	job.LastError = lastError
	if startedAt != nil {
		job.StartedAt = startedAt
	}
	if finishedAt != nil {
		job.FinishedAt = finishedAt
	}
	job.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) UpdateJobCounters(ctx context.Context, id uuid.UUID, c Counters) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Counters = c
	job.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListJobsByStatus(ctx context.Context, statuses ...JobStatus) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[JobStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*Job
	for _, job := range m.jobs {
		if want[job.Status] {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.ResendOf != nil {
		if _, dup := m.resends[*rec.ResendOf]; dup {
			return ErrDuplicateResend
		}
		m.resends[*rec.ResendOf] = rec.ID
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	cp := *rec
	m.audit = append(m.audit, &cp)
	m.auditByID[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAudit(ctx context.Context, id uuid.UUID) (*AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.auditByID[id]
	if !ok {
		return nil, ErrAuditNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) ListAuditByJob(ctx context.Context, jobID uuid.UUID) ([]*AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*AuditRecord
	for _, rec := range m.audit {
		if rec.JobID == jobID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) AuditedRecipients(ctx context.Context, jobID uuid.UUID) (map[uuid.UUID]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[uuid.UUID]bool)
	for _, rec := range m.audit {
		if rec.JobID == jobID && rec.ResendOf == nil {
			out[rec.RecipientID] = true
		}
	}
	return out, nil
}

func (m *MemoryStore) FindResend(ctx context.Context, originalID uuid.UUID) (*AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.resends[originalID]
	if !ok {
		return nil, nil
	}
	cp := *m.auditByID[id]
	return &cp, nil
}

func (m *MemoryStore) IncrementDailyStat(ctx context.Context, day, channelID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := day + "|" + channelID
	m.daily[key]++
	return m.daily[key], nil
}

func (m *MemoryStore) GetDailyStat(ctx context.Context, day, channelID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.daily[day+"|"+channelID], nil
}

func (m *MemoryStore) GetTemplate(ctx context.Context, name string) (*Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.templates[name]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) UpsertTemplate(ctx context.Context, t *Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *t
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.templates[t.Name] = &cp
	return nil
}

func (m *MemoryStore) GetSequence(ctx context.Context, id uuid.UUID) (*SequenceDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sequences[id]
	if !ok {
		return nil, ErrSequenceNotFound
	}
	cp := *s
	cp.Steps = append([]Step(nil), s.Steps...)
	return &cp, nil
}

func (m *MemoryStore) UpsertSequence(ctx context.Context, s *SequenceDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	cp := *s
	cp.Steps = append([]Step(nil), s.Steps...)
	m.sequences[s.ID] = &cp
	return nil
}

func (m *MemoryStore) ListSchedules(ctx context.Context, activeOnly bool) ([]*ScheduleDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ScheduleDefinition
	for _, s := range m.schedules {
		if activeOnly && !s.Active {
			continue
		}
		cp := *s
		cp.ChannelIDs = append([]string(nil), s.ChannelIDs...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ThresholdDays < out[j].ThresholdDays })
	return out, nil
}

func (m *MemoryStore) UpsertSchedule(ctx context.Context, s *ScheduleDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	cp := *s
	cp.ChannelIDs = append([]string(nil), s.ChannelIDs...)
	m.schedules[s.ID] = &cp
	return nil
}

func cloneJob(j *Job) *Job {
	cp := *j
	cp.RecipientIDs = append([]uuid.UUID(nil), j.RecipientIDs...)
	cp.ChannelIDs = append([]string(nil), j.ChannelIDs...)
	return &cp
}
