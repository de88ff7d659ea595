package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/herald/internal/circuitbreaker"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/ratelimit"
	"github.com/lalithlochan/herald/internal/sequence"
	"github.com/lalithlochan/herald/internal/template"
	"github.com/lalithlochan/herald/internal/transport"
	"github.com/lalithlochan/herald/internal/validator"
)

// Attempt bounds for the per-recipient retry loop.
const (
	DefaultMaxAttempts = 3
	MinMaxAttempts     = 3
	MaxMaxAttempts     = 5
)

// Config holds engine-wide defaults. Jobs override some of them through
// db.JobConstraints.
type Config struct {
	MaxAttempts        int
	Backoff            Backoff
	Pacing             Pacing
	DailyLimit         int
	PauseOnBreakerTrip bool
	Partition          string
	Sequence           sequence.Options

	// PausePoll bounds how long a paused worker sleeps before re-checking.
	PausePoll time.Duration
}

func (c Config) withDefaults() Config {
	c.MaxAttempts = clampAttempts(c.MaxAttempts)
	if c.Backoff.Base <= 0 {
		c.Backoff = DefaultBackoff()
	}
	if c.Partition == "" {
		c.Partition = db.PartitionRoundRobin
	}
	if c.PausePoll <= 0 {
		c.PausePoll = 500 * time.Millisecond
	}
	return c
}

func clampAttempts(n int) int {
	switch {
	case n <= 0:
		return DefaultMaxAttempts
	case n < MinMaxAttempts:
		return MinMaxAttempts
	case n > MaxMaxAttempts:
		return MaxMaxAttempts
	}
	return n
}

// ResendClaimer guards a resend across replicas. redis.ClaimService implements it.
type ResendClaimer interface {
	ClaimResend(ctx context.Context, auditID string) (bool, error)
	ReleaseResend(ctx context.Context, auditID string) error
}

// Publisher receives engine events. *EventBus implements it.
type Publisher interface {
	Publish(ev Event)
}

// Deps are the collaborators of the Orchestrator. Store and Transport are
// required; the rest default to in-process implementations.
type Deps struct {
	Store     Store
	Transport transport.Transport
	Limiter   *ratelimit.Limiter
	Health    *circuitbreaker.Tracker
	Validator *validator.Validator
	Channels  *ChannelRegistry
	Templates *template.Cache
	Events    Publisher
	Claims    ResendClaimer
}

// Orchestrator owns job lifecycles: it partitions recipients over channels,
// runs one worker per channel and aggregates their outcomes.
type Orchestrator struct {
	cfg       Config
	store     Store
	transport transport.Transport
	limiter   *ratelimit.Limiter
	health    *circuitbreaker.Tracker
	validator *validator.Validator
	channels  *ChannelRegistry
	templates *template.Cache
	events    Publisher
	claims    ResendClaimer
	jobs      *JobRegistry
	quota     *dailyQuota
	logger    *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	resendLocks keyedMutex

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an Orchestrator. Call Recover before accepting submissions to
// resume jobs left unfinished by a previous process.
func New(cfg Config, deps Deps, logger *zap.Logger) *Orchestrator {
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.New(ratelimit.Config{}, nil, logger)
	}
	if deps.Health == nil {
		deps.Health = circuitbreaker.NewTracker(circuitbreaker.DefaultConfig(), logger)
	}
	if deps.Validator == nil {
		deps.Validator = validator.New(validator.Config{})
	}
	if deps.Channels == nil {
		deps.Channels = NewChannelRegistry(deps.Store, logger)
	}
	if deps.Templates == nil {
		deps.Templates = template.NewCache()
	}
	if deps.Events == nil {
		deps.Events = nopPublisher{}
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		store:     deps.Store,
		transport: deps.Transport,
		limiter:   deps.Limiter,
		health:    deps.Health,
		validator: deps.Validator,
		channels:  deps.Channels,
		templates: deps.Templates,
		events:    deps.Events,
		claims:    deps.Claims,
		jobs:      NewJobRegistry(),
		quota:     newDailyQuota(),
		logger:    logger,
		now:       time.Now,
		sleep:     sleepCtx,
		resendLocks: keyedMutex{
			locks: make(map[uuid.UUID]*refMutex),
		},
		baseCtx: ctx,
		stop:    stop,
	}
}

// WithClock replaces the time source and the sleep used by pacing and backoff.
func (o *Orchestrator) WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) *Orchestrator {
	o.now = now
	o.sleep = sleep
	return o
}

// Channels returns the channel registry.
func (o *Orchestrator) Channels() *ChannelRegistry {
	return o.channels
}

// Submission is a job request with materialized recipients.
type Submission struct {
	Kind        db.JobKind
	Recipients  []*db.Recipient
	ChannelIDs  []string
	Content     db.JobContent
	Constraints db.JobConstraints
	StartDelay  time.Duration
	ScheduleID  *uuid.UUID
}

// Request is the id-based job request accepted over HTTP and SQS.
type Request struct {
	Kind              db.JobKind        `json:"kind,omitempty"`
	RecipientIDs      []uuid.UUID       `json:"recipient_ids"`
	ChannelIDs        []string          `json:"channel_ids"`
	Content           db.JobContent     `json:"content"`
	Constraints       db.JobConstraints `json:"constraints,omitempty"`
	StartDelaySeconds int               `json:"start_delay_seconds,omitempty"`
	ScheduleID        *uuid.UUID        `json:"schedule_id,omitempty"`
}

// Progress is a point-in-time view of a job.
type Progress struct {
	JobID   uuid.UUID    `json:"job_id"`
	Status  db.JobStatus `json:"status"`
	Total   int          `json:"total"`
	Sent    int          `json:"sent"`
	Failed  int          `json:"failed"`
	Skipped int          `json:"skipped"`
}

// Submit persists the recipients, creates a job and starts it.
func (o *Orchestrator) Submit(ctx context.Context, sub Submission) (uuid.UUID, error) {
	for _, r := range sub.Recipients {
		if err := o.store.UpsertRecipient(ctx, r); err != nil {
			return uuid.Nil, fmt.Errorf("store recipient: %w", err)
		}
	}
	return o.submit(ctx, sub)
}

// SubmitRequest resolves recipient ids from the store and submits the job.
// Unknown ids are ignored.
func (o *Orchestrator) SubmitRequest(ctx context.Context, req Request) (uuid.UUID, error) {
	if len(req.RecipientIDs) == 0 {
		return uuid.Nil, fmt.Errorf("%w: no recipients", ErrConfiguration)
	}
	if req.StartDelaySeconds < 0 {
		return uuid.Nil, fmt.Errorf("%w: negative start delay", ErrConfiguration)
	}

	recipients, err := o.store.GetRecipients(ctx, req.RecipientIDs)
	if err != nil {
		return uuid.Nil, fmt.Errorf("load recipients: %w", err)
	}

	return o.submit(ctx, Submission{
		Kind:        req.Kind,
		Recipients:  recipients,
		ChannelIDs:  req.ChannelIDs,
		Content:     req.Content,
		Constraints: req.Constraints,
		StartDelay:  time.Duration(req.StartDelaySeconds) * time.Second,
		ScheduleID:  req.ScheduleID,
	})
}

func (o *Orchestrator) submit(ctx context.Context, sub Submission) (uuid.UUID, error) {
	if sub.Kind == "" {
		sub.Kind = db.JobImmediate
	}

	recipients := dedupeRecipients(sub.Recipients)
	if !o.anyResolvable(recipients) {
		return uuid.Nil, fmt.Errorf("%w: no recipient has a valid address", ErrConfiguration)
	}
	if _, _, err := o.resolveContent(ctx, sub.Content); err != nil {
		return uuid.Nil, err
	}
	channels := o.connectedChannels(ctx, sub.ChannelIDs)
	if len(channels) == 0 {
		return uuid.Nil, fmt.Errorf("%w: no connected channel", ErrConfiguration)
	}

	ids := make([]uuid.UUID, len(recipients))
	for i, r := range recipients {
		ids[i] = r.ID
	}

	job := &db.Job{
		ID:           uuid.New(),
		Kind:         sub.Kind,
		RecipientIDs: ids,
		ChannelIDs:   channels,
		Content:      sub.Content,
		Constraints:  sub.Constraints,
		ScheduleID:   sub.ScheduleID,
		Status:       db.JobStatusScheduled,
		Counters:     db.Counters{Total: len(ids)},
		StartAt:      o.now().Add(sub.StartDelay),
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return uuid.Nil, fmt.Errorf("create job: %w", err)
	}

	o.logger.Info("job submitted",
		zap.String("job_id", job.ID.String()),
		zap.String("kind", string(job.Kind)),
		zap.Int("recipients", len(ids)),
		zap.Strings("channels", channels),
		zap.Time("start_at", job.StartAt),
	)

	o.start(newJobRun(o.baseCtx, job))
	return job.ID, nil
}

func (o *Orchestrator) anyResolvable(recipients []*db.Recipient) bool {
	for _, r := range recipients {
		if o.validator.Normalize(r.Address).Valid {
			return true
		}
	}
	return false
}

// resolveContent loads what the job sends. Failures are configuration errors.
func (o *Orchestrator) resolveContent(ctx context.Context, c db.JobContent) (*db.Template, *db.SequenceDefinition, error) {
	switch c.Kind {
	case db.ContentFixed, "":
		if c.Template == "" {
			return nil, nil, fmt.Errorf("%w: template is required", ErrConfiguration)
		}
		t, err := o.store.GetTemplate(ctx, c.Template)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: template %q: %w", ErrConfiguration, c.Template, err)
		}
		return t, nil, nil
	case db.ContentSequence:
		if c.SequenceID == nil {
			return nil, nil, fmt.Errorf("%w: sequence id is required", ErrConfiguration)
		}
		seq, err := o.store.GetSequence(ctx, *c.SequenceID)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: sequence %s: %w", ErrConfiguration, c.SequenceID, err)
		}
		if len(seq.Steps) == 0 {
			return nil, nil, fmt.Errorf("%w: %w", ErrConfiguration, sequence.ErrEmptySequence)
		}
		return nil, seq, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown content kind %q", ErrConfiguration, c.Kind)
	}
}

// connectedChannels keeps the registered channels the transport reports
// connected, refreshing the stored state as it goes.
func (o *Orchestrator) connectedChannels(ctx context.Context, ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		ch, ok := o.channels.Get(id)
		if !ok {
			o.logger.Warn("channel not registered", zap.String("channel_id", id))
			continue
		}
		state := o.transport.State(ctx, id)
		if ch.State != state && ch.State != db.ChannelCooldown {
			if err := o.channels.Update(ctx, id, func(c *db.Channel) { c.State = state }); err != nil {
				o.logger.Warn("failed to refresh channel state", zap.String("channel_id", id), zap.Error(err))
			}
		}
		if state != db.ChannelConnected {
			o.logger.Warn("channel not connected",
				zap.String("channel_id", id),
				zap.String("state", string(state)),
			)
			continue
		}
		out = append(out, id)
	}
	return out
}

func (o *Orchestrator) start(run *jobRun) {
	if !o.jobs.add(run) {
		run.cancel()
		return
	}
	o.wg.Add(1)
	go o.execute(run)
}

// execute drives one job from its start time to a terminal state.
func (o *Orchestrator) execute(run *jobRun) {
	defer o.wg.Done()
	defer close(run.done)
	defer o.jobs.remove(run.id)
	defer run.cancel()

	logger := o.logger.With(zap.String("job_id", run.id.String()))
	ctx := context.WithoutCancel(run.ctx)

	if err := o.waitForStart(run); err != nil {
		o.interrupted(run, logger)
		return
	}
	if err := run.checkpoint(o.cfg.PausePoll); err != nil {
		o.interrupted(run, logger)
		return
	}

	tmpl, seq, err := o.resolveContent(ctx, run.job.Content)
	if err != nil {
		o.fail(run, err)
		return
	}
	recipients, err := o.store.GetRecipients(ctx, run.job.RecipientIDs)
	if err != nil {
		o.fail(run, fmt.Errorf("load recipients: %w", err))
		return
	}
	audited, err := o.store.AuditedRecipients(ctx, run.id)
	if err != nil {
		o.fail(run, fmt.Errorf("load audit: %w", err))
		return
	}

	o.markStarted(run)

	found := make(map[uuid.UUID]bool, len(recipients))
	pending := make([]*db.Recipient, 0, len(recipients))
	for _, r := range recipients {
		found[r.ID] = true
		if !audited[r.ID] {
			pending = append(pending, r)
		}
	}
	for _, id := range run.job.RecipientIDs {
		if !found[id] && !audited[id] {
			if err := o.record(run, &db.Recipient{ID: id}, "", outcome{status: db.AuditSkipped, reason: ReasonNotFound}); err != nil {
				o.fail(run, err)
				return
			}
		}
	}

	if len(audited) > 0 {
		logger.Info("resuming job",
			zap.Int("already_processed", len(audited)),
			zap.Int("pending", len(pending)),
		)
	}

	strategy := run.job.Constraints.Partition
	if strategy == "" {
		strategy = o.cfg.Partition
	}
	assignments := Partition(pending, run.job.ChannelIDs, strategy)

	var g errgroup.Group
	for _, channelID := range run.job.ChannelIDs {
		queue := assignments[channelID]
		if len(queue) == 0 {
			continue
		}
		w := o.newWorker(run, channelID, queue, tmpl, seq)
		g.Go(func() error {
			w.loop()
			return nil
		})
	}
	_ = g.Wait()

	if cause := run.failure(); cause != nil {
		o.fail(run, cause)
		return
	}
	if run.ctx.Err() != nil {
		o.interrupted(run, logger)
		return
	}
	if _, c := run.snapshot(); c.Processed() != c.Total {
		o.fail(run, fmt.Errorf("%w: %d of %d recipients processed", ErrJobIncomplete, c.Processed(), c.Total))
		return
	}
	o.finish(run, db.JobStatusCompleted, "")
}

func (o *Orchestrator) waitForStart(run *jobRun) error {
	d := run.job.StartAt.Sub(o.now())
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-run.ctx.Done():
		return run.ctx.Err()
	}
}

// interrupted handles a run that stopped early: a cancelled job becomes
// terminal, a shutdown leaves the persisted state for Recover.
func (o *Orchestrator) interrupted(run *jobRun, logger *zap.Logger) {
	if run.isCancelled() {
		o.finish(run, db.JobStatusCancelled, "")
		return
	}
	logger.Info("job interrupted by shutdown")
}

func (o *Orchestrator) markStarted(run *jobRun) {
	now := o.now()
	run.mu.Lock()
	run.started = true
	if !run.paused {
		run.status = db.JobStatusInProgress
	}
	status := run.status
	counters := run.counters
	err := o.store.UpdateJobStatus(context.WithoutCancel(run.ctx), run.id, status, "", &now, nil)
	run.mu.Unlock()

	if err != nil {
		o.logger.Error("failed to persist job start", zap.String("job_id", run.id.String()), zap.Error(err))
	}
	o.events.Publish(Event{Type: EventJobStarted, JobID: run.id, JobStatus: status, Counters: counters, At: now})
}

func (o *Orchestrator) fail(run *jobRun, cause error) {
	o.logger.Error("job failed", zap.String("job_id", run.id.String()), zap.Error(cause))
	o.finish(run, db.JobStatusFailed, cause.Error())
}

func (o *Orchestrator) finish(run *jobRun, status db.JobStatus, lastErr string) {
	now := o.now()
	run.mu.Lock()
	run.status = status
	counters := run.counters
	err := o.store.UpdateJobStatus(context.WithoutCancel(run.ctx), run.id, status, lastErr, nil, &now)
	run.mu.Unlock()

	if err != nil {
		o.logger.Error("failed to persist job status",
			zap.String("job_id", run.id.String()),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}

	o.logger.Info("job finished",
		zap.String("job_id", run.id.String()),
		zap.String("status", string(status)),
		zap.Int("total", counters.Total),
		zap.Int("sent", counters.Sent),
		zap.Int("failed", counters.Failed),
		zap.Int("skipped", counters.Skipped),
	)

	typ := EventJobCompleted
	switch status {
	case db.JobStatusCancelled:
		typ = EventJobCancelled
	case db.JobStatusFailed:
		typ = EventJobFailed
	}
	o.events.Publish(Event{Type: typ, JobID: run.id, JobStatus: status, Reason: lastErr, Counters: counters, At: now})
}

// Pause stops a job between recipients. Pausing a paused job is a no-op.
func (o *Orchestrator) Pause(ctx context.Context, jobID uuid.UUID) error {
	run, ok := o.jobs.get(jobID)
	if !ok {
		return o.inactive(ctx, jobID)
	}
	return o.pause(run, "")
}

func (o *Orchestrator) pause(run *jobRun, reason string) error {
	run.mu.Lock()
	if run.cancelled || run.status.Terminal() {
		run.mu.Unlock()
		return ErrJobNotActive
	}
	if run.paused {
		run.mu.Unlock()
		return nil
	}
	run.paused = true
	run.resume = make(chan struct{})
	run.status = db.JobStatusPaused
	counters := run.counters
	err := o.store.UpdateJobStatus(context.WithoutCancel(run.ctx), run.id, db.JobStatusPaused, reason, nil, nil)
	run.mu.Unlock()

	if err != nil {
		return fmt.Errorf("persist pause: %w", err)
	}
	o.logger.Info("job paused", zap.String("job_id", run.id.String()), zap.String("reason", reason))
	o.events.Publish(Event{Type: EventJobPaused, JobID: run.id, JobStatus: db.JobStatusPaused, Reason: reason, Counters: counters, At: o.now()})
	return nil
}

// Resume continues a paused job. Resuming a running job is a no-op.
func (o *Orchestrator) Resume(ctx context.Context, jobID uuid.UUID) error {
	run, ok := o.jobs.get(jobID)
	if !ok {
		return o.inactive(ctx, jobID)
	}

	run.mu.Lock()
	if run.cancelled || run.status.Terminal() {
		run.mu.Unlock()
		return ErrJobNotActive
	}
	if !run.paused {
		run.mu.Unlock()
		return nil
	}
	run.paused = false
	close(run.resume)
	run.status = db.JobStatusScheduled
	if run.started {
		run.status = db.JobStatusInProgress
	}
	status := run.status
	counters := run.counters
	err := o.store.UpdateJobStatus(ctx, run.id, status, "", nil, nil)
	run.mu.Unlock()

	if err != nil {
		return fmt.Errorf("persist resume: %w", err)
	}
	o.logger.Info("job resumed", zap.String("job_id", run.id.String()))
	o.events.Publish(Event{Type: EventJobResumed, JobID: run.id, JobStatus: status, Counters: counters, At: o.now()})
	return nil
}

// Cancel stops a job. In-flight sends complete; recipients not yet reached
// get no audit record.
func (o *Orchestrator) Cancel(ctx context.Context, jobID uuid.UUID) error {
	run, ok := o.jobs.get(jobID)
	if !ok {
		return o.inactive(ctx, jobID)
	}

	run.mu.Lock()
	if run.status.Terminal() {
		run.mu.Unlock()
		return ErrJobNotActive
	}
	already := run.cancelled
	run.cancelled = true
	run.mu.Unlock()

	if !already {
		o.logger.Info("job cancelling", zap.String("job_id", jobID.String()))
	}
	run.cancel()
	return nil
}

// inactive explains why a job is not running in this process.
func (o *Orchestrator) inactive(ctx context.Context, jobID uuid.UUID) error {
	if _, err := o.store.GetJob(ctx, jobID); err != nil {
		if errors.Is(err, db.ErrJobNotFound) {
			return ErrJobNotFound
		}
		return fmt.Errorf("get job: %w", err)
	}
	return ErrJobNotActive
}

// Progress reports the counters and status of a job.
func (o *Orchestrator) Progress(ctx context.Context, jobID uuid.UUID) (Progress, error) {
	if run, ok := o.jobs.get(jobID); ok {
		status, c := run.snapshot()
		return newProgress(jobID, status, c), nil
	}

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, db.ErrJobNotFound) {
			return Progress{}, ErrJobNotFound
		}
		return Progress{}, fmt.Errorf("get job: %w", err)
	}
	return newProgress(jobID, job.Status, job.Counters), nil
}

func newProgress(id uuid.UUID, status db.JobStatus, c db.Counters) Progress {
	return Progress{
		JobID:   id,
		Status:  status,
		Total:   c.Total,
		Sent:    c.Sent,
		Failed:  c.Failed,
		Skipped: c.Skipped,
	}
}

// Wait blocks until the job is terminal or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, jobID uuid.UUID) error {
	if run, ok := o.jobs.get(jobID); ok {
		select {
		case <-run.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, db.ErrJobNotFound) {
			return ErrJobNotFound
		}
		return fmt.Errorf("get job: %w", err)
	}
	if !job.Status.Terminal() {
		return ErrJobNotActive
	}
	return nil
}

// Recover reloads channels and breaker state, then restarts every job
// persisted as scheduled, in progress or paused. Counters are rebuilt from
// the audit trail so a crash between writing a record and persisting the
// counters cannot skew them. It returns the number of jobs resumed.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	if err := o.channels.Load(ctx); err != nil {
		return 0, err
	}
	for _, ch := range o.channels.List() {
		o.health.For(ch.ID).Restore(ch.ConsecutiveFailures, ch.RateLimitHits, ch.CooldownUntil)
	}

	jobs, err := o.store.ListJobsByStatus(ctx, db.JobStatusScheduled, db.JobStatusInProgress, db.JobStatusPaused)
	if err != nil {
		return 0, fmt.Errorf("list unfinished jobs: %w", err)
	}

	resumed := 0
	for _, job := range jobs {
		if _, running := o.jobs.get(job.ID); running {
			continue
		}
		counters, err := o.recount(ctx, job)
		if err != nil {
			return resumed, err
		}
		job.Counters = counters
		if err := o.store.UpdateJobCounters(ctx, job.ID, counters); err != nil {
			return resumed, fmt.Errorf("persist recovered counters: %w", err)
		}
		o.start(newJobRun(o.baseCtx, job))
		resumed++

		o.logger.Info("job recovered",
			zap.String("job_id", job.ID.String()),
			zap.String("status", string(job.Status)),
			zap.Int("processed", counters.Processed()),
			zap.Int("total", counters.Total),
		)
	}
	return resumed, nil
}

func (o *Orchestrator) recount(ctx context.Context, job *db.Job) (db.Counters, error) {
	records, err := o.store.ListAuditByJob(ctx, job.ID)
	if err != nil {
		return db.Counters{}, fmt.Errorf("list audit: %w", err)
	}
	c := db.Counters{Total: job.Counters.Total}
	seen := make(map[uuid.UUID]bool, len(records))
	for _, rec := range records {
		if rec.ResendOf != nil || seen[rec.RecipientID] {
			continue
		}
		seen[rec.RecipientID] = true
		c = countOutcome(c, rec.Status)
	}
	return c, nil
}

// Close stops every running job without marking it terminal and waits for
// the workers to return. Jobs resume on the next Recover.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func dedupeRecipients(in []*db.Recipient) []*db.Recipient {
	seen := make(map[uuid.UUID]bool, len(in))
	out := make([]*db.Recipient, 0, len(in))
	for _, r := range in {
		if r == nil || seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	return out
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

// keyedMutex serializes work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key uuid.UUID) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
