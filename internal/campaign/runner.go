// Package campaign runs schedule-driven sends. On every tick the active
// schedules bucket the candidate recipients and each non-empty bucket
// becomes one scheduled job.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/schedule"
)

// ErrRunInProgress is returned when a run is requested while one is active.
var ErrRunInProgress = errors.New("campaign run already in progress")

// Store is the persistence a run reads.
type Store interface {
	ListSchedules(ctx context.Context, activeOnly bool) ([]*db.ScheduleDefinition, error)
	ListScheduleCandidates(ctx context.Context) ([]*db.Recipient, error)
}

// Dispatcher starts and inspects jobs. *dispatch.Orchestrator implements it.
type Dispatcher interface {
	Submit(ctx context.Context, sub dispatch.Submission) (uuid.UUID, error)
	Progress(ctx context.Context, jobID uuid.UUID) (dispatch.Progress, error)
}

// ChannelLister supplies the channels a schedule without its own list uses.
type ChannelLister interface {
	List() []*db.Channel
}

// BucketResult reports what happened to one bucket.
type BucketResult struct {
	ScheduleID   uuid.UUID  `json:"schedule_id"`
	ScheduleName string     `json:"schedule_name"`
	Recipients   int        `json:"recipients"`
	Overflow     int        `json:"overflow"`
	JobID        *uuid.UUID `json:"job_id,omitempty"`
	Skipped      string     `json:"skipped,omitempty"`
}

// Report summarizes one run.
type Report struct {
	RanAt      time.Time      `json:"ran_at"`
	Considered int            `json:"considered"`
	Assigned   int            `json:"assigned"`
	AverageGap float64        `json:"average_gap"`
	Buckets    []BucketResult `json:"buckets"`
	Rules      map[string]int `json:"rules"`
}

// Config configures the runner.
type Config struct {
	// Cron is a five-field expression evaluated in local time. Empty
	// disables the periodic trigger; RunOnce still works.
	Cron       string
	Assignment schedule.Options
	// StartDelay postpones the start of every submitted job.
	StartDelay time.Duration
}

// Runner triggers campaign runs. Runs never overlap.
type Runner struct {
	cfg      Config
	store    Store
	dispatch Dispatcher
	channels ChannelLister
	logger   *zap.Logger
	now      func() time.Time

	running atomic.Bool

	mu   sync.Mutex
	cron *cron.Cron
	// last job submitted per schedule; a schedule whose previous job is
	// still running is skipped.
	lastJob map[uuid.UUID]uuid.UUID
}

func NewRunner(cfg Config, store Store, d Dispatcher, channels ChannelLister, logger *zap.Logger) *Runner {
	return &Runner{
		cfg:      cfg,
		store:    store,
		dispatch: d,
		channels: channels,
		logger:   logger,
		now:      time.Now,
		lastJob:  make(map[uuid.UUID]uuid.UUID),
	}
}

// Start begins the periodic trigger.
func (r *Runner) Start() error {
	if r.cfg.Cron == "" {
		r.logger.Info("campaign runner disabled")
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return nil
	}

	clog := cronLogger{r.logger}
	c := cron.New(
		cron.WithLocation(time.Local),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	if _, err := c.AddFunc(r.cfg.Cron, r.tick); err != nil {
		return fmt.Errorf("invalid campaign schedule %q: %w", r.cfg.Cron, err)
	}
	c.Start()
	r.cron = c
	r.logger.Info("campaign runner started", zap.String("cron", r.cfg.Cron))
	return nil
}

// Stop halts the trigger and waits for a running tick, or for ctx.
func (r *Runner) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (r *Runner) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	report, err := r.RunOnce(ctx)
	if err != nil {
		if errors.Is(err, ErrRunInProgress) {
			r.logger.Info("campaign tick skipped, run in progress")
			return
		}
		r.logger.Error("campaign run failed", zap.Error(err))
		return
	}
	r.logger.Info("campaign run finished",
		zap.Int("considered", report.Considered),
		zap.Int("assigned", report.Assigned),
		zap.Int("buckets", len(report.Buckets)),
	)
}

// RunOnce assigns recipients to schedules and submits one job per bucket.
func (r *Runner) RunOnce(ctx context.Context) (*Report, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer r.running.Store(false)

	schedules, err := r.store.ListSchedules(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	candidates, err := r.store.ListScheduleCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list schedule candidates: %w", err)
	}

	now := r.now()
	plan := schedule.Assign(schedules, candidates, now, r.cfg.Assignment)

	report := &Report{
		RanAt:      now,
		Considered: plan.Considered,
		Assigned:   plan.Assigned,
		AverageGap: plan.AverageGap,
		Rules:      make(map[string]int, len(plan.Rules)),
	}
	for rule, n := range plan.Rules {
		report.Rules[string(rule)] = n
	}

	for _, b := range plan.Buckets {
		report.Buckets = append(report.Buckets, r.submit(ctx, b))
	}
	return report, nil
}

func (r *Runner) submit(ctx context.Context, b schedule.Bucket) BucketResult {
	s := b.Schedule
	res := BucketResult{
		ScheduleID:   s.ID,
		ScheduleName: s.Name,
		Recipients:   len(b.Recipients),
		Overflow:     b.Overflow,
	}
	logger := r.logger.With(zap.String("schedule", s.Name), zap.Int("recipients", len(b.Recipients)))

	if r.previousRunActive(ctx, s.ID) {
		res.Skipped = "previous job still active"
		logger.Info("schedule skipped, previous job still active")
		return res
	}

	channels := s.ChannelIDs
	if len(channels) == 0 && r.channels != nil {
		for _, ch := range r.channels.List() {
			channels = append(channels, ch.ID)
		}
	}
	if len(channels) == 0 {
		res.Skipped = "no channels"
		logger.Warn("schedule skipped, no channels")
		return res
	}

	scheduleID := s.ID
	jobID, err := r.dispatch.Submit(ctx, dispatch.Submission{
		Kind:       db.JobScheduled,
		Recipients: b.Recipients,
		ChannelIDs: channels,
		Content:    db.JobContent{Kind: db.ContentFixed, Template: s.TemplateRef},
		StartDelay: r.cfg.StartDelay,
		ScheduleID: &scheduleID,
	})
	if err != nil {
		res.Skipped = err.Error()
		logger.Warn("schedule job not submitted", zap.Error(err))
		return res
	}

	r.mu.Lock()
	r.lastJob[s.ID] = jobID
	r.mu.Unlock()

	res.JobID = &jobID
	logger.Info("schedule job submitted", zap.String("job_id", jobID.String()), zap.Int("overflow", b.Overflow))
	return res
}

func (r *Runner) previousRunActive(ctx context.Context, scheduleID uuid.UUID) bool {
	r.mu.Lock()
	jobID, ok := r.lastJob[scheduleID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	p, err := r.dispatch.Progress(ctx, jobID)
	if err != nil {
		return false
	}
	return !p.Status.Terminal()
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
