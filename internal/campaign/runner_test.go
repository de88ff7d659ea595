package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/dispatch"
)

var runAt = time.Date(2024, 6, 30, 9, 0, 0, 0, time.UTC)

type fakeDispatcher struct {
	mu       sync.Mutex
	subs     []dispatch.Submission
	statuses map[uuid.UUID]db.JobStatus
	err      error
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{statuses: make(map[uuid.UUID]db.JobStatus)}
}

func (f *fakeDispatcher) Submit(ctx context.Context, sub dispatch.Submission) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return uuid.Nil, f.err
	}
	f.subs = append(f.subs, sub)
	id := uuid.New()
	f.statuses[id] = db.JobStatusScheduled
	return id, nil
}

func (f *fakeDispatcher) Progress(ctx context.Context, jobID uuid.UUID) (dispatch.Progress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[jobID]
	if !ok {
		return dispatch.Progress{}, dispatch.ErrJobNotFound
	}
	return dispatch.Progress{JobID: jobID, Status: st}, nil
}

func (f *fakeDispatcher) finishAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range f.statuses {
		f.statuses[id] = db.JobStatusCompleted
	}
}

type staticChannels []*db.Channel

func (s staticChannels) List() []*db.Channel { return s }

func seed(t *testing.T, store *db.MemoryStore, eventDaysAgo ...int) {
	t.Helper()
	ctx := context.Background()
	for _, th := range []int{10, 20, 30} {
		s := &db.ScheduleDefinition{
			ID:            uuid.New(),
			Name:          fmt.Sprintf("day-%d", th),
			ThresholdDays: th,
			TemplateRef:   fmt.Sprintf("tmpl-%d", th),
			Active:        true,
		}
		if th == 30 {
			s.ChannelIDs = []string{"dedicated"}
		}
		if err := store.UpsertSchedule(ctx, s); err != nil {
			t.Fatalf("UpsertSchedule() error = %v", err)
		}
	}
	for i, days := range eventDaysAgo {
		at := runAt.Add(-time.Duration(days) * 24 * time.Hour)
		r := &db.Recipient{ID: uuid.New(), Address: fmt.Sprintf("98765%05d", i), EventAt: &at}
		if err := store.UpsertRecipient(ctx, r); err != nil {
			t.Fatalf("UpsertRecipient() error = %v", err)
		}
	}
}

func newTestRunner(store Store, d Dispatcher) *Runner {
	r := NewRunner(Config{}, store, d, staticChannels{{ID: "a"}, {ID: "b"}}, zap.NewNop())
	r.now = func() time.Time { return runAt }
	return r
}

func TestRunOnce_SubmitsOneJobPerBucket(t *testing.T) {
	store := db.NewMemoryStore()
	seed(t, store, 25, 12, 40, 3)
	d := newFakeDispatcher()
	runner := newTestRunner(store, d)

	report, err := runner.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if report.Considered != 4 || report.Assigned != 3 {
		t.Errorf("considered/assigned = %d/%d, want 4/3", report.Considered, report.Assigned)
	}
	if len(d.subs) != 3 {
		t.Fatalf("submissions = %d, want 3", len(d.subs))
	}

	byTemplate := make(map[string]dispatch.Submission)
	for _, sub := range d.subs {
		if sub.Kind != db.JobScheduled || sub.ScheduleID == nil {
			t.Errorf("submission %+v should be a scheduled job with a schedule id", sub)
		}
		if len(sub.Recipients) != 1 {
			t.Errorf("template %s got %d recipients, want 1", sub.Content.Template, len(sub.Recipients))
		}
		byTemplate[sub.Content.Template] = sub
	}
	for _, tmpl := range []string{"tmpl-10", "tmpl-20", "tmpl-30"} {
		if _, ok := byTemplate[tmpl]; !ok {
			t.Errorf("no job submitted for %s", tmpl)
		}
	}
	if got := byTemplate["tmpl-30"].ChannelIDs; len(got) != 1 || got[0] != "dedicated" {
		t.Errorf("schedule channels = %v, want [dedicated]", got)
	}
	if got := byTemplate["tmpl-10"].ChannelIDs; len(got) != 2 {
		t.Errorf("default channels = %v, want every registered channel", got)
	}
	for _, b := range report.Buckets {
		if b.JobID == nil {
			t.Errorf("bucket %s has no job id: %s", b.ScheduleName, b.Skipped)
		}
	}
}

func TestRunOnce_SkipsScheduleWithActiveJob(t *testing.T) {
	store := db.NewMemoryStore()
	seed(t, store, 25)
	d := newFakeDispatcher()
	runner := newTestRunner(store, d)
	ctx := context.Background()

	if _, err := runner.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	report, err := runner.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(d.subs) != 1 {
		t.Fatalf("submissions = %d, want 1 while the first job is active", len(d.subs))
	}
	if report.Buckets[0].Skipped == "" {
		t.Error("bucket should report why it was skipped")
	}

	d.finishAll()
	if _, err := runner.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(d.subs) != 2 {
		t.Errorf("submissions = %d, want 2 after the first job finished", len(d.subs))
	}
}

func TestRunOnce_SubmitErrorIsReported(t *testing.T) {
	store := db.NewMemoryStore()
	seed(t, store, 12)
	d := newFakeDispatcher()
	d.err = fmt.Errorf("%w: no connected channel", dispatch.ErrConfiguration)
	runner := newTestRunner(store, d)

	report, err := runner.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(report.Buckets) != 1 || report.Buckets[0].JobID != nil || report.Buckets[0].Skipped == "" {
		t.Errorf("buckets = %+v, want one skipped bucket", report.Buckets)
	}
}

func TestRunOnce_NoChannels(t *testing.T) {
	store := db.NewMemoryStore()
	seed(t, store, 12)
	d := newFakeDispatcher()
	runner := NewRunner(Config{}, store, d, staticChannels{}, zap.NewNop())
	runner.now = func() time.Time { return runAt }

	report, err := runner.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(d.subs) != 0 || report.Buckets[0].Skipped != "no channels" {
		t.Errorf("expected the bucket to be skipped for lack of channels, got %+v", report.Buckets)
	}
}

// blockingStore holds ListSchedules until released.
type blockingStore struct {
	*db.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) ListSchedules(ctx context.Context, activeOnly bool) ([]*db.ScheduleDefinition, error) {
	close(s.entered)
	<-s.release
	return s.MemoryStore.ListSchedules(ctx, activeOnly)
}

func TestRunOnce_RunsDoNotOverlap(t *testing.T) {
	store := &blockingStore{MemoryStore: db.NewMemoryStore(), entered: make(chan struct{}), release: make(chan struct{})}
	runner := newTestRunner(store, newFakeDispatcher())

	done := make(chan error, 1)
	go func() {
		_, err := runner.RunOnce(context.Background())
		done <- err
	}()
	<-store.entered

	if _, err := runner.RunOnce(context.Background()); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("concurrent RunOnce() error = %v, want ErrRunInProgress", err)
	}
	close(store.release)
	if err := <-done; err != nil {
		t.Errorf("first RunOnce() error = %v", err)
	}
}

func TestRunner_StartStop(t *testing.T) {
	store := db.NewMemoryStore()

	disabled := NewRunner(Config{}, store, newFakeDispatcher(), nil, zap.NewNop())
	if err := disabled.Start(); err != nil {
		t.Errorf("Start() without cron error = %v", err)
	}

	bad := NewRunner(Config{Cron: "every day"}, store, newFakeDispatcher(), nil, zap.NewNop())
	if err := bad.Start(); err == nil {
		t.Error("Start() with an invalid expression should fail")
	}

	r := NewRunner(Config{Cron: "0 9 * * *"}, store, newFakeDispatcher(), nil, zap.NewNop())
	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Stop(ctx)
	r.Stop(ctx)
}
