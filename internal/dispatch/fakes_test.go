package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/circuitbreaker"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/ratelimit"
	"github.com/lalithlochan/herald/internal/transport"
)

type sentMessage struct {
	channelID string
	address   string
	content   string
	mediaRef  string
}

// fakeTransport records sends. Errors are scripted per channel (every call)
// or per address (consumed in order).
type fakeTransport struct {
	mu           sync.Mutex
	sent         []sentMessage
	calls        map[string]int
	channelErr   map[string]error
	script       map[string][]error
	unregistered map[string]bool
	states       map[string]db.ChannelState
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		calls:        make(map[string]int),
		channelErr:   make(map[string]error),
		script:       make(map[string][]error),
		unregistered: make(map[string]bool),
		states:       make(map[string]db.ChannelState),
	}
}

func (f *fakeTransport) next(channelID, address string) error {
	f.calls[address]++
	if err := f.channelErr[channelID]; err != nil {
		return err
	}
	if errs := f.script[address]; len(errs) > 0 {
		f.script[address] = errs[1:]
		return errs[0]
	}
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, channelID, address, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next(channelID, address); err != nil {
		return err
	}
	f.sent = append(f.sent, sentMessage{channelID: channelID, address: address, content: content})
	return nil
}

func (f *fakeTransport) SendMedia(ctx context.Context, channelID, address, mediaRef, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next(channelID, address); err != nil {
		return err
	}
	f.sent = append(f.sent, sentMessage{channelID: channelID, address: address, content: caption, mediaRef: mediaRef})
	return nil
}

func (f *fakeTransport) IsRegistered(ctx context.Context, channelID, address string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unregistered[address], nil
}

func (f *fakeTransport) State(ctx context.Context, channelID string) db.ChannelState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.states[channelID]; ok {
		return s
	}
	return db.ChannelConnected
}

func (f *fakeTransport) setChannelErr(channelID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channelErr[channelID] = err
}

func (f *fakeTransport) sentTo() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int)
	for _, m := range f.sent {
		out[m.address]++
	}
	return out
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// recorder is a synchronous Publisher.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type harness struct {
	store     *db.MemoryStore
	transport *fakeTransport
	events    *recorder
	health    *circuitbreaker.Tracker
	orch      *Orchestrator
}

func testConfig() Config {
	return Config{
		Backoff:   Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond},
		PausePoll: 5 * time.Millisecond,
	}
}

func newHarness(t *testing.T, cfg Config, bcfg circuitbreaker.Config, channels ...string) *harness {
	t.Helper()
	return newHarnessWith(t, cfg, bcfg, nil, channels...)
}

// newHarnessWith lets configure swap dependencies before the orchestrator
// is built. h.store stays the underlying memory store.
func newHarnessWith(t *testing.T, cfg Config, bcfg circuitbreaker.Config, configure func(h *harness, deps *Deps), channels ...string) *harness {
	t.Helper()
	logger := zap.NewNop()

	h := &harness{
		store:     db.NewMemoryStore(),
		transport: newFakeTransport(),
		events:    &recorder{},
		health:    circuitbreaker.NewTracker(bcfg, logger),
	}
	deps := Deps{
		Store:     h.store,
		Transport: h.transport,
		Health:    h.health,
		Events:    h.events,
	}
	if configure != nil {
		configure(h, &deps)
	}
	h.orch = New(cfg, deps, logger)

	ctx := context.Background()
	for _, id := range channels {
		err := h.orch.Channels().Register(ctx, &db.Channel{ID: id, Name: id, Driver: "fake", State: db.ChannelConnected})
		if err != nil {
			t.Fatalf("register channel %s: %v", id, err)
		}
	}
	if err := h.store.UpsertTemplate(ctx, &db.Template{Name: "promo", Body: "Hi {name}, {{offer}} today"}); err != nil {
		t.Fatalf("upsert template: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.orch.Close(ctx)
	})
	return h
}

// recipients creates n valid recipients. Their canonical addresses are
// "91" + the 10-digit address.
func makeRecipients(n int) []*db.Recipient {
	out := make([]*db.Recipient, n)
	for i := range out {
		out[i] = &db.Recipient{
			ID:      uuid.New(),
			Address: fmt.Sprintf("98765%05d", i),
			Fields:  map[string]string{"name": fmt.Sprintf("user%d", i), "offer": "20% off"},
		}
	}
	return out
}

func canonical(r *db.Recipient) string {
	return "91" + r.Address
}

func (h *harness) submit(t *testing.T, sub Submission) uuid.UUID {
	t.Helper()
	if sub.Content.Kind == "" {
		sub.Content = db.JobContent{Kind: db.ContentFixed, Template: "promo"}
	}
	id, err := h.orch.Submit(context.Background(), sub)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	return id
}

func (h *harness) wait(t *testing.T, jobID uuid.UUID) Progress {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.orch.Wait(ctx, jobID); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	p, err := h.orch.Progress(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Progress() error = %v", err)
	}
	return p
}

func (h *harness) audit(t *testing.T, jobID uuid.UUID) []*db.AuditRecord {
	t.Helper()
	recs, err := h.store.ListAuditByJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("ListAuditByJob() error = %v", err)
	}
	return recs
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// flakyBackend fails the first failures reservations, then admits everything.
// A negative count fails forever.
type flakyBackend struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (b *flakyBackend) Reserve(ctx context.Context, now time.Time, window time.Duration, scopes []ratelimit.Scope) (bool, time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.failures < 0 || b.calls <= b.failures {
		return false, 0, errors.New("redis: connection refused")
	}
	return true, 0, nil
}

// flakyAuditStore fails AppendAudit for the first failures calls, or forever
// when failures is negative.
type flakyAuditStore struct {
	*db.MemoryStore

	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyAuditStore) AppendAudit(ctx context.Context, rec *db.AuditRecord) error {
	s.mu.Lock()
	s.calls++
	fail := s.failures < 0 || s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return errors.New("pq: connection reset")
	}
	return s.MemoryStore.AppendAudit(ctx, rec)
}

var _ transport.Transport = (*fakeTransport)(nil)
