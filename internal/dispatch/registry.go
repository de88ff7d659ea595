package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// ChannelStore is the slice of Store the channel registry persists through.
type ChannelStore interface {
	UpsertChannel(ctx context.Context, ch *db.Channel) error
	DeleteChannel(ctx context.Context, id string) error
	ListChannels(ctx context.Context) ([]*db.Channel, error)
}

// ChannelRegistry holds the registered channels. Reads are concurrent;
// every mutation is written through to the store.
type ChannelRegistry struct {
	mu       sync.RWMutex
	channels map[string]*db.Channel
	store    ChannelStore
	logger   *zap.Logger
}

// NewChannelRegistry creates an empty registry. Call Load to populate it.
func NewChannelRegistry(store ChannelStore, logger *zap.Logger) *ChannelRegistry {
	return &ChannelRegistry{
		channels: make(map[string]*db.Channel),
		store:    store,
		logger:   logger,
	}
}

// Load replaces the registry contents with the persisted channels.
func (r *ChannelRegistry) Load(ctx context.Context) error {
	list, err := r.store.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("load channels: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = make(map[string]*db.Channel, len(list))
	for _, ch := range list {
		r.channels[ch.ID] = ch
	}
	r.logger.Info("channels loaded", zap.Int("count", len(list)))
	return nil
}

// Register creates or replaces a channel.
func (r *ChannelRegistry) Register(ctx context.Context, ch *db.Channel) error {
	if ch.ID == "" {
		return fmt.Errorf("%w: channel id is required", ErrConfiguration)
	}
	if ch.State == "" {
		ch.State = db.ChannelDisconnected
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.channels[ch.ID]; ok {
		// Registration replaces identity, not history.
		ch.ConsecutiveFailures = prev.ConsecutiveFailures
		ch.RateLimitHits = prev.RateLimitHits
		ch.LastMessageAt = prev.LastMessageAt
		ch.SessionStartedAt = prev.SessionStartedAt
		ch.CooldownUntil = prev.CooldownUntil
		ch.DailySent = prev.DailySent
		ch.DailySentDay = prev.DailySentDay
	}
	cp := *ch
	if err := r.store.UpsertChannel(ctx, &cp); err != nil {
		return fmt.Errorf("register channel: %w", err)
	}
	r.channels[ch.ID] = &cp
	return nil
}

// Deregister removes a channel. Running jobs skip its remaining recipients.
func (r *ChannelRegistry) Deregister(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.DeleteChannel(ctx, id); err != nil && !errors.Is(err, db.ErrChannelNotFound) {
		return fmt.Errorf("deregister channel: %w", err)
	}
	if _, ok := r.channels[id]; !ok {
		return db.ErrChannelNotFound
	}
	delete(r.channels, id)
	return nil
}

// Get returns a copy of the channel.
func (r *ChannelRegistry) Get(id string) (*db.Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	if !ok {
		return nil, false
	}
	cp := *ch
	return &cp, true
}

// List returns copies of every channel sorted by id.
func (r *ChannelRegistry) List() []*db.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*db.Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		cp := *ch
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Driver returns the transport driver name of a channel, or "" when the
// channel is unknown. It is the resolver used by transport.Multi.
func (r *ChannelRegistry) Driver(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ch, ok := r.channels[id]; ok {
		return ch.Driver
	}
	return ""
}

// Update applies fn to the channel and persists the result.
func (r *ChannelRegistry) Update(ctx context.Context, id string, fn func(ch *db.Channel)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[id]
	if !ok {
		return db.ErrChannelNotFound
	}
	cp := *ch
	fn(&cp)
	if err := r.store.UpsertChannel(ctx, &cp); err != nil {
		return fmt.Errorf("update channel: %w", err)
	}
	r.channels[id] = &cp
	return nil
}

// markSent advances a channel's send bookkeeping. The daily counter
// restarts on the first send of a new local day.
func markSent(ch *db.Channel, at time.Time) {
	day := db.DayKey(at)
	if ch.DailySentDay != day {
		ch.DailySentDay = day
		ch.DailySent = 0
	}
	ch.DailySent++
	ch.LastMessageAt = &at
	if ch.SessionStartedAt == nil {
		ch.SessionStartedAt = &at
	}
}

// JobRegistry tracks the jobs running in this process.
type JobRegistry struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]*jobRun
}

func NewJobRegistry() *JobRegistry {
	return &JobRegistry{runs: make(map[uuid.UUID]*jobRun)}
}

func (r *JobRegistry) add(run *jobRun) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.id]; ok {
		return false
	}
	r.runs[run.id] = run
	return true
}

func (r *JobRegistry) get(id uuid.UUID) (*jobRun, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	return run, ok
}

func (r *JobRegistry) remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, id)
}

// Active returns the ids of the running jobs.
func (r *JobRegistry) Active() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(r.runs))
	for id := range r.runs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (r *JobRegistry) all() []*jobRun {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*jobRun, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, run)
	}
	return out
}
