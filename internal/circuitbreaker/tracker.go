package circuitbreaker

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Tracker owns one Breaker per channel. Breakers are created on first use
// and shared by every job that sends through the channel.
type Tracker struct {
	mu       sync.RWMutex
	config   Config
	logger   *zap.Logger
	now      func() time.Time
	breakers map[string]*Breaker
}

// NewTracker creates a tracker. Zero config fields take the defaults.
func NewTracker(cfg Config, logger *zap.Logger) *Tracker {
	cfg = cfg.withDefaults()

	logger.Info("channel health tracker created",
		zap.Int("max_failures", cfg.MaxFailures),
		zap.Int("max_rate_limit_hits", cfg.MaxRateLimitHits),
		zap.Duration("cooldown", cfg.Cooldown),
	)

	return &Tracker{
		config:   cfg,
		logger:   logger,
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
}

// WithClock replaces the time source of breakers created afterwards.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
	return t
}

// Config returns the thresholds in effect.
func (t *Tracker) Config() Config {
	return t.config
}

// For returns the breaker of a channel, creating it if needed.
func (t *Tracker) For(channelID string) *Breaker {
	t.mu.RLock()
	b, ok := t.breakers[channelID]
	t.mu.RUnlock()
	if ok {
		return b
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.breakers[channelID]; ok {
		return b
	}
	b = newBreaker(channelID, t.config, t.logger, t.now)
	t.breakers[channelID] = b
	return b
}

// Stats returns the statistics of every known breaker ordered by channel.
func (t *Tracker) Stats() []Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Stats, 0, len(t.breakers))
	for _, b := range t.breakers {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}
