// Package circuitbreaker tracks the health of sending channels.
//
// Each channel has its own breaker counting consecutive send failures and
// transport rate-limit hits. Crossing either threshold opens the breaker for
// a cooldown period, after which a single probe send is allowed through.
package circuitbreaker

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the current state of a channel breaker.
//
// State transitions:
//
//	Closed -> Open:      consecutive failures or rate-limit hits reach a threshold
//	Open -> HalfOpen:    the cooldown expires
//	HalfOpen -> Closed:  the probe send succeeds
//	HalfOpen -> Open:    the probe send fails
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Cooling down; sends are skipped
	StateHalfOpen              // Cooldown over; one probe allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Trip reasons.
const (
	ReasonFailures   = "consecutive failures"
	ReasonRateLimits = "rate limit hits"
	ReasonManual     = "manual"
)

// Config holds the thresholds shared by every channel breaker.
type Config struct {
	// MaxFailures is the number of consecutive failed sends that opens the breaker.
	MaxFailures int

	// MaxRateLimitHits is the number of transport rate-limit responses that opens it.
	MaxRateLimitHits int

	// Cooldown is how long the channel stays unavailable once open.
	Cooldown time.Duration

	// HalfOpenMaxRequests is the number of probes allowed after the cooldown.
	HalfOpenMaxRequests int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxFailures:         5,
		MaxRateLimitHits:    3,
		Cooldown:            20 * time.Minute,
		HalfOpenMaxRequests: 1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxFailures <= 0 {
		c.MaxFailures = d.MaxFailures
	}
	if c.MaxRateLimitHits <= 0 {
		c.MaxRateLimitHits = d.MaxRateLimitHits
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.HalfOpenMaxRequests <= 0 {
		c.HalfOpenMaxRequests = d.HalfOpenMaxRequests
	}
	return c
}

// Health is a point-in-time view of a breaker, suitable for persisting on
// the channel record.
type Health struct {
	State               State
	ConsecutiveFailures int
	RateLimitHits       int
	CooldownUntil       time.Time
	TripReason          string
}

// Breaker guards one channel.
type Breaker struct {
	mu        sync.RWMutex
	channelID string
	config    Config
	logger    *zap.Logger
	now       func() time.Time

	state               State
	consecutiveFailures int
	rateLimitHits       int
	cooldownUntil       time.Time
	tripReason          string
	lastFailureTime     time.Time
	lastStateChange     time.Time
	halfOpenRequests    int

	// Metrics
	totalSuccesses int64
	totalFailures  int64
	totalRateLimit int64
	totalRejected  int64
	totalTrips     int64
}

func newBreaker(channelID string, cfg Config, logger *zap.Logger, now func() time.Time) *Breaker {
	return &Breaker{
		channelID:       channelID,
		config:          cfg,
		logger:          logger,
		now:             now,
		state:           StateClosed,
		lastStateChange: now(),
	}
}

// Allow reports whether the channel may attempt a send. An open breaker
// whose cooldown has expired moves to half-open and admits a probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if !b.now().Before(b.cooldownUntil) {
			b.transitionTo(StateHalfOpen)
			b.halfOpenRequests = 1
			b.logger.Info("channel cooldown over, allowing probe send",
				zap.String("channel_id", b.channelID),
			)
			return true
		}
		b.totalRejected++
		return false

	case StateHalfOpen:
		if b.halfOpenRequests < b.config.HalfOpenMaxRequests {
			b.halfOpenRequests++
			return true
		}
		b.totalRejected++
		return false

	default:
		return false
	}
}

// Release returns a half-open probe slot that was granted by Allow but not
// used for a send (the recipient was skipped for another reason).
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.halfOpenRequests > 0 {
		b.halfOpenRequests--
	}
}

// RecordSuccess resets the failure streak. A successful probe closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++
	b.consecutiveFailures = 0

	if b.state == StateHalfOpen {
		b.rateLimitHits = 0
		b.tripReason = ""
		b.transitionTo(StateClosed)
		b.logger.Info("channel breaker closed, channel recovered",
			zap.String("channel_id", b.channelID),
		)
	}
}

// RecordFailure counts a send whose retries were exhausted. It returns true
// if this failure opened the breaker.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.consecutiveFailures++
	b.lastFailureTime = b.now()

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.config.MaxFailures {
			b.trip(ReasonFailures)
			return true
		}
	case StateHalfOpen:
		b.trip(ReasonFailures)
		return true
	}
	return false
}

// RecordRateLimitHit counts a rate-limit response from the transport. It
// returns true if this hit opened the breaker.
func (b *Breaker) RecordRateLimitHit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRateLimit++
	b.rateLimitHits++

	if b.state != StateOpen && b.rateLimitHits >= b.config.MaxRateLimitHits {
		b.trip(ReasonRateLimits)
		return true
	}
	return false
}

// Trip opens the breaker regardless of its counters.
func (b *Breaker) Trip(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trip(reason)
}

// trip must be called with the lock held.
func (b *Breaker) trip(reason string) {
	b.cooldownUntil = b.now().Add(b.config.Cooldown)
	b.tripReason = reason
	b.rateLimitHits = 0
	b.totalTrips++
	b.transitionTo(StateOpen)

	b.logger.Warn("channel breaker OPENED, cooling down",
		zap.String("channel_id", b.channelID),
		zap.String("reason", reason),
		zap.Int("consecutive_failures", b.consecutiveFailures),
		zap.Time("cooldown_until", b.cooldownUntil),
	)
}

// GetState returns the current state without advancing it.
func (b *Breaker) GetState() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Cooling reports whether the channel is inside an active cooldown.
func (b *Breaker) Cooling() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state == StateOpen && b.now().Before(b.cooldownUntil)
}

// Health returns a snapshot of the breaker counters.
func (b *Breaker) Health() Health {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Health{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		RateLimitHits:       b.rateLimitHits,
		CooldownUntil:       b.cooldownUntil,
		TripReason:          b.tripReason,
	}
}

// Restore seeds the breaker from persisted channel state. An unexpired
// cooldown reopens the breaker.
func (b *Breaker) Restore(consecutiveFailures, rateLimitHits int, cooldownUntil *time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = consecutiveFailures
	b.rateLimitHits = rateLimitHits
	if cooldownUntil != nil && b.now().Before(*cooldownUntil) {
		b.cooldownUntil = *cooldownUntil
		b.tripReason = ReasonFailures
		b.transitionTo(StateOpen)
	}
}

// Stats is the monitoring view of a breaker.
type Stats struct {
	ChannelID           string `json:"channel_id"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	RateLimitHits       int    `json:"rate_limit_hits"`
	TotalSuccesses      int64  `json:"total_successes"`
	TotalFailures       int64  `json:"total_failures"`
	TotalRateLimitHits  int64  `json:"total_rate_limit_hits"`
	TotalRejected       int64  `json:"total_rejected"`
	TotalTrips          int64  `json:"total_trips"`
	CooldownUntil       string `json:"cooldown_until,omitempty"`
	LastFailure         string `json:"last_failure,omitempty"`
	LastStateChange     string `json:"last_state_change"`
}

// Stats returns current breaker statistics.
func (b *Breaker) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{
		ChannelID:           b.channelID,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		RateLimitHits:       b.rateLimitHits,
		TotalSuccesses:      b.totalSuccesses,
		TotalFailures:       b.totalFailures,
		TotalRateLimitHits:  b.totalRateLimit,
		TotalRejected:       b.totalRejected,
		TotalTrips:          b.totalTrips,
		LastStateChange:     b.lastStateChange.Format(time.RFC3339),
	}
	if b.state == StateOpen {
		s.CooldownUntil = b.cooldownUntil.Format(time.RFC3339)
	}
	if !b.lastFailureTime.IsZero() {
		s.LastFailure = b.lastFailureTime.Format(time.RFC3339)
	}
	return s
}

// Reset manually closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transitionTo(StateClosed)
	b.consecutiveFailures = 0
	b.rateLimitHits = 0
	b.cooldownUntil = time.Time{}
	b.tripReason = ""

	b.logger.Info("channel breaker manually reset",
		zap.String("channel_id", b.channelID),
	)
}

// transitionTo changes state (must be called with lock held).
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	oldState := b.state
	b.state = newState
	b.lastStateChange = b.now()
	b.halfOpenRequests = 0

	b.logger.Debug("channel breaker state transition",
		zap.String("channel_id", b.channelID),
		zap.String("from", oldState.String()),
		zap.String("to", newState.String()),
	)
}

// String returns a human-readable representation.
func (b *Breaker) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return fmt.Sprintf("Breaker[%s] state=%s failures=%d/%d rate_limit_hits=%d/%d",
		b.channelID, b.state, b.consecutiveFailures, b.config.MaxFailures,
		b.rateLimitHits, b.config.MaxRateLimitHits)
}
