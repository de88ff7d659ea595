// Package ratelimit implements sliding-window admission control for sends.
//
// Every scope (the global scope and one per channel) keeps the timestamps of
// the sends it admitted during the trailing window. A send is admitted only
// when every scope it touches is below its ceiling, and the admission is
// recorded in all of them at once.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultWindow is the trailing window every ceiling is measured over.
const DefaultWindow = 60 * time.Second

// GlobalScope is the key of the engine-wide window.
const GlobalScope = "global"

// ChannelScope returns the key of a channel's window.
func ChannelScope(channelID string) string {
	return "channel:" + channelID
}

// Scope is one window together with its ceiling.
type Scope struct {
	Key   string
	Limit int
}

// Backend stores the windows. Reserve must prune entries older than the
// window, then either record one admission at now in every scope (all counts
// below their limits) or record nothing and report how long until the
// oldest blocking entry leaves its window.
type Backend interface {
	Reserve(ctx context.Context, now time.Time, window time.Duration, scopes []Scope) (ok bool, wait time.Duration, err error)
}

// Config holds the ceilings of the limiter. A ceiling <= 0 disables that scope.
type Config struct {
	GlobalPerWindow  int
	ChannelPerWindow int
	Window           time.Duration
}

// Limiter admits sends against the global and per-channel windows.
type Limiter struct {
	backend Backend
	cfg     Config
	logger  *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	waitLog rate.Sometimes
}

// New creates a limiter. A nil backend uses an in-process MemoryBackend.
func New(cfg Config, backend Backend, logger *zap.Logger) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &Limiter{
		backend: backend,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		sleep:   sleepCtx,
		waitLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// WithClock replaces the time source and the sleep function. Tests use it to
// run window arithmetic without real waits.
func (l *Limiter) WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) *Limiter {
	l.now = now
	l.sleep = sleep
	return l
}

// Config returns the limiter configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// Admit blocks until a send on channelID passes both the global and the
// channel ceiling, then records it. It returns ctx.Err() if the context ends
// while waiting.
func (l *Limiter) Admit(ctx context.Context, channelID string) error {
	scopes := l.scopesFor(channelID)
	if len(scopes) == 0 {
		return nil
	}

	for {
		ok, wait, err := l.backend.Reserve(ctx, l.now(), l.cfg.Window, scopes)
		if err != nil {
			return fmt.Errorf("reserve send slot: %w", err)
		}
		if ok {
			return nil
		}

		l.waitLog.Do(func() {
			l.logger.Info("rate limit reached, waiting for window",
				zap.String("channel_id", channelID),
				zap.Duration("wait", wait),
			)
		})

		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// TryAdmit performs one non-blocking admission for an arbitrary key. It
// returns whether it was admitted and, if not, the time until a slot frees.
func (l *Limiter) TryAdmit(ctx context.Context, key string, limit int) (bool, time.Duration, error) {
	if limit <= 0 {
		return true, 0, nil
	}
	ok, wait, err := l.backend.Reserve(ctx, l.now(), l.cfg.Window, []Scope{{Key: key, Limit: limit}})
	if err != nil {
		return false, 0, fmt.Errorf("reserve slot: %w", err)
	}
	return ok, wait, nil
}

func (l *Limiter) scopesFor(channelID string) []Scope {
	scopes := make([]Scope, 0, 2)
	if l.cfg.GlobalPerWindow > 0 {
		scopes = append(scopes, Scope{Key: GlobalScope, Limit: l.cfg.GlobalPerWindow})
	}
	if l.cfg.ChannelPerWindow > 0 && channelID != "" {
		scopes = append(scopes, Scope{Key: ChannelScope(channelID), Limit: l.cfg.ChannelPerWindow})
	}
	return scopes
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		d = time.Millisecond
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
