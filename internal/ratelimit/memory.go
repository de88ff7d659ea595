package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps windows in process memory. It is exact for a single
// replica; multi-replica deployments use the Redis backend instead.
type MemoryBackend struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{windows: make(map[string][]time.Time)}
}

// Reserve implements Backend.
func (m *MemoryBackend) Reserve(_ context.Context, now time.Time, window time.Duration, scopes []Scope) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-window)
	var wait time.Duration
	for _, s := range scopes {
		entries := prune(m.windows[s.Key], cutoff)
		m.windows[s.Key] = entries
		if len(entries) < s.Limit {
			continue
		}
		// The window frees a slot when its oldest entry leaves.
		w := entries[0].Add(window).Sub(now)
		if w <= 0 {
			w = time.Millisecond
		}
		if w > wait {
			wait = w
		}
	}
	if wait > 0 {
		return false, wait, nil
	}

	for _, s := range scopes {
		m.windows[s.Key] = append(m.windows[s.Key], now)
	}
	return true, 0, nil
}

// Count returns the number of admissions inside the window ending at now.
func (m *MemoryBackend) Count(key string, now time.Time, window time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := prune(m.windows[key], now.Add(-window))
	m.windows[key] = entries
	return len(entries)
}

// prune drops entries at or before cutoff. Entries are appended in time order.
func prune(entries []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(entries) && !entries[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return entries
	}
	return append(entries[:0:0], entries[i:]...)
}
