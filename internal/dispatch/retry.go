package dispatch

import (
	"math/rand"
	"time"
)

// Backoff is the retry delay policy between send attempts.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff is 1s doubling up to 30s.
func DefaultBackoff() Backoff {
	return Backoff{
		Base: 1 * time.Second,
		Max:  30 * time.Second,
	}
}

// Delay returns the wait before retry number attempt (1-based) using
// exponential backoff with full jitter: a random value in [0, base*2^(attempt-1)],
// capped at Max.
func (b Backoff) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Base <= 0 {
		b.Base = 1 * time.Second
	}
	if b.Max <= 0 {
		b.Max = 30 * time.Second
	}

	delay := b.Max
	if attempt <= 32 {
		if d := b.Base << (attempt - 1); d > 0 && d < b.Max {
			delay = d
		}
	}

	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return time.Duration(rng.Int63n(int64(delay) + 1))
}
