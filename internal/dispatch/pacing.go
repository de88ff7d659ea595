package dispatch

import (
	"math/rand"
	"time"
)

// Pacing is the randomized delay after every send attempt on a channel.
type Pacing struct {
	Min time.Duration
	Max time.Duration

	// Every VolumeStep sends in a session add VolumeFactor to the scale,
	// up to MaxVolumeScale.
	VolumeStep     int
	VolumeFactor   float64
	MaxVolumeScale float64

	// Between NightStart and NightEnd (local hours) delays are multiplied
	// by NightFactor. The range may wrap midnight.
	NightStart  int
	NightEnd    int
	NightFactor float64
}

// DefaultPacing waits 3 to 8 seconds, a little longer as volume builds and at night.
func DefaultPacing() Pacing {
	return Pacing{
		Min:            3 * time.Second,
		Max:            8 * time.Second,
		VolumeStep:     50,
		VolumeFactor:   0.1,
		MaxVolumeScale: 1.5,
		NightStart:     22,
		NightEnd:       7,
		NightFactor:    1.5,
	}
}

// WithRange overrides the base range when both bounds are set.
func (p Pacing) WithRange(minMS, maxMS int) Pacing {
	if minMS <= 0 && maxMS <= 0 {
		return p
	}
	p.Min = time.Duration(minMS) * time.Millisecond
	p.Max = time.Duration(maxMS) * time.Millisecond
	if p.Max < p.Min {
		p.Max = p.Min
	}
	return p
}

// Delay returns the pause after the sessionSent-th send at local time at.
func (p Pacing) Delay(sessionSent int, at time.Time, rng *rand.Rand) time.Duration {
	if p.Max <= 0 {
		return 0
	}
	base := p.Min
	if span := p.Max - p.Min; span > 0 {
		base += time.Duration(rng.Int63n(int64(span) + 1))
	}

	scale := 1.0
	if p.VolumeStep > 0 && p.VolumeFactor > 0 {
		scale += p.VolumeFactor * float64(sessionSent/p.VolumeStep)
		if p.MaxVolumeScale > 1 && scale > p.MaxVolumeScale {
			scale = p.MaxVolumeScale
		}
	}
	if p.NightFactor > 0 && p.night(at.Local().Hour()) {
		scale *= p.NightFactor
	}
	return time.Duration(float64(base) * scale)
}

func (p Pacing) night(hour int) bool {
	if p.NightStart == p.NightEnd {
		return false
	}
	if p.NightStart < p.NightEnd {
		return hour >= p.NightStart && hour < p.NightEnd
	}
	return hour >= p.NightStart || hour < p.NightEnd
}
