package harvest

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff defaults. The base intentionally grows slowly; the caps are what
// keep a long outage from stalling a run for hours.
const (
	DefaultBackoffBase    = 1.25
	DefaultMaxWait        = 150 * time.Second
	DefaultMaxExtraJitter = 50 * time.Millisecond
	DefaultRetryCeiling   = 15 * time.Minute
)

// Backoff computes jittered exponential wait times. The zero value is not
// usable; construct with NewBackoff and override fields as needed.
type Backoff struct {
	// Base is the exponential growth base.
	Base float64
	// MaxWait caps a single wait before extra jitter is added.
	MaxWait time.Duration
	// MaxExtraJitter is added unconditionally, even when the wait has been
	// capped at MaxWait, so that many capped callers do not wake in
	// lockstep.
	MaxExtraJitter time.Duration
	// Rand returns a uniform float in [0, 1). Inject a deterministic
	// source in tests.
	Rand func() float64
}

// NewBackoff returns a Backoff with the default parameters.
func NewBackoff() Backoff {
	return Backoff{
		Base:           DefaultBackoffBase,
		MaxWait:        DefaultMaxWait,
		MaxExtraJitter: DefaultMaxExtraJitter,
		Rand:           rand.Float64,
	}
}

// Wait returns the wait duration before retry attempt n (n >= 1).
//
// The raw wait is base^n / 2 so that raw plus its jitter never exceeds
// base^n. The jittered wait is capped at MaxWait, then a little extra
// jitter is added on top of the cap.
func (b Backoff) Wait(attempt int) time.Duration {
	random := b.Rand
	if random == nil {
		random = rand.Float64
	}
	raw := math.Pow(b.Base, float64(attempt)) / 2
	wait := raw + random()*raw
	if limit := b.MaxWait.Seconds(); wait > limit {
		wait = limit
	}
	wait += random() * b.MaxExtraJitter.Seconds()
	return time.Duration(wait * float64(time.Second))
}
