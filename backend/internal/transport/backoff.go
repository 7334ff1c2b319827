package transport

import (
	"math/rand"
	"time"
)

// Backoff produces the reconnect delay schedule: exponential doubling from
// Base, capped at Max. Next is deterministic so the schedule is testable;
// the caller adds jitter at sleep time (see withJitter).
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	attempt int
}

// Next returns the delay for the upcoming attempt and advances the counter.
// The returned values form a non-decreasing sequence bounded by Max.
func (b *Backoff) Next() time.Duration {
	d := b.Base << b.attempt
	if d > b.Max || d <= 0 { // <= 0 guards shift overflow
		d = b.Max
	}
	b.attempt++
	return d
}

// Attempt returns how many delays have been handed out since the last reset.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset zeroes the counter; called on every successful connect so the next
// failure starts over at Base.
func (b *Backoff) Reset() { b.attempt = 0 }

// withJitter spreads a delay uniformly over [d/2, d] so reconnecting clients
// do not stampede the hub in lockstep.
func withJitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
