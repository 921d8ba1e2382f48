// Package backoff implements the jittered exponential delay generator used
// by the node reconnection loop.
package backoff

import (
	"math/rand"
	"time"
)

// Backoff produces a sequence of reconnection delays. It is not safe for
// concurrent use; each node owns exactly one instance.
type Backoff struct {
	base     int
	maxWait  float64 // seconds
	maxTries int     // 0 means unbounded

	tries    int
	lastWait float64

	uniform func(min, max float64) float64
}

// New returns a generator with the given base multiplier, delay ceiling and
// attempt budget. A maxTries of 0 disables the budget.
func New(base int, maxWait time.Duration, maxTries int) *Backoff {
	if base < 1 {
		base = 1
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Backoff{
		base:     base,
		maxWait:  maxWait.Seconds(),
		maxTries: maxTries,
		uniform: func(min, max float64) float64 {
			return min + rng.Float64()*(max-min)
		},
	}
}

// Tries reports the current attempt counter. It reads 0 both before the
// first call of a run and immediately after the budget has been exhausted;
// callers distinguish the two by checking it right after Calculate.
func (b *Backoff) Tries() int { return b.tries }

// MaxTries reports the configured attempt budget, 0 if unbounded.
func (b *Backoff) MaxTries() int { return b.maxTries }

// Reset zeroes the attempt counter, starting a fresh backoff run.
func (b *Backoff) Reset() {
	b.tries = 0
	b.lastWait = 0
}

// Calculate advances the attempt counter and returns the next delay.
//
// The delay is a uniform draw in [0, 2*base*min(tries², ceiling)] seconds,
// doubled from the previous delay whenever the draw does not exceed it, then
// clamped to the ceiling. When the attempt budget is spent the counters reset
// to zero as a side effect; the caller detects exhaustion by observing
// Tries() == 0 after this call.
func (b *Backoff) Calculate() time.Duration {
	b.tries++

	exponent := float64(b.tries * b.tries)
	if exponent > b.maxWait {
		exponent = b.maxWait
	}
	wait := b.uniform(0, float64(b.base*2)*exponent)

	if wait <= b.lastWait {
		wait = b.lastWait * 2
	}
	b.lastWait = wait

	if wait > b.maxWait {
		wait = b.maxWait
	}

	if b.maxTries > 0 && b.tries >= b.maxTries {
		b.tries = 0
		b.lastWait = 0
	}

	return time.Duration(wait * float64(time.Second))
}
