// Package backoff computes bounded exponential reconnect delays.
package backoff

import (
	"sync"
	"time"
)

// Delay returns min(max, min*2^attempt). Negative attempts count as zero.
func Delay(min, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if min <= 0 {
		return 0
	}
	if max < min {
		max = min
	}
	d := min
	for i := 0; i < attempt; i++ {
		// doubling past max/2 would overshoot or overflow
		if d > max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// Backoff tracks the attempt counter of one reconnect loop.
// Failure advances it, Reset rewinds it after a successful connect.
// The first delay after a Reset is min.
type Backoff struct {
	mu      sync.Mutex
	min     time.Duration
	max     time.Duration
	attempt int
}

func New(min, max time.Duration) *Backoff {
	return &Backoff{min: min, max: max}
}

// Next returns the delay for the current attempt without advancing it.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Delay(b.min, b.max, b.attempt)
}

// Failure records a failed attempt and returns the delay before the next one.
// The counter stops growing once the delay reaches max.
func (b *Backoff) Failure() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if Delay(b.min, b.max, b.attempt) < b.max {
		b.attempt++
	}
	return Delay(b.min, b.max, b.attempt)
}

// Reset rewinds the counter so the next delay is min again.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

// Attempt reports the current attempt counter.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
