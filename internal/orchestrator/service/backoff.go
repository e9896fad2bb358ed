package service

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// capExponentialBackoff implements cenkalti/backoff/v5's BackOff interface
// with the spec's exact, non-jittered formula: min(2^attempt, 30) seconds.
// The testable retry-exhaustion scenario (§8) asserts the observed sleeps
// are approximately 2s then 4s, which rules out the library's own
// ExponentialBackOff (randomized by default).
type capExponentialBackoff struct {
	attempt int
	cap     time.Duration
}

func newCapExponentialBackoff(cap time.Duration) *capExponentialBackoff {
	return &capExponentialBackoff{cap: cap}
}

func (b *capExponentialBackoff) NextBackOff() time.Duration {
	b.attempt++
	seconds := math.Pow(2, float64(b.attempt))
	wait := time.Duration(seconds) * time.Second
	if wait > b.cap || wait <= 0 {
		wait = b.cap
	}
	return wait
}

func (b *capExponentialBackoff) Reset() {
	b.attempt = 0
}

var _ backoff.BackOff = (*capExponentialBackoff)(nil)
