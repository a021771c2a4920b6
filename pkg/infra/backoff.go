package infra

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// jitterRatio spreads reconnect attempts by ±20%.
const jitterRatio = 0.2

// Backoff paces reconnect loops: delays grow by multiplier per attempt, with
// jitter, and never drop below minDelay.
type Backoff struct {
	mu         sync.Mutex
	minDelay   time.Duration
	maxDelay   time.Duration
	multiplier float64
	attempts   int
}

func NewBackoff(min, max time.Duration, mult float64) *Backoff {
	if mult < 1 {
		mult = 1
	}
	return &Backoff{minDelay: min, maxDelay: max, multiplier: mult}
}

// Next returns the wait before the upcoming attempt and counts it.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := scaledDelay(b.minDelay, b.maxDelay, b.multiplier, b.attempts)
	b.attempts++
	return max(Jitter(d), b.minDelay)
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempts = 0
	b.mu.Unlock()
}

func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Jitter perturbs d by up to ±20%.
func Jitter(d time.Duration) time.Duration {
	factor := rand.Float64()*2*jitterRatio - jitterRatio
	return d + time.Duration(factor*float64(d))
}

// ExponentialDelay returns base * 2^attempts, capped at maxDelay. It is
// deterministic so that persisted nextAttemptTime values can be reproduced.
func ExponentialDelay(base, maxDelay time.Duration, attempts int) time.Duration {
	return scaledDelay(base, maxDelay, 2, attempts)
}

func scaledDelay(base, maxDelay time.Duration, mult float64, attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := float64(base) * math.Pow(mult, float64(attempts))
	if d >= float64(maxDelay) || math.IsInf(d, 0) {
		return maxDelay
	}
	return time.Duration(d)
}
