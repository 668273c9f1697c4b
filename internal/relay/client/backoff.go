package client

import (
	"math"
	"math/rand"
	"time"
)

// Backoff shapes the result polling interval.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	// Jitter scales each delay by a random factor in [0.5, 1.5).
	Jitter bool
}

// DefaultBackoff polls after 100ms, doubling up to 2s.
var DefaultBackoff = Backoff{Initial: 100 * time.Millisecond, Multiplier: 2, Max: 2 * time.Second}

// delay returns the wait before poll attempt n (1-based).
func (b Backoff) delay(attempt int, rng *rand.Rand) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Initial)
	if attempt > 1 {
		d *= math.Pow(mult, float64(attempt-1))
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter && rng != nil {
		d *= 0.5 + rng.Float64()
	}
	return time.Duration(d)
}
