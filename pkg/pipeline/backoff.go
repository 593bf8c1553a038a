package pipeline

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes exponential delays with a capped ceiling and jitter.
type Backoff struct {
	// Base is the delay before the first retry.
	Base time.Duration

	// Max caps the computed delay.
	Max time.Duration

	// Jitter is the fraction of the delay that is randomized, in [0, 1].
	// Zero disables jitter.
	Jitter float64
}

// DefaultBackoff starts at one second and caps at one minute with 25% jitter.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: time.Minute, Jitter: 0.25}
}

// Delay returns the wait before retry number attempt (0-based):
// Base * 2^attempt, capped at Max, with the top Jitter fraction randomized.
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(base) * math.Pow(2, float64(attempt))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	if b.Jitter > 0 {
		j := math.Min(b.Jitter, 1)
		fixed := delay * (1 - j)
		delay = fixed + rand.Float64()*delay*j
	}

	return time.Duration(delay)
}
