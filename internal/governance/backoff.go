package governance

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffConfig is an exponential backoff schedule.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter adds up to 25% random delay on top of the computed backoff.
	Jitter bool
}

// DefaultBackoffConfig returns the schedule used between handler retries.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    10 * time.Millisecond,
		Max:        time.Second,
		Multiplier: 2,
	}
}

// Backoff returns the delay before retry number attempt (zero based).
func (c BackoffConfig) Backoff(attempt int) time.Duration {
	if c.Initial <= 0 {
		return 0
	}
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}
	f := float64(c.Initial) * math.Pow(mult, float64(attempt))
	if c.Max > 0 && f > float64(c.Max) {
		f = float64(c.Max)
	}
	if f >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	d := time.Duration(f)
	if c.Jitter && d >= 4 {
		// #nosec G404 - jitter does not need a cryptographic source
		d += time.Duration(rand.Int64N(int64(d / 4)))
	}
	return d
}
