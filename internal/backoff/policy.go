// Package backoff provides exponential backoff utilities with jitter for retry logic.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Base is the initial backoff duration.
	Base time.Duration
	// Max caps the computed backoff before jitter is applied.
	Max time.Duration
	// Multiplier is the exponential factor applied per retry.
	Multiplier float64
}

// Compute calculates the backoff duration before retry number attempt.
// Attempt numbers start at 0 for the first retry.
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates the backoff duration using a provided random
// value, which is useful for deterministic tests. The delay is
// min(base * multiplier^attempt, max) scaled by a jitter factor of
// 0.5 + randomValue, so the result ranges over [0.5x, 1.5x) of the capped
// delay. The randomValue must be in [0.0, 1.0).
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(policy.Base) * math.Pow(policy.Multiplier, float64(attempt))
	if max := float64(policy.Max); policy.Max > 0 && base > max {
		base = max
	}
	jittered := base * (0.5 + randomValue)
	return time.Duration(jittered)
}

// DefaultPolicy returns a sensible default backoff policy.
// Base: 100ms, Max: 5s, Multiplier: 2.
func DefaultPolicy() Policy {
	return Policy{
		Base:       100 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 2,
	}
}

// AggressivePolicy returns a policy for quick retries with shorter delays.
// Base: 50ms, Max: 1s, Multiplier: 1.5.
func AggressivePolicy() Policy {
	return Policy{
		Base:       50 * time.Millisecond,
		Max:        time.Second,
		Multiplier: 1.5,
	}
}

// ConservativePolicy returns a policy for slow retries with longer delays.
// Base: 500ms, Max: 60s, Multiplier: 2.5.
func ConservativePolicy() Policy {
	return Policy{
		Base:       500 * time.Millisecond,
		Max:        60 * time.Second,
		Multiplier: 2.5,
	}
}
