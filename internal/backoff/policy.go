// Package backoff provides exponential backoff utilities with jitter for
// transient-error retries.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation and
// the attempt ceiling for one retried operation.
type Policy struct {
	// BaseMs is the initial backoff duration in milliseconds.
	BaseMs float64
	// MaxMs is the maximum backoff duration in milliseconds.
	MaxMs float64
	// Multiplier is the exponential factor applied per attempt.
	Multiplier float64
	// Jitter is the randomization factor (0.0 to 1.0) applied to the backoff.
	Jitter float64
	// MaxAttempts caps how many attempts (including the first) are made.
	MaxAttempts int
}

// Delay calculates the backoff duration for a given attempt number.
// The formula is: base = baseMs * multiplier^(attempt-1), jitter = base * jitter * random()
// Returns min(maxMs, base + jitter) as a time.Duration.
// Attempt numbers start at 1.
func Delay(policy Policy, attempt int) time.Duration {
	return DelayWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand calculates the backoff duration using a provided random
// value. This is useful for testing to provide deterministic results.
// The randomValue should be in the range [0.0, 1.0).
func DelayWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)

	base := policy.BaseMs * math.Pow(policy.Multiplier, exp)

	jitterAmount := base * policy.Jitter * randomValue

	total := math.Min(policy.MaxMs, base+jitterAmount)

	return time.Duration(math.Round(total)) * time.Millisecond
}

// DefaultPolicy returns the tool-retry policy: 500ms base, doubled per
// attempt, capped at 5s, at most 3 attempts, no jitter.
func DefaultPolicy() Policy {
	return Policy{
		BaseMs:      500,
		MaxMs:       5000,
		Multiplier:  2,
		Jitter:      0,
		MaxAttempts: 3,
	}
}

// AggressivePolicy returns a policy for quick retries with shorter delays.
// Base: 50ms, Max: 2s, Multiplier: 1.5, Jitter: 5%, 5 attempts.
func AggressivePolicy() Policy {
	return Policy{
		BaseMs:      50,
		MaxMs:       2000,
		Multiplier:  1.5,
		Jitter:      0.05,
		MaxAttempts: 5,
	}
}

// ConservativePolicy returns a policy for slow retries with longer delays.
// Base: 1s, Max: 30s, Multiplier: 2.5, Jitter: 20%, 3 attempts.
func ConservativePolicy() Policy {
	return Policy{
		BaseMs:      1000,
		MaxMs:       30000,
		Multiplier:  2.5,
		Jitter:      0.2,
		MaxAttempts: 3,
	}
}
