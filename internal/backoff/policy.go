// Package backoff computes reconnect delays for the sync connection.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// MaxDelay is the hard ceiling for any reconnect delay.
const MaxDelay = 30 * time.Second

// BackoffPolicy defines the parameters for exponential backoff calculation.
type BackoffPolicy struct {
	// InitialMs is the delay before the first reconnect attempt in milliseconds.
	InitialMs float64
	// MaxMs caps every computed delay. Values above MaxDelay are clamped to it.
	MaxMs float64
	// Factor is the exponential factor applied to each attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) applied to the backoff.
	// The jittered delay never exceeds MaxMs.
	Jitter float64
}

// NewPolicy builds a policy from durations, the form used in configuration.
func NewPolicy(initial, max time.Duration, factor, jitter float64) BackoffPolicy {
	return BackoffPolicy{
		InitialMs: float64(initial.Milliseconds()),
		MaxMs:     float64(max.Milliseconds()),
		Factor:    factor,
		Jitter:    jitter,
	}
}

// ComputeBackoff calculates the backoff duration for a given attempt number.
// The formula is: base = initialMs * factor^(attempt-1), jitter = base * jitter * random()
// Returns min(maxMs, base + jitter) as a time.Duration.
// Attempt numbers start at 1.
func ComputeBackoff(policy BackoffPolicy, attempt int) time.Duration {
	return ComputeBackoffWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeBackoffWithRand calculates the backoff duration using a provided random value.
// The randomValue should be in the range [0.0, 1.0).
func ComputeBackoffWithRand(policy BackoffPolicy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)

	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	jitterAmount := base * policy.Jitter * randomValue

	limit := float64(MaxDelay.Milliseconds())
	if policy.MaxMs > 0 && policy.MaxMs < limit {
		limit = policy.MaxMs
	}
	total := math.Min(limit, base+jitterAmount)
	if math.IsNaN(total) || total < 0 {
		total = 0
	}

	return time.Duration(math.Round(total)) * time.Millisecond
}

// Delay is ComputeBackoff bound to the receiver.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if p.Jitter == 0 {
		return ComputeBackoffWithRand(p, attempt, 0)
	}
	return ComputeBackoff(p, attempt)
}

// DefaultPolicy returns the reconnect policy used by the sync connection.
// Initial: 1s, Max: 30s, Factor: 1.5, no jitter.
func DefaultPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialMs: 1000,
		MaxMs:     30000,
		Factor:    1.5,
		Jitter:    0,
	}
}
