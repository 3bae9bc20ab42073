// Package backoff provides exponential backoff with a capped delay and
// additive jitter for reconnect and retry loops.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Max caps the exponential part of the delay.
	Max time.Duration
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the upper bound of the random amount added after capping.
	Jitter time.Duration
}

// Delay returns the wait before retry number attempt, counting from 0:
// min(Base * Factor^attempt, Max) + random[0, Jitter).
func Delay(policy Policy, attempt int) time.Duration {
	return DelayWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand is Delay with a caller supplied random value in [0.0, 1.0).
func DelayWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := policy.Factor
	if factor <= 0 {
		factor = 2
	}

	base := float64(policy.Base) * math.Pow(factor, float64(attempt))
	if policy.Max > 0 {
		base = math.Min(base, float64(policy.Max))
	}

	if randomValue < 0 {
		randomValue = 0
	}
	if randomValue >= 1 {
		randomValue = math.Nextafter(1, 0)
	}
	jitter := float64(policy.Jitter) * randomValue

	return time.Duration(base + jitter)
}

// ReconnectPolicy is used by the realtime connection manager.
// Base: 1s, Max: 30s, Factor: 2, Jitter: up to 1s
func ReconnectPolicy() Policy {
	return Policy{
		Base:   time.Second,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: time.Second,
	}
}

// ProbePolicy is a policy for quick startup probes such as database pings.
// Base: 200ms, Max: 5s, Factor: 2, Jitter: up to 100ms
func ProbePolicy() Policy {
	return Policy{
		Base:   200 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2,
		Jitter: 100 * time.Millisecond,
	}
}
