package supervisor

import (
	"math/rand"
	"time"

	appconfig "coindash/config"
)

// rateLimitFloor is the mandatory minimum delay before retrying after an
// HTTP 429, regardless of what the policy computes.
const rateLimitFloor = 10 * time.Second

// RetryPolicy is an immutable description of how an operation may be
// retried. Policies are chosen per call-site: Critical for the initial load,
// Fast for the periodic refresh.
type RetryPolicy struct {
	Name        string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DelayFor returns the backoff delay after the given 1-based attempt:
// BaseDelay * 2^(attempt-1), capped at MaxDelay. Jitter is applied by the
// supervisor, not here, so tests can assert on exact bounds.
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		return p.BaseDelay
	}
	// 2^30 seconds already exceeds any sane cap; avoid shift overflow.
	if attempt-1 > 30 {
		return p.MaxDelay
	}
	delay := p.BaseDelay * time.Duration(1<<(attempt-1))
	if delay > p.MaxDelay || delay < 0 {
		return p.MaxDelay
	}
	return delay
}

// Profiles bundles the named retry policies from configuration.
type Profiles struct {
	Standard RetryPolicy
	Fast     RetryPolicy
	Slow     RetryPolicy
	Critical RetryPolicy
}

func ProfilesFromConfig(cfg appconfig.RetryProfiles) Profiles {
	return Profiles{
		Standard: policyFromConfig("standard", cfg.Standard),
		Fast:     policyFromConfig("fast", cfg.Fast),
		Slow:     policyFromConfig("slow", cfg.Slow),
		Critical: policyFromConfig("critical", cfg.Critical),
	}
}

func policyFromConfig(name string, rc appconfig.RetryConfig) RetryPolicy {
	return RetryPolicy{
		Name:        name,
		MaxAttempts: rc.MaxAttempts,
		BaseDelay:   rc.BaseDelay,
		MaxDelay:    rc.MaxDelay,
	}
}

// Jitter perturbs a computed backoff delay. It is injectable so tests can
// use the identity function and assert on un-jittered bounds.
type Jitter func(time.Duration) time.Duration

// DefaultJitter spreads delays by roughly ±25% to avoid synchronized
// retries across instances.
func DefaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	factor := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * factor)
}

// NoJitter returns the delay unchanged.
func NoJitter(d time.Duration) time.Duration { return d }
