package sync

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy configures retries of transient transfer failures.
type RetryPolicy struct {
	// InitialInterval is the delay after the first failure.
	InitialInterval time.Duration

	// MaxInterval caps a single delay.
	MaxInterval time.Duration

	// Multiplier grows the delay after each failure.
	Multiplier float64

	// RandomizationFactor spreads delays by ±factor. Zero disables jitter.
	RandomizationFactor float64

	// MaxAttempts is the total number of attempts before a record is
	// reported as TRANSFER_FAILED.
	MaxAttempts int
}

// DefaultRetryPolicy returns sensible defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:     time.Second,
		MaxInterval:         2 * time.Minute,
		Multiplier:          2,
		RandomizationFactor: 0.2,
		MaxAttempts:         5,
	}
}

// Backoff computes retry delays for a RetryPolicy.
type Backoff struct {
	policy RetryPolicy
}

// NewBackoff fills unset policy fields with defaults.
func NewBackoff(policy RetryPolicy) *Backoff {
	def := DefaultRetryPolicy()
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = def.InitialInterval
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = def.MaxInterval
	}
	if policy.MaxInterval < policy.InitialInterval {
		policy.MaxInterval = policy.InitialInterval
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = def.Multiplier
	}
	if policy.RandomizationFactor < 0 || policy.RandomizationFactor >= 1 {
		policy.RandomizationFactor = def.RandomizationFactor
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	return &Backoff{policy: policy}
}

// Policy returns the effective policy.
func (b *Backoff) Policy() RetryPolicy {
	return b.policy
}

// Delay returns the wait before retry number attempt (1-based).
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.policy.InitialInterval
	eb.MaxInterval = b.policy.MaxInterval
	eb.Multiplier = b.policy.Multiplier
	eb.RandomizationFactor = b.policy.RandomizationFactor
	eb.MaxElapsedTime = 0
	eb.Reset()

	// The interval stops growing at MaxInterval long before this.
	if attempt > 64 {
		attempt = 64
	}

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = eb.NextBackOff()
	}
	return d
}

// Exhausted reports whether a record that has failed attempts times should
// stop being retried.
func (b *Backoff) Exhausted(attempts int) bool {
	return attempts >= b.policy.MaxAttempts
}
