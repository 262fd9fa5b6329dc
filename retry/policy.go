// Package retry provides retry and backoff policies for remote task
// submission and status polling.
package retry

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy defines retry behavior for one class of remote operation.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	// 0 means no limit.
	MaxAttempts int

	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration

	// MaxInterval is the maximum delay between retries.
	MaxInterval time.Duration

	// Multiplier is the factor by which the interval increases.
	Multiplier float64

	// LinearStep, when non-zero, is added per attempt instead of
	// multiplying. Used for lost-unit resubmission where geometric growth
	// would push recovery past the claim lease TTL.
	LinearStep time.Duration

	// RandomizationFactor adds jitter to the delay.
	// A value of 0.5 means the actual delay will be within [delay * 0.5, delay * 1.5].
	RandomizationFactor float64

	// NonRetryableErrors is a list of errors that should not be retried.
	// Errors are matched using errors.Is.
	NonRetryableErrors []error
}

// DefaultSubmit returns the default policy for resubmitting lost units:
// linear backoff, bounded attempts.
func DefaultSubmit() *Policy {
	return &Policy{
		MaxAttempts:     3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		LinearStep:      1 * time.Second,
	}
}

// DefaultPoll returns the default policy for status polling: capped
// geometric backoff with jitter. MaxAttempts bounds the poll count; the
// engine additionally bounds polling by wall-clock timeout.
func DefaultPoll() *Policy {
	return &Policy{
		MaxAttempts:         30,
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          1.5,
		RandomizationFactor: 0.2,
	}
}

// NoRetry returns a policy that never retries.
func NoRetry() *Policy {
	return &Policy{
		MaxAttempts: 1,
	}
}

// Linear returns a policy whose delay grows by step per attempt.
func Linear(maxAttempts int, step time.Duration) *Policy {
	return &Policy{
		MaxAttempts:     maxAttempts,
		InitialInterval: step,
		MaxInterval:     time.Duration(maxAttempts) * step,
		LinearStep:      step,
	}
}

// Fixed returns a policy with fixed delay between retries.
func Fixed(maxAttempts int, interval time.Duration) *Policy {
	return &Policy{
		MaxAttempts:     maxAttempts,
		InitialInterval: interval,
		MaxInterval:     interval,
		Multiplier:      1.0,
	}
}

// Geometric returns a capped geometric backoff policy.
func Geometric(maxAttempts int, initial, max time.Duration, multiplier float64) *Policy {
	return &Policy{
		MaxAttempts:         maxAttempts,
		InitialInterval:     initial,
		MaxInterval:         max,
		Multiplier:          multiplier,
		RandomizationFactor: 0.5,
	}
}

// ShouldRetry returns true if the operation should be retried.
func (p *Policy) ShouldRetry(attempts int, err error) bool {
	if p.MaxAttempts > 0 && attempts >= p.MaxAttempts {
		return false
	}

	for _, nonRetryable := range p.NonRetryableErrors {
		if errors.Is(err, nonRetryable) {
			return false
		}
	}

	return true
}

// GetDelay calculates the delay before the next attempt.
func (p *Policy) GetDelay(attempts int) time.Duration {
	if attempts <= 1 {
		return p.addJitter(p.InitialInterval)
	}

	var delay float64
	if p.LinearStep > 0 {
		delay = float64(p.InitialInterval) + float64(p.LinearStep)*float64(attempts-1)
	} else {
		delay = float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempts-1))
	}

	if p.MaxInterval > 0 && delay > float64(p.MaxInterval) {
		delay = float64(p.MaxInterval)
	}

	return p.addJitter(time.Duration(delay))
}

// addJitter adds randomization to the delay.
func (p *Policy) addJitter(delay time.Duration) time.Duration {
	if p.RandomizationFactor == 0 {
		return delay
	}

	// Generate random factor between [1-factor, 1+factor]
	factor := 1.0 + p.RandomizationFactor*(2*rand.Float64()-1)
	return time.Duration(float64(delay) * factor)
}
