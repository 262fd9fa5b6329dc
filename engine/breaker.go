package engine

import (
	"context"
	"sync"
	"time"

	"github.com/Zipstack/unstract-sub001/hooks"
)

// Breaker states.
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half_open"
)

const (
	// DefaultBreakerThreshold is the consecutive-failure count that opens
	// a breaker.
	DefaultBreakerThreshold = 5

	// DefaultBreakerCooldown is how long an open breaker rejects calls
	// before probing again.
	DefaultBreakerCooldown = 30 * time.Second
)

// breaker tracks one operation's failure streak.
type breaker struct {
	state    string
	failures int
	openedAt time.Time
}

// BreakerSet holds one circuit breaker per operation name, created
// lazily. A failure streak on one operation never affects another.
type BreakerSet struct {
	threshold int
	cooldown  time.Duration
	hooks     hooks.PipelineHooks
	now       func() time.Time

	mu       sync.Mutex
	breakers map[string]*breaker
}

// NewBreakerSet creates a breaker set. Non-positive threshold or cooldown
// fall back to the defaults; nil hooks means no-op hooks.
func NewBreakerSet(threshold int, cooldown time.Duration, h hooks.PipelineHooks) *BreakerSet {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}
	if h == nil {
		h = &hooks.NoOpHooks{}
	}
	return &BreakerSet{
		threshold: threshold,
		cooldown:  cooldown,
		hooks:     h,
		now:       time.Now,
		breakers:  make(map[string]*breaker),
	}
}

// Allow reports whether a call for the operation may proceed. An open
// breaker rejects with ErrCircuitOpen until its cooldown elapses, then
// admits probes in half-open state.
func (s *BreakerSet) Allow(ctx context.Context, operation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(operation)
	if b.state != BreakerOpen {
		return nil
	}
	if s.now().Sub(b.openedAt) < s.cooldown {
		return ErrCircuitOpen
	}
	s.transition(ctx, operation, b, BreakerHalfOpen)
	return nil
}

// Success records a successful call, closing the breaker.
func (s *BreakerSet) Success(ctx context.Context, operation string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(operation)
	b.failures = 0
	if b.state != BreakerClosed {
		s.transition(ctx, operation, b, BreakerClosed)
	}
}

// Failure records a failed call. The breaker opens when the consecutive
// failure count reaches the threshold, and reopens immediately on a
// failed half-open probe.
func (s *BreakerSet) Failure(ctx context.Context, operation string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(operation)
	b.failures++
	if b.state == BreakerHalfOpen || (b.state == BreakerClosed && b.failures >= s.threshold) {
		b.openedAt = s.now()
		s.transition(ctx, operation, b, BreakerOpen)
	}
}

// State returns the current state of the operation's breaker.
func (s *BreakerSet) State(operation string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(operation).state
}

func (s *BreakerSet) get(operation string) *breaker {
	b, ok := s.breakers[operation]
	if !ok {
		b = &breaker{state: BreakerClosed}
		s.breakers[operation] = b
	}
	return b
}

func (s *BreakerSet) transition(ctx context.Context, operation string, b *breaker, to string) {
	from := b.state
	b.state = to
	s.hooks.OnBreakerStateChange(ctx, hooks.BreakerStateChangeInfo{
		Operation:           operation,
		From:                from,
		To:                  to,
		ConsecutiveFailures: b.failures,
	})
}
