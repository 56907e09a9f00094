// Package resilience wraps fallible operations with timeout, bounded
// retry with exponential backoff and jitter, and a per-operation-class
// circuit breaker, then classifies failures for safe external reporting.
package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/tjfontaine/agentscope/internal/domain"
)

const (
	// DefaultFailureThreshold is the consecutive-failure count that opens
	// the breaker.
	DefaultFailureThreshold = 5

	// DefaultCooldown is how long the breaker stays open before allowing
	// a single half-open probe.
	DefaultCooldown = time.Minute
)

// breakerState follows closed -> open -> half-open -> closed.
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker is a consecutive-failure circuit breaker for one operation
// class.
type Breaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	openedAt  time.Time
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// BreakerOption configures a breaker.
type BreakerOption func(*Breaker)

// WithFailureThreshold overrides the opening threshold.
func WithFailureThreshold(n int) BreakerOption {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithCooldown overrides the open-state cool-down window.
func WithCooldown(d time.Duration) BreakerOption {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithBreakerClock overrides the time source, for tests.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		b.now = now
	}
}

// NewBreaker creates a closed breaker.
func NewBreaker(opts ...BreakerOption) *Breaker {
	b := &Breaker{
		threshold: DefaultFailureThreshold,
		cooldown:  DefaultCooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may proceed. In the open state it permits
// exactly one probe once the cool-down has elapsed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return nil
	case stateHalfOpen:
		// The single probe is already in flight.
		return domain.ErrUnavailable("circuit breaker is half-open, probe in flight")
	default:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = stateHalfOpen
			return nil
		}
		return domain.ErrUnavailable(fmt.Sprintf("circuit breaker is open, retry after %s", b.cooldown))
	}
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = stateClosed
	b.failures = 0
}

// RecordFailure counts a failure; at the threshold, or on a failed
// half-open probe, the breaker opens and the cool-down restarts.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateHalfOpen {
		b.state = stateOpen
		b.openedAt = b.now()
		return
	}

	b.failures++
	if b.failures >= b.threshold {
		b.state = stateOpen
		b.openedAt = b.now()
	}
}

// State returns the current state name, for introspection.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}
