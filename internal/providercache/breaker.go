package providercache

import (
	"sync"
	"time"
)

// BreakerState represents the state of a provider's circuit breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // healthy — fetches flow
	BreakerOpen                         // unhealthy — fetches blocked
	BreakerHalfOpen                     // probing — one fetch allowed
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker is a per-provider circuit breaker in front of live fetches.
// It keeps a failing provider from being hammered while the cache
// serves stale entries.
type Breaker struct {
	mu sync.Mutex

	state    BreakerState
	failures int
	openedAt time.Time

	failureThreshold int
	probeInterval    time.Duration
}

// NewBreaker creates a breaker that opens after failureThreshold
// consecutive failures and probes again after probeInterval.
func NewBreaker(failureThreshold int, probeInterval time.Duration) *Breaker {
	return &Breaker{
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		probeInterval:    probeInterval,
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// currentState transitions OPEN to HALF_OPEN once the probe interval
// has elapsed. Must be called with mu held.
func (b *Breaker) currentState() BreakerState {
	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.probeInterval {
		b.state = BreakerHalfOpen
	}
	return b.state
}

// Allow reports whether a fetch should be attempted.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		// one probe fetch
		return true
	case BreakerOpen:
		return false
	}
	return false
}

// RecordSuccess records a successful fetch.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.state = BreakerClosed
	}
	b.failures = 0
}

// RecordFailure records a failed fetch.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++

	switch b.state {
	case BreakerClosed:
		if b.failures >= b.failureThreshold {
			b.state = BreakerOpen
			b.openedAt = time.Now()
		}
	case BreakerHalfOpen:
		// probe failed — reopen
		b.state = BreakerOpen
		b.openedAt = time.Now()
	}
}
