package routing

import (
	"sync"
	"time"
)

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker is a per-server circuit breaker. Transitions:
// closed→open at failureCount ≥ threshold, open→half-open after the
// cool-down (observed lazily on the next Allow), half-open→closed on
// success, half-open→open on failure.
type Breaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	threshold   int
	cooldown    time.Duration
}

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		state:     BreakerClosed,
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Allow reports whether a request may proceed. An open breaker whose
// cool-down has elapsed moves to half-open and lets one trial through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if time.Since(b.lastFailure) >= b.cooldown {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	default:
		return false
	}
}

func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.failures = 0
		if b.state == BreakerHalfOpen {
			b.state = BreakerClosed
		}
		return
	}

	b.failures++
	b.lastFailure = time.Now()
	switch b.state {
	case BreakerClosed:
		if b.failures >= b.threshold {
			b.state = BreakerOpen
		}
	case BreakerHalfOpen:
		// The trial request failed; re-open immediately.
		b.state = BreakerOpen
	}
}

// State returns the current state, applying the time-driven open→half-open
// transition so reads after the cool-down observe half-open.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && time.Since(b.lastFailure) >= b.cooldown {
		b.state = BreakerHalfOpen
	}
	return b.state
}

func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// BreakerRegistry holds one breaker per server.
type BreakerRegistry struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	threshold int
	cooldown  time.Duration
}

func NewBreakerRegistry(threshold int, cooldown time.Duration) *BreakerRegistry {
	return &BreakerRegistry{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

func (r *BreakerRegistry) Get(serverID string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[serverID]
	if !ok {
		b = NewBreaker(r.threshold, r.cooldown)
		r.breakers[serverID] = b
	}
	return b
}

func (r *BreakerRegistry) Remove(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, serverID)
}

// States returns a snapshot of breaker states keyed by server ID.
func (r *BreakerRegistry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make(map[string]string, len(r.breakers))
	for id, b := range r.breakers {
		states[id] = b.State().String()
	}
	return states
}
