package escrow

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the circuit breaker position.
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
		return "half_open"
	}
	return "unknown"
}

// ErrBreakerOpen is returned without calling the provider while the breaker is open.
var ErrBreakerOpen = errors.New("escrow provider circuit breaker is open")

// BreakerConfig controls when the breaker trips and recovers.
type BreakerConfig struct {
	// FailureThreshold consecutive transient failures open the breaker.
	FailureThreshold int
	// SuccessThreshold successes in half-open close it again.
	SuccessThreshold int
	// Timeout is how long the breaker stays open before probing.
	Timeout             time.Duration
	HalfOpenMaxRequests int
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 3,
	}
}

// Breaker stops calling a provider that keeps failing transiently.
// Permanent failures (a declined card, a compliance block) say nothing about
// provider health and do not count.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu            sync.Mutex
	state         BreakerState
	failures      int
	successes     int
	halfOpenCount int
	changedAt     time.Time
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultBreakerConfig()
	}
	b := &Breaker{cfg: cfg, now: time.Now}
	b.changedAt = b.now()
	return b
}

// allow reports whether a call may proceed and reserves a half-open slot.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && b.now().Sub(b.changedAt) >= b.cfg.Timeout {
		b.setState(BreakerHalfOpen)
	}
	switch b.state {
	case BreakerOpen:
		return false
	case BreakerHalfOpen:
		if b.halfOpenCount >= b.cfg.HalfOpenMaxRequests {
			return false
		}
		b.halfOpenCount++
	}
	return true
}

// record feeds back the outcome of an allowed call.
func (b *Breaker) record(transientFailure bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen && b.halfOpenCount > 0 {
		b.halfOpenCount--
	}
	if transientFailure {
		b.failures++
		if b.state == BreakerHalfOpen || b.failures >= b.cfg.FailureThreshold {
			b.setState(BreakerOpen)
		}
		return
	}
	b.failures = 0
	if b.state == BreakerHalfOpen {
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.setState(BreakerClosed)
		}
	}
}

func (b *Breaker) setState(s BreakerState) {
	b.state = s
	b.changedAt = b.now()
	b.halfOpenCount = 0
	b.successes = 0
	if s == BreakerClosed {
		b.failures = 0
	}
}

// State returns the current position.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
