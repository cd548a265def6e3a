// Package circuitbreaker implements the per-dependency circuit breaker
// that protects the broker from cascading failures against the gateway
// REST API and the orchestrator.
//
// # State machine
//
//	Closed ──(consecutive failures ≥ Threshold)──► Open
//	Open ──(RecoveryTimeout elapsed)──► HalfOpen (lazily, on next read)
//	HalfOpen ──(probe succeeds)──► Closed
//	HalfOpen ──(probe fails)──► Open
//
// # Concurrency
//
// State transitions happen under a mutex. The wrapped call itself must be
// executed outside the lock by the caller (via Call) so a slow dependency
// does not serialize unrelated traffic.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the circuit breaker configuration for one dependency.
type Config struct {
	Threshold       int           // consecutive failures before tripping
	RecoveryTimeout time.Duration // time in Open before a probe is allowed
}

// DefaultConfig returns spec.md §4.6's defaults.
func DefaultConfig() Config {
	return Config{Threshold: 5, RecoveryTimeout: 30 * time.Second}
}

// Breaker is a per-dependency circuit breaker.
type Breaker struct {
	mu                  sync.Mutex
	cfg                 Config
	state               State
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool
}

// New creates a breaker with the given configuration.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	return &Breaker{cfg: cfg}
}

// Allow reports whether a call should be attempted, and advances the
// lazy Open→HalfOpen transition if the recovery timeout has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowLocked()
}

func (b *Breaker) allowLocked() bool {
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) < b.cfg.RecoveryTimeout {
			return false
		}
		b.state = StateHalfOpen
		b.probeInFlight = false
		fallthrough
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return true
}

// RetryAfter returns the remaining time before a probe is allowed while
// Open. Zero if not Open.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	remaining := b.cfg.RecoveryTimeout - time.Since(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordSuccess resets the failure counter and, from HalfOpen, closes the
// breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.probeInFlight = false
	b.state = StateClosed
}

// RecordFailure increments the failure counter, tripping to Open once the
// threshold is reached. A failed HalfOpen probe reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probeInFlight = false
		b.trip()
		return
	}

	b.consecutiveFailures++
	if b.consecutiveFailures >= b.cfg.Threshold {
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.consecutiveFailures = 0
}

// State returns the current state, advancing the lazy transition first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.state = StateHalfOpen
		b.probeInFlight = false
	}
	return b.state
}

// Call runs fn if the breaker allows it, outside the lock, and records
// the outcome. It returns CircuitOpenError if the breaker is tripped.
func (b *Breaker) Call(fn func() error) error {
	if !b.Allow() {
		return &CircuitOpenError{RetryAfter: b.RetryAfter()}
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// CircuitOpenError is returned by Call when the breaker short-circuits.
type CircuitOpenError struct {
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return "circuit open, retry after " + e.RetryAfter.String()
}

// Registry holds per-dependency circuit breakers, keyed by name (e.g.
// "gateway", "orchestrator").
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
}

// NewRegistry creates a registry where breakers created on demand share
// cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{breakers: make(map[string]*Breaker), cfg: cfg}
}

// Get returns the named breaker, creating it with the registry's default
// config on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(r.cfg)
	r.breakers[name] = b
	return b
}

// Snapshot returns a map of dependency name to breaker state string, for
// the observer's gauge metrics.
func (r *Registry) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State().String()
	}
	return out
}
