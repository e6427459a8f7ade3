// Package breaker implements the per-endpoint Closed/Open/Half-Open
// circuit breaker state machine from spec §4.7, grounded on the shape
// of resilient-client breakers in the wider pack (kdeps' resilient_client.go,
// marcioazam's resilience interfaces.go) but hand-rolled because the
// spec pins down an exact transition table we must match bit-for-bit.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/bc-dunia/sqlitebridge/internal/bridgeerr"
)

type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Config mirrors spec §9's breaker{} configuration block.
type Config struct {
	FailureThreshold     int
	ResetTimeoutMs       int64
	HalfOpenRequestCount int
}

// Transition records one state change for the bounded history ring.
type Transition struct {
	From State
	To   State
	At   time.Time
}

const historyCap = 64

// Breaker is one endpoint's circuit breaker instance (spec §3 "Circuit (C)").
type Breaker struct {
	cfg Config

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	nextAttemptAt    time.Time
	halfOpenAttempts int
	lastFailure      time.Time
	lastSuccess      time.Time
	history          []Transition

	onTransition func(from, to State)
	now          func() time.Time
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeoutMs <= 0 {
		cfg.ResetTimeoutMs = 30000
	}
	if cfg.HalfOpenRequestCount <= 0 {
		cfg.HalfOpenRequestCount = 1
	}
	return &Breaker{cfg: cfg, state: Closed, now: time.Now}
}

// OnTransition registers a callback invoked (outside the lock) on every
// state change.
func (b *Breaker) OnTransition(fn func(from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn if the breaker currently admits calls, else fails
// fast with CircuitBreakerOpen. Spec §4.7's exact transition table.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if err := b.beforeCall(); err != nil {
		return nil, err
	}
	v, err := fn(ctx)
	b.afterCall(err)
	return v, err
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case Closed:
		return nil
	case Open:
		if now.Before(b.nextAttemptAt) {
			return bridgeerr.CircuitBreakerOpen(b.nextAttemptAt.Sub(now))
		}
		b.transitionLocked(HalfOpen)
		b.halfOpenAttempts = 1
		return nil
	case HalfOpen:
		if b.halfOpenAttempts >= b.cfg.HalfOpenRequestCount {
			return bridgeerr.CircuitBreakerOpen(b.nextAttemptAt.Sub(now))
		}
		b.halfOpenAttempts++
		return nil
	default:
		return nil
	}
}

func (b *Breaker) afterCall(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if err == nil {
		b.lastSuccess = now
		switch b.state {
		case Closed:
			b.failureCount = 0
		case HalfOpen:
			b.successCount++
			if b.successCount >= b.cfg.HalfOpenRequestCount {
				b.successCount = 0
				b.failureCount = 0
				b.transitionLocked(Closed)
			}
		}
		return
	}

	b.lastFailure = now
	switch b.state {
	case Closed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.tripLocked(now)
		}
	case HalfOpen:
		b.tripLocked(now)
	}
}

func (b *Breaker) tripLocked(now time.Time) {
	b.successCount = 0
	b.failureCount = 0
	b.nextAttemptAt = now.Add(time.Duration(b.cfg.ResetTimeoutMs) * time.Millisecond)
	b.transitionLocked(Open)
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.history = append(b.history, Transition{From: from, To: to, At: b.now()})
	if len(b.history) > historyCap {
		b.history = b.history[len(b.history)-historyCap:]
	}
	if b.onTransition != nil {
		cb := b.onTransition
		go cb(from, to)
	}
}

// History returns a copy of the bounded transition ring.
func (b *Breaker) History() []Transition {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Transition, len(b.history))
	copy(out, b.history)
	return out
}

// Manager owns one Breaker per endpoint name, created lazily with a
// shared default config (spec §4.7 "CircuitBreakerManager").
type Manager struct {
	mu       sync.Mutex
	defaults Config
	breakers map[string]*Breaker
	onTrip   func(endpoint string)
}

func NewManager(defaults Config) *Manager {
	return &Manager{defaults: defaults, breakers: make(map[string]*Breaker)}
}

// OnTrip registers a callback invoked with the endpoint name whenever
// any breaker this manager owns transitions to Open, for metrics
// (spec §4.12's circuit-breaker-trip counter).
func (m *Manager) OnTrip(fn func(endpoint string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTrip = fn
}

// AnyOpen reports whether any endpoint breaker currently created is
// Open, for aggregate health checks (spec §4.14 "isHealthy()").
func (m *Manager) AnyOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.breakers {
		if b.State() == Open {
			return true
		}
	}
	return false
}

func (m *Manager) Get(endpoint string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[endpoint]
	if !ok {
		b = New(m.defaults)
		if m.onTrip != nil {
			ep, trip := endpoint, m.onTrip
			b.OnTransition(func(from, to State) {
				if to == Open {
					trip(ep)
				}
			})
		}
		m.breakers[endpoint] = b
	}
	return b
}
