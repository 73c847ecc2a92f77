// Package resilience provides the circuit breaker that guards upstream dials.
//
// The relay never retries a failed upstream connection: a restart is always the
// client's decision. The [Breaker] only makes failures cheaper. After a run of
// consecutive dial failures it rejects further attempts with [ErrCircuitOpen]
// until the reset timeout elapses, then lets a single probe through.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] when the breaker rejects a call.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets exactly one probe through. Its outcome closes or
	// re-opens the breaker.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name is a label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before allowing a probe.
	// Default: 30s.
	ResetTimeout time.Duration

	// OnStateChange, if set, is called after every transition. It runs with
	// no locks held.
	OnStateChange func(from, to State)

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// Breaker implements a three-state circuit breaker.
type Breaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	onStateChange func(from, to State)
	now           func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probeActive bool
}

// NewBreaker creates a [Breaker]. Zero-value config fields get defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		onStateChange: cfg.OnStateChange,
		now:           cfg.Now,
	}
}

// Do runs fn if the breaker allows it and records the outcome. Context
// cancellation is not counted as a failure: a dial aborted by shutdown says
// nothing about the upstream's health.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.acquire()
	if err != nil {
		return err
	}

	err = fn()

	b.mu.Lock()
	from := b.state
	switch {
	case err == nil:
		b.failures = 0
		b.state = StateClosed
	case errors.Is(err, context.Canceled):
		// Neutral outcome. A cancelled probe leaves the breaker half-open.
	default:
		b.failures++
		if probe || b.failures >= b.maxFailures {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	}
	if probe {
		b.probeActive = false
	}
	to := b.state
	failures := b.failures
	b.mu.Unlock()

	if from != to {
		b.transitioned(from, to, failures)
	}
	return err
}

func (b *Breaker) acquire() (probe bool, err error) {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probeActive = true
		b.mu.Unlock()
		b.transitioned(from, StateHalfOpen, 0)
		return true, nil
	case StateHalfOpen:
		if b.probeActive {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		b.probeActive = true
		b.mu.Unlock()
		return true, nil
	default:
		b.mu.Unlock()
		return false, nil
	}
}

func (b *Breaker) transitioned(from, to State, failures int) {
	switch to {
	case StateOpen:
		slog.Warn("circuit breaker opened", "name", b.name, "consecutive_failures", failures)
	case StateHalfOpen:
		slog.Info("circuit breaker half-open, probing", "name", b.name)
	case StateClosed:
		slog.Info("circuit breaker closed", "name", b.name)
	}
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call to [Breaker.Do].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears its failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.probeActive = false
	b.mu.Unlock()
	if from != StateClosed {
		b.transitioned(from, StateClosed, 0)
	}
}
