package relay

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrIllegalTransition is wrapped by errors from [machine.transition].
var ErrIllegalTransition = errors.New("relay: illegal state transition")

// State is the lifecycle stage of a [Session].
type State int

const (
	// StateUnauthenticated: connected, waiting for an auth frame.
	StateUnauthenticated State = iota
	// StateAuthPending: an auth frame is being verified.
	StateAuthPending
	// StateAuthenticated: verified, no upstream connection.
	StateAuthenticated
	// StateUpstreamConnecting: the upstream dial is in flight.
	StateUpstreamConnecting
	// StateUpstreamOpen: traffic is forwarded in both directions.
	StateUpstreamOpen
	// StateClosing: teardown started.
	StateClosing
	// StateClosed: all resources released.
	StateClosed
)

// String returns the state name used in logs.
func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthPending:
		return "auth_pending"
	case StateAuthenticated:
		return "authenticated"
	case StateUpstreamConnecting:
		return "upstream_connecting"
	case StateUpstreamOpen:
		return "upstream_open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Authenticated reports whether traffic may flow in s.
func (s State) Authenticated() bool {
	return s == StateAuthenticated || s == StateUpstreamConnecting || s == StateUpstreamOpen
}

// transitions lists the legal successor states. A failed dial returns the
// session to StateAuthenticated; every live state may start closing.
var transitions = map[State][]State{
	StateUnauthenticated:    {StateAuthPending, StateClosing},
	StateAuthPending:        {StateAuthenticated, StateClosing},
	StateAuthenticated:      {StateUpstreamConnecting, StateClosing},
	StateUpstreamConnecting: {StateUpstreamOpen, StateAuthenticated, StateClosing},
	StateUpstreamOpen:       {StateClosing},
	StateClosing:            {StateClosed},
	StateClosed:             nil,
}

// machine guards a session's state.
type machine struct {
	mu    sync.Mutex
	state State
}

func (m *machine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition moves to `to` if the table allows it from the current state.
func (m *machine) transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

// transitionFrom moves to `to` only if the current state is one of from.
func (m *machine) transitionFrom(to State, from ...State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(from, m.state) {
		return fmt.Errorf("%w: %s -> %s (expected one of %v)", ErrIllegalTransition, m.state, to, from)
	}
	return m.transitionLocked(to)
}

func (m *machine) transitionLocked(to State) error {
	if !slices.Contains(transitions[m.state], to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.state, to)
	}
	m.state = to
	return nil
}
