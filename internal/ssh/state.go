package ssh

import (
	"fmt"

	"github.com/kty-dev/kty/internal/metrics"
)

// State tracks a connection through authentication and channel
// setup. Transitions outside the table fail closed: the offending
// event is refused and counted, the connection survives.
type State int

const (
	StateUnauthenticated State = iota
	StateKeyOffered
	StateCodeSent
	StateInvalidIdentity
	StateAuthenticated
	StateChannelOpen
	StatePtyStarted
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateKeyOffered:
		return "key_offered"
	case StateCodeSent:
		return "code_sent"
	case StateInvalidIdentity:
		return "invalid_identity"
	case StateAuthenticated:
		return "authenticated"
	case StateChannelOpen:
		return "channel_open"
	case StatePtyStarted:
		return "pty_started"
	}
	return "unknown"
}

// expect verifies the session is in one of the given states before
// an event is acted on. Channel goroutines call this concurrently
// with each other's transitions.
func (s *session) expect(states ...State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, state := range states {
		if s.state == state {
			return nil
		}
	}

	metrics.UnexpectedState.WithLabelValues(states[0].String(), s.state.String()).Inc()
	return fmt.Errorf("unexpected event in state %s", s.state)
}

func (s *session) transition(to State) {
	s.mu.Lock()
	s.state = to
	s.mu.Unlock()
}

func (s *session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
