package device

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ConnectionState is the lifecycle of the session owned by a Handle.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	// StateInvalidated means the previous session was dropped, typically
	// right before a reboot, and no new session has been opened yet.
	StateInvalidated ConnectionState = "invalidated"
	StateClosed      ConnectionState = "closed"
)

func (s ConnectionState) String() string { return string(s) }

// StateTransition records one state change for debugging.
type StateTransition struct {
	From      ConnectionState
	To        ConnectionState
	Reason    string
	Timestamp time.Time
}

const maxTransitions = 50

type stateTracker struct {
	mu          sync.Mutex
	device      string
	current     ConnectionState
	transitions []StateTransition
}

func newStateTracker(device string) *stateTracker {
	return &stateTracker{device: device, current: StateDisconnected}
}

// set records a transition. Unchanged states are a no-op.
func (st *stateTracker) set(state ConnectionState, reason string) {
	st.mu.Lock()
	from := st.current
	if from == state {
		st.mu.Unlock()
		return
	}
	st.current = state
	st.transitions = append(st.transitions, StateTransition{From: from, To: state, Reason: reason, Timestamp: time.Now()})
	if len(st.transitions) > maxTransitions {
		st.transitions = st.transitions[len(st.transitions)-maxTransitions:]
	}
	st.mu.Unlock()

	log.Debug().Str("device", st.device).Str("from", from.String()).Str("to", state.String()).
		Str("reason", reason).Msg("connection state changed")
}

func (st *stateTracker) get() ConnectionState {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.current
}

func (st *stateTracker) history() []StateTransition {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]StateTransition, len(st.transitions))
	copy(out, st.transitions)
	return out
}
