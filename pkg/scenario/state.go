package scenario

import (
	"time"

	"github.com/rs/zerolog/log"
)

// State is a step of the update verification state machine.
type State string

const (
	StateIdle               State = "idle"
	StateInstalling         State = "installing"
	StateAwaitingSlotChange State = "awaiting_slot_change"
	StateVerifying          State = "verifying"
	StateCommitted          State = "committed"
	StateRollbackPending    State = "rollback_pending"
	StateDone               State = "done"
	StateFailed             State = "failed"
)

func (s State) String() string { return string(s) }

// Transition records one state change of a scenario run.
type Transition struct {
	From      State
	To        State
	Timestamp time.Time
}

type stateTracker struct {
	scenario    Name
	current     State
	transitions []Transition
}

func newStateTracker(name Name) *stateTracker {
	return &stateTracker{scenario: name, current: StateIdle}
}

func (st *stateTracker) enter(state State) {
	if st.current == state {
		return
	}
	from := st.current
	st.current = state
	st.transitions = append(st.transitions, Transition{From: from, To: state, Timestamp: time.Now()})
	log.Debug().Str("scenario", string(st.scenario)).Str("from", from.String()).Str("to", state.String()).
		Msg("scenario state changed")
}
