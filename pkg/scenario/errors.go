package scenario

import (
	"fmt"

	otaharness "github.com/OE4T/otaharness"
)

// StepError reports the scenario step that failed together with the slot
// observations made so far. It unwraps to the underlying error kind.
type StepError struct {
	Scenario   Name
	Step       string
	State      State
	SlotBefore otaharness.BootSlot
	SlotAfter  otaharness.BootSlot
	Err        error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s (state %s, slot %s -> %s): %v",
		e.Scenario, e.Step, e.State, e.SlotBefore, e.SlotAfter, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Cause supports github.com/pkg/errors.Cause.
func (e *StepError) Cause() error { return e.Err }
