// Package scenario composes slot inspection, update control and reboots into
// the acceptance protocols: committed update, rollback verification,
// stability under reboots, and the torture loops built from them.
//
// Every protocol is one parameterized state machine
// (idle -> installing -> awaiting_slot_change -> verifying ->
// committed | rollback_pending -> done). Steps run strictly in sequence; the
// only suspension points are remote commands and the reboot wait loops, all
// of which honor the context.
package scenario

import (
	"context"
	"time"

	otaharness "github.com/OE4T/otaharness"
	"github.com/OE4T/otaharness/pkg/device"
	"github.com/OE4T/otaharness/pkg/slot"
	"github.com/OE4T/otaharness/pkg/update"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Inspector reads slot state from the device.
type Inspector interface {
	CurrentSlot(ctx context.Context) (otaharness.BootSlot, error)
	CheckPartitionConsistency(ctx context.Context) (slot.Check, error)
}

// Updater drives the update agent.
type Updater interface {
	Install(ctx context.Context, locator string) error
	Commit(ctx context.Context) error
	SetRollbackSentinel(ctx context.Context, present bool) error
}

// Rebooter reboots the device and returns once a fresh session is available.
type Rebooter interface {
	Reboot(ctx context.Context) error
}

// cleanupTimeout bounds steps that must run even after the scenario context
// was cancelled.
const cleanupTimeout = 30 * time.Second

// Runner executes scenarios against one device.
type Runner struct {
	cfg       Config
	inspector Inspector
	updater   Updater
	rebooter  Rebooter
	recorder  otaharness.OutcomeRecorder

	runID     string
	iteration int
	now       func() time.Time
}

// NewRunner wires the collaborators. A nil recorder disables recording.
func NewRunner(cfg Config, inspector Inspector, updater Updater, rebooter Rebooter, recorder otaharness.OutcomeRecorder) *Runner {
	if recorder == nil {
		recorder = otaharness.NoopRecorder{}
	}
	return &Runner{
		cfg:       cfg.withDefaults(),
		inspector: inspector,
		updater:   updater,
		rebooter:  rebooter,
		recorder:  recorder,
		runID:     uuid.NewString(),
		now:       time.Now,
	}
}

// ForDevice builds a Runner whose inspector and updater talk through h.
func ForDevice(cfg Config, h *device.Handle, rebooter Rebooter, recorder otaharness.OutcomeRecorder) *Runner {
	return NewRunner(cfg, slot.NewInspector(h), update.NewController(h), rebooter, recorder)
}

// RunID identifies this runner's outcomes in the history.
func (r *Runner) RunID() string { return r.runID }

// Config returns the effective configuration.
func (r *Runner) Config() Config { return r.cfg }

// Run dispatches to the scenario called name.
func (r *Runner) Run(ctx context.Context, name Name) (otaharness.TestOutcome, error) {
	switch name {
	case NameUpdate:
		return r.CommittedUpdate(ctx)
	case NameRollback:
		return r.Rollback(ctx)
	case NameStability:
		return r.Stability(ctx)
	case NameTest:
		return r.FullTest(ctx)
	case NameTorture:
		return r.Torture(ctx)
	case NameRebootTorture:
		return r.RebootTorture(ctx)
	}
	return otaharness.TestOutcome{Scenario: string(name)}, errors.Wrapf(otaharness.ErrConfiguration, "unknown scenario %q", name)
}

// attempt carries the bookkeeping of one scenario run.
type attempt struct {
	r       *Runner
	name    Name
	state   *stateTracker
	step    string
	before  otaharness.BootSlot
	after   otaharness.BootSlot
	retries int
	started time.Time

	// sentinel is set once the rollback sentinel may exist on the device.
	sentinel bool
}

func (r *Runner) begin(name Name) *attempt {
	log.Info().Str("scenario", string(name)).Str("device", r.cfg.Device).Msg("starting scenario")
	return &attempt{
		r:       r,
		name:    name,
		state:   newStateTracker(name),
		before:  otaharness.SlotUnknown,
		after:   otaharness.SlotUnknown,
		started: r.now(),
	}
}

func (a *attempt) enter(s State) { a.state.enter(s) }

// do runs one named step and converts its failure into a StepError.
func (a *attempt) do(step string, fn func() error) error {
	a.step = step
	if err := fn(); err != nil {
		return a.fail(err)
	}
	return nil
}

func (a *attempt) fail(err error) error {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return err
	}
	return &StepError{
		Scenario:   a.name,
		Step:       a.step,
		State:      a.state.current,
		SlotBefore: a.before,
		SlotAfter:  a.after,
		Err:        err,
	}
}

// finish records the outcome and logs the verdict.
func (a *attempt) finish(ctx context.Context, err error) (otaharness.TestOutcome, error) {
	r := a.r
	outcome := otaharness.TestOutcome{
		RunID:      r.runID,
		Scenario:   string(a.name),
		Iteration:  r.iteration,
		Device:     r.cfg.Device,
		HostID:     r.cfg.HostID,
		Passed:     err == nil,
		Step:       a.step,
		RetryCount: a.retries,
		SlotBefore: a.before,
		SlotAfter:  a.after,
		StartedAt:  a.started,
		Duration:   r.now().Sub(a.started),
	}
	if err != nil {
		outcome.Reason = err.Error()
		a.enter(StateFailed)
		log.Error().Err(err).Str("scenario", string(a.name)).Str("step", a.step).Msg("scenario failed")
	} else {
		outcome.Step = ""
		a.enter(StateDone)
		log.Info().Str("scenario", string(a.name)).Int("retries", a.retries).
			Dur("elapsed", outcome.Duration).Msg("scenario passed")
	}

	recordCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		recordCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
	}
	if recErr := r.recorder.RecordOutcome(recordCtx, outcome); recErr != nil {
		log.Warn().Err(recErr).Str("scenario", string(a.name)).Msg("record outcome failed")
	}
	return outcome, err
}
