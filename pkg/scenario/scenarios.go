package scenario

import (
	"context"
	"fmt"

	otaharness "github.com/OE4T/otaharness"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// CommittedUpdate installs the artifact with the sentinel absent, reboots,
// requires the slot to change and commits. The commit is issued for every
// boot method, but only fails the scenario when the boot method requires
// it. Elsewhere a failed commit is logged and ignored.
func (r *Runner) CommittedUpdate(ctx context.Context) (otaharness.TestOutcome, error) {
	a := r.begin(NameUpdate)
	return a.finish(ctx, r.committedUpdate(ctx, a))
}

func (r *Runner) committedUpdate(ctx context.Context, a *attempt) error {
	if err := r.install(ctx, a, false); err != nil {
		return err
	}
	if err := r.rebootIntoUpdate(ctx, a); err != nil {
		return err
	}
	if err := a.do("commit", func() error { return r.commit(ctx) }); err != nil {
		return err
	}
	a.enter(StateCommitted)
	return a.do("clear sentinel", func() error { return r.updater.SetRollbackSentinel(ctx, false) })
}

func (r *Runner) commit(ctx context.Context) error {
	err := r.updater.Commit(ctx)
	if err == nil || r.cfg.BootMethod.RequiresCommit() || ctx.Err() != nil {
		return err
	}
	log.Warn().Err(err).Str("boot_method", string(r.cfg.BootMethod)).
		Msg("commit failed on a boot method without a confirmation step, ignoring")
	return nil
}

// install runs the installing phase and records the pre-update slot.
func (r *Runner) install(ctx context.Context, a *attempt, sentinel bool) error {
	a.enter(StateInstalling)
	if err := a.do("install", func() error { return r.updater.Install(ctx, r.cfg.Artifact) }); err != nil {
		return err
	}
	step := "clear sentinel"
	if sentinel {
		step = "set sentinel"
		a.sentinel = true
	}
	if err := a.do(step, func() error { return r.updater.SetRollbackSentinel(ctx, sentinel) }); err != nil {
		return err
	}
	return a.do("check partition", func() error {
		check, err := r.inspector.CheckPartitionConsistency(ctx)
		a.before = check.Slot
		return err
	})
}

// rebootIntoUpdate reboots after an install and requires a slot change.
func (r *Runner) rebootIntoUpdate(ctx context.Context, a *attempt) error {
	a.enter(StateAwaitingSlotChange)
	if err := a.do("reboot", func() error { return r.rebooter.Reboot(ctx) }); err != nil {
		return err
	}
	a.enter(StateVerifying)
	return a.do("verify slot changed", func() error {
		current, err := r.inspector.CurrentSlot(ctx)
		if err != nil {
			return err
		}
		a.after = current
		if current == a.before {
			return errors.Wrapf(otaharness.ErrSlotDidNotChange, "boot slot stayed %s after update reboot", current)
		}
		log.Info().Str("from", a.before.String()).Str("to", current.String()).Msg("boot slot changed after update")
		return nil
	})
}

// Rollback installs the artifact with the sentinel present so the new slot
// is never confirmed, then reboots until the platform reverts to the
// previous slot. The sentinel is removed afterwards whatever the verdict.
func (r *Runner) Rollback(ctx context.Context) (otaharness.TestOutcome, error) {
	a := r.begin(NameRollback)
	err := r.rollback(ctx, a)

	if a.sentinel {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if rmErr := r.updater.SetRollbackSentinel(cleanupCtx, false); rmErr != nil {
			log.Warn().Err(rmErr).Msg("remove rollback sentinel after verification")
			if err == nil {
				a.step = "clear sentinel"
				err = a.fail(rmErr)
			}
		}
	}
	return a.finish(ctx, err)
}

func (r *Runner) rollback(ctx context.Context, a *attempt) error {
	if err := r.install(ctx, a, true); err != nil {
		return err
	}
	if err := r.rebootIntoUpdate(ctx, a); err != nil {
		return err
	}
	a.enter(StateRollbackPending)
	if err := a.do("set sentinel", func() error { return r.updater.SetRollbackSentinel(ctx, true) }); err != nil {
		return err
	}

	updated := a.after
	budget := r.cfg.RollbackBudget
	reverted := false
	for i := 0; i < budget; i++ {
		log.Info().Int("reboot", i).Str("slot", updated.String()).Msgf("Starting reboot %d to test rollback case", i)
		var current otaharness.BootSlot
		err := a.do(fmt.Sprintf("rollback check %d", i), func() error {
			check, err := r.inspector.CheckPartitionConsistency(ctx)
			current = check.Slot
			return err
		})
		if err != nil {
			return err
		}
		if current != updated {
			a.after = current
			a.retries = i
			reverted = true
			break
		}
		if err := a.do(fmt.Sprintf("rollback reboot %d", i), func() error { return r.rebooter.Reboot(ctx) }); err != nil {
			return err
		}
	}
	if !reverted {
		err := a.do("verify rollback", func() error {
			current, err := r.inspector.CurrentSlot(ctx)
			if err != nil {
				return err
			}
			a.after = current
			return nil
		})
		if err != nil {
			return err
		}
		a.retries = budget
		if a.after == updated {
			return a.fail(errors.Wrapf(otaharness.ErrRollbackDidNotOccur, "no rollback after %d reboots", budget))
		}
	}

	if a.retries < budget {
		if r.cfg.StrictEarlyRollback {
			a.step = "verify rollback"
			return a.fail(errors.Wrapf(otaharness.ErrSlotChangedUnexpectedly,
				"rollback occurred earlier than expected after %d of %d reboots", a.retries, budget))
		}
		if a.retries == 0 {
			log.Warn().Str("slot", a.after.String()).Msg("Mender rollback occurred earlier than expected")
		}
	}
	log.Info().Int("retries", a.retries).Msgf("Success: Rollback after %d reboots", a.retries)
	return nil
}

// Stability reboots StabilityReboots times with no update and requires the
// slot to stay put.
func (r *Runner) Stability(ctx context.Context) (otaharness.TestOutcome, error) {
	a := r.begin(NameStability)
	return a.finish(ctx, r.stability(ctx, a, r.cfg.StabilityReboots))
}

// RebootTorture is Stability with the torture reboot count.
func (r *Runner) RebootTorture(ctx context.Context) (otaharness.TestOutcome, error) {
	a := r.begin(NameRebootTorture)
	return a.finish(ctx, r.stability(ctx, a, r.cfg.TortureReboots))
}

func (r *Runner) stability(ctx context.Context, a *attempt, reboots int) error {
	a.enter(StateVerifying)
	for i := 0; i < reboots; i++ {
		log.Info().Int("reboot", i).Msgf("Starting plain reboot %d", i)
		var prev otaharness.BootSlot
		err := a.do(fmt.Sprintf("check partition %d", i), func() error {
			check, err := r.inspector.CheckPartitionConsistency(ctx)
			prev = check.Slot
			return err
		})
		if err != nil {
			return err
		}
		if i == 0 {
			a.before = prev
		}
		if err := a.do(fmt.Sprintf("reboot %d", i), func() error { return r.rebooter.Reboot(ctx) }); err != nil {
			return err
		}
		err = a.do(fmt.Sprintf("verify slot %d", i), func() error {
			current, err := r.inspector.CurrentSlot(ctx)
			if err != nil {
				return err
			}
			a.after = current
			if current != prev {
				return errors.Wrapf(otaharness.ErrSlotChangedUnexpectedly,
					"boot slot changed from %s to %s across reboots", prev, current)
			}
			return nil
		})
		if err != nil {
			return err
		}
		a.retries = i + 1
	}
	return nil
}

// FullTest runs a rollback verification, then a committed update, then the
// stability loop on the freshly updated slot.
func (r *Runner) FullTest(ctx context.Context) (otaharness.TestOutcome, error) {
	a := r.begin(NameTest)
	return a.finish(ctx, r.fullTest(ctx, a))
}

func (r *Runner) fullTest(ctx context.Context, a *attempt) error {
	err := a.do("rollback", func() error {
		outcome, err := r.Rollback(ctx)
		a.before = outcome.SlotBefore
		a.retries = outcome.RetryCount
		return err
	})
	if err != nil {
		return err
	}
	err = a.do("update", func() error {
		outcome, err := r.CommittedUpdate(ctx)
		a.after = outcome.SlotAfter
		return err
	})
	if err != nil {
		return err
	}
	return a.do("stability", func() error {
		_, err := r.Stability(ctx)
		return err
	})
}

// Torture repeats committed updates TortureUpdates times, then the full
// test TortureRounds times.
func (r *Runner) Torture(ctx context.Context) (otaharness.TestOutcome, error) {
	a := r.begin(NameTorture)
	return a.finish(ctx, r.torture(ctx, a))
}

func (r *Runner) torture(ctx context.Context, a *attempt) error {
	for i := 0; i < r.cfg.TortureUpdates; i++ {
		err := a.do(fmt.Sprintf("update %d", i), func() error {
			_, err := r.CommittedUpdate(ctx)
			return err
		})
		if err != nil {
			return err
		}
	}
	for i := 0; i < r.cfg.TortureRounds; i++ {
		err := a.do(fmt.Sprintf("round %d", i), func() error {
			_, err := r.FullTest(ctx)
			return err
		})
		if err != nil {
			return err
		}
		a.retries = i + 1
	}
	return nil
}
