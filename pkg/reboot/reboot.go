// Package reboot restarts the device and waits until it accepts a fresh
// session again.
package reboot

import (
	"context"
	"time"

	otaharness "github.com/OE4T/otaharness"
	"github.com/OE4T/otaharness/pkg/device"
	"github.com/OE4T/otaharness/pkg/probe"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const Command = "reboot"

// DefaultCommandTimeout bounds the reboot command. A session that never sees
// the connection close is abandoned after it and the cycle moves on to
// waiting for the device to go down.
const DefaultCommandTimeout = 10 * time.Second

// Cycle reboots one device.
type Cycle struct {
	handle         *device.Handle
	pinger         probe.Pinger
	policy         probe.Policy
	timeout        time.Duration
	commandTimeout time.Duration
	count          int
}

// NewCycle builds a reboot cycle. timeout bounds a whole cycle; 0 waits
// forever.
func NewCycle(h *device.Handle, p probe.Pinger, policy probe.Policy, timeout time.Duration) *Cycle {
	return &Cycle{handle: h, pinger: p, policy: policy, timeout: timeout, commandTimeout: DefaultCommandTimeout}
}

// WithCommandTimeout overrides DefaultCommandTimeout. Non-positive values
// are ignored.
func (c *Cycle) WithCommandTimeout(d time.Duration) *Cycle {
	if d > 0 {
		c.commandTimeout = d
	}
	return c
}

// Count returns the number of reboots issued so far.
func (c *Cycle) Count() int { return c.count }

// Reboot issues the reboot command, waits for the device to leave the
// network, waits for it to come back and opens a fresh session. The session
// held before the call is invalidated; the reboot command itself is allowed
// to fail since the connection drops under it.
func (c *Cycle) Reboot(ctx context.Context) error {
	parent := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	addr := c.handle.Device()
	start := time.Now()
	c.count++
	log.Info().Str("device", addr).Int("reboot", c.count).Msg("Rebooting device")

	if err := c.issue(ctx); err != nil {
		return c.waitErr(parent, err, "issue reboot")
	}
	c.handle.Invalidate("reboot issued")

	if err := probe.WaitUntilUnreachable(ctx, c.pinger, c.policy, addr); err != nil {
		return c.waitErr(parent, err, "wait for device to go down")
	}
	if err := probe.WaitUntilReachable(ctx, c.pinger, c.policy, addr); err != nil {
		return c.waitErr(parent, err, "wait for device to come back")
	}
	if _, err := c.handle.Session(ctx); err != nil {
		return c.waitErr(parent, err, "reconnect after reboot")
	}
	log.Info().Str("device", addr).Dur("elapsed", time.Since(start)).Msg("device back online")
	return nil
}

// issue runs the reboot command under commandTimeout. The command is not
// expected to exit cleanly, so only the end of ctx is an error.
func (c *Cycle) issue(ctx context.Context) error {
	cmdCtx, cancel := context.WithTimeout(ctx, c.commandTimeout)
	defer cancel()
	_, err := c.handle.Run(cmdCtx, Command)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if cmdCtx.Err() != nil {
		log.Debug().Str("device", c.handle.Device()).Dur("waited", c.commandTimeout).
			Msg("reboot command still open, assuming the session dropped")
		return nil
	}
	log.Debug().Err(err).Str("device", c.handle.Device()).Msg("reboot command ended without a clean exit")
	return nil
}

// waitErr maps the cycle deadline to ErrRebootTimeout. Cancellation of the
// caller's context is passed through unchanged.
func (c *Cycle) waitErr(parent context.Context, err error, phase string) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return errors.Wrapf(otaharness.ErrRebootTimeout, "%s: no response within %s", phase, c.timeout)
	}
	return errors.Wrap(err, phase)
}
