// Package probe answers whether the device under test is reachable and
// blocks until it goes down or comes back.
package probe

import (
	"context"
	"strings"
	"time"

	otaharness "github.com/OE4T/otaharness"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultInterval     = 3 * time.Second
	DefaultDownInterval = 1 * time.Second
)

// Pinger sends a single reachability probe. Probe failures of any kind mean
// "not reachable"; they are never surfaced as errors.
type Pinger interface {
	IsReachable(ctx context.Context) bool
}

// Func adapts a plain function to Pinger.
type Func func(ctx context.Context) bool

func (f Func) IsReachable(ctx context.Context) bool { return f(ctx) }

// Mode selects the Pinger implementation.
type Mode string

const (
	ModeICMP Mode = "icmp"
	ModeExec Mode = "exec"
	// ModeNone skips network probes; reachability is a successful session dial.
	ModeNone Mode = "none"
)

// ParseMode parses a probe mode, defaulting to exec.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "":
		return ModeExec, nil
	case ModeICMP:
		return ModeICMP, nil
	case ModeExec:
		return ModeExec, nil
	case ModeNone:
		return ModeNone, nil
	}
	return "", errors.Wrapf(otaharness.ErrConfiguration, "unsupported ping mode %q (want icmp, exec or none)", raw)
}

// Policy controls the polling cadence of the wait loops.
type Policy struct {
	// Interval is the delay between probes while waiting for the device to
	// come back.
	Interval time.Duration
	// DownInterval is the delay between probes while waiting for the device
	// to go away after a reboot command.
	DownInterval time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Interval: DefaultInterval, DownInterval: DefaultDownInterval}
}

// WaitUntilReachable polls p until it reports the device as reachable. It
// has no retry bound; callers bound it through ctx.
func WaitUntilReachable(ctx context.Context, p Pinger, policy Policy, device string) error {
	for attempt := 1; ; attempt++ {
		if p.IsReachable(ctx) {
			log.Debug().Str("device", device).Int("attempt", attempt).Msg("device reachable")
			return nil
		}
		log.Info().Str("device", device).Int("attempt", attempt).Msgf("Trying to connect to %s....", device)
		if err := sleep(ctx, policy.Interval); err != nil {
			return err
		}
	}
}

// WaitUntilUnreachable polls p until the device stops answering.
func WaitUntilUnreachable(ctx context.Context, p Pinger, policy Policy, device string) error {
	for attempt := 1; ; attempt++ {
		if !p.IsReachable(ctx) {
			log.Debug().Str("device", device).Int("attempt", attempt).Msg("device went down")
			return nil
		}
		if err := sleep(ctx, policy.DownInterval); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
