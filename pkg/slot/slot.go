// Package slot reads the active boot slot of the device and cross-checks it
// against the mounted root filesystem.
//
// The partition query greps RootfsPart<label> instead of the bare slot
// label, so a stray "A" or "B" elsewhere in mender.conf cannot match.
package slot

import (
	"context"
	"fmt"
	"strings"

	otaharness "github.com/OE4T/otaharness"
	"github.com/OE4T/otaharness/pkg/remote"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	CurrentSlotCommand = "nvbootctrl get-current-slot"
	MountsCommand      = "df -h"
)

// partitionQuery extracts the configured root partition for a slot label
// from the update agent configuration files.
const partitionQuery = `grep -h RootfsPart%s /etc/mender/mender.conf /var/lib/mender/mender.conf | cut -d: -f2 | cut -d, -f1 | tr -d '" '`

// Runner is the part of a session the inspector needs.
type Runner interface {
	Run(ctx context.Context, cmd string) (remote.Result, error)
}

// Inspector queries slot state over a session.
type Inspector struct {
	runner Runner
}

func NewInspector(r Runner) *Inspector {
	return &Inspector{runner: r}
}

// CurrentSlot runs the slot query and classifies its trimmed output.
func (in *Inspector) CurrentSlot(ctx context.Context) (otaharness.BootSlot, error) {
	res, err := in.runner.Run(ctx, CurrentSlotCommand)
	if err != nil {
		return otaharness.SlotUnknown, errors.Wrap(err, "query current slot")
	}
	return otaharness.ParseBootSlot(res.Stdout)
}

// Check is the outcome of one partition consistency check.
type Check struct {
	Slot       otaharness.BootSlot
	Configured string
}

// CheckPartitionConsistency resolves the partition configured for the active
// slot and verifies that it is mounted.
func (in *Inspector) CheckPartitionConsistency(ctx context.Context) (Check, error) {
	current, err := in.CurrentSlot(ctx)
	if err != nil {
		return Check{Slot: current}, err
	}
	check := Check{Slot: current}

	res, err := in.runner.Run(ctx, PartitionQuery(current))
	if err != nil {
		return check, errors.Wrapf(err, "resolve rootfs partition for slot %s", current)
	}
	check.Configured = firstLine(res.Stdout)

	mounts, err := in.runner.Run(ctx, MountsCommand)
	if err != nil {
		return check, errors.Wrap(err, "list mounted filesystems")
	}
	if err := VerifyPartition(current, check.Configured, mounts); err != nil {
		return check, err
	}
	log.Debug().Str("slot", current.String()).Str("partition", check.Configured).Msg("partition consistent")
	return check, nil
}

// PartitionQuery returns the command resolving the configured root
// partition for slot.
func PartitionQuery(slot otaharness.BootSlot) string {
	return fmt.Sprintf(partitionQuery, slot.Label())
}

// VerifyPartition checks that the partition configured for slot is mounted
// on / in the df listing. An unknown slot is ErrUnknownSlot. Anything else
// that fails, including the partition being mounted elsewhere, is
// ErrPartitionMismatch.
func VerifyPartition(slot otaharness.BootSlot, configured string, mounts remote.Result) error {
	if !slot.Valid() {
		return errors.Wrap(otaharness.ErrUnknownSlot, "cannot identify rootfs partition slot")
	}
	configured = strings.TrimSpace(configured)
	if configured == "" {
		return errors.Wrapf(otaharness.ErrPartitionMismatch, "no rootfs partition configured for slot %s", slot)
	}
	if !mounts.OK() {
		return errors.Wrapf(otaharness.ErrPartitionMismatch, "mount listing exited %d", mounts.ExitCode)
	}
	for _, line := range strings.Split(mounts.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 1 && fields[0] == configured && fields[len(fields)-1] == "/" {
			return nil
		}
	}
	return errors.Wrapf(otaharness.ErrPartitionMismatch, "slot %s expects %s mounted on /", slot, configured)
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
