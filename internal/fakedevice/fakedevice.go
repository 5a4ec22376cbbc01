// Package fakedevice simulates an A/B slot device driven by the update agent
// so the harness can be exercised without hardware.
//
// The model follows a Tegra bootloader: an installed update is booted on the
// next reboot and stays on trial until a boot is marked successful. A boot is
// marked successful unless the sentinel file exists. After RollbackAfter
// unconfirmed boots of the trial slot the device falls back to the previous
// slot.
package fakedevice

import (
	"context"
	"fmt"
	"strings"
	"sync"

	otaharness "github.com/OE4T/otaharness"
	"github.com/OE4T/otaharness/pkg/probe"
	"github.com/OE4T/otaharness/pkg/remote"
	"github.com/pkg/errors"
)

const (
	sentinelPath = "/var/lib/mender/dont-mark-next-boot-successful"

	DefaultRollbackAfter = 7

	InfoLog  = `time="2024-05-01T10:00:00Z" level=info msg="Installing artifact..."`
	ErrorLog = `time="2024-05-01T10:00:01Z" level=error msg="Artifact install failed: checksum mismatch"`
)

// Device is a scripted device. Exported fields may be changed between steps.
type Device struct {
	mu sync.Mutex

	// RollbackAfter is how many unconfirmed boots the bootloader tolerates
	// before reverting. 0 disables rollback.
	RollbackAfter int
	// InstallLog is written to stderr by the install command. An error-level
	// line makes the install leave the slots untouched.
	InstallLog string
	// IgnoreInstall makes a clean install leave the next boot slot unchanged.
	IgnoreInstall bool
	// Partitions maps each slot to its configured root partition.
	Partitions map[otaharness.BootSlot]string
	// MountedOverride, when set, is reported as the mounted root partition.
	MountedOverride string
	// SlotOutput, when set, replaces the slot query output.
	SlotOutput string
	// DriftAtReboot flips the active slot on that reboot number with no
	// update involved. 0 disables drift.
	DriftAtReboot int
	// FailDials makes the next N dials fail with a connection error.
	FailDials int
	// DownProbes is how many probes report the device as unreachable after
	// each reboot command.
	DownProbes int
	// HangOnReboot reboots the device but leaves the reboot command blocked
	// until its context ends, like a session that never sees the TCP close.
	HangOnReboot bool
	// FailCommits makes the next N commit commands fail with a connection
	// error.
	FailCommits int

	active      otaharness.BootSlot
	pending     otaharness.BootSlot
	previous    otaharness.BootSlot
	trial       bool
	unconfirmed int
	sentinel    bool
	dirExists   bool

	boots       int
	downLeft    int
	installs    int
	commits     int
	dials       int
	commands    []string
	sessionOpen int
}

// New returns a device booted into slot.
func New(slot otaharness.BootSlot) *Device {
	return &Device{
		RollbackAfter: DefaultRollbackAfter,
		InstallLog:    InfoLog,
		Partitions: map[otaharness.BootSlot]string{
			otaharness.SlotA: "/dev/mmcblk0p1",
			otaharness.SlotB: "/dev/mmcblk0p2",
		},
		DownProbes: 1,
		active:     slot,
		pending:    otaharness.SlotUnknown,
		previous:   otaharness.SlotUnknown,
	}
}

func (d *Device) Slot() otaharness.BootSlot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

func (d *Device) SentinelPresent() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sentinel
}

func (d *Device) Reboots() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.boots
}

func (d *Device) Installs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.installs
}

func (d *Device) Commits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commits
}

func (d *Device) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Commands returns every command received, in order.
func (d *Device) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.commands))
	copy(out, d.commands)
	return out
}

// CommandCount counts received commands starting with prefix.
func (d *Device) CommandCount(prefix string) int {
	n := 0
	for _, cmd := range d.Commands() {
		if strings.HasPrefix(cmd, prefix) {
			n++
		}
	}
	return n
}

// Dialer returns a remote.Dialer opening sessions to the device.
func (d *Device) Dialer() remote.Dialer { return dialer{d: d} }

// Pinger returns a probe.Pinger reporting the simulated network state.
func (d *Device) Pinger() probe.Pinger {
	return probe.Func(func(context.Context) bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.downLeft > 0 {
			d.downLeft--
			return false
		}
		return true
	})
}

type dialer struct{ d *Device }

func (x dialer) Dial(ctx context.Context) (remote.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d := x.d
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.FailDials > 0 {
		d.FailDials--
		return nil, errors.Wrap(otaharness.ErrConnection, "dial: connection refused")
	}
	if d.downLeft > 0 {
		return nil, errors.Wrap(otaharness.ErrConnection, "dial: no route to host")
	}
	d.sessionOpen++
	return &session{d: d, boot: d.boots}, nil
}

type session struct {
	d      *Device
	boot   int
	closed bool
}

func (s *session) Close() error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.d.sessionOpen--
	}
	return nil
}

func (s *session) Run(ctx context.Context, cmd string) (remote.Result, error) {
	if err := ctx.Err(); err != nil {
		return remote.Result{ExitCode: -1}, err
	}
	d := s.d
	d.mu.Lock()
	if s.closed || s.boot != d.boots {
		d.mu.Unlock()
		return remote.Result{ExitCode: -1}, errors.Wrap(otaharness.ErrConnection, "write: broken pipe")
	}
	d.commands = append(d.commands, cmd)
	if cmd == "reboot" && d.HangOnReboot {
		d.reboot()
		d.mu.Unlock()
		<-ctx.Done()
		return remote.Result{ExitCode: -1}, ctx.Err()
	}
	defer d.mu.Unlock()
	return d.exec(cmd)
}

// exec must be called with d.mu held.
func (d *Device) exec(cmd string) (remote.Result, error) {
	switch {
	case cmd == "nvbootctrl get-current-slot":
		if d.SlotOutput != "" {
			return remote.Result{Stdout: d.SlotOutput}, nil
		}
		return remote.Result{Stdout: fmt.Sprintf("%d\n", int(d.active))}, nil

	case strings.HasPrefix(cmd, "mender -install "):
		d.installs++
		if !d.IgnoreInstall && !strings.Contains(d.InstallLog, " level=error ") {
			d.pending = d.active.Other()
		}
		return remote.Result{Stderr: d.InstallLog + "\n"}, nil

	case cmd == "mender -commit":
		d.commits++
		if d.FailCommits > 0 {
			d.FailCommits--
			return remote.Result{ExitCode: -1}, errors.Wrap(otaharness.ErrConnection, "commit: connection reset by peer")
		}
		if d.trial {
			d.trial = false
			d.unconfirmed = 0
		}
		return remote.Result{}, nil

	case cmd == "reboot":
		d.reboot()
		return remote.Result{ExitCode: -1}, errors.Wrap(otaharness.ErrConnection, "connection closed by remote host")

	case cmd == "mkdir -p /var/lib/mender":
		d.dirExists = true
		return remote.Result{}, nil

	case cmd == "touch "+sentinelPath:
		if !d.dirExists {
			return remote.Result{Stderr: "touch: cannot touch: No such file or directory", ExitCode: 1}, nil
		}
		d.sentinel = true
		return remote.Result{}, nil

	case cmd == "rm -f "+sentinelPath:
		d.sentinel = false
		return remote.Result{}, nil

	case strings.HasPrefix(cmd, "grep -h RootfsPart"):
		label := strings.TrimPrefix(cmd, "grep -h RootfsPart")
		if len(label) == 0 {
			return remote.Result{ExitCode: 2}, nil
		}
		slot := otaharness.SlotA
		if label[0] == 'B' {
			slot = otaharness.SlotB
		}
		part, ok := d.Partitions[slot]
		if !ok {
			return remote.Result{}, nil
		}
		return remote.Result{Stdout: part + "\n"}, nil

	case cmd == "df -h":
		mounted := d.MountedOverride
		if mounted == "" {
			mounted = d.Partitions[d.active]
		}
		out := "Filesystem      Size  Used Avail Use% Mounted on\n" +
			fmt.Sprintf("%-15s  14G  5.1G  8.1G  39%% /\n", mounted) +
			"tmpfs           3.9G     0  3.9G   0% /dev/shm\n"
		return remote.Result{Stdout: out}, nil
	}
	return remote.Result{Stderr: "sh: " + cmd + ": not found", ExitCode: 127}, nil
}

// reboot applies one boot cycle. Must be called with d.mu held.
func (d *Device) reboot() {
	d.boots++
	d.downLeft = d.DownProbes

	if d.DriftAtReboot > 0 && d.boots == d.DriftAtReboot {
		d.active = d.active.Other()
		return
	}
	if d.pending.Valid() {
		d.previous = d.active
		d.active = d.pending
		d.pending = otaharness.SlotUnknown
		d.trial = true
		d.unconfirmed = 0
	}
	if !d.trial {
		return
	}
	if !d.sentinel {
		d.trial = false
		d.unconfirmed = 0
		return
	}
	d.unconfirmed++
	if d.RollbackAfter > 0 && d.unconfirmed > d.RollbackAfter {
		d.active = d.previous
		d.trial = false
		d.unconfirmed = 0
	}
}
