// Package remote defines the remote shell contract used by the harness and
// its SSH and ADB transports.
//
// A Session runs one command at a time and reports stdout, stderr and the
// exit status. The exit status is advisory: Run only returns an error when
// the transport fails, never because a command exited non-zero. Callers
// inspect the text for the markers they care about.
package remote

import (
	"context"
	"strings"

	otaharness "github.com/OE4T/otaharness"
	"github.com/pkg/errors"
)

// Result captures the output of a remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns stdout followed by stderr.
func (r Result) Combined() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// OK reports a zero exit status.
func (r Result) OK() bool {
	return r.ExitCode == 0
}

// Session is an open authenticated remote shell bound to one device.
type Session interface {
	Run(ctx context.Context, command string) (Result, error)
	Close() error
}

// Dialer opens new sessions to a fixed target.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// NewDialer builds the dialer matching target.Transport.
func NewDialer(target otaharness.DeviceTarget) (Dialer, error) {
	switch target.Transport {
	case otaharness.TransportSSH, "":
		return NewSSHDialer(target)
	case otaharness.TransportADB:
		return NewADBDialer(target.Address)
	}
	return nil, errors.Wrapf(otaharness.ErrConfiguration, "unsupported transport %q", target.Transport)
}

// commandLabel shortens a command for log lines.
func commandLabel(cmd string) string {
	cmd = strings.TrimSpace(cmd)
	if len(cmd) > 80 {
		return cmd[:80] + "..."
	}
	return cmd
}
