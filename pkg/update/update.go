// Package update drives the on-device update agent: install, commit and the
// sentinel that keeps a boot from being confirmed.
package update

import (
	"context"
	"regexp"
	"strings"

	otaharness "github.com/OE4T/otaharness"
	"github.com/OE4T/otaharness/pkg/remote"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	CommitCommand = "mender -commit"

	SentinelDir  = "/var/lib/mender"
	SentinelPath = SentinelDir + "/dont-mark-next-boot-successful"
)

// errorLine matches the error-level entries the agent logs. The agent exits
// zero even when the install fails, so this marker is the only signal.
var errorLine = regexp.MustCompile(`(?m) level=error `)

// Runner is the part of a session the controller needs.
type Runner interface {
	Run(ctx context.Context, cmd string) (remote.Result, error)
}

// Controller issues update agent commands over a session.
type Controller struct {
	runner Runner
}

func NewController(r Runner) *Controller {
	return &Controller{runner: r}
}

// InstallCommand returns the agent command installing locator.
func InstallCommand(locator string) string {
	return "mender -install " + locator
}

// Install installs the artifact at locator. An empty locator fails with
// ErrConfiguration before anything is sent to the device.
func (c *Controller) Install(ctx context.Context, locator string) error {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return errors.Wrap(otaharness.ErrConfiguration, "missing install artifact")
	}
	log.Info().Str("artifact", locator).Msg("installing update")
	res, err := c.runner.Run(ctx, InstallCommand(locator))
	if err != nil {
		return errors.Wrapf(err, "install %s", locator)
	}
	return InterpretInstallResult(res)
}

// InterpretInstallResult fails with ErrInstallFailed when either stream
// carries an error-level log line. The exit status is ignored.
func InterpretInstallResult(res remote.Result) error {
	for _, stream := range []string{res.Stderr, res.Stdout} {
		if loc := errorLine.FindStringIndex(stream); loc != nil {
			return errors.Wrapf(otaharness.ErrInstallFailed, "agent logged: %s", lineAt(stream, loc[0]))
		}
	}
	return nil
}

func lineAt(s string, idx int) string {
	start := strings.LastIndex(s[:idx], "\n") + 1
	end := strings.Index(s[idx:], "\n")
	if end < 0 {
		return strings.TrimSpace(s[start:])
	}
	return strings.TrimSpace(s[start : idx+end])
}

// Commit confirms the running update. Its output is not interpreted; on boot
// methods without an explicit confirmation step it is a harmless no-op.
func (c *Controller) Commit(ctx context.Context) error {
	log.Info().Msg("committing update")
	if _, err := c.runner.Run(ctx, CommitCommand); err != nil {
		return errors.Wrap(err, "commit update")
	}
	return nil
}

// SetRollbackSentinel creates or removes the marker that keeps the next boot
// from being marked successful.
func (c *Controller) SetRollbackSentinel(ctx context.Context, present bool) error {
	if !present {
		if _, err := c.runner.Run(ctx, "rm -f "+SentinelPath); err != nil {
			return errors.Wrap(err, "remove rollback sentinel")
		}
		log.Debug().Msg("rollback sentinel removed")
		return nil
	}
	if _, err := c.runner.Run(ctx, "mkdir -p "+SentinelDir); err != nil {
		return errors.Wrap(err, "create sentinel directory")
	}
	res, err := c.runner.Run(ctx, "touch "+SentinelPath)
	if err != nil {
		return errors.Wrap(err, "create rollback sentinel")
	}
	if !res.OK() {
		return errors.Errorf("create rollback sentinel: exit %d: %s", res.ExitCode, strings.TrimSpace(res.Combined()))
	}
	log.Debug().Msg("rollback sentinel created")
	return nil
}
