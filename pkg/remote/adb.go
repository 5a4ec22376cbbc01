package remote

import (
	"context"
	"strconv"
	"strings"
	"time"

	otaharness "github.com/OE4T/otaharness"
	"github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// exitMarker is appended to every adb shell command so the exit status can
// be recovered from the merged output.
const exitMarker = "__otaharness_exit="

// ADBDialer opens sessions to a device attached over adb, identified by its
// serial.
type ADBDialer struct {
	serial string
	client gadb.Client
}

// NewADBDialer connects to the local adb server.
func NewADBDialer(serial string) (*ADBDialer, error) {
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return nil, errors.Wrap(otaharness.ErrConfiguration, "adb serial is required")
	}
	client, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrapf(otaharness.ErrConnection, "init adb client: %v", err)
	}
	return &ADBDialer{serial: serial, client: client}, nil
}

func (d *ADBDialer) findDevice() (*gadb.Device, error) {
	devs, err := d.client.DeviceList()
	if err != nil {
		return nil, errors.Wrapf(otaharness.ErrConnection, "list adb devices: %v", err)
	}
	for _, dev := range devs {
		if dev == nil {
			continue
		}
		if strings.TrimSpace(dev.Serial()) != d.serial {
			continue
		}
		state, err := dev.State()
		if err != nil {
			return nil, errors.Wrapf(otaharness.ErrConnection, "adb device %s state: %v", d.serial, err)
		}
		if state != gadb.StateOnline {
			return nil, errors.Wrapf(otaharness.ErrConnection, "adb device %s is %s", d.serial, state)
		}
		return dev, nil
	}
	return nil, errors.Wrapf(otaharness.ErrConnection, "adb device %s not found", d.serial)
}

// Online reports whether the device is listed by adb in the online state.
func (d *ADBDialer) Online(ctx context.Context) bool {
	_, err := d.findDevice()
	return err == nil
}

func (d *ADBDialer) Dial(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dev, err := d.findDevice()
	if err != nil {
		return nil, err
	}
	log.Debug().Str("serial", d.serial).Msg("adb device attached")
	return &adbSession{serial: d.serial, device: dev}, nil
}

type adbSession struct {
	serial string
	device *gadb.Device
}

// Run executes cmd through `adb shell`. adb merges stderr into stdout, so
// Result.Stderr is always empty.
func (s *adbSession) Run(ctx context.Context, cmd string) (Result, error) {
	start := time.Now()
	type reply struct {
		out string
		err error
	}
	done := make(chan reply, 1)
	go func() {
		out, err := s.device.RunShellCommand("( " + cmd + " ) 2>&1; echo " + exitMarker + "$?")
		done <- reply{out: out, err: err}
	}()

	var r reply
	select {
	case r = <-done:
	case <-ctx.Done():
		return Result{ExitCode: -1}, ctx.Err()
	}
	if r.err != nil {
		return Result{Stdout: r.out, ExitCode: -1}, errors.Wrapf(otaharness.ErrConnection,
			"adb shell %q on %s: %v", commandLabel(cmd), s.serial, r.err)
	}
	result := parseADBOutput(r.out)
	log.Debug().Str("cmd", commandLabel(cmd)).Int("exit", result.ExitCode).
		Dur("elapsed", time.Since(start)).Msg("adb shell command finished")
	return result, nil
}

func (s *adbSession) Close() error { return nil }

// parseADBOutput splits the trailing exit marker from the command output. A
// missing marker means the shell died mid-command and maps to exit code -1.
func parseADBOutput(out string) Result {
	idx := strings.LastIndex(out, exitMarker)
	if idx < 0 {
		return Result{Stdout: out, ExitCode: -1}
	}
	code, err := strconv.Atoi(strings.TrimSpace(out[idx+len(exitMarker):]))
	if err != nil {
		code = -1
	}
	return Result{Stdout: strings.TrimRight(out[:idx], "\r\n"), ExitCode: code}
}
