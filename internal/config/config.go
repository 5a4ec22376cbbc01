// Package config resolves harness settings from the environment and command
// line flags into an immutable Config.
package config

import (
	"strings"
	"time"

	otaharness "github.com/OE4T/otaharness"
	"github.com/OE4T/otaharness/internal/env"
	"github.com/OE4T/otaharness/internal/hostid"
	"github.com/OE4T/otaharness/pkg/probe"
	"github.com/OE4T/otaharness/pkg/scenario"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Prefix of every environment variable read into Settings.
const Prefix = "OTAHARNESS"

// Settings is the raw, unvalidated configuration. Values come from
// OTAHARNESS_* variables (OTAHARNESS_KNOWN_HOSTS, OTAHARNESS_DB_PATH, ...)
// and are overridden by flags bound via BindFlags. Do not add envconfig
// tags: they fall back to the unprefixed name (USER, PORT).
type Settings struct {
	Device     string `split_words:"true"`
	User       string `split_words:"true" default:"root"`
	Password   string `split_words:"true"`
	Key        string `split_words:"true"`
	KnownHosts string `split_words:"true"`
	Install    string `split_words:"true"`
	BootMethod string `split_words:"true" default:"cboot"`
	Transport  string `split_words:"true" default:"ssh"`
	Port       int    `split_words:"true" default:"22"`

	PollInterval     time.Duration `split_words:"true" default:"3s"`
	DownPollInterval time.Duration `split_words:"true" default:"1s"`
	RebootTimeout    time.Duration `split_words:"true" default:"0s"`
	CommandTimeout   time.Duration `split_words:"true" default:"0s"`
	PingMode         string        `split_words:"true" default:"exec"`

	RollbackBudget      int  `split_words:"true" default:"7"`
	StabilityReboots    int  `split_words:"true" default:"16"`
	TortureReboots      int  `split_words:"true" default:"100"`
	TortureUpdates      int  `split_words:"true" default:"20"`
	TortureRounds       int  `split_words:"true" default:"20"`
	StrictEarlyRollback bool `split_words:"true" default:"false"`

	DBPath          string `split_words:"true"`
	NoHistory       bool   `split_words:"true" default:"false"`
	FeishuResultURL string `split_words:"true"`
}

// Config is the resolved configuration handed to every component by value.
type Config struct {
	Target         otaharness.DeviceTarget
	Scenario       scenario.Config
	Probe          probe.Policy
	PingMode       probe.Mode
	RebootTimeout  time.Duration
	CommandTimeout time.Duration

	DBPath          string
	History         bool
	FeishuResultURL string
}

// LoadSettings loads the .env file, if any, and reads OTAHARNESS_* variables.
func LoadSettings() (Settings, error) {
	if err := env.Ensure(); err != nil {
		return Settings{}, errors.Wrap(otaharness.ErrConfiguration, err.Error())
	}
	var s Settings
	if err := envconfig.Process(Prefix, &s); err != nil {
		return Settings{}, errors.Wrapf(otaharness.ErrConfiguration, "failed to load config: %v", err)
	}
	return s, nil
}

// BindFlags registers command line overrides. Current values become the
// flag defaults, so call it after LoadSettings.
func (s *Settings) BindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&s.Device, "device", "d", s.Device, "device address (IP, hostname or adb serial)")
	fs.StringVarP(&s.User, "user", "u", s.User, "ssh username")
	fs.StringVarP(&s.Password, "password", "p", s.Password, "ssh password, or key passphrase when --key is set")
	fs.StringVarP(&s.Key, "key", "k", s.Key, "ssh private key file")
	fs.StringVar(&s.KnownHosts, "known-hosts", s.KnownHosts, "known_hosts file for host key verification (empty skips verification)")
	fs.StringVarP(&s.Install, "install", "i", s.Install, "update artifact path or URL on the device")
	fs.StringVarP(&s.BootMethod, "boot-method", "b", s.BootMethod, "boot method: cboot or uboot")
	fs.StringVar(&s.Transport, "transport", s.Transport, "remote transport: ssh or adb")
	fs.IntVar(&s.Port, "port", s.Port, "ssh port")

	fs.DurationVar(&s.PollInterval, "poll-interval", s.PollInterval, "delay between probes while waiting for the device")
	fs.DurationVar(&s.DownPollInterval, "down-poll-interval", s.DownPollInterval, "delay between probes while waiting for the device to go down")
	fs.DurationVar(&s.RebootTimeout, "reboot-timeout", s.RebootTimeout, "upper bound of one reboot cycle (0 waits forever)")
	fs.DurationVar(&s.CommandTimeout, "command-timeout", s.CommandTimeout, "upper bound of one remote command (0 disables)")
	fs.StringVar(&s.PingMode, "ping-mode", s.PingMode, "reachability probe: icmp, exec or none")

	fs.IntVar(&s.RollbackBudget, "rollback-budget", s.RollbackBudget, "reboots the platform retries an unconfirmed slot")
	fs.IntVar(&s.StabilityReboots, "stability-reboots", s.StabilityReboots, "plain reboots in the stability scenario")
	fs.IntVar(&s.TortureReboots, "torture-reboots", s.TortureReboots, "plain reboots in the reboot-torture scenario")
	fs.IntVar(&s.TortureUpdates, "torture-updates", s.TortureUpdates, "committed updates per torture round")
	fs.IntVar(&s.TortureRounds, "torture-rounds", s.TortureRounds, "rounds of the torture scenario")
	fs.BoolVar(&s.StrictEarlyRollback, "strict-early-rollback", s.StrictEarlyRollback, "fail when the device reverts before the rollback budget")

	fs.StringVar(&s.DBPath, "db-path", s.DBPath, "sqlite outcome history path")
	fs.BoolVar(&s.NoHistory, "no-history", s.NoHistory, "do not record outcomes in sqlite")
	fs.StringVar(&s.FeishuResultURL, "feishu-result-url", s.FeishuResultURL, "feishu bitable link receiving outcomes")
}

// Resolve parses enumerations and counters. Device presence is checked by
// Config.Validate so device-less commands can still resolve.
func (s Settings) Resolve() (Config, error) {
	bootMethod, err := otaharness.ParseBootMethod(s.BootMethod)
	if err != nil {
		return Config{}, err
	}
	transport, err := otaharness.ParseTransport(s.Transport)
	if err != nil {
		return Config{}, err
	}
	pingMode, err := probe.ParseMode(s.PingMode)
	if err != nil {
		return Config{}, err
	}

	counters := []struct {
		name  string
		value int
	}{
		{"rollback budget", s.RollbackBudget},
		{"stability reboots", s.StabilityReboots},
		{"torture reboots", s.TortureReboots},
		{"torture updates", s.TortureUpdates},
		{"torture rounds", s.TortureRounds},
	}
	for _, c := range counters {
		if c.value <= 0 {
			return Config{}, errors.Wrapf(otaharness.ErrConfiguration, "%s must be positive, got %d", c.name, c.value)
		}
	}
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"poll interval", s.PollInterval},
		{"down poll interval", s.DownPollInterval},
		{"reboot timeout", s.RebootTimeout},
		{"command timeout", s.CommandTimeout},
	}
	for _, d := range durations {
		if d.value < 0 {
			return Config{}, errors.Wrapf(otaharness.ErrConfiguration, "%s must not be negative, got %s", d.name, d.value)
		}
	}

	user := strings.TrimSpace(s.User)
	if user == "" {
		user = otaharness.DefaultUser
	}
	port := s.Port
	if port == 0 {
		port = otaharness.DefaultSSHPort
	}
	device := strings.TrimSpace(s.Device)

	return Config{
		Target: otaharness.DeviceTarget{
			Address:  device,
			Port:     port,
			Username: user,
			Credential: otaharness.Credential{
				Password: s.Password,
				KeyFile:  strings.TrimSpace(s.Key),
			},
			BootMethod:     bootMethod,
			Transport:      transport,
			KnownHostsFile: strings.TrimSpace(s.KnownHosts),
		},
		Scenario: scenario.Config{
			Artifact:            strings.TrimSpace(s.Install),
			BootMethod:          bootMethod,
			RollbackBudget:      s.RollbackBudget,
			StrictEarlyRollback: s.StrictEarlyRollback,
			StabilityReboots:    s.StabilityReboots,
			TortureReboots:      s.TortureReboots,
			TortureUpdates:      s.TortureUpdates,
			TortureRounds:       s.TortureRounds,
			Device:              device,
			HostID:              hostid.Get(),
		},
		Probe: probe.Policy{
			Interval:     s.PollInterval,
			DownInterval: s.DownPollInterval,
		},
		PingMode:        pingMode,
		RebootTimeout:   s.RebootTimeout,
		CommandTimeout:  s.CommandTimeout,
		DBPath:          strings.TrimSpace(s.DBPath),
		History:         !s.NoHistory,
		FeishuResultURL: strings.TrimSpace(s.FeishuResultURL),
	}, nil
}

// Validate checks what commands talking to a device need.
func (c Config) Validate() error {
	return c.Target.Validate()
}
