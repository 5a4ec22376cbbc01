package config

import (
	"testing"
	"time"

	otaharness "github.com/OE4T/otaharness"
	"github.com/OE4T/otaharness/pkg/probe"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoadSettingsDefaults(t *testing.T) {
	t.Setenv("USER", "alice")
	t.Setenv("PORT", "8080")

	s, err := LoadSettings()
	require.NoError(t, err)
	require.Equal(t, "root", s.User)
	require.Equal(t, 22, s.Port)
	require.Equal(t, "cboot", s.BootMethod)
	require.Equal(t, "ssh", s.Transport)
	require.Equal(t, "exec", s.PingMode)
	require.Equal(t, 3*time.Second, s.PollInterval)
	require.Equal(t, time.Second, s.DownPollInterval)
	require.Zero(t, s.RebootTimeout)
	require.Equal(t, 7, s.RollbackBudget)
	require.Equal(t, 16, s.StabilityReboots)
	require.Equal(t, 100, s.TortureReboots)
	require.Equal(t, 20, s.TortureRounds)
	require.False(t, s.StrictEarlyRollback)
}

func TestLoadSettingsFromEnv(t *testing.T) {
	t.Setenv("OTAHARNESS_DEVICE", "192.168.1.50")
	t.Setenv("OTAHARNESS_KNOWN_HOSTS", "/tmp/known_hosts")
	t.Setenv("OTAHARNESS_DB_PATH", "/tmp/outcomes.sqlite")
	t.Setenv("OTAHARNESS_REBOOT_TIMEOUT", "5m")
	t.Setenv("OTAHARNESS_STRICT_EARLY_ROLLBACK", "true")
	t.Setenv("OTAHARNESS_FEISHU_RESULT_URL", "https://x.feishu.cn/base/app?table=tbl")

	s, err := LoadSettings()
	require.NoError(t, err)
	require.Equal(t, "192.168.1.50", s.Device)
	require.Equal(t, "/tmp/known_hosts", s.KnownHosts)
	require.Equal(t, "/tmp/outcomes.sqlite", s.DBPath)
	require.Equal(t, 5*time.Minute, s.RebootTimeout)
	require.True(t, s.StrictEarlyRollback)
	require.Equal(t, "https://x.feishu.cn/base/app?table=tbl", s.FeishuResultURL)
}

func TestLoadSettingsRejectsMalformedValues(t *testing.T) {
	t.Setenv("OTAHARNESS_ROLLBACK_BUDGET", "seven")
	_, err := LoadSettings()
	require.Error(t, err)
	require.True(t, errors.Is(err, otaharness.ErrConfiguration))
}

func TestFlagsOverlaySettings(t *testing.T) {
	t.Setenv("OTAHARNESS_DEVICE", "10.0.0.1")
	t.Setenv("OTAHARNESS_INSTALL", "/data/old.mender")

	s, err := LoadSettings()
	require.NoError(t, err)
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	s.BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"-d", "10.0.0.9", "-b", "uboot", "-k", "/keys/id_ed25519", "-p", "phrase", "--rollback-budget", "3", "--ping-mode", "none"}))

	cfg, err := s.Resolve()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, "10.0.0.9", cfg.Target.Address)
	require.Equal(t, otaharness.BootMethodUBoot, cfg.Target.BootMethod)
	require.Equal(t, otaharness.CredentialKey, cfg.Target.Credential.Kind())
	require.Equal(t, "phrase", cfg.Target.Credential.Password)
	require.Equal(t, "/data/old.mender", cfg.Scenario.Artifact)
	require.Equal(t, 3, cfg.Scenario.RollbackBudget)
	require.Equal(t, otaharness.BootMethodUBoot, cfg.Scenario.BootMethod)
	require.Equal(t, "10.0.0.9", cfg.Scenario.Device)
	require.Equal(t, probe.ModeNone, cfg.PingMode)
	require.True(t, cfg.History)
}

func TestResolveRejectsInvalidSettings(t *testing.T) {
	base, err := LoadSettings()
	require.NoError(t, err)
	base.Device = "10.0.0.2"

	cases := map[string]func(*Settings){
		"boot method":    func(s *Settings) { s.BootMethod = "grub" },
		"transport":      func(s *Settings) { s.Transport = "telnet" },
		"ping mode":      func(s *Settings) { s.PingMode = "arp" },
		"budget":         func(s *Settings) { s.RollbackBudget = 0 },
		"torture rounds": func(s *Settings) { s.TortureRounds = -1 },
		"poll interval":  func(s *Settings) { s.PollInterval = -time.Second },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := base
			mutate(&s)
			_, err := s.Resolve()
			require.Error(t, err)
			require.True(t, errors.Is(err, otaharness.ErrConfiguration), "got %v", err)
		})
	}
}

func TestValidateRequiresDevice(t *testing.T) {
	s, err := LoadSettings()
	require.NoError(t, err)
	cfg, err := s.Resolve()
	require.NoError(t, err)
	err = cfg.Validate()
	require.Error(t, err)
	require.True(t, errors.Is(err, otaharness.ErrConfiguration))
}

func TestResolvePasswordOnlyAndNoHistory(t *testing.T) {
	s, err := LoadSettings()
	require.NoError(t, err)
	s.Device = " jetson.local "
	s.Password = "secret"
	s.NoHistory = true

	cfg, err := s.Resolve()
	require.NoError(t, err)
	require.Equal(t, "jetson.local", cfg.Target.Address)
	require.Equal(t, otaharness.CredentialPassword, cfg.Target.Credential.Kind())
	require.False(t, cfg.History)
	require.Equal(t, probe.Policy{Interval: 3 * time.Second, DownInterval: time.Second}, cfg.Probe)
}
