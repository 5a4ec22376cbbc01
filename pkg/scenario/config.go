package scenario

import (
	"strings"

	otaharness "github.com/OE4T/otaharness"
	"github.com/pkg/errors"
)

// Name identifies a test protocol.
type Name string

const (
	NameUpdate        Name = "update"
	NameRollback      Name = "rollback"
	NameStability     Name = "stability"
	NameTest          Name = "test"
	NameTorture       Name = "torture"
	NameRebootTorture Name = "reboot-torture"
)

// Names lists every runnable scenario.
var Names = []Name{NameUpdate, NameRollback, NameStability, NameTest, NameTorture, NameRebootTorture}

// ParseName validates a scenario name.
func ParseName(raw string) (Name, error) {
	name := Name(strings.ToLower(strings.TrimSpace(raw)))
	for _, n := range Names {
		if n == name {
			return n, nil
		}
	}
	return "", errors.Wrapf(otaharness.ErrConfiguration, "unknown scenario %q", raw)
}

const (
	DefaultRollbackBudget   = 7
	DefaultStabilityReboots = 16
	DefaultTortureReboots   = 100
	DefaultTortureUpdates   = 20
	DefaultTortureRounds    = 20
)

// Config parameterizes every scenario.
type Config struct {
	// Artifact is the locator handed to the update agent.
	Artifact   string
	BootMethod otaharness.BootMethod
	// RollbackBudget is how many reboots the platform retries an unconfirmed
	// slot before reverting.
	RollbackBudget int
	// StrictEarlyRollback fails the rollback scenario when the device reverts
	// before RollbackBudget reboots instead of counting it as success.
	StrictEarlyRollback bool
	StabilityReboots    int
	TortureReboots      int
	TortureUpdates      int
	TortureRounds       int

	Device string
	HostID string
}

func DefaultConfig() Config {
	return Config{
		BootMethod:       otaharness.DefaultBootMethod,
		RollbackBudget:   DefaultRollbackBudget,
		StabilityReboots: DefaultStabilityReboots,
		TortureReboots:   DefaultTortureReboots,
		TortureUpdates:   DefaultTortureUpdates,
		TortureRounds:    DefaultTortureRounds,
	}
}

// withDefaults fills zero counters.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BootMethod == "" {
		c.BootMethod = d.BootMethod
	}
	if c.RollbackBudget <= 0 {
		c.RollbackBudget = d.RollbackBudget
	}
	if c.StabilityReboots <= 0 {
		c.StabilityReboots = d.StabilityReboots
	}
	if c.TortureReboots <= 0 {
		c.TortureReboots = d.TortureReboots
	}
	if c.TortureUpdates <= 0 {
		c.TortureUpdates = d.TortureUpdates
	}
	if c.TortureRounds <= 0 {
		c.TortureRounds = d.TortureRounds
	}
	return c
}
