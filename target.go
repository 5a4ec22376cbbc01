package otaharness

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	DefaultUser       = "root"
	DefaultSSHPort    = 22
	DefaultBootMethod = BootMethodCBoot
	DefaultTransport  = TransportSSH
)

// BootMethod tags the boot flow of the device under test. It decides whether
// a failed commit fails the committed update.
type BootMethod string

const (
	BootMethodCBoot BootMethod = "cboot"
	BootMethodUBoot BootMethod = "uboot"
)

// ParseBootMethod parses a boot method tag, falling back to DefaultBootMethod
// for empty input.
func ParseBootMethod(raw string) (BootMethod, error) {
	switch BootMethod(strings.ToLower(strings.TrimSpace(raw))) {
	case "":
		return DefaultBootMethod, nil
	case BootMethodCBoot:
		return BootMethodCBoot, nil
	case BootMethodUBoot:
		return BootMethodUBoot, nil
	}
	return "", errors.Wrapf(ErrConfiguration, "unsupported boot method %q (want cboot or uboot)", raw)
}

// RequiresCommit reports whether the update agent must be told to commit
// after a successful boot into the new slot. For cboot the commit is still
// issued but is a no-op.
func (m BootMethod) RequiresCommit() bool {
	return m == BootMethodUBoot
}

// Transport selects how remote commands reach the device.
type Transport string

const (
	TransportSSH Transport = "ssh"
	TransportADB Transport = "adb"
)

// ParseTransport parses a transport name, defaulting to ssh.
func ParseTransport(raw string) (Transport, error) {
	switch Transport(strings.ToLower(strings.TrimSpace(raw))) {
	case "":
		return DefaultTransport, nil
	case TransportSSH:
		return TransportSSH, nil
	case TransportADB:
		return TransportADB, nil
	}
	return "", errors.Wrapf(ErrConfiguration, "unsupported transport %q (want ssh or adb)", raw)
}

// CredentialKind names which authentication a Credential resolves to.
type CredentialKind string

const (
	CredentialNone     CredentialKind = "none"
	CredentialPassword CredentialKind = "password"
	CredentialKey      CredentialKind = "key"
)

// Credential holds the secret used to open a session. A key file takes
// precedence; a password given alongside a key is used as its passphrase.
type Credential struct {
	Password string
	KeyFile  string
}

// Kind resolves the credential to exactly one authentication kind.
func (c Credential) Kind() CredentialKind {
	switch {
	case strings.TrimSpace(c.KeyFile) != "":
		return CredentialKey
	case c.Password != "":
		return CredentialPassword
	default:
		return CredentialNone
	}
}

// DeviceTarget identifies the device under test. It is resolved once from
// configuration and treated as immutable afterwards.
type DeviceTarget struct {
	Address        string
	Port           int
	Username       string
	Credential     Credential
	BootMethod     BootMethod
	Transport      Transport
	KnownHostsFile string
}

// Validate checks the fields every component relies on.
func (t DeviceTarget) Validate() error {
	if strings.TrimSpace(t.Address) == "" {
		return errors.Wrap(ErrConfiguration, "device address is required")
	}
	if t.Transport == TransportSSH {
		if strings.TrimSpace(t.Username) == "" {
			return errors.Wrap(ErrConfiguration, "ssh username is required")
		}
		if t.Port <= 0 || t.Port > 65535 {
			return errors.Wrapf(ErrConfiguration, "invalid ssh port %d", t.Port)
		}
	}
	return nil
}

// HostPort returns the dial address for network transports.
func (t DeviceTarget) HostPort() string {
	port := t.Port
	if port == 0 {
		port = DefaultSSHPort
	}
	return net.JoinHostPort(t.Address, strconv.Itoa(port))
}

func (t DeviceTarget) String() string {
	if t.Transport == TransportADB {
		return fmt.Sprintf("adb:%s", t.Address)
	}
	return fmt.Sprintf("%s@%s", t.Username, t.Address)
}
