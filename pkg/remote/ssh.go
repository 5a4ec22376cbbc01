package remote

import (
	"bytes"
	"context"
	"net"
	"os"
	"strings"
	"time"

	otaharness "github.com/OE4T/otaharness"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	// connectTimeout bounds the TCP dial plus the SSH handshake.
	connectTimeout = 30 * time.Second

	slowCommandThreshold = 500 * time.Millisecond
)

// SSHDialer opens SSH sessions using the credential of a DeviceTarget.
type SSHDialer struct {
	addr   string
	config *ssh.ClientConfig
}

// NewSSHDialer resolves the target credential into SSH auth methods. Reading
// or parsing the key file fails with ErrConfiguration before any network I/O.
func NewSSHDialer(target otaharness.DeviceTarget) (*SSHDialer, error) {
	auth, err := authMethods(target.Credential)
	if err != nil {
		return nil, err
	}
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if path := strings.TrimSpace(target.KnownHostsFile); path != "" {
		hostKeyCallback, err = knownhosts.New(path)
		if err != nil {
			return nil, errors.Wrapf(otaharness.ErrConfiguration, "load known hosts %s: %v", path, err)
		}
	}
	user := target.Username
	if user == "" {
		user = otaharness.DefaultUser
	}
	return &SSHDialer{
		addr: target.HostPort(),
		config: &ssh.ClientConfig{
			User:            user,
			Auth:            auth,
			HostKeyCallback: hostKeyCallback,
			Timeout:         connectTimeout,
		},
	}, nil
}

func authMethods(cred otaharness.Credential) ([]ssh.AuthMethod, error) {
	switch cred.Kind() {
	case otaharness.CredentialKey:
		data, err := os.ReadFile(cred.KeyFile)
		if err != nil {
			return nil, errors.Wrapf(otaharness.ErrConfiguration, "read ssh key %s: %v", cred.KeyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) && cred.Password != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(cred.Password))
		}
		if err != nil {
			return nil, errors.Wrapf(otaharness.ErrConfiguration, "parse ssh key %s: %v", cred.KeyFile, err)
		}
		methods := []ssh.AuthMethod{ssh.PublicKeys(signer)}
		if cred.Password != "" {
			methods = append(methods, ssh.Password(cred.Password))
		}
		return methods, nil
	case otaharness.CredentialPassword:
		return []ssh.AuthMethod{ssh.Password(cred.Password)}, nil
	default:
		// Test images commonly ship a root account with an empty password.
		return []ssh.AuthMethod{ssh.Password("")}, nil
	}
}

// Dial establishes a new SSH connection. Every failure is reported as
// ErrConnection so the callers' retry loops can keep polling.
func (d *SSHDialer) Dial(ctx context.Context) (Session, error) {
	dialer := net.Dialer{Timeout: connectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, errors.Wrapf(otaharness.ErrConnection, "dial %s: %v", d.addr, err)
	}
	// The handshake itself has no timeout in x/crypto/ssh.
	_ = netConn.SetDeadline(time.Now().Add(connectTimeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, d.addr, d.config)
	if err != nil {
		netConn.Close()
		return nil, errors.Wrapf(otaharness.ErrConnection, "ssh handshake with %s: %v", d.addr, err)
	}
	_ = netConn.SetDeadline(time.Time{})

	log.Debug().Str("addr", d.addr).Str("user", d.config.User).Msg("ssh connected")
	return &sshSession{addr: d.addr, client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

type sshSession struct {
	addr   string
	client *ssh.Client
}

// Run opens a channel for cmd and waits for it. Cancelling ctx closes the
// channel; the command may keep running on the device.
func (s *sshSession) Run(ctx context.Context, cmd string) (Result, error) {
	start := time.Now()
	label := commandLabel(cmd)

	session, err := s.client.NewSession()
	if err != nil {
		return Result{ExitCode: -1}, errors.Wrapf(otaharness.ErrConnection, "open ssh session to %s: %v", s.addr, err)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return Result{Stdout: outBuf.String(), Stderr: errBuf.String(), ExitCode: -1}, ctx.Err()
	}

	elapsed := time.Since(start)
	if elapsed > slowCommandThreshold {
		log.Debug().Str("cmd", label).Dur("elapsed", elapsed).Msg("slow remote command")
	}

	result := Result{Stdout: outBuf.String(), Stderr: errBuf.String()}
	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		result.ExitCode = -1
		return result, errors.Wrapf(otaharness.ErrConnection, "run %q on %s: %v", label, s.addr, runErr)
	}
	return result, nil
}

func (s *sshSession) Close() error {
	if err := s.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return errors.Wrapf(err, "close ssh connection to %s", s.addr)
	}
	return nil
}
