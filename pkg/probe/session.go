package probe

import (
	"context"

	"github.com/OE4T/otaharness/pkg/remote"
)

// DialPinger treats a successful session dial as reachability. It backs
// ModeNone and is the natural probe for networks that drop ICMP.
type DialPinger struct {
	Dialer remote.Dialer
}

func (p DialPinger) IsReachable(ctx context.Context) bool {
	session, err := p.Dialer.Dial(ctx)
	if err != nil {
		return false
	}
	_ = session.Close()
	return true
}

// OnlineChecker is implemented by transports that can report device presence
// without opening a session, such as adb.
type OnlineChecker interface {
	Online(ctx context.Context) bool
}

// PresencePinger reports the device as reachable while its transport lists
// it online.
type PresencePinger struct {
	Checker OnlineChecker
}

func (p PresencePinger) IsReachable(ctx context.Context) bool {
	return p.Checker.Online(ctx)
}

// New picks the Pinger for a target. Transports that report presence
// themselves take precedence over network probes.
func New(mode Mode, host string, dialer remote.Dialer) Pinger {
	if checker, ok := dialer.(OnlineChecker); ok {
		return PresencePinger{Checker: checker}
	}
	switch mode {
	case ModeICMP:
		return ICMPPinger{Host: host}
	case ModeNone:
		return DialPinger{Dialer: dialer}
	default:
		return ExecPinger{Host: host}
	}
}
