package probe

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	fastping "github.com/tatsushid/go-fastping"
)

const defaultICMPMaxRTT = 2 * time.Second

// ICMPPinger sends one echo request with go-fastping. Unprivileged selects
// datagram ICMP sockets, which Linux allows for groups listed in
// net.ipv4.ping_group_range.
type ICMPPinger struct {
	Host         string
	MaxRTT       time.Duration
	Unprivileged bool
}

func (p ICMPPinger) IsReachable(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	dst, err := net.ResolveIPAddr("ip4:icmp", p.Host)
	if err != nil {
		log.Debug().Err(err).Str("host", p.Host).Msg("resolve ping target")
		return false
	}

	pinger := fastping.NewPinger()
	pinger.MaxRTT = p.MaxRTT
	if pinger.MaxRTT <= 0 {
		pinger.MaxRTT = defaultICMPMaxRTT
	}
	if p.Unprivileged {
		if _, err := pinger.Network("udp"); err != nil {
			log.Debug().Err(err).Msg("select unprivileged icmp")
			return false
		}
	}
	pinger.AddIPAddr(dst)

	received := false
	pinger.OnRecv = func(ip *net.IPAddr, _ time.Duration) {
		if ip != nil && ip.IP.Equal(dst.IP) {
			received = true
		}
	}
	pinger.OnIdle = func() {}
	// Run performs a single round bounded by MaxRTT.
	if err := pinger.Run(); err != nil {
		log.Debug().Err(err).Str("host", p.Host).Msg("icmp probe failed")
		return false
	}
	return received
}
