package redirect

import (
	"net"
	"net/netip"
	"time"

	"socksbridge/internal/iface"
	"socksbridge/pkg/types"
)

// Config describes what a redirection worker captures and where it relays.
type Config struct {
	Interface   iface.Info
	MTU         int
	Network     *net.IPNet // device source network
	Publish     net.IP     // gateway address answered for ARP, nil = interface address
	Proxy       netip.AddrPort
	Credentials *types.Credentials
}

// Gateway returns the address devices use as their gateway.
func (c Config) Gateway() net.IP {
	if c.Publish != nil {
		return c.Publish.To4()
	}
	return c.Interface.IP.To4()
}

// Options tune the engine independently of the session.
type Options struct {
	// DumpFile, when set, receives every captured and injected frame in pcap format.
	DumpFile string
	// UDPIdleTimeout expires relay associations without traffic.
	UDPIdleTimeout time.Duration
	// ReadTimeout bounds each capture read and therefore the shutdown latency.
	ReadTimeout time.Duration
}

const (
	defaultUDPIdleTimeout = 60 * time.Second
	defaultReadTimeout    = time.Second
	ethernetHeaderLen     = 14
	ipv4HeaderLen         = 20
	udpHeaderLen          = 8
)

func (o Options) withDefaults() Options {
	if o.UDPIdleTimeout <= 0 {
		o.UDPIdleTimeout = defaultUDPIdleTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = defaultReadTimeout
	}
	return o
}
