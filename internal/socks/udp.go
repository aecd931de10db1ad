package socks

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"socksbridge/pkg/types"
)

// DefaultDialTimeout bounds the TCP control connection setup.
const DefaultDialTimeout = 10 * time.Second

var readBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 65535)
		return &b
	},
}

// Association is a SOCKS5 UDP ASSOCIATE session. Datagrams are wrapped in the
// RFC 1928 §7 header on the way out and unwrapped on the way in. The TCP
// control connection is held open for the lifetime of the association.
type Association struct {
	udp   *net.UDPConn
	ctrl  net.Conn
	relay netip.AddrPort

	closeOnce sync.Once
}

// DialUDP performs the UDP ASSOCIATE handshake with the proxy.
func DialUDP(ctx context.Context, proxy netip.AddrPort, creds *types.Credentials) (*Association, error) {
	d := net.Dialer{Timeout: DefaultDialTimeout}
	ctrl, err := d.DialContext(ctx, "tcp", proxy.String())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to proxy %s: %w", proxy, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = ctrl.SetDeadline(deadline)
	}

	if err := Handshake(ctrl, creds); err != nil {
		ctrl.Close()
		return nil, err
	}

	// DST.ADDR 0.0.0.0:0, the client address is not known in advance
	relay, err := Request(ctrl, CmdUDPAssociate, netip.AddrPortFrom(netip.IPv4Unspecified(), 0))
	if err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("failed to associate: %w", err)
	}
	_ = ctrl.SetDeadline(time.Time{})

	if relay.Addr().IsUnspecified() {
		relay = netip.AddrPortFrom(proxy.Addr(), relay.Port())
	}

	udp, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(relay))
	if err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("failed to connect to relay %s: %w", relay, err)
	}

	a := &Association{udp: udp, ctrl: ctrl, relay: relay}
	go a.watchControl()

	log.WithFields(log.Fields{
		"proxy": proxy.String(),
		"relay": relay.String(),
		"local": udp.LocalAddr().String(),
	}).Debug("UDP association established")

	return a, nil
}

// watchControl closes the UDP side once the proxy drops the control connection.
func (a *Association) watchControl() {
	buf := make([]byte, 1)
	for {
		if _, err := a.ctrl.Read(buf); err != nil {
			a.Close()
			return
		}
	}
}

// WriteTo sends payload to dst through the relay.
func (a *Association) WriteTo(payload []byte, dst netip.AddrPort) (int, error) {
	pkt := make([]byte, 0, 3+19+len(payload))
	pkt = append(pkt, 0x00, 0x00, 0x00) // RSV, FRAG
	pkt = AppendAddr(pkt, dst)
	pkt = append(pkt, payload...)

	if _, err := a.udp.Write(pkt); err != nil {
		return 0, err
	}
	return len(payload), nil
}

// ReadFrom receives one datagram and returns the payload length and its source.
// Fragmented datagrams are dropped.
func (a *Association) ReadFrom(b []byte) (int, netip.AddrPort, error) {
	bp := readBufPool.Get().(*[]byte)
	defer readBufPool.Put(bp)
	buf := *bp

	for {
		n, err := a.udp.Read(buf)
		if err != nil {
			return 0, netip.AddrPort{}, err
		}
		src, offset, err := ParseUDPHeader(buf[:n])
		if err != nil {
			log.WithError(err).Debug("Dropping malformed relay datagram")
			continue
		}
		return copy(b, buf[offset:n]), src, nil
	}
}

// SetReadDeadline sets the read deadline on the relay socket.
func (a *Association) SetReadDeadline(t time.Time) error {
	return a.udp.SetReadDeadline(t)
}

// LocalAddr returns the local UDP address.
func (a *Association) LocalAddr() net.Addr { return a.udp.LocalAddr() }

// Relay returns the relay address announced by the proxy.
func (a *Association) Relay() netip.AddrPort { return a.relay }

// Close tears down both the relay socket and the control connection.
func (a *Association) Close() error {
	var err error
	a.closeOnce.Do(func() {
		err = a.udp.Close()
		a.ctrl.Close()
	})
	return err
}

// ParseUDPHeader parses the relay header of pkt and returns the datagram's
// source address and the payload offset.
func ParseUDPHeader(pkt []byte) (netip.AddrPort, int, error) {
	if len(pkt) < 4 {
		return netip.AddrPort{}, 0, fmt.Errorf("packet too short")
	}
	if pkt[2] != 0x00 {
		return netip.AddrPort{}, 0, fmt.Errorf("fragmented datagram (frag %d)", pkt[2])
	}

	var addrLen int
	switch pkt[3] {
	case AtypIPv4:
		addrLen = 4
	case AtypIPv6:
		addrLen = 16
	case AtypDomain:
		// Domain sources cannot be mapped back to a device flow.
		return netip.AddrPort{}, 0, fmt.Errorf("domain source address not supported")
	default:
		return netip.AddrPort{}, 0, fmt.Errorf("unsupported address type %d", pkt[3])
	}

	end := 4 + addrLen + 2
	if len(pkt) < end {
		return netip.AddrPort{}, 0, fmt.Errorf("packet too short for address type %d", pkt[3])
	}
	addr, _ := netip.AddrFromSlice(pkt[4 : 4+addrLen])
	port := binary.BigEndian.Uint16(pkt[4+addrLen : end])
	return netip.AddrPortFrom(addr.Unmap(), port), end, nil
}
