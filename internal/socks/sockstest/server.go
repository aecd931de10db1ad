// Package sockstest provides an in-process SOCKS5 server supporting CONNECT
// and UDP ASSOCIATE, used by tests and the mock proxy binary.
package sockstest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"socksbridge/internal/socks"
	"socksbridge/pkg/types"
)

// Stats counts server activity.
type Stats struct {
	Accepted     uint64
	AuthFailures uint64
	Connects     uint64
	Associations uint64
	Datagrams    uint64
}

// Filtering restricts which remote endpoints may reach a UDP association.
type Filtering int

const (
	// FilterNone accepts datagrams from any endpoint.
	FilterNone Filtering = iota
	// FilterAddress accepts datagrams from addresses the association sent to.
	FilterAddress
	// FilterAddressPort accepts datagrams only from endpoints the association
	// sent to.
	FilterAddressPort
)

// Server is a minimal SOCKS5 server.
type Server struct {
	// Credentials, when set, are required from every client.
	Credentials *types.Credentials
	// PerDestination gives every UDP destination its own outbound socket,
	// so remote peers see a different source port per destination.
	PerDestination bool
	// Filtering applies to datagrams arriving at relay sockets.
	Filtering Filtering

	ln     net.Listener
	wg     sync.WaitGroup
	closed atomic.Bool

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	accepted     atomic.Uint64
	authFailures atomic.Uint64
	connects     atomic.Uint64
	associations atomic.Uint64
	datagrams    atomic.Uint64
}

// New creates a server. creds may be nil for no authentication.
func New(creds *types.Credentials) *Server {
	return &Server{Credentials: creds, conns: make(map[net.Conn]struct{})}
}

// Start listens on addr (e.g. "127.0.0.1:0") and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.ln = ln

	s.wg.Add(1)
	go s.acceptLoop()

	log.WithField("addr", ln.Addr().String()).Info("Mock SOCKS5 server listening")
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() netip.AddrPort {
	return netip.MustParseAddrPort(s.ln.Addr().String())
}

// Close stops the server and every open client connection.
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.ln.Close()

	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// Stats returns a copy of the counters.
func (s *Server) Stats() Stats {
	return Stats{
		Accepted:     s.accepted.Load(),
		AuthFailures: s.authFailures.Load(),
		Connects:     s.connects.Load(),
		Associations: s.associations.Load(),
		Datagrams:    s.datagrams.Load(),
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			log.WithError(err).Warn("Accept failed")
			continue
		}
		s.accepted.Inc()
		s.track(conn, true)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			defer conn.Close()
			if err := s.serve(conn); err != nil {
				log.WithError(err).Debug("Client session ended")
			}
		}()
	}
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *Server) serve(conn net.Conn) error {
	if err := s.negotiate(conn); err != nil {
		return err
	}

	header := make([]byte, 3)
	if _, err := io.ReadFull(conn, header); err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	host, port, err := readAddr(conn)
	if err != nil {
		return err
	}

	switch header[1] {
	case socks.CmdConnect:
		return s.handleConnect(conn, net.JoinHostPort(host, strconv.Itoa(int(port))))
	case socks.CmdUDPAssociate:
		return s.handleAssociate(conn)
	default:
		writeReply(conn, 0x07, netip.AddrPortFrom(netip.IPv4Unspecified(), 0))
		return fmt.Errorf("unsupported command %d", header[1])
	}
}

func (s *Server) negotiate(conn net.Conn) error {
	head := make([]byte, 2)
	if _, err := io.ReadFull(conn, head); err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if head[0] != socks.Version {
		return fmt.Errorf("bad version %d", head[0])
	}
	methods := make([]byte, head[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return fmt.Errorf("read methods: %w", err)
	}

	want := byte(socks.AuthNone)
	if s.Credentials != nil {
		want = socks.AuthUserPassword
	}
	offered := false
	for _, m := range methods {
		if m == want {
			offered = true
		}
	}
	if !offered {
		s.authFailures.Inc()
		conn.Write([]byte{socks.Version, socks.AuthNoAcceptable})
		return fmt.Errorf("no acceptable method")
	}
	if _, err := conn.Write([]byte{socks.Version, want}); err != nil {
		return err
	}
	if want == socks.AuthNone {
		return nil
	}

	ver := make([]byte, 2)
	if _, err := io.ReadFull(conn, ver); err != nil {
		return err
	}
	user := make([]byte, ver[1])
	if _, err := io.ReadFull(conn, user); err != nil {
		return err
	}
	plen := make([]byte, 1)
	if _, err := io.ReadFull(conn, plen); err != nil {
		return err
	}
	pass := make([]byte, plen[0])
	if _, err := io.ReadFull(conn, pass); err != nil {
		return err
	}

	if string(user) != s.Credentials.Username || string(pass) != s.Credentials.Password {
		s.authFailures.Inc()
		conn.Write([]byte{socks.UserPassVersion, 0x01})
		return fmt.Errorf("bad credentials for %q", user)
	}
	_, err := conn.Write([]byte{socks.UserPassVersion, socks.UserPassSucceeded})
	return err
}

func (s *Server) handleConnect(conn net.Conn, target string) error {
	s.connects.Inc()
	upstream, err := net.DialTimeout("tcp", target, 5*time.Second)
	if err != nil {
		writeReply(conn, 0x05, netip.AddrPortFrom(netip.IPv4Unspecified(), 0))
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer upstream.Close()

	bound := netip.MustParseAddrPort(upstream.LocalAddr().String())
	if err := writeReply(conn, socks.RepSucceeded, bound); err != nil {
		return err
	}

	done := make(chan struct{}, 2)
	go func() { io.Copy(upstream, conn); done <- struct{}{} }()
	go func() { io.Copy(conn, upstream); done <- struct{}{} }()
	<-done
	return nil
}

func (s *Server) handleAssociate(conn net.Conn) error {
	s.associations.Inc()

	client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		writeReply(conn, 0x01, netip.AddrPortFrom(netip.IPv4Unspecified(), 0))
		return err
	}
	defer client.Close()

	relay := &udpRelay{
		server:    s,
		client:    client,
		outbound:  make(map[netip.AddrPort]*net.UDPConn),
		contacted: make(map[netip.AddrPort]struct{}),
	}
	defer relay.close()

	if err := writeReply(conn, socks.RepSucceeded, netip.MustParseAddrPort(client.LocalAddr().String())); err != nil {
		return err
	}

	go relay.run()

	// The association lives as long as the control connection.
	io.Copy(io.Discard, conn)
	return nil
}

type udpRelay struct {
	server *Server
	client *net.UDPConn

	mu        sync.Mutex
	peer      netip.AddrPort
	shared    *net.UDPConn
	outbound  map[netip.AddrPort]*net.UDPConn
	contacted map[netip.AddrPort]struct{}
}

func (r *udpRelay) run() {
	buf := make([]byte, 65535)
	for {
		n, from, err := r.client.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		dst, off, err := socks.ParseUDPHeader(buf[:n])
		if err != nil {
			continue
		}
		r.server.datagrams.Inc()

		out, err := r.socketFor(from, dst)
		if err != nil {
			log.WithError(err).Debug("Relay socket failed")
			continue
		}
		out.WriteToUDPAddrPort(buf[off:n], dst)
	}
}

func (r *udpRelay) socketFor(from, dst netip.AddrPort) (*net.UDPConn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peer = from
	r.contacted[dst] = struct{}{}

	if !r.server.PerDestination {
		if r.shared == nil {
			c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
			if err != nil {
				return nil, err
			}
			r.shared = c
			go r.pump(c)
		}
		return r.shared, nil
	}

	if c, ok := r.outbound[dst]; ok {
		return c, nil
	}
	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, err
	}
	r.outbound[dst] = c
	go r.pump(c)
	return c, nil
}

func (r *udpRelay) pump(c *net.UDPConn) {
	buf := make([]byte, 65535)
	for {
		n, src, err := c.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		src = netip.AddrPortFrom(src.Addr().Unmap(), src.Port())

		r.mu.Lock()
		peer := r.peer
		admitted := r.admits(src)
		r.mu.Unlock()
		if !admitted {
			continue
		}

		pkt := append([]byte{0x00, 0x00, 0x00}, socks.AppendAddr(nil, src)...)
		pkt = append(pkt, buf[:n]...)
		r.client.WriteToUDPAddrPort(pkt, peer)
	}
}

// admits applies the server's filtering to src. Callers hold r.mu.
func (r *udpRelay) admits(src netip.AddrPort) bool {
	switch r.server.Filtering {
	case FilterAddressPort:
		_, ok := r.contacted[src]
		return ok
	case FilterAddress:
		for c := range r.contacted {
			if c.Addr() == src.Addr() {
				return true
			}
		}
		return false
	default:
		return true
	}
}

func (r *udpRelay) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shared != nil {
		r.shared.Close()
	}
	for _, c := range r.outbound {
		c.Close()
	}
}

func readAddr(r io.Reader) (string, uint16, error) {
	atyp := make([]byte, 1)
	if _, err := io.ReadFull(r, atyp); err != nil {
		return "", 0, err
	}

	var host string
	switch atyp[0] {
	case socks.AtypIPv4, socks.AtypIPv6:
		n := 4
		if atyp[0] == socks.AtypIPv6 {
			n = 16
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", 0, err
		}
		host = net.IP(b).String()
	case socks.AtypDomain:
		l := make([]byte, 1)
		if _, err := io.ReadFull(r, l); err != nil {
			return "", 0, err
		}
		b := make([]byte, l[0])
		if _, err := io.ReadFull(r, b); err != nil {
			return "", 0, err
		}
		host = string(b)
	default:
		return "", 0, fmt.Errorf("unsupported address type %d", atyp[0])
	}

	p := make([]byte, 2)
	if _, err := io.ReadFull(r, p); err != nil {
		return "", 0, err
	}
	return host, binary.BigEndian.Uint16(p), nil
}

func writeReply(w io.Writer, rep byte, bound netip.AddrPort) error {
	msg := append([]byte{socks.Version, rep, 0x00}, socks.AppendAddr(nil, bound)...)
	_, err := w.Write(msg)
	return err
}
