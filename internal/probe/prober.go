package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"socksbridge/internal/socks"
	"socksbridge/internal/status"
	"socksbridge/pkg/types"
)

// Probe modes.
const (
	ModeDNS = "dns"
	ModeTCP = "tcp"
)

// Defaults for an unconfigured prober.
const (
	DefaultTarget   = "8.8.8.8:53"
	DefaultHost     = "www.google.com"
	DefaultInterval = time.Second
	DefaultTimeout  = 3 * time.Second
)

// flagCheckInterval bounds how long a running measurement or pause outlives
// the run flag.
const flagCheckInterval = 100 * time.Millisecond

// Config selects what the prober measures.
type Config struct {
	Mode     string
	Target   string // host:port queried through the proxy
	Host     string // name looked up in dns mode
	Interval time.Duration
	Timeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeDNS
	}
	if c.Target == "" {
		c.Target = DefaultTarget
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// PacketConn is a datagram channel through the proxy.
type PacketConn interface {
	WriteTo(b []byte, dst netip.AddrPort) (int, error)
	ReadFrom(b []byte) (int, netip.AddrPort, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// HostResolver resolves the probe target.
type HostResolver interface {
	Resolve(ctx context.Context, endpoint string) (netip.AddrPort, error)
}

// Prober periodically measures round-trip latency through the proxy.
type Prober struct {
	cfg      Config
	resolver HostResolver

	dialUDP func(ctx context.Context, proxy netip.AddrPort, creds *types.Credentials) (PacketConn, error)
	dialTCP func(server netip.AddrPort, creds *types.Credentials) (proxy.ContextDialer, error)
}

// New creates a prober.
func New(cfg Config, resolver HostResolver) (*Prober, error) {
	cfg = cfg.withDefaults()
	switch cfg.Mode {
	case ModeDNS, ModeTCP:
	default:
		return nil, fmt.Errorf("unknown probe mode %q", cfg.Mode)
	}
	return &Prober{
		cfg:      cfg,
		resolver: resolver,
		dialUDP: func(ctx context.Context, p netip.AddrPort, creds *types.Credentials) (PacketConn, error) {
			return socks.DialUDP(ctx, p, creds)
		},
		dialTCP: socks.NewDialer,
	}, nil
}

// Start resolves the target and opens the proxy channel, then measures in a
// background goroutine until flag clears. Each cycle stores the RTT in
// milliseconds, or marks the latency unknown on failure.
func (p *Prober) Start(proxyAddr netip.AddrPort, creds *types.Credentials, flag status.RunFlag, sink status.LatencySink) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer cancel()

	target, err := p.resolver.Resolve(ctx, p.cfg.Target)
	if err != nil {
		return fmt.Errorf("failed to resolve probe target: %w", err)
	}

	var m measurer
	switch p.cfg.Mode {
	case ModeTCP:
		d, err := p.dialTCP(proxyAddr, creds)
		if err != nil {
			return err
		}
		m = &tcpMeasurer{dialer: d, target: target, timeout: p.cfg.Timeout}
	default:
		conn, err := p.dialUDP(ctx, proxyAddr, creds)
		if err != nil {
			return fmt.Errorf("failed to open UDP association: %w", err)
		}
		m = &dnsMeasurer{
			conn:    conn,
			target:  target,
			host:    dns.Fqdn(p.cfg.Host),
			timeout: p.cfg.Timeout,
			reopen: func() (PacketConn, error) {
				rctx, rcancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
				defer rcancel()
				return p.dialUDP(rctx, proxyAddr, creds)
			},
		}
	}

	log.WithFields(log.Fields{
		"mode":     p.cfg.Mode,
		"target":   target.String(),
		"interval": p.cfg.Interval,
	}).Info("Latency probe started")

	go p.run(m, flag, sink)
	return nil
}

func (p *Prober) run(m measurer, flag status.RunFlag, sink status.LatencySink) {
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watchFlag(ctx, flag, cancel)

	failures := 0
	for flag.Running() {
		rtt, err := m.Measure(ctx)
		if !flag.Running() {
			break
		}
		if err != nil {
			failures++
			sink.MarkUnknown()
			log.WithError(err).WithField("consecutive", failures).Debug("Latency probe failed")
		} else {
			failures = 0
			sink.Store(latencyMillis(rtt))
		}

		select {
		case <-ctx.Done():
		case <-time.After(p.cfg.Interval):
		}
	}

	log.Info("Latency probe stopped")
}

// watchFlag cancels the probe context once flag clears.
func watchFlag(ctx context.Context, flag status.RunFlag, cancel context.CancelFunc) {
	ticker := time.NewTicker(flagCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !flag.Running() {
				cancel()
				return
			}
		}
	}
}

// latencyMillis rounds a successful measurement up to whole milliseconds.
// Zero means not measured, so sub-millisecond round trips report 1.
func latencyMillis(rtt time.Duration) int64 {
	ms := (rtt + time.Millisecond - 1).Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}

type measurer interface {
	Measure(ctx context.Context) (time.Duration, error)
	Close() error
}

// dnsMeasurer times a DNS A query sent through a UDP association.
type dnsMeasurer struct {
	conn    PacketConn
	target  netip.AddrPort
	host    string
	timeout time.Duration
	id      uint16
	reopen  func() (PacketConn, error)
	buf     [1500]byte
}

func (d *dnsMeasurer) Measure(ctx context.Context) (time.Duration, error) {
	if d.conn == nil {
		conn, err := d.reopen()
		if err != nil {
			return 0, fmt.Errorf("failed to reopen UDP association: %w", err)
		}
		d.conn = conn
	}

	d.id++
	q := new(dns.Msg)
	q.SetQuestion(d.host, dns.TypeA)
	q.Id = d.id
	packed, err := q.Pack()
	if err != nil {
		return 0, fmt.Errorf("failed to pack query: %w", err)
	}

	start := time.Now()
	if _, err := d.conn.WriteTo(packed, d.target); err != nil {
		d.drop()
		return 0, fmt.Errorf("failed to send query: %w", err)
	}
	conn := d.conn
	if err := conn.SetReadDeadline(start.Add(d.timeout)); err != nil {
		d.drop()
		return 0, err
	}
	// Cancellation expires the deadline to unblock the read.
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		n, _, err := conn.ReadFrom(d.buf[:])
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			var ne net.Error
			if !errors.As(err, &ne) || !ne.Timeout() {
				d.drop()
			}
			return 0, fmt.Errorf("failed to read answer: %w", err)
		}
		resp := new(dns.Msg)
		if err := resp.Unpack(d.buf[:n]); err != nil || resp.Id != d.id || !resp.Response {
			continue
		}
		return time.Since(start), nil
	}
}

func (d *dnsMeasurer) drop() {
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
}

func (d *dnsMeasurer) Close() error {
	d.drop()
	return nil
}

// tcpMeasurer times a CONNECT through the proxy.
type tcpMeasurer struct {
	dialer  proxy.ContextDialer
	target  netip.AddrPort
	timeout time.Duration
}

func (t *tcpMeasurer) Measure(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	conn, err := t.dialer.DialContext(ctx, "tcp", t.target.String())
	if err != nil {
		return 0, fmt.Errorf("failed to connect through proxy: %w", err)
	}
	rtt := time.Since(start)
	conn.Close()
	return rtt, nil
}

func (t *tcpMeasurer) Close() error { return nil }

// ParseMode normalises a configured mode name.
func ParseMode(s string) (string, error) {
	switch m := strings.ToLower(strings.TrimSpace(s)); m {
	case "", ModeDNS:
		return ModeDNS, nil
	case ModeTCP:
		return ModeTCP, nil
	default:
		return "", fmt.Errorf("unknown probe mode %q", s)
	}
}
