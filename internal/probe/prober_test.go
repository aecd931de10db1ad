package probe

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socksbridge/internal/addressing"
	"socksbridge/internal/socks"
	"socksbridge/internal/socks/sockstest"
	"socksbridge/internal/status"
	"socksbridge/pkg/types"
)

type recordingSink struct {
	mu      sync.Mutex
	values  []int64
	unknown int
}

func (s *recordingSink) Store(ms int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = append(s.values, ms)
}

func (s *recordingSink) MarkUnknown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unknown++
}

func (s *recordingSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values), s.unknown
}

// dnsServer answers A queries with 192.0.2.1, or stays silent.
func dnsServer(t *testing.T, silent bool) string {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if silent {
				continue
			}
			req := new(dns.Msg)
			if err := req.Unpack(buf[:n]); err != nil {
				continue
			}
			resp := new(dns.Msg)
			resp.SetReply(req)
			rr, _ := dns.NewRR(req.Question[0].Name + " 60 IN A 192.0.2.1")
			resp.Answer = append(resp.Answer, rr)
			packed, err := resp.Pack()
			if err != nil {
				continue
			}
			conn.WriteToUDP(packed, from)
		}
	}()
	return conn.LocalAddr().String()
}

func startProxy(t *testing.T, creds *types.Credentials) netip.AddrPort {
	t.Helper()
	srv := sockstest.New(creds)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(func() { srv.Close() })
	return srv.Addr()
}

func running() *status.Flag {
	f := &status.Flag{}
	f.Set()
	return f
}

func TestProber_DNSMeasuresLatency(t *testing.T) {
	creds := &types.Credentials{Username: "u", Password: "p"}
	proxy := startProxy(t, creds)
	p, err := New(Config{Target: dnsServer(t, false), Interval: 20 * time.Millisecond}, addressing.NewResolver())
	require.NoError(t, err)

	flag := running()
	sink := &recordingSink{}
	require.NoError(t, p.Start(proxy, creds, flag, sink))

	require.Eventually(t, func() bool {
		n, _ := sink.counts()
		return n >= 3
	}, 3*time.Second, 10*time.Millisecond)

	flag.Halt()
	time.Sleep(100 * time.Millisecond)
	stopped, _ := sink.counts()
	time.Sleep(100 * time.Millisecond)
	after, unknown := sink.counts()
	assert.Equal(t, stopped, after, "prober must stop once the flag clears")
	assert.Zero(t, unknown)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, v := range sink.values {
		assert.GreaterOrEqual(t, v, int64(1), "a measured round trip is never reported as not measured")
	}
}

func TestProber_DNSTimeoutMarksUnknown(t *testing.T) {
	proxy := startProxy(t, nil)
	p, err := New(Config{
		Target:   dnsServer(t, true),
		Interval: 10 * time.Millisecond,
		Timeout:  100 * time.Millisecond,
	}, addressing.NewResolver())
	require.NoError(t, err)

	flag := running()
	defer flag.Halt()
	sink := &recordingSink{}
	require.NoError(t, p.Start(proxy, nil, flag, sink))

	require.Eventually(t, func() bool {
		_, unknown := sink.counts()
		return unknown >= 2
	}, 3*time.Second, 10*time.Millisecond)

	n, _ := sink.counts()
	assert.Zero(t, n)
}

func TestProber_StartFailsWhenProxyUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	dead := netip.MustParseAddrPort(ln.Addr().String())
	ln.Close()

	p, err := New(Config{Target: "127.0.0.1:53"}, addressing.NewResolver())
	require.NoError(t, err)

	err = p.Start(dead, nil, running(), &recordingSink{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open UDP association")
}

func TestProber_StartFailsOnBadTarget(t *testing.T) {
	p, err := New(Config{Target: "8.8.8.8"}, addressing.NewResolver())
	require.NoError(t, err)

	err = p.Start(netip.MustParseAddrPort("127.0.0.1:1080"), nil, running(), &recordingSink{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to resolve probe target")
}

func TestProber_TCPMode(t *testing.T) {
	proxy := startProxy(t, nil)

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	p, err := New(Config{Mode: ModeTCP, Target: ln.Addr().String(), Interval: 20 * time.Millisecond}, addressing.NewResolver())
	require.NoError(t, err)

	flag := running()
	defer flag.Halt()
	sink := &recordingSink{}
	require.NoError(t, p.Start(proxy, nil, flag, sink))

	require.Eventually(t, func() bool {
		n, _ := sink.counts()
		return n >= 2
	}, 3*time.Second, 10*time.Millisecond)
}

// blockingMeasurer never completes a measurement until its context ends.
type blockingMeasurer struct {
	started chan struct{}
	closed  chan struct{}
}

func (b *blockingMeasurer) Measure(ctx context.Context) (time.Duration, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return 0, ctx.Err()
}

func (b *blockingMeasurer) Close() error {
	close(b.closed)
	return nil
}

// instantMeasurer reports a fixed round trip immediately.
type instantMeasurer struct {
	rtt    time.Duration
	closed chan struct{}
}

func (m *instantMeasurer) Measure(context.Context) (time.Duration, error) { return m.rtt, nil }

func (m *instantMeasurer) Close() error {
	close(m.closed)
	return nil
}

func TestProber_StopsDuringMeasurement(t *testing.T) {
	p, err := New(Config{Interval: 10 * time.Second, Timeout: 10 * time.Second}, addressing.NewResolver())
	require.NoError(t, err)

	m := &blockingMeasurer{started: make(chan struct{}, 1), closed: make(chan struct{})}
	flag := running()
	sink := &recordingSink{}
	go p.run(m, flag, sink)

	<-m.started
	flag.Halt()

	select {
	case <-m.closed:
	case <-time.After(time.Second):
		t.Fatal("prober still measuring one second after the flag cleared")
	}
	n, unknown := sink.counts()
	assert.Zero(t, n)
	assert.Zero(t, unknown, "a cancelled measurement is not a failed probe")
}

func TestProber_StopsDuringInterval(t *testing.T) {
	p, err := New(Config{Interval: 10 * time.Second}, addressing.NewResolver())
	require.NoError(t, err)

	m := &instantMeasurer{rtt: 300 * time.Microsecond, closed: make(chan struct{})}
	flag := running()
	sink := &recordingSink{}
	go p.run(m, flag, sink)

	require.Eventually(t, func() bool {
		n, _ := sink.counts()
		return n == 1
	}, time.Second, 5*time.Millisecond)
	flag.Halt()

	select {
	case <-m.closed:
	case <-time.After(time.Second):
		t.Fatal("prober still sleeping one second after the flag cleared")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []int64{1}, sink.values)
}

func TestDNSMeasurer_CancelUnblocksRead(t *testing.T) {
	proxy := startProxy(t, nil)
	conn, err := socks.DialUDP(context.Background(), proxy, nil)
	require.NoError(t, err)

	m := &dnsMeasurer{
		conn:    conn,
		target:  netip.MustParseAddrPort(dnsServer(t, true)),
		host:    dns.Fqdn("example.com"),
		timeout: 10 * time.Second,
	}
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = m.Measure(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.NotNil(t, m.conn, "a cancelled read keeps the association")
}

func TestLatencyMillis(t *testing.T) {
	tests := []struct {
		rtt  time.Duration
		want int64
	}{
		{0, 1},
		{300 * time.Microsecond, 1},
		{time.Millisecond, 1},
		{1500 * time.Microsecond, 2},
		{42 * time.Millisecond, 42},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, latencyMillis(tt.rtt), "rtt %s", tt.rtt)
	}
}

func TestNew_RejectsUnknownMode(t *testing.T) {
	_, err := New(Config{Mode: "icmp"}, addressing.NewResolver())
	assert.Error(t, err)

	p, err := New(Config{}, addressing.NewResolver())
	require.NoError(t, err)
	assert.Equal(t, ModeDNS, p.cfg.Mode)
	assert.Equal(t, DefaultTarget, p.cfg.Target)
	assert.Equal(t, DefaultInterval, p.cfg.Interval)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeDNS, m)

	m, err = ParseMode(" TCP ")
	require.NoError(t, err)
	assert.Equal(t, ModeTCP, m)

	_, err = ParseMode("ping")
	assert.Error(t, err)
}
