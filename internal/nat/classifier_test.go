package nat

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socksbridge/internal/addressing"
	"socksbridge/internal/socks/sockstest"
	"socksbridge/pkg/types"
)

// stunServer answers binding requests with the source address it observed.
// A silent server reads but never answers.
func stunServer(t *testing.T, silent bool) string {
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
			req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := req.Decode(); err != nil {
				continue
			}
			resp, err := stun.Build(
				stun.NewTransactionIDSetter(req.TransactionID),
				stun.BindingSuccess,
				&stun.XORMappedAddress{IP: from.IP, Port: from.Port},
				stun.Fingerprint,
			)
			if err != nil {
				continue
			}
			conn.WriteToUDP(resp.Raw, from)
		}
	}()
	return conn.LocalAddr().String()
}

func newProxy(t *testing.T, perDestination bool) netip.AddrPort {
	t.Helper()
	return newFilteringProxy(t, perDestination, sockstest.FilterNone)
}

func newFilteringProxy(t *testing.T, perDestination bool, filtering sockstest.Filtering) netip.AddrPort {
	t.Helper()
	srv := sockstest.New(nil)
	srv.PerDestination = perDestination
	srv.Filtering = filtering
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(func() { srv.Close() })
	return srv.Addr()
}

func TestClassifier_FullCone(t *testing.T) {
	proxy := newProxy(t, false)
	c, err := NewClassifier([]string{stunServer(t, false), stunServer(t, false)}, 3*time.Second, addressing.NewResolver())
	require.NoError(t, err)

	res, err := c.Classify(context.Background(), proxy, nil)
	require.NoError(t, err)
	assert.Equal(t, types.NATFullCone, res.NAT)
	assert.Contains(t, res.ExternalAddr, "127.0.0.1:")
}

func TestClassifier_PortRestrictedCone(t *testing.T) {
	proxy := newFilteringProxy(t, false, sockstest.FilterAddressPort)
	c, err := NewClassifier([]string{stunServer(t, false), stunServer(t, false)}, 3*time.Second, addressing.NewResolver())
	require.NoError(t, err)

	start := time.Now()
	res, err := c.Classify(context.Background(), proxy, nil)
	require.NoError(t, err)
	assert.Equal(t, types.NATPortRestrictedCone, res.NAT)
	assert.Contains(t, res.ExternalAddr, "127.0.0.1:")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestClassifier_ConeWhenSecondAssociationFails(t *testing.T) {
	proxy := newProxy(t, false)
	c, err := NewClassifier([]string{stunServer(t, false), stunServer(t, false)}, 3*time.Second, addressing.NewResolver())
	require.NoError(t, err)

	dial := c.dial
	calls := 0
	c.dial = func(ctx context.Context, p netip.AddrPort, creds *types.Credentials) (PacketConn, error) {
		calls++
		if calls > 1 {
			return nil, errors.New("association refused")
		}
		return dial(ctx, p, creds)
	}

	res, err := c.Classify(context.Background(), proxy, nil)
	require.NoError(t, err)
	assert.Equal(t, types.NATCone, res.NAT)
	assert.Equal(t, 2, calls)
}

func TestClassifier_Symmetric(t *testing.T) {
	proxy := newProxy(t, true)
	c, err := NewClassifier([]string{stunServer(t, false), stunServer(t, false)}, 3*time.Second, addressing.NewResolver())
	require.NoError(t, err)

	res, err := c.Classify(context.Background(), proxy, nil)
	require.NoError(t, err)
	assert.Equal(t, types.NATSymmetric, res.NAT)
	assert.NotEmpty(t, res.ExternalAddr)
}

func TestClassifier_OneServerSilent(t *testing.T) {
	proxy := newProxy(t, false)
	c, err := NewClassifier([]string{stunServer(t, false), stunServer(t, true)}, 800*time.Millisecond, addressing.NewResolver())
	require.NoError(t, err)

	res, err := c.Classify(context.Background(), proxy, nil)
	require.NoError(t, err)
	assert.Equal(t, types.NATUnknown, res.NAT)
	assert.NotEmpty(t, res.ExternalAddr)
}

func TestClassifier_NoResponse(t *testing.T) {
	proxy := newProxy(t, false)
	c, err := NewClassifier([]string{stunServer(t, true), stunServer(t, true)}, 600*time.Millisecond, addressing.NewResolver())
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Classify(context.Background(), proxy, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoResponse))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestClassifier_UnresolvableServer(t *testing.T) {
	proxy := newProxy(t, false)
	c, err := NewClassifier([]string{"127.0.0.1:3478", "127.0.0.1:notaport"}, time.Second, addressing.NewResolver())
	require.NoError(t, err)

	_, err = c.Classify(context.Background(), proxy, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to resolve STUN server")
}

func TestClassifier_ProxyDown(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	dead := netip.MustParseAddrPort(ln.Addr().String())
	ln.Close()

	c, err := NewClassifier([]string{stunServer(t, false), stunServer(t, false)}, time.Second, addressing.NewResolver())
	require.NoError(t, err)

	_, err = c.Classify(context.Background(), dead, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open UDP association")
}

func TestNewClassifier_RequiresTwoServers(t *testing.T) {
	_, err := NewClassifier([]string{"stun.example.net:3478"}, 0, addressing.NewResolver())
	assert.Error(t, err)

	c, err := NewClassifier(DefaultServers, 0, addressing.NewResolver())
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, c.timeout)
}

func TestClassify(t *testing.T) {
	a := netip.MustParseAddrPort("198.51.100.7:40000")
	b := netip.MustParseAddrPort("198.51.100.7:40001")

	tests := []struct {
		name     string
		mapped   [2]netip.AddrPort
		want     types.NATClass
		external netip.AddrPort
		wantErr  bool
	}{
		{"same mapping", [2]netip.AddrPort{a, a}, types.NATCone, a, false},
		{"different mapping", [2]netip.AddrPort{a, b}, types.NATSymmetric, a, false},
		{"first only", [2]netip.AddrPort{a, {}}, types.NATUnknown, a, false},
		{"second only", [2]netip.AddrPort{{}, b}, types.NATUnknown, b, false},
		{"none", [2]netip.AddrPort{}, types.NATUnknown, netip.AddrPort{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			class, ext, err := Classify(tt.mapped)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoResponse)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, class)
			assert.Equal(t, tt.external, ext)
		})
	}
}

func TestConeClass(t *testing.T) {
	assert.Equal(t, types.NATFullCone, ConeClass(true, false))
	assert.Equal(t, types.NATFullCone, ConeClass(true, true))
	assert.Equal(t, types.NATRestrictedCone, ConeClass(false, true))
	assert.Equal(t, types.NATPortRestrictedCone, ConeClass(false, false))
}

func TestMatchResponse_IgnoresForeignTransaction(t *testing.T) {
	reqs := make([]*stun.Message, 2)
	for i := range reqs {
		reqs[i] = stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	}
	stray := stun.MustBuild(stun.TransactionID, stun.BindingSuccess,
		&stun.XORMappedAddress{IP: net.IPv4(203, 0, 113, 1), Port: 5000})

	_, _, ok := matchResponse(stray.Raw, reqs)
	assert.False(t, ok)

	resp := stun.MustBuild(stun.NewTransactionIDSetter(reqs[1].TransactionID), stun.BindingSuccess,
		&stun.XORMappedAddress{IP: net.IPv4(203, 0, 113, 1), Port: 5000})
	idx, addr, ok := matchResponse(resp.Raw, reqs)
	require.True(t, ok)
	assert.Equal(t, 1, idx)
	assert.Equal(t, netip.MustParseAddrPort("203.0.113.1:5000"), addr)

	_, _, ok = matchResponse([]byte("not stun"), reqs)
	assert.False(t, ok)
}
