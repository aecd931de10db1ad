package nat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/pion/stun/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"socksbridge/internal/socks"
	"socksbridge/pkg/types"
)

// Defaults used when the classifier is built without explicit settings.
const (
	DefaultTimeout    = 3 * time.Second
	retransmitBackoff = 500 * time.Millisecond
	filterWait        = 500 * time.Millisecond
)

// DefaultServers are the public STUN servers queried by default.
var DefaultServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
}

// ErrNoResponse is returned when no STUN server answered before the timeout.
var ErrNoResponse = errors.New("no response from STUN servers")

// PacketConn is a datagram channel through the proxy.
type PacketConn interface {
	WriteTo(b []byte, dst netip.AddrPort) (int, error)
	ReadFrom(b []byte) (int, netip.AddrPort, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// DialFunc opens a datagram channel through the proxy.
type DialFunc func(ctx context.Context, proxy netip.AddrPort, creds *types.Credentials) (PacketConn, error)

// HostResolver resolves STUN server endpoints.
type HostResolver interface {
	Resolve(ctx context.Context, endpoint string) (netip.AddrPort, error)
}

// Classifier determines the NAT behaviour of a SOCKS5 proxy. Mapping is
// tested by querying two STUN servers from the same UDP association; a cone
// mapping is then refined by checking which remote endpoints may reach a
// second association.
type Classifier struct {
	servers  []string
	timeout  time.Duration
	resolver HostResolver
	dial     DialFunc
}

// NewClassifier creates a classifier. At least two servers are required;
// only the first two are used.
func NewClassifier(servers []string, timeout time.Duration, resolver HostResolver) (*Classifier, error) {
	if len(servers) < 2 {
		return nil, fmt.Errorf("at least two STUN servers are required, got %d", len(servers))
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Classifier{
		servers:  servers[:2],
		timeout:  timeout,
		resolver: resolver,
		dial: func(ctx context.Context, proxy netip.AddrPort, creds *types.Credentials) (PacketConn, error) {
			return socks.DialUDP(ctx, proxy, creds)
		},
	}, nil
}

// Classify runs the classification through proxy.
func (c *Classifier) Classify(ctx context.Context, proxy netip.AddrPort, creds *types.Credentials) (*types.TestResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	targets, err := c.resolveServers(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := c.dial(ctx, proxy, creds)
	if err != nil {
		return nil, fmt.Errorf("failed to open UDP association: %w", err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	mapped, err := exchange(conn, targets[:], deadline)
	if err != nil {
		return nil, err
	}

	class, external, err := Classify([2]netip.AddrPort(mapped))
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"proxy":    proxy.String(),
		"server1":  targets[0].String(),
		"server2":  targets[1].String(),
		"mapping1": mapped[0].String(),
		"mapping2": mapped[1].String(),
		"nat":      class,
	}).Debug("STUN exchange complete")

	if class == types.NATCone {
		class = c.refineCone(ctx, proxy, creds, conn, targets[0], mapped[0])
	}

	res := &types.TestResult{NAT: class}
	if external.IsValid() {
		res.ExternalAddr = external.String()
	}
	return res, nil
}

// refineCone opens a second association, maps it through server and checks
// whether the first association can reach it unsolicited, then after the
// second association contacted only the first one's address. Any step that
// cannot run leaves the plain cone class.
func (c *Classifier) refineCone(ctx context.Context, proxy netip.AddrPort, creds *types.Credentials, first PacketConn, server, firstMapped netip.AddrPort) types.NATClass {
	second, err := c.dial(ctx, proxy, creds)
	if err != nil {
		log.WithError(err).Debug("Filtering test skipped, second association failed")
		return types.NATCone
	}
	defer second.Close()

	deadline, _ := ctx.Deadline()
	mapped, err := exchange(second, []netip.AddrPort{server}, deadline)
	if err != nil || !mapped[0].IsValid() {
		log.WithError(err).Debug("Filtering test skipped, second association has no mapping")
		return types.NATCone
	}
	target := mapped[0]

	unsolicited, err := reaches(first, second, target, deadline)
	if err != nil {
		log.WithError(err).Debug("Filtering test failed")
		return types.NATCone
	}

	sameAddress := false
	if !unsolicited {
		// Open the first association's address on a port nobody uses.
		decoy := netip.AddrPortFrom(firstMapped.Addr(), firstMapped.Port()+1)
		if firstMapped.Port() == 65535 {
			decoy = netip.AddrPortFrom(firstMapped.Addr(), firstMapped.Port()-1)
		}
		if _, err := second.WriteTo([]byte{0}, decoy); err != nil {
			log.WithError(err).Debug("Filtering test failed")
			return types.NATCone
		}
		sameAddress, err = reaches(first, second, target, deadline)
		if err != nil {
			log.WithError(err).Debug("Filtering test failed")
			return types.NATCone
		}
	}

	class := ConeClass(unsolicited, sameAddress)
	log.WithFields(log.Fields{
		"mapping":     target.String(),
		"unsolicited": unsolicited,
		"same_addr":   sameAddress,
		"nat":         class,
	}).Debug("Filtering test complete")
	return class
}

// reaches sends a random token from one association to target and reports
// whether the other association received it within filterWait.
func reaches(from, to PacketConn, target netip.AddrPort, deadline time.Time) (bool, error) {
	token := stun.NewTransactionID()

	wait := time.Now().Add(filterWait)
	if wait.After(deadline) {
		wait = deadline
	}
	if err := to.SetReadDeadline(wait); err != nil {
		return false, fmt.Errorf("failed to set read deadline: %w", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := from.WriteTo(token[:], target); err != nil {
			return false, fmt.Errorf("failed to send filtering datagram: %w", err)
		}
	}

	buf := make([]byte, 1500)
	for {
		n, _, err := to.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return false, nil
			}
			return false, fmt.Errorf("failed to read filtering datagram: %w", err)
		}
		if bytes.Equal(buf[:n], token[:]) {
			return true, nil
		}
	}
}

func (c *Classifier) resolveServers(ctx context.Context) ([2]netip.AddrPort, error) {
	var targets [2]netip.AddrPort
	g, gctx := errgroup.WithContext(ctx)
	for i, server := range c.servers {
		g.Go(func() error {
			ap, err := c.resolver.Resolve(gctx, server)
			if err != nil {
				return fmt.Errorf("failed to resolve STUN server %s: %w", server, err)
			}
			targets[i] = ap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return targets, err
	}
	return targets, nil
}

// exchange sends a binding request to each target and collects the mapped
// addresses until both answered or the deadline passes. Unanswered requests
// are retransmitted with the same transaction ID.
func exchange(conn PacketConn, targets []netip.AddrPort, deadline time.Time) ([]netip.AddrPort, error) {
	mapped := make([]netip.AddrPort, len(targets))

	requests := make([]*stun.Message, len(targets))
	for i := range requests {
		m, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
		if err != nil {
			return mapped, fmt.Errorf("failed to build binding request: %w", err)
		}
		requests[i] = m
	}

	buf := make([]byte, 1500)
	answered := 0
	for answered < len(targets) {
		now := time.Now()
		if !now.Before(deadline) {
			break
		}
		for i, req := range requests {
			if mapped[i].IsValid() {
				continue
			}
			if _, err := conn.WriteTo(req.Raw, targets[i]); err != nil {
				return mapped, fmt.Errorf("failed to send binding request: %w", err)
			}
		}

		wait := now.Add(retransmitBackoff)
		if wait.After(deadline) {
			wait = deadline
		}
		if err := conn.SetReadDeadline(wait); err != nil {
			return mapped, fmt.Errorf("failed to set read deadline: %w", err)
		}

		for {
			n, _, err := conn.ReadFrom(buf)
			if err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					break
				}
				return mapped, fmt.Errorf("failed to read binding response: %w", err)
			}

			idx, addr, ok := matchResponse(buf[:n], requests)
			if !ok || mapped[idx].IsValid() {
				continue
			}
			mapped[idx] = addr
			answered++
			if answered == len(targets) {
				break
			}
		}
	}
	return mapped, nil
}

// matchResponse decodes a binding success response and returns the index of
// the request it answers along with the reflexive address.
func matchResponse(raw []byte, requests []*stun.Message) (int, netip.AddrPort, bool) {
	if !stun.IsMessage(raw) {
		return 0, netip.AddrPort{}, false
	}
	m := &stun.Message{Raw: append([]byte(nil), raw...)}
	if err := m.Decode(); err != nil {
		return 0, netip.AddrPort{}, false
	}
	if m.Type != stun.BindingSuccess {
		return 0, netip.AddrPort{}, false
	}

	idx := -1
	for i, req := range requests {
		if req.TransactionID == m.TransactionID {
			idx = i
		}
	}
	if idx < 0 {
		return 0, netip.AddrPort{}, false
	}

	var ip net.IP
	var port int
	var xor stun.XORMappedAddress
	if err := xor.GetFrom(m); err == nil {
		ip, port = xor.IP, xor.Port
	} else {
		var plain stun.MappedAddress
		if err := plain.GetFrom(m); err != nil {
			return 0, netip.AddrPort{}, false
		}
		ip, port = plain.IP, plain.Port
	}

	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return 0, netip.AddrPort{}, false
	}
	return idx, netip.AddrPortFrom(addr.Unmap(), uint16(port)), true
}

// Classify maps the two observed reflexive addresses to a NAT class and the
// external address to report. Invalid entries mean the server never answered.
func Classify(mapped [2]netip.AddrPort) (types.NATClass, netip.AddrPort, error) {
	first, second := mapped[0], mapped[1]
	switch {
	case !first.IsValid() && !second.IsValid():
		return types.NATUnknown, netip.AddrPort{}, ErrNoResponse
	case !first.IsValid():
		return types.NATUnknown, second, nil
	case !second.IsValid():
		return types.NATUnknown, first, nil
	case first == second:
		return types.NATCone, first, nil
	default:
		return types.NATSymmetric, first, nil
	}
}

// ConeClass maps the filtering checks of a cone mapping to its sub-type.
// unsolicited means an endpoint never contacted got through; sameAddress
// means one got through after its address, but not its port, was contacted.
func ConeClass(unsolicited, sameAddress bool) types.NATClass {
	switch {
	case unsolicited:
		return types.NATFullCone
	case sameAddress:
		return types.NATRestrictedCone
	default:
		return types.NATPortRestrictedCone
	}
}
