package addressing

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Resolver turns textual proxy endpoints into IPv4 socket addresses.
type Resolver struct {
	// LookupHost resolves a host name. Defaults to net.DefaultResolver.
	LookupHost func(ctx context.Context, host string) ([]string, error)
}

// NewResolver creates a resolver backed by the system resolver.
func NewResolver() *Resolver {
	return &Resolver{LookupHost: net.DefaultResolver.LookupHost}
}

// ResolveIP parses host as an IPv4 literal, falling back to DNS and keeping
// the first IPv4 answer.
func (r *Resolver) ResolveIP(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		if !addr.Is4() && !addr.Is4In6() {
			return netip.Addr{}, fmt.Errorf("address %q is not IPv4", host)
		}
		return addr.Unmap(), nil
	}

	lookup := r.LookupHost
	if lookup == nil {
		lookup = net.DefaultResolver.LookupHost
	}
	answers, err := lookup(ctx, host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to resolve %q: %w", host, err)
	}
	for _, a := range answers {
		addr, err := netip.ParseAddr(a)
		if err == nil && (addr.Is4() || addr.Is4In6()) {
			return addr.Unmap(), nil
		}
	}
	return netip.Addr{}, fmt.Errorf("no IPv4 address found for %q", host)
}

// Resolve parses a "host:port" endpoint. The host part ends at the last colon.
func (r *Resolver) Resolve(ctx context.Context, endpoint string) (netip.AddrPort, error) {
	idx := strings.LastIndex(endpoint, ":")
	if idx < 0 {
		return netip.AddrPort{}, fmt.Errorf("invalid endpoint %q: missing port", endpoint)
	}
	host, portStr := endpoint[:idx], endpoint[idx+1:]

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid port in %q: %w", endpoint, err)
	}

	addr, err := r.ResolveIP(ctx, host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addr, uint16(port)), nil
}

// LocalEndpoint picks an unused loopback TCP port.
func (r *Resolver) LocalEndpoint() (netip.AddrPort, error) {
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to pick a local port: %w", err)
	}
	defer l.Close()

	ap, err := netip.ParseAddrPort(l.Addr().String())
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to parse local address: %w", err)
	}
	return ap, nil
}
