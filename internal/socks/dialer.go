package socks

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/proxy"

	"socksbridge/pkg/types"
)

// NewDialer returns a context-aware TCP dialer that connects through the proxy.
func NewDialer(server netip.AddrPort, creds *types.Credentials) (proxy.ContextDialer, error) {
	var auth *proxy.Auth
	if creds != nil {
		auth = &proxy.Auth{User: creds.Username, Password: creds.Password}
	}

	d, err := proxy.SOCKS5("tcp", server.String(), auth, &net.Dialer{Timeout: DefaultDialTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return contextDialer{d}, nil
	}
	return cd, nil
}

type contextDialer struct {
	proxy.Dialer
}

func (c contextDialer) DialContext(_ context.Context, network, addr string) (net.Conn, error) {
	return c.Dial(network, addr)
}
