package socks

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"

	"socksbridge/pkg/types"
)

// SOCKS5 protocol constants (RFC 1928, RFC 1929).
const (
	Version = 0x05

	AuthNone         = 0x00
	AuthUserPassword = 0x02
	AuthNoAcceptable = 0xFF

	CmdConnect      = 0x01
	CmdUDPAssociate = 0x03

	AtypIPv4   = 0x01
	AtypDomain = 0x03
	AtypIPv6   = 0x04

	RepSucceeded = 0x00

	UserPassVersion   = 0x01
	UserPassSucceeded = 0x00
)

// ErrAuthRejected is returned when the proxy refuses the credentials or
// offers no acceptable method.
var ErrAuthRejected = errors.New("proxy rejected authentication")

// Handshake negotiates the authentication method. Username/password is
// offered only when creds is non-nil.
func Handshake(conn net.Conn, creds *types.Credentials) error {
	methods := []byte{AuthNone}
	if creds != nil {
		methods = append(methods, AuthUserPassword)
	}

	greeting := make([]byte, 2+len(methods))
	greeting[0] = Version
	greeting[1] = byte(len(methods))
	copy(greeting[2:], methods)

	if _, err := conn.Write(greeting); err != nil {
		return fmt.Errorf("failed to send greeting: %w", err)
	}

	reply := make([]byte, 2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return fmt.Errorf("failed to read auth method: %w", err)
	}
	if reply[0] != Version {
		return fmt.Errorf("invalid SOCKS version %d", reply[0])
	}

	switch reply[1] {
	case AuthNone:
		return nil
	case AuthUserPassword:
		if creds == nil {
			return fmt.Errorf("%w: credentials required", ErrAuthRejected)
		}
		return userPassAuth(conn, creds)
	case AuthNoAcceptable:
		return fmt.Errorf("%w: no acceptable method", ErrAuthRejected)
	default:
		return fmt.Errorf("unsupported auth method %d", reply[1])
	}
}

func userPassAuth(conn net.Conn, creds *types.Credentials) error {
	uLen, pLen := len(creds.Username), len(creds.Password)
	if uLen == 0 || uLen > 255 || pLen > 255 {
		return fmt.Errorf("username or password length out of range")
	}

	msg := make([]byte, 0, 3+uLen+pLen)
	msg = append(msg, UserPassVersion, byte(uLen))
	msg = append(msg, creds.Username...)
	msg = append(msg, byte(pLen))
	msg = append(msg, creds.Password...)

	if _, err := conn.Write(msg); err != nil {
		return fmt.Errorf("failed to send credentials: %w", err)
	}

	reply := make([]byte, 2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return fmt.Errorf("failed to read auth reply: %w", err)
	}
	if reply[1] != UserPassSucceeded {
		return fmt.Errorf("%w: status %d", ErrAuthRejected, reply[1])
	}
	return nil
}

// Request sends a command for dst and returns the bound address from the reply.
func Request(conn net.Conn, cmd byte, dst netip.AddrPort) (netip.AddrPort, error) {
	req := append([]byte{Version, cmd, 0x00}, AppendAddr(nil, dst)...)
	if _, err := conn.Write(req); err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to send request: %w", err)
	}
	return ReadReply(conn)
}

// ReadReply reads a command reply and returns BND.ADDR:BND.PORT.
// Domain-typed bound addresses are not supported.
func ReadReply(r io.Reader) (netip.AddrPort, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to read reply header: %w", err)
	}
	if header[0] != Version {
		return netip.AddrPort{}, fmt.Errorf("invalid SOCKS version %d", header[0])
	}
	if header[1] != RepSucceeded {
		return netip.AddrPort{}, fmt.Errorf("proxy replied with code %d", header[1])
	}

	var addrLen int
	switch header[3] {
	case AtypIPv4:
		addrLen = 4
	case AtypIPv6:
		addrLen = 16
	default:
		return netip.AddrPort{}, fmt.Errorf("unsupported bound address type %d", header[3])
	}

	buf := make([]byte, addrLen+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to read bound address: %w", err)
	}
	addr, _ := netip.AddrFromSlice(buf[:addrLen])
	port := binary.BigEndian.Uint16(buf[addrLen:])
	return netip.AddrPortFrom(addr.Unmap(), port), nil
}

// AppendAddr appends ATYP, address and port of ap to b.
func AppendAddr(b []byte, ap netip.AddrPort) []byte {
	addr := ap.Addr().Unmap()
	if addr.Is4() {
		a4 := addr.As4()
		b = append(b, AtypIPv4)
		b = append(b, a4[:]...)
	} else {
		a16 := addr.As16()
		b = append(b, AtypIPv6)
		b = append(b, a16[:]...)
	}
	return binary.BigEndian.AppendUint16(b, ap.Port())
}
