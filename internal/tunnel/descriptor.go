package tunnel

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Supported descriptor schemes.
const (
	ProtocolShadowsocks = "shadowsocks"
	ProtocolVLESS       = "vless"
)

// Outbound is a parsed tunnel descriptor.
type Outbound struct {
	Protocol string
	Address  string
	Port     int
	Name     string // share-link fragment, may be empty

	// shadowsocks
	Method   string
	Password string

	// vless
	UUID          string
	Flow          string
	Encryption    string
	Network       string // tcp, ws, grpc
	Security      string // none, tls, reality
	SNI           string
	Fingerprint   string
	PublicKey     string
	ShortID       string
	SpiderX       string
	Path          string
	Host          string
	ServiceName   string
	AllowInsecure bool
}

// Endpoint returns "address:port" of the tunnel server.
func (o *Outbound) Endpoint() string {
	return net.JoinHostPort(o.Address, strconv.Itoa(o.Port))
}

// ParseDescriptor parses an ss:// or vless:// share link.
func ParseDescriptor(s string) (*Outbound, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "ss://"):
		return parseShadowsocks(s)
	case strings.HasPrefix(s, "vless://"):
		return parseVLESS(s)
	default:
		return nil, fmt.Errorf("unsupported tunnel descriptor: expected ss:// or vless://")
	}
}

// parseShadowsocks accepts SIP002 links with base64 or plain userinfo, and
// the legacy form where everything after the scheme is base64.
func parseShadowsocks(s string) (*Outbound, error) {
	body := strings.TrimPrefix(s, "ss://")

	var name string
	if i := strings.IndexByte(body, '#'); i >= 0 {
		name, _ = url.PathUnescape(body[i+1:])
		body = body[:i]
	}

	if !strings.Contains(body, "@") {
		decoded, err := decodeBase64(strings.TrimSuffix(body, "/"))
		if err != nil {
			return nil, fmt.Errorf("invalid shadowsocks descriptor: %w", err)
		}
		body = decoded
	}

	at := strings.LastIndexByte(body, '@')
	if at < 0 {
		return nil, fmt.Errorf("invalid shadowsocks descriptor: missing server")
	}
	userinfo, hostport := body[:at], body[at+1:]
	if i := strings.IndexAny(hostport, "/?"); i >= 0 {
		hostport = hostport[:i]
	}

	if !strings.Contains(userinfo, ":") {
		decoded, err := decodeBase64(userinfo)
		if err != nil {
			return nil, fmt.Errorf("invalid shadowsocks userinfo: %w", err)
		}
		userinfo = decoded
	} else if unescaped, err := url.PathUnescape(userinfo); err == nil {
		userinfo = unescaped
	}

	method, password, ok := strings.Cut(userinfo, ":")
	if !ok || method == "" || password == "" {
		return nil, fmt.Errorf("invalid shadowsocks userinfo: expected method:password")
	}

	host, port, err := splitHostPort(hostport)
	if err != nil {
		return nil, err
	}

	return &Outbound{
		Protocol: ProtocolShadowsocks,
		Address:  host,
		Port:     port,
		Name:     name,
		Method:   strings.ToLower(method),
		Password: password,
	}, nil
}

// parseVLESS parses vless://UUID@host:port?params#name.
func parseVLESS(s string) (*Outbound, error) {
	u, err := url.Parse("https" + s[len("vless"):])
	if err != nil {
		return nil, fmt.Errorf("invalid vless descriptor: %w", err)
	}

	uuid := u.User.Username()
	if uuid == "" {
		return nil, fmt.Errorf("invalid vless descriptor: missing UUID")
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("invalid vless descriptor: missing host")
	}

	port := 443
	if p := u.Port(); p != "" {
		port, err = parsePort(p)
		if err != nil {
			return nil, err
		}
	}

	q := u.Query()
	out := &Outbound{
		Protocol:    ProtocolVLESS,
		Address:     u.Hostname(),
		Port:        port,
		Name:        u.Fragment,
		UUID:        uuid,
		Flow:        q.Get("flow"),
		Encryption:  q.Get("encryption"),
		Network:     q.Get("type"),
		Security:    q.Get("security"),
		SNI:         q.Get("sni"),
		Fingerprint: q.Get("fp"),
		PublicKey:   q.Get("pbk"),
		ShortID:     q.Get("sid"),
		SpiderX:     q.Get("spx"),
		Path:        q.Get("path"),
		Host:        q.Get("host"),
		ServiceName: q.Get("serviceName"),
	}
	out.AllowInsecure = q.Get("allowInsecure") == "1" || q.Get("allowInsecure") == "true"

	if out.Encryption == "" {
		out.Encryption = "none"
	}
	if out.Network == "" {
		out.Network = "tcp"
	}
	if out.Security == "" {
		out.Security = "none"
	}
	if out.Security == "reality" && out.PublicKey == "" {
		return nil, fmt.Errorf("invalid vless descriptor: reality requires pbk")
	}
	return out, nil
}

func splitHostPort(hostport string) (string, int, error) {
	host, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, fmt.Errorf("invalid server address %q: %w", hostport, err)
	}
	if host == "" {
		return "", 0, fmt.Errorf("invalid server address %q: missing host", hostport)
	}
	port, err := parsePort(p)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func parsePort(p string) (int, error) {
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", p)
	}
	return port, nil
}

// decodeBase64 accepts standard and URL-safe alphabets with or without padding.
func decodeBase64(s string) (string, error) {
	encodings := []*base64.Encoding{
		base64.RawURLEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.StdEncoding,
	}
	var lastErr error
	for _, enc := range encodings {
		b, err := enc.DecodeString(s)
		if err == nil {
			return string(b), nil
		}
		lastErr = err
	}
	return "", lastErr
}
