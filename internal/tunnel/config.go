package tunnel

import (
	"encoding/json"
	"fmt"
	"net/netip"
)

const (
	inboundTag  = "socks-in"
	outboundTag = "tunnel-out"
)

// BuildConfig builds the xray-core JSON configuration: a SOCKS5 inbound on
// local (no authentication, UDP enabled) and the parsed outbound.
func BuildConfig(out *Outbound, local netip.AddrPort, logLevel string) ([]byte, error) {
	if !local.IsValid() {
		return nil, fmt.Errorf("invalid local endpoint")
	}
	if logLevel == "" {
		logLevel = "warning"
	}

	outbound, err := buildOutbound(out)
	if err != nil {
		return nil, err
	}

	cfg := map[string]any{
		"log": map[string]any{
			"loglevel": logLevel,
		},
		"inbounds": []map[string]any{
			{
				"tag":      inboundTag,
				"listen":   local.Addr().String(),
				"port":     local.Port(),
				"protocol": "socks",
				"settings": map[string]any{
					"auth": "noauth",
					"udp":  true,
					"ip":   local.Addr().String(),
				},
			},
		},
		"outbounds": []map[string]any{outbound},
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal xray config: %w", err)
	}
	return data, nil
}

func buildOutbound(out *Outbound) (map[string]any, error) {
	switch out.Protocol {
	case ProtocolShadowsocks:
		return map[string]any{
			"tag":      outboundTag,
			"protocol": "shadowsocks",
			"settings": map[string]any{
				"servers": []map[string]any{
					{
						"address":  out.Address,
						"port":     out.Port,
						"method":   out.Method,
						"password": out.Password,
					},
				},
			},
		}, nil
	case ProtocolVLESS:
		return buildVLESSOutbound(out), nil
	default:
		return nil, fmt.Errorf("unsupported tunnel protocol %q", out.Protocol)
	}
}

func buildVLESSOutbound(out *Outbound) map[string]any {
	user := map[string]any{
		"id":         out.UUID,
		"encryption": out.Encryption,
	}
	if out.Flow != "" {
		user["flow"] = out.Flow
	}

	stream := map[string]any{
		"network":  out.Network,
		"security": out.Security,
	}

	switch out.Security {
	case "reality":
		fp := out.Fingerprint
		if fp == "" {
			fp = "chrome"
		}
		stream["realitySettings"] = map[string]any{
			"show":        false,
			"fingerprint": fp,
			"serverName":  out.SNI,
			"publicKey":   out.PublicKey,
			"shortId":     out.ShortID,
			"spiderX":     out.SpiderX,
		}
	case "tls":
		tls := map[string]any{"allowInsecure": out.AllowInsecure}
		if out.SNI != "" {
			tls["serverName"] = out.SNI
		}
		if out.Fingerprint != "" {
			tls["fingerprint"] = out.Fingerprint
		}
		stream["tlsSettings"] = tls
	}

	switch out.Network {
	case "ws":
		ws := map[string]any{"path": out.Path}
		if out.Host != "" {
			ws["headers"] = map[string]string{"Host": out.Host}
		}
		stream["wsSettings"] = ws
	case "grpc":
		stream["grpcSettings"] = map[string]any{"serviceName": out.ServiceName}
	}

	return map[string]any{
		"tag":      outboundTag,
		"protocol": "vless",
		"settings": map[string]any{
			"vnext": []map[string]any{
				{
					"address": out.Address,
					"port":    out.Port,
					"users":   []map[string]any{user},
				},
			},
		},
		"streamSettings": stream,
	}
}
