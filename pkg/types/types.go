package types

import (
	"fmt"
	"strings"
)

// LatencyUnknown marks a failed latency probe. Zero means not measured yet.
const LatencyUnknown int64 = -1

// Preset selects how device addressing is derived.
type Preset int

const (
	// PresetCustom takes the source network and publish address from configuration.
	PresetCustom Preset = iota
	// PresetBlock10 uses the fixed 10.6.0.0 private block.
	PresetBlock10
	// PresetBlock172 derives 172.24.x.y addressing from the interface address.
	PresetBlock172
)

var presetNames = []string{"custom", "block10", "block172"}

// String returns the configuration name of the preset.
func (p Preset) String() string {
	if int(p) >= 0 && int(p) < len(presetNames) {
		return presetNames[p]
	}
	return fmt.Sprintf("Preset(%d)", int(p))
}

// ParsePreset converts a configuration name into a Preset.
func ParsePreset(s string) (Preset, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range presetNames {
		if n == name {
			return Preset(i), nil
		}
	}
	return PresetCustom, fmt.Errorf("unknown preset %q", s)
}

// NATClass is the NAT behaviour observed through the proxy.
type NATClass string

// NAT classes. NATCone is a cone mapping whose filtering was not tested.
const (
	NATUnknown            NATClass = "unknown"
	NATCone               NATClass = "cone"
	NATFullCone           NATClass = "full-cone"
	NATRestrictedCone     NATClass = "restricted-cone"
	NATPortRestrictedCone NATClass = "port-restricted-cone"
	NATSymmetric          NATClass = "symmetric"
)

// Credentials holds SOCKS5 username/password authentication.
type Credentials struct {
	Username string
	Password string
}

// SessionConfig is the immutable input of a single session start.
type SessionConfig struct {
	Interface   string // interface name or "name (alias)" label
	MTU         int    // 0 = read from interface
	Preset      Preset
	Source      string // CIDR, custom preset only
	Publish     string // IPv4 or empty, custom preset only
	Destination string // SOCKS5 proxy host:port
	Credentials *Credentials
	Tunnel      string // tunnel descriptor, empty disables the tunnel
}

// HasTunnel reports whether the session runs through a local tunnel.
func (c SessionConfig) HasTunnel() bool {
	return strings.TrimSpace(c.Tunnel) != ""
}

// Snapshot is the result of polling the session status.
type Snapshot struct {
	Running         bool   `json:"running"`
	LatencyMillis   int64  `json:"latency_ms"`
	UploadBytes     uint64 `json:"upload_bytes"`
	UploadPackets   uint64 `json:"upload_packets"`
	DownloadBytes   uint64 `json:"download_bytes"`
	DownloadPackets uint64 `json:"download_packets"`
}

// TestResult holds the outcome of a NAT classification run.
type TestResult struct {
	NAT          NATClass `json:"nat"`
	ExternalAddr string   `json:"external_addr,omitempty"`
}

// SessionResult describes a started session.
type SessionResult struct {
	NAT          NATClass `json:"nat"`
	ExternalAddr string   `json:"external_addr,omitempty"`
	DeviceRange  string   `json:"device_range"`
	Mask         string   `json:"mask"`
	Gateway      string   `json:"gateway"`
	MTU          int      `json:"mtu"`
	Proxy        string   `json:"proxy"`
}
