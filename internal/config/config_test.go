package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socksbridge/pkg/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load(writeConfig(t, `
interface:
  name: eth0
proxy:
  destination: proxy.example.net:1080
`))
	require.NoError(t, err)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "block10", cfg.Device.Preset)
	assert.Equal(t, []string{"stun.l.google.com:19302", "stun1.l.google.com:19302"}, cfg.NAT.Servers)
	assert.Equal(t, 3000, cfg.NAT.TimeoutMs)
	assert.Equal(t, "dns", cfg.Probe.Mode)
	assert.Equal(t, "8.8.8.8:53", cfg.Probe.Target)
	assert.Equal(t, 1000, cfg.Timing.SettleDelayMs)
	assert.Equal(t, 60, cfg.Redirect.UDPIdleTimeoutSec)
	assert.True(t, cfg.Control.Enabled)
	assert.Equal(t, "127.0.0.1:7878", cfg.Control.Listen)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 1000, cfg.Stats.PollIntervalMs)

	assert.Equal(t, 3*time.Second, cfg.NATTimeout())
	assert.Equal(t, time.Second, cfg.SettleDelay())
	assert.Equal(t, time.Second, cfg.PollInterval())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
interface:
  name: "eth1 (USB Ethernet)"
  mtu: 1400
device:
  preset: custom
  source: 192.168.50.0/24
  publish: 192.168.50.1
proxy:
  destination: 203.0.113.5:1080
  authentication: true
  username: alice
  password: secret
nat:
  servers: ["stun.a.example:3478", "stun.b.example:3478", "stun.c.example:3478"]
probe:
  mode: tcp
  target: 1.1.1.1:443
logging:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "eth1 (USB Ethernet)", cfg.Interface.Name)
	assert.Equal(t, 1400, cfg.Interface.MTU)
	assert.Len(t, cfg.NAT.Servers, 3)
	assert.Equal(t, "tcp", cfg.Probe.Mode)
	assert.Equal(t, 1000, cfg.Probe.IntervalMs)
	assert.Equal(t, "debug", cfg.TunnelLogLevel())

	sc, err := cfg.Session()
	require.NoError(t, err)
	assert.Equal(t, types.PresetCustom, sc.Preset)
	assert.Equal(t, "192.168.50.0/24", sc.Source)
	assert.Equal(t, "192.168.50.1", sc.Publish)
	assert.Equal(t, 1400, sc.MTU)
	require.NotNil(t, sc.Credentials)
	assert.Equal(t, "alice", sc.Credentials.Username)
	assert.Equal(t, "secret", sc.Credentials.Password)
	assert.False(t, sc.HasTunnel())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadWithViper_Overrides(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("proxy.tunnel", "ss://YWVzLTI1Ni1nY206cHc@198.51.100.1:8388")
	v.Set("device.preset", "block172")

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	sc, err := cfg.Session()
	require.NoError(t, err)
	assert.Equal(t, types.PresetBlock172, sc.Preset)
	assert.True(t, sc.HasTunnel())
	assert.Nil(t, sc.Credentials)
}

func TestConfig_SessionRejectsUnknownPreset(t *testing.T) {
	cfg := validConfig(t)
	cfg.Device.Preset = "block192"
	_, err := cfg.Session()
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, validConfig(t).Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing interface", func(c *Config) { c.Interface.Name = "" }, "interface.name"},
		{"negative mtu", func(c *Config) { c.Interface.MTU = -1 }, "interface.mtu"},
		{"unknown preset", func(c *Config) { c.Device.Preset = "home" }, "device.preset"},
		{"custom without source", func(c *Config) { c.Device.Preset = "custom" }, "device.source must be specified"},
		{"custom ipv6 source", func(c *Config) {
			c.Device.Preset = "custom"
			c.Device.Source = "fd00::/64"
		}, "device.source must be an IPv4 CIDR"},
		{"custom bad publish", func(c *Config) {
			c.Device.Preset = "custom"
			c.Device.Source = "10.0.0.0/24"
			c.Device.Publish = "gateway"
		}, "device.publish"},
		{"no destination", func(c *Config) { c.Proxy.Destination = "" }, "proxy.destination must be specified"},
		{"destination without port", func(c *Config) { c.Proxy.Destination = "proxy.example.net" }, "proxy.destination"},
		{"auth without username", func(c *Config) { c.Proxy.Authentication = true }, "proxy.username"},
		{"one stun server", func(c *Config) { c.NAT.Servers = []string{"stun.l.google.com:19302"} }, "at least 2"},
		{"bad stun server", func(c *Config) { c.NAT.Servers = []string{"a:1", "b:0"} }, "nat.servers entry"},
		{"zero nat timeout", func(c *Config) { c.NAT.TimeoutMs = 0 }, "nat.timeout_ms"},
		{"bad probe mode", func(c *Config) { c.Probe.Mode = "icmp" }, "probe.mode"},
		{"bad probe target", func(c *Config) { c.Probe.Target = "8.8.8.8" }, "probe.target"},
		{"zero probe interval", func(c *Config) { c.Probe.IntervalMs = 0 }, "probe.interval_ms"},
		{"negative settle delay", func(c *Config) { c.Timing.SettleDelayMs = -1 }, "timing.settle_delay_ms"},
		{"zero idle timeout", func(c *Config) { c.Redirect.UDPIdleTimeoutSec = 0 }, "redirect.udp_idle_timeout_sec"},
		{"bad control listen", func(c *Config) { c.Control.Listen = "7878" }, "control.listen"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"zero poll interval", func(c *Config) { c.Stats.PollIntervalMs = 0 }, "stats.poll_interval_ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfig_ValidateTunnelWithoutDestination(t *testing.T) {
	cfg := validConfig(t)
	cfg.Proxy.Destination = ""
	cfg.Proxy.Tunnel = "vless://id@198.51.100.1:443"
	assert.NoError(t, cfg.Validate())
}

func TestConfig_ValidateTestIgnoresCaptureSettings(t *testing.T) {
	cfg := validConfig(t)
	cfg.Interface.Name = ""
	cfg.Device.Preset = "custom"
	assert.NoError(t, cfg.ValidateTest())
	assert.Error(t, cfg.Validate())
	assert.Equal(t, "custom", cfg.Device.Preset)
}

func TestConfig_ValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig(t)
	cfg.Interface.Name = ""
	cfg.Logging.Level = "loud"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interface.name")
	assert.Contains(t, err.Error(), "logging.level")
}

func TestConfig_Summary(t *testing.T) {
	cfg := validConfig(t)
	cfg.Proxy.Tunnel = "ss://secret@198.51.100.1:8388"
	s := cfg.Summary()

	assert.Contains(t, s, "eth0 (MTU from interface)")
	assert.Contains(t, s, "proxy.example.net:1080")
	assert.Contains(t, s, "Tunnel:        ss\n")
	assert.NotContains(t, s, "secret")
	assert.Contains(t, s, "127.0.0.1:7878")
}
