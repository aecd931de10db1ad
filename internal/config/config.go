package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"socksbridge/pkg/types"
)

// Config holds all configuration for socksbridge.
type Config struct {
	Interface InterfaceConfig `yaml:"interface" mapstructure:"interface"`
	Device    DeviceConfig    `yaml:"device"    mapstructure:"device"`
	Proxy     ProxyConfig     `yaml:"proxy"     mapstructure:"proxy"`
	NAT       NATConfig       `yaml:"nat"       mapstructure:"nat"`
	Probe     ProbeConfig     `yaml:"probe"     mapstructure:"probe"`
	Timing    TimingConfig    `yaml:"timing"    mapstructure:"timing"`
	Redirect  RedirectConfig  `yaml:"redirect"  mapstructure:"redirect"`
	Control   ControlConfig   `yaml:"control"   mapstructure:"control"`
	Logging   LoggingConfig   `yaml:"logging"   mapstructure:"logging"`
	Stats     StatsConfig     `yaml:"stats"     mapstructure:"stats"`
}

type InterfaceConfig struct {
	Name string `yaml:"name" mapstructure:"name"`
	MTU  int    `yaml:"mtu"  mapstructure:"mtu"`
}

type DeviceConfig struct {
	Preset  string `yaml:"preset"  mapstructure:"preset"`
	Source  string `yaml:"source"  mapstructure:"source"`
	Publish string `yaml:"publish" mapstructure:"publish"`
}

type ProxyConfig struct {
	Destination    string `yaml:"destination"    mapstructure:"destination"`
	Authentication bool   `yaml:"authentication" mapstructure:"authentication"`
	Username       string `yaml:"username"       mapstructure:"username"`
	Password       string `yaml:"password"       mapstructure:"password"`
	Tunnel         string `yaml:"tunnel"         mapstructure:"tunnel"`
}

type NATConfig struct {
	Servers   []string `yaml:"servers"    mapstructure:"servers"`
	TimeoutMs int      `yaml:"timeout_ms" mapstructure:"timeout_ms"`
}

type ProbeConfig struct {
	Mode       string `yaml:"mode"        mapstructure:"mode"`
	Target     string `yaml:"target"      mapstructure:"target"`
	Host       string `yaml:"host"        mapstructure:"host"`
	IntervalMs int    `yaml:"interval_ms" mapstructure:"interval_ms"`
	TimeoutMs  int    `yaml:"timeout_ms"  mapstructure:"timeout_ms"`
}

type TimingConfig struct {
	SettleDelayMs int `yaml:"settle_delay_ms" mapstructure:"settle_delay_ms"`
}

type RedirectConfig struct {
	DumpFile          string `yaml:"dump_file"            mapstructure:"dump_file"`
	UDPIdleTimeoutSec int    `yaml:"udp_idle_timeout_sec" mapstructure:"udp_idle_timeout_sec"`
}

type ControlConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Listen  string `yaml:"listen"  mapstructure:"listen"`
}

type LoggingConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	File  string `yaml:"file"  mapstructure:"file"`
}

type StatsConfig struct {
	Enabled           bool   `yaml:"enabled"             mapstructure:"enabled"`
	PollIntervalMs    int    `yaml:"poll_interval_ms"    mapstructure:"poll_interval_ms"`
	ReportIntervalSec int    `yaml:"report_interval_sec" mapstructure:"report_interval_sec"`
	ExportFile        string `yaml:"export_file"         mapstructure:"export_file"`
}

// SetDefaults configures default values for the configuration.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("device.preset", "block10")
	v.SetDefault("proxy.authentication", false)
	v.SetDefault("nat.servers", []string{"stun.l.google.com:19302", "stun1.l.google.com:19302"})
	v.SetDefault("nat.timeout_ms", 3000)
	v.SetDefault("probe.mode", "dns")
	v.SetDefault("probe.target", "8.8.8.8:53")
	v.SetDefault("probe.host", "www.google.com")
	v.SetDefault("probe.interval_ms", 1000)
	v.SetDefault("probe.timeout_ms", 3000)
	v.SetDefault("timing.settle_delay_ms", 1000)
	v.SetDefault("redirect.udp_idle_timeout_sec", 60)
	v.SetDefault("control.enabled", true)
	v.SetDefault("control.listen", "127.0.0.1:7878")
	v.SetDefault("logging.level", "info")
	v.SetDefault("stats.enabled", true)
	v.SetDefault("stats.poll_interval_ms", 1000)
	v.SetDefault("stats.report_interval_sec", 10)
}

// Load reads configuration from a YAML file and returns a Config.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadWithViper reads configuration using an existing viper instance (for CLI flag binding).
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Session converts the configuration into the input of a session start.
func (c *Config) Session() (types.SessionConfig, error) {
	preset, err := types.ParsePreset(c.Device.Preset)
	if err != nil {
		return types.SessionConfig{}, err
	}

	sc := types.SessionConfig{
		Interface:   c.Interface.Name,
		MTU:         c.Interface.MTU,
		Preset:      preset,
		Source:      c.Device.Source,
		Publish:     c.Device.Publish,
		Destination: c.Proxy.Destination,
		Tunnel:      c.Proxy.Tunnel,
	}
	if c.Proxy.Authentication {
		sc.Credentials = &types.Credentials{
			Username: c.Proxy.Username,
			Password: c.Proxy.Password,
		}
	}
	return sc, nil
}

// NATTimeout returns the classification timeout.
func (c *Config) NATTimeout() time.Duration {
	return time.Duration(c.NAT.TimeoutMs) * time.Millisecond
}

// SettleDelay returns the wait after starting a tunnel.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Timing.SettleDelayMs) * time.Millisecond
}

// PollInterval returns the status polling period of the run loop.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Stats.PollIntervalMs) * time.Millisecond
}

// TunnelLogLevel maps logging.level onto the tunnel's log levels.
func (c *Config) TunnelLogLevel() string {
	switch c.Logging.Level {
	case "debug":
		return "debug"
	case "info":
		return "info"
	case "error":
		return "error"
	default:
		return "warning"
	}
}

// Summary returns a human-readable summary of the configuration.
func (c *Config) Summary() string {
	iface := c.Interface.Name
	if iface == "" {
		iface = "(not set)"
	}
	mtu := "from interface"
	if c.Interface.MTU > 0 {
		mtu = fmt.Sprintf("%d", c.Interface.MTU)
	}
	device := c.Device.Preset
	if strings.EqualFold(c.Device.Preset, "custom") {
		device = fmt.Sprintf("custom source=%s publish=%s", c.Device.Source, orDefault(c.Device.Publish, "interface"))
	}
	tunnel := "disabled"
	if strings.TrimSpace(c.Proxy.Tunnel) != "" {
		tunnel = strings.SplitN(c.Proxy.Tunnel, "://", 2)[0]
	}

	var sb strings.Builder
	sb.WriteString("Configuration:\n")
	sb.WriteString(fmt.Sprintf("  Interface:     %s (MTU %s)\n", iface, mtu))
	sb.WriteString(fmt.Sprintf("  Device:        %s\n", device))
	sb.WriteString(fmt.Sprintf("  Proxy:         %s (auth=%v)\n", orDefault(c.Proxy.Destination, "(tunnel)"), c.Proxy.Authentication))
	sb.WriteString(fmt.Sprintf("  Tunnel:        %s\n", tunnel))
	sb.WriteString(fmt.Sprintf("  STUN:          %s (timeout %dms)\n", strings.Join(c.NAT.Servers, ", "), c.NAT.TimeoutMs))
	sb.WriteString(fmt.Sprintf("  Probe:         %s %s every %dms\n", c.Probe.Mode, c.Probe.Target, c.Probe.IntervalMs))
	sb.WriteString(fmt.Sprintf("  UDP Idle:      %ds\n", c.Redirect.UDPIdleTimeoutSec))
	if c.Control.Enabled {
		sb.WriteString(fmt.Sprintf("  Control API:   %s\n", c.Control.Listen))
	}
	return sb.String()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
