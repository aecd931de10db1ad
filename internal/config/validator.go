package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"socksbridge/pkg/types"
)

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	// Interface is required to capture device traffic
	if strings.TrimSpace(c.Interface.Name) == "" {
		errs = append(errs, "interface.name must be specified")
	}
	if c.Interface.MTU < 0 || c.Interface.MTU > 65535 {
		errs = append(errs, fmt.Sprintf("interface.mtu must be between 0 and 65535, got %d", c.Interface.MTU))
	}

	preset, err := types.ParsePreset(c.Device.Preset)
	if err != nil {
		errs = append(errs, fmt.Sprintf("device.preset must be one of custom/block10/block172, got %q", c.Device.Preset))
	} else if preset == types.PresetCustom {
		if c.Device.Source == "" {
			errs = append(errs, "device.source must be specified for the custom preset")
		} else if ip, _, err := net.ParseCIDR(c.Device.Source); err != nil || ip.To4() == nil {
			errs = append(errs, fmt.Sprintf("device.source must be an IPv4 CIDR, got %q", c.Device.Source))
		}
		if c.Device.Publish != "" {
			if ip := net.ParseIP(c.Device.Publish); ip == nil || ip.To4() == nil {
				errs = append(errs, fmt.Sprintf("device.publish must be an IPv4 address, got %q", c.Device.Publish))
			}
		}
	}

	// Either a proxy destination or a tunnel provides the SOCKS5 endpoint
	if strings.TrimSpace(c.Proxy.Tunnel) == "" {
		if c.Proxy.Destination == "" {
			errs = append(errs, "proxy.destination must be specified when no tunnel is configured")
		} else if err := validEndpoint(c.Proxy.Destination); err != nil {
			errs = append(errs, fmt.Sprintf("proxy.destination %v", err))
		}
	}
	if c.Proxy.Authentication {
		if c.Proxy.Username == "" || len(c.Proxy.Username) > 255 {
			errs = append(errs, "proxy.username must be 1-255 bytes when authentication is enabled")
		}
		if len(c.Proxy.Password) > 255 {
			errs = append(errs, "proxy.password must be at most 255 bytes")
		}
	}

	// Classification compares the mappings of two servers
	if len(c.NAT.Servers) < 2 {
		errs = append(errs, fmt.Sprintf("nat.servers must list at least 2 STUN servers, got %d", len(c.NAT.Servers)))
	}
	for _, s := range c.NAT.Servers {
		if err := validEndpoint(s); err != nil {
			errs = append(errs, fmt.Sprintf("nat.servers entry %v", err))
		}
	}
	if c.NAT.TimeoutMs <= 0 {
		errs = append(errs, "nat.timeout_ms must be > 0")
	}

	if c.Probe.Mode != "dns" && c.Probe.Mode != "tcp" {
		errs = append(errs, fmt.Sprintf("probe.mode must be 'dns' or 'tcp', got %q", c.Probe.Mode))
	}
	if err := validEndpoint(c.Probe.Target); err != nil {
		errs = append(errs, fmt.Sprintf("probe.target %v", err))
	}
	if c.Probe.IntervalMs <= 0 {
		errs = append(errs, "probe.interval_ms must be > 0")
	}
	if c.Probe.TimeoutMs <= 0 {
		errs = append(errs, "probe.timeout_ms must be > 0")
	}

	if c.Timing.SettleDelayMs < 0 {
		errs = append(errs, "timing.settle_delay_ms must be >= 0")
	}
	if c.Redirect.UDPIdleTimeoutSec <= 0 {
		errs = append(errs, "redirect.udp_idle_timeout_sec must be > 0")
	}

	if c.Control.Enabled {
		if _, _, err := net.SplitHostPort(c.Control.Listen); err != nil {
			errs = append(errs, fmt.Sprintf("control.listen must be host:port, got %q", c.Control.Listen))
		}
	}

	// Log level must be valid
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Sprintf("logging.level must be one of debug/info/warn/error, got %q", c.Logging.Level))
	}

	if c.Stats.PollIntervalMs <= 0 {
		errs = append(errs, "stats.poll_interval_ms must be > 0")
	}
	if c.Stats.ReportIntervalSec < 0 {
		errs = append(errs, "stats.report_interval_sec must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ValidateTest checks only the settings a NAT test needs.
func (c *Config) ValidateTest() error {
	cfg := *c
	cfg.Interface.Name = "unused"
	cfg.Device.Preset = "block10"
	return cfg.Validate()
}

func validEndpoint(s string) error {
	host, port, err := net.SplitHostPort(s)
	if err != nil || host == "" {
		return fmt.Errorf("must be host:port, got %q", s)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %q", port)
	}
	return nil
}
