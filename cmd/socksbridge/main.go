package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"socksbridge/internal/config"
)

var (
	version = "1.0.0"
	cfgFile string
)

// flagBinding maps a CLI flag onto a configuration key.
type flagBinding struct {
	flag string
	key  string
}

var sessionFlags = []flagBinding{
	{"interface", "interface.name"},
	{"mtu", "interface.mtu"},
	{"preset", "device.preset"},
	{"source", "device.source"},
	{"publish", "device.publish"},
	{"proxy", "proxy.destination"},
	{"username", "proxy.username"},
	{"password", "proxy.password"},
	{"tunnel", "proxy.tunnel"},
	{"stun", "nat.servers"},
	{"nat-timeout", "nat.timeout_ms"},
	{"probe-mode", "probe.mode"},
	{"probe-target", "probe.target"},
	{"dump", "redirect.dump_file"},
	{"control-listen", "control.listen"},
	{"stats-export", "stats.export_file"},
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "socksbridge",
		Short: "socksbridge - Relay a LAN device's traffic through a SOCKS5 proxy",
		Long: `A Go-based tool that classifies the NAT behaviour of a SOCKS5 proxy, optionally
starts a shadowsocks or VLESS tunnel, and redirects a game console's traffic
captured on a local interface through the proxy.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Configuration file and logging apply to every command
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Configuration file path (default: config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().String("log-file", "", "Write logs to this file")

	rootCmd.AddCommand(
		newInterfacesCmd(),
		newTestCmd(),
		newRunCmd(),
		newStatusCmd(),
		newStopCmd(),
		newConfigCmd(),
		newInspectCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// addSessionFlags registers the CLI overrides shared by test, run and config.
func addSessionFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("interface", "i", "", "Capture interface name or \"name (alias)\" label")
	f.Int("mtu", 0, "MTU override (0 = read from interface)")
	f.String("preset", "", "Device addressing preset (custom|block10|block172)")
	f.String("source", "", "Device network CIDR (custom preset)")
	f.String("publish", "", "Gateway address announced to the device (custom preset)")
	f.StringP("proxy", "p", "", "SOCKS5 proxy host:port")
	f.String("username", "", "SOCKS5 username (enables authentication)")
	f.String("password", "", "SOCKS5 password")
	f.String("tunnel", "", "Tunnel descriptor (ss://... or vless://...)")
	f.StringSlice("stun", nil, "STUN servers host:port (at least 2)")
	f.Int("nat-timeout", 0, "NAT classification timeout in ms")
	f.String("probe-mode", "", "Latency probe mode (dns|tcp)")
	f.String("probe-target", "", "Latency probe target host:port")
	f.String("dump", "", "Write captured and injected frames to this pcap file")
	f.String("control-listen", "", "Control API listen address")
	f.Bool("no-control", false, "Disable the control API")
	f.String("stats-export", "", "Export session statistics to this JSON file on exit")
}

// loadConfig reads the config file, applies changed CLI flags and sets up
// logging.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK if using CLI flags
		log.Debug("No config file found, using defaults and CLI flags")
	}

	bindViperFlags(v, cmd)

	cfg, err := config.LoadWithViper(v)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	setupLogging(cfg)
	return cfg, nil
}

// bindViperFlags overrides config values with the flags given on the command line.
func bindViperFlags(v *viper.Viper, cmd *cobra.Command) {
	flags := cmd.Flags()
	set := func(name, key string) {
		if !flags.Changed(name) {
			return
		}
		switch flags.Lookup(name).Value.Type() {
		case "int":
			val, _ := flags.GetInt(name)
			v.Set(key, val)
		case "stringSlice":
			val, _ := flags.GetStringSlice(name)
			v.Set(key, val)
		default:
			val, _ := flags.GetString(name)
			v.Set(key, val)
		}
	}

	set("log-level", "logging.level")
	set("log-file", "logging.file")
	for _, b := range sessionFlags {
		if flags.Lookup(b.flag) != nil {
			set(b.flag, b.key)
		}
	}

	if flags.Changed("username") {
		v.Set("proxy.authentication", true)
	}
	if noControl, _ := flags.GetBool("no-control"); noControl {
		v.Set("control.enabled", false)
	}
}

func setupLogging(cfg *config.Config) {
	level, err := log.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.WithError(err).Warn("Failed to open log file, using console only")
		} else {
			log.SetOutput(f)
		}
	}
}
