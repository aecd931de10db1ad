package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"socksbridge/internal/addressing"
	"socksbridge/internal/config"
	"socksbridge/internal/control"
	"socksbridge/internal/iface"
	"socksbridge/internal/nat"
	"socksbridge/internal/pcap"
	"socksbridge/internal/probe"
	"socksbridge/internal/redirect"
	"socksbridge/internal/session"
	"socksbridge/internal/stats"
	"socksbridge/internal/status"
	"socksbridge/internal/tunnel"
)

// newOrchestrator wires the production collaborators.
func newOrchestrator(cfg *config.Config, st *status.Status) (*session.Orchestrator, error) {
	resolver := addressing.NewResolver()

	classifier, err := nat.NewClassifier(cfg.NAT.Servers, cfg.NATTimeout(), resolver)
	if err != nil {
		return nil, fmt.Errorf("failed to create NAT classifier: %w", err)
	}

	prober, err := probe.New(probe.Config{
		Mode:     cfg.Probe.Mode,
		Target:   cfg.Probe.Target,
		Host:     cfg.Probe.Host,
		Interval: time.Duration(cfg.Probe.IntervalMs) * time.Millisecond,
		Timeout:  time.Duration(cfg.Probe.TimeoutMs) * time.Millisecond,
	}, resolver)
	if err != nil {
		return nil, fmt.Errorf("failed to create latency prober: %w", err)
	}

	engine := redirect.NewEngine(redirect.Options{
		DumpFile:       cfg.Redirect.DumpFile,
		UDPIdleTimeout: time.Duration(cfg.Redirect.UDPIdleTimeoutSec) * time.Second,
	})

	deps := session.Dependencies{
		Resolver:   resolver,
		Interfaces: iface.NewLister(),
		Classifier: classifier,
		Tunnel:     tunnel.NewRunner(cfg.TunnelLogLevel()),
		Redirector: engine,
		Prober:     prober,
	}
	return session.NewOrchestrator(st, deps, session.WithSettleDelay(cfg.SettleDelay())), nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newInterfacesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "interfaces",
		Short: "List capture-capable interfaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(cmd); err != nil {
				return err
			}
			list, err := iface.NewLister().List()
			if err != nil {
				return fmt.Errorf("failed to list interfaces: %w", err)
			}
			if len(list) == 0 {
				fmt.Println("No usable interfaces found")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tALIAS\tIPV4\tMAC\tMTU")
			for _, info := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", info.Name, info.Alias, info.IP, info.HardwareAddr, info.MTU)
			}
			return w.Flush()
		},
	}
}

func newTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Classify the NAT behaviour of the proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.ValidateTest(); err != nil {
				return err
			}
			sc, err := cfg.Session()
			if err != nil {
				return err
			}

			orch, err := newOrchestrator(cfg, status.New())
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			fmt.Println("Testing NAT type through the proxy...")
			res, err := orch.Test(ctx, sc)
			if err != nil {
				return err
			}

			fmt.Printf("NAT type:         %s\n", res.NAT)
			if res.ExternalAddr != "" {
				fmt.Printf("External address: %s\n", res.ExternalAddr)
			}
			return nil
		},
	}
	addSessionFlags(cmd)
	return cmd
}

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			st, err := control.NewClient(cfg.Control.Listen).Status(ctx)
			if err != nil {
				return err
			}
			return printStatus(st, asJSON)
		},
	}
	cmd.Flags().String("control-listen", "", "Control API address")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON status")
	return cmd
}

func newStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			st, err := control.NewClient(cfg.Control.Listen).Stop(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Session %s\n", st.State)
			return nil
		},
	}
	cmd.Flags().String("control-listen", "", "Control API address")
	return cmd
}

func printStatus(st *control.Status, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	fmt.Printf("State:    %s\n", st.State)
	if st.Session != nil {
		fmt.Printf("NAT:      %s %s\n", st.Session.NAT, st.Session.ExternalAddr)
		fmt.Printf("Devices:  %s (mask %s, gateway %s, MTU %d)\n",
			st.Session.DeviceRange, st.Session.Mask, st.Session.Gateway, st.Session.MTU)
		fmt.Printf("Proxy:    %s\n", st.Session.Proxy)
	}
	fmt.Printf("Latency:  %s\n", formatLatency(st.Stats.Last.LatencyMillis))
	fmt.Printf("Upload:   %s (%d packets)\n", stats.FormatBytes(st.Stats.UploadBytes), st.Stats.UploadPackets)
	fmt.Printf("Download: %s (%d packets)\n", stats.FormatBytes(st.Stats.DownloadBytes), st.Stats.DownloadPackets)
	return nil
}

func formatLatency(ms int64) string {
	switch {
	case ms > 0:
		return fmt.Sprintf("%d ms", ms)
	case ms < 0:
		return "unknown"
	default:
		return "-"
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			shown := *cfg
			if shown.Proxy.Password != "" {
				shown.Proxy.Password = "******"
			}
			out, err := yaml.Marshal(&shown)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			fmt.Print(string(out))
			return nil
		},
	}
	addSessionFlags(cmd)
	return cmd
}

func newInspectCmd() *cobra.Command {
	var network string
	cmd := &cobra.Command{
		Use:   "inspect <dump.pcap>",
		Short: "Summarise device flows recorded in a redirection dump",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if network == "" && strings.EqualFold(cfg.Device.Preset, "custom") {
				network = cfg.Device.Source
			}
			if network == "" {
				return fmt.Errorf("--network is required unless the custom preset is configured")
			}
			n, err := addressing.ParseNetwork(network)
			if err != nil {
				return err
			}

			report, err := pcap.NewParser(n).Parse(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Frames: %d (ARP %d, ICMP %d, other %d) over %s\n",
				report.Frames, report.ARP, report.ICMP, report.Other, report.End.Sub(report.Start).Round(time.Millisecond))
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DEVICE\tUP\tDOWN\tDESTINATIONS")
			for _, f := range report.Flows {
				fmt.Fprintf(w, "%s\t%d pkt / %s\t%d pkt / %s\t%d\n",
					f.Device, f.UpPackets, stats.FormatBytes(f.UpBytes),
					f.DownPackets, stats.FormatBytes(f.DownBytes), len(f.Destinations))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&network, "network", "", "Device network CIDR")
	return cmd
}
