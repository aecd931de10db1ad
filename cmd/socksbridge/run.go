package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"socksbridge/internal/control"
	"socksbridge/internal/session"
	"socksbridge/internal/stats"
	"socksbridge/internal/status"
	"socksbridge/pkg/types"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a session and relay device traffic until interrupted",
		Args:  cobra.NoArgs,
		RunE:  run,
	}
	addSessionFlags(cmd)
	return cmd
}

// runBackend serves the control API from the run loop's state. Stop requests
// are handed to the run loop, which is the only caller of the orchestrator.
type runBackend struct {
	orch      *session.Orchestrator
	result    *types.SessionResult
	collector *stats.Collector

	stopOnce sync.Once
	stopReq  chan struct{}
	stopped  chan struct{}
}

func (b *runBackend) Status() control.Status {
	st := control.Status{
		State: b.orch.State().String(),
		Stats: b.collector.Summary(),
	}
	if b.orch.State() == session.StateRunning {
		st.Session = b.result
	}
	return st
}

func (b *runBackend) Stop() {
	b.stopOnce.Do(func() { close(b.stopReq) })
	select {
	case <-b.stopped:
	case <-time.After(5 * time.Second):
		log.Warn("Timed out waiting for the session to stop")
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	fmt.Printf("socksbridge v%s\n", version)
	fmt.Println("==============================")
	fmt.Print(cfg.Summary())
	fmt.Println()

	if err := cfg.Validate(); err != nil {
		return err
	}
	sc, err := cfg.Session()
	if err != nil {
		return err
	}

	st := status.New()
	orch, err := newOrchestrator(cfg, st)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Println("Starting session...")
	result, err := orch.Start(ctx, sc)
	if err != nil {
		return err
	}
	printSession(result)

	collector := stats.NewCollector()
	reporter := stats.NewReporter(collector, cfg.Stats.ReportIntervalSec, cfg.Stats.ExportFile)
	if cfg.Stats.Enabled {
		reporter.StartPeriodicReport(ctx)
	}

	backend := &runBackend{
		orch:      orch,
		result:    result,
		collector: collector,
		stopReq:   make(chan struct{}),
		stopped:   make(chan struct{}),
	}

	if cfg.Control.Enabled {
		srv := control.NewServer(backend)
		if err := srv.Start(cfg.Control.Listen); err != nil {
			log.WithError(err).Warn("Control API unavailable")
		} else {
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.WithError(err).Debug("Control API shutdown")
				}
			}()
		}
	}

	runErr := pollLoop(ctx, orch, collector, backend.stopReq, cfg.PollInterval())

	orch.Stop()
	close(backend.stopped)
	cancel()

	if cfg.Stats.Enabled {
		reporter.PrintFinalReport()
		if err := reporter.ExportJSON(); err != nil {
			log.WithError(err).Warn("Failed to export statistics")
		}
	}

	return runErr
}

// pollLoop polls the session until it is interrupted, asked to stop, or
// collapses on its own.
func pollLoop(ctx context.Context, orch *session.Orchestrator, collector *stats.Collector, stopReq <-chan struct{}, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Received shutdown signal")
			return nil
		case <-stopReq:
			return nil
		case <-ticker.C:
			snap := orch.Poll()
			collector.Record(snap)
			log.WithFields(log.Fields{
				"latency_ms": snap.LatencyMillis,
				"up_bytes":   snap.UploadBytes,
				"down_bytes": snap.DownloadBytes,
			}).Debug("Session polled")

			if !snap.Running {
				return fmt.Errorf("session stopped unexpectedly, see log for the failing component")
			}
		}
	}
}

func printSession(r *types.SessionResult) {
	fmt.Println("Session running:")
	fmt.Printf("  NAT type:      %s\n", r.NAT)
	if r.ExternalAddr != "" {
		fmt.Printf("  External:      %s\n", r.ExternalAddr)
	}
	fmt.Printf("  Device IP:     %s\n", r.DeviceRange)
	fmt.Printf("  Subnet mask:   %s\n", r.Mask)
	fmt.Printf("  Gateway:       %s\n", r.Gateway)
	fmt.Printf("  MTU:           %d\n", r.MTU)
	fmt.Printf("  Proxy:         %s\n", r.Proxy)
	fmt.Println()
}
