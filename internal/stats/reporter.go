package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Reporter outputs statistics to console and/or file.
type Reporter struct {
	collector   *Collector
	intervalSec int
	exportFile  string
	out         io.Writer
}

// NewReporter creates a new statistics reporter.
func NewReporter(collector *Collector, intervalSec int, exportFile string) *Reporter {
	return &Reporter{
		collector:   collector,
		intervalSec: intervalSec,
		exportFile:  exportFile,
		out:         os.Stdout,
	}
}

// StartPeriodicReport begins periodic statistics reporting in a goroutine.
func (r *Reporter) StartPeriodicReport(ctx context.Context) {
	if r.intervalSec <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(time.Duration(r.intervalSec) * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Fprintln(r.out, r.FormatReport())
			}
		}
	}()
}

// PrintFinalReport prints the final statistics summary.
func (r *Reporter) PrintFinalReport() {
	r.collector.Finish()
	fmt.Fprintln(r.out, r.FormatReport())
}

// ExportJSON exports statistics to a JSON file.
func (r *Reporter) ExportJSON() error {
	if r.exportFile == "" {
		return nil
	}

	data, err := json.MarshalIndent(r.collector.Summary(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal stats JSON: %w", err)
	}

	if err := os.WriteFile(r.exportFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write stats file %s: %w", r.exportFile, err)
	}

	log.WithField("file", r.exportFile).Info("Statistics exported to JSON")
	return nil
}

// FormatReport generates a formatted statistics report string.
func (r *Reporter) FormatReport() string {
	s := r.collector.Summary()
	elapsed := time.Duration(s.DurationSec * float64(time.Second))

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("\n=== Session Statistics (elapsed: %s) ===\n", elapsed.Round(time.Second)))

	sb.WriteString("Traffic:\n")
	sb.WriteString(fmt.Sprintf("  Upload:   %-12s %d packets\n", FormatBytes(s.UploadBytes), s.UploadPackets))
	sb.WriteString(fmt.Sprintf("  Download: %-12s %d packets\n", FormatBytes(s.DownloadBytes), s.DownloadPackets))

	sb.WriteString("Latency:\n")
	switch {
	case s.Last.LatencyMillis > 0:
		sb.WriteString(fmt.Sprintf("  Current: %d ms\n", s.Last.LatencyMillis))
	case s.Last.LatencyMillis < 0:
		sb.WriteString("  Current: unknown\n")
	default:
		sb.WriteString("  Current: not measured\n")
	}
	if s.Latency.Samples > 0 {
		sb.WriteString(fmt.Sprintf("  Min: %d ms  |  Avg: %d ms  |  Max: %d ms  |  P99: %d ms\n",
			s.Latency.Min, s.Latency.Avg, s.Latency.Max, s.Latency.P99))
	}
	if s.Latency.Unknown > 0 {
		sb.WriteString(fmt.Sprintf("  Failed probes: %d\n", s.Latency.Unknown))
	}

	if s.DurationSec > 0 {
		sb.WriteString("Throughput:\n")
		sb.WriteString(fmt.Sprintf("  Up: %s/s  |  Down: %s/s\n",
			FormatBytes(uint64(s.UploadBps)), FormatBytes(uint64(s.DownloadBps))))
	}

	sb.WriteString("================================================\n")
	return sb.String()
}

// FormatBytes renders a byte count with a binary unit suffix.
func FormatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
