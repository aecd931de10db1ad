package stats

import (
	"sort"
	"sync"
	"time"

	"socksbridge/pkg/types"
)

// Collector aggregates the snapshots polled from a running session.
type Collector struct {
	StartTime time.Time
	EndTime   time.Time

	Polls           uint64
	UploadBytes     uint64
	UploadPackets   uint64
	DownloadBytes   uint64
	DownloadPackets uint64

	// latency samples in milliseconds, successful probes only
	Latencies      []int64
	UnknownLatency uint64

	Last types.Snapshot

	mu sync.Mutex
}

// NewCollector creates a new statistics collector.
func NewCollector() *Collector {
	return &Collector{StartTime: time.Now()}
}

// Record adds one polled snapshot. Traffic in a snapshot is the delta since
// the previous poll, so it is summed.
func (c *Collector) Record(snap types.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Polls++
	c.UploadBytes += snap.UploadBytes
	c.UploadPackets += snap.UploadPackets
	c.DownloadBytes += snap.DownloadBytes
	c.DownloadPackets += snap.DownloadPackets

	switch {
	case snap.LatencyMillis == types.LatencyUnknown:
		c.UnknownLatency++
	case snap.LatencyMillis > 0:
		c.Latencies = append(c.Latencies, snap.LatencyMillis)
	}
	c.Last = snap
}

// Finish marks the end of the collection period.
func (c *Collector) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.EndTime = time.Now()
}

// Duration returns the elapsed time.
func (c *Collector) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duration()
}

func (c *Collector) duration() time.Duration {
	if c.EndTime.IsZero() {
		return time.Since(c.StartTime)
	}
	return c.EndTime.Sub(c.StartTime)
}

// LatencyStats returns min, avg, max, and p99 latency in milliseconds.
func (c *Collector) LatencyStats() (min, avg, max, p99 int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.Latencies) == 0 {
		return 0, 0, 0, 0
	}

	sorted := make([]int64, len(c.Latencies))
	copy(sorted, c.Latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	min = sorted[0]
	max = sorted[len(sorted)-1]

	var total int64
	for _, v := range sorted {
		total += v
	}
	avg = total / int64(len(sorted))

	p99Idx := int(float64(len(sorted)) * 0.99)
	if p99Idx >= len(sorted) {
		p99Idx = len(sorted) - 1
	}
	p99 = sorted[p99Idx]

	return
}

// Snapshot returns a copy of the current statistics (thread-safe).
func (c *Collector) Snapshot() *Collector {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := &Collector{
		StartTime:       c.StartTime,
		EndTime:         c.EndTime,
		Polls:           c.Polls,
		UploadBytes:     c.UploadBytes,
		UploadPackets:   c.UploadPackets,
		DownloadBytes:   c.DownloadBytes,
		DownloadPackets: c.DownloadPackets,
		Latencies:       make([]int64, len(c.Latencies)),
		UnknownLatency:  c.UnknownLatency,
		Last:            c.Last,
	}
	copy(snap.Latencies, c.Latencies)
	return snap
}

// LatencySummary is the latency distribution in milliseconds.
type LatencySummary struct {
	Samples int    `json:"samples"`
	Unknown uint64 `json:"unknown"`
	Min     int64  `json:"min"`
	Avg     int64  `json:"avg"`
	Max     int64  `json:"max"`
	P99     int64  `json:"p99"`
}

// Summary is the exported view of a collector.
type Summary struct {
	StartTime       time.Time      `json:"start_time"`
	EndTime         *time.Time     `json:"end_time,omitempty"`
	DurationSec     float64        `json:"duration_sec"`
	Polls           uint64         `json:"polls"`
	UploadBytes     uint64         `json:"upload_bytes"`
	UploadPackets   uint64         `json:"upload_packets"`
	DownloadBytes   uint64         `json:"download_bytes"`
	DownloadPackets uint64         `json:"download_packets"`
	UploadBps       float64        `json:"upload_bytes_per_sec"`
	DownloadBps     float64        `json:"download_bytes_per_sec"`
	Latency         LatencySummary `json:"latency_ms"`
	Last            types.Snapshot `json:"last"`
}

// Summary computes totals, throughput and the latency distribution.
func (c *Collector) Summary() Summary {
	snap := c.Snapshot()
	min, avg, max, p99 := snap.LatencyStats()

	latency := LatencySummary{
		Samples: len(snap.Latencies),
		Unknown: snap.UnknownLatency,
		Min:     min,
		Avg:     avg,
		Max:     max,
		P99:     p99,
	}
	s := Summary{
		StartTime:       snap.StartTime,
		DurationSec:     snap.duration().Seconds(),
		Polls:           snap.Polls,
		UploadBytes:     snap.UploadBytes,
		UploadPackets:   snap.UploadPackets,
		DownloadBytes:   snap.DownloadBytes,
		DownloadPackets: snap.DownloadPackets,
		Latency:         latency,
		Last:            snap.Last,
	}
	if !snap.EndTime.IsZero() {
		end := snap.EndTime
		s.EndTime = &end
	}
	if s.DurationSec > 0 {
		s.UploadBps = float64(s.UploadBytes) / s.DurationSec
		s.DownloadBps = float64(s.DownloadBytes) / s.DurationSec
	}
	return s
}
