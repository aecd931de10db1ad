package status

import (
	"sync"

	"go.uber.org/atomic"

	"socksbridge/pkg/types"
)

// RunFlag is the cooperative cancellation signal shared with workers.
// Workers poll Running on every loop iteration and may call Halt to report
// a fatal failure.
type RunFlag interface {
	Running() bool
	Halt()
}

// TrafficCounter accumulates traffic for one direction.
type TrafficCounter interface {
	Add(bytes int)
}

// LatencySink receives latency probe results.
type LatencySink interface {
	Store(ms int64)
	MarkUnknown()
}

// Flag is a lock-free RunFlag.
type Flag struct {
	v atomic.Bool
}

// Running reports whether the flag is set.
func (f *Flag) Running() bool { return f.v.Load() }

// Set raises the flag.
func (f *Flag) Set() { f.v.Store(true) }

// Halt clears the flag.
func (f *Flag) Halt() { f.v.Store(false) }

// Counter is a byte and packet counter. The two fields are independently
// atomic; Drain swaps each with zero so concurrent increments are never lost.
type Counter struct {
	bytes   atomic.Uint64
	packets atomic.Uint64
}

// Add records one packet of the given size.
func (c *Counter) Add(bytes int) {
	if bytes < 0 {
		bytes = 0
	}
	c.bytes.Add(uint64(bytes))
	c.packets.Inc()
}

// Load reads both fields without resetting them.
func (c *Counter) Load() (bytes, packets uint64) {
	return c.bytes.Load(), c.packets.Load()
}

// Drain reads and zeroes both fields.
func (c *Counter) Drain() (bytes, packets uint64) {
	return c.bytes.Swap(0), c.packets.Swap(0)
}

// Reset zeroes both fields.
func (c *Counter) Reset() {
	c.bytes.Store(0)
	c.packets.Store(0)
}

// Gauge holds the latest latency in milliseconds.
type Gauge struct {
	v atomic.Int64
}

// Store records a measured round-trip time.
func (g *Gauge) Store(ms int64) {
	if ms < 0 {
		ms = 0
	}
	g.v.Store(ms)
}

// MarkUnknown records a failed probe.
func (g *Gauge) MarkUnknown() { g.v.Store(types.LatencyUnknown) }

// Load returns the latest value.
func (g *Gauge) Load() int64 { return g.v.Load() }

// Reset marks the latency as not measured yet.
func (g *Gauge) Reset() { g.v.Store(0) }

// Status is the process-wide record of run state and live counters. Each
// session gets its own run flag, so workers of a stopped session keep
// seeing it cleared after the next session begins.
type Status struct {
	Latency  Gauge
	Upload   Counter
	Download Counter

	mu   sync.RWMutex
	flag *Flag
}

// New creates an idle status.
func New() *Status {
	return &Status{flag: &Flag{}}
}

// Flag returns the run flag of the current session.
func (s *Status) Flag() *Flag {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flag
}

// Begin zeroes all counters, halts the previous session's flag and installs
// a raised flag for the new session.
func (s *Status) Begin() *Flag {
	s.zero()
	f := &Flag{}
	f.Set()

	s.mu.Lock()
	prev := s.flag
	s.flag = f
	s.mu.Unlock()

	prev.Halt()
	return f
}

// Reset clears the current run flag and zeroes all counters.
func (s *Status) Reset() {
	s.Flag().Halt()
	s.zero()
}

func (s *Status) zero() {
	s.Latency.Reset()
	s.Upload.Reset()
	s.Download.Reset()
}

// Running reports the current run flag.
func (s *Status) Running() bool { return s.Flag().Running() }

// Poll reads the run flag and latency and drains the traffic counters, so
// each poll reports only traffic since the previous one.
func (s *Status) Poll() types.Snapshot {
	snap := types.Snapshot{
		Running:       s.Flag().Running(),
		LatencyMillis: s.Latency.Load(),
	}
	snap.UploadBytes, snap.UploadPackets = s.Upload.Drain()
	snap.DownloadBytes, snap.DownloadPackets = s.Download.Drain()
	return snap
}
