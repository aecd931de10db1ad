package stats

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socksbridge/pkg/types"
)

func TestCollector_RecordSumsDeltas(t *testing.T) {
	c := NewCollector()
	c.Record(types.Snapshot{Running: true, LatencyMillis: 40, UploadBytes: 100, UploadPackets: 2, DownloadBytes: 300, DownloadPackets: 3})
	c.Record(types.Snapshot{Running: true, LatencyMillis: types.LatencyUnknown, UploadBytes: 50, UploadPackets: 1})
	c.Record(types.Snapshot{Running: true, LatencyMillis: 0})

	snap := c.Snapshot()
	assert.Equal(t, uint64(3), snap.Polls)
	assert.Equal(t, uint64(150), snap.UploadBytes)
	assert.Equal(t, uint64(3), snap.UploadPackets)
	assert.Equal(t, uint64(300), snap.DownloadBytes)
	assert.Equal(t, uint64(3), snap.DownloadPackets)
	assert.Equal(t, []int64{40}, snap.Latencies)
	assert.Equal(t, uint64(1), snap.UnknownLatency)
	assert.Equal(t, int64(0), snap.Last.LatencyMillis)
}

func TestCollector_LatencyStats(t *testing.T) {
	c := NewCollector()
	min, avg, max, p99 := c.LatencyStats()
	assert.Zero(t, min+avg+max+p99)

	for i := int64(1); i <= 100; i++ {
		c.Record(types.Snapshot{LatencyMillis: 101 - i})
	}
	min, avg, max, p99 = c.LatencyStats()
	assert.Equal(t, int64(1), min)
	assert.Equal(t, int64(50), avg)
	assert.Equal(t, int64(100), max)
	assert.Equal(t, int64(100), p99)
}

func TestCollector_SnapshotIsIndependent(t *testing.T) {
	c := NewCollector()
	c.Record(types.Snapshot{LatencyMillis: 10})
	snap := c.Snapshot()

	c.Record(types.Snapshot{LatencyMillis: 20})
	assert.Len(t, snap.Latencies, 1)
	assert.Len(t, c.Snapshot().Latencies, 2)
}

func TestCollector_Summary(t *testing.T) {
	c := NewCollector()
	c.StartTime = time.Now().Add(-10 * time.Second)
	c.Record(types.Snapshot{Running: true, LatencyMillis: 30, UploadBytes: 1000, DownloadBytes: 2000})
	c.Finish()

	s := c.Summary()
	require.NotNil(t, s.EndTime)
	assert.InDelta(t, 10, s.DurationSec, 1)
	assert.InDelta(t, 100, s.UploadBps, 15)
	assert.InDelta(t, 200, s.DownloadBps, 25)
	assert.Equal(t, 1, s.Latency.Samples)
	assert.Equal(t, int64(30), s.Latency.P99)
	assert.True(t, s.Last.Running)
}

func TestReporter_FormatReport(t *testing.T) {
	c := NewCollector()
	c.Record(types.Snapshot{Running: true, LatencyMillis: 25, UploadBytes: 2048, UploadPackets: 4})
	c.Record(types.Snapshot{Running: true, LatencyMillis: types.LatencyUnknown})
	r := NewReporter(c, 0, "")

	report := r.FormatReport()
	assert.Contains(t, report, "Session Statistics")
	assert.Contains(t, report, "2.0 KiB")
	assert.Contains(t, report, "Current: unknown")
	assert.Contains(t, report, "Min: 25 ms")
	assert.Contains(t, report, "Failed probes: 1")
}

func TestReporter_PrintFinalReport(t *testing.T) {
	c := NewCollector()
	r := NewReporter(c, 0, "")
	var buf bytes.Buffer
	r.out = &buf

	r.PrintFinalReport()
	assert.False(t, c.Snapshot().EndTime.IsZero())
	assert.Contains(t, buf.String(), "Current: not measured")
}

func TestReporter_ExportJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	c := NewCollector()
	c.Record(types.Snapshot{Running: true, LatencyMillis: 12, DownloadBytes: 64, DownloadPackets: 1})
	c.Finish()

	require.NoError(t, NewReporter(c, 0, path).ExportJSON())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got Summary
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, uint64(1), got.Polls)
	assert.Equal(t, uint64(64), got.DownloadBytes)
	assert.Equal(t, int64(12), got.Latency.Max)
}

func TestReporter_ExportJSONDisabled(t *testing.T) {
	assert.NoError(t, NewReporter(NewCollector(), 0, "").ExportJSON())
}

func TestReporter_ExportJSONBadPath(t *testing.T) {
	err := NewReporter(NewCollector(), 0, filepath.Join(t.TempDir(), "missing", "stats.json")).ExportJSON()
	assert.Error(t, err)
}

type syncBuffer struct {
	ch chan string
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.ch <- string(p)
	return len(p), nil
}

func TestReporter_StartPeriodicReport(t *testing.T) {
	r := NewReporter(NewCollector(), 1, "")
	out := &syncBuffer{ch: make(chan string, 4)}
	r.out = out

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.StartPeriodicReport(ctx)

	select {
	case s := <-out.ch:
		assert.True(t, strings.Contains(s, "Session Statistics"))
	case <-time.After(3 * time.Second):
		t.Fatal("no periodic report")
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
		{3 * 1024 * 1024 * 1024, "3.0 GiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatBytes(tt.in))
	}
}
