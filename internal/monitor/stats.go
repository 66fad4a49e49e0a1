package monitor

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Stats collects pipeline counters for TUI display.
// All methods are safe for concurrent use.
type Stats struct {
	LinesReceived atomic.Int64
	LinesDropped  atomic.Int64
	PortsOpen     atomic.Int64
	Reconnects    atomic.Int64

	mu      sync.Mutex
	perPort map[string]int64
}

// NewStats creates a Stats collector.
func NewStats() *Stats {
	return &Stats{
		perPort: make(map[string]int64),
	}
}

// RecordLine increments the received counter and the per-port tally.
func (s *Stats) RecordLine(port string) {
	s.LinesReceived.Add(1)
	if port == "" {
		return
	}
	s.mu.Lock()
	s.perPort[port]++
	s.mu.Unlock()
}

// RecordDrop increments the dropped counter.
func (s *Stats) RecordDrop() {
	s.LinesDropped.Add(1)
}

// RecordReconnect increments the reconnect counter.
func (s *Stats) RecordReconnect() {
	s.Reconnects.Add(1)
}

// PortCount is a device and its cumulative line count.
type PortCount struct {
	Device string
	Count  int64
}

// Snapshot is a point-in-time copy of pipeline stats.
type Snapshot struct {
	LinesReceived int64
	LinesDropped  int64
	PortsOpen     int64
	Reconnects    int64
	BytesWritten  int64
	Ports         []PortCount
}

// Snapshot returns a point-in-time copy of all stats, ports sorted by
// descending line count.
func (s *Stats) Snapshot(bytesWritten int64) Snapshot {
	snap := Snapshot{
		LinesReceived: s.LinesReceived.Load(),
		LinesDropped:  s.LinesDropped.Load(),
		PortsOpen:     s.PortsOpen.Load(),
		Reconnects:    s.Reconnects.Load(),
		BytesWritten:  bytesWritten,
	}

	s.mu.Lock()
	snap.Ports = make([]PortCount, 0, len(s.perPort))
	for dev, count := range s.perPort {
		snap.Ports = append(snap.Ports, PortCount{Device: dev, Count: count})
	}
	s.mu.Unlock()

	sort.Slice(snap.Ports, func(i, j int) bool {
		return snap.Ports[i].Count > snap.Ports[j].Count
	})

	return snap
}
