package monitor

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/ppiankov/serialtap/internal/buffers"
	"github.com/ppiankov/serialtap/internal/serialport"
	"github.com/ppiankov/serialtap/internal/sertypes"
)

// Session wires serial connections into the capture pipeline: each watched
// port's lines are queued to the ingestor, which appends them to the ring
// and optionally mirrors them to disk. Sent commands and lifecycle events
// are recorded in the same stream with their own entry kinds.
type Session struct {
	Ring    *buffers.Ring
	Manager *serialport.Manager
	Ingest  *Ingestor
	Stats   *Stats
	Metrics *Metrics // may be nil

	// OnEntry, when set before the first Watch, observes every stored
	// entry on the ingest goroutine. The rotator's index tracking hangs
	// off this.
	OnEntry func(sertypes.Entry)

	mu          sync.Mutex
	tokens      map[string]int // device -> listener token
	lastDropped uint64
}

// NewSession builds the pipeline. sink receives JSONL entries and may be
// nil; metrics may be nil when no exporter is running.
func NewSession(ring *buffers.Ring, mgr *serialport.Manager, bufSize int, sink io.Writer, metrics *Metrics) *Session {
	s := &Session{
		Ring:    ring,
		Manager: mgr,
		Stats:   NewStats(),
		Metrics: metrics,
		tokens:  make(map[string]int),
	}
	s.Ingest = NewIngestor(bufSize, ring, sink, s.tracked)
	if metrics != nil {
		s.Ingest.SetQueueGauge(metrics.IngestQueueLength.Set)
	}
	mgr.SetOnReconnect(s.reconnected)
	return s
}

// tracked runs on the ingest goroutine after every stored entry.
func (s *Session) tracked(e sertypes.Entry) {
	if e.Kind == sertypes.KindReceived {
		s.Stats.RecordLine(e.Port)
	}
	if s.OnEntry != nil {
		s.OnEntry(e)
	}
	if s.Metrics == nil {
		return
	}
	if e.Kind == sertypes.KindReceived {
		s.Metrics.LinesReceived.WithLabelValues(e.Port).Inc()
	}
	st := s.Ring.Stats()
	s.Metrics.BufferLen.Set(float64(st.Len))

	s.mu.Lock()
	if st.TotalDropped > s.lastDropped {
		s.Metrics.BufferEvictions.Add(float64(st.TotalDropped - s.lastDropped))
		s.lastDropped = st.TotalDropped
	}
	s.mu.Unlock()
}

func (s *Session) reconnected(device string) {
	s.Stats.RecordReconnect()
	if s.Metrics != nil {
		s.Metrics.Reconnects.WithLabelValues(device).Inc()
	}
	s.record(device, "reconnected", sertypes.KindSystem)
}

// record queues a pipeline-generated entry, counting drops like any line.
func (s *Session) record(port, data string, kind sertypes.Kind) {
	if !s.Ingest.Send(port, data, kind) {
		s.Stats.RecordDrop()
		if s.Metrics != nil {
			s.Metrics.LinesDropped.Inc()
		}
	}
}

// Watch starts capturing a connection's lines. Idempotent per device.
func (s *Session) Watch(conn *serialport.Conn) {
	device := conn.Device()

	s.mu.Lock()
	if _, ok := s.tokens[device]; ok {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	token := conn.AddListener(func(line string) {
		s.record(device, line, sertypes.KindReceived)
	})

	s.mu.Lock()
	s.tokens[device] = token
	s.mu.Unlock()

	s.Stats.PortsOpen.Add(1)
	if s.Metrics != nil {
		s.Metrics.PortsConnected.Inc()
	}
	s.record(device, "monitoring started", sertypes.KindSystem)
}

// Unwatch stops capturing a connection's lines.
func (s *Session) Unwatch(conn *serialport.Conn) {
	device := conn.Device()

	s.mu.Lock()
	token, ok := s.tokens[device]
	if ok {
		delete(s.tokens, device)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	conn.RemoveListener(token)
	s.Stats.PortsOpen.Add(-1)
	if s.Metrics != nil {
		s.Metrics.PortsConnected.Dec()
	}
	s.record(device, "monitoring stopped", sertypes.KindSystem)
}

// SendCommand forwards a command through the manager, mirroring the sent
// line and any failure into the capture stream.
func (s *Session) SendCommand(ctx context.Context, device, command string, wait bool, timeout time.Duration) (string, error) {
	s.record(device, command, sertypes.KindSent)
	if s.Metrics != nil {
		s.Metrics.CommandsSent.WithLabelValues(device).Inc()
	}

	out, err := s.Manager.SendCommand(ctx, device, command, wait, timeout)
	if err != nil {
		s.record(device, err.Error(), sertypes.KindError)
		if errors.Is(err, serialport.ErrCommandTimeout) && s.Metrics != nil {
			s.Metrics.CommandTimeouts.Inc()
		}
	}
	return out, err
}

// Close flushes and stops the ingestor. Connections are left to the manager.
func (s *Session) Close() {
	s.Ingest.Flush(time.Second)
	s.Ingest.Close()
}
