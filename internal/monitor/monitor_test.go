package monitor

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ppiankov/serialtap/internal/buffers"
	"github.com/ppiankov/serialtap/internal/serialport"
	"github.com/ppiankov/serialtap/internal/sertypes"
)

type stubTransport struct {
	mu     sync.Mutex
	in     bytes.Buffer
	closed bool
}

func (t *stubTransport) feed(lines ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, l := range lines {
		t.in.WriteString(l + "\n")
	}
}

func (t *stubTransport) Read(p []byte) (int, error) {
	time.Sleep(time.Millisecond)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, errors.New("closed")
	}
	if t.in.Len() == 0 {
		return 0, nil
	}
	return t.in.Read(p)
}

func (t *stubTransport) Write(p []byte) (int, error) { return len(p), nil }

func (t *stubTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *stubTransport) SetDTR(bool) error { return nil }
func (t *stubTransport) SetRTS(bool) error { return nil }

type stubOpener struct {
	tr *stubTransport
}

func (o *stubOpener) Open(string, sertypes.Config) (serialport.Transport, error) {
	return o.tr, nil
}

type stubEnumerator struct{}

func (stubEnumerator) Enumerate() ([]sertypes.PortInfo, error) { return nil, nil }

func countKind(entries []sertypes.Entry, kind sertypes.Kind) int {
	n := 0
	for _, e := range entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func TestSession_CapturesLines(t *testing.T) {
	tr := &stubTransport{}
	mgr := serialport.NewManager(&stubOpener{tr: tr}, stubEnumerator{})
	defer mgr.Stop()

	ring := buffers.NewRing(100)
	sess := NewSession(ring, mgr, 64, nil, nil)
	defer sess.Close()

	conn, err := mgr.Connect(context.Background(), "/dev/ttyACM0", sertypes.DefaultConfig(), serialport.ConnectOptions{Monitor: true})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	sess.Watch(conn)
	tr.feed("sensor=1", "sensor=2")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if countKind(ring.Snapshot(), sertypes.KindReceived) == 2 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	snap := ring.Snapshot()
	if countKind(snap, sertypes.KindReceived) != 2 {
		t.Fatalf("expected 2 received entries, got %v", snap)
	}
	if countKind(snap, sertypes.KindSystem) == 0 {
		t.Fatal("expected a system entry for monitoring start")
	}
	if sess.Stats.LinesReceived.Load() != 2 {
		t.Fatalf("expected 2 recorded lines, got %d", sess.Stats.LinesReceived.Load())
	}

	sess.Unwatch(conn)
	tr.feed("sensor=3")
	time.Sleep(20 * time.Millisecond)
	if countKind(ring.Snapshot(), sertypes.KindReceived) != 2 {
		t.Fatal("lines captured after unwatch")
	}
}

func TestSession_SendCommandMirrors(t *testing.T) {
	tr := &stubTransport{}
	mgr := serialport.NewManager(&stubOpener{tr: tr}, stubEnumerator{})
	defer mgr.Stop()

	ring := buffers.NewRing(100)
	sess := NewSession(ring, mgr, 64, nil, nil)
	defer sess.Close()

	if _, err := mgr.Connect(context.Background(), "/dev/ttyACM0", sertypes.DefaultConfig(), serialport.ConnectOptions{}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if _, err := sess.SendCommand(context.Background(), "/dev/ttyACM0", "LED ON", false, 0); err != nil {
		t.Fatalf("send: %v", err)
	}
	sess.Ingest.Flush(time.Second)

	snap := ring.Snapshot()
	if countKind(snap, sertypes.KindSent) != 1 {
		t.Fatalf("expected 1 sent entry, got %v", snap)
	}

	// failures land in the stream as error entries
	if _, err := sess.SendCommand(context.Background(), "/dev/nope", "X", false, 0); err == nil {
		t.Fatal("expected error for unknown port")
	}
	sess.Ingest.Flush(time.Second)
	if countKind(ring.Snapshot(), sertypes.KindError) != 1 {
		t.Fatal("expected an error entry in the stream")
	}
}

func TestNewMetrics_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.LinesReceived.WithLabelValues("/dev/a").Inc()
	m.LinesDropped.Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) < 2 {
		t.Fatalf("expected registered metrics, got %d families", len(families))
	}
}
