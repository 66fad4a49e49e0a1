package serialport

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/serialtap/internal/sertypes"
)

// fakeTransport emulates a serial port with timeout-style reads: Read
// returns (0, nil) when nothing is pending, like a real port with a read
// timeout set.
type fakeTransport struct {
	mu      sync.Mutex
	in      bytes.Buffer
	wrote   bytes.Buffer
	closed  bool
	readErr error
	respond func(written string) []string
	dtrOps  []bool
	rtsOps  []bool
}

func (t *fakeTransport) feed(lines ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, l := range lines {
		t.in.WriteString(l + "\n")
	}
}

func (t *fakeTransport) failReads(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readErr = err
}

func (t *fakeTransport) Read(p []byte) (int, error) {
	time.Sleep(time.Millisecond) // read-timeout tick
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, errors.New("transport closed")
	}
	if t.readErr != nil {
		return 0, t.readErr
	}
	if t.in.Len() == 0 {
		return 0, nil
	}
	return t.in.Read(p)
}

func (t *fakeTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, errors.New("transport closed")
	}
	t.wrote.Write(p)
	if t.respond != nil {
		for _, l := range t.respond(string(p)) {
			t.in.WriteString(l + "\n")
		}
	}
	return len(p), nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) written() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wrote.String()
}

func (t *fakeTransport) SetDTR(v bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dtrOps = append(t.dtrOps, v)
	return nil
}

func (t *fakeTransport) SetRTS(v bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rtsOps = append(t.rtsOps, v)
	return nil
}

// fakeOpener hands out transports per device and records every open.
type fakeOpener struct {
	mu       sync.Mutex
	next     map[string][]*fakeTransport
	openErr  error
	opens    []sertypes.Config
	openHook func()
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{next: make(map[string][]*fakeTransport)}
}

func (o *fakeOpener) queue(device string, t *fakeTransport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.next[device] = append(o.next[device], t)
}

func (o *fakeOpener) Open(device string, cfg sertypes.Config) (Transport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens = append(o.opens, cfg)
	if o.openHook != nil {
		o.openHook()
	}
	if o.openErr != nil {
		return nil, o.openErr
	}
	q := o.next[device]
	if len(q) == 0 {
		t := &fakeTransport{}
		o.next[device] = nil
		return t, nil
	}
	t := q[0]
	o.next[device] = q[1:]
	return t, nil
}

func (o *fakeOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.opens)
}

type fakeEnumerator struct {
	mu    sync.Mutex
	ports []sertypes.PortInfo
}

func (e *fakeEnumerator) set(devices ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ports = e.ports[:0]
	for _, d := range devices {
		e.ports = append(e.ports, sertypes.PortInfo{Device: d})
	}
}

func (e *fakeEnumerator) Enumerate() ([]sertypes.PortInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]sertypes.PortInfo, len(e.ports))
	copy(out, e.ports)
	return out, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnect_Idempotent(t *testing.T) {
	op := newFakeOpener()
	m := NewManager(op, &fakeEnumerator{})
	defer m.Stop()

	c1, err := m.Connect(context.Background(), "/dev/ttyUSB0", sertypes.DefaultConfig(), ConnectOptions{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	c2, err := m.Connect(context.Background(), "/dev/ttyUSB0", sertypes.DefaultConfig(), ConnectOptions{})
	if err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if c1 != c2 {
		t.Fatal("expected the same connection")
	}
	if op.openCount() != 1 {
		t.Fatalf("expected a single open, got %d", op.openCount())
	}
}

func TestConnect_ExclusiveDisconnectsOthers(t *testing.T) {
	op := newFakeOpener()
	m := NewManager(op, &fakeEnumerator{})
	defer m.Stop()

	if _, err := m.Connect(context.Background(), "/dev/a", sertypes.DefaultConfig(), ConnectOptions{}); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	if _, err := m.Connect(context.Background(), "/dev/b", sertypes.DefaultConfig(), ConnectOptions{Exclusive: true}); err != nil {
		t.Fatalf("connect b: %v", err)
	}

	got := m.Connected()
	if len(got) != 1 || got[0] != "/dev/b" {
		t.Fatalf("expected only /dev/b connected, got %v", got)
	}
}

func TestConnect_OpenFailure(t *testing.T) {
	op := newFakeOpener()
	op.openErr = errors.New("no such device")
	m := NewManager(op, &fakeEnumerator{})
	defer m.Stop()

	if _, err := m.Connect(context.Background(), "/dev/a", sertypes.DefaultConfig(), ConnectOptions{}); !errors.Is(err, ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
	if _, ok := m.Get("/dev/a"); ok {
		t.Fatal("failed connect must not register a connection")
	}
}

func TestMonitor_DeliversLines(t *testing.T) {
	op := newFakeOpener()
	tr := &fakeTransport{}
	op.queue("/dev/a", tr)
	m := NewManager(op, &fakeEnumerator{})
	defer m.Stop()

	conn, err := m.Connect(context.Background(), "/dev/a", sertypes.DefaultConfig(), ConnectOptions{Monitor: true})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	var mu sync.Mutex
	var got []string
	conn.AddListener(func(line string) {
		mu.Lock()
		got = append(got, line)
		mu.Unlock()
	})

	tr.feed("hello", "world")
	waitFor(t, "two lines", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0] != "hello" || got[1] != "world" {
		t.Fatalf("unexpected lines: %v", got)
	}

	recent := conn.RecentLines(10)
	if len(recent) != 2 || recent[1] != "world" {
		t.Fatalf("unexpected recent cache: %v", recent)
	}
}

func TestMonitor_StripsCarriageReturnsAndBlanks(t *testing.T) {
	op := newFakeOpener()
	tr := &fakeTransport{}
	op.queue("/dev/a", tr)
	m := NewManager(op, &fakeEnumerator{})
	defer m.Stop()

	conn, _ := m.Connect(context.Background(), "/dev/a", sertypes.DefaultConfig(), ConnectOptions{Monitor: true})
	tr.feed("one\r", "", "two\r")

	waitFor(t, "two lines", func() bool { return len(conn.RecentLines(0)) == 2 })
	recent := conn.RecentLines(0)
	if recent[0] != "one" || recent[1] != "two" {
		t.Fatalf("unexpected lines: %v", recent)
	}
}

func TestDisconnect_StopsListenersBeforeClose(t *testing.T) {
	op := newFakeOpener()
	tr := &fakeTransport{}
	op.queue("/dev/a", tr)
	m := NewManager(op, &fakeEnumerator{})
	defer m.Stop()

	conn, _ := m.Connect(context.Background(), "/dev/a", sertypes.DefaultConfig(), ConnectOptions{Monitor: true})

	var mu sync.Mutex
	count := 0
	conn.AddListener(func(string) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	tr.feed("before")
	waitFor(t, "first line", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	if !m.Disconnect("/dev/a") {
		t.Fatal("disconnect should succeed")
	}
	if !tr.isClosed() {
		t.Fatal("transport must be closed after disconnect")
	}
	if conn.State() != sertypes.StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", conn.State())
	}
	if m.Disconnect("/dev/a") {
		t.Fatal("second disconnect should report not connected")
	}

	// no listener may fire after Disconnect returns
	tr.feed("after")
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("listener fired after disconnect: %d calls", count)
	}
}

func TestMonitor_ReconnectsAfterFailure(t *testing.T) {
	op := newFakeOpener()
	first := &fakeTransport{}
	second := &fakeTransport{}
	op.queue("/dev/a", first)
	op.queue("/dev/a", second)

	m := NewManager(op, &fakeEnumerator{})
	m.SetReconnectDelay(5 * time.Millisecond)

	var mu sync.Mutex
	var redialed []string
	m.SetOnReconnect(func(dev string) {
		mu.Lock()
		redialed = append(redialed, dev)
		mu.Unlock()
	})
	defer m.Stop()

	conn, _ := m.Connect(context.Background(), "/dev/a", sertypes.DefaultConfig(), ConnectOptions{Monitor: true})

	first.failReads(errors.New("device unplugged"))
	waitFor(t, "reconnect", func() bool { return conn.State() == sertypes.StateConnected && op.openCount() == 2 })

	// the failed transport must be closed, or its handle keeps the device
	// node exclusively held and every later redial fails
	waitFor(t, "old transport closed", func() bool { return first.isClosed() })

	mu.Lock()
	if len(redialed) == 0 || redialed[0] != "/dev/a" {
		mu.Unlock()
		t.Fatal("reconnect hook not fired")
	}
	mu.Unlock()

	// lines flow again through the new transport
	second.feed("back")
	waitFor(t, "line after redial", func() bool {
		lines := conn.RecentLines(0)
		return len(lines) > 0 && lines[len(lines)-1] == "back"
	})
}

func TestMonitor_RedialMarksConnecting(t *testing.T) {
	op := newFakeOpener()
	first := &fakeTransport{}
	second := &fakeTransport{}
	op.queue("/dev/a", first)
	op.queue("/dev/a", second)

	m := NewManager(op, &fakeEnumerator{})
	m.SetReconnectDelay(5 * time.Millisecond)
	defer m.Stop()

	conn, err := m.Connect(context.Background(), "/dev/a", sertypes.DefaultConfig(), ConnectOptions{Monitor: true})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if conn.State() != sertypes.StateConnected {
		t.Fatalf("expected connected, got %s", conn.State())
	}

	// record the state the connection is in while a redial open is in flight
	var seen []sertypes.State
	op.mu.Lock()
	op.openHook = func() { seen = append(seen, conn.State()) }
	op.mu.Unlock()

	first.failReads(errors.New("device unplugged"))
	waitFor(t, "reconnect", func() bool { return conn.State() == sertypes.StateConnected })

	op.mu.Lock()
	defer op.mu.Unlock()
	if len(seen) == 0 || seen[0] != sertypes.StateConnecting {
		t.Fatalf("expected connecting state during redial, got %v", seen)
	}
}

func TestMonitor_NoReconnectWhenDisabled(t *testing.T) {
	op := newFakeOpener()
	tr := &fakeTransport{}
	op.queue("/dev/a", tr)

	m := NewManager(op, &fakeEnumerator{})
	m.SetAutoReconnect(false)
	defer m.Stop()

	conn, _ := m.Connect(context.Background(), "/dev/a", sertypes.DefaultConfig(), ConnectOptions{Monitor: true})
	tr.failReads(errors.New("gone"))

	waitFor(t, "error state", func() bool { return conn.State() == sertypes.StateError })
	time.Sleep(20 * time.Millisecond)
	if op.openCount() != 1 {
		t.Fatalf("expected no redial, got %d opens", op.openCount())
	}
}

func TestDiscovery_DisconnectsVanishedPort(t *testing.T) {
	op := newFakeOpener()
	en := &fakeEnumerator{}
	en.set("/dev/a", "/dev/b")

	m := NewManager(op, en)
	m.SetDiscoveryInterval(5 * time.Millisecond)

	var mu sync.Mutex
	var lastAdded, lastRemoved []string
	m.SetOnPortsChanged(func(added, removed []string) {
		mu.Lock()
		lastAdded, lastRemoved = added, removed
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	if _, err := m.Connect(ctx, "/dev/a", sertypes.DefaultConfig(), ConnectOptions{Monitor: true}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// let the first scan establish the baseline
	time.Sleep(20 * time.Millisecond)

	en.set("/dev/b", "/dev/c")
	waitFor(t, "auto-disconnect", func() bool {
		_, ok := m.Get("/dev/a")
		return !ok
	})
	waitFor(t, "change callback", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lastAdded) == 1 && lastAdded[0] == "/dev/c" &&
			len(lastRemoved) == 1 && lastRemoved[0] == "/dev/a"
	})
}

func TestDiscovery_BusyPortSurvivesVanishing(t *testing.T) {
	op := newFakeOpener()
	en := &fakeEnumerator{}
	en.set("/dev/a")

	m := NewManager(op, en)
	m.SetDiscoveryInterval(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	conn, _ := m.Connect(ctx, "/dev/a", sertypes.DefaultConfig(), ConnectOptions{})
	conn.SetBusy(true)

	time.Sleep(20 * time.Millisecond)
	en.set() // port gone from enumeration

	time.Sleep(30 * time.Millisecond)
	if _, ok := m.Get("/dev/a"); !ok {
		t.Fatal("busy port must not be auto-disconnected")
	}
	if conn.State() != sertypes.StateBusy {
		t.Fatalf("expected busy state, got %s", conn.State())
	}
}

func TestSendCommand_CollectsUntilTerminator(t *testing.T) {
	op := newFakeOpener()
	tr := &fakeTransport{}
	tr.respond = func(string) []string { return []string{"temp=21.5", "humidity=40", "OK"} }
	op.queue("/dev/a", tr)

	m := NewManager(op, &fakeEnumerator{})
	defer m.Stop()

	if _, err := m.Connect(context.Background(), "/dev/a", sertypes.DefaultConfig(), ConnectOptions{Monitor: true}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	out, err := m.SendCommand(context.Background(), "/dev/a", "READ\r\n", true, time.Second)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if tr.written() != "READ\n" {
		t.Fatalf("unexpected wire bytes: %q", tr.written())
	}
	want := "temp=21.5\nhumidity=40\nOK"
	if out != want {
		t.Fatalf("expected %q, got %q", want, out)
	}
}

func TestSendCommand_TimeoutReturnsPartial(t *testing.T) {
	op := newFakeOpener()
	tr := &fakeTransport{}
	tr.respond = func(string) []string { return []string{"partial output"} }
	op.queue("/dev/a", tr)

	m := NewManager(op, &fakeEnumerator{})
	defer m.Stop()

	if _, err := m.Connect(context.Background(), "/dev/a", sertypes.DefaultConfig(), ConnectOptions{Monitor: true}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	out, err := m.SendCommand(context.Background(), "/dev/a", "READ", true, 50*time.Millisecond)
	if !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("expected ErrCommandTimeout, got %v", err)
	}
	if out != "partial output" {
		t.Fatalf("expected partial output, got %q", out)
	}
}

func TestSendCommand_NotConnected(t *testing.T) {
	m := NewManager(newFakeOpener(), &fakeEnumerator{})
	defer m.Stop()

	if _, err := m.SendCommand(context.Background(), "/dev/nope", "X", true, time.Second); !errors.Is(err, ErrPortNotConnected) {
		t.Fatalf("expected ErrPortNotConnected, got %v", err)
	}
}

func TestWrite_NotConnected(t *testing.T) {
	op := newFakeOpener()
	tr := &fakeTransport{}
	op.queue("/dev/a", tr)
	m := NewManager(op, &fakeEnumerator{})
	defer m.Stop()

	conn, _ := m.Connect(context.Background(), "/dev/a", sertypes.DefaultConfig(), ConnectOptions{})
	m.Disconnect("/dev/a")

	if err := conn.WriteLine("x"); !errors.Is(err, ErrPortNotConnected) {
		t.Fatalf("expected ErrPortNotConnected, got %v", err)
	}
}

func TestResetBoard_DTRUsesOpenConnection(t *testing.T) {
	op := newFakeOpener()
	tr := &fakeTransport{}
	op.queue("/dev/a", tr)
	m := NewManager(op, &fakeEnumerator{})
	defer m.Stop()

	if _, err := m.Connect(context.Background(), "/dev/a", sertypes.DefaultConfig(), ConnectOptions{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := m.ResetBoard(context.Background(), "/dev/a", ResetDTR); err != nil {
		t.Fatalf("reset: %v", err)
	}

	tr.mu.Lock()
	ops := tr.dtrOps
	tr.mu.Unlock()
	if len(ops) != 2 || ops[0] != false || ops[1] != true {
		t.Fatalf("expected low/high pulse, got %v", ops)
	}
	if op.openCount() != 1 {
		t.Fatal("reset over an open connection must not open a new transport")
	}
}

func TestResetBoard_Touch1200(t *testing.T) {
	op := newFakeOpener()
	tr := &fakeTransport{}
	op.queue("/dev/a", tr)
	m := NewManager(op, &fakeEnumerator{})
	defer m.Stop()

	if err := m.ResetBoard(context.Background(), "/dev/a", ResetTouch1200); err != nil {
		t.Fatalf("reset: %v", err)
	}

	op.mu.Lock()
	cfg := op.opens[0]
	op.mu.Unlock()
	if cfg.BaudRate != 1200 {
		t.Fatalf("expected 1200 bps touch, got %d", cfg.BaudRate)
	}
	if !tr.isClosed() {
		t.Fatal("touch transport must be closed")
	}
}

func TestResetBoard_UnknownMethod(t *testing.T) {
	m := NewManager(newFakeOpener(), &fakeEnumerator{})
	defer m.Stop()

	err := m.ResetBoard(context.Background(), "/dev/a", ResetMethod("zap"))
	if err == nil || !strings.Contains(err.Error(), "unknown reset method") {
		t.Fatalf("expected unknown method error, got %v", err)
	}
}

func TestArduinoPorts_Filters(t *testing.T) {
	en := &fakeEnumerator{}
	en.mu.Lock()
	en.ports = []sertypes.PortInfo{
		{Device: "/dev/ttyACM0", IsUSB: true, VID: "2341", Product: "Arduino Uno"},
		{Device: "/dev/ttyS0"},
		{Device: "/dev/ttyUSB0", IsUSB: true, VID: "1a86", Product: "CH340 adapter"},
	}
	en.mu.Unlock()

	m := NewManager(newFakeOpener(), en)
	defer m.Stop()

	ports, err := m.ArduinoPorts()
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(ports) != 2 {
		t.Fatalf("expected 2 compatible ports, got %d: %v", len(ports), ports)
	}
}
