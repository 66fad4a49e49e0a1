package serialport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/serialtap/internal/sertypes"
)

var (
	// ErrConnect wraps failures to open a device.
	ErrConnect = errors.New("connect error")
	// ErrRead wraps transport read failures.
	ErrRead = errors.New("read error")
	// ErrWrite wraps transport write failures.
	ErrWrite = errors.New("write error")
	// ErrPortNotConnected is returned for operations on unknown or closed ports.
	ErrPortNotConnected = errors.New("port not connected")
	// ErrCommandTimeout is returned by SendCommand when no terminator arrived
	// in time; the partial output collected so far is still returned.
	ErrCommandTimeout = errors.New("command timed out waiting for response")
)

const (
	defaultReconnectDelay    = 2 * time.Second
	defaultDiscoveryInterval = 2 * time.Second
)

// commandTerminators end a command/response exchange. Matching is a
// case-insensitive substring test against each response line.
var commandTerminators = []string{"ok", "error", "done", "ready"}

// ResetMethod selects how ResetBoard pulses a board.
type ResetMethod string

const (
	ResetDTR       ResetMethod = "dtr"
	ResetRTS       ResetMethod = "rts"
	ResetTouch1200 ResetMethod = "touch1200" // 1200 bps touch, used by native-USB boards
)

// PortsChangedFunc is notified with devices that appeared and disappeared
// between discovery scans.
type PortsChangedFunc func(added, removed []string)

// Manager owns every serial connection: it opens and closes transports,
// runs one monitor goroutine per connected port, redials after failures,
// and watches the host for ports coming and going.
type Manager struct {
	opener Opener
	enum   Enumerator

	mu       sync.Mutex
	conns    map[string]*Conn
	monitors map[string]*monitorHandle

	autoReconnect     bool
	reconnectDelay    time.Duration
	discoveryInterval time.Duration
	onPortsChanged    PortsChangedFunc
	onReconnect       func(device string)

	discoveryCancel context.CancelFunc
	discoveryDone   chan struct{}
}

type monitorHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager builds a manager with reconnection enabled and default timings.
func NewManager(opener Opener, enum Enumerator) *Manager {
	return &Manager{
		opener:            opener,
		enum:              enum,
		conns:             make(map[string]*Conn),
		monitors:          make(map[string]*monitorHandle),
		autoReconnect:     true,
		reconnectDelay:    defaultReconnectDelay,
		discoveryInterval: defaultDiscoveryInterval,
	}
}

// SetAutoReconnect toggles redialing after a transport failure.
func (m *Manager) SetAutoReconnect(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoReconnect = on
}

// SetReconnectDelay sets the pause between redial attempts.
func (m *Manager) SetReconnectDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.reconnectDelay = d
	}
}

// SetDiscoveryInterval sets how often the host is scanned for port changes.
func (m *Manager) SetDiscoveryInterval(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.discoveryInterval = d
	}
}

// SetOnPortsChanged registers the discovery callback. Call before Start.
func (m *Manager) SetOnPortsChanged(fn PortsChangedFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPortsChanged = fn
}

// SetOnReconnect registers a hook fired after each successful redial.
func (m *Manager) SetOnReconnect(fn func(device string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnect = fn
}

// ListPorts enumerates serial ports on the host.
func (m *Manager) ListPorts() ([]sertypes.PortInfo, error) {
	return m.enum.Enumerate()
}

// ArduinoPorts enumerates ports that look like Arduino-compatible boards.
func (m *Manager) ArduinoPorts() ([]sertypes.PortInfo, error) {
	all, err := m.enum.Enumerate()
	if err != nil {
		return nil, err
	}
	var out []sertypes.PortInfo
	for _, p := range all {
		if p.ArduinoCompatible() {
			out = append(out, p)
		}
	}
	return out, nil
}

// ConnectOptions control Connect behavior.
type ConnectOptions struct {
	// Monitor starts a reader goroutine that streams lines to listeners.
	Monitor bool
	// Exclusive disconnects every other port first.
	Exclusive bool
}

// Connect opens a device. Connecting to an already-connected device is
// idempotent and returns the existing connection; a device stuck in an
// error state is torn down and redialed.
func (m *Manager) Connect(ctx context.Context, device string, cfg sertypes.Config, opts ConnectOptions) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if opts.Exclusive {
		for dev := range m.conns {
			if dev != device {
				m.disconnectLocked(dev)
			}
		}
	}

	if existing, ok := m.conns[device]; ok {
		switch existing.State() {
		case sertypes.StateConnected, sertypes.StateBusy:
			return existing, nil
		}
		m.disconnectLocked(device)
	}

	conn := newConn(device, cfg)
	t, err := m.opener.Open(device, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, device, err)
	}
	conn.resume(t)

	m.conns[device] = conn
	if opts.Monitor {
		m.startMonitorLocked(conn)
	}
	return conn, nil
}

// Disconnect tears down one port: the monitor is cancelled and awaited
// before the transport is closed, so no listener fires afterwards.
// Returns false when the device is not connected.
func (m *Manager) Disconnect(device string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnectLocked(device)
}

func (m *Manager) disconnectLocked(device string) bool {
	conn, ok := m.conns[device]
	if !ok {
		return false
	}
	m.stopMonitorLocked(device)
	if err := conn.close(); err != nil {
		log.Printf("serialport: close %s: %v", device, err)
	}
	delete(m.conns, device)
	return true
}

// DisconnectAll tears down every connection.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for dev := range m.conns {
		m.disconnectLocked(dev)
	}
}

// Get returns the connection for a device, if any.
func (m *Manager) Get(device string) (*Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[device]
	return c, ok
}

// Connected returns the devices with an open connection, sorted.
func (m *Manager) Connected() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.conns))
	for dev := range m.conns {
		out = append(out, dev)
	}
	sort.Strings(out)
	return out
}

// StartMonitoring launches the reader goroutine for an already-connected
// device. No-op when a monitor is already running.
func (m *Manager) StartMonitoring(device string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[device]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPortNotConnected, device)
	}
	if _, running := m.monitors[device]; !running {
		m.startMonitorLocked(conn)
	}
	return nil
}

// StopMonitoring stops the reader goroutine, leaving the port connected.
func (m *Manager) StopMonitoring(device string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopMonitorLocked(device)
}

func (m *Manager) startMonitorLocked(conn *Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &monitorHandle{cancel: cancel, done: make(chan struct{})}
	m.monitors[conn.device] = h
	// reconnect settings are captured here: the monitor never touches the
	// manager lock, so Disconnect can await it while holding the lock
	go m.monitorLoop(ctx, conn, h.done, m.autoReconnect, m.reconnectDelay, m.onReconnect)
}

// stopMonitorLocked cancels the monitor and waits for it to exit. The wait
// is bounded by the transport read timeout, so holding the manager lock
// here is fine; monitor goroutines never take it.
func (m *Manager) stopMonitorLocked(device string) {
	h, ok := m.monitors[device]
	if !ok {
		return
	}
	h.cancel()
	<-h.done
	delete(m.monitors, device)
}

// monitorLoop reads lines until cancelled. On transport failure it marks
// the connection errored and, when reconnection is enabled, keeps redialing
// with the connection's original parameters.
func (m *Manager) monitorLoop(ctx context.Context, conn *Conn, done chan struct{}, redial bool, delay time.Duration, hook func(string)) {
	defer close(done)

	for {
		_, err := conn.ReadLine(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		conn.setError(err)
		log.Printf("serialport: %s: %v", conn.device, err)

		if !redial {
			return
		}

		for {
			if !sleepCtx(ctx, delay) {
				return
			}
			conn.setConnecting()
			t, derr := m.opener.Open(conn.device, conn.Config())
			if derr != nil {
				conn.setError(derr)
				continue
			}
			conn.resume(t)
			log.Printf("serialport: %s: reconnected", conn.device)
			if hook != nil {
				hook(conn.device)
			}
			break
		}
	}
}

// Start launches the discovery loop. It runs until ctx is cancelled or
// Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.discoveryDone != nil {
		return
	}
	dctx, cancel := context.WithCancel(ctx)
	m.discoveryCancel = cancel
	m.discoveryDone = make(chan struct{})
	go m.discoveryLoop(dctx, m.discoveryDone)
}

// Stop halts discovery and disconnects every port.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.discoveryCancel, m.discoveryDone
	m.discoveryCancel, m.discoveryDone = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	m.DisconnectAll()
}

// discoveryLoop diffs the host's port list each tick. Ports that vanished
// while Connected are torn down; Busy ports are left alone so an upload in
// flight is not interrupted by a flaky enumeration. New ports are only
// reported, never auto-connected.
func (m *Manager) discoveryLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	m.mu.Lock()
	interval := m.discoveryInterval
	m.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	known := make(map[string]bool)
	first := true

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		infos, err := m.enum.Enumerate()
		if err != nil {
			log.Printf("serialport: discovery: %v", err)
			continue
		}

		current := make(map[string]bool, len(infos))
		for _, p := range infos {
			current[p.Device] = true
		}

		var added, removed []string
		for dev := range current {
			if !known[dev] {
				added = append(added, dev)
			}
		}
		for dev := range known {
			if !current[dev] {
				removed = append(removed, dev)
			}
		}
		sort.Strings(added)
		sort.Strings(removed)

		for _, dev := range removed {
			m.mu.Lock()
			if conn, ok := m.conns[dev]; ok && conn.State() == sertypes.StateConnected {
				log.Printf("serialport: %s disappeared, disconnecting", dev)
				m.disconnectLocked(dev)
			}
			m.mu.Unlock()
		}

		m.mu.Lock()
		notify := m.onPortsChanged
		m.mu.Unlock()
		if notify != nil && !first && (len(added) > 0 || len(removed) > 0) {
			notify(added, removed)
		}

		known = current
		first = false
	}
}

// SendCommand writes a command line and, when wait is true, collects
// response lines until one contains a terminator token (ok, error, done,
// ready) or the timeout elapses. On timeout the partial output is returned
// together with ErrCommandTimeout. The response is read through a listener,
// never directly from the transport, so the monitor stays the sole reader.
func (m *Manager) SendCommand(ctx context.Context, device, command string, wait bool, timeout time.Duration) (string, error) {
	conn, ok := m.Get(device)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrPortNotConnected, device)
	}

	if !wait {
		return "", conn.WriteLine(command)
	}

	lines := make(chan string, 64)
	token := conn.AddListener(func(line string) {
		select {
		case lines <- line:
		default:
		}
	})
	defer conn.RemoveListener(token)

	if err := conn.WriteLine(command); err != nil {
		return "", err
	}

	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var out []string
	for {
		select {
		case line := <-lines:
			out = append(out, line)
			if isTerminator(line) {
				return strings.Join(out, "\n"), nil
			}
		case <-timer.C:
			return strings.Join(out, "\n"), fmt.Errorf("%w: %s after %s", ErrCommandTimeout, device, timeout)
		case <-ctx.Done():
			return strings.Join(out, "\n"), ctx.Err()
		}
	}
}

func isTerminator(line string) bool {
	lower := strings.ToLower(line)
	for _, tok := range commandTerminators {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}

// ResetBoard pulses a board's reset. DTR and RTS toggles use the open
// connection when there is one, otherwise a throwaway transport; the
// 1200 bps touch always opens its own transport since the trick is the
// open/close itself.
func (m *Manager) ResetBoard(ctx context.Context, device string, method ResetMethod) error {
	switch method {
	case ResetTouch1200:
		cfg := sertypes.DefaultConfig()
		cfg.BaudRate = 1200
		t, err := m.opener.Open(device, cfg)
		if err != nil {
			return fmt.Errorf("%w: touch1200 %s: %v", ErrConnect, device, err)
		}
		if err := t.Close(); err != nil {
			return fmt.Errorf("touch1200 close %s: %w", device, err)
		}
		sleepCtx(ctx, 500*time.Millisecond)
		return nil

	case ResetDTR, ResetRTS:
		toggle := func(t Transport, level bool) error {
			if method == ResetDTR {
				return t.SetDTR(level)
			}
			return t.SetRTS(level)
		}

		if conn, ok := m.Get(device); ok {
			conn.mu.Lock()
			t := conn.transport
			conn.mu.Unlock()
			if t != nil {
				return pulse(ctx, t, toggle, device)
			}
		}

		t, err := m.opener.Open(device, sertypes.DefaultConfig())
		if err != nil {
			return fmt.Errorf("%w: reset %s: %v", ErrConnect, device, err)
		}
		defer t.Close()
		return pulse(ctx, t, toggle, device)

	default:
		return fmt.Errorf("unknown reset method %q", method)
	}
}

func pulse(ctx context.Context, t Transport, toggle func(Transport, bool) error, device string) error {
	if err := toggle(t, false); err != nil {
		return fmt.Errorf("reset %s: %w", device, err)
	}
	sleepCtx(ctx, 100*time.Millisecond)
	if err := toggle(t, true); err != nil {
		return fmt.Errorf("reset %s: %w", device, err)
	}
	sleepCtx(ctx, 500*time.Millisecond)
	return nil
}

// sleepCtx waits for d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
