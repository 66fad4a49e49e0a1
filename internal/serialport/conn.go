package serialport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/serialtap/internal/sertypes"
)

// recentCap bounds the per-connection recent-line cache.
const recentCap = 1000

// Listener receives every complete line read from a connection. Callbacks
// run on the connection's monitor goroutine and must not block.
type Listener func(line string)

// Conn is one open serial connection. Reads are owned by a single goroutine
// (the manager's monitor); writes and state queries are safe from anywhere.
type Conn struct {
	device string

	mu           sync.Mutex
	cfg          sertypes.Config
	state        sertypes.State
	errMsg       string
	lastActivity time.Time
	transport    Transport
	listeners    map[int]Listener
	nextListener int
	recent       []string

	// reader-owned; touched only by the monitor goroutine
	pending []byte
	chunk   []byte
}

func newConn(device string, cfg sertypes.Config) *Conn {
	return &Conn{
		device:    device,
		cfg:       cfg.WithDefaults(),
		state:     sertypes.StateConnecting,
		listeners: make(map[int]Listener),
		chunk:     make([]byte, 4096),
	}
}

// Device returns the device path.
func (c *Conn) Device() string { return c.device }

// Config returns the line parameters the connection was opened with.
func (c *Conn) Config() sertypes.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// State returns the current connection state.
func (c *Conn) State() sertypes.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ErrorMessage returns the last failure description, if any.
func (c *Conn) ErrorMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errMsg
}

// LastActivity returns when data last moved on this connection.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// SetBusy marks the port as reserved (true) or returns it to normal
// connected state (false). A busy port keeps its transport open but is
// exempt from discovery-driven disconnects.
func (c *Conn) SetBusy(busy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if busy {
		c.state = sertypes.StateBusy
	} else if c.state == sertypes.StateBusy {
		c.state = sertypes.StateConnected
	}
}

func (c *Conn) setError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = sertypes.StateError
	c.errMsg = err.Error()
}

func (c *Conn) setConnecting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = sertypes.StateConnecting
}

// resume installs an open transport, on first connect or after a successful
// redial. Called by the goroutine that owns the partial-line buffer. The old
// transport is closed: a stale handle holds the device node exclusively and
// would make every later open of the same port fail.
func (c *Conn) resume(t Transport) {
	c.pending = c.pending[:0]
	c.mu.Lock()
	old := c.transport
	c.transport = t
	c.state = sertypes.StateConnected
	c.errMsg = ""
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
}

// close shuts the transport and marks the connection disconnected.
func (c *Conn) close() error {
	c.mu.Lock()
	t := c.transport
	c.transport = nil
	c.state = sertypes.StateDisconnected
	c.mu.Unlock()

	if t == nil {
		return nil
	}
	return t.Close()
}

// AddListener registers a line callback and returns a token for removal.
func (c *Conn) AddListener(fn Listener) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	return id
}

// RemoveListener unregisters a callback by its token.
func (c *Conn) RemoveListener(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, id)
}

// RecentLines returns up to n of the most recently received lines,
// oldest first. n <= 0 returns everything cached.
func (c *Conn) RecentLines(n int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	lines := c.recent
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := make([]string, len(lines))
	copy(out, lines)
	return out
}

// ClearRecent drops the recent-line cache.
func (c *Conn) ClearRecent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recent = nil
}

// ReadLine blocks until a complete line arrives, the context is cancelled,
// or the transport fails. It assembles lines itself because transport reads
// return (0, nil) on timeout, which bufio treats as io.ErrNoProgress; each
// timeout tick is used to re-check the context. Received lines are cached
// and fanned out to listeners before being returned. Reader-side state is
// unsynchronized: ReadLine must only ever be called by one goroutine.
func (c *Conn) ReadLine(ctx context.Context) (string, error) {
	for {
		if i := indexNewline(c.pending); i >= 0 {
			line := strings.TrimRight(string(c.pending[:i]), "\r")
			c.pending = c.pending[i+1:]
			if line == "" {
				continue
			}
			c.deliver(line)
			return line, nil
		}

		if err := ctx.Err(); err != nil {
			return "", err
		}

		c.mu.Lock()
		t := c.transport
		c.mu.Unlock()
		if t == nil {
			return "", ErrPortNotConnected
		}

		n, err := t.Read(c.chunk)
		if n > 0 {
			c.pending = append(c.pending, c.chunk[:n]...)
			c.mu.Lock()
			c.lastActivity = time.Now()
			c.mu.Unlock()
		}
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrRead, c.device, err)
		}
	}
}

func indexNewline(b []byte) int {
	for i, ch := range b {
		if ch == '\n' {
			return i
		}
	}
	return -1
}

// deliver caches a line and notifies listeners. Callbacks run without the
// lock held so a listener may call back into the connection.
func (c *Conn) deliver(line string) {
	c.mu.Lock()
	c.recent = append(c.recent, line)
	if len(c.recent) > recentCap {
		c.recent = c.recent[len(c.recent)-recentCap:]
	}
	fns := make([]Listener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(line)
	}
}

// Write sends raw bytes. The connection must be connected or busy.
func (c *Conn) Write(data []byte) (int, error) {
	c.mu.Lock()
	t := c.transport
	state := c.state
	c.mu.Unlock()

	if t == nil || (state != sertypes.StateConnected && state != sertypes.StateBusy) {
		return 0, fmt.Errorf("%w: %s", ErrPortNotConnected, c.device)
	}
	n, err := t.Write(data)
	if err != nil {
		c.setError(err)
		return n, fmt.Errorf("%w: %s: %v", ErrWrite, c.device, err)
	}
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
	return n, nil
}

// WriteLine sends text with exactly one trailing newline.
func (c *Conn) WriteLine(text string) error {
	text = strings.TrimRight(text, "\r\n")
	_, err := c.Write([]byte(text + "\n"))
	return err
}
