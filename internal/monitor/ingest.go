// Package monitor is the capture pipeline: lines from serial connections
// flow through a bounded channel into the shared ring buffer and,
// optionally, onto disk as JSONL.
package monitor

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ppiankov/serialtap/internal/buffers"
	"github.com/ppiankov/serialtap/internal/sertypes"
)

// item is one line waiting to be ingested.
type item struct {
	port string
	data string
	kind sertypes.Kind
}

// Ingestor drains items from a bounded channel into the ring buffer. It is
// the ring's sole appender: listener callbacks and command mirroring all
// funnel through here, so eviction order matches arrival order regardless
// of how many ports are being monitored.
type Ingestor struct {
	ch   chan item
	ring *buffers.Ring
	sink io.Writer // optional JSONL destination
	wg   sync.WaitGroup

	done   chan struct{}
	closed atomic.Bool

	bytesWritten atomic.Int64
	linesWritten atomic.Int64

	track      func(sertypes.Entry)
	queueGauge func(float64)
}

// NewIngestor starts the drain goroutine. sink receives one JSON object per
// ingested entry and may be nil; track is called per entry after it is
// stored (may be nil).
func NewIngestor(bufSize int, ring *buffers.Ring, sink io.Writer, track func(sertypes.Entry)) *Ingestor {
	if bufSize <= 0 {
		bufSize = 1024
	}
	in := &Ingestor{
		ch:    make(chan item, bufSize),
		ring:  ring,
		sink:  sink,
		track: track,
		done:  make(chan struct{}),
	}
	in.wg.Add(1)
	go in.drain()
	return in
}

// SetQueueGauge sets a callback to report channel occupancy changes.
func (in *Ingestor) SetQueueGauge(fn func(float64)) {
	in.queueGauge = fn
}

// Send queues a line without blocking. Returns false when the channel is
// full; the caller should count the line as dropped.
func (in *Ingestor) Send(port, data string, kind sertypes.Kind) bool {
	select {
	case in.ch <- item{port: port, data: data, kind: kind}:
		in.reportQueue()
		return true
	default:
		return false
	}
}

func (in *Ingestor) reportQueue() {
	if in.queueGauge != nil {
		in.queueGauge(float64(len(in.ch)))
	}
}

// Close stops the drain goroutine after flushing queued items.
func (in *Ingestor) Close() {
	if in.closed.CompareAndSwap(false, true) {
		close(in.done)
		in.wg.Wait()
	}
}

// BytesWritten returns total bytes written to the sink.
func (in *Ingestor) BytesWritten() int64 { return in.bytesWritten.Load() }

// LinesWritten returns total entries ingested.
func (in *Ingestor) LinesWritten() int64 { return in.linesWritten.Load() }

// Healthy reports whether the channel still has capacity.
func (in *Ingestor) Healthy() bool { return len(in.ch) < cap(in.ch) }

func (in *Ingestor) drain() {
	defer in.wg.Done()
	for {
		select {
		case it := <-in.ch:
			in.ingest(it)
			in.reportQueue()
		case <-in.done:
			for {
				select {
				case it := <-in.ch:
					in.ingest(it)
					in.reportQueue()
				default:
					return
				}
			}
		}
	}
}

func (in *Ingestor) ingest(it item) {
	entry := in.ring.Append(it.port, it.data, it.kind)
	in.linesWritten.Add(1)

	if in.sink != nil {
		data, err := json.Marshal(entry)
		if err == nil {
			n, _ := io.WriteString(in.sink, fmt.Sprintf("%s\n", data))
			in.bytesWritten.Add(int64(n))
		}
	}
	if in.track != nil {
		in.track(entry)
	}
}

// Flush blocks briefly until the channel is empty, for tests and shutdown.
func (in *Ingestor) Flush(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(in.ch) == 0 {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return len(in.ch) == 0
}
