// Package buffers implements the capture core: a fixed-capacity ring of
// serial entries shared by all ports, with independent reader cursors that
// survive (or are invalidated by) eviction.
package buffers

import (
	"sync"
	"time"

	"github.com/ppiankov/serialtap/internal/sertypes"
)

const (
	// DefaultCapacity is used when NewRing is given a non-positive capacity.
	DefaultCapacity = 10_000
	// MinCapacity and MaxCapacity bound externally supplied capacities.
	MinCapacity = 100
	MaxCapacity = 1_000_000
)

// Ring is a bounded, append-only store of entries across all ports. Every
// append assigns a global sequence number that is never reused; when full,
// the oldest entry is evicted and any cursor at or behind it is invalidated
// in the same critical section. All methods are safe for concurrent use,
// but Append is expected to be called from a single ingestion goroutine.
type Ring struct {
	mu      sync.Mutex
	buf     []sertypes.Entry
	head    int // index of the oldest entry
	count   int // entries in buffer (≤ cap)
	nextSeq uint64
	version uint64 // bumped on any content change, for change detection

	totalInserted uint64
	totalDropped  uint64

	cursors map[string]*cursor
	now     func() time.Time
}

// NewRing creates a ring with the given capacity. Non-positive capacities
// select DefaultCapacity; other values are clamped to [MinCapacity, MaxCapacity].
func NewRing(capacity int) *Ring {
	capacity = ClampCapacity(capacity)
	return &Ring{
		buf:     make([]sertypes.Entry, capacity),
		cursors: make(map[string]*cursor),
		now:     time.Now,
	}
}

// ClampCapacity normalizes a requested capacity: non-positive values select
// DefaultCapacity, everything else is clamped to [MinCapacity, MaxCapacity].
func ClampCapacity(capacity int) int {
	switch {
	case capacity <= 0:
		return DefaultCapacity
	case capacity < MinCapacity:
		return MinCapacity
	case capacity > MaxCapacity:
		return MaxCapacity
	}
	return capacity
}

// Append stores a new entry, evicting the oldest one when full. Eviction
// and cursor invalidation happen atomically with the insert: no reader can
// observe a half-evicted state.
func (r *Ring) Append(port, data string, kind sertypes.Kind) sertypes.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := sertypes.Entry{
		Seq:       r.nextSeq,
		Timestamp: r.now(),
		Port:      port,
		Kind:      kind,
		Data:      data,
	}
	r.nextSeq++
	r.totalInserted++
	r.version++

	if r.count == len(r.buf) {
		evicted := r.buf[r.head]
		r.totalDropped++
		r.invalidateThrough(evicted.Seq)
		r.buf[r.head] = entry
		r.head = (r.head + 1) % len(r.buf)
		return entry
	}

	r.buf[(r.head+r.count)%len(r.buf)] = entry
	r.count++
	return entry
}

// invalidateThrough marks every cursor whose position is at or behind the
// dropped sequence as invalid. The ≤ comparison is the enforced contract:
// a cursor positioned exactly at the dropped entry has lost data.
func (r *Ring) invalidateThrough(droppedSeq uint64) {
	for _, c := range r.cursors {
		if c.position <= droppedSeq {
			c.valid = false
		}
	}
}

// oldestSeqLocked returns the sequence of the oldest retained entry.
// Only meaningful when count > 0.
func (r *Ring) oldestSeqLocked() uint64 {
	return r.buf[r.head].Seq
}

func (r *Ring) newestSeqLocked() uint64 {
	return r.buf[(r.head+r.count-1)%len(r.buf)].Seq
}

// entryAt returns the i-th entry in chronological order (0 = oldest).
func (r *Ring) entryAt(i int) sertypes.Entry {
	return r.buf[(r.head+i)%len(r.buf)]
}

// Len returns the number of retained entries.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Capacity returns the current capacity.
func (r *Ring) Capacity() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Version returns a counter that changes whenever the ring's content does.
func (r *Ring) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// Snapshot returns a chronological copy of all retained entries.
func (r *Ring) Snapshot() []sertypes.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil
	}
	out := make([]sertypes.Entry, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.entryAt(i)
	}
	return out
}

// Latest returns up to limit newest entries, optionally restricted to one
// port, in chronological order.
func (r *Ring) Latest(port string, limit int) []sertypes.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 || limit <= 0 {
		return nil
	}
	var out []sertypes.Entry
	for i := 0; i < r.count; i++ {
		e := r.entryAt(i)
		if port != "" && e.Port != port {
			continue
		}
		out = append(out, e)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Clear removes entries for one port, or everything when port is empty.
// Bulk removal breaks cursor position bookkeeping, so every cursor is
// invalidated unconditionally. A full clear also resets the drop counter;
// sequence numbering always continues where it left off.
func (r *Ring) Clear(port string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if port == "" {
		r.head = 0
		r.count = 0
		r.totalDropped = 0
	} else {
		kept := make([]sertypes.Entry, 0, r.count)
		for i := 0; i < r.count; i++ {
			if e := r.entryAt(i); e.Port != port {
				kept = append(kept, e)
			}
		}
		r.head = 0
		r.count = len(kept)
		copy(r.buf, kept)
	}
	r.version++

	for _, c := range r.cursors {
		c.valid = false
	}
}

// ResizeStats reports the outcome of a Resize call.
type ResizeStats struct {
	OldCapacity    int `json:"old_capacity"`
	NewCapacity    int `json:"new_capacity"`
	EntriesBefore  int `json:"entries_before"`
	EntriesAfter   int `json:"entries_after"`
	EntriesDropped int `json:"entries_dropped"`
}

// Resize changes the ring's capacity. Shrinking below the current length
// drops the oldest overflow, counting each as a drop and invalidating
// cursors by the same ≤ rule as eviction; growing preserves all retained
// entries with their sequence numbers unchanged.
func (r *Ring) Resize(newCapacity int) ResizeStats {
	newCapacity = ClampCapacity(newCapacity)

	r.mu.Lock()
	defer r.mu.Unlock()

	stats := ResizeStats{
		OldCapacity:   len(r.buf),
		NewCapacity:   newCapacity,
		EntriesBefore: r.count,
	}

	keep := r.count
	if keep > newCapacity {
		overflow := keep - newCapacity
		for i := 0; i < overflow; i++ {
			dropped := r.entryAt(i)
			r.totalDropped++
			r.invalidateThrough(dropped.Seq)
		}
		stats.EntriesDropped = overflow
		keep = newCapacity
	}

	fresh := make([]sertypes.Entry, newCapacity)
	skip := r.count - keep
	for i := 0; i < keep; i++ {
		fresh[i] = r.entryAt(skip + i)
	}
	r.buf = fresh
	r.head = 0
	r.count = keep
	r.version++

	stats.EntriesAfter = keep
	return stats
}

// Stats is a point-in-time view of the ring and its cursor table.
// OldestSeq and NewestSeq are meaningful only when Len > 0.
type Stats struct {
	Len            int     `json:"len"`
	Capacity       int     `json:"capacity"`
	TotalInserted  uint64  `json:"total_inserted"`
	TotalDropped   uint64  `json:"total_dropped"`
	DropRate       float64 `json:"drop_rate_percent"`
	OldestSeq      uint64  `json:"oldest_seq"`
	NewestSeq      uint64  `json:"newest_seq"`
	ActiveCursors  int     `json:"active_cursors"`
	ValidCursors   int     `json:"valid_cursors"`
	InvalidCursors int     `json:"invalid_cursors"`
}

// Stats returns current buffer statistics.
func (r *Ring) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statsLocked()
}

func (r *Ring) statsLocked() Stats {
	s := Stats{
		Len:           r.count,
		Capacity:      len(r.buf),
		TotalInserted: r.totalInserted,
		TotalDropped:  r.totalDropped,
		ActiveCursors: len(r.cursors),
	}
	if r.totalInserted > 0 {
		s.DropRate = float64(r.totalDropped) / float64(r.totalInserted) * 100
	}
	if r.count > 0 {
		s.OldestSeq = r.oldestSeqLocked()
		s.NewestSeq = r.newestSeqLocked()
	}
	for _, c := range r.cursors {
		if c.valid {
			s.ValidCursors++
		} else {
			s.InvalidCursors++
		}
	}
	return s
}
