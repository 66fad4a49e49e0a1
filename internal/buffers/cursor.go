package buffers

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/serialtap/internal/sertypes"
)

var (
	// ErrCursorNotFound is returned for unknown cursor ids.
	ErrCursorNotFound = errors.New("cursor not found")
	// ErrCursorInvalid is returned when a cursor's data has been evicted
	// and recovery was not requested. Create a new cursor, or read again
	// with AutoRecover.
	ErrCursorInvalid = errors.New("cursor invalid: data has been overwritten")
)

// RecoveredWarning is attached to a read that auto-recovered a stale cursor.
const RecoveredWarning = "cursor recovered: entries were dropped before they could be read"

// Anchor selects the initial position of a new cursor.
type Anchor string

const (
	AnchorOldest Anchor = "oldest" // oldest retained entry
	AnchorNewest Anchor = "newest" // newest retained entry (re-reads it)
	AnchorNext   Anchor = "next"   // next entry to be appended
	AnchorZero   Anchor = "zero"   // absolute sequence 0 (may be born invalid)
)

// cursor is the internal bookmark state. Referenced externally only by id.
type cursor struct {
	id        string
	position  uint64 // next unread sequence
	createdAt time.Time
	lastRead  time.Time
	readCount int
	valid     bool
}

// CursorInfo is an external snapshot of one cursor.
type CursorInfo struct {
	ID        string    `json:"cursor_id"`
	Position  uint64    `json:"position"`
	Valid     bool      `json:"valid"`
	CreatedAt time.Time `json:"created_at"`
	LastRead  time.Time `json:"last_read,omitempty"`
	ReadCount int       `json:"read_count"`
}

// CreateCursor registers a new cursor anchored as requested and returns its
// opaque id. A cursor whose computed position is already behind the oldest
// retained entry is born invalid.
func (r *Ring) CreateCursor(anchor Anchor) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var position uint64
	switch anchor {
	case AnchorOldest:
		if r.count > 0 {
			position = r.oldestSeqLocked()
		} else {
			position = r.nextSeq
		}
	case AnchorNewest:
		if r.count > 0 {
			position = r.newestSeqLocked()
		} else {
			position = r.nextSeq
		}
	case AnchorZero:
		position = 0
	default: // AnchorNext and anything unrecognized
		position = r.nextSeq
	}

	c := &cursor{
		id:        uuid.NewString(),
		position:  position,
		createdAt: r.now(),
		valid:     true,
	}
	if r.count > 0 && position < r.oldestSeqLocked() {
		c.valid = false
	}
	r.cursors[c.id] = c
	return c.id
}

// ReadOptions controls a cursor read.
type ReadOptions struct {
	Limit       int           // max entries to return; <=0 means 100
	Port        string        // only entries from this port when non-empty
	Kind        sertypes.Kind // only entries of this kind when non-empty
	AutoRecover bool          // snap an invalid cursor to the oldest entry
}

// ReadResult is the outcome of a successful cursor read.
type ReadResult struct {
	Entries []sertypes.Entry `json:"entries"`
	HasMore bool             `json:"has_more"`
	Warning string           `json:"warning,omitempty"`
	Cursor  CursorInfo       `json:"cursor_state"`
	Buffer  Stats            `json:"buffer_state"`
}

const defaultReadLimit = 100

// ReadFrom returns entries at or after the cursor's position, advancing it
// past the last entry returned. An invalid cursor either recovers to the
// oldest retained entry (with a data-loss warning) when opts.AutoRecover is
// set, or fails with ErrCursorInvalid without mutating anything. A cursor
// positioned ahead of all data returns zero entries and HasMore=false.
func (r *Ring) ReadFrom(cursorID string, opts ReadOptions) (ReadResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.cursors[cursorID]
	if !ok {
		return ReadResult{}, ErrCursorNotFound
	}

	var warning string
	if !c.valid {
		if !opts.AutoRecover || r.count == 0 {
			return ReadResult{}, ErrCursorInvalid
		}
		c.position = r.oldestSeqLocked()
		c.valid = true
		warning = RecoveredWarning
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultReadLimit
	}

	var entries []sertypes.Entry
	last := c.position
	for i := 0; i < r.count; i++ {
		e := r.entryAt(i)
		if e.Seq < c.position {
			continue
		}
		if opts.Port != "" && e.Port != opts.Port {
			continue
		}
		if opts.Kind != "" && e.Kind != opts.Kind {
			continue
		}
		entries = append(entries, e)
		last = e.Seq
		if len(entries) >= limit {
			break
		}
	}

	if len(entries) > 0 {
		c.position = last + 1
		c.lastRead = r.now()
		c.readCount++
	}

	hasMore := r.count > 0 && r.newestSeqLocked() >= c.position

	return ReadResult{
		Entries: entries,
		HasMore: hasMore,
		Warning: warning,
		Cursor:  c.info(),
		Buffer:  r.statsLocked(),
	}, nil
}

func (c *cursor) info() CursorInfo {
	return CursorInfo{
		ID:        c.id,
		Position:  c.position,
		Valid:     c.valid,
		CreatedAt: c.createdAt,
		LastRead:  c.lastRead,
		ReadCount: c.readCount,
	}
}

// DeleteCursor removes a cursor. Returns false for unknown ids.
func (r *Ring) DeleteCursor(cursorID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.cursors[cursorID]; !ok {
		return false
	}
	delete(r.cursors, cursorID)
	return true
}

// CursorInfo returns a snapshot of one cursor.
func (r *Ring) CursorInfo(cursorID string) (CursorInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.cursors[cursorID]
	if !ok {
		return CursorInfo{}, ErrCursorNotFound
	}
	return c.info(), nil
}

// ListCursors returns snapshots of all cursors in no particular order.
func (r *Ring) ListCursors() []CursorInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]CursorInfo, 0, len(r.cursors))
	for _, c := range r.cursors {
		out = append(out, c.info())
	}
	return out
}

// CleanupInvalid deletes every invalid cursor and returns how many were removed.
func (r *Ring) CleanupInvalid() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int
	for id, c := range r.cursors {
		if !c.valid {
			delete(r.cursors, id)
			removed++
		}
	}
	return removed
}
