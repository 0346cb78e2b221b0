// Package ledger records the generation status of each trigger comment so that
// automatic activation never fires the same comment twice.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/alantheprice/commentgen/pkg/buffer"
)

// State is the lifecycle of a ledger entry.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateError      State = "error"
)

// Hash identifies a trigger comment: buffer, line at hash time, trimmed text.
// Two identical comment lines in one buffer collide when hashed at the same
// line; that is a known limitation of content identity.
type Hash string

// HashOf computes the ledger key for a comment.
func HashOf(id buffer.ID, line int, raw string) Hash {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%d\x00%s", id, line, strings.TrimSpace(raw))))
	return Hash(hex.EncodeToString(sum[:12]))
}

// Entry is one ledger record.
type Entry struct {
	ID        string
	Hash      Hash
	Buffer    buffer.ID
	Raw       string
	State     State
	Range     buffer.Range
	HasRange  bool
	Message   string
	UpdatedAt time.Time
}

// Ledger is the in-memory request ledger. It is safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	entries map[Hash]*Entry
	now     func() time.Time
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{entries: make(map[Hash]*Entry), now: time.Now}
}

func (l *Ledger) entry(h Hash, id buffer.ID, raw string) *Entry {
	e, ok := l.entries[h]
	if !ok {
		e = &Entry{ID: ulid.Make().String(), Hash: h, Buffer: id, Raw: strings.TrimSpace(raw), State: StatePending}
		l.entries[h] = e
	}
	return e
}

// MarkProcessing moves h to processing. It returns false, changing nothing,
// when h is already processing.
func (l *Ledger) MarkProcessing(h Hash, id buffer.ID, raw string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entry(h, id, raw)
	if e.State == StateProcessing {
		return false
	}
	e.State = StateProcessing
	e.Message = ""
	e.HasRange = false
	e.UpdatedAt = l.now()
	return true
}

// MarkCompleted records success and the placed range.
func (l *Ledger) MarkCompleted(h Hash, id buffer.ID, raw string, r buffer.Range) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entry(h, id, raw)
	e.State = StateCompleted
	e.Range = r
	e.HasRange = !r.Empty()
	e.Message = ""
	e.UpdatedAt = l.now()
}

// MarkError records a failed generation. Error entries do not suppress
// automatic re-attempts.
func (l *Ledger) MarkError(h Hash, id buffer.ID, raw, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entry(h, id, raw)
	e.State = StateError
	e.Message = message
	e.HasRange = false
	e.UpdatedAt = l.now()
}

// Clear forgets h entirely so the comment may fire again.
func (l *Ledger) Clear(h Hash) {
	l.mu.Lock()
	delete(l.entries, h)
	l.mu.Unlock()
}

// IsProcessing reports whether h has a generation in flight.
func (l *Ledger) IsProcessing(h Hash) bool {
	return l.state(h) == StateProcessing
}

// IsCompleted reports whether h finished successfully.
func (l *Ledger) IsCompleted(h Hash) bool {
	return l.state(h) == StateCompleted
}

func (l *Ledger) state(h Hash) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[h]; ok {
		return e.State
	}
	return ""
}

// Get returns a copy of the entry for h.
func (l *Ledger) Get(h Hash) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[h]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// LastCompletedRange returns the most recently completed range recorded for
// a comment text in a buffer, regardless of the line it was hashed at.
func (l *Ledger) LastCompletedRange(id buffer.ID, raw string) (buffer.Range, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := strings.TrimSpace(raw)
	var best *Entry
	for _, e := range l.entries {
		if e.Buffer != id || e.Raw != key || e.State != StateCompleted || !e.HasRange {
			continue
		}
		if best == nil || e.UpdatedAt.After(best.UpdatedAt) {
			best = e
		}
	}
	if best == nil {
		return buffer.Range{}, false
	}
	return best.Range, true
}

// ClearText removes the settled entries recorded for raw in buffer id at any
// line. Entries still processing are kept.
func (l *Ledger) ClearText(id buffer.ID, raw string) int {
	raw = strings.TrimSpace(raw)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for h, e := range l.entries {
		if e.Buffer != id || e.Raw != raw || e.State == StateProcessing {
			continue
		}
		delete(l.entries, h)
		n++
	}
	return n
}

// Counts returns the number of processing and completed entries.
func (l *Ledger) Counts() (processing, completed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		switch e.State {
		case StateProcessing:
			processing++
		case StateCompleted:
			completed++
		}
	}
	return processing, completed
}

// DropBuffer removes every entry scoped to id.
func (l *Ledger) DropBuffer(id buffer.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for h, e := range l.entries {
		if e.Buffer == id {
			delete(l.entries, h)
		}
	}
}

// Reset removes every entry.
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.entries = make(map[Hash]*Entry)
	l.mu.Unlock()
}
