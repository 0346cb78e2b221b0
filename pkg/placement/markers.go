package placement

import (
	"sort"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/alantheprice/commentgen/pkg/buffer"
)

// Marker associates a line range with "machine-generated" output of the
// trigger comment identified by Key.
type Marker struct {
	ID     string       `json:"id"`
	Buffer buffer.ID    `json:"buffer"`
	Key    string       `json:"key"`
	Range  buffer.Range `json:"range"`
}

// Markers stores generated-region markers per buffer and keeps them aligned
// with later edits.
type Markers struct {
	mu    sync.Mutex
	byBuf map[buffer.ID][]*Marker
}

// NewMarkers creates an empty store.
func NewMarkers() *Markers {
	return &Markers{byBuf: make(map[buffer.ID][]*Marker)}
}

// Add records a marker and returns it. Any earlier marker for the same key in
// the buffer is replaced.
func (m *Markers) Add(id buffer.ID, key string, r buffer.Range) Marker {
	m.mu.Lock()
	defer m.mu.Unlock()
	key = strings.TrimSpace(key)
	kept := m.byBuf[id][:0]
	for _, mk := range m.byBuf[id] {
		if key != "" && mk.Key == key {
			continue
		}
		kept = append(kept, mk)
	}
	mk := &Marker{ID: ulid.Make().String(), Buffer: id, Key: key, Range: r}
	m.byBuf[id] = append(kept, mk)
	return *mk
}

// ClearRange drops markers overlapping r.
func (m *Markers) ClearRange(id buffer.ID, r buffer.Range) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.byBuf[id][:0]
	for _, mk := range m.byBuf[id] {
		if mk.Range.Start <= r.End && r.Start <= mk.Range.End {
			continue
		}
		kept = append(kept, mk)
	}
	m.byBuf[id] = kept
}

// Shift adjusts markers for an edit that replaced lines [start, end) with
// count lines. Markers below the edit move; markers fully containing the edit
// grow or shrink; markers partially overlapping it are dropped.
func (m *Markers) Shift(id buffer.ID, start, end, count int) {
	delta := count - (end - start)
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.byBuf[id][:0]
	for _, mk := range m.byBuf[id] {
		r := mk.Range
		switch {
		case end <= r.Start:
			// above, including a pure insertion at Start
			r.Start += delta
			r.End += delta
		case start > r.End:
		case start >= r.Start && end <= r.End+1:
			r.End += delta
			if r.Empty() {
				continue
			}
		default:
			continue
		}
		mk.Range = r
		kept = append(kept, mk)
	}
	m.byBuf[id] = kept
}

// ForKey returns the marker recorded for a trigger comment text.
func (m *Markers) ForKey(id buffer.ID, key string) (Marker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key = strings.TrimSpace(key)
	for _, mk := range m.byBuf[id] {
		if mk.Key == key {
			return *mk, true
		}
	}
	return Marker{}, false
}

// List returns the buffer's markers ordered by start line.
func (m *Markers) List(id buffer.ID) []Marker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Marker, 0, len(m.byBuf[id]))
	for _, mk := range m.byBuf[id] {
		out = append(out, *mk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Range.Start < out[j].Range.Start })
	return out
}

// DropBuffer discards every marker of a buffer.
func (m *Markers) DropBuffer(id buffer.ID) {
	m.mu.Lock()
	delete(m.byBuf, id)
	m.mu.Unlock()
}

// Reset discards all markers.
func (m *Markers) Reset() {
	m.mu.Lock()
	m.byBuf = make(map[buffer.ID][]*Marker)
	m.mu.Unlock()
}
