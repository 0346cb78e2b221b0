// Package buffer models the host editor's line-numbered text buffers and the
// content-based locator used before every mutation.
package buffer

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrOutOfRange is returned for line ranges outside the current buffer.
	ErrOutOfRange = errors.New("line range out of bounds")
	// ErrClosed is returned when writing to a buffer that has been torn down.
	ErrClosed = errors.New("buffer closed")
)

// ID identifies a buffer within one host session.
type ID string

// Buffer is the host editor boundary. Line numbers are 0-based; ranges passed
// to Lines and SetLines are half-open [start, end).
type Buffer interface {
	ID() ID
	Name() string
	Language() string
	LineCount() int
	Lines(start, end int) []string
	SetLines(start, end int, lines []string) error
	Valid() bool
}

// ChangeFunc observes a successful SetLines.
type ChangeFunc func(id ID, start, end int, lines []string)

// Lines is an in-memory Buffer. It backs file buffers in batch mode and
// mirrors editor buffers in bridge mode.
type Lines struct {
	mu       sync.RWMutex
	id       ID
	name     string
	language string
	lines    []string
	closed   bool
	onChange []ChangeFunc
}

// NewLines creates an in-memory buffer with a copy of lines.
func NewLines(id ID, name, language string, lines []string) *Lines {
	cp := make([]string, len(lines))
	copy(cp, lines)
	return &Lines{id: id, name: name, language: language, lines: cp}
}

// FromText splits text on newlines. A single trailing newline does not create
// an extra empty line.
func FromText(id ID, name, language, text string) *Lines {
	return NewLines(id, name, language, SplitText(text))
}

// SplitText splits text into lines the way FromText does.
func SplitText(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return []string{}
	}
	return strings.Split(text, "\n")
}

func (b *Lines) ID() ID           { return b.id }
func (b *Lines) Name() string     { return b.name }
func (b *Lines) Language() string { return b.language }

func (b *Lines) LineCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.lines)
}

// Lines returns a copy of [start, end). end < 0 means the end of the buffer;
// out-of-range bounds are clamped.
func (b *Lines) Lines(start, end int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.lines)
	if end < 0 || end > n {
		end = n
	}
	if start < 0 {
		start = 0
	}
	if start >= end {
		return []string{}
	}
	out := make([]string, end-start)
	copy(out, b.lines[start:end])
	return out
}

// Line returns a single line, or "" and false when out of range.
func (b *Lines) Line(i int) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if i < 0 || i >= len(b.lines) {
		return "", false
	}
	return b.lines[i], true
}

// SetLines replaces [start, end) with lines. start == end inserts.
func (b *Lines) SetLines(start, end int, lines []string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	n := len(b.lines)
	if start < 0 || end < start || end > n {
		b.mu.Unlock()
		return fmt.Errorf("%w: [%d,%d) of %d lines", ErrOutOfRange, start, end, n)
	}
	next := make([]string, 0, n-(end-start)+len(lines))
	next = append(next, b.lines[:start]...)
	next = append(next, lines...)
	next = append(next, b.lines[end:]...)
	b.lines = next
	observers := append([]ChangeFunc(nil), b.onChange...)
	b.mu.Unlock()

	inserted := make([]string, len(lines))
	copy(inserted, lines)
	for _, fn := range observers {
		fn(b.id, start, end, inserted)
	}
	return nil
}

// ApplyRemote applies an edit that originated in the editor without notifying
// observers, so mirrored edits are not echoed back.
func (b *Lines) ApplyRemote(start, end int, lines []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	n := len(b.lines)
	if end < 0 || end > n {
		end = n
	}
	if start < 0 || start > end {
		return fmt.Errorf("%w: [%d,%d) of %d lines", ErrOutOfRange, start, end, n)
	}
	next := make([]string, 0, n-(end-start)+len(lines))
	next = append(next, b.lines[:start]...)
	next = append(next, lines...)
	next = append(next, b.lines[end:]...)
	b.lines = next
	return nil
}

// OnChange registers an observer for local mutations.
func (b *Lines) OnChange(fn ChangeFunc) {
	b.mu.Lock()
	b.onChange = append(b.onChange, fn)
	b.mu.Unlock()
}

// Text joins the buffer with newlines and a trailing newline.
func (b *Lines) Text() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.lines) == 0 {
		return ""
	}
	return strings.Join(b.lines, "\n") + "\n"
}

func (b *Lines) Valid() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Close marks the buffer as torn down; later writes fail with ErrClosed.
func (b *Lines) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

// Registry tracks the buffers open in a session.
type Registry struct {
	mu      sync.RWMutex
	buffers map[ID]Buffer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{buffers: make(map[ID]Buffer)}
}

// Add registers or replaces a buffer.
func (r *Registry) Add(b Buffer) {
	r.mu.Lock()
	r.buffers[b.ID()] = b
	r.mu.Unlock()
}

// Get returns an open buffer.
func (r *Registry) Get(id ID) (Buffer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.buffers[id]
	if !ok || !b.Valid() {
		return nil, false
	}
	return b, true
}

// Remove drops a buffer and returns it.
func (r *Registry) Remove(id ID) (Buffer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buffers[id]
	delete(r.buffers, id)
	return b, ok
}

// IDs returns the registered buffer ids.
func (r *Registry) IDs() []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]ID, 0, len(r.buffers))
	for id := range r.buffers {
		ids = append(ids, id)
	}
	return ids
}
