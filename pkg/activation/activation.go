// Package activation decides, from editor events, when a trigger comment
// should fire on its own.
package activation

import (
	"fmt"
	"strings"
	"sync"

	"github.com/alantheprice/commentgen/pkg/buffer"
	"github.com/alantheprice/commentgen/pkg/trigger"
)

// Policy names
const (
	NameManual    = "manual"
	NameLinear    = "linear"
	NameNonLinear = "nonlinear"
)

// Names lists the known policies.
var Names = []string{NameManual, NameLinear, NameNonLinear}

// EventKind classifies editor events.
type EventKind int

const (
	ModeChanged EventKind = iota
	CursorMoved
	TextChanged
	BufferLeft
)

var kindNames = map[EventKind]string{
	ModeChanged: "mode",
	CursorMoved: "cursor",
	TextChanged: "change",
	BufferLeft:  "leave",
}

func (k EventKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one editor event scoped to a buffer. Line is the cursor line.
type Event struct {
	Kind   EventKind
	Buffer buffer.ID
	Line   int
	Mode   string
}

// Scheduler receives the comments a policy decides to fire.
type Scheduler interface {
	// Fire requests immediate, non-forced processing.
	Fire(id buffer.ID, c trigger.Comment)
	// Debounce requests processing after the buffer has been quiet.
	Debounce(id buffer.ID, c trigger.Comment)
}

// Policy reacts to editor events for every buffer.
type Policy interface {
	Name() string
	Handle(b buffer.Buffer, ev Event)
	// Clear forgets tracking for one buffer.
	Clear(id buffer.ID)
	// Reset forgets all tracking.
	Reset()
}

// New returns the named policy.
func New(name string, g *trigger.Grammar, s Scheduler) (Policy, error) {
	switch Normalize(name) {
	case NameManual:
		return Manual{}, nil
	case NameLinear:
		return NewLinear(g, s), nil
	case NameNonLinear:
		return NewNonLinear(g, s), nil
	}
	return nil, fmt.Errorf("unknown activation policy %q (want one of %s)", name, strings.Join(Names, ", "))
}

// Normalize maps accepted spellings onto a policy name.
func Normalize(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "non-linear", "non_linear":
		return NameNonLinear
	}
	return n
}

// Valid reports whether name is a known policy.
func Valid(name string) bool {
	n := Normalize(name)
	for _, known := range Names {
		if n == known {
			return true
		}
	}
	return false
}

func commentAt(g *trigger.Grammar, b buffer.Buffer, line int) (trigger.Comment, bool) {
	if line < 0 || line >= b.LineCount() {
		return trigger.Comment{}, false
	}
	lines := b.Lines(line, line+1)
	if len(lines) != 1 {
		return trigger.Comment{}, false
	}
	return g.ParseAt(line, lines[0])
}

// Manual never fires on its own.
type Manual struct{}

func (Manual) Name() string                { return NameManual }
func (Manual) Handle(buffer.Buffer, Event) {}
func (Manual) Clear(buffer.ID)             {}
func (Manual) Reset()                      {}

// Linear fires a comment once the user starts writing the next one, and the
// last one when the user leaves the buffer.
type Linear struct {
	grammar   *trigger.Grammar
	scheduler Scheduler

	mu     sync.Mutex
	active map[buffer.ID]trigger.Comment
}

func NewLinear(g *trigger.Grammar, s Scheduler) *Linear {
	return &Linear{grammar: g, scheduler: s, active: make(map[buffer.ID]trigger.Comment)}
}

func (p *Linear) Name() string { return NameLinear }

func (p *Linear) Handle(b buffer.Buffer, ev Event) {
	switch ev.Kind {
	case BufferLeft:
		p.mu.Lock()
		c, ok := p.active[ev.Buffer]
		delete(p.active, ev.Buffer)
		p.mu.Unlock()
		if ok {
			p.scheduler.Fire(ev.Buffer, c)
		}
		return
	case TextChanged, ModeChanged:
	default:
		return
	}

	c, ok := commentAt(p.grammar, b, ev.Line)
	if !ok {
		return
	}

	p.mu.Lock()
	prev, had := p.active[ev.Buffer]
	// typing on the same line keeps refreshing the tracked text
	p.active[ev.Buffer] = c
	p.mu.Unlock()

	if had && prev.Line != c.Line {
		p.scheduler.Fire(ev.Buffer, prev)
	}
}

// Active returns the comment being written in id, if any.
func (p *Linear) Active(id buffer.ID) (trigger.Comment, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.active[id]
	return c, ok
}

func (p *Linear) Clear(id buffer.ID) {
	p.mu.Lock()
	delete(p.active, id)
	p.mu.Unlock()
}

func (p *Linear) Reset() {
	p.mu.Lock()
	p.active = make(map[buffer.ID]trigger.Comment)
	p.mu.Unlock()
}

// NonLinear fires a comment, after a quiet period, once the cursor leaves it.
type NonLinear struct {
	grammar   *trigger.Grammar
	scheduler Scheduler

	mu      sync.Mutex
	tracked map[buffer.ID]trigger.Comment
}

func NewNonLinear(g *trigger.Grammar, s Scheduler) *NonLinear {
	return &NonLinear{grammar: g, scheduler: s, tracked: make(map[buffer.ID]trigger.Comment)}
}

func (p *NonLinear) Name() string { return NameNonLinear }

func (p *NonLinear) Handle(b buffer.Buffer, ev Event) {
	switch ev.Kind {
	case BufferLeft:
		p.Clear(ev.Buffer)
		return
	}

	c, isTrigger := commentAt(p.grammar, b, ev.Line)

	p.mu.Lock()
	prev, had := p.tracked[ev.Buffer]
	// staying on the line only refreshes the tracked text
	if isTrigger {
		p.tracked[ev.Buffer] = c
	} else {
		delete(p.tracked, ev.Buffer)
	}
	p.mu.Unlock()

	if had && prev.Line != ev.Line {
		p.scheduler.Debounce(ev.Buffer, prev)
	}
}

// Tracked returns the trigger comment the cursor was last seen on in id.
func (p *NonLinear) Tracked(id buffer.ID) (trigger.Comment, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.tracked[id]
	return c, ok
}

func (p *NonLinear) Clear(id buffer.ID) {
	p.mu.Lock()
	delete(p.tracked, id)
	p.mu.Unlock()
}

func (p *NonLinear) Reset() {
	p.mu.Lock()
	p.tracked = make(map[buffer.ID]trigger.Comment)
	p.mu.Unlock()
}
