// Package events distributes user-visible notifications and generation
// lifecycle events to whatever host is attached (stdio bridge, websocket
// clients, the batch runner).
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/alantheprice/commentgen/pkg/buffer"
)

// Event is one published occurrence.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Event types
const (
	EventTypeNotice            = "notice"
	EventTypeGenerationStarted = "generation_started"
	EventTypeGenerationDone    = "generation_done"
)

// Level is the severity of a notice.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Notice is a user-visible message about one terminal outcome.
type Notice struct {
	Level   Level     `json:"level"`
	Buffer  buffer.ID `json:"buffer,omitempty"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
}

func (n Notice) String() string {
	if n.Code != "" {
		return fmt.Sprintf("[%s] %s (%s)", n.Level, n.Message, n.Code)
	}
	return fmt.Sprintf("[%s] %s", n.Level, n.Message)
}

// Notifier receives notices.
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// Discard drops every notice.
var Discard Notifier = NotifierFunc(func(Notice) {})

// EventBus fans events out to named subscribers.
type EventBus struct {
	subscribers map[string]chan Event
	mutex       sync.RWMutex
	nextID      int64
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string]chan Event),
	}
}

// Subscribe adds a new subscriber to the event bus
func (eb *EventBus) Subscribe(name string) <-chan Event {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	if old, exists := eb.subscribers[name]; exists {
		close(old)
	}
	ch := make(chan Event, 100)
	eb.subscribers[name] = ch
	return ch
}

// Unsubscribe removes a subscriber from the event bus
func (eb *EventBus) Unsubscribe(name string) {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	if ch, exists := eb.subscribers[name]; exists {
		delete(eb.subscribers, name)
		close(ch)
	}
}

// Publish broadcasts an event to all subscribers. Slow subscribers whose
// channel is full miss the event.
func (eb *EventBus) Publish(eventType string, data any) {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	eb.nextID++
	event := Event{
		ID:        generateEventID(eb.nextID),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	for _, ch := range eb.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Notify publishes n as a notice event, so the bus can be handed to a
// session as its Notifier.
func (eb *EventBus) Notify(n Notice) {
	eb.Publish(EventTypeNotice, n)
}

func generateEventID(id int64) string {
	return fmt.Sprintf("%s-%d", time.Now().Format("20060102-150405"), id)
}

// GenerationStartedEvent describes a generation that has been handed to the backend.
func GenerationStartedEvent(id buffer.ID, line int, prompt string) map[string]any {
	return map[string]any{
		"buffer": id,
		"line":   line,
		"prompt": prompt,
	}
}

// GenerationDoneEvent describes a placed generation.
func GenerationDoneEvent(id buffer.ID, r buffer.Range, duration time.Duration) map[string]any {
	return map[string]any{
		"buffer":      id,
		"start":       r.Start,
		"end":         r.End,
		"duration_ms": duration.Milliseconds(),
	}
}
