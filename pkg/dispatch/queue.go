// Package dispatch serializes generation requests. Every request, whether it
// came from an explicit command, a bulk scan or an automatic policy, passes
// through one Queue, and the Queue runs exactly one item to completion before
// it takes the next.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/alantheprice/commentgen/pkg/buffer"
	"github.com/alantheprice/commentgen/pkg/utils"
)

// Source says which path produced an item.
type Source string

const (
	SourceManual   Source = "manual"
	SourceBulk     Source = "bulk"
	SourceLinear   Source = "linear"
	SourceDebounce Source = "debounce"
)

// Item is a queued request. It carries the comment text, never a line number.
type Item struct {
	Buffer buffer.ID
	Raw    string
	Prompt string
	Forced bool
	Source Source
}

type itemKey struct {
	buffer buffer.ID
	raw    string
}

func (i Item) key() itemKey {
	return itemKey{buffer: i.Buffer, raw: strings.TrimSpace(i.Raw)}
}

func (i Item) String() string {
	return fmt.Sprintf("%s:%q", i.Buffer, strings.TrimSpace(i.Raw))
}

// Handler does the per-item work for the queue.
type Handler interface {
	// Locate re-finds the item's comment in its buffer. An error drops the item.
	Locate(item Item) (line int, err error)
	// Process handles the item whose comment is now on line. It returns once
	// the item has reached a terminal outcome.
	Process(ctx context.Context, item Item, line int) error
	// Dropped is told about items that never reached Process.
	Dropped(item Item, err error)
}

// Queue is a FIFO of unique items drained by a single worker goroutine.
type Queue struct {
	handler Handler
	logger  *utils.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	items   []Item
	running bool
	closed  bool
	idle    chan struct{}
	current *Item
}

// NewQueue creates a queue that hands items to h.
func NewQueue(h Handler, logger *utils.Logger) *Queue {
	if logger == nil {
		logger = utils.GetLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &Queue{handler: h, logger: logger, ctx: ctx, cancel: cancel, idle: idle}
}

// Enqueue appends item unless an item for the same buffer and comment text is
// already waiting. A forced item upgrades a waiting automatic one in place.
// It reports whether the queue changed. Enqueue never starts the worker.
func (q *Queue) Enqueue(item Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	k := item.key()
	for i := range q.items {
		if q.items[i].key() != k {
			continue
		}
		if item.Forced && !q.items[i].Forced {
			q.items[i].Forced = true
			q.items[i].Source = item.Source
			q.items[i].Prompt = item.Prompt
			return true
		}
		return false
	}
	q.items = append(q.items, item)
	return true
}

// Push enqueues item and starts the worker.
func (q *Queue) Push(item Item) bool {
	added := q.Enqueue(item)
	q.Kick()
	return added
}

// Kick starts the worker if it is not already running and there is work.
func (q *Queue) Kick() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running || q.closed || len(q.items) == 0 {
		return
	}
	q.running = true
	q.idle = make(chan struct{})
	go q.run(q.idle)
}

func (q *Queue) run(idle chan struct{}) {
	for {
		q.mu.Lock()
		if len(q.items) == 0 || q.closed {
			q.running = false
			q.current = nil
			close(idle)
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.current = &item
		q.mu.Unlock()

		q.runOne(item)
	}
}

// runOne never lets a failing item stop the queue.
func (q *Queue) runOne(item Item) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.LogError(fmt.Errorf("dispatch: panic processing %s: %v", item, r))
		}
	}()

	line, err := q.handler.Locate(item)
	if err != nil {
		q.logger.Debugf("dispatch: dropping %s: %v", item, err)
		q.handler.Dropped(item, err)
		return
	}
	if err := q.handler.Process(q.ctx, item, line); err != nil {
		q.logger.Debugf("dispatch: %s finished with error: %v", item, err)
	}
}

// Running reports whether the worker holds the lock.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Len returns the number of waiting items, excluding the one being processed.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns a copy of the waiting items in order.
func (q *Queue) Pending() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.items))
	copy(out, q.items)
	return out
}

// Current returns the item being processed, if any.
func (q *Queue) Current() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return Item{}, false
	}
	return *q.current, true
}

// RemoveBuffer drops every waiting item for id and returns them.
func (q *Queue) RemoveBuffer(id buffer.ID) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed []Item
	kept := q.items[:0]
	for _, it := range q.items {
		if it.Buffer == id {
			removed = append(removed, it)
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
	return removed
}

// Clear drops every waiting item. The item in progress is unaffected.
func (q *Queue) Clear() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := q.items
	q.items = nil
	return removed
}

// Wait blocks until the worker has drained the queue and stopped. Items
// enqueued without a Kick do not keep Wait blocked.
func (q *Queue) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		if !q.running {
			q.mu.Unlock()
			return nil
		}
		idle := q.idle
		q.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close drops waiting items, cancels the context handed to Process and waits
// for the worker to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	idle := q.idle
	q.mu.Unlock()

	q.cancel()
	<-idle
}
