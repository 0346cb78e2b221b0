package dispatch

import (
	"sync"
	"time"

	"github.com/alantheprice/commentgen/pkg/buffer"
)

// DefaultDebounce is the quiet period before automatic requests fire.
const DefaultDebounce = 1500 * time.Millisecond

// FireFunc receives every item collected for a buffer since its last fire.
type FireFunc func(id buffer.ID, items []Item)

// Debouncer coalesces automatic requests per buffer. Scheduling restarts the
// buffer's timer; when the timer finally fires, all items collected for the
// buffer are drained at once.
type Debouncer struct {
	delay time.Duration
	fire  FireFunc

	mu      sync.Mutex
	pending map[buffer.ID]*pendingFire
	seq     uint64
	stopped bool
	wg      sync.WaitGroup
}

type pendingFire struct {
	timer *time.Timer
	seq   uint64
	items []Item
}

// NewDebouncer creates a debouncer that calls fire after delay of quiet.
func NewDebouncer(delay time.Duration, fire FireFunc) *Debouncer {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &Debouncer{delay: delay, fire: fire, pending: make(map[buffer.ID]*pendingFire)}
}

// Delay returns the quiet period.
func (d *Debouncer) Delay() time.Duration {
	return d.delay
}

// Schedule adds item to its buffer's pending set and restarts that buffer's timer.
func (d *Debouncer) Schedule(item Item) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	p, ok := d.pending[item.Buffer]
	if !ok {
		p = &pendingFire{}
		d.pending[item.Buffer] = p
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	k := item.key()
	dup := false
	for _, it := range p.items {
		if it.key() == k {
			dup = true
			break
		}
	}
	if !dup {
		p.items = append(p.items, item)
	}

	d.seq++
	seq, id := d.seq, item.Buffer
	p.seq = seq
	p.timer = time.AfterFunc(d.delay, func() { d.onTimer(id, seq) })
}

func (d *Debouncer) onTimer(id buffer.ID, seq uint64) {
	d.mu.Lock()
	p, ok := d.pending[id]
	// a restarted or cancelled timer may still run once
	if d.stopped || !ok || p.seq != seq {
		d.mu.Unlock()
		return
	}
	delete(d.pending, id)
	items := p.items
	d.wg.Add(1)
	d.mu.Unlock()

	defer d.wg.Done()
	if len(items) > 0 {
		d.fire(id, items)
	}
}

// Pending returns the number of items waiting for id's timer.
func (d *Debouncer) Pending(id buffer.ID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pending[id]; ok {
		return len(p.items)
	}
	return 0
}

// Cancel stops id's timer and discards its pending items.
func (d *Debouncer) Cancel(id buffer.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pending[id]; ok {
		p.timer.Stop()
		delete(d.pending, id)
	}
}

// CancelAll stops every timer.
func (d *Debouncer) CancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, id)
	}
}

// Stop cancels every timer, refuses new work and waits for a fire already in
// progress to return.
func (d *Debouncer) Stop() {
	d.CancelAll()
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.wg.Wait()
}
