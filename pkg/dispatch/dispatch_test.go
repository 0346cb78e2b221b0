package dispatch

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zapcore"

	"github.com/alantheprice/commentgen/pkg/buffer"
	"github.com/alantheprice/commentgen/pkg/utils"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *utils.Logger {
	var sink bytes.Buffer
	return utils.NewLoggerTo(zapcore.AddSync(&sink), false, true)
}

// recorder is a Handler that logs start/end of each item and can hold items
// until released.
type recorder struct {
	mu      sync.Mutex
	log     []string
	dropped []Item
	missing map[string]bool
	gates   map[string]chan struct{}
	started chan string
	panicOn string
}

func newRecorder() *recorder {
	return &recorder{
		missing: make(map[string]bool),
		gates:   make(map[string]chan struct{}),
		started: make(chan string, 16),
	}
}

func (r *recorder) Locate(item Item) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.missing[item.Raw] {
		return 0, buffer.ErrNotFound
	}
	return 0, nil
}

func (r *recorder) Process(ctx context.Context, item Item, line int) error {
	r.mu.Lock()
	r.log = append(r.log, "start "+item.Raw)
	gate := r.gates[item.Raw]
	r.mu.Unlock()
	r.started <- item.Raw

	if item.Raw == r.panicOn {
		panic("boom")
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.mu.Lock()
	r.log = append(r.log, "end "+item.Raw)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Dropped(item Item, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = append(r.dropped, item)
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func waitIdle(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Wait(ctx))
}

func TestQueue_DuplicateEnqueueIsNoop(t *testing.T) {
	q := NewQueue(newRecorder(), testLogger())
	defer q.Close()

	assert.True(t, q.Enqueue(Item{Buffer: "1", Raw: "# @ai: x"}))
	assert.False(t, q.Enqueue(Item{Buffer: "1", Raw: "  # @ai: x  "}))
	assert.Equal(t, 1, q.Len())

	assert.True(t, q.Enqueue(Item{Buffer: "2", Raw: "# @ai: x"}))
	assert.Equal(t, 2, q.Len())
}

func TestQueue_ForcedUpgradesPendingItem(t *testing.T) {
	q := NewQueue(newRecorder(), testLogger())
	defer q.Close()

	q.Enqueue(Item{Buffer: "1", Raw: "a", Source: SourceDebounce})
	q.Enqueue(Item{Buffer: "1", Raw: "b", Source: SourceDebounce})
	assert.True(t, q.Enqueue(Item{Buffer: "1", Raw: "a", Forced: true, Source: SourceManual}))
	assert.False(t, q.Enqueue(Item{Buffer: "1", Raw: "a", Forced: true, Source: SourceManual}))

	pending := q.Pending()
	require.Len(t, pending, 2)
	assert.True(t, pending[0].Forced)
	assert.Equal(t, SourceManual, pending[0].Source)
	assert.False(t, pending[1].Forced)
}

func TestQueue_StrictlySequential(t *testing.T) {
	r := newRecorder()
	release := make(chan struct{})
	r.gates["one"] = release
	q := NewQueue(r, testLogger())
	defer q.Close()

	for _, raw := range []string{"one", "two", "three"} {
		q.Enqueue(Item{Buffer: "1", Raw: raw})
	}
	q.Kick()

	assert.Equal(t, "one", <-r.started)
	assert.True(t, q.Running())
	cur, ok := q.Current()
	require.True(t, ok)
	assert.Equal(t, "one", cur.Raw)

	// nothing else may start while "one" is held
	select {
	case raw := <-r.started:
		t.Fatalf("%s started before one finished", raw)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 2, q.Len())

	close(release)
	waitIdle(t, q)
	assert.Equal(t, []string{
		"start one", "end one",
		"start two", "end two",
		"start three", "end three",
	}, r.events())
	assert.False(t, q.Running())
}

func TestQueue_DropsUnlocatableAndContinues(t *testing.T) {
	r := newRecorder()
	r.missing["gone"] = true
	r.panicOn = "bad"
	q := NewQueue(r, testLogger())
	defer q.Close()

	for _, raw := range []string{"gone", "bad", "ok"} {
		q.Push(Item{Buffer: "1", Raw: raw})
	}
	waitIdle(t, q)

	assert.Equal(t, []string{"start bad", "start ok", "end ok"}, r.events())
	require.Len(t, r.dropped, 1)
	assert.Equal(t, "gone", r.dropped[0].Raw)
}

func TestQueue_RemoveBufferAndClear(t *testing.T) {
	q := NewQueue(newRecorder(), testLogger())
	defer q.Close()

	q.Enqueue(Item{Buffer: "1", Raw: "a"})
	q.Enqueue(Item{Buffer: "2", Raw: "b"})
	q.Enqueue(Item{Buffer: "1", Raw: "c"})

	removed := q.RemoveBuffer("1")
	assert.Len(t, removed, 2)
	assert.Equal(t, []Item{{Buffer: "2", Raw: "b"}}, q.Pending())

	assert.Len(t, q.Clear(), 1)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_CloseCancelsInProgress(t *testing.T) {
	r := newRecorder()
	r.gates["held"] = make(chan struct{})
	q := NewQueue(r, testLogger())

	q.Push(Item{Buffer: "1", Raw: "held"})
	q.Enqueue(Item{Buffer: "1", Raw: "never"})
	<-r.started

	q.Close()
	assert.False(t, q.Running())
	assert.Equal(t, []string{"start held"}, r.events())
	assert.False(t, q.Enqueue(Item{Buffer: "1", Raw: "late"}))
}

func TestQueue_WaitHonorsContext(t *testing.T) {
	r := newRecorder()
	r.gates["held"] = make(chan struct{})
	q := NewQueue(r, testLogger())
	defer q.Close()

	q.Push(Item{Buffer: "1", Raw: "held"})
	<-r.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.True(t, errors.Is(q.Wait(ctx), context.DeadlineExceeded))
}

func TestDebouncer_CoalescesAndDrainsAll(t *testing.T) {
	fired := make(chan []Item, 4)
	d := NewDebouncer(50*time.Millisecond, func(id buffer.ID, items []Item) {
		fired <- items
	})
	defer d.Stop()

	d.Schedule(Item{Buffer: "1", Raw: "a"})
	time.Sleep(20 * time.Millisecond)
	d.Schedule(Item{Buffer: "1", Raw: "b"})
	d.Schedule(Item{Buffer: "1", Raw: "a"})
	assert.Equal(t, 2, d.Pending("1"))

	select {
	case items := <-fired:
		assert.Equal(t, []Item{{Buffer: "1", Raw: "a"}, {Buffer: "1", Raw: "b"}}, items)
	case <-time.After(2 * time.Second):
		t.Fatal("debouncer never fired")
	}
	assert.Equal(t, 0, d.Pending("1"))

	select {
	case items := <-fired:
		t.Fatalf("unexpected second fire: %v", items)
	case <-time.After(120 * time.Millisecond):
	}
}

func TestDebouncer_PerBufferTimers(t *testing.T) {
	var mu sync.Mutex
	got := map[buffer.ID]int{}
	d := NewDebouncer(30*time.Millisecond, func(id buffer.ID, items []Item) {
		mu.Lock()
		got[id] += len(items)
		mu.Unlock()
	})
	defer d.Stop()

	d.Schedule(Item{Buffer: "1", Raw: "a"})
	d.Schedule(Item{Buffer: "2", Raw: "a"})
	d.Cancel("2")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got["1"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 0, got["2"])
	mu.Unlock()
}

func TestDebouncer_StopDiscardsPending(t *testing.T) {
	fired := make(chan struct{}, 1)
	d := NewDebouncer(20*time.Millisecond, func(buffer.ID, []Item) { fired <- struct{}{} })

	d.Schedule(Item{Buffer: "1", Raw: "a"})
	d.Stop()
	d.Schedule(Item{Buffer: "1", Raw: "b"})

	select {
	case <-fired:
		t.Fatal("fired after Stop")
	case <-time.After(80 * time.Millisecond):
	}
	assert.Equal(t, 0, d.Pending("1"))
	assert.Equal(t, 20*time.Millisecond, d.Delay())
}
