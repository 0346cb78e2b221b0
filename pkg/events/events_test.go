package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alantheprice/commentgen/pkg/buffer"
)

func TestEventBus_Subscribe(t *testing.T) {
	eb := NewEventBus()

	ch := eb.Subscribe("test-subscriber")
	assert.NotNil(t, ch)

	eb.mutex.RLock()
	_, exists := eb.subscribers["test-subscriber"]
	eb.mutex.RUnlock()
	assert.True(t, exists)
}

func TestEventBus_ResubscribeClosesOldChannel(t *testing.T) {
	eb := NewEventBus()
	old := eb.Subscribe("s")
	eb.Subscribe("s")

	_, ok := <-old
	assert.False(t, ok)
}

func TestEventBus_Unsubscribe(t *testing.T) {
	eb := NewEventBus()

	ch := eb.Subscribe("test-subscriber")
	eb.Unsubscribe("test-subscriber")

	_, ok := <-ch
	assert.False(t, ok)
	eb.Unsubscribe("non-existent")
}

func TestEventBus_PublishToMultipleSubscribers(t *testing.T) {
	eb := NewEventBus()

	ch1 := eb.Subscribe("subscriber1")
	ch2 := eb.Subscribe("subscriber2")

	eb.Publish(EventTypeGenerationStarted, GenerationStartedEvent("1", 3, "add"))

	var wg sync.WaitGroup
	for _, ch := range []<-chan Event{ch1, ch2} {
		wg.Add(1)
		go func(ch <-chan Event) {
			defer wg.Done()
			select {
			case event := <-ch:
				assert.Equal(t, EventTypeGenerationStarted, event.Type)
				assert.NotEmpty(t, event.ID)
				assert.False(t, event.Timestamp.IsZero())
			case <-time.After(time.Second):
				t.Error("subscriber didn't receive event")
			}
		}(ch)
	}
	wg.Wait()
}

func TestEventBus_PublishToFullChannel(t *testing.T) {
	eb := NewEventBus()
	eb.Subscribe("slow")

	for i := 0; i < 100; i++ {
		eb.Publish("test", nil)
	}

	done := make(chan struct{})
	go func() {
		eb.Publish("test", nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on full channel")
	}
}

func TestEventBus_Notify(t *testing.T) {
	eb := NewEventBus()
	ch := eb.Subscribe("ui")

	var n Notifier = eb
	n.Notify(Notice{Level: LevelWarn, Buffer: "7", Message: "tool missing", Code: "TOOL_NOT_FOUND"})

	event := <-ch
	assert.Equal(t, EventTypeNotice, event.Type)
	notice, ok := event.Data.(Notice)
	assert.True(t, ok)
	assert.Equal(t, buffer.ID("7"), notice.Buffer)
	assert.Equal(t, "[warn] tool missing (TOOL_NOT_FOUND)", notice.String())
}

func TestGenerateEventID(t *testing.T) {
	assert.NotEqual(t, generateEventID(1), generateEventID(2))
}

func TestEventHelpers(t *testing.T) {
	done := GenerationDoneEvent("1", buffer.Range{Start: 2, End: 4}, 2*time.Second)
	assert.Equal(t, 2, done["start"])
	assert.Equal(t, 4, done["end"])
	assert.Equal(t, int64(2000), done["duration_ms"])

	started := GenerationStartedEvent("1", 3, "add")
	assert.Equal(t, "add", started["prompt"])

	assert.Equal(t, "[info] done", Notice{Level: LevelInfo, Message: "done"}.String())
}
