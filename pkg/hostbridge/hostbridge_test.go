package hostbridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/alantheprice/commentgen/pkg/buffer"
	"github.com/alantheprice/commentgen/pkg/configuration"
	"github.com/alantheprice/commentgen/pkg/events"
	"github.com/alantheprice/commentgen/pkg/gateway"
	"github.com/alantheprice/commentgen/pkg/session"
	"github.com/alantheprice/commentgen/pkg/utils"
)

func testLogger() *utils.Logger {
	var sink bytes.Buffer
	return utils.NewLoggerTo(zapcore.AddSync(&sink), false, true)
}

func factoryWith(gen gateway.Generator) SessionFactory {
	return func(n events.Notifier) (*session.Session, error) {
		return session.New(configuration.NewConfig(), gen, n, session.WithLogger(testLogger()))
	}
}

func fixed(code string) gateway.Generator {
	return gateway.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		return code, nil
	})
}

type collector struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *collector) send(m Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	return nil
}

func (c *collector) ofType(typ string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Message
	for _, m := range c.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func newTestBridge(t *testing.T, gen gateway.Generator) (*Bridge, *collector, *session.Session) {
	t.Helper()
	c := &collector{}
	br := NewBridge(c.send, testLogger())
	s, err := br.Connect(factoryWith(gen))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return br, c, s
}

func TestBridge_OpenTriggerStreamsEditsBack(t *testing.T) {
	br, c, s := newTestBridge(t, fixed("a + b"))

	br.Handle(Message{ID: "1", Type: TypeOpen, Buffer: "b1", Name: "main.py", Language: "python",
		Lines: []string{"# @ai: add two numbers", ""}})
	br.Handle(Message{ID: "2", Type: TypeTrigger, Buffer: "b1", Line: 0})
	require.NoError(t, s.Wait(context.Background()))

	b, ok := s.Buffer("b1")
	require.True(t, ok)
	assert.Equal(t, []string{"# @ai: add two numbers", "", "a + b"}, b.Lines(0, -1))

	edits := c.ofType(TypeSetLines)
	require.Len(t, edits, 1)
	assert.Equal(t, buffer.ID("b1"), edits[0].Buffer)
	assert.Equal(t, []string{"a + b"}, edits[0].Lines)

	assert.Eventually(t, func() bool { return len(c.ofType(TypeNotify)) == 1 }, time.Second, 10*time.Millisecond)
	n, ok := c.ofType(TypeNotify)[0].Data.(events.Notice)
	require.True(t, ok)
	assert.Equal(t, events.LevelInfo, n.Level)
	assert.Len(t, c.ofType(TypeResult), 2)
	assert.Empty(t, c.ofType(TypeError))
}

func TestBridge_ChangeUpdatesMirrorAndShiftsMarkers(t *testing.T) {
	br, c, s := newTestBridge(t, fixed("x"))
	br.Handle(Message{Type: TypeOpen, Buffer: "b1", Lines: []string{"one", "two", "three", "four"}})
	s.Markers().Add("b1", "# @ai: k", buffer.Range{Start: 2, End: 3})

	br.Handle(Message{Type: TypeChange, Buffer: "b1", Start: 0, End: 0, Lines: []string{"zero"}})

	b, _ := s.Buffer("b1")
	assert.Equal(t, []string{"zero", "one", "two", "three", "four"}, b.Lines(0, -1))
	mk, ok := s.Markers().ForKey("b1", "# @ai: k")
	require.True(t, ok)
	assert.Equal(t, buffer.Range{Start: 3, End: 4}, mk.Range)

	// host edits are never echoed back
	assert.Empty(t, c.ofType(TypeSetLines))
	// no id, no result
	assert.Empty(t, c.ofType(TypeResult))

	br.Handle(Message{Type: TypeChange, Buffer: "b1", Start: 4, End: -1, Lines: nil})
	assert.Equal(t, []string{"zero", "one", "two", "three"}, b.Lines(0, -1))
}

func TestBridge_Errors(t *testing.T) {
	br, c, _ := newTestBridge(t, fixed("x"))

	br.Handle(Message{ID: "a", Type: "bogus"})
	br.Handle(Message{ID: "b", Type: TypeChange, Buffer: "missing"})
	br.Handle(Message{ID: "c", Type: TypeTrigger, Buffer: "missing"})
	br.Handle(Message{ID: "d", Type: TypeSetPolicy, Name: "sometimes"})
	br.Handle(Message{ID: "e", Type: TypeOpen})

	errs := c.ofType(TypeError)
	require.Len(t, errs, 5)
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		assert.Equal(t, id, errs[i].ID)
	}
	data := errs[1].Data.(map[string]any)
	assert.Contains(t, data["message"], "unknown buffer")
	assert.Equal(t, TypeChange, data["request"])
}

func TestBridge_NoSession(t *testing.T) {
	c := &collector{}
	br := NewBridge(c.send, testLogger())
	br.Handle(Message{ID: "1", Type: TypeStatus})
	assert.Len(t, c.ofType(TypeError), 1)
}

func TestBridge_Commands(t *testing.T) {
	br, c, s := newTestBridge(t, fixed("x"))

	br.Handle(Message{ID: "1", Type: TypeToggle})
	assert.False(t, s.Enabled())
	br.Handle(Message{ID: "2", Type: TypeSetPolicy, Name: "Non-Linear"})
	assert.Equal(t, "nonlinear", s.Policy())
	br.Handle(Message{ID: "3", Type: TypePolicy})
	br.Handle(Message{ID: "4", Type: TypeCancel})
	br.Handle(Message{ID: "5", Type: TypeReset})
	br.Handle(Message{ID: "6", Type: TypeStatus})

	results := c.ofType(TypeResult)
	require.Len(t, results, 5)
	assert.Equal(t, map[string]any{"enabled": false}, results[0].Data)
	assert.Equal(t, map[string]any{"policy": "nonlinear"}, results[2].Data)
	assert.Equal(t, map[string]any{"cancelled": 0}, results[3].Data)

	status := c.ofType(TypeStatus)
	require.Len(t, status, 1)
	data := status[0].Data.(map[string]any)
	assert.Equal(t, "commentgen disabled | policy: Nonlinear | in flight: 0 | completed: 0 | queued: 0", data["summary"])
}

func TestBridge_CloseDropsMirror(t *testing.T) {
	br, c, s := newTestBridge(t, fixed("x"))
	br.Handle(Message{Type: TypeOpen, Buffer: "b1", Lines: []string{"a"}})
	br.Handle(Message{ID: "c", Type: TypeClose, Buffer: "b1"})

	_, ok := s.Buffer("b1")
	assert.False(t, ok)
	_, ok = br.mirror("b1")
	assert.False(t, ok)
	assert.Len(t, c.ofType(TypeResult), 1)

	br.Handle(Message{ID: "d", Type: TypeClose, Buffer: "b1"})
	assert.Len(t, c.ofType(TypeError), 1)
}

// lockedBuffer lets the test read output while the worker writes it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *lockedBuffer) messages(t *testing.T) []Message {
	l.mu.Lock()
	data := l.buf.String()
	l.mu.Unlock()
	var out []Message
	sc := bufio.NewScanner(strings.NewReader(data))
	for sc.Scan() {
		var m Message
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	return out
}

func countType(msgs []Message, typ string) int {
	n := 0
	for _, m := range msgs {
		if m.Type == typ {
			n++
		}
	}
	return n
}

func TestServeStdio(t *testing.T) {
	pr, pw := io.Pipe()
	out := &lockedBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- ServeStdio(context.Background(), pr, out, factoryWith(fixed("a + b")), testLogger())
	}()

	write := func(s string) {
		_, err := io.WriteString(pw, s+"\n")
		require.NoError(t, err)
	}
	write(`{"id":"1","type":"open","buffer":"b1","name":"main.py","language":"python","lines":["# @ai: add two numbers",""]}`)
	write(`not json`)
	write(`{"id":"2","type":"process_all","buffer":"b1"}`)

	require.Eventually(t, func() bool {
		return countType(out.messages(t), TypeNotify) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, pw.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeStdio did not return after EOF")
	}

	msgs := out.messages(t)
	assert.Equal(t, 1, countType(msgs, TypeError))
	assert.Equal(t, 1, countType(msgs, TypeSetLines))
	var count any
	for _, m := range msgs {
		if m.ID == "2" && m.Type == TypeResult {
			count = m.Data.(map[string]any)["count"]
		}
	}
	assert.Equal(t, float64(1), count)
}

func TestWebSocketServer(t *testing.T) {
	srv := NewServer(factoryWith(fixed("a + b")), testLogger())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello Message
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, TypeStatus, hello.Type)
	assert.NotEmpty(t, hello.ID)
	assert.Equal(t, 1, srv.Connections())

	require.NoError(t, conn.WriteJSON(Message{ID: "1", Type: TypeOpen, Buffer: "b1",
		Lines: []string{"# @ai: add two numbers", ""}}))
	require.NoError(t, conn.WriteJSON(Message{ID: "2", Type: TypeTrigger, Buffer: "b1"}))

	seen := map[string]int{}
	for seen[TypeNotify] == 0 {
		var m Message
		require.NoError(t, conn.ReadJSON(&m))
		seen[m.Type]++
	}
	assert.Equal(t, 2, seen[TypeResult])
	assert.Equal(t, 1, seen[TypeSetLines])
}

func TestWebSocketServer_RejectsForeignOrigin(t *testing.T) {
	srv := NewServer(factoryWith(fixed("x")), testLogger())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := map[string][]string{"Origin": {"https://example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 403, resp.StatusCode)
}
