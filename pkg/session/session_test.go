package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zapcore"

	"github.com/alantheprice/commentgen/pkg/buffer"
	"github.com/alantheprice/commentgen/pkg/configuration"
	"github.com/alantheprice/commentgen/pkg/events"
	"github.com/alantheprice/commentgen/pkg/gateway"
	"github.com/alantheprice/commentgen/pkg/ledger"
	"github.com/alantheprice/commentgen/pkg/utils"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var instructionRe = regexp.MustCompile(`INSTRUCTION \(from the comment on line \d+\):\n(.*)\n`)

func instruction(prompt string) string {
	m := instructionRe.FindStringSubmatch(prompt)
	if m == nil {
		return ""
	}
	return m[1]
}

type harness struct {
	s *Session

	mu      sync.Mutex
	notices []events.Notice
}

func newHarness(t *testing.T, gen gateway.Generator, mutate func(*configuration.Config), opts ...Option) *harness {
	t.Helper()
	cfg := configuration.NewConfig()
	if mutate != nil {
		mutate(cfg)
	}
	var sink bytes.Buffer
	h := &harness{}
	opts = append([]Option{WithLogger(utils.NewLoggerTo(zapcore.AddSync(&sink), false, true))}, opts...)
	s, err := New(cfg, gen, events.NotifierFunc(func(n events.Notice) {
		h.mu.Lock()
		h.notices = append(h.notices, n)
		h.mu.Unlock()
	}), opts...)
	require.NoError(t, err)
	h.s = s
	t.Cleanup(s.Close)
	return h
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.s.Wait(ctx))
}

func (h *harness) noticeList() []events.Notice {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]events.Notice(nil), h.notices...)
}

func (h *harness) codes() []string {
	var out []string
	for _, n := range h.noticeList() {
		out = append(out, string(n.Level)+":"+n.Code)
	}
	return out
}

func echoInstruction() gateway.Generator {
	return gateway.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		return "out_" + instruction(prompt), nil
	})
}

func open(h *harness, lines ...string) *buffer.Lines {
	b := buffer.NewLines("1", "main.py", "python", lines)
	h.s.OpenBuffer(b)
	return b
}

func assertLines(t *testing.T, want []string, b buffer.Buffer) {
	t.Helper()
	if diff := cmp.Diff(want, b.Lines(0, -1)); diff != "" {
		t.Errorf("buffer mismatch (-want +got):\n%s", diff)
	}
}

func TestScenarioA_InsertBelowComment(t *testing.T) {
	gen := gateway.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		return "a + b", nil
	})
	h := newHarness(t, gen, nil)
	b := open(h, "# @ai: add two numbers", "")

	n, err := h.s.ProcessAll("1", false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.wait(t)

	assertLines(t, []string{"# @ai: add two numbers", "", "a + b"}, b)

	e, ok := h.s.Ledger().Get(ledger.HashOf("1", 0, "# @ai: add two numbers"))
	require.True(t, ok)
	assert.Equal(t, ledger.StateCompleted, e.State)
	assert.Equal(t, buffer.Range{Start: 2, End: 2}, e.Range)

	assert.Equal(t, []string{"info:"}, h.codes())
	assert.Equal(t, Status{Enabled: true, Policy: "manual", Completed: 1}, h.s.Status())
}

func TestScenarioB_RefactorReplacesInPlace(t *testing.T) {
	var prompts []string
	var mu sync.Mutex
	gen := gateway.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		mu.Lock()
		prompts = append(prompts, prompt)
		mu.Unlock()
		return "def f():\n    return 2", nil
	})
	h := newHarness(t, gen, nil)
	b := open(h, "# @ai: optimize", "def f():", "    return 1", "# @ai: next")

	require.NoError(t, h.s.TriggerCurrent("1", 0))
	h.wait(t)
	want := []string{"# @ai: optimize", "def f():", "    return 2", "# @ai: next"}
	assertLines(t, want, b)

	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "EXISTING CODE TO TRANSFORM:\ndef f():\n    return 1\n")

	// a second forced trigger replaces the same region again without adding separators
	require.NoError(t, h.s.TriggerCurrent("1", 0))
	h.wait(t)
	assertLines(t, want, b)
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1], "EXISTING CODE TO TRANSFORM:\ndef f():\n    return 2\n")

	markers := h.s.Markers().List("1")
	require.Len(t, markers, 1)
	assert.Equal(t, buffer.Range{Start: 1, End: 2}, markers[0].Range)
}

func TestScenarioC_QueueIsStrictlySequential(t *testing.T) {
	started := make(chan string, 10)
	release := make(chan struct{})
	gen := gateway.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		ins := instruction(prompt)
		started <- ins
		if ins == "one" {
			select {
			case <-release:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return "out_" + ins, nil
	})
	h := newHarness(t, gen, nil)
	b := open(h, "# @ai: one", "# @ai: two", "# @ai: three")

	n, err := h.s.ProcessAll("1", false)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, "one", <-started)
	select {
	case ins := <-started:
		t.Fatalf("%q started while the first request was still in flight", ins)
	case <-time.After(150 * time.Millisecond):
	}
	st := h.s.Status()
	assert.Equal(t, 1, st.InFlight)
	assert.Equal(t, 2, st.Queued)

	close(release)
	h.wait(t)
	assert.Equal(t, "two", <-started)
	assert.Equal(t, "three", <-started)

	assertLines(t, []string{
		"# @ai: one", "", "out_one",
		"# @ai: two", "", "out_two",
		"# @ai: three", "", "out_three",
	}, b)
	assert.Equal(t, []string{"info:", "info:", "info:"}, h.codes())
}

func TestProcessAll_SkipsCommentsWithCodeBelow(t *testing.T) {
	var calls atomic.Int32
	gen := gateway.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		calls.Add(1)
		return "x", nil
	})
	h := newHarness(t, gen, nil)
	b := open(h, "# @ai: add", "total = a + b")

	_, err := h.s.ProcessAll("1", false)
	require.NoError(t, err)
	h.wait(t)

	assert.Equal(t, int32(0), calls.Load())
	assertLines(t, []string{"# @ai: add", "total = a + b"}, b)
	assert.True(t, h.s.Ledger().IsCompleted(ledger.HashOf("1", 0, "# @ai: add")))
	notices := h.noticeList()
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0].Message, "code already present")

	// completed comments are silently skipped by automatic paths
	_, err = h.s.ProcessAll("1", false)
	require.NoError(t, err)
	h.wait(t)
	assert.Len(t, h.noticeList(), 1)

	// forcing refactors the code instead
	_, err = h.s.ProcessAll("1", true)
	require.NoError(t, err)
	h.wait(t)
	assert.Equal(t, int32(1), calls.Load())
	assertLines(t, []string{"# @ai: add", "x"}, b)
}

func TestToolNotFoundClearsLedger(t *testing.T) {
	gen := gateway.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		return "", utils.NewToolNotFoundError("opencode", gateway.ErrToolNotFound)
	})
	h := newHarness(t, gen, nil)
	b := open(h, "# @ai: add", "")

	require.NoError(t, h.s.TriggerCurrent("1", 0))
	h.wait(t)

	_, ok := h.s.Ledger().Get(ledger.HashOf("1", 0, "# @ai: add"))
	assert.False(t, ok)
	assert.Equal(t, []string{"error:TOOL_NOT_FOUND"}, h.codes())
	assertLines(t, []string{"# @ai: add", ""}, b)
}

func TestNonZeroExitMarksErrorButAllowsRetry(t *testing.T) {
	var calls atomic.Int32
	gen := gateway.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		calls.Add(1)
		return "", utils.NewExecutionError("fake", "generate", fmt.Errorf("%w (exit 1): quota", gateway.ErrNonZeroExit))
	})
	h := newHarness(t, gen, nil)
	open(h, "# @ai: add", "")

	_, err := h.s.ProcessAll("1", false)
	require.NoError(t, err)
	h.wait(t)

	e, ok := h.s.Ledger().Get(ledger.HashOf("1", 0, "# @ai: add"))
	require.True(t, ok)
	assert.Equal(t, ledger.StateError, e.State)
	assert.Contains(t, e.Message, "quota")
	assert.Equal(t, []string{"error:EXIT_NONZERO"}, h.codes())

	_, err = h.s.ProcessAll("1", false)
	require.NoError(t, err)
	h.wait(t)
	assert.Equal(t, int32(2), calls.Load())
}

func TestResultIsPlacedByContentAfterEditsAbove(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	gen := gateway.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		close(started)
		<-release
		return "a + b", nil
	})
	h := newHarness(t, gen, nil)
	b := open(h, "# @ai: add", "")

	require.NoError(t, h.s.TriggerCurrent("1", 0))
	<-started
	require.NoError(t, b.SetLines(0, 0, []string{"import os", "import sys"}))
	close(release)
	h.wait(t)

	assertLines(t, []string{"import os", "import sys", "# @ai: add", "", "a + b"}, b)
}

func TestForcedRetriggerAfterLinesShiftKeepsOneEntry(t *testing.T) {
	h := newHarness(t, echoInstruction(), nil)
	b := open(h, "# @ai: one", "")

	_, err := h.s.ProcessAll("1", false)
	require.NoError(t, err)
	h.wait(t)
	require.Equal(t, 1, h.s.Status().Completed)

	require.NoError(t, b.SetLines(0, 0, []string{"import os"}))
	h.s.Markers().Shift("1", 0, 0, 1)

	require.NoError(t, h.s.TriggerCurrent("1", 1))
	h.wait(t)

	assertLines(t, []string{"import os", "# @ai: one", "", "out_one"}, b)
	assert.Equal(t, 1, h.s.Status().Completed)
	_, ok := h.s.Ledger().Get(ledger.HashOf("1", 0, "# @ai: one"))
	assert.False(t, ok)
	assert.True(t, h.s.Ledger().IsCompleted(ledger.HashOf("1", 1, "# @ai: one")))
}

func TestCommentDeletedWhileInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	gen := gateway.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		close(started)
		<-release
		return "a + b", nil
	})
	h := newHarness(t, gen, nil)
	b := open(h, "# @ai: add", "")

	require.NoError(t, h.s.TriggerCurrent("1", 0))
	<-started
	require.NoError(t, b.SetLines(0, 1, nil))
	close(release)
	h.wait(t)

	assertLines(t, []string{""}, b)
	assert.Equal(t, []string{"info:NOT_RELOCATABLE"}, h.codes())
	processing, completed := h.s.Ledger().Counts()
	assert.Zero(t, processing)
	assert.Zero(t, completed)
}

func blockingGenerator(started chan<- string) gateway.Generator {
	return gateway.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		started <- instruction(prompt)
		<-ctx.Done()
		return "", ctx.Err()
	})
}

func TestCloseBufferTearsDown(t *testing.T) {
	started := make(chan string, 4)
	h := newHarness(t, blockingGenerator(started), nil)
	b := open(h, "# @ai: one", "# @ai: two")

	_, err := h.s.ProcessAll("1", true)
	require.NoError(t, err)
	assert.Equal(t, "one", <-started)

	require.NoError(t, h.s.CloseBuffer("1"))
	h.wait(t)

	assert.False(t, b.Valid())
	_, ok := h.s.Buffer("1")
	assert.False(t, ok)
	assert.Equal(t, Status{Enabled: true, Policy: "manual"}, h.s.Status())
	assert.Empty(t, h.s.Markers().List("1"))
	assert.Equal(t, []string{"info:STALE_BUFFER"}, h.codes())

	assert.True(t, errors.Is(h.s.CloseBuffer("1"), ErrUnknownBuffer))
}

func TestCancelAllLeavesCommentRetriggerable(t *testing.T) {
	started := make(chan string, 4)
	h := newHarness(t, blockingGenerator(started), nil)
	open(h, "# @ai: one", "# @ai: two")

	_, err := h.s.ProcessAll("1", false)
	require.NoError(t, err)
	assert.Equal(t, "one", <-started)
	assert.Equal(t, 1, h.s.Status().InFlight)

	assert.Equal(t, 1, h.s.CancelAll())
	h.wait(t)

	_, ok := h.s.Ledger().Get(ledger.HashOf("1", 0, "# @ai: one"))
	assert.False(t, ok)
	assert.Equal(t, []string{"info:CANCELLED"}, h.codes())
	assert.Equal(t, 0, h.s.Status().Queued)
	select {
	case ins := <-started:
		t.Fatalf("%q started after cancel", ins)
	default:
	}
}

func TestTriggerCurrentErrors(t *testing.T) {
	h := newHarness(t, echoInstruction(), nil)
	open(h, "x = 1", "# @ai: ")

	assert.True(t, errors.Is(h.s.TriggerCurrent("1", 0), ErrNoTrigger))
	assert.True(t, errors.Is(h.s.TriggerCurrent("1", 1), ErrNoTrigger))
	assert.True(t, errors.Is(h.s.TriggerCurrent("1", 40), ErrNoTrigger))
	assert.True(t, errors.Is(h.s.TriggerCurrent("2", 0), ErrUnknownBuffer))
	_, err := h.s.ProcessAll("2", false)
	assert.True(t, errors.Is(err, ErrUnknownBuffer))
	assert.True(t, errors.Is(h.s.HandleEvent(Event{Kind: CursorMoved, Buffer: "2"}), ErrUnknownBuffer))
}

func TestLinearPolicyEndToEnd(t *testing.T) {
	h := newHarness(t, echoInstruction(), func(c *configuration.Config) { c.Policy = "linear" })
	b := open(h, "# @ai: one", "", "# @ai: two")

	require.NoError(t, h.s.HandleEvent(Event{Kind: TextChanged, Buffer: "1", Line: 0}))
	require.NoError(t, h.s.HandleEvent(Event{Kind: TextChanged, Buffer: "1", Line: 2}))
	h.wait(t)
	assertLines(t, []string{"# @ai: one", "", "out_one", "# @ai: two"}, b)

	require.NoError(t, h.s.HandleEvent(Event{Kind: BufferLeft, Buffer: "1"}))
	h.wait(t)
	assertLines(t, []string{"# @ai: one", "", "out_one", "# @ai: two", "", "out_two"}, b)
}

func TestNonLinearPolicyDebounces(t *testing.T) {
	h := newHarness(t, echoInstruction(), func(c *configuration.Config) { c.Policy = "nonlinear" },
		WithDebounce(20*time.Millisecond))
	b := open(h, "x", "# @ai: one", "")

	require.NoError(t, h.s.HandleEvent(Event{Kind: CursorMoved, Buffer: "1", Line: 1}))
	require.NoError(t, h.s.HandleEvent(Event{Kind: CursorMoved, Buffer: "1", Line: 0}))

	assert.Eventually(t, func() bool {
		return len(b.Lines(0, -1)) == 4
	}, 2*time.Second, 10*time.Millisecond)
	h.wait(t)
	assertLines(t, []string{"x", "# @ai: one", "", "out_one"}, b)
}

func TestToggleBlocksAutomaticOnly(t *testing.T) {
	h := newHarness(t, echoInstruction(), func(c *configuration.Config) { c.Policy = "linear" })
	b := open(h, "# @ai: one", "", "# @ai: two")

	assert.False(t, h.s.Toggle())
	assert.False(t, h.s.Enabled())
	require.NoError(t, h.s.HandleEvent(Event{Kind: TextChanged, Buffer: "1", Line: 0}))
	require.NoError(t, h.s.HandleEvent(Event{Kind: TextChanged, Buffer: "1", Line: 2}))
	h.wait(t)
	assertLines(t, []string{"# @ai: one", "", "# @ai: two"}, b)
	assert.True(t, strings.Contains(h.s.Status().String(), "disabled"))

	require.NoError(t, h.s.TriggerCurrent("1", 0))
	h.wait(t)
	assertLines(t, []string{"# @ai: one", "", "out_one", "# @ai: two"}, b)

	assert.True(t, h.s.Toggle())
}

func TestSetPolicyAndStatus(t *testing.T) {
	h := newHarness(t, echoInstruction(), nil)
	assert.Equal(t, "manual", h.s.Policy())

	require.Error(t, h.s.SetPolicy("eager"))
	assert.Equal(t, "manual", h.s.Policy())

	require.NoError(t, h.s.SetPolicy("non-linear"))
	assert.Equal(t, "nonlinear", h.s.Policy())
	assert.Equal(t, "commentgen enabled | policy: Nonlinear | in flight: 0 | completed: 0 | queued: 0", h.s.Status().String())
}

func TestResetForgetsEverything(t *testing.T) {
	h := newHarness(t, echoInstruction(), nil)
	open(h, "# @ai: one", "")

	_, err := h.s.ProcessAll("1", false)
	require.NoError(t, err)
	h.wait(t)
	require.Equal(t, 1, h.s.Status().Completed)
	require.Len(t, h.s.Markers().List("1"), 1)

	h.s.Reset()
	assert.Equal(t, 0, h.s.Status().Completed)
	assert.Empty(t, h.s.Markers().List("1"))
}

func TestNewValidatesInputs(t *testing.T) {
	_, err := New(nil, nil, nil)
	assert.Error(t, err)

	cfg := configuration.NewConfig()
	cfg.Policy = "eager"
	_, err = New(cfg, echoInstruction(), nil)
	require.Error(t, err)
	assert.True(t, utils.HasCode(err, utils.CodeConfig))
}

func TestEventBusReceivesLifecycle(t *testing.T) {
	bus := events.NewEventBus()
	ch := bus.Subscribe("test")
	gen := gateway.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		return "a + b", nil
	})
	h := newHarness(t, gen, nil, WithEventBus(bus))
	open(h, "# @ai: add two numbers", "")

	_, err := h.s.ProcessAll("1", false)
	require.NoError(t, err)
	h.wait(t)

	started := <-ch
	assert.Equal(t, events.EventTypeGenerationStarted, started.Type)
	assert.Equal(t, "add two numbers", started.Data.(map[string]any)["prompt"])

	done := <-ch
	assert.Equal(t, events.EventTypeGenerationDone, done.Type)
	assert.Equal(t, 2, done.Data.(map[string]any)["start"])
	bus.Unsubscribe("test")
}
