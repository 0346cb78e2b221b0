// Package session owns all state for one editor session: open buffers, the
// request ledger, generated-region markers, the dispatch queue and the active
// activation policy. Hosts drive it through the command surface below.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/alantheprice/commentgen/pkg/activation"
	"github.com/alantheprice/commentgen/pkg/buffer"
	"github.com/alantheprice/commentgen/pkg/configuration"
	"github.com/alantheprice/commentgen/pkg/dispatch"
	"github.com/alantheprice/commentgen/pkg/events"
	"github.com/alantheprice/commentgen/pkg/gateway"
	"github.com/alantheprice/commentgen/pkg/ledger"
	"github.com/alantheprice/commentgen/pkg/placement"
	"github.com/alantheprice/commentgen/pkg/trigger"
	"github.com/alantheprice/commentgen/pkg/utils"
)

var (
	// ErrUnknownBuffer means the buffer is not open in this session.
	ErrUnknownBuffer = errors.New("unknown buffer")
	// ErrNoTrigger means the requested line holds no trigger comment.
	ErrNoTrigger = errors.New("no trigger comment on line")
)

// Event aliases so hosts need only this package.
type Event = activation.Event

const (
	ModeChanged = activation.ModeChanged
	CursorMoved = activation.CursorMoved
	TextChanged = activation.TextChanged
	BufferLeft  = activation.BufferLeft
)

// noRange marks a comment completed without any generated lines.
var noRange = buffer.Range{Start: 0, End: -1}

// Status is the session summary reported to the host.
type Status struct {
	Enabled   bool   `json:"enabled"`
	Policy    string `json:"policy"`
	InFlight  int    `json:"in_flight"`
	Completed int    `json:"completed"`
	Queued    int    `json:"queued"`
}

func (st Status) String() string {
	state := "enabled"
	if !st.Enabled {
		state = "disabled"
	}
	return fmt.Sprintf("commentgen %s | policy: %s | in flight: %d | completed: %d | queued: %d",
		state, cases.Title(language.English).String(st.Policy), st.InFlight, st.Completed, st.Queued)
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *utils.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithEventBus publishes generation lifecycle events to bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(s *Session) { s.bus = bus }
}

// WithDebounce overrides the configured debounce delay.
func WithDebounce(d time.Duration) Option {
	return func(s *Session) { s.debounce = d }
}

// Session is the owned state object for one host connection.
type Session struct {
	cfg      *configuration.Config
	grammar  *trigger.Grammar
	registry *buffer.Registry
	ledger   *ledger.Ledger
	markers  *placement.Markers
	placer   *placement.Engine
	gateway  *gateway.Gateway
	prompts  *gateway.PromptBuilder
	notifier events.Notifier
	bus      *events.EventBus
	logger   *utils.Logger
	debounce time.Duration

	queue     *dispatch.Queue
	debouncer *dispatch.Debouncer

	mu      sync.Mutex
	enabled bool
	policy  activation.Policy
}

// New creates a session. gen is the generation backend; notices go to notifier.
func New(cfg *configuration.Config, gen gateway.Generator, notifier events.Notifier, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = configuration.NewConfig()
	}
	if gen == nil {
		return nil, errors.New("session: generator is required")
	}
	if notifier == nil {
		notifier = events.Discard
	}
	grammar, err := trigger.New(cfg.Trigger)
	if err != nil {
		return nil, utils.NewConfigError("trigger", err)
	}

	s := &Session{
		cfg:      cfg,
		grammar:  grammar,
		registry: buffer.NewRegistry(),
		ledger:   ledger.New(),
		markers:  placement.NewMarkers(),
		notifier: notifier,
		debounce: cfg.Debounce(),
		enabled:  cfg.Enabled,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = utils.GetLogger()
	}

	s.placer = placement.NewEngine(s.markers, s.logger)
	s.gateway = gateway.New(gen, grammar.Marker(), s.logger)
	s.prompts = gateway.NewPromptBuilder(grammar.Marker())
	s.prompts.LinesBefore = cfg.Context.Before
	s.prompts.LinesAfter = cfg.Context.After

	s.policy, err = activation.New(cfg.Policy, grammar, scheduler{s})
	if err != nil {
		return nil, utils.NewConfigError("policy", err)
	}
	s.queue = dispatch.NewQueue(handler{s}, s.logger)
	s.debouncer = dispatch.NewDebouncer(s.debounce, s.fireDebounced)
	return s, nil
}

// Grammar returns the trigger grammar in use.
func (s *Session) Grammar() *trigger.Grammar { return s.grammar }

// Ledger returns the request ledger.
func (s *Session) Ledger() *ledger.Ledger { return s.ledger }

// Markers returns the generated-region marker store.
func (s *Session) Markers() *placement.Markers { return s.markers }

// Generator returns the generation backend.
func (s *Session) Generator() gateway.Generator { return s.gateway.Generator() }

// OpenBuffer registers b with the session.
func (s *Session) OpenBuffer(b buffer.Buffer) {
	s.registry.Add(b)
	s.logger.Debugf("session: opened buffer %s (%s)", b.ID(), b.Name())
}

// Buffer returns an open buffer.
func (s *Session) Buffer(id buffer.ID) (buffer.Buffer, bool) {
	return s.registry.Get(id)
}

// CloseBuffer tears down everything scoped to id: the pending debounce timer,
// queued items, in-flight generations, ledger entries, markers and policy
// tracking.
func (s *Session) CloseBuffer(id buffer.ID) error {
	b, ok := s.registry.Remove(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBuffer, id)
	}
	s.debouncer.Cancel(id)
	dropped := s.queue.RemoveBuffer(id)
	jobs := s.gateway.CancelBuffer(id)
	s.ledger.DropBuffer(id)
	s.markers.DropBuffer(id)
	s.currentPolicy().Clear(id)
	if c, ok := b.(interface{ Close() }); ok {
		c.Close()
	}
	s.logger.Debugf("session: closed buffer %s (%d queued dropped, %d in flight cancelled)", id, len(dropped), len(jobs))
	return nil
}

// HandleEvent routes an editor event to the active policy. Events are ignored
// while the session is disabled.
func (s *Session) HandleEvent(ev Event) error {
	s.mu.Lock()
	enabled, policy := s.enabled, s.policy
	s.mu.Unlock()
	if !enabled {
		return nil
	}
	b, ok := s.registry.Get(ev.Buffer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBuffer, ev.Buffer)
	}
	policy.Handle(b, ev)
	return nil
}

// TriggerCurrent forces the comment on line to (re)generate.
func (s *Session) TriggerCurrent(id buffer.ID, line int) error {
	b, ok := s.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBuffer, id)
	}
	text, _ := lineAt(b, line)
	c, ok := s.grammar.ParseAt(line, text)
	if !ok {
		return fmt.Errorf("%w %d", ErrNoTrigger, line+1)
	}
	s.queue.Push(itemFor(id, c, true, dispatch.SourceManual))
	return nil
}

// ProcessAll queues every trigger comment in the buffer, top to bottom, and
// then starts the worker. It returns the number of comments found.
func (s *Session) ProcessAll(id buffer.ID, force bool) (int, error) {
	b, ok := s.registry.Get(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownBuffer, id)
	}
	comments := s.grammar.Scan(b.Lines(0, -1))
	for _, c := range comments {
		s.queue.Enqueue(itemFor(id, c, force, dispatch.SourceBulk))
	}
	s.queue.Kick()
	return len(comments), nil
}

// Toggle flips automatic triggering and returns the new state.
func (s *Session) Toggle() bool {
	s.mu.Lock()
	s.enabled = !s.enabled
	enabled := s.enabled
	s.mu.Unlock()

	if !enabled {
		s.debouncer.CancelAll()
		s.currentPolicy().Reset()
	}
	s.logger.Logf("session: automatic triggers enabled=%t", enabled)
	return enabled
}

// Enabled reports whether automatic triggers are on.
func (s *Session) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Policy returns the active policy name.
func (s *Session) Policy() string {
	return s.currentPolicy().Name()
}

// SetPolicy switches policy. Tracking state and pending debounced fires of
// the old policy are discarded.
func (s *Session) SetPolicy(name string) error {
	p, err := activation.New(name, s.grammar, scheduler{s})
	if err != nil {
		return err
	}
	s.mu.Lock()
	old := s.policy
	s.policy = p
	s.mu.Unlock()

	old.Reset()
	s.debouncer.CancelAll()
	s.logger.Logf("session: policy %s -> %s", old.Name(), p.Name())
	return nil
}

func (s *Session) currentPolicy() activation.Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// CancelAll kills every in-flight generation, leaving its comment eligible to
// fire again, and drops queued and debounced requests. It returns the number
// of generations cancelled.
func (s *Session) CancelAll() int {
	// drop waiting work first so the worker cannot pick up the next item
	s.debouncer.CancelAll()
	s.queue.Clear()
	jobs := s.gateway.CancelAll()
	for _, j := range jobs {
		s.ledger.Clear(ledger.Hash(j.Hash))
	}
	return len(jobs)
}

// Reset cancels everything and forgets all ledger, marker and policy state.
func (s *Session) Reset() {
	s.CancelAll()
	s.ledger.Reset()
	s.markers.Reset()
	s.currentPolicy().Reset()
	s.logger.Log("session: state reset")
}

// Status reports the session summary.
func (s *Session) Status() Status {
	processing, completed := s.ledger.Counts()
	return Status{
		Enabled:   s.Enabled(),
		Policy:    s.Policy(),
		InFlight:  processing,
		Completed: completed,
		Queued:    s.queue.Len(),
	}
}

// Wait blocks until the dispatch queue is idle.
func (s *Session) Wait(ctx context.Context) error {
	return s.queue.Wait(ctx)
}

// Close stops timers and the worker. The session is unusable afterwards.
func (s *Session) Close() {
	s.debouncer.Stop()
	s.gateway.CancelAll()
	s.queue.Close()
}

func (s *Session) fireDebounced(id buffer.ID, items []dispatch.Item) {
	if !s.Enabled() {
		return
	}
	for _, it := range items {
		s.queue.Enqueue(it)
	}
	s.queue.Kick()
}

func (s *Session) publish(eventType string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventType, data)
	}
}

func (s *Session) notify(level events.Level, id buffer.ID, code, format string, args ...any) {
	n := events.Notice{Level: level, Buffer: id, Message: fmt.Sprintf(format, args...), Code: code}
	s.logger.Log("session: " + n.String())
	s.notifier.Notify(n)
}

func itemFor(id buffer.ID, c trigger.Comment, forced bool, src dispatch.Source) dispatch.Item {
	return dispatch.Item{Buffer: id, Raw: c.Raw, Prompt: c.Prompt, Forced: forced, Source: src}
}

func lineAt(b buffer.Buffer, line int) (string, bool) {
	if line < 0 || line >= b.LineCount() {
		return "", false
	}
	l := b.Lines(line, line+1)
	if len(l) != 1 {
		return "", false
	}
	return l[0], true
}

func shorten(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 60 {
		return s[:57] + "..."
	}
	return s
}
