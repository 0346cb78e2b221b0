// Package hostbridge connects a host editor to a session. Both transports
// (stdio and websocket) speak the same protocol: one JSON object per message.
//
// Buffers opened by the host are mirrors. The host streams its edits in with
// "change" messages; edits made by placement stream back out as "set_lines".
package hostbridge

import (
	"errors"
	"fmt"
	"sync"

	"github.com/alantheprice/commentgen/pkg/buffer"
	"github.com/alantheprice/commentgen/pkg/events"
	"github.com/alantheprice/commentgen/pkg/session"
	"github.com/alantheprice/commentgen/pkg/utils"
)

// Inbound message types
const (
	TypeOpen       = "open"
	TypeChange     = "change"
	TypeCursor     = "cursor"
	TypeMode       = "mode"
	TypeLeave      = "leave"
	TypeClose      = "close"
	TypeTrigger    = "trigger"
	TypeProcessAll = "process_all"
	TypeToggle     = "toggle"
	TypePolicy     = "policy"
	TypeSetPolicy  = "set_policy"
	TypeCancel     = "cancel"
	TypeReset      = "reset"
	TypeStatus     = "status"
)

// Outbound message types
const (
	TypeSetLines = "set_lines"
	TypeNotify   = "notify"
	TypeResult   = "result"
	TypeError    = "error"
)

// Message is the single wire shape for both directions. Start and End
// address a half-open line range; End < 0 means end of buffer.
type Message struct {
	ID       string    `json:"id,omitempty"`
	Type     string    `json:"type"`
	Buffer   buffer.ID `json:"buffer,omitempty"`
	Line     int       `json:"line,omitempty"`
	Start    int       `json:"start,omitempty"`
	End      int       `json:"end,omitempty"`
	Lines    []string  `json:"lines,omitempty"`
	Name     string    `json:"name,omitempty"`
	Language string    `json:"language,omitempty"`
	Mode     string    `json:"mode,omitempty"`
	Force    bool      `json:"force,omitempty"`
	Data     any       `json:"data,omitempty"`
}

// SendFunc writes one message to the host. It must be safe for concurrent use.
type SendFunc func(Message) error

// SessionFactory creates the session behind one host connection. Notices
// must go to notifier.
type SessionFactory func(notifier events.Notifier) (*session.Session, error)

// Bridge translates host messages into session calls.
type Bridge struct {
	send   SendFunc
	logger *utils.Logger

	mu      sync.Mutex
	session *session.Session
	mirrors map[buffer.ID]*buffer.Lines
}

// NewBridge creates a bridge that writes with send. Attach a session before
// handling messages.
func NewBridge(send SendFunc, logger *utils.Logger) *Bridge {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &Bridge{send: send, logger: logger, mirrors: make(map[buffer.ID]*buffer.Lines)}
}

// Connect builds the session with factory, using the bridge as its notifier.
func (br *Bridge) Connect(factory SessionFactory) (*session.Session, error) {
	s, err := factory(br)
	if err != nil {
		return nil, err
	}
	br.Attach(s)
	return s, nil
}

// Attach sets the session messages are routed to.
func (br *Bridge) Attach(s *session.Session) {
	br.mu.Lock()
	br.session = s
	br.mu.Unlock()
}

// Notify forwards a session notice to the host.
func (br *Bridge) Notify(n events.Notice) {
	br.write(Message{Type: TypeNotify, Buffer: n.Buffer, Data: n})
}

func (br *Bridge) write(m Message) {
	if err := br.send(m); err != nil {
		br.logger.Debugf("hostbridge: send %s failed: %v", m.Type, err)
	}
}

func (br *Bridge) reply(req Message, typ string, data any) {
	if req.ID == "" && typ == TypeResult {
		return
	}
	br.write(Message{ID: req.ID, Type: typ, Buffer: req.Buffer, Data: data})
}

func (br *Bridge) fail(req Message, err error) {
	br.logger.Debugf("hostbridge: %s failed: %v", req.Type, err)
	br.write(Message{ID: req.ID, Type: TypeError, Buffer: req.Buffer, Data: map[string]any{
		"message": err.Error(),
		"request": req.Type,
	}})
}

func (br *Bridge) mirror(id buffer.ID) (*buffer.Lines, bool) {
	br.mu.Lock()
	defer br.mu.Unlock()
	m, ok := br.mirrors[id]
	return m, ok
}

// Handle processes one inbound message. It never blocks on generation.
func (br *Bridge) Handle(m Message) {
	br.mu.Lock()
	s := br.session
	br.mu.Unlock()
	if s == nil {
		br.fail(m, errors.New("no session attached"))
		return
	}

	var err error
	switch m.Type {
	case TypeOpen:
		err = br.open(s, m)
		if err == nil {
			br.reply(m, TypeResult, map[string]any{"lines": len(m.Lines)})
		}
	case TypeChange:
		err = br.change(s, m)
	case TypeCursor:
		err = s.HandleEvent(session.Event{Kind: session.CursorMoved, Buffer: m.Buffer, Line: m.Line})
	case TypeMode:
		err = s.HandleEvent(session.Event{Kind: session.ModeChanged, Buffer: m.Buffer, Line: m.Line, Mode: m.Mode})
	case TypeLeave:
		err = s.HandleEvent(session.Event{Kind: session.BufferLeft, Buffer: m.Buffer, Line: m.Line})
	case TypeClose:
		err = s.CloseBuffer(m.Buffer)
		br.mu.Lock()
		delete(br.mirrors, m.Buffer)
		br.mu.Unlock()
		if err == nil {
			br.reply(m, TypeResult, nil)
		}
	case TypeTrigger:
		err = s.TriggerCurrent(m.Buffer, m.Line)
		if err == nil {
			br.reply(m, TypeResult, map[string]any{"queued": true})
		}
	case TypeProcessAll:
		var n int
		n, err = s.ProcessAll(m.Buffer, m.Force)
		if err == nil {
			br.reply(m, TypeResult, map[string]any{"count": n})
		}
	case TypeToggle:
		br.reply(m, TypeResult, map[string]any{"enabled": s.Toggle()})
	case TypePolicy:
		br.reply(m, TypeResult, map[string]any{"policy": s.Policy()})
	case TypeSetPolicy:
		err = s.SetPolicy(m.Name)
		if err == nil {
			br.reply(m, TypeResult, map[string]any{"policy": s.Policy()})
		}
	case TypeCancel:
		br.reply(m, TypeResult, map[string]any{"cancelled": s.CancelAll()})
	case TypeReset:
		s.Reset()
		br.reply(m, TypeResult, nil)
	case TypeStatus:
		st := s.Status()
		br.write(Message{ID: m.ID, Type: TypeStatus, Data: map[string]any{
			"enabled":   st.Enabled,
			"policy":    st.Policy,
			"in_flight": st.InFlight,
			"completed": st.Completed,
			"queued":    st.Queued,
			"summary":   st.String(),
		}})
	default:
		err = fmt.Errorf("unknown message type %q", m.Type)
	}
	if err != nil {
		br.fail(m, err)
	}
}

func (br *Bridge) open(s *session.Session, m Message) error {
	if m.Buffer == "" {
		return errors.New("open requires a buffer id")
	}
	if _, ok := br.mirror(m.Buffer); ok {
		_ = s.CloseBuffer(m.Buffer)
	}
	mirror := buffer.NewLines(m.Buffer, m.Name, m.Language, m.Lines)
	mirror.OnChange(func(id buffer.ID, start, end int, lines []string) {
		br.write(Message{Type: TypeSetLines, Buffer: id, Start: start, End: end, Lines: lines})
	})

	br.mu.Lock()
	br.mirrors[m.Buffer] = mirror
	br.mu.Unlock()
	s.OpenBuffer(mirror)
	return nil
}

// change applies a host edit to the mirror, keeps generated-region markers
// aligned, then reports it to the active policy.
func (br *Bridge) change(s *session.Session, m Message) error {
	mirror, ok := br.mirror(m.Buffer)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrUnknownBuffer, m.Buffer)
	}
	end := m.End
	if n := mirror.LineCount(); end < 0 || end > n {
		end = n
	}
	if err := mirror.ApplyRemote(m.Start, end, m.Lines); err != nil {
		return err
	}
	s.Markers().Shift(m.Buffer, m.Start, end, len(m.Lines))
	return s.HandleEvent(session.Event{Kind: session.TextChanged, Buffer: m.Buffer, Line: m.Line})
}
