package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alantheprice/commentgen/pkg/buffer"
	"github.com/alantheprice/commentgen/pkg/dispatch"
	"github.com/alantheprice/commentgen/pkg/events"
	"github.com/alantheprice/commentgen/pkg/gateway"
	"github.com/alantheprice/commentgen/pkg/ledger"
	"github.com/alantheprice/commentgen/pkg/trigger"
	"github.com/alantheprice/commentgen/pkg/utils"
)

// handler adapts the session to dispatch.Handler.
type handler struct{ s *Session }

func (h handler) Locate(item dispatch.Item) (int, error) {
	b, ok := h.s.registry.Get(item.Buffer)
	if !ok {
		return -1, fmt.Errorf("%w: %s", ErrUnknownBuffer, item.Buffer)
	}
	line, err := buffer.FindByContent(b, item.Raw)
	if err != nil {
		e := utils.NewNotRelocatableError(string(item.Buffer), item.Raw)
		e.RootCause = err
		return -1, e
	}
	return line, nil
}

func (h handler) Process(ctx context.Context, item dispatch.Item, line int) error {
	return h.s.process(ctx, item, line)
}

func (h handler) Dropped(item dispatch.Item, err error) {
	if errors.Is(err, ErrUnknownBuffer) {
		h.s.notify(events.LevelInfo, item.Buffer, utils.CodeStaleBuffer, "buffer closed, skipped %q", shorten(item.Prompt))
		return
	}
	h.s.notify(events.LevelInfo, item.Buffer, utils.CodeNotRelocatable, "trigger comment no longer found, skipped %q", shorten(item.Prompt))
}

// scheduler adapts the session to activation.Scheduler.
type scheduler struct{ s *Session }

func (a scheduler) Fire(id buffer.ID, c trigger.Comment) {
	a.s.queue.Push(itemFor(id, c, false, dispatch.SourceLinear))
}

func (a scheduler) Debounce(id buffer.ID, c trigger.Comment) {
	a.s.debouncer.Schedule(itemFor(id, c, false, dispatch.SourceDebounce))
}

// process runs one dequeued item to its terminal outcome. The comment was
// located on line immediately before the call.
func (s *Session) process(ctx context.Context, item dispatch.Item, line int) error {
	b, ok := s.registry.Get(item.Buffer)
	if !ok {
		s.notify(events.LevelInfo, item.Buffer, utils.CodeStaleBuffer, "buffer closed, skipped %q", shorten(item.Prompt))
		return fmt.Errorf("%w: %s", ErrUnknownBuffer, item.Buffer)
	}
	text, _ := lineAt(b, line)
	c, ok := s.grammar.ParseAt(line, text)
	if !ok {
		s.notify(events.LevelInfo, b.ID(), utils.CodeNotRelocatable, "trigger comment changed, skipped %q", shorten(item.Prompt))
		return utils.NewNotRelocatableError(string(b.ID()), item.Raw)
	}

	h := ledger.HashOf(b.ID(), c.Line, c.Raw)
	if s.ledger.IsProcessing(h) {
		s.logger.Debugf("session: %q already in flight", c.Prompt)
		return nil
	}

	if item.Forced {
		s.ledger.ClearText(b.ID(), c.Raw)
	} else {
		if s.completedBefore(h, b.ID(), c) {
			s.logger.Debugf("session: %q already completed", c.Prompt)
			return nil
		}
		// never clobber code that already sits below a leftover comment
		if _, ok := buffer.FindCodeRegion(b, c.Line, s.grammar.IsTrigger); ok {
			s.ledger.MarkCompleted(h, b.ID(), c.Raw, noRange)
			s.notify(events.LevelInfo, b.ID(), "", "code already present below %q, left unchanged", shorten(c.Prompt))
			return nil
		}
	}

	old, refactor := s.target(b, c)
	var prompt string
	if refactor {
		prompt = s.prompts.BuildRefactorPrompt(b, c.Line, c.Prompt, buffer.RegionText(b, old))
	} else {
		prompt = s.prompts.BuildPrompt(b, c.Line, c.Prompt)
	}

	if !s.ledger.MarkProcessing(h, b.ID(), c.Raw) {
		return nil
	}
	s.logger.Logf("session: generating for %s:%d (%s, refactor=%t): %s", b.Name(), c.Line+1, item.Source, refactor, c.Prompt)
	s.publish(events.EventTypeGenerationStarted, events.GenerationStartedEvent(b.ID(), c.Line, c.Prompt))

	job := gateway.Job{ID: string(h), Buffer: b.ID(), Hash: string(h)}
	res := <-s.gateway.Execute(ctx, job, prompt)
	return s.finish(c, h, refactor, res)
}

// completedBefore reports whether automatic paths should leave c alone. A
// completed entry for the same text counts even if the comment has since
// moved to another line.
func (s *Session) completedBefore(h ledger.Hash, id buffer.ID, c trigger.Comment) bool {
	if s.ledger.IsCompleted(h) {
		return true
	}
	_, ok := s.ledger.LastCompletedRange(id, c.Raw)
	return ok
}

// target returns the lines a re-generation replaces: the comment's previous
// generated region if it is still below the comment, else its code region.
func (s *Session) target(b buffer.Buffer, c trigger.Comment) (buffer.Range, bool) {
	if m, ok := s.markers.ForKey(b.ID(), c.Key()); ok && m.Range.Within(b.LineCount()) && m.Range.Start > c.Line {
		return m.Range, true
	}
	return buffer.FindCodeRegion(b, c.Line, s.grammar.IsTrigger)
}

// finish applies a generation result. Every path through it ends the ledger
// entry and emits exactly one notice.
func (s *Session) finish(c trigger.Comment, h ledger.Hash, refactor bool, res gateway.Result) error {
	id := res.Job.Buffer
	prompt := shorten(c.Prompt)

	if res.Err != nil {
		switch {
		case errors.Is(res.Err, gateway.ErrCancelled):
			s.ledger.Clear(h)
			if _, open := s.registry.Get(id); !open {
				s.notify(events.LevelInfo, id, utils.CodeStaleBuffer, "buffer closed, dropped %q", prompt)
			} else {
				s.notify(events.LevelInfo, id, utils.CodeCancelled, "generation cancelled for %q", prompt)
			}
		case errors.Is(res.Err, gateway.ErrToolNotFound):
			s.ledger.Clear(h)
			s.notify(events.LevelError, id, utils.CodeToolNotFound, "%v", res.Err)
		default:
			s.ledger.MarkError(h, id, c.Raw, res.Err.Error())
			s.notify(events.LevelError, id, utils.CodeExitNonZero, "generation failed for %q: %v", prompt, res.Err)
		}
		return res.Err
	}

	// the buffer may have been edited or closed while the backend ran
	b, ok := s.registry.Get(id)
	if !ok || !b.Valid() {
		s.ledger.Clear(h)
		s.notify(events.LevelInfo, id, utils.CodeStaleBuffer, "buffer closed, dropped %q", prompt)
		return utils.NewStaleError(string(id), "buffer closed during generation")
	}
	line, err := buffer.FindByContent(b, c.Raw)
	if err != nil {
		s.ledger.Clear(h)
		s.notify(events.LevelInfo, id, utils.CodeNotRelocatable, "trigger comment no longer found, dropped %q", prompt)
		return utils.NewNotRelocatableError(string(id), c.Raw)
	}
	if text, ok := lineAt(b, line); ok {
		if fresh, ok := s.grammar.ParseAt(line, text); ok {
			c = fresh
		}
	}

	var r buffer.Range
	if old, ok := s.target(b, c); refactor && ok {
		r, err = s.placer.Replace(b, c.Line, res.Code, c.Indent, c.Key(), old)
	} else {
		r, err = s.placer.Insert(b, c.Line, res.Code, c.Indent, c.Key())
	}
	if err != nil {
		s.ledger.Clear(h)
		s.notify(events.LevelInfo, id, utils.CodeStaleBuffer, "buffer changed, dropped %q", prompt)
		return err
	}

	s.ledger.MarkCompleted(h, id, c.Raw, r)
	s.publish(events.EventTypeGenerationDone, events.GenerationDoneEvent(id, r, res.Duration))
	s.notify(events.LevelInfo, id, "", "generated %d lines for %q in %s", r.Len(), prompt, res.Duration.Round(time.Millisecond))
	return nil
}
