// Package placement is the only writer of generated text into buffers. It
// formats output to the comment's indentation, inserts or replaces it, and
// records generated-region markers.
package placement

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/alantheprice/commentgen/pkg/buffer"
	"github.com/alantheprice/commentgen/pkg/utils"
)

// Engine inserts and replaces generated code.
type Engine struct {
	markers *Markers
	logger  *utils.Logger
}

// NewEngine creates an engine recording into markers.
func NewEngine(markers *Markers, logger *utils.Logger) *Engine {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &Engine{markers: markers, logger: logger}
}

// Markers returns the engine's marker store.
func (e *Engine) Markers() *Markers {
	return e.markers
}

// Format splits code into lines and prefixes every non-blank line with indent.
// Blank lines stay empty.
func Format(code, indent string) []string {
	code = strings.ReplaceAll(code, "\r\n", "\n")
	raw := strings.Split(code, "\n")
	out := make([]string, len(raw))
	for i, l := range raw {
		if strings.TrimSpace(l) == "" {
			out[i] = ""
			continue
		}
		out[i] = indent + l
	}
	return out
}

// Insert places code after the comment on commentLine, separated from it by
// one blank line. An existing blank line right below the comment is reused as
// the separator so re-insertions never stack blank lines.
func (e *Engine) Insert(b buffer.Buffer, commentLine int, code, indent, key string) (buffer.Range, error) {
	n := b.LineCount()
	if commentLine < 0 || commentLine >= n {
		return buffer.Range{}, utils.NewStaleError(string(b.ID()), fmt.Sprintf("comment line %d outside buffer of %d lines", commentLine, n))
	}
	lines := Format(code, indent)

	at := commentLine + 1
	block := lines
	if next := b.Lines(at, at+1); len(next) == 1 && strings.TrimSpace(next[0]) == "" {
		at++
	} else {
		block = append([]string{""}, lines...)
	}
	if err := e.apply(b, at, at, block); err != nil {
		return buffer.Range{}, err
	}

	start := at + len(block) - len(lines)
	r := buffer.Range{Start: start, End: start + len(lines) - 1}
	e.markers.Add(b.ID(), key, r)
	e.logger.Debugf("placement: inserted %d lines into %s at %d-%d", len(lines), b.Name(), r.Start, r.End)
	return r, nil
}

// Replace substitutes old with code. A stale old range (empty, inverted, out
// of bounds, or not below the comment) falls back to Insert.
func (e *Engine) Replace(b buffer.Buffer, commentLine int, code, indent, key string, old buffer.Range) (buffer.Range, error) {
	if !old.Within(b.LineCount()) || old.Start <= commentLine {
		e.logger.Debugf("placement: stale range %d-%d in %s, inserting instead", old.Start, old.End, b.Name())
		return e.Insert(b, commentLine, code, indent, key)
	}
	lines := Format(code, indent)
	previous := buffer.RegionText(b, old)

	e.markers.ClearRange(b.ID(), old)
	if err := e.apply(b, old.Start, old.End+1, lines); err != nil {
		return buffer.Range{}, err
	}

	r := buffer.Range{Start: old.Start, End: old.Start + len(lines) - 1}
	e.markers.Add(b.ID(), key, r)

	added, removed := ChangeStats(strings.Join(previous, "\n"), strings.Join(lines, "\n"))
	e.logger.Logf("placement: replaced %s lines %d-%d with %d lines (+%d -%d chars)", b.Name(), old.Start, old.End, len(lines), added, removed)
	return r, nil
}

func (e *Engine) apply(b buffer.Buffer, start, end int, lines []string) error {
	if !b.Valid() {
		return utils.NewStaleError(string(b.ID()), "buffer closed before placement")
	}
	if err := b.SetLines(start, end, lines); err != nil {
		return utils.NewStaleError(string(b.ID()), err.Error())
	}
	e.markers.Shift(b.ID(), start, end, len(lines))
	return nil
}

// ChangeStats counts inserted and deleted characters between two texts.
func ChangeStats(before, after string) (added, removed int) {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(before, after, false))
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += len(d.Text)
		case diffmatchpatch.DiffDelete:
			removed += len(d.Text)
		}
	}
	return added, removed
}
