package buffer

import (
	"errors"
	"strings"
)

// ErrNotFound is returned when a line can no longer be located by content.
var ErrNotFound = errors.New("line not found in buffer")

// Range is an inclusive 0-based line range.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of lines covered, or 0 for an inverted range.
func (r Range) Len() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Empty reports whether the range covers no lines.
func (r Range) Empty() bool {
	return r.Len() == 0
}

// Within reports whether the range is non-empty and inside a buffer of n lines.
func (r Range) Within(n int) bool {
	return !r.Empty() && r.Start >= 0 && r.End < n
}

// TriggerFunc reports whether a line is a trigger comment.
type TriggerFunc func(line string) bool

// FindByContent returns the first line whose trimmed text equals the trimmed
// target. Callers must use it immediately before mutating a buffer instead of
// a remembered line number: any earlier insertion shifts later lines.
func FindByContent(b Buffer, raw string) (int, error) {
	target := strings.TrimSpace(raw)
	lines := b.Lines(0, -1)
	for i, l := range lines {
		if strings.TrimSpace(l) == target {
			return i, nil
		}
	}
	return -1, ErrNotFound
}

// FindCodeRegion returns the non-blank span following the comment on line
// commentLine, stopping before the next trigger comment or end of buffer.
// Leading blank lines are skipped; interior blank lines are kept; trailing
// blank lines are dropped. ok is false when no non-blank line exists before
// the next trigger comment.
func FindCodeRegion(b Buffer, commentLine int, isTrigger TriggerFunc) (Range, bool) {
	lines := b.Lines(0, -1)
	start, last := -1, -1
	for i := commentLine + 1; i < len(lines); i++ {
		l := lines[i]
		if isTrigger != nil && isTrigger(l) {
			break
		}
		if strings.TrimSpace(l) == "" {
			continue
		}
		if start < 0 {
			start = i
		}
		last = i
	}
	if start < 0 {
		return Range{}, false
	}
	return Range{Start: start, End: last}, true
}

// RegionText returns the lines covered by r.
func RegionText(b Buffer, r Range) []string {
	return b.Lines(r.Start, r.End+1)
}
