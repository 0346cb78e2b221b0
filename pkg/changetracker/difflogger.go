package changetracker

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Color constants for better readability
const (
	RedColor             = "\x1b[31m"
	GreenColor           = "\x1b[32m"
	YellowColor          = "\x1b[33m"
	BoldStyle            = "\x1b[1m"
	ResetColor           = "\x1b[0m"
	NumberOfContextLines = 3 // Number of context lines to show around changes
)

type lineOp struct {
	kind diffmatchpatch.Operation
	text string
}

// lineDiff diffs two texts line by line.
func lineDiff(original, updated string) []lineOp {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(original, updated)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var ops []lineOp
	for _, d := range diffs {
		text := strings.TrimSuffix(d.Text, "\n")
		for _, l := range strings.Split(text, "\n") {
			ops = append(ops, lineOp{kind: d.Type, text: l})
		}
	}
	return ops
}

// GetDiff renders the line changes from original to updated with
// NumberOfContextLines lines of context, preceded by a stats header.
// Hunks are separated by "...". colored adds ANSI colors.
func GetDiff(filename, original, updated string, colored bool) string {
	if original == updated {
		return ""
	}
	ops := lineDiff(original, updated)
	paint := func(c, s string) string {
		if !colored {
			return s
		}
		return c + s + ResetColor
	}

	var result strings.Builder
	result.WriteString(getStats(filename, ops, paint))

	// mark lines within the context window of any change
	show := make([]bool, len(ops))
	for i, op := range ops {
		if op.kind == diffmatchpatch.DiffEqual {
			continue
		}
		lo, hi := max(0, i-NumberOfContextLines), min(len(ops)-1, i+NumberOfContextLines)
		for j := lo; j <= hi; j++ {
			show[j] = true
		}
	}

	printed := false
	gap := false
	for i, op := range ops {
		if !show[i] {
			gap = true
			continue
		}
		if gap && printed {
			result.WriteString("...\n")
		}
		gap = false
		printed = true
		switch op.kind {
		case diffmatchpatch.DiffDelete:
			result.WriteString(paint(RedColor, "- "+op.text) + "\n")
		case diffmatchpatch.DiffInsert:
			result.WriteString(paint(GreenColor, "+ "+op.text) + "\n")
		default:
			result.WriteString("  " + op.text + "\n")
		}
	}
	return result.String()
}

// PrintDiff writes the diff to w.
func PrintDiff(w io.Writer, filename, original, updated string, colored bool) {
	diff := GetDiff(filename, original, updated, colored)
	if diff == "" {
		fmt.Fprintf(w, "%s: no changes\n", filename)
		return
	}
	fmt.Fprint(w, diff)
}

// CountLines returns added and removed line counts between two texts.
func CountLines(original, updated string) (added, removed int) {
	for _, op := range lineDiff(original, updated) {
		switch op.kind {
		case diffmatchpatch.DiffInsert:
			added++
		case diffmatchpatch.DiffDelete:
			removed++
		}
	}
	return
}

func getStats(filename string, ops []lineOp, paint func(string, string) string) string {
	var additions, deletions int
	for _, op := range ops {
		switch op.kind {
		case diffmatchpatch.DiffInsert:
			additions++
		case diffmatchpatch.DiffDelete:
			deletions++
		}
	}
	var result strings.Builder
	result.WriteString(paint(BoldStyle+YellowColor, filename))
	if additions > 0 {
		result.WriteString(" " + paint(BoldStyle+GreenColor, fmt.Sprintf("+%d", additions)))
	}
	if deletions > 0 {
		result.WriteString(" " + paint(BoldStyle+RedColor, fmt.Sprintf("-%d", deletions)))
	}
	result.WriteString("\n")
	return result.String()
}

var stripColorRegex = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// StripColor removes ANSI color codes.
func StripColor(s string) string {
	return stripColorRegex.ReplaceAllString(s, "")
}
