package gateway

import (
	"regexp"
	"strings"
)

// fenceRegex matches a fence line, with or without a language tag.
var fenceRegex = regexp.MustCompile("^\\s*```")

func isFence(line string) bool {
	return fenceRegex.MatchString(line)
}

// CleanOutput turns a raw model response into plain code. A response that
// opens with a fence (optional language tag) is peeled one level and cut at the
// next fence line, so only the first block survives. A single lead-in sentence
// such as "Here you go:" before the first block counts as wrapping too. Any
// other response is code: it is kept up to its first fence line, which drops a
// stray closing fence or a trailing fenced example. Lines echoing the trigger
// marker are removed and leading/trailing blank lines trimmed. CleanOutput is
// pure and idempotent.
func CleanOutput(raw, marker string) string {
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	echo := func(l string) bool { return marker != "" && strings.Contains(l, marker) }

	var lead []int
	fence := -1
	for i, l := range lines {
		if isFence(l) {
			fence = i
			break
		}
		if strings.TrimSpace(l) != "" && !echo(l) {
			lead = append(lead, i)
		}
	}
	if fence >= 0 {
		body := lines[fence+1:]
		for i, l := range body {
			if isFence(l) {
				body = body[:i]
				break
			}
		}
		switch {
		case len(lead) == 0:
			lines = body
		case len(lead) == 1 && isLeadIn(lines[lead[0]]) && hasContent(body, echo):
			lines = body
		default:
			lines = lines[:fence]
			if last := lead[len(lead)-1]; len(lead) > 1 && isLeadIn(lines[last]) {
				lines = lines[:last]
			}
		}
	}

	kept := make([]string, 0, len(lines))
	for _, l := range lines {
		if echo(l) {
			continue
		}
		kept = append(kept, strings.TrimRight(l, " \t"))
	}

	start, end := 0, len(kept)
	for start < end && strings.TrimSpace(kept[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(kept[end-1]) == "" {
		end--
	}
	return strings.Join(kept[start:end], "\n")
}

// isLeadIn reports whether line reads like a sentence introducing a block,
// e.g. "Here is the function:".
func isLeadIn(line string) bool {
	t := strings.TrimSpace(line)
	if t == "" || strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
		return false
	}
	return strings.HasSuffix(t, ":") || strings.HasSuffix(t, ".") || strings.HasSuffix(t, "!")
}

func hasContent(lines []string, echo func(string) bool) bool {
	for _, l := range lines {
		if strings.TrimSpace(l) != "" && !echo(l) {
			return true
		}
	}
	return false
}
