// Package trigger recognizes trigger comments: a comment prefix followed by the
// trigger marker and a natural-language prompt.
package trigger

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultMarker is the trigger marker used when none is configured.
const DefaultMarker = "@ai:"

// Style is a comment syntax the grammar understands.
type Style struct {
	Name   string
	Prefix string
	// Suffix closes block-delimited styles on the same line; empty for line comments.
	Suffix string
}

// Styles lists every supported comment style in match priority order. The first
// style whose pattern matches a line wins, so a prefix that is itself a prefix
// of another entry must come after it ("///" before "//", "--[[" before "--",
// ";;" before ";"). Block-continuation "*" is last so that "/*" and "(*" are
// tried first.
var Styles = []Style{
	{Name: "html", Prefix: "<!--", Suffix: "-->"},
	{Name: "c-block", Prefix: "/*", Suffix: "*/"},
	{Name: "haskell-block", Prefix: "{-", Suffix: "-}"},
	{Name: "ml-block", Prefix: "(*", Suffix: "*)"},
	{Name: "lua-block", Prefix: "--[[", Suffix: "]]"},
	{Name: "doc-slash", Prefix: "///"},
	{Name: "c-line", Prefix: "//"},
	{Name: "shell", Prefix: "#"},
	{Name: "dash", Prefix: "--"},
	{Name: "lisp", Prefix: ";;"},
	{Name: "semicolon", Prefix: ";"},
	{Name: "percent", Prefix: "%"},
	{Name: "vim", Prefix: `"`},
	{Name: "block-continuation", Prefix: "*"},
}

// Comment is a parsed trigger comment. It is derived from the buffer on demand
// and never stored; Line is only meaningful at parse time.
type Comment struct {
	Line   int
	Prompt string
	Indent string
	Raw    string
	Style  string
}

// Key is the content identity used for deduplication and re-location.
func (c Comment) Key() string {
	return strings.TrimSpace(c.Raw)
}

type rule struct {
	style Style
	re    *regexp.Regexp
}

// Grammar matches trigger comments for one marker.
type Grammar struct {
	marker   string
	markerRe *regexp.Regexp
	rules    []rule
}

// New compiles a grammar for marker over Styles.
func New(marker string) (*Grammar, error) {
	return NewWithStyles(marker, Styles)
}

// NewWithStyles compiles a grammar for marker over an explicit ordered style list.
func NewWithStyles(marker string, styles []Style) (*Grammar, error) {
	marker = strings.TrimSpace(marker)
	if marker == "" {
		return nil, fmt.Errorf("trigger marker cannot be empty")
	}
	quoted := regexp.QuoteMeta(marker)
	g := &Grammar{
		marker:   marker,
		markerRe: regexp.MustCompile(quoted),
	}
	for _, s := range styles {
		// the marker must be separated from the prefix and from the prompt
		pattern := `^(\s*)` + regexp.QuoteMeta(s.Prefix) + `\s+` + quoted + `\s+(.*?)\s*`
		if s.Suffix != "" {
			pattern += `(?:` + regexp.QuoteMeta(s.Suffix) + `)?\s*`
		}
		pattern += `$`
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile pattern for %s: %w", s.Name, err)
		}
		g.rules = append(g.rules, rule{style: s, re: re})
	}
	return g, nil
}

// MustNew is New that panics on error.
func MustNew(marker string) *Grammar {
	g, err := New(marker)
	if err != nil {
		panic(err)
	}
	return g
}

// Marker returns the literal trigger marker.
func (g *Grammar) Marker() string {
	return g.marker
}

// Parse reports whether text is a trigger comment. A missing marker or an
// empty prompt is a plain negative result.
func (g *Grammar) Parse(text string) (Comment, bool) {
	return g.ParseAt(-1, text)
}

// ParseAt is Parse recording the line number the text was read from.
func (g *Grammar) ParseAt(line int, text string) (Comment, bool) {
	if !strings.Contains(text, g.marker) {
		return Comment{}, false
	}
	for _, r := range g.rules {
		m := r.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		prompt := strings.TrimSpace(m[2])
		if prompt == "" {
			return Comment{}, false
		}
		return Comment{
			Line:   line,
			Prompt: prompt,
			Indent: m[1],
			Raw:    text,
			Style:  r.style.Name,
		}, true
	}
	return Comment{}, false
}

// IsTrigger reports whether text is a trigger comment.
func (g *Grammar) IsTrigger(text string) bool {
	_, ok := g.Parse(text)
	return ok
}

// ContainsMarker reports whether text mentions the marker anywhere.
func (g *Grammar) ContainsMarker(text string) bool {
	return g.markerRe.MatchString(text)
}

// Scan returns every trigger comment in lines, top to bottom.
func (g *Grammar) Scan(lines []string) []Comment {
	var out []Comment
	for i, l := range lines {
		if c, ok := g.ParseAt(i, l); ok {
			out = append(out, c)
		}
	}
	return out
}

var languagePrefixes = map[string]string{
	"go": "//", "c": "//", "cpp": "//", "java": "//", "javascript": "//", "typescript": "//",
	"typescriptreact": "//", "javascriptreact": "//", "rust": "//", "swift": "//", "kotlin": "//",
	"scala": "//", "csharp": "//", "cs": "//", "dart": "//", "zig": "//", "php": "//",
	"python": "#", "ruby": "#", "sh": "#", "bash": "#", "zsh": "#", "fish": "#", "perl": "#",
	"r": "#", "yaml": "#", "toml": "#", "make": "#", "cmake": "#", "dockerfile": "#", "elixir": "#",
	"lua": "--", "sql": "--", "haskell": "--", "elm": "--",
	"lisp": ";;", "clojure": ";;", "scheme": ";;", "fennel": ";;",
	"asm": ";", "ini": ";",
	"tex": "%", "erlang": "%", "matlab": "%",
	"vim": `"`,
	"html": "<!--", "xml": "<!--", "markdown": "<!--",
	"css": "/*",
	"ocaml": "(*",
}

// PrefixFor returns the conventional comment prefix for an editor language tag,
// defaulting to "#".
func PrefixFor(language string) string {
	if p, ok := languagePrefixes[strings.ToLower(language)]; ok {
		return p
	}
	return "#"
}
