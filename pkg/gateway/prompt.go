package gateway

import (
	"fmt"
	"strings"

	"github.com/alantheprice/commentgen/pkg/buffer"
	"github.com/alantheprice/commentgen/pkg/trigger"
)

const (
	DefaultLinesBefore = 30
	DefaultLinesAfter  = 10
)

const preamble = `You are a code generator embedded in a text editor. A developer left a
comment in their file describing code they want. Produce that code so it can
be inserted directly below the comment.`

const refactorPreamble = `You are a code refactoring tool embedded in a text editor. A developer
left a comment above existing code describing how it should change. Produce
the rewritten code so it can replace the existing code in place.`

// PromptBuilder assembles context-bearing prompts. The context window is
// asymmetric: more lines before the trigger than after it.
type PromptBuilder struct {
	LinesBefore int
	LinesAfter  int
	Marker      string
}

// NewPromptBuilder returns a builder with the default window.
func NewPromptBuilder(marker string) *PromptBuilder {
	return &PromptBuilder{LinesBefore: DefaultLinesBefore, LinesAfter: DefaultLinesAfter, Marker: marker}
}

// BuildPrompt builds the generation prompt for the comment on line.
func (p *PromptBuilder) BuildPrompt(b buffer.Buffer, line int, userPrompt string) string {
	var sb strings.Builder
	sb.WriteString(preamble)
	sb.WriteString("\n\n")
	p.writeMetadata(&sb, b)
	p.writeContext(&sb, b, line)

	fmt.Fprintf(&sb, "INSTRUCTION (from the comment on line %d):\n%s\n\n", line+1, userPrompt)
	sb.WriteString("OUTPUT RULES:\n")
	sb.WriteString("1. Output ONLY the code to insert below the comment, nothing else\n")
	sb.WriteString("2. Do NOT wrap the code in markdown fences\n")
	p.writeSharedRules(&sb, 3)
	return sb.String()
}

// BuildRefactorPrompt builds the prompt that rewrites region, the existing
// code below the comment on line.
func (p *PromptBuilder) BuildRefactorPrompt(b buffer.Buffer, line int, userPrompt string, region []string) string {
	var sb strings.Builder
	sb.WriteString(refactorPreamble)
	sb.WriteString("\n\n")
	p.writeMetadata(&sb, b)
	p.writeContext(&sb, b, line)

	fmt.Fprintf(&sb, "EXISTING CODE TO TRANSFORM:\n%s\n\n", strings.Join(region, "\n"))
	fmt.Fprintf(&sb, "INSTRUCTION (from the comment on line %d):\n%s\n\n", line+1, userPrompt)
	sb.WriteString("OUTPUT RULES:\n")
	sb.WriteString("1. Output ONLY the complete replacement for the existing code\n")
	sb.WriteString("2. Preserve the existing behavior unless the instruction says otherwise\n")
	sb.WriteString("3. Do NOT wrap the code in markdown fences\n")
	p.writeSharedRules(&sb, 4)
	return sb.String()
}

func (p *PromptBuilder) writeMetadata(sb *strings.Builder, b buffer.Buffer) {
	lang := b.Language()
	if lang == "" {
		lang = "unknown"
	}
	fmt.Fprintf(sb, "FILE: %s\nLANGUAGE: %s\nCOMMENT SYNTAX: %s\n\n", b.Name(), lang, trigger.PrefixFor(b.Language()))
}

func (p *PromptBuilder) writeContext(sb *strings.Builder, b buffer.Buffer, line int) {
	before, after := p.LinesBefore, p.LinesAfter
	if before < 0 {
		before = 0
	}
	if after < 0 {
		after = 0
	}
	start := line - before
	if start < 0 {
		start = 0
	}
	lines := b.Lines(start, line+after+1)

	sb.WriteString("SURROUNDING CODE (the trigger comment is marked with >>):\n")
	for i, l := range lines {
		n := start + i
		mark := "  "
		if n == line {
			mark = ">>"
		}
		fmt.Fprintf(sb, "%s %4d | %s\n", mark, n+1, l)
	}
	sb.WriteString("\n")
}

func (p *PromptBuilder) writeSharedRules(sb *strings.Builder, n int) {
	fmt.Fprintf(sb, "%d. Do NOT repeat the trigger comment", n)
	if p.Marker != "" {
		fmt.Fprintf(sb, " or any line containing %q", p.Marker)
	}
	sb.WriteString("\n")
	fmt.Fprintf(sb, "%d. Do NOT add explanations before or after the code\n", n+1)
	fmt.Fprintf(sb, "%d. Match the indentation style of the surrounding code, starting at column 0\n", n+2)
}
