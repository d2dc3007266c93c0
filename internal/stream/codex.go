package stream

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// toolGlyphs mark tool activity in codex exec's human-readable output.
var toolGlyphs = []string{"•", "→", "↳", "✓", "✔", "✗", "▶", "⏺"}

// codexBanner are header lines codex prints before the session starts.
var codexBanner = []string{
	"openai codex", "workdir:", "model:", "provider:", "approval:", "sandbox:",
	"reasoning effort:", "reasoning summaries:", "session id:", "tokens used",
}

var (
	timestampPrefix = regexp.MustCompile(`^\[\d{4}-\d{2}-\d{2}T[0-9:.]+Z?\]\s*`)
	ruleLine        = regexp.MustCompile(`^-{4,}$`)
)

type codexMode int

const (
	codexText codexMode = iota
	codexThinking
	codexExec
)

// CodexClassifier classifies codex exec output lines. It is stateful:
// a bare "thinking" header switches following lines to thinking chunks until
// the next header, and an "exec" header turns the following line into a
// tool_use chunk.
type CodexClassifier struct {
	mode codexMode
	text strings.Builder
}

// Classify returns the chunk for one output line, or false when the line
// carries nothing worth surfacing.
func (c *CodexClassifier) Classify(raw string) (Chunk, bool) {
	line := strings.TrimRight(ansi.Strip(raw), "\r\n")
	trimmed := strings.TrimSpace(timestampPrefix.ReplaceAllString(line, ""))
	if trimmed == "" || ruleLine.MatchString(trimmed) {
		return Chunk{}, false
	}
	lower := strings.ToLower(trimmed)

	for _, b := range codexBanner {
		if strings.HasPrefix(lower, b) {
			return Chunk{}, false
		}
	}

	switch {
	case lower == "thinking":
		c.mode = codexThinking
		return Chunk{}, false
	case strings.HasPrefix(lower, "thinking"):
		c.mode = codexThinking
		return Thinking(strings.TrimSpace(trimmed[len("thinking"):])), true
	case lower == "codex" || lower == "assistant":
		c.mode = codexText
		return Chunk{}, false
	case lower == "exec":
		c.mode = codexExec
		return Chunk{}, false
	}

	for _, g := range toolGlyphs {
		if strings.HasPrefix(trimmed, g) {
			c.mode = codexText
			return ToolUse(strings.TrimSpace(strings.TrimPrefix(trimmed, g))), true
		}
	}

	switch c.mode {
	case codexThinking:
		return Thinking(trimmed), true
	case codexExec:
		c.mode = codexText
		return ToolUse(trimmed), true
	}

	c.text.WriteString(line)
	c.text.WriteString("\n")
	return TextDelta(line + "\n"), true
}

// Text returns the free text accumulated so far.
func (c *CodexClassifier) Text() string {
	return strings.TrimSpace(c.text.String())
}
