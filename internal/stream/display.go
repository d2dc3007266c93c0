package stream

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

var (
	toolTag     = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	thinkingTag = lipgloss.NewStyle().Faint(true)
	resultTag   = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	errorTag    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
)

// Display renders chunks for a terminal. Text deltas are written inline;
// every other chunk gets its own tagged line.
type Display struct {
	w      io.Writer
	prefix string

	mu          sync.Mutex
	needNewline bool
}

// NewDisplay creates a Display. prefix labels every tagged line (usually the
// agent id) so interleaved agents stay readable.
func NewDisplay(w io.Writer, prefix string) *Display {
	return &Display{w: w, prefix: prefix}
}

// Handle writes one chunk.
func (d *Display) Handle(c Chunk) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch c.Type {
	case TypeTextDelta:
		if c.Content == "" {
			return
		}
		fmt.Fprint(d.w, c.Content)
		d.needNewline = !strings.HasSuffix(c.Content, "\n")
	case TypeToolUse:
		d.line(toolTag.Render("[tool]") + " " + truncate(c.Tool, 120))
	case TypeThinking:
		d.line(thinkingTag.Render("[thinking] " + truncate(compactWhitespace(c.Content), 200)))
	case TypeResult:
		d.line(resultTag.Render("[result]") + " done")
	case TypeError:
		d.line(errorTag.Render("[error]") + " " + c.Error)
	}
}

// Finish terminates a dangling text line.
func (d *Display) Finish() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finishLine()
}

func (d *Display) line(s string) {
	d.finishLine()
	if d.prefix != "" {
		s = "[" + d.prefix + "] " + s
	}
	fmt.Fprintln(d.w, s)
}

func (d *Display) finishLine() {
	if d.needNewline {
		fmt.Fprintln(d.w)
		d.needNewline = false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// compactWhitespace replaces runs of whitespace with a single space.
func compactWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
