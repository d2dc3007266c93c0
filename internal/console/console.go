// Package console prints operator-facing progress lines.
//
// Every line carries a contextual prefix ("agent-1", "tier 0", "merge") and a
// level glyph. Lines are styled with lipgloss when the destination is a
// terminal and mirrored into the debug log.
package console

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/locusai/locus/internal/debug"
)

type level int

const (
	levelInfo level = iota
	levelSuccess
	levelWarn
	levelError
)

var (
	prefixStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Faint(true)
)

type sink struct {
	mu    sync.Mutex
	w     io.Writer
	color bool
}

// Logger writes prefixed lines to a shared sink. A nil *Logger discards.
type Logger struct {
	sink   *sink
	prefix string
}

// New returns a Logger writing to w. Colour is enabled only when w is a TTY.
func New(w io.Writer) *Logger {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &Logger{sink: &sink{w: w, color: color}}
}

// Discard returns a Logger that drops output (still mirrored to debug).
func Discard() *Logger {
	return &Logger{sink: &sink{w: io.Discard}}
}

// With returns a child Logger whose prefix is appended to the parent's.
func (l *Logger) With(prefix string) *Logger {
	if l == nil {
		return nil
	}
	p := prefix
	if l.prefix != "" {
		p = l.prefix + "/" + prefix
	}
	return &Logger{sink: l.sink, prefix: p}
}

// Prefix returns the logger's full prefix.
func (l *Logger) Prefix() string {
	if l == nil {
		return ""
	}
	return l.prefix
}

func (l *Logger) Infof(format string, args ...any)    { l.printf(levelInfo, format, args...) }
func (l *Logger) Successf(format string, args ...any) { l.printf(levelSuccess, format, args...) }
func (l *Logger) Warnf(format string, args ...any)    { l.printf(levelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any)   { l.printf(levelError, format, args...) }

func (l *Logger) printf(lv level, format string, args ...any) {
	if l == nil || l.sink == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	debug.LogKV("console", msg, "prefix", l.prefix, "level", lv.String())

	line := l.render(lv, msg)
	l.sink.mu.Lock()
	fmt.Fprintln(l.sink.w, line)
	l.sink.mu.Unlock()
}

func (l *Logger) render(lv level, msg string) string {
	glyph := lv.glyph()
	prefix := ""
	if l.prefix != "" {
		prefix = "[" + l.prefix + "] "
	}
	if !l.sink.color {
		return strings.TrimSpace(glyph + " " + prefix + msg)
	}

	switch lv {
	case levelSuccess:
		glyph = successStyle.Render(glyph)
	case levelWarn:
		glyph = warnStyle.Render(glyph)
		msg = warnStyle.Render(msg)
	case levelError:
		glyph = errorStyle.Render(glyph)
		msg = errorStyle.Render(msg)
	default:
		glyph = dimStyle.Render(glyph)
	}
	if prefix != "" {
		prefix = prefixStyle.Render(prefix)
	}
	return glyph + " " + prefix + msg
}

func (lv level) glyph() string {
	switch lv {
	case levelSuccess:
		return "✔"
	case levelWarn:
		return "!"
	case levelError:
		return "✖"
	default:
		return "•"
	}
}

func (lv level) String() string {
	switch lv {
	case levelSuccess:
		return "success"
	case levelWarn:
		return "warn"
	case levelError:
		return "error"
	default:
		return "info"
	}
}
