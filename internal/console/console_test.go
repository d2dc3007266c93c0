package console

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerPrefixesNest(t *testing.T) {
	var buf bytes.Buffer
	root := New(&buf)
	root.With("tier 1").With("agent-2").Warnf("merge of %s failed", "agent/abc")

	got := strings.TrimSpace(buf.String())
	want := "! [tier 1/agent-2] merge of agent/abc failed"
	if got != want {
		t.Fatalf("line = %q, want %q", got, want)
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf).With("pool")
	l.Infof("a")
	l.Successf("b")
	l.Errorf("c")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	want := []string{"• [pool] a", "✔ [pool] b", "✖ [pool] c"}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d: %q", len(lines), len(want), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Infof("ignored")
	if l.With("x") != nil {
		t.Fatal("With on nil logger should stay nil")
	}
}
