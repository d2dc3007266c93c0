package airunner

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	// ErrTimeout marks a process killed for exceeding its timeout.
	ErrTimeout = errors.New("execution timed out")
	// ErrAborted marks a process stopped by Abort.
	ErrAborted = errors.New("execution aborted")
)

const maxStderrInError = 2000

// ProcessError is a backend process that exited non-zero.
type ProcessError struct {
	Backend  string
	ExitCode int
	Stderr   string
}

func (e *ProcessError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("%s CLI exited with code %d and no error output", e.Backend, e.ExitCode)
	}
	if len(stderr) > maxStderrInError {
		start := len(stderr) - maxStderrInError
		for start < len(stderr) && !utf8.RuneStart(stderr[start]) {
			start++
		}
		stderr = "..." + stderr[start:]
	}
	return fmt.Sprintf("%s CLI error (exit code %d): %s", e.Backend, e.ExitCode, stderr)
}

// TimeoutError is returned when a process outlives the runner timeout.
type TimeoutError struct {
	Backend string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s CLI execution timed out after %s", e.Backend, formatTimeout(e.After))
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

func formatTimeout(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		n := int(d / time.Minute)
		if n == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", n)
	}
	return d.String()
}
