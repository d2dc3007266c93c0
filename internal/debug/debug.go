// Package debug provides a verbose key/value diagnostic log.
//
// When enabled via --debug (or LOCUS_DEBUG_ENABLED), every process spawn, git
// invocation, task claim, worker state transition and merge step is appended
// to a single file under ~/.locus/debug/. Lines carry a timestamp, the
// goroutine id, the caller and the emitting component so the interleaving of
// concurrent agents can be reconstructed afterwards.
//
// When disabled (the default) all logging functions are no-ops.
package debug

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// EnvEnabled toggles debug logging without the --debug flag.
	EnvEnabled = "LOCUS_DEBUG_ENABLED"
	// EnvLogPath forces logs into a specific file.
	EnvLogPath = "LOCUS_DEBUG_LOG_PATH"
)

var (
	logger   *fileLogger
	loggerMu sync.RWMutex
)

type fileLogger struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	startedAt time.Time
}

// Init opens the debug log and returns its path. Calling Init twice returns
// the already-open path.
func Init() (string, error) {
	loggerMu.RLock()
	if logger != nil {
		p := logger.path
		loggerMu.RUnlock()
		return p, nil
	}
	loggerMu.RUnlock()

	path, err := resolveLogPath()
	if err != nil {
		return "", err
	}
	return open(path)
}

// InitAt opens the debug log at an explicit path.
func InitAt(path string) (string, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("debug: create dir %s: %w", dir, err)
		}
	}
	return open(path)
}

func open(path string) (string, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("debug: open log %s: %w", path, err)
	}
	now := time.Now()
	fmt.Fprintf(f, "=== LOCUS DEBUG LOG ===\nStarted: %s\nPID: %d\nGOMAXPROCS: %d\n===\n\n",
		now.Format(time.RFC3339Nano), os.Getpid(), runtime.GOMAXPROCS(0))

	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger != nil {
		_ = f.Close()
		return logger.path, nil
	}
	logger = &fileLogger{file: f, path: path, startedAt: now}
	return path, nil
}

// Close flushes and closes the log. Safe to call when not initialized.
func Close() {
	loggerMu.Lock()
	l := logger
	logger = nil
	loggerMu.Unlock()
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.file, "\n=== DEBUG LOG CLOSED === (duration=%s)\n", time.Since(l.startedAt))
	l.file.Close()
}

// Enabled reports whether the debug log is open.
func Enabled() bool {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger != nil
}

// ShouldEnableFromEnv reports whether the environment asks for debug logging.
func ShouldEnableFromEnv() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(EnvEnabled))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return strings.TrimSpace(os.Getenv(EnvLogPath)) != ""
}

// Log writes a single line.
func Log(component, msg string) {
	if l := current(); l != nil {
		l.write(component, msg)
	}
}

// Logf writes a formatted line.
func Logf(component, format string, args ...any) {
	if l := current(); l != nil {
		l.write(component, fmt.Sprintf(format, args...))
	}
}

// LogKV writes a line followed by key=value pairs.
//
//	debug.LogKV("worker", "claimed task", "agent_id", id, "task_id", task.ID)
func LogKV(component, msg string, kvs ...any) {
	l := current()
	if l == nil {
		return
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(kvs); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kvs[i], kvs[i+1])
	}
	l.write(component, b.String())
}

func current() *fileLogger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

func (l *fileLogger) write(component, msg string) {
	now := time.Now()
	_, file, line, ok := runtime.Caller(2)
	caller := "??:0"
	if ok {
		if idx := strings.LastIndex(file, "/internal/"); idx >= 0 {
			file = file[idx+len("/internal/"):]
		}
		caller = fmt.Sprintf("%s:%d", file, line)
	}

	out := fmt.Sprintf("%s +%12s [G%-6d] [%-12s] %-32s | %s\n",
		now.Format("15:04:05.000000"),
		now.Sub(l.startedAt).Truncate(time.Microsecond),
		goroutineID(),
		component,
		caller,
		msg,
	)

	l.mu.Lock()
	l.file.WriteString(out)
	l.mu.Unlock()
}

func resolveLogPath() (string, error) {
	if p := strings.TrimSpace(os.Getenv(EnvLogPath)); p != "" {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return "", fmt.Errorf("debug: create dir: %w", err)
		}
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("debug: user home dir: %w", err)
	}
	dir := filepath.Join(home, ".locus", "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("debug: create dir %s: %w", dir, err)
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return filepath.Join(dir, fmt.Sprintf("%s_%s.log", time.Now().Format("20060102T150405"), id)), nil
}

// goroutineID parses the id out of runtime.Stack. Only used while debugging.
func goroutineID() int64 {
	var buf [64]byte
	s := string(buf[:runtime.Stack(buf[:], false)])
	s = strings.TrimPrefix(s, "goroutine ")
	var id int64
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + int64(c-'0')
	}
	return id
}
