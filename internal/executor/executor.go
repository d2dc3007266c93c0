// Package executor runs one task through an AI runner and classifies the
// outcome.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/locusai/locus/internal/airunner"
	"github.com/locusai/locus/internal/console"
	"github.com/locusai/locus/internal/debug"
	"github.com/locusai/locus/internal/stream"
	"github.com/locusai/locus/internal/taskstore"
)

// FailureMarker starts the response line an agent uses to report that it
// could not complete a task.
const FailureMarker = "TASK_FAILED:"

const maxSummaryLen = 2000

// Result is a task outcome.
type Result struct {
	Success bool
	Summary string
}

// Executor drives one runner session per task. It never retries (the runner
// does) and never changes task status (the worker does).
type Executor struct {
	runner airunner.Runner
	sink   chan<- stream.Chunk
	log    *console.Logger

	mu   sync.Mutex
	plan string
}

// Option configures an Executor.
type Option func(*Executor)

// WithSink forwards streamed chunks to ch. Sends never block; chunks are
// dropped when ch is full.
func WithSink(ch chan<- stream.Chunk) Option {
	return func(e *Executor) { e.sink = ch }
}

// WithLogger sets the console logger.
func WithLogger(l *console.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// New creates an Executor.
func New(runner airunner.Runner, opts ...Option) *Executor {
	e := &Executor{runner: runner, log: console.Discard()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetPlan sets the sprint plan included in later prompts.
func (e *Executor) SetPlan(plan string) {
	e.mu.Lock()
	e.plan = plan
	e.mu.Unlock()
}

// Execute runs task. Runner errors and an explicit failure marker in the
// response both produce Success=false.
func (e *Executor) Execute(ctx context.Context, task *taskstore.Task) Result {
	e.mu.Lock()
	plan := e.plan
	e.mu.Unlock()

	prompt := BuildPrompt(task, plan)
	debug.LogKV("executor", "executing task", "task", task.ID, "prompt_len", len(prompt), "streaming", e.sink != nil)

	var (
		text string
		err  error
	)
	if e.sink != nil {
		text, err = e.runStreaming(ctx, prompt)
	} else {
		text, err = e.runner.Run(ctx, prompt)
	}
	if err != nil {
		e.log.Errorf("task %s failed: %v", task.ID, err)
		return Result{Success: false, Summary: err.Error()}
	}
	if reason, failed := FailureReason(text); failed {
		e.log.Warnf("agent reported failure for task %s: %s", task.ID, reason)
		return Result{Success: false, Summary: reason}
	}
	return Result{Success: true, Summary: summarize(text)}
}

func (e *Executor) runStreaming(ctx context.Context, prompt string) (string, error) {
	ch, err := e.runner.RunStream(ctx, prompt)
	if err != nil {
		return "", err
	}
	var (
		text     string
		runErr   error
		terminal bool
		dropped  int
	)
	for c := range ch {
		select {
		case e.sink <- c:
		default:
			dropped++
		}
		switch c.Type {
		case stream.TypeResult:
			text = c.Content
			terminal = true
		case stream.TypeError:
			runErr = errors.New(c.Error)
			terminal = true
		}
	}
	if dropped > 0 {
		debug.LogKV("executor", "chunks dropped by sink", "count", dropped)
	}
	if runErr != nil {
		return "", runErr
	}
	if !terminal {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("stream interrupted: %w", err)
		}
		return "", errors.New("stream ended without a result")
	}
	return text, nil
}

// FailureReason finds the failure marker in text and returns what follows
// it on that line.
func FailureReason(text string) (string, bool) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, FailureMarker); ok {
			reason := strings.TrimSpace(rest)
			if reason == "" {
				reason = "agent reported failure without a reason"
			}
			return reason, true
		}
	}
	return "", false
}

func summarize(text string) string {
	text = strings.TrimSpace(text)
	if len(text) > maxSummaryLen {
		cut := maxSummaryLen
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		return text[:cut] + "..."
	}
	if text == "" {
		return "Completed without a summary."
	}
	return text
}
