// Package airunnertest provides an in-process Runner for tests.
package airunnertest

import (
	"context"
	"sync"
	"time"

	"github.com/locusai/locus/internal/airunner"
	"github.com/locusai/locus/internal/stream"
)

var _ airunner.Runner = (*Fake)(nil)

// Fake answers prompts with Respond and records every prompt it saw.
type Fake struct {
	// Respond produces the final text for a prompt. A nil Respond returns "done".
	Respond func(ctx context.Context, prompt string) (string, error)
	// Chunks are emitted by RunStream before the terminal chunk.
	Chunks []stream.Chunk

	mu      sync.Mutex
	prompts []string
	aborts  int
}

// Run implements airunner.Runner.
func (f *Fake) Run(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if f.Respond == nil {
		return "done", nil
	}
	return f.Respond(ctx, prompt)
}

// RunStream implements airunner.Runner.
func (f *Fake) RunStream(ctx context.Context, prompt string) (<-chan stream.Chunk, error) {
	ch := make(chan stream.Chunk, len(f.Chunks)+1)
	for _, c := range f.Chunks {
		ch <- c
	}
	text, err := f.Run(ctx, prompt)
	if err != nil {
		ch <- stream.Error(err.Error())
	} else {
		ch <- stream.Result(text)
	}
	close(ch)
	return ch, nil
}

// Abort implements airunner.Runner.
func (f *Fake) Abort() {
	f.mu.Lock()
	f.aborts++
	f.mu.Unlock()
}

// Timeout implements airunner.Runner.
func (f *Fake) Timeout() time.Duration { return airunner.DefaultTimeout }

// Prompts returns the prompts received so far.
func (f *Fake) Prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

// Aborts returns how many times Abort was called.
func (f *Fake) Aborts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborts
}
