// Package airunner runs coding-agent CLIs (Claude, Codex) as supervised
// subprocesses behind one interface.
package airunner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/locusai/locus/internal/metrics"
	"github.com/locusai/locus/internal/stream"
)

// DefaultTimeout bounds a single backend process.
const DefaultTimeout = time.Hour

// Runner is a coding-agent CLI backend.
type Runner interface {
	// Run executes prompt and returns the final text. Failed attempts are
	// retried with exponential backoff; timeouts are not retried.
	Run(ctx context.Context, prompt string) (string, error)
	// RunStream starts one process and returns its chunks. The channel ends
	// with exactly one result or error chunk and is then closed.
	RunStream(ctx context.Context, prompt string) (<-chan stream.Chunk, error)
	// Abort sends SIGTERM to the running process, if any.
	Abort()
	Timeout() time.Duration
}

// Provider selects a backend.
type Provider string

const (
	ProviderClaude Provider = "claude"
	ProviderCodex  Provider = "codex"
)

// DefaultProvider is used when none (or an unknown one) is configured.
const DefaultProvider = ProviderClaude

// Providers lists the supported providers.
func Providers() []Provider { return []Provider{ProviderClaude, ProviderCodex} }

// ParseProvider resolves a provider name. Unknown names return
// DefaultProvider together with an error the caller can surface as a warning.
func ParseProvider(name string) (Provider, error) {
	switch Provider(strings.ToLower(strings.TrimSpace(name))) {
	case ProviderClaude, "":
		return ProviderClaude, nil
	case ProviderCodex:
		return ProviderCodex, nil
	}
	return DefaultProvider, fmt.Errorf("unknown provider %q (expected claude or codex), using %s", name, DefaultProvider)
}

// Options configure a Runner.
type Options struct {
	Model           string
	ReasoningEffort string // codex only
	WorkDir         string
	Timeout         time.Duration
	// Command overrides the CLI binary (default "claude" or "codex").
	Command string
	Env     map[string]string

	Metrics *metrics.Metrics
	// RetryTimer replaces the wall-clock timer used between attempts.
	RetryTimer backoff.Timer
}

// New creates the Runner for provider.
func New(provider Provider, opts Options) (Runner, error) {
	switch provider {
	case ProviderClaude:
		return NewClaude(opts), nil
	case ProviderCodex:
		return NewCodex(opts), nil
	}
	return nil, fmt.Errorf("unknown provider %q", provider)
}
