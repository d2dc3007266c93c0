package airunner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/locusai/locus/internal/debug"
	"github.com/locusai/locus/internal/metrics"
	"github.com/locusai/locus/internal/stream"
)

const (
	maxAttempts  = 3
	retryInitial = 2 * time.Second
	// abortGrace is how long a timed-out process gets to exit on SIGTERM
	// before the process group is killed.
	abortGrace  = 5 * time.Second
	chunkBuffer = 64
)

// executeFunc runs one backend process to completion. emit receives chunks
// as they are parsed; the returned text is the final answer.
type executeFunc func(ctx context.Context, prompt string, emit func(stream.Chunk)) (string, error)

// base implements Runner on top of a backend executeFunc.
type base struct {
	supervisor
	provider Provider
	execute  executeFunc
	timeout  time.Duration
	metrics  *metrics.Metrics
	timer    backoff.Timer
}

func newBase(provider Provider, backend string, opts Options, exec executeFunc) base {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return base{
		supervisor: supervisor{backend: backend},
		provider:   provider,
		execute:    exec,
		timeout:    timeout,
		metrics:    opts.Metrics,
		timer:      opts.RetryTimer,
	}
}

func (b *base) Timeout() time.Duration { return b.timeout }

// newBackOff yields 2s then 4s between the three attempts.
func newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = retryInitial
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = time.Hour
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, maxAttempts-1), ctx)
}

func (b *base) Run(ctx context.Context, prompt string) (string, error) {
	var (
		text    string
		lastErr error
		attempt int
	)
	op := func() error {
		attempt++
		out, err := b.attempt(ctx, prompt, func(stream.Chunk) {})
		b.metrics.RunnerAttempt(string(b.provider), err)
		if err != nil {
			lastErr = err
			if errors.Is(err, ErrTimeout) || errors.Is(err, ErrAborted) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		text = out
		return nil
	}
	notify := func(err error, wait time.Duration) {
		debug.LogKV("airunner", "attempt failed, retrying",
			"backend", b.backend,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	}

	if err := backoff.RetryNotifyWithTimer(op, newBackOff(ctx), notify, b.timer); err != nil {
		if lastErr == nil {
			return "", fmt.Errorf("%s CLI failed after multiple attempts: %w", b.backend, err)
		}
		return "", lastErr
	}
	return text, nil
}

func (b *base) RunStream(ctx context.Context, prompt string) (<-chan stream.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan stream.Chunk, chunkBuffer)
	go func() {
		defer close(ch)
		send := func(c stream.Chunk) {
			select {
			case ch <- c:
			case <-ctx.Done():
			}
		}
		text, err := b.attempt(ctx, prompt, send)
		b.metrics.RunnerAttempt(string(b.provider), err)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		// The terminal chunk is never dropped; consumers drain until close.
		if err != nil {
			ch <- stream.Error(err.Error())
			return
		}
		ch <- stream.Result(text)
	}()
	return ch, nil
}

type outcome struct {
	text string
	err  error
}

// attempt runs one process raced against the runner timeout. On expiry the
// process is sent SIGTERM, given abortGrace to exit, then killed.
func (b *base) attempt(ctx context.Context, prompt string, emit func(stream.Chunk)) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		text, err := b.execute(ctx, prompt, emit)
		done <- outcome{text: text, err: err}
	}()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		return o.text, o.err
	case <-timer.C:
		debug.LogKV("airunner", "timeout", "backend", b.backend, "after", b.timeout)
		b.Abort()
		select {
		case <-done:
		case <-time.After(abortGrace):
		}
		return "", &TimeoutError{Backend: b.backend, After: b.timeout}
	}
}
