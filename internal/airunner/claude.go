package airunner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/locusai/locus/internal/debug"
	"github.com/locusai/locus/internal/stream"
)

// ClaudeRunner drives `claude --print --output-format stream-json`.
type ClaudeRunner struct {
	base
	opts Options
}

// NewClaude creates a ClaudeRunner.
func NewClaude(opts Options) *ClaudeRunner {
	r := &ClaudeRunner{opts: opts}
	r.base = newBase(ProviderClaude, "Claude", opts, r.execute)
	return r
}

func (r *ClaudeRunner) args() []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"--dangerously-skip-permissions",
	}
	if m := strings.TrimSpace(r.opts.Model); m != "" {
		args = append(args, "--model", m)
	}
	return args
}

func (r *ClaudeRunner) execute(ctx context.Context, prompt string, emit func(stream.Chunk)) (string, error) {
	name := r.opts.Command
	if name == "" {
		name = "claude"
	}
	args := r.args()
	debug.LogKV("airunner.claude", "building command",
		"binary", name,
		"args", strings.Join(args, " "),
		"workdir", r.opts.WorkDir,
		"prompt_len", len(prompt),
	)

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.opts.WorkDir
	setupProcessGroup(cmd)
	setupEnv(cmd, r.opts.Env)
	cmd.Stdin = strings.NewReader(prompt)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("claude stdout pipe: %w", err)
	}
	if err := r.start(cmd); err != nil {
		return "", fmt.Errorf("starting Claude CLI: %w", err)
	}

	var dec stream.ClaudeDecoder
	scanErr := stream.ScanLines(ctx, stdout, func(line []byte) {
		for _, c := range dec.Decode(line) {
			emit(c)
		}
	})
	waitErr := cmd.Wait()
	aborted := r.finish(cmd)

	code, err := extractExitCode(waitErr)
	debug.LogKV("airunner.claude", "process exited",
		"exit_code", code,
		"wait_error", err,
		"scan_error", scanErr,
		"aborted", aborted,
		"stderr_len", stderr.Len(),
	)
	switch {
	case aborted:
		return "", fmt.Errorf("Claude CLI: %w", ErrAborted)
	case err != nil:
		return "", fmt.Errorf("Claude CLI: %w", err)
	case code != 0:
		return "", &ProcessError{Backend: "Claude", ExitCode: code, Stderr: stderr.String()}
	case dec.ResultIsError():
		return "", &ProcessError{Backend: "Claude", ExitCode: code, Stderr: dec.FinalText()}
	}
	return dec.FinalText(), nil
}
