package airunner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/locusai/locus/internal/debug"
	"github.com/locusai/locus/internal/stream"
)

// CodexRunner drives `codex exec`. The final answer is read from the file
// passed to --output-last-message; stdout and stderr only feed the chunk
// stream.
type CodexRunner struct {
	base
	opts Options
}

// NewCodex creates a CodexRunner.
func NewCodex(opts Options) *CodexRunner {
	r := &CodexRunner{opts: opts}
	r.base = newBase(ProviderCodex, "Codex", opts, r.execute)
	return r
}

func (r *CodexRunner) args(outputPath string) []string {
	args := []string{
		"exec",
		"--full-auto",
		"--skip-git-repo-check",
		"--output-last-message", outputPath,
	}
	if m := strings.TrimSpace(r.opts.Model); m != "" {
		args = append(args, "--model", m)
	}
	if e := strings.TrimSpace(r.opts.ReasoningEffort); e != "" {
		args = append(args, "-c", `model_reasoning_effort="`+e+`"`)
	}
	// Read the prompt from stdin.
	return append(args, "-")
}

func (r *CodexRunner) execute(ctx context.Context, prompt string, emit func(stream.Chunk)) (string, error) {
	out, err := os.CreateTemp("", "locus-codex-*.txt")
	if err != nil {
		return "", fmt.Errorf("creating codex output file: %w", err)
	}
	outputPath := out.Name()
	out.Close()
	defer func() {
		if err := os.Remove(outputPath); err != nil && !os.IsNotExist(err) {
			debug.LogKV("airunner.codex", "removing output file failed", "path", outputPath, "error", err)
		}
	}()

	name := r.opts.Command
	if name == "" {
		name = "codex"
	}
	args := r.args(outputPath)
	debug.LogKV("airunner.codex", "building command",
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

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("codex stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("codex stderr pipe: %w", err)
	}
	if err := r.start(cmd); err != nil {
		return "", fmt.Errorf("starting Codex CLI: %w", err)
	}

	var (
		mu     sync.Mutex
		cls    stream.CodexClassifier
		raw    strings.Builder
		stderr strings.Builder
		wg     sync.WaitGroup
	)
	scan := func(isStderr bool) func([]byte) {
		return func(line []byte) {
			mu.Lock()
			raw.Write(line)
			raw.WriteByte('\n')
			if isStderr {
				stderr.Write(line)
				stderr.WriteByte('\n')
			}
			c, ok := cls.Classify(string(line))
			mu.Unlock()
			if ok {
				emit(c)
			}
		}
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = stream.ScanLines(ctx, stdout, scan(false))
	}()
	go func() {
		defer wg.Done()
		_ = stream.ScanLines(ctx, stderrPipe, scan(true))
	}()
	wg.Wait()
	waitErr := cmd.Wait()
	aborted := r.finish(cmd)

	code, err := extractExitCode(waitErr)
	debug.LogKV("airunner.codex", "process exited",
		"exit_code", code,
		"wait_error", err,
		"aborted", aborted,
	)
	switch {
	case aborted:
		return "", fmt.Errorf("Codex CLI: %w", ErrAborted)
	case err != nil:
		return "", fmt.Errorf("Codex CLI: %w", err)
	case code != 0:
		return "", &ProcessError{Backend: "Codex", ExitCode: code, Stderr: stderr.String()}
	}

	if data, err := os.ReadFile(outputPath); err == nil {
		if text := strings.TrimSpace(string(data)); text != "" {
			return text, nil
		}
	}
	if text := cls.Text(); text != "" {
		return text, nil
	}
	return strings.TrimSpace(raw.String()), nil
}
