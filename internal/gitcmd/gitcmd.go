// Package gitcmd runs the git CLI.
package gitcmd

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/locusai/locus/internal/debug"
)

// Identity is the committer used for commits and merges made by agents, so
// user-level git configuration is not required.
var Identity = []string{"-c", "user.name=Locus", "-c", "user.email=agent@locus.local"}

// Error is a failed git invocation.
type Error struct {
	Args     []string
	Output   string
	ExitCode int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("git %s: %s: %v", strings.Join(e.Args, " "), strings.TrimSpace(e.Output), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ExitCode returns the exit status of a failed git command, or -1 when err
// is not a git exit.
func ExitCode(err error) int {
	var gitErr *Error
	if errors.As(err, &gitErr) {
		return gitErr.ExitCode
	}
	return -1
}

// Runner runs git in Dir.
type Runner struct {
	Dir string
	// Component labels debug log lines.
	Component string
}

// New returns a Runner for dir.
func New(dir, component string) *Runner {
	return &Runner{Dir: dir, Component: component}
}

// In returns a Runner for another directory with the same component.
func (g *Runner) In(dir string) *Runner {
	return &Runner{Dir: dir, Component: g.Component}
}

// Run executes git and returns its combined output.
func (g *Runner) Run(ctx context.Context, args ...string) (string, error) {
	component := g.Component
	if component == "" {
		component = "git"
	}
	line := "git " + strings.Join(args, " ")
	debug.LogKV(component, "git exec", "cmd", line, "dir", g.Dir)

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		debug.LogKV(component, "git exec failed", "cmd", line, "exit_code", code, "error", err, "output_len", len(out))
		return string(out), &Error{Args: args, Output: string(out), ExitCode: code, Err: err}
	}
	debug.LogKV(component, "git exec ok", "cmd", line, "output_len", len(out))
	return string(out), nil
}

// Output is Run with surrounding whitespace trimmed.
func (g *Runner) Output(ctx context.Context, args ...string) (string, error) {
	out, err := g.Run(ctx, args...)
	return strings.TrimSpace(out), err
}

// Commit runs git with Identity prepended.
func (g *Runner) Commit(ctx context.Context, args ...string) (string, error) {
	return g.Run(ctx, append(append([]string{}, Identity...), args...)...)
}

// RefExists reports whether ref resolves to a commit.
func (g *Runner) RefExists(ctx context.Context, ref string) bool {
	_, err := g.Run(ctx, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	return err == nil
}

// RemoteBranchExists asks the remote whether branch exists, via
// `ls-remote --exit-code --heads`. Exit status 2 means missing; other
// failures are returned.
func (g *Runner) RemoteBranchExists(ctx context.Context, remote, branch string) (bool, error) {
	_, err := g.Run(ctx, "ls-remote", "--exit-code", "--heads", remote, branch)
	if err == nil {
		return true, nil
	}
	if ExitCode(err) == 2 {
		return false, nil
	}
	return false, err
}
