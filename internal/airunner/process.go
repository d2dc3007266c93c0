package airunner

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/locusai/locus/internal/debug"
)

// waitDelay bounds how long Wait blocks on inherited pipes after the process
// has been killed.
const waitDelay = 5 * time.Second

// supervisor owns the process of the in-flight call. Each runner has its own.
type supervisor struct {
	backend string

	mu      sync.Mutex
	active  *exec.Cmd
	aborted bool
}

// setupProcessGroup starts cmd in its own process group. Context
// cancellation kills the whole group, so children of node-based CLIs
// cannot keep the pipes open.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
	cmd.WaitDelay = waitDelay
}

func setupEnv(cmd *exec.Cmd, env map[string]string) {
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
}

func (s *supervisor) start(cmd *exec.Cmd) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := cmd.Start(); err != nil {
		return err
	}
	s.active = cmd
	s.aborted = false
	debug.LogKV("airunner", "process started", "backend", s.backend, "pid", cmd.Process.Pid, "dir", cmd.Dir)
	return nil
}

// finish clears cmd as the active process and reports whether it was aborted.
func (s *supervisor) finish(cmd *exec.Cmd) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	aborted := s.aborted
	if s.active == cmd {
		s.active = nil
		s.aborted = false
	}
	return aborted
}

// Abort sends SIGTERM to the active process group. Calling it again, or with
// nothing running, does nothing.
func (s *supervisor) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.aborted || s.active.Process == nil {
		return
	}
	s.aborted = true
	pid := s.active.Process.Pid
	debug.LogKV("airunner", "aborting process", "backend", s.backend, "pid", pid)
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		debug.LogKV("airunner", "SIGTERM failed", "backend", s.backend, "pid", pid, "error", err)
	}
}

// extractExitCode interprets a Wait error. It returns (0, nil) for a clean
// exit, (code, nil) for a non-zero exit and (0, err) for anything else.
func extractExitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, err
}
