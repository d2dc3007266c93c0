// Package worker implements the single-agent loop: claim a task, run it,
// report the outcome, repeat.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/locusai/locus/internal/airunner"
	"github.com/locusai/locus/internal/console"
	"github.com/locusai/locus/internal/debug"
	"github.com/locusai/locus/internal/executor"
	"github.com/locusai/locus/internal/metrics"
	"github.com/locusai/locus/internal/taskstore"
	"github.com/locusai/locus/internal/worktree"
)

const (
	DefaultMaxTasks      = 50
	DefaultMaxEmptyPolls = 10
	DefaultPollInterval  = 10 * time.Second
)

// State is a worker's position in its loop.
type State int

const (
	StateIdle State = iota
	StatePolling
	StateExecuting
	StateReporting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePolling:
		return "POLLING"
	case StateExecuting:
		return "EXECUTING"
	case StateReporting:
		return "REPORTING"
	case StateTerminated:
		return "TERMINATED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config bounds one worker.
type Config struct {
	AgentID     string
	WorkspaceID string
	// SprintID restricts claims to one sprint; empty means any.
	SprintID string
	// Tier restricts claims to one tier when set.
	Tier *int

	MaxTasks      int
	MaxEmptyPolls int
	PollInterval  time.Duration
	// AutoPush pushes the task branch after a successful task. Only used
	// with a worktree.
	AutoPush bool
	// RenewInterval is how often the lease on an executing task is renewed.
	// It must be well below the store's lease duration.
	RenewInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxTasks <= 0 {
		c.MaxTasks = DefaultMaxTasks
	}
	if c.MaxEmptyPolls <= 0 {
		c.MaxEmptyPolls = DefaultMaxEmptyPolls
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RenewInterval <= 0 {
		c.RenewInterval = taskstore.DefaultRenewInterval
	}
	return c
}

// Stats summarizes a finished run.
type Stats struct {
	TasksCompleted int
	TasksFailed    int
	EmptyPolls     int
}

// Worker is one agent's loop. Store, Runner and Executor are required; the
// rest is optional.
type Worker struct {
	Config   Config
	Store    taskstore.Store
	Runner   airunner.Runner
	Executor *executor.Executor

	// Worktrees and Worktree isolate tasks on their own branches. When nil
	// the agent works directly in the runner's directory.
	Worktrees *worktree.Manager
	Worktree  *worktree.Worktree

	Log     *console.Logger
	Metrics *metrics.Metrics
	// Mindmaps deduplicates sprint plan generation across workers of a run.
	Mindmaps *singleflight.Group

	// IsRunning is checked before every poll; returning false stops the loop
	// after the current task. Nil means always running.
	IsRunning func() bool
	// Sleep waits between empty polls. Nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnState is called on every state transition.
	OnState func(agentID string, s State)
	// OnTask is called with each claimed task before it executes.
	OnTask func(agentID string, task *taskstore.Task)

	mu               sync.Mutex
	state            State
	tasksCompleted   int
	tasksFailed      int
	consecutiveEmpty int
	emptyPolls       int
}

// State returns the current state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	prev := w.state
	w.state = s
	w.mu.Unlock()
	if prev != s {
		debug.LogKV("worker", "state", "agent", w.Config.AgentID, "from", prev, "to", s)
	}
	if w.OnState != nil {
		w.OnState(w.Config.AgentID, s)
	}
}

func (w *Worker) running() bool {
	return w.IsRunning == nil || w.IsRunning()
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) error {
	if w.Sleep != nil {
		return w.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the loop until the task budget is spent, the empty-poll limit
// is reached, IsRunning turns false or ctx is cancelled. A task already
// executing is always reported before the loop stops.
func (w *Worker) Run(ctx context.Context) (Stats, error) {
	if w.Store == nil || w.Executor == nil {
		return Stats{}, errors.New("worker: store and executor are required")
	}
	w.Config = w.Config.withDefaults()
	cfg := w.Config
	if w.Log == nil {
		w.Log = console.Discard()
	}
	w.Metrics.AgentStarted()
	defer w.Metrics.AgentStopped()

	w.setState(StateIdle)
	w.prepareMindmap(ctx)

	for w.tasksCompleted < cfg.MaxTasks && w.consecutiveEmpty < cfg.MaxEmptyPolls {
		if !w.running() || ctx.Err() != nil {
			break
		}

		w.setState(StatePolling)
		task, err := w.claim(ctx)
		if err != nil {
			if !errors.Is(err, taskstore.ErrNoTask) {
				w.Log.Warnf("claim failed: %v", err)
			}
			w.consecutiveEmpty++
			w.emptyPolls++
			debug.LogKV("worker", "empty poll", "agent", cfg.AgentID, "consecutive", w.consecutiveEmpty, "error", err)
			if w.consecutiveEmpty >= cfg.MaxEmptyPolls {
				w.Log.Infof("no tasks after %d polls, stopping", w.consecutiveEmpty)
				break
			}
			if err := w.sleep(ctx, cfg.PollInterval); err != nil {
				break
			}
			continue
		}
		w.consecutiveEmpty = 0
		w.Metrics.TaskClaimed()
		w.Log.Infof("claimed %s: %s", task.ID, task.Title)
		if w.OnTask != nil {
			w.OnTask(cfg.AgentID, task)
		}

		w.setState(StateExecuting)
		execCtx, cancel := context.WithCancelCause(ctx)
		stopLease := w.holdLease(execCtx, task, cancel)
		result := w.runTask(execCtx, task)
		stopLease()
		leaseErr := context.Cause(execCtx)
		cancel(nil)
		if !errors.Is(leaseErr, taskstore.ErrLeaseLost) {
			leaseErr = nil
		}

		w.setState(StateReporting)
		w.report(context.WithoutCancel(ctx), task, result, leaseErr)

		// A failed task is claimable again at once; pause before polling.
		if !result.Success && w.running() {
			if err := w.sleep(ctx, cfg.PollInterval); err != nil {
				break
			}
		}
	}

	w.setState(StateTerminated)
	stats := Stats{TasksCompleted: w.tasksCompleted, TasksFailed: w.tasksFailed, EmptyPolls: w.emptyPolls}
	debug.LogKV("worker", "terminated", "agent", cfg.AgentID, "completed", stats.TasksCompleted, "failed", stats.TasksFailed)
	return stats, nil
}

func (w *Worker) claim(ctx context.Context) (*taskstore.Task, error) {
	cfg := w.Config
	if cfg.Tier != nil {
		return w.Store.DispatchTier(ctx, cfg.WorkspaceID, cfg.AgentID, cfg.SprintID, *cfg.Tier)
	}
	return w.Store.Dispatch(ctx, cfg.WorkspaceID, cfg.AgentID, cfg.SprintID)
}

// holdLease renews the task's lease every RenewInterval until the returned
// stop function is called. A lost lease cancels the task through lost.
func (w *Worker) holdLease(ctx context.Context, task *taskstore.Task, lost context.CancelCauseFunc) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.Config.RenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			renewed, err := w.Store.Renew(ctx, task.ID, w.Config.AgentID)
			switch {
			case err == nil:
				debug.LogKV("worker", "lease renewed", "agent", w.Config.AgentID, "task", task.ID, "until", renewed.LockExpiresAt)
			case errors.Is(err, taskstore.ErrLeaseLost):
				w.Log.Errorf("lost lease on %s, abandoning it", task.ID)
				lost(err)
				return
			case ctx.Err() == nil:
				w.Log.Warnf("renewing lease on %s: %v", task.ID, err)
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (w *Worker) runTask(ctx context.Context, task *taskstore.Task) executor.Result {
	if w.Worktree == nil || w.Worktrees == nil {
		return w.Executor.Execute(ctx, task)
	}

	branch, err := w.Worktrees.StartTask(ctx, w.Worktree, task.ID, task.Title)
	if err != nil {
		return executor.Result{Summary: fmt.Sprintf("preparing worktree: %v", err)}
	}
	// A cancelled run still cleans up the branch.
	defer func() {
		if err := w.Worktrees.FinishTask(context.WithoutCancel(ctx), w.Worktree); err != nil {
			w.Log.Warnf("releasing %s: %v", branch, err)
		}
	}()

	result := w.Executor.Execute(ctx, task)
	if !result.Success {
		return result
	}
	commit, err := w.publish(context.WithoutCancel(ctx), task)
	if err != nil {
		return executor.Result{Summary: err.Error()}
	}
	if commit != "" {
		result.Summary = fmt.Sprintf("%s\n\nBranch: %s\nCommit: %s", result.Summary, branch, commit)
	}
	return result
}

// publish commits whatever the agent left in the worktree and pushes the
// task branch when auto-push is on. It returns the task branch's head when
// the branch has commits.
func (w *Worker) publish(ctx context.Context, task *taskstore.Task) (string, error) {
	msg := fmt.Sprintf("%s\n\nTask: %s\nAgent: %s", task.Title, task.ID, w.Config.AgentID)
	hash, committed, err := w.Worktrees.AutoCommitIfDirty(ctx, w.Worktree.Path, msg)
	if err != nil {
		return "", fmt.Errorf("committing changes: %w", err)
	}
	if committed {
		debug.LogKV("worker", "auto-committed", "agent", w.Config.AgentID, "task", task.ID, "commit", hash)
	}
	ahead, err := w.Worktrees.HasCommits(ctx, w.Worktree)
	if err != nil {
		return "", fmt.Errorf("inspecting branch: %w", err)
	}
	if !ahead {
		w.Log.Warnf("task %s produced no changes", task.ID)
		return "", nil
	}
	if hash == "" {
		// The agent committed its own work.
		if hash, err = w.Worktrees.Head(ctx, w.Worktree); err != nil {
			return "", fmt.Errorf("inspecting branch: %w", err)
		}
	}
	if !w.Config.AutoPush {
		return hash, nil
	}
	if err := w.Worktrees.Push(ctx, w.Worktree); err != nil {
		return "", fmt.Errorf("pushing: %w", err)
	}
	w.Log.Infof("pushed %s at %s", w.Worktree.Branch, shortHash(hash))
	return hash, nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// report records the outcome. After a lost lease the task belongs to
// someone else, so only a comment is left.
func (w *Worker) report(ctx context.Context, task *taskstore.Task, result executor.Result, leaseErr error) {
	agentID := w.Config.AgentID
	if leaseErr != nil {
		w.tasksFailed++
		w.Metrics.TaskCompleted(false)
		w.comment(ctx, task.ID, fmt.Sprintf("%s abandoned this task: %v", agentID, leaseErr))
		w.Log.Errorf("abandoned %s: %v", task.ID, leaseErr)
		return
	}
	w.Metrics.TaskCompleted(result.Success)

	if result.Success {
		w.tasksCompleted++
		if _, err := w.Store.Update(ctx, task.ID, taskstore.Update{Status: taskstore.StatusVerification}); err != nil {
			w.Log.Errorf("updating %s: %v", task.ID, err)
		}
		w.comment(ctx, task.ID, fmt.Sprintf("Completed by %s.\n\n%s", agentID, result.Summary))
		w.Log.Successf("completed %s", task.ID)
		return
	}

	w.tasksFailed++
	u := taskstore.Update{Status: taskstore.StatusBacklog, AssignedTo: taskstore.Unassigned()}
	if _, err := w.Store.Update(ctx, task.ID, u); err != nil {
		w.Log.Errorf("returning %s to backlog: %v", task.ID, err)
	}
	w.comment(ctx, task.ID, fmt.Sprintf("Failed on %s: %s", agentID, result.Summary))
	w.Log.Errorf("failed %s: %s", task.ID, result.Summary)
}

func (w *Worker) comment(ctx context.Context, taskID, text string) {
	if _, err := w.Store.AddComment(ctx, taskID, taskstore.NewComment{Author: w.Config.AgentID, Text: text}); err != nil {
		w.Log.Warnf("commenting on %s: %v", taskID, err)
	}
}
