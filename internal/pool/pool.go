// Package pool runs a group of agent workers that share one base branch.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/locusai/locus/internal/airunner"
	"github.com/locusai/locus/internal/console"
	"github.com/locusai/locus/internal/debug"
	"github.com/locusai/locus/internal/executor"
	"github.com/locusai/locus/internal/metrics"
	"github.com/locusai/locus/internal/stream"
	"github.com/locusai/locus/internal/taskstore"
	"github.com/locusai/locus/internal/worker"
	"github.com/locusai/locus/internal/worktree"
)

const (
	// DefaultStagger separates consecutive spawns so worktree creation never
	// runs concurrently.
	DefaultStagger = 5 * time.Second
	// DefaultCheckInterval is how often WaitForAll re-checks its predicate.
	DefaultCheckInterval = time.Second
)

// AgentProcess is the runtime record of one spawned agent.
type AgentProcess struct {
	AgentID      string
	WorktreePath string
	// Branch is the task branch currently checked out, empty between tasks.
	Branch string
	State  worker.State
	Stats  worker.Stats
	Err    error
}

// Config is shared by every agent of a pool.
type Config struct {
	WorkspaceID string
	Provider    airunner.Provider
	// Runner is the template for each agent's runner; WorkDir is replaced
	// with the agent's worktree.
	Runner airunner.Options
	// Worker is the template for each agent's loop; AgentID, SprintID and
	// AutoPush are filled in per agent.
	Worker worker.Config
	// WorkDir is where agents run when Worktrees is nil.
	WorkDir       string
	AutoPush      bool
	KeepWorktrees bool
	// Stagger is the delay between spawns. Zero means DefaultStagger and a
	// negative value disables it.
	Stagger       time.Duration
	CheckInterval time.Duration
}

// Pool spawns agents and waits for them. A Pool is used for one batch of
// agents (one tier); create a new one for the next batch.
type Pool struct {
	Config  Config
	Store   taskstore.Store
	Log     *console.Logger
	Metrics *metrics.Metrics
	// Worktrees gives every agent its own checkout. Nil runs all agents in
	// Config.WorkDir.
	Worktrees *worktree.Manager

	// NewRunner builds each agent's runner. Nil uses airunner.New.
	NewRunner func(airunner.Provider, airunner.Options) (airunner.Runner, error)
	// IsRunning is handed to every worker; see worker.Worker.IsRunning.
	IsRunning func() bool
	// Sleep waits for the spawn stagger and between worker polls.
	Sleep func(ctx context.Context, d time.Duration) error
	// Sink receives every agent's stream chunks when set.
	Sink chan<- stream.Chunk
	// OnState observes every agent's state transitions.
	OnState func(agentID string, s worker.State)
	// Mindmaps is shared by every agent so a sprint plan is generated once.
	Mindmaps *singleflight.Group

	once    sync.Once
	group   *errgroup.Group
	gctx    context.Context
	mu      sync.Mutex
	agents  []*AgentProcess
	spawned int
}

// EffectiveAgentCount caps the configured agent count at the number of
// tasks available.
func EffectiveAgentCount(configured, tasks int) int {
	return max(0, min(configured, tasks))
}

// NewAgentID returns agent-<index>-<8 hex chars>.
func NewAgentID(index int) string {
	return fmt.Sprintf("agent-%d-%s", index, uuid.NewString()[:8])
}

func (p *Pool) init(ctx context.Context) {
	p.once.Do(func() {
		p.group, p.gctx = errgroup.WithContext(ctx)
		if p.Log == nil {
			p.Log = console.Discard()
		}
		if p.NewRunner == nil {
			p.NewRunner = airunner.New
		}
		if p.Config.Stagger == 0 {
			p.Config.Stagger = DefaultStagger
		}
		if p.Config.CheckInterval <= 0 {
			p.Config.CheckInterval = DefaultCheckInterval
		}
	})
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
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

// Spawn starts one agent rooted at baseBranch. Consecutive spawns are
// separated by the configured stagger. The first Spawn's ctx bounds every
// agent of the pool.
func (p *Pool) Spawn(ctx context.Context, index int, sprintID, baseBranch string) error {
	p.init(ctx)

	p.mu.Lock()
	staggered := p.spawned > 0
	p.spawned++
	p.mu.Unlock()
	if staggered && p.Config.Stagger > 0 {
		if err := p.sleep(ctx, p.Config.Stagger); err != nil {
			return err
		}
	}

	agentID := NewAgentID(index)
	log := p.Log.With(agentID)
	proc := &AgentProcess{AgentID: agentID}

	workDir := p.Config.WorkDir
	var wt *worktree.Worktree
	if p.Worktrees != nil {
		var err error
		wt, err = p.Worktrees.Create(ctx, agentID, baseBranch)
		if err != nil {
			return fmt.Errorf("creating worktree for %s: %w", agentID, err)
		}
		workDir = wt.Path
		proc.WorktreePath = wt.Path
	}

	opts := p.Config.Runner
	opts.WorkDir = workDir
	if opts.Metrics == nil {
		opts.Metrics = p.Metrics
	}
	runner, err := p.NewRunner(p.Config.Provider, opts)
	if err != nil {
		p.removeWorktree(wt)
		return fmt.Errorf("creating runner for %s: %w", agentID, err)
	}

	execOpts := []executor.Option{executor.WithLogger(log)}
	if p.Sink != nil {
		execOpts = append(execOpts, executor.WithSink(p.Sink))
	}
	cfg := p.Config.Worker
	cfg.AgentID = agentID
	cfg.WorkspaceID = p.Config.WorkspaceID
	cfg.SprintID = sprintID
	cfg.AutoPush = p.Config.AutoPush

	w := &worker.Worker{
		Config:    cfg,
		Store:     p.Store,
		Runner:    runner,
		Executor:  executor.New(runner, execOpts...),
		Worktrees: p.Worktrees,
		Worktree:  wt,
		Log:       log,
		Metrics:   p.Metrics,
		IsRunning: p.IsRunning,
		Sleep:     p.Sleep,
		Mindmaps:  p.Mindmaps,
		OnState: func(id string, s worker.State) {
			p.mu.Lock()
			proc.State = s
			if s == worker.StatePolling {
				proc.Branch = ""
			}
			p.mu.Unlock()
			if p.OnState != nil {
				p.OnState(id, s)
			}
		},
		OnTask: func(_ string, task *taskstore.Task) {
			if wt == nil {
				return
			}
			p.mu.Lock()
			proc.Branch = worktree.BranchName(task.ID, task.Title)
			p.mu.Unlock()
		},
	}

	p.mu.Lock()
	p.agents = append(p.agents, proc)
	p.mu.Unlock()

	log.Infof("spawned from %s", baseBranch)
	debug.LogKV("pool", "spawn", "agent", agentID, "index", index, "sprint", sprintID, "base", baseBranch, "workdir", workDir)

	p.group.Go(func() error {
		defer p.removeWorktree(wt)
		defer runner.Abort()
		stats, err := w.Run(p.gctx)
		p.mu.Lock()
		proc.Stats = stats
		proc.Err = err
		p.mu.Unlock()
		if err != nil {
			log.Errorf("stopped: %v", err)
			return fmt.Errorf("%s: %w", agentID, err)
		}
		log.Infof("finished: %d completed, %d failed", stats.TasksCompleted, stats.TasksFailed)
		return nil
	})
	return nil
}

func (p *Pool) removeWorktree(wt *worktree.Worktree) {
	if wt == nil || p.Config.KeepWorktrees {
		return
	}
	// The pool context may already be cancelled.
	if err := p.Worktrees.Remove(context.Background(), wt.Path, wt.Branch); err != nil {
		p.Log.Warnf("removing worktree %s: %v", wt.Path, err)
	}
}

// WaitForAll blocks until every spawned agent has terminated or isRunning
// returns false. Agents still busy when isRunning turns false finish their
// current task on their own.
func (p *Pool) WaitForAll(ctx context.Context, isRunning func() bool) error {
	p.init(ctx)
	done := make(chan error, 1)
	go func() { done <- p.group.Wait() }()

	ticker := time.NewTicker(p.Config.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if isRunning != nil && !isRunning() {
				p.Log.Warnf("stop requested, %d agents still finishing", p.Active())
				return nil
			}
		}
	}
}

// Wait blocks until every spawned agent has terminated, ignoring any stop
// predicate. Only ctx cuts it short.
func (p *Pool) Wait(ctx context.Context) error {
	p.init(ctx)
	done := make(chan error, 1)
	go func() { done <- p.group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Agents returns a snapshot of the spawned agents.
func (p *Pool) Agents() []AgentProcess {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]AgentProcess, len(p.agents))
	for i, a := range p.agents {
		out[i] = *a
	}
	return out
}

// Active counts agents that have not terminated.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, a := range p.agents {
		if a.State != worker.StateTerminated {
			n++
		}
	}
	return n
}

// Err joins the errors of agents that stopped abnormally.
func (p *Pool) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for _, a := range p.agents {
		if a.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.AgentID, a.Err))
		}
	}
	return errors.Join(errs...)
}
