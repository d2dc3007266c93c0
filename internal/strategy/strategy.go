// Package strategy decides how a sprint's tasks are spread over agents:
// tier by tier with merges in between, or all at once.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/locusai/locus/internal/console"
	"github.com/locusai/locus/internal/debug"
	"github.com/locusai/locus/internal/pool"
	"github.com/locusai/locus/internal/taskstore"
)

// AgentPool runs one batch of agents. *pool.Pool implements it.
type AgentPool interface {
	Spawn(ctx context.Context, index int, sprintID, baseBranch string) error
	WaitForAll(ctx context.Context, isRunning func() bool) error
	// Wait blocks until every agent has terminated or ctx is done.
	Wait(ctx context.Context) error
}

// Merger folds a tier's task branches together. *tiermerge.Service
// implements it.
type Merger interface {
	RegisterTierTasks(tasks []taskstore.Task)
	TierBranchName(tier int) string
	RemoteBranchExists(ctx context.Context, branch string) bool
	CreateMergeBranch(ctx context.Context, tier int, baseBranch string) (string, error)
}

// Config selects and bounds the execution mode.
type Config struct {
	SprintID      string
	DefaultBranch string
	// Agents is the configured pool size.
	Agents int
	// Worktrees enables tiered execution for tiered sprints.
	Worktrees bool
	// AutoPush enables merging between tiers.
	AutoPush bool
}

// TierReport describes what happened to one tier.
type TierReport struct {
	Tier         int
	Dispatchable int
	Agents       int
	// BaseBranch is the branch the tier's agents started from.
	BaseBranch  string
	MergeBranch string
	// Skipped is set when the tier had nothing left to run.
	Skipped bool
}

// Report summarizes an Execute call.
type Report struct {
	Tiered bool
	Tiers  []TierReport
	// Agents is the number of agents spawned in legacy mode.
	Agents int
	// BaseBranch is the base the next tier would have used.
	BaseBranch string
	Stopped    bool
}

// Strategy runs a sprint.
type Strategy struct {
	Config Config
	// NewPool creates the pool for one tier, or for the whole run when tier
	// is nil.
	NewPool func(tier *int) AgentPool
	Merger  Merger
	Log     *console.Logger
	// IsRunning is polled between tiers and handed to each pool.
	IsRunning func() bool
}

func (s *Strategy) running() bool {
	return s.IsRunning == nil || s.IsRunning()
}

// UseTiers reports whether tasks run tier by tier: worktrees must be
// enabled and at least one task must carry a tier.
func (s *Strategy) UseTiers(tasks []taskstore.Task) bool {
	if !s.Config.Worktrees {
		return false
	}
	for i := range tasks {
		if tasks[i].HasTier() {
			return true
		}
	}
	return false
}

// Execute runs tasks to completion in the selected mode.
func (s *Strategy) Execute(ctx context.Context, tasks []taskstore.Task) (Report, error) {
	if s.NewPool == nil {
		return Report{}, errors.New("strategy: NewPool is required")
	}
	if s.Log == nil {
		s.Log = console.Discard()
	}
	if s.UseTiers(tasks) {
		if s.Merger == nil {
			return Report{}, errors.New("strategy: tiered execution needs a merger")
		}
		return s.executeTiered(ctx, tasks)
	}
	return s.executeLegacy(ctx, tasks)
}

// Partition groups tasks by tier and returns the tier numbers in ascending
// order. Tasks without a tier are left out.
func Partition(tasks []taskstore.Task) (map[int][]taskstore.Task, []int) {
	groups := make(map[int][]taskstore.Task)
	for _, t := range tasks {
		if t.Tier == nil {
			continue
		}
		groups[*t.Tier] = append(groups[*t.Tier], t)
	}
	tiers := make([]int, 0, len(groups))
	for tier := range groups {
		tiers = append(tiers, tier)
	}
	sort.Ints(tiers)
	return groups, tiers
}

func dispatchable(tasks []taskstore.Task) []taskstore.Task {
	var out []taskstore.Task
	for i := range tasks {
		if tasks[i].Dispatchable() {
			out = append(out, tasks[i])
		}
	}
	return out
}

func (s *Strategy) executeTiered(ctx context.Context, tasks []taskstore.Task) (Report, error) {
	groups, tiers := Partition(tasks)
	if untiered := len(tasks) - countTiered(groups); untiered > 0 {
		s.Log.Warnf("%d tasks have no tier and will not run in tiered mode", untiered)
	}
	s.Merger.RegisterTierTasks(tasks)

	base := s.Config.DefaultBranch
	report := Report{Tiered: true}
	s.Log.Infof("tiered execution: %d tiers from %s", len(tiers), base)

	for i, tier := range tiers {
		if !s.running() {
			report.Stopped = true
			break
		}
		if err := ctx.Err(); err != nil {
			report.BaseBranch = base
			return report, err
		}

		log := s.Log.With(fmt.Sprintf("tier %d", tier))
		ready := dispatchable(groups[tier])
		tr := TierReport{Tier: tier, Dispatchable: len(ready), BaseBranch: base}

		if len(ready) == 0 {
			tr.Skipped = true
			branch := s.Merger.TierBranchName(tier)
			if s.Merger.RemoteBranchExists(ctx, branch) {
				base = branch
				log.Infof("already complete, continuing from %s", branch)
			} else {
				log.Infof("already complete")
			}
			report.Tiers = append(report.Tiers, tr)
			continue
		}

		t := tier
		p := s.NewPool(&t)
		tr.Agents = s.spawn(ctx, p, log, len(ready), base)
		if tr.Agents > 0 {
			if err := p.WaitForAll(ctx, s.IsRunning); err != nil {
				log.Errorf("waiting for agents: %v", err)
			}
		}
		if err := ctx.Err(); err != nil {
			report.Tiers = append(report.Tiers, tr)
			report.BaseBranch = base
			return report, err
		}
		if !s.running() {
			if tr.Agents > 0 {
				s.drain(ctx, p, log)
			}
			report.Tiers = append(report.Tiers, tr)
			report.Stopped = true
			if err := ctx.Err(); err != nil {
				report.BaseBranch = base
				return report, err
			}
			break
		}

		if s.Config.AutoPush && i < len(tiers)-1 {
			merged, err := s.Merger.CreateMergeBranch(ctx, tier, base)
			switch {
			case err != nil:
				log.Errorf("merge failed, next tier continues from %s: %v", base, err)
			case merged == "":
				log.Warnf("no branches to merge, next tier continues from %s", base)
			default:
				tr.MergeBranch = merged
				base = merged
				log.Successf("merged into %s", merged)
			}
		}
		report.Tiers = append(report.Tiers, tr)
		debug.LogKV("strategy", "tier done", "tier", tier, "agents", tr.Agents, "base", base)
	}

	report.BaseBranch = base
	return report, nil
}

func (s *Strategy) executeLegacy(ctx context.Context, tasks []taskstore.Task) (Report, error) {
	base := s.Config.DefaultBranch
	report := Report{BaseBranch: base}
	ready := dispatchable(tasks)
	if len(ready) == 0 {
		s.Log.Infof("no dispatchable tasks")
		return report, nil
	}
	if !s.running() {
		report.Stopped = true
		return report, nil
	}

	p := s.NewPool(nil)
	report.Agents = s.spawn(ctx, p, s.Log, len(ready), base)
	if report.Agents == 0 {
		return report, nil
	}
	if err := p.WaitForAll(ctx, s.IsRunning); err != nil {
		s.Log.Errorf("waiting for agents: %v", err)
	}
	report.Stopped = !s.running()
	if report.Stopped && ctx.Err() == nil {
		s.drain(ctx, p, s.Log)
	}
	return report, ctx.Err()
}

// drain waits for agents that were mid-task when the stop was requested.
// Cancelling ctx abandons them.
func (s *Strategy) drain(ctx context.Context, p AgentPool, log *console.Logger) {
	log.Warnf("waiting for agents to finish their current task")
	if err := p.Wait(ctx); err != nil && ctx.Err() == nil {
		log.Errorf("agent stopped: %v", err)
	}
}

// spawn starts min(Agents, ready) agents and returns how many started.
func (s *Strategy) spawn(ctx context.Context, p AgentPool, log *console.Logger, ready int, base string) int {
	n := pool.EffectiveAgentCount(s.Config.Agents, ready)
	log.Infof("%d dispatchable tasks, starting %d agents from %s", ready, n, base)
	started := 0
	for i := 0; i < n; i++ {
		if !s.running() || ctx.Err() != nil {
			break
		}
		if err := p.Spawn(ctx, i, s.Config.SprintID, base); err != nil {
			log.Errorf("spawning agent %d: %v", i, err)
			continue
		}
		started++
	}
	return started
}

func countTiered(groups map[int][]taskstore.Task) int {
	n := 0
	for _, g := range groups {
		n += len(g)
	}
	return n
}
