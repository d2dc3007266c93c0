package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/singleflight"

	"github.com/locusai/locus/internal/airunner"
	"github.com/locusai/locus/internal/config"
	"github.com/locusai/locus/internal/console"
	"github.com/locusai/locus/internal/debug"
	"github.com/locusai/locus/internal/metrics"
	"github.com/locusai/locus/internal/pool"
	"github.com/locusai/locus/internal/strategy"
	"github.com/locusai/locus/internal/taskstore"
	"github.com/locusai/locus/internal/tiermerge"
	"github.com/locusai/locus/internal/worker"
	"github.com/locusai/locus/internal/worktree"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run agents over a sprint's tasks",
	Long: `Run a pool of agents over the sprint's tasks.

Tiered sprints (tasks with a tier) run one tier at a time when worktrees are
enabled: every tier's agents start from the previous tier's merge branch.
Otherwise all agents start from the default branch.

The first interrupt lets agents finish their current task; a second one
aborts.`,
	RunE: runRun,
}

func init() {
	addAgentFlags(runCmd)
	f := runCmd.Flags()
	f.Int(config.FlagName(config.KeyAgents), 1, "Number of concurrent agents")
	f.Bool(config.FlagName(config.KeyWorktrees), true, "Give every agent its own git worktree (required for tiers)")
	f.Bool(config.FlagName(config.KeyAutoPush), true, "Push task branches and merge tiers")
	f.Bool(config.FlagName(config.KeyKeepWorktrees), false, "Keep agent worktrees after the run")
	f.String(config.FlagName(config.KeyDefaultBranch), "main", "Branch the first tier starts from")
	f.Duration(config.FlagName(config.KeySpawnStagger), pool.DefaultStagger, "Delay between agent spawns")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	log := stderrLogger()
	s, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	provider := resolveProvider(s, log)

	ctx, stop, cleanup := withInterrupts(cmd.Context(), log)
	defer cleanup()

	store, closeStore, err := openStore(ctx, s)
	if err != nil {
		return err
	}
	defer closeStore()

	sprint, err := resolveSprint(ctx, store, s)
	if err != nil {
		return err
	}
	tasks := sprint.Tasks
	if len(tasks) == 0 {
		if tasks, err = store.ListTasks(ctx, sprint.ID); err != nil {
			return fmt.Errorf("listing tasks: %w", err)
		}
	}
	log.Infof("sprint %s (%s): %d tasks, provider %s", sprint.Name, sprint.ID, len(tasks), provider)

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}
	if s.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, s.MetricsAddr, reg); err != nil {
				log.Warnf("metrics server: %v", err)
			}
		}()
	}

	sink, stopDisplay := startDisplay(s.Stream, "")
	defer stopDisplay()

	var mgr *worktree.Manager
	if s.Worktrees {
		mgr = worktree.NewManager(s.ProjectDir)
	}

	var plans singleflight.Group
	strat := &strategy.Strategy{
		Config: strategy.Config{
			SprintID:      sprint.ID,
			DefaultBranch: s.DefaultBranch,
			Agents:        s.Agents,
			Worktrees:     s.Worktrees,
			AutoPush:      s.AutoPush,
		},
		NewPool: func(tier *int) strategy.AgentPool {
			label := "pool"
			if tier != nil {
				label = "tier " + strconv.Itoa(*tier)
			}
			return &pool.Pool{
				Config:    poolConfig(s, provider, tier),
				Store:     store,
				Log:       log.With(label),
				Metrics:   m,
				Worktrees: mgr,
				IsRunning: stop.running,
				Sink:      sink,
				Mindmaps:  &plans,
			}
		},
		Merger:    tiermerge.New(s.ProjectDir, sprint.ID, log, m),
		Log:       log.With("strategy"),
		IsRunning: stop.running,
	}

	started := time.Now()
	report, err := strat.Execute(ctx, tasks)
	debug.LogKV("cli", "run finished", "elapsed", time.Since(started), "tiered", report.Tiered, "stopped", report.Stopped, "error", err)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	printRunSummary(context.WithoutCancel(ctx), log, store, sprint.ID, report, time.Since(started))
	if errors.Is(err, context.Canceled) {
		return errors.New("run aborted")
	}
	return nil
}

func poolConfig(s *config.Settings, provider airunner.Provider, tier *int) pool.Config {
	stagger := s.SpawnStagger
	if stagger == 0 {
		stagger = -1
	}
	return pool.Config{
		WorkspaceID: s.WorkspaceID,
		Provider:    provider,
		Runner: airunner.Options{
			Model:           s.Model,
			ReasoningEffort: s.ReasoningEffort,
			Timeout:         s.Timeout,
		},
		Worker: worker.Config{
			Tier:          tier,
			MaxTasks:      s.MaxTasks,
			MaxEmptyPolls: s.MaxEmptyPolls,
			PollInterval:  s.PollInterval,
		},
		WorkDir:       s.ProjectDir,
		AutoPush:      s.AutoPush,
		KeepWorktrees: s.KeepWorktrees,
		Stagger:       stagger,
	}
}

func resolveSprint(ctx context.Context, store taskstore.Store, s *config.Settings) (*taskstore.Sprint, error) {
	if s.Sprint != "" {
		sprint, err := store.GetSprint(ctx, s.Sprint)
		if err != nil {
			return nil, fmt.Errorf("loading sprint %s: %w", s.Sprint, err)
		}
		return sprint, nil
	}
	sprint, err := store.ActiveSprint(ctx, s.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("no sprint given and no active sprint for workspace %s: %w", s.WorkspaceID, err)
	}
	return sprint, nil
}

func printRunSummary(ctx context.Context, log *console.Logger, store taskstore.Store, sprintID string, report strategy.Report, elapsed time.Duration) {
	if report.Tiered {
		printHeader("Tiers")
		rows := make([][]string, 0, len(report.Tiers))
		for _, t := range report.Tiers {
			merge := t.MergeBranch
			if t.Skipped {
				merge = dimStyle.Render("(already complete)")
			}
			rows = append(rows, []string{
				strconv.Itoa(t.Tier),
				strconv.Itoa(t.Dispatchable),
				strconv.Itoa(t.Agents),
				t.BaseBranch,
				merge,
			})
		}
		printTable([]string{"TIER", "TASKS", "AGENTS", "BASE", "MERGE BRANCH"}, rows)
	}

	tasks, err := store.ListTasks(ctx, sprintID)
	if err != nil {
		log.Warnf("listing tasks: %v", err)
		return
	}
	printHeader("Tasks")
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		tier := "-"
		if t.Tier != nil {
			tier = strconv.Itoa(*t.Tier)
		}
		rows = append(rows, []string{truncate(t.ID, 12), tier, statusBadge(t.Status), truncate(t.Title, 60)})
	}
	printTable([]string{"ID", "TIER", "STATUS", "TITLE"}, rows)

	fmt.Println()
	printField("Elapsed", elapsed.Round(time.Second).String())
	if report.Tiered {
		printField("Final base", report.BaseBranch)
	}
	if report.Stopped {
		printField("Stopped", "yes (interrupted)")
	}
}
