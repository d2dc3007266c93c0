package cli

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/locusai/locus/internal/airunner"
	"github.com/locusai/locus/internal/executor"
	"github.com/locusai/locus/internal/metrics"
	"github.com/locusai/locus/internal/pool"
	"github.com/locusai/locus/internal/worker"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a single agent in the project directory",
	Long: `Run one agent directly in the project directory, without a worktree.

The agent claims tasks until it reaches --max-tasks, sees --max-empty-polls
empty polls in a row, or is interrupted. Changes are left in the working
tree; nothing is committed or pushed.`,
	RunE: runAgent,
}

func init() {
	addAgentFlags(agentCmd)
	agentCmd.Flags().String("agent-id", "", "Agent id (default: generated)")
	agentCmd.Flags().Int("tier", -1, "Only claim tasks of this tier (-1: any)")
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	log := stderrLogger()
	s, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	provider := resolveProvider(s, log)

	agentID, _ := cmd.Flags().GetString("agent-id")
	if agentID == "" {
		agentID = pool.NewAgentID(1)
	}
	var tier *int
	if t, _ := cmd.Flags().GetInt("tier"); t >= 0 {
		tier = &t
	}

	ctx, stop, cleanup := withInterrupts(cmd.Context(), log)
	defer cleanup()

	store, closeStore, err := openStore(ctx, s)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	m := metrics.MustNew(reg)
	if s.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, s.MetricsAddr, reg); err != nil {
				log.Warnf("metrics server: %v", err)
			}
		}()
	}

	runner, err := airunner.New(provider, airunner.Options{
		Model:           s.Model,
		ReasoningEffort: s.ReasoningEffort,
		WorkDir:         s.ProjectDir,
		Timeout:         s.Timeout,
		Metrics:         m,
	})
	if err != nil {
		return err
	}

	sink, stopDisplay := startDisplay(s.Stream, "")
	defer stopDisplay()

	agentLog := log.With(agentID)
	execOpts := []executor.Option{executor.WithLogger(agentLog)}
	if sink != nil {
		execOpts = append(execOpts, executor.WithSink(sink))
	}

	w := &worker.Worker{
		Config: worker.Config{
			AgentID:       agentID,
			WorkspaceID:   s.WorkspaceID,
			SprintID:      s.Sprint,
			Tier:          tier,
			MaxTasks:      s.MaxTasks,
			MaxEmptyPolls: s.MaxEmptyPolls,
			PollInterval:  s.PollInterval,
		},
		Store:     store,
		Runner:    runner,
		Executor:  executor.New(runner, execOpts...),
		Log:       agentLog,
		Metrics:   m,
		IsRunning: stop.running,
	}

	stats, err := w.Run(ctx)

	fmt.Println()
	printField("Agent", agentID)
	printField("Completed", fmt.Sprint(stats.TasksCompleted))
	printField("Failed", fmt.Sprint(stats.TasksFailed))
	printField("Empty polls", fmt.Sprint(stats.EmptyPolls))
	if ctx.Err() != nil {
		return errors.New("agent aborted")
	}
	return err
}
