// Package cli implements the locus command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/locusai/locus/internal/buildinfo"
	"github.com/locusai/locus/internal/debug"
)

var rootCmd = &cobra.Command{
	Use:   "locus",
	Short: "Run AI coding agents against a sprint's tasks",
	Long: titleStyle.Render("locus") + ` ` + buildinfo.Current().Version + `

  Dispatches sprint tasks to autonomous coding agents (Claude or Codex).
  Every agent works in its own git worktree and pushes one branch per task.
  Tiered sprints run tier by tier; each tier's branches are merged into
  locus/tier-<n> and the next tier starts from there.

` + boldStyle.Render("Getting Started:") + `
  locus run --workspace-id ws --api-url https://... --api-key ...
  locus run --sprint <id> --agents 3 --provider codex
  locus agent                     Run a single agent in this directory
  locus worktree list             Show agent worktrees
  locus worktree cleanup          Remove worktrees left by a crash
  locus serve --database-url ...  Serve the task API from Postgres
  locus db migrate                Create the Postgres tables

` + boldStyle.Render("Configuration:") + `
  Flags override LOCUS_* environment variables, which override
  .locus/settings.json in the project directory.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().Bool("debug", false, "Enable verbose debug logging to ~/.locus/debug/")
	rootCmd.PersistentFlags().String("project-dir", "", "Project (git repository) directory (default: current directory)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		debugFlag, _ := cmd.Flags().GetBool("debug")
		if !debugFlag && !debug.ShouldEnableFromEnv() {
			return nil
		}
		logPath, err := debug.Init()
		if err != nil {
			return fmt.Errorf("initializing debug logger: %w", err)
		}
		fmt.Fprintf(os.Stderr, "%s logging to %s\n", dimStyle.Render("[debug]"), logPath)
		bi := buildinfo.Current()
		debug.LogKV("cli", "locus starting",
			"version", bi.Version,
			"commit", bi.Commit,
			"pid", os.Getpid(),
			"command", cmd.Name(),
			"args", args,
		)
		return nil
	}
}

// Execute runs the root command.
func Execute() {
	defer debug.Close()
	if err := rootCmd.Execute(); err != nil {
		debug.Logf("cli", "exit with error: %v", err)
		fmt.Fprintf(os.Stderr, "%s %s\n", errorStyle.Render("Error:"), err)
		debug.Close()
		os.Exit(1)
	}
	debug.Log("cli", "exit success")
}
