package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/locusai/locus/internal/worktree"
)

var worktreeCmd = &cobra.Command{
	Use:     "worktree",
	Aliases: []string{"worktrees", "wt"},
	Short:   "Manage agent git worktrees",
}

var worktreeCleanupCmd = &cobra.Command{
	Use:     "cleanup",
	Aliases: []string{"clean", "prune"},
	Short:   "Remove all agent worktrees and task branches (crash recovery)",
	RunE:    runWorktreeCleanup,
}

var worktreeListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List agent worktrees",
	RunE:    runWorktreeList,
}

func init() {
	worktreeCmd.AddCommand(worktreeCleanupCmd)
	worktreeCmd.AddCommand(worktreeListCmd)
	rootCmd.AddCommand(worktreeCmd)
}

func runWorktreeCleanup(cmd *cobra.Command, args []string) error {
	dir, err := projectDir(cmd)
	if err != nil {
		return err
	}
	removed, err := worktree.NewManager(dir).CleanupAll(cmd.Context())
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}
	if removed == 0 {
		fmt.Println(dimStyle.Render("No agent worktrees found."))
		return nil
	}
	fmt.Println(greenStyle.Render(fmt.Sprintf("Removed %d worktree(s).", removed)))
	return nil
}

func runWorktreeList(cmd *cobra.Command, args []string) error {
	dir, err := projectDir(cmd)
	if err != nil {
		return err
	}
	active, err := worktree.NewManager(dir).ListActive(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing worktrees: %w", err)
	}
	if len(active) == 0 {
		fmt.Println(dimStyle.Render("No agent worktrees."))
		return nil
	}
	printHeader("Worktrees")
	rows := make([][]string, 0, len(active))
	for _, wt := range active {
		branch := wt.Branch
		if branch == "" {
			branch = dimStyle.Render("(detached)")
		}
		rows = append(rows, []string{wt.Path, branch, truncate(wt.Head, 12)})
	}
	printTable([]string{"PATH", "BRANCH", "HEAD"}, rows)
	return nil
}
