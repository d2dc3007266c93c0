package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/locusai/locus/internal/config"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the Postgres task store",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the task store tables if they do not exist",
	RunE:  runDBMigrate,
}

func init() {
	dbMigrateCmd.Flags().String(config.FlagName(config.KeyDatabaseURL), "", "Postgres URL")
	dbCmd.AddCommand(dbMigrateCmd)
	rootCmd.AddCommand(dbCmd)
}

func runDBMigrate(cmd *cobra.Command, args []string) error {
	s, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	store, err := openPostgres(cmd.Context(), s)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.EnsureSchema(cmd.Context()); err != nil {
		return fmt.Errorf("migrating: %w", err)
	}
	fmt.Println(greenStyle.Render("Schema up to date."))
	return nil
}
