package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/locusai/locus/internal/airunner"
	"github.com/locusai/locus/internal/config"
	"github.com/locusai/locus/internal/console"
	"github.com/locusai/locus/internal/taskstore"
)

// addAgentFlags registers the flags shared by run and agent.
func addAgentFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String(config.FlagName(config.KeyProvider), "claude", "AI provider: claude or codex")
	f.String(config.FlagName(config.KeyModel), "", "Model override passed to the provider CLI")
	f.String(config.FlagName(config.KeyReasoningEffort), "", "Reasoning effort (codex only)")
	f.String(config.FlagName(config.KeyWorkspaceID), "", "Workspace to claim tasks from")
	f.String(config.FlagName(config.KeySprint), "", "Sprint id (default: the workspace's active sprint)")
	f.String(config.FlagName(config.KeyAPIURL), "", "Task API base URL")
	f.String(config.FlagName(config.KeyAPIKey), "", "Task API key")
	f.String(config.FlagName(config.KeyDatabaseURL), "", "Postgres URL used instead of the task API")
	f.Int(config.FlagName(config.KeyMaxTasks), 50, "Tasks an agent completes before stopping")
	f.Int(config.FlagName(config.KeyMaxEmptyPolls), 10, "Consecutive empty polls before an agent stops")
	f.Duration(config.FlagName(config.KeyPollInterval), 10*time.Second, "Delay between empty polls")
	f.Duration(config.FlagName(config.KeyTimeout), time.Hour, "Timeout for a single provider CLI run")
	f.Bool(config.FlagName(config.KeyStream), false, "Print live agent output")
	f.String(config.FlagName(config.KeyMetricsAddr), "", "Serve Prometheus metrics on this address")
}

// loadSettings resolves settings for cmd: defaults, settings file,
// environment, then flags.
func loadSettings(cmd *cobra.Command) (*config.Settings, error) {
	dir, err := projectDir(cmd)
	if err != nil {
		return nil, err
	}
	v := config.New(dir)
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return nil, err
	}
	return config.Load(v)
}

// resolveProvider parses the configured provider, warning and falling back
// to the default when it is unknown.
func resolveProvider(s *config.Settings, log *console.Logger) airunner.Provider {
	p, err := airunner.ParseProvider(s.Provider)
	if err != nil {
		log.Warnf("%v", err)
	}
	return p
}

// openStore connects to the configured task store. Postgres wins when a
// database URL is set.
func openStore(ctx context.Context, s *config.Settings) (taskstore.Store, func(), error) {
	if s.DatabaseURL != "" {
		pg, err := openPostgres(ctx, s)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	}
	return taskstore.NewClient(s.APIURL, s.APIKey, nil), func() {}, nil
}

func openPostgres(ctx context.Context, s *config.Settings) (*taskstore.PostgresStore, error) {
	if s.DatabaseURL == "" {
		return nil, fmt.Errorf("database url is required (--database-url or LOCUS_DATABASE_URL)")
	}
	pool, err := pgxpool.New(ctx, s.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return taskstore.NewPostgresStore(pool, s.LeaseDuration), nil
}

func stderrLogger() *console.Logger {
	return console.New(os.Stderr)
}
