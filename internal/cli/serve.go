package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/locusai/locus/internal/config"
	"github.com/locusai/locus/internal/debug"
	"github.com/locusai/locus/internal/taskstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the Postgres task store over HTTP",
	Long: `Serve the task API agents use with --api-url, backed by Postgres.

Requests must carry "Authorization: Bearer <api-key>" when --api-key is set.`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("addr", "127.0.0.1:8080", "Listen address")
	f.String(config.FlagName(config.KeyDatabaseURL), "", "Postgres URL")
	f.String(config.FlagName(config.KeyAPIKey), "", "API key clients must present")
	f.Bool("migrate", true, "Create tables on startup")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := stderrLogger()
	s, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	addr, _ := cmd.Flags().GetString("addr")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openPostgres(ctx, s)
	if err != nil {
		return err
	}
	defer store.Close()
	if migrate, _ := cmd.Flags().GetBool("migrate"); migrate {
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("migrating: %w", err)
		}
	}
	if s.APIKey == "" {
		log.Warnf("no api key set; the task API is unauthenticated")
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           taskstore.NewHandler(store, s.APIKey),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Infof("task API listening on http://%s", addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	debug.Log("cli", "serve: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Infof("stopped")
	return nil
}
