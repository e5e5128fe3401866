package cmd

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cordon-dev/cordon/internal/config"
	"github.com/cordon-dev/cordon/internal/confirm"
	"github.com/cordon-dev/cordon/internal/dedupe"
	"github.com/cordon-dev/cordon/internal/session"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge expired confirmations, dedupe marks, and sessions",
	RunE:  runCleanupCmd,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanupCmd(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "cleanup")
	defer span.End()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	stateDB, err := sql.Open("sqlite3", cfg.StateDBPath()+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	defer stateDB.Close()

	confirms, err := confirm.NewStore(stateDB, time.Duration(cfg.ConfirmTTLSec)*time.Second)
	if err != nil {
		return fmt.Errorf("initializing confirmation store: %w", err)
	}
	dedupeStore, err := dedupe.NewStore(stateDB, time.Duration(cfg.DedupeTTLSec)*time.Second)
	if err != nil {
		return fmt.Errorf("initializing dedupe store: %w", err)
	}
	sessions, err := session.NewStore(stateDB, time.Duration(cfg.SessionTTLSec)*time.Second)
	if err != nil {
		return fmt.Errorf("initializing session store: %w", err)
	}

	runCleanup(ctx, confirms, dedupeStore, sessions)
	fmt.Println("Cleanup completed.")
	return nil
}
