package cmd

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cordon-dev/cordon/internal/agent"
	"github.com/cordon-dev/cordon/internal/audit"
	"github.com/cordon-dev/cordon/internal/config"
	"github.com/cordon-dev/cordon/internal/confirm"
	"github.com/cordon-dev/cordon/internal/dedupe"
	"github.com/cordon-dev/cordon/internal/plan"
	"github.com/cordon-dev/cordon/internal/planner"
	"github.com/cordon-dev/cordon/internal/server"
	"github.com/cordon-dev/cordon/internal/session"
	"github.com/cordon-dev/cordon/internal/tools"
	"github.com/cordon-dev/cordon/internal/webhook"
)

var (
	servePort            int
	serveCleanupSchedule string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Cordon server with all three inbound channels",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "HTTP server port")
	serveCmd.Flags().StringVar(&serveCleanupSchedule, "cleanup-schedule", "@every 10m", "cron schedule for expiring confirmations, dedupe records, and sessions")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()

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

	auditStore, err := audit.NewStore(cfg.AuditDBPath(), cfg.AuditSigningKey)
	if err != nil {
		return fmt.Errorf("initializing audit store: %w", err)
	}
	defer auditStore.Close()

	registry := tools.NewRegistry()
	if err := tools.RegisterDemo(registry); err != nil {
		return fmt.Errorf("registering tools: %w", err)
	}
	registry.Freeze()

	llm := planner.New(
		cfg.LLMBaseURL,
		cfg.LLMAPIKey,
		cfg.LLMModel,
		time.Duration(cfg.PlannerTimeoutSec)*time.Second,
		plan.Schema(),
		func(raw json.RawMessage) error {
			_, err := plan.Validate(raw, registry)
			return err
		},
	)
	var answerer planner.Answerer
	if cfg.EnableAnswerer {
		answerer = llm
	}

	orch := agent.New(agent.Deps{
		Registry:     registry,
		Planner:      llm,
		Answerer:     answerer,
		Sessions:     sessions,
		Confirms:     confirms,
		Dedupe:       dedupeStore,
		Audit:        auditStore,
		Limiter:      agent.NewRateLimiter(cfg.RateLimitEnabled, cfg.RateLimitSessionRPM),
		WriteTimeout: time.Duration(cfg.WriteToolTimeoutSec) * time.Second,
		Logger:       log.Logger,
	})

	webhookAuth := webhook.New(
		cfg.WebhookSecret,
		cfg.WebhookVerifySignature,
		time.Duration(cfg.ReplayWindowSec)*time.Second,
		time.Duration(cfg.MaxFutureSkewSec)*time.Second,
		int64(cfg.MaxPayloadBytes),
	)

	if cfg.WASharedKey == "" {
		log.Warn().Msg("CORDON_WA_SHARED_KEY not set; the wa channel will reject all calls")
	}

	scheduler := cron.New()
	_, err = scheduler.AddFunc(serveCleanupSchedule, func() {
		runCleanup(context.Background(), confirms, dedupeStore, sessions)
	})
	if err != nil {
		return fmt.Errorf("registering cleanup schedule: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := server.NewServer(orch, auditStore, webhookAuth, cfg.WASharedKey)

	addr := fmt.Sprintf(":%d", servePort)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Str("cleanup_schedule", serveCleanupSchedule).
		Bool("answerer", cfg.EnableAnswerer).
		Bool("webhook_signatures", cfg.WebhookVerifySignature).
		Int("tools", len(registry.Names())).
		Msg("cordon_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}

// runCleanup expires confirmations and deletes expired dedupe records and
// sessions. Shared by the cron schedule and the one-shot cleanup command.
func runCleanup(ctx context.Context, confirms *confirm.Store, dedupeStore *dedupe.Store, sessions *session.Store) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	expired, err := confirms.CleanupExpired(ctx)
	if err != nil {
		log.Error().Err(err).Msg("confirmation cleanup failed")
	}
	dedupeRemoved, err := dedupeStore.Cleanup(ctx)
	if err != nil {
		log.Error().Err(err).Msg("dedupe cleanup failed")
	}
	sessionsRemoved, err := sessions.Cleanup(ctx)
	if err != nil {
		log.Error().Err(err).Msg("session cleanup failed")
	}
	log.Info().
		Int64("confirmations_expired", expired).
		Int64("dedupe_removed", dedupeRemoved).
		Int64("sessions_removed", sessionsRemoved).
		Msg("cleanup_completed")
}
