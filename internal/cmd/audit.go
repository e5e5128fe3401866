package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cordon-dev/cordon/internal/audit"
	"github.com/cordon-dev/cordon/internal/config"
)

var (
	auditSession string
	auditType    string
	auditLimit   int
	auditJSON    bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and verify the audit trail",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit events",
	RunE:  auditList,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [event-id]",
	Short: "Verify the HMAC signature of an audit event",
	Args:  cobra.ExactArgs(1),
	RunE:  auditVerify,
}

func init() {
	auditListCmd.Flags().StringVar(&auditSession, "session", "", "Filter by session ID")
	auditListCmd.Flags().StringVar(&auditType, "type", "", "Filter by event type (IN, PLAN, TOOL, OUT, ERROR)")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 20, "Maximum events to show")
	auditListCmd.Flags().BoolVar(&auditJSON, "json", false, "Output raw JSON")

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	rootCmd.AddCommand(auditCmd)
}

func openAuditStore() (*audit.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return audit.NewStore(cfg.AuditDBPath(), cfg.AuditSigningKey)
}

func auditList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	ctx, span := tracer.Start(ctx, "audit_list")
	defer span.End()

	store, err := openAuditStore()
	if err != nil {
		return fmt.Errorf("initializing audit store: %w", err)
	}
	defer store.Close()

	events, err := store.List(ctx, auditSession, auditType, time.Time{}, time.Time{}, auditLimit)
	if err != nil {
		return fmt.Errorf("querying audit events: %w", err)
	}

	if len(events) == 0 {
		fmt.Println("No audit events found.")
		return nil
	}

	if auditJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tTYPE\tSESSION\tTOOL\tOUTCOME\tID")
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.Timestamp.Format(time.RFC3339), ev.Type, ev.SessionID, ev.ToolName, ev.Outcome, ev.ID)
	}
	return w.Flush()
}

func auditVerify(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	ctx, span := tracer.Start(ctx, "audit_verify")
	defer span.End()

	store, err := openAuditStore()
	if err != nil {
		return fmt.Errorf("initializing audit store: %w", err)
	}
	defer store.Close()

	valid, err := store.Verify(ctx, args[0])
	if err != nil {
		return fmt.Errorf("verifying event: %w", err)
	}
	if !valid {
		fmt.Printf("INVALID: event %s failed signature verification\n", args[0])
		os.Exit(1)
	}
	fmt.Printf("OK: event %s signature verified\n", args[0])
	return nil
}
