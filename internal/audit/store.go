// Package audit provides an append-only, HMAC-signed audit trail for agent
// turns.
//
// Every inbound message, validated plan, tool execution, outbound reply, and
// error produces an Event that is signed (HMAC-SHA256) and persisted in
// SQLite. The store exposes no update or delete operations; tampering is
// detectable through signature verification.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	cordonotel "github.com/cordon-dev/cordon/internal/otel"
)

var tracer = cordonotel.Tracer("github.com/cordon-dev/cordon/internal/audit")

// Event types, one per stage of a turn.
const (
	TypeIn    = "IN"    // inbound user message
	TypePlan  = "PLAN"  // validated plan
	TypeTool  = "TOOL"  // tool execution attempt
	TypeOut   = "OUT"   // outbound reply
	TypeError = "ERROR" // turn-level failure
)

// Outcomes for TOOL and ERROR events.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeRejected = "rejected"
)

// Event is one audit record. ID and Timestamp are assigned by Record when
// unset; Signature is always assigned by Record.
type Event struct {
	ID        string          `json:"id"`
	RequestID string          `json:"request_id"`
	SessionID string          `json:"session_id"`
	Channel   string          `json:"channel"`
	Type      string          `json:"type"`
	ToolName  string          `json:"tool_name,omitempty"`
	Outcome   string          `json:"outcome,omitempty"`
	Confirmed bool            `json:"confirmed,omitempty"`
	Token     string          `json:"token,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Signature string          `json:"signature"`
}

// Store persists HMAC-signed audit events in SQLite.
type Store struct {
	db     *sql.DB
	signer *Signer
}

// NewStore opens the audit database and prepares the schema.
func NewStore(dbPath string, signingKey string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		event_type TEXT NOT NULL,
		tool_name TEXT,
		outcome TEXT,
		event_json TEXT NOT NULL,
		signature TEXT NOT NULL,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_events(session_id);
	CREATE INDEX IF NOT EXISTS idx_audit_request ON audit_events(request_id);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp);
	`

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	signer, err := NewSigner(signingKey)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}

	return &Store{db: db, signer: signer}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ready reports whether the store can currently accept writes. The
// orchestrator checks this before executing a write tool: actions that cannot
// be audited do not run.
func (s *Store) Ready(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("audit store unavailable: %w", err)
	}
	return nil
}

// Record signs and appends an event. It never fails silently: callers must
// handle the returned error.
func (s *Store) Record(ctx context.Context, ev *Event) error {
	ctx, span := tracer.Start(ctx, "audit.record",
		trace.WithAttributes(
			attribute.String("audit.type", ev.Type),
			attribute.String("session_id", ev.SessionID),
		))
	defer span.End()

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	// Sign the event with Signature blanked; Verify reproduces the same bytes.
	ev.Signature = ""
	unsigned, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	signature, err := s.signer.Sign(unsigned)
	if err != nil {
		return fmt.Errorf("signing audit event: %w", err)
	}
	ev.Signature = signature

	signed, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling signed audit event: %w", err)
	}

	query := `INSERT INTO audit_events (id, request_id, session_id, channel, event_type, tool_name, outcome, event_json, signature, timestamp)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		ev.ID, ev.RequestID, ev.SessionID, ev.Channel, ev.Type,
		ev.ToolName, ev.Outcome, string(signed), signature, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("storing audit event: %w", err)
	}
	return nil
}

// Get retrieves an event by ID.
func (s *Store) Get(ctx context.Context, id string) (*Event, error) {
	var eventJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT event_json FROM audit_events WHERE id = ?`, id,
	).Scan(&eventJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("audit event %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying audit event: %w", err)
	}

	var ev Event
	if err := json.Unmarshal([]byte(eventJSON), &ev); err != nil {
		return nil, fmt.Errorf("unmarshaling audit event: %w", err)
	}
	return &ev, nil
}

// List returns events matching the given filters, newest first.
func (s *Store) List(ctx context.Context, sessionID, eventType string, from, to time.Time, limit int) ([]Event, error) {
	ctx, span := tracer.Start(ctx, "audit.list",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	query := `SELECT event_json FROM audit_events WHERE 1=1`
	args := []interface{}{}

	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	if eventType != "" {
		query += ` AND event_type = ?`
		args = append(args, eventType)
	}
	if !from.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, from)
	}
	if !to.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, to)
	}

	query += ` ORDER BY timestamp DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	var results []Event
	for rows.Next() {
		var eventJSON string
		if err := rows.Scan(&eventJSON); err != nil {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(eventJSON), &ev); err != nil {
			continue
		}
		results = append(results, ev)
	}
	span.SetAttributes(attribute.Int("audit.count", len(results)))
	return results, nil
}

// Verify checks the HMAC signature integrity of a stored event.
func (s *Store) Verify(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "audit.verify",
		trace.WithAttributes(attribute.String("audit.id", id)))
	defer span.End()

	ev, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}

	signature := ev.Signature
	ev.Signature = ""

	unsigned, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("marshaling for verification: %w", err)
	}
	return s.signer.Verify(unsigned, signature), nil
}
