// Package confirm implements the two-step confirmation protocol for write
// tools. A write call proposed by a plan is never executed directly: it is
// parked here as a PendingConfirmation and only runs when the user redeems
// the single-use token in a later message. The confirming message is a
// logically separate request that may arrive on a different process
// instance, so confirmations are persisted, not held on a volatile stack.
package confirm

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	cordonotel "github.com/cordon-dev/cordon/internal/otel"
)

var tracer = cordonotel.Tracer("github.com/cordon-dev/cordon/internal/confirm")

var (
	ErrTokenNotFound    = errors.New("confirmation token not found")
	ErrTokenExpired     = errors.New("confirmation token expired")
	ErrTokenAlreadyUsed = errors.New("confirmation token already used")
	ErrSessionMismatch  = errors.New("confirmation session mismatch")
)

// Status is the lifecycle state of a pending confirmation. Exactly one
// terminal transition is possible; after that the row is inert.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusExpired   Status = "expired"
	StatusCanceled  Status = "canceled"
)

// Pending is one write action awaiting user confirmation.
type Pending struct {
	Token     string
	SessionID string
	ToolName  string
	Args      json.RawMessage
	Status    Status
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store persists pending confirmations in SQLite.
type Store struct {
	db  *sql.DB
	ttl time.Duration

	// mu serializes in-process redemption; SQLite deferred transactions can
	// fail with SQLITE_BUSY on a read-to-write upgrade race. Cross-process
	// exactly-once still rests on the status guard in the UPDATE.
	mu sync.Mutex
}

// NewStore creates the confirmation store with the given token TTL.
func NewStore(db *sql.DB, ttl time.Duration) (*Store, error) {
	_, err := db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS pending_confirmations (
			token TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			args_json TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			resolved_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_confirmations_status ON pending_confirmations(status, expires_at);
		CREATE INDEX IF NOT EXISTS idx_confirmations_session ON pending_confirmations(session_id);
	`)
	if err != nil {
		return nil, fmt.Errorf("creating pending_confirmations table: %w", err)
	}
	return &Store{db: db, ttl: ttl}, nil
}

// newToken returns a cryptographically random, URL-safe, unguessable token.
func newToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating confirmation token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Request parks a write action and returns the token the user must echo
// back to run it.
func (s *Store) Request(ctx context.Context, sessionID, toolName string, args json.RawMessage) (string, error) {
	ctx, span := tracer.Start(ctx, "confirm.request",
		trace.WithAttributes(
			attribute.String("session_id", sessionID),
			attribute.String("tool_name", toolName),
		))
	defer span.End()

	token, err := newToken()
	if err != nil {
		return "", err
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_confirmations (token, session_id, tool_name, args_json, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		token, sessionID, toolName, string(args), string(StatusPending), now, now.Add(s.ttl),
	)
	if err != nil {
		return "", fmt.Errorf("storing pending confirmation: %w", err)
	}

	log.Info().
		Str("session_id", sessionID).
		Str("tool_name", toolName).
		Msg("confirmation_requested")
	return token, nil
}

// Redeem consumes a token and returns the parked tool name and arguments.
// Redemption is exactly-once: of two concurrent redeemers, one succeeds and
// the other gets ErrTokenAlreadyUsed. An expired token transitions to
// `expired` before the error is returned.
func (s *Store) Redeem(ctx context.Context, sessionID, token string) (string, json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "confirm.redeem",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", nil, fmt.Errorf("beginning redemption: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		rowSession, toolName, argsJSON, status string
		expiresAt                              time.Time
	)
	err = tx.QueryRowContext(ctx, `
		SELECT session_id, tool_name, args_json, status, expires_at
		FROM pending_confirmations WHERE token = ?`, token,
	).Scan(&rowSession, &toolName, &argsJSON, &status, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, ErrTokenNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("querying confirmation: %w", err)
	}

	if rowSession != sessionID {
		return "", nil, ErrSessionMismatch
	}
	if Status(status) != StatusPending {
		return "", nil, ErrTokenAlreadyUsed
	}

	now := time.Now().UTC()
	if now.After(expiresAt) {
		if _, err := tx.ExecContext(ctx, `
			UPDATE pending_confirmations SET status = ?, resolved_at = ?
			WHERE token = ? AND status = 'pending'`,
			string(StatusExpired), now, token,
		); err != nil {
			return "", nil, fmt.Errorf("expiring confirmation: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return "", nil, fmt.Errorf("committing expiry: %w", err)
		}
		return "", nil, ErrTokenExpired
	}

	// The status guard makes concurrent redemption lose here with zero rows.
	result, err := tx.ExecContext(ctx, `
		UPDATE pending_confirmations SET status = ?, resolved_at = ?
		WHERE token = ? AND status = 'pending'`,
		string(StatusConfirmed), now, token,
	)
	if err != nil {
		return "", nil, fmt.Errorf("consuming confirmation: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return "", nil, ErrTokenAlreadyUsed
	}
	if err := tx.Commit(); err != nil {
		return "", nil, fmt.Errorf("committing redemption: %w", err)
	}

	log.Info().
		Str("session_id", sessionID).
		Str("tool_name", toolName).
		Msg("confirmation_redeemed")
	return toolName, json.RawMessage(argsJSON), nil
}

// Cancel invalidates a pending token (e.g. the user changed their mind).
func (s *Store) Cancel(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pending_confirmations SET status = ?, resolved_at = ?
		WHERE token = ? AND status = 'pending'`,
		string(StatusCanceled), time.Now().UTC(), token,
	)
	if err != nil {
		return fmt.Errorf("canceling confirmation: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// Get returns a confirmation row by token.
func (s *Store) Get(ctx context.Context, token string) (*Pending, error) {
	var (
		p        Pending
		argsJSON string
		status   string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT token, session_id, tool_name, args_json, status, created_at, expires_at
		FROM pending_confirmations WHERE token = ?`, token,
	).Scan(&p.Token, &p.SessionID, &p.ToolName, &argsJSON, &status, &p.CreatedAt, &p.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying confirmation: %w", err)
	}
	p.Args = json.RawMessage(argsJSON)
	p.Status = Status(status)
	return &p, nil
}

// CleanupExpired transitions every overdue pending row to `expired` and
// returns how many were affected. Driven by the cron scheduler.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pending_confirmations SET status = ?, resolved_at = ?
		WHERE status = 'pending' AND expires_at < ?`,
		string(StatusExpired), time.Now().UTC(), time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("expiring confirmations: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}
