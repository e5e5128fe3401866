// Package dedupe enforces at-most-once processing of inbound messages.
//
// Every processed message identity (channel, message_id) is fingerprinted in
// a table with a uniqueness constraint. The orchestrator marks before
// processing; of two near-simultaneous deliveries of the same message the
// loser hits the constraint and no-ops. When a turn fails before any side
// effect, the mark is released so a redelivery can retry.
package dedupe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	cordonotel "github.com/cordon-dev/cordon/internal/otel"
)

var tracer = cordonotel.Tracer("github.com/cordon-dev/cordon/internal/dedupe")

// Store persists message fingerprints in SQLite. Keys are scoped per channel:
// provider message ids are only guaranteed unique within the provider.
type Store struct {
	db  *sql.DB
	ttl time.Duration
}

// NewStore creates the dedupe store. Records older than ttl are eligible for
// cleanup; the uniqueness window is bounded so redelivery storms cannot grow
// the table forever.
func NewStore(db *sql.DB, ttl time.Duration) (*Store, error) {
	_, err := db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS dedupe_messages (
			channel TEXT NOT NULL,
			message_id TEXT NOT NULL,
			payload_hash TEXT,
			first_seen_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			PRIMARY KEY (channel, message_id)
		);
		CREATE INDEX IF NOT EXISTS idx_dedupe_expires ON dedupe_messages(expires_at);
	`)
	if err != nil {
		return nil, fmt.Errorf("creating dedupe_messages table: %w", err)
	}
	return &Store{db: db, ttl: ttl}, nil
}

// Mark records a message identity. It returns true when this is the first
// time the identity is seen; false when the insert loses to an existing row
// (including a concurrent one).
func (s *Store) Mark(ctx context.Context, channel, messageID, payloadHash string) (bool, error) {
	ctx, span := tracer.Start(ctx, "dedupe.mark",
		trace.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("message_id", messageID),
		))
	defer span.End()

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dedupe_messages (channel, message_id, payload_hash, first_seen_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		channel, messageID, payloadHash, now, now.Add(s.ttl),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return false, nil
		}
		return false, fmt.Errorf("marking message: %w", err)
	}
	return true, nil
}

// Seen reports whether the identity was already processed.
func (s *Store) Seen(ctx context.Context, channel, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM dedupe_messages WHERE channel = ? AND message_id = ? LIMIT 1`,
		channel, messageID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying dedupe: %w", err)
	}
	return true, nil
}

// Release removes a mark so a redelivery can retry. Called only when the
// turn failed before any side effect was committed.
func (s *Store) Release(ctx context.Context, channel, messageID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM dedupe_messages WHERE channel = ? AND message_id = ?`,
		channel, messageID,
	)
	if err != nil {
		return fmt.Errorf("releasing dedupe mark: %w", err)
	}
	return nil
}

// Cleanup deletes fingerprints past their retention window and returns the
// number removed. Driven by the cron scheduler.
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM dedupe_messages WHERE expires_at < ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("cleaning dedupe records: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}
