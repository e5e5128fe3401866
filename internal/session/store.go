// Package session keeps per-conversation state: the recent turn history and
// the facts the agent has established about the counterpart (for example a
// resolved customer reference). Sessions expire on a TTL and are refreshed on
// every turn.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Turn is one user/agent exchange.
type Turn struct {
	User  string    `json:"user"`
	Agent string    `json:"agent"`
	At    time.Time `json:"at"`
}

// Session is the mutable per-conversation state.
type Session struct {
	ID      string         `json:"id"`
	History []Turn         `json:"history"`
	Facts   map[string]any `json:"facts"`
}

// Fact returns a string fact by key, or "" when absent.
func (s *Session) Fact(key string) string {
	if v, ok := s.Facts[key].(string); ok {
		return v
	}
	return ""
}

// SetFact records a fact, allocating the map on first use.
func (s *Session) SetFact(key string, value any) {
	if s.Facts == nil {
		s.Facts = make(map[string]any)
	}
	s.Facts[key] = value
}

// Summary renders the most recent turns as planner context. At most the last
// three turns are included; older history only adds prompt weight.
func (s *Session) Summary() string {
	if len(s.History) == 0 {
		return ""
	}
	turns := s.History
	if len(turns) > 3 {
		turns = turns[len(turns)-3:]
	}
	var b strings.Builder
	for _, turn := range turns {
		fmt.Fprintf(&b, "user: %s\nagent: %s\n", turn.User, turn.Agent)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Store persists sessions in SQLite with JSON columns for history and facts.
type Store struct {
	db  *sql.DB
	ttl time.Duration
}

// NewStore creates the session store.
func NewStore(db *sql.DB, ttl time.Duration) (*Store, error) {
	_, err := db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			history_json TEXT NOT NULL,
			facts_json TEXT NOT NULL,
			updated_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
	`)
	if err != nil {
		return nil, fmt.Errorf("creating sessions table: %w", err)
	}
	return &Store{db: db, ttl: ttl}, nil
}

// Load returns the session for id, or a fresh empty one when no live row
// exists. Expired rows are treated as absent.
func (s *Store) Load(ctx context.Context, id string) (*Session, error) {
	var historyJSON, factsJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT history_json, facts_json FROM sessions
		WHERE session_id = ? AND expires_at > ?`,
		id, time.Now().UTC(),
	).Scan(&historyJSON, &factsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return &Session{ID: id, Facts: make(map[string]any)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	sess := &Session{ID: id}
	if err := json.Unmarshal([]byte(historyJSON), &sess.History); err != nil {
		return nil, fmt.Errorf("decoding session history: %w", err)
	}
	if err := json.Unmarshal([]byte(factsJSON), &sess.Facts); err != nil {
		return nil, fmt.Errorf("decoding session facts: %w", err)
	}
	if sess.Facts == nil {
		sess.Facts = make(map[string]any)
	}
	return sess, nil
}

// Save upserts the session and refreshes its expiry.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	historyJSON, err := json.Marshal(sess.History)
	if err != nil {
		return fmt.Errorf("encoding session history: %w", err)
	}
	factsJSON, err := json.Marshal(sess.Facts)
	if err != nil {
		return fmt.Errorf("encoding session facts: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, history_json, facts_json, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			history_json = excluded.history_json,
			facts_json = excluded.facts_json,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		sess.ID, string(historyJSON), string(factsJSON), now, now.Add(s.ttl),
	)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// Cleanup deletes expired sessions and returns the number removed.
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE expires_at < ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("cleaning sessions: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}
