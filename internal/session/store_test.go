package session

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, ttl)
	require.NoError(t, err)
	return store
}

func TestLoadUnknownReturnsEmptySession(t *testing.T) {
	store := newTestStore(t, time.Hour)

	sess, err := store.Load(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sess.ID)
	assert.Empty(t, sess.History)
	assert.NotNil(t, sess.Facts)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	sess := &Session{ID: "sess-1"}
	sess.History = append(sess.History, Turn{User: "hello", Agent: "hi there", At: time.Now().UTC()})
	sess.SetFact("customer_ref", "CUST_001")
	require.NoError(t, store.Save(ctx, sess))

	loaded, err := store.Load(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, loaded.History, 1)
	assert.Equal(t, "hello", loaded.History[0].User)
	assert.Equal(t, "hi there", loaded.History[0].Agent)
	assert.Equal(t, "CUST_001", loaded.Fact("customer_ref"))
}

func TestSaveUpserts(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	sess := &Session{ID: "sess-1"}
	sess.History = append(sess.History, Turn{User: "one", Agent: "ack"})
	require.NoError(t, store.Save(ctx, sess))

	sess.History = append(sess.History, Turn{User: "two", Agent: "ack"})
	require.NoError(t, store.Save(ctx, sess))

	loaded, err := store.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Len(t, loaded.History, 2)
}

func TestExpiredSessionTreatedAsAbsent(t *testing.T) {
	store := newTestStore(t, -time.Minute)
	ctx := context.Background()

	sess := &Session{ID: "sess-1"}
	sess.SetFact("customer_ref", "CUST_001")
	require.NoError(t, store.Save(ctx, sess))

	loaded, err := store.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, loaded.Fact("customer_ref"))
}

func TestCleanup(t *testing.T) {
	store := newTestStore(t, -time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &Session{ID: "a"}))
	require.NoError(t, store.Save(ctx, &Session{ID: "b"}))

	removed, err := store.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
}

func TestSummaryLastThreeTurns(t *testing.T) {
	sess := &Session{ID: "sess-1"}
	assert.Empty(t, sess.Summary())

	for _, msg := range []string{"first", "second", "third", "fourth"} {
		sess.History = append(sess.History, Turn{User: msg, Agent: "reply to " + msg})
	}

	summary := sess.Summary()
	assert.NotContains(t, summary, "first")
	assert.Contains(t, summary, "user: second")
	assert.Contains(t, summary, "agent: reply to fourth")
}

func TestFactHelpers(t *testing.T) {
	sess := &Session{ID: "sess-1"}
	assert.Empty(t, sess.Fact("missing"))

	sess.SetFact("customer_ref", "CUST_001")
	assert.Equal(t, "CUST_001", sess.Fact("customer_ref"))

	sess.SetFact("count", 3)
	assert.Empty(t, sess.Fact("count"), "non-string facts read as empty")
}
