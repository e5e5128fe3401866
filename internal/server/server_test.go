package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cordon-dev/cordon/internal/agent"
	"github.com/cordon-dev/cordon/internal/audit"
	"github.com/cordon-dev/cordon/internal/confirm"
	"github.com/cordon-dev/cordon/internal/dedupe"
	"github.com/cordon-dev/cordon/internal/planner"
	"github.com/cordon-dev/cordon/internal/session"
	"github.com/cordon-dev/cordon/internal/tools"
	"github.com/cordon-dev/cordon/internal/webhook"
)

const (
	testSharedKey     = "test-wa-shared-key"
	testWebhookSecret = "test-webhook-secret"
)

type fakePlanner struct {
	raw json.RawMessage
}

func (f *fakePlanner) Propose(ctx context.Context, in planner.Input) (json.RawMessage, error) {
	return f.raw, nil
}

type testStack struct {
	server  *Server
	fp      *fakePlanner
	audit   *audit.Store
	auth    *webhook.Authenticator
	handler http.Handler
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	dir := t.TempDir()

	db, err := sql.Open("sqlite3", filepath.Join(dir, "state.db")+"?_journal_mode=WAL&_busy_timeout=5000")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	confirms, err := confirm.NewStore(db, 30*time.Minute)
	require.NoError(t, err)
	dedupeStore, err := dedupe.NewStore(db, time.Hour)
	require.NoError(t, err)
	sessions, err := session.NewStore(db, 24*time.Hour)
	require.NoError(t, err)
	auditStore, err := audit.NewStore(filepath.Join(dir, "audit.db"), "test-signing-key-0123456789abcdef")
	require.NoError(t, err)
	t.Cleanup(func() { auditStore.Close() })

	registry := tools.NewRegistry()
	require.NoError(t, tools.RegisterDemo(registry))
	registry.Freeze()

	fp := &fakePlanner{raw: json.RawMessage(`{"intent":"faq","final":"hello there","confidence":0.9}`)}
	orch := agent.New(agent.Deps{
		Registry:     registry,
		Planner:      fp,
		Sessions:     sessions,
		Confirms:     confirms,
		Dedupe:       dedupeStore,
		Audit:        auditStore,
		Limiter:      agent.NewRateLimiter(false, 0),
		WriteTimeout: 5 * time.Second,
		Logger:       zerolog.Nop(),
	})

	auth := webhook.New(testWebhookSecret, true, 300*time.Second, 30*time.Second, 256_000)
	return &testStack{
		server: NewServer(orch, auditStore, auth, testSharedKey),
		fp:     fp,
		audit:  auditStore,
		auth:   auth,
	}
}

func (ts *testStack) do(t *testing.T, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	// Routes must only be called once per mux; chi panics if middleware is
	// registered again after routes exist. Build lazily so tests can tweak
	// server fields before the first request.
	if ts.handler == nil {
		ts.handler = ts.server.Routes()
	}
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	ts := newTestStack(t)
	rec := ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestWebChannel(t *testing.T) {
	ts := newTestStack(t)
	rec := ts.do(t, http.MethodPost, "/v1/agent",
		[]byte(`{"message":"hola","session_id":"demo"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp agent.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hello there", resp.Reply)
}

func TestWebChannelRequiresFields(t *testing.T) {
	ts := newTestStack(t)
	rec := ts.do(t, http.MethodPost, "/v1/agent", []byte(`{"message":"hola"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWAChannelAuth(t *testing.T) {
	ts := newTestStack(t)
	body := []byte(`{"from_number":"+15551234","text":"hi","message_id":"MSG-1"}`)

	rec := ts.do(t, http.MethodPost, "/v1/wa/agent", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "missing key rejected")

	rec = ts.do(t, http.MethodPost, "/v1/wa/agent", body, map[string]string{"X-Api-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "wrong key rejected")

	rec = ts.do(t, http.MethodPost, "/v1/wa/agent", body, map[string]string{"X-Api-Key": testSharedKey})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWAChannelDisabledWithoutKey(t *testing.T) {
	ts := newTestStack(t)
	ts.server.waSharedKey = ""
	rec := ts.do(t, http.MethodPost, "/v1/wa/agent",
		[]byte(`{"from_number":"+1555","text":"hi"}`),
		map[string]string{"X-Api-Key": ""})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func providerHeaders(auth *webhook.Authenticator, body []byte) map[string]string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	return map[string]string{
		"Provider-Signature": auth.Sign(body, ts),
		"Provider-Timestamp": ts,
	}
}

func TestProviderInbound(t *testing.T) {
	ts := newTestStack(t)
	body := []byte(`{"message_id":"MSG-1","from":"+15551234","text":"hola"}`)

	rec := ts.do(t, http.MethodPost, "/v1/provider/inbound", body, providerHeaders(ts.auth, body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp agent.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hello there", resp.Reply)
}

func TestProviderInboundBadSignature(t *testing.T) {
	ts := newTestStack(t)
	body := []byte(`{"message_id":"MSG-1","from":"+1555","text":"hola"}`)
	headers := providerHeaders(ts.auth, body)
	headers["Provider-Signature"] = "deadbeef"

	rec := ts.do(t, http.MethodPost, "/v1/provider/inbound", body, headers)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// The counterparty only sees the code; verification detail stays in logs.
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "unauthorized", resp["error"])
	assert.Equal(t, "unauthorized", resp["message"])
	assert.NotContains(t, rec.Body.String(), "signature")
}

func TestProviderInboundStaleTimestamp(t *testing.T) {
	ts := newTestStack(t)
	body := []byte(`{"message_id":"MSG-1","from":"+1555","text":"hola"}`)
	stale := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
	headers := map[string]string{
		"Provider-Signature": ts.auth.Sign(body, stale),
		"Provider-Timestamp": stale,
	}

	rec := ts.do(t, http.MethodPost, "/v1/provider/inbound", body, headers)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "replay_rejected")
}

func TestProviderInboundDuplicateDelivery(t *testing.T) {
	ts := newTestStack(t)
	body := []byte(`{"message_id":"MSG-DUP","from":"+1555","text":"hola"}`)

	rec := ts.do(t, http.MethodPost, "/v1/provider/inbound", body, providerHeaders(ts.auth, body))
	require.Equal(t, http.StatusOK, rec.Code)
	first := rec.Body.String()

	rec = ts.do(t, http.MethodPost, "/v1/provider/inbound", body, providerHeaders(ts.auth, body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEqual(t, first, rec.Body.String(), "duplicate gets the neutral acknowledgment")
}

func TestProviderInboundHashFallbackMessageID(t *testing.T) {
	ts := newTestStack(t)
	body := []byte(`{"from":"+1555","text":"no message id here"}`)

	rec := ts.do(t, http.MethodPost, "/v1/provider/inbound", body, providerHeaders(ts.auth, body))
	require.Equal(t, http.StatusOK, rec.Code)
	first := rec.Body.String()

	// Byte-identical redelivery hits the derived hash.
	rec = ts.do(t, http.MethodPost, "/v1/provider/inbound", body, providerHeaders(ts.auth, body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEqual(t, first, rec.Body.String())
}

func TestTextTruncation(t *testing.T) {
	ts := newTestStack(t)
	ts.server.maxTextRunes = 10

	long := strings.Repeat("x", 50)
	rec := ts.do(t, http.MethodPost, "/v1/agent",
		[]byte(`{"message":"`+long+`","session_id":"demo"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	events, err := ts.audit.List(context.Background(), "demo", audit.TypeIn, time.Time{}, time.Time{}, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	var payload struct {
		Text string `json:"text"`
	}
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Len(t, payload.Text, 10)
}

func TestAuditEndpoints(t *testing.T) {
	ts := newTestStack(t)

	rec := ts.do(t, http.MethodPost, "/v1/agent",
		[]byte(`{"message":"hola","session_id":"demo"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/audit?session_id=demo", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listResp struct {
		Events []audit.Event `json:"events"`
		Count  int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	require.NotZero(t, listResp.Count)

	rec = ts.do(t, http.MethodGet, "/v1/audit/"+listResp.Events[0].ID+"/verify", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"valid":true`)

	rec = ts.do(t, http.MethodGet, "/v1/audit/nonexistent/verify", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuditListLimitValidation(t *testing.T) {
	ts := newTestStack(t)
	rec := ts.do(t, http.MethodGet, "/v1/audit?limit=0", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, http.MethodGet, "/v1/audit?limit=5000", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
