package webhook

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "webhook-test-secret"

func newTestAuth(t *testing.T) *Authenticator {
	t.Helper()
	auth := New(testSecret, true, 300*time.Second, 30*time.Second, 256_000)
	auth.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return auth
}

func (a *Authenticator) signedAt(body []byte, offset time.Duration) (sig, ts string) {
	ts = strconv.FormatInt(a.now().Add(offset).Unix(), 10)
	return a.Sign(body, ts), ts
}

func TestVerifyValidDelivery(t *testing.T) {
	auth := newTestAuth(t)
	body := []byte(`{"message_id":"MSG-1","text":"hello"}`)

	sig, ts := auth.signedAt(body, 0)
	assert.NoError(t, auth.Verify(body, sig, ts))
}

func TestVerifyRejectsOversizedBody(t *testing.T) {
	auth := New(testSecret, true, 300*time.Second, 30*time.Second, 16)
	body := []byte(`{"text":"this body is larger than sixteen bytes"}`)

	sig, ts := auth.signedAt(body, 0)
	assert.ErrorIs(t, auth.Verify(body, sig, ts), ErrPayloadTooLarge)
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	auth := newTestAuth(t)
	body := []byte(`{"text":"hello"}`)

	_, ts := auth.signedAt(body, 0)
	err := auth.Verify(body, "deadbeef", ts)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	auth := newTestAuth(t)
	body := []byte(`{"text":"hello"}`)

	sig, ts := auth.signedAt(body, 0)
	err := auth.Verify([]byte(`{"text":"HELLO"}`), sig, ts)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRejectsReDatedDelivery(t *testing.T) {
	auth := newTestAuth(t)
	body := []byte(`{"text":"hello"}`)

	// Valid signature for an old timestamp, presented with a fresh one.
	oldSig, _ := auth.signedAt(body, -10*time.Minute)
	freshTS := strconv.FormatInt(auth.now().Unix(), 10)
	assert.ErrorIs(t, auth.Verify(body, oldSig, freshTS), ErrInvalidSignature)
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	auth := newTestAuth(t)
	body := []byte(`{"text":"hello"}`)

	sig, ts := auth.signedAt(body, -301*time.Second)
	assert.ErrorIs(t, auth.Verify(body, sig, ts), ErrReplayWindowExceeded)
}

func TestVerifyAcceptsWithinWindow(t *testing.T) {
	auth := newTestAuth(t)
	body := []byte(`{"text":"hello"}`)

	sig, ts := auth.signedAt(body, -299*time.Second)
	assert.NoError(t, auth.Verify(body, sig, ts))
}

func TestVerifyRejectsFarFuture(t *testing.T) {
	auth := newTestAuth(t)
	body := []byte(`{"text":"hello"}`)

	sig, ts := auth.signedAt(body, 31*time.Second)
	assert.ErrorIs(t, auth.Verify(body, sig, ts), ErrReplayWindowExceeded)
}

func TestVerifyAcceptsSmallFutureSkew(t *testing.T) {
	auth := newTestAuth(t)
	body := []byte(`{"text":"hello"}`)

	sig, ts := auth.signedAt(body, 29*time.Second)
	assert.NoError(t, auth.Verify(body, sig, ts))
}

func TestVerifyRejectsMissingHeaders(t *testing.T) {
	auth := newTestAuth(t)
	body := []byte(`{"text":"hello"}`)

	assert.ErrorIs(t, auth.Verify(body, "", "123"), ErrMissingSignature)
	sig := auth.Sign(body, "")
	assert.ErrorIs(t, auth.Verify(body, sig, ""), ErrMissingTimestamp)
}

func TestVerifyRejectsMalformedTimestamp(t *testing.T) {
	auth := newTestAuth(t)
	body := []byte(`{"text":"hello"}`)

	ts := "not-a-number"
	sig := auth.Sign(body, ts)
	assert.ErrorIs(t, auth.Verify(body, sig, ts), ErrInvalidTimestamp)
}

func TestVerifySignatureDisabled(t *testing.T) {
	auth := New(testSecret, false, 300*time.Second, 30*time.Second, 256_000)
	auth.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	body := []byte(`{"text":"hello"}`)

	// No headers at all is acceptable in dev mode.
	require.NoError(t, auth.Verify(body, "", ""))

	// A presented timestamp is still replay-checked.
	staleTS := strconv.FormatInt(auth.now().Add(-10*time.Minute).Unix(), 10)
	assert.ErrorIs(t, auth.Verify(body, "", staleTS), ErrReplayWindowExceeded)
}
