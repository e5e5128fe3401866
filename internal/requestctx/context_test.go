package requestctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChannelRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, Channel(ctx))

	ctx = SetChannel(ctx, "provider")
	assert.Equal(t, "provider", Channel(ctx))
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))

	ctx = SetRequestID(ctx, "req_abc123")
	assert.Equal(t, "req_abc123", RequestID(ctx))
}

func TestKeysDoNotAlias(t *testing.T) {
	ctx := SetChannel(context.Background(), "web")
	ctx = SetRequestID(ctx, "req-123")

	assert.Equal(t, "web", Channel(ctx))
	assert.Equal(t, "req-123", RequestID(ctx))

	// One value set must not bleed into the other accessor.
	chOnly := SetChannel(context.Background(), "wa")
	assert.Empty(t, RequestID(chOnly))
	idOnly := SetRequestID(context.Background(), "req-456")
	assert.Empty(t, Channel(idOnly))
}
