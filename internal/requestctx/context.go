// Package requestctx provides request-scoped values (e.g. channel, request id)
// set by middleware and channel handlers.
package requestctx

import "context"

type contextKey string

const (
	channelKey   contextKey = "channel"
	requestIDKey contextKey = "request_id"
)

// SetChannel stores the inbound channel name in the context.
func SetChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, channelKey, channel)
}

// Channel returns the inbound channel from context, or "" if not set.
func Channel(ctx context.Context) string {
	v, _ := ctx.Value(channelKey).(string)
	return v
}

// SetRequestID stores the per-turn request id in the context.
func SetRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the per-turn request id from context, or "" if not set.
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}
