package server

import (
	"crypto/subtle"
	"net/http"
)

// SharedKeyMiddleware validates the X-Api-Key header against the configured
// pre-shared key with a constant-time compare. An empty configured key
// disables the channel entirely rather than leaving it open.
func SharedKeyMiddleware(sharedKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sharedKey == "" {
				writeError(w, http.StatusForbidden, "forbidden", "channel not configured")
				return
			}
			key := r.Header.Get("X-Api-Key")
			if key == "" || subtle.ConstantTimeCompare([]byte(sharedKey), []byte(key)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
