package agent

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter enforces per-session request rate limits using token buckets.
type RateLimiter struct {
	mu         sync.Mutex
	sessions   map[string]*rate.Limiter
	perSession rate.Limit
	burst      int
	enabled    bool
}

// NewRateLimiter creates a per-session limiter. sessionRPM is the sustained
// requests/minute per session; burst allows short spikes up to the full
// per-minute allowance.
func NewRateLimiter(enabled bool, sessionRPM int) *RateLimiter {
	burst := sessionRPM
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		sessions:   make(map[string]*rate.Limiter),
		perSession: rate.Limit(float64(sessionRPM) / 60.0),
		burst:      burst,
		enabled:    enabled,
	}
}

// Allow checks whether a request for the given session is allowed.
func (rl *RateLimiter) Allow(sessionID string) bool {
	if !rl.enabled {
		return true
	}
	rl.mu.Lock()
	limiter, ok := rl.sessions[sessionID]
	if !ok {
		limiter = rate.NewLimiter(rl.perSession, rl.burst)
		rl.sessions[sessionID] = limiter
	}
	rl.mu.Unlock()
	return limiter.Allow()
}
