// Package server exposes the agent over HTTP: the three inbound channels,
// the audit query surface, and a health probe.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cordon-dev/cordon/internal/agent"
	"github.com/cordon-dev/cordon/internal/audit"
	"github.com/cordon-dev/cordon/internal/otel"
	"github.com/cordon-dev/cordon/internal/webhook"
)

const defaultTimeout = 60 * time.Second

// defaultMaxTextRunes bounds inbound message text before it reaches the
// planner prompt.
const defaultMaxTextRunes = 2000

// Server holds all dependencies for the HTTP API.
type Server struct {
	router       *chi.Mux
	orch         *agent.Orchestrator
	auditStore   *audit.Store
	webhookAuth  *webhook.Authenticator
	waSharedKey  string
	maxTextRunes int
	startTime    time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithTextLimit overrides the inbound text truncation limit (runes).
func WithTextLimit(n int) Option {
	return func(s *Server) { s.maxTextRunes = n }
}

// NewServer builds a Server with the required dependencies.
func NewServer(orch *agent.Orchestrator, auditStore *audit.Store, webhookAuth *webhook.Authenticator, waSharedKey string, opts ...Option) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		orch:         orch,
		auditStore:   auditStore,
		webhookAuth:  webhookAuth,
		waSharedKey:  waSharedKey,
		maxTextRunes: defaultMaxTextRunes,
		startTime:    time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the configured http.Handler.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.MiddlewareWithStatus())
	r.Use(middleware.Timeout(defaultTimeout))

	// Unauthenticated
	r.Get("/health", s.handleHealth)

	// Web channel: open message submission.
	r.Post("/v1/agent", s.handleWebMessage)

	// WA channel: shared-secret gate on every call.
	r.Group(func(r chi.Router) {
		r.Use(SharedKeyMiddleware(s.waSharedKey))
		r.Post("/v1/wa/agent", s.handleWAMessage)
	})

	// Provider channel: raw body through the webhook authenticator.
	r.Post("/v1/provider/inbound", s.handleProviderInbound)

	// Audit query surface.
	r.Get("/v1/audit", s.handleAuditList)
	r.Get("/v1/audit/{id}/verify", s.handleAuditVerify)

	return r
}
