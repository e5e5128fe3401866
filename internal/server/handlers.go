package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/cordon-dev/cordon/internal/agent"
	"github.com/cordon-dev/cordon/internal/requestctx"
	"github.com/cordon-dev/cordon/internal/webhook"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	writeJSON(w, http.StatusOK, resp)
}

// dispatch funnels a channel message into the orchestrator and writes the
// response.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, msg *agent.Message) {
	ctx := requestctx.SetChannel(r.Context(), msg.Channel)
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		ctx = requestctx.SetRequestID(ctx, reqID)
	}

	msg.Text = truncateRunes(msg.Text, s.maxTextRunes)
	resp, err := s.orch.HandleMessage(ctx, msg)
	if err != nil {
		log.Error().Err(err).Str("channel", msg.Channel).Msg("turn failed")
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type webMessageRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleWebMessage(w http.ResponseWriter, r *http.Request) {
	var req webMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.Message == "" || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "message and session_id are required")
		return
	}
	s.dispatch(w, r, &agent.Message{
		Channel:   "web",
		SessionID: req.SessionID,
		Text:      req.Message,
	})
}

type waMessageRequest struct {
	FromNumber string `json:"from_number"`
	Text       string `json:"text"`
	MessageID  string `json:"message_id"`
}

func (s *Server) handleWAMessage(w http.ResponseWriter, r *http.Request) {
	var req waMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.FromNumber == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "from_number and text are required")
		return
	}
	s.dispatch(w, r, &agent.Message{
		Channel:   "wa",
		SessionID: "wa:" + req.FromNumber,
		MessageID: req.MessageID,
		Text:      req.Text,
	})
}

type providerInboundPayload struct {
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	Text      string `json:"text"`
}

// handleProviderInbound is the synchronous webhook boundary: the delivery is
// accepted or rejected before any session logic runs.
func (s *Server) handleProviderInbound(w http.ResponseWriter, r *http.Request) {
	// One extra byte past the cap is enough to distinguish "too large".
	body, err := io.ReadAll(io.LimitReader(r.Body, s.webhookAuth.MaxBodyBytes()+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "reading body: "+err.Error())
		return
	}

	signature := r.Header.Get("Provider-Signature")
	timestamp := r.Header.Get("Provider-Timestamp")
	if err := s.webhookAuth.Verify(body, signature, timestamp); err != nil {
		status := http.StatusUnauthorized
		code := "unauthorized"
		switch {
		case errors.Is(err, webhook.ErrPayloadTooLarge):
			status, code = http.StatusRequestEntityTooLarge, "payload_too_large"
		case errors.Is(err, webhook.ErrReplayWindowExceeded), errors.Is(err, webhook.ErrInvalidTimestamp):
			status, code = http.StatusForbidden, "replay_rejected"
		}
		// Detail stays in the log; the counterparty only sees the code.
		log.Warn().Err(err).Msg("provider delivery rejected")
		writeError(w, status, code, code)
		return
	}

	var payload providerInboundPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if payload.Text == "" || payload.From == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "from and text are required")
		return
	}

	// Providers occasionally omit message ids; a body hash keeps dedupe
	// effective for byte-identical redeliveries.
	messageID := payload.MessageID
	if messageID == "" {
		sum := sha256.Sum256(body)
		messageID = hex.EncodeToString(sum[:])
	}

	s.dispatch(w, r, &agent.Message{
		Channel:   "provider",
		SessionID: "provider:" + payload.From,
		MessageID: messageID,
		Text:      payload.Text,
	})
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be 1-1000")
			return
		}
		limit = n
	}

	events, err := s.auditStore.List(r.Context(), q.Get("session_id"), q.Get("type"), time.Time{}, time.Time{}, limit)
	if err != nil {
		log.Error().Err(err).Msg("audit list failed")
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	valid, err := s.auditStore.Verify(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "audit event not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":    id,
		"valid": valid,
	})
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
