// Package agent contains the per-turn orchestrator: the trust boundary
// between untrusted model output and the registered tool set.
//
// The model only ever proposes. Every proposed tool call passes the plan
// validator, write-classified calls wait behind a single-use confirmation
// token, and every dispatch attempt lands in the audit log.
package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cordon-dev/cordon/internal/audit"
	"github.com/cordon-dev/cordon/internal/confirm"
	"github.com/cordon-dev/cordon/internal/dedupe"
	cordonotel "github.com/cordon-dev/cordon/internal/otel"
	"github.com/cordon-dev/cordon/internal/plan"
	"github.com/cordon-dev/cordon/internal/planner"
	"github.com/cordon-dev/cordon/internal/requestctx"
	"github.com/cordon-dev/cordon/internal/session"
	"github.com/cordon-dev/cordon/internal/tools"
)

var tracer = cordonotel.Tracer("github.com/cordon-dev/cordon/internal/agent")

// ErrFatalTool marks a tool failure that poisons the rest of the plan.
// Executors wrap their error with it when remaining calls must not run.
var ErrFatalTool = errors.New("fatal tool failure")

// Turn states, for log correlation.
const (
	stateReceived             = "RECEIVED"
	stateDedupeChecked        = "DEDUPE_CHECKED"
	stateContextBuilt         = "CONTEXT_BUILT"
	statePlanned              = "PLANNED"
	stateValidated            = "VALIDATED"
	stateAwaitingConfirmation = "AWAITING_CONFIRMATION"
	stateDispatching          = "DISPATCHING"
	stateResponded            = "RESPONDED"
	stateRejected             = "REJECTED"
)

// User-facing replies. Raw internal errors never reach the user.
const (
	replyRateLimited     = "You're sending messages too quickly. Please wait a moment and try again."
	replyDuplicate       = "I've already received that message."
	replyInfraFailure    = "Sorry, something went wrong on our side. Please try again."
	replyInvalidPlan     = "Sorry, I couldn't work out what you're asking for. Could you rephrase?"
	replyConfirmStale    = "That confirmation is no longer valid. Please restart the request."
	replyConfirmExpired  = "That confirmation has expired. Please restart the request."
	replyNoWriteAction   = "I couldn't map that request to an action I'm allowed to take."
	replyUseRegistration = "To register, I need to go through the registration flow. Please ask me to register you."
)

var confirmPattern = regexp.MustCompile(`(?i)^\s*(?:confirm|confirmar)\s+(\S+)\s*$`)

// Message is one inbound turn, channel-agnostic.
type Message struct {
	Channel   string
	SessionID string
	MessageID string
	Text      string
}

// Response is the assembled outcome of a turn.
type Response struct {
	Intent  plan.Intent                `json:"intent"`
	Reply   string                     `json:"reply"`
	Missing []string                   `json:"missing,omitempty"`
	Data    map[string]json.RawMessage `json:"data,omitempty"`
}

// Deps wires the orchestrator's collaborators. All fields except Answerer
// are required.
type Deps struct {
	Registry *tools.Registry
	Planner  planner.Planner
	Answerer planner.Answerer
	Sessions *session.Store
	Confirms *confirm.Store
	Dedupe   *dedupe.Store
	Audit    *audit.Store
	Limiter  *RateLimiter

	WriteTimeout time.Duration
	Logger       zerolog.Logger
}

// Orchestrator drives the per-turn state machine.
type Orchestrator struct {
	deps Deps
	log  zerolog.Logger
}

// New creates an orchestrator.
func New(deps Deps) *Orchestrator {
	return &Orchestrator{deps: deps, log: deps.Logger.With().Str("component", "orchestrator").Logger()}
}

// HandleMessage processes one turn end to end.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg *Message) (*Response, error) {
	ctx, span := tracer.Start(ctx, "agent.handle_message",
		trace.WithAttributes(
			attribute.String("channel", msg.Channel),
			attribute.String("session_id", msg.SessionID),
		))
	defer span.End()

	requestID := requestctx.RequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}
	log := o.log.With().
		Str("request_id", requestID).
		Str("channel", msg.Channel).
		Str("session_id", msg.SessionID).
		Logger()
	log.Debug().Str("state", stateReceived).Msg("turn started")

	if !o.deps.Limiter.Allow(msg.SessionID) {
		log.Warn().Str("state", stateRejected).Msg("session rate limited")
		return &Response{Intent: plan.IntentUnknown, Reply: replyRateLimited}, nil
	}

	// Mark before processing; the losing duplicate delivery stops here.
	marked := false
	if msg.MessageID != "" {
		first, err := o.deps.Dedupe.Mark(ctx, msg.Channel, msg.MessageID, hashText(msg.Text))
		if err != nil {
			log.Error().Err(err).Msg("dedupe mark failed")
			return &Response{Intent: plan.IntentUnknown, Reply: replyInfraFailure}, nil
		}
		if !first {
			log.Info().Str("state", stateDedupeChecked).Str("message_id", msg.MessageID).Msg("duplicate message dropped")
			return &Response{Intent: plan.IntentUnknown, Reply: replyDuplicate}, nil
		}
		marked = true
	}
	log.Debug().Str("state", stateDedupeChecked).Msg("dedupe passed")

	sess, err := o.deps.Sessions.Load(ctx, msg.SessionID)
	if err != nil {
		return o.failBeforeSideEffect(ctx, log, msg, marked, err, "session load failed")
	}
	log.Debug().Str("state", stateContextBuilt).Msg("session loaded")

	o.auditBestEffort(ctx, log, &audit.Event{
		RequestID: requestID,
		SessionID: msg.SessionID,
		Channel:   msg.Channel,
		Type:      audit.TypeIn,
		Payload:   jsonPayload(map[string]string{"text": msg.Text}),
	})

	if m := confirmPattern.FindStringSubmatch(msg.Text); m != nil {
		return o.handleConfirmation(ctx, log, requestID, msg, sess, m[1])
	}

	raw, err := o.deps.Planner.Propose(ctx, planner.Input{
		Message:        msg.Text,
		SessionSummary: sess.Summary(),
		Catalog:        o.deps.Registry.Catalog(),
	})
	if err != nil {
		o.auditBestEffort(ctx, log, &audit.Event{
			RequestID: requestID,
			SessionID: msg.SessionID,
			Channel:   msg.Channel,
			Type:      audit.TypeError,
			Outcome:   audit.OutcomeFailure,
			Payload:   jsonPayload(map[string]string{"stage": "planner"}),
		})
		return o.failBeforeSideEffect(ctx, log, msg, marked, err, "planner failed")
	}
	log.Debug().Str("state", statePlanned).Msg("plan proposed")

	pl, err := plan.Validate(raw, o.deps.Registry)
	if err != nil {
		var invalid *plan.InvalidPlanError
		reason := "unknown"
		if errors.As(err, &invalid) {
			reason = invalid.Reason
		}
		log.Warn().Str("state", stateRejected).Str("reason", reason).Msg("plan rejected")
		o.auditBestEffort(ctx, log, &audit.Event{
			RequestID: requestID,
			SessionID: msg.SessionID,
			Channel:   msg.Channel,
			Type:      audit.TypePlan,
			Outcome:   audit.OutcomeRejected,
			Payload:   jsonPayload(map[string]string{"reason": reason}),
		})
		return &Response{Intent: plan.IntentUnknown, Reply: replyInvalidPlan}, nil
	}
	log.Debug().Str("state", stateValidated).Str("intent", string(pl.Intent)).Msg("plan validated")
	o.auditBestEffort(ctx, log, &audit.Event{
		RequestID: requestID,
		SessionID: msg.SessionID,
		Channel:   msg.Channel,
		Type:      audit.TypePlan,
		Outcome:   audit.OutcomeSuccess,
		Payload:   raw,
	})

	if reply, rejected := o.applyGuardrails(msg, pl); rejected {
		log.Warn().Str("state", stateRejected).Str("intent", string(pl.Intent)).Msg("guardrail rejected plan")
		o.auditBestEffort(ctx, log, &audit.Event{
			RequestID: requestID,
			SessionID: msg.SessionID,
			Channel:   msg.Channel,
			Type:      audit.TypePlan,
			Outcome:   audit.OutcomeRejected,
			Payload:   jsonPayload(map[string]string{"reason": "guardrail"}),
		})
		return &Response{Intent: pl.Intent, Reply: reply}, nil
	}

	if len(pl.Missing) > 0 {
		reply := "To continue I still need: " + strings.Join(pl.Missing, ", ") + "."
		return o.respond(ctx, log, requestID, msg, sess, &Response{
			Intent:  pl.Intent,
			Reply:   reply,
			Missing: pl.Missing,
		})
	}

	if len(pl.ToolCalls) == 0 {
		reply := pl.Final
		if reply == "" {
			reply = replyInvalidPlan
		}
		reply = o.composeReply(ctx, log, msg, sess, reply, nil)
		return o.respond(ctx, log, requestID, msg, sess, &Response{Intent: pl.Intent, Reply: reply})
	}

	log.Debug().Str("state", stateDispatching).Int("tool_calls", len(pl.ToolCalls)).Msg("dispatching")
	data := make(map[string]json.RawMessage)
	for _, call := range pl.ToolCalls {
		desc, err := o.deps.Registry.Lookup(call.Name)
		if err != nil {
			// Validation already checked existence; a miss here is a bug.
			return nil, fmt.Errorf("validated tool vanished from registry: %w", err)
		}

		if desc.Write {
			token, err := o.deps.Confirms.Request(ctx, msg.SessionID, call.Name, call.Args)
			if err != nil {
				return o.failBeforeSideEffect(ctx, log, msg, marked, err, "confirmation request failed")
			}
			log.Info().Str("state", stateAwaitingConfirmation).Str("tool", call.Name).Msg("write gated behind confirmation")
			return o.respond(ctx, log, requestID, msg, sess, &Response{
				Intent: pl.Intent,
				Reply:  "confirm " + token,
				Data:   data,
			})
		}

		result, err := o.executeTool(ctx, desc, call.Args)
		o.auditBestEffort(ctx, log, &audit.Event{
			RequestID: requestID,
			SessionID: msg.SessionID,
			Channel:   msg.Channel,
			Type:      audit.TypeTool,
			ToolName:  call.Name,
			Outcome:   outcomeOf(err),
			Payload:   call.Args,
		})
		if err != nil {
			log.Warn().Err(err).Str("tool", call.Name).Msg("read tool failed")
			if errors.Is(err, ErrFatalTool) {
				break
			}
			continue
		}
		data[call.Name] = result
		absorbFacts(sess, result)
	}

	draft := pl.Final
	if draft == "" {
		draft = renderResults(pl.ToolCalls, data)
	}
	reply := o.composeReply(ctx, log, msg, sess, draft, data)
	return o.respond(ctx, log, requestID, msg, sess, &Response{Intent: pl.Intent, Reply: reply, Data: data})
}

// handleConfirmation runs the `confirm <token>` shortcut: no planning, no
// new tool selection, only the previously proposed write action.
func (o *Orchestrator) handleConfirmation(ctx context.Context, log zerolog.Logger, requestID string, msg *Message, sess *session.Session, token string) (*Response, error) {
	toolName, args, err := o.deps.Confirms.Redeem(ctx, msg.SessionID, token)
	if err != nil {
		reply := replyConfirmStale
		if errors.Is(err, confirm.ErrTokenExpired) {
			reply = replyConfirmExpired
		}
		log.Warn().Err(err).Str("state", stateRejected).Msg("confirmation redemption failed")
		o.auditBestEffort(ctx, log, &audit.Event{
			RequestID: requestID,
			SessionID: msg.SessionID,
			Channel:   msg.Channel,
			Type:      audit.TypeTool,
			Outcome:   audit.OutcomeRejected,
			Token:     token,
			Payload:   jsonPayload(map[string]string{"reason": err.Error()}),
		})
		return &Response{Intent: plan.IntentWriteAction, Reply: reply}, nil
	}

	desc, err := o.deps.Registry.Lookup(toolName)
	if err != nil {
		return nil, fmt.Errorf("confirmed tool missing from registry: %w", err)
	}

	// A write that cannot be audited does not run.
	if err := o.deps.Audit.Ready(ctx); err != nil {
		log.Error().Err(err).Msg("audit store unavailable, write blocked")
		return &Response{Intent: plan.IntentWriteAction, Reply: replyInfraFailure}, nil
	}

	log.Info().Str("state", stateDispatching).Str("tool", toolName).Msg("executing confirmed write")
	result, execErr := o.executeTool(ctx, desc, args)

	auditErr := o.deps.Audit.Record(ctx, &audit.Event{
		RequestID: requestID,
		SessionID: msg.SessionID,
		Channel:   msg.Channel,
		Type:      audit.TypeTool,
		ToolName:  toolName,
		Outcome:   outcomeOf(execErr),
		Confirmed: true,
		Token:     token,
		Payload:   args,
	})
	if auditErr != nil {
		log.Error().Err(auditErr).Msg("audit record failed for confirmed write")
	}

	if execErr != nil {
		log.Warn().Err(execErr).Str("tool", toolName).Msg("confirmed write failed")
		return &Response{Intent: plan.IntentWriteAction, Reply: replyInfraFailure}, nil
	}

	data := map[string]json.RawMessage{toolName: result}
	absorbFacts(sess, result)
	draft := "Done. " + toolName + " completed."
	reply := o.composeReply(ctx, log, msg, sess, draft, data)
	return o.respond(ctx, log, requestID, msg, sess, &Response{
		Intent: plan.IntentWriteAction,
		Reply:  reply,
		Data:   data,
	})
}

// applyGuardrails enforces plan-shape rules the validator cannot know about.
func (o *Orchestrator) applyGuardrails(msg *Message, pl *plan.Plan) (string, bool) {
	if pl.Intent == plan.IntentWriteAction && len(pl.ToolCalls) == 0 && len(pl.Missing) == 0 {
		return replyNoWriteAction, true
	}

	// Registration requests must route through the registration tool, never
	// an arbitrary write.
	if _, err := o.deps.Registry.Lookup("register_customer"); err == nil && looksLikeRegistration(msg.Text) {
		for _, call := range pl.ToolCalls {
			desc, err := o.deps.Registry.Lookup(call.Name)
			if err == nil && desc.Write && call.Name != "register_customer" {
				return replyUseRegistration, true
			}
		}
	}
	return "", false
}

func looksLikeRegistration(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range []string{"register", "sign me up", "sign up", "registrar", "registrarme"} {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// executeTool runs a descriptor's executor; writes get the configured
// execution timeout.
func (o *Orchestrator) executeTool(ctx context.Context, desc *tools.Descriptor, args json.RawMessage) (json.RawMessage, error) {
	if desc.Write && o.deps.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.deps.WriteTimeout)
		defer cancel()
	}
	return desc.Execute(ctx, args)
}

// respond persists the turn and records the OUT event.
func (o *Orchestrator) respond(ctx context.Context, log zerolog.Logger, requestID string, msg *Message, sess *session.Session, resp *Response) (*Response, error) {
	sess.History = append(sess.History, session.Turn{
		User:  msg.Text,
		Agent: resp.Reply,
		At:    time.Now().UTC(),
	})
	if err := o.deps.Sessions.Save(ctx, sess); err != nil {
		log.Error().Err(err).Msg("session save failed")
	}
	o.auditBestEffort(ctx, log, &audit.Event{
		RequestID: requestID,
		SessionID: msg.SessionID,
		Channel:   msg.Channel,
		Type:      audit.TypeOut,
		Payload:   jsonPayload(map[string]string{"reply": resp.Reply}),
	})
	log.Info().Str("state", stateResponded).Str("intent", string(resp.Intent)).Msg("turn completed")
	return resp, nil
}

// composeReply runs the answerer when enabled; any failure falls back to the
// deterministic draft.
func (o *Orchestrator) composeReply(ctx context.Context, log zerolog.Logger, msg *Message, sess *session.Session, draft string, data map[string]json.RawMessage) string {
	if o.deps.Answerer == nil {
		return draft
	}
	var results json.RawMessage
	if len(data) > 0 {
		results, _ = json.Marshal(data)
	}
	out, err := o.deps.Answerer.Answer(ctx, planner.AnswerInput{
		Message:        msg.Text,
		SessionSummary: sess.Summary(),
		Draft:          draft,
		ToolResults:    results,
	})
	if err != nil {
		log.Warn().Err(err).Msg("answerer failed, using draft reply")
		return draft
	}
	return out
}

// failBeforeSideEffect handles infrastructure failures that happen before
// anything observable ran: the dedupe mark is released so a redelivery can
// retry the turn.
func (o *Orchestrator) failBeforeSideEffect(ctx context.Context, log zerolog.Logger, msg *Message, marked bool, cause error, what string) (*Response, error) {
	log.Error().Err(cause).Msg(what)
	if marked {
		if err := o.deps.Dedupe.Release(ctx, msg.Channel, msg.MessageID); err != nil {
			log.Error().Err(err).Msg("dedupe release failed")
		}
	}
	return &Response{Intent: plan.IntentUnknown, Reply: replyInfraFailure}, nil
}

func (o *Orchestrator) auditBestEffort(ctx context.Context, log zerolog.Logger, ev *audit.Event) {
	if err := o.deps.Audit.Record(ctx, ev); err != nil {
		log.Warn().Err(err).Str("type", ev.Type).Msg("audit record failed")
	}
}

// absorbFacts lifts well-known identifiers out of tool results into session
// facts so later turns can resolve them without re-asking.
func absorbFacts(sess *session.Session, result json.RawMessage) {
	var fields map[string]any
	if err := json.Unmarshal(result, &fields); err != nil {
		return
	}
	for _, key := range []string{"customer_ref", "customer_id"} {
		if v, ok := fields[key].(string); ok && v != "" {
			sess.SetFact("customer_ref", v)
			return
		}
	}
	if cust, ok := fields["customer"].(map[string]any); ok {
		if v, ok := cust["id"].(string); ok && v != "" {
			sess.SetFact("customer_ref", v)
		}
	}
}

// renderResults builds the deterministic fallback reply from tool outputs,
// in plan order.
func renderResults(calls []plan.ToolCall, data map[string]json.RawMessage) string {
	var parts []string
	for _, call := range calls {
		if result, ok := data[call.Name]; ok {
			parts = append(parts, call.Name+": "+string(result))
		}
	}
	if len(parts) == 0 {
		return replyInfraFailure
	}
	return strings.Join(parts, "\n")
}

func outcomeOf(err error) string {
	if err != nil {
		return audit.OutcomeFailure
	}
	return audit.OutcomeSuccess
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func jsonPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
