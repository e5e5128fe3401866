// Package planner produces tool-call plans and user-facing replies from an
// OpenAI-compatible chat completion endpoint.
//
// The model proposes; it never executes. Plans come back as raw JSON and are
// only trusted after the plan validator accepts them.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	cordonotel "github.com/cordon-dev/cordon/internal/otel"
)

var tracer = cordonotel.Tracer("github.com/cordon-dev/cordon/internal/planner")

// Input is everything the planner sees for one turn.
type Input struct {
	Message        string
	SessionSummary string
	Catalog        string
}

// Planner proposes a plan for a turn. The returned JSON is untrusted until
// validated.
type Planner interface {
	Propose(ctx context.Context, in Input) (json.RawMessage, error)
}

// AnswerInput carries the material for composing a user-facing reply.
type AnswerInput struct {
	Message        string
	SessionSummary string
	Draft          string
	ToolResults    json.RawMessage
}

// Answerer rewrites a draft reply in a conversational register. Optional;
// when disabled the orchestrator sends the draft as-is.
type Answerer interface {
	Answer(ctx context.Context, in AnswerInput) (string, error)
}

// ValidateFunc checks a proposed plan; a non-nil error triggers one repair
// round-trip.
type ValidateFunc func(raw json.RawMessage) error

// LLMPlanner implements Planner and Answerer against an OpenAI-compatible
// endpoint.
type LLMPlanner struct {
	client   *openai.Client
	model    string
	timeout  time.Duration
	validate ValidateFunc
	schema   json.RawMessage
}

// New creates an LLMPlanner. baseURL may be empty for the default OpenAI
// endpoint; otherwise it is the full base including any /v1 path.
func New(baseURL, apiKey, model string, timeout time.Duration, schema json.RawMessage, validate ValidateFunc) *LLMPlanner {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &LLMPlanner{
		client:   openai.NewClientWithConfig(config),
		model:    model,
		timeout:  timeout,
		validate: validate,
		schema:   schema,
	}
}

const plannerSystemPrompt = `You are a planning module for a customer service agent.
Given the user message, conversation context, and the tool catalog, respond with
ONLY a JSON object matching this schema:

%s

Rules:
- intent is one of: identify, faq, read_data, write_action, unknown.
- Only reference tools from the catalog, with arguments matching their schemas.
- If a required slot is missing, list it in "missing" and leave tool_calls empty.
- Registration requests must use the register_customer tool.
- "final" is a short draft reply in the user's language.

Tool catalog:
%s`

// Propose asks the model for a plan. When the first response fails
// validation the model gets exactly one repair round-trip with the
// validation error; a second failure is returned to the caller.
func (p *LLMPlanner) Propose(ctx context.Context, in Input) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "planner.propose",
		trace.WithAttributes(attribute.String("gen_ai.request.model", p.model)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: fmt.Sprintf(plannerSystemPrompt, string(p.schema), in.Catalog),
		},
	}
	if in.SessionSummary != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: "Recent conversation:\n" + in.SessionSummary,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: in.Message,
	})

	raw, err := p.complete(ctx, messages)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if p.validate == nil {
		return raw, nil
	}
	validationErr := p.validate(raw)
	if validationErr == nil {
		return raw, nil
	}

	// One repair round-trip: show the model its output and the error.
	span.SetAttributes(attribute.Bool("planner.repair", true))
	messages = append(messages,
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: string(raw)},
		openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: fmt.Sprintf("That plan is invalid: %v. Respond again with ONLY a corrected JSON object.", validationErr),
		},
	)
	raw, err = p.complete(ctx, messages)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := p.validate(raw); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("plan invalid after repair: %w", err)
	}
	return raw, nil
}

const answererSystemPrompt = `You are the reply module for a customer service agent.
Rewrite the draft reply into a short, friendly message in the user's language.
Preserve every fact, identifier, and token exactly. Do not invent information.`

// Answer rewrites a draft reply. On any model failure the caller falls back
// to the draft.
func (p *LLMPlanner) Answer(ctx context.Context, in AnswerInput) (string, error) {
	ctx, span := tracer.Start(ctx, "planner.answer",
		trace.WithAttributes(attribute.String("gen_ai.request.model", p.model)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var b strings.Builder
	fmt.Fprintf(&b, "User message: %s\n", in.Message)
	if in.SessionSummary != "" {
		fmt.Fprintf(&b, "Recent conversation:\n%s\n", in.SessionSummary)
	}
	if len(in.ToolResults) > 0 {
		fmt.Fprintf(&b, "Tool results: %s\n", string(in.ToolResults))
	}
	fmt.Fprintf(&b, "Draft reply: %s", in.Draft)

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: answererSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: b.String()},
		},
		Temperature: 0.3,
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("answerer api call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("answerer api call: no choices returned")
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", fmt.Errorf("answerer api call: empty reply")
	}
	return out, nil
}

func (p *LLMPlanner) complete(ctx context.Context, messages []openai.ChatCompletionMessage) (json.RawMessage, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("planner api call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("planner api call: no choices returned")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	// Some models wrap JSON in a code fence despite the response format.
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	return json.RawMessage(strings.TrimSpace(content)), nil
}
