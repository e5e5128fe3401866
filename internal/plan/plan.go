// Package plan defines the structured output contract between the planner
// LLM and the orchestrator, and validates raw model output against it.
package plan

import "encoding/json"

// Intent classifies what the planner believes the user wants.
type Intent string

const (
	IntentIdentify    Intent = "identify"
	IntentFAQ         Intent = "faq"
	IntentReadData    Intent = "read_data"
	IntentWriteAction Intent = "write_action"
	IntentUnknown     Intent = "unknown"
)

// validIntents is the closed set the validator accepts.
var validIntents = map[Intent]bool{
	IntentIdentify:    true,
	IntentFAQ:         true,
	IntentReadData:    true,
	IntentWriteAction: true,
	IntentUnknown:     true,
}

// Slot names the planner may report as missing.
const (
	SlotCustomerRef = "customer_ref"
	SlotPeriod      = "period"
)

var validMissing = map[string]bool{
	SlotCustomerRef: true,
	SlotPeriod:      true,
}

// ToolCall is one ordered invocation request in a plan.
type ToolCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Slots carries the entities the planner extracted from the message.
type Slots struct {
	CustomerRef string                 `json:"customer_ref,omitempty"`
	Period      string                 `json:"period,omitempty"`
	Other       map[string]interface{} `json:"other,omitempty"`
}

// Plan is one validated planner output for a single turn. Immutable once
// validated; discarded after dispatch (it survives only in the audit log).
type Plan struct {
	Intent     Intent     `json:"intent"`
	Slots      Slots      `json:"slots"`
	Missing    []string   `json:"missing"`
	ToolCalls  []ToolCall `json:"tool_calls"`
	Final      string     `json:"final,omitempty"`
	Confidence float64    `json:"confidence"`
}

// Schema returns the JSON Schema for a plan, used in the planner prompt and
// the repair round-trip so the model is held to the exact shape the
// validator enforces.
func Schema() json.RawMessage {
	return json.RawMessage(`{
	"type": "object",
	"properties": {
		"intent": {"type": "string", "enum": ["identify", "faq", "read_data", "write_action", "unknown"]},
		"slots": {
			"type": "object",
			"properties": {
				"customer_ref": {"type": "string"},
				"period": {"type": "string"},
				"other": {"type": "object"}
			}
		},
		"missing": {"type": "array", "items": {"type": "string", "enum": ["customer_ref", "period"]}},
		"tool_calls": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"name": {"type": "string"},
					"args": {"type": "object"}
				},
				"required": ["name"]
			}
		},
		"final": {"type": ["string", "null"]},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1}
	},
	"required": ["intent", "confidence"]
}`)
}
