package plan

import (
	"encoding/json"
	"fmt"

	"github.com/cordon-dev/cordon/internal/tools"
)

// Machine-readable reasons carried by InvalidPlanError. These are for logs
// and audit records only; user-facing replies stay generic.
const (
	ReasonMalformed      = "malformed"
	ReasonBadShape       = "bad_shape"
	ReasonUnknownTool    = "unknown_tool"
	ReasonSchemaMismatch = "schema_mismatch"
)

// InvalidPlanError reports why raw planner output was rejected.
type InvalidPlanError struct {
	Reason string
	Detail string
}

func (e *InvalidPlanError) Error() string {
	return fmt.Sprintf("invalid plan (%s): %s", e.Reason, e.Detail)
}

// rawPlan tolerates null/absent optional fields before strict checks run.
type rawPlan struct {
	Intent     *string     `json:"intent"`
	Slots      Slots       `json:"slots"`
	Missing    []string    `json:"missing"`
	ToolCalls  []rawCall   `json:"tool_calls"`
	Final      *string     `json:"final"`
	Confidence *float64    `json:"confidence"`
}

type rawCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Validate parses raw planner output and checks it against the plan contract
// and the tool registry: top-level shape, known intent, confidence bounds,
// allowlisted tool names, and per-tool argument schemas. It is pure, no
// tool ever executes here, and on failure returns an *InvalidPlanError
// whose Reason is machine-readable.
func Validate(raw []byte, reg *tools.Registry) (*Plan, error) {
	var rp rawPlan
	if err := json.Unmarshal(raw, &rp); err != nil {
		return nil, &InvalidPlanError{Reason: ReasonMalformed, Detail: err.Error()}
	}

	if rp.Intent == nil {
		return nil, &InvalidPlanError{Reason: ReasonBadShape, Detail: "intent is required"}
	}
	intent := Intent(*rp.Intent)
	if !validIntents[intent] {
		return nil, &InvalidPlanError{Reason: ReasonBadShape, Detail: fmt.Sprintf("unknown intent %q", *rp.Intent)}
	}

	if rp.Confidence == nil {
		return nil, &InvalidPlanError{Reason: ReasonBadShape, Detail: "confidence is required"}
	}
	if *rp.Confidence < 0 || *rp.Confidence > 1 {
		return nil, &InvalidPlanError{Reason: ReasonBadShape, Detail: fmt.Sprintf("confidence %v out of range", *rp.Confidence)}
	}

	for _, m := range rp.Missing {
		if !validMissing[m] {
			return nil, &InvalidPlanError{Reason: ReasonBadShape, Detail: fmt.Sprintf("unknown missing slot %q", m)}
		}
	}

	calls := make([]ToolCall, 0, len(rp.ToolCalls))
	for i, tc := range rp.ToolCalls {
		if tc.Name == "" {
			return nil, &InvalidPlanError{Reason: ReasonBadShape, Detail: fmt.Sprintf("tool call %d has no name", i)}
		}
		if _, err := reg.Lookup(tc.Name); err != nil {
			return nil, &InvalidPlanError{Reason: ReasonUnknownTool, Detail: tc.Name}
		}
		args := tc.Args
		if len(args) == 0 || string(args) == "null" {
			args = json.RawMessage(`{}`)
		}
		if err := reg.ValidateArgs(tc.Name, args); err != nil {
			return nil, &InvalidPlanError{Reason: ReasonSchemaMismatch, Detail: err.Error()}
		}
		calls = append(calls, ToolCall{Name: tc.Name, Args: args})
	}

	p := &Plan{
		Intent:     intent,
		Slots:      rp.Slots,
		Missing:    rp.Missing,
		ToolCalls:  calls,
		Confidence: *rp.Confidence,
	}
	if rp.Final != nil {
		p.Final = *rp.Final
	}
	return p, nil
}
