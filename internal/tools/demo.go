package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Demo returns the starter tool set: three read tools and two write tools.
// Results are canned; the point is exercising the trust boundary, not the
// business logic behind it.
func Demo() []*Descriptor {
	return []*Descriptor{
		getHelpTool(),
		identifyCustomerTool(),
		getReportTool(),
		createTicketTool(),
		registerCustomerTool(),
	}
}

// RegisterDemo registers the demo tool set on reg.
func RegisterDemo(reg *Registry) error {
	for _, d := range Demo() {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// titleCase uppercases the first letter of each space-separated word.
func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func getHelpTool() *Descriptor {
	return &Descriptor{
		Name:        "get_help",
		Description: "Returns general help about what the agent can do.",
		Schema:      json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`),
		Execute: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			return json.Marshal(map[string]interface{}{
				"ok": true,
				"help": []string{
					"You can ask for: help, identifying a customer, a demo report, creating a ticket, or registering a customer (the last two require confirmation).",
					"Examples: 'help', 'identify Juan', 'report 2025-12 for customer 123', 'open a ticket about issue X'",
				},
			})
		},
	}
}

func identifyCustomerTool() *Descriptor {
	return &Descriptor{
		Name:        "identify_customer",
		Description: "Identifies a customer from free text (demo data).",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"customer_hint": {"type": "string", "description": "Any identifier or hint"}
			},
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in struct {
				CustomerHint string `json:"customer_hint"`
			}
			_ = json.Unmarshal(args, &in)
			hint := strings.TrimSpace(in.CustomerHint)
			if hint == "" {
				return json.Marshal(map[string]interface{}{"ok": true, "matched": false, "candidates": []string{}})
			}
			return json.Marshal(map[string]interface{}{
				"ok":      true,
				"matched": true,
				"customer": map[string]string{
					"id":      "CUST_001",
					"display": titleCase(hint),
				},
				"confidence": 0.72,
			})
		},
	}
}

func getReportTool() *Descriptor {
	return &Descriptor{
		Name:        "get_report",
		Description: "Returns a demo report. Demonstrates that numbers come only from tools.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"customer_ref": {"type": "string", "description": "Customer id or reference"},
				"period": {"type": "string", "description": "Period YYYY-MM"},
				"topic": {"type": "string", "description": "Demo topic"}
			},
			"required": ["customer_ref", "period"],
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in struct {
				CustomerRef string `json:"customer_ref"`
				Period      string `json:"period"`
				Topic       string `json:"topic"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("decoding report args: %w", err)
			}
			topic := in.Topic
			if topic == "" {
				topic = "summary"
			}
			return json.Marshal(map[string]interface{}{
				"ok":           true,
				"topic":        topic,
				"customer_ref": in.CustomerRef,
				"period":       in.Period,
				"values": map[string]interface{}{
					"metric_a": 123,
					"metric_b": 456,
					"note":     "demo values",
				},
			})
		},
	}
}

func createTicketTool() *Descriptor {
	return &Descriptor{
		Name:        "create_ticket",
		Description: "Creates a support ticket. Write action: requires two-step confirmation.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"title": {"type": "string", "description": "Short ticket title"},
				"detail": {"type": "string", "description": "Problem detail"}
			},
			"required": ["title", "detail"],
			"additionalProperties": false
		}`),
		Write: true,
		Execute: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in struct {
				Title string `json:"title"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("decoding ticket args: %w", err)
			}
			// Reaching here means the confirmation gate already passed.
			return json.Marshal(map[string]interface{}{
				"ok":        true,
				"ticket_id": "TCK-1001",
				"title":     in.Title,
				"status":    "created",
			})
		},
	}
}

func registerCustomerTool() *Descriptor {
	return &Descriptor{
		Name:        "register_customer",
		Description: "Registers a new customer. Write action: requires two-step confirmation.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"display_name": {"type": "string", "description": "Full name"},
				"email": {"type": "string", "description": "Contact email"},
				"phone": {"type": "string", "description": "Phone in international format"}
			},
			"required": ["display_name", "email"],
			"additionalProperties": false
		}`),
		Write: true,
		Execute: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in struct {
				DisplayName string `json:"display_name"`
				Email       string `json:"email"`
				Phone       string `json:"phone"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("decoding registration args: %w", err)
			}
			if !strings.Contains(in.Email, "@") {
				return nil, fmt.Errorf("invalid email %q", in.Email)
			}
			return json.Marshal(map[string]interface{}{
				"ok":           true,
				"customer_id":  "CUST_NEW_001",
				"display_name": in.DisplayName,
				"email":        in.Email,
				"status":       "registered",
			})
		},
	}
}
