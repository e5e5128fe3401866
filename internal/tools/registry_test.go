package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopExecutor(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}

func TestRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(&Descriptor{
		Name:        "echo",
		Description: "echoes",
		Execute:     noopExecutor,
	})
	require.NoError(t, err)

	d, err := reg.Lookup("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", d.Name)
	assert.False(t, d.Write)
}

func TestRegisterDuplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Descriptor{Name: "echo", Execute: noopExecutor}))

	err := reg.Register(&Descriptor{Name: "echo", Execute: noopExecutor})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateTool)
}

func TestLookupUnknown(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Lookup("nope")
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestFreezeRejectsLateRegistration(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Descriptor{Name: "echo", Execute: noopExecutor}))
	reg.Freeze()

	err := reg.Register(&Descriptor{Name: "late", Execute: noopExecutor})
	assert.ErrorIs(t, err, ErrRegistryFrozen)

	// Existing tools stay resolvable.
	_, err = reg.Lookup("echo")
	assert.NoError(t, err)
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(&Descriptor{
		Name:    "broken",
		Schema:  json.RawMessage(`{"type": 42}`),
		Execute: noopExecutor,
	})
	require.Error(t, err)
}

func TestValidateArgs(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Descriptor{
		Name: "report",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"customer_ref": {"type": "string"},
				"period": {"type": "string"}
			},
			"required": ["customer_ref", "period"],
			"additionalProperties": false
		}`),
		Execute: noopExecutor,
	}))

	assert.NoError(t, reg.ValidateArgs("report", json.RawMessage(`{"customer_ref":"C1","period":"2025-12"}`)))

	err := reg.ValidateArgs("report", json.RawMessage(`{"customer_ref":"C1"}`))
	assert.Error(t, err, "missing required field should fail")

	err = reg.ValidateArgs("report", json.RawMessage(`{"customer_ref":"C1","period":"2025-12","extra":1}`))
	assert.Error(t, err, "undeclared field should fail")

	err = reg.ValidateArgs("report", json.RawMessage(`{"customer_ref":7,"period":"2025-12"}`))
	assert.Error(t, err, "type mismatch should fail")

	err = reg.ValidateArgs("nope", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestCatalogRendersFromSchemas(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterDemo(reg))
	reg.Freeze()

	catalog := reg.Catalog()
	assert.Contains(t, catalog, "create_ticket (write) (requires confirmation)")
	assert.Contains(t, catalog, "identify_customer (read)")
	assert.Contains(t, catalog, "customer_ref:string (required)")
	assert.Contains(t, catalog, "topic:string (optional)")
}

func TestDemoToolsExecute(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterDemo(reg))
	ctx := context.Background()

	d, err := reg.Lookup("identify_customer")
	require.NoError(t, err)
	out, err := d.Execute(ctx, json.RawMessage(`{"customer_hint":"juan perez"}`))
	require.NoError(t, err)

	var res struct {
		OK      bool `json:"ok"`
		Matched bool `json:"matched"`
	}
	require.NoError(t, json.Unmarshal(out, &res))
	assert.True(t, res.OK)
	assert.True(t, res.Matched)

	d, err = reg.Lookup("register_customer")
	require.NoError(t, err)
	assert.True(t, d.Write)
	_, err = d.Execute(ctx, json.RawMessage(`{"display_name":"Juan","email":"not-an-email"}`))
	assert.Error(t, err)
}
