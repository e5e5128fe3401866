// Package tools holds the allowlist of capabilities the agent may invoke.
//
// Each tool is registered once at process start with a name, a JSON Schema
// for its arguments, a write/read classification, and an executor. The
// registry is frozen after startup wiring: dispatch is a lookup by name into
// an immutable map, never reflection over arbitrary callables, and no
// runtime registration from untrusted input is possible.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	ErrDuplicateTool  = errors.New("tool already registered")
	ErrUnknownTool    = errors.New("unknown tool")
	ErrRegistryFrozen = errors.New("registry is frozen")
)

// Executor runs a tool with schema-validated arguments.
type Executor func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Descriptor describes one registered capability.
type Descriptor struct {
	Name        string
	Description string
	Schema      json.RawMessage // JSON Schema for the argument object
	Write       bool            // true = external side effect, requires confirmation
	Execute     Executor

	compiled *jsonschema.Schema
}

// Registry is the closed set of callable tools. Append-only during startup,
// read-only after Freeze.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Descriptor
	frozen bool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Descriptor)}
}

// Register adds a tool to the registry, compiling its argument schema so the
// planner only ever sees real, enforceable schemas.
func (r *Registry) Register(d *Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("registering %q: %w", d.Name, ErrRegistryFrozen)
	}
	if d.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if d.Execute == nil {
		return fmt.Errorf("tool %q has no executor", d.Name)
	}
	if _, exists := r.tools[d.Name]; exists {
		return fmt.Errorf("registering %q: %w", d.Name, ErrDuplicateTool)
	}

	schema := d.Schema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object","additionalProperties":false}`)
		d.Schema = schema
	}
	compiler := jsonschema.NewCompiler()
	url := "tool://" + d.Name + "/args"
	if err := compiler.AddResource(url, bytes.NewReader(schema)); err != nil {
		return fmt.Errorf("schema for %q: %w", d.Name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("compiling schema for %q: %w", d.Name, err)
	}
	d.compiled = compiled

	r.tools[d.Name] = d
	return nil
}

// Freeze makes the registry read-only. Called once after startup wiring.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns the descriptor for name.
func (r *Registry) Lookup(name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return d, nil
}

// SchemaFor returns the argument schema for a tool, for exposure to the planner.
func (r *Registry) SchemaFor(name string) (json.RawMessage, error) {
	d, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	return d.Schema, nil
}

// ValidateArgs checks raw arguments against the tool's compiled schema.
func (r *Registry) ValidateArgs(name string, args json.RawMessage) error {
	d, err := r.Lookup(name)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var v interface{}
	if err := json.Unmarshal(args, &v); err != nil {
		return fmt.Errorf("args for %q are not valid JSON: %w", name, err)
	}
	if err := d.compiled.Validate(v); err != nil {
		return fmt.Errorf("args for %q: %w", name, err)
	}
	return nil
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Catalog renders the planner-facing tool catalog from the registered
// schemas. Argument names, types, and required flags come from the schemas
// themselves so the model cannot be misled by stale documentation.
func (r *Registry) Catalog() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		d := r.tools[name]
		scope := "read"
		confirmNote := ""
		if d.Write {
			scope = "write"
			confirmNote = " (requires confirmation)"
		}
		fmt.Fprintf(&b, "- %s (%s)%s: %s\n  %s\n", d.Name, scope, confirmNote, d.Description, describeArgs(d.Schema))
	}
	return strings.TrimRight(b.String(), "\n")
}

// describeArgs summarizes a JSON Schema's properties as one line.
func describeArgs(schema json.RawMessage) string {
	var s struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &s); err != nil || len(s.Properties) == 0 {
		return "args: (none)"
	}

	required := make(map[string]bool, len(s.Required))
	for _, name := range s.Required {
		required[name] = true
	}

	fields := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		fields = append(fields, name)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, name := range fields {
		meta := s.Properties[name]
		ftype := meta.Type
		if ftype == "" {
			ftype = "any"
		}
		req := "optional"
		if required[name] {
			req = "required"
		}
		if meta.Description != "" {
			parts = append(parts, fmt.Sprintf("%s:%s (%s) - %s", name, ftype, req, meta.Description))
		} else {
			parts = append(parts, fmt.Sprintf("%s:%s (%s)", name, ftype, req))
		}
	}
	return "args: " + strings.Join(parts, "; ")
}
