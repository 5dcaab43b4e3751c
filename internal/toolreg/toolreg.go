// Package toolreg implements the local Tool Registry: a mapping from tool
// name to {function, description, input_schema}.
package toolreg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/brightloop/agentcore/pkg/models"
)

// Func is a locally-registered tool implementation. Async Go functions are
// simply functions that block on channels/contexts internally; Execute
// always awaits them synchronously per §4.3.
type Func func(ctx context.Context, args map[string]any) (any, error)

// entry is one registered tool: its function, description, and compiled
// schema (compiled once at registration so validation is cheap per call).
type entry struct {
	fn          Func
	description string
	rawSchema   map[string]any
	compiled    *jsonschema.Schema
}

// Registry holds locally-registered tool functions with schemas.
// Registrations during operation are permitted but must be atomic (§5).
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*entry
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{tools: make(map[string]*entry)}
}

// ValidationError reports that supplied arguments did not satisfy a tool's
// input schema.
type ValidationError struct {
	ToolName string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation_error: tool %q: %s", e.ToolName, e.Reason)
}

// NotFoundError is returned by Execute when no tool is registered under the
// given name.
type NotFoundError struct{ ToolName string }

func (e *NotFoundError) Error() string { return fmt.Sprintf("tool_not_found: %q", e.ToolName) }

// Register adds or replaces a tool. Re-registration with the same name
// replaces the prior entry — idempotent-with-replace per §4.3.
func (r *Registry) Register(name, description string, schema map[string]any, fn Func) error {
	compiled, err := compileSchema(name, schema)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = &entry{fn: fn, description: description, rawSchema: schema, compiled: compiled}
	return nil
}

// Unregister removes a tool, if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// List returns all tool descriptors.
func (r *Registry) List() []models.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ToolDescriptor, 0, len(r.tools))
	for name, e := range r.tools {
		out = append(out, models.ToolDescriptor{Name: name, Description: e.description, InputSchema: e.rawSchema})
	}
	return out
}

// Lookup returns the descriptor for name, if registered.
func (r *Registry) Lookup(name string) (models.ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return models.ToolDescriptor{}, false
	}
	return models.ToolDescriptor{Name: name, Description: e.description, InputSchema: e.rawSchema}, true
}

// Execute synchronously invokes the named tool, validating args against its
// schema first. Missing required properties produce a *ValidationError;
// extra properties are permitted unless the schema itself forbids them.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{ToolName: name}
	}

	if e.compiled != nil {
		if err := validateArgs(e.compiled, args); err != nil {
			return nil, &ValidationError{ToolName: name, Reason: err.Error()}
		}
	}
	return e.fn(ctx, args)
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("toolreg: marshal schema for %q: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	const resourceName = "schema.json"
	if err := compiler.AddResource(resourceName, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("toolreg: add schema resource for %q: %w", name, err)
	}
	compiled, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("toolreg: compile schema for %q: %w", name, err)
	}
	return compiled, nil
}

func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	// jsonschema validates against any Go value built from JSON-compatible
	// types (map[string]any, []any, string, float64, bool, nil); args is
	// already in that shape.
	return schema.Validate(toInterfaceMap(args))
}

func toInterfaceMap(args map[string]any) any {
	if args == nil {
		return map[string]any{}
	}
	return args
}
