// Package tools holds the tools a task may call and enforces which of them are allowed.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/metalagman/planrun/internal/errs"
	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Spec describes a tool to the provider.
type Spec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	// SideEffect marks tools that commit an external effect.
	SideEffect bool `json:"side_effect"`
}

// Result is the structured outcome of a call.
type Result struct {
	Output        json.RawMessage `json:"output"`
	ArtifactBytes int64           `json:"artifact_bytes,omitempty"`
}

// Tool is one callable capability.
type Tool interface {
	Spec() Spec
	Call(ctx context.Context, args json.RawMessage) (Result, error)
}

type entry struct {
	tool   Tool
	spec   Spec
	schema *jsonschema.Schema
}

// Registry maps tool names to implementations and tracks the allowlist.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*entry
	allowed map[string]struct{}
}

// NewRegistry returns an empty registry that allows exactly the named tools.
func NewRegistry(allowed []string) *Registry {
	r := &Registry{
		tools:   make(map[string]*entry),
		allowed: make(map[string]struct{}, len(allowed)),
	}
	for _, name := range allowed {
		r.allowed[name] = struct{}{}
	}
	return r
}

// Register adds t. Registering a name twice is an error.
func (r *Registry) Register(t Tool) error {
	spec := t.Spec()
	if spec.Name == "" {
		return fmt.Errorf("tool has no name")
	}
	var schema *jsonschema.Schema
	if len(spec.Parameters) > 0 {
		var err error
		schema, err = compileSchema(spec.Name, spec.Parameters)
		if err != nil {
			return fmt.Errorf("tool %q: %w", spec.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[spec.Name]; ok {
		return fmt.Errorf("tool %q already registered", spec.Name)
	}
	r.tools[spec.Name] = &entry{tool: t, spec: spec, schema: schema}
	return nil
}

// Exists reports whether name is registered.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Allowed reports whether name is currently allow-listed. Existence is a
// separate question.
func (r *Registry) Allowed(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.allowed[name]
	return ok
}

// SetAllowed replaces the allowlist.
func (r *Registry) SetAllowed(names []string) {
	allowed := make(map[string]struct{}, len(names))
	for _, name := range names {
		allowed[name] = struct{}{}
	}
	r.mu.Lock()
	r.allowed = allowed
	r.mu.Unlock()
}

// Names lists registered tools in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Specs returns the specs of the named tools that exist and are allowed, in
// the given order.
func (r *Registry) Specs(names []string) []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(names))
	for _, name := range names {
		e, ok := r.tools[name]
		if !ok {
			continue
		}
		if _, ok := r.allowed[name]; !ok {
			continue
		}
		out = append(out, e.spec)
	}
	return out
}

// Invoke validates args and runs the named tool. It refuses to start once ctx
// is done. Errors are normalized: untyped tool failures become TOOL_FAILED.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (Result, error) {
	r.mu.RLock()
	e, exists := r.tools[name]
	_, allowed := r.allowed[name]
	r.mu.RUnlock()

	if !exists {
		return Result{}, errs.Newf(errs.ToolNotAllowed, "tool %q is not registered", name)
	}
	if !allowed {
		return Result{}, errs.Newf(errs.ToolNotAllowed, "tool %q is not allowed", name)
	}
	if ctx.Err() != nil {
		return Result{}, context.Cause(ctx)
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if e.schema != nil {
		var payload any
		if err := json.Unmarshal(args, &payload); err != nil {
			return Result{}, errs.Wrap(errs.ToolArgsInvalid, err, "tool "+name+": arguments are not valid json")
		}
		if err := e.schema.Validate(payload); err != nil {
			return Result{}, errs.Wrap(errs.ToolArgsInvalid, err, "tool "+name)
		}
	}

	res, err := e.tool.Call(ctx, args)
	if err != nil {
		if _, ok := errs.As(err); ok {
			return Result{}, err
		}
		if ctx.Err() != nil {
			return Result{}, context.Cause(ctx)
		}
		log.Debug().Err(err).Str("tool", name).Msg("tool call failed")
		return Result{}, errs.Wrap(errs.ToolFailed, err, "tool "+name)
	}
	return res, nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
