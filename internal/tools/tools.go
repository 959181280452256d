// Package tools provides the tool registry. Tools are registered once at
// startup and resolved by name at dispatch time; policy decisions operate on
// descriptors (names and group tags) only, never on handler references.
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
	// ErrNotFound indicates a requested tool doesn't exist.
	ErrNotFound = errors.New("tool not found")

	// ErrRegistrySealed indicates a registration after startup completed.
	ErrRegistrySealed = errors.New("registry sealed")

	// ErrDuplicateTool indicates a tool name was registered twice.
	ErrDuplicateTool = errors.New("duplicate tool name")
)

// Descriptor identifies a tool to the policy engine.
type Descriptor struct {
	// Name is the unique tool name.
	Name string `json:"name"`

	// Groups are the group tags the tool belongs to (e.g. "filesystem").
	Groups []string `json:"groups,omitempty"`
}

// HasGroup reports whether the descriptor carries the given group tag.
func (d Descriptor) HasGroup(group string) bool {
	for _, g := range d.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// Handler executes a tool call.
type Handler interface {
	// Name returns the unique tool name.
	Name() string

	// Description returns the tool description shown to the model.
	Description() string

	// Schema returns the JSON schema for the tool's input.
	Schema() map[string]any

	// Execute runs the tool with the given JSON input.
	Execute(ctx context.Context, input json.RawMessage) (string, error)
}

// Registry maps tool names to handlers. Registration happens during startup;
// Seal closes the registry before the first turn runs.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	groups   map[string][]string // tool name -> group tags
	sealed   bool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		groups:   make(map[string][]string),
	}
}

// Register adds a tool handler with its group tags. The handler's input
// schema is compiled eagerly so malformed schemas fail at startup rather
// than at dispatch time.
func (r *Registry) Register(h Handler, groups ...string) error {
	if h == nil {
		return errors.New("nil handler")
	}
	name := strings.TrimSpace(h.Name())
	if name == "" {
		return errors.New("empty tool name")
	}

	if err := validateSchema(name, h.Schema()); err != nil {
		return fmt.Errorf("tool %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return ErrRegistrySealed
	}
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}

	r.handlers[name] = h
	r.groups[name] = append([]string(nil), groups...)
	return nil
}

// Seal closes the registry for further registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Get resolves a handler by name.
func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return h, nil
}

// Descriptors returns all registered tools sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, Descriptor{
			Name:   name,
			Groups: append([]string(nil), r.groups[name]...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// validateSchema compiles the tool input schema.
func validateSchema(name string, schema map[string]any) error {
	if schema == nil {
		return nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	url := "loom://tools/" + name + "/schema.json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	if _, err := compiler.Compile(url); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return nil
}
