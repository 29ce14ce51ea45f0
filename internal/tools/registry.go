package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/rantslabs/rants/internal/errkind"
	"github.com/rantslabs/rants/pkg/models"
)

// Registry is the name→tool lookup. The set is fixed at startup and
// identical across sessions of a tenant.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	order    []string
	compiled map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its parameter schema. Registering a
// duplicate name or an invalid schema is a startup error.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(tool.Schema()))
	if err != nil {
		return fmt.Errorf("compile schema for %q: %w", name, err)
	}
	r.tools[name] = tool
	r.compiled[name] = compiled
	r.order = append(r.order, name)
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names lists registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Schemas lists the registered tool schemas in registration order.
func (r *Registry) Schemas() []models.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make([]models.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		schemas = append(schemas, models.ToolSchema{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	return schemas
}

// Digest returns the canonical digest of the registered schema set.
func (r *Registry) Digest() string {
	return models.ToolSchemaDigest(r.Schemas())
}

// Validate checks parameters against the named tool's schema.
func (r *Registry) Validate(name string, params json.RawMessage) error {
	r.mu.RLock()
	compiled, ok := r.compiled[name]
	r.mu.RUnlock()
	if !ok {
		return errkind.Newf(errkind.BadRequest, "unknown tool %q", name)
	}

	var decoded any
	if len(params) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(params, &decoded); err != nil {
		return errkind.Wrap(errkind.BadRequest, fmt.Sprintf("parameters for %q are not JSON", name), err)
	}
	if err := compiled.Validate(decoded); err != nil {
		return errkind.Wrap(errkind.BadRequest, fmt.Sprintf("parameters for %q failed validation", name), err)
	}
	return nil
}
