package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/aosgate/pkg/events"
	"github.com/harun/aosgate/pkg/faults"
)

// Parameter describes one tool argument.
type Parameter struct {
	Name        string        `json:"name"`
	Type        string        `json:"type"`
	Description string        `json:"description"`
	Required    bool          `json:"required"`
	Default     interface{}   `json:"default,omitempty"`
	Enum        []interface{} `json:"enum,omitempty"`
	// Items is the schema of array elements when Type is "array".
	Items map[string]interface{} `json:"items,omitempty"`
}

// Call is what a tool handler sees.
type Call struct {
	UserID        string
	CorrelationID string
	Args          map[string]interface{}
}

// Amount is the monetary value of a call, used for approval decisions.
type Amount struct {
	Value    float64
	Currency string
}

// Tool is an invocable operation.
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	// Mutating tools are deduplicated through the idempotency store.
	Mutating bool `json:"mutating"`

	Handler func(ctx context.Context, call Call) (interface{}, error) `json:"-"`
	// Value returns the amount that decides whether approval is needed.
	// Nil (or a nil Amount) means the call is never held for approval.
	Value func(ctx context.Context, call Call) (*Amount, error) `json:"-"`
	// Events returns the domain events to publish after success.
	Events func(call Call, result interface{}) []events.Event `json:"-"`
}

// Registry holds tools and their compiled argument schemas.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*Tool
	schemas map[string]*gojsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*Tool),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

var validTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

// Register adds a tool. Names are case-insensitive and must be unique.
func (r *Registry) Register(tool Tool) error {
	name := strings.ToLower(strings.TrimSpace(tool.Name))
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %s has no handler", name)
	}
	for _, p := range tool.Parameters {
		if p.Name == "" {
			return fmt.Errorf("tool %s has a parameter without a name", name)
		}
		if !validTypes[p.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", p.Type, p.Name)
		}
	}

	schema, err := compileSchema(tool.Parameters)
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	tool.Name = name
	r.tools[name] = &tool
	r.schemas[name] = schema
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Tool{}, false
	}
	return *tool, true
}

// List returns every registered tool sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, *tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate checks args against the tool's schema.
func (r *Registry) Validate(name string, args map[string]interface{}) error {
	r.mu.RLock()
	schema := r.schemas[strings.ToLower(strings.TrimSpace(name))]
	r.mu.RUnlock()

	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return faults.InvalidInput("arguments for %s could not be validated: %v", name, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return faults.InvalidInput("invalid arguments for %s: %s", name, strings.Join(msgs, "; "))
	}
	return nil
}

// InputSchema renders params as the JSON Schema document advertised to
// clients and used for validation.
func InputSchema(params []Parameter) map[string]interface{} {
	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           make(map[string]interface{}),
	}

	properties := schemaMap["properties"].(map[string]interface{})
	required := []string{}

	for _, param := range params {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		if len(param.Enum) > 0 {
			paramSchema["enum"] = param.Enum
		}
		if param.Type == "array" && param.Items != nil {
			paramSchema["items"] = param.Items
		}

		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	if len(required) > 0 {
		schemaMap["required"] = required
	}
	return schemaMap
}

func compileSchema(params []Parameter) (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(InputSchema(params)))
}
