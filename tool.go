package loom

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ToolDefinition describes a tool to the planner model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ToolContext carries the per-invocation collaborators a tool may need:
// the owning execution and task ids, a logger, the event bus for
// tool.progress emission, and the repository.
type ToolContext struct {
	ExecutionID string
	TaskID      string
	Logger      *slog.Logger
	Events      *Bus
	Store       Store
}

// Progress publishes a tool.progress event for the running task. Safe to
// call with a nil bus (no-op), so tools work outside an executor too.
func (tc ToolContext) Progress(message string) {
	if tc.Events == nil {
		return
	}
	tc.Events.Publish(Event{
		Type:        EventToolProgress,
		ExecutionID: tc.ExecutionID,
		TaskID:      tc.TaskID,
		Message:     message,
	})
}

// Tool is one executable capability. Implementations must be safe for
// concurrent use; Execute must honor ctx cancellation.
type Tool interface {
	Definition() ToolDefinition
	Execute(ctx context.Context, tc ToolContext, input map[string]any) (Result, error)
}

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry maps tool names to implementations. Populate it during startup;
// it is read-only afterwards and therefore safe for concurrent lookups.
type Registry struct {
	tools map[string]registeredTool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registeredTool)}
}

// Add registers a tool. The tool's parameter schema is compiled here so that
// input validation at dispatch time cannot fail on a malformed schema.
// Duplicate names and uncompilable schemas are registration errors.
func (r *Registry) Add(t Tool) error {
	def := t.Definition()
	if def.Name == "" {
		return fmt.Errorf("tool with empty name")
	}
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %q already registered", def.Name)
	}

	schemaJSON := def.Parameters
	if len(schemaJSON) == 0 {
		schemaJSON = json.RawMessage(`{"type":"object"}`)
	}
	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return fmt.Errorf("tool %q: invalid parameter schema: %w", def.Name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(def.Name+".json", doc); err != nil {
		return fmt.Errorf("tool %q: add schema resource: %w", def.Name, err)
	}
	schema, err := c.Compile(def.Name + ".json")
	if err != nil {
		return fmt.Errorf("tool %q: compile schema: %w", def.Name, err)
	}

	r.tools[def.Name] = registeredTool{tool: t, schema: schema}
	return nil
}

// MustAdd is Add that panics on error, for static startup registration.
func (r *Registry) MustAdd(t Tool) {
	if err := r.Add(t); err != nil {
		panic(err)
	}
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	rt, ok := r.tools[name]
	return rt.tool, ok
}

// Definitions returns every registered definition, sorted by name so prompt
// rendering is deterministic.
func (r *Registry) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, rt := range r.tools {
		defs = append(defs, rt.tool.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// FilterByNames returns the definitions for the named tools, preserving the
// requested order and skipping unknown names.
func (r *Registry) FilterByNames(names []string) []ToolDefinition {
	var defs []ToolDefinition
	for _, name := range names {
		if rt, ok := r.tools[name]; ok {
			defs = append(defs, rt.tool.Definition())
		}
	}
	return defs
}

// Validate checks input against the named tool's parameter schema. The input
// is round-tripped through JSON first so plain Go values (typed slices,
// ints) validate the same as decoded JSON.
func (r *Registry) Validate(name string, input map[string]any) error {
	rt, ok := r.tools[name]
	if !ok {
		return Ef(KindToolNotFound, "tool %q is not registered", name)
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return Ew(KindInputInvalid, fmt.Sprintf("tool %q: input not serialisable", name), err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Ew(KindInputInvalid, fmt.Sprintf("tool %q: input not decodable", name), err)
	}
	if err := rt.schema.Validate(doc); err != nil {
		return Ew(KindInputInvalid, fmt.Sprintf("tool %q: input rejected by schema", name), err)
	}
	return nil
}
