// Package tool defines the tool-invocation capability consumed by the step
// executor. Individual tool semantics (mail, calendar, browser control, ...)
// are opaque: the engine only needs pass/fail plus a payload.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cortexstack/memflow/llm"
	"github.com/cortexstack/memflow/types"
)

// Result is the structured outcome of a tool invocation.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Tool is an executable capability identified by name.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Invoke(ctx context.Context, arguments map[string]any) (*Result, error)
}

// Registry resolves tools by name.
type Registry interface {
	// Get returns a tool by name. Returns false if not registered.
	Get(name string) (Tool, bool)
	// Schemas returns the LLM schemas for the named tools. Unknown names are
	// skipped; an empty list returns every registered tool.
	Schemas(names []string) []llm.ToolSchema
	// Invoke looks up and executes a tool in one call.
	Invoke(ctx context.Context, name string, arguments map[string]any) (*Result, error)
}

// Selection picks how the step executor exposes tools to the model.
// The zero value is Auto: the model chooses among all allowed tools.
type Selection struct {
	forced string
}

// Auto lets the model choose among all allowed tools.
func Auto() Selection { return Selection{} }

// Forced restricts the step to a single named tool.
func Forced(name string) Selection { return Selection{forced: name} }

// IsAuto reports whether the model picks the tool.
func (s Selection) IsAuto() bool { return s.forced == "" }

// ToolName returns the forced tool name, or "" for Auto.
func (s Selection) ToolName() string { return s.forced }

// ParseSelection maps a planner tool field to a Selection. The legacy "auto"
// sentinel and the empty string both mean Auto.
func ParseSelection(name string) Selection {
	if name == "" || name == "auto" {
		return Auto()
	}
	return Forced(name)
}

// MapRegistry is a concurrency-safe in-memory Registry.
type MapRegistry struct {
	tools map[string]Tool
	mu    sync.RWMutex
}

// NewMapRegistry creates an empty MapRegistry.
func NewMapRegistry() *MapRegistry {
	return &MapRegistry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool.
func (r *MapRegistry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

func (r *MapRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func (r *MapRegistry) Schemas(names []string) []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(names) == 0 {
		names = make([]string, 0, len(r.tools))
		for name := range r.tools {
			names = append(names, name)
		}
	}

	schemas := make([]llm.ToolSchema, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		schemas = append(schemas, llm.ToolSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return schemas
}

func (r *MapRegistry) Invoke(ctx context.Context, name string, arguments map[string]any) (*Result, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, types.NewError(types.ErrToolNotFound, fmt.Sprintf("tool not registered: %s", name))
	}
	result, err := t.Invoke(ctx, arguments)
	if err != nil {
		return nil, fmt.Errorf("tool %q: %w", name, err)
	}
	return result, nil
}
