package flow

import (
	"context"
	"fmt"
	"sync"
)

// Tool names wired by the default graph.
const (
	ToolSearchTopServices    = "catalog.search_top_services"
	ToolValidateAvailability = "trinks.validate_availability"
)

// Tool executes one call_tool invocation. Args arrive with placeholders
// already resolved against the scope.
type Tool func(ctx context.Context, args map[string]any) (any, error)

// Registry maps tool names to implementations. Registration happens during
// wiring; lookups are concurrent-safe.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register installs a tool, replacing any previous one with the same name.
func (r *Registry) Register(name string, tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("flow: tool %q not registered", name)
	}
	return tool, nil
}

// Names lists the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}
