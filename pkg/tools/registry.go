package tools

import (
	"fmt"

	"github.com/lamb-project/lamb/pkg/registry"
)

// Registry holds the process-wide tool table, initialized at startup.
// Capabilities granted to an assistant are the subset listed in its
// metadata's tools field.
type Registry struct {
	*registry.BaseRegistry[Entry]
}

func NewRegistry() *Registry {
	return &Registry{
		BaseRegistry: registry.NewBaseRegistry[Entry](),
	}
}

// RegisterTool adds a tool under its definition name.
func (r *Registry) RegisterTool(tool Tool, category string) error {
	if tool == nil {
		return fmt.Errorf("tool cannot be nil")
	}
	name := tool.Definition().Name
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	return r.Register(name, Entry{
		Tool:     tool,
		Name:     name,
		Category: category,
	})
}

// Definitions returns the definitions for the named tools, skipping
// unknown names.
func (r *Registry) Definitions(names []string) []Definition {
	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		if entry, ok := r.Get(name); ok {
			defs = append(defs, entry.Tool.Definition())
		}
	}
	return defs
}

// GetTool returns the tool by name.
func (r *Registry) GetTool(name string) (Tool, bool) {
	entry, ok := r.Get(name)
	if !ok {
		return nil, false
	}
	return entry.Tool, true
}
