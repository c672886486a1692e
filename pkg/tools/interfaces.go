package tools

import (
	"context"
)

// Definition describes a tool to the model: name, description and a JSON
// Schema for its parameters.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Tool executes a named capability on behalf of the model. Execute returns
// the payload handed back to the model as the tool message content,
// conventionally a JSON string.
type Tool interface {
	Definition() Definition

	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Entry is a registered tool with its category.
type Entry struct {
	Tool     Tool
	Name     string
	Category string
}
