// Package plugins hosts the knowledge-base ingestion and query plugins and
// the mode-gated registry they install into.
package plugins

import (
	"context"
	"strconv"

	"github.com/lamb-project/lamb/pkg/kb/chunking"
	"github.com/lamb-project/lamb/pkg/kb/embedders"
	"github.com/lamb-project/lamb/pkg/kb/vector"
)

// Reserved parameter keys the engine injects before invoking a plugin.
// They are never exposed in parameter catalogs.
const (
	ParamCollectionOwner = "collection_owner"
	ParamCollectionName  = "collection_name"
	ParamAPIKey          = "api_key"
)

// ProgressFunc reports plugin progress; the worker persists each call to
// the job row.
type ProgressFunc func(current, total int, message string)

// StatsFunc persists a processing-stats snapshot. Plugins call it after
// each stage so readers see stages as they complete.
type StatsFunc func(stats *ProcessingStats)

// Parameter describes one plugin parameter for the public catalog.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Default     any    `json:"default,omitempty"`
	Required    bool   `json:"required"`
}

// IngestInput carries everything an ingestion plugin needs for one job.
type IngestInput struct {
	// FilePath is the stored upload; empty for URL-based plugins.
	FilePath string

	// Params is the sanitized, engine-decorated parameter map.
	Params map[string]any

	Progress ProgressFunc
	Stats    StatsFunc
}

// IngestPlugin turns an input into chunks bound for the vector store.
type IngestPlugin interface {
	Name() string
	Description() string
	Parameters() []Parameter
	Ingest(ctx context.Context, in IngestInput) ([]chunking.Chunk, error)
}

// QueryInput carries one similarity query. The engine resolves the
// collection's store handle and embedder before dispatch.
type QueryInput struct {
	// Collection is the vector_store_uuid.
	Collection string
	QueryText  string
	TopK       int
	Threshold  float64
	Params     map[string]any

	Store    vector.Store
	Embedder embedders.Embedder
}

// QueryResult is one similarity hit in the public response shape.
type QueryResult struct {
	Similarity float64        `json:"similarity"`
	Data       string         `json:"data"`
	Metadata   map[string]any `json:"metadata"`
}

// QueryPlugin answers similarity queries against a collection.
type QueryPlugin interface {
	Name() string
	Description() string
	Parameters() []Parameter
	Query(ctx context.Context, in QueryInput) ([]QueryResult, error)
}

// Parameter maps arrive as loosely typed JSON; these helpers apply the
// same weak typing everywhere.

func paramString(params map[string]any, key, fallback string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

func paramInt(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func paramFloat(params map[string]any, key string, fallback float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func paramBool(params map[string]any, key string, fallback bool) bool {
	switch v := params[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// paramStrings accepts a []any, []string or single string value.
func paramStrings(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

// chunkingOptions decodes the shared chunking parameters.
func chunkingOptions(params map[string]any) chunking.Options {
	return chunking.Options{
		Strategy:          paramString(params, "chunking_strategy", ""),
		ChunkSize:         paramInt(params, "chunk_size", 0),
		ChunkOverlap:      paramInt(params, "chunk_overlap", -1),
		SplitterType:      paramString(params, "splitter_type", ""),
		PagesPerChunk:     paramInt(params, "pages_per_chunk", 0),
		SplitOnHeading:    paramInt(params, "split_on_heading", 0),
		ParentChunkSize:   paramInt(params, "parent_chunk_size", 0),
		ChildChunkSize:    paramInt(params, "child_chunk_size", 0),
		ChildChunkOverlap: paramInt(params, "child_chunk_overlap", -1),
		SplitByHeaders:    paramBool(params, "split_by_headers", false),
		IncludeOutline:    paramBool(params, "include_outline", false),
	}
}

// chunkingParameters is the shared catalog fragment for plugins that chunk.
func chunkingParameters() []Parameter {
	return []Parameter{
		{Name: "chunking_strategy", Type: "string", Description: "standard, by_page, by_section or hierarchical", Default: chunking.StrategyStandard},
		{Name: "chunk_size", Type: "integer", Description: "target chunk size in characters (tokens for the token splitter)", Default: 1000},
		{Name: "chunk_overlap", Type: "integer", Description: "overlap carried between adjacent chunks", Default: 200},
		{Name: "splitter_type", Type: "string", Description: "recursive, character or token (standard strategy)", Default: chunking.SplitterRecursive},
		{Name: "pages_per_chunk", Type: "integer", Description: "pages grouped per chunk (by_page strategy)", Default: 1},
		{Name: "split_on_heading", Type: "integer", Description: "heading level chunks are emitted at (by_section strategy)", Default: 2},
		{Name: "parent_chunk_size", Type: "integer", Description: "parent size (hierarchical strategy)", Default: 2000},
		{Name: "child_chunk_size", Type: "integer", Description: "child size (hierarchical strategy)", Default: 400},
		{Name: "child_chunk_overlap", Type: "integer", Description: "child overlap (hierarchical strategy)", Default: 50},
		{Name: "split_by_headers", Type: "boolean", Description: "split parents on headings (hierarchical strategy)", Default: false},
		{Name: "include_outline", Type: "boolean", Description: "append a document outline chunk (hierarchical strategy)", Default: false},
	}
}
