// Package assistant loads assistant records, authorizes callers, applies
// the retrieval pipeline and dispatches to the configured connector.
package assistant

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/lamb-project/lamb/pkg/config"
)

// ragDisabled is the metadata value that switches retrieval off.
const ragDisabled = "no_rag"

// Capabilities are the assistant's declared modalities, surfaced on the
// models listing and used for connector routing.
type Capabilities struct {
	Vision          bool `mapstructure:"vision" json:"vision"`
	ImageGeneration bool `mapstructure:"image_generation" json:"image_generation"`
}

// Metadata is the structured configuration stored on an assistant row.
type Metadata struct {
	// Connector selects the provider adapter (openai, ollama, google).
	Connector string `mapstructure:"connector"`

	// Model is the upstream model requested from the provider.
	Model string `mapstructure:"llm"`

	// PreRetrievalPlugin transforms the incoming messages before retrieval.
	PreRetrievalPlugin string `mapstructure:"prompt_processor"`

	// RAGPlugin names the query plugin; "no_rag" or empty disables retrieval.
	RAGPlugin string `mapstructure:"rag_processor"`

	// PostRetrievalPlugin transforms the connector output per chunk.
	PostRetrievalPlugin string `mapstructure:"post_processor"`

	// Collections are the knowledge-base collections queried for context.
	Collections []string `mapstructure:"rag_collections"`

	TopK      int     `mapstructure:"rag_top_k"`
	Threshold float64 `mapstructure:"rag_threshold"`

	Tools        []string     `mapstructure:"tools"`
	Capabilities Capabilities `mapstructure:"capabilities"`
}

// SetDefaults fills the values the original rows commonly omit.
func (m *Metadata) SetDefaults() {
	if m.Connector == "" {
		if m.Capabilities.ImageGeneration {
			m.Connector = config.ProviderGoogle
		} else {
			m.Connector = config.ProviderOpenAI
		}
	}
	if m.TopK <= 0 {
		m.TopK = 3
	}
}

// RAGEnabled reports whether retrieval should run.
func (m *Metadata) RAGEnabled() bool {
	return m.RAGPlugin != "" && m.RAGPlugin != ragDisabled && len(m.Collections) > 0
}

// ParseMetadata decodes the stored metadata document. Unknown keys are
// ignored; stringly-typed numbers are coerced.
func ParseMetadata(raw []byte) (*Metadata, error) {
	doc := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse assistant metadata: %w", err)
		}
	}

	var meta Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &meta,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build metadata decoder: %w", err)
	}
	if err := decoder.Decode(doc); err != nil {
		return nil, fmt.Errorf("failed to decode assistant metadata: %w", err)
	}

	meta.SetDefaults()
	return &meta, nil
}
