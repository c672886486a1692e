// Package embedders provides the embedding providers backing knowledge-base
// collections. A collection's embedding function is fixed at creation time:
// the vendor, model and dimension recorded then are used for every ingest
// and query afterwards.
package embedders

import (
	"context"
	"encoding/json"
	"fmt"
)

// Vendor names accepted in embeddings configs.
const (
	VendorOpenAI = "openai"
	VendorOllama = "ollama"
)

// Embedder turns text into vectors. Implementations are safe for
// concurrent use.
type Embedder interface {
	// Embed returns the vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per input text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Model is the embedding model identifier.
	Model() string

	// Dimensions is the vector dimension this embedder produces.
	Dimensions() int

	// Vendor reports the provider family ("openai", "ollama").
	Vendor() string
}

// Config is the embedding function of one collection. New collections
// reference a named setup that resolves to these fields; legacy collections
// store the document inline. Either way the decoded form is identical.
type Config struct {
	Vendor     string `json:"vendor" mapstructure:"vendor"`
	Model      string `json:"model" mapstructure:"model"`
	APIKey     string `json:"api_key,omitempty" mapstructure:"api_key"`
	BaseURL    string `json:"base_url,omitempty" mapstructure:"base_url"`
	Dimensions int    `json:"dimensions,omitempty" mapstructure:"dimensions"`
}

// SetDefaults fills vendor-specific defaults for missing fields.
func (c *Config) SetDefaults() {
	if c.Vendor == "" {
		c.Vendor = VendorOpenAI
	}
	switch c.Vendor {
	case VendorOpenAI:
		if c.Model == "" {
			c.Model = defaultOpenAIModel
		}
		if c.BaseURL == "" {
			c.BaseURL = defaultOpenAIBaseURL
		}
		if c.Dimensions <= 0 {
			c.Dimensions = openAIModelDimensions(c.Model)
		}
	case VendorOllama:
		if c.Model == "" {
			c.Model = defaultOllamaModel
		}
		if c.BaseURL == "" {
			c.BaseURL = defaultOllamaBaseURL
		}
		if c.Dimensions <= 0 {
			c.Dimensions = defaultOllamaDimensions
		}
	}
}

// ParseConfig decodes an inline embeddings document as stored on legacy
// collection rows.
func ParseConfig(raw json.RawMessage) (Config, error) {
	var cfg Config
	if len(raw) == 0 {
		cfg.SetDefaults()
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse embeddings config: %w", err)
	}
	cfg.SetDefaults()
	return cfg, nil
}
