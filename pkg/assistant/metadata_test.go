package assistant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetadataDefaults(t *testing.T) {
	meta, err := ParseMetadata(nil)
	require.NoError(t, err)
	assert.Equal(t, "openai", meta.Connector)
	assert.Equal(t, 3, meta.TopK)
	assert.False(t, meta.RAGEnabled())
}

func TestParseMetadataFull(t *testing.T) {
	raw := []byte(`{
		"connector": "ollama",
		"llm": "llama3",
		"prompt_processor": "simple_augment",
		"rag_processor": "simple_query",
		"rag_collections": ["docs", "faq"],
		"rag_top_k": 5,
		"rag_threshold": 0.4,
		"tools": ["get_weather"],
		"capabilities": {"vision": true, "image_generation": false}
	}`)

	meta, err := ParseMetadata(raw)
	require.NoError(t, err)
	assert.Equal(t, "ollama", meta.Connector)
	assert.Equal(t, "llama3", meta.Model)
	assert.Equal(t, []string{"docs", "faq"}, meta.Collections)
	assert.Equal(t, 5, meta.TopK)
	assert.InDelta(t, 0.4, meta.Threshold, 1e-9)
	assert.True(t, meta.Capabilities.Vision)
	assert.True(t, meta.RAGEnabled())
}

func TestParseMetadataImageCapabilityRoutesToGoogle(t *testing.T) {
	raw := []byte(`{"capabilities": {"image_generation": true}}`)
	meta, err := ParseMetadata(raw)
	require.NoError(t, err)
	assert.Equal(t, "google", meta.Connector)
}

func TestParseMetadataNoRAGSentinel(t *testing.T) {
	raw := []byte(`{"rag_processor": "no_rag", "rag_collections": ["docs"]}`)
	meta, err := ParseMetadata(raw)
	require.NoError(t, err)
	assert.False(t, meta.RAGEnabled())
}

func TestParseMetadataWeakTyping(t *testing.T) {
	// Legacy rows store numbers as strings.
	raw := []byte(`{"rag_top_k": "7"}`)
	meta, err := ParseMetadata(raw)
	require.NoError(t, err)
	assert.Equal(t, 7, meta.TopK)
}

func TestParseMetadataRejectsGarbage(t *testing.T) {
	_, err := ParseMetadata([]byte("{not json"))
	assert.Error(t, err)
}
