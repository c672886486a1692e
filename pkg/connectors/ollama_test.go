package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamb-project/lamb/pkg/config"
	"github.com/lamb-project/lamb/pkg/httpclient"
)

func newTestOllama(t *testing.T, baseURL string) *Ollama {
	t.Helper()
	cfg := config.OrgConfig{
		Setups: map[string]config.Setup{
			"default": {Providers: map[string]config.ProviderConfig{
				config.ProviderOllama: {
					Enabled:      true,
					BaseURL:      baseURL,
					DefaultModel: "llama3",
					Models:       []string{"llama3"},
				},
			}},
		},
	}
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)

	settings := &config.Settings{ProbeTimeout: 2 * time.Second}
	resolver := config.NewResolver(&fakeDirectory{name: "acme", raw: raw}, settings)
	pool := httpclient.NewPool(httpclient.WithPoolTimeout(5 * time.Second))
	t.Cleanup(pool.Close)
	return NewOllama(settings, resolver, pool)
}

func TestOllamaNonStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "llama3", payload["model"])
		assert.Equal(t, false, payload["stream"])

		fmt.Fprint(w, `{"model":"llama3","message":{"role":"assistant","content":"hola"},"done":true}`)
	}))
	defer server.Close()

	c := newTestOllama(t, server.URL)
	result, err := c.Complete(context.Background(), &Request{
		Owner:    "teacher@acme.edu",
		Model:    "llama3",
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	require.NotNil(t, result.Completion)
	assert.Equal(t, "hola", result.Completion.Choices[0].Message.Content)
	assert.Equal(t, -1, result.Completion.Usage.TotalTokens)
}

func TestOllamaStreamingReframed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"model":"llama3","message":{"role":"assistant","content":"Hel"},"done":false}`)
		fmt.Fprintln(w, `{"model":"llama3","message":{"role":"assistant","content":"lo"},"done":false}`)
		fmt.Fprintln(w, `{"model":"llama3","message":{"role":"assistant","content":""},"done":true}`)
	}))
	defer server.Close()

	c := newTestOllama(t, server.URL)
	result, err := c.Complete(context.Background(), &Request{
		Owner:    "teacher@acme.edu",
		Model:    "llama3",
		Stream:   true,
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	require.NotNil(t, result.Stream)

	var types []FrameType
	var content string
	for frame := range result.Stream {
		types = append(types, frame.Type)
		if frame.Type == FrameContent {
			content += frame.Content
		}
	}

	assert.Equal(t, "Hello", content)
	assert.Equal(t, []FrameType{FrameRole, FrameContent, FrameContent, FrameFinish, FrameDone}, types)
}

func TestOllamaUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":"model not found"}`)
	}))
	defer server.Close()

	c := newTestOllama(t, server.URL)
	_, err := c.Complete(context.Background(), &Request{
		Owner:    "teacher@acme.edu",
		Model:    "llama3",
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	require.Error(t, err)

	var ce *CompletionError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Message, "model not found")
}

func TestOllamaListModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		fmt.Fprint(w, `{"models":[{"name":"llama3"},{"name":"mistral"}]}`)
	}))
	defer server.Close()

	// Empty declared model list forces the /api/tags path.
	cfg := config.OrgConfig{
		Setups: map[string]config.Setup{
			"default": {Providers: map[string]config.ProviderConfig{
				config.ProviderOllama: {Enabled: true, BaseURL: server.URL},
			}},
		},
	}
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)

	settings := &config.Settings{ProbeTimeout: 2 * time.Second}
	resolver := config.NewResolver(&fakeDirectory{name: "acme", raw: raw}, settings)
	pool := httpclient.NewPool()
	t.Cleanup(pool.Close)

	c := NewOllama(settings, resolver, pool)
	models, err := c.ListModels(context.Background(), "teacher@acme.edu")
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3", "mistral"}, models)
}

func TestFlattenMessages(t *testing.T) {
	messages := []Message{
		{Role: "system", Content: "rules"},
		{Role: "user", Content: []ContentPart{
			{Type: "text", Text: "plain"},
			{Type: "image_url", ImageURL: &ImageURL{URL: "data:..."}},
		}},
	}

	out := flattenMessages(messages)
	require.Len(t, out, 2)
	assert.Equal(t, "rules", out[0].Content)
	assert.Equal(t, "plain", out[1].Content)
}

func TestOllamaOptionsMapping(t *testing.T) {
	options := ollamaOptions(map[string]any{
		"temperature": 0.2,
		"max_tokens":  64,
		"__internal":  "x",
		"model":       "override",
	})

	assert.Equal(t, 0.2, options["temperature"])
	assert.Equal(t, 64, options["num_predict"])
	if _, ok := options["__internal"]; ok {
		t.Error("internal keys must not reach the options map")
	}
}
