package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamb-project/lamb/pkg/config"
	"github.com/lamb-project/lamb/pkg/httpclient"
	"github.com/lamb-project/lamb/pkg/tools"
)

type fakeDirectory struct {
	name string
	raw  []byte
	err  error
}

func (d *fakeDirectory) OrganizationForOwner(ctx context.Context, email string) (string, []byte, error) {
	if d.err != nil {
		return "", nil, d.err
	}
	return d.name, d.raw, nil
}

func orgConfigJSON(t *testing.T, pc config.ProviderConfig) []byte {
	t.Helper()
	cfg := config.OrgConfig{
		Setups: map[string]config.Setup{
			"default": {Providers: map[string]config.ProviderConfig{config.ProviderOpenAI: pc}},
		},
	}
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	return raw
}

func newTestOpenAI(t *testing.T, pc config.ProviderConfig, toolRegistry *tools.Registry) *OpenAI {
	t.Helper()
	settings := &config.Settings{ProbeTimeout: 2 * time.Second}
	resolver := config.NewResolver(&fakeDirectory{name: "acme", raw: orgConfigJSON(t, pc)}, settings)
	pool := httpclient.NewPool(httpclient.WithPoolTimeout(5 * time.Second))
	t.Cleanup(pool.Close)
	if toolRegistry == nil {
		toolRegistry = tools.NewRegistry()
	}
	return NewOpenAI(settings, resolver, pool, toolRegistry)
}

type echoTool struct {
	lastArgs atomic.Value
	reply    string
}

func (e *echoTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "lookup",
		Description: "Look something up",
		Parameters:  map[string]any{"type": "object"},
	}
}

func (e *echoTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	e.lastArgs.Store(args)
	return e.reply, nil
}

func completionJSON(content string, toolCalls []ToolCall) string {
	completion := ChatCompletion{
		ID:      "chatcmpl-1",
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   "test-model",
		Choices: []Choice{{
			Message:      Message{Role: "assistant", Content: content, ToolCalls: toolCalls},
			FinishReason: "stop",
		}},
	}
	data, _ := json.Marshal(completion)
	return string(data)
}

func TestOpenAICompleteNonStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "test-model", payload["model"])
		assert.Equal(t, false, payload["stream"])

		fmt.Fprint(w, completionJSON("hi there", nil))
	}))
	defer server.Close()

	c := newTestOpenAI(t, config.ProviderConfig{
		Enabled:      true,
		APIKey:       "sk-test",
		BaseURL:      server.URL,
		DefaultModel: "test-model",
		Models:       []string{"test-model"},
	}, nil)

	result, err := c.Complete(context.Background(), &Request{
		Owner:    "teacher@acme.edu",
		Model:    "test-model",
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	require.NotNil(t, result.Completion)
	assert.Equal(t, "hi there", result.Completion.Choices[0].Message.Content)
}

func TestOpenAIRequestedModelSubstituted(t *testing.T) {
	var gotModel atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		gotModel.Store(payload["model"])
		fmt.Fprint(w, completionJSON("ok", nil))
	}))
	defer server.Close()

	c := newTestOpenAI(t, config.ProviderConfig{
		Enabled:      true,
		APIKey:       "sk-test",
		BaseURL:      server.URL,
		DefaultModel: "allowed-model",
		Models:       []string{"allowed-model"},
	}, nil)

	_, err := c.Complete(context.Background(), &Request{
		Owner:    "teacher@acme.edu",
		Model:    "forbidden-model",
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "allowed-model", gotModel.Load())
}

func TestOpenAIToolLoop(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch calls.Add(1) {
		case 1:
			assert.Contains(t, string(body), `"tools"`)
			fmt.Fprint(w, completionJSON("", []ToolCall{{
				ID:       "call_1",
				Type:     "function",
				Function: FunctionCall{Name: "lookup", Arguments: `{"q":"answer"}`},
			}}))
		default:
			// The second round must carry the tool reply.
			assert.Contains(t, string(body), `"role":"tool"`)
			assert.Contains(t, string(body), `"call_1"`)
			fmt.Fprint(w, completionJSON("the answer is 42", nil))
		}
	}))
	defer server.Close()

	tool := &echoTool{reply: `{"answer":"42"}`}
	toolRegistry := tools.NewRegistry()
	require.NoError(t, toolRegistry.RegisterTool(tool, "test"))

	c := newTestOpenAI(t, config.ProviderConfig{
		Enabled:      true,
		APIKey:       "sk-test",
		BaseURL:      server.URL,
		DefaultModel: "test-model",
		Models:       []string{"test-model"},
	}, toolRegistry)

	result, err := c.Complete(context.Background(), &Request{
		Owner:    "teacher@acme.edu",
		Model:    "test-model",
		Messages: []Message{{Role: "user", Content: "what is the answer?"}},
		Tools:    []tools.Definition{tool.Definition()},
	})
	require.NoError(t, err)
	require.NotNil(t, result.Completion)
	assert.Equal(t, "the answer is 42", result.Completion.Choices[0].Message.Content)
	assert.Equal(t, int32(2), calls.Load())

	args, ok := tool.lastArgs.Load().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "answer", args["q"])
}

func TestOpenAIStreamingPassThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	c := newTestOpenAI(t, config.ProviderConfig{
		Enabled:      true,
		APIKey:       "sk-test",
		BaseURL:      server.URL,
		DefaultModel: "test-model",
		Models:       []string{"test-model"},
	}, nil)

	result, err := c.Complete(context.Background(), &Request{
		Owner:    "teacher@acme.edu",
		Model:    "test-model",
		Stream:   true,
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	require.NotNil(t, result.Stream)

	var raws, dones int
	for frame := range result.Stream {
		switch frame.Type {
		case FrameRaw:
			raws++
		case FrameDone:
			dones++
		}
	}
	assert.Equal(t, 2, raws)
	assert.Equal(t, 1, dones)
}

func TestOpenAIStreamingToolLoop(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		if calls.Add(1) == 1 {
			// Tool-call deltas split across two chunks.
			fmt.Fprint(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"call_1\",\"type\":\"function\",\"function\":{\"name\":\"lookup\",\"arguments\":\"{\\\"q\\\":\"}}]}}]}\n\n")
			fmt.Fprint(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"\\\"x\\\"}\"}}]},\"finish_reason\":\"tool_calls\"}]}\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		fmt.Fprint(w, "data: {\"id\":\"c2\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"done\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	tool := &echoTool{reply: `{"value":"x"}`}
	toolRegistry := tools.NewRegistry()
	require.NoError(t, toolRegistry.RegisterTool(tool, "test"))

	c := newTestOpenAI(t, config.ProviderConfig{
		Enabled:      true,
		APIKey:       "sk-test",
		BaseURL:      server.URL,
		DefaultModel: "test-model",
		Models:       []string{"test-model"},
	}, toolRegistry)

	result, err := c.Complete(context.Background(), &Request{
		Owner:    "teacher@acme.edu",
		Model:    "test-model",
		Stream:   true,
		Messages: []Message{{Role: "user", Content: "look it up"}},
		Tools:    []tools.Definition{tool.Definition()},
	})
	require.NoError(t, err)
	require.NotNil(t, result.Stream)

	completion := CollectStream("test-model", result.Stream)
	assert.Equal(t, "done", completion.Choices[0].Message.Content)
	assert.Equal(t, int32(2), calls.Load())

	args, ok := tool.lastArgs.Load().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "x", args["q"])
}

func TestOpenAIModelFallback(t *testing.T) {
	var defaultCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		if payload["model"] == "flaky-model" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"message":"model offline"}}`)
			return
		}
		defaultCalls.Add(1)
		fmt.Fprint(w, completionJSON("fallback answer", nil))
	}))
	defer server.Close()

	c := newTestOpenAI(t, config.ProviderConfig{
		Enabled:      true,
		APIKey:       "sk-test",
		BaseURL:      server.URL,
		DefaultModel: "stable-model",
		Models:       []string{"flaky-model", "stable-model"},
	}, nil)

	result, err := c.Complete(context.Background(), &Request{
		Owner:    "teacher@acme.edu",
		Model:    "flaky-model",
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "fallback answer", result.Completion.Choices[0].Message.Content)
	assert.Equal(t, int32(1), defaultCalls.Load())
}

func TestOpenAIVisionTextOnlyFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), "image_url") {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"message":"images not supported"}}`)
			return
		}
		assert.Contains(t, string(body), "images were removed")
		fmt.Fprint(w, completionJSON("text only answer", nil))
	}))
	defer server.Close()

	c := newTestOpenAI(t, config.ProviderConfig{
		Enabled:      true,
		APIKey:       "sk-test",
		BaseURL:      server.URL,
		DefaultModel: "only-model",
		Models:       []string{"only-model"},
	}, nil)

	result, err := c.Complete(context.Background(), &Request{
		Owner: "teacher@acme.edu",
		Model: "only-model",
		Messages: []Message{{
			Role: "user",
			Content: []ContentPart{
				{Type: "text", Text: "describe this"},
				{Type: "image_url", ImageURL: &ImageURL{URL: "data:image/png;base64,AAAA"}},
			},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "text only answer", result.Completion.Choices[0].Message.Content)
}

func TestOpenAIDisabledProvider(t *testing.T) {
	c := newTestOpenAI(t, config.ProviderConfig{Enabled: false}, nil)

	_, err := c.Complete(context.Background(), &Request{
		Owner:    "teacher@acme.edu",
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	require.Error(t, err)

	var ce *CompletionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindConfig, ce.Kind)
}

func TestOpenAIStatusProbeInvalidKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid api key"}}`)
	}))
	defer server.Close()

	c := newTestOpenAI(t, config.ProviderConfig{
		Enabled: true,
		APIKey:  "sk-bad",
		BaseURL: server.URL,
		Models:  []string{"m"},
	}, nil)

	status, err := c.StatusProbe(context.Background(), "teacher@acme.edu")
	require.NoError(t, err)
	assert.False(t, status.OK)
	assert.Equal(t, "invalid_api_key", status.Status)
}

func TestStripImages(t *testing.T) {
	messages := []Message{
		{Role: "system", Content: "be helpful"},
		{Role: "user", Content: []ContentPart{
			{Type: "text", Text: "what is in the picture?"},
			{Type: "image_url", ImageURL: &ImageURL{URL: "data:image/png;base64,AAAA"}},
		}},
	}

	out := StripImages(messages, "[dropped] ")
	assert.Equal(t, "be helpful", out[0].Content)
	assert.Equal(t, "[dropped] what is in the picture?", out[1].Content)
	assert.False(t, HasImageContent(out))
}
