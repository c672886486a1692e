package connectors

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"github.com/lamb-project/lamb/pkg/config"
	"github.com/lamb-project/lamb/pkg/httpclient"
	"github.com/lamb-project/lamb/pkg/logger"
	"github.com/lamb-project/lamb/pkg/observability"
)

// Ollama adapts the native Ollama chat protocol (/api/chat JSON lines) to
// OpenAI-shaped completions and frames. Ollama does not report
// OpenAI-comparable token usage, so counts are -1.
type Ollama struct {
	settings *config.Settings
	resolver *config.Resolver
	pool     *httpclient.Pool
	logger   *slog.Logger
}

func NewOllama(settings *config.Settings, resolver *config.Resolver, pool *httpclient.Pool) *Ollama {
	return &Ollama{
		settings: settings,
		resolver: resolver,
		pool:     pool,
		logger:   logger.GetLogger("connectors.ollama"),
	}
}

func (c *Ollama) Name() string {
	return config.ProviderOllama
}

// ollamaMessage is the native chat message; content is always a string.
type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ollamaChunk is one line of a native chat response. The final line has
// Done set and carries timing fields we ignore.
type ollamaChunk struct {
	Model   string        `json:"model"`
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}

func (c *Ollama) Complete(ctx context.Context, req *Request) (*Result, error) {
	provider, err := c.resolver.ResolveProvider(ctx, req.Owner, config.ProviderOllama, req.UseSmallFastModel)
	if err != nil {
		return nil, err
	}
	if !provider.Enabled {
		return nil, NewConfigError("the Ollama provider is not enabled for this organization")
	}
	if provider.BaseURL == "" {
		return nil, NewConfigError("no Ollama base URL is configured for this organization")
	}

	model := req.Model
	if model == "" || (len(provider.Models) > 0 && !provider.HasModel(model)) {
		resolved, substituted, err := provider.ResolveModel(model)
		if err != nil {
			return nil, NewConfigError(err.Error())
		}
		if substituted {
			c.logger.Info("requested model not available, using default",
				"requested", model, "model", resolved, "org", provider.OrganizationName)
		}
		model = resolved
	}

	ctx, span := observability.GetTracer().Start(ctx, observability.SpanLLMRequest)
	defer span.End()
	span.SetAttributes(
		attribute.String(observability.AttrLLMProvider, config.ProviderOllama),
		attribute.String(observability.AttrLLMModel, model),
	)

	attempt := func(ctx context.Context, model string) (*Result, error) {
		return c.completeOnce(ctx, provider, model, req)
	}
	return withModelFallback(ctx, c.logger, provider, model, attempt)
}

func (c *Ollama) completeOnce(ctx context.Context, provider *config.ResolvedProvider, model string, req *Request) (*Result, error) {
	payload := map[string]any{
		"model":    model,
		"messages": flattenMessages(req.Messages),
		"stream":   req.Stream,
	}
	// Ollama takes sampling parameters under "options".
	if options := ollamaOptions(req.Body); len(options) > 0 {
		payload["options"] = options
	}

	resp, err := c.post(ctx, provider, "/api/chat", payload, model)
	if err != nil {
		return nil, err
	}

	if req.Stream {
		return &Result{Stream: c.streamFrames(resp, model)}, nil
	}

	defer resp.Body.Close()
	var chunk ollamaChunk
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		return nil, NewUpstreamError(model, provider.BaseURL, "failed to decode response: "+err.Error(), err)
	}
	if chunk.Error != "" {
		return nil, NewUpstreamError(model, provider.BaseURL, chunk.Error, nil)
	}

	completion := NewChatCompletion(model, chunk.Message.Content)
	completion.Usage = Usage{PromptTokens: -1, CompletionTokens: -1, TotalTokens: -1}
	return &Result{Completion: completion}, nil
}

func (c *Ollama) post(ctx context.Context, provider *config.ResolvedProvider, path string, payload map[string]any, model string) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", joinURL(provider.BaseURL, path), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}

	resp, err := c.pool.Get(provider.BaseURL).Do(httpReq)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, NewUpstreamError(model, provider.BaseURL,
				fmt.Sprintf("backend returned status %d: %s", resp.StatusCode, truncateText(string(body), 300)), err)
		}
		return nil, NewUpstreamError(model, provider.BaseURL, "backend request failed: "+err.Error(), err)
	}
	return resp, nil
}

// streamFrames re-frames native JSON-line chunks as an OpenAI-shaped
// stream: a role frame, content frames and a finish frame. The terminator
// is always emitted, even when the upstream stream breaks.
func (c *Ollama) streamFrames(resp *http.Response, model string) <-chan Frame {
	frames := make(chan Frame, 64)

	go func() {
		defer close(frames)
		defer resp.Body.Close()

		frames <- Frame{Type: FrameRole, Model: model}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var chunk ollamaChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				c.logger.Warn("skipping malformed chunk", "error", err)
				continue
			}
			if chunk.Error != "" {
				frames <- Frame{Type: FrameError, Err: NewUpstreamError(model, "", chunk.Error, nil), Model: model}
				break
			}
			if chunk.Message.Content != "" {
				frames <- Frame{Type: FrameContent, Content: chunk.Message.Content, Model: model}
			}
			if chunk.Done {
				break
			}
		}

		if err := scanner.Err(); err != nil {
			frames <- Frame{Type: FrameError, Err: NewUpstreamError(model, "", "stream interrupted: "+err.Error(), err), Model: model}
		}

		frames <- Frame{Type: FrameFinish, FinishReason: "stop", Model: model}
		frames <- Frame{Type: FrameDone}
	}()

	return frames
}

// ListModels queries the local model catalog via /api/tags.
func (c *Ollama) ListModels(ctx context.Context, owner string) ([]string, error) {
	provider, err := c.resolver.ResolveProvider(ctx, owner, config.ProviderOllama, false)
	if err != nil {
		return nil, err
	}
	if !provider.Enabled {
		return nil, NewConfigError("the Ollama provider is not enabled for this organization")
	}
	if len(provider.Models) > 0 {
		return provider.Models, nil
	}
	models, _, err := c.fetchTags(ctx, provider)
	return models, err
}

func (c *Ollama) fetchTags(ctx context.Context, provider *config.ResolvedProvider) ([]string, int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", joinURL(provider.BaseURL, "/api/tags"), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.pool.Get(provider.BaseURL).Do(httpReq)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			resp.Body.Close()
		}
		return nil, status, err
	}
	defer resp.Body.Close()

	var reply struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to decode tags response: %w", err)
	}

	models := make([]string, 0, len(reply.Models))
	for _, m := range reply.Models {
		models = append(models, m.Name)
	}
	return models, resp.StatusCode, nil
}

// StatusProbe checks server reachability via /api/tags.
func (c *Ollama) StatusProbe(ctx context.Context, owner string) (*ModelStatus, error) {
	provider, err := c.resolver.ResolveProvider(ctx, owner, config.ProviderOllama, false)
	if err != nil {
		return nil, err
	}
	if !provider.Enabled || provider.BaseURL == "" {
		return &ModelStatus{Status: "disabled"}, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.settings.ProbeTimeout)
	defer cancel()

	models, statusCode, err := c.fetchTags(probeCtx, provider)
	if err != nil {
		return &ModelStatus{Status: classifyProbeFailure(statusCode, err), Detail: err.Error()}, nil
	}
	return &ModelStatus{OK: true, Status: "ok", Models: len(models)}, nil
}

// flattenMessages converts OpenAI-shaped messages to native ones,
// collapsing multimodal content to its text parts.
func flattenMessages(messages []Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(messages))
	for _, msg := range messages {
		content, ok := msg.Content.(string)
		if !ok {
			content = TextContent(msg.Content)
		}
		out = append(out, ollamaMessage{Role: msg.Role, Content: content})
	}
	return out
}

// ollamaOptions maps the OpenAI sampling parameters Ollama understands.
func ollamaOptions(body map[string]any) map[string]any {
	options := map[string]any{}
	sanitized := SanitizeBody(body)
	if v, ok := sanitized["temperature"]; ok {
		options["temperature"] = v
	}
	if v, ok := sanitized["top_p"]; ok {
		options["top_p"] = v
	}
	if v, ok := sanitized["max_tokens"]; ok {
		options["num_predict"] = v
	}
	if v, ok := sanitized["stop"]; ok {
		options["stop"] = v
	}
	return options
}

// Ensure Ollama implements Connector.
var _ Connector = (*Ollama)(nil)
