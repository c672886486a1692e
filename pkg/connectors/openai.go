package connectors

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/lamb-project/lamb/pkg/config"
	"github.com/lamb-project/lamb/pkg/httpclient"
	"github.com/lamb-project/lamb/pkg/logger"
	"github.com/lamb-project/lamb/pkg/observability"
	"github.com/lamb-project/lamb/pkg/tools"
)

// maxToolIterations bounds the tool-call loop. When the model still asks
// for tools after the last round, one final call is made without tool
// definitions so it has to answer.
const maxToolIterations = 5

// visionDisclosure is prepended to the first user message when image
// content had to be dropped after an upstream rejection.
const visionDisclosure = "[Note: attached images were removed because the selected model could not process them] "

// OpenAI talks to any OpenAI-compatible chat completions backend. It owns
// the tool-call loop and the vision text-only fallback.
type OpenAI struct {
	settings *config.Settings
	resolver *config.Resolver
	pool     *httpclient.Pool
	tools    *tools.Registry
	logger   *slog.Logger
}

func NewOpenAI(settings *config.Settings, resolver *config.Resolver, pool *httpclient.Pool, toolRegistry *tools.Registry) *OpenAI {
	return &OpenAI{
		settings: settings,
		resolver: resolver,
		pool:     pool,
		tools:    toolRegistry,
		logger:   logger.GetLogger("connectors.openai"),
	}
}

func (c *OpenAI) Name() string {
	return config.ProviderOpenAI
}

func (c *OpenAI) Complete(ctx context.Context, req *Request) (*Result, error) {
	provider, err := c.resolver.ResolveProvider(ctx, req.Owner, config.ProviderOpenAI, req.UseSmallFastModel)
	if err != nil {
		return nil, err
	}
	if !provider.Enabled {
		return nil, NewConfigError("the OpenAI provider is not enabled for this organization")
	}
	if provider.APIKey == "" {
		return nil, NewConfigError("no OpenAI API key is configured for this organization")
	}

	model, substituted, err := provider.ResolveModel(req.Model)
	if err != nil {
		return nil, NewConfigError(err.Error())
	}
	if substituted {
		c.logger.Info("requested model not available, using default",
			"requested", req.Model, "model", model, "org", provider.OrganizationName)
	}

	ctx, span := observability.GetTracer().Start(ctx, observability.SpanLLMRequest)
	defer span.End()
	span.SetAttributes(
		attribute.String(observability.AttrLLMProvider, config.ProviderOpenAI),
		attribute.String(observability.AttrLLMModel, model),
	)

	attempt := func(ctx context.Context, model string) (*Result, error) {
		return c.completeOnce(ctx, provider, model, req.Messages, req)
	}

	result, err := withModelFallback(ctx, c.logger, provider, model, attempt)
	if err != nil && HasImageContent(req.Messages) {
		// Text-only retry: the model (or its fallback) rejected the
		// multimodal payload. Strip images once and disclose it.
		c.logger.Warn("vision request failed, retrying text-only",
			"model", model, "error", err)
		stripped := StripImages(req.Messages, visionDisclosure)
		return c.completeOnce(ctx, provider, model, stripped, req)
	}
	return result, err
}

// completeOnce issues one logical completion for a concrete model,
// dispatching on tool usage and streaming mode.
func (c *OpenAI) completeOnce(ctx context.Context, provider *config.ResolvedProvider, model string, messages []Message, req *Request) (*Result, error) {
	if len(req.Tools) > 0 {
		if req.Stream {
			return c.streamWithTools(ctx, provider, model, messages, req)
		}
		return c.completeWithTools(ctx, provider, model, messages, req)
	}

	if req.Stream {
		resp, err := c.postChat(ctx, provider, c.buildPayload(model, messages, req.Body, nil, true))
		if err != nil {
			return nil, err
		}
		return &Result{Stream: c.streamFrames(resp, model)}, nil
	}

	completion, err := c.chatOnce(ctx, provider, model, messages, req.Body, nil)
	if err != nil {
		return nil, err
	}
	return &Result{Completion: completion}, nil
}

// buildPayload assembles the upstream request body: sanitized client
// parameters first, controlled keys on top.
func (c *OpenAI) buildPayload(model string, messages []Message, body map[string]any, defs []tools.Definition, stream bool) map[string]any {
	payload := SanitizeBody(body)
	payload["model"] = model
	payload["messages"] = messages
	payload["stream"] = stream
	if len(defs) > 0 {
		specs := make([]map[string]any, 0, len(defs))
		for _, def := range defs {
			specs = append(specs, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        def.Name,
					"description": def.Description,
					"parameters":  def.Parameters,
				},
			})
		}
		payload["tools"] = specs
		payload["tool_choice"] = "auto"
	}
	return payload
}

// postChat issues the HTTP call and returns the open response on 2xx.
func (c *OpenAI) postChat(ctx context.Context, provider *config.ResolvedProvider, payload map[string]any) (*http.Response, error) {
	return c.post(ctx, provider, "/chat/completions", payload)
}

func (c *OpenAI) post(ctx context.Context, provider *config.ResolvedProvider, path string, payload map[string]any) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := joinURL(provider.BaseURL, path)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+provider.APIKey)
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}

	resp, err := c.pool.Get(provider.BaseURL).Do(httpReq)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			model, _ := payload["model"].(string)
			return nil, NewUpstreamError(model, provider.BaseURL,
				fmt.Sprintf("backend returned status %d: %s", resp.StatusCode, truncateText(string(body), 300)), err)
		}
		model, _ := payload["model"].(string)
		return nil, NewUpstreamError(model, provider.BaseURL, "backend request failed: "+err.Error(), err)
	}
	return resp, nil
}

// chatOnce performs one non-streaming chat call.
func (c *OpenAI) chatOnce(ctx context.Context, provider *config.ResolvedProvider, model string, messages []Message, body map[string]any, defs []tools.Definition) (*ChatCompletion, error) {
	resp, err := c.postChat(ctx, provider, c.buildPayload(model, messages, body, defs, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var completion ChatCompletion
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, NewUpstreamError(model, provider.BaseURL, "failed to decode backend response: "+err.Error(), err)
	}
	if len(completion.Choices) == 0 {
		return nil, NewUpstreamError(model, provider.BaseURL, "backend returned no choices", nil)
	}
	return &completion, nil
}

// completeWithTools runs the non-streaming tool loop.
func (c *OpenAI) completeWithTools(ctx context.Context, provider *config.ResolvedProvider, model string, messages []Message, req *Request) (*Result, error) {
	msgs := append([]Message(nil), messages...)

	for iteration := 0; iteration < maxToolIterations; iteration++ {
		completion, err := c.chatOnce(ctx, provider, model, msgs, req.Body, req.Tools)
		if err != nil {
			return nil, err
		}

		choice := completion.Choices[0]
		if len(choice.Message.ToolCalls) == 0 {
			return &Result{Completion: completion}, nil
		}

		c.logger.Debug("executing tool calls",
			"model", model, "iteration", iteration, "count", len(choice.Message.ToolCalls))
		msgs = append(msgs, choice.Message)
		msgs = append(msgs, c.executeToolCalls(ctx, choice.Message.ToolCalls)...)
	}

	// Loop exhausted: force a plain answer.
	completion, err := c.chatOnce(ctx, provider, model, msgs, req.Body, nil)
	if err != nil {
		return nil, err
	}
	return &Result{Completion: completion}, nil
}

// executeToolCalls runs the requested tools and returns their role "tool"
// reply messages. Failures are reported to the model as JSON error payloads
// rather than aborting the completion.
func (c *OpenAI) executeToolCalls(ctx context.Context, calls []ToolCall) []Message {
	replies := make([]Message, 0, len(calls))
	for _, call := range calls {
		replies = append(replies, Message{
			Role:       "tool",
			ToolCallID: call.ID,
			Name:       call.Function.Name,
			Content:    c.executeTool(ctx, call),
		})
	}
	return replies
}

func (c *OpenAI) executeTool(ctx context.Context, call ToolCall) string {
	ctx, span := observability.GetTracer().Start(ctx, observability.SpanToolCall)
	defer span.End()
	span.SetAttributes(attribute.String(observability.AttrToolName, call.Function.Name))

	tool, ok := c.tools.GetTool(call.Function.Name)
	if !ok {
		return toolError(fmt.Sprintf("unknown tool %q", call.Function.Name))
	}

	args := map[string]any{}
	if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			c.logger.Warn("malformed tool arguments", "tool", call.Function.Name, "error", err)
			args = map[string]any{}
		}
	}

	result, err := tool.Execute(ctx, args)
	if err != nil {
		c.logger.Warn("tool execution failed", "tool", call.Function.Name, "error", err)
		return toolError(err.Error())
	}
	return result
}

func toolError(message string) string {
	data, _ := json.Marshal(map[string]string{"error": message})
	return string(data)
}

// streamFrames forwards upstream SSE chunks verbatim until the [DONE]
// sentinel. Read errors surface as an in-band error frame.
func (c *OpenAI) streamFrames(resp *http.Response, model string) <-chan Frame {
	frames := make(chan Frame, 64)

	go func() {
		defer close(frames)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == doneSentinel {
				frames <- Frame{Type: FrameDone}
				return
			}
			frames <- Frame{Type: FrameRaw, Raw: json.RawMessage(payload), Model: model}
		}

		if err := scanner.Err(); err != nil {
			frames <- Frame{Type: FrameError, Err: NewUpstreamError(model, "", "stream interrupted: "+err.Error(), err), Model: model}
		}
		frames <- Frame{Type: FrameDone}
	}()

	return frames
}

// streamTurn is one consumed streaming response: buffered frames plus the
// tool calls assembled from its deltas.
type streamTurn struct {
	frames    []Frame
	toolCalls []ToolCall
	readErr   error
}

// collectTurn drains one streaming response, buffering raw frames and
// assembling tool-call deltas keyed by index.
func (c *OpenAI) collectTurn(resp *http.Response, model string) streamTurn {
	defer resp.Body.Close()

	var turn streamTurn
	pending := map[int]*ToolCall{}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == doneSentinel {
			break
		}

		turn.frames = append(turn.frames, Frame{Type: FrameRaw, Raw: json.RawMessage(payload), Model: model})

		var chunk Chunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil || len(chunk.Choices) == 0 {
			continue
		}
		for _, delta := range chunk.Choices[0].Delta.ToolCalls {
			call, ok := pending[delta.Index]
			if !ok {
				call = &ToolCall{Type: "function"}
				pending[delta.Index] = call
			}
			if delta.ID != "" {
				call.ID = delta.ID
			}
			if delta.Function.Name != "" {
				call.Function.Name = delta.Function.Name
			}
			call.Function.Arguments += delta.Function.Arguments
		}
	}
	turn.readErr = scanner.Err()

	for i := 0; i < len(pending); i++ {
		if call, ok := pending[i]; ok {
			turn.toolCalls = append(turn.toolCalls, *call)
		}
	}
	return turn
}

// streamWithTools runs the tool loop over streaming calls. Tool-call turns
// are consumed silently; the first turn without tool calls is replayed to
// the client as the response stream.
func (c *OpenAI) streamWithTools(ctx context.Context, provider *config.ResolvedProvider, model string, messages []Message, req *Request) (*Result, error) {
	msgs := append([]Message(nil), messages...)

	for iteration := 0; iteration < maxToolIterations; iteration++ {
		resp, err := c.postChat(ctx, provider, c.buildPayload(model, msgs, req.Body, req.Tools, true))
		if err != nil {
			return nil, err
		}

		turn := c.collectTurn(resp, model)
		if turn.readErr != nil && len(turn.frames) == 0 {
			return nil, NewUpstreamError(model, provider.BaseURL, "stream failed: "+turn.readErr.Error(), turn.readErr)
		}

		if len(turn.toolCalls) == 0 {
			return &Result{Stream: replayFrames(turn, model)}, nil
		}

		c.logger.Debug("executing streamed tool calls",
			"model", model, "iteration", iteration, "count", len(turn.toolCalls))
		msgs = append(msgs, Message{Role: "assistant", ToolCalls: turn.toolCalls})
		msgs = append(msgs, c.executeToolCalls(ctx, turn.toolCalls)...)
	}

	resp, err := c.postChat(ctx, provider, c.buildPayload(model, msgs, req.Body, nil, true))
	if err != nil {
		return nil, err
	}
	return &Result{Stream: c.streamFrames(resp, model)}, nil
}

// replayFrames re-emits a buffered turn as a live stream.
func replayFrames(turn streamTurn, model string) <-chan Frame {
	frames := make(chan Frame, len(turn.frames)+2)
	for _, frame := range turn.frames {
		frames <- frame
	}
	if turn.readErr != nil {
		frames <- Frame{Type: FrameError, Err: NewUpstreamError(model, "", "stream interrupted: "+turn.readErr.Error(), turn.readErr), Model: model}
	}
	frames <- Frame{Type: FrameDone}
	close(frames)
	return frames
}

// ListModels returns the models usable by the owner's organization. When
// the organization declares an explicit list it is authoritative; otherwise
// the backend's /models endpoint is consulted.
func (c *OpenAI) ListModels(ctx context.Context, owner string) ([]string, error) {
	provider, err := c.resolver.ResolveProvider(ctx, owner, config.ProviderOpenAI, false)
	if err != nil {
		return nil, err
	}
	if !provider.Enabled {
		return nil, NewConfigError("the OpenAI provider is not enabled for this organization")
	}
	if len(provider.Models) > 0 {
		return provider.Models, nil
	}
	models, _, err := c.fetchModels(ctx, provider)
	return models, err
}

func (c *OpenAI) fetchModels(ctx context.Context, provider *config.ResolvedProvider) ([]string, int, error) {
	url := joinURL(provider.BaseURL, "/models")
	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+provider.APIKey)

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
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to decode models response: %w", err)
	}

	models := make([]string, 0, len(reply.Data))
	for _, m := range reply.Data {
		models = append(models, m.ID)
	}
	return models, resp.StatusCode, nil
}

// StatusProbe checks reachability and key validity, then runs a one-token
// streaming chat to verify the completions path end to end.
func (c *OpenAI) StatusProbe(ctx context.Context, owner string) (*ModelStatus, error) {
	provider, err := c.resolver.ResolveProvider(ctx, owner, config.ProviderOpenAI, false)
	if err != nil {
		return nil, err
	}
	if !provider.Enabled {
		return &ModelStatus{Status: "disabled"}, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.settings.ProbeTimeout)
	defer cancel()

	models, statusCode, err := c.fetchModels(probeCtx, provider)
	if err != nil {
		return &ModelStatus{Status: classifyProbeFailure(statusCode, err), Detail: err.Error()}, nil
	}

	status := &ModelStatus{OK: true, Status: "ok", Models: len(models)}

	model, _, err := provider.ResolveModel("")
	if err != nil {
		if len(models) == 0 {
			status.Detail = "no models available for chat test"
			return status, nil
		}
		model = models[0]
	}

	if err := c.probeChat(probeCtx, provider, model); err != nil {
		status.OK = false
		status.Status = "chat_failed"
		status.Detail = err.Error()
		return status, nil
	}
	status.ChatTested = true
	return status, nil
}

// probeChat issues a single-token streaming completion and drains it.
func (c *OpenAI) probeChat(ctx context.Context, provider *config.ResolvedProvider, model string) error {
	payload := map[string]any{
		"model":      model,
		"messages":   []Message{{Role: "user", Content: "ping"}},
		"max_tokens": 1,
		"stream":     true,
	}
	resp, err := c.postChat(ctx, provider, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	return err
}

func classifyProbeFailure(statusCode int, err error) string {
	switch statusCode {
	case http.StatusUnauthorized:
		return "invalid_api_key"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusPaymentRequired:
		return "quota_exceeded"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "connection_error"
}

// StripImages rewrites multimodal messages as plain text, prefixing the
// first user message with the disclosure.
func StripImages(messages []Message, disclosure string) []Message {
	out := make([]Message, len(messages))
	disclosed := false
	for i, msg := range messages {
		flat := msg
		switch msg.Content.(type) {
		case []ContentPart, []any:
			flat.Content = TextContent(msg.Content)
		}
		if !disclosed && flat.Role == "user" {
			if text, ok := flat.Content.(string); ok {
				flat.Content = disclosure + text
				disclosed = true
			}
		}
		out[i] = flat
	}
	return out
}

func joinURL(base, path string) string {
	return strings.TrimSuffix(base, "/") + path
}

func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// Ensure OpenAI implements Connector.
var _ Connector = (*OpenAI)(nil)
