// Package connectors implements the per-backend completion adapters:
// OpenAI-compatible, Ollama-native and the Google GenAI image connector.
// Connectors bridge vendor-native protocols into OpenAI-shaped completions
// and SSE streams, apply the organization model-fallback ladder and drive
// the tool-call loop.
package connectors

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lamb-project/lamb/pkg/tools"
)

// Message is an OpenAI-shaped chat message. Content is either a string or
// a []ContentPart for multimodal messages.
type Message struct {
	Role       string     `json:"role"`
	Content    any        `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ContentPart is one element of a multimodal message content list.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

// TextContent extracts the plain-text portion of a message content value.
func TextContent(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []ContentPart:
		for _, part := range v {
			if part.Type == "text" {
				return part.Text
			}
		}
	case []any:
		for _, raw := range v {
			if m, ok := raw.(map[string]any); ok && m["type"] == "text" {
				if text, ok := m["text"].(string); ok {
					return text
				}
			}
		}
	}
	return ""
}

// HasImageContent reports whether any message carries an image part.
func HasImageContent(messages []Message) bool {
	for _, msg := range messages {
		switch v := msg.Content.(type) {
		case []ContentPart:
			for _, part := range v {
				if part.Type == "image_url" {
					return true
				}
			}
		case []any:
			for _, raw := range v {
				if m, ok := raw.(map[string]any); ok && m["type"] == "image_url" {
					return true
				}
			}
		}
	}
	return false
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCallDelta is one streamed tool-call fragment. Index is stable across
// deltas; ID and function name arrive once; arguments are concatenated.
type ToolCallDelta struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// Usage is OpenAI-shaped token accounting. Connectors that cannot know the
// counts report -1.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletion is the non-streaming response shape.
type ChatCompletion struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// NewChatCompletion builds a single-choice assistant completion.
func NewChatCompletion(model, content string) *ChatCompletion {
	return &ChatCompletion{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
	}
}

// Chunk is one streaming frame body (object "chat.completion.chunk").
type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason,omitempty"`
}

type Delta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

// FrameType tags stream frames. Streams are finite, single-pass sequences;
// the HTTP layer serializes each variant to SSE.
type FrameType string

const (
	// FrameRaw carries an upstream chunk verbatim (pass-through streaming).
	FrameRaw FrameType = "raw"
	// FrameRole opens the stream with delta.role = "assistant".
	FrameRole FrameType = "role"
	// FrameContent carries a content delta.
	FrameContent FrameType = "content"
	// FrameFinish carries an empty delta plus a finish_reason.
	FrameFinish FrameType = "finish"
	// FrameDone is the [DONE] terminator; always the last frame.
	FrameDone FrameType = "done"
	// FrameError carries a synthetic error delta (serialized as content).
	FrameError FrameType = "error"
)

// Frame is one element of a streamed response.
type Frame struct {
	Type         FrameType
	Raw          json.RawMessage
	Content      string
	FinishReason string
	Model        string
	Err          error
}

// Result is either a full completion or a lazy frame stream.
type Result struct {
	Completion *ChatCompletion
	Stream     <-chan Frame
}

// Request is the normalized completion request handed to a connector.
type Request struct {
	Messages []Message
	Stream   bool

	// Model is the requested upstream model (may be empty).
	Model string

	// Body carries client parameters to forward after hygiene filtering.
	Body map[string]any

	// Owner is the assistant owner email driving config resolution.
	Owner string

	// AssistantID is carried for logging and generated-image paths.
	AssistantID int64

	// CreatorUserID namespaces generated image files.
	CreatorUserID string

	Tools             []tools.Definition
	UseSmallFastModel bool
}

// ModelStatus is the outcome of the admin status probe.
type ModelStatus struct {
	OK         bool   `json:"ok"`
	Status     string `json:"status"`
	Detail     string `json:"detail,omitempty"`
	Models     int    `json:"models"`
	ChatTested bool   `json:"chat_tested"`
}

// Connector adapts one model backend.
type Connector interface {
	Name() string

	Complete(ctx context.Context, req *Request) (*Result, error)

	ListModels(ctx context.Context, owner string) ([]string, error)

	StatusProbe(ctx context.Context, owner string) (*ModelStatus, error)
}

// hostileKeyPrefix marks host-side internal body keys that are never
// forwarded upstream.
const hostileKeyPrefix = "__"

// reservedBodyKeys are controlled by the connector itself.
var reservedBodyKeys = map[string]bool{
	"model":    true,
	"messages": true,
	"stream":   true,
	"tools":    true,
}

// SanitizeBody returns body minus host-internal and reserved keys.
func SanitizeBody(body map[string]any) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		if len(k) >= 2 && k[:2] == hostileKeyPrefix {
			continue
		}
		if reservedBodyKeys[k] {
			continue
		}
		out[k] = v
	}
	return out
}
