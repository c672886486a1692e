package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/lamb-project/lamb/pkg/connectors"
	"github.com/lamb-project/lamb/pkg/database"
	"github.com/lamb-project/lamb/pkg/logger"
	"github.com/lamb-project/lamb/pkg/observability"
	"github.com/lamb-project/lamb/pkg/tools"
)

var (
	// ErrNotFound covers unknown and soft-deleted assistants.
	ErrNotFound = errors.New("assistant not found")

	// ErrForbidden is returned when the caller is neither owner, admin nor
	// share target.
	ErrForbidden = errors.New("not authorized for this assistant")
)

// Caller identifies who is asking for a completion. An empty Email means
// the request was authenticated with the process API key alone (host
// platform traffic) and is trusted.
type Caller struct {
	Email   string
	IsAdmin bool
}

// RetrievedChunk is one similarity-query hit spliced into the prompt.
type RetrievedChunk struct {
	Similarity float64        `json:"similarity"`
	Data       string         `json:"data"`
	Metadata   map[string]any `json:"metadata"`
}

// Retriever runs a knowledge-base query plugin. Implemented by pkg/kb.
type Retriever interface {
	Query(ctx context.Context, plugin, collection, queryText string, params map[string]any) ([]RetrievedChunk, error)
}

// PrePlugin rewrites the incoming messages before retrieval.
type PrePlugin func(ctx context.Context, messages []connectors.Message) ([]connectors.Message, error)

// PostPlugin rewrites output content chunk by chunk.
type PostPlugin func(chunk string) string

// Executor runs the completion pipeline for one assistant.
type Executor struct {
	store      *database.Store
	connectors *connectors.Registry
	tools      *tools.Registry
	retriever  Retriever
	pre        map[string]PrePlugin
	post       map[string]PostPlugin
	logger     *slog.Logger
}

func NewExecutor(store *database.Store, connectorRegistry *connectors.Registry, toolRegistry *tools.Registry, retriever Retriever) *Executor {
	return &Executor{
		store:      store,
		connectors: connectorRegistry,
		tools:      toolRegistry,
		retriever:  retriever,
		pre:        map[string]PrePlugin{},
		post:       map[string]PostPlugin{},
		logger:     logger.GetLogger("assistant.executor"),
	}
}

// RegisterPrePlugin adds a named message pre-processor.
func (e *Executor) RegisterPrePlugin(name string, fn PrePlugin) {
	e.pre[name] = fn
}

// RegisterPostPlugin adds a named output post-processor.
func (e *Executor) RegisterPostPlugin(name string, fn PostPlugin) {
	e.post[name] = fn
}

// Load fetches an assistant and checks the caller's access.
func (e *Executor) Load(ctx context.Context, assistantID int64, caller Caller) (*database.Assistant, error) {
	a, err := e.store.GetAssistant(ctx, assistantID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if a.Deleted {
		return nil, ErrNotFound
	}
	if err := e.authorize(ctx, a, caller); err != nil {
		return nil, err
	}
	return a, nil
}

func (e *Executor) authorize(ctx context.Context, a *database.Assistant, caller Caller) error {
	if caller.IsAdmin || caller.Email == "" || caller.Email == a.Owner {
		return nil
	}

	user, err := e.store.GetCreatorUserByEmail(ctx, caller.Email)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ErrForbidden
		}
		return err
	}
	shared, err := e.store.IsSharedWith(ctx, a.ID, user.ID)
	if err != nil {
		return err
	}
	if !shared {
		return ErrForbidden
	}
	return nil
}

// Execute runs the pipeline: load and authorize, pre-retrieval, retrieval
// and prompt assembly, connector dispatch, post-retrieval wrapping.
// Connector failures come back as marker-prefixed completions, not errors.
func (e *Executor) Execute(ctx context.Context, assistantID int64, caller Caller, req *connectors.Request) (*connectors.Result, error) {
	a, err := e.Load(ctx, assistantID, caller)
	if err != nil {
		return nil, err
	}

	meta, err := ParseMetadata(a.Metadata)
	if err != nil {
		return nil, err
	}

	ctx, span := observability.GetTracer().Start(ctx, observability.SpanAssistantRun)
	defer span.End()
	span.SetAttributes(
		attribute.Int64(observability.AttrAssistant, a.ID),
		attribute.String(observability.AttrLLMProvider, meta.Connector),
	)

	messages := req.Messages
	if meta.PreRetrievalPlugin != "" {
		if fn, ok := e.pre[meta.PreRetrievalPlugin]; ok {
			messages, err = fn(ctx, messages)
			if err != nil {
				return nil, fmt.Errorf("pre-retrieval plugin %q failed: %w", meta.PreRetrievalPlugin, err)
			}
		} else {
			e.logger.Warn("unknown pre-retrieval plugin", "plugin", meta.PreRetrievalPlugin, "assistant", a.ID)
		}
	}

	messages = e.assemblePrompt(ctx, a, meta, messages)

	dispatch := &connectors.Request{
		Messages:      messages,
		Stream:        req.Stream,
		Model:         meta.Model,
		Body:          req.Body,
		Owner:         a.Owner,
		AssistantID:   a.ID,
		CreatorUserID: e.creatorUserID(ctx, a.Owner),
		Tools:         e.tools.Definitions(meta.Tools),
	}

	connector, err := e.connectors.ForProvider(meta.Connector)
	if err != nil {
		return connectors.ErrorResult(meta.Model, req.Stream, connectors.NewConfigError(err.Error())), nil
	}

	result, err := connector.Complete(ctx, dispatch)
	if err != nil {
		e.logger.Error("completion failed", "assistant", a.ID, "connector", meta.Connector, "error", err)
		return connectors.ErrorResult(meta.Model, req.Stream, err), nil
	}

	if meta.PostRetrievalPlugin != "" {
		if fn, ok := e.post[meta.PostRetrievalPlugin]; ok {
			result = wrapResult(result, fn)
		} else {
			e.logger.Warn("unknown post-retrieval plugin", "plugin", meta.PostRetrievalPlugin, "assistant", a.ID)
		}
	}
	return result, nil
}

// ProviderStatus runs the admin status probe against one provider, scoped
// to the caller's organization config when an owner email is given.
func (e *Executor) ProviderStatus(ctx context.Context, provider, owner string) (*connectors.ModelStatus, error) {
	connector, err := e.connectors.ForProvider(provider)
	if err != nil {
		return nil, err
	}
	return connector.StatusProbe(ctx, owner)
}

// assemblePrompt runs retrieval when configured and renders the prompt
// template into the last user message. Without a template the messages
// pass through unchanged (the system prompt is still prepended).
func (e *Executor) assemblePrompt(ctx context.Context, a *database.Assistant, meta *Metadata, messages []connectors.Message) []connectors.Message {
	out := messages
	if a.SystemPrompt != "" && !hasSystemMessage(messages) {
		out = append([]connectors.Message{{Role: "system", Content: a.SystemPrompt}}, messages...)
	}

	if a.PromptTemplate == "" {
		return out
	}

	userInput := lastUserTextOf(out)
	context := ""
	if meta.RAGEnabled() && e.retriever != nil {
		context = e.retrieveContext(ctx, a, meta, userInput)
	}

	rendered := renderTemplate(a.PromptTemplate, context, userInput)
	return replaceLastUserMessage(out, rendered)
}

// retrieveContext queries every configured collection and concatenates the
// hits. Retrieval failures degrade to an empty context.
func (e *Executor) retrieveContext(ctx context.Context, a *database.Assistant, meta *Metadata, query string) string {
	params := map[string]any{
		"top_k": meta.TopK,
	}
	if meta.Threshold > 0 {
		params["threshold"] = meta.Threshold
	}

	var parts []string
	for _, collection := range meta.Collections {
		chunks, err := e.retriever.Query(ctx, meta.RAGPlugin, collection, query, params)
		if err != nil {
			e.logger.Warn("retrieval failed",
				"assistant", a.ID, "collection", collection, "plugin", meta.RAGPlugin, "error", err)
			continue
		}
		for _, chunk := range chunks {
			parts = append(parts, chunk.Data)
		}
	}
	return strings.Join(parts, "\n\n")
}

// renderTemplate substitutes the {context} and {user_input} placeholders.
func renderTemplate(template, contextText, userInput string) string {
	out := strings.ReplaceAll(template, "{context}", contextText)
	return strings.ReplaceAll(out, "{user_input}", userInput)
}

func hasSystemMessage(messages []connectors.Message) bool {
	for _, m := range messages {
		if m.Role == "system" {
			return true
		}
	}
	return false
}

func lastUserTextOf(messages []connectors.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			if text, ok := messages[i].Content.(string); ok {
				return text
			}
			return connectors.TextContent(messages[i].Content)
		}
	}
	return ""
}

// replaceLastUserMessage swaps the text of the last user message for the
// rendered prompt, keeping any image parts intact.
func replaceLastUserMessage(messages []connectors.Message, rendered string) []connectors.Message {
	out := append([]connectors.Message(nil), messages...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role != "user" {
			continue
		}
		switch content := out[i].Content.(type) {
		case []connectors.ContentPart:
			parts := append([]connectors.ContentPart(nil), content...)
			replaced := false
			for j := range parts {
				if parts[j].Type == "text" {
					parts[j].Text = rendered
					replaced = true
					break
				}
			}
			if !replaced {
				parts = append([]connectors.ContentPart{{Type: "text", Text: rendered}}, parts...)
			}
			out[i].Content = parts
		default:
			out[i].Content = rendered
		}
		return out
	}
	return append(out, connectors.Message{Role: "user", Content: rendered})
}

// creatorUserID resolves the owner's creator-user id for image paths.
func (e *Executor) creatorUserID(ctx context.Context, owner string) string {
	user, err := e.store.GetCreatorUserByEmail(ctx, owner)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%d", user.ID)
}

// wrapResult routes connector output through a post plugin, chunk by chunk.
func wrapResult(result *connectors.Result, fn PostPlugin) *connectors.Result {
	if result.Completion != nil {
		if text, ok := result.Completion.Choices[0].Message.Content.(string); ok {
			result.Completion.Choices[0].Message.Content = fn(text)
		}
		return result
	}
	if result.Stream == nil {
		return result
	}

	wrapped := make(chan connectors.Frame, 64)
	go func() {
		defer close(wrapped)
		for frame := range result.Stream {
			switch frame.Type {
			case connectors.FrameContent:
				frame.Content = fn(frame.Content)
			case connectors.FrameRaw:
				frame = rewriteRawFrame(frame, fn)
			}
			wrapped <- frame
		}
	}()
	return &connectors.Result{Stream: wrapped}
}

// rewriteRawFrame applies the post plugin to a pass-through chunk's content
// delta. Chunks that do not decode pass through untouched.
func rewriteRawFrame(frame connectors.Frame, fn PostPlugin) connectors.Frame {
	var chunk connectors.Chunk
	if err := json.Unmarshal(frame.Raw, &chunk); err != nil || len(chunk.Choices) == 0 {
		return frame
	}
	if chunk.Choices[0].Delta.Content == "" {
		return frame
	}
	chunk.Choices[0].Delta.Content = fn(chunk.Choices[0].Delta.Content)
	data, err := json.Marshal(chunk)
	if err != nil {
		return frame
	}
	frame.Raw = data
	return frame
}
