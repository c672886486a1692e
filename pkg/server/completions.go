package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lamb-project/lamb/pkg/assistant"
	"github.com/lamb-project/lamb/pkg/connectors"
)

// assistantModelPrefix namespaces assistants in the models API.
const assistantModelPrefix = "lamb_assistant."

const maxMultipartMemory = 32 << 20

// completionRequest is the decoded chat request, JSON or multipart.
type completionRequest struct {
	Model    string               `json:"model"`
	Messages []connectors.Message `json:"messages"`
	Stream   bool                 `json:"stream"`

	// body keeps the raw client parameters for upstream forwarding.
	body map[string]any
}

// modelEntry is one element of the models listing.
type modelEntry struct {
	ID           string                 `json:"id"`
	Object       string                 `json:"object"`
	OwnedBy      string                 `json:"owned_by"`
	Capabilities assistant.Capabilities `json:"capabilities"`
}

// handleModels lists published, non-deleted assistants as OpenAI models.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	assistants, err := s.store.ListPublishedAssistants(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	data := make([]modelEntry, 0, len(assistants))
	for _, a := range assistants {
		meta, err := assistant.ParseMetadata(a.Metadata)
		if err != nil {
			s.logger.Warn("skipping assistant with bad metadata", "assistant", a.ID, "error", err)
			continue
		}
		data = append(data, modelEntry{
			ID:           fmt.Sprintf("%s%d", assistantModelPrefix, a.ID),
			Object:       "model",
			OwnedBy:      a.Owner,
			Capabilities: meta.Capabilities,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeCompletionRequest(r)
	if err != nil {
		writeBadRequest(w, "%v", err)
		return
	}

	idText, ok := strings.CutPrefix(req.Model, assistantModelPrefix)
	if !ok {
		writeBadRequest(w, "model %q is not a %s<id> model", req.Model, assistantModelPrefix)
		return
	}
	assistantID, err := strconv.ParseInt(idText, 10, 64)
	if err != nil {
		writeBadRequest(w, "invalid assistant id in model %q", req.Model)
		return
	}

	result, err := s.executor.Execute(r.Context(), assistantID, callerFor(r), &connectors.Request{
		Messages: req.Messages,
		Stream:   req.Stream,
		Body:     req.body,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	rateLimitHeaders(w)

	if req.Stream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		frames := result.Stream
		if frames == nil && result.Completion != nil {
			frames = framesFromCompletion(result.Completion)
		}
		if err := connectors.WriteSSE(w, frames); err != nil {
			s.logger.Warn("sse stream aborted", "assistant", assistantID, "error", err)
		}
		return
	}

	completion := result.Completion
	if completion == nil {
		completion = connectors.CollectStream(req.Model, result.Stream)
	}
	writeJSON(w, http.StatusOK, completion)
}

// framesFromCompletion converts a ready completion to a minimal stream.
func framesFromCompletion(c *connectors.ChatCompletion) <-chan connectors.Frame {
	frames := make(chan connectors.Frame, 4)
	content := connectors.TextContent(c.Choices[0].Message.Content)
	frames <- connectors.Frame{Type: connectors.FrameRole, Model: c.Model}
	frames <- connectors.Frame{Type: connectors.FrameContent, Model: c.Model, Content: content}
	frames <- connectors.Frame{Type: connectors.FrameFinish, Model: c.Model, FinishReason: c.Choices[0].FinishReason}
	frames <- connectors.Frame{Type: connectors.FrameDone}
	close(frames)
	return frames
}

func (s *Server) decodeCompletionRequest(r *http.Request) (*completionRequest, error) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		return decodeMultipartCompletion(r)
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return decodeCompletionJSON(raw)
}

func decodeCompletionJSON(raw []byte) (*completionRequest, error) {
	var req completionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if req.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("messages are required")
	}
	body := map[string]any{}
	if err := json.Unmarshal(raw, &body); err == nil {
		req.body = body
	}
	return &req, nil
}

// decodeMultipartCompletion normalizes a multipart chat request: the
// request JSON comes from the data (whole request) or messages (array
// only) form field; every file part becomes a base64 data URL appended to
// the last user message.
func decodeMultipartCompletion(r *http.Request) (*completionRequest, error) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		return nil, fmt.Errorf("invalid multipart request: %w", err)
	}

	var req *completionRequest
	if data := r.FormValue("data"); data != "" {
		var err error
		req, err = decodeCompletionJSON([]byte(data))
		if err != nil {
			return nil, err
		}
	} else if messages := r.FormValue("messages"); messages != "" {
		req = &completionRequest{Model: r.FormValue("model")}
		if err := json.Unmarshal([]byte(messages), &req.Messages); err != nil {
			return nil, fmt.Errorf("invalid messages field: %w", err)
		}
		if req.Model == "" {
			return nil, fmt.Errorf("model is required")
		}
		if len(req.Messages) == 0 {
			return nil, fmt.Errorf("messages are required")
		}
		req.Stream, _ = strconv.ParseBool(r.FormValue("stream"))
	} else {
		return nil, fmt.Errorf("multipart request needs a data or messages field")
	}

	for _, headers := range r.MultipartForm.File {
		for _, header := range headers {
			file, err := header.Open()
			if err != nil {
				return nil, fmt.Errorf("failed to open file part %q: %w", header.Filename, err)
			}
			content, err := io.ReadAll(file)
			file.Close()
			if err != nil {
				return nil, fmt.Errorf("failed to read file part %q: %w", header.Filename, err)
			}

			url := fmt.Sprintf("data:%s;base64,%s",
				mimeForFilename(header.Filename), base64.StdEncoding.EncodeToString(content))
			req.Messages = appendImageToLastUser(req.Messages, url)
		}
	}
	return req, nil
}

// mimeForFilename sniffs the MIME type from the extension alone; the image
// set is closed and anything else passes through as opaque bytes.
func mimeForFilename(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// appendImageToLastUser attaches an image part to the last user message,
// converting string content to a part list when needed.
func appendImageToLastUser(messages []connectors.Message, url string) []connectors.Message {
	part := connectors.ContentPart{Type: "image_url", ImageURL: &connectors.ImageURL{URL: url}}

	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		messages[i].Content = append(contentParts(messages[i].Content), part)
		return messages
	}
	return append(messages, connectors.Message{Role: "user", Content: []connectors.ContentPart{part}})
}

// contentParts coerces any decoded content value into a part list.
func contentParts(content any) []connectors.ContentPart {
	switch v := content.(type) {
	case []connectors.ContentPart:
		return v
	case string:
		if v == "" {
			return nil
		}
		return []connectors.ContentPart{{Type: "text", Text: v}}
	case []any:
		var parts []connectors.ContentPart
		raw, err := json.Marshal(v)
		if err == nil && json.Unmarshal(raw, &parts) == nil {
			return parts
		}
	}
	if text := connectors.TextContent(content); text != "" {
		return []connectors.ContentPart{{Type: "text", Text: text}}
	}
	return nil
}
