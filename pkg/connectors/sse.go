package connectors

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const doneSentinel = "[DONE]"

// NewChunk builds a single-choice streaming chunk body.
func NewChunk(id, model string, delta Delta, finishReason *string) Chunk {
	return Chunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChunkChoice{{Index: 0, Delta: delta, FinishReason: finishReason}},
	}
}

// EncodeFrame serializes one frame to its SSE event bytes, including the
// trailing blank line. streamID keeps synthesized chunks of one stream
// under a shared completion id.
func EncodeFrame(frame Frame, streamID string) ([]byte, error) {
	switch frame.Type {
	case FrameRaw:
		return []byte(fmt.Sprintf("data: %s\n\n", frame.Raw)), nil
	case FrameDone:
		return []byte(fmt.Sprintf("data: %s\n\n", doneSentinel)), nil
	case FrameRole:
		return encodeChunk(NewChunk(streamID, frame.Model, Delta{Role: "assistant"}, nil))
	case FrameContent, FrameError:
		content := frame.Content
		if frame.Type == FrameError && frame.Err != nil {
			content = userMessageFor(frame.Err)
		}
		return encodeChunk(NewChunk(streamID, frame.Model, Delta{Content: content}, nil))
	case FrameFinish:
		reason := frame.FinishReason
		if reason == "" {
			reason = "stop"
		}
		return encodeChunk(NewChunk(streamID, frame.Model, Delta{}, &reason))
	default:
		return nil, fmt.Errorf("unknown frame type %q", frame.Type)
	}
}

func encodeChunk(chunk Chunk) ([]byte, error) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chunk: %w", err)
	}
	return []byte(fmt.Sprintf("data: %s\n\n", data)), nil
}

// WriteSSE drains a frame stream into w as server-sent events, flushing
// after each event. Exactly one [DONE] sentinel is emitted even when the
// stream omits or duplicates its terminator.
func WriteSSE(w io.Writer, frames <-chan Frame) error {
	streamID := "chatcmpl-" + uuid.NewString()
	flusher, _ := w.(http.Flusher)
	done := false

	for frame := range frames {
		if frame.Type == FrameDone {
			if done {
				continue
			}
			done = true
		}
		event, err := EncodeFrame(frame, streamID)
		if err != nil {
			return err
		}
		if _, err := w.Write(event); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	if !done {
		if _, err := fmt.Fprintf(w, "data: %s\n\n", doneSentinel); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	return nil
}

// CollectStream drains a frame stream into a single completion. Used by
// callers that need a non-streaming answer from a stream-only path.
func CollectStream(model string, frames <-chan Frame) *ChatCompletion {
	var content string
	finish := "stop"
	for frame := range frames {
		switch frame.Type {
		case FrameContent, FrameError:
			if frame.Type == FrameError && frame.Err != nil {
				content += userMessageFor(frame.Err)
			} else {
				content += frame.Content
			}
		case FrameFinish:
			if frame.FinishReason != "" {
				finish = frame.FinishReason
			}
		case FrameRaw:
			var chunk Chunk
			if err := json.Unmarshal(frame.Raw, &chunk); err == nil && len(chunk.Choices) > 0 {
				content += chunk.Choices[0].Delta.Content
				if chunk.Choices[0].FinishReason != nil {
					finish = *chunk.Choices[0].FinishReason
				}
			}
		}
	}
	completion := NewChatCompletion(model, content)
	completion.Choices[0].FinishReason = finish
	return completion
}
