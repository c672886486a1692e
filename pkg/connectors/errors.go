package connectors

import (
	"errors"
	"fmt"
)

// Error kinds carried on CompletionError. The HTTP layer never maps these
// to failure status codes; completions always answer 200 with the error
// rendered as assistant content.
const (
	KindConfig     = "configuration"
	KindAuth       = "authentication"
	KindUpstream   = "upstream"
	KindTimeout    = "timeout"
	KindConnection = "connection"
)

// errorMarker prefixes error completions so clients can tell a failure
// apart from model output.
const errorMarker = "❌"

// CompletionError describes a completion failure with enough context to
// render a useful in-band message.
type CompletionError struct {
	Kind    string
	Message string
	Model   string
	BaseURL string
	Err     error
}

func (e *CompletionError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("%s error for model %s: %s", e.Kind, e.Model, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}

// UserMessage renders the marker-prefixed text shown to the end user.
func (e *CompletionError) UserMessage() string {
	msg := errorMarker + " " + e.Message
	if e.Model != "" {
		msg += fmt.Sprintf(" (model: %s)", e.Model)
	}
	return msg
}

// NewConfigError reports a missing or unusable provider configuration.
func NewConfigError(message string) *CompletionError {
	return &CompletionError{Kind: KindConfig, Message: message}
}

// NewUpstreamError reports a failed backend call.
func NewUpstreamError(model, baseURL, message string, err error) *CompletionError {
	return &CompletionError{
		Kind:    KindUpstream,
		Message: message,
		Model:   model,
		BaseURL: baseURL,
		Err:     err,
	}
}

// userMessageFor renders any error as end-user completion text.
func userMessageFor(err error) string {
	var ce *CompletionError
	if errors.As(err, &ce) {
		return ce.UserMessage()
	}
	return errorMarker + " " + err.Error()
}

// ErrorCompletion wraps an error as a normal assistant completion.
func ErrorCompletion(model string, err error) *ChatCompletion {
	return NewChatCompletion(model, userMessageFor(err))
}

// ErrorStream produces the three-frame stream used when a streaming
// request fails before or during upstream contact: one content frame with
// the error text, a finish frame and the terminator.
func ErrorStream(model string, err error) <-chan Frame {
	ch := make(chan Frame, 3)
	ch <- Frame{Type: FrameContent, Content: userMessageFor(err), Model: model}
	ch <- Frame{Type: FrameFinish, FinishReason: "stop", Model: model}
	ch <- Frame{Type: FrameDone}
	close(ch)
	return ch
}

// ErrorResult adapts an error to the requested response mode.
func ErrorResult(model string, stream bool, err error) *Result {
	if stream {
		return &Result{Stream: ErrorStream(model, err)}
	}
	return &Result{Completion: ErrorCompletion(model, err)}
}
