package connectors

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lamb-project/lamb/pkg/config"
	"github.com/lamb-project/lamb/pkg/observability"
)

// attemptFunc issues one upstream call with a concrete model.
type attemptFunc func(ctx context.Context, model string) (*Result, error)

// withModelFallback runs attempt with model and, on failure, retries exactly
// once with the provider default. When both fail the returned error carries
// both causes. Fallback never recurses: a failing default model is final.
func withModelFallback(ctx context.Context, logger *slog.Logger, provider *config.ResolvedProvider, model string, attempt attemptFunc) (*Result, error) {
	result, err := attempt(ctx, model)
	if err == nil {
		return result, nil
	}

	fallback := provider.DefaultModel
	if fallback == "" {
		fallback = provider.GlobalDefaultModel
	}
	if fallback == "" || fallback == model {
		return nil, err
	}

	logger.Warn("model failed, retrying with provider default",
		"provider", provider.Provider,
		"model", model,
		"fallback", fallback,
		"error", err)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(
			attribute.Bool(observability.AttrLLMFallback, true),
			attribute.String(observability.AttrLLMModel, fallback),
		)
	}

	result, fallbackErr := attempt(ctx, fallback)
	if fallbackErr != nil {
		return nil, &CompletionError{
			Kind:    KindUpstream,
			Message: fmt.Sprintf("model %s failed (%v); fallback model %s also failed (%v)", model, err, fallback, fallbackErr),
			Model:   model,
			BaseURL: provider.BaseURL,
			Err:     fallbackErr,
		}
	}
	return result, nil
}
