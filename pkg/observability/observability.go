// Package observability provides a thin wrapper over the OpenTelemetry
// tracing API. Without an SDK installed the global provider is a no-op,
// so spans cost nothing in the default deployment.
package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Span names used across the gateway.
const (
	SpanLLMRequest   = "llm.request"
	SpanToolCall     = "tool.call"
	SpanAssistantRun = "assistant.run"
	SpanIngestion    = "kb.ingestion"
	SpanVectorUpsert = "kb.vector.upsert"
	SpanVectorQuery  = "kb.vector.query"
)

// Common span attribute keys.
const (
	AttrLLMModel        = "llm.model"
	AttrLLMProvider     = "llm.provider"
	AttrLLMFallback     = "llm.fallback"
	AttrToolName        = "tool.name"
	AttrCollection      = "kb.collection"
	AttrPlugin          = "kb.plugin"
	AttrAssistant       = "assistant.id"
	AttrLLMTokensInput  = "llm.tokens.input"
	AttrLLMTokensOutput = "llm.tokens.output"
)

// tracerName identifies this module's spans.
const tracerName = "github.com/lamb-project/lamb"

// GetTracer returns the module tracer from the global provider.
func GetTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
