package plugins

import (
	"context"
	"fmt"
)

// Query defaults.
const (
	defaultTopK      = 3
	defaultThreshold = 0.0
)

// SimpleQuery embeds the query text with the collection's embedder and
// returns the closest chunks above the threshold.
type SimpleQuery struct{}

func NewSimpleQuery() *SimpleQuery { return &SimpleQuery{} }

func (p *SimpleQuery) Name() string { return "simple_query" }

func (p *SimpleQuery) Description() string {
	return "Similarity search over a collection with optional score threshold."
}

func (p *SimpleQuery) Parameters() []Parameter {
	return []Parameter{
		{Name: "top_k", Type: "integer", Description: "number of results", Default: defaultTopK},
		{Name: "threshold", Type: "number", Description: "minimum similarity score", Default: defaultThreshold},
		{Name: "file_id", Type: "string", Description: "restrict results to one ingested file"},
	}
}

func (p *SimpleQuery) Query(ctx context.Context, in QueryInput) ([]QueryResult, error) {
	if in.QueryText == "" {
		return nil, fmt.Errorf("query_text is required")
	}

	topK := in.TopK
	if topK <= 0 {
		topK = paramInt(in.Params, "top_k", defaultTopK)
	}
	threshold := in.Threshold
	if threshold <= 0 {
		threshold = paramFloat(in.Params, "threshold", defaultThreshold)
	}

	vec, err := in.Embedder.Embed(ctx, in.QueryText)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	var filter map[string]string
	if fileID := paramString(in.Params, "file_id", ""); fileID != "" {
		filter = map[string]string{"file_id": fileID}
	}

	hits, err := in.Store.Query(ctx, in.Collection, vec, topK, filter)
	if err != nil {
		return nil, err
	}

	results := make([]QueryResult, 0, len(hits))
	for _, hit := range hits {
		if float64(hit.Score) < threshold {
			continue
		}
		metadata := make(map[string]any, len(hit.Metadata))
		for k, v := range hit.Metadata {
			metadata[k] = v
		}
		results = append(results, QueryResult{
			Similarity: float64(hit.Score),
			Data:       hit.Content,
			Metadata:   metadata,
		})
	}
	return results, nil
}
