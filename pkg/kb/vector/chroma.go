package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/lamb-project/lamb/pkg/httpclient"
)

// ChromaConfig configures the HTTP provider.
type ChromaConfig struct {
	// BaseURL is the Chroma server root, e.g. http://localhost:8000.
	BaseURL string

	// APIKey for authenticated servers (optional).
	APIKey string
}

// ChromaStore talks to a Chroma server over its HTTP API. Requests go
// through the shared client pool so connections are reused across the
// ingestion workers and the query path.
type ChromaStore struct {
	baseURL string
	apiKey  string
	pool    *httpclient.Pool
}

// NewChromaStore creates the HTTP provider.
func NewChromaStore(cfg ChromaConfig, pool *httpclient.Pool) (*ChromaStore, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("chroma base url is required")
	}
	return &ChromaStore{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		pool:    pool,
	}, nil
}

func (s *ChromaStore) CreateCollection(ctx context.Context, collection string) error {
	payload := map[string]any{
		"name":          collection,
		"metadata":      map[string]any{},
		"get_or_create": true,
	}
	return s.post(ctx, "/api/v1/collections", payload, nil)
}

func (s *ChromaStore) UpsertBatch(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	ids := make([]string, 0, len(docs))
	embeddings := make([][]float32, 0, len(docs))
	documents := make([]string, 0, len(docs))
	metadatas := make([]map[string]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
		embeddings = append(embeddings, doc.Embedding)
		documents = append(documents, doc.Content)
		metadatas = append(metadatas, doc.Metadata)
	}

	payload := map[string]any{
		"ids":        ids,
		"embeddings": embeddings,
		"documents":  documents,
		"metadatas":  metadatas,
	}
	return s.post(ctx, "/api/v1/collections/"+collection+"/upsert", payload, nil)
}

func (s *ChromaStore) Query(ctx context.Context, collection string, vector []float32, topK int, filter map[string]string) ([]Result, error) {
	payload := map[string]any{
		"query_embeddings": [][]float32{vector},
		"n_results":        topK,
		"include":          []string{"documents", "metadatas", "distances"},
	}
	if len(filter) > 0 {
		payload["where"] = filter
	}

	var decoded map[string]any
	if err := s.post(ctx, "/api/v1/collections/"+collection+"/query", payload, &decoded); err != nil {
		return nil, err
	}
	return convertChromaResults(decoded), nil
}

func (s *ChromaStore) DeleteByFilter(ctx context.Context, collection string, filter map[string]string) error {
	payload := map[string]any{"where": filter}
	return s.post(ctx, "/api/v1/collections/"+collection+"/delete", payload, nil)
}

func (s *ChromaStore) DeleteCollection(ctx context.Context, collection string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.baseURL+"/api/v1/collections/"+collection, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	return s.do(req, nil)
}

func (s *ChromaStore) Close() error {
	return nil
}

// post marshals payload, issues the request and optionally decodes the
// response body into out.
func (s *ChromaStore) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return s.do(req, out)
}

func (s *ChromaStore) do(req *http.Request, out any) error {
	if s.apiKey != "" {
		req.Header.Set("X-Api-Key", s.apiKey)
	}

	resp, err := s.pool.Get(s.baseURL).Do(req)
	if err != nil {
		if resp != nil {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return fmt.Errorf("chroma returned status %d: %s", resp.StatusCode, string(detail))
		}
		return fmt.Errorf("chroma request failed: %w", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode chroma response: %w", err)
		}
	}
	return nil
}

// convertChromaResults unpacks the nested query response:
// {"ids":[[...]],"distances":[[...]],"documents":[[...]],"metadatas":[[...]]}.
func convertChromaResults(result map[string]any) []Result {
	ids, _ := result["ids"].([]any)
	if len(ids) == 0 {
		return nil
	}
	firstIDs, _ := ids[0].([]any)

	firstOf := func(key string) []any {
		outer, _ := result[key].([]any)
		if len(outer) == 0 {
			return nil
		}
		inner, _ := outer[0].([]any)
		return inner
	}
	distances := firstOf("distances")
	documents := firstOf("documents")
	metadatas := firstOf("metadatas")

	results := make([]Result, 0, len(firstIDs))
	for i := range firstIDs {
		r := Result{Metadata: map[string]string{}}
		if id, ok := firstIDs[i].(string); ok {
			r.ID = id
		}
		if i < len(distances) {
			if dist, ok := distances[i].(float64); ok {
				// Chroma reports distance; callers expect similarity.
				r.Score = float32(1.0 - dist)
			}
		}
		if i < len(documents) {
			if doc, ok := documents[i].(string); ok {
				r.Content = doc
			}
		}
		if i < len(metadatas) {
			if meta, ok := metadatas[i].(map[string]any); ok {
				for k, v := range meta {
					r.Metadata[k] = fmt.Sprint(v)
				}
			}
		}
		results = append(results, r)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results
}

var _ Store = (*ChromaStore)(nil)
