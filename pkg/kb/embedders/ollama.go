package embedders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/lamb-project/lamb/pkg/httpclient"
)

const (
	defaultOllamaModel      = "nomic-embed-text"
	defaultOllamaBaseURL    = "http://localhost:11434"
	defaultOllamaDimensions = 768
)

// ollamaEmbedMu serializes embedding requests. Ollama's llama runner can
// abort when it receives concurrent embedding requests for the same model.
var ollamaEmbedMu sync.Mutex

// OllamaEmbedder calls the Ollama /api/embeddings endpoint, one text per
// request.
type OllamaEmbedder struct {
	cfg  Config
	pool *httpclient.Pool
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewOllamaEmbedder builds an embedder over the shared client pool.
func NewOllamaEmbedder(cfg Config, pool *httpclient.Pool) (*OllamaEmbedder, error) {
	cfg.SetDefaults()
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ollama embedder requires a base url")
	}
	return &OllamaEmbedder{cfg: cfg, pool: pool}, nil
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ollamaEmbedMu.Lock()
	defer ollamaEmbedMu.Unlock()

	body, err := json.Marshal(ollamaEmbedRequest{Model: e.cfg.Model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to encode embeddings request: %w", err)
	}

	url := strings.TrimRight(e.cfg.BaseURL, "/") + "/api/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build embeddings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	resp, err := e.pool.Get(e.cfg.BaseURL).Do(req)
	if err != nil {
		if resp != nil {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, fmt.Errorf("ollama API returned status %d: %s", resp.StatusCode, string(detail))
		}
		return nil, fmt.Errorf("embeddings request failed: %w", err)
	}
	defer resp.Body.Close()

	var decoded ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode embeddings response: %w", err)
	}
	if len(decoded.Embedding) == 0 {
		return nil, fmt.Errorf("received empty embedding from ollama")
	}
	return decoded.Embedding, nil
}

func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, vec)
	}
	return vectors, nil
}

func (e *OllamaEmbedder) Model() string   { return e.cfg.Model }
func (e *OllamaEmbedder) Dimensions() int { return e.cfg.Dimensions }
func (e *OllamaEmbedder) Vendor() string  { return VendorOllama }
