// Package kb is the knowledge-base service: collections with immutable
// embedding functions, background document ingestion tracked on the file
// registry, and similarity queries backing both the HTTP API and assistant
// retrieval.
package kb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/lamb-project/lamb/pkg/assistant"
	"github.com/lamb-project/lamb/pkg/config"
	"github.com/lamb-project/lamb/pkg/database"
	"github.com/lamb-project/lamb/pkg/httpclient"
	"github.com/lamb-project/lamb/pkg/kb/embedders"
	"github.com/lamb-project/lamb/pkg/kb/plugins"
	"github.com/lamb-project/lamb/pkg/kb/vector"
	"github.com/lamb-project/lamb/pkg/logger"
)

// maxConcurrentJobs bounds simultaneous ingestion workers.
const maxConcurrentJobs = 4

// collectionNameRe is the accepted collection name shape.
var collectionNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// Service owns the knowledge-base subsystem.
type Service struct {
	settings  *config.Settings
	store     *database.Store
	vectors   vector.Store
	embedders *embedders.Registry
	plugins   *plugins.Registry
	logger    *slog.Logger

	jobSem *semaphore.Weighted
	jobs   sync.WaitGroup
}

// NewService wires the plugin registry, embedder cache and vector store.
func NewService(settings *config.Settings, store *database.Store, vectors vector.Store, pool *httpclient.Pool) (*Service, error) {
	pluginRegistry, err := plugins.DefaultRegistry(pool)
	if err != nil {
		return nil, err
	}
	return &Service{
		settings:  settings,
		store:     store,
		vectors:   vectors,
		embedders: embedders.NewRegistry(pool),
		plugins:   pluginRegistry,
		logger:    logger.GetLogger("kb"),
		jobSem:    semaphore.NewWeighted(maxConcurrentJobs),
	}, nil
}

// Plugins exposes the registry to the HTTP layer for plugin catalogs.
func (s *Service) Plugins() *plugins.Registry { return s.plugins }

// Wait blocks until all running ingestion jobs finish. Used on shutdown
// and by tests.
func (s *Service) Wait() { s.jobs.Wait() }

// CreateCollectionInput is the collection creation request. Exactly one
// of EmbeddingsSetup (setup reference) or EmbeddingsConfig (inline
// document) is expected; both empty resolves the owner's default setup.
type CreateCollectionInput struct {
	Name             string          `json:"name"`
	Owner            string          `json:"owner"`
	Visibility       string          `json:"visibility,omitempty"`
	EmbeddingsSetup  string          `json:"embeddings_setup,omitempty"`
	EmbeddingsConfig json.RawMessage `json:"embeddings_config,omitempty"`
}

// CreateCollection validates the request, locks the embedding function
// and dimension, and creates the vector-store namespace.
func (s *Service) CreateCollection(ctx context.Context, in CreateCollectionInput) (*database.Collection, error) {
	if !collectionNameRe.MatchString(in.Name) {
		return nil, fmt.Errorf("invalid collection name %q", in.Name)
	}
	if in.Owner == "" {
		return nil, fmt.Errorf("collection owner is required")
	}

	var cfg embedders.Config
	var err error
	if len(in.EmbeddingsConfig) > 0 {
		cfg, err = embedders.ParseConfig(in.EmbeddingsConfig)
	} else {
		cfg, err = s.resolveSetup(ctx, in.Owner, in.EmbeddingsSetup)
	}
	if err != nil {
		return nil, err
	}

	col := &database.Collection{
		Name:                in.Name,
		Owner:               in.Owner,
		Visibility:          in.Visibility,
		EmbeddingsSetup:     in.EmbeddingsSetup,
		EmbeddingsConfig:    in.EmbeddingsConfig,
		EmbeddingDimensions: cfg.Dimensions,
		VectorStoreUUID:     uuid.NewString(),
	}
	id, err := s.store.CreateCollection(ctx, col)
	if err != nil {
		return nil, err
	}
	col.ID = id

	if err := s.vectors.CreateCollection(ctx, col.VectorStoreUUID); err != nil {
		return nil, fmt.Errorf("failed to create vector collection: %w", err)
	}

	s.logger.Info("collection created",
		"collection", col.Name, "owner", col.Owner,
		"vendor", cfg.Vendor, "dimensions", cfg.Dimensions)
	return col, nil
}

func (s *Service) GetCollection(ctx context.Context, id int64) (*database.Collection, error) {
	return s.store.GetCollection(ctx, id)
}

func (s *Service) ListCollections(ctx context.Context, owner string) ([]*database.Collection, error) {
	return s.store.ListCollections(ctx, owner)
}

// UpdateCollectionVisibility changes who can see the collection. The
// embedding function and dimension stay immutable.
func (s *Service) UpdateCollectionVisibility(ctx context.Context, id int64, visibility string) error {
	return s.store.UpdateCollectionVisibility(ctx, id, visibility)
}

// DeleteCollection removes the vector namespace, the file rows and the
// collection row.
func (s *Service) DeleteCollection(ctx context.Context, id int64) error {
	col, err := s.store.GetCollection(ctx, id)
	if err != nil {
		return err
	}
	if err := s.vectors.DeleteCollection(ctx, col.VectorStoreUUID); err != nil {
		s.logger.Warn("failed to delete vector collection", "collection", col.Name, "error", err)
	}
	return s.store.DeleteCollection(ctx, id)
}

// embeddingConfig resolves the effective embedding function of a
// collection: inline document (legacy rows) or setup reference. The
// dimension locked at creation always wins.
func (s *Service) embeddingConfig(ctx context.Context, col *database.Collection) (embedders.Config, error) {
	var cfg embedders.Config
	var err error
	if len(col.EmbeddingsConfig) > 0 {
		cfg, err = embedders.ParseConfig(col.EmbeddingsConfig)
	} else {
		cfg, err = s.resolveSetup(ctx, col.Owner, col.EmbeddingsSetup)
	}
	if err != nil {
		return embedders.Config{}, err
	}
	if col.EmbeddingDimensions > 0 {
		cfg.Dimensions = col.EmbeddingDimensions
	}
	return cfg, nil
}

// resolveSetup maps a named setup from the owner's organization config to
// an embedding vendor. OpenAI wins when both providers are usable; the
// process-level fallback key applies only when the organization has none.
func (s *Service) resolveSetup(ctx context.Context, owner, setupName string) (embedders.Config, error) {
	if setupName == "" {
		setupName = "default"
	}

	var setup config.Setup
	if _, raw, err := s.store.OrganizationForOwner(ctx, owner); err == nil {
		if orgCfg, err := config.ParseOrgConfig(raw); err == nil {
			if found, ok := orgCfg.Setups[setupName]; ok {
				setup = found
			} else if found, ok := orgCfg.DefaultSetup(); ok {
				setup = found
			}
		}
	}

	if pc, ok := setup.Providers[config.ProviderOpenAI]; ok && pc.Enabled && pc.APIKey != "" {
		cfg := embedders.Config{Vendor: embedders.VendorOpenAI, APIKey: pc.APIKey, BaseURL: pc.BaseURL}
		cfg.SetDefaults()
		return cfg, nil
	}
	if pc, ok := setup.Providers[config.ProviderOllama]; ok && pc.Enabled {
		cfg := embedders.Config{Vendor: embedders.VendorOllama, BaseURL: pc.BaseURL}
		cfg.SetDefaults()
		return cfg, nil
	}

	if s.settings.OpenAIAPIKey != "" {
		cfg := embedders.Config{
			Vendor:  embedders.VendorOpenAI,
			APIKey:  s.settings.OpenAIAPIKey,
			BaseURL: s.settings.OpenAIBaseURL,
		}
		cfg.SetDefaults()
		return cfg, nil
	}
	return embedders.Config{}, fmt.Errorf("no embedding provider available for setup %q", setupName)
}

// QueryCollection runs a query plugin against a collection.
func (s *Service) QueryCollection(ctx context.Context, collectionID int64, pluginName, queryText string, topK int, threshold float64, params map[string]any) ([]plugins.QueryResult, error) {
	col, err := s.store.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}

	if pluginName == "" {
		pluginName = "simple_query"
	}
	plugin, err := s.plugins.Query(pluginName)
	if err != nil {
		return nil, err
	}
	params = s.plugins.SanitizeQueryParams(pluginName, params)

	cfg, err := s.embeddingConfig(ctx, col)
	if err != nil {
		return nil, err
	}
	embedder, err := s.embedders.ForCollection(col.VectorStoreUUID, cfg)
	if err != nil {
		return nil, err
	}

	return plugin.Query(ctx, plugins.QueryInput{
		Collection: col.VectorStoreUUID,
		QueryText:  queryText,
		TopK:       topK,
		Threshold:  threshold,
		Params:     params,
		Store:      s.vectors,
		Embedder:   embedder,
	})
}

// Query implements the assistant retrieval interface. The collection may
// be referenced by numeric id or by name.
func (s *Service) Query(ctx context.Context, plugin, collection, queryText string, params map[string]any) ([]assistant.RetrievedChunk, error) {
	col, err := s.lookupCollection(ctx, collection)
	if err != nil {
		return nil, err
	}

	topK := 0
	if v, ok := params["top_k"]; ok {
		switch n := v.(type) {
		case int:
			topK = n
		case float64:
			topK = int(n)
		}
	}
	threshold := 0.0
	if v, ok := params["threshold"].(float64); ok {
		threshold = v
	}

	results, err := s.QueryCollection(ctx, col.ID, plugin, queryText, topK, threshold, params)
	if err != nil {
		return nil, err
	}

	out := make([]assistant.RetrievedChunk, 0, len(results))
	for _, r := range results {
		out = append(out, assistant.RetrievedChunk{
			Similarity: r.Similarity,
			Data:       r.Data,
			Metadata:   r.Metadata,
		})
	}
	return out, nil
}

func (s *Service) lookupCollection(ctx context.Context, ref string) (*database.Collection, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return s.store.GetCollection(ctx, id)
	}
	return s.store.GetCollectionByName(ctx, ref)
}

var _ assistant.Retriever = (*Service)(nil)
