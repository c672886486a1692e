package vector

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/lamb-project/lamb/pkg/logger"
)

// ChromemConfig configures the embedded provider.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps vectors in memory only.
	Path string

	// Compress enables gzip compression of persisted collections.
	Compress bool
}

// ChromemStore is the embedded provider. All vectors live in process
// memory with optional file persistence, so it suits single-node
// deployments and tests.
type ChromemStore struct {
	db  *chromem.DB
	log *slog.Logger

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// NewChromemStore opens (or creates) the embedded database.
func NewChromemStore(cfg ChromemConfig) (*ChromemStore, error) {
	log := logger.GetLogger("vector.chromem")

	var db *chromem.DB
	var err error

	if cfg.Path != "" {
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("failed to open vector database: %w", err)
		}
		log.Info("opened persistent vector database", "path", cfg.Path)
	} else {
		db = chromem.NewDB()
		log.Info("created in-memory vector database")
	}

	return &ChromemStore{
		db:          db,
		log:         log,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

// getCollection returns a cached collection handle, creating the
// collection on first use.
func (s *ChromemStore) getCollection(name string) (*chromem.Collection, error) {
	s.mu.RLock()
	if col, ok := s.collections[name]; ok {
		s.mu.RUnlock()
		return col, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[name]; ok {
		return col, nil
	}

	// Embeddings are always pre-computed; the embedding function must
	// never run.
	col, err := s.db.GetOrCreateCollection(name, nil, func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("collection %q received text without a pre-computed embedding", name)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %q: %w", name, err)
	}
	s.collections[name] = col
	return col, nil
}

func (s *ChromemStore) CreateCollection(ctx context.Context, collection string) error {
	_, err := s.getCollection(collection)
	return err
}

func (s *ChromemStore) UpsertBatch(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	col, err := s.getCollection(collection)
	if err != nil {
		return err
	}

	converted := make([]chromem.Document, 0, len(docs))
	for _, doc := range docs {
		converted = append(converted, chromem.Document{
			ID:        doc.ID,
			Content:   doc.Content,
			Metadata:  doc.Metadata,
			Embedding: doc.Embedding,
		})
	}

	if err := col.AddDocuments(ctx, converted, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to upsert %d documents: %w", len(docs), err)
	}
	return nil
}

func (s *ChromemStore) Query(ctx context.Context, collection string, vector []float32, topK int, filter map[string]string) ([]Result, error) {
	col, err := s.getCollection(collection)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults larger than the collection size.
	if count := col.Count(); count == 0 {
		return nil, nil
	} else if topK > count {
		topK = count
	}

	hits, err := col.QueryEmbedding(ctx, vector, topK, filter, nil)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		results = append(results, Result{
			ID:       hit.ID,
			Content:  hit.Content,
			Score:    hit.Similarity,
			Metadata: hit.Metadata,
		})
	}
	return results, nil
}

func (s *ChromemStore) DeleteByFilter(ctx context.Context, collection string, filter map[string]string) error {
	col, err := s.getCollection(collection)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, filter, nil); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	return nil
}

func (s *ChromemStore) DeleteCollection(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.DeleteCollection(collection); err != nil {
		return fmt.Errorf("failed to delete collection %q: %w", collection, err)
	}
	delete(s.collections, collection)
	return nil
}

func (s *ChromemStore) Close() error {
	return nil
}

var _ Store = (*ChromemStore)(nil)
