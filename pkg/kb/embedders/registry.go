package embedders

import (
	"fmt"

	"github.com/lamb-project/lamb/pkg/httpclient"
	"github.com/lamb-project/lamb/pkg/registry"
)

// New builds an embedder for a decoded config.
func New(cfg Config, pool *httpclient.Pool) (Embedder, error) {
	cfg.SetDefaults()
	switch cfg.Vendor {
	case VendorOpenAI:
		return NewOpenAIEmbedder(cfg, pool)
	case VendorOllama:
		return NewOllamaEmbedder(cfg, pool)
	default:
		return nil, fmt.Errorf("unsupported embedding vendor %q", cfg.Vendor)
	}
}

// Registry caches one embedder per collection so repeated ingests and
// queries reuse clients. The embedding function of a collection never
// changes, so cached entries are valid for the process lifetime.
type Registry struct {
	*registry.BaseRegistry[Embedder]
	pool *httpclient.Pool
}

func NewRegistry(pool *httpclient.Pool) *Registry {
	return &Registry{
		BaseRegistry: registry.NewBaseRegistry[Embedder](),
		pool:         pool,
	}
}

// ForCollection returns the cached embedder for a collection, creating it
// from cfg on first use.
func (r *Registry) ForCollection(collection string, cfg Config) (Embedder, error) {
	if e, ok := r.Get(collection); ok {
		return e, nil
	}

	e, err := New(cfg, r.pool)
	if err != nil {
		return nil, err
	}
	if err := r.Register(collection, e); err != nil {
		// Lost the creation race; the registered embedder is equivalent.
		if existing, ok := r.Get(collection); ok {
			return existing, nil
		}
		return nil, err
	}
	return e, nil
}
