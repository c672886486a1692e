package vector

import (
	"fmt"

	"github.com/lamb-project/lamb/pkg/config"
	"github.com/lamb-project/lamb/pkg/httpclient"
)

// New builds the configured vector store.
func New(settings *config.Settings, pool *httpclient.Pool) (Store, error) {
	switch settings.VectorStore {
	case ProviderChromem, "":
		return NewChromemStore(ChromemConfig{
			Path:     settings.VectorPath,
			Compress: true,
		})
	case ProviderChroma:
		return NewChromaStore(ChromaConfig{BaseURL: settings.ChromaURL}, pool)
	default:
		return nil, fmt.Errorf("unsupported vector store %q", settings.VectorStore)
	}
}
