package connectors

import (
	"fmt"

	"github.com/lamb-project/lamb/pkg/config"
	"github.com/lamb-project/lamb/pkg/httpclient"
	"github.com/lamb-project/lamb/pkg/registry"
	"github.com/lamb-project/lamb/pkg/tools"
)

// Registry holds the configured connectors keyed by provider name.
type Registry struct {
	*registry.BaseRegistry[Connector]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Connector]()}
}

// RegisterConnector adds a connector under its provider name.
func (r *Registry) RegisterConnector(c Connector) error {
	if c == nil {
		return fmt.Errorf("connector cannot be nil")
	}
	return r.Register(c.Name(), c)
}

// ForProvider returns the connector for a provider name.
func (r *Registry) ForProvider(name string) (Connector, error) {
	c, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("no connector registered for provider %q", name)
	}
	return c, nil
}

// DefaultRegistry wires the standard connector set: OpenAI-compatible,
// Ollama and the Google image connector, with OpenAI serving as the image
// connector's meta-prompt router.
func DefaultRegistry(settings *config.Settings, resolver *config.Resolver, pool *httpclient.Pool, toolRegistry *tools.Registry) (*Registry, error) {
	r := NewRegistry()

	openai := NewOpenAI(settings, resolver, pool, toolRegistry)
	if err := r.RegisterConnector(openai); err != nil {
		return nil, err
	}
	if err := r.RegisterConnector(NewOllama(settings, resolver, pool)); err != nil {
		return nil, err
	}
	if err := r.RegisterConnector(NewBanana(settings, resolver, openai)); err != nil {
		return nil, err
	}

	return r, nil
}
