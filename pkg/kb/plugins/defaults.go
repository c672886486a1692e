package plugins

import "github.com/lamb-project/lamb/pkg/httpclient"

// DefaultRegistry installs the built-in plugins, honoring per-plugin
// PLUGIN_<NAME> environment overrides.
func DefaultRegistry(pool *httpclient.Pool) (*Registry, error) {
	r := NewRegistry()

	if err := r.RegisterIngest(NewFileIngest(pool)); err != nil {
		return nil, err
	}
	if err := r.RegisterIngest(NewURLIngest(pool)); err != nil {
		return nil, err
	}
	if err := r.RegisterIngest(NewYouTubeIngest(pool)); err != nil {
		return nil, err
	}
	if err := r.RegisterQuery(NewSimpleQuery()); err != nil {
		return nil, err
	}
	return r, nil
}
