package plugins

import (
	"fmt"
	"os"
	"strings"

	"github.com/lamb-project/lamb/pkg/logger"
	"github.com/lamb-project/lamb/pkg/registry"
)

// Mode gates what a plugin exposes through the public API.
type Mode string

const (
	ModeDisable    Mode = "DISABLE"
	ModeSimplified Mode = "SIMPLIFIED"
	ModeAdvanced   Mode = "ADVANCED"
)

// Essentials whitelists: the parameters a SIMPLIFIED plugin still exposes
// even though they carry defaults.
var (
	ingestEssentials = map[string]bool{
		"url":       true,
		"urls":      true,
		"video_url": true,
		"language":  true,
	}
	queryEssentials = map[string]bool{
		"top_k":     true,
		"threshold": true,
	}
)

// ModeFor reads the PLUGIN_<NAME> environment override for a plugin.
func ModeFor(name string) Mode {
	envKey := "PLUGIN_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	switch strings.ToUpper(os.Getenv(envKey)) {
	case string(ModeDisable):
		return ModeDisable
	case string(ModeSimplified):
		return ModeSimplified
	default:
		return ModeAdvanced
	}
}

// Registry holds the ingest and query plugin tables with their effective
// modes. Disabled plugins are never registered.
type Registry struct {
	ingest *registry.BaseRegistry[IngestPlugin]
	query  *registry.BaseRegistry[QueryPlugin]
	modes  map[string]Mode
}

func NewRegistry() *Registry {
	return &Registry{
		ingest: registry.NewBaseRegistry[IngestPlugin](),
		query:  registry.NewBaseRegistry[QueryPlugin](),
		modes:  map[string]Mode{},
	}
}

// RegisterIngest installs an ingestion plugin unless its mode disables it.
func (r *Registry) RegisterIngest(p IngestPlugin) error {
	mode := ModeFor(p.Name())
	if mode == ModeDisable {
		logger.GetLogger("kb.plugins").Info("plugin disabled by environment", "plugin", p.Name())
		return nil
	}
	if err := r.ingest.Register(p.Name(), p); err != nil {
		return err
	}
	r.modes[p.Name()] = mode
	return nil
}

// RegisterQuery installs a query plugin unless its mode disables it.
func (r *Registry) RegisterQuery(p QueryPlugin) error {
	mode := ModeFor(p.Name())
	if mode == ModeDisable {
		logger.GetLogger("kb.plugins").Info("plugin disabled by environment", "plugin", p.Name())
		return nil
	}
	if err := r.query.Register(p.Name(), p); err != nil {
		return err
	}
	r.modes[p.Name()] = mode
	return nil
}

// Ingest returns a registered ingestion plugin.
func (r *Registry) Ingest(name string) (IngestPlugin, error) {
	p, ok := r.ingest.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown ingestion plugin %q", name)
	}
	return p, nil
}

// Query returns a registered query plugin.
func (r *Registry) Query(name string) (QueryPlugin, error) {
	p, ok := r.query.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown query plugin %q", name)
	}
	return p, nil
}

// Mode reports the effective mode of a registered plugin.
func (r *Registry) Mode(name string) Mode {
	if mode, ok := r.modes[name]; ok {
		return mode
	}
	return ModeAdvanced
}

// PluginInfo is one catalog entry in the public plugin listing.
type PluginInfo struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Mode        string      `json:"mode"`
	Parameters  []Parameter `json:"parameters"`
}

// IngestCatalog lists installed ingestion plugins with mode-gated
// parameter catalogs.
func (r *Registry) IngestCatalog() []PluginInfo {
	out := make([]PluginInfo, 0, r.ingest.Count())
	for _, name := range r.ingest.Names() {
		p, _ := r.ingest.Get(name)
		mode := r.Mode(name)
		out = append(out, PluginInfo{
			Name:        name,
			Description: p.Description(),
			Mode:        string(mode),
			Parameters:  visibleParameters(p.Parameters(), mode, ingestEssentials),
		})
	}
	return out
}

// QueryCatalog lists installed query plugins with mode-gated parameter
// catalogs.
func (r *Registry) QueryCatalog() []PluginInfo {
	out := make([]PluginInfo, 0, r.query.Count())
	for _, name := range r.query.Names() {
		p, _ := r.query.Get(name)
		mode := r.Mode(name)
		out = append(out, PluginInfo{
			Name:        name,
			Description: p.Description(),
			Mode:        string(mode),
			Parameters:  visibleParameters(p.Parameters(), mode, queryEssentials),
		})
	}
	return out
}

// SanitizeIngestParams drops parameters a SIMPLIFIED plugin does not
// accept from the public API. Must run before every plugin invocation.
func (r *Registry) SanitizeIngestParams(name string, params map[string]any) map[string]any {
	p, ok := r.ingest.Get(name)
	if !ok {
		return params
	}
	return sanitizeParams(params, p.Parameters(), r.Mode(name), ingestEssentials)
}

// SanitizeQueryParams is the query-side counterpart.
func (r *Registry) SanitizeQueryParams(name string, params map[string]any) map[string]any {
	p, ok := r.query.Get(name)
	if !ok {
		return params
	}
	return sanitizeParams(params, p.Parameters(), r.Mode(name), queryEssentials)
}

// visibleParameters filters a parameter catalog by mode. SIMPLIFIED keeps
// only required parameters and the per-kind essentials.
func visibleParameters(params []Parameter, mode Mode, essentials map[string]bool) []Parameter {
	if mode != ModeSimplified {
		return params
	}
	out := make([]Parameter, 0, len(params))
	for _, p := range params {
		if essentials[p.Name] || (p.Required && p.Default == nil) {
			out = append(out, p)
		}
	}
	return out
}

// sanitizeParams drops caller-supplied values for parameters hidden by the
// mode. Reserved engine-injected keys always pass through.
func sanitizeParams(params map[string]any, catalog []Parameter, mode Mode, essentials map[string]bool) map[string]any {
	if mode != ModeSimplified || len(params) == 0 {
		return params
	}

	allowed := map[string]bool{
		ParamCollectionOwner: true,
		ParamCollectionName:  true,
		ParamAPIKey:          true,
	}
	for _, p := range visibleParameters(catalog, mode, essentials) {
		allowed[p.Name] = true
	}

	out := make(map[string]any, len(params))
	for k, v := range params {
		if allowed[k] {
			out[k] = v
		}
	}
	return out
}
