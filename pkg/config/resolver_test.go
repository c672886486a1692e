package config

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDirectory serves one owner with a fixed config document.
type fakeDirectory struct {
	orgName string
	config  []byte
	err     error
}

func (d *fakeDirectory) OrganizationForOwner(ctx context.Context, email string) (string, []byte, error) {
	if d.err != nil {
		return "", nil, d.err
	}
	return d.orgName, d.config, nil
}

const orgConfigJSON = `{
	"setups": {
		"default": {
			"providers": {
				"openai": {
					"enabled": true,
					"api_key": "org-key",
					"base_url": "https://llm.example.edu/v1",
					"default_model": "gpt-4o-mini",
					"models": ["gpt-4o", "gpt-4o-mini"]
				},
				"ollama": {"enabled": false}
			},
			"small_fast_model": {"provider": "openai", "model": "gpt-4o-mini"}
		}
	},
	"global_default_model": {"provider": "openai", "model": "gpt-4o"}
}`

func TestResolveProviderFromOrganization(t *testing.T) {
	r := NewResolver(&fakeDirectory{orgName: "LAMB", config: []byte(orgConfigJSON)}, &Settings{})

	resolved, err := r.ResolveProvider(context.Background(), "teacher@example.edu", ProviderOpenAI, false)
	require.NoError(t, err)
	assert.True(t, resolved.Enabled)
	assert.Equal(t, "org-key", resolved.APIKey)
	assert.Equal(t, "https://llm.example.edu/v1", resolved.BaseURL)
	assert.Equal(t, "gpt-4o-mini", resolved.DefaultModel)
	assert.Equal(t, "gpt-4o", resolved.GlobalDefaultModel)
	assert.Equal(t, "LAMB", resolved.OrganizationName)
	assert.Equal(t, SourceOrganization, resolved.ConfigSource)
}

func TestResolveProviderDisabledInSetup(t *testing.T) {
	r := NewResolver(&fakeDirectory{orgName: "LAMB", config: []byte(orgConfigJSON)}, &Settings{})

	resolved, err := r.ResolveProvider(context.Background(), "teacher@example.edu", ProviderOllama, false)
	require.NoError(t, err)
	assert.False(t, resolved.Enabled)
	assert.Empty(t, resolved.Models)
}

func TestResolveProviderLookupFailureDisables(t *testing.T) {
	// Tenant requests never fall through to process credentials.
	r := NewResolver(&fakeDirectory{err: errors.New("no such user")}, &Settings{
		OpenAIAPIKey: "env-key",
	})

	resolved, err := r.ResolveProvider(context.Background(), "ghost@example.edu", ProviderOpenAI, false)
	require.NoError(t, err)
	assert.False(t, resolved.Enabled)
	assert.Empty(t, resolved.APIKey)
}

func TestResolveProviderMissingDefaultSetup(t *testing.T) {
	r := NewResolver(&fakeDirectory{orgName: "LAMB", config: []byte(`{"setups":{"alt":{"providers":{}}}}`)}, &Settings{})

	resolved, err := r.ResolveProvider(context.Background(), "teacher@example.edu", ProviderOpenAI, false)
	require.NoError(t, err)
	assert.False(t, resolved.Enabled)
}

func TestResolveProviderSmallFastModel(t *testing.T) {
	r := NewResolver(&fakeDirectory{orgName: "LAMB", config: []byte(orgConfigJSON)}, &Settings{})

	resolved, err := r.ResolveProvider(context.Background(), "teacher@example.edu", ProviderOpenAI, true)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", resolved.DefaultModel)
}

func TestResolveProviderFromEnv(t *testing.T) {
	r := NewResolver(&fakeDirectory{}, &Settings{
		OpenAIAPIKey:  "env-key",
		OpenAIBaseURL: "https://api.openai.com/v1",
		OpenAIModel:   "gpt-4o-mini",
		OllamaBaseURL: "http://localhost:11434",
	})

	resolved, err := r.ResolveProvider(context.Background(), "", ProviderOpenAI, false)
	require.NoError(t, err)
	assert.True(t, resolved.Enabled)
	assert.Equal(t, "env-key", resolved.APIKey)
	assert.Equal(t, []string{"gpt-4o-mini"}, resolved.Models)
	assert.Equal(t, SourceEnvVars, resolved.ConfigSource)

	// Ollama needs no key.
	resolved, err = r.ResolveProvider(context.Background(), "", ProviderOllama, false)
	require.NoError(t, err)
	assert.True(t, resolved.Enabled)
	assert.Equal(t, "http://localhost:11434", resolved.BaseURL)

	resolved, err = r.ResolveProvider(context.Background(), "", "unknown", false)
	require.NoError(t, err)
	assert.False(t, resolved.Enabled)
}

func TestResolveModelLadder(t *testing.T) {
	p := &ResolvedProvider{
		Provider:     ProviderOpenAI,
		DefaultModel: "gpt-4o-mini",
		Models:       []string{"gpt-4o", "gpt-4o-mini"},
	}

	model, substituted, err := p.ResolveModel("gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", model)
	assert.False(t, substituted)

	// Unlisted models substitute to the setup default.
	model, substituted, err = p.ResolveModel("gpt-3.5-turbo")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", model)
	assert.True(t, substituted)

	model, substituted, err = p.ResolveModel("")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", model)
	assert.False(t, substituted)

	p.DefaultModel = ""
	p.GlobalDefaultModel = "gpt-4o"
	model, _, err = p.ResolveModel("gpt-3.5-turbo")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", model)

	p.GlobalDefaultModel = ""
	model, _, err = p.ResolveModel("gpt-3.5-turbo")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", model)

	p.Models = nil
	_, _, err = p.ResolveModel("anything")
	assert.ErrorContains(t, err, "no model available")
}

func TestParseOrgConfig(t *testing.T) {
	cfg, err := ParseOrgConfig(nil)
	require.NoError(t, err)
	assert.NotNil(t, cfg.Setups)
	assert.True(t, cfg.SharingEnabled())

	_, err = ParseOrgConfig([]byte(`{not json`))
	assert.ErrorContains(t, err, "failed to parse organization config")

	disabled := false
	cfg = &OrgConfig{Features: Features{SharingEnabled: &disabled}}
	assert.False(t, cfg.SharingEnabled())
}

func TestValidateSettings(t *testing.T) {
	s := &Settings{APIKey: "k", LLMMaxConnections: 10}
	assert.NoError(t, s.Validate())

	assert.ErrorContains(t, (&Settings{LLMMaxConnections: 10}).Validate(), "API_KEY")
	assert.ErrorContains(t, (&Settings{APIKey: "k"}).Validate(), "LLM_MAX_CONNECTIONS")
}
