package config

import (
	"context"
	"fmt"
	"log/slog"
)

// Config source tags reported alongside resolved providers.
const (
	SourceOrganization = "organization"
	SourceEnvVars      = "env_vars"
)

// OrgDirectory is the slice of the database the resolver needs: owner
// email to organization record. Implemented by pkg/database.
type OrgDirectory interface {
	// OrganizationForOwner returns the organization name and raw config
	// document for the creator user identified by email.
	OrganizationForOwner(ctx context.Context, email string) (name string, rawConfig []byte, err error)
}

// ResolvedProvider is the outcome of organization config resolution.
type ResolvedProvider struct {
	Provider         string
	Enabled          bool
	APIKey           string
	BaseURL          string
	DefaultModel     string
	Models           []string
	OrganizationName string
	ConfigSource     string

	// GlobalDefaultModel is the org-wide default, carried for the
	// connectors' model-resolution ladder. Empty when its provider
	// does not match.
	GlobalDefaultModel string
}

// HasModel reports whether model is in the allowed list.
func (r *ResolvedProvider) HasModel(model string) bool {
	for _, m := range r.Models {
		if m == model {
			return true
		}
	}
	return false
}

// ResolveModel applies the model-resolution ladder to a requested model:
// requested if listed, else the setup default, else the org-wide global
// default (same provider only), else the first listed model. The second
// return reports whether a substitution happened.
func (r *ResolvedProvider) ResolveModel(requested string) (string, bool, error) {
	if requested != "" && r.HasModel(requested) {
		return requested, false, nil
	}
	if r.DefaultModel != "" {
		return r.DefaultModel, requested != "" && requested != r.DefaultModel, nil
	}
	if r.GlobalDefaultModel != "" {
		return r.GlobalDefaultModel, requested != "" && requested != r.GlobalDefaultModel, nil
	}
	if len(r.Models) > 0 {
		return r.Models[0], requested != "" && requested != r.Models[0], nil
	}
	return "", false, fmt.Errorf("no model available for provider %s", r.Provider)
}

// Resolver maps assistant owner emails to provider configuration.
type Resolver struct {
	directory OrgDirectory
	settings  *Settings
}

func NewResolver(directory OrgDirectory, settings *Settings) *Resolver {
	return &Resolver{
		directory: directory,
		settings:  settings,
	}
}

// ResolveProvider resolves the provider configuration for an assistant owner.
//
// Environment values are used only when owner is empty. When an owner is
// present but its organization cannot be loaded, the provider resolves as
// disabled with an empty model list: tenant sessions never silently fall
// back onto process-level credentials.
func (r *Resolver) ResolveProvider(ctx context.Context, owner, provider string, useSmallFastModel bool) (*ResolvedProvider, error) {
	if owner == "" {
		return r.envProvider(provider), nil
	}

	orgName, rawConfig, err := r.directory.OrganizationForOwner(ctx, owner)
	if err != nil {
		slog.Warn("organization lookup failed, provider disabled",
			"owner", owner, "provider", provider, "error", err)
		return &ResolvedProvider{
			Provider:     provider,
			Enabled:      false,
			Models:       []string{},
			ConfigSource: SourceOrganization,
		}, nil
	}

	cfg, err := ParseOrgConfig(rawConfig)
	if err != nil {
		return nil, err
	}

	setup, ok := cfg.DefaultSetup()
	if !ok {
		return &ResolvedProvider{
			Provider:         provider,
			Enabled:          false,
			Models:           []string{},
			OrganizationName: orgName,
			ConfigSource:     SourceOrganization,
		}, nil
	}

	pc, ok := setup.Providers[provider]
	if !ok || !pc.Enabled {
		return &ResolvedProvider{
			Provider:         provider,
			Enabled:          false,
			Models:           []string{},
			OrganizationName: orgName,
			ConfigSource:     SourceOrganization,
		}, nil
	}

	resolved := &ResolvedProvider{
		Provider:         provider,
		Enabled:          true,
		APIKey:           pc.APIKey,
		BaseURL:          pc.BaseURL,
		DefaultModel:     pc.DefaultModel,
		Models:           pc.Models,
		OrganizationName: orgName,
		ConfigSource:     SourceOrganization,
	}

	if cfg.GlobalDefaultModel != nil && cfg.GlobalDefaultModel.Provider == provider {
		resolved.GlobalDefaultModel = cfg.GlobalDefaultModel.Model
	}

	if useSmallFastModel && setup.SmallFastModel != nil && setup.SmallFastModel.Provider == provider {
		resolved.DefaultModel = setup.SmallFastModel.Model
	}

	return resolved, nil
}

// envProvider builds a provider from process environment values. Only used
// for ownerless requests.
func (r *Resolver) envProvider(provider string) *ResolvedProvider {
	resolved := &ResolvedProvider{
		Provider:     provider,
		ConfigSource: SourceEnvVars,
	}

	switch provider {
	case ProviderOpenAI:
		resolved.Enabled = r.settings.OpenAIAPIKey != ""
		resolved.APIKey = r.settings.OpenAIAPIKey
		resolved.BaseURL = r.settings.OpenAIBaseURL
		resolved.DefaultModel = r.settings.OpenAIModel
		if resolved.DefaultModel != "" {
			resolved.Models = []string{resolved.DefaultModel}
		}
	case ProviderOllama:
		resolved.Enabled = true
		resolved.BaseURL = r.settings.OllamaBaseURL
	case ProviderGoogle:
		resolved.Enabled = r.settings.GoogleAPIKey != ""
		resolved.APIKey = r.settings.GoogleAPIKey
	default:
		resolved.Enabled = false
	}

	if resolved.Models == nil {
		resolved.Models = []string{}
	}

	return resolved
}
