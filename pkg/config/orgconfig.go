package config

import (
	"encoding/json"
	"fmt"
)

// Provider names understood by the gateway.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderGoogle = "google"
)

// ProviderConfig is one provider entry inside an organization setup.
type ProviderConfig struct {
	Enabled      bool     `json:"enabled"`
	APIKey       string   `json:"api_key,omitempty"`
	BaseURL      string   `json:"base_url,omitempty"`
	DefaultModel string   `json:"default_model,omitempty"`
	Models       []string `json:"models,omitempty"`
}

// SmallFastModel names the cheap model used for auxiliary calls
// (title generation, tag extraction).
type SmallFastModel struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Setup groups provider configurations under a named key. Every
// organization must carry a "default" setup when referenced.
type Setup struct {
	Name           string                    `json:"name,omitempty"`
	Providers      map[string]ProviderConfig `json:"providers"`
	SmallFastModel *SmallFastModel           `json:"small_fast_model,omitempty"`
}

// Features toggles organization-level policies.
type Features struct {
	// SharingEnabled defaults to true when absent.
	SharingEnabled *bool `json:"sharing_enabled,omitempty"`
}

// OrgConfig is the nested configuration document stored per organization.
type OrgConfig struct {
	Version            string           `json:"version,omitempty"`
	Setups             map[string]Setup `json:"setups"`
	AssistantDefaults  map[string]any   `json:"assistant_defaults,omitempty"`
	Features           Features         `json:"features,omitempty"`
	GlobalDefaultModel *SmallFastModel  `json:"global_default_model,omitempty"`
	AnonymizeChats     bool             `json:"anonymize_chats,omitempty"`
}

// ParseOrgConfig decodes the stored JSON document.
func ParseOrgConfig(raw []byte) (*OrgConfig, error) {
	if len(raw) == 0 {
		return &OrgConfig{Setups: map[string]Setup{}}, nil
	}

	var cfg OrgConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse organization config: %w", err)
	}
	if cfg.Setups == nil {
		cfg.Setups = map[string]Setup{}
	}
	return &cfg, nil
}

// SharingEnabled reports the effective sharing policy (default true).
func (c *OrgConfig) SharingEnabled() bool {
	if c.Features.SharingEnabled == nil {
		return true
	}
	return *c.Features.SharingEnabled
}

// DefaultSetup returns the "default" setup if present.
func (c *OrgConfig) DefaultSetup() (Setup, bool) {
	setup, ok := c.Setups["default"]
	return setup, ok
}
