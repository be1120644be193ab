// Package config loads the provider/model configuration file this
// project's backend layer is built around: a flat YAML document naming
// providers (each selecting a backend tag and a transport) and models
// (each naming a provider and carrying pricing/limits), with environment
// variables providing per-provider overrides.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roelfdiedericks/revibe/internal/llmtypes"
)

// Config is the top-level document shape.
type Config struct {
	Providers []llmtypes.ProviderConfig `yaml:"providers"`
	Models    []llmtypes.ModelConfig    `yaml:"models"`
}

// Load reads and parses the YAML file at path, then applies environment
// overrides: API keys are not read here (each adapter reads the variable
// named by ProviderConfig.APIKeyEnvVar when it is constructed), but
// <PROVIDER>_API_BASE here overrides
// a provider's configured api_base, letting a deployment redirect traffic
// (e.g. to a local proxy) without editing the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	for i := range cfg.Providers {
		applyEnvOverrides(&cfg.Providers[i])
	}
	for i := range cfg.Models {
		if cfg.Models[i].Alias == "" {
			cfg.Models[i].Alias = cfg.Models[i].Name
		}
	}
	return &cfg, nil
}

func applyEnvOverrides(p *llmtypes.ProviderConfig) {
	envName := envPrefix(p.Name) + "_API_BASE"
	if v := os.Getenv(envName); v != "" {
		p.APIBase = v
	}
}

func envPrefix(providerName string) string {
	out := make([]rune, 0, len(providerName))
	for _, r := range providerName {
		switch {
		case r >= 'a' && r <= 'z':
			out = append(out, r-('a'-'A'))
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// ProviderByName looks up one provider config by name.
func (c *Config) ProviderByName(name string) (llmtypes.ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return llmtypes.ProviderConfig{}, false
}

// ModelByAlias looks up one model config by its user-facing alias.
func (c *Config) ModelByAlias(alias string) (llmtypes.ModelConfig, bool) {
	for _, m := range c.Models {
		if m.DisplayName() == alias {
			return m, true
		}
	}
	return llmtypes.ModelConfig{}, false
}
