package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
providers:
  - name: openai
    backend: openai
    api_base: https://api.openai.com/v1
    api_key_env_var: OPENAI_API_KEY
  - name: qwen
    backend: qwen
models:
  - name: gpt-4o
    provider: openai
    temperature: 0.7
    input_price: 2.5
    output_price: 10
    context: 128000
    max_output: 16384
  - name: qwen3-coder-plus
    provider: qwen
    alias: qwen-fast
    context: 256000
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "revibe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Providers, 2)
	require.Len(t, cfg.Models, 2)
}

func TestLoad_AliasDefaultsToName(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	m, ok := cfg.ModelByAlias("gpt-4o")
	require.True(t, ok)
	assert.Equal(t, "gpt-4o", m.Alias)
}

func TestLoad_ExplicitAliasWins(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	m, ok := cfg.ModelByAlias("qwen-fast")
	require.True(t, ok)
	assert.Equal(t, "qwen3-coder-plus", m.Name)
}

func TestLoad_EnvOverridesAPIBase(t *testing.T) {
	t.Setenv("OPENAI_API_BASE", "http://localhost:8080/v1")
	path := writeConfig(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	p, ok := cfg.ProviderByName("openai")
	require.True(t, ok)
	assert.Equal(t, "http://localhost:8080/v1", p.APIBase)
}

func TestProviderByName_Unknown(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	_, ok := cfg.ProviderByName("nonexistent")
	assert.False(t, ok)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEnvPrefix(t *testing.T) {
	assert.Equal(t, "OPENAI", envPrefix("openai"))
	assert.Equal(t, "LM_STUDIO", envPrefix("lm-studio"))
}
