package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, 3.0, cfg.Search.MaxBoost)
	assert.Equal(t, 0.6, cfg.Reranker.BlendWeight)
	assert.Equal(t, 50, cfg.Reranker.MaxCandidates)
	assert.Equal(t, WeightPair{Vector: 0.2, Keyword: 0.8}, cfg.Search.KeywordPrimary)
	assert.Equal(t, WeightPair{Vector: 0.8, Keyword: 0.2}, cfg.Search.SemanticPrimary)
	assert.Equal(t, WeightPair{Vector: 0.5, Keyword: 0.5}, cfg.Search.Balanced)
	assert.Equal(t, 1.5, cfg.Lexical.K1)
	assert.Equal(t, 0.75, cfg.Lexical.B)
	assert.Equal(t, FieldWeights{CaseNumber: 10, Title: 5, Parties: 3, Court: 2, Body: 1}, cfg.Lexical.Fields)
	assert.Equal(t, 10, cfg.Search.DefaultLimit)
	assert.Equal(t, 100, cfg.Search.MaxLimit)
	assert.True(t, cfg.Telemetry.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestLoad_LayersProjectAndEnv(t *testing.T) {
	// Given: isolated user config dir and a project config
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dir := t.TempDir()
	project := `
search:
  max_boost: 2.5
  embedding_timeout: 5s
reranker:
  enabled: true
  blend_weight: 0.4
lexical:
  fields:
    title: 7
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ProjectConfigName), []byte(project), 0o644))
	t.Setenv("LEXSEARCH_BLEND_WEIGHT", "0.3")

	// When: loading
	cfg, err := Load(dir)
	require.NoError(t, err)

	// Then: project values override defaults, env overrides project
	assert.Equal(t, 2.5, cfg.Search.MaxBoost)
	assert.Equal(t, 5*time.Second, cfg.Search.EmbeddingTimeout)
	assert.True(t, cfg.Reranker.Enabled)
	assert.Equal(t, 0.3, cfg.Reranker.BlendWeight)
	assert.Equal(t, 7.0, cfg.Lexical.Fields.Title)
	assert.Equal(t, 10.0, cfg.Lexical.Fields.CaseNumber, "unset keys keep defaults")
	assert.Equal(t, filepath.Join(dir, ".lexsearch"), cfg.Paths.DataDir)
}

func TestLoad_UserConfigBelowProject(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	require.NoError(t, os.MkdirAll(filepath.Join(xdg, "lexsearch"), 0o755))
	require.NoError(t, os.WriteFile(GetUserConfigPath(), []byte("server:\n  port: 9000\nsearch:\n  max_boost: 1.0\n"), 0o644))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ProjectConfigName), []byte("search:\n  max_boost: 2.0\n"), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 2.0, cfg.Search.MaxBoost)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative max boost", func(c *Config) { c.Search.MaxBoost = -1 }},
		{"negative facet boost", func(c *Config) { c.Search.FacetBoost = -0.5 }},
		{"blend above one", func(c *Config) { c.Reranker.BlendWeight = 1.5 }},
		{"unknown mode", func(c *Config) { c.Search.DefaultMode = "fuzzy" }},
		{"unknown expansion", func(c *Config) { c.Search.ExpansionMode = "wild" }},
		{"unknown backend", func(c *Config) { c.Lexical.Backend = "fts5" }},
		{"unknown provider", func(c *Config) { c.Embeddings.Provider = "mlx" }},
		{"negative weight", func(c *Config) { c.Search.Balanced.Vector = -0.1 }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"zero score cap", func(c *Config) { c.Search.ScoreCap = 0 }},
		{"negative telemetry history", func(c *Config) { c.Telemetry.ZeroResultHistory = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWriteYAML_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := NewConfig()
	cfg.Search.MaxBoost = 2.25

	require.NoError(t, cfg.WriteYAML(path))

	loaded := NewConfig()
	require.NoError(t, loaded.loadYAML(path))
	assert.Equal(t, 2.25, loaded.Search.MaxBoost)
	assert.Equal(t, cfg.Search.EmbeddingTimeout, loaded.Search.EmbeddingTimeout)
}
