package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)

	// Watching and cycles
	assert.Equal(t, DefaultDebounce, cfg.Watch.Debounce)
	assert.Equal(t, DefaultSuppressGrace, cfg.Watch.SuppressGrace)
	assert.Equal(t, DefaultBatchSize, cfg.Cycle.BatchSize)
	assert.Equal(t, DefaultIdleTime, cfg.Cycle.IdleTime)

	// Clustering
	assert.Equal(t, 2, cfg.Clustering.MinClusterSize)
	assert.Equal(t, 0.5, cfg.Clustering.OverlapThreshold)

	// Embeddings defaults
	assert.Equal(t, DefaultEmbeddingProvider, cfg.Embeddings.Provider)
	assert.Equal(t, DefaultOllamaURL, cfg.Embeddings.Ollama.URL)
	assert.Equal(t, DefaultOllamaEmbedModel, cfg.Embeddings.Ollama.Model)
	assert.Equal(t, DefaultEmbedMaxAttempts, cfg.Embeddings.MaxAttempts)

	// Naming
	assert.True(t, cfg.Naming.Enabled)
	assert.Equal(t, 5, cfg.Naming.MaxSamples)
	assert.Equal(t, 500, cfg.Naming.SampleChars)
	assert.Equal(t, DefaultNamingAttempts, cfg.Naming.MaxAttempts)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)

	assert.Contains(t, cfg.Ignore, "*.crdownload")
	assert.Contains(t, cfg.Extraction.Include, "**/*.pdf")
	assert.NoError(t, cfg.Validate())
}

func TestDefaultIgnorePatterns(t *testing.T) {
	patterns := DefaultIgnorePatterns()

	for _, expected := range []string{"*.tmp", "*.crdownload", "*.part", ".git/", ".DS_Store"} {
		assert.Contains(t, patterns, expected, "Expected pattern %s not found", expected)
	}
}

func TestDatabasePathFor(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, filepath.Join("/data/docs", ".sefs", "state.db"), cfg.DatabasePathFor("/data/docs"))

	cfg.Database.Path = "/var/lib/sefs/custom.db"
	assert.Equal(t, "/var/lib/sefs/custom.db", cfg.DatabasePathFor("/data/docs"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero min cluster size", func(c *Config) { c.Clustering.MinClusterSize = 0 }},
		{"threshold too high", func(c *Config) { c.Clustering.OverlapThreshold = 1 }},
		{"threshold zero", func(c *Config) { c.Clustering.OverlapThreshold = 0 }},
		{"eps out of range", func(c *Config) { c.Clustering.Eps = 3 }},
		{"zero batch", func(c *Config) { c.Cycle.BatchSize = 0 }},
		{"zero workers", func(c *Config) { c.Cycle.Workers = 0 }},
		{"overlap exceeds chunk", func(c *Config) { c.Extraction.ChunkOverlap = c.Extraction.ChunkSize }},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoadWithConfigFile(t *testing.T) {
	viper.Reset()
	cfg = nil

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
root: /home/me/Documents
database:
  path: /custom/path/state.db
watch:
  debounce: 2s
cycle:
  batch_size: 25
  idle_time: 30s
clustering:
  min_cluster_size: 3
  overlap_threshold: 0.6
embeddings:
  provider: openai
  openai:
    model: text-embedding-3-large
    base_url: https://custom-api.example.com
llm:
  provider: anthropic
  anthropic:
    model: claude-3-opus-20240229
naming:
  enabled: false
metrics:
  addr: ":9109"
ignore:
  - "scratch/"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	require.NoError(t, Load(configPath))
	loaded := Get()

	assert.Equal(t, "/home/me/Documents", loaded.Root)
	assert.Equal(t, "/custom/path/state.db", loaded.Database.Path)
	assert.Equal(t, 2*time.Second, loaded.Watch.Debounce)
	assert.Equal(t, DefaultSuppressGrace, loaded.Watch.SuppressGrace)
	assert.Equal(t, 25, loaded.Cycle.BatchSize)
	assert.Equal(t, 30*time.Second, loaded.Cycle.IdleTime)
	assert.Equal(t, 3, loaded.Clustering.MinClusterSize)
	assert.Equal(t, 0.6, loaded.Clustering.OverlapThreshold)
	assert.Equal(t, "openai", loaded.Embeddings.Provider)
	assert.Equal(t, "https://custom-api.example.com", loaded.Embeddings.OpenAI.BaseURL)
	assert.Equal(t, "anthropic", loaded.LLM.Provider)
	assert.False(t, loaded.Naming.Enabled)
	assert.Equal(t, ":9109", loaded.Metrics.Addr)
	assert.Contains(t, loaded.Ignore, "scratch/")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	viper.Reset()
	cfg = nil

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("clustering:\n  overlap_threshold: 1.5\n"), 0644))

	err := Load(configPath)
	assert.ErrorContains(t, err, "overlap_threshold")
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	viper.Reset()
	cfg = nil

	t.Setenv("SEFS_EMBEDDINGS_PROVIDER", "openai")
	t.Setenv("SEFS_LLM_PROVIDER", "anthropic")
	t.Setenv("SEFS_CYCLE_BATCH_SIZE", "50")
	t.Setenv("OPENAI_API_KEY", "test-api-key")
	t.Setenv("ANTHROPIC_API_KEY", "test-anthropic-key")

	require.NoError(t, Load(""))
	loaded := Get()

	assert.Equal(t, "openai", loaded.Embeddings.Provider)
	assert.Equal(t, "anthropic", loaded.LLM.Provider)
	assert.Equal(t, 50, loaded.Cycle.BatchSize)
	assert.Equal(t, "test-api-key", loaded.Embeddings.OpenAI.APIKey)
	assert.Equal(t, "test-api-key", loaded.LLM.OpenAI.APIKey)
	assert.Equal(t, "test-anthropic-key", loaded.LLM.Anthropic.APIKey)
}

func TestLoadMissingConfigFile(t *testing.T) {
	viper.Reset()
	cfg = nil

	require.NoError(t, Load(""))
	loaded := Get()

	assert.Equal(t, DefaultEmbeddingProvider, loaded.Embeddings.Provider)
	assert.Equal(t, DefaultMinClusterSize, loaded.Clustering.MinClusterSize)
}

func TestGet(t *testing.T) {
	cfg = nil

	c1 := Get()
	assert.NotNil(t, c1)

	c2 := Get()
	assert.Same(t, c1, c2)
}

func TestGlobalConfigPath(t *testing.T) {
	path := GlobalConfigPath()
	assert.Contains(t, path, "sefs")
	assert.Contains(t, path, "config.yaml")
}
