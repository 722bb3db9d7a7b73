// Package config handles configuration loading and validation for sefs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the complete sefs configuration.
type Config struct {
	Root       string           `mapstructure:"root" yaml:"root"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Watch      WatchConfig      `mapstructure:"watch" yaml:"watch"`
	Cycle      CycleConfig      `mapstructure:"cycle" yaml:"cycle"`
	Clustering ClusteringConfig `mapstructure:"clustering" yaml:"clustering"`
	Extraction ExtractionConfig `mapstructure:"extraction" yaml:"extraction"`
	Embeddings EmbeddingsConfig `mapstructure:"embeddings" yaml:"embeddings"`
	LLM        LLMConfig        `mapstructure:"llm" yaml:"llm"`
	Naming     NamingConfig     `mapstructure:"naming" yaml:"naming"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Ignore     []string         `mapstructure:"ignore" yaml:"ignore"`
}

// DatabaseConfig configures the SQLite database.
// An empty path places the database under the watched root.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// WatchConfig configures change detection.
type WatchConfig struct {
	Debounce      time.Duration `mapstructure:"debounce" yaml:"debounce"`
	SuppressGrace time.Duration `mapstructure:"suppress_grace" yaml:"suppress_grace"`
	RenameGrace   time.Duration `mapstructure:"rename_grace" yaml:"rename_grace"`
}

// CycleConfig configures when clustering cycles run.
type CycleConfig struct {
	BatchSize     int           `mapstructure:"batch_size" yaml:"batch_size"`
	IdleTime      time.Duration `mapstructure:"idle_time" yaml:"idle_time"`
	RetryInterval time.Duration `mapstructure:"retry_interval" yaml:"retry_interval"`
	Workers       int           `mapstructure:"workers" yaml:"workers"`
}

// ClusteringConfig configures clustering and cluster-id reconciliation.
type ClusteringConfig struct {
	MinClusterSize   int     `mapstructure:"min_cluster_size" yaml:"min_cluster_size"`
	OverlapThreshold float64 `mapstructure:"overlap_threshold" yaml:"overlap_threshold"`
	Eps              float64 `mapstructure:"eps" yaml:"eps"`
	MinSamples       int     `mapstructure:"min_samples" yaml:"min_samples"`
}

// ExtractionConfig configures text extraction.
type ExtractionConfig struct {
	MaxFileSize   int      `mapstructure:"max_file_size" yaml:"max_file_size"`
	MaxTextLength int      `mapstructure:"max_text_length" yaml:"max_text_length"`
	ChunkSize     int      `mapstructure:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap  int      `mapstructure:"chunk_overlap" yaml:"chunk_overlap"`
	Include       []string `mapstructure:"include" yaml:"include"`
}

// EmbeddingsConfig configures the embedding service.
type EmbeddingsConfig struct {
	Provider       string            `mapstructure:"provider" yaml:"provider"`
	Ollama         OllamaEmbedConfig `mapstructure:"ollama" yaml:"ollama"`
	OpenAI         OpenAIEmbedConfig `mapstructure:"openai" yaml:"openai"`
	MaxAttempts    int               `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialBackoff time.Duration     `mapstructure:"initial_backoff" yaml:"initial_backoff"`
}

// OllamaEmbedConfig configures Ollama embeddings.
type OllamaEmbedConfig struct {
	URL   string `mapstructure:"url" yaml:"url"`
	Model string `mapstructure:"model" yaml:"model"`

	// KeepAlive is how long the server keeps the model loaded, e.g. "10m".
	// Empty uses the server default.
	KeepAlive string `mapstructure:"keep_alive" yaml:"keep_alive,omitempty"`
}

// OpenAIEmbedConfig configures OpenAI embeddings.
type OpenAIEmbedConfig struct {
	Model      string `mapstructure:"model" yaml:"model"`
	BaseURL    string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	APIKey     string `mapstructure:"api_key" yaml:"-"`
	Dimensions int    `mapstructure:"dimensions" yaml:"dimensions,omitempty"`
}

// LLMConfig configures the LLM used for folder naming.
type LLMConfig struct {
	Provider  string          `mapstructure:"provider" yaml:"provider"`
	Ollama    OllamaLLMConfig `mapstructure:"ollama" yaml:"ollama"`
	OpenAI    OpenAILLMConfig `mapstructure:"openai" yaml:"openai"`
	Anthropic AnthropicConfig `mapstructure:"anthropic" yaml:"anthropic"`
}

// OllamaLLMConfig configures Ollama LLM.
type OllamaLLMConfig struct {
	URL   string `mapstructure:"url" yaml:"url"`
	Model string `mapstructure:"model" yaml:"model"`
}

// OpenAILLMConfig configures OpenAI LLM.
type OpenAILLMConfig struct {
	Model   string `mapstructure:"model" yaml:"model"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	APIKey  string `mapstructure:"api_key" yaml:"-"`
}

// AnthropicConfig configures Anthropic LLM.
type AnthropicConfig struct {
	Model  string `mapstructure:"model" yaml:"model"`
	APIKey string `mapstructure:"api_key" yaml:"-"`
}

// NamingConfig configures AI folder naming.
type NamingConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxSamples    int           `mapstructure:"max_samples" yaml:"max_samples"`
	SampleChars   int           `mapstructure:"sample_chars" yaml:"sample_chars"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	MaxAttempts   int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// MetricsConfig configures the Prometheus endpoint. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // text, logfmt or json
	Timestamps bool   `mapstructure:"timestamps" yaml:"timestamps"`
}

// Global configuration instance
var cfg *Config

// Get returns the current configuration.
func Get() *Config {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return cfg
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Watch: WatchConfig{
			Debounce:      DefaultDebounce,
			SuppressGrace: DefaultSuppressGrace,
			RenameGrace:   DefaultRenameGrace,
		},
		Cycle: CycleConfig{
			BatchSize:     DefaultBatchSize,
			IdleTime:      DefaultIdleTime,
			RetryInterval: DefaultRetryInterval,
			Workers:       DefaultWorkers,
		},
		Clustering: ClusteringConfig{
			MinClusterSize:   DefaultMinClusterSize,
			OverlapThreshold: DefaultOverlapThreshold,
			Eps:              DefaultEps,
			MinSamples:       DefaultMinSamples,
		},
		Extraction: ExtractionConfig{
			MaxFileSize:   DefaultMaxFileSize,
			MaxTextLength: DefaultMaxTextLength,
			ChunkSize:     DefaultChunkSize,
			ChunkOverlap:  DefaultChunkOverlap,
			Include:       DefaultIncludePatterns(),
		},
		Embeddings: EmbeddingsConfig{
			Provider: DefaultEmbeddingProvider,
			Ollama: OllamaEmbedConfig{
				URL:   DefaultOllamaURL,
				Model: DefaultOllamaEmbedModel,
			},
			OpenAI: OpenAIEmbedConfig{
				Model: DefaultOpenAIEmbedModel,
			},
			MaxAttempts:    DefaultEmbedMaxAttempts,
			InitialBackoff: DefaultEmbedBackoff,
		},
		LLM: LLMConfig{
			Provider: DefaultLLMProvider,
			Ollama: OllamaLLMConfig{
				URL:   DefaultOllamaURL,
				Model: DefaultOllamaLLMModel,
			},
			OpenAI: OpenAILLMConfig{
				Model: DefaultOpenAILLMModel,
			},
			Anthropic: AnthropicConfig{
				Model: DefaultAnthropicModel,
			},
		},
		Naming: NamingConfig{
			Enabled:       true,
			MaxSamples:    DefaultNamingSamples,
			SampleChars:   DefaultSampleChars,
			Timeout:       DefaultNamingTimeout,
			RatePerSecond: DefaultNamingRate,
			MaxAttempts:   DefaultNamingAttempts,
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Ignore: DefaultIgnorePatterns(),
	}
}

// Load reads configuration from file and environment variables.
// A .env file in the working directory is loaded first; it never overrides
// variables that are already set.
func Load(configFile string) error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debug("Ignoring unreadable .env file", "error", err)
	}

	setDefaults()

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(DefaultConfigDir())
		viper.AddConfigPath(".")

		// .sefsrc.yaml in the current directory or a parent wins
		if rcPath := findRCFile(); rcPath != "" {
			viper.SetConfigFile(rcPath)
		}
	}

	viper.SetEnvPrefix("SEFS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		log.Debug("No config file found, using defaults")
	} else {
		log.Debug("Loaded config from", "file", viper.ConfigFileUsed())
	}

	cfg = &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("error parsing config: %w", err)
	}

	loadAPIKeysFromEnv()

	return cfg.Validate()
}

// setDefaults sets default values in viper.
func setDefaults() {
	viper.SetDefault("root", "")
	viper.SetDefault("database.path", "")

	// Watching
	viper.SetDefault("watch.debounce", DefaultDebounce)
	viper.SetDefault("watch.suppress_grace", DefaultSuppressGrace)
	viper.SetDefault("watch.rename_grace", DefaultRenameGrace)

	// Cycles
	viper.SetDefault("cycle.batch_size", DefaultBatchSize)
	viper.SetDefault("cycle.idle_time", DefaultIdleTime)
	viper.SetDefault("cycle.retry_interval", DefaultRetryInterval)
	viper.SetDefault("cycle.workers", DefaultWorkers)

	// Clustering
	viper.SetDefault("clustering.min_cluster_size", DefaultMinClusterSize)
	viper.SetDefault("clustering.overlap_threshold", DefaultOverlapThreshold)
	viper.SetDefault("clustering.eps", DefaultEps)
	viper.SetDefault("clustering.min_samples", DefaultMinSamples)

	// Extraction
	viper.SetDefault("extraction.max_file_size", DefaultMaxFileSize)
	viper.SetDefault("extraction.max_text_length", DefaultMaxTextLength)
	viper.SetDefault("extraction.chunk_size", DefaultChunkSize)
	viper.SetDefault("extraction.chunk_overlap", DefaultChunkOverlap)
	viper.SetDefault("extraction.include", DefaultIncludePatterns())

	// Embeddings
	viper.SetDefault("embeddings.provider", DefaultEmbeddingProvider)
	viper.SetDefault("embeddings.ollama.url", DefaultOllamaURL)
	viper.SetDefault("embeddings.ollama.model", DefaultOllamaEmbedModel)
	viper.SetDefault("embeddings.openai.model", DefaultOpenAIEmbedModel)
	viper.SetDefault("embeddings.max_attempts", DefaultEmbedMaxAttempts)
	viper.SetDefault("embeddings.initial_backoff", DefaultEmbedBackoff)

	// LLM
	viper.SetDefault("llm.provider", DefaultLLMProvider)
	viper.SetDefault("llm.ollama.url", DefaultOllamaURL)
	viper.SetDefault("llm.ollama.model", DefaultOllamaLLMModel)
	viper.SetDefault("llm.openai.model", DefaultOpenAILLMModel)
	viper.SetDefault("llm.anthropic.model", DefaultAnthropicModel)

	// Naming
	viper.SetDefault("naming.enabled", true)
	viper.SetDefault("naming.max_samples", DefaultNamingSamples)
	viper.SetDefault("naming.sample_chars", DefaultSampleChars)
	viper.SetDefault("naming.timeout", DefaultNamingTimeout)
	viper.SetDefault("naming.rate_per_second", DefaultNamingRate)
	viper.SetDefault("naming.max_attempts", DefaultNamingAttempts)

	viper.SetDefault("metrics.addr", "")
	viper.SetDefault("log.level", DefaultLogLevel)
	viper.SetDefault("log.format", DefaultLogFormat)
	viper.SetDefault("log.timestamps", false)
	viper.SetDefault("ignore", DefaultIgnorePatterns())
}

// Validate checks that numeric settings are usable.
func (c *Config) Validate() error {
	if c.Clustering.MinClusterSize < 1 {
		return fmt.Errorf("clustering.min_cluster_size must be at least 1, got %d", c.Clustering.MinClusterSize)
	}
	if c.Clustering.OverlapThreshold <= 0 || c.Clustering.OverlapThreshold >= 1 {
		return fmt.Errorf("clustering.overlap_threshold must be between 0 and 1, got %g", c.Clustering.OverlapThreshold)
	}
	if c.Clustering.Eps <= 0 || c.Clustering.Eps > 2 {
		return fmt.Errorf("clustering.eps must be in (0, 2], got %g", c.Clustering.Eps)
	}
	if c.Cycle.BatchSize < 1 {
		return fmt.Errorf("cycle.batch_size must be at least 1, got %d", c.Cycle.BatchSize)
	}
	if c.Cycle.Workers < 1 {
		return fmt.Errorf("cycle.workers must be at least 1, got %d", c.Cycle.Workers)
	}
	switch c.Log.Format {
	case "", "text", "logfmt", "json":
	default:
		return fmt.Errorf("log.format must be text, logfmt or json, got %q", c.Log.Format)
	}
	if c.Extraction.ChunkOverlap >= c.Extraction.ChunkSize {
		return fmt.Errorf("extraction.chunk_overlap (%d) must be smaller than chunk_size (%d)",
			c.Extraction.ChunkOverlap, c.Extraction.ChunkSize)
	}
	return nil
}

// DatabasePathFor returns the configured database path, or the default
// location inside root when none is set.
func (c *Config) DatabasePathFor(root string) string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return DefaultDatabasePath(root)
}

// findRCFile searches for .sefsrc.yaml starting from current directory.
func findRCFile() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		rcPath := filepath.Join(dir, ".sefsrc.yaml")
		if _, err := os.Stat(rcPath); err == nil {
			return rcPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// loadAPIKeysFromEnv loads API keys from environment variables if not already set.
func loadAPIKeysFromEnv() {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if cfg.Embeddings.OpenAI.APIKey == "" {
			cfg.Embeddings.OpenAI.APIKey = key
		}
		if cfg.LLM.OpenAI.APIKey == "" {
			cfg.LLM.OpenAI.APIKey = key
		}
	}

	if cfg.LLM.Anthropic.APIKey == "" {
		if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			cfg.LLM.Anthropic.APIKey = key
		}
	}
}

// ConfigFilePath returns the path of the loaded config file, or empty string if none.
func ConfigFilePath() string {
	return viper.ConfigFileUsed()
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}
