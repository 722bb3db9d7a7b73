package config

import (
	"os"
	"path/filepath"
	"time"
)

// Default configuration values
const (
	// Watching
	DefaultDebounce      = time.Second
	DefaultSuppressGrace = 5 * time.Second
	DefaultRenameGrace   = 10 * time.Second

	// Cycles
	DefaultBatchSize     = 10
	DefaultIdleTime      = 5 * time.Second
	DefaultRetryInterval = 5 * time.Minute
	DefaultWorkers       = 4

	// Clustering
	DefaultMinClusterSize   = 2
	DefaultOverlapThreshold = 0.5
	DefaultEps              = 0.35
	DefaultMinSamples       = 2

	// Extraction
	DefaultMaxFileSize   = 20 << 20 // 20MB
	DefaultMaxTextLength = 8000
	DefaultChunkSize     = 2000
	DefaultChunkOverlap  = 200

	// Embedding defaults
	DefaultEmbeddingProvider = "ollama"
	DefaultOllamaURL         = "http://localhost:11434"
	DefaultOllamaEmbedModel  = "nomic-embed-text"
	DefaultOpenAIEmbedModel  = "text-embedding-3-small"
	DefaultEmbedMaxAttempts  = 3
	DefaultEmbedBackoff      = time.Second

	// LLM defaults
	DefaultLLMProvider    = "ollama"
	DefaultOllamaLLMModel = "llama3"
	DefaultOpenAILLMModel = "gpt-4o-mini"
	DefaultAnthropicModel = "claude-3-haiku-20240307"

	// Naming
	DefaultNamingSamples  = 5
	DefaultSampleChars    = 500
	DefaultNamingTimeout  = 30 * time.Second
	DefaultNamingRate     = 1.0
	DefaultNamingAttempts = 3

	// Logging
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"

	// State
	DefaultStateDirName = ".sefs"
	DefaultDBFileName   = "state.db"
)

// DefaultIncludePatterns returns the glob patterns of files that are organized.
func DefaultIncludePatterns() []string {
	return []string{
		"**/*.txt",
		"**/*.md",
		"**/*.markdown",
		"**/*.rst",
		"**/*.csv",
		"**/*.json",
		"**/*.yaml",
		"**/*.yml",
		"**/*.html",
		"**/*.htm",
		"**/*.pdf",
		"**/*.docx",
		"**/*.go",
		"**/*.py",
		"**/*.js",
		"**/*.ts",
	}
}

// DefaultIgnorePatterns returns the default list of file patterns to ignore.
func DefaultIgnorePatterns() []string {
	return []string{
		// Partial downloads and editor scratch files
		"*.tmp",
		"*.crdownload",
		"*.part",
		"*.swp",
		"*.swo",
		"*~",

		// Version control
		".git/",
		".svn/",
		".hg/",

		// Dependencies
		"node_modules/",
		"vendor/",
		".venv/",

		// Misc
		".DS_Store",
		"Thumbs.db",
		"desktop.ini",
		".env",
		".env.*",
	}
}

// DefaultConfigDir returns the default configuration directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/sefs"
	}
	return filepath.Join(home, ".config", "sefs")
}

// StateDir returns the directory holding sefs state for a root.
func StateDir(root string) string {
	return filepath.Join(root, DefaultStateDirName)
}

// DefaultDatabasePath returns the default database file path for a root.
func DefaultDatabasePath(root string) string {
	return filepath.Join(StateDir(root), DefaultDBFileName)
}
