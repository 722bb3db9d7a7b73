package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nickcecere/sefs/internal/config"
	"github.com/nickcecere/sefs/internal/ui"
)

var (
	configShowPath bool
	configYAML     bool
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show configuration",
	Long: `Display the effective configuration and config file locations.

Examples:
  # Show current configuration
  sefs config

  # Dump it as YAML (a starting point for config.yaml)
  sefs config --yaml > ~/.config/sefs/config.yaml

  # Show config file paths
  sefs config --path`,
	RunE: runConfig,
}

func init() {
	configCmd.Flags().BoolVar(&configShowPath, "path", false, "show config file paths")
	configCmd.Flags().BoolVar(&configYAML, "yaml", false, "print the effective configuration as YAML")
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg := config.Get()
	out := cmd.OutOrStdout()

	switch {
	case configShowPath:
		showConfigPaths(out, cfg)
		return nil
	case configYAML:
		return writeConfigYAML(out, cfg)
	}

	showConfig(out, cfg)
	return nil
}

func showConfigPaths(w io.Writer, cfg *config.Config) {
	active := config.ConfigFilePath()
	if active == "" {
		active = "(none, using defaults)"
	}
	database := cfg.Database.Path
	if database == "" {
		database = "<root>/.sefs/state.db"
	}

	fmt.Fprintln(w, ui.SectionTitle.Render("Configuration Paths"))
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Global config: %s\n", config.GlobalConfigPath())
	fmt.Fprintf(w, "Local config:  .sefsrc.yaml (searched from cwd upward)\n")
	fmt.Fprintf(w, "Active config: %s\n", active)
	fmt.Fprintf(w, "Database:      %s\n", database)
}

// writeConfigYAML dumps cfg. API keys are tagged out of the YAML form.
func writeConfigYAML(w io.Writer, cfg *config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

func showConfig(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, ui.SectionTitle.Render("Current Configuration"))
	fmt.Fprintln(w)

	root := cfg.Root
	if root == "" {
		root = "(current directory)"
	}
	fmt.Fprintf(w, "%s %s\n\n", ui.Bold.Render("Root:"), root)

	fmt.Fprintln(w, ui.Bold.Render("Watching:"))
	fmt.Fprintf(w, "  Debounce: %s\n", cfg.Watch.Debounce)
	fmt.Fprintf(w, "  Move Suppression: %s\n", cfg.Watch.SuppressGrace)
	fmt.Fprintln(w)

	fmt.Fprintln(w, ui.Bold.Render("Cycles:"))
	fmt.Fprintf(w, "  Batch Size: %d\n", cfg.Cycle.BatchSize)
	fmt.Fprintf(w, "  Idle Time: %s\n", cfg.Cycle.IdleTime)
	fmt.Fprintf(w, "  Retry Interval: %s\n", cfg.Cycle.RetryInterval)
	fmt.Fprintf(w, "  Workers: %d\n", cfg.Cycle.Workers)
	fmt.Fprintln(w)

	fmt.Fprintln(w, ui.Bold.Render("Clustering:"))
	fmt.Fprintf(w, "  Eps: %.2f\n", cfg.Clustering.Eps)
	fmt.Fprintf(w, "  Min Samples: %d\n", cfg.Clustering.MinSamples)
	fmt.Fprintf(w, "  Min Cluster Size: %d\n", cfg.Clustering.MinClusterSize)
	fmt.Fprintf(w, "  Overlap Threshold: %.2f\n", cfg.Clustering.OverlapThreshold)
	fmt.Fprintln(w)

	fmt.Fprintln(w, ui.Bold.Render("Extraction:"))
	fmt.Fprintf(w, "  Max File Size: %s\n", formatBytes(int64(cfg.Extraction.MaxFileSize)))
	fmt.Fprintf(w, "  Max Text Length: %d\n", cfg.Extraction.MaxTextLength)
	fmt.Fprintf(w, "  Chunk Size: %d\n", cfg.Extraction.ChunkSize)
	fmt.Fprintf(w, "  Chunk Overlap: %d\n", cfg.Extraction.ChunkOverlap)
	fmt.Fprintf(w, "  Include Patterns: %d\n", len(cfg.Extraction.Include))
	fmt.Fprintln(w)

	fmt.Fprintln(w, ui.Bold.Render("Embeddings:"))
	fmt.Fprintf(w, "  Provider: %s\n", cfg.Embeddings.Provider)
	fmt.Fprintf(w, "  Ollama URL: %s\n", cfg.Embeddings.Ollama.URL)
	fmt.Fprintf(w, "  Ollama Model: %s\n", cfg.Embeddings.Ollama.Model)
	fmt.Fprintf(w, "  OpenAI Model: %s\n", cfg.Embeddings.OpenAI.Model)
	if cfg.Embeddings.OpenAI.BaseURL != "" {
		fmt.Fprintf(w, "  OpenAI Base URL: %s\n", cfg.Embeddings.OpenAI.BaseURL)
	}
	fmt.Fprintf(w, "  OpenAI API Key: %s\n", keyState(cfg.Embeddings.OpenAI.APIKey))
	fmt.Fprintln(w)

	fmt.Fprintln(w, ui.Bold.Render("Naming:"))
	fmt.Fprintf(w, "  Enabled: %t\n", cfg.Naming.Enabled)
	fmt.Fprintf(w, "  LLM Provider: %s\n", cfg.LLM.Provider)
	fmt.Fprintf(w, "  Ollama Model: %s\n", cfg.LLM.Ollama.Model)
	fmt.Fprintf(w, "  OpenAI Model: %s\n", cfg.LLM.OpenAI.Model)
	fmt.Fprintf(w, "  Anthropic Model: %s\n", cfg.LLM.Anthropic.Model)
	fmt.Fprintf(w, "  Samples: %d x %d chars\n", cfg.Naming.MaxSamples, cfg.Naming.SampleChars)
	fmt.Fprintf(w, "  Timeout: %s\n", cfg.Naming.Timeout)
	fmt.Fprintf(w, "  Attempts: %d\n", cfg.Naming.MaxAttempts)
	fmt.Fprintln(w)

	metricsAddr := cfg.Metrics.Addr
	if metricsAddr == "" {
		metricsAddr = "(disabled)"
	}
	fmt.Fprintf(w, "%s %s\n", ui.Bold.Render("Metrics:"), metricsAddr)
	fmt.Fprintf(w, "%s %s (%s)\n\n", ui.Bold.Render("Logging:"), cfg.Log.Level, cfg.Log.Format)

	fmt.Fprintln(w, ui.Bold.Render("Ignore Patterns:"))
	fmt.Fprintf(w, "  %d patterns configured\n", len(cfg.Ignore))
}

func keyState(key string) string {
	if key == "" {
		return "not set"
	}
	return "set"
}
