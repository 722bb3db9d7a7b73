// Package cli implements the command-line interface for sefs.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nickcecere/sefs/internal/config"
	"github.com/nickcecere/sefs/internal/engine"
	"github.com/nickcecere/sefs/internal/ui"
)

var (
	// Version information set at build time
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile string
	debug   bool
)

// SetVersionInfo sets the version information from build flags.
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sefs",
	Short: "Semantic entropy file system",
	Long: `sefs watches a directory and keeps it organized by meaning.

Files are embedded with a local (Ollama) or cloud (OpenAI) model, grouped
with density-based clustering, and moved into AI-named folders. Cluster
identities survive re-clustering, so folders stay put as the tree changes.

Examples:
  # Organize the current directory and keep watching it
  sefs run

  # Organize once and exit
  sefs scan ~/Downloads

  # Show the current folder layout
  sefs layout

  # Find files similar to a file or a phrase
  sefs similar notes/meeting.md
  sefs similar "quarterly invoices"`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ui.SetDebug(debug)
		if debug {
			log.Debug("Debug logging enabled")
		}

		if err := config.Load(cfgFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return ui.ConfigureLogger(config.Get().Log, debug)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	ui.InitLogger()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/sefs/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(layoutCmd)
	rootCmd.AddCommand(similarCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(versionCmd)
}

// versionCmd shows version information
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "sefs %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

// resolveRoot picks the watched directory: the positional argument, then
// the configured root, then the working directory.
func resolveRoot(args []string, cfg *config.Config) (string, error) {
	path := "."
	switch {
	case len(args) > 0:
		path = args[0]
	case cfg.Root != "":
		path = cfg.Root
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("path does not exist: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("path is not a directory: %s", absPath)
	}
	return absPath, nil
}

// openEngine resolves the root and opens the engine over it.
func openEngine(args []string, opts ...engine.Option) (*engine.Engine, error) {
	cfg := config.Get()
	root, err := resolveRoot(args, cfg)
	if err != nil {
		return nil, err
	}
	return engine.Open(root, cfg, opts...)
}
