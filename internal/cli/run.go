package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/sefs/internal/config"
	"github.com/nickcecere/sefs/internal/engine"
	"github.com/nickcecere/sefs/internal/ui"
)

var runNoReconcile bool

// runCmd represents the daemon command.
var runCmd = &cobra.Command{
	Use:   "run [path]",
	Short: "Watch a directory and keep it organized",
	Long: `Run the sefs daemon over a directory.

On startup the database is reconciled with the tree (unless --no-reconcile
is given) and a clustering cycle places every file. The daemon then watches
for changes, re-embeds modified files, and re-clusters when enough changes
have accumulated or the tree has been idle.

The daemon exits non-zero if the root directory or the database becomes
unavailable.

Examples:
  # Organize the current directory
  sefs run

  # Organize a specific directory
  sefs run ~/Documents/inbox

  # Skip the startup pass (assumes the database is current)
  sefs run --no-reconcile`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().BoolVar(&runNoReconcile, "no-reconcile", false, "skip the startup reconciliation pass")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	eng, err := openEngine(args)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nShutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	cfg := config.Get()
	fmt.Println(ui.Header.Render("Organizing"))
	fmt.Printf("Directory:  %s\n", eng.Root())
	fmt.Printf("Database:   %s\n", cfg.DatabasePathFor(eng.Root()))
	fmt.Printf("Embeddings: %s\n", cfg.Embeddings.Provider)
	if cfg.Metrics.Addr != "" {
		fmt.Printf("Metrics:    http://%s/metrics\n", cfg.Metrics.Addr)
	}
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()

	if err := eng.Run(ctx, engine.RunOptions{SkipReconcile: runNoReconcile}); err != nil {
		log.Error("Daemon stopped", "error", err)
		return err
	}
	return nil
}
