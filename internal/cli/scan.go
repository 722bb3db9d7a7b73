package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nickcecere/sefs/internal/engine"
	"github.com/nickcecere/sefs/internal/store"
	"github.com/nickcecere/sefs/internal/ui"
)

var scanDryRun bool

// scanCmd represents the one-shot organize command.
var scanCmd = &cobra.Command{
	Use:   "scan [path]",
	Short: "Organize a directory once and exit",
	Long: `Reconcile the database with a directory, embed new and modified files,
run one clustering cycle, and exit.

Examples:
  # Organize the current directory once
  sefs scan

  # List the files that would be tracked without touching anything
  sefs scan --dry-run ~/Downloads`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().BoolVar(&scanDryRun, "dry-run", false, "list the files that would be tracked and exit")
}

func runScan(cmd *cobra.Command, args []string) error {
	eng, err := openEngine(args)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if scanDryRun {
		return listCandidates(ctx, eng)
	}

	fmt.Println(ui.Header.Render("Scanning"))
	fmt.Printf("Directory: %s\n\n", eng.Root())

	progress := ui.NewProgress("embedding")
	report, err := eng.Reconcile(ctx, progress.Update)
	progress.Finish()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("reconcile failed: %w", err)
	}
	printReconcileReport(report)

	stopSpinner := ui.StartSpinner("Clustering")
	rec, err := eng.RunCycle(ctx)
	stopSpinner()
	if rec != nil {
		printCycle(rec)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("clustering cycle failed: %w", err)
	}
	return nil
}

func listCandidates(ctx context.Context, eng *engine.Engine) error {
	files, err := eng.Candidates(ctx)
	if err != nil {
		return err
	}

	var total int64
	for _, fi := range files {
		fmt.Printf("%s %s\n", ui.FilePath.Render(fi.RelPath), ui.Dim.Render(formatBytes(fi.Size)))
		total += fi.Size
	}
	fmt.Println()
	fmt.Println(ui.Dim.Render(fmt.Sprintf("%d files, %s", len(files), formatBytes(total))))
	return nil
}

func printReconcileReport(r *engine.ReconcileReport) {
	fmt.Printf("%s %d files found, %d processed, %d changed\n",
		ui.Success.Render("✓"), r.Walked, r.Processed, r.Changed)
	if r.Renamed > 0 || r.Removed > 0 {
		fmt.Printf("  %s %d renamed, %d removed while stopped\n",
			ui.Dim.Render("Reconciled:"), r.Renamed, r.Removed)
	}
	if r.Failed > 0 {
		fmt.Printf("  %s\n", ui.Warning.Render(fmt.Sprintf("%d files could not be embedded", r.Failed)))
	}
}

func printCycle(rec *store.CycleRecord) {
	if rec.Error != "" {
		fmt.Printf("%s cycle failed: %s\n", ui.Error.Render("✗"), rec.Error)
		return
	}
	fmt.Printf("%s %d files in %d folders, %d moved",
		ui.Success.Render("✓"), rec.Files, rec.Clusters, rec.Moves)
	if rec.MoveFailures > 0 {
		fmt.Printf(", %s", ui.Warning.Render(fmt.Sprintf("%d failed", rec.MoveFailures)))
	}
	fmt.Println()
}
