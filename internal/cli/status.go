package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/sefs/internal/config"
	"github.com/nickcecere/sefs/internal/engine"
	"github.com/nickcecere/sefs/internal/store"
	"github.com/nickcecere/sefs/internal/ui"
)

var (
	statusJSON   bool
	statusCycles int
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status [path]",
	Short: "Show tracked files and recent cycles",
	Long: `Display information about an organized directory including:
- Number of tracked files by status
- Number of folders and files left in the noise folder
- Recent clustering cycles

Examples:
  # Show status for the current directory
  sefs status

  # Show the last 10 cycles as JSON
  sefs status --cycles 10 --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
	statusCmd.Flags().IntVar(&statusCycles, "cycles", 3, "number of recent cycles to show")
}

// statusReport is the JSON form of the status command.
type statusReport struct {
	Root     string              `json:"root"`
	Database string              `json:"database"`
	Stats    *store.Stats        `json:"stats"`
	Cycles   []store.CycleRecord `json:"cycles"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	eng, err := openEngine(args, engine.WithNamer(nil))
	if err != nil {
		return err
	}
	defer eng.Close()

	stats, err := eng.Store().GetStats()
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}
	cycles, err := eng.Store().ListCycles(statusCycles)
	if err != nil {
		log.Warn("Failed to list cycles", "error", err)
	}

	report := statusReport{
		Root:     eng.Root(),
		Database: config.Get().DatabasePathFor(eng.Root()),
		Stats:    stats,
		Cycles:   cycles,
	}
	if statusJSON {
		return writeJSON(cmd.OutOrStdout(), report)
	}
	renderStatus(cmd.OutOrStdout(), report, time.Now())
	return nil
}

func renderStatus(w io.Writer, r statusReport, now time.Time) {
	s := r.Stats

	fmt.Fprintln(w, ui.Header.Render("Status"))
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s\n", ui.Highlight.Render("Root:"), ui.Bold.Render(r.Root))
	fmt.Fprintf(w, "  %s %s\n", ui.Dim.Render("Database:"), r.Database)
	fmt.Fprintf(w, "  %s %d files, %s\n", ui.Dim.Render("Tracked:"), s.FileCount, formatBytes(s.TotalSize))

	for _, status := range []store.Status{
		store.StatusPlaced,
		store.StatusClustered,
		store.StatusEmbedded,
		store.StatusPending,
		store.StatusError,
	} {
		if n := s.ByStatus[status]; n > 0 {
			fmt.Fprintf(w, "    %-10s %d\n", status, n)
		}
	}

	fmt.Fprintf(w, "  %s %d folders, %d unclustered files\n",
		ui.Dim.Render("Folders:"), s.ClusterCount, s.NoiseCount)
	fmt.Fprintf(w, "  %s %s\n", ui.Dim.Render("Health:"), healthStatus(s))

	if len(r.Cycles) == 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, ui.Dim.Render("No clustering cycles yet. Run 'sefs scan' or 'sefs run'."))
		return
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, ui.HorizontalRule(48))
	fmt.Fprintln(w, ui.SectionTitle.Render("Recent Cycles"))
	for _, c := range r.Cycles {
		took := c.FinishedAt.Sub(c.StartedAt).Round(time.Millisecond)
		line := fmt.Sprintf("%s  %d files, %d folders (+%d/-%d), %d moved in %s",
			formatTime(c.StartedAt, now), c.Files, c.Clusters, c.Created, c.Dissolved, c.Moves, took)
		switch {
		case c.Error != "":
			fmt.Fprintf(w, "  %s %s\n", ui.Error.Render("✗"), line)
			fmt.Fprintf(w, "    %s\n", ui.Dim.Render(c.Error))
		case c.MoveFailures > 0:
			fmt.Fprintf(w, "  %s %s, %d failed\n", ui.Warning.Render("!"), line, c.MoveFailures)
		default:
			fmt.Fprintf(w, "  %s %s\n", ui.Success.Render("✓"), line)
		}
	}
}

// healthStatus returns a health indicator based on stats.
func healthStatus(s *store.Stats) string {
	switch {
	case s.FileCount == 0:
		return ui.Warning.Render("empty (no files tracked)")
	case s.ByStatus[store.StatusError] > 0:
		return ui.Warning.Render(fmt.Sprintf("%d files failed (retried automatically)", s.ByStatus[store.StatusError]))
	case s.ByStatus[store.StatusPlaced] < s.FileCount:
		return ui.Warning.Render("organizing")
	default:
		return ui.Success.Render("organized")
	}
}
