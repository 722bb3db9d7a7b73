package cli

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/sefs/internal/config"
	"github.com/nickcecere/sefs/internal/engine"
	"github.com/nickcecere/sefs/internal/search"
	"github.com/nickcecere/sefs/internal/ui"
)

var (
	similarLimit    int
	similarMinScore float64
	similarContent  bool
	similarJSON     bool
	similarRoot     string
)

// similarCmd finds files near a tracked file or a free-text query.
var similarCmd = &cobra.Command{
	Use:   "similar <file|query>",
	Short: "Find files similar to a file or a phrase",
	Long: `Find the tracked files nearest to a file or a free-text query.

A tracked file is compared using its stored embedding and left out of the
results. Anything else is embedded as a query with the configured provider.

Examples:
  # Files like this one
  sefs similar Financial_Invoices/march.pdf

  # Files about a topic, with content previews
  sefs similar "travel itinerary" -c

  # Search a directory other than the current one
  sefs similar "tax forms" --root ~/Documents`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSimilar,
}

func init() {
	similarCmd.Flags().IntVarP(&similarLimit, "limit", "m", 10, "maximum number of results")
	similarCmd.Flags().Float64Var(&similarMinScore, "min-score", 0, "minimum similarity score (0-1)")
	similarCmd.Flags().BoolVarP(&similarContent, "content", "c", false, "show content previews")
	similarCmd.Flags().BoolVar(&similarJSON, "json", false, "output as JSON")
	similarCmd.Flags().StringVar(&similarRoot, "root", "", "organized directory (default is the configured root or cwd)")
}

func runSimilar(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")

	var rootArgs []string
	if similarRoot != "" {
		rootArgs = []string{similarRoot}
	}
	eng, err := openEngine(rootArgs, engine.WithNamer(nil))
	if err != nil {
		return err
	}
	defer eng.Close()

	log.Debug("Finding similar files", "query", query, "limit", similarLimit)

	opts := search.Options{
		TopK:          similarLimit,
		MinScore:      similarMinScore,
		IncludeSample: similarContent || similarJSON,
	}

	stop := func() {}
	if !similarJSON {
		stop = ui.StartSpinner("Searching")
	}
	results, err := eng.Searcher().Similar(commandContext(cmd), query, opts)
	stop()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if similarJSON {
		return writeJSON(out, results)
	}

	if len(results) == 0 {
		fmt.Fprintln(out, "No similar files found.")
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Files are embedded by 'sefs run' or 'sefs scan'. Embeddings: %s\n", config.Get().Embeddings.Provider)
		return nil
	}

	displayResults(out, results, similarContent)
	return nil
}

// displayResults formats and displays similar files.
func displayResults(w io.Writer, results []search.Result, showContent bool) {
	fmt.Fprintf(w, "Found %d similar files:\n\n", len(results))

	for i, r := range results {
		displayPath := r.RelativePath
		if displayPath == "" {
			displayPath = r.FilePath
		}

		fmt.Fprintf(w, "%s %s %s\n",
			ui.Highlight.Render(fmt.Sprintf("[%d]", i+1)),
			ui.FilePath.Render(displayPath),
			ui.FormatScore(r.Score),
		)
		if r.Folder != "" {
			fmt.Fprintf(w, "    %s\n", ui.Dim.Render("in "+r.Folder))
		}

		if showContent && r.Sample != "" {
			fmt.Fprintln(w)
			displayContentHighlighted(w, r.Sample, displayPath)
		}

		fmt.Fprintln(w)
	}
}

// displayContentHighlighted shows a content sample with syntax highlighting.
func displayContentHighlighted(w io.Writer, content, filename string) {
	lexer := lexers.Match(filename)
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	style := styles.Get("dracula")
	if style == nil {
		style = styles.Fallback
	}

	formatter := formatters.Get("terminal16m")
	if formatter == nil {
		formatter = formatters.Fallback
	}

	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	const maxLines = 12
	omitted := 0
	if len(lines) > maxLines {
		omitted = len(lines) - maxLines
		lines = lines[:maxLines]
	}
	content = strings.Join(lines, "\n")

	iterator, err := lexer.Tokenise(nil, content)
	if err != nil {
		displayPlainLines(w, content)
		return
	}
	var buf bytes.Buffer
	if err := formatter.Format(&buf, style, iterator); err != nil {
		displayPlainLines(w, content)
		return
	}

	for i, line := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
		fmt.Fprintf(w, "    %s %s\n", ui.LineNum.Render(fmt.Sprintf("%4d│", i+1)), line)
	}
	if omitted > 0 {
		fmt.Fprintf(w, "    %s\n", ui.Dim.Render(fmt.Sprintf("     ... (%d more lines)", omitted)))
	}
}

// displayPlainLines displays content without highlighting.
func displayPlainLines(w io.Writer, content string) {
	for i, line := range strings.Split(content, "\n") {
		fmt.Fprintf(w, "    %s %s\n",
			ui.LineNum.Render(fmt.Sprintf("%4d│", i+1)),
			truncateLine(line, 80),
		)
	}
}

// truncateLine shortens a line for display.
func truncateLine(line string, maxLen int) string {
	line = strings.ReplaceAll(line, "\t", "    ")
	if len(line) <= maxLen {
		return line
	}
	return line[:maxLen-3] + "..."
}
