package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nickcecere/sefs/internal/engine"
)

var (
	layoutJSON  bool
	layoutPlain bool
)

// layoutCmd shows which files belong to which folder.
var layoutCmd = &cobra.Command{
	Use:   "layout [path]",
	Short: "Show the current folder layout",
	Long: `Show each semantic folder and the files assigned to it, followed by
files that are not yet clustered and files that could not be embedded.

Examples:
  # Show the layout of the current directory
  sefs layout

  # Machine-readable output
  sefs layout --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLayout,
}

func init() {
	layoutCmd.Flags().BoolVar(&layoutJSON, "json", false, "output as JSON")
	layoutCmd.Flags().BoolVar(&layoutPlain, "plain", false, "print markdown without terminal styling")
}

func runLayout(cmd *cobra.Command, args []string) error {
	eng, err := openEngine(args, engine.WithNamer(nil))
	if err != nil {
		return err
	}
	defer eng.Close()

	view, err := eng.Layout()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if layoutJSON {
		return writeJSON(out, view)
	}

	md := layoutMarkdown(eng.Root(), view)
	if layoutPlain {
		fmt.Fprint(out, md)
		return nil
	}

	rendered, err := renderMarkdown(md)
	if err != nil {
		fmt.Fprint(out, md)
		return nil
	}
	fmt.Fprint(out, rendered)
	return nil
}

// layoutMarkdown renders a layout as a markdown document.
func layoutMarkdown(root string, view *engine.LayoutView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", root)

	if len(view.Folders) == 0 && len(view.Unassigned) == 0 && len(view.Failed) == 0 {
		b.WriteString("_No files tracked yet._\n")
		return b.String()
	}

	for _, f := range view.Folders {
		fmt.Fprintf(&b, "## %s (%d)\n\n", f.Name, len(f.Files))
		writeFileList(&b, f.Files)
	}
	if len(view.Unassigned) > 0 {
		fmt.Fprintf(&b, "## Not yet clustered (%d)\n\n", len(view.Unassigned))
		writeFileList(&b, view.Unassigned)
	}
	if len(view.Failed) > 0 {
		fmt.Fprintf(&b, "## Failed (%d)\n\n", len(view.Failed))
		writeFileList(&b, view.Failed)
	}
	return b.String()
}

func writeFileList(b *strings.Builder, files []string) {
	for _, f := range files {
		fmt.Fprintf(b, "- `%s`\n", f)
	}
	b.WriteString("\n")
}
