package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nickcecere/sefs/internal/engine"
	"github.com/nickcecere/sefs/internal/mcp"
)

var mcpOrganize bool

// mcpCmd represents the MCP server command.
var mcpCmd = &cobra.Command{
	Use:   "mcp [path]",
	Short: "Start MCP server for AI agent integration",
	Long: `Start a Model Context Protocol (MCP) server over stdin/stdout.

Tools:
  - sefs_similar: files similar to a file or a query
  - sefs_layout:  semantic folders and their files
  - sefs_status:  tracked files and the last clustering cycle

With --organize the daemon also runs in the background, so the layout stays
current while the agent is connected.

This command is typically invoked by AI agents and not run directly by users.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMcpCmd,
}

func init() {
	mcpCmd.Flags().BoolVar(&mcpOrganize, "organize", false, "run the daemon in the background while serving")
}

func runMcpCmd(cmd *cobra.Command, args []string) error {
	// stdout carries the protocol
	log.SetOutput(os.Stderr)

	var opts []engine.Option
	if !mcpOrganize {
		opts = append(opts, engine.WithNamer(nil))
	}
	eng, err := openEngine(args, opts...)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, cancelDaemon := context.WithCancel(gctx)
	defer cancelDaemon()

	if mcpOrganize {
		g.Go(func() error {
			log.Info("Starting background organizer", "root", eng.Root())
			return eng.Run(serveCtx, engine.RunOptions{})
		})
	}

	server := mcp.NewServer(eng.Searcher(), eng, eng.Store(), version)
	g.Go(func() error {
		// The client hanging up ends the session and the organizer with it.
		defer cancelDaemon()
		return server.Run(gctx)
	})

	return g.Wait()
}
