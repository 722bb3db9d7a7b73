// Package mcp exposes an organized tree to agents over the Model Context
// Protocol.
package mcp

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nickcecere/sefs/internal/engine"
	"github.com/nickcecere/sefs/internal/search"
	"github.com/nickcecere/sefs/internal/store"
)

// ServerName is the name this server reports to clients.
const ServerName = "sefs"

// Searcher finds files near a path or a query.
type Searcher interface {
	Similar(ctx context.Context, pathOrQuery string, opts search.Options) ([]search.Result, error)
}

// LayoutSource reports the current folder layout.
type LayoutSource interface {
	Layout() (*engine.LayoutView, error)
}

// Server is the MCP server for sefs.
type Server struct {
	searcher Searcher
	layout   LayoutSource
	store    store.Store
	server   *mcp.Server
}

// NewServer creates a server and registers its tools.
func NewServer(searcher Searcher, layout LayoutSource, st store.Store, version string) *Server {
	s := &Server{
		searcher: searcher,
		layout:   layout,
		store:    st,
		server: mcp.NewServer(&mcp.Implementation{
			Name:    ServerName,
			Title:   "Semantic Entropy File System",
			Version: version,
		}, nil),
	}
	s.registerTools()
	return s
}

// Run serves over stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	log.Info("MCP server starting")
	if err := s.server.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server failed: %w", err)
	}
	return nil
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name: "sefs_similar",
		Description: `Find files similar to a tracked file or a natural language query.

Pass a file path (absolute or relative to the organized root) to compare by
that file's stored embedding, or any text to search by meaning.`,
	}, s.similarTool)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "sefs_layout",
		Description: "List the semantic folders and the files in each. Optionally filter by folder name.",
	}, s.layoutTool)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "sefs_status",
		Description: "Report how many files are tracked, how many folders exist, and the last clustering cycle.",
	}, s.statusTool)
}

// SimilarInput is the input of sefs_similar.
type SimilarInput struct {
	Query    string  `json:"query" jsonschema:"a tracked file path or a natural language query"`
	Limit    int     `json:"limit,omitempty" jsonschema:"maximum number of results (default 10)"`
	MinScore float64 `json:"min_score,omitempty" jsonschema:"minimum similarity score between 0 and 1"`
}

// SimilarOutput is the output of sefs_similar.
type SimilarOutput struct {
	Query   string          `json:"query"`
	Count   int             `json:"count"`
	Results []search.Result `json:"results"`
}

func (s *Server) similarTool(ctx context.Context, _ *mcp.CallToolRequest, input SimilarInput) (*mcp.CallToolResult, SimilarOutput, error) {
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return nil, SimilarOutput{}, fmt.Errorf("query is required")
	}

	opts := search.DefaultOptions()
	if input.Limit > 0 {
		opts.TopK = input.Limit
	}
	opts.MinScore = input.MinScore

	results, err := s.searcher.Similar(ctx, query, opts)
	if err != nil {
		return nil, SimilarOutput{}, err
	}
	if results == nil {
		results = []search.Result{}
	}
	for i := range results {
		results[i].Sample = truncate(results[i].Sample, 500)
	}

	return nil, SimilarOutput{Query: query, Count: len(results), Results: results}, nil
}

// LayoutInput is the input of sefs_layout.
type LayoutInput struct {
	Folder string `json:"folder,omitempty" jsonschema:"only list folders whose name contains this text (case-insensitive)"`
}

func (s *Server) layoutTool(_ context.Context, _ *mcp.CallToolRequest, input LayoutInput) (*mcp.CallToolResult, engine.LayoutView, error) {
	view, err := s.layout.Layout()
	if err != nil {
		return nil, engine.LayoutView{}, err
	}

	filter := strings.ToLower(strings.TrimSpace(input.Folder))
	if filter == "" {
		out := *view
		if out.Folders == nil {
			out.Folders = []engine.Folder{}
		}
		return nil, out, nil
	}

	out := engine.LayoutView{Folders: []engine.Folder{}}
	for _, f := range view.Folders {
		if strings.Contains(strings.ToLower(f.Name), filter) {
			out.Folders = append(out.Folders, f)
		}
	}
	return nil, out, nil
}

// StatusInput is the (empty) input of sefs_status.
type StatusInput struct{}

// StatusOutput is the output of sefs_status.
type StatusOutput struct {
	Files       int            `json:"files"`
	Folders     int            `json:"folders"`
	Unclustered int            `json:"unclustered"`
	ByStatus    map[string]int `json:"by_status"`
	LastCycle   *CycleSummary  `json:"last_cycle,omitempty"`
	Failed      []string       `json:"failed,omitempty"`
}

// CycleSummary describes one clustering cycle.
type CycleSummary struct {
	Finished     string `json:"finished"` // RFC 3339
	Files        int    `json:"files"`
	Clusters     int    `json:"clusters"`
	Moves        int    `json:"moves"`
	MoveFailures int    `json:"move_failures"`
	Error        string `json:"error,omitempty"`
}

func (s *Server) statusTool(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, StatusOutput, error) {
	stats, err := s.store.GetStats()
	if err != nil {
		return nil, StatusOutput{}, fmt.Errorf("failed to get stats: %w", err)
	}

	out := StatusOutput{
		Files:       stats.FileCount,
		Folders:     stats.ClusterCount,
		Unclustered: stats.NoiseCount,
		ByStatus:    make(map[string]int, len(stats.ByStatus)),
	}
	if c := stats.LastCycle; c != nil {
		out.LastCycle = &CycleSummary{
			Finished:     c.FinishedAt.Format(time.RFC3339),
			Files:        c.Files,
			Clusters:     c.Clusters,
			Moves:        c.Moves,
			MoveFailures: c.MoveFailures,
			Error:        c.Error,
		}
	}
	for status, n := range stats.ByStatus {
		out.ByStatus[string(status)] = n
	}

	if stats.ByStatus[store.StatusError] > 0 {
		failed, err := s.store.ListFiles(&store.ListFilesOptions{Status: store.StatusError})
		if err != nil {
			return nil, StatusOutput{}, fmt.Errorf("failed to list failed files: %w", err)
		}
		for _, f := range failed {
			out.Failed = append(out.Failed, f.Path)
		}
		sort.Strings(out.Failed)
	}
	return nil, out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
