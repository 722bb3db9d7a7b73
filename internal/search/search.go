// Package search finds files whose content is close to a tracked file or a
// free text query.
package search

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/sefs/internal/embeddings"
	"github.com/nickcecere/sefs/internal/errs"
	"github.com/nickcecere/sefs/internal/store"
)

// Searcher runs nearest-neighbour lookups over the stored vectors.
type Searcher struct {
	root     string
	store    store.Store
	embedder embeddings.Service
}

// Result is one similar file.
type Result struct {
	FilePath     string  `json:"file_path"`
	RelativePath string  `json:"relative_path"`
	Folder       string  `json:"folder,omitempty"`
	Score        float64 `json:"score"`    // 0-1, higher is better
	Distance     float64 `json:"distance"` // Cosine distance
	Sample       string  `json:"sample,omitempty"`
}

// Options configures a lookup.
type Options struct {
	// TopK is the maximum number of results to return.
	TopK int

	// MinScore filters results below this similarity score.
	MinScore float64

	// IncludeSample adds the stored content sample to each result.
	IncludeSample bool
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		TopK:          10,
		IncludeSample: true,
	}
}

// New creates a Searcher. The embedder is only needed for text queries and
// may be nil.
func New(root string, st store.Store, emb embeddings.Service) *Searcher {
	return &Searcher{
		root:     root,
		store:    st,
		embedder: emb,
	}
}

// Similar returns the files nearest to pathOrQuery. A tracked path uses its
// stored vector and is left out of the results; anything else is embedded
// as a query.
func (s *Searcher) Similar(ctx context.Context, pathOrQuery string, opts Options) ([]Result, error) {
	pathOrQuery = strings.TrimSpace(pathOrQuery)
	if pathOrQuery == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	vector, exclude, err := s.resolve(ctx, pathOrQuery)
	if err != nil {
		return nil, err
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = 10
	}

	log.Debug("Searching similar files", "topK", topK, "exclude", exclude)
	matches, err := s.store.SearchSimilar(vector, topK, exclude)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		if m.Score < opts.MinScore {
			continue
		}
		result := Result{
			FilePath:     m.File.Path,
			RelativePath: s.rel(m.File.Path),
			Folder:       m.Folder,
			Score:        m.Score,
			Distance:     m.Distance,
		}
		if opts.IncludeSample {
			result.Sample = m.File.ContentSample
		}
		results = append(results, result)
	}

	log.Debug("Search complete", "results", len(results))
	return results, nil
}

// resolve returns the vector to search with and the path to exclude.
func (s *Searcher) resolve(ctx context.Context, pathOrQuery string) ([]float32, string, error) {
	if path, ok := s.trackedPath(pathOrQuery); ok {
		rec, err := s.store.GetFile(path)
		if err != nil {
			return nil, "", errs.Store("get file", err)
		}
		if rec != nil && rec.HasVector() {
			return rec.Embedding, rec.Path, nil
		}
		if rec != nil {
			return nil, "", fmt.Errorf("%s has no embedding (status %s)", s.rel(path), rec.Status)
		}
	}

	if s.embedder == nil {
		return nil, "", fmt.Errorf("%q is not a tracked file and no embedding provider is configured", pathOrQuery)
	}

	log.Debug("Generating query embedding", "query", truncate(pathOrQuery, 50))
	vector, err := s.embedder.EmbedQuery(ctx, pathOrQuery)
	if err != nil {
		return nil, "", fmt.Errorf("failed to embed query: %w", err)
	}
	return vector, "", nil
}

// trackedPath returns the absolute form of arg when it looks like a path.
func (s *Searcher) trackedPath(arg string) (string, bool) {
	if strings.ContainsAny(arg, "\n\t") {
		return "", false
	}
	path := arg
	if !filepath.IsAbs(path) {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", false
		}
		path = abs
	}
	return filepath.Clean(path), true
}

func (s *Searcher) rel(path string) string {
	if s.root == "" {
		return path
	}
	if rel, err := filepath.Rel(s.root, path); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return path
}

// truncate shortens a string for display.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
