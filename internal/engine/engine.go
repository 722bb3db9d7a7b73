// Package engine assembles the daemon: change detection, the representation
// pipeline, the cluster coordinator and the folder manager over one store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/nickcecere/sefs/internal/cluster"
	"github.com/nickcecere/sefs/internal/config"
	"github.com/nickcecere/sefs/internal/embeddings"
	"github.com/nickcecere/sefs/internal/errs"
	"github.com/nickcecere/sefs/internal/fs"
	"github.com/nickcecere/sefs/internal/indexer"
	"github.com/nickcecere/sefs/internal/llm"
	"github.com/nickcecere/sefs/internal/metrics"
	"github.com/nickcecere/sefs/internal/organizer"
	"github.com/nickcecere/sefs/internal/search"
	"github.com/nickcecere/sefs/internal/store"
	"github.com/nickcecere/sefs/internal/watcher"
)

// Engine owns every component for one root.
type Engine struct {
	root       string
	cfg        *config.Config
	filterOpts fs.FilterOptions

	store       *store.SQLiteStore
	embedder    embeddings.Service
	metrics     *metrics.Metrics
	locks       *fs.PathLocks
	indexer     *indexer.Indexer
	organizer   *organizer.Organizer
	coordinator *cluster.Coordinator
	watcher     *watcher.Watcher
	searcher    *search.Searcher
}

type options struct {
	embedder  embeddings.Service
	namer     organizer.Namer
	clusterer cluster.Clusterer
	extractor fs.Extractor
	noNamer   bool
}

// Option overrides a collaborator built from configuration.
type Option func(*options)

// WithEmbedder uses emb instead of the configured provider.
func WithEmbedder(emb embeddings.Service) Option {
	return func(o *options) {
		o.embedder = emb
	}
}

// WithNamer uses n instead of the configured chat model. A nil namer always
// produces fallback folder names.
func WithNamer(n organizer.Namer) Option {
	return func(o *options) {
		o.namer = n
		o.noNamer = n == nil
	}
}

// WithClusterer replaces the default DBSCAN clusterer.
func WithClusterer(c cluster.Clusterer) Option {
	return func(o *options) {
		o.clusterer = c
	}
}

// WithExtractor replaces the built-in extraction registry.
func WithExtractor(ext fs.Extractor) Option {
	return func(o *options) {
		o.extractor = ext
	}
}

// Open validates root and builds every component from cfg.
func Open(root string, cfg *config.Config, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrRootUnavailable, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", errs.ErrRootUnavailable, absRoot)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dbPath := cfg.DatabasePathFor(absRoot)
	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, errs.Store("open database", err)
	}

	emb := o.embedder
	if emb == nil {
		emb, err = embeddings.NewService(cfg)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to create embedding service: %w", err)
		}
	}

	namer := o.namer
	if namer == nil && !o.noNamer && cfg.Naming.Enabled {
		svc, err := llm.NewService(cfg)
		if err != nil {
			log.Warn("Folder naming falls back to generated names", "error", err)
		} else {
			namer = llm.NewNamer(svc, cfg.Naming)
		}
	}

	clusterer := o.clusterer
	if clusterer == nil {
		clusterer = cluster.NewDBSCAN(cfg.Clustering.Eps, cfg.Clustering.MinSamples)
	}

	e := &Engine{
		root:     absRoot,
		cfg:      cfg,
		store:    st,
		embedder: emb,
		metrics:  metrics.New(),
		locks:    fs.NewPathLocks(),
	}
	e.filterOpts = fs.FilterOptions{
		IgnorePatterns: cfg.Ignore,
		Include:        cfg.Extraction.Include,
		UseGitignore:   true,
		SkipDirs:       stateDirs(absRoot, dbPath),
	}

	e.watcher = watcher.New(
		fs.NewFilter(absRoot, e.filterOpts),
		cfg,
		watcher.WithMetrics(e.metrics),
	)

	extractor := o.extractor
	if extractor == nil {
		extractor = fs.NewRegistry(int64(cfg.Extraction.MaxFileSize))
	}
	e.indexer = indexer.New(st, emb, extractor, cfg,
		indexer.WithPathLocks(e.locks),
		indexer.WithMetrics(e.metrics),
	)

	e.organizer = organizer.New(absRoot, st, namer, cfg,
		organizer.WithTracker(e.watcher.Tracker()),
		organizer.WithPathLocks(e.locks),
		organizer.WithMetrics(e.metrics),
	)

	e.coordinator = cluster.NewCoordinator(st, clusterer, e.organizer, cfg,
		cluster.WithRetrier(e.indexer),
		cluster.WithMetrics(e.metrics),
	)

	e.searcher = search.New(absRoot, st, emb)

	log.Debug("Engine opened",
		"root", absRoot,
		"database", dbPath,
		"embeddings", emb.Provider(),
		"model", emb.ModelName(),
		"naming", namer != nil,
	)
	return e, nil
}

// stateDirs returns the directories under root that hold daemon state.
func stateDirs(root, dbPath string) []string {
	dirs := []string{config.StateDir(root)}
	dbDir := filepath.Dir(dbPath)
	if dbDir != dirs[0] && strings.HasPrefix(dbDir, root+string(filepath.Separator)) {
		dirs = append(dirs, dbDir)
	}
	return dirs
}

// Close releases the store.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Root returns the organized directory.
func (e *Engine) Root() string {
	return e.root
}

// Store returns the content store.
func (e *Engine) Store() store.Store {
	return e.store
}

// Searcher returns a similar-file searcher over the store.
func (e *Engine) Searcher() *search.Searcher {
	return e.searcher
}

// Metrics returns the metrics registry wrapper.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// RunCycle runs one clustering and placement cycle.
func (e *Engine) RunCycle(ctx context.Context) (*store.CycleRecord, error) {
	return e.coordinator.RunCycle(ctx)
}

// RunOptions controls Run.
type RunOptions struct {
	// SkipReconcile starts watching without the startup pass.
	SkipReconcile bool
}

// Run reconciles the tree, runs a first cycle, then watches and organizes
// until ctx is cancelled. Fatal errors stop every component and are
// returned; cancellation lets in-flight work finish and returns nil.
func (e *Engine) Run(ctx context.Context, opts RunOptions) error {
	g, gctx := errgroup.WithContext(ctx)

	if addr := e.cfg.Metrics.Addr; addr != "" {
		g.Go(func() error {
			if err := e.metrics.Serve(gctx, addr); err != nil {
				log.Warn("Metrics endpoint stopped", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		if !opts.SkipReconcile {
			if _, err := e.Reconcile(gctx, nil); err != nil {
				return ignoreCanceled(err)
			}
		}

		if _, err := e.coordinator.RunCycle(gctx); err != nil {
			if errs.IsFatal(err) {
				return err
			}
			if gctx.Err() != nil {
				return nil
			}
			log.Warn("Initial cycle failed", "error", err)
		}

		inner, ictx := errgroup.WithContext(gctx)
		inner.Go(func() error {
			return e.watcher.Run(ictx)
		})
		inner.Go(func() error {
			return e.coordinator.Run(ictx)
		})
		inner.Go(func() error {
			return e.dispatch(ictx)
		})
		return ignoreCanceled(inner.Wait())
	})

	return ignoreCanceled(g.Wait())
}

// dispatch runs the indexer over work items on a bounded pool. Items already
// started finish even when ctx is cancelled.
func (e *Engine) dispatch(ctx context.Context) error {
	pool, pctx := errgroup.WithContext(ctx)
	pool.SetLimit(e.cfg.Cycle.Workers)
	work := context.WithoutCancel(ctx)

	events := e.watcher.Events()
	for {
		select {
		case <-pctx.Done():
			return pool.Wait()
		case item, ok := <-events:
			if !ok {
				return pool.Wait()
			}
			pool.Go(func() error {
				outcome, err := e.indexer.Process(work, item)
				if err != nil && errs.IsFatal(err) {
					return err
				}
				if outcome.Changed() {
					e.coordinator.Notify()
				}
				return nil
			})
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
