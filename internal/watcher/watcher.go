// Package watcher turns raw file system notifications under the root into a
// debounced stream of work items.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/nickcecere/sefs/internal/config"
	"github.com/nickcecere/sefs/internal/errs"
	sefsfs "github.com/nickcecere/sefs/internal/fs"
	"github.com/nickcecere/sefs/internal/metrics"
)

// minTick bounds how often pending events are examined.
const minTick = 10 * time.Millisecond

// Watcher watches the root recursively and emits work items.
type Watcher struct {
	root     string
	filter   *sefsfs.Filter
	tracker  *MoveTracker
	metrics  *metrics.Metrics
	debounce time.Duration

	// pending maps a path to the time of its latest event. It is only
	// touched by the Run goroutine.
	pending map[string]time.Time
	out     chan sefsfs.WorkItem
	now     func() time.Time
}

// Option configures the watcher.
type Option func(*Watcher)

// WithTracker shares a move tracker with the organizer.
func WithTracker(t *MoveTracker) Option {
	return func(w *Watcher) {
		w.tracker = t
	}
}

// WithMetrics counts events by kind.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Watcher) {
		w.metrics = m
	}
}

// WithDebounceTime sets how long a path must stay quiet before it is emitted.
func WithDebounceTime(d time.Duration) Option {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// New creates a watcher for the filter's root.
func New(filter *sefsfs.Filter, cfg *config.Config, opts ...Option) *Watcher {
	w := &Watcher{
		root:     filter.Root(),
		filter:   filter,
		debounce: cfg.Watch.Debounce,
		pending:  make(map[string]time.Time),
		out:      make(chan sefsfs.WorkItem, 256),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.tracker == nil {
		w.tracker = NewMoveTracker(cfg.Watch.SuppressGrace)
	}
	return w
}

// Tracker returns the move tracker consulted before queueing events.
func (w *Watcher) Tracker() *MoveTracker {
	return w.tracker
}

// Events returns the work item stream. It is closed when Run returns.
func (w *Watcher) Events() <-chan sefsfs.WorkItem {
	return w.out
}

// Run watches until ctx is cancelled. It returns errs.ErrRootUnavailable
// when the root disappears.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.out)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fsw.Close()

	if _, err := os.Stat(w.root); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrRootUnavailable, err)
	}
	if err := w.addTree(fsw, w.root, false); err != nil {
		return err
	}

	log.Info("Watching for file changes", "root", w.root)

	tick := w.debounce / 2
	if tick < minTick {
		tick = minTick
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if err := w.handleEvent(fsw, event); err != nil {
				return err
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.Warn("Watcher error", "error", err)

		case <-ticker.C:
			if _, err := os.Stat(w.root); err != nil {
				return fmt.Errorf("%w: %w", errs.ErrRootUnavailable, err)
			}
			w.tracker.Prune()
			if err := w.flush(ctx); err != nil {
				return nil
			}
		}
	}
}

func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, event fsnotify.Event) error {
	path := filepath.Clean(event.Name)

	if path == w.root && (event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)) {
		return fmt.Errorf("%w: %s was removed", errs.ErrRootUnavailable, w.root)
	}
	if event.Op == fsnotify.Chmod {
		return nil
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Lstat(path); err == nil && info.IsDir() {
			if w.filter.SkipDir(path) {
				return nil
			}
			// Files moved in with their directory produce no events of their own.
			if err := w.addTree(fsw, path, true); err != nil {
				log.Warn("Failed to watch new directory", "path", w.rel(path), "error", err)
			}
			return nil
		}
	}

	w.enqueue(path)
	return nil
}

// enqueue records an event on path unless it is filtered or expected.
func (w *Watcher) enqueue(path string) {
	if w.filter.SkipFile(path) {
		w.metrics.WatchEvent("ignored")
		return
	}
	if w.tracker.Suppressed(path) {
		w.metrics.WatchEvent("suppressed")
		log.Debug("Suppressed own move", "path", w.rel(path))
		return
	}
	w.pending[path] = w.now()
}

// addTree watches dir and its subdirectories. When queueFiles is set the
// files found are queued as well.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string, queueFiles bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}

		if d.IsDir() {
			if w.filter.SkipDir(path) {
				return filepath.SkipDir
			}
			if err := fsw.Add(path); err != nil {
				log.Debug("Failed to watch directory", "path", w.rel(path), "error", err)
			}
			return nil
		}

		if queueFiles && d.Type().IsRegular() {
			w.enqueue(path)
		}
		return nil
	})
}

// flush emits every pending path that has been quiet for the debounce time.
// Upserts go out before removes so that a rename is seen at its destination
// first.
func (w *Watcher) flush(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}

	now := w.now()
	var upserts, removes []string
	for path, last := range w.pending {
		if now.Sub(last) < w.debounce {
			continue
		}
		delete(w.pending, path)

		if w.tracker.Suppressed(path) {
			w.metrics.WatchEvent("suppressed")
			continue
		}

		info, err := os.Lstat(path)
		switch {
		case err == nil && info.Mode().IsRegular():
			upserts = append(upserts, path)
		case errors.Is(err, os.ErrNotExist):
			removes = append(removes, path)
		}
	}

	sort.Strings(upserts)
	sort.Strings(removes)

	for _, path := range upserts {
		if err := w.emit(ctx, sefsfs.WorkItem{Path: path, Kind: sefsfs.ChangeUpsert}); err != nil {
			return err
		}
	}
	for _, path := range removes {
		if err := w.emit(ctx, sefsfs.WorkItem{Path: path, Kind: sefsfs.ChangeRemove}); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) emit(ctx context.Context, item sefsfs.WorkItem) error {
	select {
	case w.out <- item:
		w.metrics.WatchEvent(item.Kind.String())
		log.Debug("File changed", "path", w.rel(item.Path), "kind", item.Kind)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watcher) rel(path string) string {
	if rel, err := filepath.Rel(w.root, path); err == nil {
		return rel
	}
	return path
}
