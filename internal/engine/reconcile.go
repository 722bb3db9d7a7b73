package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/nickcecere/sefs/internal/errs"
	"github.com/nickcecere/sefs/internal/fs"
	"github.com/nickcecere/sefs/internal/indexer"
	"github.com/nickcecere/sefs/internal/store"
)

// ReconcileReport summarizes a startup pass.
type ReconcileReport struct {
	Walked    int // Files found under the root
	Processed int // Files handed to the indexer
	Changed   int // Files that gained or moved a vector
	Failed    int // Files that could not be represented
	Renamed   int // Records re-keyed to a file found elsewhere
	Removed   int // Records whose file is gone
}

// ProgressFunc receives the number of processed files out of total.
type ProgressFunc func(done, total int)

// Reconcile brings the store in line with the tree after downtime. Records
// whose file is missing are re-keyed when the same content shows up at an
// untracked path, otherwise deleted. New and modified files are processed.
func (e *Engine) Reconcile(ctx context.Context, progress ProgressFunc) (*ReconcileReport, error) {
	report := &ReconcileReport{}

	walked, err := e.walk(ctx)
	if err != nil {
		return nil, err
	}
	report.Walked = len(walked)

	records, err := e.store.ListFiles(nil)
	if err != nil {
		return nil, errs.Store("list files", err)
	}

	tracked := make(map[string]*store.FileRecord, len(records))
	for i := range records {
		tracked[records[i].Path] = &records[i]
	}

	// Untracked walked paths by content hash, for records that moved while
	// the daemon was down.
	untracked := make(map[string][]string)
	for path, fi := range walked {
		if _, ok := tracked[path]; !ok {
			untracked[fi.Hash] = append(untracked[fi.Hash], path)
		}
	}
	for _, paths := range untracked {
		sort.Strings(paths)
	}

	for i := range records {
		rec := &records[i]
		if _, ok := walked[rec.Path]; ok {
			continue
		}

		if candidates := untracked[rec.Hash]; rec.Hash != "" && len(candidates) > 0 {
			newPath := candidates[0]
			untracked[rec.Hash] = candidates[1:]
			if err := e.store.MovePath(rec.Path, newPath); err != nil {
				return nil, errs.Store("move record", err)
			}
			log.Info("Found moved file", "from", e.rel(rec.Path), "to", e.rel(newPath))
			rec.Path = newPath
			tracked[newPath] = rec
			report.Renamed++
			continue
		}

		if err := e.store.DeleteFile(rec.Path); err != nil {
			return nil, errs.Store("delete file", err)
		}
		log.Debug("Dropped missing file", "path", e.rel(rec.Path))
		report.Removed++
	}

	var todo []string
	for path, fi := range walked {
		rec, ok := tracked[path]
		if ok && rec.Hash == fi.Hash && rec.Status != store.StatusError &&
			rec.ModTime.Equal(fi.ModTime) && rec.FileSize == fi.Size {
			continue
		}
		todo = append(todo, path)
	}
	sort.Strings(todo)
	report.Processed = len(todo)

	if err := e.processAll(ctx, todo, report, progress); err != nil {
		return report, err
	}

	log.Info("Reconciled tree",
		"files", report.Walked,
		"processed", report.Processed,
		"changed", report.Changed,
		"failed", report.Failed,
		"moved", report.Renamed,
		"removed", report.Removed,
	)
	return report, nil
}

func (e *Engine) processAll(ctx context.Context, paths []string, report *ReconcileReport, progress ProgressFunc) error {
	var (
		done    atomic.Int64
		mu      sync.Mutex
		changed int
		failed  int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Cycle.Workers)

	for _, path := range paths {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			outcome, err := e.indexer.Process(gctx, fs.WorkItem{Path: path, Kind: fs.ChangeUpsert})
			if err != nil && (errs.IsFatal(err) || gctx.Err() != nil) {
				return err
			}

			mu.Lock()
			switch {
			case outcome == indexer.OutcomeFailed:
				failed++
			case outcome.Changed():
				changed++
			}
			mu.Unlock()

			if outcome.Changed() {
				e.coordinator.Notify()
			}
			if progress != nil {
				progress(int(done.Add(1)), len(paths))
			}
			return nil
		})
	}

	err := g.Wait()
	report.Changed = changed
	report.Failed = failed
	if err == nil {
		err = ctx.Err()
	}
	return err
}

func (e *Engine) rel(path string) string {
	return relTo(e.root, path)
}

// Candidates lists the files under the root that the daemon would track,
// in path order.
func (e *Engine) Candidates(ctx context.Context) ([]fs.FileInfo, error) {
	walked, err := e.walk(ctx)
	if err != nil {
		return nil, err
	}
	files := make([]fs.FileInfo, 0, len(walked))
	for _, fi := range walked {
		files = append(files, fi)
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})
	return files, nil
}

func (e *Engine) walk(ctx context.Context) (map[string]fs.FileInfo, error) {
	walker, err := fs.NewFileWalker(fs.WalkOptions{
		Root:        e.root,
		MaxFileSize: int64(e.cfg.Extraction.MaxFileSize),
		Filter:      e.filterOpts,
		Workers:     e.cfg.Cycle.Workers,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrRootUnavailable, err)
	}

	files, err := walker.Scan(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", errs.ErrRootUnavailable, err)
	}
	stats := walker.Stats()
	log.Debug("Scanned root", "files", stats.FilesFound, "skipped", stats.FilesSkipped, "dirs_skipped", stats.DirsSkipped)

	walked := make(map[string]fs.FileInfo, len(files))
	for _, fi := range files {
		walked[fi.Path] = fi
	}
	return walked, nil
}
