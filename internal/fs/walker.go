package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// FileWalker lists the candidate files under a root: regular files that pass
// the filter and the size limit.
type FileWalker struct {
	opts   WalkOptions
	filter *Filter

	mu    sync.Mutex
	stats WalkStats
}

var _ Walker = (*FileWalker)(nil)

// NewFileWalker creates a walker. The root must be an existing directory.
func NewFileWalker(opts WalkOptions) (*FileWalker, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root path: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("root path does not exist: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root path is not a directory: %s", root)
	}

	opts.Root = root
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &FileWalker{
		opts:   opts,
		filter: NewFilter(root, opts.Filter),
	}, nil
}

// Filter returns the filter used by the walker.
func (w *FileWalker) Filter() *Filter {
	return w.filter
}

// Scan walks the tree, hashes every candidate with up to opts.Workers
// goroutines and returns them sorted by path. Files that disappear or become
// unreadable during the scan are left out.
func (w *FileWalker) Scan(ctx context.Context) ([]FileInfo, error) {
	w.mu.Lock()
	w.stats = WalkStats{}
	w.mu.Unlock()

	found, err := w.list(ctx)
	if err != nil {
		return nil, err
	}

	if !w.opts.SkipHash {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(w.opts.Workers)
		for i := range found {
			fi := &found[i]
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				hash, err := HashFile(fi.Path)
				if err != nil {
					log.Debug("Failed to hash file", "path", fi.Path, "error", err)
					fi.Hash = ""
					return nil
				}
				fi.Hash = hash
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		kept := found[:0]
		for _, fi := range found {
			if fi.Hash != "" {
				kept = append(kept, fi)
			}
		}
		found = kept
	}

	w.mu.Lock()
	w.stats.FilesFound = len(found)
	for _, fi := range found {
		w.stats.TotalBytes += fi.Size
	}
	w.mu.Unlock()

	sort.Slice(found, func(i, j int) bool { return found[i].Path < found[j].Path })
	return found, nil
}

// list collects candidates without reading their contents.
func (w *FileWalker) list(ctx context.Context) ([]FileInfo, error) {
	var found []FileInfo
	err := filepath.WalkDir(w.opts.Root, func(path string, d os.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == w.opts.Root {
				return err
			}
			log.Debug("Error accessing path", "path", path, "error", err)
			return nil
		}

		if d.IsDir() {
			if path != w.opts.Root && w.filter.SkipDir(path) {
				w.skipDir()
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || w.filter.SkipFile(path) {
			w.skipFile(0)
			return nil
		}

		info, err := d.Info()
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			log.Debug("Failed to get file info", "path", path, "error", err)
			return nil
		}
		if w.opts.MaxFileSize > 0 && info.Size() > w.opts.MaxFileSize {
			w.skipFile(info.Size())
			return nil
		}

		rel, err := filepath.Rel(w.opts.Root, path)
		if err != nil {
			rel = path
		}
		found = append(found, FileInfo{
			Path:    path,
			RelPath: rel,
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Format:  DetectFormat(path),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (w *FileWalker) skipDir() {
	w.mu.Lock()
	w.stats.DirsSkipped++
	w.mu.Unlock()
}

func (w *FileWalker) skipFile(size int64) {
	w.mu.Lock()
	w.stats.FilesSkipped++
	w.stats.SkippedBytes += size
	w.mu.Unlock()
}

// Stats returns the statistics of the last scan.
func (w *FileWalker) Stats() WalkStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}
