// Package organizer names stable clusters and moves their members into one
// folder per cluster directly under the root.
package organizer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/sefs/internal/config"
	"github.com/nickcecere/sefs/internal/errs"
	"github.com/nickcecere/sefs/internal/fs"
	"github.com/nickcecere/sefs/internal/metrics"
	"github.com/nickcecere/sefs/internal/store"
)

// Namer proposes a folder name for a cluster from samples of its content.
type Namer interface {
	Name(ctx context.Context, clusterID int64, samples []store.Sample) (string, error)
}

// Tracker is told about paths the organizer is about to touch so that the
// resulting file system events can be ignored.
type Tracker interface {
	Expect(paths ...string)
}

// Report summarizes one Organize pass.
type Report struct {
	Named   int // Clusters given a folder name
	Placed  int // Records already in their folder
	Moved   int // Files moved into their folder
	Deduped int // Sources deleted because the destination had identical content
	Failed  int // Moves that failed and will be retried
}

// Organizer is the folder manager.
type Organizer struct {
	root    string
	store   store.Store
	namer   Namer
	tracker Tracker
	locks   *fs.PathLocks
	metrics *metrics.Metrics
	naming  config.NamingConfig
}

// Option configures an Organizer.
type Option func(*Organizer)

// WithTracker registers expected moves with the change detector.
func WithTracker(t Tracker) Option {
	return func(o *Organizer) {
		o.tracker = t
	}
}

// WithPathLocks shares per-path locks with the indexer.
func WithPathLocks(locks *fs.PathLocks) Option {
	return func(o *Organizer) {
		o.locks = locks
	}
}

// WithMetrics records moves and naming.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Organizer) {
		o.metrics = m
	}
}

// New creates an organizer for root. A nil namer always uses fallback names.
func New(root string, st store.Store, namer Namer, cfg *config.Config, opts ...Option) *Organizer {
	o := &Organizer{
		root:   filepath.Clean(root),
		store:  st,
		namer:  namer,
		locks:  fs.NewPathLocks(),
		naming: cfg.Naming,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// FallbackName is the folder name used when naming fails.
func FallbackName(clusterID int64) string {
	return fmt.Sprintf("Cluster_%d", clusterID)
}

// Organize names unnamed clusters, then moves every clustered file into its
// cluster folder. A move in progress always completes; cancellation is
// honoured between moves. Only store failures are returned.
func (o *Organizer) Organize(ctx context.Context) (*Report, error) {
	report := &Report{}

	folders, err := o.nameClusters(ctx, report)
	if err != nil {
		return report, err
	}

	records, err := o.store.ListFiles(nil)
	if err != nil {
		return report, errs.Store("list files", err)
	}

	for i := range records {
		if ctx.Err() != nil {
			log.Debug("Placement interrupted", "remaining", len(records)-i)
			break
		}

		rec := &records[i]
		if rec.ClusterID == nil || !rec.Clusterable() {
			continue
		}
		folder := folders[*rec.ClusterID]
		if folder == "" {
			continue
		}
		if err := o.place(rec, folder, report); err != nil {
			return report, err
		}
	}

	if report.Moved > 0 || report.Deduped > 0 || report.Failed > 0 {
		log.Info("Organized files",
			"moved", report.Moved,
			"deduped", report.Deduped,
			"failed", report.Failed,
			"named", report.Named,
		)
	}
	return report, nil
}

// nameClusters assigns a unique folder name to every cluster lacking one and
// returns the folder name per cluster id.
func (o *Organizer) nameClusters(ctx context.Context, report *Report) (map[int64]string, error) {
	clusters, err := o.store.ListClusters()
	if err != nil {
		return nil, errs.Store("list clusters", err)
	}

	folders := make(map[int64]string, len(clusters))
	used := make(map[string]bool, len(clusters))
	for _, c := range clusters {
		if c.FolderName != "" {
			folders[c.ID] = c.FolderName
			used[strings.ToLower(c.FolderName)] = true
		}
	}

	for _, c := range clusters {
		if c.FolderName != "" || c.IsNoise() || c.MemberCount == 0 {
			continue
		}

		base, source := o.suggestName(ctx, c.ID)
		for n := 1; ; n++ {
			name := base
			if n > 1 {
				name = fmt.Sprintf("%s_%d", base, n)
			}
			if used[strings.ToLower(name)] {
				continue
			}

			err := o.store.SetFolderName(c.ID, name)
			if errors.Is(err, store.ErrNameTaken) {
				used[strings.ToLower(name)] = true
				continue
			}
			if err != nil {
				return nil, errs.Store("set folder name", err)
			}

			used[strings.ToLower(name)] = true
			folders[c.ID] = name
			report.Named++
			o.metrics.FolderNamed(source)
			log.Info("Named cluster", "id", c.ID, "folder", name, "members", c.MemberCount)
			break
		}
	}

	return folders, nil
}

func (o *Organizer) suggestName(ctx context.Context, clusterID int64) (string, string) {
	fallback := FallbackName(clusterID)
	if o.namer == nil || !o.naming.Enabled || ctx.Err() != nil {
		return fallback, "fallback"
	}

	samples, err := o.store.ClusterSamples(clusterID, o.naming.MaxSamples, o.naming.SampleChars)
	if err != nil {
		log.Warn("Failed to load cluster samples", "id", clusterID, "error", err)
		return fallback, "fallback"
	}

	name, err := o.namer.Name(ctx, clusterID, samples)
	if err != nil || name == "" {
		log.Warn("Naming failed, using fallback", "id", clusterID, "folder", fallback, "error", err)
		return fallback, "fallback"
	}
	return name, "model"
}

// place moves one record into folder, or marks it placed when it is already
// there.
func (o *Organizer) place(rec *store.FileRecord, folder string, report *Report) error {
	src := rec.Path
	destDir := filepath.Join(o.root, folder)

	if filepath.Dir(src) == destDir {
		if rec.Status != store.StatusPlaced {
			if err := o.store.SetPlaced(src); err != nil {
				return errs.Store("set placed", err)
			}
		}
		report.Placed++
		return nil
	}

	unlockSrc := o.locks.Lock(src)
	defer unlockSrc()

	if _, err := os.Lstat(src); err != nil {
		// Gone since the snapshot; the change detector handles it.
		return nil
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return o.moveFailed(src, fmt.Errorf("%w: create folder %s: %w", errs.ErrMove, folder, err), report)
	}

	dest := filepath.Join(destDir, filepath.Base(src))
	unlockDest := o.locks.Lock(dest)
	defer func() { unlockDest() }()

	if _, err := os.Lstat(dest); err == nil {
		hash, err := fs.HashFile(dest)
		if err == nil && hash == rec.Hash {
			return o.dedup(src, dest, report)
		}

		unlockDest()
		dest = disambiguate(destDir, filepath.Base(src))
		unlockDest = o.locks.Lock(dest)
	}

	if o.tracker != nil {
		o.tracker.Expect(src, dest)
	}

	if err := moveFile(src, dest); err != nil {
		return o.moveFailed(src, fmt.Errorf("%w: %s: %w", errs.ErrMove, src, err), report)
	}

	if err := o.store.MovePath(src, dest); err != nil {
		return errs.Store("move record", err)
	}
	if err := o.store.SetPlaced(dest); err != nil {
		return errs.Store("set placed", err)
	}

	report.Moved++
	o.metrics.MoveFinished("moved")
	log.Info("Moved file", "from", o.rel(src), "to", o.rel(dest))
	return nil
}

// dedup deletes src because dest already holds identical content.
func (o *Organizer) dedup(src, dest string, report *Report) error {
	if o.tracker != nil {
		o.tracker.Expect(src)
	}
	if err := os.Remove(src); err != nil {
		return o.moveFailed(src, fmt.Errorf("%w: remove duplicate %s: %w", errs.ErrMove, src, err), report)
	}
	if err := o.store.DeleteFile(src); err != nil {
		return errs.Store("delete file", err)
	}

	report.Deduped++
	o.metrics.MoveFinished("deduped")
	log.Info("Removed duplicate", "path", o.rel(src), "kept", o.rel(dest))
	return nil
}

func (o *Organizer) moveFailed(src string, err error, report *Report) error {
	log.Warn("Move failed, will retry", "path", o.rel(src), "error", err)
	if serr := o.store.MarkMoveError(src, err.Error()); serr != nil {
		return errs.Store("mark move error", serr)
	}
	report.Failed++
	o.metrics.MoveFinished("failed")
	return nil
}

func (o *Organizer) rel(path string) string {
	if rel, err := filepath.Rel(o.root, path); err == nil {
		return rel
	}
	return path
}

// disambiguate returns the first <stem>_<n><ext> in dir that does not exist,
// counting from 2 like folder names.
func disambiguate(dir, base string) string {
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for n := 2; ; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, n, ext))
		if _, err := os.Lstat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
	}
}
