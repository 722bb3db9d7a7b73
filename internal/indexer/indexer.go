// Package indexer turns file changes into stored representations: content
// hash, extracted text and embedding vector.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"

	"github.com/nickcecere/sefs/internal/config"
	"github.com/nickcecere/sefs/internal/embeddings"
	"github.com/nickcecere/sefs/internal/errs"
	"github.com/nickcecere/sefs/internal/fs"
	"github.com/nickcecere/sefs/internal/metrics"
	"github.com/nickcecere/sefs/internal/store"
)

// maxEmbedChunks bounds the number of chunks averaged for one document.
const maxEmbedChunks = 32

// Outcome describes what processing a work item did.
type Outcome int

const (
	OutcomeSkipped   Outcome = iota // Stale event, nothing to do
	OutcomeUnchanged                // Content matches the stored record
	OutcomeRenamed                  // Record re-keyed to a new path, no embedding call
	OutcomeReused                   // Vector copied from a record with identical content or text
	OutcomeEmbedded                 // New vector computed
	OutcomeFailed                   // Extraction or embedding failed, record marked error
	OutcomeRemoved                  // Record deleted
)

var outcomeNames = [...]string{"skipped", "unchanged", "renamed", "reused", "embedded", "failed", "removed"}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Changed reports whether the outcome alters the clustering input.
func (o Outcome) Changed() bool {
	return o == OutcomeRenamed || o == OutcomeReused || o == OutcomeEmbedded
}

type tombstone struct {
	record    store.FileRecord
	removedAt time.Time
}

// Indexer runs the representation pipeline for single files.
type Indexer struct {
	store     store.Store
	embedder  embeddings.Service
	extractor fs.Extractor
	chunker   *fs.TextChunker
	locks     *fs.PathLocks
	metrics   *metrics.Metrics
	cfg       *config.Config

	mu         sync.Mutex
	tombstones map[string]tombstone // By content hash
	now        func() time.Time
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithPathLocks shares per-path locks with other writers of the tree.
func WithPathLocks(locks *fs.PathLocks) Option {
	return func(idx *Indexer) {
		idx.locks = locks
	}
}

// WithMetrics records outcomes and embedding latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(idx *Indexer) {
		idx.metrics = m
	}
}

// New creates a new Indexer.
func New(st store.Store, emb embeddings.Service, ext fs.Extractor, cfg *config.Config, opts ...Option) *Indexer {
	idx := &Indexer{
		store:     st,
		embedder:  emb,
		extractor: ext,
		chunker: fs.NewTextChunker(fs.ChunkOptions{
			ChunkSize:    cfg.Extraction.ChunkSize,
			ChunkOverlap: cfg.Extraction.ChunkOverlap,
			MinChunkSize: 100,
		}),
		locks:      fs.NewPathLocks(),
		cfg:        cfg,
		tombstones: make(map[string]tombstone),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// Process applies one work item. Extraction and embedding failures are
// recorded on the file and returned alongside OutcomeFailed; store failures
// wrap errs.ErrStoreUnavailable.
func (idx *Indexer) Process(ctx context.Context, item fs.WorkItem) (Outcome, error) {
	path := filepath.Clean(item.Path)

	unlock := idx.locks.Lock(path)
	defer unlock()

	var (
		outcome Outcome
		err     error
	)
	switch item.Kind {
	case fs.ChangeRemove:
		outcome, err = idx.remove(path)
	default:
		outcome, err = idx.upsert(ctx, path)
	}

	if err == nil || outcome == OutcomeFailed {
		idx.metrics.FileProcessed(outcome.String())
	}
	log.Debug("Processed file", "path", path, "kind", item.Kind, "outcome", outcome)
	return outcome, err
}

func (idx *Indexer) upsert(ctx context.Context, path string) (Outcome, error) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return OutcomeSkipped, nil
	}

	hash, err := fs.HashFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return OutcomeSkipped, nil
		}
		in := store.FileInput{Path: path, ModTime: info.ModTime(), FileSize: info.Size()}
		return idx.fail(in, errs.StageExtract, fmt.Errorf("%w: %w", errs.ErrExtraction, err))
	}

	existing, err := idx.store.GetFile(path)
	if err != nil {
		return OutcomeSkipped, errs.Store("get file", err)
	}

	if existing != nil && existing.Hash == hash &&
		(existing.Status != store.StatusError || existing.ErrorStage == errs.StageMove) {
		if !existing.ModTime.Equal(info.ModTime()) || existing.FileSize != info.Size() {
			if err := idx.store.MarkCurrent(path, info.ModTime(), info.Size()); err != nil {
				return OutcomeSkipped, errs.Store("mark current", err)
			}
		}
		return OutcomeUnchanged, nil
	}

	in := store.FileInput{
		Path:     path,
		Hash:     hash,
		ModTime:  info.ModTime(),
		FileSize: info.Size(),
	}

	if existing == nil {
		renamed, err := idx.tryRename(in)
		if err != nil {
			return OutcomeSkipped, err
		}
		if renamed {
			return OutcomeRenamed, nil
		}
	}

	donor, err := idx.findDonor(hash, path)
	if err != nil {
		return OutcomeSkipped, err
	}
	if donor != nil {
		in.TextHash = donor.TextHash
		in.Embedding = donor.Embedding
		in.ContentSample = donor.ContentSample
		if err := idx.store.UpsertFile(in); err != nil {
			return OutcomeSkipped, errs.Store("upsert file", err)
		}
		log.Debug("Reused vector of identical file", "path", path, "from", donor.Path)
		return OutcomeReused, nil
	}

	text, err := idx.extractor.Extract(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeSkipped, ctx.Err()
		}
		if errors.Is(err, os.ErrNotExist) {
			return OutcomeSkipped, nil
		}
		return idx.fail(in, errs.StageExtract, err)
	}

	in.TextHash = fs.HashString(text)
	in.ContentSample = sample(text, idx.sampleChars())

	if existing != nil && existing.TextHash == in.TextHash && existing.HasVector() {
		in.Embedding = existing.Embedding
		if err := idx.store.UpsertFile(in); err != nil {
			return OutcomeSkipped, errs.Store("upsert file", err)
		}
		return OutcomeReused, nil
	}

	vector, err := idx.embed(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeSkipped, ctx.Err()
		}
		return idx.fail(in, errs.StageEmbed, err)
	}

	in.Embedding = vector
	if err := idx.store.UpsertFile(in); err != nil {
		return OutcomeSkipped, errs.Store("upsert file", err)
	}

	log.Debug("Embedded file", "path", path, "dimensions", len(vector))
	return OutcomeEmbedded, nil
}

func (idx *Indexer) fail(in store.FileInput, stage errs.Stage, cause error) (Outcome, error) {
	log.Warn("Failed to process file", "path", in.Path, "stage", stage, "error", cause)
	if err := idx.store.MarkFailed(in, stage, cause.Error()); err != nil {
		return OutcomeSkipped, errs.Store("mark failed", err)
	}
	return OutcomeFailed, cause
}

// tryRename re-keys a record whose file disappeared and reappeared under a
// new path with identical content.
func (idx *Indexer) tryRename(in store.FileInput) (bool, error) {
	candidates, err := idx.store.ListFilesByHash(in.Hash)
	if err != nil {
		return false, errs.Store("list files by hash", err)
	}

	for _, c := range candidates {
		if c.Path == in.Path || !c.HasVector() || exists(c.Path) {
			continue
		}
		if err := idx.store.MovePath(c.Path, in.Path); err != nil {
			return false, errs.Store("move record", err)
		}
		if err := idx.store.MarkCurrent(in.Path, in.ModTime, in.FileSize); err != nil {
			return false, errs.Store("mark current", err)
		}
		log.Info("Detected rename", "from", c.Path, "to", in.Path)
		return true, nil
	}

	ts, ok := idx.takeTombstone(in.Hash)
	if !ok {
		return false, nil
	}

	rec := ts.record
	rec.Path = in.Path
	rec.ModTime = in.ModTime
	rec.FileSize = in.FileSize
	if err := idx.store.RestoreFile(rec); err != nil {
		return false, errs.Store("restore file", err)
	}
	log.Info("Detected rename", "from", ts.record.Path, "to", in.Path)
	return true, nil
}

// findDonor returns another record with the same content that already
// carries a vector.
func (idx *Indexer) findDonor(hash, path string) (*store.FileRecord, error) {
	records, err := idx.store.ListFilesByHash(hash)
	if err != nil {
		return nil, errs.Store("list files by hash", err)
	}
	for i := range records {
		if records[i].Path != path && records[i].HasVector() {
			return &records[i], nil
		}
	}
	return nil, nil
}

func (idx *Indexer) remove(path string) (Outcome, error) {
	if exists(path) {
		return OutcomeSkipped, nil
	}

	rec, err := idx.store.GetFile(path)
	if err != nil {
		return OutcomeSkipped, errs.Store("get file", err)
	}
	if rec == nil {
		return idx.removeUnder(path)
	}

	if err := idx.forget(*rec); err != nil {
		return OutcomeSkipped, err
	}
	log.Info("Removed file", "path", path)
	return OutcomeRemoved, nil
}

// removeUnder handles a vanished directory. A directory moved out of the
// root produces a single event for the directory itself, so every record
// below it goes here.
func (idx *Indexer) removeUnder(dir string) (Outcome, error) {
	records, err := idx.store.ListFilesUnder(dir)
	if err != nil {
		return OutcomeSkipped, errs.Store("list files under", err)
	}
	removed := 0
	for _, rec := range records {
		unlock := idx.locks.Lock(rec.Path)
		if exists(rec.Path) {
			unlock()
			continue
		}
		err := idx.forget(rec)
		unlock()
		if err != nil {
			return OutcomeSkipped, err
		}
		removed++
	}
	if removed == 0 {
		return OutcomeSkipped, nil
	}

	log.Info("Removed directory", "path", dir, "files", removed)
	return OutcomeRemoved, nil
}

// forget deletes a record and leaves a tombstone so that the file can be
// recognised if it reappears elsewhere within the grace period.
func (idx *Indexer) forget(rec store.FileRecord) error {
	if rec.HasVector() {
		idx.mu.Lock()
		idx.tombstones[rec.Hash] = tombstone{record: rec, removedAt: idx.now()}
		idx.mu.Unlock()
	}

	if err := idx.store.DeleteFile(rec.Path); err != nil {
		return errs.Store("delete file", err)
	}
	return nil
}

func (idx *Indexer) takeTombstone(hash string) (tombstone, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	grace := idx.cfg.Watch.RenameGrace
	now := idx.now()
	for h, ts := range idx.tombstones {
		if now.Sub(ts.removedAt) > grace {
			delete(idx.tombstones, h)
		}
	}

	ts, ok := idx.tombstones[hash]
	if ok {
		delete(idx.tombstones, hash)
	}
	return ts, ok
}

// embed returns one L2-normalized vector for the text. Long text is chunked
// and the chunk vectors averaged.
func (idx *Indexer) embed(ctx context.Context, text string) ([]float32, error) {
	texts := []string{text}
	if limit := idx.cfg.Extraction.MaxTextLength; limit > 0 && utf8.RuneCountInString(text) > limit {
		chunks := idx.chunker.Chunk(text)
		if len(chunks) > maxEmbedChunks {
			chunks = chunks[:maxEmbedChunks]
		}
		texts = make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Content
		}
	}

	eb := backoff.NewExponentialBackOff()
	if idx.cfg.Embeddings.InitialBackoff > 0 {
		eb.InitialInterval = idx.cfg.Embeddings.InitialBackoff
	}
	attempts := idx.cfg.Embeddings.MaxAttempts
	if attempts <= 0 {
		attempts = config.DefaultEmbedMaxAttempts
	}

	start := time.Now()
	vectors, err := backoff.Retry(ctx, func() ([][]float32, error) {
		v, err := idx.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			if !embeddings.IsRetryable(err) {
				return nil, backoff.Permanent(err)
			}
			log.Debug("Embedding failed, retrying", "error", err)
			return nil, err
		}
		return v, nil
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(uint(attempts)))
	idx.metrics.EmbedObserved(time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrEmbedding, err)
	}

	vector, err := averageVectors(vectors)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrEmbedding, err)
	}
	return vector, nil
}

// RetryFailed re-processes records that failed to embed, and records that
// failed to extract whose content has changed since. It returns the number of
// records that now carry a vector.
func (idx *Indexer) RetryFailed(ctx context.Context) (int, error) {
	failed, err := idx.store.ListFiles(&store.ListFilesOptions{Status: store.StatusError})
	if err != nil {
		return 0, errs.Store("list failed files", err)
	}

	recovered := 0
	for _, rec := range failed {
		if ctx.Err() != nil {
			return recovered, ctx.Err()
		}

		kind := fs.ChangeUpsert
		switch {
		case !exists(rec.Path):
			kind = fs.ChangeRemove
		case rec.ErrorStage == errs.StageEmbed:
		case rec.ErrorStage == errs.StageExtract:
			hash, err := fs.HashFile(rec.Path)
			if err != nil || hash == rec.Hash {
				continue
			}
		default:
			continue
		}

		outcome, err := idx.Process(ctx, fs.WorkItem{Path: rec.Path, Kind: kind})
		if err != nil && errs.IsFatal(err) {
			return recovered, err
		}
		if outcome.Changed() {
			recovered++
		}
	}

	if recovered > 0 {
		log.Info("Recovered failed files", "count", recovered)
	}
	return recovered, nil
}

func (idx *Indexer) sampleChars() int {
	if n := idx.cfg.Naming.SampleChars; n > 0 {
		return n
	}
	return config.DefaultSampleChars
}

func averageVectors(vectors [][]float32) ([]float32, error) {
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, errors.New("no embedding returned")
	}

	dims := len(vectors[0])
	sum := make([]float64, dims)
	for _, v := range vectors {
		if len(v) != dims {
			return nil, fmt.Errorf("inconsistent embedding dimensions: %d and %d", dims, len(v))
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
	}

	var norm float64
	for i := range sum {
		sum[i] /= float64(len(vectors))
		norm += sum[i] * sum[i]
	}
	norm = math.Sqrt(norm)

	out := make([]float32, dims)
	for i, x := range sum {
		if norm > 0 {
			x /= norm
		}
		out[i] = float32(x)
	}
	return out, nil
}

func sample(text string, n int) string {
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	return string([]rune(text)[:n])
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
