package indexer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcecere/sefs/internal/config"
	"github.com/nickcecere/sefs/internal/embeddings"
	"github.com/nickcecere/sefs/internal/errs"
	"github.com/nickcecere/sefs/internal/fs"
	"github.com/nickcecere/sefs/internal/store"
)

// mockEmbedder implements embeddings.Service for testing.
type mockEmbedder struct {
	mu         sync.Mutex
	dimensions int
	embedCalls int
	texts      []string
	failures   []error // Returned in order before succeeding
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := m.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (m *mockEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return m.Embed(ctx, text)
}

func (m *mockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.embedCalls++
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return nil, err
	}

	m.texts = append(m.texts, texts...)
	result := make([][]float32, len(texts))
	for i, text := range texts {
		result[i] = m.generateEmbedding(text)
	}
	return result, nil
}

func (m *mockEmbedder) Dimensions() int {
	return m.dimensions
}

func (m *mockEmbedder) Provider() embeddings.Provider {
	return embeddings.ProviderOllama
}

func (m *mockEmbedder) ModelName() string {
	return "mock"
}

func (m *mockEmbedder) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.embedCalls
}

// generateEmbedding derives a deterministic vector from the text.
func (m *mockEmbedder) generateEmbedding(text string) []float32 {
	emb := make([]float32, m.dimensions)
	for i, r := range text {
		emb[i%m.dimensions] += float32(r%31) + 1
	}
	return emb
}

var _ embeddings.Service = (*mockEmbedder)(nil)

type testEnv struct {
	root  string
	store *store.SQLiteStore
	emb   *mockEmbedder
	idx   *Indexer
	cfg   *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	root := t.TempDir()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	cfg.Root = root
	cfg.Embeddings.InitialBackoff = time.Millisecond
	cfg.Extraction.MaxTextLength = 200
	cfg.Extraction.ChunkSize = 100
	cfg.Extraction.ChunkOverlap = 10

	emb := &mockEmbedder{dimensions: 8}
	idx := New(st, emb, fs.NewRegistry(int64(cfg.Extraction.MaxFileSize)), cfg)

	return &testEnv{root: root, store: st, emb: emb, idx: idx, cfg: cfg}
}

func (e *testEnv) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func (e *testEnv) upsert(t *testing.T, path string) Outcome {
	t.Helper()
	out, err := e.idx.Process(context.Background(), fs.WorkItem{Path: path, Kind: fs.ChangeUpsert})
	require.NoError(t, err)
	return out
}

func (e *testEnv) remove(t *testing.T, path string) Outcome {
	t.Helper()
	out, err := e.idx.Process(context.Background(), fs.WorkItem{Path: path, Kind: fs.ChangeRemove})
	require.NoError(t, err)
	return out
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "embedded", OutcomeEmbedded.String())
	assert.Equal(t, "removed", OutcomeRemoved.String())
	assert.Equal(t, "outcome(42)", Outcome(42).String())

	assert.True(t, OutcomeEmbedded.Changed())
	assert.True(t, OutcomeReused.Changed())
	assert.True(t, OutcomeRenamed.Changed())
	assert.False(t, OutcomeUnchanged.Changed())
	assert.False(t, OutcomeRemoved.Changed())
	assert.False(t, OutcomeFailed.Changed())
}

func TestProcessNewFile(t *testing.T) {
	env := newTestEnv(t)
	path := env.write(t, "notes.txt", "invoice for the first quarter")

	assert.Equal(t, OutcomeEmbedded, env.upsert(t, path))

	rec, err := env.store.GetFile(path)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, store.StatusEmbedded, rec.Status)
	assert.Len(t, rec.Embedding, 8)
	assert.Equal(t, "invoice for the first quarter", rec.ContentSample)
	assert.Equal(t, fs.HashString("invoice for the first quarter"), rec.TextHash)
	assert.Equal(t, 1, env.emb.calls())
}

func TestProcessUnchanged(t *testing.T) {
	env := newTestEnv(t)
	path := env.write(t, "notes.txt", "some stable content")

	assert.Equal(t, OutcomeEmbedded, env.upsert(t, path))

	// Touching the file without changing content does not re-embed
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))
	assert.Equal(t, OutcomeUnchanged, env.upsert(t, path))
	assert.Equal(t, 1, env.emb.calls())

	info, err := os.Stat(path)
	require.NoError(t, err)
	rec, err := env.store.GetFile(path)
	require.NoError(t, err)
	assert.True(t, rec.ModTime.Equal(info.ModTime()))
}

func TestProcessModifiedFile(t *testing.T) {
	env := newTestEnv(t)
	path := env.write(t, "notes.txt", "first version")
	env.upsert(t, path)

	env.write(t, "notes.txt", "second version with more words")
	assert.Equal(t, OutcomeEmbedded, env.upsert(t, path))
	assert.Equal(t, 2, env.emb.calls())
}

func TestProcessDuplicateContent(t *testing.T) {
	env := newTestEnv(t)
	a := env.write(t, "a.txt", "identical content")
	b := env.write(t, "sub/b.txt", "identical content")

	assert.Equal(t, OutcomeEmbedded, env.upsert(t, a))
	assert.Equal(t, OutcomeReused, env.upsert(t, b))
	assert.Equal(t, 1, env.emb.calls(), "identical content is embedded once")

	recA, err := env.store.GetFile(a)
	require.NoError(t, err)
	recB, err := env.store.GetFile(b)
	require.NoError(t, err)
	assert.Equal(t, recA.Embedding, recB.Embedding)
}

func TestProcessSameTextDifferentBytes(t *testing.T) {
	env := newTestEnv(t)
	path := env.write(t, "page.html", "<html><body><p>Quarterly report</p></body></html>")
	assert.Equal(t, OutcomeEmbedded, env.upsert(t, path))

	// Markup changes that leave the text alone reuse the vector
	env.write(t, "page.html", "<html><body><p class=\"x\">Quarterly report</p></body></html>")
	assert.Equal(t, OutcomeReused, env.upsert(t, path))
	assert.Equal(t, 1, env.emb.calls())
}

func TestProcessRenameDetection(t *testing.T) {
	t.Run("record whose file is gone", func(t *testing.T) {
		env := newTestEnv(t)
		old := env.write(t, "a.txt", "invoice Q1")
		env.upsert(t, old)

		res, err := env.store.ApplyClustering(store.ClusteringPlan{
			Clusters: []store.ClusterAssignment{{Paths: []string{old}}},
		})
		require.NoError(t, err)

		renamed := filepath.Join(env.root, "renamed.txt")
		require.NoError(t, os.Rename(old, renamed))

		assert.Equal(t, OutcomeRenamed, env.upsert(t, renamed))
		assert.Equal(t, 1, env.emb.calls(), "rename does not re-embed")

		rec, err := env.store.GetFile(renamed)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.True(t, rec.InCluster(res.ClusterIDs[0]))

		gone, err := env.store.GetFile(old)
		require.NoError(t, err)
		assert.Nil(t, gone)
	})

	t.Run("tombstone after remove", func(t *testing.T) {
		env := newTestEnv(t)
		old := env.write(t, "a.txt", "invoice Q1")
		env.upsert(t, old)

		res, err := env.store.ApplyClustering(store.ClusteringPlan{
			Clusters: []store.ClusterAssignment{{Paths: []string{old}}},
		})
		require.NoError(t, err)

		renamed := filepath.Join(env.root, "moved", "a.txt")
		require.NoError(t, os.MkdirAll(filepath.Dir(renamed), 0755))
		require.NoError(t, os.Rename(old, renamed))

		assert.Equal(t, OutcomeRemoved, env.remove(t, old))
		assert.Equal(t, OutcomeRenamed, env.upsert(t, renamed))
		assert.Equal(t, 1, env.emb.calls())

		rec, err := env.store.GetFile(renamed)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.True(t, rec.InCluster(res.ClusterIDs[0]))
	})

	t.Run("expired tombstone", func(t *testing.T) {
		env := newTestEnv(t)
		old := env.write(t, "a.txt", "invoice Q1")
		env.upsert(t, old)

		renamed := filepath.Join(env.root, "b.txt")
		require.NoError(t, os.Rename(old, renamed))
		assert.Equal(t, OutcomeRemoved, env.remove(t, old))

		env.idx.now = func() time.Time { return time.Now().Add(env.cfg.Watch.RenameGrace + time.Second) }
		assert.Equal(t, OutcomeEmbedded, env.upsert(t, renamed))
		assert.Equal(t, 2, env.emb.calls())
	})
}

func TestProcessRemove(t *testing.T) {
	env := newTestEnv(t)
	path := env.write(t, "a.txt", "content")
	env.upsert(t, path)

	// Still on disk: stale remove event
	assert.Equal(t, OutcomeSkipped, env.remove(t, path))

	require.NoError(t, os.Remove(path))
	assert.Equal(t, OutcomeRemoved, env.remove(t, path))
	assert.Equal(t, OutcomeSkipped, env.remove(t, path))

	rec, err := env.store.GetFile(path)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestProcessRemoveDirectory(t *testing.T) {
	env := newTestEnv(t)
	a := env.write(t, "invoices/a.txt", "invoice Q1")
	b := env.write(t, "invoices/2024/b.txt", "invoice Q2")
	keep := env.write(t, "invoices.txt", "notes")
	for _, p := range []string{a, b, keep} {
		env.upsert(t, p)
	}

	dir := filepath.Join(env.root, "invoices")
	outside := filepath.Join(t.TempDir(), "invoices")
	require.NoError(t, os.Rename(dir, outside))

	assert.Equal(t, OutcomeRemoved, env.remove(t, dir))
	assert.Equal(t, OutcomeSkipped, env.remove(t, dir))

	records, err := env.store.ListFiles(nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, keep, records[0].Path)

	// Moving a file back inside reuses its vector
	back := filepath.Join(env.root, "a.txt")
	require.NoError(t, os.Rename(filepath.Join(outside, "a.txt"), back))
	assert.Equal(t, OutcomeRenamed, env.upsert(t, back))
	assert.Equal(t, 3, env.emb.calls())
}

func TestProcessVanishedFile(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, OutcomeSkipped, env.upsert(t, filepath.Join(env.root, "missing.txt")))
	assert.Equal(t, 0, env.emb.calls())
}

func TestProcessExtractionFailure(t *testing.T) {
	env := newTestEnv(t)
	path := env.write(t, "empty.txt", "   \n\t ")

	out, err := env.idx.Process(context.Background(), fs.WorkItem{Path: path})
	assert.Equal(t, OutcomeFailed, out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrExtraction))
	assert.False(t, errs.IsFatal(err))

	rec, err := env.store.GetFile(path)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, store.StatusError, rec.Status)
	assert.Equal(t, errs.StageExtract, rec.ErrorStage)
	assert.NotEmpty(t, rec.LastError)
	assert.Equal(t, 0, env.emb.calls())
}

func TestProcessEmbeddingRetry(t *testing.T) {
	t.Run("transient failure is retried", func(t *testing.T) {
		env := newTestEnv(t)
		env.emb.failures = []error{&embeddings.StatusError{Code: 503}}
		path := env.write(t, "a.txt", "content to embed")

		assert.Equal(t, OutcomeEmbedded, env.upsert(t, path))
		assert.Equal(t, 2, env.emb.calls())
	})

	t.Run("exhausted retries mark the file", func(t *testing.T) {
		env := newTestEnv(t)
		env.cfg.Embeddings.MaxAttempts = 2
		env.emb.failures = []error{
			&embeddings.StatusError{Code: 503},
			&embeddings.StatusError{Code: 503},
		}
		path := env.write(t, "a.txt", "content to embed")

		out, err := env.idx.Process(context.Background(), fs.WorkItem{Path: path})
		assert.Equal(t, OutcomeFailed, out)
		assert.True(t, errors.Is(err, errs.ErrEmbedding))
		assert.True(t, errs.IsRetryable(err))
		assert.Equal(t, 2, env.emb.calls())

		rec, err := env.store.GetFile(path)
		require.NoError(t, err)
		assert.Equal(t, errs.StageEmbed, rec.ErrorStage)
		assert.False(t, rec.HasVector())
	})

	t.Run("permanent failure is not retried", func(t *testing.T) {
		env := newTestEnv(t)
		env.emb.failures = []error{&embeddings.StatusError{Code: 400}}
		path := env.write(t, "a.txt", "content to embed")

		out, err := env.idx.Process(context.Background(), fs.WorkItem{Path: path})
		assert.Equal(t, OutcomeFailed, out)
		assert.True(t, errors.Is(err, errs.ErrEmbedding))
		assert.Equal(t, 1, env.emb.calls())
	})
}

func TestProcessLongTextIsChunked(t *testing.T) {
	env := newTestEnv(t)
	line := "the quick brown fox jumps over the lazy dog"
	content := strings.Repeat(line+"\n", 20)
	path := env.write(t, "long.md", content)

	assert.Equal(t, OutcomeEmbedded, env.upsert(t, path))
	assert.Greater(t, len(env.emb.texts), 1, "long text is embedded in chunks")

	rec, err := env.store.GetFile(path)
	require.NoError(t, err)

	var norm float64
	for _, x := range rec.Embedding {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, norm, 1e-4, "averaged vector is L2-normalized")
}

func TestRetryFailed(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Embeddings.MaxAttempts = 1

	embedFail := env.write(t, "a.txt", "embedding will fail once")
	env.emb.failures = []error{&embeddings.StatusError{Code: 503}}
	out, _ := env.idx.Process(context.Background(), fs.WorkItem{Path: embedFail})
	require.Equal(t, OutcomeFailed, out)

	extractFail := env.write(t, "b.txt", "  ")
	out, _ = env.idx.Process(context.Background(), fs.WorkItem{Path: extractFail})
	require.Equal(t, OutcomeFailed, out)

	gone := env.write(t, "c.txt", "")
	out, _ = env.idx.Process(context.Background(), fs.WorkItem{Path: gone})
	require.Equal(t, OutcomeFailed, out)
	require.NoError(t, os.Remove(gone))

	recovered, err := env.idx.RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	rec, err := env.store.GetFile(embedFail)
	require.NoError(t, err)
	assert.Equal(t, store.StatusEmbedded, rec.Status)

	rec, err = env.store.GetFile(extractFail)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, rec.Status, "unchanged extraction failure is not retried")

	rec, err = env.store.GetFile(gone)
	require.NoError(t, err)
	assert.Nil(t, rec)

	// Fixing the content makes the extraction failure eligible again
	env.write(t, "b.txt", "now there is text")
	recovered, err = env.idx.RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
}

func TestAverageVectors(t *testing.T) {
	v, err := averageVectors([][]float32{{3, 0}, {0, 4}})
	require.NoError(t, err)
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	_, err = averageVectors(nil)
	assert.Error(t, err)

	_, err = averageVectors([][]float32{{1, 2}, {1}})
	assert.Error(t, err)
}
