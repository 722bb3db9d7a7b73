package store

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcecere/sefs/internal/errs"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "state.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)

	// The noise bucket exists from the start
	noise, err := store.GetCluster(NoiseClusterID)
	require.NoError(t, err)
	require.NotNil(t, noise)
	assert.Equal(t, NoiseFolderName, noise.FolderName)
	assert.True(t, noise.IsNoise())
}

func TestReopenKeepsState(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.UpsertFile(testInput("/root/a.txt", "h1", []float32{1, 0, 0})))
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	record, err := store.GetFile("/root/a.txt")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "h1", record.Hash)
}

func TestFileUpsertAndGet(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	in := testInput("/root/invoice.txt", "abc123", []float32{0.1, 0.2, 0.3})
	require.NoError(t, store.UpsertFile(in))

	record, err := store.GetFile("/root/invoice.txt")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "abc123", record.Hash)
	assert.Equal(t, "text-abc123", record.TextHash)
	assert.Equal(t, StatusEmbedded, record.Status)
	assert.Nil(t, record.ClusterID)
	assert.InDeltaSlice(t, []float32{0.1, 0.2, 0.3}, record.Embedding, 1e-6)
	assert.Equal(t, in.ModTime.UnixNano(), record.ModTime.UnixNano())
	assert.Equal(t, "sample of abc123", record.ContentSample)
	assert.True(t, record.Clusterable())

	missing, err := store.GetFile("/root/missing.txt")
	require.NoError(t, err)
	assert.Nil(t, missing)

	byHash, err := store.GetFileByHash("abc123")
	require.NoError(t, err)
	require.NotNil(t, byHash)
	assert.Equal(t, record.Path, byHash.Path)
}

func TestUpsertRequiresEmbedding(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	err := store.UpsertFile(FileInput{Path: "/root/a.txt", Hash: "h"})
	assert.Error(t, err)
}

func TestUpsertKeepsClusterUntilNextCycle(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	require.NoError(t, store.UpsertFile(testInput("/root/a.txt", "h1", []float32{1, 0})))
	res, err := store.ApplyClustering(ClusteringPlan{
		Clusters: []ClusterAssignment{{Paths: []string{"/root/a.txt"}}},
	})
	require.NoError(t, err)
	id := res.ClusterIDs[0]

	// Content change: re-embedded, cluster kept, status back to embedded
	require.NoError(t, store.UpsertFile(testInput("/root/a.txt", "h2", []float32{0, 1})))
	record, err := store.GetFile("/root/a.txt")
	require.NoError(t, err)
	require.NotNil(t, record.ClusterID)
	assert.Equal(t, id, *record.ClusterID)
	assert.Equal(t, StatusEmbedded, record.Status)
}

func TestMarkFailedDropsVector(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	require.NoError(t, store.UpsertFile(testInput("/root/a.pdf", "h1", []float32{1, 0})))

	in := FileInput{Path: "/root/a.pdf", Hash: "h2", ModTime: time.Now(), FileSize: 10}
	require.NoError(t, store.MarkFailed(in, errs.StageExtract, "corrupt pdf"))

	record, err := store.GetFile("/root/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, StatusError, record.Status)
	assert.Equal(t, errs.StageExtract, record.ErrorStage)
	assert.Equal(t, "corrupt pdf", record.LastError)
	assert.False(t, record.HasVector())
	assert.False(t, record.Clusterable())

	// New files can be recorded as failed too
	require.NoError(t, store.MarkFailed(FileInput{Path: "/root/b.bin", Hash: "h3"}, errs.StageExtract, "unsupported"))
	record, err = store.GetFile("/root/b.bin")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, StatusError, record.Status)
}

func TestMoveErrorStaysClusterable(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	require.NoError(t, store.UpsertFile(testInput("/root/a.txt", "h1", []float32{1, 0})))
	_, err := store.ApplyClustering(ClusteringPlan{Noise: []string{"/root/a.txt"}})
	require.NoError(t, err)

	require.NoError(t, store.MarkMoveError("/root/a.txt", "permission denied"))

	record, err := store.GetFile("/root/a.txt")
	require.NoError(t, err)
	assert.Equal(t, StatusError, record.Status)
	assert.Equal(t, errs.StageMove, record.ErrorStage)
	assert.True(t, record.Clusterable())

	require.NoError(t, store.MarkFailed(FileInput{Path: "/root/bad.pdf", Hash: "h2"}, errs.StageExtract, "corrupt"))
	stats, err := store.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ByStatus[StatusError])
	assert.Equal(t, 1, stats.MoveErrors)

	// Re-clustering into the same bucket keeps the error for the retry
	_, err = store.ApplyClustering(ClusteringPlan{Noise: []string{"/root/a.txt"}})
	require.NoError(t, err)
	record, err = store.GetFile("/root/a.txt")
	require.NoError(t, err)
	assert.Equal(t, StatusError, record.Status)

	require.NoError(t, store.SetPlaced("/root/a.txt"))
	record, err = store.GetFile("/root/a.txt")
	require.NoError(t, err)
	assert.Equal(t, StatusPlaced, record.Status)
	assert.Empty(t, record.LastError)
}

func TestMovePath(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	require.NoError(t, store.UpsertFile(testInput("/root/a.txt", "h1", []float32{1, 0})))
	require.NoError(t, store.UpsertFile(testInput("/root/Docs/a.txt", "stale", []float32{0, 1})))

	require.NoError(t, store.MovePath("/root/a.txt", "/root/Docs/a.txt"))

	old, err := store.GetFile("/root/a.txt")
	require.NoError(t, err)
	assert.Nil(t, old)

	moved, err := store.GetFile("/root/Docs/a.txt")
	require.NoError(t, err)
	require.NotNil(t, moved)
	assert.Equal(t, "h1", moved.Hash)

	assert.Error(t, store.MovePath("/root/nope.txt", "/root/x.txt"))
	assert.NoError(t, store.MovePath("/root/Docs/a.txt", "/root/Docs/a.txt"))
}

func TestFileDelete(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	require.NoError(t, store.UpsertFile(testInput("/root/a.txt", "h1", []float32{1, 0})))
	require.NoError(t, store.DeleteFile("/root/a.txt"))

	record, err := store.GetFile("/root/a.txt")
	require.NoError(t, err)
	assert.Nil(t, record)

	// Deleting a missing record is not an error
	assert.NoError(t, store.DeleteFile("/root/a.txt"))
}

func TestRestoreFile(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	require.NoError(t, store.UpsertFile(testInput("/root/a.txt", "h1", []float32{1, 0})))
	require.NoError(t, store.UpsertFile(testInput("/root/b.txt", "h2", []float32{0, 1})))
	res, err := store.ApplyClustering(ClusteringPlan{
		Clusters: []ClusterAssignment{{Paths: []string{"/root/a.txt", "/root/b.txt"}}},
	})
	require.NoError(t, err)
	id := res.ClusterIDs[0]

	rec, err := store.GetFile("/root/a.txt")
	require.NoError(t, err)
	require.NoError(t, store.DeleteFile("/root/a.txt"))

	rec.Path = "/root/renamed.txt"
	require.NoError(t, store.RestoreFile(*rec))

	restored, err := store.GetFile("/root/renamed.txt")
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.True(t, restored.InCluster(id))
	assert.Equal(t, StatusClustered, restored.Status)
	assert.Equal(t, "h1", restored.Hash)

	results, err := store.SearchSimilar([]float32{1, 0}, 1, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "/root/renamed.txt", results[0].File.Path)

	// A cluster that disappeared in the meantime is not resurrected
	gone := int64(9999)
	rec.Path = "/root/other.txt"
	rec.ClusterID = &gone
	require.NoError(t, store.RestoreFile(*rec))
	other, err := store.GetFile("/root/other.txt")
	require.NoError(t, err)
	assert.Nil(t, other.ClusterID)

	rec.Embedding = nil
	assert.Error(t, store.RestoreFile(*rec))
}

func TestListFilesByHash(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	require.NoError(t, store.UpsertFile(testInput("/root/b.txt", "same", []float32{1, 0})))
	require.NoError(t, store.UpsertFile(testInput("/root/a.txt", "same", []float32{1, 0})))
	require.NoError(t, store.UpsertFile(testInput("/root/c.txt", "other", []float32{0, 1})))

	records, err := store.ListFilesByHash("same")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "/root/a.txt", records[0].Path)
	assert.Equal(t, "/root/b.txt", records[1].Path)
}

func TestListFilesUnder(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	for _, p := range []string{
		"/root/docs/a.txt",
		"/root/docs/sub/b.txt",
		"/root/docs.txt",
		"/root/docs-old/c.txt",
		"/root/docs0/d.txt",
		"/root/other/e.txt",
	} {
		require.NoError(t, store.UpsertFile(testInput(p, p, []float32{1, 0})))
	}

	records, err := store.ListFilesUnder("/root/docs")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "/root/docs/a.txt", records[0].Path)
	assert.Equal(t, "/root/docs/sub/b.txt", records[1].Path)

	records, err = store.ListFilesUnder("/root/docs/")
	require.NoError(t, err)
	assert.Len(t, records, 2)

	records, err = store.ListFilesUnder("/root/missing")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestApplyClustering(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	for _, p := range []string{"/root/a.txt", "/root/b.txt", "/root/c.txt", "/root/d.txt"} {
		require.NoError(t, store.UpsertFile(testInput(p, p, []float32{1, 0})))
	}

	res, err := store.ApplyClustering(ClusteringPlan{
		Clusters: []ClusterAssignment{
			{Paths: []string{"/root/a.txt", "/root/b.txt"}},
			{Paths: []string{"/root/c.txt"}},
		},
		Noise: []string{"/root/d.txt"},
	})
	require.NoError(t, err)
	require.Len(t, res.ClusterIDs, 2)
	assert.Equal(t, 2, res.Created)
	assert.NotEqual(t, res.ClusterIDs[0], res.ClusterIDs[1])
	first, second := res.ClusterIDs[0], res.ClusterIDs[1]

	a, err := store.GetFile("/root/a.txt")
	require.NoError(t, err)
	assert.Equal(t, StatusClustered, a.Status)
	assert.True(t, a.InCluster(first))

	d, err := store.GetFile("/root/d.txt")
	require.NoError(t, err)
	assert.True(t, d.InCluster(NoiseClusterID))

	require.NoError(t, store.SetPlaced("/root/a.txt"))

	// Second cycle: first cluster kept, second dissolved into noise
	res, err = store.ApplyClustering(ClusteringPlan{
		Clusters: []ClusterAssignment{{ClusterID: first, Paths: []string{"/root/a.txt", "/root/b.txt"}}},
		Noise:    []string{"/root/c.txt", "/root/d.txt"},
		Dissolve: []int64{second},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{first}, res.ClusterIDs)
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, 1, res.Dissolved)

	a, err = store.GetFile("/root/a.txt")
	require.NoError(t, err)
	assert.Equal(t, StatusPlaced, a.Status, "placed members of a kept cluster stay placed")

	gone, err := store.GetCluster(second)
	require.NoError(t, err)
	assert.Nil(t, gone)

	clusters, err := store.ListClusters()
	require.NoError(t, err)
	require.Len(t, clusters, 2)
	assert.Equal(t, NoiseClusterID, clusters[0].ID)
	assert.Equal(t, 2, clusters[0].MemberCount)
	assert.Equal(t, first, clusters[1].ID)
	assert.Equal(t, 2, clusters[1].MemberCount)

	// Ids are never reused
	res, err = store.ApplyClustering(ClusteringPlan{
		Clusters: []ClusterAssignment{
			{ClusterID: first, Paths: []string{"/root/a.txt", "/root/b.txt"}},
			{Paths: []string{"/root/c.txt", "/root/d.txt"}},
		},
	})
	require.NoError(t, err)
	assert.Greater(t, res.ClusterIDs[1], second)
}

func TestSetFolderName(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	require.NoError(t, store.UpsertFile(testInput("/root/a.txt", "h1", []float32{1, 0})))
	require.NoError(t, store.UpsertFile(testInput("/root/b.txt", "h2", []float32{0, 1})))
	res, err := store.ApplyClustering(ClusteringPlan{
		Clusters: []ClusterAssignment{
			{Paths: []string{"/root/a.txt"}},
			{Paths: []string{"/root/b.txt"}},
		},
	})
	require.NoError(t, err)

	require.NoError(t, store.SetFolderName(res.ClusterIDs[0], "Financial_Invoices"))

	err = store.SetFolderName(res.ClusterIDs[1], "Financial_Invoices")
	assert.ErrorIs(t, err, ErrNameTaken)

	err = store.SetFolderName(res.ClusterIDs[1], NoiseFolderName)
	assert.ErrorIs(t, err, ErrNameTaken)

	assert.Error(t, store.SetFolderName(NoiseClusterID, "Other"))

	cluster, err := store.GetCluster(res.ClusterIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "Financial_Invoices", cluster.FolderName)
	assert.Equal(t, 1, cluster.MemberCount)
}

func TestClusterSamples(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	for _, p := range []string{"/root/c.txt", "/root/a.txt", "/root/b.txt"} {
		in := testInput(p, p, []float32{1, 0})
		in.ContentSample = "Invoice number 42 for consulting services"
		require.NoError(t, store.UpsertFile(in))
	}
	res, err := store.ApplyClustering(ClusteringPlan{
		Clusters: []ClusterAssignment{{Paths: []string{"/root/a.txt", "/root/b.txt", "/root/c.txt"}}},
	})
	require.NoError(t, err)

	samples, err := store.ClusterSamples(res.ClusterIDs[0], 2, 7)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, "/root/a.txt", samples[0].Path)
	assert.Equal(t, "/root/b.txt", samples[1].Path)
	assert.Equal(t, "Invoice", samples[0].Text)
}

func TestListClusterable(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	require.NoError(t, store.UpsertFile(testInput("/root/ok.txt", "h1", []float32{1, 0})))
	require.NoError(t, store.MarkFailed(FileInput{Path: "/root/bad.pdf", Hash: "h2"}, errs.StageExtract, "corrupt"))
	require.NoError(t, store.MarkFailed(FileInput{Path: "/root/later.txt", Hash: "h3"}, errs.StageEmbed, "timeout"))

	records, err := store.ListClusterable()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "/root/ok.txt", records[0].Path)

	failed, err := store.ListFiles(&ListFilesOptions{Status: StatusError})
	require.NoError(t, err)
	assert.Len(t, failed, 2)
}

func TestSearchSimilar(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	// Empty index
	results, err := store.SearchSimilar([]float32{1, 0, 0}, 5, "")
	require.NoError(t, err)
	assert.Empty(t, results)

	require.NoError(t, store.UpsertFile(testInput("/root/a.txt", "h1", normalizeVector([]float32{1, 0, 0}))))
	require.NoError(t, store.UpsertFile(testInput("/root/b.txt", "h2", normalizeVector([]float32{0.9, 0.1, 0}))))
	require.NoError(t, store.UpsertFile(testInput("/root/c.txt", "h3", normalizeVector([]float32{0, 0, 1}))))

	results, err = store.SearchSimilar(normalizeVector([]float32{1, 0, 0}), 2, "/root/a.txt")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "/root/b.txt", results[0].File.Path)
	assert.Greater(t, results[0].Score, results[1].Score)

	_, err = store.SearchSimilar([]float32{1, 0}, 2, "")
	assert.Error(t, err)
}

func TestCyclesAndStats(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	require.NoError(t, store.UpsertFile(testInput("/root/a.txt", "h1", []float32{1, 0})))
	require.NoError(t, store.UpsertFile(testInput("/root/b.txt", "h2", []float32{1, 0})))
	_, err := store.ApplyClustering(ClusteringPlan{
		Clusters: []ClusterAssignment{{Paths: []string{"/root/a.txt"}}},
		Noise:    []string{"/root/b.txt"},
	})
	require.NoError(t, err)

	start := time.Now().Add(-time.Second)
	require.NoError(t, store.RecordCycle(CycleRecord{ID: "one", StartedAt: start, FinishedAt: start, Files: 1}))
	require.NoError(t, store.RecordCycle(CycleRecord{ID: "two", StartedAt: time.Now(), FinishedAt: time.Now(), Files: 2, Moves: 2}))

	cycles, err := store.ListCycles(10)
	require.NoError(t, err)
	require.Len(t, cycles, 2)
	assert.Equal(t, "two", cycles[0].ID)

	stats, err := store.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.FileCount)
	assert.Equal(t, 2, stats.ByStatus[StatusClustered])
	assert.Equal(t, 1, stats.ClusterCount)
	assert.Equal(t, 1, stats.NoiseCount)
	assert.Equal(t, int64(20), stats.TotalSize)
	require.NotNil(t, stats.LastCycle)
	assert.Equal(t, "two", stats.LastCycle.ID)
}

func TestSerializeEmbedding(t *testing.T) {
	embedding := []float32{1.0, 2.0, 3.0, -0.5}
	serialized := serializeEmbedding(embedding)

	assert.Len(t, serialized, len(embedding)*4)
	assert.Equal(t, embedding, deserializeEmbedding(serialized))
}

func setupTestStore(t *testing.T) *SQLiteStore {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	return store
}

func testInput(path, hash string, embedding []float32) FileInput {
	return FileInput{
		Path:          path,
		Hash:          hash,
		TextHash:      "text-" + hash,
		Embedding:     embedding,
		ModTime:       time.Unix(1700000000, 123),
		FileSize:      10,
		ContentSample: "sample of " + hash,
	}
}

// normalizeVector normalizes a vector to unit length (for testing).
func normalizeVector(v []float32) []float32 {
	var sum float32
	for _, x := range v {
		sum += x * x
	}
	norm := float32(math.Sqrt(float64(sum)))
	result := make([]float32, len(v))
	for i, x := range v {
		result[i] = x / norm
	}
	return result
}
