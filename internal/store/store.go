package store

import (
	"time"

	"github.com/nickcecere/sefs/internal/errs"
)

// Store defines the persistence operations used by the pipeline.
type Store interface {
	// File records
	GetFile(path string) (*FileRecord, error)
	GetFileByHash(hash string) (*FileRecord, error)
	ListFilesByHash(hash string) ([]FileRecord, error)
	ListFilesUnder(dir string) ([]FileRecord, error)
	UpsertFile(in FileInput) error
	MarkCurrent(path string, modTime time.Time, size int64) error
	MarkFailed(in FileInput, stage errs.Stage, reason string) error
	MarkMoveError(path string, reason string) error
	MovePath(oldPath, newPath string) error
	SetPlaced(path string) error
	DeleteFile(path string) error
	RestoreFile(rec FileRecord) error
	ListFiles(opts *ListFilesOptions) ([]FileRecord, error)
	ListClusterable() ([]FileRecord, error)

	// Clusters
	ListClusters() ([]ClusterRecord, error)
	GetCluster(id int64) (*ClusterRecord, error)
	ApplyClustering(plan ClusteringPlan) (*ApplyResult, error)
	SetFolderName(id int64, name string) error
	ClusterSamples(id int64, limit, maxChars int) ([]Sample, error)

	// Search
	SearchSimilar(embedding []float32, topK int, excludePath string) ([]SimilarResult, error)

	// Cycles and stats
	RecordCycle(rec CycleRecord) error
	ListCycles(limit int) ([]CycleRecord, error)
	GetStats() (*Stats, error)

	Close() error
}
