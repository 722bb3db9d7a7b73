// Package store persists file records, stable clusters and cycle history
// using SQLite and sqlite-vec.
package store

import (
	"time"

	"github.com/nickcecere/sefs/internal/errs"
)

// Status is the processing state of a file record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusEmbedded  Status = "embedded"
	StatusClustered Status = "clustered"
	StatusPlaced    Status = "placed"
	StatusError     Status = "error"
)

// Noise bucket identity. The row is created with the schema and is never
// renamed or deleted.
const (
	NoiseClusterID  int64 = -1
	NoiseFolderName       = "Miscellaneous_Files"
)

// FileRecord represents a tracked file.
type FileRecord struct {
	ID            int64      `json:"id"`
	Path          string     `json:"path"`      // Absolute, cleaned path
	Hash          string     `json:"hash"`      // xxhash of raw bytes
	TextHash      string     `json:"text_hash"` // xxhash of extracted text
	Embedding     []float32  `json:"-"`
	ClusterID     *int64     `json:"cluster_id,omitempty"`
	Status        Status     `json:"status"`
	ErrorStage    errs.Stage `json:"error_stage,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	ModTime       time.Time  `json:"mod_time"`
	FileSize      int64      `json:"file_size"`
	ContentSample string     `json:"content_sample,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// HasVector reports whether the record carries an embedding.
func (r *FileRecord) HasVector() bool {
	return len(r.Embedding) > 0
}

// Clusterable reports whether the record takes part in clustering cycles.
// Records that failed to move keep their vector and are retried.
func (r *FileRecord) Clusterable() bool {
	if !r.HasVector() {
		return false
	}
	switch r.Status {
	case StatusEmbedded, StatusClustered, StatusPlaced:
		return true
	case StatusError:
		return r.ErrorStage == errs.StageMove
	}
	return false
}

// InCluster reports whether the record is assigned to the given cluster.
func (r *FileRecord) InCluster(id int64) bool {
	return r.ClusterID != nil && *r.ClusterID == id
}

// FileInput is the representation written by the pipeline.
type FileInput struct {
	Path          string
	Hash          string
	TextHash      string
	Embedding     []float32
	ModTime       time.Time
	FileSize      int64
	ContentSample string
}

// ClusterRecord represents a stable cluster and its folder.
type ClusterRecord struct {
	ID          int64     `json:"id"`
	FolderName  string    `json:"folder_name,omitempty"` // Empty until named
	MemberCount int       `json:"member_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IsNoise reports whether this is the noise bucket.
func (c *ClusterRecord) IsNoise() bool {
	return c.ID == NoiseClusterID
}

// ClusterAssignment assigns member paths to a stable cluster.
// A zero ClusterID mints a new cluster.
type ClusterAssignment struct {
	ClusterID int64
	Paths     []string
}

// ClusteringPlan is the reconciled outcome of one clustering cycle.
type ClusteringPlan struct {
	Clusters []ClusterAssignment
	Noise    []string
	Dissolve []int64
}

// ApplyResult reports what ApplyClustering changed.
type ApplyResult struct {
	ClusterIDs []int64 // Stable id per plan entry, in plan order
	Created    int
	Dissolved  int
}

// Sample is a representative snippet of a cluster member.
type Sample struct {
	Path string
	Text string
}

// SimilarResult is a nearest-neighbour match.
type SimilarResult struct {
	File     FileRecord `json:"file"`
	Folder   string     `json:"folder,omitempty"`
	Distance float64    `json:"distance"` // Cosine distance from sqlite-vec
	Score    float64    `json:"score"`    // 1 - distance (similarity)
}

// CycleRecord summarizes one clustering cycle.
type CycleRecord struct {
	ID           string    `json:"id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Files        int       `json:"files"`
	Clusters     int       `json:"clusters"`
	Created      int       `json:"created"`
	Dissolved    int       `json:"dissolved"`
	Moves        int       `json:"moves"`
	MoveFailures int       `json:"move_failures"`
	Error        string    `json:"error,omitempty"`
}

// Stats contains statistics about the tracked tree.
type Stats struct {
	FileCount    int            `json:"file_count"`
	ByStatus     map[Status]int `json:"by_status"`
	ClusterCount int            `json:"cluster_count"` // Excluding noise
	NoiseCount   int            `json:"noise_count"`
	MoveErrors   int            `json:"move_errors"` // Errors a placement pass can retry
	TotalSize    int64          `json:"total_size"`
	LastCycle    *CycleRecord   `json:"last_cycle,omitempty"`
}

// ListFilesOptions contains options for listing files.
type ListFilesOptions struct {
	Status    Status
	ClusterID *int64
	Limit     int
	Offset    int
}
