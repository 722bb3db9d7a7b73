// Package fs provides the file system side of the pipeline: walking,
// filtering, hashing, text extraction and chunking.
package fs

import (
	"context"
	"time"
)

// FileInfo represents metadata about a file.
type FileInfo struct {
	Path    string    // Absolute path to the file
	RelPath string    // Path relative to the root
	Size    int64     // File size in bytes
	ModTime time.Time // Last modification time
	Hash    string    // xxhash of file contents
	Format  Format    // Declared format, from the extension
}

// Chunk is a window of extracted text. Start and End are rune offsets into
// the source text; Content is trimmed.
type Chunk struct {
	Content string
	Index   int
	Start   int
	End     int
}

// WalkOptions configures the file walker.
type WalkOptions struct {
	// Root is the directory to start walking from.
	Root string

	// MaxFileSize is the maximum file size to process (in bytes).
	MaxFileSize int64

	// Filter holds the ignore and include rules.
	Filter FilterOptions

	// SkipHash leaves FileInfo.Hash empty.
	SkipHash bool

	// Workers bounds concurrent hashing. Values below one mean one.
	Workers int
}

// ChunkOptions configures the chunker.
type ChunkOptions struct {
	// ChunkSize is the target size for each chunk in characters.
	ChunkSize int

	// ChunkOverlap is the number of overlapping characters between chunks.
	ChunkOverlap int

	// MinChunkSize is the minimum chunk size. Smaller chunks are merged.
	MinChunkSize int
}

// DefaultWalkOptions returns sensible defaults for walking.
func DefaultWalkOptions() WalkOptions {
	return WalkOptions{
		MaxFileSize: 20 << 20,
		Filter: FilterOptions{
			UseGitignore: true,
		},
	}
}

// DefaultChunkOptions returns sensible defaults for chunking.
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{
		ChunkSize:    2000,
		ChunkOverlap: 200,
		MinChunkSize: 100,
	}
}

// Walker lists the files under a root.
type Walker interface {
	// Scan returns the candidate files sorted by path.
	Scan(ctx context.Context) ([]FileInfo, error)

	// Stats returns statistics about the last scan.
	Stats() WalkStats
}

// WalkStats contains statistics from a directory walk.
type WalkStats struct {
	FilesFound   int   // Total files found
	FilesSkipped int   // Files skipped due to size/pattern/etc
	DirsSkipped  int   // Directories skipped
	TotalBytes   int64 // Total bytes of files found
	SkippedBytes int64 // Total bytes of skipped files
}

// Chunker splits extracted text into chunks.
type Chunker interface {
	Chunk(content string) []Chunk
}

// ChangeKind is what a debounced file system change asks the pipeline to do.
type ChangeKind int

const (
	ChangeUpsert ChangeKind = iota
	ChangeRemove
)

func (k ChangeKind) String() string {
	if k == ChangeRemove {
		return "remove"
	}
	return "upsert"
}

// WorkItem is one debounced change for the representation pipeline.
type WorkItem struct {
	Path string
	Kind ChangeKind
}
