// Package errs defines the error taxonomy shared by the reorganization pipeline.
package errs

import (
	"errors"
	"fmt"
)

// Stage errors are recoverable: the affected file is skipped or retried and
// the rest of the tree keeps moving.
var (
	// ErrExtraction indicates text could not be extracted from a file.
	// The file is marked as failed until its content changes.
	ErrExtraction = errors.New("extraction failed")

	// ErrUnsupportedFormat indicates no extractor handles the file's format.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrEmbedding indicates the embedding model call failed after retries.
	ErrEmbedding = errors.New("embedding failed")

	// ErrClustering indicates the clustering collaborator failed.
	// The cycle is aborted and previous assignments are kept.
	ErrClustering = errors.New("clustering failed")

	// ErrNaming indicates the naming collaborator failed or timed out.
	ErrNaming = errors.New("naming failed")

	// ErrMove indicates a file could not be relocated.
	ErrMove = errors.New("move failed")
)

// Fatal errors stop the daemon.
var (
	// ErrStoreUnavailable indicates the persistent store cannot be used.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrRootUnavailable indicates the watched root vanished or became unreadable.
	ErrRootUnavailable = errors.New("root directory unavailable")
)

// Stage is the pipeline stage a file failed in.
type Stage string

const (
	StageNone    Stage = ""
	StageExtract Stage = "extract"
	StageEmbed   Stage = "embed"
	StageMove    Stage = "move"
)

// IsFatal reports whether err should stop the daemon.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrRootUnavailable)
}

// IsRetryable reports whether the failed work should be attempted again on a
// later trigger without any change to the file.
func IsRetryable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	return errors.Is(err, ErrEmbedding) ||
		errors.Is(err, ErrClustering) ||
		errors.Is(err, ErrMove) ||
		errors.Is(err, ErrNaming)
}

// StageOf maps an error to the stage it belongs to.
func StageOf(err error) Stage {
	switch {
	case errors.Is(err, ErrExtraction), errors.Is(err, ErrUnsupportedFormat):
		return StageExtract
	case errors.Is(err, ErrEmbedding):
		return StageEmbed
	case errors.Is(err, ErrMove):
		return StageMove
	default:
		return StageNone
	}
}

// Store wraps a persistence failure so callers can treat it as fatal.
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
