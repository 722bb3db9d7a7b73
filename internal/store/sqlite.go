package store

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mattn/go-sqlite3"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/nickcecere/sefs/internal/errs"
)

func init() {
	// Register sqlite-vec extension
	sqlite_vec.Auto()
}

// ErrNameTaken is returned when a folder name is already used by another cluster.
var ErrNameTaken = errors.New("folder name already taken")

// SQLiteStore implements the Store interface using SQLite and sqlite-vec.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ Store = (*SQLiteStore)(nil)

const fileColumns = `id, path, hash, text_hash, embedding, cluster_id, status, error_stage,
	last_error, mod_time, file_size, content_sample, updated_at`

// NewSQLiteStore creates a new SQLite store at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Debug("Opened SQLite store", "path", dbPath)

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetFile retrieves a file record by path. It returns nil when not found.
func (s *SQLiteStore) GetFile(path string) (*FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, err := scanFile(s.db.QueryRow("SELECT "+fileColumns+" FROM files WHERE path = ?", path))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return record, nil
}

// GetFileByHash retrieves a record with the given content hash, preferring
// one that already carries a vector. It returns nil when not found.
func (s *SQLiteStore) GetFileByHash(hash string) (*FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, err := scanFile(s.db.QueryRow(`
		SELECT `+fileColumns+` FROM files WHERE hash = ?
		ORDER BY (embedding IS NULL), id LIMIT 1
	`, hash))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file by hash: %w", err)
	}
	return record, nil
}

// ListFilesByHash returns every record with the given content hash.
func (s *SQLiteStore) ListFilesByHash(hash string) ([]FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT "+fileColumns+" FROM files WHERE hash = ? ORDER BY path", hash)
	if err != nil {
		return nil, fmt.Errorf("failed to list files by hash: %w", err)
	}
	return collectFiles(rows)
}

// ListFilesUnder returns every record whose path lies below dir, ordered by
// path.
func (s *SQLiteStore) ListFilesUnder(dir string) ([]FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Every path starting with dir+"/" sorts between the prefix and the
	// prefix with its separator bumped by one.
	prefix := strings.TrimRight(dir, string(filepath.Separator)) + string(filepath.Separator)
	upper := prefix[:len(prefix)-1] + string(rune(filepath.Separator+1))

	rows, err := s.db.Query("SELECT "+fileColumns+" FROM files WHERE path >= ? AND path < ? ORDER BY path", prefix, upper)
	if err != nil {
		return nil, fmt.Errorf("failed to list files under %s: %w", dir, err)
	}
	return collectFiles(rows)
}

// UpsertFile writes a freshly embedded representation. The previous cluster
// assignment is kept until the next clustering cycle.
func (s *SQLiteStore) UpsertFile(in FileInput) error {
	if len(in.Embedding) == 0 {
		return fmt.Errorf("upsert %s: missing embedding", in.Path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	var id int64
	err = tx.QueryRow(`
		INSERT INTO files (path, hash, text_hash, embedding, status, error_stage, last_error,
			mod_time, file_size, content_sample, updated_at)
		VALUES (?, ?, ?, ?, ?, '', '', ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			hash = excluded.hash,
			text_hash = excluded.text_hash,
			embedding = excluded.embedding,
			status = CASE
				WHEN files.hash = excluded.hash AND files.status IN ('clustered', 'placed') THEN files.status
				ELSE excluded.status END,
			error_stage = '',
			last_error = '',
			mod_time = excluded.mod_time,
			file_size = excluded.file_size,
			content_sample = excluded.content_sample,
			updated_at = excluded.updated_at
		RETURNING id
	`, in.Path, in.Hash, in.TextHash, serializeEmbedding(in.Embedding), string(StatusEmbedded),
		in.ModTime.UnixNano(), in.FileSize, in.ContentSample, now).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to upsert file: %w", err)
	}

	if err := writeVector(tx, id, in.Embedding); err != nil {
		return err
	}

	return tx.Commit()
}

// MarkCurrent records that an unchanged file was seen again.
func (s *SQLiteStore) MarkCurrent(path string, modTime time.Time, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE files SET mod_time = ?, file_size = ? WHERE path = ?",
		modTime.UnixNano(), size, path,
	)
	if err != nil {
		return fmt.Errorf("failed to mark file current: %w", err)
	}
	return nil
}

// MarkFailed records an extraction or embedding failure. The stale vector and
// cluster assignment are dropped so the file sits out of clustering until it
// is processed successfully.
func (s *SQLiteStore) MarkFailed(in FileInput, stage errs.Stage, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	var id int64
	err = tx.QueryRow(`
		INSERT INTO files (path, hash, text_hash, embedding, cluster_id, status, error_stage, last_error,
			mod_time, file_size, content_sample, updated_at)
		VALUES (?, ?, ?, NULL, NULL, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			hash = excluded.hash,
			text_hash = excluded.text_hash,
			embedding = NULL,
			cluster_id = NULL,
			status = excluded.status,
			error_stage = excluded.error_stage,
			last_error = excluded.last_error,
			mod_time = excluded.mod_time,
			file_size = excluded.file_size,
			content_sample = excluded.content_sample,
			updated_at = excluded.updated_at
		RETURNING id
	`, in.Path, in.Hash, in.TextHash, string(StatusError), string(stage), reason,
		in.ModTime.UnixNano(), in.FileSize, in.ContentSample, now).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to mark file failed: %w", err)
	}

	if err := deleteVector(tx, id); err != nil {
		return err
	}

	return tx.Commit()
}

// MarkMoveError records a failed relocation. The file keeps its vector and
// cluster so the next cycle retries the move.
func (s *SQLiteStore) MarkMoveError(path string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE files SET status = ?, error_stage = ?, last_error = ?, updated_at = ?
		WHERE path = ?
	`, string(StatusError), string(errs.StageMove), reason, now, path)
	if err != nil {
		return fmt.Errorf("failed to mark move error: %w", err)
	}
	return nil
}

// MovePath re-keys a record to a new path, keeping its vector, cluster and
// status. A stale record already at newPath is replaced.
func (s *SQLiteStore) MovePath(oldPath, newPath string) error {
	if oldPath == newPath {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var staleID int64
	err = tx.QueryRow("SELECT id FROM files WHERE path = ?", newPath).Scan(&staleID)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to check destination record: %w", err)
	}
	if staleID > 0 {
		if err := deleteVector(tx, staleID); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM files WHERE id = ?", staleID); err != nil {
			return fmt.Errorf("failed to delete stale record: %w", err)
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	result, err := tx.Exec("UPDATE files SET path = ?, updated_at = ? WHERE path = ?", newPath, now, oldPath)
	if err != nil {
		return fmt.Errorf("failed to move record: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("move record: no file at %s", oldPath)
	}

	return tx.Commit()
}

// SetPlaced marks a record as sitting in its cluster's folder.
func (s *SQLiteStore) SetPlaced(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE files SET status = ?, error_stage = '', last_error = '', updated_at = ?
		WHERE path = ? AND cluster_id IS NOT NULL
	`, string(StatusPlaced), now, path)
	if err != nil {
		return fmt.Errorf("failed to mark file placed: %w", err)
	}
	return nil
}

// DeleteFile deletes a record and its vector.
func (s *SQLiteStore) DeleteFile(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRow("SELECT id FROM files WHERE path = ?", path).Scan(&id)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get file ID: %w", err)
	}

	if err := deleteVector(tx, id); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM files WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	return tx.Commit()
}

// RestoreFile writes a previously deleted record back at rec.Path, keeping its
// vector, status and cluster. A cluster that no longer exists is dropped.
func (s *SQLiteStore) RestoreFile(rec FileRecord) error {
	if len(rec.Embedding) == 0 {
		return fmt.Errorf("restore %s: missing embedding", rec.Path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var clusterID sql.NullInt64
	if rec.ClusterID != nil {
		err := tx.QueryRow("SELECT id FROM clusters WHERE id = ?", *rec.ClusterID).Scan(&clusterID)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to check cluster: %w", err)
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	var id int64
	err = tx.QueryRow(`
		INSERT INTO files (path, hash, text_hash, embedding, cluster_id, status, error_stage, last_error,
			mod_time, file_size, content_sample, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			hash = excluded.hash,
			text_hash = excluded.text_hash,
			embedding = excluded.embedding,
			cluster_id = excluded.cluster_id,
			status = excluded.status,
			error_stage = excluded.error_stage,
			last_error = excluded.last_error,
			mod_time = excluded.mod_time,
			file_size = excluded.file_size,
			content_sample = excluded.content_sample,
			updated_at = excluded.updated_at
		RETURNING id
	`, rec.Path, rec.Hash, rec.TextHash, serializeEmbedding(rec.Embedding), clusterID,
		string(rec.Status), string(rec.ErrorStage), rec.LastError,
		rec.ModTime.UnixNano(), rec.FileSize, rec.ContentSample, now).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to restore file: %w", err)
	}

	if err := writeVector(tx, id, rec.Embedding); err != nil {
		return err
	}

	return tx.Commit()
}

// ListFiles returns records ordered by path.
func (s *SQLiteStore) ListFiles(opts *ListFilesOptions) ([]FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	if opts != nil && opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}
	if opts != nil && opts.ClusterID != nil {
		where = append(where, "cluster_id = ?")
		args = append(args, *opts.ClusterID)
	}

	query := "SELECT " + fileColumns + " FROM files"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY path"

	if opts != nil && opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
		if opts.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", opts.Offset)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	return collectFiles(rows)
}

// ListClusterable returns the snapshot of records eligible for clustering,
// ordered by path.
func (s *SQLiteStore) ListClusterable() ([]FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT ` + fileColumns + ` FROM files
		WHERE embedding IS NOT NULL
			AND (status IN ('embedded', 'clustered', 'placed')
				OR (status = 'error' AND error_stage = 'move'))
		ORDER BY path
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clusterable files: %w", err)
	}
	return collectFiles(rows)
}

// SearchSimilar returns the records nearest to the embedding.
func (s *SQLiteStore) SearchSimilar(embedding []float32, topK int, excludePath string) ([]SimilarResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dims := vectorDimensions(s.db)
	if dims == 0 {
		return nil, nil
	}
	if dims != len(embedding) {
		return nil, fmt.Errorf("query has %d dimensions, index has %d", len(embedding), dims)
	}

	// One extra neighbour in case the excluded file is among them.
	k := topK + 1
	rows, err := s.db.Query(`
		SELECT `+prefixed("f", fileColumns)+`, COALESCE(c.folder_name, ''), fv.distance
		FROM file_vectors fv
		JOIN files f ON f.id = fv.file_id
		LEFT JOIN clusters c ON c.id = f.cluster_id
		WHERE fv.embedding MATCH ?
			AND k = ?
		ORDER BY fv.distance ASC
	`, serializeEmbedding(embedding), k)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	defer rows.Close()

	var results []SimilarResult
	for rows.Next() {
		var result SimilarResult
		record, err := scanFile(rows, &result.Folder, &result.Distance)
		if err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		if record.Path == excludePath || len(results) == topK {
			continue
		}
		result.File = *record
		result.Score = 1 - result.Distance
		results = append(results, result)
	}

	return results, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanFile scans fileColumns followed by any extra destinations.
func scanFile(row rowScanner, extra ...any) (*FileRecord, error) {
	var record FileRecord
	var blob []byte
	var clusterID sql.NullInt64
	var status, stage, updatedAt string
	var modTime int64

	dest := []any{
		&record.ID, &record.Path, &record.Hash, &record.TextHash, &blob, &clusterID,
		&status, &stage, &record.LastError, &modTime, &record.FileSize,
		&record.ContentSample, &updatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	if len(blob) > 0 {
		record.Embedding = deserializeEmbedding(blob)
	}
	if clusterID.Valid {
		id := clusterID.Int64
		record.ClusterID = &id
	}
	record.Status = Status(status)
	record.ErrorStage = errs.Stage(stage)
	record.ModTime = time.Unix(0, modTime)
	record.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &record, nil
}

func collectFiles(rows *sql.Rows) ([]FileRecord, error) {
	defer rows.Close()

	var files []FileRecord
	for rows.Next() {
		record, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, *record)
	}
	return files, rows.Err()
}

// prefixed qualifies a comma separated column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// writeVector mirrors a file embedding into the vec0 index.
func writeVector(tx *sql.Tx, fileID int64, embedding []float32) error {
	if err := ensureVectorTable(tx, len(embedding)); err != nil {
		return fmt.Errorf("failed to ensure vector table: %w", err)
	}
	if err := deleteVector(tx, fileID); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT INTO file_vectors (file_id, embedding) VALUES (?, ?)",
		fileID, serializeEmbedding(embedding),
	); err != nil {
		return fmt.Errorf("failed to insert vector: %w", err)
	}
	return nil
}

func deleteVector(tx *sql.Tx, fileID int64) error {
	if vectorDimensions(tx) == 0 {
		return nil
	}
	if _, err := tx.Exec("DELETE FROM file_vectors WHERE file_id = ?", fileID); err != nil {
		return fmt.Errorf("failed to delete vector: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// serializeEmbedding converts a float32 slice to bytes for sqlite-vec.
func serializeEmbedding(embedding []float32) []byte {
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// deserializeEmbedding is the inverse of serializeEmbedding.
func deserializeEmbedding(buf []byte) []float32 {
	embedding := make([]float32, len(buf)/4)
	for i := range embedding {
		embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return embedding
}
