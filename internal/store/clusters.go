package store

import (
	"database/sql"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/nickcecere/sefs/internal/errs"
)

// cycleTimeLayout is fixed width so stored timestamps sort chronologically.
const cycleTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ListClusters returns every cluster, noise bucket first, with live member counts.
func (s *SQLiteStore) ListClusters() ([]ClusterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT c.id, COALESCE(c.folder_name, ''), COUNT(f.id), c.created_at, c.updated_at
		FROM clusters c
		LEFT JOIN files f ON f.cluster_id = c.id
		GROUP BY c.id
		ORDER BY c.id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}
	defer rows.Close()

	var clusters []ClusterRecord
	for rows.Next() {
		record, err := scanCluster(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cluster: %w", err)
		}
		clusters = append(clusters, *record)
	}
	return clusters, rows.Err()
}

// GetCluster retrieves a cluster by id. It returns nil when not found.
func (s *SQLiteStore) GetCluster(id int64) (*ClusterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, err := scanCluster(s.db.QueryRow(`
		SELECT c.id, COALESCE(c.folder_name, ''),
			(SELECT COUNT(*) FROM files f WHERE f.cluster_id = c.id),
			c.created_at, c.updated_at
		FROM clusters c WHERE c.id = ?
	`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster: %w", err)
	}
	return record, nil
}

// ApplyClustering writes a reconciled plan in one transaction: new clusters
// are minted, members are reassigned, and clusters left without members are
// removed. Records already placed in an unchanged cluster keep their status.
func (s *SQLiteStore) ApplyClustering(plan ClusteringPlan) (*ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	result := &ApplyResult{ClusterIDs: make([]int64, len(plan.Clusters))}

	assign, err := tx.Prepare(`
		UPDATE files SET
			status = CASE
				WHEN cluster_id IS ? AND status IN ('placed', 'error') THEN status
				ELSE 'clustered' END,
			error_stage = CASE
				WHEN cluster_id IS ? AND status = 'error' THEN error_stage
				ELSE '' END,
			last_error = CASE
				WHEN cluster_id IS ? AND status = 'error' THEN last_error
				ELSE '' END,
			cluster_id = ?,
			updated_at = ?
		WHERE path = ?
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare assignment: %w", err)
	}
	defer assign.Close()

	apply := func(id int64, paths []string) error {
		for _, path := range paths {
			if _, err := assign.Exec(id, id, id, id, now, path); err != nil {
				return fmt.Errorf("failed to assign %s: %w", path, err)
			}
		}
		return nil
	}

	for i, c := range plan.Clusters {
		id := c.ClusterID
		if id == 0 {
			res, err := tx.Exec("INSERT INTO clusters (created_at, updated_at) VALUES (?, ?)", now, now)
			if err != nil {
				return nil, fmt.Errorf("failed to create cluster: %w", err)
			}
			id, _ = res.LastInsertId()
			result.Created++
		} else {
			if _, err := tx.Exec("UPDATE clusters SET updated_at = ? WHERE id = ?", now, id); err != nil {
				return nil, fmt.Errorf("failed to touch cluster %d: %w", id, err)
			}
		}
		result.ClusterIDs[i] = id

		if err := apply(id, c.Paths); err != nil {
			return nil, err
		}
	}

	if err := apply(NoiseClusterID, plan.Noise); err != nil {
		return nil, err
	}

	for _, id := range plan.Dissolve {
		if id == NoiseClusterID {
			continue
		}
		if _, err := tx.Exec("UPDATE files SET cluster_id = ? WHERE cluster_id = ?", NoiseClusterID, id); err != nil {
			return nil, fmt.Errorf("failed to release members of cluster %d: %w", id, err)
		}
	}

	res, err := tx.Exec(`
		DELETE FROM clusters
		WHERE id != ? AND id NOT IN (SELECT DISTINCT cluster_id FROM files WHERE cluster_id IS NOT NULL)
	`, NoiseClusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete empty clusters: %w", err)
	}
	dissolved, _ := res.RowsAffected()
	result.Dissolved = int(dissolved)

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit clustering: %w", err)
	}
	return result, nil
}

// SetFolderName names a cluster. It returns ErrNameTaken when another
// cluster already uses the name.
func (s *SQLiteStore) SetFolderName(id int64, name string) error {
	if id == NoiseClusterID {
		return fmt.Errorf("the noise bucket cannot be renamed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec("UPDATE clusters SET folder_name = ?, updated_at = ? WHERE id = ?", name, now, id)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrNameTaken, name)
	}
	if err != nil {
		return fmt.Errorf("failed to set folder name: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set folder name: cluster %d not found", id)
	}
	return nil
}

// ClusterSamples returns up to limit members of a cluster ordered by path,
// each truncated to maxChars characters.
func (s *SQLiteStore) ClusterSamples(id int64, limit, maxChars int) ([]Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT path, content_sample FROM files
		WHERE cluster_id = ?
		ORDER BY path
		LIMIT ?
	`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list cluster samples: %w", err)
	}
	defer rows.Close()

	var samples []Sample
	for rows.Next() {
		var sample Sample
		if err := rows.Scan(&sample.Path, &sample.Text); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		sample.Text = truncate(sample.Text, maxChars)
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

// RecordCycle persists a cycle summary.
func (s *SQLiteStore) RecordCycle(rec CycleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO cycles (id, started_at, finished_at, files, clusters, created, dissolved,
			moves, move_failures, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.StartedAt.UTC().Format(cycleTimeLayout), rec.FinishedAt.UTC().Format(cycleTimeLayout),
		rec.Files, rec.Clusters, rec.Created, rec.Dissolved, rec.Moves, rec.MoveFailures, rec.Error)
	if err != nil {
		return fmt.Errorf("failed to record cycle: %w", err)
	}
	return nil
}

// ListCycles returns the most recent cycles, newest first.
func (s *SQLiteStore) ListCycles(limit int) ([]CycleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return listCycles(s.db, limit)
}

// GetStats returns statistics about the tracked tree.
func (s *SQLiteStore) GetStats() (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{ByStatus: make(map[Status]int)}

	rows, err := s.db.Query("SELECT status, COUNT(*), COALESCE(SUM(file_size), 0) FROM files GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to get file stats: %w", err)
	}
	for rows.Next() {
		var status string
		var count int
		var size int64
		if err := rows.Scan(&status, &count, &size); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan file stats: %w", err)
		}
		stats.ByStatus[Status(status)] = count
		stats.FileCount += count
		stats.TotalSize += size
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get file stats: %w", err)
	}

	err = s.db.QueryRow("SELECT COUNT(*) FROM clusters WHERE id != ?", NoiseClusterID).Scan(&stats.ClusterCount)
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster count: %w", err)
	}
	err = s.db.QueryRow("SELECT COUNT(*) FROM files WHERE cluster_id = ?", NoiseClusterID).Scan(&stats.NoiseCount)
	if err != nil {
		return nil, fmt.Errorf("failed to get noise count: %w", err)
	}
	err = s.db.QueryRow("SELECT COUNT(*) FROM files WHERE status = ? AND error_stage = ?", string(StatusError), string(errs.StageMove)).Scan(&stats.MoveErrors)
	if err != nil {
		return nil, fmt.Errorf("failed to get move error count: %w", err)
	}

	cycles, err := listCycles(s.db, 1)
	if err != nil {
		return nil, err
	}
	if len(cycles) > 0 {
		stats.LastCycle = &cycles[0]
	}

	return stats, nil
}

func listCycles(db *sql.DB, limit int) ([]CycleRecord, error) {
	rows, err := db.Query(`
		SELECT id, started_at, finished_at, files, clusters, created, dissolved, moves, move_failures, error
		FROM cycles ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycles: %w", err)
	}
	defer rows.Close()

	var cycles []CycleRecord
	for rows.Next() {
		var rec CycleRecord
		var started, finished string
		if err := rows.Scan(&rec.ID, &started, &finished, &rec.Files, &rec.Clusters,
			&rec.Created, &rec.Dissolved, &rec.Moves, &rec.MoveFailures, &rec.Error); err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}
		rec.StartedAt, _ = time.Parse(cycleTimeLayout, started)
		rec.FinishedAt, _ = time.Parse(cycleTimeLayout, finished)
		cycles = append(cycles, rec)
	}
	return cycles, rows.Err()
}

func scanCluster(row rowScanner) (*ClusterRecord, error) {
	var record ClusterRecord
	var createdAt, updatedAt string
	if err := row.Scan(&record.ID, &record.FolderName, &record.MemberCount, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	record.CreatedAt = parseTime(createdAt)
	record.UpdatedAt = parseTime(updatedAt)
	return &record, nil
}

// parseTime accepts both RFC3339 and SQLite's datetime('now') layout.
func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	t, _ := time.Parse("2006-01-02 15:04:05", s)
	return t
}

// truncate shortens s to at most n characters without splitting a rune.
func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
