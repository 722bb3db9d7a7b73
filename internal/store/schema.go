package store

import (
	"database/sql"
	"fmt"
	"strconv"

	"github.com/charmbracelet/log"
)

const currentSchemaVersion = 1

// Schema definitions
const schemaVersionTable = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY
);
`

const settingsTable = `
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const clustersTable = `
CREATE TABLE IF NOT EXISTS clusters (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	folder_name TEXT UNIQUE,
	created_at TEXT DEFAULT (datetime('now')),
	updated_at TEXT DEFAULT (datetime('now'))
);
`

const filesTable = `
CREATE TABLE IF NOT EXISTS files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	path TEXT UNIQUE NOT NULL,
	hash TEXT NOT NULL,
	text_hash TEXT NOT NULL DEFAULT '',
	embedding BLOB,
	cluster_id INTEGER REFERENCES clusters(id) ON DELETE SET NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	error_stage TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	mod_time INTEGER NOT NULL DEFAULT 0,
	file_size INTEGER NOT NULL DEFAULT 0,
	content_sample TEXT NOT NULL DEFAULT '',
	updated_at TEXT DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_files_hash ON files(hash);
CREATE INDEX IF NOT EXISTS idx_files_cluster_id ON files(cluster_id);
CREATE INDEX IF NOT EXISTS idx_files_status ON files(status);
`

const cyclesTable = `
CREATE TABLE IF NOT EXISTS cycles (
	id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL,
	files INTEGER NOT NULL,
	clusters INTEGER NOT NULL,
	created INTEGER NOT NULL,
	dissolved INTEGER NOT NULL,
	moves INTEGER NOT NULL,
	move_failures INTEGER NOT NULL,
	error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_cycles_started_at ON cycles(started_at);
`

// createVectorTable creates the sqlite-vec virtual table for the given dimensions.
func createVectorTable(db execer, dimensions int) error {
	query := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS file_vectors USING vec0(
			file_id INTEGER PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		);
	`, dimensions)

	_, err := db.Exec(query)
	return err
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// initSchema initializes the database schema.
func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		version = 0
	} else if err != nil {
		return fmt.Errorf("failed to check schema version: %w", err)
	}

	if version >= currentSchemaVersion {
		log.Debug("Schema is up to date", "version", version)
		return nil
	}

	log.Debug("Migrating schema", "from", version, "to", currentSchemaVersion)

	if version < 1 {
		if err := migrateV1(db); err != nil {
			return fmt.Errorf("failed to migrate to v1: %w", err)
		}
	}

	return nil
}

// migrateV1 creates the initial schema and the noise bucket.
func migrateV1(db *sql.DB) error {
	log.Debug("Applying migration v1")

	tables := []string{settingsTable, clustersTable, filesTable, cyclesTable}
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	// Vector table dimensions are only known once the first embedding arrives.

	if _, err := db.Exec(
		"INSERT OR IGNORE INTO clusters (id, folder_name) VALUES (?, ?)",
		NoiseClusterID, NoiseFolderName,
	); err != nil {
		return fmt.Errorf("failed to create noise cluster: %w", err)
	}

	if _, err := db.Exec("INSERT OR REPLACE INTO schema_version (version) VALUES (?)", 1); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}

	return nil
}

// ensureVectorTable ensures the vector table exists with the given dimensions.
// A dimension change (new embedding model) rebuilds the table.
func ensureVectorTable(db execer, dimensions int) error {
	var stored string
	err := db.QueryRow("SELECT value FROM settings WHERE key = 'vector_dimensions'").Scan(&stored)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to check vector table: %w", err)
	}

	if err == nil {
		if current, _ := strconv.Atoi(stored); current == dimensions {
			return nil
		}
		log.Warn("Embedding dimensions changed, rebuilding vector index", "from", stored, "to", dimensions)
		if _, err := db.Exec("DROP TABLE IF EXISTS file_vectors"); err != nil {
			return fmt.Errorf("failed to drop vector table: %w", err)
		}
	} else {
		log.Debug("Creating vector table", "dimensions", dimensions)
	}

	if err := createVectorTable(db, dimensions); err != nil {
		return fmt.Errorf("failed to create vector table: %w", err)
	}

	_, err = db.Exec(
		"INSERT OR REPLACE INTO settings (key, value) VALUES ('vector_dimensions', ?)",
		strconv.Itoa(dimensions),
	)
	return err
}

// vectorDimensions returns the dimensions of the vector table, or 0 if it
// does not exist yet.
func vectorDimensions(db execer) int {
	var stored string
	if err := db.QueryRow("SELECT value FROM settings WHERE key = 'vector_dimensions'").Scan(&stored); err != nil {
		return 0
	}
	n, _ := strconv.Atoi(stored)
	return n
}
