// Package store is the embedded SQLite layer under .agent/cache/. It
// persists the journey reverse index, council run records, and the
// optional vector index behind semantic_lookup. The default build uses
// the pure-Go driver; compiling with -tags sqlite_vec swaps in the cgo
// driver with the sqlite-vec extension for ANN search.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"storyguard/internal/logging"
)

// Store owns the governance database. Reads take the shared lock;
// schema changes and bulk writes take the exclusive lock.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string

	vectorExt bool // vec0 virtual tables available
}

// Open initializes the database at path, creating the parent directory
// and schema on first use.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers anyway; a single connection avoids
	// SQLITE_BUSY churn between goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("busy_timeout pragma failed: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("journal_mode pragma failed: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("synchronous pragma failed: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	s.detectVecExtension()
	if s.vectorExt {
		logging.Store("sqlite-vec extension detected, ANN search enabled")
	} else {
		logging.StoreDebug("sqlite-vec not available, vector search uses brute-force cosine")
	}
	return s, nil
}

func (s *Store) initialize() error {
	// Reverse index: one row per (pattern, journey) pair extracted
	// from journey implementation.files.
	journeyPatterns := `
	CREATE TABLE IF NOT EXISTS journey_patterns (
		pattern TEXT NOT NULL,
		journey_id TEXT NOT NULL,
		source_path TEXT NOT NULL,
		PRIMARY KEY (pattern, journey_id)
	);
	CREATE INDEX IF NOT EXISTS idx_journey_patterns_journey ON journey_patterns(journey_id);
	`

	// Single-row metadata used for staleness checks.
	indexMeta := `
	CREATE TABLE IF NOT EXISTS index_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	// Council run records for guard audit / guard query.
	councilRuns := `
	CREATE TABLE IF NOT EXISTS council_runs (
		id TEXT PRIMARY KEY,
		story_id TEXT,
		changeset_ref TEXT NOT NULL,
		engine TEXT NOT NULL,
		verdict TEXT NOT NULL,
		citation_rate REAL,
		hallucination_rate REAL,
		audit_path TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		payload TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_council_runs_started ON council_runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_council_runs_verdict ON council_runs(verdict);
	`

	// Plain vector table; always present so the brute-force path works
	// regardless of build tags. Embeddings are little-endian float32
	// blobs; content_hash detects stale documents on reindex.
	vectors := `
	CREATE TABLE IF NOT EXISTS vectors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		doc_id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		embedding BLOB,
		dims INTEGER NOT NULL,
		engine TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_vectors_kind ON vectors(kind);
	CREATE INDEX IF NOT EXISTS idx_vectors_hash ON vectors(content_hash);
	`

	for _, table := range []string{journeyPatterns, indexMeta, councilRuns, vectors} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// detectVecExtension probes for vec0 virtual table support.
func (s *Store) detectVecExtension() {
	if s.db == nil {
		return
	}
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	s.vectorExt = false
}

// HasVectorExt reports whether ANN search is available.
func (s *Store) HasVectorExt() bool { return s.vectorExt }

// Path returns the database file location.
func (s *Store) Path() string { return s.dbPath }

// Close closes the underlying database.
func (s *Store) Close() error {
	logging.StoreDebug("closing store at %s", s.dbPath)
	return s.db.Close()
}

// Stats returns row counts per table for guard query stats.
func (s *Store) Stats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, table := range []string{"journey_patterns", "council_runs", "vectors"} {
		var count int64
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			logging.StoreDebug("count of %s failed: %v", table, err)
			continue
		}
		stats[table] = count
	}
	return stats, nil
}
