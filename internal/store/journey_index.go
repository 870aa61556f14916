package store

import (
	"database/sql"
	"fmt"
	"time"

	"storyguard/internal/logging"
)

// PatternRow is one reverse-index entry: a file pattern owned by a
// journey. Pattern is either a doublestar glob or a bare filename.
type PatternRow struct {
	Pattern    string
	JourneyID  string
	SourcePath string
}

const indexUpdatedAtKey = "journey_index_updated_at"

// ReplaceJourneyPatterns atomically swaps the reverse index contents
// and stamps the rebuild time. Readers see either the old rows or the
// new rows, never a mix.
func (s *Store) ReplaceJourneyPatterns(rows []PatternRow, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryStore, "ReplaceJourneyPatterns")
	defer timer.Stop()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin index rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM journey_patterns"); err != nil {
		return fmt.Errorf("clear journey_patterns: %w", err)
	}
	stmt, err := tx.Prepare("INSERT OR REPLACE INTO journey_patterns (pattern, journey_id, source_path) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.Exec(r.Pattern, r.JourneyID, r.SourcePath); err != nil {
			return fmt.Errorf("insert pattern %q: %w", r.Pattern, err)
		}
	}

	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO index_meta (key, value) VALUES (?, ?)",
		indexUpdatedAtKey, updatedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("stamp index_meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logging.Store("journey index rebuilt: %d pattern rows", len(rows))
	return nil
}

// JourneyPatterns returns every reverse-index row, ordered for
// deterministic matching.
func (s *Store) JourneyPatterns() ([]PatternRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT pattern, journey_id, source_path FROM journey_patterns ORDER BY journey_id, pattern")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PatternRow
	for rows.Next() {
		var r PatternRow
		if err := rows.Scan(&r.Pattern, &r.JourneyID, &r.SourcePath); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// IndexUpdatedAt returns the last rebuild time, or the zero time when
// the index has never been built.
func (s *Store) IndexUpdatedAt() (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	err := s.db.QueryRow("SELECT value FROM index_meta WHERE key = ?", indexUpdatedAtKey).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt index timestamp %q: %w", raw, err)
	}
	return t, nil
}
