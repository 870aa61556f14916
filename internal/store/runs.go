package store

import (
	"database/sql"
	"time"
)

// RunRecord is the persisted summary of one council run. Payload holds
// the full JSON audit document; the scalar columns exist for querying.
type RunRecord struct {
	ID                string
	StoryID           string
	ChangesetRef      string
	Engine            string
	Verdict           string
	CitationRate      float64
	HallucinationRate float64
	AuditPath         string
	StartedAt         time.Time
	FinishedAt        time.Time
	Payload           string
}

// SaveRun inserts or replaces a council run record.
func (s *Store) SaveRun(r RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO council_runs
		(id, story_id, changeset_ref, engine, verdict, citation_rate, hallucination_rate,
		 audit_path, started_at, finished_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StoryID, r.ChangesetRef, r.Engine, r.Verdict,
		r.CitationRate, r.HallucinationRate, r.AuditPath,
		r.StartedAt.UTC(), r.FinishedAt.UTC(), r.Payload,
	)
	return err
}

// Run loads one run by id, or nil when absent.
func (s *Store) Run(id string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, story_id, changeset_ref, engine, verdict, citation_rate,
		       hallucination_rate, audit_path, started_at, finished_at, payload
		FROM council_runs WHERE id = ?`, id)

	var r RunRecord
	err := row.Scan(&r.ID, &r.StoryID, &r.ChangesetRef, &r.Engine, &r.Verdict,
		&r.CitationRate, &r.HallucinationRate, &r.AuditPath,
		&r.StartedAt, &r.FinishedAt, &r.Payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, story_id, changeset_ref, engine, verdict, citation_rate,
		       hallucination_rate, audit_path, started_at, finished_at, payload
		FROM council_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.ID, &r.StoryID, &r.ChangesetRef, &r.Engine, &r.Verdict,
			&r.CitationRate, &r.HallucinationRate, &r.AuditPath,
			&r.StartedAt, &r.FinishedAt, &r.Payload); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
