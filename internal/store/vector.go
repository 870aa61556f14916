package store

import (
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sort"

	"github.com/zeebo/blake3"

	"storyguard/internal/logging"
)

// Document is one indexed text: an ADR, a lint rule, or a journey.
type Document struct {
	DocID   string // e.g. "adr/ADR-025", "rule/ADR-025/0", "journey/JRN-044"
	Kind    string // adr | rule | journey
	Content string
}

// SemanticHit is one scored search result.
type SemanticHit struct {
	DocID   string
	Kind    string
	Content string
	Score   float64 // cosine similarity, higher is better
}

// ContentHash fingerprints document content for staleness checks.
func ContentHash(content string) string {
	sum := blake3.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// encodeVector packs a float32 slice into the little-endian blob layout
// sqlite-vec expects, so both search paths share one storage format.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

// UpsertEmbedding stores a document with its vector. Returns false when
// the stored content hash already matches, meaning no write happened.
func (s *Store) UpsertEmbedding(doc Document, vector []float32, engine string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := ContentHash(doc.Content)

	var existing string
	err := s.db.QueryRow("SELECT content_hash FROM vectors WHERE doc_id = ?", doc.DocID).Scan(&existing)
	if err == nil && existing == hash {
		return false, nil
	}
	if err != nil && err != sql.ErrNoRows {
		return false, err
	}

	_, err = s.db.Exec(`
		INSERT INTO vectors (doc_id, kind, content, content_hash, embedding, dims, engine)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			kind = excluded.kind,
			content = excluded.content,
			content_hash = excluded.content_hash,
			embedding = excluded.embedding,
			dims = excluded.dims,
			engine = excluded.engine`,
		doc.DocID, doc.Kind, doc.Content, hash, encodeVector(vector), len(vector), engine,
	)
	if err != nil {
		return false, err
	}
	return true, nil
}

// SemanticSearch returns the k documents nearest to the query vector.
// With the vec0 extension a shadow virtual table would accelerate this;
// the portable path scans and scores every row, which stays acceptable
// for the corpus sizes here (ADRs and rules, not source files).
func (s *Store) SemanticSearch(query []float32, k int) ([]SemanticHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if k <= 0 {
		k = 10
	}

	rows, err := s.db.Query("SELECT doc_id, kind, content, embedding FROM vectors WHERE embedding IS NOT NULL")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []SemanticHit
	skipped := 0
	for rows.Next() {
		var hit SemanticHit
		var blob []byte
		if err := rows.Scan(&hit.DocID, &hit.Kind, &hit.Content, &blob); err != nil {
			return nil, err
		}
		vec, err := decodeVector(blob)
		if err != nil || len(vec) != len(query) {
			skipped++
			continue
		}
		hit.Score = cosine(query, vec)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if skipped > 0 {
		logging.Get(logging.CategoryStore).Warn("semantic search skipped %d rows with mismatched dimensions", skipped)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocID < hits[j].DocID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// VectorStats summarizes the index for guard query stats.
type VectorStats struct {
	Count  int64
	Dims   int
	Engine string
	ANN    bool
}

// VectorIndexStats reports index size, dimensionality, and the engine
// that produced the newest embeddings.
func (s *Store) VectorIndexStats() (VectorStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := VectorStats{ANN: s.vectorExt}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM vectors").Scan(&st.Count); err != nil {
		return st, err
	}
	if st.Count == 0 {
		return st, nil
	}
	err := s.db.QueryRow("SELECT dims, engine FROM vectors ORDER BY created_at DESC, id DESC LIMIT 1").
		Scan(&st.Dims, &st.Engine)
	return st, err
}

// ContentHashes returns the stored hash per document, so a reindex can
// skip embedding documents whose content has not moved.
func (s *Store) ContentHashes() (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT doc_id, content_hash FROM vectors")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, err
		}
		out[id] = hash
	}
	return out, rows.Err()
}

// PruneVectors removes indexed documents whose doc_id is not in keep.
// Used after reindex so deleted ADRs drop out of semantic_lookup.
func (s *Store) PruneVectors(keep map[string]bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT doc_id FROM vectors")
	if err != nil {
		return 0, err
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		if !keep[id] {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range stale {
		if _, err := s.db.Exec("DELETE FROM vectors WHERE doc_id = ?", id); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}
