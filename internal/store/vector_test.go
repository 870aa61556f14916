package store

import (
	"testing"
)

func TestEncodeDecodeVector(t *testing.T) {
	in := []float32{0.1, -2.5, 3.75, 0}
	out, err := decodeVector(encodeVector(in))
	if err != nil {
		t.Fatalf("decodeVector: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d elements, want %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("element %d: got %v, want %v", i, out[i], in[i])
		}
	}

	if _, err := decodeVector([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}

func TestUpsertEmbeddingSkipsUnchanged(t *testing.T) {
	s := openTestStore(t)

	doc := Document{DocID: "adr/ADR-001", Kind: "adr", Content: "use context for cancellation"}
	vec := []float32{1, 0, 0}

	wrote, err := s.UpsertEmbedding(doc, vec, "test:engine")
	if err != nil {
		t.Fatalf("UpsertEmbedding: %v", err)
	}
	if !wrote {
		t.Error("first upsert should write")
	}

	wrote, err = s.UpsertEmbedding(doc, vec, "test:engine")
	if err != nil {
		t.Fatalf("UpsertEmbedding again: %v", err)
	}
	if wrote {
		t.Error("unchanged content should be skipped")
	}

	doc.Content = "use context for cancellation and deadlines"
	wrote, err = s.UpsertEmbedding(doc, vec, "test:engine")
	if err != nil {
		t.Fatalf("UpsertEmbedding changed: %v", err)
	}
	if !wrote {
		t.Error("changed content should rewrite")
	}
}

func TestSemanticSearchOrdersByScore(t *testing.T) {
	s := openTestStore(t)

	docs := []struct {
		doc Document
		vec []float32
	}{
		{Document{DocID: "adr/ADR-001", Kind: "adr", Content: "close"}, []float32{1, 0, 0}},
		{Document{DocID: "adr/ADR-002", Kind: "adr", Content: "closer"}, []float32{0.9, 0.1, 0}},
		{Document{DocID: "adr/ADR-003", Kind: "adr", Content: "far"}, []float32{0, 0, 1}},
	}
	for _, d := range docs {
		if _, err := s.UpsertEmbedding(d.doc, d.vec, "test:engine"); err != nil {
			t.Fatalf("UpsertEmbedding(%s): %v", d.doc.DocID, err)
		}
	}

	hits, err := s.SemanticSearch([]float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("SemanticSearch: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].DocID != "adr/ADR-001" {
		t.Errorf("best hit = %s, want adr/ADR-001", hits[0].DocID)
	}
	if hits[0].Score < hits[1].Score {
		t.Errorf("hits out of order: %v then %v", hits[0].Score, hits[1].Score)
	}
}

func TestSemanticSearchSkipsMismatchedDims(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.UpsertEmbedding(Document{DocID: "a", Kind: "adr", Content: "x"}, []float32{1, 0}, "e"); err != nil {
		t.Fatalf("UpsertEmbedding: %v", err)
	}
	if _, err := s.UpsertEmbedding(Document{DocID: "b", Kind: "adr", Content: "y"}, []float32{1, 0, 0}, "e"); err != nil {
		t.Fatalf("UpsertEmbedding: %v", err)
	}

	hits, err := s.SemanticSearch([]float32{1, 0, 0}, 10)
	if err != nil {
		t.Fatalf("SemanticSearch: %v", err)
	}
	if len(hits) != 1 || hits[0].DocID != "b" {
		t.Errorf("expected only matching-width vector, got %+v", hits)
	}
}

func TestPruneVectors(t *testing.T) {
	s := openTestStore(t)

	for _, id := range []string{"adr/ADR-001", "adr/ADR-002", "rule/ADR-002/0"} {
		if _, err := s.UpsertEmbedding(Document{DocID: id, Kind: "adr", Content: id}, []float32{1}, "e"); err != nil {
			t.Fatalf("UpsertEmbedding(%s): %v", id, err)
		}
	}

	removed, err := s.PruneVectors(map[string]bool{"adr/ADR-001": true})
	if err != nil {
		t.Fatalf("PruneVectors: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	st, err := s.VectorIndexStats()
	if err != nil {
		t.Fatalf("VectorIndexStats: %v", err)
	}
	if st.Count != 1 {
		t.Errorf("count after prune = %d, want 1", st.Count)
	}
}
