package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"storyguard/internal/errs"
)

// localEngine rewires an engine at the test server, bypassing the
// loopback guard (httptest listens on 127.0.0.1 anyway).
func localEngine(t *testing.T, srv *httptest.Server, model string) *ollamaEngine {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	eng, err := newOllamaEngine("http://127.0.0.1:"+u.Port(), model)
	if err != nil {
		t.Fatalf("newOllamaEngine: %v", err)
	}
	return eng
}

func TestOllamaEmbedWire(t *testing.T) {
	var prompts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		prompts = append(prompts, req.Prompt)
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	eng := localEngine(t, srv, "nomic-embed-text")

	vec, err := eng.Embed(context.Background(), "payment retries")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("vector len = %d", len(vec))
	}

	docs, err := eng.EmbedBatch(context.Background(), []string{"JRN-001 checkout", "ADR-004 idempotency"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(docs) != 2 {
		t.Errorf("batch len = %d", len(docs))
	}

	want := []string{
		"search_query: payment retries",
		"search_document: JRN-001 checkout",
		"search_document: ADR-004 idempotency",
	}
	if len(prompts) != len(want) {
		t.Fatalf("prompts = %v", prompts)
	}
	for i := range want {
		if prompts[i] != want[i] {
			t.Errorf("prompt[%d] = %q, want %q", i, prompts[i], want[i])
		}
	}
}

func TestOllamaNoPrefixForOtherModels(t *testing.T) {
	var prompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedRequest
		json.NewDecoder(r.Body).Decode(&req)
		prompt = req.Prompt
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{1}})
	}))
	defer srv.Close()

	eng := localEngine(t, srv, "mxbai-embed-large")
	if _, err := eng.Embed(context.Background(), "raw text"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if prompt != "raw text" {
		t.Errorf("prompt = %q, want unprefixed text", prompt)
	}
}

func TestOllamaMissingModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	eng := localEngine(t, srv, "nomic-embed-text")
	_, err := eng.Embed(context.Background(), "x")
	if !errs.IsKind(err, errs.KindConfig) {
		t.Fatalf("err = %v, want config kind", err)
	}
}

func TestOllamaServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	eng := localEngine(t, srv, "nomic-embed-text")
	_, err := eng.Embed(context.Background(), "x")
	if !errs.IsKind(err, errs.KindTransient) {
		t.Fatalf("err = %v, want transient kind", err)
	}
}

func TestOllamaRejectsRemoteEndpoint(t *testing.T) {
	_, err := newOllamaEngine("http://embeddings.corp.example:11434", "nomic-embed-text")
	if !errs.IsKind(err, errs.KindConfig) {
		t.Fatalf("remote endpoint accepted: %v", err)
	}
}

func TestOllamaHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	eng := localEngine(t, srv, "nomic-embed-text")
	if err := eng.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}
