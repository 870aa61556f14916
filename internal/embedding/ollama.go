package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"storyguard/internal/errs"
)

// ollamaEngine embeds through a local Ollama server. Remote endpoints
// are refused; governance source text stays on the machine.
type ollamaEngine struct {
	endpoint string
	model    string
	client   *http.Client
}

func newOllamaEngine(endpoint, model string) (*ollamaEngine, error) {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "parse ollama endpoint")
	}
	host := u.Hostname()
	if host != "localhost" {
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			return nil, errs.New(errs.KindConfig, "ollama embedding endpoint must be local, got %s", host)
		}
	}
	return &ollamaEngine{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		client:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// nomic models want an instruction prefix telling the model which side
// of the retrieval pair the text is on.
func (e *ollamaEngine) prefixed(text string, query bool) string {
	if !strings.HasPrefix(e.model, "nomic-embed") {
		return text
	}
	if query {
		return "search_query: " + text
	}
	return "search_document: " + text
}

func (e *ollamaEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.embedOne(ctx, e.prefixed(text, true))
}

func (e *ollamaEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.embedOne(ctx, e.prefixed(t, false))
		if err != nil {
			return nil, errs.Wrap(errs.KindOf(err), err, "embed document %d of %d", i+1, len(texts))
		}
		vecs[i] = vec
	}
	return vecs, nil
}

func (e *ollamaEngine) embedOne(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "marshal embed request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "build embed request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if ctxErr := errs.FromContext(ctx); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errs.Wrap(errs.KindTransient, err, "ollama unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		if resp.StatusCode == http.StatusNotFound {
			return nil, errs.New(errs.KindConfig, "ollama model %s not available: %s", e.model, strings.TrimSpace(string(detail)))
		}
		return nil, errs.New(errs.KindTransient, "ollama status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var out ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "decode embed response")
	}
	if len(out.Embedding) == 0 {
		return nil, errs.New(errs.KindTransient, "ollama returned an empty embedding")
	}
	return out.Embedding, nil
}

// Dimensions matches nomic-embed-text output width.
func (e *ollamaEngine) Dimensions() int { return 768 }

func (e *ollamaEngine) Name() string { return fmt.Sprintf("ollama:%s", e.model) }

// HealthCheck verifies the server answers before a long indexing run.
func (e *ollamaEngine) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.endpoint+"/api/tags", nil)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err, "build health request")
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindTransient, err, "ollama unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errs.New(errs.KindTransient, "ollama health status %d", resp.StatusCode)
	}
	return nil
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}
