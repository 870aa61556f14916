// Package embedding generates vectors for the knowledge base behind
// semantic_lookup. Two engines are supported: Gemini (cloud) and a
// local Ollama server. Single-text Embed calls are tuned for search
// queries; EmbedBatch is tuned for documents being indexed.
package embedding

import (
	"context"
	"math"
	"sort"

	"storyguard/internal/config"
	"storyguard/internal/errs"
	"storyguard/internal/logging"
	"storyguard/internal/secrets"
)

// Engine turns text into vectors.
type Engine interface {
	// Embed vectorizes one text, treated as a search query.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch vectorizes texts being indexed as documents.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector width this engine produces.
	Dimensions() int

	// Name identifies the engine as provider:model.
	Name() string
}

// HealthChecker is implemented by engines that can verify the backing
// service is reachable before a long indexing run.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// New builds the engine selected by embedding.provider. The Gemini key
// is resolved through the vault with environment fallback. Provider
// "none" (the default) reports a config error; callers degrade
// semantic_lookup instead of failing the run.
func New(ctx context.Context, cfg config.EmbeddingConfig, vault *secrets.Vault) (Engine, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, errs.New(errs.KindConfig, "embedding disabled: set embedding.provider to gemini or ollama")
	case "ollama":
		eng, err := newOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
		if err != nil {
			return nil, err
		}
		logging.Embedding("engine ready: %s", eng.Name())
		return eng, nil
	case "gemini":
		key, err := vault.GetOrEnv("gemini", "api_key")
		if err != nil {
			return nil, err
		}
		eng, err := newGeminiEngine(ctx, key, cfg.GeminiModel)
		if err != nil {
			return nil, err
		}
		logging.Embedding("engine ready: %s", eng.Name())
		return eng, nil
	default:
		return nil, errs.New(errs.KindConfig, "unsupported embedding provider %q", cfg.Provider)
	}
}

// CosineSimilarity returns the cosine of the angle between a and b,
// in [-1, 1]. Zero-magnitude vectors score 0.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, errs.New(errs.KindInternal, "vector dimensions differ: %d vs %d", len(a), len(b))
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB)), nil
}

// Match is one scored hit from TopK.
type Match struct {
	Index int
	Score float64
}

// TopK scores query against every corpus vector and returns the k best
// matches, highest first. Vectors whose width does not match the query
// are skipped.
func TopK(query []float32, corpus [][]float32, k int) []Match {
	if k <= 0 {
		k = 10
	}
	matches := make([]Match, 0, len(corpus))
	skipped := 0
	for i, vec := range corpus {
		score, err := CosineSimilarity(query, vec)
		if err != nil {
			skipped++
			continue
		}
		matches = append(matches, Match{Index: i, Score: score})
	}
	if skipped > 0 {
		logging.Get(logging.CategoryEmbedding).Warn("TopK skipped %d vectors with mismatched dimensions", skipped)
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Index < matches[j].Index
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}
