package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"storyguard/internal/errs"
)

// geminiEngine embeds through the Gemini API. Queries and documents
// use the retrieval task types so index-side and query-side vectors
// land in the same space with the right asymmetry.
type geminiEngine struct {
	client *genai.Client
	model  string
}

func newGeminiEngine(ctx context.Context, apiKey, model string) (*geminiEngine, error) {
	if apiKey == "" {
		return nil, errs.New(errs.KindAuth, "gemini embedding requires an API key")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, errs.Wrap(errs.KindAuth, err, "create gemini client")
	}
	return &geminiEngine{client: client, model: model}, nil
}

func (e *geminiEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.embed(ctx, []string{text}, "RETRIEVAL_QUERY")
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *geminiEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return e.embed(ctx, texts, "RETRIEVAL_DOCUMENT")
}

func (e *geminiEngine) embed(ctx context.Context, texts []string, task string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}

	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		TaskType: task,
	})
	if err != nil {
		if ctxErr := errs.FromContext(ctx); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errs.Wrap(errs.KindTransient, err, "gemini embed")
	}
	if len(result.Embeddings) != len(texts) {
		return nil, errs.New(errs.KindInternal, "gemini returned %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}

	vecs := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		vecs[i] = emb.Values
	}
	return vecs, nil
}

// Dimensions matches gemini-embedding-001 output width.
func (e *geminiEngine) Dimensions() int { return 768 }

func (e *geminiEngine) Name() string { return fmt.Sprintf("gemini:%s", e.model) }

// Close releases the underlying client. The genai client holds no
// resources that need explicit release.
func (e *geminiEngine) Close() error {
	return nil
}
