package ai

import (
	"context"
	"os"
	"time"

	"google.golang.org/genai"

	"storyguard/internal/errs"
)

// vertexClient runs Gemini models through Vertex AI using the genai
// SDK, which handles application-default credentials.
type vertexClient struct {
	project  string
	location string
	caps     Capabilities
	client   *genai.Client
}

func newVertexClient(project string, caps Capabilities) *vertexClient {
	return &vertexClient{project: project, caps: caps}
}

func (c *vertexClient) ID() string                 { return "vertex" }
func (c *vertexClient) Capabilities() Capabilities { return c.caps }

func (c *vertexClient) Initialize(ctx context.Context) error {
	project := c.project
	if project == "" {
		project = os.Getenv("GOOGLE_CLOUD_PROJECT")
	}
	if project == "" {
		return &errs.Error{
			Kind:   errs.KindAuth,
			Msg:    "vertex: no project configured",
			EnvVar: "GOOGLE_CLOUD_PROJECT",
		}
	}
	location := os.Getenv("GOOGLE_CLOUD_LOCATION")
	if location == "" {
		location = "us-central1"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Backend:  genai.BackendVertexAI,
		Project:  project,
		Location: location,
	})
	if err != nil {
		return errs.Wrap(errs.KindAuth, err, "vertex: create client")
	}
	c.project = project
	c.location = location
	c.client = client
	return nil
}

func (c *vertexClient) HealthCheck(ctx context.Context) error {
	if c.client == nil {
		return errs.New(errs.KindConfig, "vertex: not initialized")
	}
	return nil
}

func (c *vertexClient) buildContents(req Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	cfg := &genai.GenerateContentConfig{}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			cfg.SystemInstruction = genai.NewContentFromText(m.Content, genai.RoleUser)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	if len(req.Tools) > 0 {
		tool := &genai.Tool{}
		for _, t := range req.Tools {
			tool.FunctionDeclarations = append(tool.FunctionDeclarations, &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.Schema,
			})
		}
		cfg.Tools = []*genai.Tool{tool}
	}
	return contents, cfg
}

func (c *vertexClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if c.client == nil {
		return nil, errs.New(errs.KindConfig, "vertex: not initialized")
	}
	start := time.Now()
	contents, cfg := c.buildContents(req)

	resp, err := c.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		if ctxErr := errs.FromContext(ctx); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errs.Wrap(errs.KindTransient, err, "vertex: generate")
	}

	out := &Response{
		Provider: "vertex",
		Model:    req.Model,
		Latency:  time.Since(start),
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		out.FinishReason = string(cand.FinishReason)
		if cand.Content != nil {
			for _, p := range cand.Content.Parts {
				if p.FunctionCall != nil {
					out.ToolCalls = append(out.ToolCalls, ToolCall{
						ID:   p.FunctionCall.ID,
						Name: p.FunctionCall.Name,
						Args: p.FunctionCall.Args,
					})
				}
			}
		}
	}
	out.Text = resp.Text()
	return out, nil
}

func (c *vertexClient) StreamComplete(ctx context.Context, req Request) (*Stream, error) {
	if c.client == nil {
		return nil, errs.New(errs.KindConfig, "vertex: not initialized")
	}
	contents, cfg := c.buildContents(req)

	s := newStream()
	go func() {
		var streamErr error
		for resp, err := range c.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
			if err != nil {
				streamErr = errs.Wrap(errs.KindTransient, err, "vertex: stream")
				break
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			if !s.push(Chunk{Text: text}) {
				break
			}
		}
		s.finish(streamErr)
	}()
	return s, nil
}

func (c *vertexClient) ListModels(ctx context.Context) ([]string, error) {
	// Vertex exposes the same Gemini catalog; model discovery runs
	// through the configured model table rather than a control-plane
	// call that needs extra IAM permissions.
	return nil, errs.New(errs.KindConfig, "vertex: model discovery not supported; see configured catalog")
}
