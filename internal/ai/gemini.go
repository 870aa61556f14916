package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"storyguard/internal/errs"
)

// geminiClient speaks the Gemini API v1beta wire format directly.
type geminiClient struct {
	baseURL    string
	apiKey     string
	caps       Capabilities
	httpClient *http.Client
	credential func(ctx context.Context) (string, error)
}

func newGeminiClient(baseURL string, caps Capabilities, credential func(ctx context.Context) (string, error)) *geminiClient {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = "https://generativelanguage.googleapis.com"
	}
	return &geminiClient{
		baseURL:    base,
		caps:       caps,
		httpClient: &http.Client{Timeout: 0},
		credential: credential,
	}
}

func (c *geminiClient) ID() string                 { return "gemini" }
func (c *geminiClient) Capabilities() Capabilities { return c.caps }

func (c *geminiClient) Initialize(ctx context.Context) error {
	key, err := c.credential(ctx)
	if err != nil {
		return err
	}
	if key == "" {
		return errs.New(errs.KindAuth, "gemini: missing API key")
	}
	c.apiKey = key
	return nil
}

func (c *geminiClient) HealthCheck(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

type gemPart struct {
	Text         string `json:"text,omitempty"`
	FunctionCall *struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	} `json:"functionCall,omitempty"`
}

type gemContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []gemPart `json:"parts"`
}

type gemRequest struct {
	Contents          []gemContent `json:"contents"`
	SystemInstruction *gemContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  struct {
		Temperature     *float64 `json:"temperature,omitempty"`
		MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
	Tools []gemToolSet `json:"tools,omitempty"`
}

type gemToolSet struct {
	FunctionDeclarations []gemFunction `json:"functionDeclarations"`
}

type gemFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type gemResponse struct {
	Candidates []struct {
		Content      gemContent `json:"content"`
		FinishReason string     `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

func (c *geminiClient) buildRequest(req Request) gemRequest {
	var body gemRequest
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if body.SystemInstruction == nil {
				body.SystemInstruction = &gemContent{Parts: []gemPart{{Text: m.Content}}}
			} else {
				body.SystemInstruction.Parts = append(body.SystemInstruction.Parts, gemPart{Text: m.Content})
			}
		case "assistant":
			body.Contents = append(body.Contents, gemContent{Role: "model", Parts: []gemPart{{Text: m.Content}}})
		default:
			body.Contents = append(body.Contents, gemContent{Role: "user", Parts: []gemPart{{Text: m.Content}}})
		}
	}
	body.GenerationConfig.Temperature = req.Temperature
	body.GenerationConfig.MaxOutputTokens = req.MaxTokens
	if len(req.Tools) > 0 {
		set := gemToolSet{}
		for _, t := range req.Tools {
			set.FunctionDeclarations = append(set.FunctionDeclarations, gemFunction{
				Name: t.Name, Description: t.Description, Parameters: t.Schema,
			})
		}
		body.Tools = []gemToolSet{set}
	}
	return body
}

func (c *geminiClient) post(ctx context.Context, url string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(req)
}

func (c *geminiClient) Complete(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.baseURL, req.Model, c.apiKey)
	resp, err := c.post(ctx, url, c.buildRequest(req))
	if err != nil {
		if ctxErr := errs.FromContext(ctx); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errs.Wrap(errs.KindTransient, err, "gemini: request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "gemini: read response")
	}
	if resp.StatusCode != http.StatusOK {
		ra := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return nil, ErrorFromHTTPStatus("gemini", resp.StatusCode, string(body), ra)
	}

	var parsed gemResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "gemini: parse response")
	}
	if parsed.Error != nil {
		return nil, errs.New(errs.KindTransient, "gemini: api error %s: %s", parsed.Error.Status, parsed.Error.Message)
	}
	if len(parsed.Candidates) == 0 {
		return nil, errs.New(errs.KindTransient, "gemini: no candidates returned")
	}

	cand := parsed.Candidates[0]
	out := &Response{
		Provider:     "gemini",
		Model:        req.Model,
		InputTokens:  parsed.UsageMetadata.PromptTokenCount,
		OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
		Latency:      time.Since(start),
		FinishReason: cand.FinishReason,
	}
	var text strings.Builder
	for _, p := range cand.Content.Parts {
		if p.Text != "" {
			text.WriteString(p.Text)
		}
		if p.FunctionCall != nil {
			out.ToolCalls = append(out.ToolCalls, ToolCall{Name: p.FunctionCall.Name, Args: p.FunctionCall.Args})
		}
	}
	out.Text = strings.TrimSpace(text.String())
	return out, nil
}

func (c *geminiClient) StreamComplete(ctx context.Context, req Request) (*Stream, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s", c.baseURL, req.Model, c.apiKey)
	resp, err := c.post(ctx, url, c.buildRequest(req))
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "gemini: request failed")
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		ra := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return nil, ErrorFromHTTPStatus("gemini", resp.StatusCode, string(body), ra)
	}

	s := newStream()
	go func() {
		defer resp.Body.Close()
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev gemResponse
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev) != nil {
				continue
			}
			for _, cand := range ev.Candidates {
				for _, p := range cand.Content.Parts {
					if p.Text == "" {
						continue
					}
					if !s.push(Chunk{Text: p.Text}) {
						s.finish(nil)
						return
					}
				}
			}
		}
		s.finish(sc.Err())
	}()
	return s, nil
}

func (c *geminiClient) ListModels(ctx context.Context) ([]string, error) {
	url := fmt.Sprintf("%s/v1beta/models?key=%s", c.baseURL, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "gemini: list models")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, ErrorFromHTTPStatus("gemini", resp.StatusCode, string(body), 0)
	}
	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "gemini: parse model list")
	}
	out := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		out = append(out, strings.TrimPrefix(m.Name, "models/"))
	}
	return out, nil
}
