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
	"storyguard/internal/logging"
)

// openAIClient speaks the OpenAI chat-completions wire format. The
// GitHub Models adapter reuses it with a different base URL.
type openAIClient struct {
	id         string
	baseURL    string
	apiKey     string
	caps       Capabilities
	httpClient *http.Client
	credential func(ctx context.Context) (string, error)
}

func newOpenAIClient(id, baseURL string, caps Capabilities, credential func(ctx context.Context) (string, error)) *openAIClient {
	return &openAIClient{
		id:         id,
		baseURL:    strings.TrimRight(baseURL, "/"),
		caps:       caps,
		httpClient: &http.Client{Timeout: 0}, // context deadlines govern
		credential: credential,
	}
}

func (c *openAIClient) ID() string                 { return c.id }
func (c *openAIClient) Capabilities() Capabilities { return c.caps }

func (c *openAIClient) Initialize(ctx context.Context) error {
	key, err := c.credential(ctx)
	if err != nil {
		return err
	}
	if key == "" {
		return errs.New(errs.KindAuth, "%s: missing API key", c.id)
	}
	c.apiKey = key
	return nil
}

func (c *openAIClient) HealthCheck(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

type oaMessage struct {
	Role       string       `json:"role"`
	Content    string       `json:"content"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
	ToolCalls  []oaToolCall `json:"tool_calls,omitempty"`
}

type oaToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type oaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"function"`
}

type oaRequest struct {
	Model       string      `json:"model"`
	Messages    []oaMessage `json:"messages"`
	Temperature *float64    `json:"temperature,omitempty"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
	Tools       []oaTool    `json:"tools,omitempty"`
	Stream      bool        `json:"stream,omitempty"`
}

type oaResponse struct {
	Choices []struct {
		Message struct {
			Role      string       `json:"role"`
			Content   string       `json:"content"`
			ToolCalls []oaToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (c *openAIClient) buildRequest(req Request, stream bool) oaRequest {
	body := oaRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, oaMessage{Role: m.Role, Content: m.Content})
	}
	for _, t := range req.Tools {
		var ot oaTool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.Schema
		body.Tools = append(body.Tools, ot)
	}
	return body
}

func (c *openAIClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return c.httpClient.Do(req)
}

func (c *openAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := c.post(ctx, "/chat/completions", c.buildRequest(req, false))
	if err != nil {
		if ctxErr := errs.FromContext(ctx); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errs.Wrap(errs.KindTransient, err, "%s: request failed", c.id)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "%s: read response", c.id)
	}
	if resp.StatusCode != http.StatusOK {
		ra := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return nil, ErrorFromHTTPStatus(c.id, resp.StatusCode, string(body), ra)
	}

	var parsed oaResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "%s: parse response", c.id)
	}
	if parsed.Error != nil {
		return nil, errs.New(errs.KindTransient, "%s: api error: %s", c.id, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, errs.New(errs.KindTransient, "%s: no completion returned", c.id)
	}

	choice := parsed.Choices[0]
	out := &Response{
		Text:         strings.TrimSpace(choice.Message.Content),
		Provider:     c.id,
		Model:        req.Model,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		Latency:      time.Since(start),
		FinishReason: choice.FinishReason,
	}
	for _, tc := range choice.Message.ToolCalls {
		call := ToolCall{ID: tc.ID, Name: tc.Function.Name}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &call.Args); err != nil {
				logging.AIDebug("%s: unparsable tool arguments for %s: %v", c.id, tc.Function.Name, err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, call)
	}
	return out, nil
}

func (c *openAIClient) StreamComplete(ctx context.Context, req Request) (*Stream, error) {
	resp, err := c.post(ctx, "/chat/completions", c.buildRequest(req, true))
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "%s: request failed", c.id)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		ra := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return nil, ErrorFromHTTPStatus(c.id, resp.StatusCode, string(body), ra)
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
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				break
			}
			var delta struct {
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
				} `json:"choices"`
			}
			if json.Unmarshal([]byte(payload), &delta) != nil {
				continue
			}
			if len(delta.Choices) > 0 && delta.Choices[0].Delta.Content != "" {
				if !s.push(Chunk{Text: delta.Choices[0].Delta.Content}) {
					s.finish(nil)
					return
				}
			}
		}
		s.finish(sc.Err())
	}()
	return s, nil
}

func (c *openAIClient) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "%s: list models", c.id)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, ErrorFromHTTPStatus(c.id, resp.StatusCode, string(body), 0)
	}
	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "%s: parse model list", c.id)
	}
	out := make([]string, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		out = append(out, m.ID)
	}
	return out, nil
}
