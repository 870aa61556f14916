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

const anthropicVersion = "2023-06-01"

type anthropicClient struct {
	baseURL    string
	apiKey     string
	caps       Capabilities
	httpClient *http.Client
	credential func(ctx context.Context) (string, error)
}

func newAnthropicClient(baseURL string, caps Capabilities, credential func(ctx context.Context) (string, error)) *anthropicClient {
	return &anthropicClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		caps:       caps,
		httpClient: &http.Client{Timeout: 0},
		credential: credential,
	}
}

func (c *anthropicClient) ID() string                 { return "anthropic" }
func (c *anthropicClient) Capabilities() Capabilities { return c.caps }

func (c *anthropicClient) Initialize(ctx context.Context) error {
	key, err := c.credential(ctx)
	if err != nil {
		return err
	}
	if key == "" {
		return errs.New(errs.KindAuth, "anthropic: missing API key")
	}
	c.apiKey = key
	return nil
}

func (c *anthropicClient) HealthCheck(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

type antTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type antRequest struct {
	Model       string       `json:"model"`
	System      string       `json:"system,omitempty"`
	Messages    []Message    `json:"messages"`
	MaxTokens   int          `json:"max_tokens"`
	Temperature *float64     `json:"temperature,omitempty"`
	Tools       []antTool    `json:"tools,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
}

type antContent struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

type antResponse struct {
	Content    []antContent `json:"content"`
	StopReason string       `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// buildRequest lifts the leading system message into the dedicated
// system field; Anthropic has no system role in messages.
func (c *anthropicClient) buildRequest(req Request, stream bool) antRequest {
	body := antRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = 4096
	}
	for _, m := range req.Messages {
		if m.Role == "system" && body.System == "" {
			body.System = m.Content
			continue
		}
		role := m.Role
		if role == "tool" {
			role = "user"
		}
		body.Messages = append(body.Messages, Message{Role: role, Content: m.Content})
	}
	for _, t := range req.Tools {
		schema := t.Schema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		body.Tools = append(body.Tools, antTool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return body
}

func (c *anthropicClient) post(ctx context.Context, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	return c.httpClient.Do(req)
}

func (c *anthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := c.post(ctx, c.buildRequest(req, false))
	if err != nil {
		if ctxErr := errs.FromContext(ctx); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errs.Wrap(errs.KindTransient, err, "anthropic: request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "anthropic: read response")
	}
	if resp.StatusCode != http.StatusOK {
		ra := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return nil, ErrorFromHTTPStatus("anthropic", resp.StatusCode, string(body), ra)
	}

	var parsed antResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "anthropic: parse response")
	}
	if parsed.Error != nil {
		return nil, errs.New(errs.KindTransient, "anthropic: api error: %s", parsed.Error.Message)
	}

	out := &Response{
		Provider:     "anthropic",
		Model:        req.Model,
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
		Latency:      time.Since(start),
		FinishReason: parsed.StopReason,
	}
	var text strings.Builder
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Args: block.Input})
		}
	}
	out.Text = strings.TrimSpace(text.String())
	return out, nil
}

func (c *anthropicClient) StreamComplete(ctx context.Context, req Request) (*Stream, error) {
	resp, err := c.post(ctx, c.buildRequest(req, true))
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "anthropic: request failed")
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		ra := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return nil, ErrorFromHTTPStatus("anthropic", resp.StatusCode, string(body), ra)
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
			var ev struct {
				Type  string `json:"type"`
				Delta struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"delta"`
			}
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev) != nil {
				continue
			}
			if ev.Type == "message_stop" {
				break
			}
			if ev.Type == "content_block_delta" && ev.Delta.Text != "" {
				if !s.push(Chunk{Text: ev.Delta.Text}) {
					s.finish(nil)
					return
				}
			}
		}
		s.finish(sc.Err())
	}()
	return s, nil
}

func (c *anthropicClient) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "anthropic: list models")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, ErrorFromHTTPStatus("anthropic", resp.StatusCode, string(body), 0)
	}
	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "anthropic: parse model list")
	}
	out := make([]string, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		out = append(out, m.ID)
	}
	return out, nil
}
