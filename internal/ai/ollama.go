package ai

import (
	"bufio"
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

// ollamaClient talks to a local Ollama daemon. Remote endpoints are
// rejected outright: local models exist so review content can stay on
// the machine.
type ollamaClient struct {
	baseURL    string
	caps       Capabilities
	httpClient *http.Client
}

func newOllamaClient(baseURL string, caps Capabilities) *ollamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &ollamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		caps:       caps,
		httpClient: &http.Client{Timeout: 0},
	}
}

func (c *ollamaClient) ID() string                 { return "ollama" }
func (c *ollamaClient) Capabilities() Capabilities { return c.caps }

func (c *ollamaClient) Initialize(ctx context.Context) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return errs.Wrap(errs.KindConfig, err, "ollama: bad endpoint %q", c.baseURL)
	}
	host := u.Hostname()
	if !isLoopback(host) {
		return errs.New(errs.KindConfig, "ollama: endpoint %q is not local; refusing to send code off-machine", c.baseURL)
	}
	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (c *ollamaClient) HealthCheck(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

type ollamaChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  struct {
		Temperature *float64 `json:"temperature,omitempty"`
		NumPredict  int      `json:"num_predict,omitempty"`
	} `json:"options"`
}

type ollamaChatResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error,omitempty"`
}

func (c *ollamaClient) buildRequest(req Request, stream bool) ollamaChatRequest {
	body := ollamaChatRequest{Model: req.Model, Messages: req.Messages, Stream: stream}
	body.Options.Temperature = req.Temperature
	body.Options.NumPredict = req.MaxTokens
	return body
}

func (c *ollamaClient) Complete(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	data, err := json.Marshal(c.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := errs.FromContext(ctx); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errs.Wrap(errs.KindTransient, err, "ollama: request failed (is the daemon running?)")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "ollama: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, ErrorFromHTTPStatus("ollama", resp.StatusCode, string(body), 0)
	}

	var parsed ollamaChatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "ollama: parse response")
	}
	if parsed.Error != "" {
		return nil, errs.New(errs.KindTransient, "ollama: %s", parsed.Error)
	}
	return &Response{
		Text:         strings.TrimSpace(parsed.Message.Content),
		Provider:     "ollama",
		Model:        req.Model,
		InputTokens:  parsed.PromptEvalCount,
		OutputTokens: parsed.EvalCount,
		Latency:      time.Since(start),
		FinishReason: "stop",
	}, nil
}

func (c *ollamaClient) StreamComplete(ctx context.Context, req Request) (*Stream, error) {
	data, err := json.Marshal(c.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "ollama: request failed")
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, ErrorFromHTTPStatus("ollama", resp.StatusCode, string(body), 0)
	}

	s := newStream()
	go func() {
		defer resp.Body.Close()
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			var ev ollamaChatResponse
			if json.Unmarshal(sc.Bytes(), &ev) != nil {
				continue
			}
			if ev.Message.Content != "" {
				if !s.push(Chunk{Text: ev.Message.Content}) {
					s.finish(nil)
					return
				}
			}
			if ev.Done {
				break
			}
		}
		s.finish(sc.Err())
	}()
	return s, nil
}

func (c *ollamaClient) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "ollama: list models")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, ErrorFromHTTPStatus("ollama", resp.StatusCode, string(body), 0)
	}
	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "ollama: parse model list")
	}
	out := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		out = append(out, m.Name)
	}
	return out, nil
}
