package ai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/goleak"

	"storyguard/internal/errs"
)

func staticCredential(key string) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) { return key, nil }
}

func TestOpenAIWireFormat(t *testing.T) {
	var gotAuth string
	var gotBody oaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"choices": [{"message": {"role": "assistant", "content": "fine",
				"tool_calls": [{"id": "c1", "type": "function",
					"function": {"name": "read_file", "arguments": "{\"path\":\"main.go\"}"}}]},
				"finish_reason": "tool_calls"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 7}
		}`)
	}))
	defer srv.Close()

	c := newOpenAIClient("openai", srv.URL, Capabilities{}, staticCredential("sk-test"))
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	temp := 0.0
	resp, err := c.Complete(context.Background(), Request{
		Model:       "gpt-4.1",
		Messages:    []Message{{Role: "system", Content: "rules"}, {Role: "user", Content: "hi"}},
		Temperature: &temp,
		Tools:       []ToolSpec{{Name: "read_file", Schema: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if gotAuth != "Bearer sk-test" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotBody.Model != "gpt-4.1" || len(gotBody.Messages) != 2 || len(gotBody.Tools) != 1 {
		t.Errorf("request body = %+v", gotBody)
	}
	if resp.Text != "fine" || resp.InputTokens != 12 || resp.OutputTokens != 7 {
		t.Errorf("resp = %q %d/%d", resp.Text, resp.InputTokens, resp.OutputTokens)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "read_file" {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Args["path"] != "main.go" {
		t.Errorf("tool args = %v", resp.ToolCalls[0].Args)
	}
}

func TestOpenAIRateLimitMapsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error": {"message": "rate limited"}}`)
	}))
	defer srv.Close()

	c := newOpenAIClient("openai", srv.URL, Capabilities{}, staticCredential("sk-test"))
	_ = c.Initialize(context.Background())

	_, err := c.Complete(context.Background(), Request{Model: "m", Messages: []Message{{Role: "user", Content: "x"}}})
	if !errs.IsKind(err, errs.KindTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
	if e, ok := err.(*errs.Error); !ok || e.RetryAfter.Seconds() != 17 {
		t.Errorf("RetryAfter not parsed from header: %v", err)
	}
}

func TestAnthropicSystemLifting(t *testing.T) {
	var gotBody antRequest
	var gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotVersion = r.Header.Get("anthropic-version")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		io.WriteString(w, `{
			"content": [{"type": "text", "text": "verdict"},
				{"type": "tool_use", "id": "t1", "name": "read_adr", "input": {"id": "ADR-001"}}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 20, "output_tokens": 9}
		}`)
	}))
	defer srv.Close()

	c := newAnthropicClient(srv.URL, Capabilities{}, staticCredential("sk-ant-test"))
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	resp, err := c.Complete(context.Background(), Request{
		Model: "claude-sonnet-4-20250514",
		Messages: []Message{
			{Role: "system", Content: "you are the architect"},
			{Role: "user", Content: "review this"},
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if gotVersion != anthropicVersion {
		t.Errorf("version header = %q", gotVersion)
	}
	if gotBody.System != "you are the architect" {
		t.Errorf("system not lifted, got %q", gotBody.System)
	}
	if len(gotBody.Messages) != 1 || gotBody.Messages[0].Role != "user" {
		t.Errorf("messages = %+v", gotBody.Messages)
	}
	if gotBody.MaxTokens <= 0 {
		t.Error("max_tokens not defaulted")
	}
	if resp.Text != "verdict" || len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "read_adr" {
		t.Errorf("resp = %q %+v", resp.Text, resp.ToolCalls)
	}
}

func TestGeminiWireFormat(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		io.WriteString(w, `{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "looks good"}]},
				"finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 15, "candidatesTokenCount": 4}
		}`)
	}))
	defer srv.Close()

	c := newGeminiClient(srv.URL, Capabilities{}, staticCredential("AIza-test"))
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	resp, err := c.Complete(context.Background(), Request{
		Model:    "gemini-2.5-flash",
		Messages: []Message{{Role: "user", Content: "check"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if gotPath != "/v1beta/models/gemini-2.5-flash:generateContent" {
		t.Errorf("path = %q", gotPath)
	}
	if resp.Text != "looks good" || resp.InputTokens != 15 || resp.OutputTokens != 4 {
		t.Errorf("resp = %q %d/%d", resp.Text, resp.InputTokens, resp.OutputTokens)
	}
}

func TestOllamaRejectsRemoteEndpoint(t *testing.T) {
	c := newOllamaClient("http://ml-farm.internal:11434", Capabilities{})
	err := c.Initialize(context.Background())
	if !errs.IsKind(err, errs.KindConfig) {
		t.Fatalf("remote endpoint accepted: %v", err)
	}

	for _, ok := range []string{"http://localhost:11434", "http://127.0.0.1:11434", "http://[::1]:11434"} {
		c := newOllamaClient(ok, Capabilities{})
		if err := c.Initialize(context.Background()); err != nil {
			t.Errorf("local endpoint %s rejected: %v", ok, err)
		}
	}
}

func TestStreamConsumerAbandon(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	s := newStream()
	go func() {
		for i := 0; i < 1000; i++ {
			if !s.push(Chunk{Text: "x"}) {
				s.finish(nil)
				return
			}
		}
		s.finish(nil)
	}()

	// Read two chunks and walk away; the producer must exit.
	s.Next()
	s.Next()
	s.Close()
}

func TestStreamDrainToEnd(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	s := newStream()
	go func() {
		for i := 0; i < 5; i++ {
			s.push(Chunk{Text: "x"})
		}
		s.finish(nil)
	}()

	n := 0
	for s.Next() {
		n++
	}
	if n != 5 {
		t.Errorf("drained %d chunks, want 5", n)
	}
	if err := s.Err(); err != nil {
		t.Errorf("Err = %v", err)
	}
}
