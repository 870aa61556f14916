// Package ai is the single entry point for model calls. It fans out
// across configured providers with cooling-based fallback, scrubs
// outbound text, enforces token budgets, and records per-call metrics.
package ai

import (
	"context"
	"sync"
	"time"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"` // system, user, assistant, tool
	Content string `json:"content"`
}

// ToolSpec describes a callable tool offered to the model. Schema is
// a JSON Schema object for the arguments.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolCall is the model asking for a tool invocation.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// Request is a provider-independent completion request.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolSpec
	Temperature *float64
	MaxTokens   int
}

// Response is the outcome of a completion call.
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
	FinishReason string
}

// Chunk is one streamed fragment of text.
type Chunk struct {
	Text string
}

// Stream is a finite, non-restartable sequence of chunks. Callers that
// want a retry re-issue the whole call.
type Stream struct {
	ch   chan Chunk
	err  error
	done chan struct{} // producer finished
	quit chan struct{} // consumer walked away
	once sync.Once
	cur  Chunk
}

func newStream() *Stream {
	return &Stream{
		ch:   make(chan Chunk, 8),
		done: make(chan struct{}),
		quit: make(chan struct{}),
	}
}

// Next advances to the following chunk, returning false at the end of
// the stream or on error.
func (s *Stream) Next() bool {
	c, ok := <-s.ch
	if !ok {
		return false
	}
	s.cur = c
	return true
}

// Text returns the current chunk's text.
func (s *Stream) Text() string { return s.cur.Text }

// Err reports the error that terminated the stream, if any.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close abandons the stream; the producing goroutine unblocks and
// exits. Safe to call more than once.
func (s *Stream) Close() {
	s.once.Do(func() { close(s.quit) })
}

// push is used by adapters; returns false when the consumer is gone.
func (s *Stream) push(c Chunk) bool {
	select {
	case s.ch <- c:
		return true
	case <-s.quit:
		return false
	}
}

// finish terminates the stream, recording err for Err. Must be called
// exactly once, by the producer.
func (s *Stream) finish(err error) {
	s.err = err
	close(s.done)
	close(s.ch)
}

// Capabilities are the feature bits a provider supports.
type Capabilities struct {
	Streaming          bool
	FunctionCalling    bool
	ToolUse            bool
	SystemRoleDistinct bool
}

// Adapter is one provider integration.
type Adapter interface {
	ID() string
	Initialize(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	Complete(ctx context.Context, req Request) (*Response, error)
	StreamComplete(ctx context.Context, req Request) (*Stream, error)
	ListModels(ctx context.Context) ([]string, error)
	Capabilities() Capabilities
}
