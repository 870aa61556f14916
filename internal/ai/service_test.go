package ai

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"storyguard/internal/budget"
	"storyguard/internal/config"
	"storyguard/internal/errs"
	"storyguard/internal/logging"
)

type fakeAdapter struct {
	id       string
	mu       sync.Mutex
	calls    int
	fail     error
	resp     *Response
	captured []Message
}

func (f *fakeAdapter) ID() string                             { return f.id }
func (f *fakeAdapter) Initialize(ctx context.Context) error   { return nil }
func (f *fakeAdapter) HealthCheck(ctx context.Context) error  { return nil }
func (f *fakeAdapter) Capabilities() Capabilities             { return Capabilities{Streaming: true, ToolUse: true} }
func (f *fakeAdapter) ListModels(ctx context.Context) ([]string, error) {
	return []string{f.id + "-model"}, nil
}

func (f *fakeAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	f.mu.Lock()
	f.calls++
	f.captured = req.Messages
	f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	resp := *f.resp
	resp.Model = req.Model
	return &resp, nil
}

func (f *fakeAdapter) StreamComplete(ctx context.Context, req Request) (*Stream, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	s := newStream()
	go func() {
		s.push(Chunk{Text: "chunk"})
		s.finish(nil)
	}()
	return s, nil
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func chainConfig() *config.AIConfig {
	return &config.AIConfig{
		Active:    "a",
		Fallbacks: []string{"b"},
		Providers: []config.ProviderDescriptor{
			{ID: "a", Enabled: true, Streaming: true, ToolUse: true},
			{ID: "b", Enabled: true, Streaming: true, ToolUse: true},
		},
		Models: []config.ModelDescriptor{
			{Name: "a-std", ProviderID: "a", Tier: config.TierStandard, CostPer1KIn: 0.001, CostPer1KOut: 0.002},
			{Name: "b-std", ProviderID: "b", Tier: config.TierStandard, CostPer1KIn: 0.001, CostPer1KOut: 0.002},
		},
	}
}

func newTestService(t *testing.T, cfg *config.AIConfig, fakes map[string]*fakeAdapter, opts Options) *Service {
	t.Helper()
	s := New(cfg, opts)
	s.factory = func(p *config.ProviderDescriptor) Adapter {
		f, ok := fakes[p.ID]
		if !ok {
			t.Fatalf("no fake for provider %s", p.ID)
		}
		return f
	}
	return s
}

func TestFallbackOnTransient(t *testing.T) {
	em, err := logging.NewEmitter(t.TempDir())
	if err != nil {
		t.Fatalf("NewEmitter: %v", err)
	}
	defer em.Close()
	var mu sync.Mutex
	var transitions []string
	em.Subscribe(func(ev logging.Event) {
		if ev.Type == logging.EventProviderFallback {
			mu.Lock()
			transitions = append(transitions, ev.Fields["from"].(string)+">"+ev.Fields["to"].(string))
			mu.Unlock()
		}
	})

	fakes := map[string]*fakeAdapter{
		"a": {id: "a", fail: &errs.Error{Kind: errs.KindTransient, Msg: "a: rate_limited"}},
		"b": {id: "b", resp: &Response{Text: "answer", Provider: "b", InputTokens: 10, OutputTokens: 5}},
	}
	s := newTestService(t, chainConfig(), fakes, Options{Emitter: em})

	resp, err := s.Complete(context.Background(), Request{
		Model:    "a-std",
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Provider != "b" || resp.Text != "answer" {
		t.Errorf("resp = %s/%q, want b/answer", resp.Provider, resp.Text)
	}
	if resp.Model != "b-std" {
		t.Errorf("model not remapped for fallback provider: %s", resp.Model)
	}

	mu.Lock()
	if len(transitions) != 1 || transitions[0] != "a>b" {
		t.Errorf("fallback transitions = %v, want [a>b]", transitions)
	}
	mu.Unlock()

	// Provider a is cooling now: a second call goes straight to b.
	if _, err := s.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "again"}}}); err != nil {
		t.Fatalf("second Complete: %v", err)
	}
	if got := fakes["a"].callCount(); got != 1 {
		t.Errorf("cooling provider was called %d times, want 1", got)
	}
}

func TestAuthErrorFailsFast(t *testing.T) {
	fakes := map[string]*fakeAdapter{
		"a": {id: "a", fail: errs.New(errs.KindAuth, "a: authentication_failed")},
		"b": {id: "b", resp: &Response{Text: "never"}},
	}
	s := newTestService(t, chainConfig(), fakes, Options{})

	_, err := s.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "x"}}})
	if !errs.IsKind(err, errs.KindAuth) {
		t.Fatalf("err = %v, want auth", err)
	}
	if fakes["b"].callCount() != 0 {
		t.Error("fallback was consulted after auth failure")
	}
}

func TestAllProvidersCooling(t *testing.T) {
	fakes := map[string]*fakeAdapter{
		"a": {id: "a", fail: &errs.Error{Kind: errs.KindTransient, Msg: "down", RetryAfter: 45 * time.Second}},
		"b": {id: "b", fail: &errs.Error{Kind: errs.KindTransient, Msg: "down"}},
	}
	s := newTestService(t, chainConfig(), fakes, Options{})

	_, err := s.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "x"}}})
	if !errs.IsKind(err, errs.KindTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
	e, ok := err.(*errs.Error)
	if !ok {
		t.Fatalf("error type %T", err)
	}
	if e.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", e.RetryAfter)
	}

	// Both cooling: adapters must not be re-invoked.
	_, err = s.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "y"}}})
	if !errs.IsKind(err, errs.KindTransient) {
		t.Fatalf("second err = %v, want transient", err)
	}
	if fakes["a"].callCount() != 1 || fakes["b"].callCount() != 1 {
		t.Errorf("cooling adapters re-invoked: a=%d b=%d", fakes["a"].callCount(), fakes["b"].callCount())
	}
}

func TestOutboundScrubbing(t *testing.T) {
	fakes := map[string]*fakeAdapter{
		"a": {id: "a", resp: &Response{Text: "ok"}},
		"b": {id: "b", resp: &Response{Text: "ok"}},
	}
	s := newTestService(t, chainConfig(), fakes, Options{})

	_, err := s.Complete(context.Background(), Request{Messages: []Message{
		{Role: "user", Content: "contact dev@example.com with key sk-abc123def456ghi789"},
	}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got := fakes["a"].captured[0].Content
	if strings.Contains(got, "dev@example.com") || strings.Contains(got, "sk-abc123def456ghi789") {
		t.Errorf("outbound content not scrubbed: %q", got)
	}
}

func TestBudgetRefusalShortCircuits(t *testing.T) {
	mgr := budget.NewManager(config.BudgetConfig{
		PerRequestCap: 5, PerSessionCap: 10, PerDayCap: 10,
		AlertRatio: 0.8, HardStopRatio: 0.9, ExpectedOutput: 100,
	}, t.TempDir()+"/usage.json", nil)

	fakes := map[string]*fakeAdapter{
		"a": {id: "a", resp: &Response{Text: "ok"}},
		"b": {id: "b", resp: &Response{Text: "ok"}},
	}
	s := newTestService(t, chainConfig(), fakes, Options{Budget: mgr})

	_, err := s.Complete(context.Background(), Request{Messages: []Message{
		{Role: "user", Content: strings.Repeat("long prompt ", 100)},
	}})
	if !errs.IsKind(err, errs.KindBudgetExceeded) {
		t.Fatalf("err = %v, want budget_exceeded", err)
	}
	if fakes["a"].callCount() != 0 {
		t.Error("provider called despite budget refusal")
	}
}

func TestCoolingBackoffDoubles(t *testing.T) {
	ct := newCoolingTable()
	base := time.Now()
	ct.now = func() time.Time { return base }

	if d := ct.markFailure("p", 0); d != 30*time.Second {
		t.Errorf("first backoff = %v, want 30s", d)
	}
	if d := ct.markFailure("p", 0); d != 60*time.Second {
		t.Errorf("second backoff = %v, want 60s", d)
	}
	for i := 0; i < 10; i++ {
		ct.markFailure("p", 0)
	}
	if d := ct.markFailure("p", 0); d != 5*time.Minute {
		t.Errorf("capped backoff = %v, want 5m", d)
	}

	// Explicit Retry-After beyond the computed backoff wins.
	ct.markSuccess("p")
	if d := ct.markFailure("p", 2*time.Minute); d != 2*time.Minute {
		t.Errorf("retry-after backoff = %v, want 2m", d)
	}
}

func TestStreamFallback(t *testing.T) {
	fakes := map[string]*fakeAdapter{
		"a": {id: "a", fail: &errs.Error{Kind: errs.KindTransient, Msg: "down"}},
		"b": {id: "b", resp: &Response{Text: "unused"}},
	}
	s := newTestService(t, chainConfig(), fakes, Options{})

	stream, err := s.StreamComplete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "x"}}})
	if err != nil {
		t.Fatalf("StreamComplete: %v", err)
	}
	var parts []string
	for stream.Next() {
		parts = append(parts, stream.Text())
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if strings.Join(parts, "") != "chunk" {
		t.Errorf("stream text = %q", strings.Join(parts, ""))
	}
}
