package ai

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"storyguard/internal/budget"
	"storyguard/internal/config"
	"storyguard/internal/errs"
	"storyguard/internal/logging"
	"storyguard/internal/scrub"
	"storyguard/internal/secrets"
)

// Options wires the service's collaborators. Any field may be nil;
// the corresponding behavior (vault lookup, budget enforcement,
// events, router feedback) is skipped.
type Options struct {
	Vault   *secrets.Vault
	Budget  *budget.Manager
	Emitter *logging.Emitter
	Observe func(provider string, latency time.Duration)
}

// Service is the single entry point for completions. It walks the
// configured provider chain, cooling failed providers and falling
// forward on transient errors.
type Service struct {
	cfg     *config.AIConfig
	vault   *secrets.Vault
	budget  *budget.Manager
	emitter *logging.Emitter
	observe func(string, time.Duration)

	metrics *Metrics
	cooling *coolingTable

	mu       sync.Mutex
	adapters map[string]Adapter
	factory  func(p *config.ProviderDescriptor) Adapter
}

func New(cfg *config.AIConfig, opts Options) *Service {
	s := &Service{
		cfg:      cfg,
		vault:    opts.Vault,
		budget:   opts.Budget,
		emitter:  opts.Emitter,
		observe:  opts.Observe,
		metrics:  newMetrics(),
		cooling:  newCoolingTable(),
		adapters: make(map[string]Adapter),
	}
	s.factory = s.buildAdapter
	return s
}

// Metrics exposes the per-provider counters for reporting.
func (s *Service) Metrics() *Metrics { return s.metrics }

func capsOf(p *config.ProviderDescriptor) Capabilities {
	return Capabilities{
		Streaming:          p.Streaming,
		FunctionCalling:    p.FunctionCalling,
		ToolUse:            p.ToolUse,
		SystemRoleDistinct: p.SystemRoleDistinct,
	}
}

// credentialFor resolves a provider's credential from the vault with
// environment fallback. CredentialRef is "service/key".
func (s *Service) credentialFor(p *config.ProviderDescriptor) func(ctx context.Context) (string, error) {
	ref := p.CredentialRef
	return func(ctx context.Context) (string, error) {
		if ref == "" {
			return "", nil
		}
		service, key := ref, "api_key"
		if i := strings.IndexByte(ref, '/'); i >= 0 {
			service, key = ref[:i], ref[i+1:]
		}
		return s.vault.GetOrEnv(service, key)
	}
}

func (s *Service) buildAdapter(p *config.ProviderDescriptor) Adapter {
	caps := capsOf(p)
	switch p.ID {
	case "gemini":
		return newGeminiClient(p.Endpoint, caps, s.credentialFor(p))
	case "vertex":
		return newVertexClient(p.Project, caps)
	case "openai":
		return newOpenAIClient("openai", p.Endpoint, caps, s.credentialFor(p))
	case "anthropic":
		return newAnthropicClient(p.Endpoint, caps, s.credentialFor(p))
	case "gh":
		return newGitHubClient(p.Endpoint, caps, s.credentialFor(p))
	case "ollama":
		return newOllamaClient(p.Endpoint, caps)
	default:
		// Unknown IDs are assumed OpenAI-compatible; most gateways are.
		return newOpenAIClient(p.ID, p.Endpoint, caps, s.credentialFor(p))
	}
}

// adapter returns the initialized adapter for a provider, building it
// on first use.
func (s *Service) adapter(ctx context.Context, p *config.ProviderDescriptor) (Adapter, error) {
	s.mu.Lock()
	ad, ok := s.adapters[p.ID]
	s.mu.Unlock()
	if ok {
		return ad, nil
	}

	ad = s.factory(p)
	if err := ad.Initialize(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.adapters[p.ID] = ad
	s.mu.Unlock()
	return ad, nil
}

func scrubMessages(in []Message) []Message {
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = Message{Role: m.Role, Content: scrub.Scrub(m.Content)}
	}
	return out
}

func toTurns(msgs []Message) []budget.Turn {
	turns := make([]budget.Turn, len(msgs))
	for i, m := range msgs {
		turns[i] = budget.Turn{Role: m.Role, Content: m.Content}
	}
	return turns
}

// modelFor maps the requested model onto provider p: kept when it is
// already p's, otherwise replaced by p's model of the same tier.
func (s *Service) modelFor(p *config.ProviderDescriptor, requested string) string {
	if requested != "" {
		if m := s.cfg.Model(requested); m != nil && m.ProviderID == p.ID {
			return requested
		}
	}
	tier := config.TierStandard
	if requested != "" {
		if m := s.cfg.Model(requested); m != nil {
			tier = m.Tier
		}
	}
	candidates := s.cfg.ModelsForProvider(p.ID)
	for _, m := range candidates {
		if m.Tier == tier {
			return m.Name
		}
	}
	if len(candidates) > 0 {
		return candidates[0].Name
	}
	return requested
}

func (s *Service) costFor(model string, in, out int) float64 {
	m := s.cfg.Model(model)
	if m == nil {
		return 0
	}
	return float64(in)/1000*m.CostPer1KIn + float64(out)/1000*m.CostPer1KOut
}

func retryAfterOf(err error) time.Duration {
	var e *errs.Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// Complete walks the provider chain until one answers. Outbound text
// is scrubbed and the request must clear the token budget first.
func (s *Service) Complete(ctx context.Context, req Request) (*Response, error) {
	req.Messages = scrubMessages(req.Messages)

	if s.budget != nil {
		if err := s.budget.CheckRequest(budget.EstimateTurns(toTurns(req.Messages))); err != nil {
			return nil, err
		}
	}

	chain := s.cfg.Chain()
	if len(chain) == 0 {
		return nil, errs.New(errs.KindConfig, "no enabled providers")
	}

	var minCooldown time.Duration
	for i, p := range chain {
		if cooling, remaining := s.cooling.cooling(p.ID); cooling {
			if minCooldown == 0 || remaining < minCooldown {
				minCooldown = remaining
			}
			s.emitFallback(p.ID, nextID(chain, i), "cooling")
			continue
		}

		ad, err := s.adapter(ctx, p)
		if err != nil {
			if i == 0 {
				return nil, err
			}
			s.emitFallback(p.ID, nextID(chain, i), "init: "+string(errs.KindOf(err)))
			continue
		}

		attempt := req
		attempt.Model = s.modelFor(p, req.Model)

		resp, err := ad.Complete(ctx, attempt)
		if err == nil {
			s.finishCall(p.ID, attempt.Model, resp)
			return resp, nil
		}

		switch errs.KindOf(err) {
		case errs.KindTransient, errs.KindInternal:
			backoff := s.cooling.markFailure(p.ID, retryAfterOf(err))
			if minCooldown == 0 || backoff < minCooldown {
				minCooldown = backoff
			}
			s.metrics.record(p.ID, 0, 0, 0, true)
			s.emitFallback(p.ID, nextID(chain, i), err.Error())
			logging.AI("provider %s failed (%v), cooling %s", p.ID, err, backoff)
		case errs.KindDeadline:
			return nil, err
		default:
			// Auth and malformed requests fail fast; retrying the same
			// broken input elsewhere wastes budget.
			s.metrics.record(p.ID, 0, 0, 0, true)
			return nil, err
		}
	}

	return nil, &errs.Error{
		Kind:       errs.KindTransient,
		Msg:        "all providers exhausted or cooling",
		RetryAfter: minCooldown,
	}
}

// StreamComplete is Complete for streaming consumers. The returned
// stream is finite and cannot be restarted.
func (s *Service) StreamComplete(ctx context.Context, req Request) (*Stream, error) {
	req.Messages = scrubMessages(req.Messages)

	if s.budget != nil {
		if err := s.budget.CheckRequest(budget.EstimateTurns(toTurns(req.Messages))); err != nil {
			return nil, err
		}
	}

	chain := s.cfg.Chain()
	if len(chain) == 0 {
		return nil, errs.New(errs.KindConfig, "no enabled providers")
	}

	var minCooldown time.Duration
	for i, p := range chain {
		if cooling, remaining := s.cooling.cooling(p.ID); cooling {
			if minCooldown == 0 || remaining < minCooldown {
				minCooldown = remaining
			}
			continue
		}
		if !p.Streaming {
			continue
		}

		ad, err := s.adapter(ctx, p)
		if err != nil {
			if i == 0 {
				return nil, err
			}
			continue
		}

		attempt := req
		attempt.Model = s.modelFor(p, req.Model)

		stream, err := ad.StreamComplete(ctx, attempt)
		if err == nil {
			s.cooling.markSuccess(p.ID)
			s.metrics.record(p.ID, 0, budget.EstimateTurns(toTurns(attempt.Messages)), 0, false)
			return stream, nil
		}

		switch errs.KindOf(err) {
		case errs.KindTransient, errs.KindInternal:
			backoff := s.cooling.markFailure(p.ID, retryAfterOf(err))
			if minCooldown == 0 || backoff < minCooldown {
				minCooldown = backoff
			}
			s.emitFallback(p.ID, nextID(chain, i), err.Error())
		case errs.KindDeadline:
			return nil, err
		default:
			return nil, err
		}
	}

	return nil, &errs.Error{
		Kind:       errs.KindTransient,
		Msg:        "all providers exhausted or cooling",
		RetryAfter: minCooldown,
	}
}

// finishCall records success bookkeeping for a completed call.
func (s *Service) finishCall(provider, model string, resp *Response) {
	s.cooling.markSuccess(provider)
	s.metrics.record(provider, resp.Latency, resp.InputTokens, resp.OutputTokens, false)
	if s.observe != nil {
		s.observe(provider, resp.Latency)
	}
	if s.budget != nil {
		cost := s.costFor(model, resp.InputTokens, resp.OutputTokens)
		if err := s.budget.Record(model, resp.InputTokens, resp.OutputTokens, cost); err != nil {
			logging.AI("usage persistence failed: %v", err)
		}
	}
	logging.Get(logging.CategoryAI).StructuredLog("info", "completion", map[string]any{
		"provider":   provider,
		"model":      model,
		"tokens_in":  resp.InputTokens,
		"tokens_out": resp.OutputTokens,
		"latency_ms": resp.Latency.Milliseconds(),
		"status":     "ok",
	})
}

func (s *Service) emitFallback(from, to, reason string) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(logging.EventProviderFallback, "", map[string]any{
		"from": from, "to": to, "reason": reason,
	})
}

func nextID(chain []*config.ProviderDescriptor, i int) string {
	if i+1 < len(chain) {
		return chain[i+1].ID
	}
	return ""
}

// ListModels returns the models visible per enabled provider, falling
// back to the configured catalog when discovery fails.
func (s *Service) ListModels(ctx context.Context) map[string][]string {
	out := make(map[string][]string)
	for _, p := range s.cfg.Chain() {
		ad, err := s.adapter(ctx, p)
		if err == nil {
			if models, err := ad.ListModels(ctx); err == nil && len(models) > 0 {
				out[p.ID] = models
				continue
			}
		}
		var names []string
		for _, m := range s.cfg.ModelsForProvider(p.ID) {
			names = append(names, m.Name)
		}
		out[p.ID] = names
	}
	return out
}

// HealthCheck probes every enabled provider.
func (s *Service) HealthCheck(ctx context.Context) map[string]error {
	out := make(map[string]error)
	for _, p := range s.cfg.Chain() {
		ad, err := s.adapter(ctx, p)
		if err != nil {
			out[p.ID] = err
			continue
		}
		out[p.ID] = ad.HealthCheck(ctx)
	}
	return out
}
