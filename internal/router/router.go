// Package router maps task complexity and cost preference to a
// concrete model from the configured catalog.
package router

import (
	"time"

	"storyguard/internal/budget"
	"storyguard/internal/config"
	"storyguard/internal/errs"
)

// CostPreference biases tier selection.
type CostPreference string

const (
	PreferMinimize    CostPreference = "minimize"
	PreferBalance     CostPreference = "balance"
	PreferPerformance CostPreference = "performance"
)

// Request describes what the caller needs from a model.
type Request struct {
	TaskComplexity int // 0..100
	CostPreference CostPreference
	RequireToolUse bool
}

// TaskKind feeds the task-type factor of complexity scoring.
type TaskKind string

const (
	TaskDocs         TaskKind = "docs"
	TaskReview       TaskKind = "review"
	TaskGatekeeper   TaskKind = "gatekeeper"
	TaskRefactor     TaskKind = "refactor"
	TaskGeneration   TaskKind = "generation"
	TaskArchitecture TaskKind = "architecture"
)

var taskTypeScore = map[TaskKind]int{
	TaskDocs:         10,
	TaskReview:       50,
	TaskGatekeeper:   60,
	TaskRefactor:     70,
	TaskGeneration:   80,
	TaskArchitecture: 90,
}

// Sample carries the measurable properties of a task for scoring.
type Sample struct {
	Text             string
	StructuralDepth  int // max nesting observed in the diff
	LanguageFeatures int // distinct language constructs touched
	Task             TaskKind
}

// ScoreComplexity combines the four factors into a 0..100 score with
// weights 40/25/20/15 (token length, structural depth, language
// features, task type).
func ScoreComplexity(s Sample) int {
	tokens := budget.EstimateTokens(s.Text)
	tokenScore := clamp100(tokens / 100) // 10k tokens saturates
	depthScore := clamp100(s.StructuralDepth * 10)
	featScore := clamp100(s.LanguageFeatures * 5)
	taskScore, ok := taskTypeScore[s.Task]
	if !ok {
		taskScore = 50
	}

	score := (tokenScore*40 + depthScore*25 + featScore*20 + taskScore*15) / 100
	return clamp100(score)
}

func clamp100(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

// Router selects models from the configured catalog, using observed
// call latency as the final tie-break.
type Router struct {
	ai      *config.AIConfig
	latency *latencyWindow
}

func New(ai *config.AIConfig) *Router {
	return &Router{ai: ai, latency: newLatencyWindow()}
}

// Observe feeds a completed call's latency into the rolling window.
func (r *Router) Observe(provider string, d time.Duration) {
	r.latency.observe(provider, d)
}

// Route picks the cheapest capable model for the request's tier,
// falling back to the nearest lower tier when the catalog has no
// model at the mapped tier.
func (r *Router) Route(req Request) (config.ModelDescriptor, error) {
	tier := tierFor(req.TaskComplexity, req.CostPreference)

	for {
		if m, ok := r.pick(tier, req.RequireToolUse); ok {
			return m, nil
		}
		next, ok := lowerTier(tier)
		if !ok {
			return config.ModelDescriptor{}, errs.New(errs.KindConfig,
				"no enabled model satisfies tier %q (tool_use=%v)", tier, req.RequireToolUse)
		}
		tier = next
	}
}

func tierFor(complexity int, pref CostPreference) config.Tier {
	complexity = clamp100(complexity)
	var tier config.Tier
	switch {
	case complexity < 30:
		tier = config.TierLight
	case complexity <= 70:
		tier = config.TierStandard
	default:
		tier = config.TierAdvanced
	}

	switch pref {
	case PreferMinimize:
		// Low-complexity work is always routed light, whatever tier
		// the mapping produced.
		if complexity < 30 {
			return config.TierLight
		}
		if t, ok := lowerTier(tier); ok {
			return t
		}
	case PreferPerformance:
		if t, ok := higherTier(tier); ok {
			return t
		}
	}
	return tier
}

func lowerTier(t config.Tier) (config.Tier, bool) {
	switch t {
	case config.TierAdvanced:
		return config.TierStandard, true
	case config.TierStandard:
		return config.TierLight, true
	default:
		return t, false
	}
}

func higherTier(t config.Tier) (config.Tier, bool) {
	switch t {
	case config.TierLight:
		return config.TierStandard, true
	case config.TierStandard:
		return config.TierAdvanced, true
	default:
		return t, false
	}
}

// pick returns the best candidate at exactly the given tier.
func (r *Router) pick(tier config.Tier, needTools bool) (config.ModelDescriptor, bool) {
	var (
		best  config.ModelDescriptor
		found bool
	)
	for _, m := range r.ai.Models {
		if m.Tier != tier {
			continue
		}
		p := r.ai.Provider(m.ProviderID)
		if p == nil || !p.Enabled {
			continue
		}
		if needTools && !p.ToolUse && !p.FunctionCalling {
			continue
		}
		if !found || r.less(m, best) {
			best = m
			found = true
		}
	}
	return best, found
}

// less orders candidates by input cost, then provider p95 latency,
// then name for determinism.
func (r *Router) less(a, b config.ModelDescriptor) bool {
	if a.CostPer1KIn != b.CostPer1KIn {
		return a.CostPer1KIn < b.CostPer1KIn
	}
	pa, pb := r.latency.p95(a.ProviderID), r.latency.p95(b.ProviderID)
	if pa != pb {
		return pa < pb
	}
	return a.Name < b.Name
}
