// Package council runs the governance review: N role perspectives over
// one changeset, each with its own scoped instruction, optional tool
// loop, and structured verdict. Three engines share the interface;
// their outcomes are structurally identical so audit artifacts do not
// depend on the configured engine.
package council

import (
	"context"
	"sync"
	"time"

	"storyguard/internal/ai"
	"storyguard/internal/changeset"
	"storyguard/internal/config"
	"storyguard/internal/errs"
	"storyguard/internal/governance"
	"storyguard/internal/logging"
	"storyguard/internal/tools"
)

// Mode selects what the run's verdict is for.
type Mode string

const (
	// ModeGatekeeper gates a merge: the aggregate verdict is binding.
	ModeGatekeeper Mode = "gatekeeper"
	// ModeConsultative is advisory: findings are reported, the
	// aggregate verdict is always PASS.
	ModeConsultative Mode = "consultative"
)

// Completer is the slice of the AI service the council uses. The
// scheduler serializes calls with its own mutex; implementations need
// not be safe for concurrent mutation.
type Completer interface {
	Complete(ctx context.Context, req ai.Request) (*ai.Response, error)
}

// Suppressor applies exception records to findings before aggregation.
type Suppressor interface {
	Apply(findings []governance.Finding) []governance.Finding
}

// Deps wires the scheduler's collaborators. Tools, Suppress, and
// Emitter may be nil; Resolver must not be, findings are validated
// against it.
type Deps struct {
	AI       Completer
	Tools    *tools.Registry
	Resolver *governance.Resolver
	Suppress Suppressor
	Emitter  *logging.Emitter
}

// RefIDs is the compact governance context injected into every role
// prompt. IDs only; role agents fetch bodies through the retrieval
// tools when they need them.
type RefIDs struct {
	ADRs       []string
	Journeys   []string
	Exceptions []string
}

// Input describes one council run.
type Input struct {
	RunID     string
	Changeset *changeset.Changeset
	// Story is the driving story's ID, or empty.
	Story string
	Refs  RefIDs
	Mode  Mode

	// Question is set on delegated sub-reviews only: the specific
	// request the consulting role wants investigated.
	Question string
}

// Citation is one entry of a role's REFERENCES section.
type Citation struct {
	Ref    string `json:"ref"`
	Reason string `json:"reason,omitempty"`
	Valid  bool   `json:"valid"`
}

// RoleResult is the structured outcome of one role's review.
type RoleResult struct {
	Role    string             `json:"role"`
	Kind    string             `json:"kind"`
	State   State              `json:"state"`
	Verdict governance.Verdict `json:"verdict"`

	Findings   []governance.Finding `json:"findings,omitempty"`
	References []Citation           `json:"references,omitempty"`

	// Dropped counts findings removed because their source did not
	// resolve; DroppedCritical is the block-severity subset.
	Dropped         int `json:"dropped,omitempty"`
	DroppedCritical int `json:"dropped_critical,omitempty"`

	// ValidRefs and InvalidRefs count every citation the role made:
	// finding sources and REFERENCES entries alike.
	ValidRefs   int `json:"valid_refs"`
	InvalidRefs int `json:"invalid_refs"`

	Steps   int  `json:"steps"`
	Chunks  int  `json:"chunks"`
	Skipped bool `json:"skipped,omitempty"`

	// DelegatedTo lists roles this role consulted (adk engine only).
	DelegatedTo []string `json:"delegated_to,omitempty"`

	Error string `json:"error,omitempty"`
}

// Outcome is the aggregate of a council run. Identical across engines.
type Outcome struct {
	RunID   string             `json:"run_id"`
	Engine  string             `json:"engine"`
	Mode    Mode               `json:"mode"`
	Verdict governance.Verdict `json:"verdict"`

	// Findings is the merged, suppressed, sorted stream across roles.
	Findings []governance.Finding `json:"findings"`
	Roles    []RoleResult         `json:"roles"`

	CitationRate      float64 `json:"citation_rate"`
	HallucinationRate float64 `json:"hallucination_rate"`

	ChunkCount int           `json:"chunk_count"`
	Duration   time.Duration `json:"duration"`
}

// Engine runs a full council review. Review returns an Outcome even on
// cancellation so the audit trail records partial progress; the error
// carries the deadline kind in that case.
type Engine interface {
	Name() string
	Review(ctx context.Context, in Input) (*Outcome, error)
}

// New builds the engine named by cfg.Council.Engine.
func New(cfg *config.Config, deps Deps) (Engine, error) {
	if deps.AI == nil {
		return nil, errs.New(errs.KindConfig, "council requires an AI service")
	}
	if deps.Resolver == nil {
		return nil, errs.New(errs.KindConfig, "council requires a reference resolver")
	}
	s := &scheduler{cfg: cfg, deps: deps}
	switch cfg.Council.Engine {
	case "legacy":
		return &legacyEngine{scheduler: s}, nil
	case "", "parallel":
		return &parallelEngine{scheduler: s}, nil
	case "adk":
		return &adkEngine{scheduler: s}, nil
	default:
		return nil, errs.New(errs.KindConfig, "unknown council engine %q", cfg.Council.Engine)
	}
}

// scheduler carries the state shared by every engine: configuration,
// collaborators, and the mutex that serializes provider calls. Role
// workers hold aiMu only for the duration of one Complete call; local
// parsing and tool work happen outside it.
type scheduler struct {
	cfg  *config.Config
	deps Deps

	aiMu sync.Mutex
}

// complete performs one serialized provider call.
func (s *scheduler) complete(ctx context.Context, req ai.Request) (*ai.Response, error) {
	s.aiMu.Lock()
	defer s.aiMu.Unlock()
	return s.deps.AI.Complete(ctx, req)
}

func (s *scheduler) emit(typ logging.EventType, runID string, fields map[string]any) {
	if s.deps.Emitter == nil {
		return
	}
	s.deps.Emitter.Emit(typ, runID, fields)
}

// inputBudget computes the token budget available for conversation
// content: the active model's window minus the system overhead reserve
// and the expected output reserve.
func (s *scheduler) inputBudget() int {
	window := 128000
	if p := s.cfg.AI.ActiveProvider(); p != nil {
		if models := s.cfg.AI.ModelsForProvider(p.ID); len(models) > 0 {
			window = models[0].MaxInputTokens
			for _, m := range models {
				if m.Tier == config.TierStandard {
					window = m.MaxInputTokens
					break
				}
			}
		}
	}
	b := window - s.cfg.Council.SystemOverhead - s.cfg.Budget.ExpectedOutput
	if b < minChunkTokens {
		b = minChunkTokens
	}
	return b
}

// maxSteps is the per-chunk reason-act budget, capped at 10.
func (s *scheduler) maxSteps() int {
	n := s.cfg.Council.MaxSteps
	if n < 1 || n > 10 {
		n = 10
	}
	return n
}

// roleStepCap is the aggregate per-role budget across all chunks.
func (s *scheduler) roleStepCap() int {
	return 3 * s.maxSteps()
}
