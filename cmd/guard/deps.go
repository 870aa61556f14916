package main

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"

	"storyguard/internal/ai"
	"storyguard/internal/audit"
	"storyguard/internal/budget"
	"storyguard/internal/changeset"
	"storyguard/internal/council"
	"storyguard/internal/embedding"
	"storyguard/internal/exceptions"
	"storyguard/internal/governance"
	"storyguard/internal/journey"
	"storyguard/internal/logging"
	"storyguard/internal/preflight"
	"storyguard/internal/router"
	"storyguard/internal/secrets"
	"storyguard/internal/store"
	"storyguard/internal/tools"
)

// masterKeyEnv unlocks the secret vault in non-interactive runs.
const masterKeyEnv = "STORYGUARD_MASTER_KEY"

// runtime bundles the collaborators one command invocation shares.
// Store and emitter are opened eagerly; the vault only when a master
// key is available, since every consumer degrades to env lookups.
type runtime struct {
	store   *store.Store
	emitter *logging.Emitter
	vault   *secrets.Vault
	budget  *budget.Manager
	router  *router.Router
	ai      *ai.Service
}

func newRuntime() (*runtime, error) {
	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return nil, err
	}

	emitter, err := logging.NewEmitter(cfg.LogsDir())
	if err != nil {
		logger.Warn("event log unavailable", zap.Error(err))
		emitter = nil
	}

	rt := &runtime{
		store:   st,
		emitter: emitter,
		vault:   openVault(),
		router:  router.New(&cfg.AI),
	}
	rt.budget = budget.NewManager(cfg.Budget, cfg.UsagePath(), emitter)
	rt.ai = ai.New(&cfg.AI, ai.Options{
		Vault:   rt.vault,
		Budget:  rt.budget,
		Emitter: emitter,
		Observe: rt.router.Observe,
	})
	return rt, nil
}

func (r *runtime) Close() {
	if r.vault != nil {
		r.vault.Close()
	}
	if r.emitter != nil {
		_ = r.emitter.Close()
	}
	if r.store != nil {
		_ = r.store.Close()
	}
}

// openVault unlocks the vault when one exists and the master key is in
// the environment. A nil vault is fine everywhere downstream: secret
// lookups fall back to canonical env vars.
func openVault() *secrets.Vault {
	if !secrets.Exists(cfg.SecretsDir()) {
		return nil
	}
	master := os.Getenv(masterKeyEnv)
	if master == "" {
		logging.Secrets("vault present but %s unset, using env credentials", masterKeyEnv)
		return nil
	}
	v, err := secrets.Open(cfg.SecretsDir(), master)
	if err != nil {
		logger.Warn("vault locked", zap.Error(err))
		return nil
	}
	return v
}

// completer adapts the AI service for the council: requests that name
// no model are routed through the task router first.
func (r *runtime) completer(task router.TaskKind) council.Completer {
	return routedCompleter{svc: r.ai, rt: r.router, task: task, pref: costPreference()}
}

func costPreference() router.CostPreference {
	switch costPref {
	case "minimize":
		return router.PreferMinimize
	case "performance":
		return router.PreferPerformance
	default:
		return router.PreferBalance
	}
}

// routedCompleter scores each request's own prompt text and fills the
// Model field from the catalog. Routing failures are not fatal; the
// service falls back to the provider's default model.
type routedCompleter struct {
	svc  *ai.Service
	rt   *router.Router
	task router.TaskKind
	pref router.CostPreference
}

func (c routedCompleter) Complete(ctx context.Context, req ai.Request) (*ai.Response, error) {
	if req.Model == "" {
		var text strings.Builder
		for _, m := range req.Messages {
			text.WriteString(m.Content)
			text.WriteByte('\n')
		}
		model, err := c.rt.Route(router.Request{
			TaskComplexity: router.ScoreComplexity(router.Sample{Text: text.String(), Task: c.task}),
			CostPreference: c.pref,
			RequireToolUse: len(req.Tools) > 0,
		})
		if err != nil {
			logging.AIDebug("router declined, provider default applies: %v", err)
		} else {
			req.Model = model.Name
		}
	}
	return c.svc.Complete(ctx, req)
}

// resolver builds the citation resolver over the workspace artifacts.
func resolver() *governance.Resolver {
	return &governance.Resolver{
		Workspace:    cfg.Workspace,
		ADRDir:       cfg.ADRDir(),
		JourneyDir:   cfg.JourneyDir(),
		ExceptionDir: cfg.ExceptionDir(),
	}
}

// embedder builds the configured embedding engine, or nil when the
// provider is disabled or misconfigured. Retrieval degrades to text
// search without one.
func (r *runtime) embedder(ctx context.Context) embedding.Engine {
	if cfg.Embedding.Provider == "" || cfg.Embedding.Provider == "none" {
		return nil
	}
	eng, err := embedding.New(ctx, cfg.Embedding, r.vault)
	if err != nil {
		logger.Warn("embedding engine unavailable", zap.Error(err))
		return nil
	}
	return eng
}

// toolRegistry is the read-only retrieval set offered to council roles.
func (r *runtime) toolRegistry(ctx context.Context) *tools.Registry {
	return tools.NewDefaultRegistry(tools.Deps{
		Root:       cfg.Workspace,
		ADRDir:     cfg.ADRDir(),
		JourneyDir: cfg.JourneyDir(),
		Store:      r.store,
		Embedder:   r.embedder(ctx),
		Emitter:    r.emitter,
	})
}

// journeyIndex returns the reverse index backed by the run's store.
func (r *runtime) journeyIndex() *journey.Index {
	return journey.NewIndex(cfg.Workspace, cfg.JourneyDir(), r.store, r.emitter)
}

// preflightDeps assembles the full gate pipeline. Source selects the
// changeset: a --diff path (or "-" for stdin) wins over the default
// git diff against --base.
func (r *runtime) preflightDeps(ctx context.Context, diffPath string, task router.TaskKind) (preflight.Deps, error) {
	exc, err := exceptions.Load(cfg.ExceptionDir(), r.emitter)
	if err != nil {
		return preflight.Deps{}, err
	}

	counc, err := council.New(cfg, council.Deps{
		AI:       r.completer(task),
		Tools:    r.toolRegistry(ctx),
		Resolver: resolver(),
		Suppress: exc,
		Emitter:  r.emitter,
	})
	if err != nil {
		return preflight.Deps{}, err
	}

	var source changeset.Source
	if diffPath != "" {
		source = changeset.FileSource{Path: diffPath}
	}

	return preflight.Deps{
		Source:     source,
		Index:      r.journeyIndex(),
		Exceptions: exc,
		Council:    counc,
		Store:      r.store,
		Audit:      audit.NewLogger(cfg.AuditDir()),
		Emitter:    r.emitter,
	}, nil
}
