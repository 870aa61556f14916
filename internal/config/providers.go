package config

import (
	"storyguard/internal/errs"
)

// Tier buckets models by capability for the router.
type Tier string

const (
	TierLight    Tier = "light"
	TierStandard Tier = "standard"
	TierAdvanced Tier = "advanced"
)

// ProviderDescriptor declares one LLM provider.
type ProviderDescriptor struct {
	ID            string   `yaml:"id"`
	Endpoint      string   `yaml:"endpoint"`
	CredentialRef string   `yaml:"credential_ref"`
	TierList      []Tier   `yaml:"tier_list"`
	ContextWindow int      `yaml:"context_window"`
	CostPer1K     float64  `yaml:"cost_per_1k"`
	Enabled       bool     `yaml:"enabled"`
	// Project is only meaningful for vertex.
	Project string `yaml:"project,omitempty"`

	// Capability bits (§ provider abstraction).
	Streaming          bool `yaml:"streaming"`
	FunctionCalling    bool `yaml:"function_calling"`
	ToolUse            bool `yaml:"tool_use"`
	SystemRoleDistinct bool `yaml:"system_role_distinct"`
}

// ModelDescriptor declares one concrete model in the catalog.
type ModelDescriptor struct {
	Name            string  `yaml:"name"`
	ProviderID      string  `yaml:"provider_id"`
	Tier            Tier    `yaml:"tier"`
	MaxInputTokens  int     `yaml:"max_input_tokens"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`
	CostPer1KIn     float64 `yaml:"cost_per_1k_in"`
	CostPer1KOut    float64 `yaml:"cost_per_1k_out"`
}

// AIConfig holds the provider table, the ordered fallback chain, and
// the model catalog.
type AIConfig struct {
	// Active names the single provider requests go to first.
	Active string `yaml:"active"`
	// Fallbacks is an ordered, duplicate-free sequence that never
	// contains the active provider.
	Fallbacks []string             `yaml:"fallbacks"`
	Providers []ProviderDescriptor `yaml:"providers"`
	Models    []ModelDescriptor    `yaml:"models"`
	Timeout   string               `yaml:"timeout"`
}

// CredentialEnvVars maps provider ids to their canonical environment
// variable. The secret store falls back to these names.
var CredentialEnvVars = map[string]string{
	"gemini":    "GEMINI_API_KEY",
	"vertex":    "GOOGLE_CLOUD_PROJECT",
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"gh":        "GITHUB_TOKEN",
	"ollama":    "OLLAMA_HOST",
}

func defaultAIConfig() AIConfig {
	return AIConfig{
		Active:    "gemini",
		Fallbacks: []string{"anthropic", "openai"},
		Timeout:   "120s",
		Providers: []ProviderDescriptor{
			{
				ID: "gemini", Endpoint: "https://generativelanguage.googleapis.com",
				CredentialRef: "gemini/api_key", TierList: []Tier{TierLight, TierStandard, TierAdvanced},
				ContextWindow: 1048576, CostPer1K: 0.0003, Enabled: true,
				Streaming: true, FunctionCalling: true, ToolUse: true, SystemRoleDistinct: true,
			},
			{
				ID: "vertex", Endpoint: "",
				CredentialRef: "vertex/project", TierList: []Tier{TierLight, TierStandard, TierAdvanced},
				ContextWindow: 1048576, CostPer1K: 0.0003, Enabled: false,
				Streaming: true, FunctionCalling: true, ToolUse: true, SystemRoleDistinct: true,
			},
			{
				ID: "openai", Endpoint: "https://api.openai.com/v1",
				CredentialRef: "openai/api_key", TierList: []Tier{TierLight, TierStandard, TierAdvanced},
				ContextWindow: 1047576, CostPer1K: 0.002, Enabled: true,
				Streaming: true, FunctionCalling: true, ToolUse: true, SystemRoleDistinct: true,
			},
			{
				ID: "anthropic", Endpoint: "https://api.anthropic.com",
				CredentialRef: "anthropic/api_key", TierList: []Tier{TierLight, TierStandard, TierAdvanced},
				ContextWindow: 200000, CostPer1K: 0.003, Enabled: true,
				Streaming: true, FunctionCalling: true, ToolUse: true, SystemRoleDistinct: true,
			},
			{
				ID: "gh", Endpoint: "https://models.github.ai/inference",
				CredentialRef: "gh/token", TierList: []Tier{TierLight, TierStandard},
				ContextWindow: 128000, CostPer1K: 0, Enabled: false,
				Streaming: true, FunctionCalling: true, ToolUse: true, SystemRoleDistinct: true,
			},
			{
				ID: "ollama", Endpoint: "http://localhost:11434",
				CredentialRef: "", TierList: []Tier{TierLight, TierStandard},
				ContextWindow: 32768, CostPer1K: 0, Enabled: false,
				Streaming: true, FunctionCalling: false, ToolUse: false, SystemRoleDistinct: true,
			},
		},
		Models: []ModelDescriptor{
			{Name: "gemini-2.5-flash-lite", ProviderID: "gemini", Tier: TierLight,
				MaxInputTokens: 1048576, MaxOutputTokens: 8192, CostPer1KIn: 0.0001, CostPer1KOut: 0.0004},
			{Name: "gemini-2.5-flash", ProviderID: "gemini", Tier: TierStandard,
				MaxInputTokens: 1048576, MaxOutputTokens: 65536, CostPer1KIn: 0.0003, CostPer1KOut: 0.0025},
			{Name: "gemini-2.5-pro", ProviderID: "gemini", Tier: TierAdvanced,
				MaxInputTokens: 1048576, MaxOutputTokens: 65536, CostPer1KIn: 0.00125, CostPer1KOut: 0.01},

			{Name: "gemini-2.5-flash-lite", ProviderID: "vertex", Tier: TierLight,
				MaxInputTokens: 1048576, MaxOutputTokens: 8192, CostPer1KIn: 0.0001, CostPer1KOut: 0.0004},
			{Name: "gemini-2.5-flash", ProviderID: "vertex", Tier: TierStandard,
				MaxInputTokens: 1048576, MaxOutputTokens: 65536, CostPer1KIn: 0.0003, CostPer1KOut: 0.0025},
			{Name: "gemini-2.5-pro", ProviderID: "vertex", Tier: TierAdvanced,
				MaxInputTokens: 1048576, MaxOutputTokens: 65536, CostPer1KIn: 0.00125, CostPer1KOut: 0.01},

			{Name: "gpt-4.1-mini", ProviderID: "openai", Tier: TierLight,
				MaxInputTokens: 1047576, MaxOutputTokens: 32768, CostPer1KIn: 0.0004, CostPer1KOut: 0.0016},
			{Name: "gpt-4.1", ProviderID: "openai", Tier: TierStandard,
				MaxInputTokens: 1047576, MaxOutputTokens: 32768, CostPer1KIn: 0.002, CostPer1KOut: 0.008},
			{Name: "o3", ProviderID: "openai", Tier: TierAdvanced,
				MaxInputTokens: 200000, MaxOutputTokens: 100000, CostPer1KIn: 0.002, CostPer1KOut: 0.008},

			{Name: "claude-3-5-haiku-latest", ProviderID: "anthropic", Tier: TierLight,
				MaxInputTokens: 200000, MaxOutputTokens: 8192, CostPer1KIn: 0.0008, CostPer1KOut: 0.004},
			{Name: "claude-sonnet-4-20250514", ProviderID: "anthropic", Tier: TierStandard,
				MaxInputTokens: 200000, MaxOutputTokens: 64000, CostPer1KIn: 0.003, CostPer1KOut: 0.015},
			{Name: "claude-opus-4-20250514", ProviderID: "anthropic", Tier: TierAdvanced,
				MaxInputTokens: 200000, MaxOutputTokens: 32000, CostPer1KIn: 0.015, CostPer1KOut: 0.075},

			{Name: "openai/gpt-4.1-mini", ProviderID: "gh", Tier: TierLight,
				MaxInputTokens: 128000, MaxOutputTokens: 16384, CostPer1KIn: 0, CostPer1KOut: 0},
			{Name: "openai/gpt-4.1", ProviderID: "gh", Tier: TierStandard,
				MaxInputTokens: 128000, MaxOutputTokens: 16384, CostPer1KIn: 0, CostPer1KOut: 0},

			{Name: "llama3.2", ProviderID: "ollama", Tier: TierLight,
				MaxInputTokens: 32768, MaxOutputTokens: 8192, CostPer1KIn: 0, CostPer1KOut: 0},
			{Name: "qwen2.5-coder", ProviderID: "ollama", Tier: TierStandard,
				MaxInputTokens: 32768, MaxOutputTokens: 8192, CostPer1KIn: 0, CostPer1KOut: 0},
		},
	}
}

func (a *AIConfig) provider(id string) *ProviderDescriptor {
	for i := range a.Providers {
		if a.Providers[i].ID == id {
			return &a.Providers[i]
		}
	}
	return nil
}

// Provider returns the descriptor for id, or nil.
func (a *AIConfig) Provider(id string) *ProviderDescriptor { return a.provider(id) }

// ActiveProvider returns the single active descriptor.
func (a *AIConfig) ActiveProvider() *ProviderDescriptor { return a.provider(a.Active) }

// Chain returns the active provider followed by the fallback sequence,
// skipping disabled entries.
func (a *AIConfig) Chain() []*ProviderDescriptor {
	out := make([]*ProviderDescriptor, 0, 1+len(a.Fallbacks))
	if p := a.provider(a.Active); p != nil && p.Enabled {
		out = append(out, p)
	}
	for _, id := range a.Fallbacks {
		if p := a.provider(id); p != nil && p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// ModelsForProvider returns catalog entries for one provider.
func (a *AIConfig) ModelsForProvider(id string) []ModelDescriptor {
	var out []ModelDescriptor
	for _, m := range a.Models {
		if m.ProviderID == id {
			out = append(out, m)
		}
	}
	return out
}

// Model finds a catalog entry by name, preferring the active provider
// when two providers serve the same model name.
func (a *AIConfig) Model(name string) *ModelDescriptor {
	var found *ModelDescriptor
	for i := range a.Models {
		m := &a.Models[i]
		if m.Name != name {
			continue
		}
		if m.ProviderID == a.Active {
			return m
		}
		if found == nil {
			found = m
		}
	}
	return found
}

func (a *AIConfig) validate() error {
	if a.provider(a.Active) == nil {
		return errs.New(errs.KindConfig, "ai.active names unknown provider %q", a.Active)
	}
	seen := map[string]bool{a.Active: true}
	for _, id := range a.Fallbacks {
		if id == a.Active {
			return errs.New(errs.KindConfig, "ai.fallbacks must not contain the active provider %q", id)
		}
		if seen[id] {
			return errs.New(errs.KindConfig, "ai.fallbacks contains duplicate %q", id)
		}
		if a.provider(id) == nil {
			return errs.New(errs.KindConfig, "ai.fallbacks names unknown provider %q", id)
		}
		seen[id] = true
	}
	for _, m := range a.Models {
		switch m.Tier {
		case TierLight, TierStandard, TierAdvanced:
		default:
			return errs.New(errs.KindConfig, "model %q has invalid tier %q", m.Name, m.Tier)
		}
		if a.provider(m.ProviderID) == nil {
			return errs.New(errs.KindConfig, "model %q references unknown provider %q", m.Name, m.ProviderID)
		}
	}
	return nil
}
