// Package config merges flags, environment variables, and layered YAML
// into one typed view consumed by every governance component.
// Precedence: explicit flags > environment > .agent/config.yaml > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"storyguard/internal/errs"
)

// AgentDir is the repo-local state directory everything lives under.
const AgentDir = ".agent"

// Config holds all storyguard configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Workspace is the project root; not serialized, set at load time.
	Workspace string `yaml:"-"`

	AI        AIConfig        `yaml:"ai"`
	Budget    BudgetConfig    `yaml:"budget"`
	Council   CouncilConfig   `yaml:"council"`
	Lint      LintConfig      `yaml:"lint"`
	Journeys  JourneyConfig   `yaml:"journeys"`
	Sync      SyncConfig      `yaml:"sync"`
	Logging   LoggingConfig   `yaml:"logging"`
	Embedding EmbeddingConfig `yaml:"embedding"`
}

// LoggingConfig mirrors what internal/logging reads from disk.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories,omitempty"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// BudgetConfig caps token consumption per request, session, and day.
type BudgetConfig struct {
	PerRequestCap int     `yaml:"per_request_cap"`
	PerSessionCap int     `yaml:"per_session_cap"`
	PerDayCap     int     `yaml:"per_day_cap"`
	AlertRatio    float64 `yaml:"alert_ratio"`
	HardStopRatio float64 `yaml:"hard_stop_ratio"`
	// ExpectedOutput is the planning reserve for a model reply.
	ExpectedOutput int `yaml:"expected_output"`
}

// CouncilConfig drives the scheduler.
type CouncilConfig struct {
	// Engine ∈ {legacy, parallel, adk}.
	Engine             string       `yaml:"engine"`
	MaxParallel        int          `yaml:"max_parallel"`
	MaxSteps           int          `yaml:"max_steps"`
	Deadline           string       `yaml:"deadline"`
	FailFast           bool         `yaml:"fail_fast"`
	MaxDelegationDepth int          `yaml:"max_delegation_depth"`
	SystemOverhead     int          `yaml:"system_overhead"`
	Roles              []RoleConfig `yaml:"roles"`
}

// RoleConfig declares one governance perspective.
type RoleConfig struct {
	Name              string   `yaml:"name"`
	FocusArea         string   `yaml:"focus_area"`
	SystemInstruction string   `yaml:"system_instruction"`
	GovernanceChecks  []string `yaml:"governance_checks"`
	RelevantPathsGlob []string `yaml:"relevant_paths_glob"`
	// Kind ∈ {gatekeeper, consultative}.
	Kind            string `yaml:"kind"`
	MayRequestTools bool   `yaml:"may_request_tools"`
	MayDelegate     bool   `yaml:"may_delegate"`
}

// LintConfig drives the ADR lint engine and external linters.
type LintConfig struct {
	RuleTimeout     string   `yaml:"rule_timeout"`
	ExternalLinters []string `yaml:"external_linters"`
}

// JourneyConfig drives the reverse index.
type JourneyConfig struct {
	BroadPatternThreshold int `yaml:"broad_pattern_threshold"`
	// GatePhase 1 warns on missing tests for committed/accepted
	// journeys, phase 2 blocks.
	GatePhase int  `yaml:"gate_phase"`
	Watch     bool `yaml:"watch"`
}

// SyncConfig configures the artifact import/export port.
type SyncConfig struct {
	// Target is a directory path for the local port implementation.
	Target string `yaml:"target"`
}

// EmbeddingConfig selects the engine behind semantic_lookup.
type EmbeddingConfig struct {
	// Provider ∈ {none, gemini, ollama}.
	Provider       string `yaml:"provider"`
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GeminiModel    string `yaml:"gemini_model"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "storyguard",
		Version: "1.0.0",

		AI: defaultAIConfig(),

		Budget: BudgetConfig{
			PerRequestCap:  32000,
			PerSessionCap:  500000,
			PerDayCap:      2000000,
			AlertRatio:     0.80,
			HardStopRatio:  0.95,
			ExpectedOutput: 4096,
		},

		Council: CouncilConfig{
			Engine:             "parallel",
			MaxParallel:        3,
			MaxSteps:           10,
			Deadline:           "10m",
			FailFast:           false,
			MaxDelegationDepth: 2,
			SystemOverhead:     2048,
			Roles:              DefaultRoles(),
		},

		Lint: LintConfig{
			RuleTimeout:     "5s",
			ExternalLinters: []string{"ruff", "eslint", "shellcheck"},
		},

		Journeys: JourneyConfig{
			BroadPatternThreshold: 100,
			GatePhase:             1,
		},

		Sync: SyncConfig{},

		Logging: LoggingConfig{
			Level: "info",
		},

		Embedding: EmbeddingConfig{
			Provider:       "none",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "nomic-embed-text",
			GeminiModel:    "gemini-embedding-001",
		},
	}
}

// Load reads .agent/config.yaml under workspace, merging file values
// over defaults and environment variables over both.
func Load(workspace string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.Workspace = workspace

	path := filepath.Join(workspace, AgentDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.Validate()
		}
		return nil, errs.Wrap(errs.KindConfig, err, "failed to read config")
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "failed to parse %s", path)
	}

	cfg.applyEnvOverrides()
	return cfg, cfg.Validate()
}

// Save writes the configuration to .agent/config.yaml.
func (c *Config) Save() error {
	dir := filepath.Join(c.Workspace, AgentDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0o644)
}

// applyEnvOverrides maps canonical environment variables into the
// provider table. Credentials themselves stay out of the config file;
// the secret store resolves credential_ref at call time.
func (c *Config) applyEnvOverrides() {
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		if p := c.AI.provider("ollama"); p != nil {
			p.Endpoint = host
		}
	}
	if project := os.Getenv("GOOGLE_CLOUD_PROJECT"); project != "" {
		if p := c.AI.provider("vertex"); p != nil {
			p.Enabled = true
			p.Project = project
		}
	}
	if engine := os.Getenv("STORYGUARD_PANEL_ENGINE"); engine != "" {
		c.Council.Engine = engine
	}
	if target := os.Getenv("STORYGUARD_SYNC_TARGET"); target != "" {
		c.Sync.Target = target
	}
}

// Validate rejects configurations the rest of the system cannot honor.
func (c *Config) Validate() error {
	switch c.Council.Engine {
	case "legacy", "parallel", "adk":
	default:
		return errs.New(errs.KindConfig, "council.engine must be one of legacy|parallel|adk, got %q", c.Council.Engine)
	}
	if c.Budget.HardStopRatio < c.Budget.AlertRatio {
		return errs.New(errs.KindConfig, "budget.hard_stop_ratio (%v) must be >= budget.alert_ratio (%v)",
			c.Budget.HardStopRatio, c.Budget.AlertRatio)
	}
	if c.Council.MaxParallel < 1 {
		return errs.New(errs.KindConfig, "council.max_parallel must be >= 1, got %d", c.Council.MaxParallel)
	}
	for _, r := range c.Council.Roles {
		switch r.Kind {
		case "gatekeeper", "consultative":
		default:
			return errs.New(errs.KindConfig, "role %q kind must be gatekeeper|consultative, got %q", r.Name, r.Kind)
		}
	}
	return c.AI.validate()
}

// Duration getters. Bad strings fall back to safe defaults rather than
// failing mid-run; Validate catches the structural problems.

func (c *Config) CouncilDeadline() time.Duration {
	d, err := time.ParseDuration(c.Council.Deadline)
	if err != nil || d < 0 {
		return 10 * time.Minute
	}
	return d
}

func (c *Config) LintRuleTimeout() time.Duration {
	d, err := time.ParseDuration(c.Lint.RuleTimeout)
	if err != nil || d <= 0 || d > 5*time.Second {
		return 5 * time.Second
	}
	return d
}

// Path helpers. Directories are created lazily on first use.

func (c *Config) agentPath(parts ...string) string {
	return filepath.Join(append([]string{c.Workspace, AgentDir}, parts...)...)
}

func (c *Config) ADRDir() string        { return c.agentPath("adr") }
func (c *Config) JourneyDir() string    { return c.agentPath("journeys") }
func (c *Config) ExceptionDir() string  { return c.agentPath("exceptions") }
func (c *Config) StoryDir() string      { return c.agentPath("stories") }
func (c *Config) RunbookDir() string    { return c.agentPath("runbooks") }
func (c *Config) AuditDir() string      { return c.agentPath("audit") }
func (c *Config) SecretsDir() string    { return c.agentPath("secrets") }
func (c *Config) CacheDir() string      { return c.agentPath("cache") }
func (c *Config) LogsDir() string       { return c.agentPath("logs") }
func (c *Config) BackupsDir() string    { return c.agentPath("backups") }
func (c *Config) UsagePath() string     { return c.agentPath("usage.json") }
func (c *Config) StorePath() string     { return c.agentPath("cache", "governance.db") }

// EnsureDir creates a directory if missing and returns its path.
func EnsureDir(path string) (string, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", path, err)
	}
	return path, nil
}
