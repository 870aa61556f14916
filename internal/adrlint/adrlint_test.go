package adrlint

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"storyguard/internal/governance"
)

const acceptedADR = `# ADR-025: No module-level AI service

**Status:** accepted

## Context

Module-level singletons defeat dependency injection.

## Enforcement

` + "```enforcement" + `
rules:
  - type: regex
    pattern: '^ai_service\s*=\s*AIService\('
    scope: "commands/**"
    message: module-level AIService instantiation is forbidden
  - type: regex
    pattern: 'from\s+app\.singletons\s+import'
    scope: "**/*.py"
    message: singleton imports are forbidden
` + "```" + `
`

const draftADR = `# ADR-030: Use event sourcing

**Status:** draft

` + "```enforcement" + `
rules:
  - type: regex
    pattern: 'x'
    scope: "**"
    message: never runs
` + "```" + `
`

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
}

func TestLoadADRsOnlyAcceptedContribute(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"ADR-025-no-singletons.md": acceptedADR,
		"ADR-030-events.md":        draftADR,
		"notes.md":                 "# scratch\n",
	})

	adrs, issues, err := LoadADRs(dir)
	if err != nil {
		t.Fatalf("LoadADRs: %v", err)
	}
	if len(issues) != 0 {
		t.Fatalf("unexpected issues: %v", issues)
	}
	if len(adrs) != 2 {
		t.Fatalf("got %d ADRs, want 2", len(adrs))
	}
	if adrs[0].ID != "ADR-025" || len(adrs[0].Rules) != 2 {
		t.Fatalf("ADR-025 parsed wrong: %+v", adrs[0])
	}
	if adrs[0].Title != "No module-level AI service" {
		t.Fatalf("title = %q", adrs[0].Title)
	}
	if adrs[1].Status != StatusDraft || len(adrs[1].Rules) != 0 {
		t.Fatalf("draft ADR must contribute no rules: %+v", adrs[1])
	}
}

func TestLoadADRsMalformedBlockIsolates(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"ADR-001-good.md": acceptedADR,
		"ADR-002-bad.md": "# ADR-002: Broken\n\n**Status:** accepted\n\n```enforcement\nrules: [unclosed\n```\n",
	})

	adrs, issues, err := LoadADRs(dir)
	if err != nil {
		t.Fatalf("LoadADRs: %v", err)
	}
	if len(issues) != 1 || issues[0].ADRID != "ADR-002" {
		t.Fatalf("want one issue owned by ADR-002, got %v", issues)
	}
	var good *ADR
	for i := range adrs {
		if adrs[i].ID == "ADR-001" {
			good = &adrs[i]
		}
	}
	if good == nil || len(good.Rules) != 2 {
		t.Fatalf("healthy ADR must still contribute rules")
	}
}

func TestRuleValidation(t *testing.T) {
	cases := []struct {
		name string
		spec ruleSpec
		want string
	}{
		{"absolute scope", ruleSpec{Type: "regex", Pattern: "x", Scope: "/etc/**", Message: "m"}, "relative"},
		{"escaping scope", ruleSpec{Type: "regex", Pattern: "x", Scope: "../secrets/**", Message: "m"}, "escapes"},
		{"bad regex", ruleSpec{Type: "regex", Pattern: "([", Scope: "**", Message: "m"}, "bad pattern"},
		{"no message", ruleSpec{Type: "regex", Pattern: "x", Scope: "**"}, "missing message"},
		{"oversize timeout", ruleSpec{Type: "regex", Pattern: "x", Scope: "**", Message: "m", TimeoutMs: 60000}, "timeout_ms"},
		{"unknown type", ruleSpec{Type: "semgrep", Pattern: "x", Scope: "**", Message: "m"}, "unknown type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newRule("ADR-001", 0, tc.spec)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestEngineRunRegex(t *testing.T) {
	ws := t.TempDir()
	adrDir := filepath.Join(ws, "docs", "adr")
	writeFiles(t, ws, map[string]string{
		"docs/adr/ADR-025.md": acceptedADR,
		"commands/deploy.py":  "import os\n\nai_service = AIService(key)\n",
		"lib/helper.py":       "ai_service = AIService(key)\n",
		"commands/ok.py":      "def run():\n    pass\n",
	})

	eng, err := New(ws, adrDir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := eng.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Findings) != 1 {
		t.Fatalf("got %d findings, want 1: %+v", len(res.Findings), res.Findings)
	}
	f := res.Findings[0]
	if f.File != "commands/deploy.py" || f.Line != 3 || f.Col != 1 {
		t.Fatalf("location = %s", f.Location())
	}
	if f.Severity != governance.SeverityBlock || f.Role != "adr-lint" {
		t.Fatalf("finding shape wrong: %+v", f)
	}
	if len(f.References) != 1 || f.References[0] != "ADR-025" {
		t.Fatalf("references = %v", f.References)
	}
}

func TestEngineRunScopedToPaths(t *testing.T) {
	ws := t.TempDir()
	adrDir := filepath.Join(ws, "docs", "adr")
	writeFiles(t, ws, map[string]string{
		"docs/adr/ADR-025.md": acceptedADR,
		"commands/a.py":       "ai_service = AIService()\n",
		"commands/b.py":       "ai_service = AIService()\n",
	})

	eng, err := New(ws, adrDir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := eng.Run(context.Background(), []string{"commands/b.py"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Findings) != 1 || res.Findings[0].File != "commands/b.py" {
		t.Fatalf("want only commands/b.py flagged, got %+v", res.Findings)
	}
}

func TestEngineTimeoutAbandonsOnlyThatRule(t *testing.T) {
	ws := t.TempDir()
	writeFiles(t, ws, map[string]string{
		"commands/a.py": "ai_service = AIService()\n",
	})

	eng := &Engine{workspace: ws}
	eng.rules = []Rule{
		{
			ADRID: "ADR-001", Type: RuleRegex, Scope: "**",
			Message: "slow rule", Timeout: -time.Nanosecond,
			re: regexp.MustCompile(`never`),
		},
		{
			ADRID: "ADR-002", Type: RuleRegex, Scope: "**",
			Message: "fast rule", Timeout: MaxRuleTimeout,
			re: regexp.MustCompile(`AIService`),
		},
	}

	res, err := eng.Run(context.Background(), []string{"commands/a.py"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Issues) != 1 || res.Issues[0].ADRID != "ADR-001" {
		t.Fatalf("want one timeout issue for ADR-001, got %v", res.Issues)
	}
	if len(res.Findings) != 1 || res.Findings[0].References[0] != "ADR-002" {
		t.Fatalf("healthy rule must still produce findings: %+v", res.Findings)
	}
}

func TestEngineASTRule(t *testing.T) {
	ws := t.TempDir()
	adrDir := filepath.Join(ws, "docs", "adr")
	adr := `# ADR-040: No init functions

**Status:** accepted

` + "```enforcement" + `
rules:
  - type: ast
    language: go
    pattern: '(function_declaration name: (identifier) @name (#eq? @name "init"))'
    scope: "**/*.go"
    message: init functions hide control flow
` + "```" + `
`
	writeFiles(t, ws, map[string]string{
		"docs/adr/ADR-040.md": adr,
		"pkg/a.go":            "package a\n\nfunc init() {}\n\nfunc ok() {}\n",
		"pkg/b.go":            "package a\n\nfunc other() {}\n",
	})

	eng, err := New(ws, adrDir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := eng.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Findings) != 1 {
		t.Fatalf("got %d findings, want 1: %+v", len(res.Findings), res.Findings)
	}
	f := res.Findings[0]
	if f.File != "pkg/a.go" || f.Line != 3 {
		t.Fatalf("location = %s", f.Location())
	}
}

func TestConfigFindings(t *testing.T) {
	out := ConfigFindings([]Issue{{ADRID: "ADR-009", Message: "rule 0: bad pattern"}})
	if len(out) != 1 {
		t.Fatalf("got %d", len(out))
	}
	if out[0].Severity != governance.SeverityWarn {
		t.Fatalf("config findings must warn, got %s", out[0].Severity)
	}
	if out[0].References[0] != "ADR-009" {
		t.Fatalf("refs = %v", out[0].References)
	}
}
