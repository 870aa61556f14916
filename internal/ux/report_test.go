package ux

import (
	"strings"
	"testing"
	"time"

	"storyguard/internal/council"
	"storyguard/internal/governance"
	"storyguard/internal/journey"
	"storyguard/internal/preflight"
)

func TestReportRendersGatesFindingsAndJourneys(t *testing.T) {
	res := &preflight.Result{
		RunID:   "01TESTRUN",
		Verdict: governance.VerdictBlock,
		Findings: []governance.Finding{
			{
				Role:       "adr-lint",
				Severity:   governance.SeverityBlock,
				Message:    "session tokens must rotate",
				File:       "src/auth.py",
				Line:       42,
				References: []string{"ADR-003"},
			},
			{
				Role:         "style",
				Severity:     governance.SeverityBlock,
				Message:      "md5 fingerprints in cache",
				Suppressed:   true,
				SuppressedBy: "EXC-002",
			},
		},
		Gates: []preflight.GateResult{
			{Name: "linters", Duration: 230 * time.Millisecond},
			{Name: "journeys", Skipped: true},
		},
		Affected:     []journey.Match{{JourneyID: "JRN-001", MatchedFiles: []string{"src/auth.py", "src/session.py"}}},
		TestCommands: []string{"pytest tests/journeys/test_login.py"},
		AuditPath:    ".agent/audit/01TESTRUN.md",
		Duration:     1200 * time.Millisecond,
	}

	out := Report(res, DefaultStyles())
	t.Logf("report:\n%s", out)

	for _, want := range []string{
		"BLOCK",
		"run 01TESTRUN",
		"1 block, 1 info",
		"linters",
		"skipped",
		"src/auth.py:42: session tokens must rotate",
		"[ADR-003]",
		"(suppressed by EXC-002)",
		"JRN-001",
		"src/auth.py, src/session.py",
		"run: pytest tests/journeys/test_login.py",
		"audit: .agent/audit/01TESTRUN.md",
		"1.2s",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q", want)
		}
	}
}

func TestReportEmptyChangeset(t *testing.T) {
	res := &preflight.Result{Verdict: governance.VerdictPass, Empty: true}
	out := Report(res, DefaultStyles())

	if !strings.Contains(out, "PASS") {
		t.Errorf("empty changeset should pass, got:\n%s", out)
	}
	if !strings.Contains(out, "changeset is empty") {
		t.Errorf("missing empty-changeset notice:\n%s", out)
	}
	if strings.Contains(out, "Gates") {
		t.Errorf("empty run should not render a gate table:\n%s", out)
	}
}

func TestReportCouncilSection(t *testing.T) {
	res := &preflight.Result{
		RunID:   "01TESTRUN",
		Verdict: governance.VerdictPass,
		Council: &council.Outcome{
			Roles: []council.RoleResult{
				{Role: "security", Kind: "adversary", Verdict: governance.VerdictPass, State: council.StateFinalized, Steps: 3},
				{Role: "architect", Kind: "specialist", Skipped: true},
			},
			CitationRate:      0.94,
			HallucinationRate: 0.02,
		},
	}

	out := Report(res, DefaultStyles())

	for _, want := range []string{"Council", "security", "adversary", "skipped", "citations 94% valid", "hallucination 2%"} {
		if !strings.Contains(out, want) {
			t.Errorf("council section missing %q:\n%s", want, out)
		}
	}
}

func TestPanelReportIsAdvisory(t *testing.T) {
	out := PanelReport(&council.Outcome{
		Verdict: governance.VerdictPass,
		Findings: []governance.Finding{
			{Role: "security", Severity: governance.SeverityWarn, Message: "rotate signing keys"},
		},
		Roles: []council.RoleResult{
			{Role: "security", Kind: "adversary", Verdict: governance.VerdictPass, State: council.StateFinalized, Steps: 2},
		},
		Duration: 2100 * time.Millisecond,
	}, DefaultStyles())

	for _, want := range []string{"PANEL", "advisory", "rotate signing keys", "2.1s"} {
		if !strings.Contains(out, want) {
			t.Errorf("panel report missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "BLOCK") {
		t.Errorf("advisory report should never show a gating banner:\n%s", out)
	}
}

func TestImpactReport(t *testing.T) {
	st := DefaultStyles()

	if got := ImpactReport(nil, nil, st); !strings.Contains(got, "No journeys") {
		t.Errorf("empty impact should say so, got %q", got)
	}

	matches := []journey.Match{
		{JourneyID: "JRN-002", MatchedFiles: []string{"a.go", "b.go", "c.go", "d.go", "e.go"}},
	}
	got := ImpactReport(matches, []string{"go test ./..."}, st)
	for _, want := range []string{"1 journeys affected", "JRN-002", "a.go, b.go, c.go and 2 more", "run: go test ./..."} {
		if !strings.Contains(got, want) {
			t.Errorf("impact report missing %q:\n%s", want, got)
		}
	}
}

func TestBannerNeedsInfo(t *testing.T) {
	out := Banner(governance.VerdictNeedsInfo, DefaultStyles())
	if !strings.Contains(out, "NEEDS-INFO") {
		t.Fatalf("unexpected banner %q", out)
	}
}
