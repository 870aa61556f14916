package preflight

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"storyguard/internal/audit"
	"storyguard/internal/changeset"
	"storyguard/internal/config"
	"storyguard/internal/council"
	"storyguard/internal/errs"
	"storyguard/internal/exceptions"
	"storyguard/internal/governance"
	"storyguard/internal/journey"
	"storyguard/internal/store"
)

// fakeEngine is a scripted council. It records the input it was given
// and hands back a canned outcome stamped with the caller's run id.
type fakeEngine struct {
	outcome *council.Outcome
	err     error
	calls   int
	lastIn  council.Input
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Review(ctx context.Context, in council.Input) (*council.Outcome, error) {
	f.calls++
	f.lastIn = in
	out := f.outcome
	if out == nil {
		out = &council.Outcome{Engine: "fake", Verdict: governance.VerdictPass}
	}
	out.RunID = in.RunID
	out.Mode = in.Mode
	return out, f.err
}

// memSource serves a fixed changeset without touching git.
type memSource struct{ cs *changeset.Changeset }

func (m memSource) Load(ctx context.Context) (*changeset.Changeset, error) {
	return m.cs, nil
}

const sampleDiff = `diff --git a/src/app.py b/src/app.py
--- a/src/app.py
+++ b/src/app.py
@@ -1,2 +1,3 @@
 import hashlib
+key = hashlib.md5(b"x")
 print("ok")
`

func sampleChangeset(t *testing.T) *changeset.Changeset {
	t.Helper()
	cs, err := changeset.ParseUnified(sampleDiff)
	if err != nil {
		t.Fatalf("parse sample diff: %v", err)
	}
	return cs
}

// testWorkspace writes files under a fresh root and loads its config.
func testWorkspace(t *testing.T, files map[string]string) *config.Config {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	cfg, err := config.Load(root)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestRunEmptyChangesetPasses(t *testing.T) {
	cfg := testWorkspace(t, nil)
	fake := &fakeEngine{}
	o := New(cfg, Deps{
		Source:  memSource{cs: &changeset.Changeset{}},
		Linters: []Linter{},
		Council: fake,
	})

	res, err := o.Run(context.Background(), Flags{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Empty {
		t.Error("expected empty result")
	}
	if res.Verdict != governance.VerdictPass {
		t.Errorf("verdict = %s, want pass", res.Verdict)
	}
	if fake.calls != 0 {
		t.Errorf("council convened %d times for an empty changeset", fake.calls)
	}
	if len(res.Gates) != 0 {
		t.Errorf("gates ran on an empty changeset: %+v", res.Gates)
	}
	if got := ExitCode(res, nil); got != 0 {
		t.Errorf("exit code = %d, want 0", got)
	}
}

func TestRunLintBlockSurvivesCouncilPass(t *testing.T) {
	adr := "# ADR-007: Approved hashing algorithms\n\n" +
		"**Status:** accepted\n\n" +
		"```enforcement\n" +
		"rules:\n" +
		"  - type: regex\n" +
		"    pattern: \"hashlib\\\\.md5\"\n" +
		"    scope: \"src/**\"\n" +
		"    message: \"md5 is not an approved hash\"\n" +
		"```\n"
	cfg := testWorkspace(t, map[string]string{
		".agent/adr/ADR-007-hashing.md": adr,
		"src/app.py":                    "import hashlib\nkey = hashlib.md5(b\"x\")\nprint(\"ok\")\n",
	})
	fake := &fakeEngine{}
	o := New(cfg, Deps{
		Source:  memSource{cs: sampleChangeset(t)},
		Linters: []Linter{},
		Council: fake,
	})

	res, err := o.Run(context.Background(), Flags{SkipJourneys: true, DryRun: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fake.calls != 1 {
		t.Errorf("council convened %d times, want 1: a lint block must not pre-empt the review", fake.calls)
	}
	if res.Verdict != governance.VerdictBlock {
		t.Fatalf("verdict = %s, want block", res.Verdict)
	}
	blocking := res.Blocking()
	if len(blocking) != 1 {
		t.Fatalf("blocking findings = %d, want 1: %+v", len(blocking), blocking)
	}
	f := blocking[0]
	if f.Role != "adr-lint" || f.File != "src/app.py" {
		t.Errorf("unexpected blocking finding: %+v", f)
	}
	if len(f.References) != 1 || f.References[0] != "ADR-007" {
		t.Errorf("finding references = %v, want [ADR-007]", f.References)
	}
	if got := ExitCode(res, nil); got != 2 {
		t.Errorf("exit code = %d, want 2", got)
	}
}

func TestRunCouncilGetsReferenceIDs(t *testing.T) {
	cfg := testWorkspace(t, map[string]string{
		".agent/adr/ADR-007-hashing.md": "# ADR-007: Hashing\n\n**Status:** accepted\n",
		".agent/journeys/JRN-044.yaml": "schema_version: 1\n" +
			"id: JRN-044\n" +
			"title: Cache keys stay stable\n" +
			"actor: developer\n" +
			"description: Cache keys survive a deploy.\n" +
			"steps:\n" +
			"  - action: deploy twice\n",
		".agent/exceptions/EXC-004.md": "---\n" +
			"id: EXC-004\n" +
			"status: accepted\n" +
			"rule_reference: ADR-007\n" +
			"affected_files:\n" +
			"  - \"src/**\"\n" +
			"justification: legacy cache keys\n" +
			"---\n",
	})
	resolver, err := exceptions.Load(cfg.ExceptionDir(), nil)
	if err != nil {
		t.Fatalf("load exceptions: %v", err)
	}
	fake := &fakeEngine{}
	o := New(cfg, Deps{
		Source:     memSource{cs: sampleChangeset(t)},
		Linters:    []Linter{},
		Exceptions: resolver,
		Council:    fake,
	})

	if _, err := o.Run(context.Background(), Flags{Story: "ST-042", SkipJourneys: true, DryRun: true}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	in := fake.lastIn
	if in.Story != "ST-042" {
		t.Errorf("story = %q, want ST-042", in.Story)
	}
	want := council.RefIDs{
		ADRs:       []string{"ADR-007"},
		Journeys:   []string{"JRN-044"},
		Exceptions: []string{"EXC-004"},
	}
	if diff := cmp.Diff(want, in.Refs); diff != "" {
		t.Errorf("reference ids mismatch (-want +got):\n%s", diff)
	}
}

func TestRunDeadlineZeroBlocksBeforeDispatch(t *testing.T) {
	cfg := testWorkspace(t, nil)
	fake := &fakeEngine{}
	o := New(cfg, Deps{
		Source:  memSource{cs: sampleChangeset(t)},
		Linters: []Linter{},
		Council: fake,
		Audit:   audit.NewLogger(filepath.Join(cfg.Workspace, ".agent", "audit")),
	})

	res, err := o.Run(context.Background(), Flags{DeadlineSet: true, SkipJourneys: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fake.calls != 0 {
		t.Errorf("council dispatched %d times with a spent deadline", fake.calls)
	}
	if res.Verdict != governance.VerdictBlock {
		t.Fatalf("verdict = %s, want block", res.Verdict)
	}
	blocking := res.Blocking()
	if len(blocking) != 1 || !strings.Contains(blocking[0].Message, "deadline") {
		t.Fatalf("expected a deadline block finding, got %+v", blocking)
	}
	if res.AuditPath == "" {
		t.Fatal("blocked run left no audit artifact")
	}
	if _, err := os.Stat(res.AuditPath); err != nil {
		t.Fatalf("audit artifact missing: %v", err)
	}
	if got := ExitCode(res, nil); got != 2 {
		t.Errorf("exit code = %d, want 2", got)
	}
}

func TestRunCouncilDeadlineBecomesBlock(t *testing.T) {
	cfg := testWorkspace(t, nil)
	fake := &fakeEngine{
		outcome: &council.Outcome{
			Engine:  "fake",
			Verdict: governance.VerdictNeedsInfo,
		},
		err: errs.New(errs.KindDeadline, "council run interrupted: context deadline exceeded"),
	}
	o := New(cfg, Deps{
		Source:  memSource{cs: sampleChangeset(t)},
		Linters: []Linter{},
		Council: fake,
	})

	res, err := o.Run(context.Background(), Flags{SkipJourneys: true, DryRun: true})
	if err != nil {
		t.Fatalf("a council deadline is a verdict, not an error: %v", err)
	}
	if res.Verdict != governance.VerdictBlock {
		t.Fatalf("verdict = %s, want block", res.Verdict)
	}
	blocking := res.Blocking()
	if len(blocking) != 1 || blocking[0].Role != "council" {
		t.Fatalf("expected one council block finding, got %+v", blocking)
	}
	if !strings.HasPrefix(blocking[0].Message, "deadline: ") {
		t.Errorf("message = %q, want deadline prefix", blocking[0].Message)
	}
	if res.Council == nil {
		t.Error("partial outcome dropped")
	}
	if got := ExitCode(res, nil); got != 2 {
		t.Errorf("exit code = %d, want 2", got)
	}
}

func TestRunTransientErrorSurfaces(t *testing.T) {
	cfg := testWorkspace(t, nil)
	fake := &fakeEngine{
		err: errs.New(errs.KindTransient, "all providers cooling, retry in 30s"),
	}
	o := New(cfg, Deps{
		Source:  memSource{cs: sampleChangeset(t)},
		Linters: []Linter{},
		Council: fake,
	})

	res, err := o.Run(context.Background(), Flags{SkipJourneys: true, DryRun: true})
	if err == nil {
		t.Fatal("expected the transient error to surface")
	}
	if !errs.IsKind(err, errs.KindTransient) {
		t.Errorf("error kind = %v, want transient", err)
	}
	if got := ExitCode(res, err); got != 1 {
		t.Errorf("exit code = %d, want 1", got)
	}
}

func TestRunSkipFlagsMarkGates(t *testing.T) {
	cfg := testWorkspace(t, nil)
	fake := &fakeEngine{}
	o := New(cfg, Deps{
		Source:  memSource{cs: sampleChangeset(t)},
		Linters: []Linter{},
		Council: fake,
	})

	res, err := o.Run(context.Background(), Flags{
		SkipLint:     true,
		SkipJourneys: true,
		SkipCouncil:  true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	wantGates := []string{"linters", "adr-lint", "journeys", "council"}
	if len(res.Gates) != len(wantGates) {
		t.Fatalf("gates = %+v, want %v", res.Gates, wantGates)
	}
	for i, g := range res.Gates {
		if g.Name != wantGates[i] || !g.Skipped {
			t.Errorf("gate %d = %+v, want skipped %s", i, g, wantGates[i])
		}
	}
	if fake.calls != 0 {
		t.Errorf("council convened despite --skip-council")
	}
	if res.Council != nil {
		t.Error("skipped council produced an outcome")
	}
	if got := ExitCode(res, nil); got != 0 {
		t.Errorf("exit code = %d, want 0", got)
	}
}

func TestRunConsultativeAlwaysPasses(t *testing.T) {
	cfg := testWorkspace(t, nil)
	fake := &fakeEngine{
		outcome: &council.Outcome{
			Engine:  "fake",
			Verdict: governance.VerdictBlock,
			Findings: []governance.Finding{{
				Role:     "Security",
				Severity: governance.SeverityBlock,
				Message:  "md5 used for cache keys",
				File:     "src/app.py",
				Line:     2,
			}},
		},
	}
	o := New(cfg, Deps{
		Source:  memSource{cs: sampleChangeset(t)},
		Linters: []Linter{},
		Council: fake,
	})

	res, err := o.Run(context.Background(), Flags{
		Mode:         council.ModeConsultative,
		SkipJourneys: true,
		DryRun:       true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Verdict != governance.VerdictPass {
		t.Errorf("consultative verdict = %s, want pass", res.Verdict)
	}
	if len(res.Blocking()) == 0 {
		t.Error("advisory findings were dropped")
	}
	if fake.lastIn.Mode != council.ModeConsultative {
		t.Errorf("council mode = %s, want consultative", fake.lastIn.Mode)
	}
	if got := ExitCode(res, nil); got != 0 {
		t.Errorf("exit code = %d, want 0", got)
	}
}

func TestRunFinalSuppressionPass(t *testing.T) {
	exc := "---\n" +
		"id: EXC-004\n" +
		"status: accepted\n" +
		"rule_reference: ADR-101\n" +
		"affected_files:\n" +
		"  - \"src/**\"\n" +
		"justification: hashing standard applies to new code only\n" +
		"---\n\n" +
		"Legacy cache keys keep md5 until the migration lands.\n"
	cfg := testWorkspace(t, map[string]string{
		".agent/exceptions/EXC-004.md": exc,
	})
	resolver, err := exceptions.Load(cfg.ExceptionDir(), nil)
	if err != nil {
		t.Fatalf("load exceptions: %v", err)
	}
	fake := &fakeEngine{
		outcome: &council.Outcome{
			Engine:  "fake",
			Verdict: governance.VerdictPass,
			Findings: []governance.Finding{
				{
					Role:       "Security",
					Severity:   governance.SeverityBlock,
					Message:    "md5 used for cache keys",
					File:       "src/app.py",
					Line:       2,
					References: []string{"ADR-101"},
				},
				{
					// Already suppressed upstream; the final pass must
					// not re-attribute it.
					Role:         "Architect",
					Severity:     governance.SeverityBlock,
					Message:      "layering violation",
					File:         "src/app.py",
					Line:         3,
					References:   []string{"ADR-101"},
					Suppressed:   true,
					SuppressedBy: "EXC-009",
				},
			},
		},
	}
	o := New(cfg, Deps{
		Source:     memSource{cs: sampleChangeset(t)},
		Linters:    []Linter{},
		Exceptions: resolver,
		Council:    fake,
	})

	res, err := o.Run(context.Background(), Flags{SkipJourneys: true, DryRun: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Verdict != governance.VerdictPass {
		t.Fatalf("verdict = %s, want pass once the block is suppressed", res.Verdict)
	}
	if len(res.Blocking()) != 0 {
		t.Errorf("blocking findings remain: %+v", res.Blocking())
	}
	var security, architect *governance.Finding
	for i := range res.Findings {
		switch res.Findings[i].Role {
		case "Security":
			security = &res.Findings[i]
		case "Architect":
			architect = &res.Findings[i]
		}
	}
	if security == nil || !security.Suppressed || security.SuppressedBy != "EXC-004" {
		t.Errorf("security finding not suppressed by EXC-004: %+v", security)
	}
	if architect == nil || architect.SuppressedBy != "EXC-009" {
		t.Errorf("upstream suppression overwritten: %+v", architect)
	}
	if got := ExitCode(res, nil); got != 0 {
		t.Errorf("exit code = %d, want 0", got)
	}
}

func TestRunJourneyGatePhases(t *testing.T) {
	jrn := "schema_version: 1\n" +
		"id: JRN-044\n" +
		"title: Cache keys stay stable\n" +
		"actor: developer\n" +
		"description: Cache keys survive a deploy.\n" +
		"state: committed\n" +
		"steps:\n" +
		"  - action: deploy twice\n" +
		"    expected: same keys\n" +
		"implementation:\n" +
		"  files:\n" +
		"    - \"src/app.py\"\n" +
		"  tests:\n" +
		"    - \"tests/test_cache.py\"\n" +
		"  framework: pytest\n"
	cfg := testWorkspace(t, map[string]string{
		".agent/journeys/JRN-044.yaml": jrn,
		"src/app.py":                   "print(\"ok\")\n",
	})
	st, err := store.Open(filepath.Join(cfg.Workspace, ".agent", "cache", "guard.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	fake := &fakeEngine{}
	o := New(cfg, Deps{
		Source:  memSource{cs: sampleChangeset(t)},
		Linters: []Linter{},
		Index:   journey.NewIndex(cfg.Workspace, cfg.JourneyDir(), st, nil),
		Council: fake,
	})

	res, err := o.Run(context.Background(), Flags{DryRun: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	wantAffected := []journey.Match{{JourneyID: "JRN-044", MatchedFiles: []string{"src/app.py"}}}
	if diff := cmp.Diff(wantAffected, res.Affected); diff != "" {
		t.Errorf("affected journeys mismatch (-want +got):\n%s", diff)
	}
	wantCommands := []string{`pytest -m "journey('JRN-044')"`}
	if diff := cmp.Diff(wantCommands, res.TestCommands); diff != "" {
		t.Errorf("test commands mismatch (-want +got):\n%s", diff)
	}

	// Phase 1: the missing test file warns but does not block.
	if res.Verdict != governance.VerdictPass {
		t.Fatalf("phase 1 verdict = %s, want pass", res.Verdict)
	}
	var contract *governance.Finding
	for i := range res.Findings {
		if res.Findings[i].Role == "journeys" {
			contract = &res.Findings[i]
		}
	}
	if contract == nil {
		t.Fatal("missing journey contract finding")
	}
	if contract.Severity != governance.SeverityWarn {
		t.Errorf("phase 1 severity = %s, want warn", contract.Severity)
	}
	if !strings.Contains(contract.Message, "tests/test_cache.py") {
		t.Errorf("message = %q, want the missing test path", contract.Message)
	}
	if len(contract.References) != 1 || contract.References[0] != "JRN-044" {
		t.Errorf("references = %v, want [JRN-044]", contract.References)
	}

	// Phase 2: the same broken contract blocks.
	cfg.Journeys.GatePhase = 2
	res, err = o.Run(context.Background(), Flags{DryRun: true})
	if err != nil {
		t.Fatalf("Run phase 2: %v", err)
	}
	if res.Verdict != governance.VerdictBlock {
		t.Fatalf("phase 2 verdict = %s, want block", res.Verdict)
	}
	if got := ExitCode(res, nil); got != 2 {
		t.Errorf("phase 2 exit code = %d, want 2", got)
	}
}

func TestRunWritesAuditAndRunRecord(t *testing.T) {
	cfg := testWorkspace(t, nil)
	st, err := store.Open(filepath.Join(cfg.Workspace, ".agent", "cache", "guard.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	cs := sampleChangeset(t)
	fake := &fakeEngine{
		outcome: &council.Outcome{
			Engine:  "fake",
			Verdict: governance.VerdictPass,
			Findings: []governance.Finding{{
				Role:       "Security",
				Severity:   governance.SeverityWarn,
				Message:    "consider rotating cache keys",
				File:       "src/app.py",
				Line:       2,
				References: []string{"ADR-007"},
			}},
			CitationRate: 1,
			ChunkCount:   1,
			Duration:     2 * time.Second,
		},
	}
	o := New(cfg, Deps{
		Source:  memSource{cs: cs},
		Linters: []Linter{},
		Council: fake,
		Store:   st,
		Audit:   audit.NewLogger(filepath.Join(cfg.Workspace, ".agent", "audit")),
	})

	res, err := o.Run(context.Background(), Flags{Story: "ST-042", SkipJourneys: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.AuditPath == "" {
		t.Fatal("no audit artifact written")
	}
	run, err := audit.Load(res.AuditPath)
	if err != nil {
		t.Fatalf("load audit artifact: %v", err)
	}
	if run.RunID != res.RunID {
		t.Errorf("audit run id = %q, want %q", run.RunID, res.RunID)
	}
	if run.StoryID != "ST-042" || run.BaseRef != "HEAD" || run.HeadRef != "index" {
		t.Errorf("audit meta = %q %q %q", run.StoryID, run.BaseRef, run.HeadRef)
	}

	rec, err := st.Run(res.RunID)
	if err != nil {
		t.Fatalf("load run record: %v", err)
	}
	if rec.Verdict != string(governance.VerdictPass) {
		t.Errorf("record verdict = %q, want pass", rec.Verdict)
	}
	if rec.ChangesetRef != cs.Fingerprint() {
		t.Errorf("record changeset ref = %q, want %q", rec.ChangesetRef, cs.Fingerprint())
	}
	if rec.AuditPath != res.AuditPath {
		t.Errorf("record audit path = %q, want %q", rec.AuditPath, res.AuditPath)
	}
}

func TestExitCode(t *testing.T) {
	pass := &Result{Verdict: governance.VerdictPass}
	block := &Result{Verdict: governance.VerdictBlock}
	cases := []struct {
		name string
		res  *Result
		err  error
		want int
	}{
		{"pass", pass, nil, 0},
		{"block", block, nil, 2},
		{"config error", pass, errs.New(errs.KindConfig, "bad config"), 3},
		{"transient error", pass, errs.New(errs.KindTransient, "cooling"), 1},
		{"no result", nil, nil, 1},
	}
	for _, tc := range cases {
		if got := ExitCode(tc.res, tc.err); got != tc.want {
			t.Errorf("%s: exit code = %d, want %d", tc.name, got, tc.want)
		}
	}
}
