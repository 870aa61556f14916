package council

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"storyguard/internal/ai"
	"storyguard/internal/changeset"
	"storyguard/internal/config"
	"storyguard/internal/errs"
	"storyguard/internal/governance"
)

// goleakOpts ignores the idle HTTP connections the tokenizer's BPE
// download may leave behind on networked machines.
var goleakOpts = []goleak.Option{
	goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	// opencensus starts this worker in package init; it is not a leak
	// from the code under test.
	goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
}

// fakeAI serves scripted replies per role, dispatching on the role's
// system instruction. When a script runs out its last reply repeats,
// so a delegated sub-review can share the top-level script.
type fakeAI struct {
	mu       sync.Mutex
	scripts  map[string][]string
	served   map[string]int
	order    []string
	requests map[string][]ai.Request
	failFor  map[string]error

	// onCall runs before the reply is produced; tests use it to
	// trigger cancellation mid-run.
	onCall func(role string, call int)
	delay  time.Duration

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func newFakeAI(scripts map[string][]string) *fakeAI {
	if scripts == nil {
		scripts = map[string][]string{}
	}
	return &fakeAI{
		scripts:  scripts,
		served:   map[string]int{},
		requests: map[string][]ai.Request{},
		failFor:  map[string]error{},
	}
}

func (f *fakeAI) Complete(ctx context.Context, req ai.Request) (*ai.Response, error) {
	cur := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		seen := f.maxInflight.Load()
		if cur <= seen || f.maxInflight.CompareAndSwap(seen, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	role := f.roleOf(req)
	f.mu.Lock()
	n := f.served[role]
	f.served[role] = n + 1
	f.order = append(f.order, role)
	f.requests[role] = append(f.requests[role], req)
	script := f.scripts[role]
	fail := f.failFor[role]
	f.mu.Unlock()

	if f.onCall != nil {
		f.onCall(role, n)
	}
	if fail != nil {
		return nil, fail
	}
	if len(script) == 0 {
		return &ai.Response{Text: "VERDICT: PASS\nFINDINGS:\nREFERENCES:\n", Provider: "fake"}, nil
	}
	if n >= len(script) {
		n = len(script) - 1
	}
	return &ai.Response{Text: script[n], Provider: "fake"}, nil
}

func (f *fakeAI) roleOf(req ai.Request) string {
	if len(req.Messages) == 0 {
		return ""
	}
	system := req.Messages[0].Content
	for name := range f.scripts {
		if strings.Contains(system, "You are the "+name+" reviewer.") {
			return name
		}
	}
	return ""
}

func (f *fakeAI) callsFor(role string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.served[role]
}

func (f *fakeAI) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

func (f *fakeAI) requestsFor(role string) []ai.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ai.Request(nil), f.requests[role]...)
}

func (f *fakeAI) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func lastMessage(req ai.Request) string {
	if len(req.Messages) == 0 {
		return ""
	}
	return req.Messages[len(req.Messages)-1].Content
}

// markSuppressor suppresses every block finding, standing in for the
// exception resolver.
type markSuppressor struct{ by string }

func (m markSuppressor) Apply(fs []governance.Finding) []governance.Finding {
	for i := range fs {
		if fs[i].Severity == governance.SeverityBlock {
			fs[i].Suppressed = true
			fs[i].SuppressedBy = m.by
		}
	}
	return fs
}

// testResolver builds a workspace where ADR-101, JRN-007, and
// src/payments.py (five lines) resolve. Everything else does not.
func testResolver(t *testing.T) *governance.Resolver {
	t.Helper()
	root := t.TempDir()
	adrDir := filepath.Join(root, ".agent", "adr")
	jrnDir := filepath.Join(root, ".agent", "journeys")
	excDir := filepath.Join(root, ".agent", "exceptions")
	for _, dir := range []string{adrDir, jrnDir, excDir, filepath.Join(root, "src")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	files := map[string]string{
		".agent/adr/ADR-101-hashing-standard.md": "# ADR-101: Hashing standard\n\n**Status:** accepted\n",
		".agent/journeys/JRN-007.yaml":           "schema_version: 1\nid: JRN-007\n",
		"src/payments.py":                        "import hashlib\n\ndef charge(amount):\n    key = hashlib.md5(str(amount).encode())\n    return amount\n",
	}
	for rel, content := range files {
		if err := os.WriteFile(filepath.Join(root, filepath.FromSlash(rel)), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return &governance.Resolver{Workspace: root, ADRDir: adrDir, JourneyDir: jrnDir, ExceptionDir: excDir}
}

func councilConfig(engine string, roles ...config.RoleConfig) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Council.Engine = engine
	cfg.Council.MaxSteps = 4
	cfg.Council.Roles = roles
	return cfg
}

func gatekeeperRole(name string) config.RoleConfig {
	return config.RoleConfig{
		Name:              name,
		FocusArea:         strings.ToLower(name) + " concerns",
		SystemInstruction: "You are the " + name + " reviewer.",
		Kind:              "gatekeeper",
	}
}

func consultativeRole(name string) config.RoleConfig {
	r := gatekeeperRole(name)
	r.Kind = "consultative"
	return r
}

const sampleDiff = `diff --git a/src/payments.py b/src/payments.py
--- a/src/payments.py
+++ b/src/payments.py
@@ -1,3 +1,4 @@
 import hashlib
+import os
 def charge(amount):
     return amount
`

func sampleChangeset(t *testing.T) *changeset.Changeset {
	t.Helper()
	cs, err := changeset.ParseUnified(sampleDiff)
	if err != nil {
		t.Fatalf("parse sample diff: %v", err)
	}
	return cs
}

// bigFileDiff builds an added file whose single hunk is large enough
// to exceed the minimum chunk budget under any token estimator.
func bigFileDiff(path string, lines int) changeset.FileDiff {
	h := changeset.Hunk{OldStart: 0, OldCount: 0, NewStart: 1, NewCount: lines}
	for i := 0; i < lines; i++ {
		h.Lines = append(h.Lines, changeset.Line{
			Op:    changeset.OpAdd,
			Text:  fmt.Sprintf("    value_%04d = compute_checksum(%d, salt_table[%d])", i, i, i%7),
			NewNo: i + 1,
		})
	}
	return changeset.FileDiff{Path: path, Status: changeset.StatusAdded, Hunks: []changeset.Hunk{h}}
}

func roleByName(t *testing.T, out *Outcome, name string) RoleResult {
	t.Helper()
	for _, r := range out.Roles {
		if r.Role == name {
			return r
		}
	}
	t.Fatalf("role %s missing from outcome", name)
	return RoleResult{}
}

func newTestEngine(t *testing.T, cfg *config.Config, deps Deps) Engine {
	t.Helper()
	eng, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng
}

func TestNewEngineSelection(t *testing.T) {
	deps := Deps{AI: newFakeAI(nil), Resolver: testResolver(t)}
	for engine, want := range map[string]string{
		"":         "parallel",
		"parallel": "parallel",
		"legacy":   "legacy",
		"adk":      "adk",
	} {
		eng, err := New(councilConfig(engine, gatekeeperRole("Architect")), deps)
		if err != nil {
			t.Fatalf("engine %q: %v", engine, err)
		}
		if eng.Name() != want {
			t.Fatalf("engine %q: Name() = %q, want %q", engine, eng.Name(), want)
		}
	}

	if _, err := New(councilConfig("swarm"), deps); !errs.IsKind(err, errs.KindConfig) {
		t.Fatalf("unknown engine: err = %v, want config kind", err)
	}
	if _, err := New(councilConfig("parallel"), Deps{Resolver: testResolver(t)}); !errs.IsKind(err, errs.KindConfig) {
		t.Fatalf("nil AI: err = %v, want config kind", err)
	}
	if _, err := New(councilConfig("parallel"), Deps{AI: newFakeAI(nil)}); !errs.IsKind(err, errs.KindConfig) {
		t.Fatalf("nil resolver: err = %v, want config kind", err)
	}
}

func TestParallelReviewBlocks(t *testing.T) {
	defer goleak.VerifyNone(t, goleakOpts...)

	fake := newFakeAI(map[string][]string{
		"Architect": {"VERDICT: BLOCK\nFINDINGS:\n- [block] payment charge bypasses the hashing standard (Source: ADR-101)\nREFERENCES:\n- ADR-101: applies to credential digests\n"},
		"Security":  {"VERDICT: PASS\nFINDINGS:\nREFERENCES:\n- ADR-101: key handling reviewed\n"},
		"QA":        {"VERDICT: PASS\nFINDINGS:\nREFERENCES:\n"},
	})
	cfg := councilConfig("parallel", gatekeeperRole("Architect"), gatekeeperRole("Security"), consultativeRole("QA"))
	eng := newTestEngine(t, cfg, Deps{AI: fake, Resolver: testResolver(t)})

	out, err := eng.Review(context.Background(), Input{RunID: "run-1", Changeset: sampleChangeset(t)})
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if out.Verdict != governance.VerdictBlock {
		t.Fatalf("verdict = %s, want BLOCK", out.Verdict)
	}
	if out.Engine != "parallel" || out.Mode != ModeGatekeeper || out.RunID != "run-1" {
		t.Fatalf("outcome header = %+v", out)
	}
	if out.ChunkCount != 1 {
		t.Fatalf("chunk count = %d, want 1", out.ChunkCount)
	}
	if len(out.Findings) != 1 {
		t.Fatalf("findings = %+v, want exactly one", out.Findings)
	}
	f := out.Findings[0]
	if f.Role != "Architect" || f.Severity != governance.SeverityBlock || f.References[0] != "ADR-101" {
		t.Fatalf("finding = %+v", f)
	}

	for _, name := range []string{"Architect", "Security", "QA"} {
		if r := roleByName(t, out, name); r.State != StateFinalized {
			t.Fatalf("role %s state = %s, want finalized", name, r.State)
		}
	}
	if v := roleByName(t, out, "Architect").Verdict; v != governance.VerdictBlock {
		t.Fatalf("architect verdict = %s", v)
	}

	// Architect and Security cited; QA did not.
	if math.Abs(out.CitationRate-2.0/3.0) > 1e-9 {
		t.Fatalf("citation rate = %f, want 2/3", out.CitationRate)
	}
	if out.HallucinationRate != 0 {
		t.Fatalf("hallucination rate = %f, want 0", out.HallucinationRate)
	}
}

func TestParallelSerializesProviderCalls(t *testing.T) {
	defer goleak.VerifyNone(t, goleakOpts...)

	fake := newFakeAI(map[string][]string{
		"Architect": {"Thought: reviewing the change", "VERDICT: PASS\nFINDINGS:\nREFERENCES:\n"},
		"Security":  {"Thought: reviewing the change", "VERDICT: PASS\nFINDINGS:\nREFERENCES:\n"},
		"QA":        {"Thought: reviewing the change", "VERDICT: PASS\nFINDINGS:\nREFERENCES:\n"},
	})
	fake.delay = 2 * time.Millisecond
	cfg := councilConfig("parallel", gatekeeperRole("Architect"), gatekeeperRole("Security"), gatekeeperRole("QA"))
	eng := newTestEngine(t, cfg, Deps{AI: fake, Resolver: testResolver(t)})

	out, err := eng.Review(context.Background(), Input{Changeset: sampleChangeset(t)})
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if out.Verdict != governance.VerdictPass {
		t.Fatalf("verdict = %s", out.Verdict)
	}
	if got := fake.total(); got != 6 {
		t.Fatalf("provider calls = %d, want 6", got)
	}
	if max := fake.maxInflight.Load(); max != 1 {
		t.Fatalf("max in-flight provider calls = %d, want 1", max)
	}
}

func TestUncitedBlockDowngradesToNeedsInfo(t *testing.T) {
	fake := newFakeAI(map[string][]string{
		"Architect": {"VERDICT: BLOCK\nFINDINGS:\n- hardcoded credential in charge()\n- [block] violates the layering decision (Source: ADR-999)\nREFERENCES:\n"},
	})
	cfg := councilConfig("parallel", gatekeeperRole("Architect"))
	eng := newTestEngine(t, cfg, Deps{AI: fake, Resolver: testResolver(t)})

	out, err := eng.Review(context.Background(), Input{Changeset: sampleChangeset(t)})
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	r := roleByName(t, out, "Architect")
	if r.Verdict != governance.VerdictNeedsInfo {
		t.Fatalf("role verdict = %s, want needs-info", r.Verdict)
	}
	if r.Dropped != 2 || r.DroppedCritical != 2 {
		t.Fatalf("dropped = %d critical = %d, want 2/2", r.Dropped, r.DroppedCritical)
	}
	if r.InvalidRefs != 1 || r.ValidRefs != 0 {
		t.Fatalf("refs = %d valid / %d invalid, want 0/1", r.ValidRefs, r.InvalidRefs)
	}
	if len(r.Findings) != 0 || len(out.Findings) != 0 {
		t.Fatalf("dropped findings leaked: %+v", out.Findings)
	}
	// The unsupported BLOCK does not fail the run; it surfaces as
	// needs-info on the role.
	if out.Verdict != governance.VerdictPass {
		t.Fatalf("verdict = %s, want PASS", out.Verdict)
	}
	if out.HallucinationRate != 1.0 {
		t.Fatalf("hallucination rate = %f, want 1", out.HallucinationRate)
	}
	if out.CitationRate != 0 {
		t.Fatalf("citation rate = %f, want 0", out.CitationRate)
	}
}

func TestSuppressedBlockerPasses(t *testing.T) {
	fake := newFakeAI(map[string][]string{
		"Architect": {"VERDICT: BLOCK\nFINDINGS:\n- [block] md5 digest for payment keys (Source: ADR-101)\nREFERENCES:\n"},
	})
	cfg := councilConfig("parallel", gatekeeperRole("Architect"))
	eng := newTestEngine(t, cfg, Deps{
		AI:       fake,
		Resolver: testResolver(t),
		Suppress: markSuppressor{by: "EXC-001"},
	})

	out, err := eng.Review(context.Background(), Input{Changeset: sampleChangeset(t)})
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if out.Verdict != governance.VerdictPass {
		t.Fatalf("verdict = %s, want PASS after suppression", out.Verdict)
	}
	if len(out.Findings) != 1 {
		t.Fatalf("findings = %+v", out.Findings)
	}
	if f := out.Findings[0]; !f.Suppressed || f.SuppressedBy != "EXC-001" {
		t.Fatalf("suppression bookkeeping lost: %+v", f)
	}
	// The role's own verdict is unchanged; only the aggregate moves.
	if r := roleByName(t, out, "Architect"); r.Verdict != governance.VerdictBlock {
		t.Fatalf("role verdict = %s, want BLOCK", r.Verdict)
	}
}

func TestConsultativeModeNeverBlocks(t *testing.T) {
	fake := newFakeAI(map[string][]string{
		"Architect": {"VERDICT: BLOCK\nFINDINGS:\n- [block] md5 digest for payment keys (Source: ADR-101)\nREFERENCES:\n"},
	})
	cfg := councilConfig("parallel", gatekeeperRole("Architect"))
	eng := newTestEngine(t, cfg, Deps{AI: fake, Resolver: testResolver(t)})

	out, err := eng.Review(context.Background(), Input{Changeset: sampleChangeset(t), Mode: ModeConsultative})
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if out.Verdict != governance.VerdictPass || out.Mode != ModeConsultative {
		t.Fatalf("verdict = %s mode = %s, want PASS/consultative", out.Verdict, out.Mode)
	}
	// Findings still carry their real severity for the report.
	if len(out.Findings) != 1 || out.Findings[0].Severity != governance.SeverityBlock {
		t.Fatalf("findings = %+v", out.Findings)
	}
}

func TestConsultativeRoleCapsAtWarn(t *testing.T) {
	fake := newFakeAI(map[string][]string{
		"Performance": {"VERDICT: BLOCK\nFINDINGS:\n- charge() hashes on every call (Source: src/payments.py:4)\nREFERENCES:\n"},
	})
	cfg := councilConfig("parallel", consultativeRole("Performance"))
	eng := newTestEngine(t, cfg, Deps{AI: fake, Resolver: testResolver(t)})

	out, err := eng.Review(context.Background(), Input{Changeset: sampleChangeset(t)})
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if out.Verdict != governance.VerdictPass {
		t.Fatalf("verdict = %s, want PASS: consultative roles advise", out.Verdict)
	}
	if len(out.Findings) != 1 {
		t.Fatalf("findings = %+v", out.Findings)
	}
	f := out.Findings[0]
	if f.Severity != governance.SeverityWarn {
		t.Fatalf("severity = %s, want warn cap", f.Severity)
	}
	if f.File != "src/payments.py" || f.Line != 4 {
		t.Fatalf("location = %s:%d, want src/payments.py:4", f.File, f.Line)
	}
}

func TestEmptyChangesetTrivialPass(t *testing.T) {
	fake := newFakeAI(map[string][]string{"Architect": nil})
	cfg := councilConfig("parallel", gatekeeperRole("Architect"))
	eng := newTestEngine(t, cfg, Deps{AI: fake, Resolver: testResolver(t)})

	out, err := eng.Review(context.Background(), Input{Changeset: &changeset.Changeset{}})
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if out.Verdict != governance.VerdictPass || out.ChunkCount != 0 || len(out.Roles) != 0 {
		t.Fatalf("outcome = %+v, want trivial PASS", out)
	}
	if out.RunID == "" {
		t.Fatal("run id was not assigned")
	}
	if fake.total() != 0 {
		t.Fatalf("provider called %d times on an empty changeset", fake.total())
	}
}

func TestRoleRelevanceSkip(t *testing.T) {
	fake := newFakeAI(map[string][]string{
		"Architect": nil,
		"QA":        {"VERDICT: PASS\nFINDINGS:\nREFERENCES:\n"},
	})
	arch := gatekeeperRole("Architect")
	arch.RelevantPathsGlob = []string{"**/*.go"}
	cfg := councilConfig("parallel", arch, gatekeeperRole("QA"))
	eng := newTestEngine(t, cfg, Deps{AI: fake, Resolver: testResolver(t)})

	out, err := eng.Review(context.Background(), Input{Changeset: sampleChangeset(t)})
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	r := roleByName(t, out, "Architect")
	if !r.Skipped || r.State != StateCreated {
		t.Fatalf("architect = %+v, want skipped", r)
	}
	if fake.callsFor("Architect") != 0 {
		t.Fatal("skipped role reached the provider")
	}
	if qa := roleByName(t, out, "QA"); qa.Verdict != governance.VerdictPass {
		t.Fatalf("qa verdict = %s", qa.Verdict)
	}
}

func TestParallelCancellationReturnsPartialOutcome(t *testing.T) {
	defer goleak.VerifyNone(t, goleakOpts...)

	fake := newFakeAI(map[string][]string{
		"Architect": nil,
		"Security":  nil,
		"QA":        nil,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var once sync.Once
	fake.onCall = func(string, int) { once.Do(cancel) }

	cfg := councilConfig("parallel", gatekeeperRole("Architect"), gatekeeperRole("Security"), gatekeeperRole("QA"))
	eng := newTestEngine(t, cfg, Deps{AI: fake, Resolver: testResolver(t)})

	out, err := eng.Review(ctx, Input{Changeset: sampleChangeset(t)})
	if err == nil {
		t.Fatal("expected a deadline error from a cancelled run")
	}
	if !errs.IsKind(err, errs.KindDeadline) {
		t.Fatalf("err = %v, want deadline kind", err)
	}
	if out == nil {
		t.Fatal("cancelled run must still return the partial outcome")
	}
	if len(out.Roles) != 3 {
		t.Fatalf("roles = %+v", out.Roles)
	}
	for _, r := range out.Roles {
		if r.State != StateCancelled {
			t.Fatalf("role %s state = %s, want cancelled", r.Role, r.State)
		}
		if r.Verdict != governance.VerdictNeedsInfo {
			t.Fatalf("role %s verdict = %s, want needs-info", r.Role, r.Verdict)
		}
	}
}

func TestLegacySequentialOrder(t *testing.T) {
	fake := newFakeAI(map[string][]string{
		"Architect": {"VERDICT: PASS\nFINDINGS:\nREFERENCES:\n"},
		"Security":  {"VERDICT: PASS\nFINDINGS:\nREFERENCES:\n"},
	})
	cfg := councilConfig("legacy", gatekeeperRole("Architect"), gatekeeperRole("Security"))
	eng := newTestEngine(t, cfg, Deps{AI: fake, Resolver: testResolver(t)})

	out, err := eng.Review(context.Background(), Input{Changeset: sampleChangeset(t)})
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if out.Engine != "legacy" || out.Verdict != governance.VerdictPass {
		t.Fatalf("outcome = %+v", out)
	}
	order := fake.callOrder()
	if len(order) != 2 || order[0] != "Architect" || order[1] != "Security" {
		t.Fatalf("call order = %v, want config order", order)
	}
}

func TestLegacyFailFastHaltsRemainingRoles(t *testing.T) {
	fake := newFakeAI(map[string][]string{
		"Architect": nil,
		"Security":  nil,
	})
	fake.failFor["Architect"] = errors.New("provider exploded")

	cfg := councilConfig("legacy", gatekeeperRole("Architect"), gatekeeperRole("Security"))
	cfg.Council.FailFast = true
	eng := newTestEngine(t, cfg, Deps{AI: fake, Resolver: testResolver(t)})

	out, err := eng.Review(context.Background(), Input{Changeset: sampleChangeset(t)})
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	arch := roleByName(t, out, "Architect")
	if arch.State != StateFailed || !strings.Contains(arch.Error, "provider exploded") {
		t.Fatalf("architect = %+v, want failed with the provider error", arch)
	}
	sec := roleByName(t, out, "Security")
	if sec.State != StateCancelled || sec.Verdict != governance.VerdictNeedsInfo {
		t.Fatalf("security = %+v, want cancelled needs-info", sec)
	}
	if fake.callsFor("Security") != 0 {
		t.Fatal("halted role reached the provider")
	}
}

func TestChunkedReviewDedupesFindings(t *testing.T) {
	fake := newFakeAI(map[string][]string{
		"Architect": {
			"VERDICT: PASS\nFINDINGS:\n- [warn] generated salt table is unreviewed (Source: src/payments.py)\nREFERENCES:\n",
			"VERDICT: PASS\nFINDINGS:\n- [warn] generated salt table is unreviewed (Source: src/payments.py)\nREFERENCES:\n",
		},
	})
	cfg := councilConfig("parallel", gatekeeperRole("Architect"))
	// Force the minimum chunk budget so two large files split.
	cfg.Council.SystemOverhead = 2_000_000
	eng := newTestEngine(t, cfg, Deps{AI: fake, Resolver: testResolver(t)})

	cs := &changeset.Changeset{Files: []changeset.FileDiff{
		bigFileDiff("src/salt_table_a.py", 260),
		bigFileDiff("src/salt_table_b.py", 260),
	}}
	out, err := eng.Review(context.Background(), Input{Changeset: cs})
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if out.ChunkCount != 2 {
		t.Fatalf("chunk count = %d, want 2", out.ChunkCount)
	}
	r := roleByName(t, out, "Architect")
	if r.Chunks != 2 || r.Steps != 2 {
		t.Fatalf("role = %+v, want 2 chunks 2 steps", r)
	}
	if r.Verdict != governance.VerdictPass {
		t.Fatalf("verdict = %s", r.Verdict)
	}
	// The same finding from both chunks folds to one.
	if len(out.Findings) != 1 {
		t.Fatalf("findings = %+v, want deduped single", out.Findings)
	}

	reqs := fake.requestsFor("Architect")
	if len(reqs) != 2 {
		t.Fatalf("requests = %d", len(reqs))
	}
	if !strings.Contains(reqs[0].Messages[1].Content, "part 1 of 2") ||
		!strings.Contains(reqs[1].Messages[1].Content, "part 2 of 2") {
		t.Fatal("chunk tasks do not announce their part numbers")
	}
}
