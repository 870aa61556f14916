package council

import (
	"context"
	"strings"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"storyguard/internal/errs"
	"storyguard/internal/governance"
	"storyguard/internal/logging"
)

func TestAdkDelegationFlow(t *testing.T) {
	defer goleak.VerifyNone(t, goleakOpts...)

	fake := newFakeAI(map[string][]string{
		"Architect": {
			"Thought: the md5 usage needs a security read.\nAction: consult_role\nAction Input: {\"role\": \"Security\", \"question\": \"is md5 acceptable for cache keys?\"}",
			"VERDICT: PASS\nFINDINGS:\nREFERENCES:\n- ADR-101 - hashing standard reviewed\n",
		},
		"Security": {
			"VERDICT: PASS\nFINDINGS:\n- [warn] md5 used for cache keys (Source: src/payments.py:3)\nREFERENCES:\n- src/payments.py:3 - md5 call site\n",
		},
	})

	architect := gatekeeperRole("Architect")
	architect.MayRequestTools = true
	architect.MayDelegate = true
	cfg := councilConfig("adk", architect, gatekeeperRole("Security"))

	emitter, err := logging.NewEmitter(t.TempDir())
	if err != nil {
		t.Fatalf("NewEmitter: %v", err)
	}
	defer emitter.Close()
	var (
		evMu   sync.Mutex
		events []logging.Event
	)
	emitter.Subscribe(func(ev logging.Event) {
		evMu.Lock()
		events = append(events, ev)
		evMu.Unlock()
	})

	eng := newTestEngine(t, cfg, Deps{
		AI:       fake,
		Tools:    lookupRegistry(t),
		Resolver: testResolver(t),
		Emitter:  emitter,
	})
	out, err := eng.Review(context.Background(), Input{Changeset: sampleChangeset(t)})
	if err != nil {
		t.Fatalf("Review: %v", err)
	}

	if out.Engine != "adk" {
		t.Fatalf("engine = %q, want adk", out.Engine)
	}
	if out.Verdict != governance.VerdictPass {
		t.Fatalf("verdict = %s, want PASS", out.Verdict)
	}

	arch := roleByName(t, out, "Architect")
	if arch.State != StateFinalized || arch.Verdict != governance.VerdictPass {
		t.Fatalf("architect state=%s verdict=%s", arch.State, arch.Verdict)
	}
	if len(arch.DelegatedTo) != 1 || arch.DelegatedTo[0] != "Security" {
		t.Fatalf("DelegatedTo = %v", arch.DelegatedTo)
	}

	// The delegate's result reaches the requester as a digest
	// observation, not as merged findings.
	archReqs := fake.requestsFor("Architect")
	if len(archReqs) != 2 {
		t.Fatalf("architect calls = %d, want 2", len(archReqs))
	}
	if !strings.Contains(archReqs[0].Messages[0].Content, delegateToolName) {
		t.Fatalf("architect system prompt does not advertise %s", delegateToolName)
	}
	obs := lastMessage(archReqs[1])
	if !strings.Contains(obs, "Security reports verdict PASS") ||
		!strings.Contains(obs, "md5 used for cache keys (Source: src/payments.py:3)") {
		t.Fatalf("digest observation = %q", obs)
	}

	// Security answered twice: once for the consult, once as its own
	// council seat. Only the seat's finding enters the merged stream.
	if n := fake.callsFor("Security"); n != 2 {
		t.Fatalf("security calls = %d, want 2", n)
	}
	if len(out.Findings) != 1 {
		t.Fatalf("merged findings = %+v, want exactly the seat finding", out.Findings)
	}
	f := out.Findings[0]
	if f.Role != "Security" || f.Severity != governance.SeverityWarn || !strings.Contains(f.Message, "md5 used for cache keys") {
		t.Fatalf("finding = %+v", f)
	}

	evMu.Lock()
	defer evMu.Unlock()
	var deleg *logging.Event
	for i := range events {
		if events[i].Type == logging.EventDelegation {
			deleg = &events[i]
			break
		}
	}
	if deleg == nil {
		t.Fatal("no delegation event emitted")
	}
	if deleg.Fields["from"] != "Architect" || deleg.Fields["to"] != "Security" {
		t.Fatalf("delegation edge fields = %v", deleg.Fields)
	}
	if deleg.Fields["depth"] != 1 {
		t.Fatalf("delegation depth = %v, want 1", deleg.Fields["depth"])
	}
	if deleg.Fields["question"] != "is md5 acceptable for cache keys?" {
		t.Fatalf("delegation question = %v", deleg.Fields["question"])
	}
}

func TestCoordinatorRejectsBadTargets(t *testing.T) {
	cfg := councilConfig("adk", gatekeeperRole("Architect"), gatekeeperRole("Security"))
	s := &scheduler{cfg: cfg, deps: Deps{AI: newFakeAI(nil), Resolver: testResolver(t)}}
	coord := newCoordinator(s, Input{RunID: "run-reject"}, nil)

	cases := []struct {
		name   string
		chain  []string
		target string
		want   string
	}{
		{"empty target", []string{"Architect"}, "  ", "needs a target role name"},
		{"unknown role", []string{"Architect"}, "Compliance", `no council role named "Compliance"`},
		{"depth exceeded", []string{"Architect", "QA", "Docs"}, "Security", "exceeds the limit"},
		{"cycle", []string{"Architect", "Security"}, "security", "already investigating"},
	}
	for _, tc := range cases {
		_, err := coord.consult(context.Background(), tc.chain[len(tc.chain)-1], tc.chain, tc.target, "q")
		if err == nil {
			t.Fatalf("%s: consult succeeded", tc.name)
		}
		if !errs.IsKind(err, errs.KindTool) {
			t.Fatalf("%s: kind = %v", tc.name, err)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: error = %q, want substring %q", tc.name, err, tc.want)
		}
	}
	if edges := coord.Edges(); len(edges) != 0 {
		t.Fatalf("rejected consults recorded edges: %v", edges)
	}
}

func TestCoordinatorRecordsEdges(t *testing.T) {
	fake := newFakeAI(map[string][]string{
		"Security": {"VERDICT: PASS\nFINDINGS:\nREFERENCES:\n"},
	})
	cfg := councilConfig("adk", gatekeeperRole("Architect"), gatekeeperRole("Security"))
	s := &scheduler{cfg: cfg, deps: Deps{AI: fake, Resolver: testResolver(t)}}
	chunks := []Chunk{{ID: "chunk-1", Files: []string{"src/payments.py"}, Text: sampleDiff, Tokens: 40}}
	coord := newCoordinator(s, Input{RunID: "run-edges"}, chunks)

	digest, err := coord.consult(context.Background(), "Architect", []string{"Architect"}, "Security", "anything risky here?")
	if err != nil {
		t.Fatalf("consult: %v", err)
	}
	if !strings.Contains(digest, "Security reports verdict PASS with no findings.") {
		t.Fatalf("digest = %q", digest)
	}

	edges := coord.Edges()
	if len(edges) != 1 {
		t.Fatalf("edges = %v, want 1", edges)
	}
	if edges[0] != (delegationEdge{From: "Architect", To: "Security", Depth: 1}) {
		t.Fatalf("edge = %+v", edges[0])
	}

	// The question rides the sub-review's task prompt.
	reqs := fake.requestsFor("Security")
	if len(reqs) != 1 {
		t.Fatalf("security calls = %d, want 1", len(reqs))
	}
	if !strings.Contains(reqs[0].Messages[1].Content, "A fellow council role asks you specifically: anything risky here?") {
		t.Fatalf("sub-review task = %q", reqs[0].Messages[1].Content)
	}
}

func TestCoordinatorDepthDefaults(t *testing.T) {
	cfg := councilConfig("adk", gatekeeperRole("Architect"))
	cfg.Council.MaxDelegationDepth = 0
	s := &scheduler{cfg: cfg, deps: Deps{AI: newFakeAI(nil)}}
	if coord := newCoordinator(s, Input{}, nil); coord.maxDepth != 2 {
		t.Fatalf("maxDepth = %d, want the default of 2", coord.maxDepth)
	}
}

func TestDelegationDigest(t *testing.T) {
	cases := []struct {
		name string
		res  RoleResult
		want []string
	}{
		{
			name: "no findings",
			res:  RoleResult{Role: "Security", Verdict: governance.VerdictPass},
			want: []string{"Security reports verdict PASS with no findings."},
		},
		{
			name: "failed delegate",
			res:  RoleResult{Role: "QA", Verdict: governance.VerdictNeedsInfo, Error: "provider exploded"},
			want: []string{"QA reports verdict needs-info", "(error: provider exploded)", "with no findings."},
		},
		{
			name: "findings listed with sources",
			res: RoleResult{
				Role:    "Security",
				Verdict: governance.VerdictBlock,
				Findings: []governance.Finding{
					{Severity: governance.SeverityBlock, Message: "weak hash", References: []string{"ADR-101"}},
					{Severity: governance.SeverityWarn, Message: "missing salt", References: []string{"src/payments.py:4"}},
				},
			},
			want: []string{
				"Security reports verdict BLOCK with 2 findings:",
				"- [block] weak hash (Source: ADR-101)",
				"- [warn] missing salt (Source: src/payments.py:4)",
			},
		},
	}
	for _, tc := range cases {
		got := delegationDigest(tc.res)
		for _, want := range tc.want {
			if !strings.Contains(got, want) {
				t.Fatalf("%s: digest %q missing %q", tc.name, got, want)
			}
		}
	}
}
