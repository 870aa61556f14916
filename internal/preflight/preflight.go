// Package preflight sequences the governance gates over one changeset:
// external linters and the ADR lint engine first, then the journey
// contract check, then the AI council. The deterministic gates are
// binding on their own; the council can add blocks but never lift one.
// Everything folds into a single verdict, an audit artifact, and a CLI
// exit code.
package preflight

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"storyguard/internal/adrlint"
	"storyguard/internal/audit"
	"storyguard/internal/changeset"
	"storyguard/internal/config"
	"storyguard/internal/council"
	"storyguard/internal/errs"
	"storyguard/internal/exceptions"
	"storyguard/internal/governance"
	"storyguard/internal/journey"
	"storyguard/internal/logging"
	"storyguard/internal/store"
)

// Deps wires the orchestrator's collaborators. Source defaults to the
// workspace git diff; Lint is built on demand when nil. Store, Audit,
// and Emitter may be nil, in which case nothing is persisted.
type Deps struct {
	Source     changeset.Source
	Lint       *adrlint.Engine
	Linters    []Linter
	Index      *journey.Index
	Exceptions *exceptions.Resolver
	Council    council.Engine
	Store      *store.Store
	Audit      *audit.Logger
	Emitter    *logging.Emitter
}

// Flags are the per-invocation switches, mirroring the CLI surface.
type Flags struct {
	// Base is the git ref to diff against; empty reviews the staged
	// index against HEAD.
	Base  string
	Story string

	// Deadline overrides the configured council deadline when
	// DeadlineSet is true. An explicit zero or negative deadline
	// blocks before any role is dispatched.
	Deadline    time.Duration
	DeadlineSet bool

	// Mode defaults to gatekeeper. Consultative runs report findings
	// but always pass.
	Mode council.Mode

	SkipLint     bool
	SkipJourneys bool
	SkipCouncil  bool

	// DryRun reviews without writing the audit artifact or run record.
	DryRun bool
}

// GateResult records one gate's pass for the report.
type GateResult struct {
	Name     string
	Findings []governance.Finding
	Skipped  bool
	Duration time.Duration
}

// Result is the aggregate of one preflight run.
type Result struct {
	RunID   string
	Verdict governance.Verdict

	// Findings is the merged stream across gates and council, after
	// the final suppression pass, sorted.
	Findings []governance.Finding
	Gates    []GateResult
	Council  *council.Outcome

	// Affected lists the journeys the changeset touches, and
	// TestCommands the regression commands to run for them.
	Affected     []journey.Match
	TestCommands []string

	AuditPath string
	Empty     bool
	StartedAt time.Time
	Duration  time.Duration
}

// Blocking returns the findings that hold the verdict at BLOCK.
func (r *Result) Blocking() []governance.Finding {
	var out []governance.Finding
	for _, f := range r.Findings {
		if f.Blocking() {
			out = append(out, f)
		}
	}
	return out
}

// Orchestrator runs the preflight pipeline.
type Orchestrator struct {
	cfg  *config.Config
	deps Deps
}

func New(cfg *config.Config, deps Deps) *Orchestrator {
	return &Orchestrator{cfg: cfg, deps: deps}
}

type gateFunc func(ctx context.Context) ([]governance.Finding, error)

// Run executes the full gate sequence. A non-nil Result comes back
// even alongside an error so callers can report partial progress.
func (o *Orchestrator) Run(ctx context.Context, flags Flags) (*Result, error) {
	started := time.Now()
	if flags.Mode == "" {
		flags.Mode = council.ModeGatekeeper
	}

	res := &Result{
		RunID:     uuid.NewString(),
		Verdict:   governance.VerdictPass,
		StartedAt: started,
	}
	if o.deps.Exceptions != nil {
		o.deps.Exceptions.SetRunID(res.RunID)
	}
	o.emit(logging.EventRunStarted, res.RunID, map[string]any{
		"base":   flags.Base,
		"story":  flags.Story,
		"engine": o.cfg.Council.Engine,
		"mode":   string(flags.Mode),
	})

	source := o.deps.Source
	if source == nil {
		source = changeset.GitSource{Workspace: o.cfg.Workspace, Base: flags.Base}
	}
	cs, err := source.Load(ctx)
	if err != nil {
		return res, err
	}
	if cs.IsEmpty() {
		res.Empty = true
		res.Duration = time.Since(started)
		logging.Preflight("empty changeset, nothing to review")
		o.emit(logging.EventRunFinished, res.RunID, map[string]any{
			"verdict": string(res.Verdict),
			"empty":   true,
		})
		return res, nil
	}
	added, deleted := cs.Stats()
	logging.Preflight("reviewing %d files (+%d -%d)", len(cs.Files), added, deleted)

	gates := []struct {
		name string
		skip bool
		flag string
		fn   gateFunc
	}{
		{"linters", flags.SkipLint, "--skip-lint", func(ctx context.Context) ([]governance.Finding, error) {
			return o.externalLint(ctx, cs)
		}},
		{"adr-lint", flags.SkipLint, "--skip-lint", func(ctx context.Context) ([]governance.Finding, error) {
			return o.adrLint(ctx, cs)
		}},
		{"journeys", flags.SkipJourneys, "--skip-journeys", func(ctx context.Context) ([]governance.Finding, error) {
			return o.journeyGate(ctx, cs, res)
		}},
	}
	for _, g := range gates {
		if g.skip {
			o.skipGate(res, g.name, g.flag)
			continue
		}
		start := time.Now()
		findings, err := g.fn(ctx)
		if err != nil {
			return res, err
		}
		res.Gates = append(res.Gates, GateResult{
			Name:     g.name,
			Findings: findings,
			Duration: time.Since(start),
		})
		res.Findings = append(res.Findings, findings...)
		o.emit(logging.EventGateCompleted, res.RunID, map[string]any{
			"gate":     g.name,
			"findings": len(findings),
			"ms":       time.Since(start).Milliseconds(),
		})
		logging.Preflight("gate %s: %s", g.name, governance.Summary(findings))
	}

	// The council runs even when a deterministic gate already blocks;
	// its findings add context but cannot lift a lint block.
	outcome, councilErr := o.convene(ctx, flags, cs, res)
	res.Council = outcome
	if outcome != nil {
		res.Findings = append(res.Findings, outcome.Findings...)
	}
	if councilErr != nil && !errs.IsKind(councilErr, errs.KindDeadline) {
		return res, councilErr
	}
	if councilErr != nil {
		// The roles that finished are in the partial outcome; the run
		// itself blocks with the deadline on record.
		res.Findings = append(res.Findings, governance.Finding{
			Role:     "council",
			Severity: governance.SeverityBlock,
			Message:  "deadline: " + councilErr.Error(),
		})
	}

	// One final suppression pass over the merged stream. Gates and
	// council applied their own; already-marked findings pass through.
	res.Findings = o.suppress(res.Findings)
	governance.Sort(res.Findings)

	res.Verdict = governance.Fold(res.Findings)
	if outcome != nil && outcome.Verdict == governance.VerdictBlock {
		// A role may block on a bare assertion with no finding
		// attached; the outcome verdict is authoritative for that.
		res.Verdict = governance.VerdictBlock
	}
	if flags.Mode == council.ModeConsultative {
		res.Verdict = governance.VerdictPass
	}

	res.Duration = time.Since(started)
	if outcome != nil && !flags.DryRun {
		if err := o.record(flags, cs, outcome, res, started); err != nil {
			return res, err
		}
	}
	o.emit(logging.EventRunFinished, res.RunID, map[string]any{
		"verdict":  string(res.Verdict),
		"findings": len(res.Findings),
		"audit":    res.AuditPath,
		"ms":       res.Duration.Milliseconds(),
	})
	logging.Preflight("verdict %s (%s)", res.Verdict, governance.Summary(res.Findings))
	return res, nil
}

func (o *Orchestrator) skipGate(res *Result, name, flag string) {
	res.Gates = append(res.Gates, GateResult{Name: name, Skipped: true})
	logging.Preflight("gate %s skipped by %s", name, flag)
	o.emit(logging.EventSkipFlag, res.RunID, map[string]any{
		"gate": name,
		"flag": flag,
	})
}

// adrLint runs the enforcement rules of every machine-readable ADR
// over the changed files. Rule and ADR parse problems surface as warn
// findings instead of aborting the gate.
func (o *Orchestrator) adrLint(ctx context.Context, cs *changeset.Changeset) ([]governance.Finding, error) {
	eng, err := o.lintEngine()
	if err != nil {
		return nil, err
	}
	lr, err := eng.Run(ctx, cs.Paths())
	if err != nil {
		return nil, err
	}
	return append(lr.Findings, adrlint.ConfigFindings(lr.Issues)...), nil
}

// lintEngine returns the wired ADR lint engine or builds one over the
// workspace.
func (o *Orchestrator) lintEngine() (*adrlint.Engine, error) {
	if o.deps.Lint != nil {
		return o.deps.Lint, nil
	}
	eng, err := adrlint.New(o.cfg.Workspace, o.cfg.ADRDir())
	if err != nil {
		return nil, err
	}
	eng.SetEmitter(o.deps.Emitter)
	return eng, nil
}

// convene runs the council under its deadline. A spent deadline blocks
// before any role is dispatched; a deadline that fires mid-run comes
// back as a KindDeadline error next to the partial outcome.
func (o *Orchestrator) convene(ctx context.Context, flags Flags, cs *changeset.Changeset, res *Result) (*council.Outcome, error) {
	if flags.SkipCouncil {
		o.skipGate(res, "council", "--skip-council")
		return nil, nil
	}
	if o.deps.Council == nil {
		return nil, errs.New(errs.KindConfig, "no council engine wired")
	}

	deadline := o.cfg.CouncilDeadline()
	if flags.DeadlineSet {
		deadline = flags.Deadline
	}
	if deadline <= 0 {
		out := &council.Outcome{
			RunID:   res.RunID,
			Engine:  o.deps.Council.Name(),
			Mode:    flags.Mode,
			Verdict: governance.VerdictBlock,
			Findings: []governance.Finding{{
				Role:     "council",
				Severity: governance.SeverityBlock,
				Message:  "deadline: no time budget left to convene the council",
			}},
		}
		res.Gates = append(res.Gates, GateResult{Name: "council", Findings: out.Findings})
		return out, nil
	}

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	out, err := o.deps.Council.Review(ctx, council.Input{
		RunID:     res.RunID,
		Changeset: cs,
		Story:     flags.Story,
		Refs:      o.referenceIDs(),
		Mode:      flags.Mode,
	})
	gr := GateResult{Name: "council", Duration: time.Since(start)}
	if out != nil {
		gr.Findings = out.Findings
	}
	res.Gates = append(res.Gates, gr)
	o.emit(logging.EventGateCompleted, res.RunID, map[string]any{
		"gate":     "council",
		"findings": len(gr.Findings),
		"ms":       gr.Duration.Milliseconds(),
	})
	return out, err
}

// referenceIDs collects the governance IDs the roles may cite: every
// loadable ADR, journey, and accepted exception in the workspace.
func (o *Orchestrator) referenceIDs() council.RefIDs {
	var refs council.RefIDs
	if adrs, _, err := adrlint.LoadADRs(o.cfg.ADRDir()); err == nil {
		for _, a := range adrs {
			if a.ID != "" {
				refs.ADRs = append(refs.ADRs, a.ID)
			}
		}
	}
	if journeys, _, err := journey.LoadAll(o.cfg.JourneyDir()); err == nil {
		for _, j := range journeys {
			refs.Journeys = append(refs.Journeys, j.ID)
		}
	}
	if o.deps.Exceptions != nil {
		for _, rec := range o.deps.Exceptions.Records() {
			refs.Exceptions = append(refs.Exceptions, rec.ID)
		}
	}
	return refs
}

func (o *Orchestrator) suppress(findings []governance.Finding) []governance.Finding {
	if o.deps.Exceptions == nil {
		return findings
	}
	return o.deps.Exceptions.Apply(findings)
}

// record writes the audit artifact pair and the run record. The
// verdict already stands; persistence failures surface as errors so
// a review never silently loses its evidence.
func (o *Orchestrator) record(flags Flags, cs *changeset.Changeset, out *council.Outcome, res *Result, started time.Time) error {
	base, head := refLabels(flags.Base)
	finished := time.Now()
	run := audit.FromOutcome(out, audit.Meta{
		StoryID:    flags.Story,
		BaseRef:    base,
		HeadRef:    head,
		StartedAt:  started,
		FinishedAt: finished,
	})
	if o.deps.Audit != nil {
		mdPath, _, err := o.deps.Audit.Write(run)
		if err != nil {
			return err
		}
		res.AuditPath = mdPath
	}
	if o.deps.Store != nil {
		payload, err := json.Marshal(run)
		if err != nil {
			return errs.Wrap(errs.KindInternal, err, "encode run payload")
		}
		rec := store.RunRecord{
			ID:                out.RunID,
			StoryID:           flags.Story,
			ChangesetRef:      cs.Fingerprint(),
			Engine:            out.Engine,
			Verdict:           string(out.Verdict),
			CitationRate:      out.CitationRate,
			HallucinationRate: out.HallucinationRate,
			AuditPath:         res.AuditPath,
			StartedAt:         started,
			FinishedAt:        finished,
			Payload:           string(payload),
		}
		if err := o.deps.Store.SaveRun(rec); err != nil {
			return err
		}
	}
	return nil
}

// refLabels names the two sides of the diff for the audit header,
// following the git source semantics: no base means HEAD against the
// staged index, a base means that ref against the worktree.
func refLabels(base string) (string, string) {
	if base == "" {
		return "HEAD", "index"
	}
	return base, "worktree"
}

func (o *Orchestrator) emit(typ logging.EventType, runID string, fields map[string]any) {
	o.deps.Emitter.Emit(typ, runID, fields)
}

// ExitCode maps a run outcome onto the CLI contract: 0 clean pass,
// 2 blocked, 3 configuration problem, 1 anything else.
func ExitCode(res *Result, err error) int {
	switch {
	case err != nil && errs.IsKind(err, errs.KindConfig):
		return 3
	case err != nil:
		return 1
	case res == nil:
		return 1
	case res.Verdict == governance.VerdictBlock:
		return 2
	default:
		return 0
	}
}
