package preflight

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"storyguard/internal/changeset"
	"storyguard/internal/errs"
	"storyguard/internal/governance"
	"storyguard/internal/journey"
)

// journeyGate maps the changeset onto journeys through the reverse
// index and checks the behavioral contract of each affected one: a
// committed or accepted journey must name tests that exist on disk.
// Gate phase 1 warns about a broken contract, phase 2 blocks. Every
// affected journey contributes its regression command to the result.
func (o *Orchestrator) journeyGate(ctx context.Context, cs *changeset.Changeset, res *Result) ([]governance.Finding, error) {
	if o.deps.Index == nil {
		return nil, errs.New(errs.KindConfig, "no journey index wired")
	}
	matches, err := o.deps.Index.Affected(ctx, cs)
	if err != nil {
		return nil, err
	}
	res.Affected = matches

	journeys, issues, err := journey.LoadAll(o.cfg.JourneyDir())
	if err != nil {
		return nil, err
	}

	// A journey too broken to parse cannot be in the index, so its
	// files are effectively ungoverned. Surfaced as warn findings the
	// same way ADR config problems are.
	var findings []governance.Finding
	for _, issue := range issues {
		findings = append(findings, governance.Finding{
			Role:     "journeys",
			Severity: governance.SeverityWarn,
			Message:  fmt.Sprintf("journey %s: %v", filepath.Base(issue.Path), issue.Err),
		})
	}
	if len(matches) == 0 {
		return findings, nil
	}

	byID := make(map[string]*journey.Journey, len(journeys))
	for _, j := range journeys {
		byID[j.ID] = j
	}

	sev := governance.SeverityWarn
	if o.cfg.Journeys.GatePhase >= 2 {
		sev = governance.SeverityBlock
	}

	commands := make(map[string]bool)
	for _, m := range matches {
		j, ok := byID[m.JourneyID]
		if !ok {
			continue
		}
		commands[journey.TestCommand(j)] = true
		if !j.State.Contractual() {
			continue
		}
		if missing := j.MissingTests(o.cfg.Workspace); len(missing) > 0 {
			// The file anchor lets an EXC scoped to the touched code
			// suppress the contract finding.
			file := ""
			if len(m.MatchedFiles) > 0 {
				file = m.MatchedFiles[0]
			}
			findings = append(findings, governance.Finding{
				Role:       "journeys",
				Severity:   sev,
				Message:    fmt.Sprintf("%s tests missing: %s", j.ID, strings.Join(missing, ", ")),
				File:       file,
				References: []string{j.ID},
			})
		}
	}

	for cmd := range commands {
		res.TestCommands = append(res.TestCommands, cmd)
	}
	sort.Strings(res.TestCommands)
	return findings, nil
}
