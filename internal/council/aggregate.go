package council

import (
	"time"

	"storyguard/internal/governance"
	"storyguard/internal/logging"
)

// aggregate folds role results into the run outcome. Exception
// suppression runs over the merged findings first; the run verdict is
// then computed from what survives, so a fully suppressed blocker
// cannot fail the run. Identical across engines.
func (s *scheduler) aggregate(in Input, engineName string, roles []RoleResult, chunkCount int, started time.Time) *Outcome {
	var merged []governance.Finding
	for _, r := range roles {
		merged = append(merged, r.Findings...)
	}
	if s.deps.Suppress != nil {
		merged = s.deps.Suppress.Apply(merged)
	}
	governance.Sort(merged)

	out := &Outcome{
		RunID:      in.RunID,
		Engine:     engineName,
		Mode:       in.Mode,
		Findings:   merged,
		Roles:      roles,
		ChunkCount: chunkCount,
		Duration:   time.Since(started),
	}
	out.Verdict = s.runVerdict(in.Mode, roles, merged)
	out.CitationRate, out.HallucinationRate = rates(roles)

	logging.Council("run %s: verdict=%s roles=%d findings=%d citation=%.2f hallucination=%.2f",
		in.RunID, out.Verdict, len(roles), len(merged), out.CitationRate, out.HallucinationRate)
	return out
}

// runVerdict applies the aggregation rule: BLOCK iff any gatekeeper
// role still blocks after suppression. Consultative runs never block.
func (s *scheduler) runVerdict(mode Mode, roles []RoleResult, merged []governance.Finding) governance.Verdict {
	if mode == ModeConsultative {
		return governance.VerdictPass
	}
	for _, r := range roles {
		if r.Kind != "gatekeeper" || r.Verdict != governance.VerdictBlock {
			continue
		}
		if roleStillBlocks(r, merged) {
			return governance.VerdictBlock
		}
	}
	return governance.VerdictPass
}

// roleStillBlocks reports whether a blocking role survives suppression:
// either one of its block findings is still unsuppressed in the merged
// stream, or it blocked without any block finding, which nothing can
// suppress. Dropped findings are absent from merged, so the check runs
// against the role's own pre-suppression result.
func roleStillBlocks(r RoleResult, merged []governance.Finding) bool {
	had := false
	for _, f := range r.Findings {
		if f.Severity == governance.SeverityBlock {
			had = true
			break
		}
	}
	if !had {
		return true
	}
	for _, f := range merged {
		if f.Role == r.Role && f.Severity == governance.SeverityBlock && !f.Suppressed {
			return true
		}
	}
	return false
}

// rates computes the citation rate (roles with at least one valid
// reference over participating roles) and the hallucination rate
// (invalid references over all references made).
func rates(roles []RoleResult) (citation, hallucination float64) {
	participated, cited := 0, 0
	valid, invalid := 0, 0
	for _, r := range roles {
		if r.Skipped {
			continue
		}
		participated++
		if r.ValidRefs > 0 {
			cited++
		}
		valid += r.ValidRefs
		invalid += r.InvalidRefs
	}
	if participated > 0 {
		citation = float64(cited) / float64(participated)
	}
	if total := valid + invalid; total > 0 {
		hallucination = float64(invalid) / float64(total)
	}
	return citation, hallucination
}
