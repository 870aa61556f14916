package council

import (
	"storyguard/internal/governance"
	"storyguard/internal/logging"
)

// recordFinal validates one chunk's terminal answer and folds it into
// the role result. Findings whose source does not resolve are dropped,
// never passed through; the drop is visible in the counters and in the
// debug log rather than silently absorbed.
func (r *roleRun) recordFinal(chunkID string, fr *finalReply) {
	r.verdicts = append(r.verdicts, fr.Verdict)

	for _, pf := range fr.Findings {
		sev := r.effectiveSeverity(pf, fr.Verdict)

		if pf.Source == "" {
			r.res.Dropped++
			if sev == governance.SeverityBlock {
				r.res.DroppedCritical++
			}
			logging.CouncilDebug("role %s: dropped uncited finding %q", r.role.Name, pf.Text)
			continue
		}
		if !r.s.deps.Resolver.Resolve(pf.Source) {
			r.res.Dropped++
			r.res.InvalidRefs++
			if sev == governance.SeverityBlock {
				r.res.DroppedCritical++
			}
			logging.CouncilDebug("role %s: dropped finding with unresolvable source %q", r.role.Name, pf.Source)
			continue
		}

		r.res.ValidRefs++
		f := governance.Finding{
			Role:       r.role.Name,
			Severity:   sev,
			Message:    pf.Text,
			References: []string{pf.Source},
			ChunkID:    chunkID,
		}
		if ref, ok := governance.ParseReference(pf.Source); ok && ref.Kind == governance.RefFile {
			f.File, f.Line = ref.File, ref.Line
		}
		r.res.Findings = append(r.res.Findings, f)
	}

	for _, c := range fr.References {
		c.Valid = c.Ref != "" && r.s.deps.Resolver.Resolve(c.Ref)
		if c.Valid {
			r.res.ValidRefs++
		} else {
			r.res.InvalidRefs++
		}
		r.res.References = append(r.res.References, c)
	}

	// Same-role findings repeat across chunks when hunks of one file
	// land in different chunks.
	r.res.Findings = governance.Dedupe(r.res.Findings)
}

// effectiveSeverity fills an untagged finding's severity from context:
// a blocking verdict makes its findings block, otherwise warn. A
// consultative role advises, so its findings cap at warn.
func (r *roleRun) effectiveSeverity(pf parsedFinding, verdict governance.Verdict) governance.Severity {
	sev := pf.Severity
	if sev == "" {
		if verdict == governance.VerdictBlock {
			sev = governance.SeverityBlock
		} else {
			sev = governance.SeverityWarn
		}
	}
	if r.role.Kind == "consultative" && sev == governance.SeverityBlock {
		sev = governance.SeverityWarn
	}
	return sev
}
