package audit

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"storyguard/internal/governance"
)

// Render produces the Markdown artifact. Parse reads it back; every
// structured field survives the round trip, so the renderer never
// truncates or reformats values lossily.
func (r *Run) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Council Audit %s\n\n", r.ID)

	field := func(key, value string) {
		if value != "" {
			fmt.Fprintf(&b, "- **%s:** %s\n", key, value)
		}
	}
	field("Run", r.RunID)
	field("Story", r.StoryID)
	field("Base", r.BaseRef)
	field("Head", r.HeadRef)
	field("Engine", r.Engine)
	field("Mode", r.Mode)
	field("Verdict", string(r.Verdict))
	field("Citation rate", formatRate(r.CitationRate))
	field("Hallucination rate", formatRate(r.HallucinationRate))
	field("Chunks", strconv.Itoa(r.ChunkCount))
	field("Duration", r.Duration.String())
	if !r.StartedAt.IsZero() {
		field("Started", r.StartedAt.UTC().Format(time.RFC3339Nano))
	}
	if !r.FinishedAt.IsZero() {
		field("Finished", r.FinishedAt.UTC().Format(time.RFC3339Nano))
	}

	if len(r.Roles) > 0 {
		b.WriteString("\n## Roles\n")
		for _, role := range r.Roles {
			fmt.Fprintf(&b, "\n### %s (%s)\n\n", role.Name, role.Kind)
			fmt.Fprintf(&b, "- **Verdict:** %s\n", role.Verdict)
			fmt.Fprintf(&b, "- **State:** %s\n", role.State)
			fmt.Fprintf(&b, "- **Steps:** %d\n", role.Steps)
			if role.Skipped {
				b.WriteString("- **Skipped:** yes\n")
			}
			if len(role.DelegatedTo) > 0 {
				fmt.Fprintf(&b, "- **Delegated:** %s\n", strings.Join(role.DelegatedTo, ", "))
			}
			if role.Error != "" {
				fmt.Fprintf(&b, "- **Error:** %s\n", role.Error)
			}
			for _, f := range role.Findings {
				b.WriteString(formatFinding(f))
				b.WriteByte('\n')
			}
		}
	}

	if len(r.Suppressions) > 0 {
		b.WriteString("\n## Suppressions\n\n")
		for _, s := range r.Suppressions {
			fmt.Fprintf(&b, "- %s suppressed [%s] %s: %s\n", s.By, s.Severity, s.Role, s.Message)
		}
	}
	return b.String()
}

// formatRate keeps full float precision; audit rates must survive
// parse(render(run)) bit-exactly, display rounding is the UX layer's
// job.
func formatRate(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// formatFinding renders one finding bullet:
//
//	- [sev][suppressed:EXC-n] (refs | file:line) message
//
// The location group appears only when it cannot be re-derived from
// the reference list.
func formatFinding(f governance.Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- [%s]", f.Severity)
	if f.Suppressed {
		fmt.Fprintf(&b, "[suppressed:%s]", f.SuppressedBy)
	}
	group := strings.Join(f.References, ", ")
	if f.File != "" {
		if df, dl := deriveLocation(f.References); df != f.File || dl != f.Line {
			loc := f.File
			if f.Line > 0 {
				loc = fmt.Sprintf("%s:%d", f.File, f.Line)
			}
			group += " | " + loc
		}
	}
	fmt.Fprintf(&b, " (%s) %s", group, f.Message)
	return b.String()
}

// deriveLocation returns the file location implied by the first
// file-kind reference.
func deriveLocation(refs []string) (string, int) {
	for _, r := range refs {
		if ref, ok := governance.ParseReference(r); ok && ref.Kind == governance.RefFile {
			return ref.File, ref.Line
		}
	}
	return "", 0
}
