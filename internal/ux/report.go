package ux

import (
	"fmt"
	"strings"
	"time"

	"storyguard/internal/council"
	"storyguard/internal/governance"
	"storyguard/internal/journey"
	"storyguard/internal/preflight"
)

// Banner renders a verdict as a filled badge.
func Banner(v governance.Verdict, st Styles) string {
	switch v {
	case governance.VerdictBlock:
		return st.BlockBanner.Render(" BLOCK ")
	case governance.VerdictPass:
		return st.PassBanner.Render(" PASS ")
	default:
		return st.InfoBanner.Render(" " + strings.ToUpper(string(v)) + " ")
	}
}

// Report renders a preflight result for a human terminal. JSON output
// is the caller's business.
func Report(res *preflight.Result, st Styles) string {
	var b strings.Builder
	b.WriteString(Banner(res.Verdict, st))
	if res.Empty {
		b.WriteString("  ")
		b.WriteString(st.Muted.Render("nothing to review: the changeset is empty"))
		b.WriteString("\n")
		return b.String()
	}
	b.WriteString("  ")
	b.WriteString(st.Muted.Render(fmt.Sprintf("run %s · %s · %s",
		res.RunID, governance.Summary(res.Findings), formatDuration(res.Duration))))
	b.WriteString("\n\n")

	if len(res.Gates) > 0 {
		b.WriteString(st.Title.Render("Gates"))
		b.WriteString("\n")
		gates := NewTable("Gate", "Result", "Findings", "Time")
		for _, g := range res.Gates {
			result, summary, dur := "pass", governance.Summary(g.Findings), formatDuration(g.Duration)
			switch {
			case g.Skipped:
				result, summary, dur = "skipped", "-", "-"
			case governance.Fold(g.Findings) == governance.VerdictBlock:
				result = "block"
			case len(g.Findings) > 0:
				result = "findings"
			}
			gates.Add(g.Name, result, summary, dur)
		}
		b.WriteString(gates.View(st))
		b.WriteString("\n")
	}

	if res.Council != nil {
		b.WriteString(councilSection(res.Council, st))
	}

	if len(res.Findings) > 0 {
		b.WriteString(st.Title.Render("Findings"))
		b.WriteString("\n")
		for _, f := range res.Findings {
			b.WriteString(FindingLine(f, st))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(res.Affected) > 0 {
		b.WriteString(st.Title.Render("Journeys affected"))
		b.WriteString("\n")
		b.WriteString(journeyLines(res.Affected, res.TestCommands, st))
		b.WriteString("\n")
	}

	if res.AuditPath != "" {
		b.WriteString(st.Muted.Render("audit: " + res.AuditPath))
		b.WriteString("\n")
	}
	return b.String()
}

// PanelReport renders a consultative council outcome. Findings are
// advisory; the banner says so instead of pretending to gate.
func PanelReport(out *council.Outcome, st Styles) string {
	var b strings.Builder
	b.WriteString(st.InfoBanner.Render(" PANEL "))
	b.WriteString("  ")
	b.WriteString(st.Muted.Render(fmt.Sprintf("advisory · %d roles · %s · %s",
		len(out.Roles), governance.Summary(out.Findings), formatDuration(out.Duration))))
	b.WriteString("\n\n")

	b.WriteString(councilSection(out, st))

	if len(out.Findings) > 0 {
		b.WriteString(st.Title.Render("Findings"))
		b.WriteString("\n")
		for _, f := range out.Findings {
			b.WriteString(FindingLine(f, st))
			b.WriteString("\n")
		}
	} else {
		b.WriteString(st.Muted.Render("No findings."))
		b.WriteString("\n")
	}
	return b.String()
}

// ImpactReport renders the journeys a changeset touches and the
// regression commands that cover them.
func ImpactReport(matches []journey.Match, commands []string, st Styles) string {
	if len(matches) == 0 {
		return st.Muted.Render("No journeys cover the changed files.") + "\n"
	}
	var b strings.Builder
	b.WriteString(st.Title.Render(fmt.Sprintf("%d journeys affected", len(matches))))
	b.WriteString("\n")
	b.WriteString(journeyLines(matches, commands, st))
	return b.String()
}

// FindingLine formats one finding, dimming suppressed ones. Mirrors
// governance.Finding.String with the severity tag styled.
func FindingLine(f governance.Finding, st Styles) string {
	tag := severityTag(f.Severity, st)
	var line string
	if loc := f.Location(); loc != "" {
		line = fmt.Sprintf("%s %s: %s", tag, loc, f.Message)
	} else {
		line = fmt.Sprintf("%s %s: %s", tag, f.Role, f.Message)
	}
	if len(f.References) > 0 {
		line += st.Muted.Render("  [" + strings.Join(f.References, ", ") + "]")
	}
	if f.Suppressed {
		line += st.Muted.Render("  (suppressed by " + f.SuppressedBy + ")")
	}
	return line
}

func severityTag(sev governance.Severity, st Styles) string {
	switch sev {
	case governance.SeverityBlock:
		return st.Block.Render("block")
	case governance.SeverityWarn:
		return st.Warn.Render("warn ")
	default:
		return st.Info.Render("info ")
	}
}

func councilSection(out *council.Outcome, st Styles) string {
	var b strings.Builder
	b.WriteString(st.Title.Render("Council"))
	b.WriteString("\n")
	roles := NewTable("Role", "Kind", "Verdict", "Steps")
	for _, r := range out.Roles {
		verdict := string(r.Verdict)
		switch {
		case r.Skipped:
			verdict = "skipped"
		case r.Error != "":
			verdict = verdict + " (" + string(r.State) + ")"
		}
		roles.Add(r.Role, r.Kind, verdict, fmt.Sprintf("%d", r.Steps))
	}
	b.WriteString(roles.View(st))
	b.WriteString(st.Muted.Render(fmt.Sprintf("citations %.0f%% valid · hallucination %.0f%%",
		out.CitationRate*100, out.HallucinationRate*100)))
	b.WriteString("\n\n")
	return b.String()
}

func journeyLines(matches []journey.Match, commands []string, st Styles) string {
	var b strings.Builder
	for _, m := range matches {
		b.WriteString(st.Bold.Render(m.JourneyID))
		b.WriteString("  ")
		b.WriteString(st.Muted.Render(fileSample(m.MatchedFiles)))
		b.WriteString("\n")
	}
	for _, cmd := range commands {
		b.WriteString(st.Muted.Render("run: "))
		b.WriteString(cmd)
		b.WriteString("\n")
	}
	return b.String()
}

// fileSample lists up to three matched files and counts the rest.
func fileSample(files []string) string {
	const show = 3
	if len(files) <= show {
		return strings.Join(files, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(files[:show], ", "), len(files)-show)
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second / 10).String()
}
