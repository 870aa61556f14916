package council

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"storyguard/internal/config"
	"storyguard/internal/governance"
)

// The role protocol is text-based so every provider can drive it. A
// role replies either with a tool request:
//
//	Thought: <reasoning>
//	Action: <tool name>
//	Action Input: <JSON arguments>
//
// or with its terminal answer:
//
//	VERDICT: PASS | BLOCK
//	FINDINGS:
//	- [severity] <text> (Source: <path|ADR-id|JRN-id>)
//	REFERENCES:
//	- <ADR-id>: <reason>
//
// The parser is deliberately forgiving about casing, stray prose, and
// fenced JSON; models earn format feedback, not failures.

type parsedFinding struct {
	Text     string
	Source   string
	Severity governance.Severity
}

type finalReply struct {
	Verdict    governance.Verdict
	Findings   []parsedFinding
	References []Citation
}

type parsedReply struct {
	Thought     string
	Action      string
	ActionInput string
	Final       *finalReply

	sections map[string]bool
}

// Malformed reports whether the reply is neither a tool call nor a
// terminal answer.
func (p *parsedReply) Malformed() bool {
	return p.Final == nil && !(p.Action != "" && p.sections["action_input"])
}

// IsToolCall reports whether the reply requests a tool.
func (p *parsedReply) IsToolCall() bool {
	return p.Final == nil && p.Action != "" && p.sections["action_input"]
}

var (
	verdictLineRe = regexp.MustCompile(`(?im)^\s*VERDICT:\s*(\S+)`)
	sourceTailRe  = regexp.MustCompile(`\(Source:\s*([^)]+)\)\s*$`)
	severityTagRe = regexp.MustCompile(`(?i)^\[(block|warn|info)\]\s*`)
)

// parseReply classifies one model response. Tool calls win over a
// terminal answer when both appear, matching the loop's expectation
// that a verdict is the final thing a role says.
func parseReply(text string) *parsedReply {
	p := &parsedReply{sections: map[string]bool{}}
	if strings.TrimSpace(text) == "" {
		return p
	}

	lines := strings.Split(text, "\n")
	section := ""
	var thought, actionInput []string
	var final *finalReply
	finalSection := ""

	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "Thought:"):
			section = "thought"
			p.sections["thought"] = true
			thought = append(thought, strings.TrimSpace(strings.TrimPrefix(line, "Thought:")))

		case strings.HasPrefix(line, "Action:"):
			section = "action"
			p.sections["action"] = true
			p.Action = strings.TrimSpace(strings.TrimPrefix(line, "Action:"))

		case strings.HasPrefix(line, "Action Input:"):
			section = "action_input"
			p.sections["action_input"] = true
			actionInput = append(actionInput, strings.TrimSpace(strings.TrimPrefix(line, "Action Input:")))

		case verdictLineRe.MatchString(line) && final == nil:
			section = "final"
			p.sections["verdict"] = true
			m := verdictLineRe.FindStringSubmatch(line)
			final = &finalReply{Verdict: parseVerdict(m[1])}

		case final != nil && strings.EqualFold(line, "FINDINGS:"):
			finalSection = "findings"
		case final != nil && strings.EqualFold(line, "REFERENCES:"):
			finalSection = "references"

		case final != nil && strings.HasPrefix(line, "- "):
			entry := strings.TrimSpace(line[2:])
			switch finalSection {
			case "findings":
				final.Findings = append(final.Findings, parseFinding(entry))
			case "references":
				final.References = append(final.References, parseCitation(entry))
			}

		default:
			switch section {
			case "thought":
				if line != "" {
					thought = append(thought, line)
				}
			case "action_input":
				actionInput = append(actionInput, raw)
			}
		}
	}

	p.Thought = strings.TrimSpace(strings.Join(thought, "\n"))
	p.ActionInput = strings.TrimSpace(strings.Join(actionInput, "\n"))

	// A tool call takes precedence; a verdict sharing the reply with an
	// action is treated as premature and ignored.
	if p.Action != "" && p.sections["action_input"] {
		return p
	}
	if final != nil && final.Verdict != "" {
		p.Final = final
	}
	return p
}

// parseVerdict normalizes the verdict token; anything unrecognized
// yields "" and the reply counts as malformed.
func parseVerdict(tok string) governance.Verdict {
	switch strings.ToUpper(strings.Trim(tok, ".,!`*")) {
	case "PASS":
		return governance.VerdictPass
	case "BLOCK":
		return governance.VerdictBlock
	}
	return ""
}

// parseFinding splits "[warn] text (Source: x)" into its parts. The
// severity tag is optional; the validator assigns a default from the
// role's verdict and kind when absent.
func parseFinding(entry string) parsedFinding {
	f := parsedFinding{Text: entry}
	if m := severityTagRe.FindStringSubmatch(f.Text); m != nil {
		f.Severity = governance.Severity(strings.ToLower(m[1]))
		f.Text = strings.TrimSpace(f.Text[len(m[0]):])
	}
	if m := sourceTailRe.FindStringSubmatch(f.Text); m != nil {
		f.Source = strings.TrimSpace(m[1])
		f.Text = strings.TrimSpace(sourceTailRe.ReplaceAllString(f.Text, ""))
	}
	return f
}

// parseCitation splits "ADR-7: reason" into a Citation.
func parseCitation(entry string) Citation {
	if i := strings.Index(entry, ":"); i >= 0 {
		return Citation{Ref: strings.TrimSpace(entry[:i]), Reason: strings.TrimSpace(entry[i+1:])}
	}
	return Citation{Ref: strings.TrimSpace(entry)}
}

// parseActionArgs decodes the Action Input JSON, tolerating fenced
// blocks and an empty body (no-argument tools).
func parseActionArgs(s string) (map[string]any, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if s == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(s), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// formatFeedback tells the model precisely which section was missing.
// Appended as an observation so the next step can self-correct.
func formatFeedback(p *parsedReply) string {
	var specific string
	switch {
	case p.sections["action"] && !p.sections["action_input"]:
		specific = "Your reply has \"Action:\" but no \"Action Input:\". Every Action needs an Action Input line, even an empty one for tools without arguments."
	case p.sections["action_input"] && !p.sections["action"]:
		specific = "Your reply has \"Action Input:\" but no \"Action:\" naming the tool."
	case p.sections["verdict"]:
		specific = "Your VERDICT was not PASS or BLOCK. Those are the only two verdicts."
	case p.sections["thought"]:
		specific = "Your reply only contains reasoning. Either call a tool (Action + Action Input) or conclude with a VERDICT."
	default:
		specific = "Could not find any protocol section in your reply."
	}
	return "Observation: FORMAT ERROR. " + specific + "\n" + formatReminder
}

const formatReminder = `Reply in exactly one of two shapes.

To consult a tool:
Thought: <your reasoning>
Action: <tool name>
Action Input: <JSON arguments>

To conclude:
VERDICT: PASS or BLOCK
FINDINGS:
- <finding> (Source: <path or ADR-id or JRN-id>)
REFERENCES:
- <ADR-id>: <why it applies>`

// observation wraps tool output for the conversation.
func observation(text string) string {
	return "Observation: " + text
}

func errObservation(context string, err error) string {
	return fmt.Sprintf("Observation: Error - %s: %v", context, err)
}

// buildSystemInstruction assembles the scoped identity for one role:
// its own charge, the domains it must not judge, the reply protocol,
// and the tool catalog when the role may use tools.
func buildSystemInstruction(role config.RoleConfig, all []config.RoleConfig, catalog string, canDelegate bool) string {
	var b strings.Builder
	b.WriteString(role.SystemInstruction)
	b.WriteString("\n\nFocus area: ")
	b.WriteString(role.FocusArea)
	b.WriteString(".\n")

	var others []string
	for _, r := range all {
		if r.Name != role.Name {
			others = append(others, r.FocusArea)
		}
	}
	if len(others) > 0 {
		b.WriteString("You may not evaluate other domains: {")
		b.WriteString(strings.Join(others, "; "))
		b.WriteString("}. Findings outside your focus area will be discarded.\n")
	}
	if len(role.GovernanceChecks) > 0 {
		b.WriteString("Checks you own: ")
		b.WriteString(strings.Join(role.GovernanceChecks, ", "))
		b.WriteString(".\n")
	}

	if catalog != "" && role.MayRequestTools {
		b.WriteString("\nTools available to you:\n")
		b.WriteString(catalog)
		if canDelegate && role.MayDelegate {
			b.WriteString("- " + delegateToolName + ` {"role": "<role name>", "question": "<what to investigate>"}: ask another council role to investigate one question and report back` + "\n")
		}
	}

	b.WriteString("\nEvery finding must cite its source as a workspace path, ADR id, or JRN id; findings without a resolvable source are dropped.\n")
	b.WriteString(formatReminder)
	return b.String()
}

// buildTask renders the user turn: story, governance context as bare
// IDs, and the diff chunk.
func buildTask(in Input, chunk Chunk, idx, total int) string {
	var b strings.Builder
	b.WriteString("Review this change.\n")
	if in.Story != "" {
		fmt.Fprintf(&b, "Driving story: %s\n", in.Story)
	}
	if in.Question != "" {
		fmt.Fprintf(&b, "A fellow council role asks you specifically: %s\n", in.Question)
	}

	var refs []string
	if len(in.Refs.ADRs) > 0 {
		refs = append(refs, "ADRs: "+strings.Join(in.Refs.ADRs, ", "))
	}
	if len(in.Refs.Journeys) > 0 {
		refs = append(refs, "Journeys: "+strings.Join(in.Refs.Journeys, ", "))
	}
	if len(in.Refs.Exceptions) > 0 {
		refs = append(refs, "Exceptions: "+strings.Join(in.Refs.Exceptions, ", "))
	}
	if len(refs) > 0 {
		b.WriteString("Governance context (IDs only; fetch bodies with read_adr/read_journey as needed): ")
		b.WriteString(strings.Join(refs, "; "))
		b.WriteString("\n")
	}

	if total > 1 {
		fmt.Fprintf(&b, "\nDiff (part %d of %d):\n", idx+1, total)
	} else {
		b.WriteString("\nDiff:\n")
	}
	b.WriteString(chunk.Text)
	return b.String()
}
