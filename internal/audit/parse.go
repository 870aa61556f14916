package audit

import (
	"bufio"
	"strconv"
	"strings"
	"time"

	"storyguard/internal/errs"
	"storyguard/internal/governance"
)

// Parse reads a rendered Markdown audit document back into a Run.
// Unknown field keys are skipped so older binaries can read newer
// documents; malformed finding or suppression lines are errors, since
// silently losing evidence defeats the artifact's purpose.
func Parse(text string) (*Run, error) {
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !sc.Scan() {
		return nil, errs.New(errs.KindConfig, "empty audit document")
	}
	first := sc.Text()
	rest, ok := strings.CutPrefix(first, "# Council Audit")
	if !ok {
		return nil, errs.New(errs.KindConfig, "not an audit document: %q", first)
	}
	run := &Run{ID: strings.TrimSpace(rest)}

	const (
		inSummary = iota
		inRoles
		inSuppressions
	)
	section := inSummary
	var role *Role
	flushRole := func() {
		if role != nil {
			run.Roles = append(run.Roles, *role)
			role = nil
		}
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "## Roles":
			section = inRoles

		case line == "## Suppressions":
			flushRole()
			section = inSuppressions

		case section == inRoles && strings.HasPrefix(line, "### "):
			flushRole()
			r, err := parseRoleHeading(line)
			if err != nil {
				return nil, err
			}
			role = r

		case strings.HasPrefix(line, "- **"):
			key, value, found := strings.Cut(strings.TrimPrefix(line, "- **"), ":** ")
			if !found {
				return nil, errs.New(errs.KindConfig, "malformed audit field: %q", line)
			}
			var err error
			if section == inRoles && role != nil {
				err = role.setField(key, value)
			} else {
				err = run.setField(key, value)
			}
			if err != nil {
				return nil, err
			}

		case section == inRoles && role != nil && strings.HasPrefix(line, "- ["):
			f, err := parseFindingLine(line, role.Name)
			if err != nil {
				return nil, err
			}
			role.Findings = append(role.Findings, f)

		case section == inSuppressions && strings.HasPrefix(line, "- "):
			s, err := parseSuppressionLine(line)
			if err != nil {
				return nil, err
			}
			run.Suppressions = append(run.Suppressions, s)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "reading audit document")
	}
	flushRole()
	return run, nil
}

func (r *Run) setField(key, value string) error {
	switch key {
	case "Run":
		r.RunID = value
	case "Story":
		r.StoryID = value
	case "Base":
		r.BaseRef = value
	case "Head":
		r.HeadRef = value
	case "Engine":
		r.Engine = value
	case "Mode":
		r.Mode = value
	case "Verdict":
		r.Verdict = governance.Verdict(value)
	case "Citation rate":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return badField(key, value)
		}
		r.CitationRate = v
	case "Hallucination rate":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return badField(key, value)
		}
		r.HallucinationRate = v
	case "Chunks":
		n, err := strconv.Atoi(value)
		if err != nil {
			return badField(key, value)
		}
		r.ChunkCount = n
	case "Duration":
		d, err := time.ParseDuration(value)
		if err != nil {
			return badField(key, value)
		}
		r.Duration = d
	case "Started":
		t, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return badField(key, value)
		}
		r.StartedAt = t
	case "Finished":
		t, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return badField(key, value)
		}
		r.FinishedAt = t
	}
	return nil
}

func (r *Role) setField(key, value string) error {
	switch key {
	case "Verdict":
		r.Verdict = governance.Verdict(value)
	case "State":
		r.State = value
	case "Steps":
		n, err := strconv.Atoi(value)
		if err != nil {
			return badField(key, value)
		}
		r.Steps = n
	case "Skipped":
		r.Skipped = value == "yes"
	case "Delegated":
		r.DelegatedTo = strings.Split(value, ", ")
	case "Error":
		r.Error = value
	}
	return nil
}

func badField(key, value string) error {
	return errs.New(errs.KindConfig, "malformed audit field %s: %q", key, value)
}

func parseRoleHeading(line string) (*Role, error) {
	rest := strings.TrimPrefix(line, "### ")
	i := strings.LastIndex(rest, " (")
	if i < 0 || !strings.HasSuffix(rest, ")") {
		return nil, errs.New(errs.KindConfig, "malformed role heading: %q", line)
	}
	return &Role{Name: rest[:i], Kind: rest[i+2 : len(rest)-1]}, nil
}

func parseFindingLine(line, roleName string) (governance.Finding, error) {
	bad := func() (governance.Finding, error) {
		return governance.Finding{}, errs.New(errs.KindConfig, "malformed finding line: %q", line)
	}
	rest, ok := strings.CutPrefix(line, "- [")
	if !ok {
		return bad()
	}
	sev, rest, ok := strings.Cut(rest, "]")
	if !ok {
		return bad()
	}
	f := governance.Finding{Role: roleName, Severity: governance.Severity(sev)}

	if tail, found := strings.CutPrefix(rest, "[suppressed:"); found {
		by, after, ok := strings.Cut(tail, "]")
		if !ok {
			return bad()
		}
		f.Suppressed, f.SuppressedBy = true, by
		rest = after
	}

	rest, ok = strings.CutPrefix(rest, " (")
	if !ok {
		return bad()
	}
	group, msg, ok := strings.Cut(rest, ") ")
	if !ok {
		return bad()
	}
	f.Message = msg

	refsPart, locPart, _ := strings.Cut(group, " | ")
	if refsPart != "" {
		f.References = strings.Split(refsPart, ", ")
	}
	if locPart == "" {
		f.File, f.Line = deriveLocation(f.References)
	} else if ref, ok := governance.ParseReference(locPart); ok && ref.Kind == governance.RefFile {
		f.File, f.Line = ref.File, ref.Line
	}
	return f, nil
}

func parseSuppressionLine(line string) (Suppression, error) {
	bad := func() (Suppression, error) {
		return Suppression{}, errs.New(errs.KindConfig, "malformed suppression line: %q", line)
	}
	rest, ok := strings.CutPrefix(line, "- ")
	if !ok {
		return bad()
	}
	by, rest, ok := strings.Cut(rest, " suppressed [")
	if !ok {
		return bad()
	}
	sev, rest, ok := strings.Cut(rest, "] ")
	if !ok {
		return bad()
	}
	role, msg, ok := strings.Cut(rest, ": ")
	if !ok {
		return bad()
	}
	return Suppression{By: by, Role: role, Severity: governance.Severity(sev), Message: msg}, nil
}
