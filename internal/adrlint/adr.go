// Package adrlint extracts machine-enforceable rules from Architecture
// Decision Records and runs them as a deterministic gate ahead of the
// council. Rules live in fenced enforcement blocks inside the ADR
// itself, so a decision and its teeth travel together.
package adrlint

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"storyguard/internal/logging"
)

// Status is the ADR lifecycle state. Only accepted ADRs contribute
// lint rules.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusProposed   Status = "proposed"
	StatusAccepted   Status = "accepted"
	StatusSuperseded Status = "superseded"
)

// ADR is one parsed decision record.
type ADR struct {
	ID     string
	Title  string
	Status Status
	Path   string
	Rules  []Rule
}

// Issue is a load- or run-time problem isolated to one ADR or rule.
// Issues never abort the run; they surface as config errors in output.
type Issue struct {
	ADRID   string
	Path    string
	Message string
}

func (i Issue) String() string {
	if i.ADRID == "" {
		return fmt.Sprintf("%s: %s", i.Path, i.Message)
	}
	return fmt.Sprintf("%s: %s", i.ADRID, i.Message)
}

var (
	adrFilePattern  = regexp.MustCompile(`^(ADR-\d+)`)
	adrTitlePattern = regexp.MustCompile(`^#\s+(ADR-\d+)\s*[:—-]?\s*(.*)$`)
	statusLine      = regexp.MustCompile(`(?im)^\*\*Status:?\*\*[:\s]*([a-z]+)\s*$`)
	fencedBlock     = regexp.MustCompile("(?s)```enforcement\\s*\n(.*?)```")
)

// LoadADRs parses every ADR under dir. Rules come only from accepted
// records; malformed enforcement blocks are returned as issues owned
// by their ADR, never as a hard failure.
func LoadADRs(dir string) ([]ADR, []Issue, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to read ADR directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") && adrFilePattern.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var adrs []ADR
	var issues []Issue
	for _, name := range names {
		path := filepath.Join(dir, name)
		adr, adrIssues := parseADR(path)
		issues = append(issues, adrIssues...)
		if adr != nil {
			adrs = append(adrs, *adr)
		}
	}

	ruleCount := 0
	for _, a := range adrs {
		ruleCount += len(a.Rules)
	}
	logging.Lint("loaded %d ADRs (%d enforcement rules, %d issues) from %s",
		len(adrs), ruleCount, len(issues), dir)
	return adrs, issues, nil
}

func parseADR(path string) (*ADR, []Issue) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, []Issue{{Path: path, Message: fmt.Sprintf("unreadable: %v", err)}}
	}
	text := string(data)

	adr := &ADR{Path: path, Status: StatusDraft}

	if m := adrFilePattern.FindString(filepath.Base(path)); m != "" {
		adr.ID = m
	}
	if m := adrTitlePattern.FindStringSubmatch(firstHeading(text)); m != nil {
		adr.ID = m[1]
		adr.Title = strings.TrimSpace(m[2])
	}
	if adr.ID == "" {
		return nil, []Issue{{Path: path, Message: "no ADR id in filename or title"}}
	}

	if m := statusLine.FindStringSubmatch(text); m != nil {
		adr.Status = Status(strings.ToLower(m[1]))
	}
	switch adr.Status {
	case StatusDraft, StatusProposed, StatusAccepted, StatusSuperseded:
	default:
		return adr, []Issue{{ADRID: adr.ID, Path: path,
			Message: fmt.Sprintf("unknown status %q, treating as draft", adr.Status)}}
	}

	// Draft and superseded ADRs keep their text but contribute nothing.
	if adr.Status != StatusAccepted {
		return adr, nil
	}

	var issues []Issue
	for _, block := range fencedBlock.FindAllStringSubmatch(text, -1) {
		rules, blockIssues := parseEnforcement(adr.ID, path, block[1])
		adr.Rules = append(adr.Rules, rules...)
		issues = append(issues, blockIssues...)
	}
	return adr, issues
}

// firstHeading returns the first markdown H1 line.
func firstHeading(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "# ") {
			return strings.TrimRight(line, "\r")
		}
	}
	return ""
}

// enforcementDoc is the YAML inside a ```enforcement fence.
type enforcementDoc struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	Type      string `yaml:"type"`
	Pattern   string `yaml:"pattern"`
	Scope     string `yaml:"scope"`
	Message   string `yaml:"message"`
	Language  string `yaml:"language"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// parseEnforcement converts one YAML block into rules. YAML errors and
// invalid rules isolate to the owning ADR.
func parseEnforcement(adrID, path, body string) ([]Rule, []Issue) {
	var doc enforcementDoc
	if err := yaml.Unmarshal([]byte(body), &doc); err != nil {
		return nil, []Issue{{ADRID: adrID, Path: path,
			Message: fmt.Sprintf("malformed enforcement block: %v", err)}}
	}
	if len(doc.Rules) == 0 {
		return nil, []Issue{{ADRID: adrID, Path: path,
			Message: "enforcement block declares no rules"}}
	}

	var rules []Rule
	var issues []Issue
	for i, spec := range doc.Rules {
		rule, err := newRule(adrID, i, spec)
		if err != nil {
			issues = append(issues, Issue{ADRID: adrID, Path: path,
				Message: fmt.Sprintf("rule %d: %v", i, err)})
			continue
		}
		rules = append(rules, rule)
	}
	return rules, issues
}
