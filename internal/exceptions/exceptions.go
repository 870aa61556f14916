// Package exceptions loads EXC records and suppresses findings they
// cover. An EXC is a Markdown file under .agent/exceptions/ with YAML
// front matter; only records in the accepted state suppress anything.
package exceptions

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"storyguard/internal/errs"
	"storyguard/internal/governance"
	"storyguard/internal/logging"
)

// Status is the EXC lifecycle state.
type Status string

const (
	StatusAccepted   Status = "accepted"
	StatusSuperseded Status = "superseded"
	StatusRetired    Status = "retired"
)

// Action says what suppression does to a matched finding.
type Action string

const (
	// ActionDowngrade keeps the finding visible at effective severity
	// info. The default.
	ActionDowngrade Action = "downgrade"
	// ActionDrop removes the finding from output entirely; the
	// suppression is still recorded for audit.
	ActionDrop Action = "drop"
)

// Record is one parsed EXC.
type Record struct {
	ID            string   `yaml:"id"`
	Status        Status   `yaml:"status"`
	RuleReference string   `yaml:"rule_reference"`
	AffectedFiles []string `yaml:"affected_files"`
	Justification string   `yaml:"justification"`
	Conditions    string   `yaml:"conditions"`
	Action        Action   `yaml:"action"`

	// Path is the source file, for audit messages.
	Path string `yaml:"-"`
}

// rule_reference must name an ADR or a lint rule id. Free-form strings
// would make suppression scopes unauditable.
var ruleRefPattern = regexp.MustCompile(`^(ADR-\d+|[A-Z][A-Z0-9]*-\d+)$`)

// ValidRuleReference reports whether ref is an acceptable
// rule_reference for an exception record.
func ValidRuleReference(ref string) bool { return ruleRefPattern.MatchString(ref) }

func (r *Record) validate() error {
	if r.ID == "" {
		return errs.New(errs.KindConfig, "%s: exception record missing id", r.Path)
	}
	switch r.Status {
	case StatusAccepted, StatusSuperseded, StatusRetired:
	default:
		return errs.New(errs.KindConfig, "%s: status must be accepted|superseded|retired, got %q", r.Path, r.Status)
	}
	if !ruleRefPattern.MatchString(r.RuleReference) {
		return errs.New(errs.KindConfig, "%s: rule_reference %q is not an ADR id or lint rule id", r.Path, r.RuleReference)
	}
	switch r.Action {
	case "", ActionDowngrade, ActionDrop:
	default:
		return errs.New(errs.KindConfig, "%s: action must be downgrade|drop, got %q", r.Path, r.Action)
	}
	return nil
}

// Resolver answers whether an active EXC covers a finding.
type Resolver struct {
	records []Record // accepted only
	emitter *logging.Emitter
	runID   string
}

// Load reads every *.md under dir. A missing directory yields an empty
// resolver; a malformed record is a ConfigError naming the file.
func Load(dir string, emitter *logging.Emitter) (*Resolver, error) {
	res := &Resolver{emitter: emitter}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return nil, errs.Wrap(errs.KindConfig, err, "failed to read exceptions directory")
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		rec, err := parseFile(path)
		if err != nil {
			return nil, err
		}
		if rec.Status != StatusAccepted {
			logging.PreflightDebug("skipping %s exception %s (%s)", rec.Status, rec.ID, name)
			continue
		}
		res.records = append(res.records, *rec)
	}
	logging.Preflight("loaded %d accepted exception records from %s", len(res.records), dir)
	return res, nil
}

func parseFile(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "failed to read %s", path)
	}
	front, ok := frontMatter(string(data))
	if !ok {
		return nil, errs.New(errs.KindConfig, "%s: exception record has no YAML front matter", path)
	}
	rec := &Record{Path: path, Action: ActionDowngrade}
	if err := yaml.Unmarshal([]byte(front), rec); err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "failed to parse front matter of %s", path)
	}
	if rec.Action == "" {
		rec.Action = ActionDowngrade
	}
	if err := rec.validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// frontMatter extracts the YAML between the leading "---" fence pair.
func frontMatter(text string) (string, bool) {
	text = strings.TrimLeft(text, "\ufeff\n\r")
	if !strings.HasPrefix(text, "---") {
		return "", false
	}
	rest := text[3:]
	rest = strings.TrimPrefix(rest, "\r")
	rest = strings.TrimPrefix(rest, "\n")
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

// SetRunID scopes subsequent suppression events to a governance run.
func (r *Resolver) SetRunID(id string) { r.runID = id }

// Records returns the active records (for listing and audit).
func (r *Resolver) Records() []Record {
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// Match returns the first active EXC covering the finding: the finding
// must cite the rule_reference and its file must fall inside the
// affected_files globs. Findings without a file never match.
func (r *Resolver) Match(f governance.Finding) *Record {
	if f.File == "" {
		return nil
	}
	for i := range r.records {
		rec := &r.records[i]
		if !citesRule(f.References, rec.RuleReference) {
			continue
		}
		if matchesAny(rec.AffectedFiles, f.File) {
			return rec
		}
	}
	return nil
}

// Apply runs suppression over findings: downgraded ones are marked and
// kept, dropped ones are removed. Every firing emits a structured
// suppression event. Findings already carrying a suppression mark pass
// through untouched, so layered gates never double-count a firing.
func (r *Resolver) Apply(findings []governance.Finding) []governance.Finding {
	out := findings[:0]
	for _, f := range findings {
		if f.Suppressed {
			out = append(out, f)
			continue
		}
		rec := r.Match(f)
		if rec == nil {
			out = append(out, f)
			continue
		}
		r.emit(f, rec)
		if rec.Action == ActionDrop {
			continue
		}
		f.Suppressed = true
		f.SuppressedBy = rec.ID
		out = append(out, f)
	}
	return out
}

func (r *Resolver) emit(f governance.Finding, rec *Record) {
	logging.Preflight("suppression fired: %s covers %s at %s", rec.ID, rec.RuleReference, f.Location())
	if r.emitter == nil {
		return
	}
	r.emitter.Emit(logging.EventSuppressionFired, r.runID, map[string]any{
		"exception":      rec.ID,
		"rule_reference": rec.RuleReference,
		"file":           f.File,
		"line":           f.Line,
		"action":         string(rec.Action),
		"justification":  rec.Justification,
	})
}

func citesRule(refs []string, rule string) bool {
	for _, ref := range refs {
		if ref == rule {
			return true
		}
	}
	return false
}

func matchesAny(globs []string, file string) bool {
	file = filepath.ToSlash(file)
	for _, g := range globs {
		if ok, err := doublestar.Match(filepath.ToSlash(g), file); err == nil && ok {
			return true
		}
		// Bare filenames in affected_files match anywhere, mirroring
		// journey implementation entries.
		if !strings.ContainsAny(g, "*?[/") && filepath.Base(file) == g {
			return true
		}
	}
	return false
}

// FormatSuppression renders the audit line for one firing.
func FormatSuppression(excID, rule, file string) string {
	return fmt.Sprintf("%s suppressed %s in %s", excID, rule, file)
}
