package adrlint

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// RuleType selects the matcher a rule runs with.
type RuleType string

const (
	RuleRegex RuleType = "regex"
	RuleAST   RuleType = "ast"
)

// MaxRuleTimeout caps how long a single (rule, file) pair may run.
// A rule asking for more is rejected at load.
const MaxRuleTimeout = 5 * time.Second

// Rule is one compiled enforcement rule owned by an ADR.
type Rule struct {
	ADRID    string
	Index    int
	Type     RuleType
	Pattern  string
	Scope    string
	Message  string
	Language string
	Timeout  time.Duration

	re *regexp.Regexp // compiled for RuleRegex
}

// Name identifies the rule in logs and issues, e.g. "ADR-025/0".
func (r Rule) Name() string { return fmt.Sprintf("%s/%d", r.ADRID, r.Index) }

// AppliesTo reports whether a workspace-relative path falls inside the
// rule's scope glob.
func (r Rule) AppliesTo(rel string) bool {
	ok, err := doublestar.Match(r.Scope, filepath.ToSlash(rel))
	return err == nil && ok
}

func newRule(adrID string, index int, spec ruleSpec) (Rule, error) {
	rule := Rule{
		ADRID:    adrID,
		Index:    index,
		Type:     RuleType(strings.ToLower(strings.TrimSpace(spec.Type))),
		Pattern:  spec.Pattern,
		Scope:    strings.TrimSpace(spec.Scope),
		Message:  strings.TrimSpace(spec.Message),
		Language: strings.ToLower(strings.TrimSpace(spec.Language)),
		Timeout:  MaxRuleTimeout,
	}
	if rule.Language == "golang" {
		rule.Language = "go"
	}

	switch rule.Type {
	case RuleRegex, RuleAST:
	case "":
		return rule, fmt.Errorf("missing type (regex or ast)")
	default:
		return rule, fmt.Errorf("unknown type %q", spec.Type)
	}
	if rule.Pattern == "" {
		return rule, fmt.Errorf("missing pattern")
	}
	if rule.Message == "" {
		return rule, fmt.Errorf("missing message")
	}
	if err := validateScope(rule.Scope); err != nil {
		return rule, err
	}
	if spec.TimeoutMs != 0 {
		d := time.Duration(spec.TimeoutMs) * time.Millisecond
		if d < 0 || d > MaxRuleTimeout {
			return rule, fmt.Errorf("timeout_ms %d outside (0, %d]", spec.TimeoutMs, MaxRuleTimeout.Milliseconds())
		}
		rule.Timeout = d
	}

	switch rule.Type {
	case RuleRegex:
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return rule, fmt.Errorf("bad pattern: %v", err)
		}
		rule.re = re
	case RuleAST:
		if rule.Language != "" {
			if _, err := grammarFor(rule.Language); err != nil {
				return rule, err
			}
		}
	}
	return rule, nil
}

// validateScope rejects globs that could reach outside the project
// root. Scopes are matched against workspace-relative paths, so any
// absolute or parent-escaping pattern is a configuration error.
func validateScope(scope string) error {
	if scope == "" {
		return fmt.Errorf("missing scope")
	}
	if filepath.IsAbs(scope) || strings.HasPrefix(scope, "/") {
		return fmt.Errorf("scope %q must be relative to the project root", scope)
	}
	for _, part := range strings.Split(filepath.ToSlash(scope), "/") {
		if part == ".." {
			return fmt.Errorf("scope %q escapes the project root", scope)
		}
	}
	if !doublestar.ValidatePattern(scope) {
		return fmt.Errorf("scope %q is not a valid glob", scope)
	}
	return nil
}
