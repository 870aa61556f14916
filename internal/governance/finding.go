// Package governance holds the value types every gate exchanges:
// findings, verdicts, and the references that make a finding citable.
// Gates produce findings; the exception resolver suppresses them; the
// aggregator sorts and folds them into a single verdict.
package governance

import (
	"fmt"
	"sort"
	"strings"
)

// Severity ranks a finding. Block findings fail the run unless an
// active EXC suppresses them.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityBlock Severity = "block"
)

// rank orders severities for aggregation: block > warn > info.
func (s Severity) rank() int {
	switch s {
	case SeverityBlock:
		return 2
	case SeverityWarn:
		return 1
	default:
		return 0
	}
}

// Verdict is the outcome of a role run or a whole governance run.
type Verdict string

const (
	VerdictPass  Verdict = "PASS"
	VerdictBlock Verdict = "BLOCK"
	// VerdictNeedsInfo marks a role that failed, timed out, or whose
	// critical findings were dropped for missing citations. It never
	// counts as a PASS.
	VerdictNeedsInfo Verdict = "needs-info"
)

// Finding is one observation from a gate or role. File/Line/Col are
// set for location-bound findings (lint matches, cited source lines).
type Finding struct {
	Role       string   `json:"role"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	File       string   `json:"file,omitempty"`
	Line       int      `json:"line,omitempty"`
	Col        int      `json:"col,omitempty"`
	References []string `json:"references,omitempty"`
	ChunkID    string   `json:"chunk_id,omitempty"`

	// Suppression bookkeeping, filled by the exception resolver.
	Suppressed   bool   `json:"suppressed,omitempty"`
	SuppressedBy string `json:"suppressed_by,omitempty"`
}

// Location renders file:line:col in the ruff/eslint convention.
func (f Finding) Location() string {
	if f.File == "" {
		return ""
	}
	if f.Line <= 0 {
		return f.File
	}
	if f.Col <= 0 {
		return fmt.Sprintf("%s:%d", f.File, f.Line)
	}
	return fmt.Sprintf("%s:%d:%d", f.File, f.Line, f.Col)
}

// String formats the finding for terminal output.
func (f Finding) String() string {
	loc := f.Location()
	if loc == "" {
		return fmt.Sprintf("[%s] %s: %s", f.Severity, f.Role, f.Message)
	}
	return fmt.Sprintf("%s: [%s] %s", loc, f.Severity, f.Message)
}

// DedupeKey identifies duplicate findings across diff chunks:
// same rule reference, same file, same line.
func (f Finding) DedupeKey() string {
	ref := ""
	if len(f.References) > 0 {
		ref = f.References[0]
	}
	return fmt.Sprintf("%s|%s|%d", ref, f.File, f.Line)
}

// Blocking reports whether the finding still fails the run.
func (f Finding) Blocking() bool {
	return f.Severity == SeverityBlock && !f.Suppressed
}

// Sort orders findings deterministically: severity (block first),
// then file, then line, then message. Aggregation applies this before
// emission so snapshots stay stable across parallel schedules.
func Sort(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Severity.rank() != b.Severity.rank() {
			return a.Severity.rank() > b.Severity.rank()
		}
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.Message < b.Message
	})
}

// Dedupe drops findings sharing a DedupeKey, keeping the first
// occurrence. Input order is preserved.
func Dedupe(findings []Finding) []Finding {
	seen := make(map[string]bool, len(findings))
	out := findings[:0]
	for _, f := range findings {
		key := f.DedupeKey()
		// Findings with no reference and no location are never
		// collapsed; their key would collide across distinct messages.
		if key == "||0" {
			key = key + f.Message
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, f)
	}
	return out
}

// Fold computes the verdict a set of findings implies on its own:
// BLOCK when any unsuppressed block finding remains, else PASS.
func Fold(findings []Finding) Verdict {
	for _, f := range findings {
		if f.Blocking() {
			return VerdictBlock
		}
	}
	return VerdictPass
}

// CountBySeverity tallies findings for summary lines, counting a
// suppressed block under info (its effective severity).
func CountBySeverity(findings []Finding) map[Severity]int {
	out := make(map[Severity]int, 3)
	for _, f := range findings {
		sev := f.Severity
		if f.Suppressed && sev == SeverityBlock {
			sev = SeverityInfo
		}
		out[sev]++
	}
	return out
}

// Summary renders "2 block, 1 warn, 3 info" style counts.
func Summary(findings []Finding) string {
	counts := CountBySeverity(findings)
	parts := make([]string, 0, 3)
	for _, sev := range []Severity{SeverityBlock, SeverityWarn, SeverityInfo} {
		if counts[sev] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[sev], sev))
		}
	}
	if len(parts) == 0 {
		return "clean"
	}
	return strings.Join(parts, ", ")
}
