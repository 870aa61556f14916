package journey

import (
	"fmt"
	"strings"
)

// Coverage describes how well one journey's contract is backed by
// tests on disk.
type Coverage struct {
	Journey  *Journey
	Missing  []string // declared test paths that do not exist
	Untested bool     // contractual state but no tests declared at all
}

// Healthy reports whether the journey needs no attention.
func (c Coverage) Healthy() bool { return !c.Untested && len(c.Missing) == 0 }

// Report loads every journey under dir and checks its declared tests
// against the workspace. Retired journeys are skipped.
func Report(root, dir string) ([]Coverage, []LoadIssue, error) {
	journeys, issues, err := LoadAll(dir)
	if err != nil {
		return nil, nil, err
	}
	var out []Coverage
	for _, j := range journeys {
		if j.State == StateRetired {
			continue
		}
		c := Coverage{Journey: j, Missing: j.MissingTests(root)}
		if j.State.Contractual() && len(j.Implementation.Tests) == 0 {
			c.Untested = true
		}
		out = append(out, c)
	}
	return out, issues, nil
}

// BackfillCandidates filters a report down to journeys that need test
// work: contractual journeys with no tests or with dead test paths.
func BackfillCandidates(report []Coverage) []Coverage {
	var out []Coverage
	for _, c := range report {
		if c.Journey.State.Contractual() && !c.Healthy() {
			out = append(out, c)
		}
	}
	return out
}

// SuggestTestPath proposes a conventional test path for a journey that
// has none, based on its declared framework.
func SuggestTestPath(j *Journey) string {
	slug := strings.ToLower(strings.ReplaceAll(j.ID, "-", "_"))
	switch strings.ToLower(j.Implementation.Framework) {
	case "go", "gotest":
		return fmt.Sprintf("internal/%s_test.go", slug)
	case "jest", "vitest":
		return fmt.Sprintf("tests/%s.test.ts", slug)
	default:
		return fmt.Sprintf("tests/test_%s.py", slug)
	}
}

// TestCommand renders the regression command preflight suggests when a
// journey is affected by a changeset.
func TestCommand(j *Journey) string {
	switch strings.ToLower(j.Implementation.Framework) {
	case "go", "gotest":
		run := strings.ReplaceAll(j.ID, "-", "")
		return fmt.Sprintf("go test -run Test%s ./...", run)
	case "jest", "vitest":
		return fmt.Sprintf("npx jest -t %q", j.ID)
	default:
		return fmt.Sprintf("pytest -m \"journey('%s')\"", j.ID)
	}
}
