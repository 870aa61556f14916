package artifacts

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"storyguard/internal/exceptions"
)

// The templates below are the deterministic heading sets the rest of
// the toolchain keys on. Section order is part of the contract; prose
// under the headings is the author's.

const storyTemplate = `# %s: %s

**Status:** draft

## Intent

State the user-visible outcome this story buys and why it is worth
buying now.

## Acceptance Criteria

- [ ] An observable behavior that proves the story is done.

## Linked Journeys

List the JRN ids this story advances, one per line.

## Out of Scope

Name what this story deliberately leaves alone.
`

func renderStory(id, title string) string {
	return fmt.Sprintf(storyTemplate, id, title)
}

const adrTemplate = `# %s: %s

**Status:** draft

## Context

Describe the pressure that makes a decision necessary.

## Decision

State the choice in one sentence, then give it shape.

## Consequences

What becomes easier, what becomes harder, what we now owe.

## Enforcement

Machine rules guard the decision once this record is accepted. Rename
the fence below from yaml to enforcement to arm it.

` + "```yaml" + `
rules:
  - type: regex
    pattern: "pattern-that-violates-this-decision"
    scope: "src/**"
    message: "explain the violation in one line"
` + "```" + `
`

func renderADR(id, title string) string {
	return fmt.Sprintf(adrTemplate, id, title)
}

const runbookTemplate = `# Runbook: %s

## When to use

The symptom or event that sends an operator here.

## Preconditions

Access, credentials, and state required before starting.

## Steps

1. One action per step, each with its expected output.

## Rollback

How to undo the steps above if the situation worsens.

## Verification

How to confirm the system is healthy again.
`

func renderRunbook(title string) string {
	return fmt.Sprintf(runbookTemplate, title)
}

const exceptionBody = `# %s: %s

## Justification

Expand on why %s cannot hold for the files in scope. The one-line
summary in the front matter is what audit events carry.

## Conditions

Describe what must change for this exception to retire for good.
`

// renderException emits YAML front matter the resolver parses verbatim,
// then the prose body. Records start retired; only a reviewer flipping
// the status to accepted makes the suppression live.
func renderException(id, title, ruleRef string, globs []string) (string, error) {
	rec := exceptions.Record{
		ID:            id,
		Status:        exceptions.StatusRetired,
		RuleReference: ruleRef,
		AffectedFiles: globs,
		Justification: "EDIT: one line on why the rule cannot hold here",
		Conditions:    "EDIT: what must become true for this record to retire",
		Action:        exceptions.ActionDowngrade,
	}
	front, err := yaml.Marshal(&rec)
	if err != nil {
		return "", fmt.Errorf("failed to encode exception front matter: %w", err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(front)
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, exceptionBody, id, title, ruleRef)
	return b.String(), nil
}
