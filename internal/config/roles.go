package config

// DefaultRoles returns the built-in governance council. Projects
// override or extend these in .agent/config.yaml.
func DefaultRoles() []RoleConfig {
	return []RoleConfig{
		{
			Name:      "Architect",
			FocusArea: "architecture and ADR conformance",
			SystemInstruction: "You are the Architect on the governance council. " +
				"Judge whether the change respects accepted architecture decisions, " +
				"module boundaries, and dependency direction.",
			GovernanceChecks:  []string{"adr_conformance", "layering", "coupling"},
			RelevantPathsGlob: []string{"**/*.go", "**/*.py", "**/*.ts", "**/*.js", "**/*.rs"},
			Kind:              "gatekeeper",
			MayRequestTools:   true,
			MayDelegate:       true,
		},
		{
			Name:      "Security",
			FocusArea: "secret handling, injection, authn/authz",
			SystemInstruction: "You are the Security reviewer on the governance council. " +
				"Judge whether the change introduces credential leaks, injection paths, " +
				"or authorization gaps.",
			GovernanceChecks:  []string{"secrets", "injection", "authz"},
			RelevantPathsGlob: []string{"**/*"},
			Kind:              "gatekeeper",
			MayRequestTools:   true,
			MayDelegate:       true,
		},
		{
			Name:      "QA",
			FocusArea: "test coverage and journey traceability",
			SystemInstruction: "You are the QA reviewer on the governance council. " +
				"Judge whether the change carries tests and whether affected user " +
				"journeys keep their regression coverage.",
			GovernanceChecks:  []string{"tests_present", "journey_coverage"},
			RelevantPathsGlob: []string{"**/*"},
			Kind:              "gatekeeper",
			MayRequestTools:   true,
		},
		{
			Name:      "Performance",
			FocusArea: "hot paths, allocation, query cost",
			SystemInstruction: "You advise on performance. Point out regressions in hot " +
				"paths, unbounded allocations, and costly queries. Advice only.",
			GovernanceChecks:  []string{"hot_paths"},
			RelevantPathsGlob: []string{"**/*.go", "**/*.py", "**/*.sql"},
			Kind:              "consultative",
			MayRequestTools:   true,
		},
		{
			Name:      "Docs",
			FocusArea: "artifact hygiene",
			SystemInstruction: "You advise on documentation. Check that stories, ADRs, " +
				"and runbooks touched by this change keep their required sections.",
			GovernanceChecks:  []string{"artifact_sections"},
			RelevantPathsGlob: []string{"docs/**", ".agent/**", "**/*.md"},
			Kind:              "consultative",
		},
	}
}
