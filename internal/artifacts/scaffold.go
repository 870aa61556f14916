package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"storyguard/internal/config"
	"storyguard/internal/logging"
)

const agentIgnore = `# storyguard local state
cache/
logs/
backups/
secrets/
usage.json
`

const starterADR = `# ADR-001: Record architecture decisions

**Status:** accepted

## Context

Decisions made in review threads and chat scroll out of reach while
the code they shaped stays. New work then re-litigates settled
questions, or quietly violates them.

## Decision

Every significant architecture decision gets a numbered record in this
directory. A decision that can be checked mechanically declares its
rules in a fenced enforcement block; the preflight gate runs those
rules against every changeset once the record is accepted.

## Consequences

Reviews can cite a decision instead of re-arguing it. Retiring a
decision means superseding its record, so the history of why stays
legible.
`

// Scaffold creates the workspace .agent tree: directories, default
// config, ignore rules, and the first story, decision record and
// journey. Nothing existing is overwritten; re-running fills in only
// what is missing.
func Scaffold(workspace string) ([]string, error) {
	cfg := config.DefaultConfig()
	cfg.Workspace = workspace
	w := NewWriter(cfg)

	var created []string
	for _, dir := range []string{
		cfg.ADRDir(), cfg.JourneyDir(), cfg.ExceptionDir(), cfg.StoryDir(),
		cfg.RunbookDir(), cfg.AuditDir(), cfg.CacheDir(), cfg.LogsDir(), cfg.BackupsDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return created, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	cfgPath := filepath.Join(workspace, config.AgentDir, "config.yaml")
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := cfg.Save(); err != nil {
			return created, err
		}
		created = append(created, cfgPath)
	}

	ignorePath := filepath.Join(workspace, config.AgentDir, ".gitignore")
	if _, err := os.Stat(ignorePath); os.IsNotExist(err) {
		if err := os.WriteFile(ignorePath, []byte(agentIgnore), 0o644); err != nil {
			return created, fmt.Errorf("failed to write %s: %w", ignorePath, err)
		}
		created = append(created, ignorePath)
	}

	if unused, err := kindUnused(w, KindADR); err != nil {
		return created, err
	} else if unused {
		path := filepath.Join(cfg.ADRDir(), "ADR-001-record-architecture-decisions.md")
		if err := writeNew(path, starterADR); err != nil {
			return created, err
		}
		created = append(created, path)
	}

	if unused, err := kindUnused(w, KindStory); err != nil {
		return created, err
	} else if unused {
		a, err := w.NewStory("Adopt story-driven development")
		if err != nil {
			return created, err
		}
		created = append(created, a.Path)
	}

	if unused, err := kindUnused(w, KindJourney); err != nil {
		return created, err
	} else if unused {
		a, err := w.NewJourney("Example user journey", "user")
		if err != nil {
			return created, err
		}
		created = append(created, a.Path)
	}

	logging.Boot("scaffolded %s under %s (%d new files)", config.AgentDir, workspace, len(created))
	return created, nil
}

// kindUnused reports whether no document of the kind has claimed a
// number yet.
func kindUnused(w *Writer, kind Kind) (bool, error) {
	id, err := w.NextID(kind)
	if err != nil {
		return false, err
	}
	return strings.HasSuffix(id, "-001"), nil
}
