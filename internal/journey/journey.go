// Package journey loads user-journey contracts and maintains the
// reverse index from file patterns to the journeys they implement.
package journey

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"storyguard/internal/errs"
)

// State is the journey lifecycle. Committed and accepted journeys are
// behavioral contracts: they must name tests that exist.
type State string

const (
	StateDraft     State = "draft"
	StateOpen      State = "open"
	StateCommitted State = "committed"
	StateAccepted  State = "accepted"
	StateRetired   State = "retired"
)

// Contractual reports whether the state requires backing tests.
func (s State) Contractual() bool { return s == StateCommitted || s == StateAccepted }

// Step is one actor action and its expected outcome.
type Step struct {
	Action   string `yaml:"action" json:"action"`
	Expected string `yaml:"expected,omitempty" json:"expected,omitempty"`
}

// Implementation ties a journey to the code and tests that realize it.
type Implementation struct {
	Files     []string `yaml:"files,omitempty" json:"files,omitempty"`
	Tests     []string `yaml:"tests,omitempty" json:"tests,omitempty"`
	Framework string   `yaml:"framework,omitempty" json:"framework,omitempty"`
}

// Journey is one parsed journey document.
type Journey struct {
	SchemaVersion  int            `yaml:"schema_version" json:"schema_version"`
	ID             string         `yaml:"id" json:"id"`
	Title          string         `yaml:"title" json:"title"`
	Actor          string         `yaml:"actor" json:"actor"`
	Description    string         `yaml:"description" json:"description"`
	State          State          `yaml:"state,omitempty" json:"state,omitempty"`
	Steps          []Step         `yaml:"steps" json:"steps"`
	Implementation Implementation `yaml:"implementation,omitempty" json:"implementation,omitempty"`
	LinkedADRs     []string       `yaml:"linked_adrs,omitempty" json:"linked_adrs,omitempty"`

	Path string `yaml:"-" json:"-"`
}

// schemaJSON is the journey contract, version 1. Structural validation
// happens here; state/test coupling is semantic and checked after.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schema_version", "id", "title", "actor", "description", "steps"],
  "properties": {
    "schema_version": {"const": 1},
    "id": {"type": "string", "pattern": "^JRN-[0-9]+$"},
    "title": {"type": "string", "minLength": 1},
    "actor": {"type": "string", "minLength": 1},
    "description": {"type": "string", "minLength": 1},
    "state": {"enum": ["draft", "open", "committed", "accepted", "retired"]},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["action"],
        "properties": {
          "action": {"type": "string", "minLength": 1},
          "expected": {"type": "string"}
        }
      }
    },
    "implementation": {
      "type": "object",
      "properties": {
        "files": {"type": "array", "items": {"type": "string", "minLength": 1}},
        "tests": {"type": "array", "items": {"type": "string", "minLength": 1}},
        "framework": {"type": "string"}
      }
    },
    "linked_adrs": {"type": "array", "items": {"type": "string", "pattern": "^ADR-[0-9]+$"}}
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource("journey.schema.json", strings.NewReader(schemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("journey.schema.json")
	})
	return schema, schemaErr
}

// Parse validates raw YAML against the journey schema and decodes it.
// The returned journey has its state defaulted to draft.
func Parse(data []byte) (*Journey, error) {
	s, err := compiledSchema()
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "journey schema broken")
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "journey is not valid YAML")
	}
	if err := s.Validate(raw); err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "journey fails schema")
	}

	var j Journey
	if err := yaml.Unmarshal(data, &j); err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "journey decode failed")
	}
	if j.State == "" {
		j.State = StateDraft
	}
	if j.State.Contractual() && len(j.Implementation.Tests) == 0 {
		return nil, errs.New(errs.KindConfig, "%s is %s but names no tests", j.ID, j.State)
	}
	return &j, nil
}

// Load parses one journey file.
func Load(path string) (*Journey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "failed to read journey")
	}
	j, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	j.Path = path
	return j, nil
}

// LoadIssue is one journey file that failed to parse. Broken journeys
// never poison the rest of the set.
type LoadIssue struct {
	Path string
	Err  error
}

// LoadAll parses every journey under dir in name order. Parse failures
// come back as issues alongside the healthy journeys.
func LoadAll(dir string) ([]*Journey, []LoadIssue, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, errs.Wrap(errs.KindConfig, err, "failed to read journey directory")
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var journeys []*Journey
	var issues []LoadIssue
	seen := map[string]string{}
	for _, name := range names {
		path := filepath.Join(dir, name)
		j, err := Load(path)
		if err != nil {
			issues = append(issues, LoadIssue{Path: path, Err: err})
			continue
		}
		if prev, dup := seen[j.ID]; dup {
			issues = append(issues, LoadIssue{Path: path,
				Err: errs.New(errs.KindConfig, "duplicate journey id %s (already in %s)", j.ID, filepath.Base(prev))})
			continue
		}
		seen[j.ID] = path
		journeys = append(journeys, j)
	}
	return journeys, issues, nil
}

// MissingTests returns the declared test paths that do not exist under
// root. Empty means the journey's contract is intact.
func (j *Journey) MissingTests(root string) []string {
	var missing []string
	for _, rel := range j.Implementation.Tests {
		if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel))); err != nil {
			missing = append(missing, rel)
		}
	}
	return missing
}

// Canonical re-encodes the journey in stable field order so that
// write, load and validate round-trip byte for byte.
func (j *Journey) Canonical() ([]byte, error) {
	out := *j
	if out.State == "" {
		out.State = StateDraft
	}
	var buf strings.Builder
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&out); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "journey encode failed")
	}
	if err := enc.Close(); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "journey encode failed")
	}
	return []byte(buf.String()), nil
}
