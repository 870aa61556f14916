// Package audit persists governance evidence: one Markdown artifact
// plus a mirrored JSON document per council run, ULID-named, with a
// stable field order. The format is identical across council engines.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"storyguard/internal/council"
	"storyguard/internal/errs"
	"storyguard/internal/governance"
)

// Run is the audit document for one council run. Field declaration
// order is the serialization order; compliance reviews diff these
// documents, so it never changes.
type Run struct {
	// ID names the artifact files; RunID is the council run it records.
	ID    string `json:"id"`
	RunID string `json:"run_id"`

	StoryID string `json:"story_id,omitempty"`
	BaseRef string `json:"base_ref,omitempty"`
	HeadRef string `json:"head_ref,omitempty"`

	Engine  string             `json:"engine"`
	Mode    string             `json:"mode"`
	Verdict governance.Verdict `json:"verdict"`

	CitationRate      float64 `json:"citation_rate"`
	HallucinationRate float64 `json:"hallucination_rate"`

	ChunkCount int           `json:"chunk_count"`
	Duration   time.Duration `json:"duration"`

	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	Roles        []Role        `json:"roles,omitempty"`
	Suppressions []Suppression `json:"suppressions,omitempty"`
}

// Role is one council seat's recorded outcome.
type Role struct {
	Name        string               `json:"name"`
	Kind        string               `json:"kind"`
	Verdict     governance.Verdict   `json:"verdict"`
	State       string               `json:"state"`
	Steps       int                  `json:"steps"`
	Skipped     bool                 `json:"skipped,omitempty"`
	DelegatedTo []string             `json:"delegated_to,omitempty"`
	Error       string               `json:"error,omitempty"`
	Findings    []governance.Finding `json:"findings,omitempty"`
}

// Suppression records one exception firing against the merged stream.
type Suppression struct {
	By       string              `json:"by"`
	Role     string              `json:"role"`
	Severity governance.Severity `json:"severity"`
	Message  string              `json:"message"`
}

// Meta carries the run context the council outcome does not know.
type Meta struct {
	StoryID    string
	BaseRef    string
	HeadRef    string
	StartedAt  time.Time
	FinishedAt time.Time
}

// FromOutcome builds the audit document for a council outcome.
// Suppression marks live on the merged stream only; they are copied
// back onto the matching per-role findings so each role's section
// reads complete on its own.
func FromOutcome(out *council.Outcome, meta Meta) *Run {
	run := &Run{
		RunID:             out.RunID,
		StoryID:           meta.StoryID,
		BaseRef:           meta.BaseRef,
		HeadRef:           meta.HeadRef,
		Engine:            out.Engine,
		Mode:              string(out.Mode),
		Verdict:           out.Verdict,
		CitationRate:      out.CitationRate,
		HallucinationRate: out.HallucinationRate,
		ChunkCount:        out.ChunkCount,
		Duration:          out.Duration,
		StartedAt:         meta.StartedAt.UTC(),
		FinishedAt:        meta.FinishedAt.UTC(),
	}

	suppressedBy := map[string]string{}
	for _, f := range out.Findings {
		if !f.Suppressed {
			continue
		}
		suppressedBy[findingKey(f)] = f.SuppressedBy
		run.Suppressions = append(run.Suppressions, Suppression{
			By:       f.SuppressedBy,
			Role:     f.Role,
			Severity: f.Severity,
			Message:  f.Message,
		})
	}

	for _, rr := range out.Roles {
		role := Role{
			Name:        rr.Role,
			Kind:        rr.Kind,
			Verdict:     rr.Verdict,
			State:       string(rr.State),
			Steps:       rr.Steps,
			Skipped:     rr.Skipped,
			DelegatedTo: append([]string(nil), rr.DelegatedTo...),
			Error:       rr.Error,
		}
		for _, f := range rr.Findings {
			// Chunk ids and columns are review internals, not evidence.
			f.ChunkID, f.Col = "", 0
			if by, ok := suppressedBy[findingKey(f)]; ok {
				f.Suppressed, f.SuppressedBy = true, by
			}
			role.Findings = append(role.Findings, f)
		}
		run.Roles = append(run.Roles, role)
	}
	return run
}

func findingKey(f governance.Finding) string {
	return f.Role + "\x00" + f.Message + "\x00" + strings.Join(f.References, ",")
}

// Logger writes audit artifact pairs under one directory.
type Logger struct {
	dir string
}

func NewLogger(dir string) *Logger {
	return &Logger{dir: dir}
}

// Write persists run as <id>.md and <id>.json, assigning a ULID id
// when the run has none. Both paths are returned.
func (l *Logger) Write(run *Run) (mdPath, jsonPath string, err error) {
	if run.ID == "" {
		run.ID = ulid.Make().String()
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return "", "", errs.Wrap(errs.KindConfig, err, "create audit dir")
	}

	mdPath = filepath.Join(l.dir, run.ID+".md")
	if err := os.WriteFile(mdPath, []byte(run.Render()), 0o644); err != nil {
		return "", "", errs.Wrap(errs.KindConfig, err, "write audit markdown")
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return "", "", errs.Wrap(errs.KindInternal, err, "encode audit json")
	}
	jsonPath = filepath.Join(l.dir, run.ID+".json")
	if err := os.WriteFile(jsonPath, append(data, '\n'), 0o644); err != nil {
		return "", "", errs.Wrap(errs.KindConfig, err, "write audit json")
	}
	return mdPath, jsonPath, nil
}

// Load reads one audit artifact, Markdown or JSON.
func Load(path string) (*Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "read audit artifact")
	}
	if strings.HasSuffix(path, ".json") {
		var run Run
		if err := json.Unmarshal(data, &run); err != nil {
			return nil, errs.Wrap(errs.KindConfig, err, "decode audit artifact %s", filepath.Base(path))
		}
		return &run, nil
	}
	return Parse(string(data))
}
