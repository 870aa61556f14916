// Package artifacts allocates ids for governed documents and writes
// new ones from deterministic templates. Stories, ADRs, runbooks and
// exception records are Markdown with fixed section headings; journeys
// are YAML in the canonical schema. Every file this package produces
// parses cleanly in the package that later consumes it.
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"storyguard/internal/config"
	"storyguard/internal/errs"
	"storyguard/internal/exceptions"
	"storyguard/internal/journey"
	"storyguard/internal/logging"
)

// Kind names one governed document family.
type Kind string

const (
	KindStory     Kind = "story"
	KindADR       Kind = "adr"
	KindJourney   Kind = "journey"
	KindException Kind = "exception"
	KindRunbook   Kind = "runbook"
)

// Artifact describes one freshly written document.
type Artifact struct {
	Kind Kind
	ID   string // empty for runbooks, which are slug-named
	Path string
}

// Writer creates new artifacts under the workspace .agent tree.
type Writer struct {
	cfg *config.Config
}

// NewWriter returns a writer rooted at the configured workspace.
func NewWriter(cfg *config.Config) *Writer { return &Writer{cfg: cfg} }

// NewStory allocates the next STORY id and writes a draft story.
func (w *Writer) NewStory(title string) (*Artifact, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errs.New(errs.KindConfig, "story title must not be empty")
	}
	id, err := w.NextID(KindStory)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(w.cfg.StoryDir(), id+"-"+slug(title)+".md")
	if err := writeNew(path, renderStory(id, title)); err != nil {
		return nil, err
	}
	logging.Boot("created %s at %s", id, path)
	return &Artifact{Kind: KindStory, ID: id, Path: path}, nil
}

// NewADR allocates the next ADR id and writes a draft decision record.
// The enforcement example inside ships disarmed; the rules only bite
// once the author renames the fence and the status reaches accepted.
func (w *Writer) NewADR(title string) (*Artifact, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errs.New(errs.KindConfig, "ADR title must not be empty")
	}
	id, err := w.NextID(KindADR)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(w.cfg.ADRDir(), id+"-"+slug(title)+".md")
	if err := writeNew(path, renderADR(id, title)); err != nil {
		return nil, err
	}
	logging.Boot("created %s at %s", id, path)
	return &Artifact{Kind: KindADR, ID: id, Path: path}, nil
}

// NewRunbook writes a slug-named runbook. Runbooks carry no id; the
// procedure name is the handle.
func (w *Writer) NewRunbook(title string) (*Artifact, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errs.New(errs.KindConfig, "runbook title must not be empty")
	}
	path := filepath.Join(w.cfg.RunbookDir(), slug(title)+".md")
	if _, err := os.Stat(path); err == nil {
		return nil, errs.New(errs.KindConfig, "runbook %s already exists", filepath.Base(path))
	}
	if err := writeNew(path, renderRunbook(title)); err != nil {
		return nil, err
	}
	logging.Boot("created runbook at %s", path)
	return &Artifact{Kind: KindRunbook, Path: path}, nil
}

// NewException allocates the next EXC id and writes a record in the
// retired state. The lifecycle has no draft; retired keeps the record
// inert until a reviewer flips it to accepted.
func (w *Writer) NewException(title, ruleRef string, globs []string) (*Artifact, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errs.New(errs.KindConfig, "exception title must not be empty")
	}
	if !exceptions.ValidRuleReference(ruleRef) {
		return nil, errs.New(errs.KindConfig, "rule_reference %q is not an ADR id or lint rule id", ruleRef)
	}
	id, err := w.NextID(KindException)
	if err != nil {
		return nil, err
	}
	body, err := renderException(id, title, ruleRef, globs)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(w.cfg.ExceptionDir(), id+"-"+slug(title)+".md")
	if err := writeNew(path, body); err != nil {
		return nil, err
	}
	logging.Boot("created %s at %s", id, path)
	return &Artifact{Kind: KindException, ID: id, Path: path}, nil
}

// NewJourney allocates the next JRN id and writes a draft journey in
// canonical YAML, so new → load → validate round-trips byte for byte.
func (w *Writer) NewJourney(title, actor string) (*Artifact, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errs.New(errs.KindConfig, "journey title must not be empty")
	}
	if strings.TrimSpace(actor) == "" {
		actor = "user"
	}
	id, err := w.NextID(KindJourney)
	if err != nil {
		return nil, err
	}
	j := journey.Journey{
		SchemaVersion: 1,
		ID:            id,
		Title:         title,
		Actor:         strings.TrimSpace(actor),
		Description:   "Describe the user outcome this journey protects.",
		State:         journey.StateDraft,
		Steps: []journey.Step{
			{Action: "Describe the first user action.", Expected: "Describe the visible result."},
		},
	}
	data, err := j.Canonical()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(w.cfg.JourneyDir(), id+"-"+slug(title)+".yaml")
	if err := writeNew(path, string(data)); err != nil {
		return nil, err
	}
	logging.Boot("created %s at %s", id, path)
	return &Artifact{Kind: KindJourney, ID: id, Path: path}, nil
}

var idInName = regexp.MustCompile(`^(ADR|JRN|EXC|STORY)-(\d+)`)

// excIDLine finds exception ids declared in YAML front matter. Records
// in any lifecycle state claim their number.
var excIDLine = regexp.MustCompile(`(?m)^id:\s*"?EXC-(\d+)"?`)

// NextID returns the first unused id for the kind. File names are the
// registry for stories and ADRs; journeys and exceptions also declare
// ids inside the document, so those are scanned too.
func (w *Writer) NextID(kind Kind) (string, error) {
	var prefix, dir string
	switch kind {
	case KindStory:
		prefix, dir = "STORY", w.cfg.StoryDir()
	case KindADR:
		prefix, dir = "ADR", w.cfg.ADRDir()
	case KindJourney:
		prefix, dir = "JRN", w.cfg.JourneyDir()
	case KindException:
		prefix, dir = "EXC", w.cfg.ExceptionDir()
	default:
		return "", errs.New(errs.KindConfig, "kind %q has no id sequence", kind)
	}

	taken, err := numbersInNames(dir, prefix)
	if err != nil {
		return "", err
	}
	switch kind {
	case KindJourney:
		more, err := journeyNumbers(dir)
		if err != nil {
			return "", err
		}
		taken = append(taken, more...)
	case KindException:
		more, err := exceptionNumbers(dir)
		if err != nil {
			return "", err
		}
		taken = append(taken, more...)
	}

	next := 1
	for _, n := range taken {
		if n >= next {
			next = n + 1
		}
	}
	return fmt.Sprintf("%s-%03d", prefix, next), nil
}

// numbersInNames collects the ids claimed by file names like
// PREFIX-012-anything. A missing directory claims nothing.
func numbersInNames(dir, prefix string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	var taken []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := idInName.FindStringSubmatch(e.Name())
		if m == nil || m[1] != prefix {
			continue
		}
		if n, err := strconv.Atoi(m[2]); err == nil {
			taken = append(taken, n)
		}
	}
	return taken, nil
}

// journeyNumbers collects ids declared inside journey YAML, covering
// files not named after their id.
func journeyNumbers(dir string) ([]int, error) {
	journeys, _, err := journey.LoadAll(dir)
	if err != nil {
		return nil, err
	}
	var taken []int
	for _, j := range journeys {
		if n, err := strconv.Atoi(strings.TrimPrefix(j.ID, "JRN-")); err == nil {
			taken = append(taken, n)
		}
	}
	return taken, nil
}

// exceptionNumbers scans every exception file for a front-matter id.
// The resolver only surfaces accepted records, and a retired EXC still
// owns its number, so this reads the files directly.
func exceptionNumbers(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	var taken []int
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		for _, m := range excIDLine.FindAllStringSubmatch(string(data), -1) {
			if n, err := strconv.Atoi(m[1]); err == nil {
				taken = append(taken, n)
			}
		}
	}
	return taken, nil
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// slug lowers a title into a file-name fragment.
func slug(title string) string {
	s := slugStrip.ReplaceAllString(strings.ToLower(title), "-")
	s = strings.Trim(s, "-")
	if len(s) > 48 {
		s = strings.Trim(s[:48], "-")
	}
	if s == "" {
		return "untitled"
	}
	return s
}

// writeNew creates the parent directory lazily and refuses to clobber.
func writeNew(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
