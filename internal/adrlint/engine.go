package adrlint

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"storyguard/internal/errs"
	"storyguard/internal/exceptions"
	"storyguard/internal/governance"
	"storyguard/internal/logging"
)

// maxFileSize caps what the linter will scan. Anything larger is
// almost certainly generated or vendored.
const maxFileSize = 2 << 20

// skipDirs are never descended into when the engine walks the
// workspace itself.
var skipDirs = map[string]bool{
	".git": true, ".agent": true, "node_modules": true,
	"__pycache__": true, ".tox": true, ".pytest_cache": true,
	"vendor": true, "dist": true, "build": true,
	".venv": true, "venv": true,
}

// Engine runs enforcement rules from accepted ADRs against files.
type Engine struct {
	workspace string
	rules     []Rule
	issues    []Issue
	resolver  *exceptions.Resolver
	emitter   *logging.Emitter
}

// Result is one lint pass.
type Result struct {
	Findings     []governance.Finding
	Issues       []Issue
	RulesRun     int
	FilesScanned int
}

// New loads ADRs from adrDir and builds an engine scoped to workspace.
// Load problems become issues on the engine, not errors; only a truly
// unreadable directory fails.
func New(workspace, adrDir string) (*Engine, error) {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "failed to resolve workspace")
	}
	adrs, issues, err := LoadADRs(adrDir)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "failed to load ADRs")
	}
	e := &Engine{workspace: abs, issues: issues}
	for _, adr := range adrs {
		e.rules = append(e.rules, adr.Rules...)
	}
	return e, nil
}

// SetExceptions wires an exception resolver so matched findings are
// downgraded or dropped before the result is returned.
func (e *Engine) SetExceptions(r *exceptions.Resolver) { e.resolver = r }

// SetEmitter wires structured event output.
func (e *Engine) SetEmitter(em *logging.Emitter) { e.emitter = em }

// Rules returns the compiled rules, for reporting.
func (e *Engine) Rules() []Rule { return e.rules }

// Issues returns load-time problems.
func (e *Engine) Issues() []Issue { return e.issues }

// Run lints the given workspace-relative paths. A nil slice means
// "everything in scope": the engine walks the workspace itself. Each
// (rule, file) pair gets its own deadline; a rule that overruns is
// abandoned with an issue while every other rule proceeds.
func (e *Engine) Run(ctx context.Context, paths []string) (*Result, error) {
	if len(e.rules) == 0 {
		return &Result{Issues: e.loadIssues()}, nil
	}

	var err error
	if paths == nil {
		paths, err = e.walk()
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(paths)

	res := &Result{Issues: e.loadIssues()}
	contents := map[string][]byte{}
	scanned := map[string]bool{}

	for _, rule := range e.rules {
		res.RulesRun++
		abandoned := false
		for _, rel := range paths {
			if abandoned || !rule.AppliesTo(rel) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return res, errs.Wrap(errs.KindDeadline, err, "lint cancelled")
			}
			content, ok, skipMsg := e.load(contents, rel)
			if !ok {
				if skipMsg != "" {
					logging.LintDebug("skip %s: %s", rel, skipMsg)
				}
				continue
			}
			scanned[rel] = true

			matches, runErr := runRule(ctx, rule, rel, content)
			for _, m := range matches {
				res.Findings = append(res.Findings, governance.Finding{
					Role:       "adr-lint",
					Severity:   governance.SeverityBlock,
					Message:    rule.Message,
					File:       rel,
					Line:       m.Line,
					Col:        m.Col,
					References: []string{rule.ADRID},
				})
			}
			if runErr != nil {
				res.Issues = append(res.Issues, Issue{
					ADRID:   rule.ADRID,
					Path:    rel,
					Message: fmt.Sprintf("rule %s: %v", rule.Name(), runErr),
				})
				// One overrun or bad query abandons the rule, not the run.
				abandoned = true
				logging.Lint("rule %s abandoned on %s: %v", rule.Name(), rel, runErr)
			}
		}
	}

	res.FilesScanned = len(scanned)
	res.Findings = governance.Dedupe(res.Findings)
	governance.Sort(res.Findings)
	if e.resolver != nil {
		res.Findings = e.resolver.Apply(res.Findings)
	}
	logging.Lint("lint pass: %d rules, %d files, %d findings, %d issues",
		res.RulesRun, res.FilesScanned, len(res.Findings), len(res.Issues))
	return res, nil
}

// ConfigFindings renders load and run issues as warn findings owned by
// their ADR, so a broken rule is visible in the same stream as real
// violations without blocking unrelated work.
func ConfigFindings(issues []Issue) []governance.Finding {
	var out []governance.Finding
	for _, issue := range issues {
		f := governance.Finding{
			Role:     "adr-lint",
			Severity: governance.SeverityWarn,
			Message:  "enforcement config: " + issue.Message,
		}
		if issue.ADRID != "" {
			f.References = []string{issue.ADRID}
		}
		out = append(out, f)
	}
	return out
}

func (e *Engine) loadIssues() []Issue {
	return append([]Issue(nil), e.issues...)
}

// load reads and caches one workspace-relative file. The second return
// is false when the file should be skipped.
func (e *Engine) load(cache map[string][]byte, rel string) ([]byte, bool, string) {
	if content, ok := cache[rel]; ok {
		return content, content != nil, ""
	}
	abs := filepath.Join(e.workspace, rel)
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		cache[rel] = nil
		return nil, false, "not a readable file"
	}
	if info.Size() > maxFileSize {
		cache[rel] = nil
		return nil, false, fmt.Sprintf("too large (%d bytes)", info.Size())
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		cache[rel] = nil
		return nil, false, err.Error()
	}
	if bytes.IndexByte(content, 0) >= 0 {
		cache[rel] = nil
		return nil, false, "binary"
	}
	cache[rel] = content
	return content, true, ""
}

// walk lists every lintable file under the workspace, relative paths
// with forward slashes.
func (e *Engine) walk() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(e.workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(e.workspace, path)
		if relErr != nil {
			return nil
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "workspace walk failed")
	}
	return paths, nil
}

// runRule executes one (rule, file) pair under the rule's deadline.
// The matcher runs in its own goroutine; on overrun we stop waiting
// and report, we do not kill it. Regexes are linear-time and parses
// honor the context, so the goroutine drains promptly.
func runRule(parent context.Context, rule Rule, rel string, content []byte) ([]astMatch, error) {
	ctx, cancel := context.WithTimeout(parent, rule.Timeout)
	defer cancel()

	type outcome struct {
		matches []astMatch
		err     error
	}
	ch := make(chan outcome, 1)
	start := time.Now()
	go func() {
		var o outcome
		switch rule.Type {
		case RuleAST:
			o.matches, o.err = runASTRule(ctx, rule, rel, content)
		default:
			o.matches, o.err = runRegexRule(ctx, rule, content)
		}
		ch <- o
	}()

	select {
	case o := <-ch:
		if o.err != nil && ctx.Err() != nil {
			return o.matches, fmt.Errorf("timed out after %v", time.Since(start).Round(time.Millisecond))
		}
		return o.matches, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("timed out after %v", rule.Timeout)
	}
}

// runRegexRule scans content line by line. One hit per matching line,
// column pointing at the match start.
func runRegexRule(ctx context.Context, rule Rule, content []byte) ([]astMatch, error) {
	var matches []astMatch
	lines := bytes.Split(content, []byte("\n"))
	for i, line := range lines {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return matches, err
			}
		}
		loc := rule.re.FindIndex(line)
		if loc == nil {
			continue
		}
		matches = append(matches, astMatch{
			Line: i + 1,
			Col:  loc[0] + 1,
			Text: string(bytes.TrimSpace(line)),
		})
	}
	return matches, nil
}
