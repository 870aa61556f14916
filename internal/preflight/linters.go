package preflight

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"storyguard/internal/changeset"
	"storyguard/internal/errs"
	"storyguard/internal/governance"
	"storyguard/internal/logging"
)

// linterTimeout bounds one external tool invocation. Linters are cheap
// compared to the council; a tool that needs longer is stuck.
const linterTimeout = 30 * time.Second

// Linter adapts one external analyzer: which files it owns, how to
// invoke it, and how to translate its output lines into findings.
type Linter struct {
	Name  string
	exts  map[string]bool
	args  func(files []string) []string
	parse func(line string) (governance.Finding, bool)
}

// LintersFor maps configured linter names to adapters. Unknown names
// are logged and ignored so a config typo cannot abort preflight.
func LintersFor(names []string) []Linter {
	var out []Linter
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "ruff":
			out = append(out, Ruff())
		case "eslint":
			out = append(out, ESLint())
		case "shellcheck":
			out = append(out, ShellCheck())
		default:
			logging.Preflight("unknown external linter %q ignored", name)
		}
	}
	return out
}

// Ruff lints Python files. Syntax errors and undefined names block;
// everything else warns.
func Ruff() Linter {
	return Linter{
		Name: "ruff",
		exts: extSet(".py"),
		args: func(files []string) []string {
			return append([]string{"check", "--output-format", "concise"}, files...)
		},
		parse: parseRuffLine,
	}
}

// ESLint lints JavaScript and TypeScript files using the unix output
// format. Errors block, warnings warn.
func ESLint() Linter {
	return Linter{
		Name: "eslint",
		exts: extSet(".js", ".jsx", ".ts", ".tsx"),
		args: func(files []string) []string {
			return append([]string{"--format", "unix", "--no-color"}, files...)
		},
		parse: parseESLintLine,
	}
}

// ShellCheck lints shell scripts using the gcc output format, which
// carries an explicit error/warning/note level per line.
func ShellCheck() Linter {
	return Linter{
		Name: "shellcheck",
		exts: extSet(".sh", ".bash"),
		args: func(files []string) []string {
			return append([]string{"--format", "gcc"}, files...)
		},
		parse: parseShellCheckLine,
	}
}

func extSet(exts ...string) map[string]bool {
	m := make(map[string]bool, len(exts))
	for _, e := range exts {
		m[e] = true
	}
	return m
}

// externalLint shells out to each configured linter over the changed
// files it understands. A tool that is not installed is skipped; a
// tool that itself breaks surfaces as a warn finding so one bad
// install cannot sink the gate.
func (o *Orchestrator) externalLint(ctx context.Context, cs *changeset.Changeset) ([]governance.Finding, error) {
	var out []governance.Finding
	for _, l := range o.linters() {
		files := l.ownedFiles(o.cfg.Workspace, cs)
		if len(files) == 0 {
			continue
		}
		findings, err := l.run(ctx, o.cfg.Workspace, files)
		if err != nil {
			if errors.Is(err, exec.ErrNotFound) {
				logging.Preflight("%s not installed, skipping", l.Name)
				continue
			}
			if errs.IsKind(err, errs.KindDeadline) {
				return out, err
			}
			out = append(out, governance.Finding{
				Role:     l.Name,
				Severity: governance.SeverityWarn,
				Message:  fmt.Sprintf("linter failed: %v", err),
			})
			continue
		}
		logging.PreflightDebug("%s: %d findings over %d files", l.Name, len(findings), len(files))
		out = append(out, findings...)
	}
	return out, nil
}

func (o *Orchestrator) linters() []Linter {
	if o.deps.Linters != nil {
		return o.deps.Linters
	}
	return LintersFor(o.cfg.Lint.ExternalLinters)
}

// owns reports whether the linter handles files with this path's
// extension.
func (l Linter) owns(path string) bool {
	return l.exts[strings.ToLower(filepath.Ext(path))]
}

// ownedFiles filters the changeset down to the files this linter
// handles and that still exist on disk. Deleted and binary entries
// never reach a linter.
func (l Linter) ownedFiles(root string, cs *changeset.Changeset) []string {
	var files []string
	for _, f := range cs.Files {
		if f.Status == changeset.StatusDeleted || f.Binary {
			continue
		}
		if !l.owns(f.Path) {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(f.Path))); err != nil {
			continue
		}
		files = append(files, f.Path)
	}
	sort.Strings(files)
	return files
}

// run invokes the tool and parses its stdout. Exit status 1 is the
// conventional "issues found" for all three tools and is not an
// error; larger codes mean the tool itself broke.
func (l Linter) run(ctx context.Context, root string, files []string) ([]governance.Finding, error) {
	if _, err := exec.LookPath(l.Name); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, linterTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, l.Name, l.args(files)...)
	cmd.Dir = root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, errs.Wrap(errs.KindDeadline, ctx.Err(), "%s timed out", l.Name)
	}
	if err != nil {
		var exit *exec.ExitError
		if !errors.As(err, &exit) || exit.ExitCode() > 1 {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = err.Error()
			}
			return nil, errs.New(errs.KindTool, "%s: %s", l.Name, msg)
		}
	}
	return l.parseOutput(stdout.String()), nil
}

// parseOutput translates tool output line by line. Summary lines and
// anything else that does not carry a location are dropped.
func (l Linter) parseOutput(output string) []governance.Finding {
	var out []governance.Finding
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if f, ok := l.parse(line); ok {
			out = append(out, f)
		}
	}
	return out
}

// splitLocation parses the "path:line:col: rest" prefix shared by the
// unix and gcc output formats all three tools emit.
func splitLocation(line string) (file string, lineNo, col int, rest string, ok bool) {
	parts := strings.SplitN(line, ":", 4)
	if len(parts) < 4 {
		return "", 0, 0, "", false
	}
	lineNo, err1 := strconv.Atoi(parts[1])
	col, err2 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil {
		return "", 0, 0, "", false
	}
	return filepath.ToSlash(parts[0]), lineNo, col, strings.TrimSpace(parts[3]), true
}

// parseRuffLine reads the concise format: "path:line:col: CODE message".
func parseRuffLine(line string) (governance.Finding, bool) {
	file, lineNo, col, rest, ok := splitLocation(line)
	if !ok {
		return governance.Finding{}, false
	}
	code, msg, found := strings.Cut(rest, " ")
	if !found {
		code, msg = rest, ""
	}
	msg = strings.TrimPrefix(msg, "[*] ")
	return governance.Finding{
		Role:     "ruff",
		Severity: ruffSeverity(code),
		Message:  strings.TrimSpace(code + " " + msg),
		File:     file,
		Line:     lineNo,
		Col:      col,
	}, true
}

// ruffSeverity blocks on the rule families that mean broken code:
// E9xx syntax errors and F82x undefined names. The rest is style.
func ruffSeverity(code string) governance.Severity {
	if strings.HasPrefix(code, "E9") || strings.HasPrefix(code, "F82") {
		return governance.SeverityBlock
	}
	return governance.SeverityWarn
}

// parseESLintLine reads the unix format:
// "path:line:col: message [Error/rule-id]".
func parseESLintLine(line string) (governance.Finding, bool) {
	file, lineNo, col, rest, ok := splitLocation(line)
	if !ok {
		return governance.Finding{}, false
	}
	sev := governance.SeverityWarn
	msg := rest
	if i := strings.LastIndex(rest, " ["); i >= 0 && strings.HasSuffix(rest, "]") {
		if strings.HasPrefix(rest[i+2:], "Error") {
			sev = governance.SeverityBlock
		}
		msg = strings.TrimSpace(rest[:i])
	}
	return governance.Finding{
		Role:     "eslint",
		Severity: sev,
		Message:  msg,
		File:     file,
		Line:     lineNo,
		Col:      col,
	}, true
}

// parseShellCheckLine reads the gcc format:
// "path:line:col: level: message [SCnnnn]".
func parseShellCheckLine(line string) (governance.Finding, bool) {
	file, lineNo, col, rest, ok := splitLocation(line)
	if !ok {
		return governance.Finding{}, false
	}
	level, msg, found := strings.Cut(rest, ": ")
	if !found {
		return governance.Finding{}, false
	}
	var sev governance.Severity
	switch level {
	case "error":
		sev = governance.SeverityBlock
	case "warning":
		sev = governance.SeverityWarn
	case "note":
		sev = governance.SeverityInfo
	default:
		return governance.Finding{}, false
	}
	return governance.Finding{
		Role:     "shellcheck",
		Severity: sev,
		Message:  msg,
		File:     file,
		Line:     lineNo,
		Col:      col,
	}, true
}
