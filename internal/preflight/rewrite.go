package preflight

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"storyguard/internal/ai"
	"storyguard/internal/council"
	"storyguard/internal/errs"
	"storyguard/internal/governance"
	"storyguard/internal/logging"
)

// maxRewriteSize caps the file size offered for a single-shot rewrite.
// Larger files produce unreliable full-file replies.
const maxRewriteSize = 48 * 1024

// Proposal is one suggested replacement for a file that drew a
// blocking finding.
type Proposal struct {
	Title   string
	Content string
}

// PickFunc chooses among proposals for one finding. A negative index
// skips the finding.
type PickFunc func(f governance.Finding, options []Proposal) (int, error)

const rewriteSystem = `You rewrite source files to clear governance findings. Respond only with proposals in this exact format:

PROPOSAL <n>: <one-line title>
` + "```" + `
<full replacement file content>
` + "```" + `

Offer one to three proposals. Each code fence must contain the complete replacement file, not a fragment.`

// Interactive walks the blocking findings that point at a file, asks
// for rewrite proposals, applies the picked one, and re-runs the gate
// that produced the finding. A rewrite that does not clear its gate is
// reverted. When at least one rewrite sticks, the whole pipeline runs
// again so the final verdict reflects the changed tree. Journey
// contract findings are skipped: missing tests need new files, not a
// rewrite of the touched one.
func (o *Orchestrator) Interactive(ctx context.Context, flags Flags, res *Result, comp council.Completer, pick PickFunc) (*Result, error) {
	if comp == nil || pick == nil {
		return res, errs.New(errs.KindConfig, "interactive mode needs an AI service and a picker")
	}

	applied := 0
	rewritten := make(map[string]bool)
	for _, f := range res.Blocking() {
		if f.File == "" || f.Role == "journeys" {
			continue
		}
		if rewritten[f.File] {
			// Stale: an earlier rewrite already changed this file.
			continue
		}
		props, err := o.proposeRewrites(ctx, comp, f)
		if err != nil {
			if errs.FromContext(ctx) != nil {
				return res, errs.FromContext(ctx)
			}
			logging.Preflight("no proposals for %s: %v", f.Location(), err)
			continue
		}
		if len(props) == 0 {
			logging.Preflight("model offered no usable proposals for %s", f.Location())
			continue
		}
		choice, err := pick(f, props)
		if err != nil {
			return res, err
		}
		if choice < 0 || choice >= len(props) {
			continue
		}
		if err := o.applyRewrite(ctx, f, props[choice]); err != nil {
			logging.Preflight("rewrite for %s reverted: %v", f.Location(), err)
			continue
		}
		rewritten[f.File] = true
		applied++
	}

	if applied == 0 {
		return res, nil
	}
	logging.Preflight("%d rewrites applied, re-running preflight", applied)
	return o.Run(ctx, flags)
}

// proposeRewrites asks the model for replacement files addressing one
// finding.
func (o *Orchestrator) proposeRewrites(ctx context.Context, comp council.Completer, f governance.Finding) ([]Proposal, error) {
	abs := filepath.Join(o.cfg.Workspace, filepath.FromSlash(f.File))
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, errs.Wrap(errs.KindTool, err, "read %s", f.File)
	}
	if len(content) > maxRewriteSize {
		return nil, errs.New(errs.KindTool, "%s too large for a rewrite proposal", f.File)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "A %s finding from %s blocks this change:\n\n  %s\n\n", f.Severity, f.Role, f.String())
	if len(f.References) > 0 {
		fmt.Fprintf(&b, "Cited references: %s\n\n", strings.Join(f.References, ", "))
	}
	fmt.Fprintf(&b, "Current content of %s:\n```\n%s\n```\n\n", f.File, content)
	b.WriteString("Propose rewrites that resolve the finding with the smallest coherent change.")

	temp := 0.2
	// A full-file reply needs more room than the conversational reserve.
	maxTokens := o.cfg.Budget.ExpectedOutput * 4
	resp, err := comp.Complete(ctx, ai.Request{
		Messages: []ai.Message{
			{Role: "system", Content: rewriteSystem},
			{Role: "user", Content: b.String()},
		},
		Temperature: &temp,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return nil, err
	}
	return parseProposals(resp.Text), nil
}

// parseProposals scans "PROPOSAL n: title" headers, each followed by a
// fenced block holding the replacement content. Caps at three.
func parseProposals(reply string) []Proposal {
	var out []Proposal
	lines := strings.Split(reply, "\n")
	i := 0
	for i < len(lines) && len(out) < 3 {
		header := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(header, "PROPOSAL") {
			i++
			continue
		}
		_, title, ok := strings.Cut(header, ":")
		if !ok {
			i++
			continue
		}

		j := i + 1
		for j < len(lines) {
			probe := strings.TrimSpace(lines[j])
			if strings.HasPrefix(probe, "```") || strings.HasPrefix(probe, "PROPOSAL") {
				break
			}
			j++
		}
		if j >= len(lines) || !strings.HasPrefix(strings.TrimSpace(lines[j]), "```") {
			i = j
			continue
		}

		k := j + 1
		var body []string
		for k < len(lines) && strings.TrimSpace(lines[k]) != "```" {
			body = append(body, lines[k])
			k++
		}
		if k >= len(lines) {
			break // unterminated fence
		}
		out = append(out, Proposal{
			Title:   strings.TrimSpace(title),
			Content: strings.Join(body, "\n") + "\n",
		})
		i = k + 1
	}
	return out
}

// applyRewrite stashes the original, writes the proposal, and re-runs
// the producing gate against the touched file. A remaining blocking
// finding on the file is a regression and restores the stash.
func (o *Orchestrator) applyRewrite(ctx context.Context, f governance.Finding, p Proposal) error {
	abs := filepath.Join(o.cfg.Workspace, filepath.FromSlash(f.File))
	orig, err := os.ReadFile(abs)
	if err != nil {
		return errs.Wrap(errs.KindTool, err, "stash %s", f.File)
	}
	mode := fs.FileMode(0o644)
	if info, statErr := os.Stat(abs); statErr == nil {
		mode = info.Mode()
	}
	if err := os.WriteFile(abs, []byte(p.Content), mode); err != nil {
		return errs.Wrap(errs.KindTool, err, "apply rewrite to %s", f.File)
	}

	cleared, err := o.recheck(ctx, f)
	if err == nil && cleared {
		return nil
	}
	if restoreErr := os.WriteFile(abs, orig, mode); restoreErr != nil {
		return errs.Wrap(errs.KindInternal, restoreErr, "restore %s after failed rewrite", f.File)
	}
	if err != nil {
		return err
	}
	return errs.New(errs.KindTool, "rewrite did not clear the %s gate", gateOf(f))
}

// recheck re-runs the deterministic gate that produced the finding
// against just the rewritten file. Council findings defer to the full
// re-run that follows interactive resolution.
func (o *Orchestrator) recheck(ctx context.Context, f governance.Finding) (bool, error) {
	switch gateOf(f) {
	case "adr-lint":
		eng, err := o.lintEngine()
		if err != nil {
			return false, err
		}
		lr, err := eng.Run(ctx, []string{f.File})
		if err != nil {
			return false, err
		}
		return noneBlocking(o.suppress(lr.Findings), f.File), nil
	case "linters":
		for _, l := range o.linters() {
			if l.Name != f.Role || !l.owns(f.File) {
				continue
			}
			findings, err := l.run(ctx, o.cfg.Workspace, []string{f.File})
			if err != nil {
				return false, err
			}
			return noneBlocking(o.suppress(findings), f.File), nil
		}
		return true, nil
	default:
		return true, nil
	}
}

func noneBlocking(findings []governance.Finding, file string) bool {
	for _, f := range findings {
		if f.Blocking() && f.File == file {
			return false
		}
	}
	return true
}

func gateOf(f governance.Finding) string {
	switch f.Role {
	case "adr-lint":
		return "adr-lint"
	case "ruff", "eslint", "shellcheck":
		return "linters"
	case "journeys":
		return "journeys"
	default:
		return "council"
	}
}
