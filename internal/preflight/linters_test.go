package preflight

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"storyguard/internal/changeset"
	"storyguard/internal/governance"
)

func TestParseLinterLines(t *testing.T) {
	cases := []struct {
		name string
		l    Linter
		line string
		want governance.Finding
		ok   bool
	}{
		{
			name: "ruff style warning",
			l:    Ruff(),
			line: "src/app.py:3:8: F401 [*] `os` imported but unused",
			want: governance.Finding{
				Role:     "ruff",
				Severity: governance.SeverityWarn,
				Message:  "F401 `os` imported but unused",
				File:     "src/app.py",
				Line:     3,
				Col:      8,
			},
			ok: true,
		},
		{
			name: "ruff syntax error blocks",
			l:    Ruff(),
			line: "src/broken.py:2:5: E999 SyntaxError: invalid syntax",
			want: governance.Finding{
				Role:     "ruff",
				Severity: governance.SeverityBlock,
				Message:  "E999 SyntaxError: invalid syntax",
				File:     "src/broken.py",
				Line:     2,
				Col:      5,
			},
			ok: true,
		},
		{
			name: "ruff undefined name blocks",
			l:    Ruff(),
			line: "src/app.py:10:1: F821 Undefined name `frobnicate`",
			want: governance.Finding{
				Role:     "ruff",
				Severity: governance.SeverityBlock,
				Message:  "F821 Undefined name `frobnicate`",
				File:     "src/app.py",
				Line:     10,
				Col:      1,
			},
			ok: true,
		},
		{
			name: "ruff summary line dropped",
			l:    Ruff(),
			line: "Found 3 errors.",
			ok:   false,
		},
		{
			name: "eslint warning",
			l:    ESLint(),
			line: "src/ui.js:12:5: Unexpected console statement. [Warning/no-console]",
			want: governance.Finding{
				Role:     "eslint",
				Severity: governance.SeverityWarn,
				Message:  "Unexpected console statement.",
				File:     "src/ui.js",
				Line:     12,
				Col:      5,
			},
			ok: true,
		},
		{
			name: "eslint error blocks",
			l:    ESLint(),
			line: "src/ui.js:3:1: Parsing error: Unexpected token [Error]",
			want: governance.Finding{
				Role:     "eslint",
				Severity: governance.SeverityBlock,
				Message:  "Parsing error: Unexpected token",
				File:     "src/ui.js",
				Line:     3,
				Col:      1,
			},
			ok: true,
		},
		{
			name: "shellcheck warning",
			l:    ShellCheck(),
			line: "deploy.sh:5:8: warning: Double quote to prevent globbing and word splitting. [SC2086]",
			want: governance.Finding{
				Role:     "shellcheck",
				Severity: governance.SeverityWarn,
				Message:  "Double quote to prevent globbing and word splitting. [SC2086]",
				File:     "deploy.sh",
				Line:     5,
				Col:      8,
			},
			ok: true,
		},
		{
			name: "shellcheck error blocks",
			l:    ShellCheck(),
			line: "deploy.sh:1:1: error: Couldn't parse this function. [SC1073]",
			want: governance.Finding{
				Role:     "shellcheck",
				Severity: governance.SeverityBlock,
				Message:  "Couldn't parse this function. [SC1073]",
				File:     "deploy.sh",
				Line:     1,
				Col:      1,
			},
			ok: true,
		},
		{
			name: "shellcheck note is info",
			l:    ShellCheck(),
			line: "deploy.sh:9:1: note: Consider invoking this command separately. [SC2015]",
			want: governance.Finding{
				Role:     "shellcheck",
				Severity: governance.SeverityInfo,
				Message:  "Consider invoking this command separately. [SC2015]",
				File:     "deploy.sh",
				Line:     9,
				Col:      1,
			},
			ok: true,
		},
		{
			name: "shellcheck unknown level dropped",
			l:    ShellCheck(),
			line: "deploy.sh:1:1: style: whatever this is",
			ok:   false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := tc.l.parse(tc.line)
			if ok != tc.ok {
				t.Fatalf("parse ok = %v, want %v", ok, tc.ok)
			}
			if !ok {
				return
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("finding mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseOutputDropsNoise(t *testing.T) {
	output := "src/app.py:3:8: F401 [*] `os` imported but unused\n" +
		"\n" +
		"Found 1 error.\n" +
		"[*] 1 fixable with the `--fix` option.\n"
	findings := Ruff().parseOutput(output)
	if len(findings) != 1 {
		t.Fatalf("findings = %d, want 1: %+v", len(findings), findings)
	}
	if findings[0].Line != 3 {
		t.Errorf("line = %d, want 3", findings[0].Line)
	}
}

func TestOwnedFiles(t *testing.T) {
	root := t.TempDir()
	for _, rel := range []string{"src/app.py", "src/ui.ts"} {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("x\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	cs := &changeset.Changeset{Files: []changeset.FileDiff{
		{Path: "src/ui.ts", Status: changeset.StatusModified},
		{Path: "src/app.py", Status: changeset.StatusModified},
		{Path: "src/gone.py", Status: changeset.StatusDeleted},
		{Path: "src/unwritten.py", Status: changeset.StatusAdded},
		{Path: "assets/logo.png", Status: changeset.StatusModified, Binary: true},
	}}

	if got := Ruff().ownedFiles(root, cs); !cmp.Equal([]string{"src/app.py"}, got) {
		t.Errorf("ruff files = %v, want [src/app.py]", got)
	}
	if got := ESLint().ownedFiles(root, cs); !cmp.Equal([]string{"src/ui.ts"}, got) {
		t.Errorf("eslint files = %v, want [src/ui.ts]", got)
	}
	if got := ShellCheck().ownedFiles(root, cs); got != nil {
		t.Errorf("shellcheck files = %v, want none", got)
	}
}

func TestLintersForIgnoresUnknownNames(t *testing.T) {
	linters := LintersFor([]string{"ruff", "pylint", " ShellCheck "})
	if len(linters) != 2 {
		t.Fatalf("linters = %d, want 2", len(linters))
	}
	if linters[0].Name != "ruff" || linters[1].Name != "shellcheck" {
		t.Errorf("linter names = %s, %s", linters[0].Name, linters[1].Name)
	}
}

func TestExternalLintSkipsMissingTool(t *testing.T) {
	cfg := testWorkspace(t, map[string]string{
		"src/app.py": "print(1)\n",
	})
	o := New(cfg, Deps{
		Linters: []Linter{{
			Name: "storyguard-linter-that-does-not-exist",
			exts: extSet(".py"),
		}},
	})
	cs := &changeset.Changeset{Files: []changeset.FileDiff{
		{Path: "src/app.py", Status: changeset.StatusModified},
	}}

	findings, err := o.externalLint(context.Background(), cs)
	if err != nil {
		t.Fatalf("a missing tool must be skipped, got %v", err)
	}
	if len(findings) != 0 {
		t.Errorf("findings = %+v, want none", findings)
	}
}
