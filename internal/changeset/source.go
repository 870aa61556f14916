package changeset

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"

	"storyguard/internal/errs"
)

// Source produces the changeset to review. Implementations wrap git,
// a diff file, or an in-memory reader.
type Source interface {
	Load(ctx context.Context) (*Changeset, error)
}

// GitSource reads the diff from the workspace's git repository. With
// an empty Base it diffs staged changes; otherwise it diffs the
// working tree against the given ref.
type GitSource struct {
	Workspace string
	Base      string
}

func (g GitSource) Load(ctx context.Context) (*Changeset, error) {
	args := []string{"diff", "--no-color", "--no-ext-diff", "--unified=3"}
	if g.Base == "" {
		args = append(args, "--cached")
	} else {
		args = append(args, g.Base)
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.Workspace
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errs.FromContext(ctx) != nil {
			return nil, errs.FromContext(ctx)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, errs.New(errs.KindConfig, "git diff failed: %s", msg)
	}
	return ParseUnified(stdout.String())
}

// FileSource reads a unified diff from a file, or from stdin when the
// path is "-".
type FileSource struct {
	Path  string
	Stdin io.Reader
}

func (f FileSource) Load(ctx context.Context) (*Changeset, error) {
	var data []byte
	var err error
	if f.Path == "-" {
		in := f.Stdin
		if in == nil {
			in = os.Stdin
		}
		data, err = io.ReadAll(in)
	} else {
		data, err = os.ReadFile(f.Path)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "read diff from %s", f.Path)
	}
	return ParseUnified(string(data))
}
