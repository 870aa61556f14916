package tools

import (
	"os"
	"path/filepath"
	"strings"

	"storyguard/internal/errs"
)

// Resolve turns a tool-supplied path into an absolute path proven to
// live inside root. Symlinks are followed before the containment check
// so a link pointing outside the project is rejected, not traversed.
func Resolve(root, path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errs.New(errs.KindTool, "path is required")
	}

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, err, "failed to resolve project root")
	}
	rootReal, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, err, "failed to resolve project root")
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(rootAbs, filepath.FromSlash(path))
	}
	abs = filepath.Clean(abs)

	// Resolve the deepest existing ancestor so symlinked directories
	// cannot smuggle the path outside. A missing final component is
	// fine; it cannot itself be a symlink.
	real, err := resolveExisting(abs)
	if err != nil {
		return "", errs.Wrap(errs.KindTool, err, "failed to resolve %s", path)
	}

	if real != rootReal && !strings.HasPrefix(real, rootReal+string(filepath.Separator)) {
		return "", errs.New(errs.KindTool, "path %s is outside the project root", path)
	}
	return real, nil
}

func resolveExisting(abs string) (string, error) {
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}
	dir, base := filepath.Split(abs)
	dir = filepath.Clean(dir)
	if dir == abs {
		return abs, nil
	}
	realDir, err := resolveExisting(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(realDir, base), nil
}
