// Package syncport moves governed artifacts between the workspace and
// an external home through a minimal port: list, fetch, upsert. The
// core never learns a remote protocol; a backend implements the three
// calls and the content diffing stays here, keyed on blake3 hashes.
//
// An artifact id is its path relative to .agent, slash-separated, so a
// mirror reproduces the workspace layout exactly.
package syncport

import (
	"context"
	"encoding/hex"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"storyguard/internal/artifacts"
	"storyguard/internal/config"
	"storyguard/internal/errs"
)

// Meta describes one artifact on either side of the port.
type Meta struct {
	ID   string // .agent-relative path, e.g. adr/ADR-001-foo.md
	Kind artifacts.Kind
	Hash string // blake3-256 hex of the content
	Size int64
}

// Target is the import/export port a sync backend implements.
type Target interface {
	List(ctx context.Context, kind artifacts.Kind) ([]Meta, error)
	Fetch(ctx context.Context, id string) ([]byte, error)
	Upsert(ctx context.Context, id string, data []byte) error
}

// Hash returns the blake3-256 hex digest used for content diffing.
func Hash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// kindDirs fixes the directory name each family lives under, both in
// .agent and in any mirror. The order here is the listing order.
var kindDirs = []struct {
	kind artifacts.Kind
	dir  string
}{
	{artifacts.KindStory, "stories"},
	{artifacts.KindADR, "adr"},
	{artifacts.KindJourney, "journeys"},
	{artifacts.KindException, "exceptions"},
	{artifacts.KindRunbook, "runbooks"},
}

func dirOf(kind artifacts.Kind) string {
	for _, kd := range kindDirs {
		if kd.kind == kind {
			return kd.dir
		}
	}
	return ""
}

func kindOf(dir string) (artifacts.Kind, bool) {
	for _, kd := range kindDirs {
		if kd.dir == dir {
			return kd.kind, true
		}
	}
	return "", false
}

// syncedFile reports whether a directory entry is artifact content.
// Journeys are YAML, everything else Markdown; dotfiles and strays are
// not synced.
func syncedFile(kind artifacts.Kind, name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	if kind == artifacts.KindJourney {
		return ext == ".yaml" || ext == ".yml"
	}
	return ext == ".md"
}

// ParseID validates an artifact id and returns its kind. Ids that
// escape the tree or name an unknown family are config errors; they
// would otherwise let a hostile mirror write anywhere.
func ParseID(id string) (artifacts.Kind, error) {
	clean := path.Clean(strings.ReplaceAll(id, "\\", "/"))
	if clean != id {
		return "", errs.New(errs.KindConfig, "artifact id %q is not canonical", id)
	}
	if path.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", errs.New(errs.KindConfig, "artifact id %q escapes the tree", id)
	}
	dir, rest, ok := strings.Cut(clean, "/")
	if !ok || rest == "" {
		return "", errs.New(errs.KindConfig, "artifact id %q must be <family>/<name>", id)
	}
	kind, ok := kindOf(dir)
	if !ok {
		return "", errs.New(errs.KindConfig, "artifact id %q names unknown family %q", id, dir)
	}
	if !syncedFile(kind, path.Base(clean)) {
		return "", errs.New(errs.KindConfig, "artifact id %q is not a synced document", id)
	}
	return kind, nil
}

// LocalDir is the reference Target: a plain directory tree mirroring
// the .agent artifact layout.
type LocalDir struct {
	Root string
}

func (l LocalDir) List(ctx context.Context, kind artifacts.Kind) ([]Meta, error) {
	dir := dirOf(kind)
	if dir == "" {
		return nil, errs.New(errs.KindConfig, "unknown artifact kind %q", kind)
	}
	return listDir(filepath.Join(l.Root, dir), dir, kind)
}

func (l LocalDir) Fetch(ctx context.Context, id string) ([]byte, error) {
	if _, err := ParseID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(l.Root, filepath.FromSlash(id)))
	if err != nil {
		return nil, errs.Wrap(errs.KindTool, err, "failed to fetch %s", id)
	}
	return data, nil
}

func (l LocalDir) Upsert(ctx context.Context, id string, data []byte) error {
	if _, err := ParseID(id); err != nil {
		return err
	}
	full := filepath.Join(l.Root, filepath.FromSlash(id))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return errs.Wrap(errs.KindTool, err, "failed to create mirror directory for %s", id)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return errs.Wrap(errs.KindTool, err, "failed to upsert %s", id)
	}
	return nil
}

// listDir hashes every synced file directly under dir. A missing
// directory lists as empty; one side not knowing a family yet is not
// an error.
func listDir(dir, prefix string, kind artifacts.Kind) ([]Meta, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindTool, err, "failed to list %s", dir)
	}
	var metas []Meta
	for _, e := range entries {
		if e.IsDir() || !syncedFile(kind, e.Name()) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, errs.Wrap(errs.KindTool, err, "failed to read %s", e.Name())
		}
		metas = append(metas, Meta{
			ID:   prefix + "/" + e.Name(),
			Kind: kind,
			Hash: Hash(data),
			Size: int64(len(data)),
		})
	}
	return metas, nil
}

// Inventory hashes every artifact in the workspace .agent tree, in
// family order then name order.
func Inventory(cfg *config.Config) ([]Meta, error) {
	var metas []Meta
	for _, kd := range kindDirs {
		dir := filepath.Join(cfg.Workspace, config.AgentDir, kd.dir)
		ms, err := listDir(dir, kd.dir, kd.kind)
		if err != nil {
			return nil, err
		}
		metas = append(metas, ms...)
	}
	return metas, nil
}
