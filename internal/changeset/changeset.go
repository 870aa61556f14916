// Package changeset models the unit of review: a set of file diffs
// with their hunks. Changesets come from git, from a unified diff
// file, or are computed in-process from two content versions.
package changeset

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// LineOp classifies one diff line.
type LineOp int

const (
	OpContext LineOp = iota
	OpAdd
	OpDelete
)

// Line is a single line within a hunk. OldNo and NewNo are 1-based;
// an added line has OldNo 0, a deleted line has NewNo 0.
type Line struct {
	Op    LineOp
	Text  string
	OldNo int
	NewNo int
}

// Hunk is a contiguous group of changes. Hunks are the atomic unit
// downstream: review chunking may split a file but never a hunk.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Section  string
	Lines    []Line
}

// FileStatus describes what happened to a file.
type FileStatus string

const (
	StatusAdded    FileStatus = "added"
	StatusModified FileStatus = "modified"
	StatusDeleted  FileStatus = "deleted"
	StatusRenamed  FileStatus = "renamed"
)

// FileDiff is the change to one file.
type FileDiff struct {
	Path     string
	OldPath  string
	Status   FileStatus
	Binary   bool
	Language string
	Hunks    []Hunk
}

// Changeset is the full set of file changes under review.
type Changeset struct {
	Files []FileDiff
}

// IsEmpty reports whether there is nothing to review.
func (c *Changeset) IsEmpty() bool {
	return c == nil || len(c.Files) == 0
}

// Paths returns changed file paths sorted, using the new path for
// renames.
func (c *Changeset) Paths() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.Files))
	for _, f := range c.Files {
		out = append(out, f.Path)
	}
	sort.Strings(out)
	return out
}

// Stats returns total added and deleted line counts.
func (c *Changeset) Stats() (added, deleted int) {
	if c == nil {
		return 0, 0
	}
	for _, f := range c.Files {
		for _, h := range f.Hunks {
			for _, l := range h.Lines {
				switch l.Op {
				case OpAdd:
					added++
				case OpDelete:
					deleted++
				}
			}
		}
	}
	return added, deleted
}

// File returns the diff for path, or nil.
func (c *Changeset) File(path string) *FileDiff {
	if c == nil {
		return nil
	}
	for i := range c.Files {
		if c.Files[i].Path == path {
			return &c.Files[i]
		}
	}
	return nil
}

// Fingerprint returns a stable blake3 hash of the changeset content.
// File order does not affect the result; any content change does.
func (c *Changeset) Fingerprint() string {
	h := blake3.New()
	files := make([]FileDiff, 0)
	if c != nil {
		files = append(files, c.Files...)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	for _, f := range files {
		fmt.Fprintf(h, "file %s %s %s %v\n", f.Path, f.OldPath, f.Status, f.Binary)
		for _, hk := range f.Hunks {
			fmt.Fprintf(h, "hunk -%d,%d +%d,%d\n", hk.OldStart, hk.OldCount, hk.NewStart, hk.NewCount)
			for _, l := range hk.Lines {
				fmt.Fprintf(h, "%d %s\n", l.Op, l.Text)
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// addedLineNumbers returns the new-file line numbers introduced by f.
func (f *FileDiff) addedLineNumbers() []int {
	var nums []int
	for _, h := range f.Hunks {
		for _, l := range h.Lines {
			if l.Op == OpAdd {
				nums = append(nums, l.NewNo)
			}
		}
	}
	return nums
}

// TouchesLine reports whether the diff adds or modifies the given
// new-file line number.
func (f *FileDiff) TouchesLine(line int) bool {
	for _, n := range f.addedLineNumbers() {
		if n == line {
			return true
		}
	}
	return false
}

// AddedText returns all added lines joined, for rule scanning.
func (f *FileDiff) AddedText() string {
	var b strings.Builder
	for _, h := range f.Hunks {
		for _, l := range h.Lines {
			if l.Op == OpAdd {
				b.WriteString(l.Text)
				b.WriteByte('\n')
			}
		}
	}
	return b.String()
}

var languageByExt = map[string]string{
	".go":    "go",
	".py":    "python",
	".js":    "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".sh":    "shell",
	".bash":  "shell",
	".rb":    "ruby",
	".rs":    "rust",
	".java":  "java",
	".c":     "c",
	".h":     "c",
	".cc":    "cpp",
	".cpp":   "cpp",
	".hpp":   "cpp",
	".yaml":  "yaml",
	".yml":   "yaml",
	".json":  "json",
	".md":    "markdown",
	".sql":   "sql",
	".proto": "protobuf",
	".tf":    "terraform",
}

// DetectLanguage maps a file path to a language tag, or "" when
// unknown.
func DetectLanguage(path string) string {
	return languageByExt[strings.ToLower(filepath.Ext(path))]
}
