package changeset

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"

	"storyguard/internal/errs"
)

var hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@ ?(.*)$`)

// ParseUnified parses `git diff` style unified output into a
// Changeset. It accepts plain unified diffs (no `diff --git` header)
// as well, and tolerates `\ No newline at end of file` markers.
func ParseUnified(text string) (*Changeset, error) {
	cs := &Changeset{}
	var (
		cur  *FileDiff
		hunk *Hunk
		oldN int
		newN int
	)
	flushHunk := func() {
		if cur != nil && hunk != nil {
			cur.Hunks = append(cur.Hunks, *hunk)
		}
		hunk = nil
	}
	flushFile := func() {
		flushHunk()
		if cur != nil {
			cur.Language = DetectLanguage(cur.Path)
			cs.Files = append(cs.Files, *cur)
		}
		cur = nil
	}

	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "diff --git "):
			flushFile()
			a, b := parseGitHeaderPaths(line)
			cur = &FileDiff{Path: b, OldPath: a, Status: StatusModified}

		case cur != nil && strings.HasPrefix(line, "new file mode"):
			cur.Status = StatusAdded

		case cur != nil && strings.HasPrefix(line, "deleted file mode"):
			cur.Status = StatusDeleted

		case cur != nil && strings.HasPrefix(line, "rename from "):
			cur.OldPath = strings.TrimPrefix(line, "rename from ")
			cur.Status = StatusRenamed

		case cur != nil && strings.HasPrefix(line, "rename to "):
			cur.Path = strings.TrimPrefix(line, "rename to ")

		case cur != nil && strings.HasPrefix(line, "Binary files "):
			cur.Binary = true

		case strings.HasPrefix(line, "--- "):
			if cur == nil {
				cur = &FileDiff{Status: StatusModified}
			}
			flushHunk()
			p := stripDiffPath(strings.TrimPrefix(line, "--- "))
			if p == "" {
				cur.Status = StatusAdded
			} else if cur.OldPath == "" {
				cur.OldPath = p
			}

		case cur != nil && strings.HasPrefix(line, "+++ "):
			p := stripDiffPath(strings.TrimPrefix(line, "+++ "))
			if p == "" {
				cur.Status = StatusDeleted
				if cur.Path == "" {
					cur.Path = cur.OldPath
				}
			} else if cur.Path == "" {
				cur.Path = p
			}

		case cur != nil && strings.HasPrefix(line, "@@"):
			m := hunkHeaderRe.FindStringSubmatch(line)
			if m == nil {
				return nil, errs.New(errs.KindConfig, "malformed hunk header: %q", line)
			}
			flushHunk()
			h := Hunk{
				OldStart: atoiDefault(m[1], 0),
				OldCount: atoiDefault(m[2], 1),
				NewStart: atoiDefault(m[3], 0),
				NewCount: atoiDefault(m[4], 1),
				Section:  strings.TrimSpace(m[5]),
			}
			hunk = &h
			oldN = h.OldStart
			newN = h.NewStart

		case hunk != nil && strings.HasPrefix(line, "+"):
			hunk.Lines = append(hunk.Lines, Line{Op: OpAdd, Text: line[1:], NewNo: newN})
			newN++

		case hunk != nil && strings.HasPrefix(line, "-"):
			hunk.Lines = append(hunk.Lines, Line{Op: OpDelete, Text: line[1:], OldNo: oldN})
			oldN++

		case hunk != nil && strings.HasPrefix(line, " "):
			hunk.Lines = append(hunk.Lines, Line{Op: OpContext, Text: line[1:], OldNo: oldN, NewNo: newN})
			oldN++
			newN++

		case hunk != nil && strings.HasPrefix(line, `\`):
			// "\ No newline at end of file"

		case hunk != nil && line == "":
			// Some tools emit context blank lines without the leading
			// space.
			hunk.Lines = append(hunk.Lines, Line{Op: OpContext, OldNo: oldN, NewNo: newN})
			oldN++
			newN++
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "reading diff")
	}
	flushFile()
	return cs, nil
}

// parseGitHeaderPaths extracts old and new paths from a
// `diff --git a/x b/y` line, handling the common unquoted form.
func parseGitHeaderPaths(line string) (oldPath, newPath string) {
	rest := strings.TrimPrefix(line, "diff --git ")
	// Prefer the b/ marker so paths containing " b/" inside quotes do
	// not mislead; quoting is rare enough to keep this simple.
	if i := strings.Index(rest, " b/"); i >= 0 {
		return strings.TrimPrefix(rest[:i], "a/"), rest[i+3:]
	}
	parts := strings.Fields(rest)
	if len(parts) == 2 {
		return strings.TrimPrefix(parts[0], "a/"), strings.TrimPrefix(parts[1], "b/")
	}
	return "", ""
}

func stripDiffPath(p string) string {
	p = strings.TrimSpace(p)
	if i := strings.IndexByte(p, '\t'); i >= 0 {
		p = p[:i]
	}
	if p == "/dev/null" {
		return ""
	}
	p = strings.TrimPrefix(p, "a/")
	p = strings.TrimPrefix(p, "b/")
	return p
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
