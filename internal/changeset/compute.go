package changeset

import (
	"strings"
	"sync"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const contextLines = 3

var (
	dmpOnce sync.Once
	dmp     *diffmatchpatch.DiffMatchPatch
)

func matcher() *diffmatchpatch.DiffMatchPatch {
	dmpOnce.Do(func() {
		dmp = diffmatchpatch.New()
		dmp.DiffTimeout = 0
	})
	return dmp
}

// Compute builds a FileDiff from two content versions using
// line-level diffing, so hunk boundaries never cut through a line.
func Compute(path, oldContent, newContent string) FileDiff {
	fd := FileDiff{
		Path:     path,
		OldPath:  path,
		Status:   StatusModified,
		Language: DetectLanguage(path),
	}
	switch {
	case oldContent == "" && newContent != "":
		fd.Status = StatusAdded
	case oldContent != "" && newContent == "":
		fd.Status = StatusDeleted
	case oldContent == newContent:
		return fd
	}

	m := matcher()
	a, b, lineArray := m.DiffLinesToChars(oldContent, newContent)
	diffs := m.DiffMain(a, b, false)
	diffs = m.DiffCleanupSemantic(diffs)
	diffs = m.DiffCharsToLines(diffs, lineArray)

	fd.Hunks = groupHunks(toLines(diffs), contextLines)
	return fd
}

// toLines flattens diffmatchpatch output into numbered lines.
func toLines(diffs []diffmatchpatch.Diff) []Line {
	var out []Line
	oldNo, newNo := 1, 1
	for _, d := range diffs {
		text := strings.TrimSuffix(d.Text, "\n")
		if text == "" && d.Text != "\n" {
			continue
		}
		for _, content := range strings.Split(text, "\n") {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				out = append(out, Line{Op: OpContext, Text: content, OldNo: oldNo, NewNo: newNo})
				oldNo++
				newNo++
			case diffmatchpatch.DiffDelete:
				out = append(out, Line{Op: OpDelete, Text: content, OldNo: oldNo})
				oldNo++
			case diffmatchpatch.DiffInsert:
				out = append(out, Line{Op: OpAdd, Text: content, NewNo: newNo})
				newNo++
			}
		}
	}
	return out
}

// groupHunks clusters changed lines into hunks with up to ctx lines of
// surrounding context, merging hunks whose context would overlap.
func groupHunks(lines []Line, ctx int) []Hunk {
	var changed []int
	for i, l := range lines {
		if l.Op != OpContext {
			changed = append(changed, i)
		}
	}
	if len(changed) == 0 {
		return nil
	}

	type span struct{ start, end int }
	var spans []span
	cur := span{changed[0], changed[0]}
	for _, idx := range changed[1:] {
		// Two changes whose context windows touch belong to one hunk.
		if idx-cur.end <= 2*ctx+1 {
			cur.end = idx
			continue
		}
		spans = append(spans, cur)
		cur = span{idx, idx}
	}
	spans = append(spans, cur)

	hunks := make([]Hunk, 0, len(spans))
	for _, s := range spans {
		start := s.start - ctx
		if start < 0 {
			start = 0
		}
		end := s.end + ctx
		if end > len(lines)-1 {
			end = len(lines) - 1
		}
		h := Hunk{Lines: append([]Line(nil), lines[start:end+1]...)}
		for _, l := range h.Lines {
			if l.OldNo > 0 {
				if h.OldStart == 0 {
					h.OldStart = l.OldNo
				}
				h.OldCount++
			}
			if l.NewNo > 0 {
				if h.NewStart == 0 {
					h.NewStart = l.NewNo
				}
				h.NewCount++
			}
		}
		hunks = append(hunks, h)
	}
	return hunks
}
