package changeset

import (
	"fmt"
	"strings"
)

// Render produces unified diff text for the whole changeset. The output
// parses back through ParseUnified; audit artifacts and review prompts
// both consume it.
func (c *Changeset) Render() string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	for i := range c.Files {
		b.WriteString(c.Files[i].Render())
	}
	return b.String()
}

// Render produces unified diff text for one file.
func (f *FileDiff) Render() string {
	var b strings.Builder
	b.WriteString(f.renderHeader())
	if f.Binary {
		fmt.Fprintf(&b, "Binary files a/%s and b/%s differ\n", f.oldLabel(), f.Path)
		return b.String()
	}
	for i := range f.Hunks {
		b.WriteString(f.Hunks[i].Render())
	}
	return b.String()
}

// RenderHunk renders the file header followed by a single hunk, for
// consumers that split a file across review chunks and need each piece
// to stand alone.
func (f *FileDiff) RenderHunk(h *Hunk) string {
	return f.renderHeader() + h.Render()
}

func (f *FileDiff) renderHeader() string {
	var b strings.Builder
	old := f.oldLabel()
	fmt.Fprintf(&b, "diff --git a/%s b/%s\n", old, f.Path)
	switch f.Status {
	case StatusAdded:
		b.WriteString("new file mode 100644\n")
		b.WriteString("--- /dev/null\n")
		fmt.Fprintf(&b, "+++ b/%s\n", f.Path)
	case StatusDeleted:
		b.WriteString("deleted file mode 100644\n")
		fmt.Fprintf(&b, "--- a/%s\n", old)
		b.WriteString("+++ /dev/null\n")
	case StatusRenamed:
		fmt.Fprintf(&b, "rename from %s\n", old)
		fmt.Fprintf(&b, "rename to %s\n", f.Path)
		fmt.Fprintf(&b, "--- a/%s\n", old)
		fmt.Fprintf(&b, "+++ b/%s\n", f.Path)
	default:
		fmt.Fprintf(&b, "--- a/%s\n", old)
		fmt.Fprintf(&b, "+++ b/%s\n", f.Path)
	}
	return b.String()
}

func (f *FileDiff) oldLabel() string {
	if f.OldPath != "" {
		return f.OldPath
	}
	return f.Path
}

// Render produces the @@ header and body lines of one hunk.
func (h *Hunk) Render() string {
	var b strings.Builder
	header := fmt.Sprintf("@@ -%d,%d +%d,%d @@", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
	if h.Section != "" {
		header += " " + h.Section
	}
	b.WriteString(header)
	b.WriteByte('\n')
	for _, l := range h.Lines {
		switch l.Op {
		case OpAdd:
			b.WriteByte('+')
		case OpDelete:
			b.WriteByte('-')
		default:
			b.WriteByte(' ')
		}
		b.WriteString(l.Text)
		b.WriteByte('\n')
	}
	return b.String()
}
