package ux

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Table renders aligned columns for gate, role, and inventory
// summaries. Cells may carry their own styling; widths are measured
// ANSI-aware.
type Table struct {
	Headers []string
	Rows    [][]string
}

// NewTable creates a table with the given header cells.
func NewTable(headers ...string) *Table {
	return &Table{Headers: headers}
}

// Add appends one row. Missing cells render empty.
func (t *Table) Add(cells ...string) {
	t.Rows = append(t.Rows, cells)
}

// View renders the table, or "" when it has no rows.
func (t *Table) View(st Styles) string {
	if len(t.Rows) == 0 {
		return ""
	}

	widths := make([]int, len(t.Headers))
	for i, h := range t.Headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.Rows {
		for i, cell := range row {
			if i >= len(widths) {
				break
			}
			if w := lipgloss.Width(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	total := 0
	for _, w := range widths {
		total += w
	}
	total += 2 * (len(widths) - 1)

	var sb strings.Builder
	for i, h := range t.Headers {
		sb.WriteString(st.Bold.Render(h))
		if i < len(t.Headers)-1 {
			sb.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(h)+2))
		}
	}
	sb.WriteString("\n")
	sb.WriteString(st.Muted.Render(strings.Repeat("─", total)))
	sb.WriteString("\n")

	for _, row := range t.Rows {
		for i := range t.Headers {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			sb.WriteString(cell)
			if i < len(t.Headers)-1 {
				sb.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)+2))
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
