package ux

import (
	"strings"

	"github.com/charmbracelet/glamour"
)

// Markdown renders source through glamour for the terminal. Render
// errors and panics fall back to the raw text; reviewing an audit
// document must never die on odd markdown.
func Markdown(source string, width int) (out string) {
	defer func() {
		if recover() != nil {
			out = source
		}
	}()
	if width <= 0 {
		width = 100
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return source
	}
	rendered, err := r.Render(source)
	if err != nil || strings.TrimSpace(rendered) == "" {
		return source
	}
	return rendered
}
