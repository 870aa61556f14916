package ux

import (
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"storyguard/internal/errs"
	"storyguard/internal/governance"
	"storyguard/internal/preflight"
)

// NewPicker returns a PickFunc that offers rewrite proposals in an
// alt-screen picker. Skipping is per finding; quitting the picker
// skips every finding after it as well, so the review finishes with
// whatever was already applied.
func NewPicker() preflight.PickFunc {
	st := DefaultStyles()
	quit := false
	return func(f governance.Finding, options []preflight.Proposal) (int, error) {
		if quit || len(options) == 0 {
			return -1, nil
		}
		out, err := tea.NewProgram(newPickerModel(f, options, st), tea.WithAltScreen()).Run()
		if err != nil {
			return -1, errs.Wrap(errs.KindTool, err, "proposal picker")
		}
		m := out.(pickerModel)
		if m.quitAll {
			quit = true
			return -1, nil
		}
		return m.choice, nil
	}
}

// pickerModel drives one finding's proposal selection.
type pickerModel struct {
	finding governance.Finding
	options []preflight.Proposal
	styles  Styles

	cursor  int
	choice  int
	quitAll bool
	preview viewport.Model
}

func newPickerModel(f governance.Finding, options []preflight.Proposal, st Styles) pickerModel {
	m := pickerModel{
		finding: f,
		options: options,
		styles:  st,
		choice:  -1,
		preview: viewport.New(78, 16),
	}
	if len(options) > 0 {
		m.preview.SetContent(options[0].Content)
	}
	return m
}

func (m pickerModel) Init() tea.Cmd { return nil }

func (m pickerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.setSize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
				m.preview.SetContent(m.options[m.cursor].Content)
				m.preview.GotoTop()
			}
			return m, nil
		case "down", "j":
			if m.cursor < len(m.options)-1 {
				m.cursor++
				m.preview.SetContent(m.options[m.cursor].Content)
				m.preview.GotoTop()
			}
			return m, nil
		case "enter":
			m.choice = m.cursor
			return m, tea.Quit
		case "s", "esc":
			m.choice = -1
			return m, tea.Quit
		case "q", "ctrl+c":
			m.choice = -1
			m.quitAll = true
			return m, tea.Quit
		}
	}

	// Everything else scrolls the preview: pgup/pgdn, u/d, space.
	var cmd tea.Cmd
	m.preview, cmd = m.preview.Update(msg)
	return m, cmd
}

func (m *pickerModel) setSize(w, h int) {
	// Preview chrome: border(2) + padding(2).
	m.preview.Width = w - 4
	if ph := h - len(m.options) - 8; ph > 4 {
		m.preview.Height = ph
	}
}

func (m pickerModel) View() string {
	st := m.styles

	opts := make([]string, 0, len(m.options))
	for i, p := range m.options {
		if i == m.cursor {
			opts = append(opts, st.Selected.Render("> "+p.Title))
		} else {
			opts = append(opts, st.Body.Render("  "+p.Title))
		}
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		st.Title.Render("Rewrite proposals"),
		FindingLine(m.finding, st),
		"",
		strings.Join(opts, "\n"),
		"",
		st.Preview.Render(m.preview.View()),
		st.Help.Render("enter apply · j/k choose · pgup/pgdn scroll · s skip · q quit review"),
	)
}
