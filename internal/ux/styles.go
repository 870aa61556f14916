// Package ux renders governance output for the terminal: the verdict
// banner, gate and role summary tables, glamour-rendered audit
// documents, and the interactive rewrite picker. Everything here is
// presentation; nothing below the CLI imports it.
package ux

import (
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Semantic colors, identical in both modes.
var (
	colorBlock = lipgloss.Color("#e53935") // Red
	colorPass  = lipgloss.Color("#8BC34A") // Lime Green
	colorWarn  = lipgloss.Color("#FFC107") // Amber
	colorInfo  = lipgloss.Color("#2196F3") // Blue
)

// Theme holds the mode-dependent colors.
type Theme struct {
	Foreground lipgloss.Color
	Muted      lipgloss.Color
	Border     lipgloss.Color
	Accent     lipgloss.Color
	IsDark     bool
}

// LightTheme returns the light mode theme.
func LightTheme() Theme {
	return Theme{
		Foreground: lipgloss.Color("#101F38"),
		Muted:      lipgloss.Color("#9aa3af"),
		Border:     lipgloss.Color("#dce0e5"),
		Accent:     lipgloss.Color("#8BC34A"),
		IsDark:     false,
	}
}

// DarkTheme returns the dark mode theme.
func DarkTheme() Theme {
	return Theme{
		Foreground: lipgloss.Color("#f2f2f2"),
		Muted:      lipgloss.Color("#6b7687"),
		Border:     lipgloss.Color("#2a3850"),
		Accent:     lipgloss.Color("#8BC34A"),
		IsDark:     true,
	}
}

// DetectTheme picks a theme from the terminal environment. COLORFGBG
// carries "foreground;background"; ANSI background indexes 0-6 and 8
// are dark. STORYGUARD_DARK_MODE=1 forces dark; the default is light.
func DetectTheme() Theme {
	if colorTerm := os.Getenv("COLORFGBG"); colorTerm != "" {
		parts := strings.Split(colorTerm, ";")
		if len(parts) >= 2 {
			if bg, err := strconv.Atoi(parts[len(parts)-1]); err == nil {
				if (bg >= 0 && bg <= 6) || bg == 8 {
					return DarkTheme()
				}
				return LightTheme()
			}
		}
	}
	if os.Getenv("STORYGUARD_DARK_MODE") == "1" {
		return DarkTheme()
	}
	return LightTheme()
}

// Styles holds the styled components the renderers share.
type Styles struct {
	Theme Theme

	// Text
	Title lipgloss.Style
	Body  lipgloss.Style
	Muted lipgloss.Style
	Bold  lipgloss.Style

	// Severity
	Pass  lipgloss.Style
	Block lipgloss.Style
	Warn  lipgloss.Style
	Info  lipgloss.Style

	// Verdict banners
	PassBanner  lipgloss.Style
	BlockBanner lipgloss.Style
	InfoBanner  lipgloss.Style

	// Picker
	Selected lipgloss.Style
	Help     lipgloss.Style
	Preview  lipgloss.Style
}

// NewStyles creates a Styles instance for the given theme.
func NewStyles(theme Theme) Styles {
	return Styles{
		Theme: theme,

		Title: lipgloss.NewStyle().
			Foreground(theme.Foreground).
			Bold(true),

		Body: lipgloss.NewStyle().
			Foreground(theme.Foreground),

		Muted: lipgloss.NewStyle().
			Foreground(theme.Muted),

		Bold: lipgloss.NewStyle().
			Foreground(theme.Foreground).
			Bold(true),

		Pass: lipgloss.NewStyle().
			Foreground(colorPass).
			Bold(true),

		Block: lipgloss.NewStyle().
			Foreground(colorBlock).
			Bold(true),

		Warn: lipgloss.NewStyle().
			Foreground(colorWarn).
			Bold(true),

		Info: lipgloss.NewStyle().
			Foreground(colorInfo),

		PassBanner: lipgloss.NewStyle().
			Background(colorPass).
			Foreground(lipgloss.Color("#101F38")).
			Padding(0, 1).
			Bold(true),

		BlockBanner: lipgloss.NewStyle().
			Background(colorBlock).
			Foreground(lipgloss.Color("#ffffff")).
			Padding(0, 1).
			Bold(true),

		InfoBanner: lipgloss.NewStyle().
			Background(colorInfo).
			Foreground(lipgloss.Color("#ffffff")).
			Padding(0, 1).
			Bold(true),

		Selected: lipgloss.NewStyle().
			Foreground(theme.Accent).
			Bold(true),

		Help: lipgloss.NewStyle().
			Foreground(theme.Muted),

		Preview: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(theme.Border).
			Padding(0, 1),
	}
}

// DefaultStyles returns styles for the detected theme.
func DefaultStyles() Styles {
	return NewStyles(DetectTheme())
}
