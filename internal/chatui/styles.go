// ABOUTME: Terminal styles derived from the negotiated conversation theme
// ABOUTME: Theme colours become lipgloss foregrounds; unusable values fall back to defaults

package chatui

import (
	"regexp"

	"github.com/charmbracelet/lipgloss"

	"github.com/2389/cruse/internal/negotiate"
)

var hexColor = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

type styles struct {
	header  lipgloss.Style
	muted   lipgloss.Style
	human   lipgloss.Style
	ai      lipgloss.Style
	system  lipgloss.Style
	widget  lipgloss.Style
	errText lipgloss.Style
	status  lipgloss.Style
}

// themeColor returns the theme's colour for key, or the default theme's.
func themeColor(theme negotiate.Theme, key string) lipgloss.Color {
	if c, ok := theme.Colors[key]; ok && hexColor.MatchString(c) {
		return lipgloss.Color(c)
	}
	return lipgloss.Color(negotiate.DefaultTheme().Colors[key])
}

func stylesFor(theme negotiate.Theme) styles {
	primary := themeColor(theme, "primary")
	secondary := themeColor(theme, "secondary")
	accent := themeColor(theme, "accent")

	return styles{
		header:  lipgloss.NewStyle().Foreground(primary).Bold(true),
		muted:   lipgloss.NewStyle().Foreground(secondary),
		human:   lipgloss.NewStyle().Foreground(accent).Bold(true),
		ai:      lipgloss.NewStyle().Foreground(primary).Bold(true),
		system:  lipgloss.NewStyle().Foreground(secondary).Italic(true),
		widget:  lipgloss.NewStyle().Foreground(accent),
		errText: lipgloss.NewStyle().Foreground(lipgloss.Color("#ef4444")).Bold(true),
		status:  lipgloss.NewStyle().Foreground(secondary),
	}
}
