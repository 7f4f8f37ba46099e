package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Theme defines the color scheme for terminal output.
type Theme struct {
	Primary   lipgloss.Color // Main accent color
	Secondary lipgloss.Color // Assistant/remote accent color
	Dim       lipgloss.Color // Dimmed/help text color
	Error     lipgloss.Color // Error color
}

// DefaultTheme is the default bright green theme.
var DefaultTheme = Theme{
	Primary:   lipgloss.Color("#00ff9f"),
	Secondary: lipgloss.Color("#58a6ff"),
	Dim:       lipgloss.Color("#6e7681"),
	Error:     lipgloss.Color("#ff6b6b"),
}

// Styles holds all styles derived from a theme.
type Styles struct {
	Title     lipgloss.Style
	User      lipgloss.Style
	Assistant lipgloss.Style
	System    lipgloss.Style
	Status    lipgloss.Style
	Error     lipgloss.Style
	Help      lipgloss.Style
}

// NewStyles creates styles from a theme.
func NewStyles(t Theme) Styles {
	return Styles{
		Title:     lipgloss.NewStyle().Bold(true).Foreground(t.Primary).Padding(0, 1),
		User:      lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Assistant: lipgloss.NewStyle().Bold(true).Foreground(t.Secondary),
		System:    lipgloss.NewStyle().Foreground(t.Dim).Italic(true),
		Status:    lipgloss.NewStyle().Foreground(t.Dim),
		Error:     lipgloss.NewStyle().Foreground(t.Error),
		Help:      lipgloss.NewStyle().Foreground(t.Dim),
	}
}

// RenderLine renders one transcript line with a styled role prefix.
func (s Styles) RenderLine(role, content string) string {
	var prefix string
	switch role {
	case "user":
		prefix = s.User.Render("you ▸")
	case "assistant":
		prefix = s.Assistant.Render("agent ▸")
	default:
		prefix = s.System.Render(role + " ▸")
	}
	return prefix + " " + content
}

// RenderStatus renders a bracketed status note, e.g. connection
// changes and session events.
func (s Styles) RenderStatus(format string, args ...any) string {
	return s.Status.Render("[" + fmt.Sprintf(format, args...) + "]")
}

// RenderBanner renders the chat session header.
func (s Styles) RenderBanner(title, detail string) string {
	width := lipgloss.Width(title) + lipgloss.Width(detail) + 7
	var b strings.Builder
	b.WriteString(s.Status.Render("╭" + strings.Repeat("─", width-2) + "╮"))
	b.WriteString("\n")
	b.WriteString(s.Status.Render("│") + " " + s.Title.Render(title) + " " +
		s.Help.Render(detail) + " " + s.Status.Render("│"))
	b.WriteString("\n")
	b.WriteString(s.Status.Render("╰" + strings.Repeat("─", width-2) + "╯"))
	return b.String()
}

// Truncate shortens a string to the given display width, handling
// multi-byte characters correctly.
func Truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if lipgloss.Width(s) <= width {
		return s
	}
	runes := []rune(s)
	currentWidth := 0
	for i, r := range runes {
		w := lipgloss.Width(string(r))
		if currentWidth+w > width-1 {
			return string(runes[:i]) + "…"
		}
		currentWidth += w
	}
	return s
}
