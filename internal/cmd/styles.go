package cmd

import "github.com/charmbracelet/lipgloss"

var (
	primaryColor = lipgloss.Color("#A78BFA") // Purple
	okColor      = lipgloss.Color("#10B981") // Green
	warningColor = lipgloss.Color("#F59E0B") // Amber
	errorColor   = lipgloss.Color("#F87171") // Red
	mutedColor   = lipgloss.Color("#9CA3AF") // Gray
	retryColor   = lipgloss.Color("#FB923C") // Orange

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	sectionStyle = lipgloss.NewStyle().Bold(true)
	labelStyle   = lipgloss.NewStyle().Foreground(mutedColor).Width(14)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
)

// painter renders text with lipgloss styles when the output is a terminal.
type painter struct {
	color bool
}

func (p painter) render(s lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return s.Render(text)
}

// status colors a state value by its severity.
func (p painter) status(value string) string {
	var c lipgloss.TerminalColor
	switch value {
	case "running", "closed", "complete", "ok":
		c = okColor
	case "idle", "starting", "handoff":
		c = primaryColor
	case "retrying", "half-open":
		c = retryColor
	case "open", "failed":
		c = warningColor
	case "fatal", "stalled":
		c = errorColor
	default:
		c = mutedColor
	}
	return p.render(lipgloss.NewStyle().Foreground(c).Bold(true), value)
}
