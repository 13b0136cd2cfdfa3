// Package watch implements the live execution monitor TUI.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the watch TUI.
type Theme struct {
	// Status colors
	StatusCompleted  lipgloss.Style
	StatusProcessing lipgloss.Style
	StatusFailed     lipgloss.Style
	StatusPending    lipgloss.Style
	StatusCancelled  lipgloss.Style

	// UI elements
	Border    lipgloss.Style
	Title     lipgloss.Style
	Header    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	// Indicators
	PulseActive   lipgloss.Style
	PulseInactive lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusCompleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusProcessing: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusPending:    lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		StatusCancelled:  lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		PulseActive:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		PulseInactive: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// styleForStatus maps an execution status to its display style.
func (t Theme) styleForStatus(status string) lipgloss.Style {
	switch status {
	case "completed":
		return t.StatusCompleted
	case "processing":
		return t.StatusProcessing
	case "failed":
		return t.StatusFailed
	case "cancelled":
		return t.StatusCancelled
	default:
		return t.StatusPending
	}
}
