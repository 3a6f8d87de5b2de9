package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/azyu/novelforge/pkg/types"
)

var (
	// Colors
	Primary   = lipgloss.Color("#7C3AED") // Purple
	Secondary = lipgloss.Color("#10B981") // Green
	Accent    = lipgloss.Color("#F59E0B") // Amber
	Error     = lipgloss.Color("#EF4444") // Red
	Muted     = lipgloss.Color("#6B7280") // Gray

	Header = lipgloss.NewStyle().
		Bold(true).
		Foreground(Primary).
		MarginBottom(1)

	Label = lipgloss.NewStyle().
		Foreground(Muted).
		Width(14)

	Value = lipgloss.NewStyle().
		Bold(true)

	ErrorText = lipgloss.NewStyle().
			Foreground(Error)

	MutedText = lipgloss.NewStyle().
			Foreground(Muted).
			Italic(true)

	Bar = lipgloss.NewStyle().
		Foreground(Secondary)
)

// statusStyle colors a book or chapter status.
func statusStyle(status string) lipgloss.Style {
	// Book and chapter statuses share the COMPLETE and GENERATING values.
	switch status {
	case string(types.BookStatusComplete):
		return lipgloss.NewStyle().Foreground(Secondary).Bold(true)
	case string(types.BookStatusError), string(types.StatusNeedsRevision):
		return lipgloss.NewStyle().Foreground(Error).Bold(true)
	case string(types.BookStatusGenerating):
		return lipgloss.NewStyle().Foreground(Accent).Bold(true)
	default:
		return lipgloss.NewStyle().Foreground(Muted)
	}
}

// progressBar renders percent as a fixed-width bar.
func progressBar(percent, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := percent * width / 100
	return Bar.Render(strings.Repeat("█", filled)) +
		MutedText.Render(strings.Repeat("░", width-filled)) +
		fmt.Sprintf(" %3d%%", percent)
}

func field(label, value string) string {
	return Label.Render(label) + Value.Render(value)
}
