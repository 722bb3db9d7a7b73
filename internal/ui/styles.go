package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Palette, as 256-color codes.
var (
	colorAccent = lipgloss.Color("39")  // cyan
	colorTitle  = lipgloss.Color("212") // pink
	colorGood   = lipgloss.Color("82")  // green
	colorWarn   = lipgloss.Color("214") // orange
	colorBad    = lipgloss.Color("196") // red
	colorQuiet  = lipgloss.Color("245") // gray
	colorMark   = lipgloss.Color("226") // yellow
)

var (
	Bold      = lipgloss.NewStyle().Bold(true)
	Dim       = lipgloss.NewStyle().Foreground(colorQuiet)
	Highlight = lipgloss.NewStyle().Foreground(colorMark)
	Header    = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)

	Success = lipgloss.NewStyle().Foreground(colorGood)
	Warning = lipgloss.NewStyle().Foreground(colorWarn)
	Error   = lipgloss.NewStyle().Foreground(colorBad)

	FilePath = lipgloss.NewStyle().Foreground(colorAccent)
	LineNum  = lipgloss.NewStyle().Foreground(colorQuiet)

	SectionTitle = lipgloss.NewStyle().Foreground(colorTitle).Bold(true).MarginTop(1)

	rule  = lipgloss.NewStyle().Foreground(colorQuiet)
	score = lipgloss.NewStyle().Foreground(colorGood)
)

// HorizontalRule returns a muted line width cells wide.
func HorizontalRule(width int) string {
	return rule.Render(strings.Repeat("─", max(width, 0)))
}

// FormatScore renders a cosine similarity as a match percentage.
func FormatScore(s float64) string {
	return score.Render(fmt.Sprintf("(%.1f%% match)", s*100))
}
