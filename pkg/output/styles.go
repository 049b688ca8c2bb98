package output

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
)

// Terminal palette. The accent marks headings, keys and the logo.
var (
	ColorAccent = lipgloss.Color("#0ea5e9")
	ColorWhite  = lipgloss.Color("#f8fafc")
	ColorMuted  = lipgloss.Color("#64748b")
	ColorGreen  = lipgloss.Color("#22c55e")
	ColorYellow = lipgloss.Color("#eab308")
	ColorRed    = lipgloss.Color("#ef4444")
	ColorGray   = lipgloss.Color("#94a3b8")
)

// logStyles returns charmbracelet/log styles in the CLI palette.
func logStyles() *log.Styles {
	styles := log.DefaultStyles()

	styles.Levels[log.InfoLevel] = lipgloss.NewStyle().
		SetString("INFO").
		Foreground(ColorAccent).
		Bold(true)
	styles.Levels[log.WarnLevel] = lipgloss.NewStyle().
		SetString("WARN").
		Foreground(ColorYellow).
		Bold(true)
	styles.Levels[log.ErrorLevel] = lipgloss.NewStyle().
		SetString("ERROR").
		Foreground(ColorRed).
		Bold(true)
	styles.Levels[log.DebugLevel] = lipgloss.NewStyle().
		SetString("DEBUG").
		Foreground(ColorMuted)

	styles.Timestamp = lipgloss.NewStyle().Foreground(ColorMuted)
	styles.Key = lipgloss.NewStyle().Foreground(ColorAccent)
	styles.Value = lipgloss.NewStyle().Foreground(ColorGray)

	return styles
}
