package output

import (
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Setting is one configuration entry for the config table.
type Setting struct {
	Name  string
	Value string
}

// DeltaSummary contains data for the delta result table.
type DeltaSummary struct {
	Name       string
	Outcome    string // built, exists, invalid, failed
	LockWait   time.Duration
	Overridden bool
	Duration   time.Duration
}

// Config prints the resolved configuration. Unset values are shown as "-".
func (p *Printer) Config(settings []Setting) {
	if len(settings) == 0 {
		return
	}

	p.Section("CONFIGURATION")

	t := table.NewWriter()
	t.SetOutputMirror(p.out)
	t.SetStyle(p.tableStyle())

	t.AppendHeader(table.Row{"Variable", "Value"})
	for _, s := range settings {
		value := s.Value
		if value == "" {
			value = "-"
			if p.isTTY {
				value = lipgloss.NewStyle().Foreground(ColorMuted).Render(value)
			}
		}
		t.AppendRow(table.Row{s.Name, value})
	}

	t.Render()
	p.Println()
}

// Delta prints the result of a delta build.
func (p *Printer) Delta(d DeltaSummary) {
	p.Section("DELTA")

	t := table.NewWriter()
	t.SetOutputMirror(p.out)
	t.SetStyle(p.tableStyle())

	outcome := d.Outcome
	if p.isTTY {
		outcome = colorOutcome(d.Outcome)
	}
	overridden := "no"
	if d.Overridden {
		overridden = "yes"
	}

	t.AppendHeader(table.Row{"Image", "Outcome", "Lock Wait", "Lock Overridden", "Duration"})
	t.AppendRow(table.Row{d.Name, outcome, d.LockWait.Round(time.Millisecond), overridden, d.Duration.Round(time.Millisecond)})

	t.Render()
	p.Println()
}

// colorOutcome applies color to a build outcome.
func colorOutcome(outcome string) string {
	var style lipgloss.Style
	switch outcome {
	case "built", "succeeded":
		style = lipgloss.NewStyle().Foreground(ColorGreen)
	case "failed", "invalid":
		style = lipgloss.NewStyle().Foreground(ColorRed)
	case "exists":
		style = lipgloss.NewStyle().Foreground(ColorAccent)
	case "cancelled":
		style = lipgloss.NewStyle().Foreground(ColorMuted)
	default:
		style = lipgloss.NewStyle().Foreground(ColorGray)
	}
	return style.Render(outcome)
}

// tableStyle returns the standard table style.
func (p *Printer) tableStyle() table.Style {
	style := table.StyleRounded
	if p.isTTY {
		style.Color.Header = text.Colors{text.FgHiCyan, text.Bold}
		style.Color.Border = text.Colors{text.FgHiBlack}
	}
	style.Options.SeparateRows = false
	return style
}

// Section prints a section header.
func (p *Printer) Section(title string) {
	if p.isTTY {
		style := lipgloss.NewStyle().Foreground(ColorAccent).Bold(true)
		p.Println(style.Render(title))
	} else {
		p.Println(title)
	}
}
