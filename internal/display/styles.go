// Package display implements an optional bubbletea status view over
// internal/telemetry's Counters/Registry, gated by the SCROLL_LOG
// environment variable. It is read-only: no request logs, anomaly
// panels, or start/pause/stop controls, since nothing in this domain
// produces that shape of event.
package display

import "github.com/charmbracelet/lipgloss"

var (
	colorCyan    = lipgloss.Color("#00FFFF")
	colorMagenta = lipgloss.Color("#FF00FF")
	colorGreen   = lipgloss.Color("#00FF00")
	colorYellow  = lipgloss.Color("#FFFF00")
	colorRed     = lipgloss.Color("#FF0055")
	colorDim     = lipgloss.Color("#666666")
	colorBright  = lipgloss.Color("#FFFFFF")

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorCyan).Padding(0, 1)
	panelStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorMagenta).Padding(1, 2)
	labelStyle  = lipgloss.NewStyle().Foreground(colorDim).Width(16)
	valueStyle  = lipgloss.NewStyle().Foreground(colorBright).Bold(true)

	stateStyles = map[string]lipgloss.Style{
		"idle":           lipgloss.NewStyle().Foreground(colorDim),
		"generating":     lipgloss.NewStyle().Foreground(colorCyan),
		"mutating":       lipgloss.NewStyle().Foreground(colorCyan),
		"executing":      lipgloss.NewStyle().Foreground(colorYellow),
		"coverage_check": lipgloss.NewStyle().Foreground(colorYellow),
		"minimizing":     lipgloss.NewStyle().Foreground(colorMagenta),
		"maintaining":    lipgloss.NewStyle().Foreground(colorMagenta),
		"saving_crash":   lipgloss.NewStyle().Foreground(colorRed).Bold(true),
		"waiting":        lipgloss.NewStyle().Foreground(colorDim),
		"dead":           lipgloss.NewStyle().Foreground(colorRed).Bold(true),
	}

	successStyle = lipgloss.NewStyle().Foreground(colorGreen).Bold(true)
)

func renderLabelValue(label, value string) string {
	return labelStyle.Render(label+":") + " " + valueStyle.Render(value)
}

func stateStyle(state string) lipgloss.Style {
	if s, ok := stateStyles[state]; ok {
		return s
	}
	return valueStyle
}
