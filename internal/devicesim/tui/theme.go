// Package tui renders a live view of a simulated device connection.
package tui

import "github.com/charmbracelet/lipgloss"

var (
	colorPrimary = lipgloss.Color("#16A34A")
	colorSuccess = lipgloss.Color("#10B981")
	colorWarning = lipgloss.Color("#F59E0B")
	colorError   = lipgloss.Color("#EF4444")
	colorMuted   = lipgloss.Color("#6B7280")
	colorText    = lipgloss.Color("#E5E7EB")
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	dimmed     = lipgloss.NewStyle().Foreground(colorMuted)
	helpStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	errorStyle = lipgloss.NewStyle().Foreground(colorError)

	headerBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorPrimary).
			Padding(0, 1)
)

// statusLabel renders the connection dot and label.
func statusLabel(connected, reconnecting bool) string {
	switch {
	case connected:
		return lipgloss.NewStyle().Foreground(colorSuccess).Render("● connected")
	case reconnecting:
		return lipgloss.NewStyle().Foreground(colorWarning).Render("● reconnecting")
	default:
		return lipgloss.NewStyle().Foreground(colorError).Render("● connecting")
	}
}

// typeStyle colours a message type in the log.
func typeStyle(msgType string) lipgloss.Style {
	switch msgType {
	case "notification":
		return lipgloss.NewStyle().Foreground(colorSuccess)
	case "custom_message":
		return lipgloss.NewStyle().Foreground(colorPrimary)
	case "error":
		return lipgloss.NewStyle().Foreground(colorError)
	case "device_registered":
		return lipgloss.NewStyle().Foreground(colorWarning)
	default:
		return lipgloss.NewStyle().Foreground(colorText)
	}
}
