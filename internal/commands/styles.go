package commands

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/uesteibar/inloop/internal/item"
)

var (
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#656d76", Dark: "#8b949e"})
	headerStyle = lipgloss.NewStyle().Bold(true)
	idStyle     = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#0969da", Dark: "#58a6ff"})

	statusStyles = map[item.Status]lipgloss.Style{
		item.StatusWaiting:     mutedStyle,
		item.StatusInProgress:  lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#9a6700", Dark: "#d29922"}),
		item.StatusInputNeeded: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "#8250df", Dark: "#a371f7"}),
		item.StatusUpdated:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "#0969da", Dark: "#58a6ff"}),
		item.StatusApproved:    lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1a7f37", Dark: "#3fb950"}),
		item.StatusMerged:      lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#8250df", Dark: "#a371f7"}),
		item.StatusCompleted:   lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1a7f37", Dark: "#3fb950"}),
		item.StatusFailed:      lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#cf222e", Dark: "#f85149"}),
	}
)

// statusLabel renders a padded, coloured status. An updated item shows the
// status it moved on from.
func statusLabel(it item.Item) string {
	label := string(it.Status)
	if it.Status == item.StatusUpdated && it.PreviousStatus != "" {
		label += " (" + string(it.PreviousStatus) + ")"
	}
	style, ok := statusStyles[it.Status]
	if !ok {
		style = mutedStyle
	}
	return style.Width(statusWidth).Render(label)
}

const statusWidth = 24
