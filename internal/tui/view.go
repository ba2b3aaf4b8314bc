package tui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFF7DB")).
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1).
			Margin(0, 1)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

func (m Model) View() string {
	s := m.src.Settings()
	title := titleStyle.Render(fmt.Sprintf("Keenetic VPN - %s:%s", s.RouterIP, s.RouterPort))

	summary := fmt.Sprintf("Total: %d  Online: %d  VPN: %d", m.stats.Total, m.stats.Online, m.stats.VPN)
	if !m.updated.IsZero() {
		summary += "\nUpdated: " + m.updated.Format("15:04:05")
	}
	body := lipgloss.JoinVertical(lipgloss.Left, title, infoStyle.Render(summary), infoStyle.Render(m.table.View()))

	if m.loading && len(m.views) == 0 {
		body += "\n" + statusStyle.Render("loading devices...")
	} else if m.status != "" {
		body += "\n" + statusStyle.Render(m.status)
	}
	return body + "\n" + helpStyle.Render("↑/↓ select • v toggle VPN • r refresh • q quit")
}
