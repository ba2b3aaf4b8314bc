package tui

import (
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"keenetic-vpn/internal/monitor"
	"keenetic-vpn/internal/reconcile"
)

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			if m.loading {
				return m, nil
			}
			m.loading = true
			m.status = "refreshing..."
			return m, m.refreshCmd()
		case "v", " ":
			v, ok := m.selected()
			if !ok {
				return m, nil
			}
			m.status = "switching " + v.Name + "..."
			return m, m.toggleCmd(v.MAC)
		}

	case devicesMsg:
		m.views = msg.views
		m.stats = msg.stats
		m.updated = msg.at
		m.loading = false
		m.status = ""
		m.table.SetRows(m.rows())
		m.gen++
		return m, m.tickCmd()

	case tickMsg:
		if msg.gen != m.gen || m.loading {
			return m, nil
		}
		m.loading = true
		return m, m.refreshCmd()

	case policyMsg:
		if !msg.res.Success {
			m.status = "policy change failed: " + msg.res.Error
			return m, nil
		}
		m.status = ""
		m.loading = true
		return m, m.refreshCmd()
	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) selected() (reconcile.View, bool) {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.views) {
		return reconcile.View{}, false
	}
	return m.views[i], true
}

func (m Model) rows() []table.Row {
	policies := monitor.Policies(m.src.Settings())
	rows := make([]table.Row, len(m.views))
	for i, v := range m.views {
		rows[i] = table.Row{
			statusMark(v.DisplayOnline),
			v.Name,
			displayIP(v.IP),
			v.MAC,
			policyLabel(v.Policy, policies),
			pinMark(v.Pinned),
		}
	}
	return rows
}

func statusMark(online bool) string {
	if online {
		return "●"
	}
	return "○"
}

func pinMark(pinned bool) string {
	if pinned {
		return "★"
	}
	return ""
}

func displayIP(ip string) string {
	if ip == "" {
		return "-"
	}
	return ip
}

func policyLabel(policy string, p reconcile.Policies) string {
	switch policy {
	case p.VPN:
		return "VPN"
	case p.NoVPN:
		return "direct"
	case "":
		return "-"
	}
	return policy
}
