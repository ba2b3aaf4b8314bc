// Package tui is the terminal view of the monitor used by the watch command.
package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"keenetic-vpn/internal/reconcile"
	"keenetic-vpn/internal/router"
	"keenetic-vpn/internal/store"
)

const (
	defaultInterval = 10 * time.Second
	policyTimeout   = 15 * time.Second
)

// Source is the part of the monitor the TUI reads from.
type Source interface {
	Poll(ctx context.Context) []reconcile.View
	Stats() reconcile.Summary
	Settings() store.Settings
	TogglePolicy(ctx context.Context, mac string) router.PolicyResult
}

// devicesMsg carries the result of a poll.
type devicesMsg struct {
	views []reconcile.View
	stats reconcile.Summary
	at    time.Time
}

// tickMsg schedules the next poll. Ticks of older generations are dropped so
// manual refreshes don't multiply the refresh loop.
type tickMsg struct{ gen int }

// policyMsg carries the result of a VPN toggle.
type policyMsg struct {
	mac string
	res router.PolicyResult
}

// Model is the bubbletea model of the device table.
type Model struct {
	ctx      context.Context
	src      Source
	table    table.Model
	views    []reconcile.View
	stats    reconcile.Summary
	interval time.Duration
	updated  time.Time
	loading  bool
	status   string
	gen      int
}

// New builds the model. A non-positive interval disables automatic refresh.
func New(ctx context.Context, src Source, interval time.Duration) Model {
	columns := []table.Column{
		{Title: "", Width: 2},
		{Title: "Name", Width: 24},
		{Title: "IP", Width: 15},
		{Title: "MAC", Width: 17},
		{Title: "Policy", Width: 14},
		{Title: "Pin", Width: 3},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(15),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return Model{
		ctx:      ctx,
		src:      src,
		table:    t,
		interval: interval,
		loading:  true,
	}
}

func (m Model) Init() tea.Cmd {
	return m.refreshCmd()
}

func (m Model) refreshCmd() tea.Cmd {
	ctx, src := m.ctx, m.src
	return func() tea.Msg {
		views := src.Poll(ctx)
		return devicesMsg{views: views, stats: src.Stats(), at: time.Now()}
	}
}

func (m Model) tickCmd() tea.Cmd {
	if m.interval <= 0 {
		return nil
	}
	gen := m.gen
	return tea.Tick(m.interval, func(time.Time) tea.Msg {
		return tickMsg{gen: gen}
	})
}

func (m Model) toggleCmd(mac string) tea.Cmd {
	ctx, src := m.ctx, m.src
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, policyTimeout)
		defer cancel()
		return policyMsg{mac: mac, res: src.TogglePolicy(ctx, mac)}
	}
}

// Run shows the TUI until the user quits or ctx is cancelled.
func Run(ctx context.Context, src Source, interval time.Duration) error {
	if interval == 0 {
		interval = defaultInterval
	}
	_, err := tea.NewProgram(New(ctx, src, interval), tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}
