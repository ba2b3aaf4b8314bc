package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"gopkg.in/yaml.v3"

	"keenetic-vpn/internal/reconcile"
	"keenetic-vpn/internal/router"
)

// deviceRow is the flat form of a device used by the json and yaml outputs.
type deviceRow struct {
	Name      string `json:"name" yaml:"name"`
	MAC       string `json:"mac" yaml:"mac"`
	IP        string `json:"ip" yaml:"ip"`
	Interface string `json:"interface,omitempty" yaml:"interface,omitempty"`
	Policy    string `json:"policy" yaml:"policy"`
	VPN       bool   `json:"vpn" yaml:"vpn"`
	Online    bool   `json:"online" yaml:"online"`
	Pinned    bool   `json:"pinned" yaml:"pinned"`
}

func deviceRows(views []reconcile.View, vpnPolicy string) []deviceRow {
	rows := make([]deviceRow, 0, len(views))
	for _, v := range views {
		rows = append(rows, deviceRow{
			Name:      v.Name,
			MAC:       v.MAC,
			IP:        v.IP,
			Interface: v.Interface,
			Policy:    v.Policy,
			VPN:       v.Policy == vpnPolicy,
			Online:    v.DisplayOnline,
			Pinned:    v.Pinned,
		})
	}
	return rows
}

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...)
}

func writeStructured(w io.Writer, format string, v any) (bool, error) {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, err
		}
		return true, enc.Close()
	case "table", "":
		return false, nil
	}
	return true, fmt.Errorf("unknown format %q (supported: table, json, yaml)", format)
}

func printDevices(w io.Writer, format string, views []reconcile.View, policies reconcile.Policies) error {
	rows := deviceRows(views, policies.VPN)
	if done, err := writeStructured(w, format, rows); done {
		return err
	}

	t := newTable("", "NAME", "IP", "MAC", "POLICY", "PIN")
	for _, r := range rows {
		status, pin, policy := "○", "", r.Policy
		if r.Online {
			status = "●"
		}
		if r.Pinned {
			pin = "★"
		}
		switch r.Policy {
		case policies.VPN:
			policy = "VPN (" + r.Policy + ")"
		case policies.NoVPN:
			policy = "direct (" + r.Policy + ")"
		}
		t.Row(status, r.Name, r.IP, r.MAC, policy, pin)
	}
	summary := reconcile.Stats(views, policies.VPN)
	_, err := fmt.Fprintf(w, "%s\n%d devices, %d online, %d on VPN\n", t, summary.Total, summary.Online, summary.VPN)
	return err
}

func printProbe(w io.Writer, format string, results []router.ProbeResult) error {
	if done, err := writeStructured(w, format, results); done {
		return err
	}

	t := newTable("ENDPOINT", "STATUS", "URL")
	for _, r := range results {
		status := "✗ " + r.Status
		if r.OK {
			status = "✓ " + r.Status
		}
		t.Row(r.Endpoint, status, r.URL)
	}
	_, err := fmt.Fprintln(w, t)
	return err
}
