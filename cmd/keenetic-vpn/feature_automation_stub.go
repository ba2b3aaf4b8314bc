//go:build no_automation

package main

import (
	"log/slog"

	"keenetic-vpn/internal/monitor"
	"keenetic-vpn/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *monitor.Monitor, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
