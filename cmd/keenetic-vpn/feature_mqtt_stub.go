//go:build no_mqtt

package main

import (
	"log/slog"

	"keenetic-vpn/internal/monitor"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *monitor.Monitor, cfg *Config, logger *slog.Logger) *mqttStopper {
	if cfg.MQTT.Enabled {
		logger.Warn("mqtt enabled in config but this build has no MQTT support")
	}
	return &mqttStopper{}
}
