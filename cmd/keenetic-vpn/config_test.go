package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"keenetic-vpn/internal/store"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "router:\n  ip: 10.0.0.1\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Web.Listen != "127.0.0.1:8080" || cfg.Store.Path != "keenetic-vpn.db" || cfg.ScriptsDir != "scripts" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.MQTT.TopicPrefix != "keenetic" || cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("defaults not applied: mqtt %+v log %+v", cfg.MQTT, cfg.Log)
	}
	if cfg.Poll.RefreshInterval != store.DefaultRefreshInterval {
		t.Errorf("refresh interval = %d", cfg.Poll.RefreshInterval)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if cfg.Web.Listen == "" {
		t.Error("defaults not applied for missing file")
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	if _, err := loadConfig(writeConfig(t, "router: [")); err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Errorf("err = %v, want parse error", err)
	}
}

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := loadConfig(filepath.Join("..", "..", "config.example.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("example config invalid: %v", err)
	}
	if cfg.Router.Port != "81" || cfg.MQTT.Broker != "tcp://127.0.0.1:1883" {
		t.Errorf("example config = %+v", cfg.Router)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad port", "router:\n  port: \"99999\"\n", "router.port"},
		{"port not a number", "router:\n  port: http\n", "router.port"},
		{"negative interval", "poll:\n  refresh_interval: -1\n", "poll.refresh_interval"},
		{"negative offline delay", "poll:\n  offline_delay: -2\n", "poll.offline_delay"},
		{"mqtt without broker", "mqtt:\n  enabled: true\n", "mqtt.broker"},
		{"bad log level", "log:\n  level: loud\n", "log.level"},
		{"bad log format", "log:\n  format: xml\n", "log.format"},
		{"bad exec timeout", "exec:\n  timeout: soon\n", "exec.timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeConfig(t, tt.yaml))
			if err != nil {
				t.Fatal(err)
			}
			err = cfg.validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestDefaultSettingsFromConfig(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
router:
  ip: 10.0.0.1
  password: secret
  vpn_policy: Policy2
poll:
  auto_refresh: false
  refresh_interval: 30
  offline_delay: 0
`))
	if err != nil {
		t.Fatal(err)
	}
	s := cfg.defaultSettings()
	if s.RouterIP != "10.0.0.1" || s.RouterPassword != "secret" || s.VPNPolicy != "Policy2" {
		t.Errorf("router settings = %+v", s)
	}
	if s.RouterPort != store.DefaultRouterPort || s.NoVPNPolicy != store.DefaultNoVPNPolicy {
		t.Errorf("unset fields lost their defaults: %+v", s)
	}
	if s.AutoRefresh || s.RefreshInterval != 30 || s.OfflineDelay != 0 {
		t.Errorf("poll settings = %+v", s)
	}
}

func TestDefaultSettingsKeepsDefaultsWhenUnset(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.defaultSettings(); got != store.DefaultSettings() {
		t.Errorf("settings = %+v, want defaults", got)
	}
}

func TestExecTimeout(t *testing.T) {
	cfg := &Config{}
	if got := cfg.execTimeout(newLogger(cfg, &bytes.Buffer{})); got != 10*time.Second {
		t.Errorf("default = %v", got)
	}
	cfg.Exec.Timeout = "3s"
	if got := cfg.execTimeout(newLogger(cfg, &bytes.Buffer{})); got != 3*time.Second {
		t.Errorf("configured = %v", got)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{}
	cfg.Log.Level = "warn"
	cfg.Log.Format = "json"
	logger := newLogger(cfg, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info logged at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"k":"v"`) {
		t.Errorf("json output = %q", out)
	}
}
