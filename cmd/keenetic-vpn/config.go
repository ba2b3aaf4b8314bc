package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"keenetic-vpn/internal/store"
)

type Config struct {
	Router struct {
		IP          string `yaml:"ip"`
		Port        string `yaml:"port"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		VPNPolicy   string `yaml:"vpn_policy"`
		NoVPNPolicy string `yaml:"no_vpn_policy"`
	} `yaml:"router"`
	Poll struct {
		AutoRefresh     *bool `yaml:"auto_refresh"`
		RefreshInterval int   `yaml:"refresh_interval"` // seconds
		OfflineDelay    *int  `yaml:"offline_delay"`    // seconds
	} `yaml:"poll"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		ClientID    string `yaml:"client_id"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Telegram struct {
		BotToken string   `yaml:"bot_token"`
		ChatIDs  []string `yaml:"chat_ids"`
	} `yaml:"telegram"`
	Exec struct {
		Allowlist []string `yaml:"allowlist"`
		Timeout   string   `yaml:"timeout"`
	} `yaml:"exec"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.Router.Port != "" {
		if p, err := strconv.Atoi(c.Router.Port); err != nil || p < 1 || p > 65535 {
			return fmt.Errorf("router.port must be 1-65535, got %q", c.Router.Port)
		}
	}
	if c.Poll.RefreshInterval < 1 {
		return fmt.Errorf("poll.refresh_interval must be at least 1, got %d", c.Poll.RefreshInterval)
	}
	if c.Poll.OfflineDelay != nil && *c.Poll.OfflineDelay < 0 {
		return fmt.Errorf("poll.offline_delay must not be negative")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Exec.Timeout != "" {
		if _, err := time.ParseDuration(c.Exec.Timeout); err != nil {
			return fmt.Errorf("exec.timeout: %w", err)
		}
	}
	return nil
}

// loadConfig reads path and fills defaults. A missing file yields the
// defaults so the router can be configured from the dashboard.
func loadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if cfg.Poll.RefreshInterval == 0 {
		cfg.Poll.RefreshInterval = store.DefaultRefreshInterval
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "keenetic-vpn.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "keenetic"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

// defaultSettings seeds the stored settings. Values saved through the API
// take precedence over these.
func (c *Config) defaultSettings() store.Settings {
	s := store.DefaultSettings()
	setIfNotEmpty(&s.RouterIP, c.Router.IP)
	setIfNotEmpty(&s.RouterPort, c.Router.Port)
	setIfNotEmpty(&s.RouterUsername, c.Router.Username)
	setIfNotEmpty(&s.RouterPassword, c.Router.Password)
	setIfNotEmpty(&s.VPNPolicy, c.Router.VPNPolicy)
	setIfNotEmpty(&s.NoVPNPolicy, c.Router.NoVPNPolicy)
	if c.Poll.AutoRefresh != nil {
		s.AutoRefresh = *c.Poll.AutoRefresh
	}
	s.RefreshInterval = c.Poll.RefreshInterval
	if c.Poll.OfflineDelay != nil {
		s.OfflineDelay = *c.Poll.OfflineDelay
	}
	return s
}

func setIfNotEmpty(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func (c *Config) execTimeout(logger *slog.Logger) time.Duration {
	timeout := 10 * time.Second
	if c.Exec.Timeout == "" {
		return timeout
	}
	d, err := time.ParseDuration(c.Exec.Timeout)
	if err != nil {
		logger.Warn("invalid exec.timeout, using default", "value", c.Exec.Timeout, "default", timeout)
		return timeout
	}
	return d
}

func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
