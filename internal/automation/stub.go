//go:build no_automation

package automation

import (
	"errors"
	"log/slog"
	"time"

	"keenetic-vpn/internal/monitor"
)

var errDisabled = errors.New("automation disabled")

// ScriptMeta is the JSON header on the first line of a script file.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is one automation loaded from scripts_dir.
type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// SystemConfig configures the system Lua module.
type SystemConfig struct {
	ExecAllowlist []string
	ExecTimeout   time.Duration
}

// TelegramConfig configures the telegram Lua module.
type TelegramConfig struct {
	BotToken string
	ChatIDs  []string
	APIURL   string
}

// Controller is the device control surface scripts act on.
type Controller interface {
	Events() *monitor.EventBus
}

// Manager is a no-op when automation is compiled out.
type Manager struct{}

// NewManager returns a nil manager.
func NewManager(_ string) (*Manager, error) { return nil, nil }

// Dir returns "".
func (m *Manager) Dir() string { return "" }

// List returns no scripts.
func (m *Manager) List() ([]*Script, error) { return nil, nil }

// Get always fails.
func (m *Manager) Get(_ string) (*Script, error) { return nil, errDisabled }

// Save always fails.
func (m *Manager) Save(_ *Script) (*Script, error) { return nil, errDisabled }

// Delete always fails.
func (m *Manager) Delete(_ string) error { return errDisabled }

// Engine is a no-op when automation is compiled out.
type Engine struct{}

// NewEngine returns a no-op engine.
func NewEngine(_ Controller, _ *Manager, _ *slog.Logger, _ SystemConfig, _ TelegramConfig) *Engine {
	return &Engine{}
}

// Start is a no-op.
func (e *Engine) Start() {}

// Stop is a no-op.
func (e *Engine) Stop() {}

// Running returns 0.
func (e *Engine) Running() int { return 0 }

// ReloadScript is a no-op.
func (e *Engine) ReloadScript(_ string) error { return nil }

// StopScript is a no-op.
func (e *Engine) StopScript(_ string) {}

// RunScript reports that automation is disabled.
func (e *Engine) RunScript(_ string) *RunResult {
	return &RunResult{OK: false, Error: errDisabled.Error()}
}

// RunLuaCode reports that automation is disabled.
func (e *Engine) RunLuaCode(_ string) *RunResult {
	return &RunResult{OK: false, Error: errDisabled.Error()}
}
