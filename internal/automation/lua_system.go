//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	lua "github.com/yuin/gopher-lua"
)

const (
	defaultExecTimeout = 10 * time.Second
	maxExecOutput      = 64 << 10
	telegramAPI        = "https://api.telegram.org"
)

// SystemConfig configures the system Lua module.
type SystemConfig struct {
	ExecAllowlist []string // absolute command paths
	ExecTimeout   time.Duration
}

// TelegramConfig configures the telegram Lua module.
type TelegramConfig struct {
	BotToken string
	ChatIDs  []string
	APIURL   string // defaults to the public Bot API
}

func newTelegramClient(cfg TelegramConfig) *resty.Client {
	base := cfg.APIURL
	if base == "" {
		base = telegramAPI
	}
	return resty.New().
		SetBaseURL(strings.TrimRight(base, "/")).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")
}

// registerSystemModule installs the `system` global table.
func registerSystemModule(L *lua.LState, vm *scriptVM, e *Engine) {
	L.SetGlobal("system", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"datetime":     func(L *lua.LState) int { return systemDatetime(L, e.now()) },
		"time_between": func(L *lua.LState) int { return systemTimeBetween(L, e.now()) },
		"log":          func(L *lua.LState) int { return systemLog(L, vm, e) },
		"exec":         func(L *lua.LState) int { return systemExec(L, e) },
	}))
}

// registerTelegramModule installs the `telegram` global table.
func registerTelegramModule(L *lua.LState, e *Engine) {
	L.SetGlobal("telegram", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"send": func(L *lua.LState) int { return telegramSend(L, e) },
	}))
}

// system.datetime(component)
func systemDatetime(L *lua.LState, now time.Time) int {
	component := L.CheckString(1)
	var v lua.LValue
	switch component {
	case "hour":
		v = lua.LNumber(now.Hour())
	case "minute":
		v = lua.LNumber(now.Minute())
	case "second":
		v = lua.LNumber(now.Second())
	case "weekday":
		v = lua.LNumber(now.Weekday())
	case "day":
		v = lua.LNumber(now.Day())
	case "month":
		v = lua.LNumber(now.Month())
	case "year":
		v = lua.LNumber(now.Year())
	case "timestamp":
		v = lua.LNumber(now.Unix())
	case "time_str":
		v = lua.LString(now.Format(time.TimeOnly))
	case "date_str":
		v = lua.LString(now.Format(time.DateOnly))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	L.Push(v)
	return 1
}

// hourBetween reports whether hour is in [from, to), wrapping past midnight
// when from > to.
func hourBetween(hour, from, to int) bool {
	if from <= to {
		return hour >= from && hour < to
	}
	return hour >= from || hour < to
}

// system.time_between(from_hour, to_hour)
func systemTimeBetween(L *lua.LState, now time.Time) int {
	L.Push(lua.LBool(hourBetween(now.Hour(), L.CheckInt(1), L.CheckInt(2))))
	return 1
}

// system.log(level, msg)
func systemLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)

	switch level {
	case "debug":
		e.logger.Debug("script log", "msg", msg)
	case "warn":
		e.logger.Warn("script log", "msg", msg)
	case "error":
		e.logger.Error("script log", "msg", msg)
	default:
		e.logger.Info("script log", "msg", msg)
	}
	vm.record("[" + level + "] " + msg)
	return 0
}

// system.exec(cmd) -> stdout, or "" when blocked or failed
func systemExec(L *lua.LState, e *Engine) int {
	parts := strings.Fields(L.CheckString(1))
	if len(parts) == 0 {
		L.ArgError(1, "empty command")
		return 0
	}
	binary := parts[0]

	switch {
	case !filepath.IsAbs(binary):
		e.logger.Warn("exec blocked: not an absolute path", "cmd", binary)
		L.Push(lua.LString(""))
		return 1
	case !slices.Contains(e.systemCfg.ExecAllowlist, binary):
		e.logger.Warn("exec blocked: not in allowlist", "cmd", binary)
		L.Push(lua.LString(""))
		return 1
	}

	timeout := e.systemCfg.ExecTimeout
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	stdout, err := exec.CommandContext(ctx, binary, parts[1:]...).Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.logger.Warn("exec timeout", "cmd", binary, "timeout", timeout)
		} else {
			e.logger.Warn("exec failed", "cmd", binary, "err", err)
		}
		L.Push(lua.LString(""))
		return 1
	}
	if len(stdout) > maxExecOutput {
		stdout = stdout[:maxExecOutput]
	}
	L.Push(lua.LString(stdout))
	return 1
}

type telegramMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// telegram.send(msg) sends msg to every configured chat in the background.
func telegramSend(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)

	switch {
	case e.telegramCfg.BotToken == "":
		e.logger.Warn("telegram.send: bot_token not configured")
		return 0
	case len(e.telegramCfg.ChatIDs) == 0:
		e.logger.Warn("telegram.send: no chat_ids configured")
		return 0
	}

	for _, chatID := range e.telegramCfg.ChatIDs {
		go e.sendTelegram(chatID, msg)
	}
	return 0
}

func (e *Engine) sendTelegram(chatID, msg string) error {
	resp, err := e.telegram.R().
		SetPathParam("token", e.telegramCfg.BotToken).
		SetBody(telegramMessage{ChatID: chatID, Text: msg}).
		Post("/bot{token}/sendMessage")
	if err != nil {
		e.logger.Error("telegram send", "chat_id", chatID, "err", err)
		return err
	}
	if !resp.IsSuccess() {
		e.logger.Warn("telegram send rejected", "chat_id", chatID, "status", resp.StatusCode())
		return errors.New("telegram: " + resp.Status())
	}
	return nil
}
