//go:build !no_automation

package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"keenetic-vpn/internal/monitor"
	"keenetic-vpn/internal/reconcile"
	"keenetic-vpn/internal/router"

	"github.com/go-resty/resty/v2"
	lua "github.com/yuin/gopher-lua"
)

const (
	runTimeout    = 5 * time.Second
	commandQueue  = 64
	policyTimeout = 15 * time.Second
)

// Controller is the device control surface scripts act on.
// *monitor.Monitor implements it.
type Controller interface {
	Events() *monitor.EventBus
	Devices() []reconcile.View
	Device(mac string) (reconcile.View, bool)
	IsOnline(mac string) bool
	SetPolicy(ctx context.Context, mac, policy string) router.PolicyResult
	EnableVPN(ctx context.Context, mac string) router.PolicyResult
	DisableVPN(ctx context.Context, mac string) router.PolicyResult
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a callback registered with router.on.
type luaEventHandler struct {
	eventType string
	mac       string // empty matches any device
	policy    string // empty matches any policy
	fn        *lua.LFunction
}

// scriptVM is one Lua state. All access to state after startup goes
// through commands.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState)
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	handlers []luaEventHandler

	capture func(line string) // set for one-shot runs
}

func (vm *scriptVM) addHandler(h luaEventHandler) bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		return false
	}
	vm.handlers = append(vm.handlers, h)
	return true
}

func (vm *scriptVM) snapshotHandlers() []luaEventHandler {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]luaEventHandler(nil), vm.handlers...)
}

func (vm *scriptVM) record(line string) {
	if vm.capture != nil {
		vm.capture(line)
	}
}

// Engine runs enabled scripts and feeds them monitor events.
type Engine struct {
	ctrl     Controller
	manager  *Manager
	logger   *slog.Logger
	telegram *resty.Client
	now      func() time.Time

	systemCfg   SystemConfig
	telegramCfg TelegramConfig

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

// NewEngine creates an automation engine.
func NewEngine(ctrl Controller, mgr *Manager, logger *slog.Logger, sysCfg SystemConfig, teleCfg TelegramConfig) *Engine {
	return &Engine{
		ctrl:        ctrl,
		manager:     mgr,
		logger:      logger.With("component", "automation"),
		telegram:    newTelegramClient(teleCfg),
		now:         time.Now,
		systemCfg:   sysCfg,
		telegramCfg: teleCfg,
		vms:         make(map[string]*scriptVM),
	}
}

// Start subscribes to monitor events and starts every enabled script.
func (e *Engine) Start() {
	e.unsub = e.ctrl.Events().OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}
	e.logger.Info("automation engine started", "scripts", e.Running())
}

// Stop cancels all VMs and unsubscribes from monitor events.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
	e.mu.Lock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.mu.Unlock()
	e.logger.Info("automation engine stopped")
}

// Running returns the number of live script VMs.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.vms)
}

// ReloadScript restarts a script from disk. A disabled script is only stopped.
func (e *Engine) ReloadScript(id string) error {
	e.StopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

// RunScript executes a saved script once in a throwaway VM.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: "script not found: " + err.Error(), Duration: "0s"}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code in a throwaway VM. Handlers it registers are
// invoked once with a synthetic event. Output of router.log and system.log
// is returned in the result.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	vm := e.newVM(ctx, cancel)
	defer vm.state.Close()
	vm.state.SetContext(ctx)

	var (
		logMu sync.Mutex
		logs  []string
	)
	vm.capture = func(line string) {
		logMu.Lock()
		logs = append(logs, line)
		logMu.Unlock()
	}
	result := func(err error) *RunResult {
		logMu.Lock()
		defer logMu.Unlock()
		r := &RunResult{OK: err == nil, Logs: append([]string(nil), logs...), Duration: time.Since(start).String()}
		if err != nil {
			r.Error = runError(err)
		}
		return r
	}

	if err := vm.state.DoString(code); err != nil {
		e.logger.Warn("script run failed", "err", err)
		return result(err)
	}

	for _, h := range vm.snapshotHandlers() {
		fields := syntheticFields(h)
		if err := callLua(vm.state, h.fn, eventTable(vm.state, h.eventType, fields)); err != nil {
			e.logger.Warn("script handler failed", "event", h.eventType, "err", err)
			return result(err)
		}
	}
	return result(nil)
}

func runError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "context deadline exceeded") {
		return fmt.Sprintf("timeout (%s)", runTimeout)
	}
	return err.Error()
}

// syntheticFields fakes the payload a handler would see for its filter.
func syntheticFields(h luaEventHandler) map[string]any {
	fields := map[string]any{}
	if h.mac != "" {
		fields["mac"] = h.mac
	}
	if h.policy != "" {
		fields["policy"] = h.policy
	}
	switch h.eventType {
	case monitor.EventDeviceOnline:
		fields["online"], fields["displayOnline"] = true, true
	case monitor.EventDeviceOffline:
		fields["online"], fields["displayOnline"] = false, false
	}
	return fields
}

var blockedGlobals = []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"}

func (e *Engine) newVM(ctx context.Context, cancel context.CancelFunc) *scriptVM {
	L := lua.NewState()
	for _, name := range blockedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), commandQueue),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerRouterModule(L, vm, e)
	registerSystemModule(L, vm, e)
	registerTelegramModule(L, e)
	return vm
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	vm := e.newVM(ctx, cancel)

	if err := vm.state.DoString(s.LuaCode); err != nil {
		cancel()
		vm.state.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer vm.state.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(vm.state)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

func (e *Engine) dispatchEvent(event monitor.Event) {
	e.mu.Lock()
	vms := maps.Clone(e.vms)
	e.mu.Unlock()

	fields := eventFields(event)
	for id, vm := range vms {
		if vm.ctx.Err() != nil {
			continue
		}
		for _, h := range vm.snapshotHandlers() {
			if !matchesHandler(h, event.Type, fields) {
				continue
			}
			fn := h.fn
			select {
			case vm.commands <- func(L *lua.LState) {
				e.callHandler(L, fn, event.Type, fields)
			}:
			default:
				e.logger.Warn("script command queue full, dropping event", "id", id, "event", event.Type)
			}
		}
	}
}

// eventFields flattens an event payload into the keys scripts see, using
// the payload's JSON names. Non-object payloads are stored under "data".
func eventFields(event monitor.Event) map[string]any {
	fields := map[string]any{}
	if event.Data == nil {
		return fields
	}
	raw, err := json.Marshal(event.Data)
	if err != nil {
		return fields
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fields
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	fields["data"] = v
	return fields
}

func matchesHandler(h luaEventHandler, eventType string, fields map[string]any) bool {
	if h.eventType != eventType {
		return false
	}
	if h.mac != "" {
		mac, _ := fields["mac"].(string)
		if !strings.EqualFold(mac, h.mac) {
			return false
		}
	}
	if h.policy != "" {
		if policy, _ := fields["policy"].(string); policy != h.policy {
			return false
		}
	}
	return true
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, eventType string, fields map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "event", eventType, "panic", r)
		}
	}()
	if err := callLua(L, fn, eventTable(L, eventType, fields)); err != nil {
		e.logger.Error("lua handler error", "event", eventType, "err", err)
	}
}

func callLua(L *lua.LState, fn *lua.LFunction, args ...lua.LValue) error {
	return L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, args...)
}

func eventTable(L *lua.LState, eventType string, fields map[string]any) *lua.LTable {
	t := L.NewTable()
	for k, v := range fields {
		t.RawSetString(k, goToLua(L, v))
	}
	t.RawSetString("type", lua.LString(eventType))
	return t
}

// goToLua converts JSON-shaped Go values to Lua values.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
