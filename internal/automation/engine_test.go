//go:build !no_automation

package automation

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"keenetic-vpn/internal/monitor"
	"keenetic-vpn/internal/reconcile"
	"keenetic-vpn/internal/router"

	lua "github.com/yuin/gopher-lua"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeController struct {
	events *monitor.EventBus
	views  []reconcile.View

	mu     sync.Mutex
	calls  []string
	called chan string
}

func newFakeController(views ...reconcile.View) *fakeController {
	return &fakeController{
		events: monitor.NewEventBus(testLogger()),
		views:  views,
		called: make(chan string, 16),
	}
}

func (f *fakeController) Events() *monitor.EventBus { return f.events }
func (f *fakeController) Devices() []reconcile.View { return f.views }

func (f *fakeController) Device(mac string) (reconcile.View, bool) {
	for _, v := range f.views {
		if strings.EqualFold(v.MAC, mac) {
			return v, true
		}
	}
	return reconcile.View{}, false
}

func (f *fakeController) IsOnline(mac string) bool {
	v, ok := f.Device(mac)
	return ok && v.DisplayOnline
}

func (f *fakeController) record(call string) router.PolicyResult {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	select {
	case f.called <- call:
	default:
	}
	if strings.Contains(call, "bad") {
		return router.PolicyResult{Success: false, Error: "router returned 500"}
	}
	return router.PolicyResult{Success: true}
}

func (f *fakeController) SetPolicy(_ context.Context, mac, policy string) router.PolicyResult {
	return f.record("set:" + mac + ":" + policy)
}

func (f *fakeController) EnableVPN(_ context.Context, mac string) router.PolicyResult {
	return f.record("enable:" + mac)
}

func (f *fakeController) DisableVPN(_ context.Context, mac string) router.PolicyResult {
	return f.record("disable:" + mac)
}

func (f *fakeController) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestEngine(t *testing.T, ctrl Controller) (*Engine, *Manager) {
	t.Helper()
	mgr := newTestManager(t)
	e := NewEngine(ctrl, mgr, testLogger(), SystemConfig{}, TelegramConfig{})
	t.Cleanup(e.Stop)
	return e, mgr
}

func view(mac, name string, online bool) reconcile.View {
	return reconcile.View{
		Device:        reconcile.Device{MAC: mac, Name: name, IP: "192.168.1.20", Policy: "Policy1", Online: online},
		DisplayOnline: online,
	}
}

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  any
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool", true, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"int64", int64(99), lua.LTNumber},
		{"float64", 3.5, lua.LTNumber},
		{"map", map[string]any{"a": 1.0}, lua.LTTable},
		{"slice", []any{"a", "b"}, lua.LTTable},
		{"unknown", struct{}{}, lua.LTString},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := goToLua(L, tt.val); got.Type() != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, got.Type(), tt.want)
			}
		})
	}

	tbl := goToLua(L, []any{"first", map[string]any{"k": "v"}}).(*lua.LTable)
	if got := tbl.RawGetInt(1); got.String() != "first" {
		t.Errorf("slice[1] = %v, want first", got)
	}
	if got := tbl.RawGetInt(2).(*lua.LTable).RawGetString("k"); got.String() != "v" {
		t.Errorf("slice[2].k = %v, want v", got)
	}
}

func TestEventFields(t *testing.T) {
	v := view("AA:BB:CC:DD:EE:FF", "Laptop", true)
	fields := eventFields(monitor.Event{Type: monitor.EventDeviceOnline, Data: v})
	if fields["mac"] != "AA:BB:CC:DD:EE:FF" || fields["name"] != "Laptop" || fields["displayOnline"] != true {
		t.Errorf("view fields = %v", fields)
	}

	fields = eventFields(monitor.Event{Type: monitor.EventPolicyChanged, Data: monitor.PolicyChange{MAC: "aa", Policy: "Policy0"}})
	if fields["mac"] != "aa" || fields["policy"] != "Policy0" {
		t.Errorf("policy fields = %v", fields)
	}

	fields = eventFields(monitor.Event{Type: monitor.EventDevicesUpdated, Data: []reconcile.View{v}})
	list, ok := fields["data"].([]any)
	if !ok || len(list) != 1 {
		t.Errorf("list fields = %v, want one entry under data", fields)
	}

	if fields := eventFields(monitor.Event{Type: monitor.EventPollError}); len(fields) != 0 {
		t.Errorf("nil payload fields = %v, want empty", fields)
	}
}

func TestMatchesHandler(t *testing.T) {
	tests := []struct {
		name    string
		handler luaEventHandler
		evType  string
		fields  map[string]any
		want    bool
	}{
		{"exact match", luaEventHandler{eventType: "device_online", mac: "AA:BB"}, "device_online", map[string]any{"mac": "AA:BB"}, true},
		{"mac ignores case", luaEventHandler{eventType: "device_online", mac: "aa:bb"}, "device_online", map[string]any{"mac": "AA:BB"}, true},
		{"wrong event type", luaEventHandler{eventType: "device_online"}, "device_offline", map[string]any{}, false},
		{"mac mismatch", luaEventHandler{eventType: "device_online", mac: "AA:BB"}, "device_online", map[string]any{"mac": "CC:DD"}, false},
		{"mac filter without mac field", luaEventHandler{eventType: "poll_error", mac: "AA:BB"}, "poll_error", map[string]any{"error": "x"}, false},
		{"policy match", luaEventHandler{eventType: "policy_changed", policy: "Policy0"}, "policy_changed", map[string]any{"mac": "AA", "policy": "Policy0"}, true},
		{"policy mismatch", luaEventHandler{eventType: "policy_changed", policy: "Policy0"}, "policy_changed", map[string]any{"mac": "AA", "policy": "Policy1"}, false},
		{"no filters", luaEventHandler{eventType: "devices_updated"}, "devices_updated", map[string]any{"data": []any{}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesHandler(tt.handler, tt.evType, tt.fields); got != tt.want {
				t.Errorf("matchesHandler() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunLuaCodeCapturesLogsAndInvokesHandlers(t *testing.T) {
	ctrl := newFakeController()
	e, _ := newTestEngine(t, ctrl)

	res := e.RunLuaCode(`
router.log("start")
system.log("warn", "careful")
router.on("device_online", {mac="AA:BB:CC:DD:EE:FF"}, function(event)
  router.log("online " .. event.mac .. " " .. tostring(event.online))
  router.enable_vpn(event.mac)
end)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	want := []string{"start", "[warn] careful", "online AA:BB:CC:DD:EE:FF true"}
	if !slices.Equal(res.Logs, want) {
		t.Errorf("logs = %q, want %q", res.Logs, want)
	}
	if calls := ctrl.Calls(); !slices.Equal(calls, []string{"enable:AA:BB:CC:DD:EE:FF"}) {
		t.Errorf("calls = %v", calls)
	}
}

func TestRunLuaCodeHandlerWithoutFilter(t *testing.T) {
	e, _ := newTestEngine(t, newFakeController())

	res := e.RunLuaCode(`router.on("device_offline", function(event) router.log(event.type .. " " .. tostring(event.online)) end)`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if !slices.Equal(res.Logs, []string{"device_offline false"}) {
		t.Errorf("logs = %q", res.Logs)
	}
}

func TestRunLuaCodeSyntaxError(t *testing.T) {
	e, _ := newTestEngine(t, newFakeController())

	res := e.RunLuaCode(`router.log("unterminated`)
	if res.OK || res.Error == "" {
		t.Errorf("result = %+v, want error", res)
	}
}

func TestRunLuaCodeSandbox(t *testing.T) {
	e, _ := newTestEngine(t, newFakeController())

	for _, global := range blockedGlobals {
		res := e.RunLuaCode(`if ` + global + ` ~= nil then error("` + global + ` available") end`)
		if !res.OK {
			t.Errorf("%s: %s", global, res.Error)
		}
	}
}

func TestRunLuaCodeTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the run timeout")
	}
	e, _ := newTestEngine(t, newFakeController())

	res := e.RunLuaCode(`while true do end`)
	if res.OK || res.Error != "timeout (5s)" {
		t.Errorf("result = %+v, want timeout", res)
	}
}

func TestRouterModuleQueries(t *testing.T) {
	ctrl := newFakeController(view("AA:00:00:00:00:01", "Laptop", true), view("AA:00:00:00:00:02", "TV", false))
	e, _ := newTestEngine(t, ctrl)

	res := e.RunLuaCode(`
local d = router.devices()
router.log(#d .. " " .. d[1].name .. " " .. tostring(d[2].online))
router.log(tostring(router.is_online("aa:00:00:00:00:01")) .. " " .. tostring(router.is_online("AA:00:00:00:00:02")))
router.log(router.device("AA:00:00:00:00:02").name .. " " .. tostring(router.device("ff") == nil))
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	want := []string{"2 Laptop false", "true false", "TV true"}
	if !slices.Equal(res.Logs, want) {
		t.Errorf("logs = %q, want %q", res.Logs, want)
	}
}

func TestRouterModulePolicyResults(t *testing.T) {
	ctrl := newFakeController()
	e, _ := newTestEngine(t, ctrl)

	res := e.RunLuaCode(`
local ok, err = router.set_policy("AA", "Policy3")
router.log(tostring(ok) .. " " .. tostring(err))
ok, err = router.disable_vpn("bad")
router.log(tostring(ok) .. " " .. err)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	want := []string{"true nil", "false router returned 500"}
	if !slices.Equal(res.Logs, want) {
		t.Errorf("logs = %q, want %q", res.Logs, want)
	}
	if calls := ctrl.Calls(); !slices.Equal(calls, []string{"set:AA:Policy3", "disable:bad"}) {
		t.Errorf("calls = %v", calls)
	}
}

func TestRouterOnHandlerLimit(t *testing.T) {
	e, _ := newTestEngine(t, newFakeController())

	res := e.RunLuaCode(`for i = 1, 101 do router.on("device_online", function() end) end`)
	if res.OK || !strings.Contains(res.Error, "too many handlers") {
		t.Errorf("result = %+v, want handler limit error", res)
	}
}

func waitCall(t *testing.T, ctrl *fakeController) string {
	t.Helper()
	select {
	case c := <-ctrl.called:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for script action")
		return ""
	}
}

func TestEngineDispatchesMonitorEvents(t *testing.T) {
	ctrl := newFakeController()
	e, mgr := newTestEngine(t, ctrl)

	const code = `router.on("device_online", {mac="aa:bb:cc:dd:ee:ff"}, function(event)
  router.set_policy(event.mac, "Policy0")
end)`
	_, err := mgr.Save(&Script{ID: "laptop", Meta: ScriptMeta{Name: "Laptop", Enabled: true}, LuaCode: code})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Save(&Script{ID: "disabled", Meta: ScriptMeta{Name: "Off"}, LuaCode: `router.on("device_online", function() router.enable_vpn("x") end)`}); err != nil {
		t.Fatal(err)
	}

	e.Start()
	if n := e.Running(); n != 1 {
		t.Fatalf("running = %d, want 1", n)
	}

	ctrl.events.Publish(monitor.EventDeviceOnline, view("11:22:33:44:55:66", "Other", true))
	ctrl.events.Publish(monitor.EventDeviceOnline, view("AA:BB:CC:DD:EE:FF", "Laptop", true))

	if got := waitCall(t, ctrl); got != "set:AA:BB:CC:DD:EE:FF:Policy0" {
		t.Errorf("call = %q", got)
	}
	if calls := ctrl.Calls(); len(calls) != 1 {
		t.Errorf("calls = %v, want only the matching device", calls)
	}
}

func TestEngineAfterRunsOnVM(t *testing.T) {
	ctrl := newFakeController()
	e, mgr := newTestEngine(t, ctrl)

	if _, err := mgr.Save(&Script{
		ID:      "delayed",
		Meta:    ScriptMeta{Name: "Delayed", Enabled: true},
		LuaCode: `router.after(0.05, function() router.disable_vpn("AA") end)`,
	}); err != nil {
		t.Fatal(err)
	}
	e.Start()

	if got := waitCall(t, ctrl); got != "disable:AA" {
		t.Errorf("call = %q", got)
	}
}

func TestEngineReloadAndStop(t *testing.T) {
	ctrl := newFakeController()
	e, mgr := newTestEngine(t, ctrl)
	e.Start()

	s, err := mgr.Save(&Script{Meta: ScriptMeta{Name: "Later", Enabled: true}, LuaCode: `router.log("x")`})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript(s.ID); err != nil {
		t.Fatal(err)
	}
	if n := e.Running(); n != 1 {
		t.Fatalf("running after reload = %d, want 1", n)
	}

	s.Meta.Enabled = false
	if _, err := mgr.Save(s); err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript(s.ID); err != nil {
		t.Fatal(err)
	}
	if n := e.Running(); n != 0 {
		t.Errorf("running after disable = %d, want 0", n)
	}

	if err := e.ReloadScript("missing"); err == nil {
		t.Error("reload of missing script succeeded")
	}
}

func TestEngineStartSkipsBrokenScript(t *testing.T) {
	e, mgr := newTestEngine(t, newFakeController())
	if err := os.WriteFile(filepath.Join(mgr.Dir(), "broken.lua"), []byte("-- {\"name\":\"Broken\",\"enabled\":true}\nthis is not lua\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	e.Start()
	if n := e.Running(); n != 0 {
		t.Errorf("running = %d, want 0", n)
	}
}

func TestRunScriptNotFound(t *testing.T) {
	e, _ := newTestEngine(t, newFakeController())
	res := e.RunScript("nope")
	if res.OK || !strings.HasPrefix(res.Error, "script not found") {
		t.Errorf("result = %+v", res)
	}
}
