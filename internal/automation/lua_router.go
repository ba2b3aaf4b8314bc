//go:build !no_automation

package automation

import (
	"context"
	"time"

	"keenetic-vpn/internal/reconcile"
	"keenetic-vpn/internal/router"

	lua "github.com/yuin/gopher-lua"
)

const maxHandlersPerScript = 100

// registerRouterModule installs the `router` global table.
func registerRouterModule(L *lua.LState, vm *scriptVM, e *Engine) {
	fns := map[string]lua.LGFunction{
		"on":         func(L *lua.LState) int { return routerOn(L, vm) },
		"set_policy": func(L *lua.LState) int { return routerSetPolicy(L, vm, e) },
		"devices":    func(L *lua.LState) int { return routerDevices(L, e) },
		"device":     func(L *lua.LState) int { return routerDevice(L, e) },
		"is_online":  func(L *lua.LState) int { return routerIsOnline(L, e) },
		"after":      func(L *lua.LState) int { return routerAfter(L, vm, e) },
		"log":        func(L *lua.LState) int { return routerLog(L, vm, e) },
		"enable_vpn": func(L *lua.LState) int {
			return routerPolicyCall(L, vm, e, func(ctx context.Context, mac string) router.PolicyResult {
				return e.ctrl.EnableVPN(ctx, mac)
			})
		},
		"disable_vpn": func(L *lua.LState) int {
			return routerPolicyCall(L, vm, e, func(ctx context.Context, mac string) router.PolicyResult {
				return e.ctrl.DisableVPN(ctx, mac)
			})
		},
	}
	L.SetGlobal("router", L.SetFuncs(L.NewTable(), fns))
}

// router.on(event, [filter], fn)
func routerOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	if L.GetTop() >= 3 {
		filter := L.CheckTable(2)
		if v := filter.RawGetString("mac"); v != lua.LNil {
			h.mac = v.String()
		}
		if v := filter.RawGetString("policy"); v != lua.LNil {
			h.policy = v.String()
		}
		h.fn = L.CheckFunction(3)
	} else {
		h.fn = L.CheckFunction(2)
	}

	if !vm.addHandler(h) {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
	}
	return 0
}

func pushPolicyResult(L *lua.LState, res router.PolicyResult) int {
	L.Push(lua.LBool(res.Success))
	if res.Success {
		L.Push(lua.LNil)
	} else {
		L.Push(lua.LString(res.Error))
	}
	return 2
}

// router.set_policy(mac, policy) -> ok, err
func routerSetPolicy(L *lua.LState, vm *scriptVM, e *Engine) int {
	mac := L.CheckString(1)
	policy := L.CheckString(2)

	ctx, cancel := context.WithTimeout(vm.ctx, policyTimeout)
	defer cancel()
	res := e.ctrl.SetPolicy(ctx, mac, policy)
	if !res.Success {
		e.logger.Warn("script policy update failed", "mac", mac, "policy", policy, "err", res.Error)
	}
	return pushPolicyResult(L, res)
}

// router.enable_vpn(mac) / router.disable_vpn(mac) -> ok, err
func routerPolicyCall(L *lua.LState, vm *scriptVM, e *Engine, call func(context.Context, string) router.PolicyResult) int {
	mac := L.CheckString(1)

	ctx, cancel := context.WithTimeout(vm.ctx, policyTimeout)
	defer cancel()
	res := call(ctx, mac)
	if !res.Success {
		e.logger.Warn("script policy update failed", "mac", mac, "err", res.Error)
	}
	return pushPolicyResult(L, res)
}

func viewToLua(L *lua.LState, v reconcile.View) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("mac", lua.LString(v.MAC))
	t.RawSetString("name", lua.LString(v.Name))
	t.RawSetString("ip", lua.LString(v.IP))
	t.RawSetString("policy", lua.LString(v.Policy))
	t.RawSetString("interface", lua.LString(v.Interface))
	t.RawSetString("online", lua.LBool(v.DisplayOnline))
	t.RawSetString("reachable", lua.LBool(v.Online))
	t.RawSetString("pinned", lua.LBool(v.Pinned))
	if !v.LastSeen.IsZero() {
		t.RawSetString("last_seen", lua.LNumber(v.LastSeen.Unix()))
	}
	return t
}

// router.devices() -> array of device tables in display order
func routerDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, v := range e.ctrl.Devices() {
		tbl.RawSetInt(i+1, viewToLua(L, v))
	}
	L.Push(tbl)
	return 1
}

// router.device(mac) -> device table or nil
func routerDevice(L *lua.LState, e *Engine) int {
	v, ok := e.ctrl.Device(L.CheckString(1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(viewToLua(L, v))
	return 1
}

// router.is_online(mac) -> bool
func routerIsOnline(L *lua.LState, e *Engine) int {
	L.Push(lua.LBool(e.ctrl.IsOnline(L.CheckString(1))))
	return 1
}

// router.after(seconds, fn)
func routerAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	delay := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := callLua(L, fn); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		case <-vm.ctx.Done():
		default:
			e.logger.Warn("after: command queue full")
		}
	}()
	return 0
}

// router.log(msg)
func routerLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	msg := L.CheckString(1)
	e.logger.Info("script log", "msg", msg)
	vm.record(msg)
	return 0
}
