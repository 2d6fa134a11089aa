//go:build !no_automation

package automation

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"
)

const maxHandlersPerScript = 100

// registerDoorModule installs the `door` global table.
func registerDoorModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"on":      func(L *lua.LState) int { return doorOn(L, vm) },
		"command": func(L *lua.LState) int { return doorCommand(L, vm, e) },
		"status":  func(L *lua.LState) int { return doorStatus(L, vm, e) },
		"devices": func(L *lua.LState) int { return doorDevices(L, e) },
		"after":   func(L *lua.LState) int { return doorAfter(L, vm, e) },
		"log":     func(L *lua.LState) int { return doorLog(L, vm, e) },
	})
	L.SetGlobal("door", mod)
}

// door.on(event_type, [filter], fn). The filter table may set device_id.
func doorOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	switch L.GetTop() {
	case 2:
		h.fn = L.CheckFunction(2)
	default:
		filter := L.CheckTable(2)
		h.fn = L.CheckFunction(3)
		if v := filter.RawGetString("device_id"); v != lua.LNil {
			h.deviceID = v.String()
		}
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// defaultDevice resolves the optional device argument at position n.
func defaultDevice(L *lua.LState, n int, e *Engine) string {
	if id := L.OptString(n, ""); id != "" {
		return id
	}
	if ids := e.door.Devices(); len(ids) > 0 {
		return ids[0]
	}
	return ""
}

// door.command(action, [device_id]) returns the command id, or nil and an
// error message.
func doorCommand(L *lua.LState, vm *scriptVM, e *Engine) int {
	action := L.CheckString(1)
	deviceID := defaultDevice(L, 2, e)

	ctx, cancel := context.WithTimeout(vm.ctx, runTimeout)
	defer cancel()

	cmd, err := e.door.IssueCommand(ctx, deviceID, action, IssuerAutomation)
	if err != nil && cmd.ID == "" {
		e.logger.Warn("script command failed", "device", deviceID, "action", action, "err", err)
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	if err != nil {
		e.logger.Warn("script command issued with error", "command", cmd.ID, "err", err)
	}
	L.Push(lua.LString(cmd.ID))
	return 1
}

// door.status([device_id]) returns {device_id, state, updated_at, requested, pending}.
func doorStatus(L *lua.LState, vm *scriptVM, e *Engine) int {
	deviceID := defaultDevice(L, 1, e)

	ctx, cancel := context.WithTimeout(vm.ctx, runTimeout)
	defer cancel()

	snap, err := e.door.Snapshot(ctx, deviceID)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}

	t := L.NewTable()
	t.RawSetString("device_id", lua.LString(snap.DeviceID))
	t.RawSetString("state", lua.LString(snap.Confirmed.LastKnownStatus))
	if !snap.Confirmed.LastUpdatedAt.IsZero() {
		t.RawSetString("updated_at", lua.LNumber(snap.Confirmed.LastUpdatedAt.Unix()))
	}
	if snap.Requested != nil {
		t.RawSetString("requested", lua.LString(snap.Requested.Status))
	}
	t.RawSetString("pending", lua.LNumber(len(snap.Pending)))
	L.Push(t)
	return 1
}

func doorDevices(L *lua.LState, e *Engine) int {
	t := L.NewTable()
	for i, id := range e.door.Devices() {
		t.RawSetInt(i+1, lua.LString(id))
	}
	L.Push(t)
	return 1
}

// door.after(seconds, fn) runs fn on the script's VM once the delay passes.
func doorAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()
	return 0
}

func doorLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	scriptLog(vm, e, "info", L.CheckString(1))
	return 0
}

func scriptLog(vm *scriptVM, e *Engine, level, msg string) {
	if vm.logf != nil {
		vm.logf(level, msg)
		return
	}
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
}
