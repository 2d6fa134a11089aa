//go:build !no_automation

package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"iot-door/internal/door"
	"iot-door/internal/store"
)

// IssuerAutomation is recorded as the issuer of commands sent by scripts.
const IssuerAutomation = "automation"

const runTimeout = 5 * time.Second

// Door is the part of the reconciler scripts can drive.
type Door interface {
	IssueCommand(ctx context.Context, deviceID, action, issuerUserID string) (store.Command, error)
	Snapshot(ctx context.Context, deviceID string) (door.Snapshot, error)
	Devices() []string
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

type luaEventHandler struct {
	eventType string
	deviceID  string // empty = any device
	fn        *lua.LFunction
}

// scriptVM is a running Lua VM for a single script. All Lua access goes
// through commands.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState)
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers

	// logf replaces slog output for one-shot runs.
	logf func(level, msg string)
}

// Engine runs enabled scripts and dispatches door events to their handlers.
type Engine struct {
	door    Door
	events  *door.EventBus
	manager *Manager
	logger  *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

func NewEngine(d Door, events *door.EventBus, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		door:    d,
		events:  events,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to door events and loads every enabled script.
func (e *Engine) Start() {
	e.unsub = e.events.OnAll(e.dispatchEvent)

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

	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
}

func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.logger.Info("automation engine stopped")
}

// ReloadScript restarts a script after it was saved. Disabled scripts are
// only stopped.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return err
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// Running reports whether a VM is loaded for id.
func (e *Engine) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.vms[id]
	return ok
}

// RunScript executes a stored script once in a temporary VM.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: err.Error(), Logs: []string{}, Duration: "0s"}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode runs code in a temporary sandboxed VM, then invokes every
// handler it registered once with a synthetic event. Log output is captured.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	L := newSandbox()
	defer L.Close()
	L.SetContext(ctx)

	logs := []string{}
	var logMu sync.Mutex
	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
		logf: func(level, msg string) {
			logMu.Lock()
			defer logMu.Unlock()
			if level != "info" {
				msg = "[" + level + "] " + msg
			}
			logs = append(logs, msg)
		},
	}
	registerDoorModule(L, vm, e)
	registerSystemModule(L, vm, e)

	result := func(err error) *RunResult {
		logMu.Lock()
		defer logMu.Unlock()
		r := &RunResult{OK: err == nil, Logs: append([]string{}, logs...), Duration: time.Since(start).String()}
		if err != nil {
			r.Error = luaErrorString(err)
			e.logger.Warn("script run failed", "err", r.Error)
		}
		return r
	}

	if err := L.DoString(code); err != nil {
		return result(err)
	}

	vm.mu.Lock()
	handlers := append([]luaEventHandler(nil), vm.handlers...)
	vm.mu.Unlock()

	for _, h := range handlers {
		ev := L.NewTable()
		ev.RawSetString("type", lua.LString(h.eventType))
		if h.deviceID != "" {
			ev.RawSetString("device_id", lua.LString(h.deviceID))
		}
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, ev); err != nil {
			return result(err)
		}
	}
	return result(nil)
}

func luaErrorString(err error) string {
	s := err.Error()
	if strings.Contains(s, "context deadline exceeded") {
		return "timeout (" + runTimeout.String() + ")"
	}
	return s
}

// newSandbox returns a Lua state without file, process, or module loading access.
func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	L := newSandbox()

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerDoorModule(L, vm, e)
	registerSystemModule(L, vm, e)

	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchEvent runs on the emitter's goroutine, usually the reconciler's,
// so it only queues work onto the VMs.
func (e *Engine) dispatchEvent(event door.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	var data map[string]interface{}
	for _, vm := range vms {
		vm.mu.Lock()
		handlers := append([]luaEventHandler(nil), vm.handlers...)
		vm.mu.Unlock()

		for _, h := range handlers {
			if h.eventType != event.Type {
				continue
			}
			if data == nil {
				data = eventData(event)
			}
			if !matchesHandler(h, event.Type, data) {
				continue
			}
			fn := h.fn
			select {
			case <-vm.ctx.Done():
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, fn, event.Type, data) }:
			default:
				e.logger.Warn("script command channel full, dropping event", "type", event.Type)
			}
		}
	}
}

func matchesHandler(h luaEventHandler, eventType string, data map[string]interface{}) bool {
	if h.eventType != eventType {
		return false
	}
	if h.deviceID == "" {
		return true
	}
	id, _ := data["device_id"].(string)
	if id == "" {
		id, _ = data["target_device"].(string)
	}
	return id == h.deviceID
}

// eventData flattens an event payload through its JSON form, so scripts see
// the same field names as WebSocket clients.
func eventData(event door.Event) map[string]interface{} {
	out := map[string]interface{}{}
	if event.Data == nil {
		return out
	}
	raw, err := json.Marshal(event.Data)
	if err != nil {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{"value": string(raw)}
	}
	return out
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, eventType string, data map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	ev := L.NewTable()
	for k, v := range data {
		ev.RawSetString(k, goToLua(L, v))
	}
	ev.RawSetString("type", lua.LString(eventType))

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, ev); err != nil {
		e.logger.Error("lua handler error", "type", eventType, "err", err)
	}
}

func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case time.Time:
		return lua.LNumber(val.Unix())
	case map[string]interface{}:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []interface{}:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
