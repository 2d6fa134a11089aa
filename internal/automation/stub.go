//go:build no_automation

package automation

import (
	"errors"
	"log/slog"

	"iot-door/internal/door"
)

var (
	ErrScriptNotFound  = errors.New("script not found")
	ErrInvalidScriptID = errors.New("invalid script id")
)

type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Door matches the enabled build's interface; the stub never calls it.
type Door interface {
	Devices() []string
}

// Manager is a no-op when automation is compiled out.
type Manager struct{}

func NewManager(_ string, _ *slog.Logger) (*Manager, error) { return &Manager{}, nil }

func (m *Manager) List() ([]*Script, error) { return []*Script{}, nil }

func (m *Manager) Get(id string) (*Script, error) { return nil, ErrScriptNotFound }

func (m *Manager) Save(s *Script) (*Script, error) { return s, nil }

func (m *Manager) Delete(_ string) error { return ErrScriptNotFound }

// Engine is a no-op when automation is compiled out.
type Engine struct{}

func NewEngine(_ Door, _ *door.EventBus, _ *Manager, _ *slog.Logger) *Engine { return &Engine{} }

func (e *Engine) Start() {}

func (e *Engine) Stop() {}

func (e *Engine) ReloadScript(_ string) error { return nil }

func (e *Engine) StopScript(_ string) {}

func (e *Engine) Running(_ string) bool { return false }

func (e *Engine) RunScript(_ string) *RunResult {
	return &RunResult{OK: false, Error: "automation disabled", Logs: []string{}}
}

func (e *Engine) RunLuaCode(_ string) *RunResult {
	return &RunResult{OK: false, Error: "automation disabled", Logs: []string{}}
}
