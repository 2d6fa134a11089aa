//go:build !no_automation

package automation

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "scripts")
	m, err := NewManager(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerListEmpty(t *testing.T) {
	m := newTestManager(t)
	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 0 {
		t.Errorf("list count = %d, want 0", len(scripts))
	}
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)

	s := &Script{
		Meta: ScriptMeta{
			Name:        "Test Script",
			Description: "A test",
			Enabled:     true,
		},
		LuaCode: `door.log("hello")`,
	}

	saved, err := m.Save(s)
	if err != nil {
		t.Fatal(err)
	}

	if saved.ID == "" {
		t.Fatal("expected non-empty ID")
	}
	if saved.ID != "test_script" {
		t.Errorf("id = %q, want test_script", saved.ID)
	}

	got, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}

	if got.Meta.Name != "Test Script" {
		t.Errorf("name = %q, want Test Script", got.Meta.Name)
	}
	if got.Meta.Description != "A test" {
		t.Errorf("description = %q, want A test", got.Meta.Description)
	}
	if !got.Meta.Enabled {
		t.Error("enabled = false, want true")
	}
	if got.LuaCode != "door.log(\"hello\")\n" {
		t.Errorf("lua_code = %q", got.LuaCode)
	}
}

func TestManagerSaveExistingID(t *testing.T) {
	m := newTestManager(t)

	s := &Script{
		ID: "my_script",
		Meta: ScriptMeta{
			Name:    "My Script",
			Enabled: true,
		},
		LuaCode: `door.log("v1")`,
	}

	saved, err := m.Save(s)
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "my_script" {
		t.Errorf("id = %q, want my_script", saved.ID)
	}

	// Update same script
	saved.LuaCode = `door.log("v2")`
	_, err = m.Save(saved)
	if err != nil {
		t.Fatal(err)
	}

	got, err := m.Get("my_script")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got.LuaCode, `door.log("v2")`) {
		t.Errorf("lua_code after update = %q", got.LuaCode)
	}
}

func TestManagerList(t *testing.T) {
	m := newTestManager(t)

	for _, name := range []string{"Alpha", "Beta", "Gamma"} {
		_, err := m.Save(&Script{
			Meta:    ScriptMeta{Name: name, Enabled: true},
			LuaCode: `door.log("` + name + `")`,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 3 {
		t.Fatalf("list count = %d, want 3", len(scripts))
	}
	if scripts[0].ID != "alpha" || scripts[2].ID != "gamma" {
		t.Errorf("order = %s, %s, %s", scripts[0].ID, scripts[1].ID, scripts[2].ID)
	}
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "ToDelete", Enabled: true},
		LuaCode: `door.log("bye")`,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Delete(saved.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Get(saved.ID); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("get after delete err = %v, want ErrScriptNotFound", err)
	}
	if err := m.Delete(saved.ID); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("second delete err = %v, want ErrScriptNotFound", err)
	}
}

func TestManagerGetNotFound(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Get("nonexistent"); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("err = %v, want ErrScriptNotFound", err)
	}
	for _, id := range []string{"..", "a/b", `a\b`, ""} {
		if _, err := m.Get(id); !errors.Is(err, ErrInvalidScriptID) {
			t.Errorf("Get(%q) err = %v, want ErrInvalidScriptID", id, err)
		}
	}
}

func TestManagerUniqueID(t *testing.T) {
	m := newTestManager(t)

	s1, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "Dup", Enabled: true},
		LuaCode: `door.log("1")`,
	})
	if err != nil {
		t.Fatal(err)
	}

	s2, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "Dup", Enabled: true},
		LuaCode: `door.log("2")`,
	})
	if err != nil {
		t.Fatal(err)
	}

	if s1.ID == s2.ID {
		t.Errorf("expected unique IDs, got %q for both", s1.ID)
	}
}

func TestParseScriptFile(t *testing.T) {
	dir := t.TempDir()
	content := `-- {"name":"Night Lock","description":"Close the door after 22:00","enabled":true}

door.on("status_report", {device_id="door1"}, function(ev)
    if system.time_between(22, 6) and ev.reported_state == "Open" then
        door.command("close")
    end
end)
`
	path := filepath.Join(dir, "night_lock.lua")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	m := &Manager{dir: dir, logger: testLogger()}
	s, err := m.parseFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if s.ID != "night_lock" {
		t.Errorf("id = %q, want night_lock", s.ID)
	}
	if s.Meta.Name != "Night Lock" || !s.Meta.Enabled {
		t.Errorf("meta = %+v", s.Meta)
	}
	if s.Meta.Description != "Close the door after 22:00" {
		t.Errorf("description = %q", s.Meta.Description)
	}
	if !strings.HasPrefix(s.LuaCode, `door.on("status_report"`) {
		t.Errorf("lua_code = %q", s.LuaCode)
	}
}

func TestParseScriptWithoutHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plain.lua")
	if err := os.WriteFile(path, []byte(`door.log("x")`), 0o644); err != nil {
		t.Fatal(err)
	}
	m := &Manager{dir: dir, logger: testLogger()}
	s, err := m.parseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.Meta.Enabled || s.LuaCode != `door.log("x")` {
		t.Errorf("script = %+v", s)
	}
}

func TestSerializeScript(t *testing.T) {
	s := &Script{
		ID:      "test",
		Meta:    ScriptMeta{Name: "Test", Description: "desc", Enabled: true},
		LuaCode: `door.log("hi")`,
	}

	content := serializeScript(s)
	want := `-- {"name":"Test","description":"desc","enabled":true}` + "\n\n" + `door.log("hi")` + "\n"
	if content != want {
		t.Errorf("content = %q, want %q", content, want)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Front Door Alarm", "front_door_alarm"},
		{"close at 22:00!", "close_at_22_00"},
		{"", ""},
		{"  auto-lock  ", "auto_lock"},
		{"RFID", "rfid"},
	}
	for _, tt := range tests {
		got := slugify(tt.input)
		if got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
