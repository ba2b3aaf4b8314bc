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
	m, err := NewManager(filepath.Join(t.TempDir(), "scripts"))
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

	saved, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "Laptop VPN", Description: "VPN when laptop joins", Enabled: true},
		LuaCode: `router.log("hello")`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "laptop_vpn" {
		t.Errorf("id = %q, want laptop_vpn", saved.ID)
	}
	if saved.FilePath != filepath.Join(m.Dir(), "laptop_vpn.lua") {
		t.Errorf("file path = %q", saved.FilePath)
	}

	got, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta != saved.Meta {
		t.Errorf("meta = %+v, want %+v", got.Meta, saved.Meta)
	}
	if got.LuaCode != "router.log(\"hello\")\n" {
		t.Errorf("lua_code = %q", got.LuaCode)
	}
}

func TestManagerSaveExistingID(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{ID: "my_script", Meta: ScriptMeta{Name: "Other name"}, LuaCode: `router.log("v1")`})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "my_script" {
		t.Errorf("id = %q, want my_script", saved.ID)
	}

	saved.LuaCode = `router.log("v2")`
	if _, err := m.Save(saved); err != nil {
		t.Fatal(err)
	}
	got, err := m.Get("my_script")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got.LuaCode, `router.log("v2")`) {
		t.Errorf("lua_code after update = %q", got.LuaCode)
	}
}

func TestManagerListSorted(t *testing.T) {
	m := newTestManager(t)
	for _, name := range []string{"Gamma", "Alpha", "Beta"} {
		if _, err := m.Save(&Script{Meta: ScriptMeta{Name: name}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(m.Dir(), "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, s := range scripts {
		ids = append(ids, s.ID)
	}
	if strings.Join(ids, ",") != "alpha,beta,gamma" {
		t.Errorf("ids = %v, want [alpha beta gamma]", ids)
	}
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{Meta: ScriptMeta{Name: "ToDelete"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(saved.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(saved.ID); err == nil {
		t.Error("expected error after delete, got nil")
	}
}

func TestManagerGetNotFound(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Get("nonexistent"); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestManagerRejectsInvalidID(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []string{"..", "../etc/passwd", `a\b`, "a/b"} {
		if _, err := m.Get(id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("Get(%q) err = %v, want ErrInvalidID", id, err)
		}
		if err := m.Delete(id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("Delete(%q) err = %v, want ErrInvalidID", id, err)
		}
		if _, err := m.Save(&Script{ID: id}); !errors.Is(err, ErrInvalidID) {
			t.Errorf("Save(%q) err = %v, want ErrInvalidID", id, err)
		}
	}
}

func TestManagerUniqueID(t *testing.T) {
	m := newTestManager(t)

	var ids []string
	for i := 0; i < 3; i++ {
		s, err := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, s.ID)
	}
	if strings.Join(ids, ",") != "dup,dup_1,dup_2" {
		t.Errorf("ids = %v", ids)
	}

	s, err := m.Save(&Script{Meta: ScriptMeta{Name: "!!!"}})
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != "script" {
		t.Errorf("id for unsluggable name = %q, want script", s.ID)
	}
}

func TestParseScript(t *testing.T) {
	content := `-- {"name":"Guest VPN","description":"VPN for the guest phone","enabled":true}

router.on("device_online", {mac="AA:BB:CC:DD:EE:FF"}, function(event)
    router.enable_vpn(event.mac)
end)
`
	s := parseScript(content)
	if s.Meta.Name != "Guest VPN" || s.Meta.Description != "VPN for the guest phone" || !s.Meta.Enabled {
		t.Errorf("meta = %+v", s.Meta)
	}
	if !strings.HasPrefix(s.LuaCode, `router.on("device_online"`) {
		t.Errorf("lua_code = %q", s.LuaCode)
	}
}

func TestParseScriptWithoutHeader(t *testing.T) {
	s := parseScript("router.log(\"x\")\n")
	if s.Meta.Enabled || s.Meta.Name != "" {
		t.Errorf("meta = %+v, want zero", s.Meta)
	}
	if s.LuaCode != "router.log(\"x\")\n" {
		t.Errorf("lua_code = %q", s.LuaCode)
	}
}

func TestRenderScriptRoundTrip(t *testing.T) {
	s := &Script{Meta: ScriptMeta{Name: "Test", Description: "desc", Enabled: true}, LuaCode: `router.log("hi")`}

	content := renderScript(s)
	if !strings.HasPrefix(content, `-- {"name":"Test"`) {
		t.Errorf("content = %q, want metadata header", content)
	}
	got := parseScript(content)
	if got.Meta != s.Meta {
		t.Errorf("meta = %+v, want %+v", got.Meta, s.Meta)
	}
	if strings.TrimSpace(got.LuaCode) != s.LuaCode {
		t.Errorf("lua_code = %q", got.LuaCode)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Laptop VPN", "laptop_vpn"},
		{"hello world!", "hello_world"},
		{"", ""},
		{"  spaces  ", "spaces"},
		{"UPPER", "upper"},
		{strings.Repeat("ab ", 20), "ab_ab_ab_ab_ab_ab_ab_ab_ab_ab_ab_ab_ab_a"},
	}
	for _, tt := range tests {
		if got := slugify(tt.input); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
