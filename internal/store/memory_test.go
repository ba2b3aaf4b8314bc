package store

import (
	"errors"
	"slices"
	"testing"
)

func TestMemoryStoreSettings(t *testing.T) {
	m := NewMemoryStore()

	got, err := m.LoadSettings(DefaultSettings())
	if err != nil || *got != DefaultSettings() {
		t.Fatalf("LoadSettings = %+v, %v", got, err)
	}

	updated, err := m.UpdateSettings(DefaultSettings(), func(s *Settings) error {
		s.RouterPassword = "secret"
		return nil
	})
	if err != nil || updated.RouterPassword != "secret" {
		t.Fatalf("UpdateSettings = %+v, %v", updated, err)
	}
	// Callers can't alias the stored copy.
	updated.RouterIP = "10.0.0.1"
	if got, _ := m.LoadSettings(DefaultSettings()); got.RouterIP != DefaultRouterIP || got.RouterPassword != "secret" {
		t.Errorf("stored settings = %+v", got)
	}

	boom := errors.New("boom")
	if _, err := m.UpdateSettings(DefaultSettings(), func(*Settings) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestMemoryStorePinned(t *testing.T) {
	m := NewMemoryStore()

	if list, _ := m.Pinned(); list == nil || len(list) != 0 {
		t.Errorf("initial pinned = %#v, want empty", list)
	}
	m.TogglePin("a")
	m.TogglePin("b")
	list, _ := m.MovePin("b", "a")
	if !slices.Equal(list, []string{"b", "a"}) {
		t.Errorf("after move = %v", list)
	}
	list, _ = m.TogglePin("b")
	if !slices.Equal(list, []string{"a"}) {
		t.Errorf("after unpin = %v", list)
	}
	if err := m.SavePinned([]string{"c"}); err != nil {
		t.Fatal(err)
	}
	if list, _ := m.Pinned(); !slices.Equal(list, []string{"c"}) {
		t.Errorf("after save = %v", list)
	}
}

var _ Store = (*MemoryStore)(nil)
