package store

import (
	"slices"
	"sync"
)

// MemoryStore implements Store without persistence. One-shot commands use it
// when the database is held by a running server.
type MemoryStore struct {
	mu       sync.Mutex
	settings *Settings
	pinned   []string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pinned: []string{}}
}

func (m *MemoryStore) LoadSettings(defaults Settings) (*Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings == nil {
		return &defaults, nil
	}
	out := *m.settings
	return &out, nil
}

func (m *MemoryStore) SaveSettings(s *Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.settings = &cp
	return nil
}

func (m *MemoryStore) UpdateSettings(defaults Settings, fn func(s *Settings) error) (*Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := defaults
	if m.settings != nil {
		cur = *m.settings
	}
	if err := fn(&cur); err != nil {
		return nil, err
	}
	m.settings = &cur
	out := cur
	return &out, nil
}

func (m *MemoryStore) Pinned() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.pinned), nil
}

func (m *MemoryStore) SavePinned(macs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinned = append([]string{}, macs...)
	return nil
}

func (m *MemoryStore) TogglePin(mac string) ([]string, error) {
	return m.update(func(list []string) []string { return TogglePinned(list, mac) })
}

func (m *MemoryStore) MovePin(dragged, target string) ([]string, error) {
	return m.update(func(list []string) []string { return MovePinned(list, dragged, target) })
}

func (m *MemoryStore) update(fn func([]string) []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinned = fn(m.pinned)
	return slices.Clone(m.pinned), nil
}

func (m *MemoryStore) Close() error { return nil }
