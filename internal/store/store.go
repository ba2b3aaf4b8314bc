package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// LoadSettings returns the stored settings laid over defaults. Fields
	// missing from the stored record keep their default value.
	LoadSettings(defaults Settings) (*Settings, error)
	SaveSettings(s *Settings) error

	// UpdateSettings atomically loads, modifies, and saves the settings in a
	// single transaction.
	UpdateSettings(defaults Settings, fn func(s *Settings) error) (*Settings, error)

	// Pin list
	Pinned() ([]string, error)
	SavePinned(macs []string) error
	TogglePin(mac string) ([]string, error)
	MovePin(dragged, target string) ([]string, error)

	// Close the store
	Close() error
}
