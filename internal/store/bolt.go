package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketSettings = []byte("settings")
	bucketPinned   = []byte("pinned")
	keySettings    = []byte("current")
	keyPinned      = []byte("list")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// BoltOption tunes how the database file is opened.
type BoltOption func(*bolt.Options)

// WithOpenTimeout bounds the wait for the file lock held by another process.
func WithOpenTimeout(d time.Duration) BoltOption {
	return func(o *bolt.Options) {
		o.Timeout = d
	}
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string, opts ...BoltOption) (*BoltStore, error) {
	options := &bolt.Options{Timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(options)
	}
	db, err := bolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSettings, bucketPinned} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func bucket(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("bucket %q not found", name)
	}
	return b, nil
}

// readSettings overlays the stored record onto defaults.
func readSettings(tx *bolt.Tx, defaults Settings) (*Settings, error) {
	b, err := bucket(tx, bucketSettings)
	if err != nil {
		return nil, err
	}
	st := toStorage(&defaults)
	data := b.Get(keySettings)
	if data == nil {
		return fromStorage(st), fmt.Errorf("settings: %w", ErrNotFound)
	}
	// Deserialize via internal storage struct to recover the password.
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return fromStorage(st), nil
}

func writeSettings(tx *bolt.Tx, s *Settings) error {
	b, err := bucket(tx, bucketSettings)
	if err != nil {
		return err
	}
	data, err := json.Marshal(toStorage(s))
	if err != nil {
		return err
	}
	return b.Put(keySettings, data)
}

func (s *BoltStore) LoadSettings(defaults Settings) (*Settings, error) {
	var out *Settings
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = readSettings(tx, defaults)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) SaveSettings(settings *Settings) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return writeSettings(tx, settings)
	})
}

func (s *BoltStore) UpdateSettings(defaults Settings, fn func(s *Settings) error) (*Settings, error) {
	var out *Settings
	err := s.db.Update(func(tx *bolt.Tx) error {
		cur, err := readSettings(tx, defaults)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := fn(cur); err != nil {
			return err
		}
		out = cur
		return writeSettings(tx, cur)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func readPinned(tx *bolt.Tx) ([]string, error) {
	b, err := bucket(tx, bucketPinned)
	if err != nil {
		return nil, err
	}
	list := []string{}
	data := b.Get(keyPinned)
	if data == nil {
		return list, nil
	}
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode pinned: %w", err)
	}
	return list, nil
}

func writePinned(tx *bolt.Tx, list []string) error {
	b, err := bucket(tx, bucketPinned)
	if err != nil {
		return err
	}
	if list == nil {
		list = []string{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return b.Put(keyPinned, data)
}

// updatePinned runs fn on the pin list inside one write transaction.
func (s *BoltStore) updatePinned(fn func(list []string) []string) ([]string, error) {
	var out []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		list, err := readPinned(tx)
		if err != nil {
			return err
		}
		out = fn(list)
		return writePinned(tx, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) Pinned() ([]string, error) {
	var list []string
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		list, err = readPinned(tx)
		return err
	})
	return list, err
}

func (s *BoltStore) SavePinned(macs []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return writePinned(tx, macs)
	})
}

// TogglePin unpins mac when it is pinned and appends it otherwise.
func (s *BoltStore) TogglePin(mac string) ([]string, error) {
	return s.updatePinned(func(list []string) []string {
		return TogglePinned(list, mac)
	})
}

// MovePin moves dragged to the position of target. Nothing changes unless
// both are pinned.
func (s *BoltStore) MovePin(dragged, target string) ([]string, error) {
	return s.updatePinned(func(list []string) []string {
		return MovePinned(list, dragged, target)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// TogglePinned returns list with mac removed if present, appended otherwise.
func TogglePinned(list []string, mac string) []string {
	if slices.Contains(list, mac) {
		return slices.DeleteFunc(slices.Clone(list), func(m string) bool { return m == mac })
	}
	return append(slices.Clone(list), mac)
}

// MovePinned removes dragged and reinserts it at target's former index.
func MovePinned(list []string, dragged, target string) []string {
	from := slices.Index(list, dragged)
	to := slices.Index(list, target)
	if from < 0 || to < 0 || from == to {
		return list
	}
	out := slices.Delete(slices.Clone(list), from, from+1)
	return slices.Insert(out, to, dragged)
}
