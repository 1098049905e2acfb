// Package store implements the device-local key-value cache backing the
// companion agent: the contact list, the pending-sync flag, the pending
// operation queue and the cached device identity all live here as
// string-valued rows.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

const flagTrue = "true"

// Well-known keys for the persisted local state.
const (
	KeyContacts    = "contacts"
	KeyPendingSync = "pending_sync"
	KeyPendingOps  = "pending_ops"
	KeyDeviceID    = "device_id"
	KeyProfile     = "profile"
)

var errMissingDatabase = errors.New("store: database handle is required")

type kvEntry struct {
	Key              string `gorm:"column:key;primaryKey;size:190;not null"`
	Value            string `gorm:"column:value;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

func (kvEntry) TableName() string {
	return "kv_entries"
}

// Store is a durable string key-value cache with synchronous reads.
// All writes are single-row overwrites; the last write wins.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// Config describes the dependencies required to build a Store.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// New constructs a Store over an already-open database handle.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, clock: clock}, nil
}

// Get returns the value stored under key. Absence is reported via the
// boolean, not as an error.
func (s *Store) Get(key string) (string, bool, error) {
	var entry kvEntry
	err := s.db.Where("key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get %q: %w", key, err)
	}
	return entry.Value, true, nil
}

// Put overwrites the value stored under key.
func (s *Store) Put(key, value string) error {
	entry := kvEntry{
		Key:              key,
		Value:            value,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.Save(&entry).Error; err != nil {
		return fmt.Errorf("store: put %q: %w", key, err)
	}
	return nil
}

// Delete removes the value stored under key. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) error {
	if err := s.db.Where("key = ?", key).Delete(&kvEntry{}).Error; err != nil {
		return fmt.Errorf("store: delete %q: %w", key, err)
	}
	return nil
}

// Clear wipes every persisted key. Used when the owning profile is
// deregistered.
func (s *Store) Clear() error {
	if err := s.db.Where("1 = 1").Delete(&kvEntry{}).Error; err != nil {
		return fmt.Errorf("store: clear: %w", err)
	}
	return nil
}

// GetJSON decodes the JSON value stored under key into out. Absence is
// reported via the boolean with out left untouched.
func (s *Store) GetJSON(key string, out any) (bool, error) {
	raw, found, err := s.Get(key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("store: decode %q: %w", key, err)
	}
	return true, nil
}

// PutJSON encodes value as JSON and stores it under key.
func (s *Store) PutJSON(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode %q: %w", key, err)
	}
	return s.Put(key, string(raw))
}

// Flag reads a boolean flag; an absent row reads as false.
func (s *Store) Flag(key string) (bool, error) {
	raw, found, err := s.Get(key)
	if err != nil {
		return false, err
	}
	return found && raw == flagTrue, nil
}

// SetFlag raises or clears a boolean flag. Clearing removes the row so the
// flag reads as absent.
func (s *Store) SetFlag(key string, on bool) error {
	if !on {
		return s.Delete(key)
	}
	return s.Put(key, flagTrue)
}
