// Package kvstore implements a typed accessor over a small, fixed set of
// keys, each backed by its own file on disk. Every Set call replaces its
// key's file wholesale (write-temp-then-rename); an unparseable or
// half-written file is treated by readers as simply absent.
package kvstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fluxmetric/sdkcore/internal/obslog"
)

// Key is one of the closed set of keys the core reads and writes.
type Key string

// The fixed key set the core persists.
const (
	KeyDistinctID           Key = "distinctId"
	KeyAnonymousID          Key = "anonymousId"
	KeyQueueFolder          Key = "queueFolder"
	KeyEnabledFlags         Key = "enabledFeatureFlags"
	KeyEnabledFlagPayloads  Key = "enabledFeatureFlagPayloads"
	KeyGroups               Key = "groups"
	KeySessionID            Key = "sessionId"
	KeySessionLastTimestamp Key = "sessionLastTimestamp"
	KeyRegisteredProperties Key = "registeredProperties"
	KeyOptOut               Key = "optOut"
)

const filePrefix = "sdkcore."

// Store is a file-per-key map of the fixed Key set. One Store instance
// must own its root directory exclusively.
type Store struct {
	dir    string
	logger *obslog.Logger
	mu     sync.RWMutex
}

// Option configures a Store at construction.
type Option func(*Store)

// WithLogger overrides the default global logger.
func WithLogger(l *obslog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New constructs a Store rooted at dir, creating the directory if needed.
func New(dir string, opts ...Option) (*Store, error) {
	s := &Store{dir: dir, logger: obslog.Global()}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("kvstore: create directory: %w", err)
	}
	return s, nil
}

func (s *Store) path(key Key) string {
	return filepath.Join(s.dir, filePrefix+string(key))
}

func (s *Store) readRaw(key Key) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, false
	}
	return data, true
}

func (s *Store) writeRaw(key Key, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("kvstore: write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("kvstore: rename %s: %w", key, err)
	}
	markExcludedFromBackup(path)
	return nil
}

// getScalar decodes a stored value either as a bare JSON scalar or, for
// legacy compatibility, as a one-entry object keyed by the key's own name.
func getScalar[T any](s *Store, key Key) (T, bool) {
	var zero T
	data, ok := s.readRaw(key)
	if !ok {
		return zero, false
	}

	var v T
	if err := json.Unmarshal(data, &v); err == nil {
		return v, true
	}

	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(data, &wrapped); err == nil {
		if raw, exists := wrapped[string(key)]; exists {
			if err := json.Unmarshal(raw, &v); err == nil {
				s.logger.KVDecodeFallback(string(key))
				return v, true
			}
		}
	}
	return zero, false
}

func setScalar[T any](s *Store, key Key, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kvstore: marshal %s: %w", key, err)
	}
	return s.writeRaw(key, data)
}

// GetString returns the stored string value, or ok=false if absent or unparseable.
func (s *Store) GetString(key Key) (string, bool) { return getScalar[string](s, key) }

// SetString stores a string value.
func (s *Store) SetString(key Key, value string) error { return setScalar(s, key, value) }

// GetNumber returns the stored numeric value.
func (s *Store) GetNumber(key Key) (float64, bool) { return getScalar[float64](s, key) }

// SetNumber stores a numeric value.
func (s *Store) SetNumber(key Key, value float64) error { return setScalar(s, key, value) }

// GetBool returns the stored boolean value.
func (s *Store) GetBool(key Key) (bool, bool) { return getScalar[bool](s, key) }

// SetBool stores a boolean value.
func (s *Store) SetBool(key Key, value bool) error { return setScalar(s, key, value) }

// GetDict returns the stored object value. Dicts are never wrapped.
func (s *Store) GetDict(key Key) (map[string]any, bool) {
	data, ok := s.readRaw(key)
	if !ok {
		return nil, false
	}
	var v map[string]any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false
	}
	return v, true
}

// SetDict stores an object value.
func (s *Store) SetDict(key Key, value map[string]any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kvstore: marshal %s: %w", key, err)
	}
	return s.writeRaw(key, data)
}

// GetArray returns the stored array value. Arrays are never wrapped.
func (s *Store) GetArray(key Key) ([]any, bool) {
	data, ok := s.readRaw(key)
	if !ok {
		return nil, false
	}
	var v []any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false
	}
	return v, true
}

// SetArray stores an array value.
func (s *Store) SetArray(key Key, value []any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kvstore: marshal %s: %w", key, err)
	}
	return s.writeRaw(key, data)
}

// Remove deletes the file backing key, if any.
func (s *Store) Remove(key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("kvstore: remove %s: %w", key, err)
	}
	return nil
}

// Reset wipes all keys and recreates the root directory empty.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("kvstore: reset: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("kvstore: recreate directory: %w", err)
	}
	return nil
}
