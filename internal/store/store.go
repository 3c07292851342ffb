// Package store persists the agent's small key-value state.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Persisted keys.
const (
	KeyUID              = "uid"
	KeyFingerprint      = "fingerprint"
	KeyFingerprintCount = "fingerprintCount"
	KeyPrevUID          = "prevUid"
	KeyAuthToken        = "authToken"
	KeyUserInfo         = "userInfo"
	KeyDeviceInfo       = "deviceInfo"
	KeyAPIBaseURL       = "apiBaseUrl"
	KeyRandomDeviceID   = "randomDeviceId"
)

// Store is an opaque key-value store. Missing keys are not errors.
type Store interface {
	GetString(key string) (string, error)
	SetString(key, value string) error
	// GetJSON decodes the value under key into v and reports whether it existed.
	GetJSON(key string, v any) (bool, error)
	SetJSON(key string, v any) error
	Delete(keys ...string) error
}

const stateFile = "state.json"

// FileStore keeps every key in one JSON document under dir. The document is
// read on first access and rewritten atomically on every mutation. Values of
// sealed keys are encrypted at rest.
type FileStore struct {
	dir    string
	sealed map[string]bool

	mu     sync.Mutex
	loaded bool
	values map[string]json.RawMessage
	sealer *sealer
}

// Open returns a FileStore rooted at dir. Nothing touches the disk until the
// first read or write.
func Open(dir string, sealedKeys ...string) *FileStore {
	if len(sealedKeys) == 0 {
		sealedKeys = []string{KeyAuthToken}
	}
	s := &FileStore{dir: dir, sealed: make(map[string]bool, len(sealedKeys))}
	for _, k := range sealedKeys {
		s.sealed[k] = true
	}
	return s
}

// Dir returns the directory holding the store files.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path() string { return filepath.Join(s.dir, stateFile) }

func (s *FileStore) load() error {
	if s.loaded {
		return nil
	}
	values := map[string]json.RawMessage{}
	data, err := os.ReadFile(s.path())
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("read state: %w", err)
	default:
		if err := json.Unmarshal(data, &values); err != nil {
			// Keep the broken file for inspection and start over.
			_ = os.Rename(s.path(), s.path()+".corrupt")
			values = map[string]json.RawMessage{}
		}
	}
	s.values = values
	s.loaded = true
	return nil
}

func (s *FileStore) flush() error {
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path(), data, 0o600)
}

func (s *FileStore) GetString(key string) (string, error) {
	var v string
	if _, err := s.GetJSON(key, &v); err != nil {
		return "", err
	}
	return v, nil
}

func (s *FileStore) SetString(key, value string) error {
	return s.SetJSON(key, value)
}

func (s *FileStore) GetJSON(key string, v any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return false, err
	}
	raw, ok := s.values[key]
	if !ok {
		return false, nil
	}
	if s.sealed[key] {
		plain, err := s.open(raw)
		if err != nil {
			// A value we cannot open is as good as absent.
			return false, nil
		}
		raw = plain
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *FileStore) SetJSON(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	if s.sealed[key] {
		if raw, err = s.seal(raw); err != nil {
			return fmt.Errorf("seal %s: %w", key, err)
		}
	}
	prev, had := s.values[key]
	s.values[key] = raw
	if err := s.flush(); err != nil {
		if had {
			s.values[key] = prev
		} else {
			delete(s.values, key)
		}
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) Delete(keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	removed := map[string]json.RawMessage{}
	for _, k := range keys {
		if v, ok := s.values[k]; ok {
			removed[k] = v
			delete(s.values, k)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	if err := s.flush(); err != nil {
		for k, v := range removed {
			s.values[k] = v
		}
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

func (s *FileStore) seal(plain []byte) (json.RawMessage, error) {
	if s.sealer == nil {
		sl, err := loadSealer(s.dir)
		if err != nil {
			return nil, err
		}
		s.sealer = sl
	}
	blob, err := s.sealer.seal(plain)
	if err != nil {
		return nil, err
	}
	return json.Marshal(blob)
}

func (s *FileStore) open(raw json.RawMessage) ([]byte, error) {
	var blob string
	if err := json.Unmarshal(raw, &blob); err != nil {
		return nil, err
	}
	if s.sealer == nil {
		sl, err := loadSealer(s.dir)
		if err != nil {
			return nil, err
		}
		s.sealer = sl
	}
	return s.sealer.open(blob)
}

// writeFileAtomic replaces path with data so readers see either the old or
// the new content, never a partial write.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	cleanup := func() { _ = os.Remove(name) }
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(name, perm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(name, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
