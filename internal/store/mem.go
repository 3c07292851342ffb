package store

import (
	"encoding/json"
	"sync"
)

// MemStore is an in-memory Store for tests and ephemeral runs.
type MemStore struct {
	mu     sync.Mutex
	values map[string]json.RawMessage
	// FailWrites makes every mutation fail with this error when set.
	FailWrites error
}

func NewMem() *MemStore {
	return &MemStore{values: map[string]json.RawMessage{}}
}

func (m *MemStore) GetString(key string) (string, error) {
	var v string
	if _, err := m.GetJSON(key, &v); err != nil {
		return "", err
	}
	return v, nil
}

func (m *MemStore) SetString(key, value string) error { return m.SetJSON(key, value) }

func (m *MemStore) GetJSON(key string, v any) (bool, error) {
	m.mu.Lock()
	raw, ok := m.values[key]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

func (m *MemStore) SetJSON(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.values[key] = raw
	return nil
}

func (m *MemStore) Delete(keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

// Has reports whether key is set.
func (m *MemStore) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.values[key]
	return ok
}
