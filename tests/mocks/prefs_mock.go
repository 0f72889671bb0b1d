package mocks

import (
	"strconv"
	"strings"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/someone5678/system-update-engine-twrp/pkg/prefs"
)

// MockPrefsStore is a mock implementation of the prefs.Store interface
type MockPrefsStore struct {
	mock.Mock
}

func (m *MockPrefsStore) GetInt64(key string) (int64, error) {
	args := m.Called(key)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockPrefsStore) SetInt64(key string, value int64) error {
	args := m.Called(key, value)
	return args.Error(0)
}

func (m *MockPrefsStore) GetString(key string) (string, error) {
	args := m.Called(key)
	return args.String(0), args.Error(1)
}

func (m *MockPrefsStore) SetString(key string, value string) error {
	args := m.Called(key, value)
	return args.Error(0)
}

func (m *MockPrefsStore) Exists(key string) (bool, error) {
	args := m.Called(key)
	return args.Bool(0), args.Error(1)
}

func (m *MockPrefsStore) Delete(key string) error {
	args := m.Called(key)
	return args.Error(0)
}

// MemoryPrefsStore is a deterministic in-memory prefs.Store double. It
// behaves like a store that never fails, which is what most payload state
// tests want; a simulated restart is just a second manager reading the same
// MemoryPrefsStore.
type MemoryPrefsStore struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemoryPrefsStore returns an empty in-memory store.
func NewMemoryPrefsStore() *MemoryPrefsStore {
	return &MemoryPrefsStore{values: make(map[string]string)}
}

func (m *MemoryPrefsStore) GetString(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.values[key]
	if !ok {
		return "", prefs.ErrNotFound
	}
	return value, nil
}

func (m *MemoryPrefsStore) SetString(key string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryPrefsStore) GetInt64(key string) (int64, error) {
	value, err := m.GetString(key)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(value), 10, 64)
}

func (m *MemoryPrefsStore) SetInt64(key string, value int64) error {
	return m.SetString(key, strconv.FormatInt(value, 10))
}

func (m *MemoryPrefsStore) Exists(key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.values[key]
	return ok, nil
}

func (m *MemoryPrefsStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
