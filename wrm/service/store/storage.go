// Package store provides the key/value storage used for exchange history.
package store

import (
	"errors"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

var ErrClosed = errors.New("storage closed")

// Storage is a byte-oriented key/value store. Implementations are safe for
// concurrent use.
type Storage interface {
	// Get returns the value for key and whether it was found.
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Close() error
}

// MemStorage keeps values in memory.
type MemStorage struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemStorage creates an empty in-memory storage.
func NewMemStorage() *MemStorage {
	return &MemStorage{data: make(map[string][]byte)}
}

func (m *MemStorage) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	v, ok := m.data[key]
	return v, ok, nil
}

// Set stores a copy of value.
func (m *MemStorage) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemStorage) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data, key)
	return nil
}

// Len returns the number of stored keys.
func (m *MemStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Close releases the stored values. Later calls fail with ErrClosed.
func (m *MemStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = nil
	return nil
}

// Serialize encodes v with msgpack.
func Serialize(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Deserialize decodes msgpack data into v.
func Deserialize(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}
