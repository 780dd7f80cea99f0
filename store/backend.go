// Package store provides expiring, namespaced key-value tables that several
// processes can share through a common persistent backend.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store is closed")
)

// Backend is the persistent layer beneath a Store. Values are opaque bytes
// grouped by table. Delete of a missing key is not an error.
type Backend interface {
	Get(ctx context.Context, table, key string) ([]byte, error)
	Put(ctx context.Context, table, key string, value []byte) error
	Delete(ctx context.Context, table, key string) error
	Keys(ctx context.Context, table string) ([]string, error)
}

// MemBackend keeps everything in process memory. Two Stores opened on the same
// MemBackend behave like two processes sharing a database.
type MemBackend struct {
	mu     sync.RWMutex
	tables map[string]map[string][]byte
}

var _ Backend = (*MemBackend)(nil)

func NewMemBackend() *MemBackend {
	return &MemBackend{tables: map[string]map[string][]byte{}}
}

func (m *MemBackend) Get(_ context.Context, table, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.tables[table][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemBackend) Put(_ context.Context, table, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tables[table]
	if !ok {
		t = map[string][]byte{}
		m.tables[table] = t
	}
	t[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemBackend) Delete(_ context.Context, table, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tables[table], key)
	return nil
}

func (m *MemBackend) Keys(_ context.Context, table string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.tables[table]))
	for k := range m.tables[table] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
