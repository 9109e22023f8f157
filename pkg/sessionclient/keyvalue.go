package sessionclient

import (
	"context"
	"sync"
)

// KeyValueStore persists session material. SetMany and DeleteMany apply all keys together.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	SetMany(ctx context.Context, values map[string]string) error
	DeleteMany(ctx context.Context, keys []string) error
}

// MemoryKeyValueStore is an in-memory store intended for tests and dev.
type MemoryKeyValueStore struct {
	mutex  sync.Mutex
	values map[string]string
}

// NewMemoryKeyValueStore creates an empty in-memory store.
func NewMemoryKeyValueStore() *MemoryKeyValueStore {
	return &MemoryKeyValueStore{values: make(map[string]string)}
}

// Get returns the value stored under key.
func (store *MemoryKeyValueStore) Get(ctx context.Context, key string) (string, bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	value, found := store.values[key]
	return value, found, nil
}

// SetMany writes every entry under one lock.
func (store *MemoryKeyValueStore) SetMany(ctx context.Context, values map[string]string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for key, value := range values {
		store.values[key] = value
	}
	return nil
}

// DeleteMany removes every listed key; missing keys are ignored.
func (store *MemoryKeyValueStore) DeleteMany(ctx context.Context, keys []string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, key := range keys {
		delete(store.values, key)
	}
	return nil
}

// Len reports how many keys are stored.
func (store *MemoryKeyValueStore) Len() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.values)
}
