package console

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var (
	// ErrNonceNotFound indicates the supplied nonce was not issued or already consumed.
	ErrNonceNotFound = errors.New("console.nonce.not_found")
	// ErrNonceExpired indicates the nonce expired before consumption.
	ErrNonceExpired = errors.New("console.nonce.expired")
)

// NonceStore issues one-time tokens that bind a login form submission to this host.
type NonceStore interface {
	// Issue creates a new nonce with the configured TTL.
	Issue(ctx context.Context) (string, error)
	// Consume validates and invalidates an issued nonce.
	Consume(ctx context.Context, token string) error
}

type memoryNonceStore struct {
	mutex     sync.Mutex
	entries   map[string]time.Time
	ttl       time.Duration
	clock     clockwork.Clock
	tokenSize int
}

// NewMemoryNonceStore constructs an in-memory NonceStore with the provided TTL.
func NewMemoryNonceStore(ttl time.Duration, clock clockwork.Clock) NonceStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &memoryNonceStore{
		entries:   make(map[string]time.Time),
		ttl:       ttl,
		clock:     clock,
		tokenSize: 32,
	}
}

func (store *memoryNonceStore) Issue(ctx context.Context) (string, error) {
	buffer := make([]byte, store.tokenSize)
	if _, err := rand.Read(buffer); err != nil {
		return "", fmt.Errorf("console.nonce.random: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buffer)
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.entries[token] = store.clock.Now().Add(store.ttl)
	return token, nil
}

func (store *memoryNonceStore) Consume(ctx context.Context, token string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	defer store.purgeExpiredLocked()
	expiry, ok := store.entries[token]
	if !ok {
		return ErrNonceNotFound
	}
	delete(store.entries, token)
	if store.clock.Now().After(expiry) {
		return ErrNonceExpired
	}
	return nil
}

func (store *memoryNonceStore) purgeExpiredLocked() {
	now := store.clock.Now()
	for token, expiry := range store.entries {
		if now.After(expiry) {
			delete(store.entries, token)
		}
	}
}
