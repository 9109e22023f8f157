package authserver

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
)

// MemoryRefreshTokenStore is an in-memory store intended for tests and local development.
type MemoryRefreshTokenStore struct {
	mutex  sync.Mutex
	clock  clockwork.Clock
	byID   map[string]*memoryRecord
	byHash map[string]string
}

type memoryRecord struct {
	TokenID         string
	UserID          string
	Hash            string
	ExpiresUnix     int64
	RevokedAtUnix   int64
	PreviousTokenID string
	IssuedAtUnix    int64
}

// NewMemoryRefreshTokenStore creates a new in-memory token store. A nil clock uses wall time.
func NewMemoryRefreshTokenStore(clock clockwork.Clock) *MemoryRefreshTokenStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryRefreshTokenStore{
		clock:  clock,
		byID:   make(map[string]*memoryRecord),
		byHash: make(map[string]string),
	}
}

// Issue creates a new token, optionally linked to a previous token.
func (store *MemoryRefreshTokenStore) Issue(ctx context.Context, applicationUserID string, expiresUnix int64, previousTokenID string) (string, string, error) {
	opaque, hashValue, err := generateRefreshOpaque()
	if err != nil {
		return "", "", fmt.Errorf("refresh_store.issue.memory: %w", err)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	tokenID := newRefreshTokenID()
	store.byID[tokenID] = &memoryRecord{
		TokenID:         tokenID,
		UserID:          applicationUserID,
		Hash:            hashValue,
		ExpiresUnix:     expiresUnix,
		PreviousTokenID: previousTokenID,
		IssuedAtUnix:    store.clock.Now().UTC().Unix(),
	}
	store.byHash[hashValue] = tokenID
	return tokenID, opaque, nil
}

// Validate checks the opaque token and returns user, token id, and expiry.
func (store *MemoryRefreshTokenStore) Validate(ctx context.Context, tokenOpaque string) (string, string, int64, error) {
	if strings.TrimSpace(tokenOpaque) == "" {
		return "", "", 0, fmt.Errorf("refresh_store.validate.memory: %w", ErrRefreshTokenEmptyOpaque)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	tokenID, ok := store.byHash[hashOpaque(tokenOpaque)]
	if !ok {
		return "", "", 0, fmt.Errorf("refresh_store.validate.memory: %w", ErrRefreshTokenNotFound)
	}
	record := store.byID[tokenID]
	if record == nil {
		return "", "", 0, fmt.Errorf("refresh_store.validate.memory: %w", ErrRefreshTokenNotFound)
	}
	if record.RevokedAtUnix != 0 {
		return "", "", 0, fmt.Errorf("refresh_store.validate.memory: %w", ErrRefreshTokenRevoked)
	}
	if record.ExpiresUnix < store.clock.Now().UTC().Unix() {
		return "", "", 0, fmt.Errorf("refresh_store.validate.memory: %w", ErrRefreshTokenExpired)
	}
	return record.UserID, record.TokenID, record.ExpiresUnix, nil
}

// Revoke marks a token as revoked.
func (store *MemoryRefreshTokenStore) Revoke(ctx context.Context, tokenID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record := store.byID[tokenID]
	if record == nil {
		return fmt.Errorf("refresh_store.revoke.memory: %w", ErrRefreshTokenNotFound)
	}
	if record.RevokedAtUnix != 0 {
		return fmt.Errorf("refresh_store.revoke.memory: %w", ErrRefreshTokenAlreadyRevoked)
	}
	record.RevokedAtUnix = store.clock.Now().UTC().Unix()
	return nil
}
