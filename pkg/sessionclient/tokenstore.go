package sessionclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	keyAccessToken  = "access_token"
	keyRefreshToken = "refresh_token"
	keyTokenType    = "token_type"
	keyTokenExpiry  = "token_expiry"
	keyUser         = "user"
	keyLoginTime    = "login_time"
	keyPermissions  = "permissions"
	keyRoles        = "roles"

	defaultTokenType = "Bearer"

	// minimumExpiryAdvance keeps ExpiresAt strictly increasing when a renewal lands on the same instant.
	minimumExpiryAdvance = time.Millisecond
)

var sessionKeys = []string{
	keyAccessToken,
	keyRefreshToken,
	keyTokenType,
	keyTokenExpiry,
	keyUser,
	keyLoginTime,
	keyPermissions,
	keyRoles,
}

var errMissingExpiry = errors.New("session.client.store.missing_expiry")

// SessionGeneration identifies the session a renewal or role lookup started against.
type SessionGeneration struct {
	// RefreshToken is the token the renewal presents; empty when none is stored.
	RefreshToken string
	epoch        uint64
}

// TokenStore is the single source of truth for whether a usable access token exists.
//
// Save and Clear start a new generation. Writes that were computed against an earlier generation
// are refused with ErrSessionSuperseded.
type TokenStore struct {
	values KeyValueStore
	clock  clockwork.Clock
	logger *zap.Logger

	writeMutex sync.Mutex
	epoch      uint64
}

// NewTokenStore wraps a key/value backend.
func NewTokenStore(values KeyValueStore, clock clockwork.Clock, logger *zap.Logger) *TokenStore {
	if values == nil {
		values = NewMemoryKeyValueStore()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenStore{values: values, clock: clock, logger: logger}
}

// Save writes a freshly issued session and its user in one SetMany call.
func (store *TokenStore) Save(ctx context.Context, grant TokenGrant, user User) (Session, error) {
	store.writeMutex.Lock()
	defer store.writeMutex.Unlock()
	store.epoch++

	now := store.clock.Now().UTC()
	expiresAt := grant.expiry(now)
	if expiresAt.IsZero() {
		return Session{}, fmt.Errorf("session.client.store.save: %w", errMissingExpiry)
	}
	encodedUser, encodeErr := json.Marshal(user)
	if encodeErr != nil {
		return Session{}, fmt.Errorf("session.client.store.save: %w", encodeErr)
	}
	session := Session{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		TokenType:    normalizeTokenType(grant.TokenType),
		ExpiresAt:    expiresAt,
	}
	values := map[string]string{
		keyAccessToken:  session.AccessToken,
		keyRefreshToken: session.RefreshToken,
		keyTokenType:    session.TokenType,
		keyTokenExpiry:  formatInstant(expiresAt),
		keyUser:         string(encodedUser),
		keyLoginTime:    formatInstant(now),
	}
	if len(user.Roles) > 0 || len(user.Permissions) > 0 {
		if addErr := addRoleGrant(values, RoleGrant{Roles: user.Roles, Permissions: user.Permissions}); addErr != nil {
			return Session{}, fmt.Errorf("session.client.store.save: %w", addErr)
		}
	}
	if err := store.values.SetMany(ctx, values); err != nil {
		return Session{}, fmt.Errorf("session.client.store.save: %w", err)
	}
	return session, nil
}

// Generation captures the current session generation and its refresh token.
func (store *TokenStore) Generation(ctx context.Context) SessionGeneration {
	store.writeMutex.Lock()
	defer store.writeMutex.Unlock()
	refreshToken, _ := store.RefreshToken(ctx)
	return SessionGeneration{RefreshToken: refreshToken, epoch: store.epoch}
}

// Current reports whether generation is still the live session.
func (store *TokenStore) Current(generation SessionGeneration) bool {
	store.writeMutex.Lock()
	defer store.writeMutex.Unlock()
	return store.epoch == generation.epoch
}

// ApplyRenewal records a refreshed token for the session identified by generation. It fails with
// ErrSessionSuperseded when that session was cleared or replaced, or its refresh token changed,
// while the exchange was in flight. A rotated refresh token replaces the stored one; an empty one
// keeps it. The stored expiry always moves forward.
func (store *TokenStore) ApplyRenewal(ctx context.Context, generation SessionGeneration, grant TokenGrant) (Session, error) {
	store.writeMutex.Lock()
	defer store.writeMutex.Unlock()

	storedRefreshToken, _ := store.RefreshToken(ctx)
	if generation.epoch != store.epoch || storedRefreshToken != generation.RefreshToken {
		return Session{}, fmt.Errorf("session.client.store.renew: %w", ErrSessionSuperseded)
	}

	now := store.clock.Now().UTC()
	expiresAt := grant.expiry(now)
	if expiresAt.IsZero() {
		return Session{}, fmt.Errorf("session.client.store.renew: %w", errMissingExpiry)
	}
	if previous, found := store.ExpiresAt(ctx); found && !expiresAt.After(previous) {
		expiresAt = previous.Add(minimumExpiryAdvance)
	}
	values := map[string]string{
		keyAccessToken: grant.AccessToken,
		keyTokenExpiry: formatInstant(expiresAt),
	}
	if strings.TrimSpace(grant.RefreshToken) != "" {
		values[keyRefreshToken] = grant.RefreshToken
	}
	if strings.TrimSpace(grant.TokenType) != "" {
		values[keyTokenType] = normalizeTokenType(grant.TokenType)
	}
	if err := store.values.SetMany(ctx, values); err != nil {
		return Session{}, fmt.Errorf("session.client.store.renew: %w", err)
	}
	refreshToken, _ := store.RefreshToken(ctx)
	return Session{
		AccessToken:  grant.AccessToken,
		RefreshToken: refreshToken,
		TokenType:    store.TokenType(ctx),
		ExpiresAt:    expiresAt,
	}, nil
}

// CurrentToken returns the access token only when it is structurally valid and unexpired.
func (store *TokenStore) CurrentToken(ctx context.Context) (string, bool) {
	accessToken, found := store.read(ctx, keyAccessToken)
	if !found || accessToken == "" {
		return "", false
	}
	if _, err := ParseAccessToken(accessToken, store.clock.Now()); err != nil {
		store.logger.Debug("stored access token rejected",
			zap.String("code", "session.store.token_rejected"),
			zap.Error(err))
		return "", false
	}
	return accessToken, true
}

// IsAuthenticated requires a usable token, a user record, and an unexpired stored expiry.
func (store *TokenStore) IsAuthenticated(ctx context.Context) bool {
	if _, ok := store.CurrentToken(ctx); !ok {
		return false
	}
	if _, ok := store.User(ctx); !ok {
		return false
	}
	expiresAt, ok := store.ExpiresAt(ctx)
	if !ok {
		return false
	}
	return store.clock.Now().Before(expiresAt)
}

// ShouldRefresh reports whether the stored expiry is closer than bufferWindow.
func (store *TokenStore) ShouldRefresh(ctx context.Context, bufferWindow time.Duration) bool {
	expiresAt, ok := store.ExpiresAt(ctx)
	if !ok {
		return true
	}
	return expiresAt.Sub(store.clock.Now()) < bufferWindow
}

// Clear erases every session and cached permission key.
func (store *TokenStore) Clear(ctx context.Context) error {
	store.writeMutex.Lock()
	defer store.writeMutex.Unlock()
	store.epoch++
	if err := store.values.DeleteMany(ctx, sessionKeys); err != nil {
		return fmt.Errorf("session.client.store.clear: %w", err)
	}
	return nil
}

// RefreshToken returns the stored refresh token.
func (store *TokenStore) RefreshToken(ctx context.Context) (string, bool) {
	refreshToken, found := store.read(ctx, keyRefreshToken)
	if !found || strings.TrimSpace(refreshToken) == "" {
		return "", false
	}
	return refreshToken, true
}

// TokenType returns the stored authorization scheme, defaulting to Bearer.
func (store *TokenStore) TokenType(ctx context.Context) string {
	tokenType, _ := store.read(ctx, keyTokenType)
	return normalizeTokenType(tokenType)
}

// ExpiresAt returns the stored absolute expiry.
func (store *TokenStore) ExpiresAt(ctx context.Context) (time.Time, bool) {
	encoded, found := store.read(ctx, keyTokenExpiry)
	if !found {
		return time.Time{}, false
	}
	expiresAt, parseErr := time.Parse(time.RFC3339Nano, encoded)
	if parseErr != nil {
		store.logger.Warn("stored expiry unreadable",
			zap.String("code", "session.store.expiry_corrupt"),
			zap.Error(parseErr))
		return time.Time{}, false
	}
	return expiresAt, true
}

// LoginTime returns when the current session was created.
func (store *TokenStore) LoginTime(ctx context.Context) (time.Time, bool) {
	encoded, found := store.read(ctx, keyLoginTime)
	if !found {
		return time.Time{}, false
	}
	loginTime, parseErr := time.Parse(time.RFC3339Nano, encoded)
	if parseErr != nil {
		return time.Time{}, false
	}
	return loginTime, true
}

// User returns the stored profile merged with the cached role grant.
func (store *TokenStore) User(ctx context.Context) (User, bool) {
	encoded, found := store.read(ctx, keyUser)
	if !found || encoded == "" {
		return User{}, false
	}
	var user User
	if decodeErr := json.Unmarshal([]byte(encoded), &user); decodeErr != nil {
		store.logger.Warn("stored user unreadable",
			zap.String("code", "session.store.user_corrupt"),
			zap.Error(decodeErr))
		return User{}, false
	}
	if grant, ok := store.Permissions(ctx); ok {
		user.Roles = grant.Roles
		user.Permissions = grant.Permissions
	}
	return user, true
}

// SavePermissions replaces the cached role grant of the session identified by generation.
func (store *TokenStore) SavePermissions(ctx context.Context, generation SessionGeneration, grant RoleGrant) error {
	store.writeMutex.Lock()
	defer store.writeMutex.Unlock()
	if generation.epoch != store.epoch {
		return fmt.Errorf("session.client.store.permissions: %w", ErrSessionSuperseded)
	}
	values := make(map[string]string, 2)
	if err := addRoleGrant(values, grant); err != nil {
		return fmt.Errorf("session.client.store.permissions: %w", err)
	}
	if err := store.values.SetMany(ctx, values); err != nil {
		return fmt.Errorf("session.client.store.permissions: %w", err)
	}
	return nil
}

// Permissions returns the cached role grant.
func (store *TokenStore) Permissions(ctx context.Context) (RoleGrant, bool) {
	encodedRoles, rolesFound := store.read(ctx, keyRoles)
	encodedPermissions, permissionsFound := store.read(ctx, keyPermissions)
	if !rolesFound && !permissionsFound {
		return RoleGrant{}, false
	}
	var grant RoleGrant
	if rolesFound {
		if err := json.Unmarshal([]byte(encodedRoles), &grant.Roles); err != nil {
			return RoleGrant{}, false
		}
	}
	if permissionsFound {
		if err := json.Unmarshal([]byte(encodedPermissions), &grant.Permissions); err != nil {
			return RoleGrant{}, false
		}
	}
	return grant, true
}

func (store *TokenStore) read(ctx context.Context, key string) (string, bool) {
	value, found, err := store.values.Get(ctx, key)
	if err != nil {
		store.logger.Warn("session store read failed",
			zap.String("code", "session.store.read_failed"),
			zap.String("key", key),
			zap.Error(err))
		return "", false
	}
	return value, found
}

func addRoleGrant(values map[string]string, grant RoleGrant) error {
	roles := grant.Roles
	if roles == nil {
		roles = []string{}
	}
	permissions := grant.Permissions
	if permissions == nil {
		permissions = map[string]bool{}
	}
	encodedRoles, err := json.Marshal(roles)
	if err != nil {
		return err
	}
	encodedPermissions, err := json.Marshal(permissions)
	if err != nil {
		return err
	}
	values[keyRoles] = string(encodedRoles)
	values[keyPermissions] = string(encodedPermissions)
	return nil
}

func normalizeTokenType(tokenType string) string {
	trimmed := strings.TrimSpace(tokenType)
	if trimmed == "" || strings.EqualFold(trimmed, defaultTokenType) {
		return defaultTokenType
	}
	return trimmed
}

func formatInstant(instant time.Time) string {
	return instant.UTC().Format(time.RFC3339Nano)
}
