package sessionclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// SessionEndReason names the path that ended a session.
type SessionEndReason string

const (
	ReasonLogout          SessionEndReason = "logout"
	ReasonRefreshRejected SessionEndReason = "refresh_rejected"
	ReasonReauthRequired  SessionEndReason = "reauth_required"
	ReasonHeartbeatFailed SessionEndReason = "heartbeat_failed"
	ReasonUnload          SessionEndReason = "unload"
)

// SessionEndedEvent is delivered to OnSessionEnded observers.
type SessionEndedEvent struct {
	Reason SessionEndReason
	Err    error
	At     time.Time
}

// Manager owns the session: its storage, renewal, background tasks, and authenticated calls.
type Manager struct {
	api          AuthAPI
	store        *TokenStore
	coordinator  *RefreshCoordinator
	scheduler    *BackgroundScheduler
	gateway      *RequestGateway
	clock        clockwork.Clock
	logger       *zap.Logger
	metrics      MetricsRecorder
	bufferWindow time.Duration
	timeout      time.Duration

	lifecycleMutex sync.Mutex
	active         bool

	listenerMutex  sync.Mutex
	listeners      map[uint64]func(SessionEndedEvent)
	nextListenerID uint64
}

// New validates the configuration and assembles a Manager. No session is active until Login or Restore.
func New(config Config) (*Manager, error) {
	resolved, configErr := config.withDefaults()
	if configErr != nil {
		return nil, fmt.Errorf("session.client.config: %w", configErr)
	}
	baseURL, parseErr := url.Parse(resolved.BaseURL)
	if parseErr != nil {
		return nil, fmt.Errorf("session.client.config: %w", parseErr)
	}

	manager := &Manager{
		api:          resolved.AuthAPI,
		store:        NewTokenStore(resolved.Store, resolved.Clock, resolved.Logger),
		clock:        resolved.Clock,
		logger:       resolved.Logger,
		metrics:      resolved.Metrics,
		bufferWindow: resolved.BufferWindow,
		timeout:      resolved.RequestTimeout,
		listeners:    make(map[uint64]func(SessionEndedEvent)),
	}
	manager.coordinator = newRefreshCoordinator(manager.store, manager.api, manager.timeout, manager.logger, manager.metrics, func(cause error) {
		manager.endSession(ReasonRefreshRejected, cause)
	})
	manager.scheduler = newBackgroundScheduler(manager.clock, resolved.ProactiveInterval, resolved.HeartbeatInterval, manager.proactiveCheck, manager.heartbeat, manager.logger)
	manager.gateway = &RequestGateway{
		baseURL:      baseURL,
		httpClient:   resolved.HTTPClient,
		timeout:      manager.timeout,
		store:        manager.store,
		validToken:   manager.GetValidToken,
		forceRefresh: manager.coordinator.RefreshStale,
		onReauthRequired: func(cause error) {
			manager.endSession(ReasonReauthRequired, cause)
		},
		logger:  manager.logger,
		metrics: manager.metrics,
	}
	return manager, nil
}

// Login exchanges credentials for a session and starts the background tasks.
func (manager *Manager) Login(ctx context.Context, credentials Credentials) (User, error) {
	loginCtx, cancel := context.WithTimeout(ctx, manager.timeout)
	result, loginErr := manager.api.Login(loginCtx, credentials)
	cancel()
	if loginErr != nil {
		manager.logger.Info("login failed",
			zap.String("code", "session.login.failed"),
			zap.String("username", credentials.Username),
			zap.Error(loginErr))
		return User{}, fmt.Errorf("session.client.login: %w", loginErr)
	}
	if _, tokenErr := ParseAccessToken(result.AccessToken, manager.clock.Now()); tokenErr != nil {
		return User{}, fmt.Errorf("session.client.login: %w", tokenErr)
	}

	manager.lifecycleMutex.Lock()
	manager.scheduler.Stop()
	if clearErr := manager.store.Clear(ctx); clearErr != nil {
		manager.lifecycleMutex.Unlock()
		return User{}, fmt.Errorf("session.client.login: %w", clearErr)
	}
	if _, saveErr := manager.store.Save(ctx, result.TokenGrant, result.User); saveErr != nil {
		manager.lifecycleMutex.Unlock()
		return User{}, fmt.Errorf("session.client.login: %w", saveErr)
	}
	manager.active = true
	manager.scheduler.Start(ctx)
	manager.lifecycleMutex.Unlock()

	manager.metrics.Increment(EventSessionStarted)
	manager.logger.Info("session started",
		zap.String("code", "session.started"),
		zap.String("user_id", result.User.ID))

	if _, rolesErr := manager.RefreshPermissions(ctx); rolesErr != nil {
		manager.logger.Warn("role lookup failed after login",
			zap.String("code", "session.roles.failed"),
			zap.Error(rolesErr))
	}
	user, _ := manager.store.User(ctx)
	return user, nil
}

// Restore resumes a persisted session. It reports whether a usable token is held afterwards.
// A transient renewal failure keeps the session and its background tasks so a later tick can retry.
func (manager *Manager) Restore(ctx context.Context) (bool, error) {
	_, hasUser := manager.store.User(ctx)
	_, hasRefreshToken := manager.store.RefreshToken(ctx)
	authenticated := manager.store.IsAuthenticated(ctx)

	if !authenticated && !(hasUser && hasRefreshToken) {
		if clearErr := manager.store.Clear(ctx); clearErr != nil {
			return false, fmt.Errorf("session.client.restore: %w", clearErr)
		}
		return false, nil
	}

	manager.lifecycleMutex.Lock()
	manager.active = true
	manager.scheduler.Start(ctx)
	manager.lifecycleMutex.Unlock()
	manager.metrics.Increment(EventSessionStarted)

	if authenticated {
		manager.logger.Info("session restored", zap.String("code", "session.restored"))
		return true, nil
	}
	if _, refreshErr := manager.coordinator.Refresh(ctx); refreshErr != nil {
		return false, fmt.Errorf("session.client.restore: %w", refreshErr)
	}
	manager.logger.Info("session restored after renewal", zap.String("code", "session.restored"))
	return true, nil
}

// Logout revokes the refresh token on the server when possible and ends the session locally.
func (manager *Manager) Logout(ctx context.Context) {
	if refreshToken, ok := manager.store.RefreshToken(ctx); ok {
		logoutCtx, cancel := context.WithTimeout(ctx, manager.timeout)
		if revokeErr := manager.api.Logout(logoutCtx, refreshToken); revokeErr != nil {
			manager.logger.Warn("server logout failed",
				zap.String("code", "session.logout.revoke_failed"),
				zap.Error(revokeErr))
		}
		cancel()
	}
	manager.endSession(ReasonLogout, nil)
}

// GetValidToken returns a token that is unexpired and outside the buffer window, renewing it if needed.
func (manager *Manager) GetValidToken(ctx context.Context) (string, error) {
	current, hasCurrent := manager.store.CurrentToken(ctx)
	if hasCurrent && !manager.store.ShouldRefresh(ctx, manager.bufferWindow) {
		return current, nil
	}
	if _, hasRefreshToken := manager.store.RefreshToken(ctx); !hasRefreshToken {
		if latest, stillCurrent := manager.store.CurrentToken(ctx); stillCurrent {
			return latest, nil
		}
		return "", fmt.Errorf("session.client.token: %w", ErrNotAuthenticated)
	}

	renewed, refreshErr := manager.coordinator.RefreshIfNeeded(ctx, manager.bufferWindow)
	if refreshErr == nil {
		return renewed, nil
	}
	if errors.Is(refreshErr, ErrRefreshRejected) {
		return "", fmt.Errorf("session.client.token: %w: %w", ErrNotAuthenticated, refreshErr)
	}
	if errors.Is(refreshErr, ErrSessionSuperseded) {
		return "", fmt.Errorf("session.client.token: %w", refreshErr)
	}
	if hasCurrent {
		if _, stillValid := manager.store.CurrentToken(ctx); stillValid {
			manager.logger.Debug("renewal failed, using current token",
				zap.String("code", "session.token.stale_served"),
				zap.Error(refreshErr))
			return current, nil
		}
	}
	return "", fmt.Errorf("session.client.token: %w", refreshErr)
}

// Call performs an authenticated request through the gateway.
func (manager *Manager) Call(ctx context.Context, request Request) (*Response, error) {
	return manager.gateway.Call(ctx, request)
}

// OnSessionEnded registers an observer and returns a function that removes it.
func (manager *Manager) OnSessionEnded(listener func(SessionEndedEvent)) func() {
	manager.listenerMutex.Lock()
	defer manager.listenerMutex.Unlock()
	manager.nextListenerID++
	listenerID := manager.nextListenerID
	manager.listeners[listenerID] = listener
	return func() {
		manager.listenerMutex.Lock()
		defer manager.listenerMutex.Unlock()
		delete(manager.listeners, listenerID)
	}
}

// RefreshPermissions reloads roles and permissions. On failure the cached grant is returned with the error.
func (manager *Manager) RefreshPermissions(ctx context.Context) (RoleGrant, error) {
	cached, _ := manager.store.Permissions(ctx)
	generation := manager.store.Generation(ctx)
	accessToken, tokenErr := manager.GetValidToken(ctx)
	if tokenErr != nil {
		return cached, fmt.Errorf("session.client.roles: %w", tokenErr)
	}
	rolesCtx, cancel := context.WithTimeout(ctx, manager.timeout)
	defer cancel()
	grant, rolesErr := manager.api.Roles(rolesCtx, accessToken)
	if rolesErr != nil {
		return cached, fmt.Errorf("session.client.roles: %w", rolesErr)
	}
	if saveErr := manager.store.SavePermissions(ctx, generation, grant); saveErr != nil {
		return grant, fmt.Errorf("session.client.roles: %w", saveErr)
	}
	return grant, nil
}

// HasRole reports whether the cached roles include role.
func (manager *Manager) HasRole(ctx context.Context, role string) bool {
	grant, ok := manager.store.Permissions(ctx)
	return ok && slices.Contains(grant.Roles, role)
}

// HasPermission reports whether the cached permission map grants permission.
func (manager *Manager) HasPermission(ctx context.Context, permission string) bool {
	grant, ok := manager.store.Permissions(ctx)
	return ok && grant.Permissions[permission]
}

// CurrentUser returns the stored user, if any.
func (manager *Manager) CurrentUser(ctx context.Context) (User, bool) {
	return manager.store.User(ctx)
}

// IsAuthenticated reports whether a usable session is held.
func (manager *Manager) IsAuthenticated(ctx context.Context) bool {
	return manager.store.IsAuthenticated(ctx)
}

// ExpiresAt returns the stored token expiry.
func (manager *Manager) ExpiresAt(ctx context.Context) (time.Time, bool) {
	return manager.store.ExpiresAt(ctx)
}

// BackgroundRunning reports whether the proactive check and heartbeat are scheduled.
func (manager *Manager) BackgroundRunning() bool {
	return manager.scheduler.Running()
}

func (manager *Manager) proactiveCheck(ctx context.Context) {
	if _, ok := manager.store.RefreshToken(ctx); !ok {
		return
	}
	if !manager.store.ShouldRefresh(ctx, manager.bufferWindow) {
		return
	}
	if _, refreshErr := manager.coordinator.RefreshIfNeeded(ctx, manager.bufferWindow); refreshErr != nil {
		manager.logger.Debug("proactive renewal failed",
			zap.String("code", "session.proactive.failed"),
			zap.Error(refreshErr))
	}
}

func (manager *Manager) heartbeat(ctx context.Context) {
	validateErr := ErrTokenInvalid
	if accessToken, ok := manager.store.CurrentToken(ctx); ok {
		heartbeatCtx, cancel := context.WithTimeout(ctx, manager.timeout)
		validateErr = manager.api.Validate(heartbeatCtx, accessToken)
		cancel()
	}
	if validateErr == nil {
		return
	}
	if errors.Is(validateErr, ErrNetwork) {
		manager.logger.Info("heartbeat unreachable",
			zap.String("code", "session.heartbeat.unreachable"),
			zap.Error(validateErr))
		return
	}

	manager.metrics.Increment(EventHeartbeatFailure)
	manager.logger.Warn("heartbeat rejected",
		zap.String("code", "session.heartbeat.rejected"),
		zap.Error(validateErr))
	if _, ok := manager.store.RefreshToken(ctx); ok {
		_, refreshErr := manager.coordinator.Refresh(ctx)
		// a rejected refresh has already ended the session through the coordinator
		if refreshErr == nil || errors.Is(refreshErr, ErrRefreshRejected) {
			return
		}
	}
	manager.endSession(ReasonHeartbeatFailed, validateErr)
}

// endSession is the single terminal path. Observers are notified once per active session.
func (manager *Manager) endSession(reason SessionEndReason, cause error) {
	manager.lifecycleMutex.Lock()
	wasActive := manager.active
	manager.active = false
	manager.scheduler.Stop()
	clearErr := manager.store.Clear(context.Background())
	manager.lifecycleMutex.Unlock()

	if clearErr != nil {
		manager.logger.Error("session clear failed",
			zap.String("code", "session.clear.failed"),
			zap.Error(clearErr))
	}
	if !wasActive {
		return
	}

	manager.metrics.Increment(EventSessionEnded)
	manager.logger.Info("session ended",
		zap.String("code", "session.ended"),
		zap.String("reason", string(reason)),
		zap.Error(cause))

	manager.listenerMutex.Lock()
	listeners := make([]func(SessionEndedEvent), 0, len(manager.listeners))
	for _, listener := range manager.listeners {
		listeners = append(listeners, listener)
	}
	manager.listenerMutex.Unlock()

	event := SessionEndedEvent{Reason: reason, Err: cause, At: manager.clock.Now()}
	for _, listener := range listeners {
		listener(event)
	}
}
