package sessionclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type refreshOutcome struct {
	accessToken string
	err         error
}

// RefreshCoordinator guarantees that at most one refresh exchange is in flight. Callers arriving
// while one is running wait for its outcome instead of starting another.
type RefreshCoordinator struct {
	store      *TokenStore
	api        AuthAPI
	timeout    time.Duration
	logger     *zap.Logger
	metrics    MetricsRecorder
	onRejected func(cause error)

	mutex    sync.Mutex
	inFlight bool
	waiters  []chan refreshOutcome
}

func newRefreshCoordinator(store *TokenStore, api AuthAPI, timeout time.Duration, logger *zap.Logger, metrics MetricsRecorder, onRejected func(cause error)) *RefreshCoordinator {
	return &RefreshCoordinator{
		store:      store,
		api:        api,
		timeout:    timeout,
		logger:     logger,
		metrics:    metrics,
		onRejected: onRejected,
	}
}

// Refresh renews the access token unconditionally, sharing one exchange among all concurrent callers.
//
// A rejection of the refresh token ends the session before any waiter is released. Transient
// failures are returned without touching the session. A renewal that completes after the session
// was cleared or replaced is discarded with ErrSessionSuperseded.
func (coordinator *RefreshCoordinator) Refresh(ctx context.Context) (string, error) {
	return coordinator.refresh(ctx, nil)
}

// RefreshIfNeeded renews only if, once the exchange slot is claimed, the stored token is still
// missing or inside bufferWindow. A caller that lost the race to a completed renewal gets that token.
func (coordinator *RefreshCoordinator) RefreshIfNeeded(ctx context.Context, bufferWindow time.Duration) (string, error) {
	return coordinator.refresh(ctx, func(ctx context.Context) (string, bool) {
		current, ok := coordinator.store.CurrentToken(ctx)
		if !ok || coordinator.store.ShouldRefresh(ctx, bufferWindow) {
			return "", false
		}
		return current, true
	})
}

// RefreshStale renews unless the stored token has already moved past staleToken.
func (coordinator *RefreshCoordinator) RefreshStale(ctx context.Context, staleToken string) (string, error) {
	return coordinator.refresh(ctx, func(ctx context.Context) (string, bool) {
		current, ok := coordinator.store.CurrentToken(ctx)
		if !ok || current == staleToken {
			return "", false
		}
		return current, true
	})
}

// refresh claims the exchange slot or queues behind the holder. skip, when set, is consulted after
// the claim and may supply a token that makes the exchange unnecessary.
func (coordinator *RefreshCoordinator) refresh(ctx context.Context, skip func(ctx context.Context) (string, bool)) (string, error) {
	coordinator.mutex.Lock()
	if coordinator.inFlight {
		waiter := make(chan refreshOutcome, 1)
		coordinator.waiters = append(coordinator.waiters, waiter)
		coordinator.mutex.Unlock()
		coordinator.metrics.Increment(EventRefreshWaiter)
		select {
		case outcome := <-waiter:
			return outcome.accessToken, outcome.err
		case <-ctx.Done():
			return "", fmt.Errorf("session.client.refresh.wait: %w", ctx.Err())
		}
	}
	coordinator.inFlight = true
	coordinator.mutex.Unlock()

	var (
		accessToken string
		err         error
	)
	if current, skipped := coordinatorSkip(ctx, skip); skipped {
		accessToken = current
	} else {
		accessToken, err = coordinator.exchange(ctx)
	}
	if err != nil && errors.Is(err, ErrRefreshRejected) && coordinator.onRejected != nil {
		coordinator.onRejected(err)
	}

	coordinator.mutex.Lock()
	waiters := coordinator.waiters
	coordinator.waiters = nil
	coordinator.inFlight = false
	coordinator.mutex.Unlock()

	outcome := refreshOutcome{accessToken: accessToken, err: err}
	for _, waiter := range waiters {
		waiter <- outcome
	}
	return accessToken, err
}

// InFlight reports whether a refresh exchange is running.
func (coordinator *RefreshCoordinator) InFlight() bool {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()
	return coordinator.inFlight
}

func (coordinator *RefreshCoordinator) pendingWaiters() int {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()
	return len(coordinator.waiters)
}

func coordinatorSkip(ctx context.Context, skip func(ctx context.Context) (string, bool)) (string, bool) {
	if skip == nil {
		return "", false
	}
	return skip(context.WithoutCancel(ctx))
}

func (coordinator *RefreshCoordinator) exchange(ctx context.Context) (string, error) {
	detached := context.WithoutCancel(ctx)
	generation := coordinator.store.Generation(detached)
	if generation.RefreshToken == "" {
		coordinator.metrics.Increment(EventRefreshRejected)
		return "", coordinator.rejected(generation, fmt.Errorf("session.client.refresh: no refresh token: %w", ErrRefreshRejected))
	}

	coordinator.metrics.Increment(EventRefreshExchange)
	exchangeCtx, cancel := context.WithTimeout(detached, coordinator.timeout)
	defer cancel()

	grant, refreshErr := coordinator.api.Refresh(exchangeCtx, generation.RefreshToken)
	if refreshErr != nil {
		if errors.Is(refreshErr, ErrRefreshRejected) {
			coordinator.metrics.Increment(EventRefreshRejected)
			coordinator.logger.Warn("refresh token rejected",
				zap.String("code", "session.refresh.rejected"),
				zap.Error(refreshErr))
			return "", coordinator.rejected(generation, fmt.Errorf("session.client.refresh: %w", refreshErr))
		}
		coordinator.metrics.Increment(EventRefreshFailure)
		coordinator.logger.Warn("refresh exchange failed",
			zap.String("code", "session.refresh.failed"),
			zap.Error(refreshErr))
		return "", fmt.Errorf("session.client.refresh: %w", refreshErr)
	}

	if _, parseErr := ParseAccessToken(grant.AccessToken, coordinator.store.clock.Now()); parseErr != nil {
		coordinator.metrics.Increment(EventRefreshFailure)
		return "", fmt.Errorf("session.client.refresh: issued token unusable: %w", parseErr)
	}

	session, applyErr := coordinator.store.ApplyRenewal(detached, generation, grant)
	if applyErr != nil {
		if errors.Is(applyErr, ErrSessionSuperseded) {
			coordinator.discard(detached, generation, grant)
		} else {
			coordinator.metrics.Increment(EventRefreshFailure)
		}
		return "", fmt.Errorf("session.client.refresh: %w", applyErr)
	}

	coordinator.metrics.Increment(EventRefreshSuccess)
	coordinator.logger.Debug("access token renewed",
		zap.String("code", "session.refresh.success"),
		zap.Time("expires_at", session.ExpiresAt))
	return session.AccessToken, nil
}

// rejected keeps a rejection aimed at the live session. A rejection for a session that has since
// been cleared or replaced must not end its successor.
func (coordinator *RefreshCoordinator) rejected(generation SessionGeneration, rejection error) error {
	if coordinator.store.Current(generation) {
		return rejection
	}
	return fmt.Errorf("session.client.refresh: %v: %w", rejection, ErrSessionSuperseded)
}

// discard revokes the credentials issued to a session that ended while its exchange was in flight.
func (coordinator *RefreshCoordinator) discard(ctx context.Context, generation SessionGeneration, grant TokenGrant) {
	coordinator.metrics.Increment(EventRefreshDiscarded)
	coordinator.logger.Info("discarding renewal for ended session",
		zap.String("code", "session.refresh.discarded"))

	orphaned := grant.RefreshToken
	if orphaned == "" {
		orphaned = generation.RefreshToken
	}
	revokeCtx, cancel := context.WithTimeout(ctx, coordinator.timeout)
	defer cancel()
	if revokeErr := coordinator.api.Logout(revokeCtx, orphaned); revokeErr != nil {
		coordinator.logger.Warn("revoking discarded refresh token failed",
			zap.String("code", "session.refresh.discard_revoke_failed"),
			zap.Error(revokeErr))
	}
}
