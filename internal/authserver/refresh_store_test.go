package authserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestRefreshTokenStoresShareSentinelErrors(t *testing.T) {
	testCases := []struct {
		name  string
		store func(t *testing.T, clock clockwork.Clock) RefreshTokenStore
	}{
		{
			name: "memory",
			store: func(t *testing.T, clock clockwork.Clock) RefreshTokenStore {
				t.Helper()
				return NewMemoryRefreshTokenStore(clock)
			},
		},
		{
			name: "sqlite",
			store: func(t *testing.T, clock clockwork.Clock) RefreshTokenStore {
				t.Helper()
				databaseName := strings.ReplaceAll(t.Name(), "/", "_")
				store, err := NewDatabaseRefreshTokenStore(context.Background(), fmt.Sprintf("sqlite:file:%s?mode=memory&cache=shared", databaseName), clock)
				if err != nil {
					t.Fatalf("failed to create sqlite store: %v", err)
				}
				if store.Driver() != "sqlite" {
					t.Fatalf("unexpected driver %s", store.Driver())
				}
				t.Cleanup(func() { _ = store.Close() })
				return store
			},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			ctx := context.Background()
			clock := clockwork.NewFakeClockAt(testClockStart)
			store := testCase.store(t, clock)

			if _, _, _, err := store.Validate(ctx, "missing"); !errors.Is(err, ErrRefreshTokenNotFound) {
				t.Fatalf("expected ErrRefreshTokenNotFound, got %v", err)
			}
			if _, _, _, err := store.Validate(ctx, " "); !errors.Is(err, ErrRefreshTokenEmptyOpaque) {
				t.Fatalf("expected ErrRefreshTokenEmptyOpaque, got %v", err)
			}

			tokenID, opaque, issueErr := store.Issue(ctx, "user", clock.Now().Add(time.Minute).Unix(), "")
			if issueErr != nil {
				t.Fatalf("issue failed: %v", issueErr)
			}
			userID, validatedID, _, validateErr := store.Validate(ctx, opaque)
			if validateErr != nil || userID != "user" || validatedID != tokenID {
				t.Fatalf("unexpected validation result %q %q %v", userID, validatedID, validateErr)
			}

			if err := store.Revoke(ctx, tokenID); err != nil {
				t.Fatalf("revoke failed: %v", err)
			}
			if err := store.Revoke(ctx, tokenID); !errors.Is(err, ErrRefreshTokenAlreadyRevoked) {
				t.Fatalf("expected ErrRefreshTokenAlreadyRevoked, got %v", err)
			}
			if _, _, _, err := store.Validate(ctx, opaque); !errors.Is(err, ErrRefreshTokenRevoked) {
				t.Fatalf("expected ErrRefreshTokenRevoked, got %v", err)
			}

			_, expiringOpaque, issueExpiringErr := store.Issue(ctx, "user", clock.Now().Add(time.Minute).Unix(), tokenID)
			if issueExpiringErr != nil {
				t.Fatalf("issue failed: %v", issueExpiringErr)
			}
			clock.Advance(2 * time.Minute)
			if _, _, _, err := store.Validate(ctx, expiringOpaque); !errors.Is(err, ErrRefreshTokenExpired) {
				t.Fatalf("expected ErrRefreshTokenExpired, got %v", err)
			}

			if err := store.Revoke(ctx, "missing-token"); !errors.Is(err, ErrRefreshTokenNotFound) {
				t.Fatalf("expected ErrRefreshTokenNotFound when revoking missing token, got %v", err)
			}
		})
	}
}

func TestMemoryRefreshTokenStoreMissingBackingRecord(t *testing.T) {
	store := NewMemoryRefreshTokenStore(nil)
	tokenID, opaque, err := store.Issue(context.Background(), "user", time.Now().Add(time.Minute).Unix(), "")
	if err != nil {
		t.Fatalf("issue error: %v", err)
	}
	store.mutex.Lock()
	delete(store.byID, tokenID)
	store.mutex.Unlock()
	if _, _, _, err := store.Validate(context.Background(), opaque); !errors.Is(err, ErrRefreshTokenNotFound) {
		t.Fatalf("expected ErrRefreshTokenNotFound when backing record missing, got %v", err)
	}
}
