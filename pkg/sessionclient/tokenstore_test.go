package sessionclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap/zaptest"
)

type failingKeyValueStore struct {
	*MemoryKeyValueStore
	getErr error
}

func (store failingKeyValueStore) Get(ctx context.Context, key string) (string, bool, error) {
	if store.getErr != nil {
		return "", false, store.getErr
	}
	return store.MemoryKeyValueStore.Get(ctx, key)
}

func newTestTokenStore(t *testing.T) (*TokenStore, *clockwork.FakeClock, *MemoryKeyValueStore) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(clockStart)
	values := NewMemoryKeyValueStore()
	return NewTokenStore(values, clock, zaptest.NewLogger(t)), clock, values
}

func TestTokenStoreSaveAndRead(t *testing.T) {
	ctx := context.Background()
	store, clock, _ := newTestTokenStore(t)

	grant := issueTestGrant(t, clock.Now(), testRefreshToken)
	session, err := store.Save(ctx, grant, testUser)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !session.ExpiresAt.Equal(clockStart.Add(testTokenLifetime)) {
		t.Fatalf("expected absolute expiry, got %v", session.ExpiresAt)
	}

	token, ok := store.CurrentToken(ctx)
	if !ok || token != grant.AccessToken {
		t.Fatalf("expected stored token")
	}
	if !store.IsAuthenticated(ctx) {
		t.Fatalf("expected authenticated session")
	}
	if refreshToken, ok := store.RefreshToken(ctx); !ok || refreshToken != testRefreshToken {
		t.Fatalf("unexpected refresh token %q", refreshToken)
	}
	if loginTime, ok := store.LoginTime(ctx); !ok || !loginTime.Equal(clockStart) {
		t.Fatalf("unexpected login time %v", loginTime)
	}
	user, ok := store.User(ctx)
	if !ok || user.Email != testUser.Email {
		t.Fatalf("unexpected user %+v", user)
	}
	if store.TokenType(ctx) != "Bearer" {
		t.Fatalf("unexpected token type %q", store.TokenType(ctx))
	}
}

func TestTokenStoreSavePrefersAbsoluteExpiry(t *testing.T) {
	ctx := context.Background()
	store, clock, _ := newTestTokenStore(t)

	absolute := clockStart.Add(30 * time.Minute)
	grant := issueTestGrant(t, clock.Now(), testRefreshToken)
	grant.ExpiresAt = absolute
	session, err := store.Save(ctx, grant, testUser)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !session.ExpiresAt.Equal(absolute) {
		t.Fatalf("expected %v, got %v", absolute, session.ExpiresAt)
	}
}

func TestTokenStoreIsAuthenticatedRequiresAllParts(t *testing.T) {
	ctx := context.Background()

	t.Run("missing user", func(t *testing.T) {
		store, clock, values := newTestTokenStore(t)
		if _, err := store.Save(ctx, issueTestGrant(t, clock.Now(), testRefreshToken), testUser); err != nil {
			t.Fatalf("save: %v", err)
		}
		_ = values.DeleteMany(ctx, []string{keyUser})
		if store.IsAuthenticated(ctx) {
			t.Fatalf("expected unauthenticated without user record")
		}
	})

	t.Run("malformed token", func(t *testing.T) {
		store, clock, values := newTestTokenStore(t)
		if _, err := store.Save(ctx, issueTestGrant(t, clock.Now(), testRefreshToken), testUser); err != nil {
			t.Fatalf("save: %v", err)
		}
		_ = values.SetMany(ctx, map[string]string{keyAccessToken: "not.a-token"})
		if _, ok := store.CurrentToken(ctx); ok {
			t.Fatalf("expected malformed token to be absent")
		}
		if store.IsAuthenticated(ctx) {
			t.Fatalf("expected unauthenticated with malformed token")
		}
	})

	t.Run("stored expiry elapsed", func(t *testing.T) {
		store, clock, values := newTestTokenStore(t)
		if _, err := store.Save(ctx, issueTestGrant(t, clock.Now(), testRefreshToken), testUser); err != nil {
			t.Fatalf("save: %v", err)
		}
		_ = values.SetMany(ctx, map[string]string{keyTokenExpiry: formatInstant(clockStart.Add(-time.Second))})
		if store.IsAuthenticated(ctx) {
			t.Fatalf("expected unauthenticated with elapsed stored expiry")
		}
	})

	t.Run("token exp elapsed", func(t *testing.T) {
		store, clock, _ := newTestTokenStore(t)
		if _, err := store.Save(ctx, issueTestGrant(t, clock.Now(), testRefreshToken), testUser); err != nil {
			t.Fatalf("save: %v", err)
		}
		clock.Advance(testTokenLifetime)
		if _, ok := store.CurrentToken(ctx); ok {
			t.Fatalf("expected expired token to be absent")
		}
	})
}

func TestTokenStoreReadErrorsAreAbsence(t *testing.T) {
	clock := clockwork.NewFakeClockAt(clockStart)
	values := failingKeyValueStore{MemoryKeyValueStore: NewMemoryKeyValueStore(), getErr: errors.New("backend down")}
	store := NewTokenStore(values, clock, zaptest.NewLogger(t))
	if _, ok := store.CurrentToken(context.Background()); ok {
		t.Fatalf("expected no token when backend fails")
	}
	if store.IsAuthenticated(context.Background()) {
		t.Fatalf("expected unauthenticated when backend fails")
	}
}

func TestTokenStoreShouldRefreshBoundary(t *testing.T) {
	ctx := context.Background()
	store, clock, _ := newTestTokenStore(t)
	if !store.ShouldRefresh(ctx, 5*time.Minute) {
		t.Fatalf("expected refresh due without stored expiry")
	}
	if _, err := store.Save(ctx, issueTestGrant(t, clock.Now(), testRefreshToken), testUser); err != nil {
		t.Fatalf("save: %v", err)
	}

	clock.Advance(3300 * time.Second)
	if store.ShouldRefresh(ctx, 300*time.Second) {
		t.Fatalf("expected no refresh with exactly the buffer remaining")
	}
	clock.Advance(time.Second)
	if !store.ShouldRefresh(ctx, 300*time.Second) {
		t.Fatalf("expected refresh once inside the buffer")
	}
}

func TestTokenStoreApplyRenewalMonotonicExpiry(t *testing.T) {
	ctx := context.Background()
	store, clock, _ := newTestTokenStore(t)
	first, err := store.Save(ctx, issueTestGrant(t, clock.Now(), testRefreshToken), testUser)
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	earlier := issueTestGrant(t, clock.Now(), "")
	earlier.ExpiresAt = first.ExpiresAt.Add(-time.Minute)
	renewed, err := store.ApplyRenewal(ctx, store.Generation(ctx), earlier)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !renewed.ExpiresAt.After(first.ExpiresAt) {
		t.Fatalf("expected expiry to move forward: %v then %v", first.ExpiresAt, renewed.ExpiresAt)
	}
	if renewed.RefreshToken != testRefreshToken {
		t.Fatalf("expected refresh token preserved without rotation, got %q", renewed.RefreshToken)
	}

	clock.Advance(time.Minute)
	rotated, err := store.ApplyRenewal(ctx, store.Generation(ctx), issueTestGrant(t, clock.Now(), "refresh-rotated"))
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !rotated.ExpiresAt.After(renewed.ExpiresAt) {
		t.Fatalf("expected expiry to move forward again")
	}
	if rotated.RefreshToken != "refresh-rotated" {
		t.Fatalf("expected rotated refresh token, got %q", rotated.RefreshToken)
	}
}

func TestTokenStorePermissionsAndClear(t *testing.T) {
	ctx := context.Background()
	store, clock, values := newTestTokenStore(t)
	if _, err := store.Save(ctx, issueTestGrant(t, clock.Now(), testRefreshToken), testUser); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, ok := store.Permissions(ctx); ok {
		t.Fatalf("expected no cached permissions yet")
	}
	grant := RoleGrant{Roles: []string{"senate"}, Permissions: map[string]bool{"curriculum.review": true}}
	if err := store.SavePermissions(ctx, store.Generation(ctx), grant); err != nil {
		t.Fatalf("save permissions: %v", err)
	}
	user, ok := store.User(ctx)
	if !ok || len(user.Roles) != 1 || user.Roles[0] != "senate" || !user.Permissions["curriculum.review"] {
		t.Fatalf("expected merged role grant, got %+v", user)
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("second clear: %v", err)
	}
	if values.Len() != 0 {
		t.Fatalf("expected every key removed, %d remain", values.Len())
	}
}

func TestTokenStoreRefusesWritesForEndedSession(t *testing.T) {
	ctx := context.Background()
	testCases := []struct {
		name      string
		supersede func(t *testing.T, store *TokenStore, clock *clockwork.FakeClock)
	}{
		{
			name: "cleared",
			supersede: func(t *testing.T, store *TokenStore, _ *clockwork.FakeClock) {
				if err := store.Clear(ctx); err != nil {
					t.Fatalf("clear: %v", err)
				}
			},
		},
		{
			name: "replaced by a new login",
			supersede: func(t *testing.T, store *TokenStore, clock *clockwork.FakeClock) {
				if _, err := store.Save(ctx, issueTestGrant(t, clock.Now(), "refresh-next-login"), testUser); err != nil {
					t.Fatalf("save: %v", err)
				}
			},
		},
		{
			name: "refresh token rotated elsewhere",
			supersede: func(t *testing.T, store *TokenStore, clock *clockwork.FakeClock) {
				if _, err := store.ApplyRenewal(ctx, store.Generation(ctx), issueTestGrant(t, clock.Now(), "refresh-other-renewal")); err != nil {
					t.Fatalf("renew: %v", err)
				}
			},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			store, clock, _ := newTestTokenStore(t)
			if _, err := store.Save(ctx, issueTestGrant(t, clock.Now(), testRefreshToken), testUser); err != nil {
				t.Fatalf("save: %v", err)
			}
			generation := store.Generation(ctx)
			testCase.supersede(t, store, clock)
			accessBefore, _ := store.CurrentToken(ctx)
			refreshBefore, _ := store.RefreshToken(ctx)

			_, err := store.ApplyRenewal(ctx, generation, issueTestGrant(t, clock.Now(), "refresh-late"))
			if !errors.Is(err, ErrSessionSuperseded) {
				t.Fatalf("expected ErrSessionSuperseded, got %v", err)
			}
			accessAfter, _ := store.CurrentToken(ctx)
			refreshAfter, _ := store.RefreshToken(ctx)
			if accessAfter != accessBefore || refreshAfter != refreshBefore {
				t.Fatalf("expected stored tokens untouched by the late renewal")
			}
		})
	}
}

func TestTokenStoreSavePermissionsRefusesEndedSession(t *testing.T) {
	ctx := context.Background()
	store, clock, values := newTestTokenStore(t)
	if _, err := store.Save(ctx, issueTestGrant(t, clock.Now(), testRefreshToken), testUser); err != nil {
		t.Fatalf("save: %v", err)
	}
	generation := store.Generation(ctx)
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}

	err := store.SavePermissions(ctx, generation, RoleGrant{Roles: []string{"dean"}})
	if !errors.Is(err, ErrSessionSuperseded) {
		t.Fatalf("expected ErrSessionSuperseded, got %v", err)
	}
	if values.Len() != 0 {
		t.Fatalf("expected roles not written after clear, %d keys present", values.Len())
	}
}
