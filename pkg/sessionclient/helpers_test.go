package sessionclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	testTokenLifetime = time.Hour
	testRefreshToken  = "refresh-initial"
)

var clockStart = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

var testUser = User{
	ID:          "user-1",
	Username:    "registrar",
	Email:       "registrar@example.edu",
	DisplayName: "Registrar",
}

func mintTestToken(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	claims := &AccessTokenClaims{
		UserID: testUser.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   testUser.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-signing-key"))
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return signed
}

func issueTestGrant(t *testing.T, now time.Time, refreshToken string) TokenGrant {
	t.Helper()
	return TokenGrant{
		AccessToken:  mintTestToken(t, now.Add(testTokenLifetime)),
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    testTokenLifetime,
	}
}

// fakeAuthAPI counts calls and delegates to optional overrides.
type fakeAuthAPI struct {
	t     *testing.T
	clock clockwork.Clock

	mutex        sync.Mutex
	calls        map[string]int
	loginFunc    func(ctx context.Context, credentials Credentials) (LoginResult, error)
	refreshFunc  func(ctx context.Context, refreshToken string) (TokenGrant, error)
	validateFunc func(ctx context.Context, accessToken string) error
	rolesFunc    func(ctx context.Context, accessToken string) (RoleGrant, error)
	logoutFunc   func(ctx context.Context, refreshToken string) error
}

func newFakeAuthAPI(t *testing.T, clock clockwork.Clock) *fakeAuthAPI {
	return &fakeAuthAPI{t: t, clock: clock, calls: make(map[string]int)}
}

func (api *fakeAuthAPI) record(name string) {
	api.mutex.Lock()
	defer api.mutex.Unlock()
	api.calls[name]++
}

func (api *fakeAuthAPI) count(name string) int {
	api.mutex.Lock()
	defer api.mutex.Unlock()
	return api.calls[name]
}

func (api *fakeAuthAPI) Login(ctx context.Context, credentials Credentials) (LoginResult, error) {
	api.record("login")
	if api.loginFunc != nil {
		return api.loginFunc(ctx, credentials)
	}
	if credentials.Password != "correct-horse" {
		return LoginResult{}, ErrInvalidCredentials
	}
	return LoginResult{TokenGrant: issueTestGrant(api.t, api.clock.Now(), testRefreshToken), User: testUser}, nil
}

func (api *fakeAuthAPI) Refresh(ctx context.Context, refreshToken string) (TokenGrant, error) {
	api.record("refresh")
	if api.refreshFunc != nil {
		return api.refreshFunc(ctx, refreshToken)
	}
	return issueTestGrant(api.t, api.clock.Now(), "refresh-rotated"), nil
}

func (api *fakeAuthAPI) Validate(ctx context.Context, accessToken string) error {
	api.record("validate")
	if api.validateFunc != nil {
		return api.validateFunc(ctx, accessToken)
	}
	return nil
}

func (api *fakeAuthAPI) Roles(ctx context.Context, accessToken string) (RoleGrant, error) {
	api.record("roles")
	if api.rolesFunc != nil {
		return api.rolesFunc(ctx, accessToken)
	}
	return RoleGrant{
		Roles:       []string{"dean"},
		Permissions: map[string]bool{"curriculum.approve": true},
	}, nil
}

func (api *fakeAuthAPI) Logout(ctx context.Context, refreshToken string) error {
	api.record("logout")
	if api.logoutFunc != nil {
		return api.logoutFunc(ctx, refreshToken)
	}
	return nil
}

type testHarness struct {
	manager *Manager
	api     *fakeAuthAPI
	clock   *clockwork.FakeClock
	metrics *CounterMetrics
	values  *MemoryKeyValueStore
}

func newTestHarness(t *testing.T, configure func(config *Config)) *testHarness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(clockStart)
	api := newFakeAuthAPI(t, clock)
	metrics := NewCounterMetrics()
	values := NewMemoryKeyValueStore()
	config := Config{
		BaseURL:           "http://api.invalid",
		AuthAPI:           api,
		Store:             values,
		Clock:             clock,
		Logger:            zap.NewNop(),
		Metrics:           metrics,
		ProactiveInterval: time.Minute,
		HeartbeatInterval: time.Hour,
		RequestTimeout:    time.Second,
	}
	if configure != nil {
		configure(&config)
	}
	manager, err := New(config)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(manager.scheduler.Stop)
	return &testHarness{manager: manager, api: api, clock: clock, metrics: metrics, values: values}
}

// seedSession stores a session issued at the current fake time without starting background tasks.
func (harness *testHarness) seedSession(t *testing.T) string {
	t.Helper()
	grant := issueTestGrant(t, harness.clock.Now(), testRefreshToken)
	if _, err := harness.manager.store.Save(context.Background(), grant, testUser); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return grant.AccessToken
}

// activate seeds a session and restores it, which marks it active and starts the scheduler.
func (harness *testHarness) activate(t *testing.T) string {
	t.Helper()
	accessToken := harness.seedSession(t)
	restored, err := harness.manager.Restore(context.Background())
	if err != nil || !restored {
		t.Fatalf("restore: restored=%v err=%v", restored, err)
	}
	return accessToken
}

type endedRecorder struct {
	mutex  sync.Mutex
	events []SessionEndedEvent
}

func (recorder *endedRecorder) observe(event SessionEndedEvent) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.events = append(recorder.events, event)
}

func (recorder *endedRecorder) snapshot() []SessionEndedEvent {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return append([]SessionEndedEvent(nil), recorder.events...)
}
