package authserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/tyemirov/curriculumconsole/pkg/sessionclient"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

const testPassword = "approval-chain-2026"

var testClockStart = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

func newTestServerConfig() ServerConfig {
	return ServerConfig{
		SigningKey: []byte("authserver-test-signing-key"),
		Issuer:     "curriculum-auth-test",
		AccessTTL:  10 * time.Minute,
		RefreshTTL: time.Hour,
	}
}

type testBackend struct {
	router        *gin.Engine
	config        ServerConfig
	users         *InMemoryUsers
	refreshTokens *MemoryRefreshTokenStore
	metrics       *sessionclient.CounterMetrics
	clock         *clockwork.FakeClock
	staff         map[string]UserProfile
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()
	return newTestBackendWithLogger(t, zaptest.NewLogger(t))
}

func newTestBackendWithLogger(t *testing.T, logger *zap.Logger) *testBackend {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := clockwork.NewFakeClockAt(testClockStart)
	users := NewInMemoryUsers(bcrypt.MinCost)
	profiles, err := SeedStaff(users, testPassword)
	if err != nil {
		t.Fatalf("seed staff: %v", err)
	}
	staff := make(map[string]UserProfile, len(profiles))
	for _, profile := range profiles {
		staff[profile.Username] = profile
	}
	backend := &testBackend{
		router:        gin.New(),
		config:        newTestServerConfig(),
		users:         users,
		refreshTokens: NewMemoryRefreshTokenStore(clock),
		metrics:       sessionclient.NewCounterMetrics(),
		clock:         clock,
		staff:         staff,
	}
	mountErr := MountAuthRoutes(backend.router, backend.config, backend.users, backend.refreshTokens, NewCurriculumCatalog(testClockStart), Dependencies{
		Clock:   clock,
		Logger:  logger,
		Metrics: backend.metrics,
	})
	if mountErr != nil {
		t.Fatalf("mount routes: %v", mountErr)
	}
	return backend
}

func (backend *testBackend) do(t *testing.T, method string, path string, body any, accessToken string) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		payload = encoded
	}
	request := httptest.NewRequest(method, path, bytes.NewReader(payload))
	request.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+accessToken)
	}
	recorder := httptest.NewRecorder()
	backend.router.ServeHTTP(recorder, request)
	return recorder
}

func (backend *testBackend) login(t *testing.T, username string) tokenPayload {
	t.Helper()
	recorder := backend.do(t, http.MethodPost, "/auth/login", map[string]string{"username": username, "password": testPassword}, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from login, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload tokenPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode login payload: %v", err)
	}
	return payload
}

func decodeErrorCode(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", recorder.Body.String(), err)
	}
	return body.Error
}
