// Package console hosts the curriculum console's session endpoints and API proxy.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/tyemirov/curriculumconsole/pkg/sessionclient"
	webassets "github.com/tyemirov/curriculumconsole/web"
	"go.uber.org/zap"
)

// NonceHeader carries the login nonce issued by GET /session/nonce.
const NonceHeader = "X-Console-Nonce"

const maxProxyBodyBytes = 1 << 20

var forwardedRequestHeaders = []string{"Accept", "Content-Type", "If-None-Match"}

var forwardedResponseHeaders = []string{"Content-Type", "Cache-Control", "ETag", sessionclient.RequestIDHeader}

// SessionManager is the session surface the host drives.
type SessionManager interface {
	Login(ctx context.Context, credentials sessionclient.Credentials) (sessionclient.User, error)
	Logout(ctx context.Context)
	Call(ctx context.Context, request sessionclient.Request) (*sessionclient.Response, error)
	OnSessionEnded(listener func(sessionclient.SessionEndedEvent)) func()
	HandleVisibilityRegained(ctx context.Context)
	HandleFocus(ctx context.Context)
	HandleUnload()
	CurrentUser(ctx context.Context) (sessionclient.User, bool)
	IsAuthenticated(ctx context.Context) bool
	ExpiresAt(ctx context.Context) (time.Time, bool)
	BackgroundRunning() bool
}

// Options configures a Host.
type Options struct {
	Manager        SessionManager
	Nonces         NonceStore
	Clock          clockwork.Clock
	Logger         *zap.Logger
	MetricsHandler http.Handler
	Script         ScriptConfig
	// AllowedOrigins lists cross-origin pages, besides the console's own host, that may drive the
	// session endpoints.
	AllowedOrigins []string
}

// Host exposes one session manager to the browser.
type Host struct {
	manager        SessionManager
	nonces         NonceStore
	clock          clockwork.Clock
	logger         *zap.Logger
	metricsHandler http.Handler
	script         ScriptConfig
	allowedOrigins map[string]struct{}
	unsubscribe    func()

	endedMutex sync.Mutex
	lastEnded  *sessionclient.SessionEndedEvent
}

type sessionStatus struct {
	Authenticated     bool                `json:"authenticated"`
	User              *sessionclient.User `json:"user,omitempty"`
	ExpiresAt         *time.Time          `json:"expires_at,omitempty"`
	BackgroundRunning bool                `json:"background_running"`
	LastEndedReason   string              `json:"last_ended_reason,omitempty"`
	LastEndedAt       *time.Time          `json:"last_ended_at,omitempty"`
}

// NewHost validates options and subscribes to session-ended notifications.
func NewHost(options Options) (*Host, error) {
	if options.Manager == nil {
		return nil, errors.New("console.host: session manager is required")
	}
	if options.Clock == nil {
		options.Clock = clockwork.NewRealClock()
	}
	if options.Nonces == nil {
		options.Nonces = NewMemoryNonceStore(5*time.Minute, options.Clock)
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.Script.SessionPath == "" {
		options.Script.SessionPath = "/session"
	}
	if options.Script.APIPath == "" {
		options.Script.APIPath = "/api"
	}
	host := &Host{
		manager:        options.Manager,
		nonces:         options.Nonces,
		clock:          options.Clock,
		logger:         options.Logger,
		metricsHandler: options.MetricsHandler,
		script:         options.Script,
		allowedOrigins: make(map[string]struct{}),
	}
	if len(options.AllowedOrigins) > 0 {
		sanitized, originsErr := sanitizeOrigins(options.Logger, options.AllowedOrigins)
		if originsErr != nil {
			return nil, fmt.Errorf("console.host: %w", originsErr)
		}
		for _, origin := range sanitized {
			host.allowedOrigins[origin] = struct{}{}
		}
	}
	host.unsubscribe = options.Manager.OnSessionEnded(host.recordEnded)
	return host, nil
}

// Close detaches the host from the session manager.
func (host *Host) Close() {
	host.unsubscribe()
}

// Mount registers the session, proxy, and static routes. Session mutations and proxied calls only
// accept same-origin requests.
func (host *Host) Mount(router gin.IRouter) {
	router.GET("/session", host.handleStatus)
	router.GET("/session/nonce", host.handleNonce)
	router.POST("/session/login", host.requireSameOrigin, host.handleLogin)
	router.POST("/session/logout", host.requireSameOrigin, host.handleLogout)
	router.POST("/session/visible", host.requireSameOrigin, host.handleVisible)
	router.POST("/session/unload", host.requireSameOrigin, host.handleUnload)
	router.Any("/api/*path", host.requireSameOrigin, host.handleProxy)
	router.GET("/static/session-hooks.js", func(contextGin *gin.Context) {
		ServeEmbeddedStaticJS(contextGin, webassets.FS, webassets.SessionHooksPath)
	})
	router.GET("/static/console-config.js", func(contextGin *gin.Context) {
		ServeConfigScript(contextGin, host.script)
	})
	if host.metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(host.metricsHandler))
	}
}

func (host *Host) recordEnded(event sessionclient.SessionEndedEvent) {
	host.endedMutex.Lock()
	host.lastEnded = &event
	host.endedMutex.Unlock()
	host.logger.Info("session ended",
		zap.String("code", "console.session.ended"),
		zap.String("reason", string(event.Reason)),
		zap.Error(event.Err))
}

func (host *Host) handleStatus(contextGin *gin.Context) {
	ctx := contextGin.Request.Context()
	status := sessionStatus{
		Authenticated:     host.manager.IsAuthenticated(ctx),
		BackgroundRunning: host.manager.BackgroundRunning(),
	}
	if user, ok := host.manager.CurrentUser(ctx); ok && status.Authenticated {
		status.User = &user
	}
	if expiresAt, ok := host.manager.ExpiresAt(ctx); ok && status.Authenticated {
		status.ExpiresAt = &expiresAt
	}
	host.endedMutex.Lock()
	if host.lastEnded != nil {
		status.LastEndedReason = string(host.lastEnded.Reason)
		endedAt := host.lastEnded.At
		status.LastEndedAt = &endedAt
	}
	host.endedMutex.Unlock()
	contextGin.Header("Cache-Control", "no-store")
	contextGin.JSON(http.StatusOK, status)
}

func (host *Host) handleNonce(contextGin *gin.Context) {
	nonce, err := host.nonces.Issue(contextGin.Request.Context())
	if err != nil {
		host.logger.Error("nonce issue failed",
			zap.String("code", "console.nonce.issue_failed"),
			zap.Error(err))
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "nonce_unavailable"})
		return
	}
	contextGin.Header("Cache-Control", "no-store")
	contextGin.JSON(http.StatusOK, gin.H{"nonce": nonce})
}

func (host *Host) handleLogin(contextGin *gin.Context) {
	ctx := contextGin.Request.Context()
	if err := host.nonces.Consume(ctx, contextGin.GetHeader(NonceHeader)); err != nil {
		host.logger.Warn("login nonce rejected",
			zap.String("code", "console.login.nonce_rejected"),
			zap.Error(err))
		contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid_nonce"})
		return
	}
	var credentials sessionclient.Credentials
	if err := contextGin.ShouldBindJSON(&credentials); err != nil || strings.TrimSpace(credentials.Username) == "" || credentials.Password == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	user, err := host.manager.Login(ctx, credentials)
	if err != nil {
		status, code := classifyLoginError(err)
		host.logger.Info("console login failed",
			zap.String("code", "console.login.failed"),
			zap.String("username", credentials.Username),
			zap.Error(err))
		contextGin.AbortWithStatusJSON(status, gin.H{"error": code})
		return
	}
	host.endedMutex.Lock()
	host.lastEnded = nil
	host.endedMutex.Unlock()
	contextGin.JSON(http.StatusOK, gin.H{"user": user})
}

func (host *Host) handleLogout(contextGin *gin.Context) {
	host.manager.Logout(contextGin.Request.Context())
	contextGin.Status(http.StatusNoContent)
}

func (host *Host) handleVisible(contextGin *gin.Context) {
	var signal struct {
		Trigger string `json:"trigger"`
	}
	_ = contextGin.ShouldBindJSON(&signal)
	ctx := context.WithoutCancel(contextGin.Request.Context())
	if signal.Trigger == "focus" {
		host.manager.HandleFocus(ctx)
	} else {
		host.manager.HandleVisibilityRegained(ctx)
	}
	contextGin.Status(http.StatusNoContent)
}

func (host *Host) handleUnload(contextGin *gin.Context) {
	host.manager.HandleUnload()
	contextGin.Status(http.StatusNoContent)
}

func (host *Host) handleProxy(contextGin *gin.Context) {
	body, readErr := io.ReadAll(io.LimitReader(contextGin.Request.Body, maxProxyBodyBytes+1))
	if readErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
		return
	}
	if len(body) > maxProxyBodyBytes {
		contextGin.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body_too_large"})
		return
	}
	request := sessionclient.Request{
		Method: contextGin.Request.Method,
		Path:   host.script.APIPath + contextGin.Param("path"),
		Query:  contextGin.Request.URL.Query(),
		Header: http.Header{},
		Body:   body,
	}
	for _, name := range forwardedRequestHeaders {
		if value := contextGin.GetHeader(name); value != "" {
			request.Header.Set(name, value)
		}
	}

	response, err := host.manager.Call(contextGin.Request.Context(), request)
	if err != nil {
		status, code := classifyCallError(err)
		host.logger.Warn("proxied call failed",
			zap.String("code", "console.proxy.failed"),
			zap.String("method", request.Method),
			zap.String("path", request.Path),
			zap.Error(err))
		contextGin.AbortWithStatusJSON(status, gin.H{"error": code})
		return
	}
	for _, name := range forwardedResponseHeaders {
		if value := response.Header.Get(name); value != "" {
			contextGin.Header(name, value)
		}
	}
	contentType := response.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	contextGin.Data(response.StatusCode, contentType, response.Body)
}

func classifyLoginError(err error) (int, string) {
	switch {
	case errors.Is(err, sessionclient.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, sessionclient.ErrNetwork):
		return http.StatusBadGateway, "auth_unavailable"
	default:
		return http.StatusInternalServerError, "login_failed"
	}
}

func classifyCallError(err error) (int, string) {
	switch {
	case errors.Is(err, sessionclient.ErrReauthRequired), errors.Is(err, sessionclient.ErrNotAuthenticated):
		return http.StatusUnauthorized, "reauth_required"
	case errors.Is(err, sessionclient.ErrSessionSuperseded):
		return http.StatusConflict, "session_changed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream_timeout"
	case errors.Is(err, sessionclient.ErrNetwork):
		return http.StatusBadGateway, "upstream_unavailable"
	default:
		return http.StatusInternalServerError, "proxy_failed"
	}
}
