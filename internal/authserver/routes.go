package authserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/tyemirov/curriculumconsole/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	tokenTypeBearer = "Bearer"

	errorCodeInvalidRequest     = "invalid_request"
	errorCodeInvalidCredentials = "invalid_credentials"
	errorCodeInvalidGrant       = "invalid_grant"
	errorCodeInvalidToken       = "invalid_token"
	errorCodeNotFound           = "not_found"
	errorCodeServerError        = "server_error"
)

type tokenPayload struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int64        `json:"expires_in"`
	ExpiresAt    time.Time    `json:"expires_at"`
	User         *UserProfile `json:"user,omitempty"`
}

type curriculumView struct {
	CurriculumRecord
	Actionable bool `json:"actionable"`
}

type authHandlers struct {
	configuration ServerConfig
	users         UserStore
	refreshTokens RefreshTokenStore
	catalog       *CurriculumCatalog
	clock         clockwork.Clock
	logger        *zap.Logger
	metrics       MetricsRecorder
}

// MountAuthRoutes registers the /auth exchanges and the bearer-protected /api/curricula routes.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, users UserStore, refreshTokens RefreshTokenStore, catalog *CurriculumCatalog, dependencies Dependencies) error {
	if err := configuration.Validate(); err != nil {
		return err
	}
	if users == nil || refreshTokens == nil || catalog == nil {
		return errors.New("auth_server.mount: user store, refresh store and catalog are required")
	}
	dependencies = dependencies.withDefaults()
	requireBearer, middlewareErr := RequireBearer(configuration, dependencies.Clock)
	if middlewareErr != nil {
		return middlewareErr
	}
	handlers := &authHandlers{
		configuration: configuration,
		users:         users,
		refreshTokens: refreshTokens,
		catalog:       catalog,
		clock:         dependencies.Clock,
		logger:        dependencies.Logger,
		metrics:       dependencies.Metrics,
	}

	router.POST("/auth/login", handlers.login)
	router.POST("/auth/refresh", handlers.refresh)
	router.POST("/auth/logout", handlers.logout)

	protected := router.Group("/", requireBearer)
	protected.GET("/auth/validate", handlers.validate)
	protected.GET("/auth/roles", handlers.roles)
	protected.GET("/api/curricula", handlers.listCurricula)
	protected.GET("/api/curricula/:id", handlers.getCurriculum)
	return nil
}

func (handlers *authHandlers) login(contextGin *gin.Context) {
	var inbound struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Username) == "" || inbound.Password == "" {
		abortWithError(contextGin, http.StatusBadRequest, errorCodeInvalidRequest, "username and password are required")
		return
	}
	profile, authErr := handlers.users.Authenticate(contextGin, inbound.Username, inbound.Password)
	if authErr != nil {
		handlers.metrics.Increment(EventLoginFailure)
		if errors.Is(authErr, ErrInvalidCredentials) {
			handlers.logger.Info("login rejected",
				zap.String("code", "auth_server.login.rejected"),
				zap.String("username", inbound.Username))
			abortWithError(contextGin, http.StatusUnauthorized, errorCodeInvalidCredentials, "username or password is incorrect")
			return
		}
		handlers.logger.Error("login lookup failed",
			zap.String("code", "auth_server.login.lookup_failed"),
			zap.Error(authErr))
		abortWithError(contextGin, http.StatusInternalServerError, errorCodeServerError, "")
		return
	}
	payload, issueErr := handlers.issueTokens(contextGin, profile, "")
	if issueErr != nil {
		handlers.logger.Error("login token issue failed",
			zap.String("code", "auth_server.login.issue_failed"),
			zap.String("user_id", profile.ID),
			zap.Error(issueErr))
		abortWithError(contextGin, http.StatusInternalServerError, errorCodeServerError, "")
		return
	}
	payload.User = &profile
	handlers.metrics.Increment(EventLoginSuccess)
	handlers.logger.Info("login succeeded",
		zap.String("code", "auth_server.login.success"),
		zap.String("user_id", profile.ID))
	contextGin.JSON(http.StatusOK, payload)
}

func (handlers *authHandlers) refresh(contextGin *gin.Context) {
	var inbound struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.RefreshToken) == "" {
		handlers.rejectRefresh(contextGin, "refresh token is required", nil)
		return
	}
	applicationUserID, currentTokenID, _, validateErr := handlers.refreshTokens.Validate(contextGin, inbound.RefreshToken)
	if validateErr != nil {
		handlers.rejectRefresh(contextGin, "refresh token is not valid", validateErr)
		return
	}
	// Revoking first makes the old token single-use when two exchanges race.
	if revokeErr := handlers.refreshTokens.Revoke(contextGin, currentTokenID); revokeErr != nil {
		handlers.rejectRefresh(contextGin, "refresh token is not valid", revokeErr)
		return
	}
	profile, profileErr := handlers.users.GetUserProfile(contextGin, applicationUserID)
	if profileErr != nil {
		handlers.rejectRefresh(contextGin, "account is no longer active", profileErr)
		return
	}
	payload, issueErr := handlers.issueTokens(contextGin, profile, currentTokenID)
	if issueErr != nil {
		handlers.logger.Error("refresh token issue failed",
			zap.String("code", "auth_server.refresh.issue_failed"),
			zap.String("user_id", profile.ID),
			zap.Error(issueErr))
		abortWithError(contextGin, http.StatusInternalServerError, errorCodeServerError, "")
		return
	}
	handlers.metrics.Increment(EventRefreshSuccess)
	handlers.logger.Debug("refresh succeeded",
		zap.String("code", "auth_server.refresh.success"),
		zap.String("user_id", profile.ID))
	contextGin.JSON(http.StatusOK, payload)
}

func (handlers *authHandlers) rejectRefresh(contextGin *gin.Context, description string, cause error) {
	handlers.metrics.Increment(EventRefreshRejected)
	handlers.logger.Info("refresh rejected",
		zap.String("code", "auth_server.refresh.rejected"),
		zap.Error(cause))
	abortWithError(contextGin, http.StatusUnauthorized, errorCodeInvalidGrant, description)
}

func (handlers *authHandlers) logout(contextGin *gin.Context) {
	var inbound struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err == nil && strings.TrimSpace(inbound.RefreshToken) != "" {
		_, tokenID, _, validateErr := handlers.refreshTokens.Validate(contextGin, inbound.RefreshToken)
		if validateErr == nil && tokenID != "" {
			_ = handlers.refreshTokens.Revoke(contextGin, tokenID)
		}
	}
	handlers.metrics.Increment(EventLogout)
	contextGin.Status(http.StatusNoContent)
}

func (handlers *authHandlers) validate(contextGin *gin.Context) {
	claims, ok := sessionvalidator.ClaimsFromContext(contextGin, sessionvalidator.DefaultContextKey)
	if !ok {
		abortWithError(contextGin, http.StatusUnauthorized, errorCodeInvalidToken, "")
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{
		"valid":      true,
		"user_id":    claims.GetUserID(),
		"expires_at": claims.GetExpiresAt().UTC(),
	})
}

func (handlers *authHandlers) roles(contextGin *gin.Context) {
	claims, ok := sessionvalidator.ClaimsFromContext(contextGin, sessionvalidator.DefaultContextKey)
	if !ok {
		abortWithError(contextGin, http.StatusUnauthorized, errorCodeInvalidToken, "")
		return
	}
	profile, profileErr := handlers.users.GetUserProfile(contextGin, claims.GetUserID())
	if profileErr != nil {
		if errors.Is(profileErr, ErrUserProfileNotFound) {
			handlers.logger.Warn("user profile missing",
				zap.String("code", "auth_server.roles.profile_missing"),
				zap.String("user_id", claims.GetUserID()))
			abortWithError(contextGin, http.StatusUnauthorized, errorCodeInvalidToken, "")
			return
		}
		abortWithError(contextGin, http.StatusInternalServerError, errorCodeServerError, "")
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{
		"roles":       profile.Roles,
		"permissions": PermissionsForRoles(profile.Roles),
	})
}

func (handlers *authHandlers) listCurricula(contextGin *gin.Context) {
	claims, _ := sessionvalidator.ClaimsFromContext(contextGin, sessionvalidator.DefaultContextKey)
	records := handlers.catalog.List()
	views := make([]curriculumView, 0, len(records))
	for _, record := range records {
		views = append(views, curriculumView{CurriculumRecord: record, Actionable: canAct(claims, record.Stage)})
	}
	contextGin.JSON(http.StatusOK, gin.H{"curricula": views})
}

func (handlers *authHandlers) getCurriculum(contextGin *gin.Context) {
	claims, _ := sessionvalidator.ClaimsFromContext(contextGin, sessionvalidator.DefaultContextKey)
	record, ok := handlers.catalog.Get(contextGin.Param("id"))
	if !ok {
		abortWithError(contextGin, http.StatusNotFound, errorCodeNotFound, "")
		return
	}
	contextGin.JSON(http.StatusOK, curriculumView{CurriculumRecord: record, Actionable: canAct(claims, record.Stage)})
}

func (handlers *authHandlers) issueTokens(contextGin *gin.Context, profile UserProfile, previousTokenID string) (tokenPayload, error) {
	accessToken, accessExpiresAt, mintErr := MintAccessToken(handlers.clock, profile, handlers.configuration.Issuer, handlers.configuration.SigningKey, handlers.configuration.AccessTTL)
	if mintErr != nil {
		return tokenPayload{}, mintErr
	}
	refreshExpiresAt := handlers.clock.Now().UTC().Add(handlers.configuration.RefreshTTL)
	_, refreshOpaque, issueErr := handlers.refreshTokens.Issue(contextGin, profile.ID, refreshExpiresAt.Unix(), previousTokenID)
	if issueErr != nil {
		return tokenPayload{}, issueErr
	}
	return tokenPayload{
		AccessToken:  accessToken,
		RefreshToken: refreshOpaque,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    int64(handlers.configuration.AccessTTL / time.Second),
		ExpiresAt:    accessExpiresAt,
	}, nil
}

func canAct(claims *sessionvalidator.Claims, stage WorkflowStage) bool {
	if claims.HasRole(RoleAdministrator) {
		return stage != StageApproved
	}
	reviewer, ok := ReviewerRole(stage)
	return ok && claims.HasRole(reviewer)
}

func abortWithError(contextGin *gin.Context, status int, code string, description string) {
	body := gin.H{"error": code}
	if description != "" {
		body["error_description"] = description
	}
	contextGin.AbortWithStatusJSON(status, body)
}
