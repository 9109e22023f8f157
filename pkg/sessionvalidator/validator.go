// Package sessionvalidator verifies curriculum console access tokens presented as bearer credentials.
package sessionvalidator

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

// Config configures the Validator.
type Config struct {
	SigningKey []byte
	Issuer     string
	// Leeway tolerates clock skew between issuer and validator when checking exp and nbf.
	Leeway time.Duration
	Clock  clockwork.Clock
}

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "auth_claims"

const bearerScheme = "Bearer"

// Sentinel errors exposed by the validator.
var (
	ErrMissingSigningKey = errors.New("session.validator.missing_signing_key")
	ErrMissingIssuer     = errors.New("session.validator.missing_issuer")
	ErrMissingToken      = errors.New("session.validator.missing_token")
	ErrMissingBearer     = errors.New("session.validator.missing_bearer")
	ErrInvalidToken      = errors.New("session.validator.invalid_token")
	ErrInvalidIssuer     = errors.New("session.validator.invalid_issuer")
	ErrTokenExpired      = errors.New("session.validator.expired")
)

// Validator validates HS256 access tokens minted by the curriculum auth backend.
type Validator struct {
	signingKey []byte
	issuer     string
	leeway     time.Duration
	clock      clockwork.Clock
}

// Claims represent the payload embedded inside console access tokens.
type Claims struct {
	UserID          string   `json:"user_id"`
	Username        string   `json:"username"`
	UserEmail       string   `json:"user_email"`
	UserDisplayName string   `json:"user_display_name"`
	UserRoles       []string `json:"user_roles"`
	jwt.RegisteredClaims
}

// GetUserID returns the user identifier from the token.
func (claims *Claims) GetUserID() string {
	if claims == nil {
		return ""
	}
	return claims.UserID
}

// GetUsername returns the login name stored in the token.
func (claims *Claims) GetUsername() string {
	if claims == nil {
		return ""
	}
	return claims.Username
}

// GetUserEmail returns the email associated with the token.
func (claims *Claims) GetUserEmail() string {
	if claims == nil {
		return ""
	}
	return claims.UserEmail
}

// GetUserDisplayName returns the display name stored in the token.
func (claims *Claims) GetUserDisplayName() string {
	if claims == nil {
		return ""
	}
	return claims.UserDisplayName
}

// GetUserRoles returns the roles associated with the token.
func (claims *Claims) GetUserRoles() []string {
	if claims == nil {
		return nil
	}
	return claims.UserRoles
}

// HasRole reports whether role is among the token roles.
func (claims *Claims) HasRole(role string) bool {
	return slices.Contains(claims.GetUserRoles(), role)
}

// GetExpiresAt returns the expiry timestamp.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingIssuer)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Validator{
		signingKey: configuration.SigningKey,
		issuer:     configuration.Issuer,
		leeway:     configuration.Leeway,
		clock:      clock,
	}, nil
}

// ValidateToken validates the provided JWT string and returns the parsed claims.
func (validator *Validator) ValidateToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrMissingToken)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return validator.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(validator.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(validator.leeway),
		jwt.WithTimeFunc(validator.clock.Now),
	)
	if parseErr != nil {
		switch {
		case errors.Is(parseErr, jwt.ErrTokenExpired):
			return nil, fmt.Errorf("session.validator.validate_token: %w", ErrTokenExpired)
		case errors.Is(parseErr, jwt.ErrTokenInvalidIssuer):
			return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidIssuer)
		default:
			return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
		}
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok || !parsedToken.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	return claims, nil
}

// ValidateRequest reads the bearer credential from the Authorization header and validates it.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingToken)
	}
	token, ok := BearerToken(request.Header.Get("Authorization"))
	if !ok {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingBearer)
	}
	return validator.ValidateToken(token)
}

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(headerValue string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(headerValue), " ")
	if !found || !strings.EqualFold(scheme, bearerScheme) {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// GinMiddleware returns a Gin middleware that validates the bearer token and injects claims.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			contextGin.Header("WWW-Authenticate", `Bearer error="invalid_token"`)
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}

// ClaimsFromContext returns the claims stored by GinMiddleware under contextKey.
func ClaimsFromContext(contextGin *gin.Context, contextKey string) (*Claims, bool) {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	value, exists := contextGin.Get(contextKey)
	if !exists {
		return nil, false
	}
	claims, ok := value.(*Claims)
	return claims, ok
}
