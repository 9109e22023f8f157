package sessionclient

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const accessTokenSegmentCount = 3

// AccessTokenClaims are the claims the client reads from an access token without verifying it.
type AccessTokenClaims struct {
	UserID          string   `json:"user_id"`
	UserEmail       string   `json:"user_email"`
	UserDisplayName string   `json:"user_display_name"`
	UserRoles       []string `json:"user_roles"`
	jwt.RegisteredClaims
}

// GetExpiresAt returns the expiry timestamp.
func (claims *AccessTokenClaims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// ParseAccessToken checks the structural format of an access token and its embedded expiry.
// The signature is not verified; only the issuing server can do that.
func ParseAccessToken(tokenString string, now time.Time) (*AccessTokenClaims, error) {
	segments := strings.Split(tokenString, ".")
	if len(segments) != accessTokenSegmentCount {
		return nil, fmt.Errorf("session.client.parse_token: %d segments: %w", len(segments), ErrTokenInvalid)
	}
	for _, segment := range segments {
		if segment == "" {
			return nil, fmt.Errorf("session.client.parse_token: empty segment: %w", ErrTokenInvalid)
		}
	}
	claims := &AccessTokenClaims{}
	if _, _, parseErr := jwt.NewParser().ParseUnverified(tokenString, claims); parseErr != nil {
		return nil, fmt.Errorf("session.client.parse_token: %v: %w", parseErr, ErrTokenInvalid)
	}
	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("session.client.parse_token: missing exp: %w", ErrTokenInvalid)
	}
	if !now.Before(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("session.client.parse_token: expired: %w", ErrTokenInvalid)
	}
	return claims, nil
}
