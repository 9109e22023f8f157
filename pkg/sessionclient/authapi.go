package sessionclient

import (
	"context"
	"time"
)

// Credentials are submitted to the login exchange.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// User is the identity attached to a session.
type User struct {
	ID          string          `json:"id"`
	Username    string          `json:"username"`
	Email       string          `json:"email"`
	DisplayName string          `json:"display_name"`
	Roles       []string        `json:"roles,omitempty"`
	Permissions map[string]bool `json:"permissions,omitempty"`
}

// Session is the credential record kept by TokenStore.
type Session struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
}

// TokenGrant is returned by the login and refresh exchanges. ExpiresAt wins over ExpiresIn when both are set.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    time.Duration
	ExpiresAt    time.Time
}

// LoginResult carries the issued tokens and the user profile.
type LoginResult struct {
	TokenGrant
	User User
}

// RoleGrant is the role list and permission map served by the roles exchange.
type RoleGrant struct {
	Roles       []string
	Permissions map[string]bool
}

// AuthAPI performs the network exchanges the session coordinator depends on.
//
// Implementations classify failures: ErrInvalidCredentials for a rejected login,
// ErrRefreshRejected for a rejected refresh token, ErrUnauthorized for a rejected bearer token,
// and ErrNetwork for anything transient.
type AuthAPI interface {
	Login(ctx context.Context, credentials Credentials) (LoginResult, error)
	Refresh(ctx context.Context, refreshToken string) (TokenGrant, error)
	Validate(ctx context.Context, accessToken string) error
	Roles(ctx context.Context, accessToken string) (RoleGrant, error)
	Logout(ctx context.Context, refreshToken string) error
}

func (grant TokenGrant) expiry(now time.Time) time.Time {
	if !grant.ExpiresAt.IsZero() {
		return grant.ExpiresAt.UTC()
	}
	if grant.ExpiresIn > 0 {
		return now.Add(grant.ExpiresIn).UTC()
	}
	claims, err := ParseAccessToken(grant.AccessToken, now)
	if err != nil {
		return time.Time{}
	}
	return claims.GetExpiresAt().UTC()
}
