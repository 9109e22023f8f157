package authserver

import "context"

// UserStore authenticates staff accounts and loads their profiles.
type UserStore interface {
	Authenticate(ctx context.Context, username string, password string) (UserProfile, error)
	GetUserProfile(ctx context.Context, applicationUserID string) (UserProfile, error)
}

// RefreshTokenStore manages long-lived rotating refresh tokens.
type RefreshTokenStore interface {
	Issue(ctx context.Context, applicationUserID string, expiresUnix int64, previousTokenID string) (tokenID string, tokenOpaque string, err error)
	Validate(ctx context.Context, tokenOpaque string) (applicationUserID string, tokenID string, expiresUnix int64, err error)
	Revoke(ctx context.Context, tokenID string) error
}
